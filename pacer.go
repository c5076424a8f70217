//go:build !windows
// +build !windows

package main

import (
	"context"
	"errors"
	"io"
	"time"

	"golang.org/x/time/rate"
)

// Reference producer configuration
const (
	tsPacketSize     = 188                 // MPEG-TS packet size
	defaultRate      = 6_000_000           // Target bits per second
	defaultFrameSize = tsPacketSize * 1000 // Bytes per producer write
	defaultFill      = 'G'                 // Filler byte
	defaultInterval  = time.Second         // Pacing interval
)

// PacerConfig holds configuration for the rate-paced producer.
type PacerConfig struct {
	Rate      int64         // Target bits per second
	FrameSize int           // Bytes per write
	Fill      byte          // Value every frame byte is set to
	Interval  time.Duration // Length of one pacing interval
	Smooth    bool          // Spread frames over the interval with a token bucket
}

// IntervalReport describes one completed pacing interval.
type IntervalReport struct {
	Index  int
	Frames int
	Bytes  int64
	Write  time.Duration // Duration of the write burst
	Sleep  time.Duration // Pacing sleep after the burst, zero when behind schedule
}

// Pacer writes fixed-size frames to a sink at a target bit rate.
//
// Every interval starts at the current wall clock time, writes whole
// frames until the interval's byte target is met, then sleeps for
// whatever is left of the interval. A burst that overruns the interval
// skips the sleep, so the next interval starts immediately and the
// overshoot never compounds.
//
// Two pacing modes are supported:
//   - Burst (default): Frames written back to back, then one sleep
//   - Smooth: Each frame waits on a token bucket before the write
type Pacer struct {
	config  PacerConfig
	frame   []byte
	target  int64
	limiter *rate.Limiter // Used in smooth mode

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	// OnInterval is called after every interval, if set.
	OnInterval func(IntervalReport)
}

// flusher is implemented by buffered sinks such as *bufio.Writer.
type flusher interface {
	Flush() error
}

// NewPacer creates a new Pacer with the given configuration.
// The frame buffer is allocated once here and reused for every write.
func NewPacer(cfg PacerConfig) (*Pacer, error) {
	if cfg.Rate <= 0 {
		return nil, errors.New("rate must be positive")
	}
	if cfg.FrameSize <= 0 {
		return nil, errors.New("frame size must be positive")
	}
	if cfg.Interval <= 0 {
		return nil, errors.New("interval must be positive")
	}

	target := targetBytes(cfg.Rate, cfg.Interval)
	if target < 1 {
		return nil, errors.New("rate too low for interval: less than one byte per interval")
	}

	frame := make([]byte, cfg.FrameSize)
	for i := range frame {
		frame[i] = cfg.Fill
	}

	// Smooth mode: refill at the byte rate, one frame of burst so a
	// single WaitN never asks for more than the bucket holds
	var limiter *rate.Limiter
	if cfg.Smooth {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.Rate)/8), cfg.FrameSize)
	}

	return &Pacer{
		config:  cfg,
		frame:   frame,
		target:  target,
		limiter: limiter,
		now:     time.Now,
		sleep:   sleepContext,
	}, nil
}

// targetBytes returns the byte budget of one interval: rate / 8 × interval.
func targetBytes(bitsPerSec int64, interval time.Duration) int64 {
	return int64(float64(bitsPerSec) / 8 * interval.Seconds())
}

// TargetBytes returns the number of bytes the pacer aims to write per interval.
func (p *Pacer) TargetBytes() int64 {
	return p.target
}

// Run writes frames to dst until a write fails or ctx is cancelled.
// Write errors are returned unchanged.
func (p *Pacer) Run(ctx context.Context, dst io.Writer) error {
	return p.RunIntervals(ctx, dst, 0)
}

// RunIntervals is like Run but stops after n intervals. n <= 0 runs forever.
func (p *Pacer) RunIntervals(ctx context.Context, dst io.Writer, n int) error {
	for i := 0; n <= 0 || i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Anchor to the clock now, not to the previous deadline
		start := p.now()
		report := IntervalReport{Index: i}

		for report.Bytes < p.target {
			if err := p.writeFrame(ctx, dst); err != nil {
				return err
			}
			report.Frames++
			report.Bytes += int64(len(p.frame))
		}

		if f, ok := dst.(flusher); ok {
			if err := f.Flush(); err != nil {
				return err
			}
		}

		now := p.now()
		report.Write = now.Sub(start)
		if remaining := start.Add(p.config.Interval).Sub(now); remaining > 0 {
			report.Sleep = remaining
		}

		if err := p.sleep(ctx, report.Sleep); err != nil {
			return err
		}

		if p.OnInterval != nil {
			p.OnInterval(report)
		}
	}
	return nil
}

// writeFrame writes the whole frame or fails. A short write without an
// error is reported as io.ErrShortWrite, never resumed mid-frame.
func (p *Pacer) writeFrame(ctx context.Context, dst io.Writer) error {
	if p.limiter != nil {
		if err := p.limiter.WaitN(ctx, len(p.frame)); err != nil {
			return err
		}
	}

	n, err := dst.Write(p.frame)
	if err != nil {
		return err
	}
	if n != len(p.frame) {
		return io.ErrShortWrite
	}
	return nil
}

// sleepContext blocks for d or until ctx is done.
// Zero and negative durations return immediately.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
