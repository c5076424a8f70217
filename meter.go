//go:build !windows
// +build !windows

package main

import (
	"context"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// Meter counts the bytes passing through a stream.
// It is safe to read the count while the stream is in use.
type Meter struct {
	total atomic.Int64
}

// Total returns the number of bytes counted so far.
func (m *Meter) Total() int64 {
	return m.total.Load()
}

// Writer returns w wrapped so that every written byte is counted.
func (m *Meter) Writer(w io.Writer) io.Writer {
	return &meteredWriter{w: w, m: m}
}

// Reader returns r wrapped so that every read byte is counted.
func (m *Meter) Reader(r io.Reader) io.Reader {
	return &meteredReader{r: r, m: m}
}

type meteredWriter struct {
	w io.Writer
	m *Meter
}

func (mw *meteredWriter) Write(p []byte) (int, error) {
	n, err := mw.w.Write(p)
	mw.m.total.Add(int64(n))
	return n, err
}

// Flush passes through to a buffered sink so the pacer still flushes it.
func (mw *meteredWriter) Flush() error {
	if f, ok := mw.w.(flusher); ok {
		return f.Flush()
	}
	return nil
}

type meteredReader struct {
	r io.Reader
	m *Meter
}

func (mr *meteredReader) Read(p []byte) (int, error) {
	n, err := mr.r.Read(p)
	mr.m.total.Add(int64(n))
	return n, err
}

// SetReadDeadline passes through so AsyncDrainer can still cancel reads.
func (mr *meteredReader) SetReadDeadline(t time.Time) error {
	if dl, ok := mr.r.(deadliner); ok {
		return dl.SetReadDeadline(t)
	}
	return os.ErrNoDeadline
}

// Report logs the throughput of every period until ctx is done. The first
// period starts after offset, so a stream written in bursts on a period
// of its own can be sampled between bursts instead of on top of them.
// Each entry also carries the average since Report was called.
// It always returns nil so it can run in an errgroup next to the stream loop.
func (m *Meter) Report(ctx context.Context, every, offset time.Duration, log *zap.Logger) error {
	start := time.Now()
	startTotal := m.Total()

	if offset > 0 {
		timer := time.NewTimer(offset)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	prev := m.Total()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			total := m.Total()
			period := total - prev
			bps := float64(period) * 8 / now.Sub(last).Seconds()
			avg := float64(total-startTotal) * 8 / now.Sub(start).Seconds()
			log.Info("throughput",
				zap.String("rate", humanize.SIWithDigits(bps, 2, "bit/s")),
				zap.String("average", humanize.SIWithDigits(avg, 2, "bit/s")),
				zap.Int64("bytes", period),
				zap.String("total", humanize.Bytes(uint64(total))),
			)
			prev, last = total, now
		}
	}
}
