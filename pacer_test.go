//go:build !windows
// +build !windows

package main

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"pgregory.net/rapid"
)

// fakeClock stands in for the wall clock. Sleeping advances it.
type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.sleeps = append(c.sleeps, d)
	if d > 0 {
		c.now = c.now.Add(d)
	}
	return nil
}

// clockedWriter accepts every write and advances the clock by cost per write.
type clockedWriter struct {
	clock  *fakeClock
	cost   func(i int) time.Duration
	writes int
	total  int64
}

func (w *clockedWriter) Write(p []byte) (int, error) {
	if w.cost != nil {
		w.clock.now = w.clock.now.Add(w.cost(w.writes))
	}
	w.writes++
	w.total += int64(len(p))
	return len(p), nil
}

func fixedCost(d time.Duration) func(int) time.Duration {
	return func(int) time.Duration { return d }
}

// fataler is satisfied by *testing.T and *rapid.T
type fataler interface {
	Helper()
	Fatalf(format string, args ...any)
}

func newTestPacer(t fataler, cfg PacerConfig, clock *fakeClock) (*Pacer, *[]IntervalReport) {
	t.Helper()
	p, err := NewPacer(cfg)
	if err != nil {
		t.Fatalf("NewPacer failed: %v", err)
	}
	var reports []IntervalReport
	p.now = clock.Now
	p.sleep = clock.Sleep
	p.OnInterval = func(r IntervalReport) { reports = append(reports, r) }
	return p, &reports
}

func referenceConfig() PacerConfig {
	return PacerConfig{
		Rate:      defaultRate,
		FrameSize: defaultFrameSize,
		Fill:      defaultFill,
		Interval:  defaultInterval,
	}
}

func TestPacerTargetBytes(t *testing.T) {
	tests := []struct {
		rate     int64
		interval time.Duration
		want     int64
	}{
		{6_000_000, time.Second, 750_000},
		{6_000_000, 100 * time.Millisecond, 75_000},
		{8, time.Second, 1},
		{20_000_000, 2 * time.Second, 5_000_000},
	}

	for _, tt := range tests {
		p, err := NewPacer(PacerConfig{Rate: tt.rate, FrameSize: 1, Interval: tt.interval})
		if err != nil {
			t.Fatalf("NewPacer(%d, %v) failed: %v", tt.rate, tt.interval, err)
		}
		if got := p.TargetBytes(); got != tt.want {
			t.Errorf("TargetBytes(%d, %v) = %d, want %d", tt.rate, tt.interval, got, tt.want)
		}
	}
}

func TestNewPacerInvalid(t *testing.T) {
	tests := []struct {
		name string
		cfg  PacerConfig
	}{
		{"zero rate", PacerConfig{Rate: 0, FrameSize: 188, Interval: time.Second}},
		{"negative frame", PacerConfig{Rate: 8000, FrameSize: -1, Interval: time.Second}},
		{"zero interval", PacerConfig{Rate: 8000, FrameSize: 188, Interval: 0}},
		{"sub-byte target", PacerConfig{Rate: 4, FrameSize: 188, Interval: time.Second}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewPacer(tt.cfg); err == nil {
				t.Errorf("expected error for %+v", tt.cfg)
			}
		})
	}
}

func TestPacerFrameContent(t *testing.T) {
	p, err := NewPacer(referenceConfig())
	if err != nil {
		t.Fatalf("NewPacer failed: %v", err)
	}
	if len(p.frame) != 188_000 {
		t.Fatalf("frame size: got %d, want 188000", len(p.frame))
	}
	for i, b := range p.frame {
		if b != 'G' {
			t.Fatalf("frame[%d] = %q, want 'G'", i, b)
		}
	}
}

// Three intervals of the reference configuration stay within one frame
// of overshoot per interval.
func TestPacerReferenceThreeIntervals(t *testing.T) {
	clock := newFakeClock()
	p, reports := newTestPacer(t, referenceConfig(), clock)
	dst := &clockedWriter{clock: clock, cost: fixedCost(10 * time.Millisecond)}

	if err := p.RunIntervals(context.Background(), dst, 3); err != nil {
		t.Fatalf("RunIntervals failed: %v", err)
	}

	minTotal := int64(3 * 750_000)
	maxTotal := int64(3*750_000 + 188_000)
	if dst.total < minTotal || dst.total > maxTotal {
		t.Errorf("total bytes %d outside [%d, %d]", dst.total, minTotal, maxTotal)
	}

	if len(*reports) != 3 {
		t.Fatalf("got %d reports, want 3", len(*reports))
	}
	for _, r := range *reports {
		// 750000 / 188000 rounds up to 4 frames
		if r.Frames != 4 || r.Bytes != 752_000 {
			t.Errorf("interval %d: %d frames / %d bytes, want 4 / 752000", r.Index, r.Frames, r.Bytes)
		}
	}
}

func TestPacerSleepFillsInterval(t *testing.T) {
	clock := newFakeClock()
	p, reports := newTestPacer(t, referenceConfig(), clock)
	dst := &clockedWriter{clock: clock, cost: fixedCost(10 * time.Millisecond)}

	start := clock.Now()
	if err := p.RunIntervals(context.Background(), dst, 2); err != nil {
		t.Fatalf("RunIntervals failed: %v", err)
	}

	for i, r := range *reports {
		if r.Write != 40*time.Millisecond {
			t.Errorf("interval %d: write %v, want 40ms", i, r.Write)
		}
		if r.Sleep != 960*time.Millisecond {
			t.Errorf("interval %d: sleep %v, want 960ms", i, r.Sleep)
		}
	}

	if elapsed := clock.Now().Sub(start); elapsed != 2*time.Second {
		t.Errorf("elapsed %v, want 2s", elapsed)
	}
}

func TestPacerSkipsSleepWhenBehind(t *testing.T) {
	clock := newFakeClock()
	p, reports := newTestPacer(t, referenceConfig(), clock)
	// Interval 0 overruns (4 × 300ms), interval 1 is fast again
	dst := &clockedWriter{clock: clock, cost: func(i int) time.Duration {
		if i < 4 {
			return 300 * time.Millisecond
		}
		return 10 * time.Millisecond
	}}

	start := clock.Now()
	if err := p.RunIntervals(context.Background(), dst, 2); err != nil {
		t.Fatalf("RunIntervals failed: %v", err)
	}

	slow, fast := (*reports)[0], (*reports)[1]
	if slow.Sleep != 0 {
		t.Errorf("slow interval: sleep %v, want 0", slow.Sleep)
	}
	for _, d := range clock.sleeps {
		if d < 0 {
			t.Errorf("negative sleep requested: %v", d)
		}
	}

	// The second interval is anchored at 1.2s, not at the 1s deadline
	if fast.Sleep != 960*time.Millisecond {
		t.Errorf("fast interval: sleep %v, want 960ms", fast.Sleep)
	}
	if elapsed := clock.Now().Sub(start); elapsed != 2200*time.Millisecond {
		t.Errorf("elapsed %v, want 2.2s", elapsed)
	}
}

func TestPacerShortWrite(t *testing.T) {
	p, err := NewPacer(referenceConfig())
	if err != nil {
		t.Fatalf("NewPacer failed: %v", err)
	}

	err = p.RunIntervals(context.Background(), shortWriter{}, 1)
	if !errors.Is(err, io.ErrShortWrite) {
		t.Errorf("got %v, want io.ErrShortWrite", err)
	}
}

type shortWriter struct{}

func (shortWriter) Write(p []byte) (int, error) { return len(p) - 1, nil }

type failingWriter struct {
	err   error
	after int
	n     int
}

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.n >= w.after {
		return 0, w.err
	}
	w.n++
	return len(p), nil
}

func TestPacerWriteErrorPropagates(t *testing.T) {
	p, err := NewPacer(referenceConfig())
	if err != nil {
		t.Fatalf("NewPacer failed: %v", err)
	}

	broken := errors.New("broken pipe")
	dst := &failingWriter{err: broken, after: 2}
	if err := p.Run(context.Background(), dst); err != broken {
		t.Errorf("got %v, want the write error unchanged", err)
	}
	if dst.n != 2 {
		t.Errorf("frames written before failure: got %d, want 2", dst.n)
	}
}

func TestPacerContextCancel(t *testing.T) {
	p, err := NewPacer(PacerConfig{Rate: 80_000, FrameSize: 10_000, Interval: time.Hour})
	if err != nil {
		t.Fatalf("NewPacer failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = p.Run(ctx, io.Discard)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want context.DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cancel took %v", elapsed)
	}
}

type flushCounter struct {
	clockedWriter
	flushes int
}

func (f *flushCounter) Flush() error {
	f.flushes++
	return nil
}

func TestPacerFlushesOncePerInterval(t *testing.T) {
	clock := newFakeClock()
	p, _ := newTestPacer(t, referenceConfig(), clock)
	dst := &flushCounter{clockedWriter: clockedWriter{clock: clock}}

	if err := p.RunIntervals(context.Background(), dst, 3); err != nil {
		t.Fatalf("RunIntervals failed: %v", err)
	}
	if dst.flushes != 3 {
		t.Errorf("flushes: got %d, want 3", dst.flushes)
	}
}

func TestPacerRealTime(t *testing.T) {
	// 80 kbit/s = 10000 B/s = 1000 bytes per 100ms, 4 frames of 300
	p, err := NewPacer(PacerConfig{Rate: 80_000, FrameSize: 300, Interval: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewPacer failed: %v", err)
	}

	tracker := &writeTracker{}
	start := time.Now()
	if err := p.RunIntervals(context.Background(), tracker, 3); err != nil {
		t.Fatalf("RunIntervals failed: %v", err)
	}
	elapsed := time.Since(start)

	if got := tracker.total; got != 3600 {
		t.Errorf("total bytes: got %d, want 3600", got)
	}

	expectedMin := 280 * time.Millisecond
	expectedMax := 450 * time.Millisecond
	if elapsed < expectedMin || elapsed > expectedMax {
		t.Errorf("elapsed out of range: got %v, expected %v to %v", elapsed, expectedMin, expectedMax)
	}
}

func TestPacerSmooth(t *testing.T) {
	// 10000 B/s with 250-byte frames: one frame per 25ms after the first
	p, err := NewPacer(PacerConfig{Rate: 80_000, FrameSize: 250, Interval: 100 * time.Millisecond, Smooth: true})
	if err != nil {
		t.Fatalf("NewPacer failed: %v", err)
	}

	tracker := &writeTracker{}
	if err := p.RunIntervals(context.Background(), tracker, 2); err != nil {
		t.Fatalf("RunIntervals failed: %v", err)
	}

	if len(tracker.times) != 8 {
		t.Fatalf("writes: got %d, want 8", len(tracker.times))
	}
	// Within the first interval frames are spaced, not burst
	for i := 1; i < 4; i++ {
		gap := tracker.times[i].Sub(tracker.times[i-1])
		if gap < 15*time.Millisecond {
			t.Errorf("write %d followed previous after %v, expected ~25ms", i, gap)
		}
	}
}

// writeTracker records the time and size of each write
type writeTracker struct {
	times []time.Time
	total int64
}

func (w *writeTracker) Write(p []byte) (n int, err error) {
	w.times = append(w.times, time.Now())
	w.total += int64(len(p))
	return len(p), nil
}

func TestPacerOvershootBoundedProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		rate := rapid.Int64Range(8_000, 1_000_000_000).Draw(t, "rate")
		interval := time.Duration(rapid.IntRange(1, 2000).Draw(t, "intervalMs")) * time.Millisecond
		target := targetBytes(rate, interval)
		if target < 1 {
			return
		}
		// Keep the number of writes per interval small
		minFrame := int(max(1, target/10_000))
		cfg := PacerConfig{
			Rate:      rate,
			FrameSize: rapid.IntRange(minFrame, 500_000).Draw(t, "frame"),
			Interval:  interval,
		}
		n := rapid.IntRange(1, 5).Draw(t, "intervals")

		clock := newFakeClock()
		p, reports := newTestPacer(t, cfg, clock)
		dst := &clockedWriter{clock: clock}

		if err := p.RunIntervals(context.Background(), dst, n); err != nil {
			t.Fatalf("RunIntervals failed: %v", err)
		}

		if p.TargetBytes() != target {
			t.Fatalf("TargetBytes() = %d, want %d", p.TargetBytes(), target)
		}
		frame := int64(cfg.FrameSize)
		for _, r := range *reports {
			if r.Bytes < target || r.Bytes >= target+frame {
				t.Fatalf("interval %d: %d bytes, want [%d, %d)", r.Index, r.Bytes, target, target+frame)
			}
			if r.Bytes%frame != 0 {
				t.Fatalf("interval %d: %d bytes is not whole frames of %d", r.Index, r.Bytes, frame)
			}
			if r.Sleep != cfg.Interval {
				t.Fatalf("interval %d: sleep %v with instant writes, want %v", r.Index, r.Sleep, cfg.Interval)
			}
		}
		if dst.total != int64(n)*(*reports)[0].Bytes {
			t.Fatalf("total %d, want %d × %d", dst.total, n, (*reports)[0].Bytes)
		}
	})
}
