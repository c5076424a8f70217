//go:build !windows
// +build !windows

package main

import (
	"context"
	"io"
	"os"
	"runtime"
	"time"

	"golang.org/x/sys/unix"
)

// Consumer read sizes
const (
	asyncReadSize = tsPacketSize     // One packet per read
	stdReadSize   = tsPacketSize * 8 // Eight packets per read
)

// Drainer reads a stream in fixed-size frames and discards it.
// Drain returns the number of bytes read and the error that ended the
// stream. There is no clean end: io.EOF is returned like any other error.
type Drainer interface {
	Drain(ctx context.Context, src io.Reader) (int64, error)
}

// deadliner is implemented by pollable files and network connections.
type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// AsyncDrainer reads one frame at a time and parks the calling goroutine
// while no data is ready. Given a pollable source (see pollableStdin),
// a pending read holds no OS thread and ctx cancellation interrupts it
// through the read deadline.
type AsyncDrainer struct {
	FrameSize int
}

func (d AsyncDrainer) Drain(ctx context.Context, src io.Reader) (int64, error) {
	if dl, ok := src.(deadliner); ok {
		stop := context.AfterFunc(ctx, func() {
			dl.SetReadDeadline(time.Now())
		})
		defer stop()
	}

	buf := make([]byte, d.FrameSize)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := io.ReadFull(src, buf)
		total += int64(n)
		if err != nil {
			// A deadline set by cancellation surfaces as a timeout
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
			return total, err
		}
	}
}

// StdDrainer reads frames with plain blocking reads from a goroutine
// wired to its OS thread, so each read occupies that thread until it
// returns. Cancellation is only observed between reads.
type StdDrainer struct {
	FrameSize int
}

func (d StdDrainer) Drain(ctx context.Context, src io.Reader) (int64, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	buf := make([]byte, d.FrameSize)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := io.ReadFull(src, buf)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
}

// pollableStdin switches stdin to non-blocking mode and wraps it in a new
// *os.File, which the runtime registers with its poller. The returned
// restore func puts the descriptor back into blocking mode; stdin may be
// shared with the parent shell.
func pollableStdin() (*os.File, func(), error) {
	fd := int(os.Stdin.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, nil, err
	}
	f := os.NewFile(uintptr(fd), "/dev/stdin")
	restore := func() {
		unix.SetNonblock(fd, false)
	}
	return f, restore, nil
}

// blockingStdin returns stdin with its descriptor in blocking mode.
func blockingStdin() *os.File {
	// Fd puts the descriptor into blocking mode as a side effect
	os.Stdin.Fd()
	return os.Stdin
}
