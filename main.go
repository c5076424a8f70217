//go:build !windows
// +build !windows

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cbrunnkvist/pipebench/internal/bandwidth"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

var version = "0.1.0"

const usageLine = "Usage: pipebench --producer | pipebench [--async-consumer|--std-consumer]"

// reportInterval is how often --verbose logs stream throughput
const reportInterval = time.Second

// reportPeriod rounds reportInterval up to whole pacing intervals, so
// every throughput period holds the same number of write bursts.
func reportPeriod(interval time.Duration) time.Duration {
	if interval <= 0 {
		return reportInterval
	}
	n := (reportInterval + interval - 1) / interval
	return n * interval
}

// Mode selects what the process does with its standard streams.
type Mode int

const (
	ModeNone          Mode = iota
	ModeProducer           // Paced filler data to stdout
	ModeAsyncConsumer      // Drain stdin through the runtime poller
	ModeStdConsumer        // Drain stdin with blocking reads
)

func (m Mode) String() string {
	switch m {
	case ModeProducer:
		return "producer"
	case ModeAsyncConsumer:
		return "async-consumer"
	case ModeStdConsumer:
		return "std-consumer"
	}
	return "none"
}

// Config holds all command-line configuration
type Config struct {
	Mode Mode

	// Producer
	Rate      int64 // Bits per second
	FrameSize int
	Interval  time.Duration
	Smooth    bool
	Force     bool // Write to a terminal anyway

	// Consumer
	ReadSize int // 0 = mode default

	// Misc
	Verbose      bool
	Profile      string
	Help         bool
	Version      bool
	ListProfiles bool
}

// usageError marks errors that should be followed by the usage line.
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

var errNoMode = errors.New("exactly one mode is required")

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		var uerr *usageError
		if errors.As(err, &uerr) {
			fmt.Fprintln(os.Stderr, usageMessage(err))
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if cfg.Version {
		fmt.Printf("pipebench %s\n", version)
		os.Exit(0)
	}

	if cfg.ListProfiles {
		printProfiles()
		os.Exit(0)
	}

	os.Exit(run(cfg))
}

// usageMessage returns the single usage line, prefixed with the parse
// error when there is more to say than a missing mode.
func usageMessage(err error) string {
	if errors.Is(err, errNoMode) {
		return usageLine
	}
	return fmt.Sprintf("pipebench: %v; %s", err, usageLine)
}

func parseFlags(args []string) (*Config, error) {
	cfg := &Config{
		Rate:      defaultRate,
		FrameSize: defaultFrameSize,
		Interval:  defaultInterval,
	}

	fs := flag.NewFlagSet("pipebench", flag.ContinueOnError)
	fs.SetOutput(io.Discard) // Errors are reported by main
	fs.SortFlags = false

	producer := fs.Bool("producer", false, "Write paced filler data to stdout")
	asyncConsumer := fs.Bool("async-consumer", false, "Drain stdin with poller-driven reads")
	stdConsumer := fs.Bool("std-consumer", false, "Drain stdin with blocking reads")
	rateFlag := fs.StringP("rate", "r", "", "Target producer rate (e.g., 6mbit)")
	fs.IntVarP(&cfg.FrameSize, "frame", "f", defaultFrameSize, "Producer bytes per write")
	fs.DurationVarP(&cfg.Interval, "interval", "i", defaultInterval, "Producer pacing interval")
	fs.BoolVar(&cfg.Smooth, "smooth", false, "Spread producer writes over the interval")
	fs.BoolVar(&cfg.Force, "force", false, "Write to stdout even if it is a terminal")
	fs.IntVar(&cfg.ReadSize, "read-size", 0, "Consumer bytes per read (0=mode default)")
	profile := fs.StringP("profile", "p", "", "Producer profile (see --list-profiles)")
	fs.BoolVarP(&cfg.Verbose, "verbose", "v", false, "Log per-interval and per-second stats to stderr")
	fs.BoolVarP(&cfg.Help, "help", "h", false, "Show help")
	fs.BoolVar(&cfg.Version, "version", false, "Show version")
	fs.BoolVarP(&cfg.ListProfiles, "list-profiles", "L", false, "List available profiles")

	if err := fs.Parse(args); err != nil {
		return nil, &usageError{err}
	}

	if cfg.Help {
		printHelp(fs)
		return cfg, flag.ErrHelp
	}
	if cfg.Version || cfg.ListProfiles {
		return cfg, nil
	}

	if fs.NArg() > 0 {
		return nil, &usageError{fmt.Errorf("unexpected argument: %s", fs.Arg(0))}
	}

	modes := 0
	for _, m := range []struct {
		set  bool
		mode Mode
	}{
		{*producer, ModeProducer},
		{*asyncConsumer, ModeAsyncConsumer},
		{*stdConsumer, ModeStdConsumer},
	} {
		if m.set {
			cfg.Mode = m.mode
			modes++
		}
	}
	if modes != 1 {
		return nil, &usageError{errNoMode}
	}

	// Apply profile first (explicit flags win)
	if *profile != "" {
		p, ok := profiles[*profile]
		if !ok {
			return nil, fmt.Errorf("unknown profile: %s", *profile)
		}
		cfg.Profile = *profile
		cfg.Rate = p.Rate
		if !fs.Changed("frame") {
			cfg.FrameSize = p.FrameSize
		}
	}

	if *rateFlag != "" {
		rate, err := bandwidth.Parse(*rateFlag)
		if err != nil {
			return nil, fmt.Errorf("invalid --rate: %w", err)
		}
		cfg.Rate = rate
	}

	if cfg.ReadSize < 0 {
		return nil, fmt.Errorf("invalid --read-size: %d", cfg.ReadSize)
	}
	if cfg.ReadSize == 0 {
		switch cfg.Mode {
		case ModeAsyncConsumer:
			cfg.ReadSize = asyncReadSize
		case ModeStdConsumer:
			cfg.ReadSize = stdReadSize
		}
	}

	return cfg, nil
}

func printHelp(fs *flag.FlagSet) {
	fmt.Fprintln(os.Stderr, "pipebench - paced producer and stdin drains for pipe throughput tests")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, usageLine)
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Examples:")
	fmt.Fprintln(os.Stderr, "  pipebench --producer | pipebench --async-consumer")
	fmt.Fprintln(os.Stderr, "  pipebench --producer --rate 20mbit | pipebench --std-consumer -v")
	fmt.Fprintln(os.Stderr, "  pipebench --producer -p hd | nc relay 9000")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Flags:")
	fs.SetOutput(os.Stderr)
	fs.PrintDefaults()
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Rate formats: 6000000, 6mbit, 6m, 750KB")
	fmt.Fprintln(os.Stderr, "  k=1000 (SI units), not 1024")
}

func run(cfg *Config) int {
	log := newLogger(os.Stderr, cfg.Verbose)
	defer log.Sync()

	// The async consumer changes stdin's file status flags, so it turns
	// SIGINT/SIGTERM into cancellation and restores them on the way out.
	// Blocking reads and writes are not interruptible; the other modes
	// keep the default signal behaviour.
	ctx := context.Background()
	if cfg.Mode == ModeAsyncConsumer {
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()
	}

	var err error
	switch cfg.Mode {
	case ModeProducer:
		err = runProducer(ctx, cfg, log)
	case ModeAsyncConsumer, ModeStdConsumer:
		err = runConsumer(ctx, cfg, log)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func runProducer(ctx context.Context, cfg *Config, log *zap.Logger) error {
	if term.IsTerminal(int(os.Stdout.Fd())) && !cfg.Force {
		return errors.New("refusing to write filler data to a terminal (use --force)")
	}

	pacer, err := NewPacer(PacerConfig{
		Rate:      cfg.Rate,
		FrameSize: cfg.FrameSize,
		Fill:      defaultFill,
		Interval:  cfg.Interval,
		Smooth:    cfg.Smooth,
	})
	if err != nil {
		return err
	}

	log.Debug("producing", producingFields(cfg, pacer.TargetBytes())...)

	var dst io.Writer = os.Stdout
	var meter Meter
	if cfg.Verbose {
		dst = meter.Writer(os.Stdout)
		pacer.OnInterval = logIntervals(log)
	}

	// Sample half an interval after the bursts, which start with the loop
	report := reportSchedule{every: reportPeriod(cfg.Interval), offset: cfg.Interval / 2}
	return runMetered(ctx, cfg.Verbose, &meter, report, log, func(ctx context.Context) error {
		return pacer.Run(ctx, dst)
	})
}

func runConsumer(ctx context.Context, cfg *Config, log *zap.Logger) error {
	var (
		drainer Drainer
		src     io.Reader
	)

	switch cfg.Mode {
	case ModeAsyncConsumer:
		f, restore, err := pollableStdin()
		if err != nil {
			return err
		}
		defer restore()
		drainer = AsyncDrainer{FrameSize: cfg.ReadSize}
		src = f
	case ModeStdConsumer:
		drainer = StdDrainer{FrameSize: cfg.ReadSize}
		src = blockingStdin()
	}

	log.Debug("draining", zap.Stringer("mode", cfg.Mode), zap.Int("read_size", cfg.ReadSize))

	var meter Meter
	if cfg.Verbose {
		src = meter.Reader(src)
	}

	// The producer's phase is unknown here; the average field stays steady
	report := reportSchedule{every: reportInterval, offset: reportInterval / 2}
	return runMetered(ctx, cfg.Verbose, &meter, report, log, func(ctx context.Context) error {
		n, err := drainer.Drain(ctx, src)
		log.Debug("stream ended", zap.Int64("bytes", n))
		return err
	})
}

func producingFields(cfg *Config, target int64) []zap.Field {
	return []zap.Field{
		zap.Int64("rate", cfg.Rate),
		zap.Int("frame", cfg.FrameSize),
		zap.Duration("interval", cfg.Interval),
		zap.Int64("target", target),
		zap.Bool("smooth", cfg.Smooth),
		zap.String("profile", cfg.Profile),
	}
}

// logIntervals returns a pacer hook that logs every interval and warns
// when a write burst leaves no time to sleep.
func logIntervals(log *zap.Logger) func(IntervalReport) {
	return func(r IntervalReport) {
		log.Debug("interval",
			zap.Int("index", r.Index),
			zap.Int("frames", r.Frames),
			zap.Int64("bytes", r.Bytes),
			zap.Duration("write", r.Write),
			zap.Duration("sleep", r.Sleep),
		)
		if r.Sleep == 0 {
			log.Warn("write burst overran interval", zap.Int("index", r.Index), zap.Duration("write", r.Write))
		}
	}
}

// reportSchedule is when the --verbose throughput reporter samples.
type reportSchedule struct {
	every  time.Duration
	offset time.Duration
}

// runMetered runs loop, and with verbose set also reports meter throughput
// until loop returns. The loop's error is returned as is.
func runMetered(ctx context.Context, verbose bool, meter *Meter, report reportSchedule, log *zap.Logger, loop func(context.Context) error) error {
	if !verbose {
		return loop(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	done, cancel := context.WithCancel(gctx)
	g.Go(func() error {
		defer cancel()
		return loop(gctx)
	})
	g.Go(func() error {
		return meter.Report(done, report.every, report.offset, log)
	})
	return g.Wait()
}
