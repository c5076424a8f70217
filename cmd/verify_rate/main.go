// verify_rate measures throughput of data piped through stdin.
// Usage: pipebench --producer | go run ./cmd/verify_rate --duration 10s --expect 6mbit
//
// --expect takes the same rate formats as pipebench --rate.
package main

import (
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/cbrunnkvist/pipebench/internal/bandwidth"
	"github.com/dustin/go-humanize"
	flag "github.com/spf13/pflag"
)

func main() {
	duration := flag.DurationP("duration", "d", 0, "Stop after this long (0=until EOF)")
	expect := flag.StringP("expect", "e", "", "Expected rate (e.g., 6mbit, 6M, 750KB)")
	tolerance := flag.Float64P("tolerance", "t", 0.1, "Allowed relative deviation from --expect")
	flag.Parse()

	want, err := expectedRate(*expect)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid --expect: %v\n", err)
		os.Exit(2)
	}

	var src io.Reader = os.Stdin
	start := time.Now()
	if *duration > 0 {
		src = &deadlineReader{r: os.Stdin, deadline: start.Add(*duration)}
	}

	// Read everything from stdin until EOF or the deadline
	n, err := io.Copy(io.Discard, src)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	elapsed := time.Since(start)

	bps := float64(n) * 8 / elapsed.Seconds()

	fmt.Printf("Read %s (%d bytes) in %v\n", humanize.Bytes(uint64(n)), n, elapsed)
	fmt.Printf("Rate: %s\n", humanize.SIWithDigits(bps, 3, "bit/s"))

	if want > 0 {
		fmt.Printf("Expected: %s (±%.0f%%)\n", humanize.SIWithDigits(want, 3, "bit/s"), *tolerance*100)
		if !withinTolerance(bps, want, *tolerance) {
			fmt.Println("FAIL - rate outside expected range")
			os.Exit(1)
		}
		fmt.Println("PASS")
	}
}

// expectedRate parses --expect in pipebench's rate formats, in bits/sec.
// An empty string means no expectation.
func expectedRate(s string) (float64, error) {
	bps, err := bandwidth.Parse(s)
	if err != nil {
		return 0, err
	}
	return float64(bps), nil
}

// withinTolerance reports whether got deviates from want by at most tol.
func withinTolerance(got, want, tol float64) bool {
	return math.Abs(got-want)/want <= tol
}

// deadlineReader reports EOF once the deadline has passed. A read that is
// already blocked when the deadline passes still completes first.
type deadlineReader struct {
	r        io.Reader
	deadline time.Time
}

func (d *deadlineReader) Read(p []byte) (int, error) {
	if !time.Now().Before(d.deadline) {
		return 0, io.EOF
	}
	return d.r.Read(p)
}
