//go:build !windows
// +build !windows

package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/dustin/go-humanize"
)

// profiles defines producer presets for common transport stream bitrates.
// Frame sizes stay multiples of the 188-byte TS packet.
var profiles = map[string]Config{
	// Reference configuration
	"sd": {
		Rate:      defaultRate,
		FrameSize: defaultFrameSize,
	},

	// Broadcast multiplexes
	"dvb-t": {
		Rate:      24_000_000, // 8 MHz channel, 64-QAM
		FrameSize: tsPacketSize * 4000,
	},
	"dvb-s2": {
		Rate:      45_000_000,
		FrameSize: tsPacketSize * 7000,
	},

	// Single programs
	"hd": {
		Rate:      20_000_000,
		FrameSize: tsPacketSize * 3500,
	},
	"uhd": {
		Rate:      60_000_000,
		FrameSize: tsPacketSize * 10000,
	},
	"iptv": {
		Rate:      3_500_000,
		FrameSize: tsPacketSize * 7, // One UDP datagram
	},
	"radio": {
		Rate:      256_000,
		FrameSize: tsPacketSize * 7,
	},
}

// printProfiles writes the preset table to stdout.
func printProfiles() {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		p := profiles[name]
		fmt.Fprintf(os.Stdout, "%-8s %12s  frame %s\n",
			name,
			humanize.SIWithDigits(float64(p.Rate), 1, "bit/s"),
			humanize.Comma(int64(p.FrameSize)),
		)
	}
}
