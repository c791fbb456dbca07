package network

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/stretchr/testify/require"

	"github.com/kriansa/guestcheck/internal/guest"
)

// maxIperfGbps is the highest advertised bandwidth iperf3 can saturate
const maxIperfGbps = 40

var bitrateUnits = map[string]float64{
	"bits/sec":  1e-9,
	"Kbits/sec": 1e-6,
	"Mbits/sec": 1e-3,
	"Gbits/sec": 1,
	"Tbits/sec": 1e3,
}

// IperfSum is the aggregated bandwidth of a parallel iperf3 client run, in Gbit/s
type IperfSum struct {
	Sender   float64
	Receiver float64
}

// ParseIperfSum reads the [SUM] sender and receiver lines of iperf3 client output
func ParseIperfSum(output string) (IperfSum, error) {
	var sum IperfSum
	var sender, receiver bool
	for _, line := range strings.Split(output, "\n") {
		if !strings.Contains(line, "SUM") {
			continue
		}
		switch {
		case strings.Contains(line, "sender"):
			v, err := parseBitrate(line)
			if err != nil {
				return sum, err
			}
			sum.Sender, sender = v, true
		case strings.Contains(line, "receiver"):
			v, err := parseBitrate(line)
			if err != nil {
				return sum, err
			}
			sum.Receiver, receiver = v, true
		}
	}
	if !sender || !receiver {
		return sum, fmt.Errorf("no SUM sender and receiver lines in iperf3 output")
	}
	return sum, nil
}

// parseBitrate reads the bitrate following the transfer column:
// [SUM]   0.00-10.00  sec  11.1 GBytes  9.53 Gbits/sec  12  sender
func parseBitrate(line string) (float64, error) {
	fields := strings.Fields(line)
	sec := -1
	for i, f := range fields {
		if f == "sec" {
			sec = i
			break
		}
	}
	if sec < 0 || sec+4 >= len(fields) {
		return 0, fmt.Errorf("malformed iperf3 line %q", line)
	}
	unit, ok := bitrateUnits[fields[sec+4]]
	if !ok {
		return 0, fmt.Errorf("unknown bitrate unit in %q", line)
	}
	v, err := strconv.ParseFloat(fields[sec+3], 64)
	if err != nil {
		return 0, fmt.Errorf("parsing bitrate in %q: %w", line, err)
	}
	return v * unit, nil
}

// comparePerf fails the case when measured falls more than ratio percent
// below expected
func comparePerf(c *guest.Case, measured, expected, ratio float64, msg string) {
	c.T.Helper()
	actual := 100 - measured/expected*100
	c.Logger().Info(fmt.Sprintf("%s perf diff ratio %.2f%%, max %v%%", msg, actual, ratio),
		"measured", measured, "expected", expected)
	require.LessOrEqual(c.T, actual, ratio,
		"%s perf result diff ratio over expect %v, actual %.2f", msg, ratio, actual)
}
