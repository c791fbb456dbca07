package network

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const iperfOutput = `Connecting to host 10.0.1.11, port 5201
[  5] local 10.0.1.10 port 43210 connected to 10.0.1.11 port 5201
[SUM]   9.00-10.00  sec  1.11 GBytes  9.52 Gbits/sec    0
- - - - - - - - - - - - - - - - - - - - - - - - -
[ ID] Interval           Transfer     Bitrate         Retr
[  5]   0.00-10.00  sec  1.11 GBytes   953 Mbits/sec   12             sender
[  5]   0.00-10.04  sec  1.11 GBytes   949 Mbits/sec                  receiver
[SUM]   0.00-10.00  sec  11.1 GBytes  9.53 Gbits/sec  120             sender
[SUM]   0.00-10.04  sec  11.1 GBytes  9.49 Gbits/sec                  receiver

iperf Done.
`

func TestParseIperfSum(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		want    IperfSum
		wantErr bool
	}{
		{"gbits", iperfOutput, IperfSum{Sender: 9.53, Receiver: 9.49}, false},
		{
			"mbits",
			"[SUM]   0.00-10.00  sec   600 MBytes   503 Mbits/sec    0             sender\n" +
				"[SUM]   0.00-10.04  sec   598 MBytes   500 Mbits/sec                  receiver\n",
			IperfSum{Sender: 0.503, Receiver: 0.5},
			false,
		},
		{"no summary", "iperf3: error - unable to connect to server: Connection refused\n", IperfSum{}, true},
		{"sender only", "[SUM]   0.00-10.00  sec  11.1 GBytes  9.53 Gbits/sec  120             sender\n", IperfSum{}, true},
		{"bad unit", "[SUM]   0.00-10.00  sec  11.1 GBytes  9.53 Gbytes/sec  120  sender\n", IperfSum{}, true},
		{"truncated", "[SUM]   0.00-10.00  sec  11.1  sender\n", IperfSum{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseIperfSum(tt.output)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want.Sender, got.Sender, 1e-9)
			assert.InDelta(t, tt.want.Receiver, got.Receiver, 1e-9)
		})
	}
}
