package network

import "strings"

var coalesceParams = []string{
	"stats-block-usecs", "sample-interval", "pkt-rate-low", "pkt-rate-high",
	"rx-usecs", "rx-frames", "rx-usecs-irq", "rx-frames-irq",
	"tx-usecs", "tx-frames", "tx-usecs-irq", "tx-frames-irq",
	"rx-usecs-low", "rx-frame-low", "tx-usecs-low", "tx-frame-low",
	"rx-usecs-high", "rx-frame-high", "tx-usecs-high", "tx-frame-high",
}

var msgLevels = []string{
	"drv", "probe", "link", "timer", "ifdown", "ifup", "rx_err", "tx_err",
	"tx_queued", "intr", "tx_done", "rx_status", "pktdata", "hw", "wol",
}

// offload is an ethtool -K option and the feature name ethtool -k prints for it
type offload struct {
	Short string
	Name  string
}

var (
	enaOffloads = []offload{
		{"tx", "tx-checksumming"},
		{"sg", "scatter-gather"},
		{"gso", "generic-segmentation-offload"},
		{"gro", "generic-receive-offload"},
		{"tx-nocache-copy", "tx-nocache-copy"},
		{"rxhash", "receive-hashing"},
		{"highdma", "highdma"},
	}
	vifOffloads = []offload{
		{"sg", "scatter-gather"},
		{"tso", "tcp-segmentation-offload"},
		{"gso", "generic-segmentation-offload"},
		{"gro", "generic-receive-offload"},
		{"tx-nocache-copy", "tx-nocache-copy"},
	}
	defaultOffloads = []offload{
		{"rx", "rx-checksumming"},
		{"tx", "tx-checksumming"},
		{"sg", "scatter-gather"},
		{"tso", "tcp-segmentation-offload"},
		{"gso", "generic-segmentation-offload"},
		{"gro", "generic-receive-offload"},
		{"tx-gre-segmentation", "tx-gre-segmentation"},
		{"tx-nocache-copy", "tx-nocache-copy"},
		{"tx-ipip-segmentation", "tx-ipip-segmentation"},
		{"tx-sit-segmentation", "tx-sit-segmentation"},
		{"tx-udp_tnl-segmentation", "tx-udp_tnl-segmentation"},
		{"tx-gre-csum-segmentation", "tx-gre-csum-segmentation"},
		{"tx-udp_tnl-csum-segmentation", "tx-udp_tnl-csum-segmentation"},
		{"tx-gso-partial", "tx-gso-partial"},
	}
)

// offloadOptions picks the offloads to toggle from ethtool -i output
func offloadOptions(driverInfo string) []offload {
	switch {
	case strings.Contains(driverInfo, "driver: ena"):
		return enaOffloads
	case strings.Contains(driverInfo, "driver: vif"):
		return vifOffloads
	}
	return defaultOffloads
}
