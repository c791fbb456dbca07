package network

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kriansa/guestcheck/internal/cloud"
	"github.com/kriansa/guestcheck/internal/config"
	"github.com/kriansa/guestcheck/internal/guest/guesttest"
	"github.com/kriansa/guestcheck/internal/harness"
	"github.com/kriansa/guestcheck/internal/log"
	"github.com/kriansa/guestcheck/internal/suite"
)

const (
	rhel94  = "NAME=\"Red Hat Enterprise Linux\"\nID=\"rhel\"\nVERSION_ID=\"9.4\"\n"
	enaInfo = "driver: ena\nversion: 2.12.0K\nfirmware-version: \nbus-info: 0000:00:05.0\n"
	vifInfo = "driver: vif\nversion: \nbus-info: vif-0\n"
)

type fixture struct {
	env      *suite.Env
	sessions []*guesttest.FakeSession
	vms      []*guesttest.FakeVM
	clock    *guesttest.FakeClock
}

func newFixture(nodes int) *fixture {
	f := &fixture{
		env:   &suite.Env{Interface: "eth0"},
		clock: guesttest.NewFakeClock(),
	}
	for i := 0; i < nodes; i++ {
		s := guesttest.NewFakeSession()
		s.On("cat /etc/os-release", guesttest.OK(rhel94))
		vm := guesttest.NewFakeVM("m5.large")
		vm.IDValue = fmt.Sprintf("i-0123456789abcdef%d", i)
		vm.Private = fmt.Sprintf("10.0.1.1%d", i)
		f.sessions = append(f.sessions, s)
		f.vms = append(f.vms, vm)
		f.env.Nodes = append(f.env.Nodes, suite.Node{Session: s, VM: vm})
	}
	return f
}

func (f *fixture) session() *guesttest.FakeSession { return f.sessions[0] }

func (f *fixture) run(t *testing.T, name string) harness.Result {
	t.Helper()
	var tc *suite.Case
	for _, c := range Cases() {
		if c.Name == name {
			tc = &c
			break
		}
	}
	require.NotNil(t, tc, "no case %s", name)

	r := suite.NewRunner(log.Discard(), f.env, suite.Options{Clock: f.clock, SSHWaitTimeout: time.Minute})
	return harness.Run(name, log.Discard(), func(ht *harness.T) {
		r.Exec(context.Background(), ht, tc)
	})
}

func TestCases(t *testing.T) {
	cases := Cases()
	var names []string
	for _, c := range cases {
		names = append(names, c.Name)
		assert.NotNil(t, c.Run, c.Name)
	}
	assert.Equal(t, []string{
		"mtu_min_set", "iperf_ipv4", "sriov_ixgbevf", "sriov_ena", "sriov_ena_dmesg",
		"sriov_ena_unload_load", "xen_netfront_unload_load", "pci_reset", "ethtool_C_coalesce",
		"ethtool_G", "ethtool_K_offload", "ethtool_S_xdp", "ethtool_P", "ethtool_s_msglvl",
		"ethtool_X", "network_hotplug", "persistent_route", "second_ip_hotplug",
	}, names)

	byName := make(map[string]suite.Case)
	for _, c := range cases {
		byName[c.Name] = c
	}
	assert.Equal(t, 2, byName["iperf_ipv4"].Nodes)
	assert.NotNil(t, byName["pci_reset"].Teardown)
	assert.Equal(t, ">= 8.5", byName["ethtool_S_xdp"].MinVersion)
	assert.Equal(t, ">= 8.4", byName["second_ip_hotplug"].MinVersion)
}

func TestOSTestsCases(t *testing.T) {
	tests := map[string]string{
		"mtu_min_set":      "test_mtu_min_max_set",
		"ethtool_G":        "test_ethtool_G",
		"ethtool_S_xdp":    "test_ethtool_S_xdp",
		"ethtool_P":        "test_ethtool_P",
		"persistent_route": "test_persistent_route",
	}

	for name, osTest := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(1)
			res := f.run(t, name)

			require.Equal(t, harness.Passed, res.Status, res.Failure())
			assert.Contains(t, f.session().Calls(),
				"sudo /usr/local/bin/os-tests --strict -p os_tests.tests.test_network_test.TestNetworkTest."+osTest)
		})
	}
}

func TestEthtoolSXDP_OldRelease(t *testing.T) {
	f := newFixture(1)
	f.sessions[0] = guesttest.NewFakeSession().On("cat /etc/os-release", guesttest.OK("ID=\"rhel\"\nVERSION_ID=\"8.2\"\n"))
	f.env.Nodes[0].Session = f.sessions[0]

	res := f.run(t, "ethtool_S_xdp")

	assert.Equal(t, harness.Skipped, res.Status)
	assert.Equal(t, []string{"cat /etc/os-release"}, f.session().Calls())
}

func TestIperfIPv4(t *testing.T) {
	tests := []struct {
		name       string
		netPerf    int
		wantStatus harness.Status
		wantMsg    string
	}{
		{"within ratio", 10, harness.Passed, ""},
		{"moderate bandwidth", 0, harness.Passed, ""},
		{"below expected", 25, harness.Failed, "Sender perf result diff ratio over expect 30"},
		{"too fast for iperf3", 50, harness.Skipped, "Cancel case as iperf3 is not suitable for bandwidth higher than 40G"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(2)
			f.env.Params = config.InstanceParams{NetPerf: tt.netPerf}
			f.session().On("sudo iperf3 -P 10 -c 10.0.1.11", guesttest.OK(iperfOutput))

			res := f.run(t, "iperf_ipv4")

			assert.Equal(t, tt.wantStatus, res.Status, res.Failure())
			if tt.wantMsg != "" {
				assert.Contains(t, res.Failure(), tt.wantMsg)
			}
			if tt.wantStatus == harness.Skipped {
				assert.Empty(t, f.sessions[1].Calls())
				return
			}
			assert.Equal(t, []string{
				"sudo yum install -y iperf3", "sudo iperf3 -s -D", "sudo pkill -x iperf3",
			}, f.sessions[1].Calls())
			assert.Equal(t, 10*time.Second, f.clock.Slept())
		})
	}
}

func TestIperfIPv4_ClientFails(t *testing.T) {
	f := newFixture(2)
	f.session().On("sudo iperf3 -P 10 -c 10.0.1.11", guesttest.Exit(1, "iperf3: error - unable to connect to server"))

	res := f.run(t, "iperf_ipv4")

	assert.Equal(t, harness.Failed, res.Status)
	assert.Equal(t, 1, f.sessions[1].Count("sudo pkill -x iperf3"))
}

func TestSriovDriver(t *testing.T) {
	tests := []struct {
		name       string
		caseName   string
		params     config.InstanceParams
		info       string
		wantStatus harness.Status
	}{
		{"ena loaded", "sriov_ena", config.InstanceParams{}, enaInfo, harness.Passed},
		{"ena declared and loaded", "sriov_ena", config.InstanceParams{ENA: 1}, enaInfo, harness.Passed},
		{"ena not used", "sriov_ena", config.InstanceParams{}, vifInfo, harness.Skipped},
		{"ena declared but missing", "sriov_ena", config.InstanceParams{ENA: 1}, vifInfo, harness.Failed},
		{"ixgbevf not used", "sriov_ixgbevf", config.InstanceParams{}, enaInfo, harness.Skipped},
		{"ixgbevf loaded", "sriov_ixgbevf", config.InstanceParams{}, "driver: ixgbevf\nversion: 4.1.0-k\n", harness.Passed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(1)
			f.env.Params = tt.params
			f.session().On("ethtool -i eth0", guesttest.OK(tt.info))

			res := f.run(t, tt.caseName)

			assert.Equal(t, tt.wantStatus, res.Status, res.Failure())
			driver := strings.TrimPrefix(tt.caseName, "sriov_")
			if tt.wantStatus == harness.Passed {
				assert.Equal(t, 1, f.session().Count("modinfo "+driver))
			} else {
				assert.Zero(t, f.session().Count("modinfo "+driver))
			}
		})
	}
}

func TestSriovENADmesg(t *testing.T) {
	tests := []struct {
		name       string
		info       string
		dmesg      string
		wantStatus harness.Status
	}{
		{"clean", enaInfo, "[    1.2] ena 0000:00:05.0: Elastic Network Adapter (ENA) v2.12.0K\n", harness.Passed},
		{"ena error", enaInfo, "[    1.2] ena 0000:00:05.0: Failed to init rss\n", harness.Failed},
		{"no ena", vifInfo, "", harness.Skipped},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(1)
			f.session().On("ethtool -i eth0", guesttest.OK(tt.info)).On("sudo dmesg", guesttest.OK(tt.dmesg))

			res := f.run(t, "sriov_ena_dmesg")

			assert.Equal(t, tt.wantStatus, res.Status, res.Failure())
		})
	}
}

func TestUnloadLoad(t *testing.T) {
	tests := []struct {
		caseName string
		driver   string
		info     string
		module   string
	}{
		{"sriov_ena_unload_load", "ethtool -i eth0", enaInfo, "ena"},
		{"xen_netfront_unload_load", "sudo ethtool -i eth0", vifInfo, "xen_netfront"},
	}

	for _, tt := range tests {
		t.Run(tt.caseName, func(t *testing.T) {
			f := newFixture(1)
			f.session().On(tt.driver, guesttest.OK(tt.info))

			res := f.run(t, tt.caseName)

			require.Equal(t, harness.Passed, res.Status, res.Failure())
			script, ok := f.session().File("/tmp/mod.sh")
			require.True(t, ok)
			assert.Equal(t, fmt.Sprintf("#!/bin/sh\nmodprobe -r %s;modprobe %s\n", tt.module, tt.module), script)
			assert.Equal(t, []string{
				tt.driver, "sudo chmod 755 /tmp/mod.sh", "sudo /tmp/mod.sh", "sudo dmesg",
			}, f.session().Calls())
		})
	}
}

func TestUnloadLoad_WrongDriver(t *testing.T) {
	f := newFixture(1)
	f.session().On("sudo ethtool -i eth0", guesttest.OK(enaInfo))

	res := f.run(t, "xen_netfront_unload_load")

	assert.Equal(t, harness.Skipped, res.Status)
	assert.Equal(t, "No xen_netfront used!", res.Failure())
	_, written := f.session().File("/tmp/mod.sh")
	assert.False(t, written)
}

func TestUnloadLoad_SessionDropsDuringReload(t *testing.T) {
	f := newFixture(1)
	f.session().
		On("ethtool -i eth0", guesttest.OK(enaInfo)).
		On("sudo /tmp/mod.sh", guesttest.Broken(fmt.Errorf("ssh: connection lost")), guesttest.OK(""))

	res := f.run(t, "sriov_ena_unload_load")

	require.Equal(t, harness.Passed, res.Status, res.Failure())
	assert.Equal(t, 2, f.session().Count("sudo /tmp/mod.sh"))
	assert.Equal(t, 1, f.session().Count("uname -r"))
}

func TestPCIReset(t *testing.T) {
	f := newFixture(1)

	res := f.run(t, "pci_reset")

	assert.Equal(t, harness.Skipped, res.Status)
	assert.Equal(t, "Cancel this case as bug 1687330 which is TESTONLY!", res.Failure())
	assert.Equal(t, []string{"sudo lspci", "sudo dmesg --clear"}, f.session().Calls())
}

func TestEthtoolCoalesce(t *testing.T) {
	t.Run("all settings applied", func(t *testing.T) {
		f := newFixture(1)
		var settings strings.Builder
		settings.WriteString("Coalesce parameters for eth0:\nAdaptive RX: off  TX: off\n")
		for _, p := range coalesceParams {
			settings.WriteString(p + ": 2\n")
		}
		f.session().On("sudo ethtool -c eth0", guesttest.OK(settings.String()))

		res := f.run(t, "ethtool_C_coalesce")

		require.Equal(t, harness.Passed, res.Status, res.Failure())
		assert.Equal(t, 1, f.session().Count("sudo ethtool -C eth0 tx-frame-high 2"))
		assert.Equal(t, len(coalesceParams)+1, f.session().Count("sudo ethtool -c eth0"))
	})

	t.Run("setting not applied", func(t *testing.T) {
		f := newFixture(1)
		f.session().On("sudo ethtool -c eth0", guesttest.OK("rx-usecs: 0\n"))

		res := f.run(t, "ethtool_C_coalesce")

		assert.Equal(t, harness.Failed, res.Status)
		assert.Contains(t, res.Failure(), "expected stats-block-usecs: 2 not found")
	})

	t.Run("not supported", func(t *testing.T) {
		f := newFixture(1)
		f.session().On("ethtool -C eth0 rx-usecs 3", guesttest.Exit(80, "netlink error: Operation not supported"))

		res := f.run(t, "ethtool_C_coalesce")

		assert.Equal(t, harness.Skipped, res.Status)
		assert.Zero(t, f.session().Count("sudo ethtool -C eth0 rx-usecs 2"))
	})
}

// fakeEthtool keeps feature and message level state like a NIC driver would
type fakeEthtool struct {
	mu       sync.Mutex
	driver   string
	features map[string]bool
	levels   map[string]bool
	stuck    string
}

func newFakeEthtool(driver string, features []offload) *fakeEthtool {
	e := &fakeEthtool{driver: driver, features: make(map[string]bool), levels: make(map[string]bool)}
	for _, o := range features {
		e.features[o.Name] = true
	}
	return e
}

func (e *fakeEthtool) handle(cmd string) (guesttest.Reply, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case cmd == "sudo ethtool -i eth0":
		return guesttest.OK("driver: " + e.driver + "\n"), true
	case cmd == "sudo ethtool -k eth0":
		return guesttest.OK(e.featureList()), true
	case strings.HasPrefix(cmd, "sudo ethtool -K eth0 "):
		fields := strings.Fields(cmd)
		short, state := fields[4], fields[5]
		for _, o := range append(append([]offload{}, enaOffloads...), defaultOffloads...) {
			if o.Short == short && o.Name != e.stuck {
				e.features[o.Name] = state == "on"
			}
		}
		return guesttest.OK(""), true
	case strings.HasPrefix(cmd, "sudo ethtool -s eth0 msglvl "):
		fields := strings.Fields(cmd)
		if len(fields) == 6 && fields[5] == "0" {
			e.levels = make(map[string]bool)
		} else {
			e.levels[fields[5]] = fields[6] == "on"
		}
		return guesttest.OK(""), true
	case cmd == "ethtool eth0", cmd == "sudo ethtool eth0", cmd == "sudo ethtool eth0|grep -v 'link modes'":
		return guesttest.OK(e.linkSettings(cmd)), true
	}
	return guesttest.Reply{}, false
}

func (e *fakeEthtool) featureList() string {
	names := make([]string, 0, len(e.features))
	for n := range e.features {
		names = append(names, n)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString("Features for eth0:\n")
	for _, n := range names {
		state := "off"
		if e.features[n] {
			state = "on"
		}
		fmt.Fprintf(&b, "%s: %s\n", n, state)
	}
	return b.String()
}

func (e *fakeEthtool) linkSettings(cmd string) string {
	var b strings.Builder
	b.WriteString("Settings for eth0:\n")
	if !strings.Contains(cmd, "grep -v 'link modes'") {
		b.WriteString("\tSupported link modes:   Not reported\n")
	}
	b.WriteString("\tCurrent message level: 0x00000000 (0)\n\t\t\t      ")
	var on []string
	for _, lvl := range msgLevels {
		if e.levels[lvl] {
			on = append(on, lvl)
		}
	}
	b.WriteString(strings.Join(on, " ") + "\n\tLink detected: yes\n")
	return b.String()
}

func TestEthtoolOffload(t *testing.T) {
	tests := []struct {
		name       string
		driver     string
		features   []offload
		stuck      string
		wantToggle int
		wantStatus harness.Status
	}{
		{"ena", "ena", enaOffloads, "", len(enaOffloads), harness.Passed},
		{"vif reports fewer features", "vif", vifOffloads[:3], "", 3, harness.Passed},
		{"virtio", "virtio_net", defaultOffloads, "", len(defaultOffloads), harness.Passed},
		{"fixed feature", "ena", enaOffloads, "highdma", len(enaOffloads), harness.Failed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(1)
			e := newFakeEthtool(tt.driver, tt.features)
			e.stuck = tt.stuck
			f.session().Handler = e.handle

			res := f.run(t, "ethtool_K_offload")

			assert.Equal(t, tt.wantStatus, res.Status, res.Failure())
			toggles := 0
			for _, c := range f.session().Calls() {
				if strings.HasPrefix(c, "sudo ethtool -K eth0 ") && strings.HasSuffix(c, " off") {
					toggles++
				}
			}
			assert.Equal(t, tt.wantToggle, toggles)
			if tt.wantStatus == harness.Passed {
				assert.Equal(t, 3, f.session().Count("sudo dmesg"))
				assert.Equal(t, 1, f.session().Count("dmesg"))
			}
		})
	}
}

func TestEthtoolOffload_CallTrace(t *testing.T) {
	f := newFixture(1)
	f.session().Handler = newFakeEthtool("ena", enaOffloads).handle
	f.session().On("dmesg", guesttest.OK("[  99.1] Call Trace:\n[  99.1]  <TASK>\n"))

	res := f.run(t, "ethtool_K_offload")

	assert.Equal(t, harness.Failed, res.Status)
	assert.Contains(t, res.Failure(), "unexpected Call Trace found")
}

func TestEthtoolMsglvl(t *testing.T) {
	t.Run("all levels toggled", func(t *testing.T) {
		f := newFixture(1)
		f.session().Handler = newFakeEthtool("ena", nil).handle

		res := f.run(t, "ethtool_s_msglvl")

		require.Equal(t, harness.Passed, res.Status, res.Failure())
		assert.Equal(t, 1, f.session().Count("sudo ethtool -s eth0 msglvl 0"))
		assert.Equal(t, 1, f.session().Count("sudo ethtool -s eth0 msglvl wol on"))
		assert.Equal(t, 1, f.session().Count("sudo ethtool -s eth0 msglvl wol off"))
		assert.Equal(t, len(msgLevels), f.session().Count("sudo ethtool eth0|grep -v 'link modes'"))
	})

	t.Run("not supported", func(t *testing.T) {
		f := newFixture(1)
		f.session().On("ethtool eth0", guesttest.OK("Settings for eth0:\n\tLink detected: yes\n"))

		res := f.run(t, "ethtool_s_msglvl")

		assert.Equal(t, harness.Skipped, res.Status)
		assert.Equal(t, "Operation not supported!", res.Failure())
	})
}

func TestEthtoolRXFH(t *testing.T) {
	t.Run("supported", func(t *testing.T) {
		f := newFixture(1)

		res := f.run(t, "ethtool_X")

		require.Equal(t, harness.Passed, res.Status, res.Failure())
		assert.Equal(t, []string{
			"ethtool -x eth0", "ethtool -X eth0 default", "ethtool -X eth0 default", "ethtool -x eth0",
		}, f.session().Calls())
	})

	t.Run("not supported", func(t *testing.T) {
		f := newFixture(1)
		f.session().On("ethtool -X eth0 default", guesttest.Exit(95, "Cannot set RX flow hash configuration: Operation not supported"))

		res := f.run(t, "ethtool_X")

		assert.Equal(t, harness.Skipped, res.Status)
	})
}

func TestNetworkHotplug(t *testing.T) {
	const withEth1 = "1: lo: <LOOPBACK,UP>\n2: eth0: <BROADCAST,UP>\n3: eth1: <BROADCAST>\n"
	const withoutEth1 = "1: lo: <LOOPBACK,UP>\n2: eth0: <BROADCAST,UP>\n"

	tests := []struct {
		name       string
		ipAddr     string
		dmesg      string
		wantStatus harness.Status
	}{
		{"attached", withEth1, "", harness.Passed},
		{"eth1 missing", withoutEth1, "", harness.Failed},
		{"call trace", withEth1, "Call Trace:\n", harness.Failed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(1)
			nic := &guesttest.FakeNIC{}
			f.env.NewNIC = func() cloud.NIC { return nic }
			f.session().On("ip addr show", guesttest.OK(tt.ipAddr)).On("dmesg", guesttest.OK(tt.dmesg))

			res := f.run(t, "network_hotplug")

			assert.Equal(t, tt.wantStatus, res.Status, res.Failure())
			assert.Equal(t, []string{
				"create", "attach i-0123456789abcdef0 1", "detach", "delete",
			}, nic.Calls())
			assert.Equal(t, 20*time.Second, f.clock.Slept())
			assert.Equal(t, 4, f.session().Count("ip addr show"))
		})
	}
}

func TestNetworkHotplug_NoSubnet(t *testing.T) {
	f := newFixture(1)

	res := f.run(t, "network_hotplug")

	assert.Equal(t, harness.Skipped, res.Status)
	assert.Empty(t, f.session().Calls())
}

func TestSecondIPHotplug(t *testing.T) {
	const (
		show    = "sudo ip addr show eth0"
		without = "2: eth0: <BROADCAST,UP>\n    inet 10.0.1.10/24 brd 10.0.1.255 scope global dynamic eth0\n"
		with    = without + "    inet 10.0.1.20/24 brd 10.0.1.255 scope global secondary eth0\n"
		decoy   = without + "    inet 10.0.1.200/24 brd 10.0.1.255 scope global secondary eth0\n"
	)

	t.Run("added and removed", func(t *testing.T) {
		f := newFixture(1)
		f.session().On(show, guesttest.OK(without), guesttest.OK(with), guesttest.OK(with), guesttest.OK(without))

		res := f.run(t, "second_ip_hotplug")

		require.Equal(t, harness.Passed, res.Status, res.Failure())
		assert.Equal(t, []string{"assign-ip", "remove-ip"}, f.vms[0].Calls())
		assert.Equal(t, 50*time.Second, f.clock.Slept())
	})

	t.Run("never shows up", func(t *testing.T) {
		f := newFixture(1)
		f.session().On(show, guesttest.OK(decoy))

		res := f.run(t, "second_ip_hotplug")

		assert.Equal(t, harness.Failed, res.Status)
		assert.Equal(t, "expected 2nd ip 10.0.1.20 not found in guest", res.Failure())
		assert.Equal(t, []string{"assign-ip"}, f.vms[0].Calls())
		assert.Equal(t, 2, f.session().Count("sudo systemctl status nm-cloud-setup.timer"))
		assert.GreaterOrEqual(t, f.clock.Slept(), 330*time.Second)
	})

	t.Run("never removed", func(t *testing.T) {
		f := newFixture(1)
		f.session().On(show, guesttest.OK(with))

		res := f.run(t, "second_ip_hotplug")

		assert.Equal(t, harness.Failed, res.Status)
		assert.Equal(t, "expected 2nd ip 10.0.1.20 not removed from guest", res.Failure())
	})

	t.Run("cloud setup not installed", func(t *testing.T) {
		f := newFixture(1)
		f.session().On("rpm -q NetworkManager-cloud-setup", guesttest.Exit(1, "package NetworkManager-cloud-setup is not installed"))

		res := f.run(t, "second_ip_hotplug")

		assert.Equal(t, harness.Skipped, res.Status)
		assert.Empty(t, f.vms[0].Calls())
	})
}
