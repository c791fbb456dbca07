// Package network registers the guest network acceptance cases: driver
// presence, ethtool settings, bandwidth and interface hotplug.
package network

import (
	"fmt"
	"strings"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kriansa/guestcheck/internal/guest"
	"github.com/kriansa/guestcheck/internal/suite"
)

const (
	osTestsPrefix = "os_tests.tests.test_network_test.TestNetworkTest."
	modScript     = "/tmp/mod.sh"

	ipPollTimeout  = 330 * time.Second
	ipPollInterval = 25 * time.Second
)

// Cases returns every network case in run order
func Cases() []suite.Case {
	return []suite.Case{
		{Name: "mtu_min_set", Tags: []string{"fast_check", "kernel"}, Run: osTests("test_mtu_min_max_set")},
		{Name: "iperf_ipv4", Nodes: 2, Tags: []string{"perf"}, Run: iperfIPv4},
		{Name: "sriov_ixgbevf", Tags: []string{"fast_check", "driver"}, Run: sriovDriver("ixgbevf")},
		{Name: "sriov_ena", Tags: []string{"fast_check", "driver"}, Run: sriovDriver("ena")},
		{Name: "sriov_ena_dmesg", Tags: []string{"fast_check", "driver"}, Run: sriovENADmesg},
		{Name: "sriov_ena_unload_load", Tags: []string{"kernel", "driver"}, Run: enaUnloadLoad},
		{Name: "xen_netfront_unload_load", Tags: []string{"kernel", "driver"}, Run: xenNetfrontUnloadLoad},
		{Name: "pci_reset", Tags: []string{"kernel"}, Run: pciReset, Teardown: clearDmesg},
		{Name: "ethtool_C_coalesce", Tags: []string{"fast_check", "ethtool"}, Run: ethtoolCoalesce},
		{Name: "ethtool_G", Tags: []string{"fast_check", "ethtool"}, Run: osTests("test_ethtool_G")},
		{Name: "ethtool_K_offload", Tags: []string{"fast_check", "ethtool"}, Run: ethtoolOffload},
		{Name: "ethtool_S_xdp", Tags: []string{"fast_check", "ethtool"}, MinVersion: ">= 8.5", Run: osTests("test_ethtool_S_xdp")},
		{Name: "ethtool_P", Tags: []string{"fast_check", "ethtool"}, Run: osTests("test_ethtool_P")},
		{Name: "ethtool_s_msglvl", Tags: []string{"fast_check", "ethtool"}, Run: ethtoolMsglvl},
		{Name: "ethtool_X", Tags: []string{"fast_check", "ethtool"}, Run: ethtoolRXFH},
		{Name: "network_hotplug", Tags: []string{"hotplug"}, Run: networkHotplug},
		{Name: "persistent_route", Tags: []string{"fast_check"}, Run: osTests("test_persistent_route")},
		{Name: "second_ip_hotplug", Tags: []string{"hotplug"}, MinVersion: ">= 8.4", Run: secondIPHotplug},
	}
}

func iface(env *suite.Env) string {
	if env.Interface == "" {
		return "eth0"
	}
	return env.Interface
}

func sshWait(c *guest.Case) time.Duration {
	if c.SSHWaitTimeout == 0 {
		return guest.DefaultSSHWaitTimeout
	}
	return c.SSHWaitTimeout
}

func osTests(name string) suite.Func {
	return func(c *guest.Case, _ *suite.Env) {
		guest.RunOSTests(c, osTestsPrefix+name, guest.DefaultCommandTimeout)
	}
}

func iperfIPv4(c *guest.Case, env *suite.Env) {
	perf := env.Params.NetPerf
	if perf > maxIperfGbps {
		c.Cancel("Cancel case as iperf3 is not suitable for bandwidth higher than %dG", maxIperfGbps)
	}

	server := env.Nodes[1]
	onServer := []guest.CmdOption{guest.WithSession(server.Session), guest.WithVM(server.VM)}
	serverIP := server.VM.PrivateIP()
	c.Logger().Info("iperf3 server", "instance", server.VM.ID(), "private_ip", serverIP)

	install := "sudo yum install -y iperf3"
	guest.RunCmd(c, install, guest.Timeout(sshWait(c)))
	guest.RunCmd(c, install, append(onServer, guest.Timeout(sshWait(c)))...)

	guest.RunCmd(c, "sudo iperf3 -s -D", append(onServer, guest.ExpectRet(0), guest.Msg("Start iperf3 server on vm2"))...)
	c.T.Cleanup(func() {
		guest.RunCmd(c, "sudo pkill -x iperf3", onServer...)
	})
	c.Sleep(10 * time.Second)

	out := guest.RunCmd(c, fmt.Sprintf("sudo iperf3 -P 10 -c %s", serverIP),
		guest.ExpectRet(0), guest.Timeout(sshWait(c)), guest.Msg("Run iperf3 client on vm1"))
	sum, err := ParseIperfSum(out)
	require.NoError(c.T, err)
	c.Logger().Info("iperf3 result", "sender_gbps", sum.Sender, "receiver_gbps", sum.Receiver)

	if perf == 0 {
		c.Logger().Info("instance bandwidth is moderate, not comparing", "instance_type", c.VM.InstanceType())
		return
	}
	comparePerf(c, sum.Sender, float64(perf), 30, "Sender")
	comparePerf(c, sum.Receiver, float64(perf), 30, "Receiver")
}

func sriovDriver(driver string) suite.Func {
	return func(c *guest.Case, env *suite.Env) {
		eth := iface(env)
		declared := env.Params.ENA
		if driver == "ixgbevf" {
			declared = env.Params.IXGBEVF
		}

		cmd := "ethtool -i " + eth
		if declared > 0 {
			c.Logger().Info("instance type declares driver support", "driver", driver, "value", declared)
		} else {
			guest.RunCmd(c, cmd, guest.ExpectRet(0), guest.CancelKW(driver))
		}

		out := guest.RunCmd(c, cmd, guest.ExpectRet(0), guest.Msg("Check "+eth+" driver"))
		require.Contains(c.T, out, driver, "%s does not have %s loaded", eth, driver)
		guest.RunCmd(c, "modinfo "+driver, guest.ExpectRet(0))
	}
}

func sriovENADmesg(c *guest.Case, env *suite.Env) {
	out := guest.RunCmd(c, "ethtool -i "+iface(env), guest.ExpectRet(0))
	if !strings.Contains(out, "driver: ena") {
		c.Cancel("No ena driver found!")
	}
	guest.CheckDmesg(c, "ena", true)
}

// reloadModule writes a script that removes and loads module in one go, the
// network is down in between so the session can break while it runs
func reloadModule(c *guest.Case, module string) {
	script := fmt.Sprintf("#!/bin/sh\nmodprobe -r %s;modprobe %s\n", module, module)
	if err := c.Session.WriteFile(modScript, []byte(script), 0o755); err != nil {
		c.T.Fatalf("writing %s: %v", modScript, err)
	}
	guest.RunCmd(c, "sudo chmod 755 "+modScript, guest.ExpectRet(0))
	guest.RunCmd(c, "sudo "+modScript, guest.ExpectRet(0), guest.Msg("Reload "+module))
}

func enaUnloadLoad(c *guest.Case, env *suite.Env) {
	guest.RunCmd(c, "ethtool -i "+iface(env), guest.CancelKW("ena"))
	reloadModule(c, "ena")
	guest.CheckDmesg(c, "ena", true)
}

func xenNetfrontUnloadLoad(c *guest.Case, env *suite.Env) {
	out := guest.RunCmd(c, "sudo ethtool -i "+iface(env), guest.Msg("Check network driver!"))
	if !strings.Contains(out, "driver: vif") {
		c.Cancel("No xen_netfront used!")
	}
	reloadModule(c, "xen_netfront")
	guest.CheckDmesg(c, "xen_netfront", true)
}

func pciReset(c *guest.Case, _ *suite.Env) {
	guest.RunCmd(c, "sudo lspci")
	// bz1687330 is a test-only kernel feature
	c.Cancel("Cancel this case as bug 1687330 which is TESTONLY!")
}

func clearDmesg(c *guest.Case, _ *suite.Env) {
	guest.RunCmd(c, "sudo dmesg --clear", guest.Msg("Clear dmesg"))
}

func ethtoolCoalesce(c *guest.Case, env *suite.Env) {
	eth := iface(env)
	show := "sudo ethtool -c " + eth
	guest.RunCmd(c, show, guest.Msg("Show current settings."))
	guest.RunCmd(c, "ethtool -C "+eth+" rx-usecs 3",
		guest.CancelNotKW("Operation not supported,Operation not permitted"))

	for _, p := range coalesceParams {
		guest.RunCmd(c, fmt.Sprintf("sudo ethtool -C %s %s 2", eth, p), guest.ExpectRet(0))
		guest.RunCmd(c, show, guest.ExpectKW(p+": 2"))
	}
	guest.RunCmd(c, "dmesg|tail -20")
}

func ethtoolOffload(c *guest.Case, env *suite.Env) {
	eth := iface(env)
	settings := guest.RunCmd(c, "sudo ethtool -k "+eth, guest.Msg("Show current settings."))
	driverInfo := guest.RunCmd(c, "sudo ethtool -i "+eth, guest.Msg("Check network driver!"))

	for _, o := range offloadOptions(driverInfo) {
		if !strings.Contains(settings, o.Name) {
			c.Logger().Info("offload not reported by driver", "option", o.Name)
			continue
		}
		guest.RunCmd(c, fmt.Sprintf("sudo ethtool -K %s %s off", eth, o.Short))
		guest.RunCmd(c, "sudo ethtool -k "+eth, guest.ExpectKW(o.Name+": off"))
		guest.RunCmd(c, fmt.Sprintf("sudo ethtool -K %s %s on", eth, o.Short), guest.ExpectRet(0))
		guest.RunCmd(c, "sudo ethtool -k "+eth, guest.ExpectKW(o.Name+": on"))
	}

	guest.RunCmd(c, "dmesg|tail -20")
	for _, kw := range []string{"fail", "error", "warn"} {
		guest.CheckDmesg(c, kw, false)
	}
	guest.RunCmd(c, "dmesg", guest.ExpectRet(0), guest.ExpectNotKW("Call Trace"))
}

func ethtoolMsglvl(c *guest.Case, env *suite.Env) {
	eth := iface(env)
	out := guest.RunCmd(c, "ethtool "+eth, guest.ExpectRet(0))
	if !strings.Contains(out, "Current message level") {
		c.Cancel("Operation not supported!")
	}
	guest.RunCmd(c, fmt.Sprintf("sudo ethtool -s %s msglvl 0", eth), guest.Msg("Disable all msglvl for now!"))

	for _, lvl := range msgLevels {
		guest.RunCmd(c, fmt.Sprintf("sudo ethtool -s %s msglvl %s on", eth, lvl), guest.ExpectRet(0))
		guest.RunCmd(c, "sudo ethtool "+eth, guest.ExpectKW(lvl))
	}
	for _, lvl := range msgLevels {
		guest.RunCmd(c, fmt.Sprintf("sudo ethtool -s %s msglvl %s off", eth, lvl), guest.ExpectRet(0))
		guest.RunCmd(c, fmt.Sprintf("sudo ethtool %s|grep -v 'link modes'", eth), guest.ExpectNotKW(lvl))
	}
	guest.RunCmd(c, "dmesg|tail -20")
}

func ethtoolRXFH(c *guest.Case, env *suite.Env) {
	eth := iface(env)
	guest.RunCmd(c, "ethtool -x "+eth, guest.Msg("Display setting before changing it."))
	guest.RunCmd(c, "ethtool -X "+eth+" default", guest.CancelNotKW("Operation not supported"))
	guest.RunCmd(c, "ethtool -X "+eth+" default", guest.Msg("Try to set rxfh with -X option."))
	guest.RunCmd(c, "ethtool -x "+eth, guest.Msg("Display setting after changed it."))
}

func networkHotplug(c *guest.Case, env *suite.Env) {
	if env.NewNIC == nil {
		c.Cancel("no subnet configured for network interface hotplug")
	}
	ctx := c.Context()
	nic := env.NewNIC()

	require.NoError(c.T, nic.Create(ctx), "network interface create failed!")
	deleted := false
	c.T.Cleanup(func() {
		if !deleted {
			if err := nic.Delete(ctx); err != nil {
				c.Logger().Error("deleting network interface", "nic", nic.ID(), "error", err)
			}
		}
	})
	require.NoError(c.T, nic.AttachToInstance(ctx, c.VM.ID(), 1), "attach network interface failed!")

	var out string
	for i := 0; i < 3; i++ {
		c.Sleep(5 * time.Second)
		guest.RunCmd(c, "lspci")
		out = guest.RunCmd(c, "ip addr show")
	}

	require.NoError(c.T, nic.DetachFromInstance(ctx), "detach network interface failed!")
	c.Sleep(5 * time.Second)
	guest.RunCmd(c, "ip addr show")
	require.NoError(c.T, nic.Delete(ctx), "delete network interface failed!")
	deleted = true

	require.Contains(c.T, out, "eth1", "eth1 not found after attached nic")
	guest.RunCmd(c, "dmesg", guest.ExpectNotKW("Call Trace"))
}

func secondIPHotplug(c *guest.Case, env *suite.Env) {
	guest.RunCmd(c, "rpm -q NetworkManager-cloud-setup", guest.CancelNotKW("could not be found,not installed"))
	timerStatus := "sudo systemctl status nm-cloud-setup.timer"
	guest.RunCmd(c, timerStatus)

	ctx := c.Context()
	require.NoError(c.T, c.VM.AssignNewIP(ctx), "assign secondary ip failed")
	ip := c.VM.AnotherIP()
	show := "sudo ip addr show " + iface(env)
	hasIP := func() bool {
		return strings.Contains(guest.RunCmd(c, show), "inet "+ip+"/")
	}

	if !c.Poll(ipPollTimeout, ipPollInterval, hasIP) {
		guest.RunCmd(c, timerStatus)
		c.T.Fatalf("expected 2nd ip %s not found in guest", ip)
	}

	require.NoError(c.T, c.VM.RemoveAddedIP(ctx), "remove secondary ip failed")
	if !c.Poll(ipPollTimeout, ipPollInterval, func() bool { return !hasIP() }) {
		guest.RunCmd(c, timerStatus)
		c.T.Fatalf("expected 2nd ip %s not removed from guest", ip)
	}
}
