package guest

import (
	"bufio"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/require"
)

// CompareNums passes when num1 < num2 or num1 exceeds num2 by at most ratio
// percent, and fails the case otherwise.
func CompareNums(c *Case, num1, num2, ratio float64, msg string) bool {
	c.T.Helper()
	log := c.Logger()
	log.Info(msg)

	if num2 == 0 {
		c.T.Fatalf("cannot compare %v against a zero baseline", num1)
		return false
	}
	if num1 < num2 {
		log.Info(fmt.Sprintf("%v less than %v", num1, num2))
		return true
	}
	if (num1-num2)/num2*100 > ratio {
		c.T.Fatalf("%v vs %v over %v%%", num1, num2, ratio)
		return false
	}
	log.Info(fmt.Sprintf("%v vs %v less %v%%, pass", num1, num2, ratio))
	return true
}

// IsArm reports whether the guest is aarch64, cancelling the case when cancel is set
func IsArm(c *Case, cancel bool, opts ...CmdOption) bool {
	c.T.Helper()
	out := RunCmd(c, "lscpu", append(opts, ExpectRet(0))...)
	if strings.Contains(out, "aarch64") {
		c.Logger().Info("Arm detected.")
		if cancel {
			c.Cancel("Cancel it in arm platform.")
		}
		return true
	}
	c.Logger().Info("Not an arm instance.")
	return false
}

// IsMetal reports whether the instance type is bare metal, cancelling the case when cancel is set
func IsMetal(c *Case, cancel bool) bool {
	c.T.Helper()
	if c.VM != nil && strings.Contains(c.VM.InstanceType(), "metal") {
		c.Logger().Info("Metal detected")
		if cancel {
			c.Cancel("Cancel it in metal platform.")
		}
		return true
	}
	c.Logger().Info("Not a metal instance.")
	return false
}

// RunOSTests runs one os-tests case on the guest and fails on its failures
func RunOSTests(c *Case, caseName string, timeout time.Duration) {
	c.T.Helper()
	out := RunCmd(c, "sudo /usr/local/bin/os-tests --strict -p "+caseName,
		CancelNotKW("skipped=1"), Timeout(timeout))
	RunCmd(c, fmt.Sprintf("sudo cat /tmp/os_tests_result/debug/%s.debug", caseName),
		Msg("Get test debug log"), CancelNotKW("skipped=1"))
	require.NotContains(c.T, out, "failures=", "Test fail. out:%s", out)
}

// CheckSession makes sure the default session answers, reconnecting if needed
func CheckSession(c *Case) {
	c.T.Helper()
	if c.Session == nil {
		c.T.Fatalf("no session")
		return
	}
	if c.Session.IsResponsive(c.Context()) {
		return
	}
	c.Logger().Info("session not responsive, reconnecting")
	if err := c.Session.Connect(c.Context(), c.sshWaitTimeout()); err != nil {
		c.T.Fatalf("cannot connect to guest: %v", err)
	}
}

// OSVersion reads VERSION_ID from /etc/os-release
func OSVersion(c *Case) (*semver.Version, error) {
	c.T.Helper()
	out := RunCmd(c, "cat /etc/os-release", ExpectRet(0))
	return ParseOSVersion(out)
}

// ParseOSVersion extracts VERSION_ID from os-release content
func ParseOSVersion(osRelease string) (*semver.Version, error) {
	sc := bufio.NewScanner(strings.NewReader(osRelease))
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok || key != "VERSION_ID" {
			continue
		}
		v, err := semver.NewVersion(strings.Trim(value, `"'`))
		if err != nil {
			return nil, fmt.Errorf("parse VERSION_ID %q: %w", value, err)
		}
		return v, nil
	}
	return nil, fmt.Errorf("no VERSION_ID in os-release")
}
