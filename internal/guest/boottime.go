package guest

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	bootNotFinished = "Bootup is not yet finished"
	bootWaitTimeout = 60 * time.Second
	bootWaitPoll    = time.Second
)

var (
	bootTotalRe = regexp.MustCompile(`=.*s`)
	bootSecRe   = regexp.MustCompile(`[0-9.]+s`)
	bootMinRe   = regexp.MustCompile(`[0-9]+min`)
)

// ParseBootTime extracts the total from systemd-analyze output such as
// "Startup finished in 1.1s (kernel) + 9.4s (userspace) = 1min 10.5s".
// Minutes are added to the seconds rounded half to even.
func ParseBootTime(output string) (float64, error) {
	total := bootTotalRe.FindString(output)
	if total == "" {
		return 0, fmt.Errorf("no boot time total in %q", output)
	}
	total = strings.Trim(total, "=\n ")

	secStr := strings.Trim(bootSecRe.FindString(total), "= s")
	if secStr == "" {
		return 0, fmt.Errorf("no seconds in boot time %q", total)
	}
	sec, err := strconv.ParseFloat(secStr, 64)
	if err != nil {
		return 0, fmt.Errorf("parse boot seconds %q: %w", secStr, err)
	}

	if !strings.Contains(total, "min") {
		return sec, nil
	}
	minStr := strings.TrimSuffix(bootMinRe.FindString(total), "min")
	mins, err := strconv.Atoi(minStr)
	if err != nil {
		return 0, fmt.Errorf("parse boot minutes in %q: %w", total, err)
	}
	return float64(mins*60) + math.RoundToEven(sec), nil
}

// BootTime waits for systemd to finish booting and returns the boot time in seconds
func BootTime(c *Case, opts ...CmdOption) float64 {
	c.T.Helper()

	RunCmd(c, "sudo which systemd-analyze", append(opts, ExpectRet(0))...)

	finished := c.Poll(bootWaitTimeout, bootWaitPoll, func() bool {
		out := RunCmd(c, "sudo systemd-analyze", opts...)
		if !strings.Contains(out, bootNotFinished) {
			return true
		}
		RunCmd(c, "sudo systemctl list-jobs", opts...)
		c.Logger().Info("waiting for bootup to finish")
		return false
	})
	if !finished {
		c.T.Fatalf("Bootup is not yet finished after %v", bootWaitTimeout)
	}

	RunCmd(c, "sudo systemd-analyze blame > /tmp/blame.log", append(opts, ExpectRet(0))...)
	RunCmd(c, "cat /tmp/blame.log", append(opts, ExpectRet(0))...)
	out := RunCmd(c, "sudo systemd-analyze", append(opts, ExpectRet(0))...)

	secs, err := ParseBootTime(out)
	if err != nil {
		c.T.Fatalf("%v", err)
	}
	c.Logger().Info(fmt.Sprintf("Boot time is %v(s)", secs))
	return secs
}
