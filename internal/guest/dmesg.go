package guest

import (
	"regexp"
	"strings"

	"github.com/samber/lo"
)

var dmesgBadRe = regexp.MustCompile(`(?i)fail|error|warn|call trace`)

// DmesgFindings returns kernel log lines that mention keyword together with a
// failure marker, skipping lines that contain an allowlisted fragment. With
// exactWord the keyword must match as a whole word.
func DmesgFindings(dmesg, keyword string, exactWord bool, allowlist []string) []string {
	pattern := "(?i)" + regexp.QuoteMeta(keyword)
	if exactWord {
		pattern = `(?i)\b` + regexp.QuoteMeta(keyword) + `\b`
	}
	keyRe := regexp.MustCompile(pattern)

	return lo.Filter(strings.Split(dmesg, "\n"), func(line string, _ int) bool {
		if !keyRe.MatchString(line) || !dmesgBadRe.MatchString(line) {
			return false
		}
		return !lo.ContainsBy(allowlist, func(frag string) bool {
			return strings.Contains(line, frag)
		})
	})
}

// CheckDmesg fails the case when the kernel log has failure lines about keyword
func CheckDmesg(c *Case, keyword string, exactWord bool, opts ...CmdOption) {
	c.T.Helper()
	out := RunCmd(c, "sudo dmesg", opts...)
	if found := DmesgFindings(out, keyword, exactWord, c.DmesgAllowlist); len(found) > 0 {
		c.T.Fatalf("found %s related failures in dmesg:\n%s", keyword, strings.Join(found, "\n"))
	}
	c.Logger().Info("no " + keyword + " failures in dmesg")
}
