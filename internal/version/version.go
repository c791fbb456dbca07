package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Set via ldflags at build time
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// readBuildInfo is swapped in tests
var readBuildInfo = debug.ReadBuildInfo

// commit falls back to the VCS revision stamped by go build when no ldflags were set
func commit() string {
	if Commit != "unknown" {
		return Commit
	}
	info, ok := readBuildInfo()
	if !ok {
		return Commit
	}
	rev, modified := "", false
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			modified = s.Value == "true"
		}
	}
	if rev == "" {
		return Commit
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	if modified {
		rev += "-dirty"
	}
	return rev
}

func String() string {
	return fmt.Sprintf("guestcheck %s (commit: %s, built: %s, go: %s)",
		Version, commit(), BuildTime, runtime.Version())
}
