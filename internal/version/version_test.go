package version

import (
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	tests := []struct {
		name     string
		commit   string
		settings []debug.BuildSetting
		ok       bool
		want     string
	}{
		{"ldflags", "abc1234", nil, false, "abc1234"},
		{"no build info", "unknown", nil, false, "unknown"},
		{
			"vcs revision",
			"unknown",
			[]debug.BuildSetting{{Key: "vcs.revision", Value: "0123456789abcdef0123"}},
			true,
			"0123456789ab",
		},
		{
			"dirty tree",
			"unknown",
			[]debug.BuildSetting{{Key: "vcs.revision", Value: "0123456"}, {Key: "vcs.modified", Value: "true"}},
			true,
			"0123456-dirty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oldCommit, oldRead := Commit, readBuildInfo
			t.Cleanup(func() { Commit, readBuildInfo = oldCommit, oldRead })

			Commit = tt.commit
			readBuildInfo = func() (*debug.BuildInfo, bool) {
				return &debug.BuildInfo{Settings: tt.settings}, tt.ok
			}

			assert.Equal(t, tt.want, commit())
			assert.Contains(t, String(), "(commit: "+tt.want+",")
		})
	}
}
