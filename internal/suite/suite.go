// Package suite holds the registry of guest test cases and runs them against
// a set of instances, producing a JUnit report.
package suite

import (
	"log/slog"

	"github.com/kriansa/guestcheck/internal/cloud"
	"github.com/kriansa/guestcheck/internal/config"
	"github.com/kriansa/guestcheck/internal/guest"
	"github.com/kriansa/guestcheck/internal/remote"
)

// Node is one instance under test
type Node struct {
	Session remote.Session
	VM      cloud.VM
}

// Env is what cases can reach besides their default node
type Env struct {
	Nodes  []Node
	Params config.InstanceParams
	// Interface is the guest interface under test, eth0 by default
	Interface string
	// NewNIC returns an uncreated interface for hotplug cases; nil when no
	// subnet is configured
	NewNIC func() cloud.NIC

	logger *slog.Logger
}

// Func is the body of a case. c is bound to the first node.
type Func func(c *guest.Case, env *Env)

// Case is a registered test case
type Case struct {
	Name string
	Tags []string
	// Nodes is the number of instances the case needs; zero means one
	Nodes int
	// MinVersion is a semver constraint on the guest OS version, e.g. ">= 8.5"
	MinVersion string
	Run        Func
	// Teardown runs after Run while the first node is still usable
	Teardown Func
}

func (c *Case) nodes() int {
	if c.Nodes == 0 {
		return 1
	}
	return c.Nodes
}
