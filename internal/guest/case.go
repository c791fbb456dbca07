// Package guest runs commands on instances under test and checks their results.
//
// Every helper takes a *Case, which carries the assertion callbacks, the logger
// and the default session and VM handle of the running test.
package guest

import (
	"context"
	"log/slog"
	"time"

	"github.com/kriansa/guestcheck/internal/cloud"
	"github.com/kriansa/guestcheck/internal/remote"
)

const (
	// DefaultCommandTimeout applies to commands that set no timeout
	DefaultCommandTimeout = 60 * time.Second
	// DefaultSSHWaitTimeout bounds a reconnect after a transport failure
	DefaultSSHWaitTimeout = 180 * time.Second
)

// TB is the part of testing.TB a case needs. *testing.T and *harness.T
// implement it.
type TB interface {
	Helper()
	Name() string
	Logf(format string, args ...any)
	Errorf(format string, args ...any)
	FailNow()
	Fatalf(format string, args ...any)
	Skipf(format string, args ...any)
	Cleanup(fn func())
}

// Clock abstracts time for polling loops
type Clock interface {
	Now() time.Time
	// Sleep waits for d or until ctx is done
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RealClock is the wall clock
var RealClock Clock = realClock{}

// Case is the capability set of a running test case
type Case struct {
	T   TB
	Ctx context.Context
	Log *slog.Logger

	// Session and VM are used by commands that do not name another node
	Session remote.Session
	VM      cloud.VM

	// SSHWaitTimeout bounds the reconnect after a transport failure
	SSHWaitTimeout time.Duration
	// CommandTimeout replaces DefaultCommandTimeout when set
	CommandTimeout time.Duration
	// CaptureConsole enables console log capture during recovery
	CaptureConsole bool
	// Recovery handles dead sessions; nil uses NewRecovery
	Recovery *Recovery
	// Clock drives polling loops; nil uses RealClock
	Clock Clock
	// DmesgAllowlist holds kernel log fragments CheckDmesg ignores
	DmesgAllowlist []string
}

// Context returns the context of the run
func (c *Case) Context() context.Context {
	if c.Ctx == nil {
		return context.Background()
	}
	return c.Ctx
}

func (c *Case) clock() Clock {
	if c.Clock == nil {
		return RealClock
	}
	return c.Clock
}

// Logger returns the case logger, slog.Default when unset
func (c *Case) Logger() *slog.Logger {
	if c.Log == nil {
		return slog.Default()
	}
	return c.Log
}

func (c *Case) sshWaitTimeout() time.Duration {
	if c.SSHWaitTimeout == 0 {
		return DefaultSSHWaitTimeout
	}
	return c.SSHWaitTimeout
}

func (c *Case) recovery() *Recovery {
	if c.Recovery == nil {
		c.Recovery = NewRecovery(c.Logger())
		c.Recovery.Clock = c.clock()
	}
	return c.Recovery
}

// Sleep pauses the case; an interrupted sleep fails it
func (c *Case) Sleep(d time.Duration) {
	c.T.Helper()
	if err := c.clock().Sleep(c.Context(), d); err != nil {
		c.T.Fatalf("interrupted while sleeping %v: %v", d, err)
	}
}

// Poll calls fn every interval until it returns true or timeout elapses
func (c *Case) Poll(timeout, interval time.Duration, fn func() bool) bool {
	return Poll(c.Context(), c.clock(), timeout, interval, fn)
}

// Cancel stops the case without failing it
func (c *Case) Cancel(format string, args ...any) {
	c.T.Helper()
	c.T.Skipf(format, args...)
}

// ForNode returns a copy of c whose default session and VM are the given node's
func (c *Case) ForNode(session remote.Session, vm cloud.VM) *Case {
	n := *c
	n.Session = session
	n.VM = vm
	return &n
}
