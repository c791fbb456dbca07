package remote

import (
	"context"
	"errors"
	"os"
	"time"
)

var (
	// ErrNotConnected is returned when a command is sent before Connect succeeded
	ErrNotConnected = errors.New("ssh client not connected")
	// ErrTimeout is returned when a command does not finish within its timeout
	ErrTimeout = errors.New("timeout")
)

// Session is an open command channel to a guest.
//
// CmdStatusOutput only returns an error when the transport failed (dial,
// channel, timeout, missing exit status). A command that ran and exited
// non-zero is reported through the status with a nil error.
type Session interface {
	// Connect (re)establishes the session, retrying until timeout
	Connect(ctx context.Context, timeout time.Duration) error
	// CmdStatusOutput runs cmd and returns its exit status and combined output
	CmdStatusOutput(ctx context.Context, cmd string, timeout time.Duration) (int, string, error)
	// IsResponsive reports whether a trivial command round-trips
	IsResponsive(ctx context.Context) bool
	// WriteFile creates or replaces a file on the guest
	WriteFile(path string, data []byte, mode os.FileMode) error
	// Close drops the connection; Connect may be called again afterwards
	Close() error
}
