package guest

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/kriansa/guestcheck/internal/cloud"
)

// RecoveryState is where the session recovery handler ended up
type RecoveryState int

const (
	// SessionDead means nothing could be done: no VM handle, or the run was interrupted
	SessionDead RecoveryState = iota
	// Recovering is the state while the console is captured and the VM cycled
	Recovering
	// Recovered means the VM was stopped and started again
	Recovered
	// InstanceRecycled means start failed and the VM was deleted; its handle is unusable
	InstanceRecycled
)

func (s RecoveryState) String() string {
	switch s {
	case SessionDead:
		return "session-dead"
	case Recovering:
		return "recovering"
	case Recovered:
		return "recovered"
	case InstanceRecycled:
		return "instance-recycled"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

const (
	defaultConsoleGrace    = 60 * time.Second
	defaultConsolePolls    = 10
	defaultConsoleInterval = 60 * time.Second
)

// consoleMarkers are console lines worth calling out when a session dies
var consoleMarkers = []struct {
	re   *regexp.Regexp
	desc string
}{
	{regexp.MustCompile(`Kernel panic - not syncing`), "kernel panic"},
	{regexp.MustCompile(`kernel BUG at`), "kernel BUG"},
	{regexp.MustCompile(`Call Trace:`), "kernel call trace"},
	{regexp.MustCompile(`(?i)You are in emergency mode|Entering emergency mode`), "emergency shell"},
	{regexp.MustCompile(`(?i)dracut-initqueue.*timeout`), "initramfs timeout"},
	{regexp.MustCompile(`Out of memory: Kill(ed)? process`), "out of memory kill"},
	{regexp.MustCompile(`watchdog: BUG: soft lockup`), "soft lockup"},
}

// ScanConsole returns a description of every known bad marker found in text
func ScanConsole(text string) []string {
	var found []string
	for _, m := range consoleMarkers {
		if m.re.MatchString(text) {
			found = append(found, m.desc)
		}
	}
	return found
}

// Recovery brings a VM back after its session died: it captures the console
// for diagnosis, then stops and starts the VM, deleting it if start fails.
type Recovery struct {
	Log   *slog.Logger
	Clock Clock

	// Grace is waited before the first console poll
	Grace time.Duration
	// ConsolePolls is the number of console log attempts
	ConsolePolls int
	// ConsoleInterval is waited before each console log attempt
	ConsoleInterval time.Duration
}

func NewRecovery(logger *slog.Logger) *Recovery {
	return &Recovery{
		Log:             logger,
		Clock:           RealClock,
		Grace:           defaultConsoleGrace,
		ConsolePolls:    defaultConsolePolls,
		ConsoleInterval: defaultConsoleInterval,
	}
}

// Handle runs the recovery of vm after cause broke its session
func (r *Recovery) Handle(ctx context.Context, vm cloud.VM, cause error, captureConsole bool) RecoveryState {
	r.Log.Warn("session broken", "error", cause)
	if vm == nil {
		r.Log.Error("no vm handle, cannot recover the session")
		return SessionDead
	}

	log := r.Log.With("instance", vm.ID(), "state", Recovering)
	if captureConsole {
		r.captureConsole(ctx, log, vm)
	}

	if ctx.Err() != nil {
		log.Warn("recovery interrupted, leaving instance as is", "error", ctx.Err())
		return SessionDead
	}

	log.Info("restarting instance")
	if err := vm.Stop(ctx); err != nil {
		log.Warn("stop instance", "error", err)
	}
	if vm.Start(ctx) {
		log.Info("instance restarted", "state", Recovered)
		return Recovered
	}

	log.Error("cannot start instance, terminating it")
	if err := vm.Delete(ctx); err != nil {
		log.Error("delete instance", "error", err)
	}
	return InstanceRecycled
}

func (r *Recovery) captureConsole(ctx context.Context, log *slog.Logger, vm cloud.VM) {
	log.Info("getting console log")
	if err := r.Clock.Sleep(ctx, r.Grace); err != nil {
		return
	}

	var (
		text string
		ok   bool
	)
	for i := 0; i < r.ConsolePolls; i++ {
		if err := r.Clock.Sleep(ctx, r.ConsoleInterval); err != nil {
			return
		}
		var err error
		text, ok, err = vm.ConsoleLog(ctx)
		if err != nil {
			log.Debug("get console log", "error", err)
		}
		if ok {
			break
		}
		log.Info("no console output yet", "attempt", i+1, "max", r.ConsolePolls)
	}

	if !ok {
		log.Warn("no console output available")
		return
	}
	log.Info("console output", "output", text)
	for _, m := range ScanConsole(text) {
		log.Error("console shows a "+m, "marker", m)
	}
}
