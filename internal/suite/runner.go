package suite

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/kriansa/guestcheck/internal/guest"
	"github.com/kriansa/guestcheck/internal/harness"
)

// Options configure how the runner builds each guest.Case
type Options struct {
	SSHWaitTimeout time.Duration
	CommandTimeout time.Duration
	CaptureConsole bool
	DmesgAllowlist []string
	// FailFast stops the run at the first failed case
	FailFast bool
	// Clock drives sleeps and polls; nil uses the wall clock
	Clock guest.Clock
}

// Runner executes the cases of a suite one after another
type Runner struct {
	log  *slog.Logger
	env  *Env
	opts Options
}

func NewRunner(logger *slog.Logger, env *Env, opts Options) *Runner {
	if opts.SSHWaitTimeout == 0 {
		opts.SSHWaitTimeout = guest.DefaultSSHWaitTimeout
	}
	if opts.Clock == nil {
		opts.Clock = guest.RealClock
	}
	return &Runner{log: logger, env: env, opts: opts}
}

// NewCase binds a guest.Case to node 0 of the environment
func (r *Runner) NewCase(ctx context.Context, t guest.TB) *guest.Case {
	rec := guest.NewRecovery(r.log)
	rec.Clock = r.opts.Clock

	c := &guest.Case{
		T:              t,
		Ctx:            ctx,
		Log:            r.log.With("case", t.Name()),
		SSHWaitTimeout: r.opts.SSHWaitTimeout,
		CommandTimeout: r.opts.CommandTimeout,
		CaptureConsole: r.opts.CaptureConsole,
		Recovery:       rec,
		Clock:          r.opts.Clock,
		DmesgAllowlist: r.opts.DmesgAllowlist,
	}
	if len(r.env.Nodes) > 0 {
		c.Session = r.env.Nodes[0].Session
		c.VM = r.env.Nodes[0].VM
	}
	return c
}

func (r *Runner) closeSessions(n int) {
	for _, node := range r.env.Nodes[:n] {
		if err := node.Session.Close(); err != nil {
			r.log.Debug("closing session", "instance", node.VM.ID(), "error", err)
		}
	}
}

// Exec runs one case on t: session check, OS version gate, body and teardown
func (r *Runner) Exec(ctx context.Context, t guest.TB, tc *Case) {
	t.Helper()
	c := r.NewCase(ctx, t)
	guest.CheckSession(c)

	if tc.MinVersion != "" {
		constraint, err := semver.NewConstraint(tc.MinVersion)
		if err != nil {
			t.Fatalf("invalid version constraint %q: %v", tc.MinVersion, err)
			return
		}
		v, err := guest.OSVersion(c)
		if err != nil {
			t.Fatalf("reading guest os version: %v", err)
			return
		}
		if !constraint.Check(v) {
			c.Cancel("guest os %s does not satisfy %s", v, tc.MinVersion)
			return
		}
	}

	if tc.Teardown != nil {
		t.Cleanup(func() { r.teardown(c, tc) })
	}
	tc.Run(c, r.env)
}

func (r *Runner) teardown(c *guest.Case, tc *Case) {
	ctx := c.Ctx
	if c.VM == nil || !c.VM.IsCreated(ctx) {
		return
	}
	if !c.Session.IsResponsive(ctx) || !c.VM.IsStarted(ctx) {
		return
	}
	tc.Teardown(c, r.env)
}

// Run executes every selected case of ts and records the results in it
func (r *Runner) Run(ctx context.Context, ts *JUnitTestSuite) *JUnitTestSuite {
	suiteStart := time.Now()
	r.log.Info("** Running test suite", "suite", ts.Name, "tests", len(ts.TestCases), "start-time", suiteStart.Format(time.RFC3339))

	for i, test := range ts.TestCases {
		if test.Skipped != nil {
			r.log.Info("SKIP", "test", test.Name, "reason", test.Skipped.Message)

			continue
		}
		if ctx.Err() != nil {
			ts.skip(i, "Run interrupted")

			continue
		}

		nodes := test.Case.nodes()
		if nodes > len(r.env.Nodes) {
			ts.skip(i, fmt.Sprintf("needs %d nodes, %d configured", nodes, len(r.env.Nodes)))
			r.log.Warn("SKIP", "test", test.Name, "reason", ts.TestCases[i].Skipped.Message)

			continue
		}

		r.log.Info("* Running test", "test", test.Name)
		testStart := time.Now()
		if err := r.env.Connect(ctx, nodes, r.opts.SSHWaitTimeout); err != nil {
			ts.TestCases[i].Time = time.Since(testStart).Seconds()
			ts.fail(i, err.Error())
			r.log.Error("FAIL", "test", test.Name, "error", err.Error())
			if r.opts.FailFast {
				break
			}

			continue
		}

		res := harness.Run(test.Name, r.log, func(t *harness.T) {
			r.Exec(ctx, t, test.Case)
		})
		r.closeSessions(nodes)
		ts.TestCases[i].Time = res.Duration.Seconds()

		switch res.Status {
		case harness.Skipped:
			ts.skip(i, res.Failure())
			r.log.Warn("SKIP", "test", test.Name, "reason", res.Failure())
		case harness.Failed:
			ts.fail(i, res.Failure())
			r.log.Error("FAIL", "test", test.Name, "error", res.Failure())
		default:
			r.log.Info("PASS", "test", test.Name)
		}

		if res.Status == harness.Failed && r.opts.FailFast {
			break
		}
	}

	ts.TimeHuman = time.Since(suiteStart).Round(time.Second)
	ts.Time = ts.TimeHuman.Seconds()
	r.log.Info("** Finished test suite", "suite", ts.Name, "duration", ts.TimeHuman.String())
	PrintResults(r.log, ts)

	return ts
}
