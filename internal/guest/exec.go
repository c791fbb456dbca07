package guest

import (
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/require"

	"github.com/kriansa/guestcheck/internal/cloud"
	"github.com/kriansa/guestcheck/internal/remote"
)

const (
	// StatusUnknown is the status of a command whose outcome is indeterminate
	StatusUnknown = -1

	probeCmd     = "uname -r"
	probeTimeout = 120 * time.Second
)

type cmdOptions struct {
	expectRet    *int
	expectNotRet *int
	expectKW     string
	expectNotKW  string
	expectOutput *string
	cancelKW     string
	cancelNotKW  string
	msg          string
	timeout      time.Duration
	session      remote.Session
	vm           cloud.VM
	noConsole    bool
}

// CmdOption configures RunCmd
type CmdOption func(*cmdOptions)

// ExpectRet fails the case unless the exit status is ret
func ExpectRet(ret int) CmdOption { return func(o *cmdOptions) { o.expectRet = &ret } }

// ExpectNotRet fails the case when the exit status is ret
func ExpectNotRet(ret int) CmdOption { return func(o *cmdOptions) { o.expectNotRet = &ret } }

// ExpectKW fails the case unless every comma-separated keyword is in the output
func ExpectKW(kw string) CmdOption { return func(o *cmdOptions) { o.expectKW = kw } }

// ExpectNotKW fails the case when any comma-separated keyword is in the output
func ExpectNotKW(kw string) CmdOption { return func(o *cmdOptions) { o.expectNotKW = kw } }

// ExpectOutput fails the case unless the output is exactly out
func ExpectOutput(out string) CmdOption { return func(o *cmdOptions) { o.expectOutput = &out } }

// CancelKW cancels the case when none of the comma-separated keywords is in the output
func CancelKW(kw string) CmdOption { return func(o *cmdOptions) { o.cancelKW = kw } }

// CancelNotKW cancels the case when any comma-separated keyword is in the output
func CancelNotKW(kw string) CmdOption { return func(o *cmdOptions) { o.cancelNotKW = kw } }

// Msg is logged after the command ran
func Msg(msg string) CmdOption { return func(o *cmdOptions) { o.msg = msg } }

// Timeout bounds the command, Case.CommandTimeout or DefaultCommandTimeout when unset
func Timeout(d time.Duration) CmdOption { return func(o *cmdOptions) { o.timeout = d } }

// WithSession runs the command on another node's session
func WithSession(s remote.Session) CmdOption { return func(o *cmdOptions) { o.session = s } }

// WithVM recovers another node's VM when the session breaks
func WithVM(vm cloud.VM) CmdOption { return func(o *cmdOptions) { o.vm = vm } }

// WithoutConsole skips console capture during recovery
func WithoutConsole() CmdOption { return func(o *cmdOptions) { o.noConsole = true } }

func keywords(list string) []string {
	return strings.Split(list, ",")
}

// RunCmd runs cmd on the guest, validates the outcome and returns the output
func RunCmd(c *Case, cmd string, opts ...CmdOption) string {
	c.T.Helper()
	_, output := c.run(cmd, opts)
	return output
}

// RunCmdStatus runs cmd on the guest, validates the outcome and returns the exit status
func RunCmdStatus(c *Case, cmd string, opts ...CmdOption) int {
	c.T.Helper()
	status, _ := c.run(cmd, opts)
	return status
}

func (c *Case) run(cmd string, opts []CmdOption) (int, string) {
	c.T.Helper()

	o := cmdOptions{
		timeout: c.CommandTimeout,
		session: c.Session,
		vm:      c.VM,
	}
	if o.timeout == 0 {
		o.timeout = DefaultCommandTimeout
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.session == nil {
		c.T.Fatalf("no session to run %q on", cmd)
	}

	status, output := c.execute(cmd, &o)
	if o.msg != "" {
		c.Logger().Info(o.msg)
	}
	c.validate(status, output, &o)
	c.Logger().Info("CMD out", "cmd", cmd, "status", status, "output", output)

	return status, output
}

// execute runs cmd, retrying it once after a transport failure
func (c *Case) execute(cmd string, o *cmdOptions) (int, string) {
	ctx := c.Context()
	log := c.Logger()
	log.Info("CMD", "cmd", cmd)

	status, output, err := o.session.CmdStatusOutput(ctx, cmd, o.timeout)
	if err == nil {
		return status, output
	}
	log.Error("run cmd failed", "cmd", cmd, "error", err)
	status, output = StatusUnknown, ""

	log.Info("trying to reconnect")
	if cerr := o.session.Connect(ctx, c.sshWaitTimeout()); cerr != nil {
		state := c.recovery().Handle(ctx, o.vm, cerr, c.CaptureConsole && !o.noConsole)
		switch state {
		case InstanceRecycled, SessionDead:
			return status, output
		}
		if cerr := o.session.Connect(ctx, c.sshWaitTimeout()); cerr != nil {
			log.Warn("reconnect after restart", "error", cerr)
		}
	}

	log.Info("testing connection via uname, restarting the instance if it still fails")
	_, kernel, err := o.session.CmdStatusOutput(ctx, probeCmd, probeTimeout)
	if err == nil {
		log.Debug("session alive", "kernel", strings.TrimSpace(kernel))
		var st int
		var out string
		st, out, err = o.session.CmdStatusOutput(ctx, cmd, o.timeout)
		if err == nil {
			return st, out
		}
	}

	log.Error("run cmd failed again", "cmd", cmd, "error", err)
	c.recovery().Handle(ctx, o.vm, err, c.CaptureConsole && !o.noConsole)
	return status, output
}

// validate applies the expectations of o in a fixed order
func (c *Case) validate(status int, output string, o *cmdOptions) {
	c.T.Helper()

	if o.expectRet != nil {
		require.Equal(c.T, *o.expectRet, status,
			"ret is %d, expected is %d, output %s", status, *o.expectRet, output)
	}
	if o.expectNotRet != nil {
		require.NotEqual(c.T, *o.expectNotRet, status,
			"ret is %d, expected not ret is %d, output %s", status, *o.expectNotRet, output)
	}
	if o.expectKW != "" {
		for _, kw := range keywords(o.expectKW) {
			require.Contains(c.T, output, kw, "expected %s not found in %s", kw, output)
		}
	}
	if o.expectNotKW != "" {
		for _, kw := range keywords(o.expectNotKW) {
			require.NotContains(c.T, output, kw, "unexpected %s found in %s", kw, output)
		}
	}
	if o.expectOutput != nil {
		require.Equal(c.T, *o.expectOutput, output,
			"exactly expected %s, result %s", *o.expectOutput, output)
	}
	if o.cancelKW != "" {
		found := lo.ContainsBy(keywords(o.cancelKW), func(kw string) bool {
			return strings.Contains(output, kw)
		})
		if !found {
			c.Cancel("None of %s found, cancel case", o.cancelKW)
		}
	}
	if o.cancelNotKW != "" {
		if kw, ok := lo.Find(keywords(o.cancelNotKW), func(kw string) bool {
			return strings.Contains(output, kw)
		}); ok {
			c.Cancel("%s found, cancel case %s", kw, output)
		}
	}
}
