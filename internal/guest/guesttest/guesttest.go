// Package guesttest provides in-memory sessions, VM handles and clocks for
// testing code built on package guest.
package guesttest

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/kriansa/guestcheck/internal/cloud"
	"github.com/kriansa/guestcheck/internal/remote"
)

var (
	_ remote.Session = (*FakeSession)(nil)
	_ cloud.VM       = (*FakeVM)(nil)
	_ cloud.NIC      = (*FakeNIC)(nil)
)

// Reply is the scripted outcome of one command
type Reply struct {
	Status int
	Output string
	Err    error
}

// OK returns a successful reply with output
func OK(output string) Reply { return Reply{Output: output} }

// Exit returns a reply with a non-zero status
func Exit(status int, output string) Reply { return Reply{Status: status, Output: output} }

// Broken returns a transport failure
func Broken(err error) Reply { return Reply{Status: -1, Err: err} }

// FakeSession answers commands from scripted replies.
//
// Replies registered with On are consumed in order; the last one sticks.
// Commands without replies go to Handler, and then succeed with no output.
type FakeSession struct {
	mu      sync.Mutex
	replies map[string][]Reply
	calls   []string
	limits  map[string]time.Duration
	files   map[string][]byte
	closed  bool

	// Handler answers commands that have no scripted reply
	Handler func(cmd string) (Reply, bool)
	// ConnectErrs are returned by successive Connect calls
	ConnectErrs []error
	// Unresponsive makes IsResponsive report false
	Unresponsive bool
	// CloseErr is returned by Close
	CloseErr error
	// Connects counts Connect calls
	Connects int
}

func NewFakeSession() *FakeSession {
	return &FakeSession{
		replies: make(map[string][]Reply),
		limits:  make(map[string]time.Duration),
		files:   make(map[string][]byte),
	}
}

// On appends replies for cmd
func (f *FakeSession) On(cmd string, replies ...Reply) *FakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[cmd] = append(f.replies[cmd], replies...)
	return f
}

func (f *FakeSession) Connect(_ context.Context, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Connects++
	if len(f.ConnectErrs) > 0 {
		err := f.ConnectErrs[0]
		f.ConnectErrs = f.ConnectErrs[1:]
		if err != nil {
			return err
		}
	}
	f.closed = false
	return nil
}

func (f *FakeSession) CmdStatusOutput(_ context.Context, cmd string, timeout time.Duration) (int, string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	f.limits[cmd] = timeout
	queue := f.replies[cmd]
	var r Reply
	scripted := len(queue) > 0
	if scripted {
		r = queue[0]
		if len(queue) > 1 {
			f.replies[cmd] = queue[1:]
		}
	}
	handler := f.Handler
	f.mu.Unlock()

	if !scripted && handler != nil {
		if hr, ok := handler(cmd); ok {
			r = hr
		}
	}
	if r.Err != nil {
		return -1, "", r.Err
	}
	return r.Status, r.Output, nil
}

func (f *FakeSession) IsResponsive(_ context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed && !f.Unresponsive
}

func (f *FakeSession) WriteFile(path string, data []byte, _ os.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = append([]byte(nil), data...)
	return nil
}

func (f *FakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return f.CloseErr
}

// Calls returns every command run so far
func (f *FakeSession) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Count returns how many times cmd was run
func (f *FakeSession) Count(cmd string) int {
	n := 0
	for _, c := range f.Calls() {
		if c == cmd {
			n++
		}
	}
	return n
}

// TimeoutOf returns the timeout cmd last ran with
func (f *FakeSession) TimeoutOf(cmd string) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.limits[cmd]
}

// File returns the content written to path
func (f *FakeSession) File(path string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[path]
	return string(data), ok
}

// Closed reports whether Close was called after the last Connect
func (f *FakeSession) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// FakeVM records power actions and serves scripted console output
type FakeVM struct {
	mu    sync.Mutex
	calls []string

	IDValue   string
	Type      string
	Private   string
	Public    string
	Started   bool
	Created   bool
	StartOK   bool
	StopErr   error
	AssignErr error
	// Console holds successive ConsoleLog results; "" means not available yet
	Console []string
	// NextIP is handed out by AssignNewIP
	NextIP    string
	anotherIP string
}

func NewFakeVM(instanceType string) *FakeVM {
	return &FakeVM{
		IDValue: "i-0123456789abcdef0",
		Type:    instanceType,
		Private: "10.0.1.10",
		Public:  "203.0.113.10",
		Started: true,
		Created: true,
		StartOK: true,
		NextIP:  "10.0.1.20",
	}
}

func (v *FakeVM) record(call string) {
	v.mu.Lock()
	v.calls = append(v.calls, call)
	v.mu.Unlock()
}

// Calls returns the recorded VM operations
func (v *FakeVM) Calls() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.calls...)
}

func (v *FakeVM) ID() string            { return v.IDValue }
func (v *FakeVM) InstanceType() string  { return v.Type }
func (v *FakeVM) PrivateIP() string     { return v.Private }
func (v *FakeVM) PublicAddress() string { return v.Public }

func (v *FakeVM) AnotherIP() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.anotherIP
}

func (v *FakeVM) Stop(_ context.Context) error {
	v.record("stop")
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.StopErr != nil {
		return v.StopErr
	}
	v.Started = false
	return nil
}

func (v *FakeVM) Start(_ context.Context) bool {
	v.record("start")
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.StartOK {
		return false
	}
	v.Started = true
	return true
}

func (v *FakeVM) Delete(_ context.Context) error {
	v.record("delete")
	v.mu.Lock()
	defer v.mu.Unlock()
	v.Created = false
	v.Started = false
	return nil
}

func (v *FakeVM) ConsoleLog(_ context.Context) (string, bool, error) {
	v.record("console")
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.Console) == 0 {
		return "", false, nil
	}
	text := v.Console[0]
	v.Console = v.Console[1:]
	return text, text != "", nil
}

func (v *FakeVM) IsStarted(_ context.Context) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.Started
}

func (v *FakeVM) IsCreated(_ context.Context) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.Created
}

func (v *FakeVM) AssignNewIP(_ context.Context) error {
	v.record("assign-ip")
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.AssignErr != nil {
		return v.AssignErr
	}
	v.anotherIP = v.NextIP
	return nil
}

func (v *FakeVM) RemoveAddedIP(_ context.Context) error {
	v.record("remove-ip")
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.anotherIP == "" {
		return fmt.Errorf("no added ip")
	}
	v.anotherIP = ""
	return nil
}

// FakeNIC records hotplug operations
type FakeNIC struct {
	mu    sync.Mutex
	calls []string
	id    string
}

func (n *FakeNIC) ID() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.id
}

func (n *FakeNIC) record(call string) {
	n.mu.Lock()
	n.calls = append(n.calls, call)
	n.mu.Unlock()
}

// Calls returns the recorded NIC operations
func (n *FakeNIC) Calls() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.calls...)
}

func (n *FakeNIC) Create(_ context.Context) error {
	n.record("create")
	n.mu.Lock()
	n.id = "eni-0bbbbbbbbbbbbbb00"
	n.mu.Unlock()
	return nil
}

func (n *FakeNIC) AttachToInstance(_ context.Context, instanceID string, deviceIndex int32) error {
	n.record(fmt.Sprintf("attach %s %d", instanceID, deviceIndex))
	return nil
}

func (n *FakeNIC) DetachFromInstance(_ context.Context) error {
	n.record("detach")
	return nil
}

func (n *FakeNIC) Delete(_ context.Context) error {
	n.record("delete")
	return nil
}

// FakeClock advances instantly on Sleep
type FakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept time.Duration
}

func NewFakeClock() *FakeClock {
	return &FakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.slept += d
	return nil
}

// Slept returns the total time spent in Sleep
func (c *FakeClock) Slept() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slept
}
