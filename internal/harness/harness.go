// Package harness runs test functions outside of `go test`.
//
// A T records failures and skips the same way *testing.T does: FailNow and
// SkipNow stop the running function with runtime.Goexit, so Run executes every
// function on its own goroutine.
package harness

import (
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"
)

// Status is the final state of a run
type Status int

const (
	Passed Status = iota
	Failed
	Skipped
)

func (s Status) String() string {
	switch s {
	case Passed:
		return "passed"
	case Failed:
		return "failed"
	case Skipped:
		return "skipped"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Result is what Run reports for one function
type Result struct {
	Name     string
	Status   Status
	Messages []string
	Duration time.Duration
}

// Failure returns the messages joined for report output
func (r Result) Failure() string {
	return strings.Join(r.Messages, "\n")
}

// T is handed to the function executed by Run
type T struct {
	name string
	log  *slog.Logger

	mu       sync.Mutex
	failed   bool
	skipped  bool
	messages []string
	cleanups []func()
}

func (t *T) Name() string { return t.name }

// Helper exists to satisfy the testing.TB subset used by assertion libraries
func (t *T) Helper() {}

func (t *T) record(msg string) {
	t.mu.Lock()
	t.messages = append(t.messages, msg)
	t.mu.Unlock()
}

func (t *T) Logf(format string, args ...any) {
	t.log.Info(fmt.Sprintf(format, args...))
}

func (t *T) Fail() {
	t.mu.Lock()
	t.failed = true
	t.mu.Unlock()
}

func (t *T) Failed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failed
}

func (t *T) Skipped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.skipped
}

func (t *T) Errorf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	t.log.Error(msg)
	t.record(msg)
	t.Fail()
}

func (t *T) FailNow() {
	t.Fail()
	runtime.Goexit()
}

func (t *T) Fatalf(format string, args ...any) {
	t.Errorf(format, args...)
	t.FailNow()
}

func (t *T) SkipNow() {
	t.mu.Lock()
	t.skipped = true
	t.mu.Unlock()
	runtime.Goexit()
}

func (t *T) Skipf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	t.log.Info("skipped: " + msg)
	t.record(msg)
	t.SkipNow()
}

// Cleanup registers fn to run after the function returns, last registered first
func (t *T) Cleanup(fn func()) {
	t.mu.Lock()
	t.cleanups = append(t.cleanups, fn)
	t.mu.Unlock()
}

func (t *T) runCleanups() {
	t.mu.Lock()
	fns := t.cleanups
	t.cleanups = nil
	t.mu.Unlock()

	for i := len(fns) - 1; i >= 0; i-- {
		t.protect(fns[i])
	}
}

// protect runs fn and turns a panic into a failure
func (t *T) protect(fn func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				t.Errorf("panic: %v\n%s", r, debug.Stack())
			}
		}()
		fn()
	}()
	<-done
}

// Run executes fn with a fresh T and returns its result. A failure wins over
// a skip requested after it.
func Run(name string, logger *slog.Logger, fn func(t *T)) Result {
	t := &T{name: name, log: logger.With("case", name)}

	start := time.Now()
	t.protect(func() { fn(t) })
	t.runCleanups()

	res := Result{
		Name:     name,
		Duration: time.Since(start),
		Messages: t.messages,
	}
	switch {
	case t.failed:
		res.Status = Failed
	case t.skipped:
		res.Status = Skipped
	default:
		res.Status = Passed
	}

	return res
}
