package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stationd/stationd/internal/logger"
	"github.com/stationd/stationd/internal/state"
	"github.com/stationd/stationd/internal/testlist"
)

// Runner executes the body of one leaf test. Implementations run on their
// own goroutine and must honor ctx cancellation; they never touch
// scheduler data structures.
type Runner interface {
	Run(ctx context.Context, spec RunSpec) Result
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, spec RunSpec) Result

func (f RunnerFunc) Run(ctx context.Context, spec RunSpec) Result { return f(ctx, spec) }

// RunSpec is what the scheduler hands to a worker.
type RunSpec struct {
	Path       string
	Invocation string
	Count      int
	Params     map[string]any

	// Shutdown is the OS operation for shutdown tests ("reboot", "halt").
	// PostShutdown marks the post-reboot half of such a test.
	Shutdown     string
	PostShutdown bool
}

// Result is what a worker reports back. Status must be terminal; a
// StatusActive result means the process is going down and the recorded
// state must be left as is.
type Result struct {
	Status   state.Status
	ErrorMsg string
}

// Invocation is one run of a leaf test. The scheduler owns it; the worker
// goroutine only writes the completion result under the lock.
type Invocation struct {
	ID   string
	node *testlist.Node
	log  logger.Logger

	runner     Runner
	cancel     context.CancelFunc
	done       chan struct{}
	onComplete func()

	mu          sync.Mutex
	completed   bool
	aborted     bool
	abortReason string
	update      state.Update
}

func newInvocation(node *testlist.Node, runner Runner, log logger.Logger, onComplete func()) *Invocation {
	return &Invocation{
		ID:         uuid.NewString(),
		node:       node,
		log:        log,
		runner:     runner,
		done:       make(chan struct{}),
		onComplete: onComplete,
	}
}

// Start launches the worker goroutine.
func (inv *Invocation) Start(ctx context.Context, spec RunSpec) {
	ctx, inv.cancel = context.WithCancel(ctx)
	go inv.run(ctx, spec)
}

func (inv *Invocation) run(ctx context.Context, spec RunSpec) {
	defer close(inv.done)

	var res Result
	func() {
		defer func() {
			if r := recover(); r != nil {
				res = Result{
					Status:   state.StatusFailed,
					ErrorMsg: fmt.Sprintf("worker panicked: %v", r),
				}
			}
		}()
		res = inv.runner.Run(ctx, spec)
	}()

	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.completed {
		// Reaped as hung after an abort timeout; too late to report.
		return
	}
	if inv.aborted {
		res = Result{Status: state.StatusFailed, ErrorMsg: inv.abortReason}
	}
	inv.update = inv.completionUpdate(res)
	inv.completed = true

	if inv.onComplete != nil {
		go inv.onComplete()
	}
}

// completionUpdate translates a worker result into the state update that
// the reap will merge. Called with the lock held.
func (inv *Invocation) completionUpdate(res Result) state.Update {
	switch res.Status {
	case state.StatusActive:
		// The machine is shutting down under us; leave everything for the
		// post-reboot recovery.
		return state.Update{}
	case state.StatusPassed:
		return state.Update{
			Status:                  state.StatusPassed,
			ErrorMsg:                state.Str(""),
			DecrementIterationsLeft: true,
		}
	case state.StatusFailed:
	default:
		res.ErrorMsg = fmt.Sprintf("worker returned unknown status %q", res.Status)
	}
	if inv.node.NeverFails {
		// The failure is recorded in the message only; the test reads as
		// not run so it cannot block the line.
		return state.Update{
			Status:   state.StatusUntested,
			ErrorMsg: state.Str(res.ErrorMsg),
		}
	}
	return state.Update{
		Status:               state.StatusFailed,
		ErrorMsg:             state.Str(res.ErrorMsg),
		DecrementRetriesLeft: true,
	}
}

// Completed reports whether a completion result is ready to reap.
func (inv *Invocation) Completed() bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.completed
}

// CompletionUpdate returns the state update produced by the worker. Valid
// only after Completed reports true.
func (inv *Invocation) CompletionUpdate() state.Update {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.update
}

// Done is closed when the worker goroutine has exited.
func (inv *Invocation) Done() <-chan struct{} { return inv.done }

// AbortAndJoin requests cooperative cancellation and waits up to grace for
// the worker to finish. A worker that ignores the cancellation is recorded
// as failed and left to die on its own; the scheduler moves on.
func (inv *Invocation) AbortAndJoin(reason string, grace time.Duration) {
	inv.mu.Lock()
	inv.aborted = true
	inv.abortReason = reason
	if inv.abortReason == "" {
		inv.abortReason = "Aborted"
	}
	inv.mu.Unlock()

	inv.cancel()

	select {
	case <-inv.done:
	case <-time.After(grace):
		inv.mu.Lock()
		if !inv.completed {
			inv.log.Error("Worker ignored abort, giving up on it",
				"path", inv.node.Path, "invocation", inv.ID)
			inv.update = inv.completionUpdate(Result{
				Status:   state.StatusFailed,
				ErrorMsg: fmt.Sprintf("%s (worker did not stop within %s)", inv.abortReason, grace),
			})
			inv.completed = true
		}
		inv.mu.Unlock()
	}
}
