package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/stationd/stationd/internal/bus"
	"github.com/stationd/stationd/internal/state"
	"github.com/stationd/stationd/internal/testlist"
)

// Shutdown operations a test node may request.
const (
	OpReboot = "reboot"
	OpHalt   = "halt"
)

// forceAutoRun is the continuation sentinel that requests a full auto-run
// after the next boot instead of resuming a saved position.
const forceAutoRun = "force_auto_run"

// Environ performs the actual OS shutdown. It reports false when no real
// shutdown will happen, so the pending shutdown can be rolled back.
type Environ interface {
	Shutdown(ctx context.Context, operation string) (bool, error)
}

// SystemEnviron shuts the machine down for real.
type SystemEnviron struct{}

func (SystemEnviron) Shutdown(ctx context.Context, operation string) (bool, error) {
	var cmd *exec.Cmd
	switch operation {
	case OpReboot:
		cmd = exec.CommandContext(ctx, "shutdown", "-r", "now")
	case OpHalt:
		cmd = exec.CommandContext(ctx, "shutdown", "-h", "now")
	default:
		return false, fmt.Errorf("unknown shutdown operation %q", operation)
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		return false, fmt.Errorf("shutdown command failed: %w (%s)", err, out)
	}
	return true, nil
}

// NullEnviron is for development machines that must not go down.
type NullEnviron struct{}

func (NullEnviron) Shutdown(context.Context, string) (bool, error) { return false, nil }

// postShutdownInfo is stored under the post_shutdown key so the rebooted
// half of a shutdown test can verify how it got here.
type postShutdownInfo struct {
	Invocation string `json:"invocation"`
	Error      string `json:"error,omitempty"`
}

// shutdownRunner is the built-in worker for shutdown test nodes. The
// pre-reboot half persists the walk position and asks the Environ to take
// the machine down; the post-reboot half just confirms the round trip.
type shutdownRunner struct {
	s *Scheduler
}

func (r *shutdownRunner) Run(ctx context.Context, spec RunSpec) Result {
	if spec.PostShutdown {
		return r.postShutdown(spec)
	}

	res := make(chan Result, 1)
	r.s.Enqueue(func() { res <- r.s.performShutdown(ctx, spec) })
	select {
	case out := <-res:
		return out
	case <-ctx.Done():
		return Result{Status: state.StatusFailed, ErrorMsg: "aborted before shutdown"}
	}
}

func (r *shutdownRunner) postShutdown(spec RunSpec) Result {
	var info postShutdownInfo
	_, err := r.s.store.SharedData(state.KeyPostShutdown(spec.Path), &info)
	if derr := r.s.store.DeleteSharedData(state.KeyPostShutdown(spec.Path)); derr != nil {
		r.s.log.Warn("Failed to clear post shutdown marker", "path", spec.Path, "err", derr)
	}
	if err != nil {
		return Result{Status: state.StatusFailed, ErrorMsg: err.Error()}
	}
	if info.Error != "" {
		return Result{Status: state.StatusFailed, ErrorMsg: info.Error}
	}
	return Result{Status: state.StatusPassed}
}

// performShutdown runs on the control goroutine: it persists the walk
// position and the shutdown time, then asks the Environ to go down. When
// the Environ declines, the continuation is rolled back and listeners are
// told the pending shutdown is gone.
func (s *Scheduler) performShutdown(ctx context.Context, spec RunSpec) Result {
	s.log.Info("Starting shutdown", "operation", spec.Shutdown, "path", spec.Path)

	cont := Continuation{Frames: []Frame{{Path: spec.Path, Next: 0}}}
	if s.it != nil {
		cont = s.it.Continuation()
	}
	if err := s.store.SetSharedData(state.KeyTestsAfterShutdown, cont); err != nil {
		return Result{Status: state.StatusFailed,
			ErrorMsg: fmt.Sprintf("failed to save test position: %v", err)}
	}
	if err := s.store.SetSharedData(state.KeyShutdownTime, time.Now().Unix()); err != nil {
		s.log.Warn("Failed to record shutdown time", "err", err)
	}

	down, err := s.env.Shutdown(ctx, spec.Shutdown)
	if err != nil {
		_ = s.store.DeleteSharedData(state.KeyTestsAfterShutdown)
		return Result{Status: state.StatusFailed, ErrorMsg: err.Error()}
	}
	if !down {
		// No real shutdown here (development machine). Roll back and tell
		// listeners there is no longer a pending shutdown.
		_ = s.store.DeleteSharedData(state.KeyTestsAfterShutdown)
		s.publish(bus.Event{Type: bus.TypePendingShutdown, Path: spec.Path, Time: time.Now()})
		s.log.Warn("Environment did not shut down, passing through", "path", spec.Path)
		return Result{Status: state.StatusPassed}
	}

	// Going down for real: stop the control loop and keep the test active
	// so recovery sees it after the reboot.
	s.Enqueue(nil)
	return Result{Status: state.StatusActive}
}

// recoverStates reconciles recorded state with reality after a restart:
// a shutdown test that was active went down on purpose and is rearmed as
// the next unit; anything else active died with the previous process.
func (s *Scheduler) recoverStates() {
	var shutdownUnix int64
	if ok, err := s.store.SharedData(state.KeyShutdownTime, &shutdownUnix); ok && err == nil {
		s.lastShutdownTime = time.Unix(shutdownUnix, 0)
	}
	if err := s.store.DeleteSharedData(state.KeyShutdownTime); err != nil {
		s.log.Warn("Failed to clear shutdown time", "err", err)
	}

	unexpected := false
	s.list.Walk(func(node *testlist.Node) {
		if !node.IsLeaf() || s.store.TestState(node.Path).Status != state.StatusActive {
			return
		}
		switch {
		case node.IsShutdown():
			s.handleShutdownComplete(node)
		case node.NeverFails:
			unexpected = true
			s.store.UpdateTestState(node.Path, state.Update{Status: state.StatusUntested})
			s.log.Info("Unexpected restart during never-failing test, continuing",
				"path", node.Path)
		default:
			unexpected = true
			s.store.UpdateTestState(node.Path, state.Update{
				Status:   state.StatusFailed,
				ErrorMsg: state.Str("Unexpected restart while test was running"),
			})
			s.log.Warn("Unexpected restart during test, cancelling pending tests",
				"path", node.Path)
			// Pending work is cancelled by persisting an exhausted walk.
			if err := s.store.SetSharedData(state.KeyTestsAfterShutdown, Continuation{}); err != nil {
				s.log.Warn("Failed to cancel pending tests", "err", err)
			}
		}
	})
	testlist.RecomputeStatus(s.store, s.list.Root)

	if unexpected {
		s.log.Warn("Recovered from an unexpected restart")
	}
}

// handleShutdownComplete rearms a shutdown test that took the machine
// down so its post-reboot half runs next, under the counters it had.
func (s *Scheduler) handleShutdownComplete(node *testlist.Node) {
	ts := s.store.UpdateTestState(node.Path, state.Update{IncrementShutdownCount: true})
	s.log.Infof("Detected shutdown (%d of %d)", ts.ShutdownCount, node.Iterations)

	var recoveryErr string
	cont, force := s.readShutdownContinuation()
	switch {
	case force:
		// Leave the sentinel alone; the auto-run will reach this test on
		// its own.
		return
	case cont == nil:
		recoveryErr = "test position was not saved before the shutdown"
		cont = &Continuation{Frames: []Frame{{Path: node.Path, Next: -1}}}
	default:
		it := ResumeIterator(*cont, s.list, s.store,
			WithIteratorLogger(s.log), WithRunIfEvaluator(s.runif))
		if err := it.RestartLastTest(); err != nil {
			recoveryErr = err.Error()
		}
		rearmed := it.Continuation()
		cont = &rearmed
	}
	if err := s.store.SetSharedData(state.KeyTestsAfterShutdown, *cont); err != nil {
		s.log.Warn("Failed to save rearmed test position", "err", err)
	}
	if err := s.store.SetSharedData(state.KeyPostShutdown(node.Path), postShutdownInfo{
		Invocation: ts.Invocation,
		Error:      recoveryErr,
	}); err != nil {
		s.log.Warn("Failed to set post shutdown marker", "path", node.Path, "err", err)
	}
}

// startupResume decides what to run when the process comes up: a saved
// continuation wins, the force-auto-run sentinel or configuration starts
// a fresh filtered walk, otherwise nothing runs until asked.
func (s *Scheduler) startupResume() {
	cont, force := s.readShutdownContinuation()
	switch {
	case cont != nil:
		s.log.Info("Resuming test run from before the shutdown")
		s.it = ResumeIterator(*cont, s.list, s.store,
			WithIteratorLogger(s.log), WithRunIfEvaluator(s.runif))
		s.it.SetTestList(s.list)
		s.runNext()
	case force || s.cfg.AutoRunOnStart:
		filter := []state.Status{state.StatusUntested}
		if s.cfg.RetryFailedOnStart {
			filter = append(filter, state.StatusFailed)
		}
		s.runTests("", filter)
	}
	if err := s.store.DeleteSharedData(state.KeyTestsAfterShutdown); err != nil {
		s.log.Warn("Failed to clear saved test position", "err", err)
	}
}

// readShutdownContinuation reads the persisted walk position, which is
// either a Continuation or the force-auto-run sentinel. A corrupt blob
// reads as absent; a fresh walk is always a safe fallback.
func (s *Scheduler) readShutdownContinuation() (*Continuation, bool) {
	var raw json.RawMessage
	ok, err := s.store.SharedData(state.KeyTestsAfterShutdown, &raw)
	if err != nil {
		s.log.Warn("Failed to read saved test position", "err", err)
		return nil, false
	}
	if !ok || len(raw) == 0 {
		return nil, false
	}
	var sentinel string
	if json.Unmarshal(raw, &sentinel) == nil {
		return nil, sentinel == forceAutoRun
	}
	cont, err := DecodeContinuation(raw)
	if err != nil {
		s.log.Warn("Saved test position is corrupt, starting fresh", "err", err)
		return nil, false
	}
	return &cont, false
}
