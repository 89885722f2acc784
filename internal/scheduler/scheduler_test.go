package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stationd/stationd/internal/bus"
	"github.com/stationd/stationd/internal/state"
)

// scriptRunner records every run and returns scripted statuses, passing
// by default.
type scriptRunner struct {
	mu      sync.Mutex
	runs    []string
	results map[string]state.Status
}

func (r *scriptRunner) Run(_ context.Context, spec RunSpec) Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, spec.Path)
	status, ok := r.results[spec.Path]
	if !ok {
		status = state.StatusPassed
	}
	res := Result{Status: status}
	if status == state.StatusFailed {
		res.ErrorMsg = "scripted failure"
	}
	return res
}

func (r *scriptRunner) paths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.runs))
	copy(out, r.runs)
	return out
}

// drive pumps the scheduler without its control loop: wait out the active
// wave, reap and launch, until the walk is exhausted.
func drive(t *testing.T, s *Scheduler) {
	t.Helper()
	for i := 0; i < 200; i++ {
		for _, inv := range s.invocations {
			<-inv.Done()
		}
		s.runNext()
		if len(s.invocations) == 0 && (s.it == nil || s.it.Exhausted()) {
			return
		}
	}
	t.Fatal("scheduler did not finish")
}

func newScheduler(t *testing.T, yaml string, cfg Config, opts ...Option) (*Scheduler, *scriptRunner, state.Store) {
	t.Helper()
	list := mustList(t, yaml)
	store := state.NewMemStore()
	s := New(list, store, cfg, opts...)
	runner := &scriptRunner{results: map[string]state.Status{}}
	s.RegisterRunner("", runner)
	return s, runner, store
}

func TestSchedulerRunsAllTests(t *testing.T) {
	s, runner, store := newScheduler(t, flatList, Config{})

	s.runTests("", nil)
	drive(t, s)

	require.Equal(t, []string{"a", "b", "G.a", "G.b", "G.G.a", "G.G.b", "c"}, runner.paths())
	require.Equal(t, state.StatusPassed, store.TestState("").Status)
	require.Equal(t, state.StatusPassed, store.TestState("G").Status)

	var runID string
	ok, err := store.SharedData(state.KeyRunID, &runID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, runID)
}

func TestSchedulerIterationRelaunch(t *testing.T) {
	s, runner, store := newScheduler(t, `
name: iter
tests:
  - id: a
    iterations: 3
  - id: b
`, Config{})

	s.runTests("", nil)
	drive(t, s)

	require.Equal(t, []string{"a", "a", "a", "b"}, runner.paths())
	require.Equal(t, state.StatusPassed, store.TestState("a").Status)
	require.Equal(t, 3, store.TestState("a").Count)
}

func TestSchedulerRetryRelaunch(t *testing.T) {
	s, runner, store := newScheduler(t, `
name: retry
tests:
  - id: a
    retries: 2
  - id: b
`, Config{})
	runner.results["a"] = state.StatusFailed

	s.runTests("", nil)
	drive(t, s)

	require.Equal(t, []string{"a", "a", "a", "b"}, runner.paths())
	ts := store.TestState("a")
	require.Equal(t, state.StatusFailed, ts.Status)
	require.Equal(t, "scripted failure", ts.ErrorMsg)
}

func TestSchedulerStopOnFailure(t *testing.T) {
	s, runner, store := newScheduler(t, `
name: sof
tests:
  - id: a
  - id: b
  - id: c
`, Config{StopOnFailure: true})
	runner.results["b"] = state.StatusFailed

	s.runTests("", nil)
	drive(t, s)

	require.Equal(t, []string{"a", "b"}, runner.paths())
	require.Equal(t, state.StatusUntested, store.TestState("c").Status)
}

func TestSchedulerParallelWave(t *testing.T) {
	s, runner, store := newScheduler(t, `
name: par
tests:
  - id: P
    parallel: true
    subtests:
      - id: a
      - id: b
  - id: c
`, Config{})

	s.runTests("", nil)
	drive(t, s)

	paths := runner.paths()
	require.Len(t, paths, 3)
	require.ElementsMatch(t, []string{"P.a", "P.b"}, paths[:2])
	require.Equal(t, "c", paths[2])
	require.Equal(t, state.StatusPassed, store.TestState("P").Status)
}

func TestSchedulerParallelRunIfSkipsMember(t *testing.T) {
	s, runner, store := newScheduler(t, `
name: par-runif
tests:
  - id: P
    parallel: true
    subtests:
      - id: a
        run_if: foo
      - id: b
  - id: c
`, Config{})
	require.NoError(t, store.SetSharedData(state.KeyDeviceData, map[string]any{"foo": false}))

	s.runTests("", nil)
	drive(t, s)

	require.Equal(t, []string{"P.b", "c"}, runner.paths())
	require.Equal(t, state.StatusSkipped, store.TestState("P.a").Status)
	require.Equal(t, state.StatusPassed, store.TestState("P.b").Status)
}

func TestSchedulerParallelFilteredRerun(t *testing.T) {
	s, runner, store := newScheduler(t, `
name: par-rerun
tests:
  - id: P
    parallel: true
    subtests:
      - id: a
      - id: b
`, Config{})
	store.UpdateTestState("P.a", state.Update{Status: state.StatusPassed})
	store.UpdateTestState("P.b", state.Update{Status: state.StatusFailed})

	s.runTests("", []state.Status{state.StatusUntested, state.StatusFailed})
	drive(t, s)

	require.Equal(t, []string{"P.b"}, runner.paths())
	require.Equal(t, state.StatusPassed, store.TestState("P.a").Status)
	require.Equal(t, 0, store.TestState("P.a").Count)
	require.Equal(t, state.StatusPassed, store.TestState("P.b").Status)
}

func TestSchedulerParallelAllMembersSkipped(t *testing.T) {
	s, runner, store := newScheduler(t, `
name: par-skip-all
tests:
  - id: P
    parallel: true
    subtests:
      - id: a
        run_if: foo
      - id: b
        run_if: foo
  - id: c
`, Config{})
	require.NoError(t, store.SetSharedData(state.KeyDeviceData, map[string]any{"foo": false}))

	s.runTests("", nil)
	drive(t, s)

	require.Equal(t, []string{"c"}, runner.paths())
	require.Equal(t, state.StatusSkipped, store.TestState("P.a").Status)
	require.Equal(t, state.StatusSkipped, store.TestState("P.b").Status)
}

func TestSchedulerNeverFails(t *testing.T) {
	s, runner, store := newScheduler(t, `
name: nf
tests:
  - id: a
    never_fails: true
  - id: b
`, Config{})
	runner.results["a"] = state.StatusFailed

	s.runTests("", nil)
	drive(t, s)

	require.Equal(t, []string{"a", "b"}, runner.paths())
	ts := store.TestState("a")
	require.Equal(t, state.StatusUntested, ts.Status)
	require.Equal(t, "scripted failure", ts.ErrorMsg)
}

func TestSchedulerNoRunnerRegistered(t *testing.T) {
	list := mustList(t, `
name: missing
tests:
  - id: a
    worker: absent
`)
	store := state.NewMemStore()
	s := New(list, store, Config{})

	s.runTests("", nil)
	drive(t, s)

	ts := store.TestState("a")
	require.Equal(t, state.StatusFailed, ts.Status)
	require.Contains(t, ts.ErrorMsg, `no runner registered for worker "absent"`)
}

const requireRunList = `
name: req
tests:
  - id: a
  - id: b
    require_run:
      - test: a
        passed: true
`

func TestSchedulerRequireRunBlocks(t *testing.T) {
	s, runner, store := newScheduler(t, requireRunList, Config{})
	runner.results["a"] = state.StatusFailed

	s.runTests("", nil)
	drive(t, s)

	require.Equal(t, []string{"a"}, runner.paths())
	ts := store.TestState("b")
	require.Equal(t, state.StatusFailed, ts.Status)
	require.Contains(t, ts.ErrorMsg, "Required tests [a] have not been run yet")
}

func TestSchedulerRequireRunEngineeringMode(t *testing.T) {
	s, runner, _ := newScheduler(t, requireRunList, Config{EngineeringMode: true})
	runner.results["a"] = state.StatusFailed

	s.runTests("", nil)
	drive(t, s)

	require.Equal(t, []string{"a", "b"}, runner.paths())
}

func TestSchedulerEngineeringModeSharedDataOverride(t *testing.T) {
	s, runner, store := newScheduler(t, requireRunList, Config{})
	runner.results["a"] = state.StatusFailed
	require.NoError(t, store.SetSharedData(state.KeyEngineeringMode, true))

	s.runTests("", nil)
	drive(t, s)

	require.Equal(t, []string{"a", "b"}, runner.paths())
}

func TestSchedulerStopMarksUntested(t *testing.T) {
	list := mustList(t, `
name: stop
tests:
  - id: a
  - id: b
`)
	store := state.NewMemStore()
	s := New(list, store, Config{AbortGrace: time.Second})
	started := make(chan struct{})
	s.RegisterRunner("", RunnerFunc(func(ctx context.Context, spec RunSpec) Result {
		close(started)
		<-ctx.Done()
		return Result{Status: state.StatusFailed, ErrorMsg: "cancelled"}
	}))

	s.runTests("", nil)
	<-started
	s.stop("", false, "operator stop")

	require.Empty(t, s.invocations)
	require.Equal(t, state.StatusUntested, store.TestState("a").Status)
	require.True(t, s.it.Exhausted())
}

func TestSchedulerAbortTimeout(t *testing.T) {
	list := mustList(t, `
name: hung
tests:
  - id: a
`)
	store := state.NewMemStore()
	s := New(list, store, Config{AbortGrace: 50 * time.Millisecond})
	started := make(chan struct{})
	release := make(chan struct{})
	s.RegisterRunner("", RunnerFunc(func(ctx context.Context, spec RunSpec) Result {
		close(started)
		<-release // ignores cancellation
		return Result{Status: state.StatusPassed}
	}))

	s.runTests("", nil)
	<-started
	s.stop("", true, "operator abort")
	close(release)

	ts := store.TestState("a")
	require.Equal(t, state.StatusFailed, ts.Status)
	require.Contains(t, ts.ErrorMsg, "did not stop within")
}

func TestSchedulerClearState(t *testing.T) {
	s, runner, store := newScheduler(t, `
name: clear
tests:
  - id: a
  - id: b
`, Config{})
	runner.results["b"] = state.StatusFailed

	s.runTests("", nil)
	drive(t, s)
	require.Equal(t, state.StatusFailed, store.TestState("b").Status)

	s.clearState("")
	require.Equal(t, state.StatusUntested, store.TestState("a").Status)
	require.Equal(t, state.StatusUntested, store.TestState("b").Status)
	require.Equal(t, state.StatusUntested, store.TestState("").Status)
	require.Equal(t, "", store.TestState("b").ErrorMsg)
}

func TestSchedulerUnexpectedRestart(t *testing.T) {
	s, runner, store := newScheduler(t, `
name: recover
tests:
  - id: a
  - id: b
`, Config{AutoRunOnStart: true})
	store.UpdateTestState("a", state.Update{Status: state.StatusActive})

	s.recoverStates()
	s.startupResume()
	drive(t, s)

	ts := store.TestState("a")
	require.Equal(t, state.StatusFailed, ts.Status)
	require.Contains(t, ts.ErrorMsg, "Unexpected restart")
	// Pending tests are cancelled, auto-run does not kick in.
	require.Empty(t, runner.paths())
	require.Equal(t, state.StatusUntested, store.TestState("b").Status)
}

func TestSchedulerUnexpectedRestartNeverFails(t *testing.T) {
	s, runner, store := newScheduler(t, `
name: recover
tests:
  - id: a
    never_fails: true
  - id: b
`, Config{AutoRunOnStart: true})
	store.UpdateTestState("a", state.Update{Status: state.StatusActive})

	s.recoverStates()
	s.startupResume()
	drive(t, s)

	// The interrupted test reads untested and the run continues.
	require.Equal(t, []string{"a", "b"}, runner.paths())
	require.Equal(t, state.StatusPassed, store.TestState("a").Status)
}

func TestSchedulerForceAutoRun(t *testing.T) {
	s, runner, _ := newScheduler(t, `
name: force
tests:
  - id: a
  - id: b
`, Config{})

	require.NoError(t, s.SetForceAutoRun())
	s.recoverStates()
	s.startupResume()
	drive(t, s)

	require.Equal(t, []string{"a", "b"}, runner.paths())

	// The sentinel is consumed.
	ok, err := s.store.SharedData(state.KeyTestsAfterShutdown, nil)
	require.NoError(t, err)
	require.False(t, ok)
}

type fakeEnviron struct {
	mu    sync.Mutex
	down  bool
	calls int
}

func (e *fakeEnviron) Shutdown(context.Context, string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	return e.down, nil
}

const shutdownList = `
name: reboot
tests:
  - id: S
    shutdown: reboot
  - id: b
`

func TestSchedulerShutdownRoundTrip(t *testing.T) {
	list := mustList(t, shutdownList)
	store := state.NewMemStore()
	env := &fakeEnviron{down: true}
	runner := &scriptRunner{}

	// First boot: the run reaches S and the machine "goes down".
	s1 := New(list, store, Config{AutoRunOnStart: true}, WithEnviron(env))
	s1.RegisterRunner("", runner)
	errCh := make(chan error, 1)
	go func() { errCh <- s1.Run(context.Background()) }()
	require.NoError(t, <-errCh)

	require.Equal(t, 1, env.calls)
	require.Equal(t, state.StatusActive, store.TestState("S").Status)
	ok, err := store.SharedData(state.KeyTestsAfterShutdown, nil)
	require.NoError(t, err)
	require.True(t, ok)

	// Second boot: recovery rearms S as the post-reboot half, then the
	// walk continues to b.
	s2 := New(list, store, Config{AutoRunOnStart: true}, WithEnviron(env))
	s2.RegisterRunner("", runner)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { errCh <- s2.Run(ctx) }()

	require.Eventually(t, func() bool {
		return store.TestState("b").Status == state.StatusPassed
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	require.Equal(t, 1, env.calls)
	ts := store.TestState("S")
	require.Equal(t, state.StatusPassed, ts.Status)
	require.Equal(t, 1, ts.ShutdownCount)
	require.Equal(t, []string{"b"}, runner.paths())

	ok, err = store.SharedData(state.KeyPostShutdown("S"), nil)
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = store.SharedData(state.KeyTestsAfterShutdown, nil)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSchedulerShutdownCancelled(t *testing.T) {
	list := mustList(t, shutdownList)
	store := state.NewMemStore()
	b := bus.NewMemBus()

	var events []bus.Event
	var evMu sync.Mutex
	_, err := b.Subscribe(context.Background(), func(ev bus.Event) {
		evMu.Lock()
		events = append(events, ev)
		evMu.Unlock()
	})
	require.NoError(t, err)

	s := New(list, store, Config{AutoRunOnStart: true},
		WithEnviron(NullEnviron{}), WithBus(b))
	s.RegisterRunner("", &scriptRunner{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return store.TestState("b").Status == state.StatusPassed
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	// No shutdown happened: S passes through, the continuation is rolled
	// back, and listeners heard the pending shutdown is gone.
	require.Equal(t, state.StatusPassed, store.TestState("S").Status)
	ok, err := store.SharedData(state.KeyTestsAfterShutdown, nil)
	require.NoError(t, err)
	require.False(t, ok)

	evMu.Lock()
	defer evMu.Unlock()
	found := false
	for _, ev := range events {
		if ev.Type == bus.TypePendingShutdown && ev.Path == "S" {
			found = true
		}
	}
	require.True(t, found)
}
