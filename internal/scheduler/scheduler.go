package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stationd/stationd/internal/bus"
	"github.com/stationd/stationd/internal/logger"
	"github.com/stationd/stationd/internal/state"
	"github.com/stationd/stationd/internal/testlist"
)

// Config carries the scheduling options.
type Config struct {
	// StopOnFailure cancels all pending tests once any test fails with no
	// retries left.
	StopOnFailure bool
	// EngineeringMode lets tests with unmet run requirements start anyway.
	// The shared data key overrides this at runtime.
	EngineeringMode bool
	// AutoRunOnStart starts the untested tests when the process comes up
	// without a pending continuation.
	AutoRunOnStart bool
	// RetryFailedOnStart widens the auto-run filter to failed tests.
	RetryFailedOnStart bool
	// AbortGrace bounds how long Stop waits for a worker to honor its
	// cancellation.
	AbortGrace time.Duration
}

const defaultAbortGrace = 5 * time.Second

// Scheduler drives test invocations from the iterator and keeps recorded
// state consistent. All mutation happens on the single goroutine running
// Run; external callers hand work in through Enqueue or the exported
// control methods.
type Scheduler struct {
	list  *testlist.TestList
	store state.Store
	bus   bus.Bus
	env   Environ
	log   logger.Logger
	cfg   Config
	runif *testlist.RunIfEvaluator

	ctx         context.Context
	runQueue    chan func()
	invocations map[string]*Invocation
	runners     map[string]Runner
	it          *Iterator

	// lastShutdownTime is the wall clock recorded just before the previous
	// shutdown, if the process came up from one.
	lastShutdownTime time.Time
}

type Option func(*Scheduler)

func WithLogger(lg logger.Logger) Option {
	return func(s *Scheduler) { s.log = lg }
}

func WithBus(b bus.Bus) Option {
	return func(s *Scheduler) { s.bus = b }
}

func WithEnviron(env Environ) Option {
	return func(s *Scheduler) { s.env = env }
}

func New(list *testlist.TestList, store state.Store, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		list:        list,
		store:       store,
		cfg:         cfg,
		runif:       testlist.NewRunIfEvaluator(),
		ctx:         context.Background(),
		runQueue:    make(chan func(), 128),
		invocations: make(map[string]*Invocation),
		runners:     make(map[string]Runner),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.Default()
	}
	if s.env == nil {
		s.env = NullEnviron{}
	}
	if s.cfg.AbortGrace <= 0 {
		s.cfg.AbortGrace = defaultAbortGrace
	}
	return s
}

// RegisterRunner binds a worker implementation to the name test nodes
// reference in their "worker" field. Not safe to call once Run started.
func (s *Scheduler) RegisterRunner(name string, r Runner) {
	s.runners[name] = r
}

// Enqueue hands a closure to the control goroutine. A nil closure stops
// the loop; that is how a successful shutdown lets the process die.
func (s *Scheduler) Enqueue(fn func()) {
	s.runQueue <- fn
}

// Run recovers interrupted state, resumes or starts the walk, then serves
// the control queue until ctx is done or a shutdown is issued.
func (s *Scheduler) Run(ctx context.Context) error {
	s.ctx = ctx
	s.recoverStates()
	s.startupResume()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-s.runQueue:
			if fn == nil {
				return nil
			}
			fn()
		}
	}
}

// RunTests starts a new walk under root restricted to the given statuses.
func (s *Scheduler) RunTests(root string, filter []state.Status) {
	s.Enqueue(func() { s.runTests(root, filter) })
}

// RestartTests clears recorded state under root and runs everything again.
func (s *Scheduler) RestartTests(root string) {
	s.Enqueue(func() {
		s.clearState(root)
		s.runTests(root, nil)
	})
}

// AutoRun runs the tests under root that have not run yet.
func (s *Scheduler) AutoRun(root string) {
	s.Enqueue(func() { s.runTests(root, []state.Status{state.StatusUntested}) })
}

// Stop aborts the active tests under root and truncates the pending walk.
// fail records aborted tests as failed; otherwise they read as untested.
func (s *Scheduler) Stop(root string, fail bool, reason string) {
	s.Enqueue(func() { s.stop(root, fail, reason) })
}

// ClearState stops everything under root and resets it to untested.
func (s *Scheduler) ClearState(root string) {
	s.Enqueue(func() { s.clearState(root) })
}

// SetForceAutoRun arranges for a full auto-run after the next restart,
// however the machine goes down.
func (s *Scheduler) SetForceAutoRun() error {
	return s.store.SetSharedData(state.KeyTestsAfterShutdown, forceAutoRun)
}

func (s *Scheduler) runTests(root string, filter []state.Status) {
	it, err := NewIterator(s.list, s.store, root, filter,
		WithIteratorLogger(s.log), WithRunIfEvaluator(s.runif))
	if err != nil {
		s.log.Error("Cannot start test run", "root", root, "err", err)
		return
	}
	s.it = it
	if err := s.store.SetSharedData(state.KeyRunID, uuid.NewString()); err != nil {
		s.log.Warn("Failed to record run id", "err", err)
	}
	if err := s.store.SetSharedData(state.KeyScheduledTests, it.PendingLeaves()); err != nil {
		s.log.Warn("Failed to record scheduled tests", "err", err)
	}
	s.runNext()
}

// runNext reaps finished work and, when the wave is drained, launches the
// next unit the iterator yields.
func (s *Scheduler) runNext() {
	s.reap()
	if len(s.invocations) > 0 {
		return
	}
	if s.it == nil {
		return
	}
	for {
		path := s.it.Next()
		if path == "" {
			s.log.Info("No next test, test run finished")
			return
		}
		node := s.list.Lookup(path)
		if node == nil {
			continue
		}

		if unmet := s.unmetRequirements(node); len(unmet) > 0 {
			msg := fmt.Sprintf("Required tests [%s] have not been run yet", strings.Join(unmet, ", "))
			if s.engineeringMode() {
				s.log.Warn("Engineering mode: starting test despite unmet requirements",
					"path", path, "required", unmet)
			} else {
				s.log.Error("Not starting test", "path", path, "reason", msg)
				s.store.UpdateTestState(path, state.Update{
					Status:   state.StatusFailed,
					ErrorMsg: state.Str(msg),
				})
				testlist.RecomputeStatus(s.store, s.list.Root)
				continue
			}
		}

		var opt launchOptions
		if node.IsShutdown() {
			if ok, _ := s.store.SharedData(state.KeyPostShutdown(path), nil); ok {
				// Post-reboot half of the shutdown test: it keeps the
				// counters it went down with.
				opt.preserveCounters = true
				opt.postShutdown = true
			}
		}
		if s.launch(node, opt) == 0 {
			// Every member of the unit was skipped; move on.
			continue
		}
		return
	}
}

// reap merges finished invocations into recorded state and relaunches
// units that still have iterations or retries to burn.
func (s *Scheduler) reap() {
	for path, inv := range s.invocations {
		if !inv.Completed() {
			continue
		}
		node := inv.node
		ts := s.store.UpdateTestState(path, inv.CompletionUpdate())
		delete(s.invocations, path)
		testlist.RecomputeStatus(s.store, s.list.Root)

		if s.cfg.StopOnFailure && ts.Status == state.StatusFailed && ts.RetriesLeft < 0 {
			s.log.Info("Stop on failure triggered, cancelling pending tests")
			if s.it != nil {
				s.it.Stop("")
			}
		}

		switch {
		case ts.Status == state.StatusPassed && ts.IterationsLeft > 0:
			s.launch(node, launchOptions{preserveCounters: true})
		case ts.Status == state.StatusFailed && ts.RetriesLeft >= 0:
			s.launch(node, launchOptions{preserveCounters: true})
		}
	}
}

type launchOptions struct {
	preserveCounters bool
	postShutdown     bool
}

// launch starts the invocations for one iterator unit and returns how
// many it started. Parallel members go through the iterator's skip checks
// individually, so a member with a false run_if is marked skipped and a
// filter-excluded member keeps its recorded result.
func (s *Scheduler) launch(node *testlist.Node, opt launchOptions) int {
	started := 0
	if node.Kind == testlist.KindParallel {
		for _, c := range node.Children {
			if s.it != nil && s.it.CheckSkip(c) {
				continue
			}
			s.launchLeaf(c, opt)
			started++
		}
	} else {
		s.launchLeaf(node, opt)
		started++
	}
	testlist.RecomputeStatus(s.store, s.list.Root)
	return started
}

func (s *Scheduler) launchLeaf(node *testlist.Node, opt launchOptions) {
	inv := newInvocation(node, s.runnerFor(node), s.log, func() {
		s.Enqueue(s.runNext)
	})
	u := state.Update{
		Status:         state.StatusActive,
		ErrorMsg:       state.Str(""),
		Invocation:     state.Str(inv.ID),
		IncrementCount: true,
	}
	if !opt.preserveCounters {
		u.IterationsLeft = state.Int(node.Iterations)
		u.RetriesLeft = state.Int(node.Retries)
	}
	ts := s.store.UpdateTestState(node.Path, u)
	s.invocations[node.Path] = inv

	s.log.Info("Starting test", "path", node.Path, "invocation", inv.ID, "count", ts.Count)
	inv.Start(s.ctx, RunSpec{
		Path:         node.Path,
		Invocation:   inv.ID,
		Count:        ts.Count,
		Params:       node.Params,
		Shutdown:     node.Shutdown,
		PostShutdown: opt.postShutdown,
	})
}

func (s *Scheduler) runnerFor(node *testlist.Node) Runner {
	if node.IsShutdown() {
		return &shutdownRunner{s: s}
	}
	if r, ok := s.runners[node.Worker]; ok {
		return r
	}
	worker := node.Worker
	return RunnerFunc(func(context.Context, RunSpec) Result {
		return Result{
			Status:   state.StatusFailed,
			ErrorMsg: fmt.Sprintf("no runner registered for worker %q", worker),
		}
	})
}

func (s *Scheduler) stop(root string, fail bool, reason string) {
	s.killActiveTests(fail, root, reason)
	if s.it != nil {
		s.it.Stop(root)
	}
	s.runNext()
}

// killActiveTests aborts and reaps every active invocation under root.
func (s *Scheduler) killActiveTests(fail bool, root string, reason string) {
	s.reap()
	for path, inv := range s.invocations {
		if !inv.node.HasAncestor(root) {
			continue
		}
		s.log.Info("Aborting active test", "path", path, "reason", reason)
		inv.AbortAndJoin(reason, s.cfg.AbortGrace)
		s.store.UpdateTestState(path, inv.CompletionUpdate())
		delete(s.invocations, path)
		if !fail {
			// The stop is not a verdict on the test.
			s.store.UpdateTestState(path, state.Update{Status: state.StatusUntested})
		}
	}
	testlist.RecomputeStatus(s.store, s.list.Root)
	s.reap()
}

func (s *Scheduler) clearState(root string) {
	s.stop(root, false, "Clearing test state")
	node := s.list.Lookup(root)
	if node == nil {
		return
	}
	node.Walk(func(c *testlist.Node) {
		u := state.Update{
			IterationsLeft: state.Int(c.Iterations),
			RetriesLeft:    state.Int(c.Retries),
		}
		if c.IsLeaf() {
			u.Status = state.StatusUntested
			u.ErrorMsg = state.Str("")
		}
		s.store.UpdateTestState(c.Path, u)
	})
	testlist.RecomputeStatus(s.store, s.list.Root)
}

// unmetRequirements returns the paths blocking node per its require_run
// configuration: each required subtree must have fully run, and where a
// pass is demanded, passed (or been skipped), before node may start. The
// walk stops at node itself so a requirement on an enclosing group works.
func (s *Scheduler) unmetRequirements(node *testlist.Node) []string {
	var unmet []string
	seen := map[string]bool{}
	for _, req := range node.RequireRun {
		required := s.list.Lookup(req.Path)
		if required == nil {
			continue
		}
		blocked := ""
		hitSelf := false
		required.Walk(func(t *testlist.Node) {
			if hitSelf || blocked != "" {
				return
			}
			if t == node {
				hitSelf = true
				return
			}
			status := s.store.TestState(t.Path).Status
			if status == state.StatusUntested ||
				(req.Passed && status != state.StatusSkipped && status != state.StatusPassed) {
				blocked = t.Path
			}
		})
		if blocked != "" && !seen[blocked] {
			seen[blocked] = true
			unmet = append(unmet, blocked)
		}
	}
	sort.Strings(unmet)
	return unmet
}

func (s *Scheduler) engineeringMode() bool {
	mode := s.cfg.EngineeringMode
	var v bool
	if ok, err := s.store.SharedData(state.KeyEngineeringMode, &v); ok && err == nil {
		mode = v
	}
	return mode
}

func (s *Scheduler) publish(ev bus.Event) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(s.ctx, ev); err != nil {
		s.log.Warn("Failed to publish event", "type", ev.Type, "err", err)
	}
}
