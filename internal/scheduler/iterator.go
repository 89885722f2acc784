package scheduler

import (
	"encoding/json"
	"fmt"

	"github.com/stationd/stationd/internal/logger"
	"github.com/stationd/stationd/internal/state"
	"github.com/stationd/stationd/internal/testlist"
)

// Frame is one level of the iterator's walk. Next is the index of the next
// child to visit; -1 means the node has not been entered yet. For a
// runnable node (leaf or parallel group), Next == 0 means the node was
// returned and the walk is waiting for its result. Iterations counts the
// remaining local loops of a container. Resume forces the node to be
// returned once more without re-entering it, so a shutdown test can pick
// up its post-reboot half without its counters being reset.
type Frame struct {
	Path       string `json:"path"`
	Next       int    `json:"next"`
	Iterations int    `json:"iterations,omitempty"`
	Teardown   bool   `json:"teardown,omitempty"`
	Resume     bool   `json:"resume,omitempty"`
}

// Continuation is the serializable position of an Iterator. Together with
// the test list and the state store it fully determines future behavior,
// so it can be persisted before a reboot and resumed afterwards.
type Continuation struct {
	Frames       []Frame        `json:"frames"`
	StatusFilter []state.Status `json:"status_filter,omitempty"`
	TeardownOnly bool           `json:"teardown_only,omitempty"`
}

// Encode serializes the continuation to JSON.
func (c Continuation) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// DecodeContinuation parses a continuation previously produced by Encode.
func DecodeContinuation(data []byte) (Continuation, error) {
	var c Continuation
	if err := json.Unmarshal(data, &c); err != nil {
		return Continuation{}, fmt.Errorf("failed to decode continuation: %w", err)
	}
	return c, nil
}

// Iterator walks a test list depth first and returns, one at a time, the
// path of the next runnable unit (a leaf or a parallel group). Statuses
// are read from and written to the state store; the iterator itself holds
// only its frame stack, so it survives a process restart via Continuation.
//
// The walk of a single node follows
//
//	enter(node)             skip checks, counter reset
//	for each child:         containers only, teardown children last
//	    descend
//	loop or leave           container iterations, then status recompute
//
// with runnable nodes returned to the caller between enter and leave.
type Iterator struct {
	list  *testlist.TestList
	store state.Store
	runif *testlist.RunIfEvaluator
	log   logger.Logger

	cont Continuation
}

type IteratorOption func(*Iterator)

func WithIteratorLogger(lg logger.Logger) IteratorOption {
	return func(it *Iterator) { it.log = lg }
}

// WithRunIfEvaluator shares a predicate evaluator (and its program cache)
// across iterators.
func WithRunIfEvaluator(e *testlist.RunIfEvaluator) IteratorOption {
	return func(it *Iterator) { it.runif = e }
}

// NewIterator starts a walk over the subtree rooted at root ("" walks the
// whole list). A non-empty filter restricts which leaves are started: a
// leaf whose status is not in the filter is passed over without a status
// change.
func NewIterator(list *testlist.TestList, store state.Store, root string, filter []state.Status, opts ...IteratorOption) (*Iterator, error) {
	if list.Lookup(root) == nil {
		return nil, fmt.Errorf("iterator root %q is not in test list %q", root, list.Name)
	}
	it := newIterator(list, store, opts)
	it.cont = Continuation{
		Frames:       []Frame{{Path: root, Next: -1}},
		StatusFilter: filter,
	}
	return it, nil
}

// ResumeIterator rebuilds an iterator from a persisted continuation.
// Frames whose node no longer exists in the list are dropped lazily as
// the walk reaches them.
func ResumeIterator(cont Continuation, list *testlist.TestList, store state.Store, opts ...IteratorOption) *Iterator {
	it := newIterator(list, store, opts)
	it.cont = cont
	return it
}

func newIterator(list *testlist.TestList, store state.Store, opts []IteratorOption) *Iterator {
	it := &Iterator{list: list, store: store}
	for _, opt := range opts {
		opt(it)
	}
	if it.log == nil {
		it.log = logger.Default()
	}
	if it.runif == nil {
		it.runif = testlist.NewRunIfEvaluator()
	}
	return it
}

// Continuation returns a snapshot of the iterator position.
func (it *Iterator) Continuation() Continuation {
	cont := it.cont
	cont.Frames = make([]Frame, len(it.cont.Frames))
	copy(cont.Frames, it.cont.Frames)
	cont.StatusFilter = make([]state.Status, len(it.cont.StatusFilter))
	copy(cont.StatusFilter, it.cont.StatusFilter)
	return cont
}

// SetTestList rebinds the iterator to a new test list. The position is
// kept by path: the deepest frame whose node survived stays current, any
// stale frames below it are dropped, and child cursors are re-indexed so
// the walk resumes at the sibling that now follows the dropped node.
func (it *Iterator) SetTestList(list *testlist.TestList) {
	it.list = list
	frames := it.cont.Frames
	for i := range frames {
		node := list.Lookup(frames[i].Path)
		if node == nil {
			it.log.Warn("Dropping iterator frames under removed node", "path", frames[i].Path)
			if i > 0 && frames[i-1].Next > 0 {
				// The dropped child no longer occupies a slot; pull the
				// cursor back so its successor is not skipped.
				frames[i-1].Next--
			}
			it.cont.Frames = frames[:i]
			return
		}
		if i == 0 {
			continue
		}
		parent := list.Lookup(frames[i-1].Path)
		for idx, c := range parent.Children {
			if c.Path == frames[i].Path {
				frames[i-1].Next = idx + 1
				break
			}
		}
	}
}

// Next returns the path of the next unit to start, or "" when the walk is
// exhausted. Calling Next implies the previously returned unit (if any)
// has reached a terminal status; its result is read from the store to
// decide iterations, retries and failure escalation.
func (it *Iterator) Next() string {
	for len(it.cont.Frames) > 0 {
		f := it.top()
		node := it.list.Lookup(f.Path)
		if node == nil {
			it.log.Warn("Dropping stale iterator frame", "path", f.Path)
			it.pop()
			continue
		}

		if f.Resume {
			f.Resume = false
			if node.Runnable() {
				f.Next = 0
				return node.Path
			}
		}

		if node.Runnable() {
			if f.Next < 0 {
				if !it.enter(node) {
					it.pop()
					continue
				}
				f.Next = 0
				return node.Path
			}
			if it.checkContinue(f, node) {
				return node.Path
			}
			testlist.RecomputeStatus(it.store, node)
			it.pop()
			continue
		}

		// container
		if f.Next < 0 {
			if !it.enter(node) {
				it.pop()
				continue
			}
			if node.Kind == testlist.KindSequence {
				// A sequence is one logical test: entering it re-runs
				// everything underneath.
				testlist.ResetSubtree(it.store, node)
			}
			f.Iterations = node.Iterations
			f.Next = 0
		} else if f.Next > 0 && f.Next-1 < len(node.Children) {
			it.applyActionOnFailure(f, node.Children[f.Next-1])
		}

		if idx := it.nextChild(f, node); idx >= 0 {
			f.Next = idx + 1
			it.push(Frame{Path: node.Children[idx].Path, Next: -1})
			continue
		}

		f.Iterations--
		if f.Iterations > 0 {
			testlist.ResetSubtree(it.store, node)
			f.Next = 0
			continue
		}
		testlist.RecomputeStatus(it.store, node)
		it.pop()
	}
	return ""
}

// Get returns the unit most recently returned by Next, or "" if the walk
// has not produced one yet or is exhausted. It never advances the walk.
func (it *Iterator) Get() string {
	if len(it.cont.Frames) == 0 {
		return ""
	}
	f := it.top()
	node := it.list.Lookup(f.Path)
	if node == nil || !node.Runnable() || f.Next < 0 {
		return ""
	}
	return node.Path
}

// Stop truncates the walk so that no further units under root are
// produced. Recorded results are untouched. root == "" stops everything.
func (it *Iterator) Stop(root string) {
	for len(it.cont.Frames) > 0 {
		node := it.list.Lookup(it.top().Path)
		if node == nil || node.HasAncestor(root) {
			it.pop()
			continue
		}
		break
	}
}

// Exhausted reports whether the walk has ended.
func (it *Iterator) Exhausted() bool { return len(it.cont.Frames) == 0 }

// PendingLeaves returns every leaf under the walk's root, in declared
// order.
func (it *Iterator) PendingLeaves() []string {
	if len(it.cont.Frames) == 0 {
		return nil
	}
	root := it.list.Lookup(it.cont.Frames[0].Path)
	if root == nil {
		return nil
	}
	return it.list.Leaves(root)
}

// RestartLastTest arranges for the unit most recently returned by Next to
// be returned once more, without re-entering it, so its counters survive.
// This is how a shutdown test resumes after the reboot: the pre-reboot
// half was returned, the machine went down, and the post-reboot half must
// run under the same state. An error means the persisted position was not
// the expected "waiting for a result" shape, which indicates the
// continuation was not written back properly before the reboot; the
// restart is still armed so the walk can make progress.
func (it *Iterator) RestartLastTest() error {
	if len(it.cont.Frames) == 0 {
		return fmt.Errorf("cannot restart last test: iterator is exhausted")
	}
	f := it.top()
	node := it.list.Lookup(f.Path)
	ok := node != nil && node.Runnable() && f.Next == 0 && !f.Resume
	f.Resume = true
	if !ok {
		return fmt.Errorf("cannot restart last test: unexpected iterator position at %q", f.Path)
	}
	return nil
}

func (it *Iterator) top() *Frame {
	return &it.cont.Frames[len(it.cont.Frames)-1]
}

func (it *Iterator) push(f Frame) {
	it.cont.Frames = append(it.cont.Frames, f)
}

func (it *Iterator) pop() {
	it.cont.Frames = it.cont.Frames[:len(it.cont.Frames)-1]
}

// enter runs the skip checks for a node about to be visited and resets
// its counters. It reports whether the node should be visited at all.
func (it *Iterator) enter(node *testlist.Node) bool {
	if it.CheckSkip(node) {
		return false
	}
	ts := it.store.TestState(node.Path)
	if ts.Status == state.StatusPassed && !it.filterAccepts(state.StatusPassed) {
		// Already passed and the filter says passed tests stay done.
		return false
	}
	it.store.UpdateTestState(node.Path, state.Update{
		IterationsLeft: state.Int(node.Iterations),
		RetriesLeft:    state.Int(node.Retries),
		ShutdownCount:  state.Int(0),
	})
	return true
}

// checkContinue decides, after a returned unit reached a terminal status,
// whether the same unit must run again (iterations left, retries left).
func (it *Iterator) checkContinue(f *Frame, node *testlist.Node) bool {
	var ts state.TestState
	if it.store.TestState(node.Path).Status != state.StatusFailed {
		ts = it.store.UpdateTestState(node.Path, state.Update{DecrementIterationsLeft: true})
	} else {
		ts = it.store.UpdateTestState(node.Path, state.Update{DecrementRetriesLeft: true})
		if ts.RetriesLeft >= 0 {
			// The retry gets a clean slate: failure escalation from this
			// attempt is withdrawn.
			it.cont.TeardownOnly = false
			f.Teardown = false
		}
	}
	if ts.IterationsLeft > 0 && ts.RetriesLeft >= 0 {
		testlist.ResetSubtree(it.store, node)
		return true
	}
	return false
}

// applyActionOnFailure escalates a finished child's failure into the
// current scope.
func (it *Iterator) applyActionOnFailure(f *Frame, child *testlist.Node) {
	if it.store.TestState(child.Path).Status != state.StatusFailed {
		return
	}
	switch child.ActionOnFailure {
	case testlist.ActionParent:
		f.Teardown = true
	case testlist.ActionStop:
		f.Teardown = true
		it.cont.TeardownOnly = true
	}
}

// nextChild picks the next child to descend into, honoring teardown-only
// mode, or -1 when the scope is exhausted.
func (it *Iterator) nextChild(f *Frame, node *testlist.Node) int {
	teardownOnly := it.cont.TeardownOnly || f.Teardown
	for idx := f.Next; idx < len(node.Children); idx++ {
		if teardownOnly && !node.Children[idx].Teardown {
			continue
		}
		return idx
	}
	return -1
}

// CheckSkip reports whether the node must be passed over entirely: the
// status filter excludes it, its run_if predicate is false, or it was
// skipped before and nothing changed. The scheduler consults it per
// member when expanding a parallel unit.
func (it *Iterator) CheckSkip(node *testlist.Node) bool {
	if node.Runnable() && !it.statusFilterOK(node) {
		it.log.Debug("Skipping test excluded by status filter",
			"path", node.Path,
			"status", it.store.TestState(node.Path).Status,
			"filter", it.cont.StatusFilter)
		return true
	}
	if !it.runIfOK(node) {
		it.log.Info("Skipping test, run_if evaluated to false", "path", node.Path)
		testlist.SkipSubtree(it.store, node)
		return true
	}
	if it.store.TestState(node.Path).Status == state.StatusSkipped {
		// The subtree was skipped in a previous run. Re-test it if any
		// member's run_if predicate now allows it: groups need their own
		// run_if to say so, leaves re-run unless a predicate still
		// forbids it.
		needRetest := false
		node.Walk(func(t *testlist.Node) {
			if needRetest || it.store.TestState(t.Path).Status != state.StatusSkipped {
				return
			}
			if it.runIfOK(t) && (t.IsLeaf() || t.RunIf != "") {
				needRetest = true
			}
		})
		if needRetest {
			it.store.UpdateTestState(node.Path, state.Update{Status: state.StatusUntested})
			return it.CheckSkip(node)
		}
		return true
	}
	return false
}

// statusFilterOK reports whether the status filter allows starting the
// node. An active node always passes, so an interrupted run can resume;
// a skipped node always passes and leaves the decision to CheckSkip.
func (it *Iterator) statusFilterOK(node *testlist.Node) bool {
	if len(it.cont.StatusFilter) == 0 {
		return true
	}
	status := it.store.TestState(node.Path).Status
	return status == state.StatusActive || status == state.StatusSkipped || it.filterAccepts(status)
}

func (it *Iterator) filterAccepts(status state.Status) bool {
	if len(it.cont.StatusFilter) == 0 {
		return true
	}
	for _, s := range it.cont.StatusFilter {
		if s == status {
			return true
		}
	}
	return false
}

func (it *Iterator) runIfOK(node *testlist.Node) bool {
	if node.RunIf == "" {
		return true
	}
	snapshot := map[string]any{}
	if _, err := it.store.SharedData(state.KeyDeviceData, &snapshot); err != nil {
		it.log.Warn("Failed to read device data for run_if", "path", node.Path, "err", err)
		return true
	}
	ok, err := it.runif.Eval(node.RunIf, snapshot)
	if err != nil {
		it.log.Warn("run_if evaluation failed, running test anyway", "path", node.Path, "err", err)
		return true
	}
	return ok
}
