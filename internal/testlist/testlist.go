package testlist

import (
	"github.com/stationd/stationd/internal/state"
)

// TestList is the immutable tree of test nodes for one device.
type TestList struct {
	Name string
	Root *Node

	index map[string]*Node
}

// Lookup returns the node with the given root-relative path, or nil.
func (l *TestList) Lookup(path string) *Node {
	return l.index[path]
}

// Walk visits every node in declared order, root first.
func (l *TestList) Walk(fn func(*Node)) {
	l.Root.Walk(fn)
}

// Leaves returns the leaf paths under root in declared order. A nil root
// means the whole list.
func (l *TestList) Leaves(root *Node) []string {
	if root == nil {
		root = l.Root
	}
	var out []string
	root.Walk(func(n *Node) {
		if n.IsLeaf() {
			out = append(out, n.Path)
		}
	})
	return out
}

func (l *TestList) buildIndex() {
	l.index = make(map[string]*Node)
	l.Root.Walk(func(n *Node) {
		l.index[n.Path] = n
	})
}

// ResetSubtree marks the node and all descendants UNTESTED.
func ResetSubtree(st state.Store, n *Node) {
	n.Walk(func(c *Node) {
		st.UpdateTestState(c.Path, state.Update{Status: state.StatusUntested})
	})
}

// SkipSubtree marks the node and all descendants SKIPPED.
func SkipSubtree(st state.Store, n *Node) {
	n.Walk(func(c *Node) {
		st.UpdateTestState(c.Path, state.Update{Status: state.StatusSkipped})
	})
}

// RecomputeStatus derives a container's status from its children and
// records it. Leaves are returned unchanged. Precedence: any child still
// running keeps the container ACTIVE; any failure wins over untested
// children; a container whose children were all skipped is itself skipped.
func RecomputeStatus(st state.Store, n *Node) state.Status {
	if n.IsLeaf() {
		return st.TestState(n.Path).Status
	}

	var active, failed, untested, passed int
	for _, c := range n.Children {
		switch RecomputeStatus(st, c) {
		case state.StatusActive:
			active++
		case state.StatusFailed:
			failed++
		case state.StatusUntested:
			untested++
		case state.StatusPassed:
			passed++
		}
	}

	status := state.StatusSkipped
	switch {
	case active > 0:
		status = state.StatusActive
	case failed > 0:
		status = state.StatusFailed
	case untested > 0:
		status = state.StatusUntested
	case passed > 0:
		status = state.StatusPassed
	}
	if st.TestState(n.Path).Status != status {
		st.UpdateTestState(n.Path, state.Update{Status: status})
	}
	return status
}
