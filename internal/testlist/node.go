package testlist

import "strings"

// Kind describes how a container schedules its children.
type Kind int

const (
	// KindSequence runs children in order; they depend on each other, so a
	// retry restarts the whole container.
	KindSequence Kind = iota
	// KindGroup runs children in order but treats them as independent; a
	// retry re-runs only the children that need it.
	KindGroup
	// KindParallel launches all children concurrently as one unit.
	KindParallel
)

func (k Kind) String() string {
	switch k {
	case KindGroup:
		return "group"
	case KindParallel:
		return "parallel"
	default:
		return "sequence"
	}
}

// Action is what the walk does when a node fails with no retries left.
type Action string

const (
	// ActionNext proceeds to the next sibling.
	ActionNext Action = "NEXT"
	// ActionParent stops the remaining siblings and escalates the failure
	// to the parent scope.
	ActionParent Action = "PARENT"
	// ActionStop cancels the entire remaining run except teardown nodes.
	ActionStop Action = "STOP"
)

// Requirement names another node that must have run (or passed) before the
// requiring node may start.
type Requirement struct {
	Path   string
	Passed bool
}

// Node is one test in the tree. Nodes are immutable after load; all
// mutable state lives in the state store, keyed by Path.
type Node struct {
	ID       string
	Path     string
	Parent   *Node
	Children []*Node

	Kind            Kind
	Iterations      int
	Retries         int
	ActionOnFailure Action
	Teardown        bool
	RunIf           string
	RequireRun      []Requirement
	NeverFails      bool

	// Shutdown marks a leaf that reboots or halts the machine as part of
	// its body ("reboot" or "halt").
	Shutdown string

	// Worker names the registered runner that executes this leaf; Params is
	// passed to it opaquely.
	Worker string
	Params map[string]any
}

// IsLeaf reports whether the node has no children.
func (n *Node) IsLeaf() bool { return len(n.Children) == 0 }

// Runnable reports whether the node is yielded by the iterator as one
// schedulable unit: a leaf, or a parallel container.
func (n *Node) Runnable() bool { return n.IsLeaf() || n.Kind == KindParallel }

// IsShutdown reports whether the node triggers an OS shutdown.
func (n *Node) IsShutdown() bool { return n.Shutdown != "" }

// HasAncestor reports whether path is the node itself or one of its
// ancestors. The empty path (the root) is an ancestor of every node.
func (n *Node) HasAncestor(path string) bool {
	if path == "" || n.Path == path {
		return true
	}
	return strings.HasPrefix(n.Path, path+".")
}

// Walk visits the node and its descendants in declared order.
func (n *Node) Walk(fn func(*Node)) {
	fn(n)
	for _, c := range n.Children {
		c.Walk(fn)
	}
}
