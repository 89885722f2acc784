package testlist

import (
	"fmt"
	"os"
	"sort"

	"github.com/goccy/go-yaml"
)

// definition is the YAML shape of a test list file.
type definition struct {
	Name  string           `yaml:"name"`
	Tests []nodeDefinition `yaml:"tests"`
}

type nodeDefinition struct {
	ID              string           `yaml:"id"`
	Worker          string           `yaml:"worker"`
	Params          map[string]any   `yaml:"params"`
	Iterations      int              `yaml:"iterations"`
	Retries         int              `yaml:"retries"`
	ActionOnFailure string           `yaml:"action_on_failure"`
	Teardown        bool             `yaml:"teardown"`
	RunIf           string           `yaml:"run_if"`
	RequireRun      []requirementDef `yaml:"require_run"`
	NeverFails      bool             `yaml:"never_fails"`
	Shutdown        string           `yaml:"shutdown"`
	Group           bool             `yaml:"group"`
	Parallel        bool             `yaml:"parallel"`
	Subtests        []nodeDefinition `yaml:"subtests"`
}

type requirementDef struct {
	Test   string `yaml:"test"`
	Passed bool   `yaml:"passed"`
}

// Load reads and builds a test list from a YAML file. Errors here are
// configuration errors and propagate to the caller.
func Load(file string) (*TestList, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read test list %q: %w", file, err)
	}
	return LoadYAML(data)
}

// LoadYAML builds a test list from YAML data.
func LoadYAML(data []byte) (*TestList, error) {
	var def definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse test list: %w", err)
	}
	return build(def)
}

func build(def definition) (*TestList, error) {
	if def.Name == "" {
		def.Name = "main"
	}
	root := &Node{
		ID:              def.Name,
		Path:            "",
		Kind:            KindGroup,
		Iterations:      1,
		ActionOnFailure: ActionNext,
	}
	for _, sub := range def.Tests {
		child, err := buildNode(sub, root, false)
		if err != nil {
			return nil, err
		}
		root.Children = append(root.Children, child)
	}
	orderTeardowns(root)

	list := &TestList{Name: def.Name, Root: root}
	list.buildIndex()
	if len(list.index) != countNodes(root) {
		return nil, fmt.Errorf("test list %q contains duplicate paths", def.Name)
	}

	if err := resolveRequirements(list); err != nil {
		return nil, err
	}
	return list, nil
}

func buildNode(def nodeDefinition, parent *Node, inTeardown bool) (*Node, error) {
	if def.ID == "" {
		return nil, fmt.Errorf("test under %q is missing an id", parent.Path)
	}

	path := def.ID
	if parent.Path != "" {
		path = parent.Path + "." + def.ID
	}

	if def.Iterations == 0 {
		def.Iterations = 1
	}
	if def.Iterations < 1 {
		return nil, fmt.Errorf("test %q: iterations must be >= 1", path)
	}
	if def.Retries < 0 {
		return nil, fmt.Errorf("test %q: retries must be >= 0", path)
	}

	action := Action(def.ActionOnFailure)
	switch action {
	case "":
		action = ActionNext
	case ActionNext, ActionParent, ActionStop:
	default:
		return nil, fmt.Errorf("test %q: unknown action_on_failure %q", path, def.ActionOnFailure)
	}

	if def.Group && def.Parallel {
		return nil, fmt.Errorf("test %q: group and parallel are mutually exclusive", path)
	}
	kind := KindSequence
	if def.Group {
		kind = KindGroup
	}
	if def.Parallel {
		kind = KindParallel
	}

	node := &Node{
		ID:              def.ID,
		Path:            path,
		Parent:          parent,
		Kind:            kind,
		Iterations:      def.Iterations,
		Retries:         def.Retries,
		ActionOnFailure: action,
		Teardown:        def.Teardown || inTeardown,
		RunIf:           def.RunIf,
		NeverFails:      def.NeverFails,
		Shutdown:        def.Shutdown,
		Worker:          def.Worker,
		Params:          def.Params,
	}
	for _, req := range def.RequireRun {
		node.RequireRun = append(node.RequireRun, Requirement{Path: req.Test, Passed: req.Passed})
	}

	for _, sub := range def.Subtests {
		child, err := buildNode(sub, node, node.Teardown)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, child)
	}
	orderTeardowns(node)

	if len(node.Children) > 0 {
		if node.Shutdown != "" {
			return nil, fmt.Errorf("test %q: shutdown is only valid on a leaf", path)
		}
		if node.Kind == KindParallel {
			for _, c := range node.Children {
				if !c.IsLeaf() {
					return nil, fmt.Errorf("test %q: children of a parallel test must be leaves", path)
				}
			}
		}
	}
	return node, nil
}

// orderTeardowns moves teardown children after their siblings, keeping the
// declared order within each half. Teardown-last then holds at every scope
// by construction.
func orderTeardowns(n *Node) {
	sort.SliceStable(n.Children, func(i, j int) bool {
		return !n.Children[i].Teardown && n.Children[j].Teardown
	})
}

func countNodes(root *Node) int {
	count := 0
	root.Walk(func(*Node) { count++ })
	return count
}

func resolveRequirements(list *TestList) error {
	var err error
	list.Walk(func(n *Node) {
		for _, req := range n.RequireRun {
			if list.Lookup(req.Path) == nil && err == nil {
				err = fmt.Errorf("test %q: require_run references unknown test %q", n.Path, req.Path)
			}
		}
	})
	return err
}
