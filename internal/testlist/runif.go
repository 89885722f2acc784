package testlist

import (
	"fmt"
	"sync"

	"github.com/dop251/goja"
)

// RunIfEvaluator evaluates run_if expressions against a snapshot of the
// device data table. Expressions are JavaScript over the snapshot: each
// top-level key is exposed as a global, and the whole snapshot as
// `device`, so both `foo.bar` and `!device.foo.bar` work.
type RunIfEvaluator struct {
	mu       sync.Mutex
	programs map[string]*goja.Program
}

func NewRunIfEvaluator() *RunIfEvaluator {
	return &RunIfEvaluator{programs: make(map[string]*goja.Program)}
}

// Eval evaluates expr against the snapshot and coerces the result to a
// boolean. The snapshot is read-only to the expression by construction;
// evaluation has no other side effects.
func (e *RunIfEvaluator) Eval(expr string, snapshot map[string]any) (bool, error) {
	prog, err := e.compile(expr)
	if err != nil {
		return false, err
	}

	vm := goja.New()
	if err := vm.Set("device", snapshot); err != nil {
		return false, fmt.Errorf("run_if: failed to set device data: %w", err)
	}
	for key, value := range snapshot {
		if err := vm.Set(key, value); err != nil {
			return false, fmt.Errorf("run_if: failed to set %q: %w", key, err)
		}
	}

	result, err := vm.RunProgram(prog)
	if err != nil {
		return false, fmt.Errorf("run_if: %w", err)
	}
	return result.ToBoolean(), nil
}

func (e *RunIfEvaluator) compile(expr string) (*goja.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if prog, ok := e.programs[expr]; ok {
		return prog, nil
	}
	prog, err := goja.Compile("run_if", expr, true)
	if err != nil {
		return nil, fmt.Errorf("run_if: failed to compile %q: %w", expr, err)
	}
	e.programs[expr] = prog
	return prog, nil
}
