package runner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/stationd/stationd/internal/logger"
	"github.com/stationd/stationd/internal/scheduler"
	"github.com/stationd/stationd/internal/state"
)

var _ scheduler.Runner = (*Exec)(nil)

// Exec runs a leaf test as a shell command taken from the node's params.
// The command's exit status decides the test result; its combined output
// goes to the harness log.
type Exec struct {
	log logger.Logger
}

func NewExec(lg logger.Logger) *Exec {
	if lg == nil {
		lg = logger.Default()
	}
	return &Exec{log: lg}
}

func (e *Exec) Run(ctx context.Context, spec scheduler.RunSpec) scheduler.Result {
	cmdline, _ := spec.Params["cmd"].(string)
	if cmdline == "" {
		return scheduler.Result{
			Status:   state.StatusFailed,
			ErrorMsg: "exec worker requires a cmd param",
		}
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", cmdline)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("STATIOND_TEST_PATH=%s", spec.Path),
		fmt.Sprintf("STATIOND_INVOCATION=%s", spec.Invocation),
		fmt.Sprintf("STATIOND_COUNT=%d", spec.Count),
	)
	if env, ok := spec.Params["env"].(map[string]any); ok {
		for k, v := range env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%v", k, v))
		}
	}

	out, err := cmd.CombinedOutput()
	if len(out) > 0 {
		e.log.Info("Test output",
			"path", spec.Path, "invocation", spec.Invocation,
			"output", strings.TrimSpace(string(out)))
	}
	if err != nil {
		if ctx.Err() != nil {
			return scheduler.Result{
				Status:   state.StatusFailed,
				ErrorMsg: "aborted",
			}
		}
		return scheduler.Result{
			Status:   state.StatusFailed,
			ErrorMsg: lastLine(out, err),
		}
	}
	return scheduler.Result{Status: state.StatusPassed}
}

// lastLine picks the most useful one-line error message: the final line of
// output if there is one, otherwise the exec error itself.
func lastLine(out []byte, err error) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if last := strings.TrimSpace(lines[len(lines)-1]); last != "" {
		return last
	}
	return err.Error()
}
