// Package command runs external tools (firewall front-ends, log query
// commands) with fixed argument vectors.
package command

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// waitDelay bounds how long Run waits for output pipes after the context
// kills the process (children may inherit the pipes).
const waitDelay = 500 * time.Millisecond

// Executor implements ports.CommandRunner on top of os/exec.
type Executor struct {
	logger zerolog.Logger
}

func NewExecutor(logger zerolog.Logger) *Executor {
	return &Executor{logger: logger.With().Str("component", "command").Logger()}
}

// Run executes name with args and returns combined stdout/stderr.
// A non-zero exit status is reported as *exec.ExitError.
func (e *Executor) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	start := time.Now()
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = waitDelay
	output, err := cmd.CombinedOutput()

	e.logger.Debug().Err(err).
		Str("cmd", name+" "+strings.Join(args, " ")).
		Dur("took", time.Since(start)).
		Msg("Command finished")

	return output, err
}
