// Package gitcmd executes git commands.
package gitcmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"time"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/simplesurance/gitpublisher/internal/logfields"
	"github.com/simplesurance/gitpublisher/internal/publisherr"
	"github.com/simplesurance/gitpublisher/internal/secret"
)

const loggerName = "git"

// DefaultBinary is the git executable that is used when none is configured.
const DefaultBinary = "git"

// Runner executes a git command and returns its combined stdout and stderr
// output.
// If the command fails a *publisherr.CommandError is returned.
// Returned output and errors never contain secrets known to the runner.
type Runner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// ExecRunner runs git commands as child processes in a working directory.
type ExecRunner struct {
	dir     string
	bin     string
	secrets *secret.Set
	logger  *zap.Logger
}

type ExecRunnerOption func(*ExecRunner)

// WithBinary sets the path of the git executable.
func WithBinary(path string) ExecRunnerOption {
	return func(r *ExecRunner) {
		if path != "" {
			r.bin = path
		}
	}
}

// NewExecRunner returns a runner that executes git in dir.
// Secrets registered in secrets, also ones added later, are masked in logged
// and returned output.
func NewExecRunner(dir string, secrets *secret.Set, opts ...ExecRunnerOption) *ExecRunner {
	r := ExecRunner{
		dir:     dir,
		bin:     DefaultBinary,
		secrets: secrets,
		logger:  zap.L().Named(loggerName),
	}

	for _, o := range opts {
		o(&r)
	}

	return &r
}

// Run executes git with args and returns the redacted combined output.
func (r *ExecRunner) Run(ctx context.Context, args ...string) (string, error) {
	var out bytes.Buffer

	argv := append([]string{r.bin}, args...)
	redactedArgv := r.secrets.RedactAll(argv)
	cmdStr := shellquote.Join(redactedArgv...)

	logger := r.logger.With(logfields.Command(cmdStr))

	cmd := exec.CommandContext(ctx, r.bin, args...)
	cmd.Dir = r.dir
	cmd.Stdout = &out
	cmd.Stderr = &out
	// never block on interactive credential prompts
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	output := r.secrets.Redact(out.String())

	if err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}

		logger.Debug(
			"git command failed",
			logfields.Event("git_command_failed"),
			zap.Int("exit_code", exitCode),
			zap.Duration("duration", duration),
			zap.String("output", output),
		)

		return output, &publisherr.CommandError{
			Args:     redactedArgv,
			ExitCode: exitCode,
			Output:   output,
			Err:      errors.New(r.secrets.Redact(err.Error())),
		}
	}

	logger.Debug(
		"git command succeeded",
		logfields.Event("git_command_succeeded"),
		zap.Duration("duration", duration),
		zap.String("output", output),
	)

	return output, nil
}
