// Package publisherr defines the errors returned by the publish pipeline and
// its collaborators.
package publisherr

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/simplesurance/gitpublisher/internal/stringutils"
)

// CommandError is returned when a git command exited with a non-zero exit
// code or could not be started.
// Args and Output are redacted, they never contain registered secrets.
type CommandError struct {
	Args     []string
	ExitCode int
	Output   string
	Err      error
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// Command returns the shell-quoted command line.
func (e *CommandError) Command() string {
	return shellquote.Join(e.Args...)
}

func (e *CommandError) Error() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "command %q failed", e.Command())
	if e.ExitCode >= 0 {
		fmt.Fprintf(&sb, " with exit code %d", e.ExitCode)
	}

	if e.Err != nil {
		fmt.Fprintf(&sb, ": %s", e.Err)
	}

	if out := strings.TrimSpace(e.Output); out != "" {
		sb.WriteString(", output:\n")
		sb.WriteString(stringutils.IndentString(out, "  "))
	}

	return sb.String()
}

// InvalidTopologyError is returned when the commits that would be merged do
// not have the shape of a rebase with preserved merges.
type InvalidTopologyError struct {
	Range    string
	Problems []string
}

func (e *InvalidTopologyError) Error() string {
	if len(e.Problems) == 0 {
		return fmt.Sprintf("invalid merge: history of %s is not a valid rebased history", e.Range)
	}

	return fmt.Sprintf(
		"invalid merge: history of %s is not a valid rebased history: %s",
		e.Range, strings.Join(e.Problems, "; "),
	)
}

// LintViolation describes a commit that failed a history lint rule.
type LintViolation struct {
	Commit string
	Rule   string
	Detail string
}

func (v *LintViolation) String() string {
	return fmt.Sprintf("commit %s violates rule %q: %s", v.Commit, v.Rule, v.Detail)
}

// LintViolationError is returned when commits in the range that would be
// merged violate commit description or committer rules.
type LintViolationError struct {
	Violations []*LintViolation
}

func (e *LintViolationError) Error() string {
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		msgs = append(msgs, v.String())
	}

	return fmt.Sprintf("history verification failed, %d violation(s): %s",
		len(e.Violations), strings.Join(msgs, "; "))
}

// LockTimeoutError is returned when the named mutex could not be acquired
// within the timeout.
// It signals contention, the whole operation can be retried later.
type LockTimeoutError struct {
	Name    string
	Timeout time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("queue timeout: acquiring mutex %q failed, not acquired within %s", e.Name, e.Timeout)
}

// PolicyViolationError is returned when the requested operation is not
// allowed. It is returned before any change was made.
type PolicyViolationError struct {
	Reason string
}

func (e *PolicyViolationError) Error() string {
	return "policy violation: " + e.Reason
}

// ErrorKind classifies errors of the publish pipeline.
type ErrorKind string

const (
	KindNone            ErrorKind = ""
	KindQueueTimeout    ErrorKind = "queue_timeout"
	KindInvalidHistory  ErrorKind = "invalid_history"
	KindLintViolation   ErrorKind = "lint_violation"
	KindPolicyViolation ErrorKind = "policy_violation"
	KindCommandFailure  ErrorKind = "command_failure"
	KindOther           ErrorKind = "other"
)

// Kind returns the ErrorKind of err.
// For a nil error KindNone is returned.
func Kind(err error) ErrorKind {
	if err == nil {
		return KindNone
	}

	var lockErr *LockTimeoutError
	if errors.As(err, &lockErr) {
		return KindQueueTimeout
	}

	var topoErr *InvalidTopologyError
	if errors.As(err, &topoErr) {
		return KindInvalidHistory
	}

	var lintErr *LintViolationError
	if errors.As(err, &lintErr) {
		return KindLintViolation
	}

	var policyErr *PolicyViolationError
	if errors.As(err, &policyErr) {
		return KindPolicyViolation
	}

	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return KindCommandFailure
	}

	return KindOther
}
