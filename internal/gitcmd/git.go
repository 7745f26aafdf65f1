package gitcmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/simplesurance/gitpublisher/internal/logfields"
	"github.com/simplesurance/gitpublisher/internal/publisherr"
	"github.com/simplesurance/gitpublisher/internal/topology"
)

// DefaultRemote is the name of the remote that is used when none is
// configured.
const DefaultRemote = "origin"

// Git provides the git operations used by the publish pipeline.
// All operations run synchronously via a Runner.
type Git struct {
	runner Runner
	remote string
	logger *zap.Logger
}

// New returns a Git that executes commands via runner and uses remote for
// fetch and push operations.
func New(runner Runner, remote string) *Git {
	if remote == "" {
		remote = DefaultRemote
	}

	return &Git{
		runner: runner,
		remote: remote,
		logger: zap.L().Named(loggerName),
	}
}

// Remote returns the name of the remote.
func (g *Git) Remote() string {
	return g.remote
}

func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	return g.runner.Run(ctx, args...)
}

// runIgnoreErr runs a command whose failure is tolerated, errors are only
// logged.
func (g *Git) runIgnoreErr(ctx context.Context, args ...string) {
	if _, err := g.runner.Run(ctx, args...); err != nil {
		g.logger.Debug(
			"ignoring failed git command",
			logfields.Event("git_command_failure_ignored"),
			zap.Error(err),
		)
	}
}

// Status returns the output of "git status".
func (g *Git) Status(ctx context.Context) (string, error) {
	return g.run(ctx, "status")
}

// SetConfig sets a configuration value in the repository configuration.
func (g *Git) SetConfig(ctx context.Context, key, value string) error {
	_, err := g.run(ctx, "config", key, value)
	return err
}

// GetConfig returns a value of the repository configuration.
func (g *Git) GetConfig(ctx context.Context, key string) (string, error) {
	out, err := g.run(ctx, "config", "--get", key)
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(out), nil
}

// UnsetConfig removes a key from the repository configuration.
// Removing a key that does not exist succeeds.
func (g *Git) UnsetConfig(ctx context.Context, key string) error {
	_, err := g.run(ctx, "config", "--unset-all", key)
	if err != nil {
		var cmdErr *publisherr.CommandError
		// exit code 5: the key does not exist
		if errors.As(err, &cmdErr) && cmdErr.ExitCode == 5 {
			return nil
		}

		return err
	}

	return nil
}

// Fetch fetches refspecs from the remote.
func (g *Git) Fetch(ctx context.Context, refspecs ...string) error {
	_, err := g.run(ctx, append([]string{"fetch", "--no-tags", g.remote}, refspecs...)...)
	return err
}

// FetchBranch fetches branch from the remote and force-updates the local
// branch with the same name.
// The branch must not be checked out.
func (g *Git) FetchBranch(ctx context.Context, branch string) error {
	return g.Fetch(ctx, fmt.Sprintf("+refs/heads/%s:refs/heads/%s", branch, branch))
}

// Checkout checks out ref.
func (g *Git) Checkout(ctx context.Context, ref string) error {
	_, err := g.run(ctx, "checkout", "-q", ref)
	return err
}

// CheckoutDetach detaches HEAD at the current commit.
func (g *Git) CheckoutDetach(ctx context.Context) error {
	_, err := g.run(ctx, "checkout", "-q", "--detach")
	return err
}

// ResetHard resets the index and working tree to ref.
func (g *Git) ResetHard(ctx context.Context, ref string) error {
	_, err := g.run(ctx, "reset", "-q", "--hard", ref)
	return err
}

// Clean removes untracked files and directories, when ignored is true also
// files ignored by git are removed.
func (g *Git) Clean(ctx context.Context, ignored bool) error {
	flags := "-fd"
	if ignored {
		flags = "-fdx"
	}

	_, err := g.run(ctx, "clean", "-q", flags)
	return err
}

// Rebase rebases the current branch onto upstream.
// mergesFlag is passed as additional argument, e.g. "--rebase-merges", when
// it is empty, it is omitted.
func (g *Git) Rebase(ctx context.Context, upstream, mergesFlag string) error {
	args := []string{"rebase"}
	if mergesFlag != "" {
		args = append(args, mergesFlag)
	}

	_, err := g.run(ctx, append(args, upstream)...)
	return err
}

// RebaseAbort aborts a running rebase, failures are ignored.
func (g *Git) RebaseAbort(ctx context.Context) {
	g.runIgnoreErr(ctx, "rebase", "--abort")
}

// CleanIgnoreErr is Clean but failures are only logged.
func (g *Git) CleanIgnoreErr(ctx context.Context, ignored bool) {
	if err := g.Clean(ctx, ignored); err != nil {
		g.logger.Debug(
			"ignoring failed git clean",
			logfields.Event("git_command_failure_ignored"),
			zap.Error(err),
		)
	}
}

// RevParse returns the commit id of ref.
func (g *Git) RevParse(ctx context.Context, ref string) (string, error) {
	out, err := g.run(ctx, "rev-parse", "--verify", "-q", ref+"^{commit}")
	if err != nil {
		return "", err
	}

	id := strings.TrimSpace(out)
	if id == "" {
		return "", fmt.Errorf("rev-parse of %q returned an empty commit id", ref)
	}

	return id, nil
}

// RevListParents returns the commit-parent records of all commits reachable
// from head but not from base, in topological order.
func (g *Git) RevListParents(ctx context.Context, base, head string) ([]topology.ParentRecord, error) {
	out, err := g.run(ctx, "rev-list", "--parents", "--topo-order", RangeSpec(base, head))
	if err != nil {
		return nil, err
	}

	return topology.ParseRevListString(out)
}

// Log returns the output of git log for the range base..head formatted with
// the pretty format string.
func (g *Git) Log(ctx context.Context, format, base, head string) (string, error) {
	return g.run(ctx, "log", "--pretty=format:"+format, RangeSpec(base, head))
}

// MergeFFOnly fast-forwards the current branch to ref, it fails if it is not
// possible.
func (g *Git) MergeFFOnly(ctx context.Context, ref string) error {
	_, err := g.run(ctx, "merge", "-q", "--ff-only", ref)
	return err
}

// Push pushes the refspecs to the remote.
func (g *Git) Push(ctx context.Context, refspecs ...string) error {
	_, err := g.run(ctx, append([]string{"push", g.remote}, refspecs...)...)
	return err
}

// PushBranch updates branch on the remote with the local branch of the same
// name. The remote rejects the update if it is not a fast-forward.
func (g *Git) PushBranch(ctx context.Context, branch string) error {
	return g.Push(ctx, fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch))
}

// DeleteRemoteBranch deletes branch on the remote.
func (g *Git) DeleteRemoteBranch(ctx context.Context, branch string) error {
	return g.Push(ctx, ":refs/heads/"+branch)
}

// RangeSpec returns the git revision range "base..head".
func RangeSpec(base, head string) string {
	return base + ".." + head
}
