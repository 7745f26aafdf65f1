// Package history reads commit parent records from a local repository
// without invoking git.
package history

import (
	"errors"
	"fmt"
	"strings"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"

	"github.com/simplesurance/gitpublisher/internal/gitref"
	"github.com/simplesurance/gitpublisher/internal/logfields"
	"github.com/simplesurance/gitpublisher/internal/topology"
)

const loggerName = "history"

// Reader lists commits of a repository.
type Reader struct {
	repo   *git.Repository
	logger *zap.Logger
}

// Open opens the repository containing path.
func Open(path string) (*Reader, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("opening git repository %s failed: %w", path, err)
	}

	return NewReader(repo), nil
}

func NewReader(repo *git.Repository) *Reader {
	return &Reader{
		repo:   repo,
		logger: zap.L().Named(loggerName),
	}
}

// Resolve returns the commit id of rev.
// Branch names are tried as local branches first, then as branches of the
// remote "origin".
func (r *Reader) Resolve(rev string) (plumbing.Hash, error) {
	if gitref.IsCommitHash(rev) {
		return plumbing.NewHash(rev), nil
	}

	candidates := []string{rev}
	if !strings.HasPrefix(rev, "refs/") {
		candidates = append(candidates,
			gitref.BranchRefPrefix+rev,
			"refs/remotes/origin/"+rev,
		)
	}

	var lastErr error
	for _, c := range candidates {
		h, err := r.repo.ResolveRevision(plumbing.Revision(c))
		if err == nil {
			return *h, nil
		}
		lastErr = err
	}

	return plumbing.ZeroHash, fmt.Errorf("resolving %q failed: %w", rev, lastErr)
}

// ParentRecords returns the records of all commits reachable from head but
// not from base, in the order "git rev-list --parents --topo-order" lists
// them: children before their parents, the line of the last parent of a
// merge is listed before the other parents.
func (r *Reader) ParentRecords(base, head string) ([]topology.ParentRecord, error) {
	baseHash, err := r.Resolve(base)
	if err != nil {
		return nil, err
	}

	headHash, err := r.Resolve(head)
	if err != nil {
		return nil, err
	}

	excluded, err := r.reachable(baseHash)
	if err != nil {
		return nil, err
	}

	commits, err := r.collect(headHash, excluded)
	if err != nil {
		return nil, err
	}

	records := topoSort(headHash, commits)

	r.logger.Debug(
		"read commit range",
		logfields.Event("history_range_read"),
		zap.String("base", base),
		zap.String("head", head),
		zap.Int("commit_count", len(records)),
	)

	return records, nil
}

func (r *Reader) reachable(from plumbing.Hash) (map[plumbing.Hash]struct{}, error) {
	result := map[plumbing.Hash]struct{}{}

	iter, err := r.repo.Log(&git.LogOptions{From: from})
	if err != nil {
		return nil, fmt.Errorf("listing history of %s failed: %w", from, err)
	}
	defer iter.Close()

	err = iter.ForEach(func(c *object.Commit) error {
		result[c.Hash] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing history of %s failed: %w", from, err)
	}

	return result, nil
}

// collect returns the parent hashes of all commits reachable from head that
// are not in excluded.
func (r *Reader) collect(head plumbing.Hash, excluded map[plumbing.Hash]struct{}) (map[plumbing.Hash][]plumbing.Hash, error) {
	result := map[plumbing.Hash][]plumbing.Hash{}

	if _, exists := excluded[head]; exists {
		return result, nil
	}

	queue := []plumbing.Hash{head}
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]

		if _, exists := result[h]; exists {
			continue
		}

		c, err := r.repo.CommitObject(h)
		if err != nil {
			if errors.Is(err, plumbing.ErrObjectNotFound) {
				return nil, fmt.Errorf("commit %s does not exist", h)
			}
			return nil, fmt.Errorf("reading commit %s failed: %w", h, err)
		}

		result[h] = c.ParentHashes

		for _, p := range c.ParentHashes {
			if _, exists := excluded[p]; exists {
				continue
			}
			queue = append(queue, p)
		}
	}

	return result, nil
}

func topoSort(head plumbing.Hash, commits map[plumbing.Hash][]plumbing.Hash) []topology.ParentRecord {
	if len(commits) == 0 {
		return nil
	}

	// number of children of a commit inside the range
	childCnt := make(map[plumbing.Hash]int, len(commits))
	for _, parents := range commits {
		for _, p := range parents {
			if _, exists := commits[p]; exists {
				childCnt[p]++
			}
		}
	}

	result := make([]topology.ParentRecord, 0, len(commits))
	stack := []plumbing.Hash{head}

	for len(stack) > 0 {
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		parents := commits[h]

		rec := make(topology.ParentRecord, 0, len(parents)+1)
		rec = append(rec, h.String())
		for _, p := range parents {
			rec = append(rec, p.String())
		}
		result = append(result, rec)

		for _, p := range parents {
			if _, exists := commits[p]; !exists {
				continue
			}

			childCnt[p]--
			if childCnt[p] == 0 {
				stack = append(stack, p)
			}
		}
	}

	return result
}
