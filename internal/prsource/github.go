package prsource

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/simplesurance/gitpublisher/internal/githubclt"
	"github.com/simplesurance/gitpublisher/internal/gitref"
	"github.com/simplesurance/gitpublisher/internal/logfields"
)

//go:generate mockgen -package mocks -destination mocks/githubclient.go . GithubClient

// GithubClient is the subset of the github API used by GithubSource.
type GithubClient interface {
	ListPullRequests(ctx context.Context, owner, repo, base string) githubclt.PRIterator
	PublishReadiness(ctx context.Context, owner, repo string, prNumber int) (*githubclt.Readiness, error)
}

// GithubSource lists open pull requests of a GitHub repository.
type GithubSource struct {
	clt   GithubClient
	owner string
	repo  string
	// base, if not empty, limits the listing to pull requests for this
	// branch
	base            string
	requireApproval bool
	logger          *zap.Logger
}

// NewGithubSource returns a source for the pull requests of the repository
// owner/repo.
// If requireApproval is true, only pull requests that are approved and whose
// required CI checks succeeded are returned.
func NewGithubSource(clt GithubClient, owner, repo, base string, requireApproval bool) *GithubSource {
	return &GithubSource{
		clt:             clt,
		owner:           owner,
		repo:            repo,
		base:            base,
		requireApproval: requireApproval,
		logger: zap.L().Named(loggerName).Named("github").With(
			logfields.RepositoryOwner(owner),
			logfields.Repository(repo),
		),
	}
}

func (s *GithubSource) String() string {
	return fmt.Sprintf("github: %s/%s", s.owner, s.repo)
}

func (s *GithubSource) List(ctx context.Context) ([]*PullRequest, error) {
	var result []*PullRequest

	it := s.clt.ListPullRequests(ctx, s.owner, s.repo, s.base)
	for {
		ghPR, err := it.Next()
		if err != nil {
			return nil, fmt.Errorf("listing pull requests failed: %w", err)
		}

		if ghPR == nil {
			break
		}

		logger := s.logger.With(logfields.PullRequest(ghPR.GetNumber()))

		head := ghPR.GetHead()
		if head.GetRepo().GetFullName() != "" && head.GetRepo().GetFullName() != s.owner+"/"+s.repo {
			logger.Debug(
				"ignoring pull request from forked repository",
				logfields.Event("prsource_fork_ignored"),
			)
			continue
		}

		if head.GetRef() == "" || ghPR.GetBase().GetRef() == "" {
			logger.Warn(
				"ignoring pull request with empty head or base ref",
				logfields.Event("prsource_invalid_pull_request"),
			)
			continue
		}

		if s.requireApproval {
			ready, err := s.isReady(ctx, ghPR.GetNumber(), head.GetSHA())
			if err != nil {
				return nil, err
			}

			if !ready {
				continue
			}
		}

		prJSON, err := json.Marshal(ghPR)
		if err != nil {
			return nil, fmt.Errorf("marshaling pull request %d failed: %w", ghPR.GetNumber(), err)
		}

		result = append(result, &PullRequest{
			Number:     ghPR.GetNumber(),
			SourceRef:  gitref.BranchRefPrefix + head.GetRef(),
			TargetRef:  gitref.BranchRefPrefix + ghPR.GetBase().GetRef(),
			HeadCommit: head.GetSHA(),
			Title:      ghPR.GetTitle(),
			JSON:       prJSON,
		})
	}

	return result, nil
}

func (s *GithubSource) isReady(ctx context.Context, prNumber int, headSHA string) (bool, error) {
	logger := s.logger.With(logfields.PullRequest(prNumber))

	readiness, err := s.clt.PublishReadiness(ctx, s.owner, s.repo, prNumber)
	if err != nil {
		return false, fmt.Errorf("retrieving publish readiness of pull request %d failed: %w", prNumber, err)
	}

	if readiness.HeadCommit != headSHA {
		logger.Debug(
			"pull request changed while retrieving its status, ignoring it",
			logfields.Event("prsource_status_outdated"),
			logfields.Commit(headSHA),
			zap.String("status_commit", readiness.HeadCommit),
		)
		return false, nil
	}

	if !readiness.Publishable() {
		logger.Debug(
			"pull request is not ready to be published",
			logfields.Event("prsource_pull_request_not_ready"),
			zap.String("reason", readiness.Reason()),
			zap.String("github.check_state", string(readiness.Checks)),
		)
		return false, nil
	}

	return true, nil
}
