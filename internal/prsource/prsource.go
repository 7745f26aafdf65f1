// Package prsource lists active pull requests of a hosting service and maps
// them to source and target branches that can be published.
package prsource

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/simplesurance/gitpublisher/internal/gitref"
	"github.com/simplesurance/gitpublisher/internal/logfields"
)

const loggerName = "prsource"

// Source lists active pull requests.
type Source interface {
	List(ctx context.Context) ([]*PullRequest, error)
	String() string
}

// PullRequest is an active pull request.
type PullRequest struct {
	Number int
	// SourceRef and TargetRef are fully qualified references, e.g.
	// refs/heads/master.
	SourceRef  string
	TargetRef  string
	HeadCommit string
	Title      string
	// JSON is the representation of the pull request as returned by the
	// hosting service, filter queries are evaluated against it.
	JSON json.RawMessage
}

// SourceBranch returns the normalized name of the source branch.
func (pr *PullRequest) SourceBranch() string {
	return gitref.BranchName(pr.SourceRef)
}

// TargetBranch returns the normalized name of the target branch.
func (pr *PullRequest) TargetBranch() string {
	return gitref.BranchName(pr.TargetRef)
}

func (pr *PullRequest) String() string {
	return fmt.Sprintf("#%d (%s -> %s)", pr.Number, pr.SourceBranch(), pr.TargetBranch())
}

func (pr *PullRequest) LogFields() []zap.Field {
	return []zap.Field{
		logfields.PullRequest(pr.Number),
		logfields.SourceRef(pr.SourceBranch()),
		logfields.TargetBranch(pr.TargetBranch()),
		logfields.Commit(pr.HeadCommit),
	}
}

// Filtered wraps a source and returns only pull requests matching a filter.
type Filtered struct {
	Source
	filter *Filter
	logger *zap.Logger
}

// NewFiltered returns a Source that returns the pull requests of src for
// that filter evaluates to true.
func NewFiltered(src Source, filter *Filter) *Filtered {
	return &Filtered{
		Source: src,
		filter: filter,
		logger: zap.L().Named(loggerName),
	}
}

func (f *Filtered) List(ctx context.Context) ([]*PullRequest, error) {
	prs, err := f.Source.List(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]*PullRequest, 0, len(prs))
	for _, pr := range prs {
		match, err := f.filter.Match(ctx, pr)
		if err != nil {
			f.logger.Warn(
				"evaluating filter query for pull request failed, ignoring pull request",
				append(pr.LogFields(),
					logfields.Event("prsource_filter_failed"),
					zap.Error(err),
				)...,
			)
			continue
		}

		if !match {
			f.logger.Debug(
				"pull request does not match filter query, ignoring it",
				append(pr.LogFields(), logfields.Event("prsource_filter_mismatch"))...,
			)
			continue
		}

		result = append(result, pr)
	}

	return result, nil
}
