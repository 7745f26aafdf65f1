package githubclt

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shurcooL/githubv4"
)

// CheckState is the combined result of the CI checks reported for a commit.
type CheckState string

const (
	ChecksPassed  CheckState = "passed"
	ChecksRunning CheckState = "running"
	ChecksFailed  CheckState = "failed"
)

// values the githubv4 enums of the used version do not know
const (
	checkRunPending        githubv4.CheckStatusState     = "PENDING"
	checkRunWaiting        githubv4.CheckStatusState     = "WAITING"
	checkRunStartupFailure githubv4.CheckConclusionState = "STARTUP_FAILURE"
)

const contextsPerPage = 100

// Readiness tells if the head commit of a pull request may be published.
type Readiness struct {
	HeadCommit string
	// ReviewDecision is the raw GitHub review decision, it is empty when
	// the repository requires no reviews.
	ReviewDecision string
	Checks         CheckState
	// Blocking contains the sorted names of the checks that caused Checks
	// to be ChecksFailed or ChecksRunning.
	Blocking []string
}

// Approved returns true if the pull request has an approving review.
func (r *Readiness) Approved() bool {
	return r.ReviewDecision == string(githubv4.PullRequestReviewDecisionApproved)
}

// Publishable returns true if the pull request is approved and none of its
// checks fails or is still running.
func (r *Readiness) Publishable() bool {
	return r.Approved() && r.Checks == ChecksPassed
}

// Reason describes why the pull request is not publishable.
// It returns an empty string for publishable pull requests.
func (r *Readiness) Reason() string {
	var reasons []string

	if !r.Approved() {
		decision := r.ReviewDecision
		if decision == "" {
			decision = "none"
		}
		reasons = append(reasons, "review decision is "+strings.ToLower(decision))
	}

	switch r.Checks {
	case ChecksPassed:
	case ChecksRunning:
		if len(r.Blocking) == 0 {
			reasons = append(reasons, "checks are running")
		} else {
			reasons = append(reasons, "waiting for checks: "+strings.Join(r.Blocking, ", "))
		}
	default:
		reasons = append(reasons, "required checks failed: "+strings.Join(r.Blocking, ", "))
	}

	return strings.Join(reasons, "; ")
}

// PublishReadiness fetches the review decision and the [status check rollup]
// of the newest commit of a pull request.
//
// Failed checks only block publishing if the branch protection of the base
// branch requires them. Running checks always block it, the same as required
// checks that have not reported a result yet.
//
// [status check rollup]: https://docs.github.com/en/graphql/reference/objects#statuscheckrollup
func (clt *Client) PublishReadiness(ctx context.Context, owner, repo string, prNumber int) (*Readiness, error) {
	snap, err := clt.fetchCheckSnapshot(ctx, owner, repo, prNumber)
	if err != nil {
		return nil, clt.wrapGraphQLRetryableErrors(err)
	}

	state, blocking := evaluateChecks(snap.rollupState, snap.required, snap.reports)

	return &Readiness{
		HeadCommit:     snap.headCommit,
		ReviewDecision: string(snap.reviewDecision),
		Checks:         state,
		Blocking:       blocking,
	}, nil
}

// checkReport is the classified result of a single check run or commit
// status.
type checkReport struct {
	name  string
	state CheckState
}

// evaluateChecks combines the check results of a commit into one state.
// When a name is reported multiple times, the last report counts.
func evaluateChecks(rollupState githubv4.StatusState, required []string, reports []checkReport) (CheckState, []string) {
	latest := make(map[string]CheckState, len(reports)+len(required))
	for _, name := range required {
		latest[name] = ChecksRunning
	}
	for _, r := range reports {
		latest[r.name] = r.state
	}

	isRequired := make(map[string]struct{}, len(required))
	for _, name := range required {
		isRequired[name] = struct{}{}
	}

	var failed, running []string
	for name, state := range latest {
		switch state {
		case ChecksFailed:
			if _, ok := isRequired[name]; ok {
				failed = append(failed, name)
			}
		case ChecksRunning:
			running = append(running, name)
		}
	}

	if len(failed) > 0 {
		sort.Strings(failed)
		return ChecksFailed, failed
	}

	if len(running) > 0 {
		sort.Strings(running)
		return ChecksRunning, running
	}

	if rollupState == githubv4.StatusStatePending || rollupState == githubv4.StatusStateExpected {
		return ChecksRunning, nil
	}

	return ChecksPassed, nil
}

func checkRunState(status githubv4.CheckStatusState, conclusion githubv4.CheckConclusionState) (CheckState, error) {
	if status != githubv4.CheckStatusStateCompleted {
		switch status {
		case githubv4.CheckStatusStateQueued,
			githubv4.CheckStatusStateInProgress,
			githubv4.CheckStatusStateRequested,
			checkRunPending,
			checkRunWaiting:
			return ChecksRunning, nil
		}

		return "", fmt.Errorf("unknown check run status %q", status)
	}

	switch conclusion {
	case githubv4.CheckConclusionStateSuccess,
		githubv4.CheckConclusionStateNeutral,
		githubv4.CheckConclusionStateSkipped:
		return ChecksPassed, nil

	case githubv4.CheckConclusionStateActionRequired:
		return ChecksRunning, nil

	case githubv4.CheckConclusionStateFailure,
		githubv4.CheckConclusionStateCancelled,
		githubv4.CheckConclusionStateTimedOut,
		githubv4.CheckConclusionStateStale,
		checkRunStartupFailure:
		return ChecksFailed, nil
	}

	return "", fmt.Errorf("unknown check run conclusion %q", conclusion)
}

func commitStatusState(state githubv4.StatusState) (CheckState, error) {
	switch state {
	case githubv4.StatusStateSuccess:
		return ChecksPassed, nil
	case githubv4.StatusStatePending, githubv4.StatusStateExpected:
		return ChecksRunning, nil
	case githubv4.StatusStateFailure, githubv4.StatusStateError:
		return ChecksFailed, nil
	}

	return "", fmt.Errorf("unknown commit status state %q", state)
}

type checkSnapshot struct {
	headCommit     string
	reviewDecision githubv4.PullRequestReviewDecision
	rollupState    githubv4.StatusState
	required       []string
	reports        []checkReport
}

type checkContextNode struct {
	CheckRun struct {
		Name       string
		Status     githubv4.CheckStatusState
		Conclusion githubv4.CheckConclusionState
	} `graphql:"... on CheckRun"`
	StatusContext struct {
		Context string
		State   githubv4.StatusState
	} `graphql:"... on StatusContext"`
}

func (n *checkContextNode) report() (checkReport, error) {
	switch {
	case n.CheckRun.Name != "" && n.StatusContext.Context != "":
		return checkReport{}, errors.New("check context is a check run and a commit status at the same time")

	case n.CheckRun.Name != "":
		state, err := checkRunState(n.CheckRun.Status, n.CheckRun.Conclusion)
		if err != nil {
			return checkReport{}, fmt.Errorf("check run %q: %w", n.CheckRun.Name, err)
		}
		return checkReport{name: n.CheckRun.Name, state: state}, nil

	default:
		state, err := commitStatusState(n.StatusContext.State)
		if err != nil {
			return checkReport{}, fmt.Errorf("commit status %q: %w", n.StatusContext.Context, err)
		}
		return checkReport{name: n.StatusContext.Context, state: state}, nil
	}
}

type checkSnapshotQuery struct {
	Repository struct {
		PullRequest struct {
			ReviewDecision githubv4.PullRequestReviewDecision
			BaseRef        struct {
				BranchProtectionRule struct {
					// contains the names of required check runs
					// and commit statuses
					RequiredStatusCheckContexts []string
				}
			}
			Commits struct {
				Nodes []struct {
					Commit struct {
						Oid               string
						StatusCheckRollup struct {
							State    githubv4.StatusState
							Contexts struct {
								PageInfo struct {
									EndCursor   string
									HasNextPage bool
								}
								Nodes []checkContextNode
							} `graphql:"contexts(first: $contextsFirst, after: $contextsAfter)"`
						}
					}
				}
			} `graphql:"commits(last: 1)"`
		} `graphql:"pullRequest(number: $number)"`
	} `graphql:"repository(owner: $owner, name: $name)"`
}

// fetchCheckSnapshot pages through all check contexts of the newest commit of
// the pull request. If a new commit is pushed while paging, it starts over
// with the new commit.
func (clt *Client) fetchCheckSnapshot(ctx context.Context, owner, repo string, prNumber int) (*checkSnapshot, error) {
	vars := map[string]any{
		"owner":         githubv4.String(owner),
		"name":          githubv4.String(repo),
		"number":        githubv4.Int(prNumber),
		"contextsFirst": githubv4.Int(contextsPerPage),
		"contextsAfter": (*githubv4.String)(nil),
	}

	var snap checkSnapshot

	for {
		var q checkSnapshotQuery
		if err := clt.graphQLClt.Query(ctx, &q, vars); err != nil {
			return nil, err
		}

		pr := &q.Repository.PullRequest
		if len(pr.Commits.Nodes) == 0 {
			return nil, fmt.Errorf("pull request %d has no commits", prNumber)
		}
		commit := &pr.Commits.Nodes[0].Commit

		if snap.headCommit != "" && snap.headCommit != commit.Oid {
			snap = checkSnapshot{}
			vars["contextsAfter"] = (*githubv4.String)(nil)
			continue
		}
		snap.headCommit = commit.Oid

		for i := range commit.StatusCheckRollup.Contexts.Nodes {
			r, err := commit.StatusCheckRollup.Contexts.Nodes[i].report()
			if err != nil {
				return nil, err
			}
			snap.reports = append(snap.reports, r)
		}

		pageInfo := commit.StatusCheckRollup.Contexts.PageInfo
		if !pageInfo.HasNextPage {
			snap.reviewDecision = pr.ReviewDecision
			snap.rollupState = commit.StatusCheckRollup.State
			snap.required = pr.BaseRef.BranchProtectionRule.RequiredStatusCheckContexts
			return &snap, nil
		}

		if pageInfo.EndCursor == "" {
			return nil, errors.New("check context page has a successor but no end cursor")
		}
		vars["contextsAfter"] = githubv4.String(pageInfo.EndCursor)
	}
}
