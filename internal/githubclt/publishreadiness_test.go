package githubclt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shurcooL/githubv4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func TestEvaluateChecks(t *testing.T) {
	testcases := []struct {
		name             string
		rollup           githubv4.StatusState
		required         []string
		reports          []checkReport
		expectedState    CheckState
		expectedBlocking []string
	}{
		{
			name:     "all required passed",
			rollup:   githubv4.StatusStateSuccess,
			required: []string{"build", "test"},
			reports: []checkReport{
				{name: "test", state: ChecksPassed},
				{name: "build", state: ChecksPassed},
			},
			expectedState: ChecksPassed,
		},
		{
			name:     "failed optional check is ignored",
			rollup:   githubv4.StatusStateFailure,
			required: []string{"build"},
			reports: []checkReport{
				{name: "build", state: ChecksPassed},
				{name: "coverage", state: ChecksFailed},
			},
			expectedState: ChecksPassed,
		},
		{
			name:     "failed required check blocks",
			rollup:   githubv4.StatusStateFailure,
			required: []string{"build", "test"},
			reports: []checkReport{
				{name: "test", state: ChecksFailed},
				{name: "build", state: ChecksFailed},
				{name: "coverage", state: ChecksFailed},
			},
			expectedState:    ChecksFailed,
			expectedBlocking: []string{"build", "test"},
		},
		{
			name:     "failure wins over running checks",
			rollup:   githubv4.StatusStatePending,
			required: []string{"build"},
			reports: []checkReport{
				{name: "build", state: ChecksFailed},
				{name: "lint", state: ChecksRunning},
			},
			expectedState:    ChecksFailed,
			expectedBlocking: []string{"build"},
		},
		{
			name:     "running optional check blocks",
			rollup:   githubv4.StatusStateSuccess,
			required: []string{"build"},
			reports: []checkReport{
				{name: "build", state: ChecksPassed},
				{name: "lint", state: ChecksRunning},
			},
			expectedState:    ChecksRunning,
			expectedBlocking: []string{"lint"},
		},
		{
			name:     "required check without result is running",
			rollup:   githubv4.StatusStateSuccess,
			required: []string{"build", "e2e"},
			reports: []checkReport{
				{name: "build", state: ChecksPassed},
			},
			expectedState:    ChecksRunning,
			expectedBlocking: []string{"e2e"},
		},
		{
			name:          "pending rollup without reports is running",
			rollup:        githubv4.StatusStatePending,
			expectedState: ChecksRunning,
		},
		{
			name:   "latest report of a check counts",
			rollup: githubv4.StatusStateSuccess,
			reports: []checkReport{
				{name: "build", state: ChecksFailed},
				{name: "build", state: ChecksPassed},
			},
			expectedState: ChecksPassed,
		},
		{
			name:          "no checks configured",
			expectedState: ChecksPassed,
		},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			state, blocking := evaluateChecks(tc.rollup, tc.required, tc.reports)
			assert.Equal(t, tc.expectedState, state)
			assert.Equal(t, tc.expectedBlocking, blocking)
		})
	}
}

func TestReadinessPublishable(t *testing.T) {
	testcases := []struct {
		name        string
		readiness   Readiness
		publishable bool
		reason      string
	}{
		{
			name:        "approved and passed",
			readiness:   Readiness{ReviewDecision: "APPROVED", Checks: ChecksPassed},
			publishable: true,
		},
		{
			name:      "changes requested",
			readiness: Readiness{ReviewDecision: "CHANGES_REQUESTED", Checks: ChecksPassed},
			reason:    "review decision is changes_requested",
		},
		{
			name:      "no review decision",
			readiness: Readiness{Checks: ChecksPassed},
			reason:    "review decision is none",
		},
		{
			name:      "approved with failed check",
			readiness: Readiness{ReviewDecision: "APPROVED", Checks: ChecksFailed, Blocking: []string{"build"}},
			reason:    "required checks failed: build",
		},
		{
			name:      "review required and checks running",
			readiness: Readiness{ReviewDecision: "REVIEW_REQUIRED", Checks: ChecksRunning, Blocking: []string{"e2e", "lint"}},
			reason:    "review decision is review_required; waiting for checks: e2e, lint",
		},
		{
			name:      "approved with pending rollup",
			readiness: Readiness{ReviewDecision: "APPROVED", Checks: ChecksRunning},
			reason:    "checks are running",
		},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.publishable, tc.readiness.Publishable())
			assert.Equal(t, tc.reason, tc.readiness.Reason())
		})
	}
}

func TestCheckRunState(t *testing.T) {
	state, err := checkRunState(githubv4.CheckStatusStateInProgress, "")
	require.NoError(t, err)
	assert.Equal(t, ChecksRunning, state)

	state, err = checkRunState(githubv4.CheckStatusStateCompleted, checkRunStartupFailure)
	require.NoError(t, err)
	assert.Equal(t, ChecksFailed, state)

	state, err = checkRunState(githubv4.CheckStatusStateCompleted, githubv4.CheckConclusionStateSkipped)
	require.NoError(t, err)
	assert.Equal(t, ChecksPassed, state)

	_, err = checkRunState("EXPLODED", "")
	assert.Error(t, err)

	_, err = checkRunState(githubv4.CheckStatusStateCompleted, "EXPLODED")
	assert.Error(t, err)
}

func graphQLCheckPage(headCommit, cursor string, hasNext bool, nodes string) string {
	return fmt.Sprintf(`{"data":{"repository":{"pullRequest":{
		"reviewDecision":"APPROVED",
		"baseRef":{"branchProtectionRule":{"requiredStatusCheckContexts":["build","ci/jenkins"]}},
		"commits":{"nodes":[{"commit":{
			"oid":%q,
			"statusCheckRollup":{"state":"FAILURE","contexts":{
				"pageInfo":{"endCursor":%q,"hasNextPage":%t},
				"nodes":[%s]
			}}
		}}]}
	}}}}`, headCommit, cursor, hasNext, nodes)
}

func TestPublishReadinessFetchesAllPages(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Variables map[string]any `json:"variables"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		requests++

		w.Header().Set("Content-Type", "application/json")

		switch req.Variables["contextsAfter"] {
		case nil:
			fmt.Fprint(w, graphQLCheckPage("abc", "page2", true,
				`{"name":"build","status":"COMPLETED","conclusion":"SUCCESS"},
				 {"name":"coverage","status":"COMPLETED","conclusion":"FAILURE"}`,
			))
		case "page2":
			fmt.Fprint(w, graphQLCheckPage("abc", "", false,
				`{"context":"ci/jenkins","state":"SUCCESS"}`,
			))
		default:
			t.Errorf("unexpected cursor: %v", req.Variables["contextsAfter"])
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	t.Cleanup(srv.Close)

	clt := Client{
		logger:     zap.L(),
		graphQLClt: githubv4.NewEnterpriseClient(srv.URL, srv.Client()),
	}

	readiness, err := clt.PublishReadiness(context.Background(), "org", "repo", 7)
	require.NoError(t, err)

	assert.Equal(t, 2, requests)
	assert.Equal(t, "abc", readiness.HeadCommit)
	assert.Equal(t, ChecksPassed, readiness.Checks)
	assert.Empty(t, readiness.Blocking)
	assert.True(t, readiness.Publishable())
}

func TestPublishReadinessRestartsOnNewHeadCommit(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Header().Set("Content-Type", "application/json")

		switch requests {
		case 1:
			fmt.Fprint(w, graphQLCheckPage("old", "page2", true,
				`{"name":"build","status":"COMPLETED","conclusion":"FAILURE"}`,
			))
		case 2:
			// a new commit was pushed, the cursor of the old one is
			// meaningless
			fmt.Fprint(w, graphQLCheckPage("new", "page2", true, ``))
		default:
			fmt.Fprint(w, graphQLCheckPage("new", "", false,
				`{"name":"build","status":"IN_PROGRESS"}`,
			))
		}
	}))
	t.Cleanup(srv.Close)

	clt := Client{
		logger:     zap.L(),
		graphQLClt: githubv4.NewEnterpriseClient(srv.URL, srv.Client()),
	}

	readiness, err := clt.PublishReadiness(context.Background(), "org", "repo", 7)
	require.NoError(t, err)

	assert.Equal(t, 3, requests)
	assert.Equal(t, "new", readiness.HeadCommit)
	assert.Equal(t, ChecksRunning, readiness.Checks)
	assert.Equal(t, []string{"build", "ci/jenkins"}, readiness.Blocking)
	assert.False(t, readiness.Publishable())
}
