package prsource

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/simplesurance/gitpublisher/internal/publisherr"
)

const restListResponseBody = `{
  "value": [
    {
      "pullRequestId": 12,
      "title": "add retries",
      "sourceRefName": "refs/heads/feature/retries",
      "targetRefName": "refs/heads/master",
      "lastMergeSourceCommit": {"commitId": "1111111111111111111111111111111111111111"}
    },
    {
      "pullRequestId": 13,
      "title": "broken",
      "sourceRefName": "",
      "targetRefName": "refs/heads/master"
    },
    {
      "pullRequestId": 14,
      "title": "release",
      "sourceRefName": "refs/heads/release",
      "targetRefName": "refs/heads/stable"
    }
  ],
  "count": 3
}`

func TestRESTSourceList(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pw, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Empty(t, user)
		assert.Equal(t, "tok3n", pw)
		assert.Equal(t, http.MethodGet, r.Method)

		_, _ = w.Write([]byte(restListResponseBody))
	}))
	t.Cleanup(srv.Close)

	src := NewRESTSource(srv.URL+"/pullrequests?status=active", "tok3n", WithHTTPClient(srv.Client()))

	prs, err := src.List(context.Background())
	require.NoError(t, err)
	require.Len(t, prs, 2)

	assert.Equal(t, 12, prs[0].Number)
	assert.Equal(t, "feature/retries", prs[0].SourceBranch())
	assert.Equal(t, "master", prs[0].TargetBranch())
	assert.Equal(t, "1111111111111111111111111111111111111111", prs[0].HeadCommit)
	assert.Contains(t, string(prs[0].JSON), `"pullRequestId": 12`)

	assert.Equal(t, 14, prs[1].Number)
	assert.Equal(t, "release", prs[1].SourceBranch())
	assert.Equal(t, "stable", prs[1].TargetBranch())
	assert.Empty(t, prs[1].HeadCommit)
}

func TestRESTSourceListArrayResponse(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, ok := r.Header["Authorization"]
		assert.False(t, ok)

		_, _ = w.Write([]byte(`[{"pullRequestId": 1, "sourceRefName": "refs/heads/a", "targetRefName": "refs/heads/master"}]`))
	}))
	t.Cleanup(srv.Close)

	prs, err := NewRESTSource(srv.URL, "").List(context.Background())
	require.NoError(t, err)
	require.Len(t, prs, 1)
	assert.Equal(t, "a", prs[0].SourceBranch())
}

func TestRESTSourceErrors(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	testcases := []struct {
		name              string
		status            int
		body              string
		expectRetryable   bool
		expectHTTPErrCode int
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, body: "denied", expectHTTPErrCode: http.StatusUnauthorized},
		{name: "unavailable", status: http.StatusServiceUnavailable, expectRetryable: true, expectHTTPErrCode: http.StatusServiceUnavailable},
		{name: "ratelimited", status: http.StatusTooManyRequests, expectRetryable: true, expectHTTPErrCode: http.StatusTooManyRequests},
		{name: "invalid json", status: http.StatusOK, body: "{"},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			t.Cleanup(srv.Close)

			_, err := NewRESTSource(srv.URL, "").List(context.Background())
			require.Error(t, err)

			var retryableErr *publisherr.RetryableError
			assert.Equal(t, tc.expectRetryable, errors.As(err, &retryableErr))

			if tc.expectHTTPErrCode != 0 {
				var httpErr *ErrorHTTPRequest
				require.ErrorAs(t, err, &httpErr)
				assert.Equal(t, tc.expectHTTPErrCode, httpErr.Status)
			}
		})
	}
}
