package githubclt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-github/v43/github"
	"github.com/shurcooL/githubv4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/simplesurance/gitpublisher/internal/publisherr"
)

func TestWrapRetryableErrorsGraphql(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(503)
	}))

	t.Cleanup(srv.Close)

	clt := Client{
		logger:     zap.L(),
		graphQLClt: githubv4.NewEnterpriseClient(srv.URL, srv.Client()),
	}

	s, err := clt.PublishReadiness(context.Background(), "test", "test", 123)
	require.Error(t, err)
	assert.Nil(t, s)

	var retryableErr *publisherr.RetryableError
	assert.ErrorAs(t, err, &retryableErr)
}

func TestWrapRetryableErrorsGraphqlWithNonStatusErr(t *testing.T) {
	err := errors.New("error")
	wrappedErr := (&Client{}).wrapGraphQLRetryableErrors(err)
	assert.Equal(t, err, wrappedErr)
}

func TestListPullRequestsPaginates(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/repos/org/repo/pulls", r.URL.Path)
		assert.Equal(t, "open", r.URL.Query().Get("state"))
		assert.Equal(t, "master", r.URL.Query().Get("base"))

		var prs []*github.PullRequest

		switch r.URL.Query().Get("page") {
		case "1":
			prs = []*github.PullRequest{{Number: github.Int(1)}, {Number: github.Int(2)}}
			w.Header().Set("Link", fmt.Sprintf(`<%s/api/v3/repos/org/repo/pulls?page=2>; rel="next"`, srvURL))
		case "2":
			prs = []*github.PullRequest{{Number: github.Int(3)}}
		default:
			t.Errorf("unexpected page requested: %q", r.URL.Query().Get("page"))
		}

		assert.NoError(t, json.NewEncoder(w).Encode(prs))
	}))
	t.Cleanup(srv.Close)
	srvURL = srv.URL

	clt, err := New(srv.URL+"/api/v3/", "")
	require.NoError(t, err)

	it := clt.ListPullRequests(context.Background(), "org", "repo", "master")

	var numbers []int
	for {
		pr, err := it.Next()
		require.NoError(t, err)

		if pr == nil {
			break
		}

		numbers = append(numbers, pr.GetNumber())
	}

	assert.Equal(t, []int{1, 2, 3}, numbers)
}

func TestListPullRequestsServerErrorIsRetryable(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	clt, err := New(srv.URL+"/api/v3/", "")
	require.NoError(t, err)

	_, err = clt.ListPullRequests(context.Background(), "org", "repo", "").Next()
	require.Error(t, err)

	var retryableErr *publisherr.RetryableError
	assert.ErrorAs(t, err, &retryableErr)
}
