// Package githubclt provides a github API client.
package githubclt

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v43/github"
	"github.com/shurcooL/githubv4"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/simplesurance/gitpublisher/internal/logfields"
	"github.com/simplesurance/gitpublisher/internal/publisherr"
)

const DefaultHTTPClientTimeout = time.Minute

const loggerName = "github_client"

const listPerPage = 100

// New returns a new github api client.
// If baseURL is not empty, it is used as the API endpoint of a GitHub
// Enterprise Server.
func New(baseURL, oauthAPItoken string) (*Client, error) {
	httpClient := newHTTPClient(oauthAPItoken)

	if baseURL == "" {
		return &Client{
			restClt:    github.NewClient(httpClient),
			graphQLClt: githubv4.NewClient(httpClient),
			logger:     zap.L().Named(loggerName),
		}, nil
	}

	restClt, err := github.NewEnterpriseClient(baseURL, baseURL, httpClient)
	if err != nil {
		return nil, fmt.Errorf("creating github enterprise client failed: %w", err)
	}

	return &Client{
		restClt:    restClt,
		graphQLClt: githubv4.NewEnterpriseClient(strings.TrimSuffix(baseURL, "/")+"/graphql", httpClient),
		logger:     zap.L().Named(loggerName),
	}, nil
}

func newHTTPClient(apiToken string) *http.Client {
	if apiToken == "" {
		return &http.Client{
			Timeout: DefaultHTTPClientTimeout,
		}
	}

	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: apiToken},
	)

	tc := oauth2.NewClient(context.Background(), ts)
	tc.Timeout = DefaultHTTPClientTimeout

	return tc
}

// Client is an github API client.
// All methods return a publisherr.RetryableError when an operation can be
// retried, e.g. when the API ratelimit is exceeded.
type Client struct {
	restClt    *github.Client
	graphQLClt *githubv4.Client
	logger     *zap.Logger
}

type PRIterator interface {
	Next() (*github.PullRequest, error)
}

// PRIter iterates over the pages of a pull request listing.
type PRIter struct {
	clt *Client

	ctx   context.Context
	owner string
	repo  string
	opts  github.PullRequestListOptions

	unseen []*github.PullRequest

	finished bool
}

// Next returns the next pull request.
// After the last pull request was returned, nil is returned.
func (it *PRIter) Next() (*github.PullRequest, error) {
	for len(it.unseen) == 0 {
		if it.finished {
			return nil, nil
		}

		prs, resp, err := it.clt.restClt.PullRequests.List(it.ctx, it.owner, it.repo, &it.opts)
		if err != nil {
			return nil, it.clt.wrapRetryableErrors(err)
		}

		if resp.NextPage == 0 || len(prs) == 0 {
			it.finished = true
		} else {
			it.opts.Page = resp.NextPage
		}

		it.unseen = prs
	}

	result := it.unseen[0]
	it.unseen = it.unseen[1:]

	return result, nil
}

// ListPullRequests returns an iterator over the open pull requests of a
// repository.
// If base is not empty, only pull requests with this base branch are
// returned.
// Pull requests are returned in the order they were created, oldest first.
func (clt *Client) ListPullRequests(ctx context.Context, owner, repo, base string) PRIterator { // interface is returned to make the method mockable
	return &PRIter{
		clt:   clt,
		ctx:   ctx,
		owner: owner,
		repo:  repo,
		opts: github.PullRequestListOptions{
			State:     "open",
			Base:      base,
			Sort:      "created",
			Direction: "asc",
			ListOptions: github.ListOptions{
				Page:    1,
				PerPage: listPerPage,
			},
		},
	}
}

func (clt *Client) wrapRetryableErrors(err error) error {
	switch v := err.(type) {
	case *github.RateLimitError:
		clt.logger.Info(
			"rate limit exceeded",
			logfields.Event("github_api_rate_limit_exceeded"),
			zap.Int("github_api_rate_limit", v.Rate.Limit),
			zap.Time("github_api_rate_limit_reset_time", v.Rate.Reset.Time),
		)

		return publisherr.NewRetryableError(err, v.Rate.Reset.Time)

	case *github.ErrorResponse:
		if v.Response.StatusCode >= 500 && v.Response.StatusCode < 600 {
			return publisherr.NewRetryableAnytimeError(err)
		}
	}

	return err
}

var graphQlHTTPStatusErrRe = regexp.MustCompile(`^non-200 OK status code: ([0-9]+) .*`)

func (clt *Client) wrapGraphQLRetryableErrors(err error) error {
	matches := graphQlHTTPStatusErrRe.FindStringSubmatch(err.Error())
	if len(matches) != 2 {
		return err
	}

	errcode, atoiErr := strconv.Atoi(matches[1])
	if atoiErr != nil {
		clt.logger.Info(
			"parsing http code from error string failed",
			zap.Error(atoiErr),
			zap.String("error_string", err.Error()),
			zap.String("http_errcode", matches[1]),
		)
		return err
	}

	if errcode >= 500 && errcode < 600 {
		return publisherr.NewRetryableAnytimeError(err)
	}

	return err
}
