package prsource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/simplesurance/gitpublisher/internal/logfields"
	"github.com/simplesurance/gitpublisher/internal/publisherr"
)

const defRESTTimeout = time.Minute

// maxErrorBodyLen limits how much of an error response body is included in
// errors.
const maxErrorBodyLen = 512

// RESTSource retrieves active pull requests via a HTTP GET request.
// The response is a JSON array of pull request objects or an object
// containing the array in the field "value". Pull request objects have the
// fields pullRequestId, sourceRefName, targetRefName, title and
// lastMergeSourceCommit.commitId.
type RESTSource struct {
	url         string
	accessToken string
	clt         *http.Client
	logger      *zap.Logger
}

type RESTSourceOption func(*RESTSource)

// WithHTTPClient sets the http client that is used for requests.
func WithHTTPClient(clt *http.Client) RESTSourceOption {
	return func(s *RESTSource) {
		s.clt = clt
	}
}

// NewRESTSource returns a source that queries url.
// When accessToken is not empty, requests are authenticated with a basic
// auth header containing the token as password.
func NewRESTSource(url, accessToken string, opts ...RESTSourceOption) *RESTSource {
	s := RESTSource{
		url:         url,
		accessToken: accessToken,
		clt:         &http.Client{Timeout: defRESTTimeout},
		logger:      zap.L().Named(loggerName).Named("rest"),
	}

	for _, o := range opts {
		o(&s)
	}

	return &s
}

func (s *RESTSource) String() string {
	return "rest: " + s.url
}

type restCommit struct {
	CommitID string `json:"commitId"`
}

type restPullRequest struct {
	PullRequestID         int         `json:"pullRequestId"`
	SourceRefName         string      `json:"sourceRefName"`
	TargetRefName         string      `json:"targetRefName"`
	Title                 string      `json:"title"`
	LastMergeSourceCommit *restCommit `json:"lastMergeSourceCommit"`
}

type restListResponse struct {
	Value []json.RawMessage `json:"value"`
}

// ErrorHTTPRequest is returned when the server responded with a non 2xx
// status code.
type ErrorHTTPRequest struct {
	Status int
	Body   []byte
}

func (e *ErrorHTTPRequest) Error() string {
	body := e.Body
	if len(body) > maxErrorBodyLen {
		body = body[:maxErrorBodyLen]
	}

	return fmt.Sprintf("server returned status code %d, body: %q", e.Status, body)
}

func (s *RESTSource) List(ctx context.Context) ([]*PullRequest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "application/json")
	if s.accessToken != "" {
		req.SetBasicAuth("", s.accessToken)
	}

	resp, err := s.clt.Do(req)
	if err != nil {
		return nil, publisherr.NewRetryableAnytimeError(fmt.Errorf("sending request to %s failed: %w", s.url, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, publisherr.NewRetryableAnytimeError(fmt.Errorf("reading response body failed: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := &ErrorHTTPRequest{Status: resp.StatusCode, Body: body}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, publisherr.NewRetryableAnytimeError(err)
		}

		return nil, err
	}

	objs, err := splitResponse(body)
	if err != nil {
		return nil, err
	}

	result := make([]*PullRequest, 0, len(objs))
	for _, obj := range objs {
		var pr restPullRequest

		if err := json.Unmarshal(obj, &pr); err != nil {
			return nil, fmt.Errorf("unmarshaling pull request failed: %w", err)
		}

		if pr.SourceRefName == "" || pr.TargetRefName == "" {
			s.logger.Warn(
				"ignoring pull request with empty source or target reference",
				logfields.Event("prsource_invalid_pull_request"),
				logfields.PullRequest(pr.PullRequestID),
			)
			continue
		}

		result = append(result, &PullRequest{
			Number:     pr.PullRequestID,
			SourceRef:  pr.SourceRefName,
			TargetRef:  pr.TargetRefName,
			HeadCommit: pr.LastMergeSourceCommit.commitID(),
			Title:      pr.Title,
			JSON:       obj,
		})
	}

	s.logger.Debug(
		"retrieved pull requests",
		logfields.Event("prsource_listed"),
		zap.Int("count", len(result)),
	)

	return result, nil
}

func (c *restCommit) commitID() string {
	if c == nil {
		return ""
	}

	return c.CommitID
}

func splitResponse(body []byte) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)

	if len(body) > 0 && body[0] == '[' {
		var result []json.RawMessage
		if err := json.Unmarshal(body, &result); err != nil {
			return nil, fmt.Errorf("unmarshaling response failed: %w", err)
		}

		return result, nil
	}

	var resp restListResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshaling response failed: %w", err)
	}

	return resp.Value, nil
}
