package prsource

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterMatch(t *testing.T) {
	pr := PullRequest{
		Number: 1,
		JSON:   []byte(`{"pullRequestId": 1, "title": "add feature", "isDraft": false, "labels": [{"name": "autopublish"}]}`),
	}

	testcases := []struct {
		query       string
		expected    bool
		expectError bool
	}{
		{query: "", expected: true},
		{query: `.isDraft == false`, expected: true},
		{query: `.labels | any(.name == "autopublish")`, expected: true},
		{query: `.title | startswith("WIP")`, expected: false},
		{query: `.labels[] | .name == "autopublish"`, expected: true},
		{query: `.labels[]`, expectError: true},
		{query: `.title`, expectError: true},
		{query: `empty`, expectError: true},
		{query: `.title, .title`, expectError: true},
		{query: `error("x")`, expectError: true},
	}

	for _, tc := range testcases {
		t.Run(tc.query, func(t *testing.T) {
			f, err := NewFilter(tc.query)
			require.NoError(t, err)

			match, err := f.Match(context.Background(), &pr)
			if tc.expectError {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.expected, match)
		})
	}
}

func TestFilterInvalidQuery(t *testing.T) {
	_, err := NewFilter(".title ==")
	assert.Error(t, err)
}

func TestFilterEmptyJSON(t *testing.T) {
	f, err := NewFilter("true")
	require.NoError(t, err)

	_, err = f.Match(context.Background(), &PullRequest{})
	assert.Error(t, err)
}
