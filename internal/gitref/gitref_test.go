package gitref

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const hash = "8ad9dec4298f6b8f020997373cf4fe22005f2c06"

func TestNormalize(t *testing.T) {
	testcases := []struct {
		in     string
		name   string
		pinned bool
	}{
		{in: "refs/heads/feature/x", name: "feature/x"},
		{in: "feature/x", name: "feature/x"},
		{in: "master", name: "master"},
		{in: " refs/heads/master\n", name: "master"},
		{in: hash, name: hash, pinned: true},
		{in: "refs/heads/" + hash, name: hash, pinned: true},
		{in: hash[:39], name: hash[:39]},
		{in: "refs/tags/v1", name: "refs/tags/v1"},
	}

	for _, tc := range testcases {
		t.Run(tc.in, func(t *testing.T) {
			ref := Normalize(tc.in)
			assert.Equal(t, tc.name, ref.Name)
			assert.Equal(t, tc.pinned, ref.Pinned)
		})
	}
}

func TestIsCommitHash(t *testing.T) {
	assert.True(t, IsCommitHash(hash))
	assert.False(t, IsCommitHash(hash+"0"))
	assert.False(t, IsCommitHash("zad9dec4298f6b8f020997373cf4fe22005f2c06"))
}

func TestFullRef(t *testing.T) {
	assert.Equal(t, "refs/heads/main", Normalize("main").FullRef())
	assert.Equal(t, hash, Normalize(hash).FullRef())
}

func TestEqualFold(t *testing.T) {
	assert.True(t, EqualFold("refs/heads/Master", "master"))
	assert.False(t, EqualFold("main", "master"))
}
