package history

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/simplesurance/gitpublisher/internal/gitcmd/gitcmdtest"
	"github.com/simplesurance/gitpublisher/internal/topology"
)

type testRepo struct {
	t    *testing.T
	dir  string
	repo *git.Repository
	wt   *git.Worktree
	now  time.Time
}

func newTestRepo(t *testing.T) *testRepo {
	dir := t.TempDir()

	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	wt, err := repo.Worktree()
	require.NoError(t, err)

	return &testRepo{
		t:    t,
		dir:  dir,
		repo: repo,
		wt:   wt,
		now:  time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (r *testRepo) commit(msg string, parents ...plumbing.Hash) plumbing.Hash {
	r.t.Helper()

	require.NoError(r.t, os.WriteFile(filepath.Join(r.dir, "file"), []byte(msg), 0o644))

	_, err := r.wt.Add("file")
	require.NoError(r.t, err)

	r.now = r.now.Add(time.Minute)
	sig := object.Signature{Name: "Test Committer", Email: "committer@example.com", When: r.now}

	h, err := r.wt.Commit(msg, &git.CommitOptions{
		Author:    &sig,
		Committer: &sig,
		Parents:   parents,
	})
	require.NoError(r.t, err)

	return h
}

func records(hashes ...[]plumbing.Hash) []topology.ParentRecord {
	result := make([]topology.ParentRecord, 0, len(hashes))
	for _, hs := range hashes {
		rec := make(topology.ParentRecord, 0, len(hs))
		for _, h := range hs {
			rec = append(rec, h.String())
		}
		result = append(result, rec)
	}

	return result
}

func TestLinearRange(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := newTestRepo(t)
	t0 := r.commit("t0")
	t1 := r.commit("t1", t0)
	c1 := r.commit("c1", t1)
	c2 := r.commit("c2", c1)
	c3 := r.commit("c3", c2)

	recs, err := NewReader(r.repo).ParentRecords(t1.String(), c3.String())
	require.NoError(t, err)

	assert.Equal(t, records(
		[]plumbing.Hash{c3, c2},
		[]plumbing.Hash{c2, c1},
		[]plumbing.Hash{c1, t1},
	), recs)
	assert.True(t, topology.IsValid(recs))
}

func TestRangeWithMerge(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := newTestRepo(t)
	t0 := r.commit("t0")
	a := r.commit("a", t0)
	c := r.commit("c", a)
	m := r.commit("m", a, c)
	d := r.commit("d", m)

	recs, err := NewReader(r.repo).ParentRecords(t0.String(), d.String())
	require.NoError(t, err)

	assert.Equal(t, records(
		[]plumbing.Hash{d, m},
		[]plumbing.Hash{m, a, c},
		[]plumbing.Hash{c, a},
		[]plumbing.Hash{a, t0},
	), recs)
	assert.True(t, topology.IsValid(recs))
}

func TestEmptyRange(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := newTestRepo(t)
	t0 := r.commit("t0")
	t1 := r.commit("t1", t0)

	recs, err := NewReader(r.repo).ParentRecords(t1.String(), t0.String())
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.False(t, topology.IsValid(recs))
}

func TestResolveBranchNames(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := newTestRepo(t)
	t0 := r.commit("t0")

	require.NoError(t, r.repo.Storer.SetReference(
		plumbing.NewHashReference(plumbing.NewBranchReferenceName("feature"), t0),
	))

	reader := NewReader(r.repo)

	for _, rev := range []string{"feature", "refs/heads/feature", t0.String()} {
		h, err := reader.Resolve(rev)
		require.NoError(t, err, rev)
		assert.Equal(t, t0, h, rev)
	}

	_, err := reader.Resolve("missing")
	assert.Error(t, err)
}

func TestOrderMatchesGitRevList(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))
	gitcmdtest.RequireGit(t)

	r := newTestRepo(t)
	t0 := r.commit("t0")
	a := r.commit("a", t0)
	b := r.commit("b", a)
	c := r.commit("c", b)
	m := r.commit("m", a, c)
	d := r.commit("d", m)

	out := gitcmdtest.Git(t, r.dir, "rev-list", "--parents", "--topo-order", t0.String()+".."+d.String())
	expected, err := topology.ParseRevList(strings.NewReader(out))
	require.NoError(t, err)

	reader, err := Open(r.dir)
	require.NoError(t, err)

	recs, err := reader.ParentRecords(t0.String(), d.String())
	require.NoError(t, err)

	assert.Equal(t, expected, recs)
}
