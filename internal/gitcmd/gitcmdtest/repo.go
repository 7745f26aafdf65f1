package gitcmdtest

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// RequireGit skips the test when no git executable is available.
func RequireGit(t testing.TB) {
	t.Helper()

	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git executable not found")
	}
}

// Git runs git in dir and returns its trimmed output, it fails the test on
// errors.
func Git(t testing.TB, dir string, args ...string) string {
	t.Helper()

	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=Test Author",
		"GIT_AUTHOR_EMAIL=author@example.com",
		"GIT_COMMITTER_NAME=Test Committer",
		"GIT_COMMITTER_EMAIL=committer@example.com",
		"GIT_CONFIG_NOSYSTEM=1",
		"HOME="+dir,
	)

	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s failed: %s\n%s", strings.Join(args, " "), err, out)
	}

	return strings.TrimSpace(string(out))
}

// InitRepo creates a repository with one commit on the branch master in a
// new temporary directory.
func InitRepo(t testing.TB) string {
	t.Helper()

	dir := t.TempDir()
	Git(t, dir, "init", "-q", "-b", "master")
	Git(t, dir, "config", "user.name", "Test Committer")
	Git(t, dir, "config", "user.email", "committer@example.com")
	Git(t, dir, "config", "commit.gpgsign", "false")
	Commit(t, dir, "README", "initial commit")

	return dir
}

// InitBareRemote creates a bare repository and pushes the master branch of
// the repository in srcDir to it. The bare repository is configured as
// remote "origin" of srcDir.
func InitBareRemote(t testing.TB, srcDir string) string {
	t.Helper()

	dir := t.TempDir()
	Git(t, dir, "init", "-q", "--bare", "-b", "master")
	Git(t, srcDir, "remote", "add", "origin", dir)
	Git(t, srcDir, "push", "-q", "origin", "master")

	return dir
}

// Clone clones the repository at url into a new temporary directory.
func Clone(t testing.TB, url string) string {
	t.Helper()

	dir := t.TempDir()
	Git(t, dir, "clone", "-q", url, ".")
	Git(t, dir, "config", "user.name", "Test Committer")
	Git(t, dir, "config", "user.email", "committer@example.com")
	Git(t, dir, "config", "commit.gpgsign", "false")

	return dir
}

// Commit writes a new line to file and commits it with subject msg.
// It returns the commit id.
func Commit(t testing.TB, dir, file, msg string) string {
	t.Helper()

	path := filepath.Join(dir, file)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("opening %s failed: %s", path, err)
	}

	if _, err := f.WriteString(msg + "\n"); err != nil {
		_ = f.Close()
		t.Fatalf("writing %s failed: %s", path, err)
	}

	if err := f.Close(); err != nil {
		t.Fatalf("closing %s failed: %s", path, err)
	}

	Git(t, dir, "add", file)
	Git(t, dir, "commit", "-q", "-m", msg)

	return Git(t, dir, "rev-parse", "HEAD")
}
