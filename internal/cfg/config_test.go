package cfg

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCfg = `
log_format = "json"

[git]
remote = "upstream"
target_branch = "develop"
access_token = "s3cret"

[mutex]
timeout = "30s"
lock_dir = "/var/lock/gitpublisher"

[lint]
forbidden_subjects = ["^tmp"]

[pull_requests]
provider = "github"
owner = "org"
repository = "repo"
access_token = "ghtoken"
filter_query = '.draft != true'
require_approval = true
poll_interval = "30s"

[poll]
http_listen_addr = ":8085"
push_on_success = true
`

func TestLoad(t *testing.T) {
	config, err := Load(strings.NewReader(testCfg))
	require.NoError(t, err)

	assert.Equal(t, "json", config.LogFormat)
	assert.Equal(t, DefLogTimeKey, config.LogTimeKey)
	assert.Equal(t, DefLogLevel, config.LogLevel)

	assert.Equal(t, "upstream", config.Git.Remote)
	assert.Equal(t, "develop", config.Git.TargetBranch)
	assert.Equal(t, DefProtectedBranch, config.Git.ProtectedBranch)
	assert.Equal(t, DefRebaseMergesFlag, config.Git.RebaseMergesFlag)
	assert.Equal(t, "s3cret", config.Git.AccessToken)

	timeout, err := config.MutexTimeout()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, timeout)
	assert.Equal(t, DefMutexName, config.Mutex.Name)
	assert.Equal(t, "/var/lock/gitpublisher", config.Mutex.LockDir)

	assert.Equal(t, []string{"^tmp"}, config.Lint.ForbiddenSubjects)

	assert.Equal(t, ProviderGithub, config.PullRequests.Provider)
	assert.True(t, config.PullRequests.RequireApproval)
	assert.Equal(t, ".draft != true", config.PullRequests.FilterQuery)

	interval, err := config.PollInterval()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, interval)

	assert.Equal(t, ":8085", config.Poll.HTTPListenAddr)
	assert.True(t, config.Poll.PushOnSuccess)
	assert.False(t, config.Poll.DeleteSourceOnSuccess)

	assert.NoError(t, config.ValidatePoll())
}

func TestDefault(t *testing.T) {
	config := Default()

	assert.Equal(t, DefLogFormat, config.LogFormat)
	assert.Equal(t, DefRemote, config.Git.Remote)
	assert.Equal(t, DefGitBinary, config.Git.Binary)
	assert.Equal(t, os.TempDir(), config.Mutex.LockDir)
	assert.Equal(t, ProviderREST, config.PullRequests.Provider)
	assert.Nil(t, config.Lint.ForbiddenSubjects)

	timeout, err := config.MutexTimeout()
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, timeout)

	assert.Error(t, config.ValidatePoll())
}

func TestLoadInvalid(t *testing.T) {
	testcases := map[string]string{
		"invalidToml":     "log_format = ",
		"invalidTimeout":  "[mutex]\ntimeout = \"forever\"",
		"negativeTimeout": "[mutex]\ntimeout = \"-1s\"",
		"invalidInterval": "[pull_requests]\npoll_interval = \"0s\"",
		"invalidProvider": "[pull_requests]\nprovider = \"svn\"",
	}

	for name, data := range testcases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(strings.NewReader(data))
			assert.Error(t, err)
		})
	}
}

func TestValidatePollGithubRequiresRepository(t *testing.T) {
	config, err := Load(strings.NewReader("[pull_requests]\nprovider = \"github\"\n"))
	require.NoError(t, err)

	err = config.ValidatePoll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pull_requests.owner")
	assert.Contains(t, err.Error(), "pull_requests.repository")
	assert.Contains(t, err.Error(), "pull_requests.access_token")
}

func TestMarshalHidesSecrets(t *testing.T) {
	config, err := Load(strings.NewReader(testCfg))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, config.Marshal(&buf))

	assert.NotContains(t, buf.String(), "s3cret")
	assert.NotContains(t, buf.String(), "ghtoken")
	assert.Contains(t, buf.String(), hiddenVal)

	assert.Equal(t, "s3cret", config.Git.AccessToken, "original config must not be modified")
}

func TestRedacted(t *testing.T) {
	config, err := Load(strings.NewReader(testCfg))
	require.NoError(t, err)

	redacted := config.Redacted()
	assert.Equal(t, hiddenVal, redacted.Git.AccessToken)
	assert.Equal(t, hiddenVal, redacted.PullRequests.AccessToken)
	assert.Equal(t, config.Git.Remote, redacted.Git.Remote)

	config.Git.AccessToken = ""
	assert.Empty(t, config.Redacted().Git.AccessToken, "unset secrets must stay empty")
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(testCfg), 0o600))

	config, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "upstream", config.Git.Remote)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
