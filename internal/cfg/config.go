// Package cfg loads the TOML configuration file.
package cfg

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pelletier/go-toml"
)

const (
	DefLogFormat  = "logfmt"
	DefLogTimeKey = "time_iso8601"
	DefLogLevel   = "info"

	DefRemote           = "origin"
	DefWorkDir          = "."
	DefGitBinary        = "git"
	DefCommitterName    = "gitpublisher"
	DefCommitterEmail   = "gitpublisher@localhost"
	DefPushDefault      = "simple"
	DefProtectedBranch  = "master"
	DefTargetBranch     = "master"
	DefRebaseMergesFlag = "--rebase-merges"

	DefMutexName    = "gitpublisher"
	DefMutexTimeout = "15m"

	DefPullRequestProvider = ProviderREST
	DefPollInterval        = "1m"
)

const (
	ProviderREST   = "rest"
	ProviderGithub = "github"
)

const hiddenVal = "**hidden**"

type Config struct {
	LogFormat    string       `toml:"log_format"`
	LogTimeKey   string       `toml:"log_time_key"`
	LogLevel     string       `toml:"log_level"`
	Git          Git          `toml:"git"`
	Mutex        Mutex        `toml:"mutex"`
	Lint         Lint         `toml:"lint"`
	PullRequests PullRequests `toml:"pull_requests"`
	Poll         Poll         `toml:"poll"`
}

type Git struct {
	Remote           string `toml:"remote"`
	WorkDir          string `toml:"work_dir"`
	Binary           string `toml:"git_binary"`
	CommitterName    string `toml:"committer_name"`
	CommitterEmail   string `toml:"committer_email"`
	PushDefault      string `toml:"push_default"`
	ProtectedBranch  string `toml:"protected_branch"`
	TargetBranch     string `toml:"target_branch"`
	RebaseMergesFlag string `toml:"rebase_merges_flag"`
	UserName         string `toml:"user_name"`
	AccessToken      string `toml:"access_token"`
}

type Mutex struct {
	Name    string `toml:"name"`
	Timeout string `toml:"timeout"`
	LockDir string `toml:"lock_dir"`
}

type Lint struct {
	// ForbiddenSubjects are regular expressions, when unset the built-in
	// patterns are used.
	ForbiddenSubjects    []string `toml:"forbidden_subjects"`
	CommitterNamePattern string   `toml:"committer_name_pattern"`
}

type PullRequests struct {
	Provider        string `toml:"provider"`
	URL             string `toml:"url"`
	Owner           string `toml:"owner"`
	Repository      string `toml:"repository"`
	AccessToken     string `toml:"access_token"`
	FilterQuery     string `toml:"filter_query"`
	RequireApproval bool   `toml:"require_approval"`
	PollInterval    string `toml:"poll_interval"`
}

type Poll struct {
	HTTPListenAddr           string `toml:"http_listen_addr"`
	JournalDB                string `toml:"journal_db"`
	PushOnSuccess            bool   `toml:"push_on_success"`
	DeleteSourceOnSuccess    bool   `toml:"delete_source_on_success"`
	VerifyCommitDescriptions bool   `toml:"verify_commit_descriptions"`
}

// Default returns a configuration with all default values set.
func Default() *Config {
	var result Config
	result.setDefaults()

	return &result
}

func setDefault(val *string, def string) {
	if *val == "" {
		*val = def
	}
}

func (c *Config) setDefaults() {
	setDefault(&c.LogFormat, DefLogFormat)
	setDefault(&c.LogTimeKey, DefLogTimeKey)
	setDefault(&c.LogLevel, DefLogLevel)

	setDefault(&c.Git.Remote, DefRemote)
	setDefault(&c.Git.WorkDir, DefWorkDir)
	setDefault(&c.Git.Binary, DefGitBinary)
	setDefault(&c.Git.CommitterName, DefCommitterName)
	setDefault(&c.Git.CommitterEmail, DefCommitterEmail)
	setDefault(&c.Git.PushDefault, DefPushDefault)
	setDefault(&c.Git.ProtectedBranch, DefProtectedBranch)
	setDefault(&c.Git.TargetBranch, DefTargetBranch)
	setDefault(&c.Git.RebaseMergesFlag, DefRebaseMergesFlag)

	setDefault(&c.Mutex.Name, DefMutexName)
	setDefault(&c.Mutex.Timeout, DefMutexTimeout)
	setDefault(&c.Mutex.LockDir, os.TempDir())

	setDefault(&c.PullRequests.Provider, DefPullRequestProvider)
	setDefault(&c.PullRequests.PollInterval, DefPollInterval)
}

// Load parses a TOML configuration, unset values are set to their defaults.
func Load(reader io.Reader) (*Config, error) {
	var result Config

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	if err := toml.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	result.setDefaults()

	if err := result.validate(); err != nil {
		return nil, err
	}

	return &result, nil
}

// LoadFile loads the configuration file at path.
func LoadFile(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return Load(file)
}

func (c *Config) validate() error {
	if _, err := c.MutexTimeout(); err != nil {
		return err
	}

	if _, err := c.PollInterval(); err != nil {
		return err
	}

	switch c.PullRequests.Provider {
	case ProviderREST, ProviderGithub:
	default:
		return fmt.Errorf("pull_requests.provider: unsupported value %q, supported: %s, %s",
			c.PullRequests.Provider, ProviderREST, ProviderGithub,
		)
	}

	return nil
}

// ValidatePoll returns an error if settings that are required for polling
// pull requests are missing.
func (c *Config) ValidatePoll() error {
	var errs []error

	switch c.PullRequests.Provider {
	case ProviderREST:
		if c.PullRequests.URL == "" {
			errs = append(errs, errors.New("pull_requests.url must be set for the rest provider"))
		}

	case ProviderGithub:
		if c.PullRequests.Owner == "" {
			errs = append(errs, errors.New("pull_requests.owner must be set for the github provider"))
		}

		if c.PullRequests.Repository == "" {
			errs = append(errs, errors.New("pull_requests.repository must be set for the github provider"))
		}

		if c.PullRequests.AccessToken == "" {
			errs = append(errs, errors.New("pull_requests.access_token must be set for the github provider"))
		}
	}

	return errors.Join(errs...)
}

// MutexTimeout returns the parsed mutex.timeout value.
func (c *Config) MutexTimeout() (time.Duration, error) {
	d, err := time.ParseDuration(c.Mutex.Timeout)
	if err != nil {
		return 0, fmt.Errorf("mutex.timeout: %w", err)
	}

	if d < 0 {
		return 0, fmt.Errorf("mutex.timeout: must not be negative, is %s", d)
	}

	return d, nil
}

// PollInterval returns the parsed pull_requests.poll_interval value.
func (c *Config) PollInterval() (time.Duration, error) {
	d, err := time.ParseDuration(c.PullRequests.PollInterval)
	if err != nil {
		return 0, fmt.Errorf("pull_requests.poll_interval: %w", err)
	}

	if d <= 0 {
		return 0, fmt.Errorf("pull_requests.poll_interval: must be positive, is %s", d)
	}

	return d, nil
}

func hide(in string) string {
	if in == "" {
		return in
	}

	return hiddenVal
}

// Redacted returns a copy of the configuration with secrets replaced by
// **hidden**.
func (c *Config) Redacted() *Config {
	result := *c
	result.Lint.ForbiddenSubjects = append([]string(nil), c.Lint.ForbiddenSubjects...)
	result.Git.AccessToken = hide(c.Git.AccessToken)
	result.PullRequests.AccessToken = hide(c.PullRequests.AccessToken)

	return &result
}

// Marshal writes the configuration as TOML to writer, secrets are hidden.
func (c *Config) Marshal(writer io.Writer) error {
	return toml.NewEncoder(writer).Encode(c.Redacted())
}
