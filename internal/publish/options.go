package publish

import (
	"time"

	"github.com/simplesurance/gitpublisher/internal/lint"
)

type Option func(*Publisher)

// WithRemote sets the name of the git remote that is fetched from and pushed
// to.
func WithRemote(name string) Option {
	return func(p *Publisher) {
		if name != "" {
			p.remote = name
		}
	}
}

// WithCommitter sets the identity that is used for commits created by a
// rebase.
func WithCommitter(name, email string) Option {
	return func(p *Publisher) {
		if name != "" {
			p.committerName = name
		}
		if email != "" {
			p.committerEmail = email
		}
	}
}

// WithPushDefault sets the push.default git setting.
func WithPushDefault(mode string) Option {
	return func(p *Publisher) {
		if mode != "" {
			p.pushDefault = mode
		}
	}
}

// WithProtectedBranch sets the branch that must never be deleted.
func WithProtectedBranch(name string) Option {
	return func(p *Publisher) {
		if name != "" {
			p.protectedBranch = name
		}
	}
}

// WithRebaseMergesFlag sets the argument passed to git rebase to preserve
// merge commits.
func WithRebaseMergesFlag(flag string) Option {
	return func(p *Publisher) {
		p.rebaseMergesFlag = flag
	}
}

// WithMutex sets the name of the mutex serializing attempts and how long to
// wait for it.
func WithMutex(name string, timeout time.Duration) Option {
	return func(p *Publisher) {
		if name != "" {
			p.mutexName = name
		}
		p.mutexTimeout = timeout
	}
}

// WithLintRules sets the rules that are applied when
// Options.VerifyCommitDescriptions is set.
func WithLintRules(rules *lint.Rules) Option {
	return func(p *Publisher) {
		p.lintRules = rules
	}
}

// WithJournal records all attempts in j.
func WithJournal(j Journal) Option {
	return func(p *Publisher) {
		p.journal = j
	}
}
