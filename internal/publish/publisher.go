// Package publish integrates a source branch into a target branch.
//
// A publish attempt rebases the source branch onto the target branch,
// preserving merge commits, verifies that the resulting history has the
// expected shape and fast-forwards the target branch to it.
// Attempts that modify the same target are serialized via a named mutex.
package publish

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/simplesurance/gitpublisher/internal/gitcmd"
	"github.com/simplesurance/gitpublisher/internal/gitref"
	"github.com/simplesurance/gitpublisher/internal/journal"
	"github.com/simplesurance/gitpublisher/internal/lint"
	"github.com/simplesurance/gitpublisher/internal/logfields"
	"github.com/simplesurance/gitpublisher/internal/mutex"
	"github.com/simplesurance/gitpublisher/internal/publisherr"
	"github.com/simplesurance/gitpublisher/internal/secret"
	"github.com/simplesurance/gitpublisher/internal/topology"
)

const loggerName = "publisher"

const (
	DefaultCommitterName    = "gitpublisher"
	DefaultCommitterEmail   = "gitpublisher@localhost"
	DefaultPushDefault      = "simple"
	DefaultProtectedBranch  = "master"
	DefaultRebaseMergesFlag = "--rebase-merges"
	DefaultMutexName        = "gitpublisher"
)

const (
	journalTimeout = 30 * time.Second
	cleanupTimeout = time.Minute
)

// RunnerFactory creates the command runner for an attempt.
// The runner must redact all secrets in secrets, including ones added after
// its creation.
type RunnerFactory func(secrets *secret.Set) gitcmd.Runner

// Locker serializes critical sections with the same name.
type Locker interface {
	WithExclusiveLock(ctx context.Context, name string, timeout time.Duration, body func() error) (bool, error)
}

// Journal records publish attempts.
type Journal interface {
	Start(ctx context.Context, a *journal.Attempt) error
	Finish(ctx context.Context, a *journal.Attempt) error
}

// Options control optional stages of an attempt.
type Options struct {
	// CommitID pins the source to a commit, it overrides the commit the
	// source reference points to.
	CommitID                 string
	PushOnSuccess            bool
	DeleteSourceOnSuccess    bool
	VerifyCommitDescriptions bool
	GitUserName              string
	GitAccessToken           string
}

// Publisher runs publish attempts in a git working copy.
type Publisher struct {
	newRunner RunnerFactory
	locker    Locker
	journal   Journal
	lintRules *lint.Rules

	remote           string
	committerName    string
	committerEmail   string
	pushDefault      string
	protectedBranch  string
	rebaseMergesFlag string
	mutexName        string
	mutexTimeout     time.Duration

	logger *zap.Logger
}

// NewPublisher returns a Publisher that executes git commands via runners
// created by newRunner and serializes critical sections via locker.
func NewPublisher(newRunner RunnerFactory, locker Locker, opts ...Option) *Publisher {
	p := Publisher{
		newRunner:        newRunner,
		locker:           locker,
		remote:           gitcmd.DefaultRemote,
		committerName:    DefaultCommitterName,
		committerEmail:   DefaultCommitterEmail,
		pushDefault:      DefaultPushDefault,
		protectedBranch:  DefaultProtectedBranch,
		rebaseMergesFlag: DefaultRebaseMergesFlag,
		mutexName:        DefaultMutexName,
		mutexTimeout:     mutex.DefaultTimeout,
		logger:           zap.L().Named(loggerName),
	}

	for _, o := range opts {
		o(&p)
	}

	if p.lintRules == nil {
		p.lintRules = lint.MustDefaultRules()
	}

	return &p
}

type attempt struct {
	id      string
	source  gitref.Ref
	target  string
	opts    *Options
	secrets *secret.Set
	git     *gitcmd.Git
	state   State
	record  *journal.Attempt
	logger  *zap.Logger
}

func (a *attempt) setState(s State) {
	a.state = s
	a.logger.Debug(
		"publish state changed",
		logfields.Event("publish_state_changed"),
		logfields.PublishState(s.String()),
	)
}

// Publish integrates sourceRef into targetBranch.
//
// sourceRef is a branch name, a refs/heads/ reference or a commit id.
// The source is prepared and optionally verified outside of the mutex, the
// rebase, validation, fast-forward and push run while holding it.
//
// The returned bool is true when the mutex was acquired and the critical
// section was executed. When the mutex was not acquired within the timeout,
// false and a *publisherr.LockTimeoutError is returned.
// Failures are returned as the error types of the publisherr package, use
// publisherr.Kind to classify them.
func (p *Publisher) Publish(ctx context.Context, sourceRef, targetBranch string, opts *Options) (bool, error) {
	if opts == nil {
		opts = &Options{}
	}

	startTime := time.Now()

	a, err := p.newAttempt(sourceRef, targetBranch, opts)
	if err != nil {
		p.logger.Error(
			"publishing rejected",
			logfields.Event("publish_rejected"),
			logfields.SourceRef(sourceRef),
			logfields.TargetBranch(targetBranch),
			zap.Error(err),
		)
		metrics.AttemptsInc(gitref.BranchName(targetBranch), string(publisherr.Kind(err)))

		return false, err
	}

	p.journalStart(a, startTime)

	a.logger.Info("publishing", logfields.Event("publish_started"))

	ran, err := p.run(ctx, a)

	p.finish(a, startTime, err)

	return ran, err
}

func (p *Publisher) newAttempt(sourceRef, targetBranch string, opts *Options) (*attempt, error) {
	if gitref.BranchName(sourceRef) == "" && opts.CommitID == "" {
		return nil, errors.New("source reference is empty")
	}

	target := gitref.BranchName(targetBranch)
	if target == "" {
		return nil, errors.New("target branch is empty")
	}

	source := gitref.Normalize(sourceRef)
	if opts.CommitID != "" {
		if !gitref.IsCommitHash(opts.CommitID) {
			return nil, fmt.Errorf("commit id %q is not a full commit hash", opts.CommitID)
		}

		if source.Name == "" {
			source = gitref.Ref{Name: opts.CommitID, Pinned: true}
		}
	}

	if err := p.checkPolicy(source, target, opts); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	secrets := secret.NewSet()
	git := gitcmd.New(p.newRunner(secrets), p.remote)

	return &attempt{
		id:      id,
		source:  source,
		target:  target,
		opts:    opts,
		secrets: secrets,
		git:     git,
		state:   StateIdle,
		logger: p.logger.With(
			logfields.AttemptID(id),
			logfields.SourceRef(source.Name),
			logfields.TargetBranch(target),
		),
	}, nil
}

func (p *Publisher) checkPolicy(source gitref.Ref, target string, opts *Options) error {
	if !source.Pinned && gitref.EqualFold(source.Name, target) {
		return &publisherr.PolicyViolationError{
			Reason: fmt.Sprintf("source %q and target branch %q are the same", source.Name, target),
		}
	}

	if !opts.DeleteSourceOnSuccess || source.Pinned {
		return nil
	}

	if gitref.EqualFold(source.Name, p.protectedBranch) {
		return &publisherr.PolicyViolationError{
			Reason: fmt.Sprintf("deleting the source branch %q is requested but it is the protected branch", source.Name),
		}
	}

	return nil
}

// sourceCommitID returns the commit that is published, it is the pinned
// commit or the commit the source branch points to.
func (a *attempt) sourceCommitID() string {
	if a.opts.CommitID != "" {
		return a.opts.CommitID
	}

	if a.source.Pinned {
		return a.source.Name
	}

	return ""
}

func (p *Publisher) run(ctx context.Context, a *attempt) (bool, error) {
	if err := p.configure(ctx, a); err != nil {
		return false, p.fail(a, err)
	}

	cleanupCredentials, err := a.embedCredentials(ctx, a.opts.GitUserName, a.opts.GitAccessToken)
	defer cleanupCredentials()
	if err != nil {
		return false, p.fail(a, err)
	}

	if err := p.prepare(ctx, a); err != nil {
		return false, p.fail(a, err)
	}

	if a.opts.VerifyCommitDescriptions {
		if err := p.verifyHistory(ctx, a); err != nil {
			return false, p.fail(a, err)
		}
	}

	lockWaitStart := time.Now()
	ran, err := p.locker.WithExclusiveLock(ctx, p.mutexName, p.mutexTimeout, func() error {
		metrics.MutexWaitObserve(a.target, time.Since(lockWaitStart).Seconds())
		return p.integrate(ctx, a)
	})
	if err != nil {
		return ran, p.fail(a, err)
	}

	a.setState(StateDone)

	return ran, nil
}

// integrate runs the stages that must be serialized with other attempts.
func (p *Publisher) integrate(ctx context.Context, a *attempt) error {
	if err := p.rebase(ctx, a); err != nil {
		return err
	}

	if err := p.validate(ctx, a); err != nil {
		return err
	}

	if err := p.fastForward(ctx, a); err != nil {
		return err
	}

	return p.push(ctx, a)
}

func (p *Publisher) configure(ctx context.Context, a *attempt) error {
	settings := []struct{ key, val string }{
		{"user.name", p.committerName},
		{"user.email", p.committerEmail},
		{"push.default", p.pushDefault},
	}

	for _, s := range settings {
		if err := a.git.SetConfig(ctx, s.key, s.val); err != nil {
			return fmt.Errorf("configuring %s failed: %w", s.key, err)
		}
	}

	return nil
}

func (p *Publisher) prepare(ctx context.Context, a *attempt) error {
	a.setState(StatePreparing)

	if err := a.git.CheckoutDetach(ctx); err != nil {
		return err
	}

	if pinned := a.sourceCommitID(); pinned != "" {
		if err := a.git.ResetHard(ctx, pinned); err != nil {
			return err
		}
	} else {
		if err := a.git.FetchBranch(ctx, a.source.Name); err != nil {
			return err
		}

		if err := a.git.Checkout(ctx, a.source.Name); err != nil {
			return err
		}
	}

	if err := a.git.Clean(ctx, true); err != nil {
		return err
	}

	commit, err := a.git.RevParse(ctx, "HEAD")
	if err != nil {
		return err
	}

	a.record.SourceCommit = commit
	a.logger = a.logger.With(logfields.Commit(commit))

	a.logger.Debug("source prepared", logfields.Event("publish_source_prepared"))

	return nil
}

func (p *Publisher) verifyHistory(ctx context.Context, a *attempt) error {
	if err := a.git.FetchBranch(ctx, a.target); err != nil {
		return err
	}

	out, err := a.git.Log(ctx, lint.LogFormat, a.target, "HEAD")
	if err != nil {
		return err
	}

	commits, err := lint.ParseLog(out)
	if err != nil {
		return err
	}

	if err := p.lintRules.Check(commits); err != nil {
		return err
	}

	a.logger.Debug(
		"commit descriptions verified",
		logfields.Event("publish_history_verified"),
		zap.Int("commit_count", len(commits)),
	)

	return nil
}

func (p *Publisher) rebase(ctx context.Context, a *attempt) error {
	a.setState(StateRebasing)

	if err := a.git.FetchBranch(ctx, a.target); err != nil {
		return err
	}

	if err := a.git.Rebase(ctx, a.target, p.rebaseMergesFlag); err != nil {
		a.setState(StateAborting)

		// ctx might be cancelled, the working copy must be cleaned anyways
		cleanupCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()

		a.git.RebaseAbort(cleanupCtx)
		a.git.CleanIgnoreErr(cleanupCtx, true)

		return err
	}

	return nil
}

func (p *Publisher) validate(ctx context.Context, a *attempt) error {
	a.setState(StateValidating)

	records, err := a.git.RevListParents(ctx, a.target, "HEAD")
	if err != nil {
		return err
	}

	report := topology.Validate(records)
	if !report.Valid() {
		return &publisherr.InvalidTopologyError{
			Range:    gitcmd.RangeSpec(a.target, "HEAD"),
			Problems: report.ProblemStrings(),
		}
	}

	a.logger.Debug(
		"history topology is valid",
		logfields.Event("publish_topology_valid"),
		zap.Int("commit_count", len(records)),
	)

	return nil
}

func (p *Publisher) fastForward(ctx context.Context, a *attempt) error {
	a.setState(StateFastForwarding)

	head, err := a.git.RevParse(ctx, "HEAD")
	if err != nil {
		return err
	}

	if err := a.git.Checkout(ctx, a.target); err != nil {
		return err
	}

	if err := a.git.MergeFFOnly(ctx, head); err != nil {
		return err
	}

	a.logger.Info(
		"target branch fast-forwarded",
		logfields.Event("publish_fast_forwarded"),
		zap.String("head", head),
	)

	return nil
}

func (p *Publisher) push(ctx context.Context, a *attempt) error {
	if !a.opts.PushOnSuccess {
		return nil
	}

	a.setState(StatePushing)

	if err := a.git.PushBranch(ctx, a.target); err != nil {
		return err
	}

	a.logger.Info("target branch pushed", logfields.Event("publish_pushed"))

	if !a.opts.DeleteSourceOnSuccess {
		return nil
	}

	if a.source.Pinned {
		a.logger.Warn(
			"source is a commit id, not deleting a remote branch",
			logfields.Event("publish_source_deletion_skipped"),
		)
		return nil
	}

	if err := a.git.DeleteRemoteBranch(ctx, a.source.Name); err != nil {
		return fmt.Errorf("deleting source branch failed: %w", err)
	}

	a.logger.Info("source branch deleted", logfields.Event("publish_source_deleted"))

	return nil
}

func (p *Publisher) fail(a *attempt, err error) error {
	failedIn := a.state

	logger := a.logger.With(
		zap.String("failed_state", failedIn.String()),
		zap.String("error_kind", string(publisherr.Kind(err))),
		zap.Error(err),
	)

	a.setState(StateFailed)

	var lockErr *publisherr.LockTimeoutError
	if errors.As(err, &lockErr) {
		logger.Warn("publishing aborted, mutex not acquired", logfields.Event("publish_queue_timeout"))
		return err
	}

	metrics.FailedStateInc(a.target, failedIn)

	logger.Error("publishing failed", logfields.Event("publish_failed"))

	return err
}

func (p *Publisher) journalStart(a *attempt, startTime time.Time) {
	a.record = &journal.Attempt{
		ID:           a.id,
		SourceRef:    a.source.Name,
		TargetBranch: a.target,
		SourceCommit: a.sourceCommitID(),
		StartedAt:    startTime,
	}

	if p.journal == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()

	if err := p.journal.Start(ctx, a.record); err != nil {
		a.logger.Warn(
			"recording attempt in journal failed",
			logfields.Event("journal_record_failed"),
			zap.Error(err),
		)
	}
}

func (p *Publisher) finish(a *attempt, startTime time.Time, err error) {
	outcome := journal.OutcomeSuccess
	if err != nil {
		outcome = string(publisherr.Kind(err))
		a.record.Error = err.Error()
	}

	a.record.Outcome = outcome
	a.record.FinishedAt = time.Now()

	duration := a.record.FinishedAt.Sub(startTime)

	metrics.AttemptsInc(a.target, outcome)
	metrics.DurationObserve(a.target, duration.Seconds())

	if err == nil {
		a.logger.Info(
			"published",
			logfields.Event("publish_succeeded"),
			zap.Duration("duration", duration),
		)
	}

	if p.journal == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()

	if err := p.journal.Finish(ctx, a.record); err != nil {
		a.logger.Warn(
			"recording attempt result in journal failed",
			logfields.Event("journal_record_failed"),
			zap.Error(err),
		)
	}
}
