// Package poller periodically lists active pull requests and publishes them
// one after the other.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/simplesurance/gitpublisher/internal/journal"
	"github.com/simplesurance/gitpublisher/internal/logfields"
	"github.com/simplesurance/gitpublisher/internal/orderedmap"
	"github.com/simplesurance/gitpublisher/internal/prsource"
	"github.com/simplesurance/gitpublisher/internal/publish"
	"github.com/simplesurance/gitpublisher/internal/publisherr"
)

const loggerName = "poller"

const (
	DefaultInterval = time.Minute
	listTimeout     = 5 * time.Minute
)

// Publisher integrates a source branch into a target branch.
type Publisher interface {
	Publish(ctx context.Context, sourceRef, targetBranch string, opts *publish.Options) (bool, error)
}

// FailureJournal returns the last failed publish attempt of a branch pair.
type FailureJournal interface {
	LastFailure(ctx context.Context, sourceRef, targetBranch string) (*journal.Attempt, error)
}

// Retryer runs fn until it succeeds or fails with a non-retryable error.
type Retryer interface {
	Run(ctx context.Context, fn func(context.Context) error, logFields []zap.Field) error
	Stop()
}

type entry struct {
	pr *prsource.PullRequest
	// attempted is true when a publish result was recorded for the entry.
	attempted bool
	// lastCommit is the head commit of the pull request when it was
	// published or publishing it failed.
	lastCommit string
	lastErr    error
	enqueuedAt time.Time
}

// processed returns true if the current state of the pull request was
// already published or failed to publish.
// Pull requests without a known head commit are done after they were
// published successfully, failed ones are retried every cycle.
func (e *entry) processed() bool {
	if !e.attempted {
		return false
	}

	if e.pr.HeadCommit == "" {
		return e.lastCommit == "" && e.lastErr == nil
	}

	return e.lastCommit == e.pr.HeadCommit
}

// Poller lists the pull requests of a source every interval, appends new
// ones to a queue and publishes the queued pull requests in order.
// A pull request is not published again until its head commit changes.
type Poller struct {
	source    prsource.Source
	publisher Publisher
	journal   FailureJournal
	retryer   Retryer
	opts      publish.Options
	interval  time.Duration

	// queue is keyed by the normalized source branch.
	queue     *orderedmap.Map[string, *entry]
	queueLock sync.Mutex
	lastCycle *cycleReport

	cancel context.CancelFunc
	// cancelPublish aborts a running publish attempt, Stop calls it only
	// after the loop terminated.
	cancelPublish context.CancelFunc
	wg            sync.WaitGroup

	logger *zap.Logger
}

type Option func(*Poller)

// WithInterval sets the period in that pull requests are listed.
func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		p.interval = d
	}
}

// WithFailureJournal sets the journal that is consulted for failed attempts
// of newly seen pull requests.
func WithFailureJournal(j FailureJournal) Option {
	return func(p *Poller) {
		p.journal = j
	}
}

// New returns a Poller that publishes the pull requests returned by src via
// publisher with opts.
func New(src prsource.Source, publisher Publisher, retryer Retryer, opts publish.Options, options ...Option) *Poller {
	p := Poller{
		source:    src,
		publisher: publisher,
		retryer:   retryer,
		opts:      opts,
		interval:  DefaultInterval,
		queue:     orderedmap.New[string, *entry](),
		logger:    zap.L().Named(loggerName),
	}

	for _, o := range options {
		o(&p)
	}

	return &p
}

// Start runs the poll loop in a go-routine.
func (p *Poller) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	publishCtx, cancelPublish := context.WithCancel(context.Background())
	p.cancelPublish = cancelPublish

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.loop(ctx, publishCtx)
	}()

	p.logger.Info(
		"poller started",
		logfields.Event("poller_started"),
		zap.Stringer("source", p.source),
		zap.Duration("interval", p.interval),
	)
}

// Stop terminates the poll loop and waits for its termination.
// Listing pull requests is aborted and no further pull request is
// published, a running publish attempt is finished.
func (p *Poller) Stop() {
	p.logger.Debug("poller terminating", logfields.Event("poller_terminating"))

	p.retryer.Stop()
	if p.cancel != nil {
		p.cancel()
	}

	p.wg.Wait()

	if p.cancelPublish != nil {
		p.cancelPublish()
	}

	p.logger.Debug("poller terminated", logfields.Event("poller_terminated"))
}

func (p *Poller) loop(ctx, publishCtx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if err := p.runCycle(ctx, publishCtx); err != nil && ctx.Err() == nil {
			p.logger.Error(
				"poll cycle failed",
				logfields.Event("poll_cycle_failed"),
				zap.Error(err),
			)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce synchronizes the queue with the pull requests of the source and
// publishes the queued pull requests.
func (p *Poller) RunOnce(ctx context.Context) error {
	return p.runCycle(ctx, ctx)
}

// runCycle runs one poll cycle. When ctx is cancelled no further pull
// request is published, publishCtx is passed to the publisher.
func (p *Poller) runCycle(ctx, publishCtx context.Context) error {
	report := newCycleReport()

	if err := p.sync(ctx, report); err != nil {
		metrics.CyclesInc(cycleResultSyncFailed)
		return err
	}

	err := p.drain(ctx, publishCtx, report)
	report.finish()

	p.queueLock.Lock()
	p.lastCycle = report
	p.queueLock.Unlock()

	p.logger.Debug(
		"poll cycle finished",
		append(report.zapFields(), logfields.Event("poll_cycle_finished"))...,
	)

	if err != nil {
		metrics.CyclesInc(cycleResultDrainAborted)
		return err
	}

	metrics.CyclesInc(cycleResultSuccess)

	return nil
}

func (p *Poller) list(ctx context.Context) ([]*prsource.PullRequest, error) {
	var result []*prsource.PullRequest

	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	err := p.retryer.Run(ctx, func(ctx context.Context) error {
		var err error
		result, err = p.source.List(ctx)
		return err
	}, []zap.Field{zap.Stringer("source", p.source)})
	if err != nil {
		return nil, fmt.Errorf("listing pull requests of %s failed: %w", p.source, err)
	}

	return result, nil
}

func (p *Poller) sync(ctx context.Context, report *cycleReport) error {
	prs, err := p.list(ctx)
	if err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(prs))

	for _, pr := range prs {
		key := pr.SourceBranch()
		report.listed++

		if _, exists := seen[key]; exists {
			p.logger.Warn(
				"multiple pull requests for the same source branch, ignoring duplicate",
				append(pr.LogFields(), logfields.Event("poll_duplicate_source_branch"))...,
			)
			continue
		}
		seen[key] = struct{}{}

		p.queueLock.Lock()
		e := p.queue.Get(key)
		if e != nil {
			e.pr = pr
			p.queueLock.Unlock()
			continue
		}
		p.queueLock.Unlock()

		e = &entry{pr: pr, enqueuedAt: time.Now()}
		p.loadLastFailure(ctx, e)

		p.queueLock.Lock()
		p.queue.EnqueueIfNotExist(key, e)
		p.queueLock.Unlock()

		report.enqueued++

		p.logger.Info(
			"pull request enqueued",
			append(pr.LogFields(), logfields.Event("poll_pull_request_enqueued"))...,
		)
	}

	p.queueLock.Lock()
	for _, key := range p.queue.Keys() {
		if _, exists := seen[key]; exists {
			continue
		}

		e := p.queue.Dequeue(key)
		report.dequeued++

		p.logger.Info(
			"pull request disappeared, removed it from queue",
			append(e.pr.LogFields(), logfields.Event("poll_pull_request_dequeued"))...,
		)
	}
	metrics.QueueSizeSet(p.queue.Len())
	p.queueLock.Unlock()

	return nil
}

func (p *Poller) loadLastFailure(ctx context.Context, e *entry) {
	if p.journal == nil {
		return
	}

	a, err := p.journal.LastFailure(ctx, e.pr.SourceBranch(), e.pr.TargetBranch())
	if err != nil {
		p.logger.Warn(
			"querying journal for failed attempts failed",
			append(e.pr.LogFields(),
				logfields.Event("poll_journal_query_failed"),
				zap.Error(err),
			)...,
		)
		return
	}

	if a == nil || a.Outcome == string(publisherr.KindQueueTimeout) {
		return
	}

	e.attempted = true
	e.lastCommit = a.SourceCommit
	e.lastErr = errors.New(a.Error)
}

// pending returns the queued entries that have not been processed for
// their current head commit.
func (p *Poller) pending() []*entry {
	p.queueLock.Lock()
	defer p.queueLock.Unlock()

	var result []*entry
	p.queue.Foreach(func(_ string, e *entry) bool {
		if !e.processed() {
			result = append(result, e)
		}
		return true
	})

	return result
}

// drain publishes the pending entries in queue order.
// Cancelling ctx stops the drain before the next entry, the result of an
// attempt that was running when ctx was cancelled is still recorded.
func (p *Poller) drain(ctx, publishCtx context.Context, report *cycleReport) error {
	for _, e := range p.pending() {
		if err := ctx.Err(); err != nil {
			return err
		}

		p.queueLock.Lock()
		pr := e.pr
		p.queueLock.Unlock()

		logger := p.logger.With(pr.LogFields()...)

		opts := p.opts
		ran, err := p.publisher.Publish(publishCtx, pr.SourceRef, pr.TargetBranch(), &opts)
		if err == nil {
			p.setResult(e, pr.HeadCommit, nil)
			report.published++
			metrics.PublishedInc(pr.TargetBranch(), outcomeSuccess)

			logger.Info("pull request published", logfields.Event("poll_pull_request_published"))
			continue
		}

		if !ran && publisherr.Kind(err) == publisherr.KindQueueTimeout {
			metrics.PublishedInc(pr.TargetBranch(), outcomeDeferred)
			report.deferred = true

			logger.Info(
				"publish mutex is held by another process, retrying in next cycle",
				logfields.Event("poll_publish_deferred"),
				zap.Error(err),
			)

			return nil
		}

		if publishCtx.Err() != nil {
			return publishCtx.Err()
		}

		p.setResult(e, pr.HeadCommit, err)
		report.failed++
		metrics.PublishedInc(pr.TargetBranch(), outcomeFailure)

		logger.Warn(
			"publishing pull request failed, it is retried when its head commit changes",
			logfields.Event("poll_pull_request_publish_failed"),
			logfields.Outcome(string(publisherr.Kind(err))),
			zap.Error(err),
		)
	}

	return nil
}

func (p *Poller) setResult(e *entry, commit string, err error) {
	p.queueLock.Lock()
	defer p.queueLock.Unlock()

	e.attempted = true
	e.lastCommit = commit
	e.lastErr = err
}
