// Package retryer runs operations repeatedly until they succeed or fail with
// an error that is not retryable.
package retryer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/simplesurance/gitpublisher/internal/logfields"
	"github.com/simplesurance/gitpublisher/internal/publisherr"
)

const (
	loggerName = "retryer"

	DefaultTimeout                = 2 * time.Hour
	defaultBackoffInitialInterval = 5 * time.Second
)

// ErrShutdown is returned by Run when the Retryer was stopped before the
// operation succeeded.
var ErrShutdown = errors.New("retryer was stopped")

// Retryer executes a function repeatedly until it was successful or cancel
// condition happened.
type Retryer struct {
	logger                     *zap.Logger
	defTimeout                 time.Duration
	backoffInitialInterval     time.Duration
	backoffRandomizationFactor float64
	shutdownChan               chan struct{}
	stopOnce                   sync.Once
}

func NewRetryer() *Retryer {
	return &Retryer{
		logger:                     zap.L().Named(loggerName),
		defTimeout:                 DefaultTimeout,
		backoffInitialInterval:     defaultBackoffInitialInterval,
		backoffRandomizationFactor: backoff.DefaultRandomizationFactor,
		shutdownChan:               make(chan struct{}),
	}
}

// Run executes fn until it was successful, it returned an error that
// does not wrap publisherr.RetryableError or the execution was aborted via the
// context.
// If ctx has no deadline, the default timeout of the Retryer applies.
// logF is added to all log messages.
func (r *Retryer) Run(ctx context.Context, fn func(context.Context) error, logF []zap.Field) error {
	var tryCnt uint

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.defTimeout)
		defer cancel()
	}

	deadline, _ := ctx.Deadline()

	retryTimer := time.NewTimer(0)
	defer retryTimer.Stop()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.backoffInitialInterval
	bo.RandomizationFactor = r.backoffRandomizationFactor
	bo.MaxElapsedTime = 0
	bo.Reset()

	logger := r.logger.With(logF...)

	for {
		tryCnt++
		logger := logger.With(zap.Uint("try_count", tryCnt))

		select {
		case <-ctx.Done():
			logger.Info(
				"operation cancelled",
				logfields.Event("retryer_operation_cancelled"),
				zap.Error(ctx.Err()),
			)

			return ctx.Err()

		case <-r.shutdownChan:
			logger.Info(
				"retryer terminating, operation not executed",
				logfields.Event("retryer_operation_cancelled_shutdown"),
			)

			return ErrShutdown

		case <-retryTimer.C:
			err := fn(ctx)
			if err == nil {
				logger.Debug(
					"operation executed successfully",
					logfields.Event("retryer_operation_succeeded"),
				)

				return nil
			}

			logger = logger.With(zap.Error(err))

			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				logger.Info(
					"operation cancelled",
					logfields.Event("retryer_operation_cancelled"),
				)

				return err
			}

			retryAfter, retryable := publisherr.RetryAfter(err)
			if !retryable {
				logger.Debug(
					"operation failed, not retryable",
					logfields.Event("retryer_operation_failed"),
				)

				return err
			}

			logger = logger.With(zap.Duration("age", bo.GetElapsedTime()))

			if retryAfter.After(deadline) {
				logger.Warn(
					"operation failed, next possible retry time is after timeout expiration",
					logfields.Event("retryer_operation_failed"),
					zap.Time("earliest_allowed_retry", retryAfter),
				)

				return err
			}

			retryIn := bo.NextBackOff()
			if untilAfter := time.Until(retryAfter); untilAfter > retryIn {
				retryIn = untilAfter
			}

			retryTimer.Reset(retryIn)

			logger.Info(
				"operation failed, retry scheduled",
				logfields.Event("retryer_retry_scheduled"),
				zap.Duration("retry_in", retryIn),
			)
		}
	}
}

// Stop notifies all Run() methods to terminate.
// It does not wait for their termination.
func (r *Retryer) Stop() {
	r.stopOnce.Do(func() {
		r.logger.Debug("retryer terminating", logfields.Event("retryer_terminating"))
		close(r.shutdownChan)
	})
}
