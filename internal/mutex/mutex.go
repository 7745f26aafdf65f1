// Package mutex provides a named exclusive lock that serializes goroutines
// and processes on the same host.
package mutex

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/simplesurance/gitpublisher/internal/logfields"
	"github.com/simplesurance/gitpublisher/internal/publisherr"
)

const loggerName = "mutex"

// DefaultTimeout is the default time to wait for acquiring a lock.
const DefaultTimeout = 15 * time.Minute

const (
	defBackoffInitialInterval = 50 * time.Millisecond
	defBackoffMaxInterval     = 5 * time.Second
)

var invalidNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// Locker hands out exclusive locks identified by a name.
// A lock is an flock(2) on the file <dir>/<name>.lock, the file is kept after
// the lock is released.
type Locker struct {
	dir    string
	logger *zap.Logger

	backoffInitialInterval time.Duration
	backoffMaxInterval     time.Duration
}

// NewLocker returns a Locker that stores lock files in dir.
// If dir is empty, os.TempDir() is used.
func NewLocker(dir string) *Locker {
	if dir == "" {
		dir = os.TempDir()
	}

	return &Locker{
		dir:                    dir,
		logger:                 zap.L().Named(loggerName),
		backoffInitialInterval: defBackoffInitialInterval,
		backoffMaxInterval:     defBackoffMaxInterval,
	}
}

// Path returns the path of the lock file for name.
func (l *Locker) Path(name string) string {
	return filepath.Join(l.dir, invalidNameChars.ReplaceAllString(name, "_")+".lock")
}

// WithExclusiveLock acquires the lock name, runs body and releases the lock.
// The lock is released on every return path of body, also when it panics.
//
// If the lock can not be acquired within timeout, body is not run and
// false and a *publisherr.LockTimeoutError is returned.
// A timeout of 0 tries to acquire the lock exactly once.
// When ctx is cancelled while waiting, false and ctx.Err() is returned.
//
// When body ran, true and the error returned by body is returned.
func (l *Locker) WithExclusiveLock(ctx context.Context, name string, timeout time.Duration, body func() error) (bool, error) {
	logger := l.logger.With(zap.String("mutex", name))

	f, err := l.acquire(ctx, name, timeout, logger)
	if err != nil {
		return false, err
	}

	defer l.release(f, logger)

	return true, body()
}

func (l *Locker) acquire(ctx context.Context, name string, timeout time.Duration, logger *zap.Logger) (*os.File, error) {
	path := l.Path(name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file failed: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.backoffInitialInterval
	bo.MaxInterval = l.backoffMaxInterval
	bo.MaxElapsedTime = 0
	bo.Reset()

	start := time.Now()
	deadline := start.Add(timeout)

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for tryCnt := 1; ; tryCnt++ {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			logger.Debug(
				"mutex acquired",
				logfields.Event("mutex_acquired"),
				zap.Int("try_count", tryCnt),
				zap.Duration("wait_duration", time.Since(start)),
			)

			return f, nil
		}

		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			_ = f.Close()
			return nil, fmt.Errorf("locking %s failed: %w", path, err)
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			_ = f.Close()

			logger.Info(
				"acquiring mutex timed out",
				logfields.Event("mutex_timeout"),
				zap.Duration("timeout", timeout),
				zap.Int("try_count", tryCnt),
			)

			return nil, &publisherr.LockTimeoutError{Name: name, Timeout: timeout}
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop || wait > remaining {
			wait = remaining
		}

		if tryCnt == 1 {
			logger.Info(
				"mutex is held by another holder, waiting",
				logfields.Event("mutex_waiting"),
				zap.Duration("timeout", timeout),
			)
		}

		timer.Reset(wait)

		select {
		case <-ctx.Done():
			_ = f.Close()
			return nil, ctx.Err()

		case <-timer.C:
		}
	}
}

func (l *Locker) release(f *os.File, logger *zap.Logger) {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		logger.Warn(
			"unlocking mutex failed",
			logfields.Event("mutex_unlock_failed"),
			zap.Error(err),
		)
	}

	// closing the file releases the lock too
	if err := f.Close(); err != nil {
		logger.Warn(
			"closing mutex file failed",
			logfields.Event("mutex_unlock_failed"),
			zap.Error(err),
		)
	}

	logger.Debug("mutex released", logfields.Event("mutex_released"))
}
