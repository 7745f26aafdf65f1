package mutex

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/simplesurance/gitpublisher/internal/publisherr"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestLocker(t *testing.T) *Locker {
	l := NewLocker(t.TempDir())
	l.backoffInitialInterval = time.Millisecond
	l.backoffMaxInterval = 10 * time.Millisecond

	return l
}

func TestCriticalSectionsDoNotOverlap(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	const workers = 8

	l := newTestLocker(t)

	var active int32
	var maxActive int32
	var ranCnt int32
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			ran, err := l.WithExclusiveLock(context.Background(), "publish", time.Minute, func() error {
				cur := atomic.AddInt32(&active, 1)
				for {
					prev := atomic.LoadInt32(&maxActive)
					if cur <= prev || atomic.CompareAndSwapInt32(&maxActive, prev, cur) {
						break
					}
				}

				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&active, -1)

				return nil
			})

			assert.True(t, ran)
			assert.NoError(t, err)
			atomic.AddInt32(&ranCnt, 1)
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxActive))
	assert.Equal(t, int32(workers), atomic.LoadInt32(&ranCnt))
}

func TestTimeoutDoesNotRunBody(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	l := newTestLocker(t)

	holding := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)

		_, err := l.WithExclusiveLock(context.Background(), "publish", 0, func() error {
			close(holding)
			<-release
			return nil
		})
		assert.NoError(t, err)
	}()

	<-holding

	var bodyRan bool
	start := time.Now()
	ran, err := l.WithExclusiveLock(context.Background(), "publish", 100*time.Millisecond, func() error {
		bodyRan = true
		return nil
	})

	close(release)
	<-done

	assert.False(t, ran)
	assert.False(t, bodyRan)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	var lockErr *publisherr.LockTimeoutError
	require.ErrorAs(t, err, &lockErr)
	assert.Equal(t, "publish", lockErr.Name)
	assert.Equal(t, publisherr.KindQueueTimeout, publisherr.Kind(err))
}

func TestWaitingHolderRunsAfterRelease(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	l := newTestLocker(t)

	holding := make(chan struct{})
	done := make(chan struct{})
	var firstFinished time.Time

	go func() {
		defer close(done)

		_, err := l.WithExclusiveLock(context.Background(), "publish", 0, func() error {
			close(holding)
			time.Sleep(50 * time.Millisecond)
			firstFinished = time.Now()
			return nil
		})
		assert.NoError(t, err)
	}()

	<-holding

	var secondStarted time.Time
	ran, err := l.WithExclusiveLock(context.Background(), "publish", time.Minute, func() error {
		secondStarted = time.Now()
		return nil
	})
	<-done

	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, secondStarted.Before(firstFinished))
}

func TestDifferentNamesDoNotBlock(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	l := newTestLocker(t)

	ran, err := l.WithExclusiveLock(context.Background(), "a", 0, func() error {
		ran, err := l.WithExclusiveLock(context.Background(), "b", 0, func() error {
			return nil
		})
		assert.True(t, ran)
		return err
	})

	assert.True(t, ran)
	assert.NoError(t, err)
}

func TestLockIsReleasedWhenBodyFails(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	l := newTestLocker(t)
	bodyErr := errors.New("rebase failed")

	ran, err := l.WithExclusiveLock(context.Background(), "publish", 0, func() error {
		return bodyErr
	})
	assert.True(t, ran)
	assert.ErrorIs(t, err, bodyErr)

	ran, err = l.WithExclusiveLock(context.Background(), "publish", 0, func() error {
		return nil
	})
	assert.True(t, ran)
	assert.NoError(t, err)
}

func TestLockIsReleasedWhenBodyPanics(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	l := newTestLocker(t)

	assert.Panics(t, func() {
		_, _ = l.WithExclusiveLock(context.Background(), "publish", 0, func() error {
			panic("boom")
		})
	})

	ran, err := l.WithExclusiveLock(context.Background(), "publish", 0, func() error {
		return nil
	})
	assert.True(t, ran)
	assert.NoError(t, err)
}

func TestCancelledContextAbortsWaiting(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	l := newTestLocker(t)

	holding := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)

		_, _ = l.WithExclusiveLock(context.Background(), "publish", 0, func() error {
			close(holding)
			<-release
			return nil
		})
	}()

	<-holding

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	ran, err := l.WithExclusiveLock(ctx, "publish", time.Hour, func() error {
		return nil
	})

	close(release)
	<-done

	assert.False(t, ran)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPathSanitizesName(t *testing.T) {
	l := NewLocker("/tmp/locks")

	assert.Equal(t, "/tmp/locks/repo_master.lock", l.Path("repo/master"))
}
