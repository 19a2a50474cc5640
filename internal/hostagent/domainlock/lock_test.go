package domainlock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jimyag/hostagent/pkg/apierror"
)

func TestLocker_TryAcquire(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	release, ok, err := l.TryAcquire("vm-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, l.IsLocked("vm-1"))

	_, ok, err = l.TryAcquire("vm-1")
	require.NoError(t, err)
	assert.False(t, ok)

	// 不同 domain 互不影响
	other, ok, err := l.TryAcquire("vm-2")
	require.NoError(t, err)
	require.True(t, ok)
	other()

	release()
	release()
	assert.False(t, l.IsLocked("vm-1"))

	release, ok, err = l.TryAcquire("vm-1")
	require.NoError(t, err)
	assert.True(t, ok)
	release()
}

func TestLocker_AcquireGivesUp(t *testing.T) {
	t.Parallel()

	l := New(Config{Retries: 3, Backoff: 5 * time.Millisecond})
	release, err := l.Acquire(context.Background(), "vm-1")
	require.NoError(t, err)
	defer release()

	start := time.Now()
	_, err = l.Acquire(context.Background(), "vm-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apierror.ErrResourceUnavailable))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestLocker_AcquireWaitsForRelease(t *testing.T) {
	t.Parallel()

	l := New(Config{Retries: 50, Backoff: 10 * time.Millisecond})
	release, err := l.Acquire(context.Background(), "vm-1")
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		release()
	}()

	second, err := l.Acquire(context.Background(), "vm-1")
	require.NoError(t, err)
	second()
}

func TestLocker_AcquireContextCanceled(t *testing.T) {
	t.Parallel()

	l := New(Config{Retries: 100, Backoff: 50 * time.Millisecond})
	release, err := l.Acquire(context.Background(), "vm-1")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "vm-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLocker_WithLockSerializes(t *testing.T) {
	t.Parallel()

	l := New(Config{Retries: 1000, Backoff: time.Millisecond})
	var (
		inside  int32
		overlap int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.WithLock(context.Background(), "vm-1", func() error {
				if atomic.AddInt32(&inside, 1) > 1 {
					atomic.StoreInt32(&overlap, 1)
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Zero(t, atomic.LoadInt32(&overlap))
	assert.False(t, l.IsLocked("vm-1"))
}

func TestLocker_WithLockReleasesOnError(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	boom := errors.New("boom")
	err := l.WithLock(context.Background(), "vm-1", func() error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, l.IsLocked("vm-1"))
}

func TestLocker_FileLockAcrossLockers(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first := New(Config{Dir: dir, Retries: 2, Backoff: time.Millisecond})
	second := New(Config{Dir: dir, Retries: 2, Backoff: time.Millisecond})

	release, err := first.Acquire(context.Background(), "vm-1")
	require.NoError(t, err)
	assert.FileExists(t, dir+"/vm-1.lock")

	_, err = second.Acquire(context.Background(), "vm-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apierror.ErrResourceUnavailable))

	release()
	release2, err := second.Acquire(context.Background(), "vm-1")
	require.NoError(t, err)
	release2()
}
