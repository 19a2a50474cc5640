// Package domainlock 提供按 domain 名称的互斥
//
// 进程内用集合记录持有的 domain，配置了锁目录时额外对 <dir>/<domain>.lock 加 flock，
// 与 hostagentctl 等同机进程互斥。获取失败按固定间隔重试，重试耗尽返回 ErrResourceUnavailable。
package domainlock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/jimyag/hostagent/pkg/apierror"
)

const (
	DefaultRetries = 5
	DefaultBackoff = 200 * time.Millisecond
)

// Config 锁配置
type Config struct {
	// Dir 为空时只做进程内互斥
	Dir     string
	Retries int
	Backoff time.Duration
}

// Locker 按 domain 名称互斥
type Locker struct {
	mu      sync.Mutex
	held    map[string]*os.File
	dir     string
	retries int
	backoff time.Duration
}

// New 创建 Locker
func New(cfg Config) *Locker {
	if cfg.Retries <= 0 {
		cfg.Retries = DefaultRetries
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	return &Locker{
		held:    make(map[string]*os.File),
		dir:     cfg.Dir,
		retries: cfg.Retries,
		backoff: cfg.Backoff,
	}
}

var errBusy = errors.New("domain lock busy")

// TryAcquire 非阻塞获取，ok 为 false 表示已被持有
func (l *Locker) TryAcquire(domain string) (release func(), ok bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[domain]; busy {
		return nil, false, nil
	}

	var file *os.File
	if l.dir != "" {
		file, err = l.flock(domain)
		if errors.Is(err, errBusy) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
	}
	l.held[domain] = file

	var once sync.Once
	return func() { once.Do(func() { l.release(domain) }) }, true, nil
}

func (l *Locker) flock(domain string) (*os.File, error) {
	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	path := filepath.Join(l.dir, domain+".lock")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, errBusy
		}
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}
	return file, nil
}

func (l *Locker) release(domain string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	file, ok := l.held[domain]
	if !ok {
		return
	}
	delete(l.held, domain)
	if file == nil {
		return
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_UN); err != nil {
		log.Warn().Err(err).Str("domain", domain).Msg("failed to unlock domain lock file")
	}
	file.Close()
}

// Acquire 带重试的获取，重试耗尽返回 ErrResourceUnavailable
func (l *Locker) Acquire(ctx context.Context, domain string) (func(), error) {
	for attempt := 1; ; attempt++ {
		release, ok, err := l.TryAcquire(domain)
		if err != nil {
			return nil, apierror.WrapError(apierror.ErrInternalError, "acquire domain lock "+domain, err)
		}
		if ok {
			return release, nil
		}
		if attempt >= l.retries {
			return nil, apierror.Errorf(apierror.ErrResourceUnavailable, "domain %s is busy, gave up after %d attempts", domain, attempt)
		}

		zerolog.Ctx(ctx).Debug().Str("domain", domain).Int("attempt", attempt).Msg("domain busy, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.backoff):
		}
	}
}

// WithLock 持锁执行 fn，fn 返回或 panic 时都会释放
func (l *Locker) WithLock(ctx context.Context, domain string, fn func() error) error {
	release, err := l.Acquire(ctx, domain)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// IsLocked 当前进程是否持有该 domain 的锁
func (l *Locker) IsLocked(domain string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[domain]
	return ok
}
