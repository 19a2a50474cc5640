package hostagent

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// finishedJobDeleter 由 repository.MergeJobRepository 实现
type finishedJobDeleter interface {
	DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error)
}

// retentionSweeper 定期删除超过保留时间的已结束合并任务
type retentionSweeper struct {
	repo      finishedJobDeleter
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
}

func (r *retentionSweeper) Name() string {
	return "Merge Job Retention"
}

// Run retention 为 0 时直接等待退出
func (r *retentionSweeper) Run(ctx context.Context) error {
	if r.retention <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *retentionSweeper) Shutdown(context.Context) error {
	return nil
}

func (r *retentionSweeper) sweep(ctx context.Context) {
	now := time.Now
	if r.now != nil {
		now = r.now
	}
	removed, err := r.repo.DeleteFinishedBefore(ctx, now().Add(-r.retention))
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("failed to delete expired merge jobs")
		return
	}
	if removed > 0 {
		zerolog.Ctx(ctx).Info().Int64("removed", removed).Msg("deleted expired merge jobs")
	}
}
