package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jinzhu/copier"
	"gorm.io/gorm"

	"github.com/jimyag/hostagent/internal/hostagent/entity"
	"github.com/jimyag/hostagent/internal/hostagent/repository/model"
	"github.com/jimyag/hostagent/pkg/apierror"
)

// MergeJobRepository 合并任务仓库，实现 consolidation.JobStore
type MergeJobRepository struct {
	db *gorm.DB
}

// NewMergeJobRepository 创建合并任务仓库
func NewMergeJobRepository(db *gorm.DB) *MergeJobRepository {
	return &MergeJobRepository{db: db}
}

// SaveMergeJob 插入或覆盖任务
func (r *MergeJobRepository) SaveMergeJob(ctx context.Context, job *entity.SnapshotMergeJob) error {
	m, err := mergeJobEntityToModel(job)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Save(m).Error
}

// GetMergeJob 根据 ID 获取任务
func (r *MergeJobRepository) GetMergeJob(ctx context.Context, id string) (*entity.SnapshotMergeJob, error) {
	var m model.MergeJob
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apierror.Errorf(apierror.ErrMergeJobNotFound, "merge job %s not found", id)
		}
		return nil, apierror.WrapError(apierror.ErrInternalError, "get merge job", err)
	}
	return mergeJobModelToEntity(&m)
}

// ListMergeJobs 按创建时间倒序列出任务，domain 为空时返回全部
func (r *MergeJobRepository) ListMergeJobs(ctx context.Context, domain string) ([]*entity.SnapshotMergeJob, error) {
	var models []*model.MergeJob
	query := r.db.WithContext(ctx).Model(&model.MergeJob{})
	if domain != "" {
		query = query.Where("domain = ?", domain)
	}
	if err := query.Order("created_at DESC").Order("id DESC").Find(&models).Error; err != nil {
		return nil, apierror.WrapError(apierror.ErrInternalError, "list merge jobs", err)
	}

	jobs := make([]*entity.SnapshotMergeJob, 0, len(models))
	for _, m := range models {
		job, err := mergeJobModelToEntity(m)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// ListUnfinished 未到终态的任务，agent 重启后据此报告中断的合并
func (r *MergeJobRepository) ListUnfinished(ctx context.Context) ([]*entity.SnapshotMergeJob, error) {
	var models []*model.MergeJob
	err := r.db.WithContext(ctx).
		Where("state IN ?", []string{string(entity.MergeCreated), string(entity.MergeRunning)}).
		Order("created_at").
		Find(&models).Error
	if err != nil {
		return nil, apierror.WrapError(apierror.ErrInternalError, "list unfinished merge jobs", err)
	}
	jobs := make([]*entity.SnapshotMergeJob, 0, len(models))
	for _, m := range models {
		job, err := mergeJobModelToEntity(m)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// DeleteFinishedBefore 删除 before 之前结束的任务
func (r *MergeJobRepository) DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("finished_at IS NOT NULL AND finished_at < ?", before).
		Delete(&model.MergeJob{})
	if res.Error != nil {
		return 0, apierror.WrapError(apierror.ErrInternalError, "delete finished merge jobs", res.Error)
	}
	return res.RowsAffected, nil
}

// mergeJobEntityToModel 将 entity.SnapshotMergeJob 转换为 model.MergeJob
func mergeJobEntityToModel(e *entity.SnapshotMergeJob) (*model.MergeJob, error) {
	m := &model.MergeJob{}
	if err := copier.Copy(m, e); err != nil {
		return nil, apierror.WrapError(apierror.ErrInternalError, "convert merge job", err)
	}
	m.Strategy = string(e.Strategy)
	m.State = string(e.State)
	m.Timeout = int64(e.Timeout)
	m.ProgressCur = e.Progress.Cur
	m.ProgressEnd = e.Progress.End
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	return m, nil
}

// mergeJobModelToEntity 将 model.MergeJob 转换为 entity.SnapshotMergeJob
func mergeJobModelToEntity(m *model.MergeJob) (*entity.SnapshotMergeJob, error) {
	e := &entity.SnapshotMergeJob{}
	if err := copier.Copy(e, m); err != nil {
		return nil, apierror.WrapError(apierror.ErrInternalError, "convert merge job", err)
	}
	e.Strategy = entity.MergeStrategy(m.Strategy)
	e.State = entity.MergeState(m.State)
	e.Timeout = time.Duration(m.Timeout)
	e.Progress = entity.MergeProgress{Cur: m.ProgressCur, End: m.ProgressEnd}
	return e, nil
}
