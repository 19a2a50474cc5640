package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/jimyag/hostagent/internal/hostagent/repository/model"
	"github.com/jimyag/hostagent/internal/hostagent/resourcestate"
	"github.com/jimyag/hostagent/pkg/apierror"
)

// StateRepository 主机资源状态历史，实现 resourcestate.Recorder
type StateRepository struct {
	db *gorm.DB
}

// NewStateRepository 创建状态仓库
func NewStateRepository(db *gorm.DB) *StateRepository {
	return &StateRepository{db: db}
}

// RecordTransition 追加一条迁移记录
func (r *StateRepository) RecordTransition(ctx context.Context, t resourcestate.Transition) error {
	m := &model.StateTransition{
		FromState: string(t.From),
		ToState:   string(t.To),
		Event:     string(t.Event),
		At:        t.At,
	}
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		return apierror.WrapError(apierror.ErrInternalError, "record resource state transition", err)
	}
	return nil
}

// LastState 最近一次迁移后的状态，没有记录时返回 None
func (r *StateRepository) LastState(ctx context.Context) (resourcestate.State, error) {
	var m model.StateTransition
	if err := r.db.WithContext(ctx).Order("id DESC").First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return resourcestate.None, nil
		}
		return resourcestate.None, apierror.WrapError(apierror.ErrInternalError, "load last resource state", err)
	}
	return resourcestate.ParseState(m.ToState)
}

// ListTransitions 最近 limit 条迁移，按时间倒序
func (r *StateRepository) ListTransitions(ctx context.Context, limit int) ([]resourcestate.Transition, error) {
	var models []*model.StateTransition
	query := r.db.WithContext(ctx).Order("id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&models).Error; err != nil {
		return nil, apierror.WrapError(apierror.ErrInternalError, "list resource state transitions", err)
	}
	out := make([]resourcestate.Transition, 0, len(models))
	for _, m := range models {
		out = append(out, resourcestate.Transition{
			From:  resourcestate.State(m.FromState),
			To:    resourcestate.State(m.ToState),
			Event: resourcestate.Event(m.Event),
			At:    m.At,
		})
	}
	return out, nil
}
