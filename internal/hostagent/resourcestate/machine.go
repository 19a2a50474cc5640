package resourcestate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jimyag/hostagent/pkg/apierror"
)

// Transition 一次已接受的状态迁移
type Transition struct {
	From  State
	To    State
	Event Event
	At    time.Time
}

// Recorder 持久化状态迁移
type Recorder interface {
	RecordTransition(ctx context.Context, t Transition) error
	// LastState 没有记录时返回 None
	LastState(ctx context.Context) (State, error)
}

// Machine 持有主机当前状态，是唯一的写入方
type Machine struct {
	mu       sync.RWMutex
	state    State
	recorder Recorder
	now      func() time.Time
}

// NewMachine 恢复上次记录的状态后触发 InternalCreated
// 恢复出的状态不接受 InternalCreated 时（例如 Degraded）保持原状态。
func NewMachine(ctx context.Context, recorder Recorder) (*Machine, error) {
	m := &Machine{
		state:    None,
		recorder: recorder,
		now:      time.Now,
	}
	if recorder != nil {
		last, err := recorder.LastState(ctx)
		if err != nil {
			return nil, fmt.Errorf("load last resource state: %w", err)
		}
		m.state = last
	}

	logger := zerolog.Ctx(ctx)
	if _, err := m.Fire(ctx, InternalCreated); err != nil {
		if !errors.Is(err, apierror.ErrInvalidTransition) {
			return nil, err
		}
		logger.Warn().Str("state", string(m.state)).Msg("restored resource state does not accept InternalCreated, keeping it")
	}
	logger.Info().Str("state", string(m.State())).Msg("resource state initialized")
	return m, nil
}

// State 当前状态
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// PossibleEvents 当前状态可以接受的事件
func (m *Machine) PossibleEvents() []Event {
	return PossibleEvents(m.State())
}

// Fire 应用事件，先持久化再更新内存状态
func (m *Machine) Fire(ctx context.Context, event Event) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	to, err := Apply(m.state, event)
	if err != nil {
		return m.state, err
	}

	t := Transition{From: m.state, To: to, Event: event, At: m.now()}
	if m.recorder != nil {
		if err := m.recorder.RecordTransition(ctx, t); err != nil {
			return m.state, apierror.WrapError(apierror.ErrInternalError, "record resource state transition", err)
		}
	}

	zerolog.Ctx(ctx).Info().
		Str("from", displayState(t.From)).
		Str("to", string(t.To)).
		Str("event", string(event)).
		Msg("resource state changed")
	m.state = to
	return to, nil
}
