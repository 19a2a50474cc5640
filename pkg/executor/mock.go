package executor

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

// MockRunner 是 Runner 的 mock 实现
type MockRunner struct {
	mock.Mock
}

// NewMockRunner 创建 MockRunner
func NewMockRunner() *MockRunner {
	return &MockRunner{}
}

func (m *MockRunner) Run(ctx context.Context, timeout time.Duration, name string, args ...string) (*Result, error) {
	callArgs := m.Called(ctx, timeout, name, args)
	if callArgs.Get(0) == nil {
		return nil, callArgs.Error(1)
	}
	return callArgs.Get(0).(*Result), callArgs.Error(1)
}

var _ Runner = (*MockRunner)(nil)
var _ Runner = (*LocalRunner)(nil)
var _ Runner = (*SSHRunner)(nil)
