package storage

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/jimyag/hostagent/internal/hostagent/entity"
)

// MockPoolManager 是 PoolManager 的 mock 实现
type MockPoolManager struct {
	mock.Mock
}

func (m *MockPoolManager) ResolvePhysicalDisk(ctx context.Context, poolUUID, path string) (*entity.PhysicalDisk, error) {
	args := m.Called(ctx, poolUUID, path)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entity.PhysicalDisk), args.Error(1)
}

func (m *MockPoolManager) Connect(ctx context.Context, poolType entity.PoolType, poolUUID, path string) error {
	args := m.Called(ctx, poolType, poolUUID, path)
	return args.Error(0)
}

func (m *MockPoolManager) Disconnect(ctx context.Context, poolType entity.PoolType, poolUUID, path string) error {
	args := m.Called(ctx, poolType, poolUUID, path)
	return args.Error(0)
}

func (m *MockPoolManager) DisconnectByPath(ctx context.Context, path string) error {
	args := m.Called(ctx, path)
	return args.Error(0)
}

var _ PoolManager = (*MockPoolManager)(nil)
