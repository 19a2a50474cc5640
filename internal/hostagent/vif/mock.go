package vif

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/jimyag/hostagent/internal/hostagent/entity"
	"github.com/jimyag/hostagent/pkg/libvirt"
)

// MockDriver 是 Driver 的 mock 实现
type MockDriver struct {
	mock.Mock
}

func (m *MockDriver) Tag() Tag {
	args := m.Called()
	return args.Get(0).(Tag)
}

func (m *MockDriver) Plug(ctx context.Context, nic *entity.NicSpec) (*libvirt.DomainInterface, error) {
	args := m.Called(ctx, nic)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*libvirt.DomainInterface), args.Error(1)
}

func (m *MockDriver) Unplug(ctx context.Context, iface *libvirt.DomainInterface) error {
	args := m.Called(ctx, iface)
	return args.Error(0)
}

var _ Driver = (*MockDriver)(nil)
