package libvirt

import (
	"context"

	"github.com/digitalocean/go-libvirt"
	"github.com/stretchr/testify/mock"
)

// MockClient 是 LibvirtClient 的 mock 实现
// 用于测试，不需要真实的 libvirt 连接
type MockClient struct {
	mock.Mock
}

// 连接信息
func (m *MockClient) GetLibVersion() (uint64, error) {
	args := m.Called()
	return args.Get(0).(uint64), args.Error(1)
}

func (m *MockClient) GetHypervisorVersion() (uint64, error) {
	args := m.Called()
	return args.Get(0).(uint64), args.Error(1)
}

func (m *MockClient) GetHostCapabilities() (*HostCapabilities, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*HostCapabilities), args.Error(1)
}

// Domain 操作
func (m *MockClient) LookupDomain(name string) (libvirt.Domain, error) {
	args := m.Called(name)
	return args.Get(0).(libvirt.Domain), args.Error(1)
}

func (m *MockClient) GetDomainXML(name string) (*DomainXML, error) {
	args := m.Called(name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*DomainXML), args.Error(1)
}

func (m *MockClient) IsDomainPersistent(name string) (bool, error) {
	args := m.Called(name)
	return args.Bool(0), args.Error(1)
}

func (m *MockClient) UndefineDomain(name string) error {
	args := m.Called(name)
	return args.Error(0)
}

func (m *MockClient) DefineTransient(def *DomainXML) (libvirt.Domain, error) {
	args := m.Called(def)
	return args.Get(0).(libvirt.Domain), args.Error(1)
}

func (m *MockClient) DestroyDomain(name string) error {
	args := m.Called(name)
	return args.Error(0)
}

// 设备热插拔
func (m *MockClient) AttachDevice(name string, device any) error {
	args := m.Called(name, device)
	return args.Error(0)
}

func (m *MockClient) DetachDevice(name string, device any) error {
	args := m.Called(name, device)
	return args.Error(0)
}

// Block job 操作
func (m *MockClient) BlockCommit(name, disk, base, top string, flags BlockCommitFlags) error {
	args := m.Called(name, disk, base, top, flags)
	return args.Error(0)
}

func (m *MockClient) GetBlockJobInfo(name, disk string) (*BlockJobInfo, error) {
	args := m.Called(name, disk)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*BlockJobInfo), args.Error(1)
}

func (m *MockClient) PivotBlockJob(name, disk string) error {
	args := m.Called(name, disk)
	return args.Error(0)
}

func (m *MockClient) SubscribeBlockJobEvents(ctx context.Context, name string) (<-chan BlockJobEvent, error) {
	args := m.Called(ctx, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	switch ch := args.Get(0).(type) {
	case chan BlockJobEvent:
		return ch, args.Error(1)
	default:
		return args.Get(0).(<-chan BlockJobEvent), args.Error(1)
	}
}

func (m *MockClient) QueryBlockJobs(name string) ([]QMPBlockJob, error) {
	args := m.Called(name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]QMPBlockJob), args.Error(1)
}

// Snapshot 元数据
func (m *MockClient) ListSnapshotMetadata(name string) ([]SnapshotMetadata, error) {
	args := m.Called(name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]SnapshotMetadata), args.Error(1)
}

func (m *MockClient) DeleteSnapshotMetadata(name, snapshot string) error {
	args := m.Called(name, snapshot)
	return args.Error(0)
}

func (m *MockClient) RedefineSnapshot(name string, snap SnapshotMetadata) error {
	args := m.Called(name, snap)
	return args.Error(0)
}

// Secret 操作
func (m *MockClient) DefineVolumeSecret(secretUUID, volumePath string, passphrase []byte) error {
	args := m.Called(secretUUID, volumePath, passphrase)
	return args.Error(0)
}

func (m *MockClient) SecretExists(secretUUID string) (bool, error) {
	args := m.Called(secretUUID)
	return args.Bool(0), args.Error(1)
}

func (m *MockClient) UndefineSecret(secretUUID string) error {
	args := m.Called(secretUUID)
	return args.Error(0)
}

// Storage 操作
func (m *MockClient) GetStoragePoolByUUID(poolUUID string) (*StoragePoolInfo, error) {
	args := m.Called(poolUUID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*StoragePoolInfo), args.Error(1)
}

func (m *MockClient) EnsurePoolActive(poolUUID string) error {
	args := m.Called(poolUUID)
	return args.Error(0)
}

func (m *MockClient) LookupVolumeByPath(path string) (*VolumeInfo, error) {
	args := m.Called(path)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*VolumeInfo), args.Error(1)
}

var _ LibvirtClient = (*MockClient)(nil)
