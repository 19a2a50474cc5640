package libvirt

import (
	"context"

	"github.com/digitalocean/go-libvirt"
)

// LibvirtClient 定义 libvirt 客户端接口
// 用于抽象 libvirt 操作，便于测试和 mock
type LibvirtClient interface {
	// 连接信息
	GetLibVersion() (uint64, error)
	GetHypervisorVersion() (uint64, error)
	GetHostCapabilities() (*HostCapabilities, error)

	// Domain 操作
	LookupDomain(name string) (libvirt.Domain, error)
	GetDomainXML(name string) (*DomainXML, error)
	IsDomainPersistent(name string) (bool, error)
	UndefineDomain(name string) error
	DefineTransient(def *DomainXML) (libvirt.Domain, error)
	DestroyDomain(name string) error

	// 设备热插拔
	AttachDevice(name string, device any) error
	DetachDevice(name string, device any) error

	// Block job 操作
	BlockCommit(name, disk, base, top string, flags BlockCommitFlags) error
	GetBlockJobInfo(name, disk string) (*BlockJobInfo, error)
	PivotBlockJob(name, disk string) error
	SubscribeBlockJobEvents(ctx context.Context, name string) (<-chan BlockJobEvent, error)
	QueryBlockJobs(name string) ([]QMPBlockJob, error)

	// Snapshot 元数据
	ListSnapshotMetadata(name string) ([]SnapshotMetadata, error)
	DeleteSnapshotMetadata(name, snapshot string) error
	RedefineSnapshot(name string, snap SnapshotMetadata) error

	// Secret 操作
	DefineVolumeSecret(secretUUID, volumePath string, passphrase []byte) error
	SecretExists(secretUUID string) (bool, error)
	UndefineSecret(secretUUID string) error

	// Storage 操作
	GetStoragePoolByUUID(poolUUID string) (*StoragePoolInfo, error)
	EnsurePoolActive(poolUUID string) error
	LookupVolumeByPath(path string) (*VolumeInfo, error)
}

var _ LibvirtClient = (*Client)(nil)
