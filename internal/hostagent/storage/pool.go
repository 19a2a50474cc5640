// Package storage 存储池协作者：解析物理磁盘，按路径引用计数连接和断开卷
package storage

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/jimyag/hostagent/internal/hostagent/entity"
	"github.com/jimyag/hostagent/pkg/apierror"
	"github.com/jimyag/hostagent/pkg/libvirt"
)

// PoolManager 存储池协作者
type PoolManager interface {
	// ResolvePhysicalDisk poolUUID 为空时从卷所属的存储池推断
	ResolvePhysicalDisk(ctx context.Context, poolUUID, path string) (*entity.PhysicalDisk, error)
	Connect(ctx context.Context, poolType entity.PoolType, poolUUID, path string) error
	Disconnect(ctx context.Context, poolType entity.PoolType, poolUUID, path string) error
	// DisconnectByPath 路径未连接时不报错
	DisconnectByPath(ctx context.Context, path string) error
}

type connection struct {
	poolType entity.PoolType
	poolUUID string
	refs     int
}

// LibvirtPoolManager 基于 libvirt 存储池的实现，存储池在多个 domain 间共享
type LibvirtPoolManager struct {
	client libvirt.LibvirtClient

	mu    sync.Mutex
	conns map[string]*connection
}

// NewLibvirtPoolManager 创建存储池协作者
func NewLibvirtPoolManager(client libvirt.LibvirtClient) *LibvirtPoolManager {
	return &LibvirtPoolManager{
		client: client,
		conns:  make(map[string]*connection),
	}
}

// poolTypes libvirt 存储池类型到存储池类型的映射
var poolTypes = map[string]entity.PoolType{
	"dir":          entity.PoolFilesystem,
	"fs":           entity.PoolFilesystem,
	"netfs":        entity.PoolNetworkFilesystem,
	"logical":      entity.PoolCLVM,
	"rbd":          entity.PoolRBD,
	"gluster":      entity.PoolGluster,
	"iscsi":        entity.PoolIscsi,
	"iscsi-direct": entity.PoolIscsi,
}

// libvirtManaged 由 libvirt 存储池管理的类型，连接时需要确保存储池处于运行状态
func libvirtManaged(t entity.PoolType) bool {
	switch t {
	case entity.PoolPowerFlex, entity.PoolStorPool, entity.PoolLinstor:
		return false
	}
	return true
}

func imageFormat(format string) entity.ImageFormat {
	switch format {
	case "qcow2":
		return entity.FormatQCOW2
	case "raw", "iso":
		return entity.FormatRAW
	case "dir":
		return entity.FormatDir
	}
	return entity.FormatFile
}

// ResolvePhysicalDisk 通过 libvirt 查询卷和所属存储池
func (m *LibvirtPoolManager) ResolvePhysicalDisk(ctx context.Context, poolUUID, path string) (*entity.PhysicalDisk, error) {
	vol, err := m.client.LookupVolumeByPath(path)
	if err != nil {
		if errors.Is(err, libvirt.ErrNotFound) {
			return nil, apierror.WrapError(apierror.ErrDeviceNotFound, "volume "+path+" not found", err)
		}
		return nil, apierror.WrapError(apierror.ErrNativeOperationFailure, "lookup volume "+path, err)
	}
	if poolUUID == "" {
		poolUUID = vol.PoolUUID
	}
	if poolUUID == "" {
		return nil, apierror.Errorf(apierror.ErrInvalidParameter, "volume %s has no storage pool", path)
	}

	info, err := m.client.GetStoragePoolByUUID(poolUUID)
	if err != nil {
		return nil, apierror.WrapError(apierror.ErrNativeOperationFailure, "lookup storage pool "+poolUUID, err)
	}

	poolType, ok := poolTypes[info.Type]
	if !ok {
		zerolog.Ctx(ctx).Warn().Str("pool", poolUUID).Str("type", info.Type).Msg("unknown libvirt pool type, treating as filesystem")
		poolType = entity.PoolFilesystem
	}

	ref := entity.PoolRef{
		UUID:      poolUUID,
		Type:      poolType,
		AuthUser:  info.AuthUser,
		AuthUUID:  info.AuthSecret,
		SourceDir: info.Source,
		LocalPath: info.Path,
	}
	for _, h := range info.Hosts {
		ref.Hosts = append(ref.Hosts, h.Name)
		if ref.Port == 0 && h.Port != "" {
			if port, err := strconv.Atoi(h.Port); err == nil {
				ref.Port = port
			}
		}
	}

	return &entity.PhysicalDisk{
		Path:   path,
		Format: imageFormat(vol.Format),
		Pool:   ref,
		Size:   vol.Capacity,
	}, nil
}

// Connect 第一次引用时确保存储池可用
func (m *LibvirtPoolManager) Connect(ctx context.Context, poolType entity.PoolType, poolUUID, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.conns[path]; ok {
		c.refs++
		return nil
	}

	if libvirtManaged(poolType) && poolUUID != "" {
		if err := m.client.EnsurePoolActive(poolUUID); err != nil {
			return apierror.WrapError(apierror.ErrNativeOperationFailure, "activate storage pool "+poolUUID, err)
		}
	}
	m.conns[path] = &connection{poolType: poolType, poolUUID: poolUUID, refs: 1}
	zerolog.Ctx(ctx).Debug().Str("pool", poolUUID).Str("type", string(poolType)).Str("path", path).Msg("volume connected")
	return nil
}

// Disconnect 释放一次引用
func (m *LibvirtPoolManager) Disconnect(ctx context.Context, poolType entity.PoolType, poolUUID, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnectLocked(ctx, path)
	return nil
}

// DisconnectByPath 按路径释放一次引用
func (m *LibvirtPoolManager) DisconnectByPath(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnectLocked(ctx, path)
	return nil
}

func (m *LibvirtPoolManager) disconnectLocked(ctx context.Context, path string) {
	c, ok := m.conns[path]
	if !ok {
		zerolog.Ctx(ctx).Debug().Str("path", path).Msg("volume not connected, nothing to disconnect")
		return
	}
	c.refs--
	if c.refs > 0 {
		return
	}
	delete(m.conns, path)
	zerolog.Ctx(ctx).Debug().Str("pool", c.poolUUID).Str("path", path).Msg("volume disconnected")
}

// Refs 当前路径的引用数
func (m *LibvirtPoolManager) Refs(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[path]; ok {
		return c.refs
	}
	return 0
}

var _ PoolManager = (*LibvirtPoolManager)(nil)
