// Package lifecycle 虚拟机启动、停止、快照元数据和加密卷 secret
package lifecycle

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/jimyag/hostagent/internal/hostagent/builder"
	"github.com/jimyag/hostagent/internal/hostagent/domainlock"
	"github.com/jimyag/hostagent/internal/hostagent/entity"
	"github.com/jimyag/hostagent/internal/hostagent/storage"
	"github.com/jimyag/hostagent/pkg/apierror"
	"github.com/jimyag/hostagent/pkg/libvirt"
	"github.com/jimyag/hostagent/pkg/qemuimg"
)

// Service 虚拟机生命周期服务
type Service struct {
	client  libvirt.LibvirtClient
	builder *builder.Builder
	pools   storage.PoolManager
	img     qemuimg.QemuImgClient
	locks   *domainlock.Locker

	mu sync.Mutex
	// attached domain -> 磁盘定义中的源 -> StartVM 连接的卷
	attached map[string]map[string]*entity.PhysicalDisk
}

// New 创建生命周期服务
func New(
	client libvirt.LibvirtClient,
	b *builder.Builder,
	pools storage.PoolManager,
	img qemuimg.QemuImgClient,
	locks *domainlock.Locker,
) *Service {
	return &Service{
		client:   client,
		builder:  b,
		pools:    pools,
		img:      img,
		locks:    locks,
		attached: make(map[string]map[string]*entity.PhysicalDisk),
	}
}

// StartVM 连接磁盘、准备 secret 和 backing 格式后以 transient 方式启动
func (s *Service) StartVM(ctx context.Context, spec *entity.VmSpec) (*libvirt.DomainXML, error) {
	if spec == nil || spec.Name == "" {
		return nil, apierror.Errorf(apierror.ErrInvalidParameter, "vm spec with a name is required")
	}

	var def *libvirt.DomainXML
	err := s.locks.WithLock(ctx, spec.Name, func() error {
		var err error
		def, err = s.start(ctx, spec)
		return err
	})
	return def, err
}

func (s *Service) start(ctx context.Context, spec *entity.VmSpec) (*libvirt.DomainXML, error) {
	logger := zerolog.Ctx(ctx).With().Str("domain", spec.Name).Logger()

	disks, err := s.resolveDisks(ctx, spec.Disks)
	if err != nil {
		return nil, err
	}

	connected, err := s.connectDisks(ctx, disks)
	if err != nil {
		return nil, err
	}
	rollback := func() { s.disconnectDisks(ctx, connected) }

	for i := range disks {
		d := &disks[i]
		if !d.IsEncrypted() || d.Disk == nil {
			continue
		}
		if _, err := s.CreateVolumeSecret(ctx, d.Disk.Path, d.Passphrase); err != nil {
			rollback()
			return nil, err
		}
	}

	if s.img != nil {
		if fixed := builder.EnsureBackingFormats(ctx, s.img, disks); fixed > 0 {
			logger.Info().Int("disks", fixed).Msg("backing formats recorded before start")
		}
	}

	def, err := s.builder.Build(ctx, spec, disks)
	if err != nil {
		rollback()
		return nil, err
	}

	// 同名的持久化 domain 会阻止 transient 定义
	persistent, err := s.client.IsDomainPersistent(spec.Name)
	switch {
	case err == nil && persistent:
		if err := s.client.UndefineDomain(spec.Name); err != nil && !errors.Is(err, libvirt.ErrNotFound) {
			rollback()
			return nil, apierror.WrapError(apierror.ErrNativeOperationFailure, "undefine stale domain "+spec.Name, err)
		}
		logger.Info().Msg("stale persistent domain undefined")
	case err != nil && !errors.Is(err, libvirt.ErrNotFound):
		logger.Warn().Err(err).Msg("failed to check for a persistent domain")
	}

	if _, err := s.client.DefineTransient(def); err != nil {
		rollback()
		return nil, apierror.WrapError(apierror.ErrNativeOperationFailure, "start domain "+spec.Name, err)
	}
	s.remember(spec.Name, connected)
	logger.Info().
		Int("vcpus", spec.VCPUs).
		Int("disks", len(def.Devices.Disks)).
		Int("interfaces", len(def.Devices.Interfaces)).
		Msg("domain started")
	return def, nil
}

// resolveDisks 只给出路径的磁盘通过存储池补全
func (s *Service) resolveDisks(ctx context.Context, specs []entity.DiskSpec) ([]entity.DiskSpec, error) {
	disks := make([]entity.DiskSpec, len(specs))
	copy(disks, specs)
	for i := range disks {
		d := &disks[i]
		if d.Disk == nil || d.Disk.Path == "" || d.Disk.Pool.Type != "" {
			continue
		}
		pd, err := s.pools.ResolvePhysicalDisk(ctx, d.Disk.Pool.UUID, d.Disk.Path)
		if err != nil {
			return nil, err
		}
		d.Disk = pd
	}
	return disks, nil
}

func (s *Service) connectDisks(ctx context.Context, disks []entity.DiskSpec) ([]*entity.PhysicalDisk, error) {
	var connected []*entity.PhysicalDisk
	for i := range disks {
		pd := disks[i].Disk
		if pd == nil || pd.Path == "" {
			continue
		}
		if err := s.pools.Connect(ctx, pd.Pool.Type, pd.Pool.UUID, pd.Path); err != nil {
			s.disconnectDisks(ctx, connected)
			return nil, err
		}
		connected = append(connected, pd)
	}
	return connected, nil
}

// remember 记录连接参数，网络盘在 domain 定义中的源与卷路径不同
func (s *Service) remember(domain string, disks []*entity.PhysicalDisk) {
	bySource := make(map[string]*entity.PhysicalDisk, len(disks))
	for _, pd := range disks {
		bySource[builder.SourcePath(pd)] = pd
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached[domain] = bySource
}

func (s *Service) forget(domain string) map[string]*entity.PhysicalDisk {
	s.mu.Lock()
	defer s.mu.Unlock()
	disks := s.attached[domain]
	delete(s.attached, domain)
	return disks
}

func (s *Service) disconnectDisks(ctx context.Context, disks []*entity.PhysicalDisk) {
	for _, pd := range disks {
		if err := s.pools.Disconnect(ctx, pd.Pool.Type, pd.Pool.UUID, pd.Path); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("path", pd.Path).Msg("failed to disconnect volume")
		}
	}
}

// StopVM 销毁 domain 后断开磁盘并删除加密卷的 secret
// domain 已不存在时返回 false。
func (s *Service) StopVM(ctx context.Context, name string) (bool, error) {
	var stopped bool
	err := s.locks.WithLock(ctx, name, func() error {
		logger := zerolog.Ctx(ctx).With().Str("domain", name).Logger()
		def, err := s.client.GetDomainXML(name)
		if err != nil {
			if errors.Is(err, libvirt.ErrNotFound) {
				s.forget(name)
				logger.Info().Msg("domain already absent, nothing to stop")
				return nil
			}
			return apierror.WrapError(apierror.ErrNativeOperationFailure, "get domain xml "+name, err)
		}

		if err := s.client.DestroyDomain(name); err != nil && !errors.Is(err, libvirt.ErrNotFound) {
			return apierror.WrapError(apierror.ErrNativeOperationFailure, "destroy domain "+name, err)
		}
		stopped = true

		// StartVM 连接的卷按原参数断开，其余（热插或重启前启动的）按路径断开
		attached := s.forget(name)
		for _, d := range def.Devices.Disks {
			path := diskPath(&d)
			if path == "" {
				continue
			}
			if pd, ok := attached[path]; ok {
				s.disconnectDisks(ctx, []*entity.PhysicalDisk{pd})
			} else if !entity.IsSystemISO(path) {
				if err := s.pools.DisconnectByPath(ctx, path); err != nil {
					logger.Warn().Err(err).Str("path", path).Msg("failed to disconnect volume")
				}
			}
			if d.Encryption != nil {
				s.undefineSecret(ctx, d.Encryption.Secret.UUID, path)
			}
		}
		logger.Info().Msg("domain stopped")
		return nil
	})
	return stopped, err
}

func diskPath(d *libvirt.DomainDisk) string {
	if d.Source == nil {
		return ""
	}
	switch {
	case d.Source.File != "":
		return d.Source.File
	case d.Source.Dev != "":
		return d.Source.Dev
	}
	return d.Source.Name
}

// CleanSnapshotMetadata 导出并删除全部快照元数据，磁盘不变
// 迁移或停机前调用，之后用 RestoreSnapshotMetadata 恢复。
func (s *Service) CleanSnapshotMetadata(ctx context.Context, domain string) ([]entity.SnapshotMetadata, error) {
	var snaps []entity.SnapshotMetadata
	err := s.locks.WithLock(ctx, domain, func() error {
		list, err := s.client.ListSnapshotMetadata(domain)
		if err != nil {
			if errors.Is(err, libvirt.ErrNotFound) {
				return apierror.WrapError(apierror.ErrDomainNotFound, "domain "+domain+" not found", err)
			}
			return apierror.WrapError(apierror.ErrNativeOperationFailure, "list snapshots of "+domain, err)
		}
		for _, snap := range list {
			if err := s.client.DeleteSnapshotMetadata(domain, snap.Name); err != nil {
				if errors.Is(err, libvirt.ErrNotFound) {
					continue
				}
				return apierror.WrapError(apierror.ErrNativeOperationFailure, "delete snapshot metadata "+snap.Name, err)
			}
			snaps = append(snaps, entity.SnapshotMetadata{Name: snap.Name, XML: snap.XML, Current: snap.Current})
		}
		zerolog.Ctx(ctx).Info().Str("domain", domain).Int("snapshots", len(snaps)).Msg("snapshot metadata cleaned")
		return nil
	})
	return snaps, err
}

// RestoreSnapshotMetadata 用导出的 XML 重新定义快照，当前快照最后定义
func (s *Service) RestoreSnapshotMetadata(ctx context.Context, domain string, snaps []entity.SnapshotMetadata) error {
	ordered := make([]entity.SnapshotMetadata, len(snaps))
	copy(ordered, snaps)
	sort.SliceStable(ordered, func(i, j int) bool { return !ordered[i].Current && ordered[j].Current })

	return s.locks.WithLock(ctx, domain, func() error {
		for _, snap := range ordered {
			meta := libvirt.SnapshotMetadata{Name: snap.Name, XML: snap.XML, Current: snap.Current}
			if err := s.client.RedefineSnapshot(domain, meta); err != nil {
				if errors.Is(err, libvirt.ErrNotFound) {
					return apierror.WrapError(apierror.ErrDomainNotFound, "domain "+domain+" not found", err)
				}
				return apierror.WrapError(apierror.ErrNativeOperationFailure, "redefine snapshot "+snap.Name, err)
			}
		}
		zerolog.Ctx(ctx).Info().Str("domain", domain).Int("snapshots", len(ordered)).Msg("snapshot metadata restored")
		return nil
	})
}

// CreateVolumeSecret 定义加密卷的 passphrase secret，UUID 由卷路径决定，已存在时直接复用
func (s *Service) CreateVolumeSecret(ctx context.Context, path string, passphrase []byte) (string, error) {
	secretUUID := builder.VolumeSecretUUID(path)
	exists, err := s.client.SecretExists(secretUUID)
	if err != nil {
		return "", apierror.WrapError(apierror.ErrNativeOperationFailure, "lookup volume secret "+secretUUID, err)
	}
	if exists {
		return secretUUID, nil
	}
	if len(passphrase) == 0 {
		return "", apierror.Errorf(apierror.ErrInvalidParameter, "encrypted volume %s has no passphrase", path)
	}
	if err := s.client.DefineVolumeSecret(secretUUID, path, passphrase); err != nil {
		return "", apierror.WrapError(apierror.ErrNativeOperationFailure, "define volume secret "+secretUUID, err)
	}
	zerolog.Ctx(ctx).Debug().Str("path", path).Str("secret", secretUUID).Msg("volume secret defined")
	return secretUUID, nil
}

// undefineSecret 删除卷的 secret，失败只记录日志；secretUUID 为空时按路径推导
func (s *Service) undefineSecret(ctx context.Context, secretUUID, path string) {
	if secretUUID == "" {
		secretUUID = builder.VolumeSecretUUID(path)
	}
	if err := s.client.UndefineSecret(secretUUID); err != nil && !errors.Is(err, libvirt.ErrNotFound) {
		zerolog.Ctx(ctx).Warn().Err(err).Str("path", path).Str("secret", secretUUID).Msg("failed to remove volume secret")
	}
}
