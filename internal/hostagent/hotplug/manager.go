// Package hotplug 磁盘、光驱和网卡热插拔
//
// 同一 domain 的结构变更通过 domainlock 串行执行；存储卷的连接和断开不在 domain 锁的保护范围内，
// 由存储池协作者自己同步，这里只保证每次操作的 connect/disconnect 成对。
package hotplug

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/jimyag/hostagent/internal/hostagent/builder"
	"github.com/jimyag/hostagent/internal/hostagent/domainlock"
	"github.com/jimyag/hostagent/internal/hostagent/entity"
	"github.com/jimyag/hostagent/internal/hostagent/storage"
	"github.com/jimyag/hostagent/pkg/apierror"
	"github.com/jimyag/hostagent/pkg/executor"
	"github.com/jimyag/hostagent/pkg/libvirt"
)

// Outcome 卸载结果，区分已卸载和本来就不存在
type Outcome string

const (
	Detached      Outcome = "detached"
	AlreadyAbsent Outcome = "already-absent"
	Replaced      Outcome = "replaced"
)

// Unplugger 网卡卸载后的宿主机侧清理，由 vif.Registry 实现
type Unplugger interface {
	UnplugAll(ctx context.Context, iface *libvirt.DomainInterface)
}

// Config 热插拔配置
type Config struct {
	// NetworkUsageScript 网卡插拔成功后调用的流量统计脚本，为空时不调用
	NetworkUsageScript string
	HookTimeout        time.Duration
}

// Manager 热插拔管理器
type Manager struct {
	client  libvirt.LibvirtClient
	builder *builder.Builder
	pools   storage.PoolManager
	locks   *domainlock.Locker
	vifs    Unplugger
	runner  executor.Runner
	cfg     Config

	ops *prometheus.CounterVec
}

// New 创建热插拔管理器
func New(
	client libvirt.LibvirtClient,
	b *builder.Builder,
	pools storage.PoolManager,
	locks *domainlock.Locker,
	vifs Unplugger,
	runner executor.Runner,
	cfg Config,
	reg prometheus.Registerer,
) *Manager {
	if cfg.HookTimeout <= 0 {
		cfg.HookTimeout = 30 * time.Second
	}
	m := &Manager{
		client:  client,
		builder: b,
		pools:   pools,
		locks:   locks,
		vifs:    vifs,
		runner:  runner,
		cfg:     cfg,
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hostagent",
			Subsystem: "hotplug",
			Name:      "operations_total",
			Help:      "Device hot-plug operations by device kind, operation and result.",
		}, []string{"kind", "op", "result"}),
	}
	if reg != nil {
		reg.MustRegister(m.ops)
	}
	return m
}

func (m *Manager) observe(kind, op string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.ops.WithLabelValues(kind, op, result).Inc()
}

func (m *Manager) domainXML(name string) (*libvirt.DomainXML, error) {
	def, err := m.client.GetDomainXML(name)
	if err != nil {
		if errors.Is(err, libvirt.ErrNotFound) {
			return nil, apierror.WrapError(apierror.ErrDomainNotFound, "domain "+name+" not found", err)
		}
		return nil, apierror.WrapError(apierror.ErrNativeOperationFailure, "get domain xml "+name, err)
	}
	return def, nil
}

func nativeErr(op, domain string, err error) error {
	if err == nil {
		return nil
	}
	return apierror.WrapError(apierror.ErrNativeOperationFailure, op+" on domain "+domain, err)
}

// AttachDisk 连接卷并热插磁盘，失败时断开已连接的卷
func (m *Manager) AttachDisk(ctx context.Context, domain string, disk *entity.DiskSpec) (err error) {
	defer func() { m.observe("disk", "attach", err) }()

	return m.locks.WithLock(ctx, domain, func() error {
		def, err := m.domainXML(domain)
		if err != nil {
			return err
		}
		if disk.Disk == nil {
			return apierror.Errorf(apierror.ErrInvalidParameter, "disk %d has no physical disk", disk.DeviceSeq)
		}

		bus := attachBus(def, disk)
		dev, err := m.builder.DiskDevice(disk, bus, def.IOThreads > 0)
		if err != nil {
			return err
		}

		pool := disk.Disk.Pool
		if err := m.pools.Connect(ctx, pool.Type, pool.UUID, disk.Disk.Path); err != nil {
			return err
		}
		if err := m.client.AttachDevice(domain, dev); err != nil {
			if derr := m.pools.Disconnect(ctx, pool.Type, pool.UUID, disk.Disk.Path); derr != nil {
				zerolog.Ctx(ctx).Warn().Err(derr).Str("path", disk.Disk.Path).Msg("failed to disconnect volume after attach failure")
			}
			return nativeErr("attach disk", domain, err)
		}
		zerolog.Ctx(ctx).Info().Str("domain", domain).Str("path", disk.Disk.Path).Str("target", dev.Target.Dev).Msg("disk attached")
		return nil
	})
}

// attachBus 卷级覆盖优先，其次 domain 第一块磁盘为 SCSI 时用 SCSI，否则 virtio
func attachBus(def *libvirt.DomainXML, disk *entity.DiskSpec) entity.DiskBus {
	if bus, ok := entity.ParseDiskBus(string(disk.BusOverride)); ok {
		return bus
	}
	for _, d := range def.Devices.Disks {
		if d.Device != "disk" {
			continue
		}
		if d.Target.Bus == string(entity.DiskBusSCSI) {
			return entity.DiskBusSCSI
		}
		break
	}
	return entity.DiskBusVirtio
}

// DetachDisk 按源路径找到磁盘并卸载，卸载成功后断开卷
func (m *Manager) DetachDisk(ctx context.Context, domain string, disk *entity.DiskSpec) (outcome Outcome, err error) {
	defer func() { m.observe("disk", "detach", err) }()

	err = m.locks.WithLock(ctx, domain, func() error {
		def, err := m.domainXML(domain)
		if err != nil {
			return err
		}
		outcome, err = m.detachByPath(ctx, domain, def, "disk", disk.Path())
		if err != nil || outcome == AlreadyAbsent {
			return err
		}
		m.disconnect(ctx, disk)
		return nil
	})
	return outcome, err
}

func (m *Manager) detachByPath(ctx context.Context, domain string, def *libvirt.DomainXML, device, path string) (Outcome, error) {
	dev := findDiskByPath(def, device, path)
	if dev == nil {
		zerolog.Ctx(ctx).Warn().
			Err(apierror.Errorf(apierror.ErrDeviceNotFound, "%s %s not attached", device, path)).
			Str("domain", domain).
			Msg("detach skipped")
		return AlreadyAbsent, nil
	}
	if err := m.client.DetachDevice(domain, dev); err != nil {
		return "", nativeErr("detach "+device, domain, err)
	}
	zerolog.Ctx(ctx).Info().Str("domain", domain).Str("path", path).Str("target", dev.Target.Dev).Msg(device + " detached")
	return Detached, nil
}

// disconnect 系统 ISO 不断开
func (m *Manager) disconnect(ctx context.Context, disk *entity.DiskSpec) {
	path := disk.Path()
	if path == "" || entity.IsSystemISO(path) {
		return
	}
	var err error
	if disk.Disk.Pool.UUID != "" {
		err = m.pools.Disconnect(ctx, disk.Disk.Pool.Type, disk.Disk.Pool.UUID, path)
	} else {
		err = m.pools.DisconnectByPath(ctx, path)
	}
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("path", path).Msg("failed to disconnect volume")
	}
}

func diskSourcePath(d *libvirt.DomainDisk) string {
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

func findDiskByPath(def *libvirt.DomainXML, device, path string) *libvirt.DomainDisk {
	if path == "" {
		return nil
	}
	trimmed := strings.TrimPrefix(path, "rbd:")
	for i := range def.Devices.Disks {
		d := &def.Devices.Disks[i]
		if d.Device != device {
			continue
		}
		src := diskSourcePath(d)
		if src == path || src == trimmed {
			return d
		}
	}
	return nil
}

func findDiskByTarget(def *libvirt.DomainXML, target string) *libvirt.DomainDisk {
	for i := range def.Devices.Disks {
		if def.Devices.Disks[i].Target.Dev == target {
			return &def.Devices.Disks[i]
		}
	}
	return nil
}

// isoBus 已有光驱时沿用其总线，否则按机器类型选择
func isoBus(def *libvirt.DomainXML) entity.DiskBus {
	for _, d := range def.Devices.Disks {
		if d.Device == "cdrom" {
			if bus, ok := entity.ParseDiskBus(d.Target.Bus); ok {
				return bus
			}
		}
	}
	switch {
	case def.OS.Type.Arch == "aarch64" || def.OS.Type.Arch == "s390x":
		return entity.DiskBusSCSI
	case strings.Contains(def.OS.Type.Machine, "q35"):
		return entity.DiskBusSATA
	}
	return entity.DiskBusIDE
}

// AttachISO 在 iso.DeviceSeq 对应的槽位插入光驱
func (m *Manager) AttachISO(ctx context.Context, domain string, iso *entity.DiskSpec) (err error) {
	defer func() { m.observe("iso", "attach", err) }()

	return m.locks.WithLock(ctx, domain, func() error {
		def, err := m.domainXML(domain)
		if err != nil {
			return err
		}
		return m.attachISOLocked(ctx, domain, def, iso)
	})
}

func (m *Manager) attachISOLocked(ctx context.Context, domain string, def *libvirt.DomainXML, iso *entity.DiskSpec) error {
	dev := builder.CDROMDevice(iso, isoBus(def))
	path := iso.Path()
	connected := false
	if path != "" && iso.Disk.Pool.UUID != "" {
		if err := m.pools.Connect(ctx, iso.Disk.Pool.Type, iso.Disk.Pool.UUID, path); err != nil {
			return err
		}
		connected = true
	}
	if err := m.client.AttachDevice(domain, dev); err != nil {
		if connected {
			if derr := m.pools.Disconnect(ctx, iso.Disk.Pool.Type, iso.Disk.Pool.UUID, path); derr != nil {
				zerolog.Ctx(ctx).Warn().Err(derr).Str("path", path).Msg("failed to disconnect iso after attach failure")
			}
		}
		return nativeErr("attach iso", domain, err)
	}
	zerolog.Ctx(ctx).Info().Str("domain", domain).Str("iso", path).Str("target", dev.Target.Dev).Msg("iso attached")
	return nil
}

// DetachISO 卸载光驱，非系统 ISO 卸载后断开卷
func (m *Manager) DetachISO(ctx context.Context, domain string, iso *entity.DiskSpec) (outcome Outcome, err error) {
	defer func() { m.observe("iso", "detach", err) }()

	err = m.locks.WithLock(ctx, domain, func() error {
		def, err := m.domainXML(domain)
		if err != nil {
			return err
		}
		outcome, err = m.detachISOLocked(ctx, domain, def, iso)
		return err
	})
	return outcome, err
}

func (m *Manager) detachISOLocked(ctx context.Context, domain string, def *libvirt.DomainXML, iso *entity.DiskSpec) (Outcome, error) {
	var dev *libvirt.DomainDisk
	if path := iso.Path(); path != "" {
		dev = findDiskByPath(def, "cdrom", path)
	} else {
		dev = findDiskByTarget(def, builder.TargetDev(isoBus(def), iso.DeviceSeq))
		if dev != nil && dev.Device != "cdrom" {
			dev = nil
		}
	}
	if dev == nil {
		zerolog.Ctx(ctx).Warn().
			Err(apierror.Errorf(apierror.ErrDeviceNotFound, "no iso at slot %d", iso.DeviceSeq)).
			Str("domain", domain).
			Msg("iso detach skipped")
		return AlreadyAbsent, nil
	}
	if err := m.client.DetachDevice(domain, dev); err != nil {
		return "", nativeErr("detach iso", domain, err)
	}

	current := &entity.DiskSpec{Role: entity.DiskRoleISO, DeviceSeq: iso.DeviceSeq, Disk: iso.Disk}
	if iso.Disk == nil {
		current.Disk = &entity.PhysicalDisk{Path: diskSourcePath(dev)}
	}
	m.disconnect(ctx, current)
	zerolog.Ctx(ctx).Info().Str("domain", domain).Str("target", dev.Target.Dev).Msg("iso detached")
	return Detached, nil
}

// ReplaceISO 卸载 seq 槽位当前的光驱再在同一槽位插入新 ISO
// 槽位为空时只记录警告，继续插入。
func (m *Manager) ReplaceISO(ctx context.Context, domain string, iso *entity.DiskSpec, seq int) (outcome Outcome, err error) {
	defer func() { m.observe("iso", "replace", err) }()

	err = m.locks.WithLock(ctx, domain, func() error {
		def, err := m.domainXML(domain)
		if err != nil {
			return err
		}
		slot := &entity.DiskSpec{Role: entity.DiskRoleISO, DeviceSeq: seq}
		outcome, err = m.detachISOLocked(ctx, domain, def, slot)
		if err != nil {
			return err
		}

		next := *iso
		next.DeviceSeq = seq
		if err := m.attachISOLocked(ctx, domain, def, &next); err != nil {
			return err
		}
		if outcome == Detached {
			outcome = Replaced
		}
		return nil
	})
	return outcome, err
}

// PlugNIC 由 VIF 驱动生成网卡并热插
func (m *Manager) PlugNIC(ctx context.Context, domain string, nic *entity.NicSpec) (err error) {
	defer func() { m.observe("nic", "plug", err) }()

	err = m.locks.WithLock(ctx, domain, func() error {
		def, err := m.domainXML(domain)
		if err != nil {
			return err
		}
		iface, err := m.builder.Interface(ctx, nic, def.VCPU.Value, nil)
		if err != nil {
			return err
		}
		if err := m.client.AttachDevice(domain, iface); err != nil {
			// 驱动在 Interface 中已经准备了宿主机侧设备
			if m.vifs != nil {
				m.vifs.UnplugAll(ctx, iface)
			}
			return nativeErr("plug nic", domain, err)
		}
		zerolog.Ctx(ctx).Info().Str("domain", domain).Str("mac", nic.MAC).Msg("nic plugged")
		return nil
	})
	if err == nil {
		m.networkUsage(ctx, "plug", domain, nic.MAC)
	}
	return err
}

// UnplugNIC 按 MAC 找到网卡卸载，然后调用所有驱动的 Unplug
func (m *Manager) UnplugNIC(ctx context.Context, domain, mac string) (outcome Outcome, err error) {
	defer func() { m.observe("nic", "unplug", err) }()

	err = m.locks.WithLock(ctx, domain, func() error {
		def, err := m.domainXML(domain)
		if err != nil {
			return err
		}
		iface := findInterfaceByMAC(def, mac)
		if iface == nil {
			zerolog.Ctx(ctx).Warn().
				Err(apierror.Errorf(apierror.ErrDeviceNotFound, "nic %s not attached", mac)).
				Str("domain", domain).
				Msg("nic unplug skipped")
			outcome = AlreadyAbsent
			return nil
		}
		if err := m.client.DetachDevice(domain, iface); err != nil {
			return nativeErr("unplug nic", domain, err)
		}
		if m.vifs != nil {
			m.vifs.UnplugAll(ctx, iface)
		}
		outcome = Detached
		zerolog.Ctx(ctx).Info().Str("domain", domain).Str("mac", mac).Msg("nic unplugged")
		return nil
	})
	if err == nil && outcome == Detached {
		m.networkUsage(ctx, "unplug", domain, mac)
	}
	return outcome, err
}

func findInterfaceByMAC(def *libvirt.DomainXML, mac string) *libvirt.DomainInterface {
	for i := range def.Devices.Interfaces {
		iface := &def.Devices.Interfaces[i]
		if iface.MAC != nil && strings.EqualFold(iface.MAC.Address, mac) {
			return iface
		}
	}
	return nil
}

// networkUsage 调用流量统计脚本，失败只记录日志
func (m *Manager) networkUsage(ctx context.Context, op, domain, mac string) {
	if m.cfg.NetworkUsageScript == "" || m.runner == nil {
		return
	}
	logger := zerolog.Ctx(ctx).With().Str("domain", domain).Str("mac", mac).Str("op", op).Logger()
	result, err := m.runner.Run(ctx, m.cfg.HookTimeout, m.cfg.NetworkUsageScript, "-o", op, "-d", domain, "-m", mac)
	if err != nil {
		logger.Warn().Err(err).Msg("network usage hook failed")
		return
	}
	if !result.Success() {
		logger.Warn().Int("exit_code", result.ExitCode).Str("output", result.Output()).Msg("network usage hook failed")
	}
}
