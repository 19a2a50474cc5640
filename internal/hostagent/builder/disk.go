package builder

import (
	"path"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/jimyag/hostagent/internal/hostagent/entity"
	"github.com/jimyag/hostagent/pkg/apierror"
	"github.com/jimyag/hostagent/pkg/libvirt"
)

// linuxPrefixes 默认使用 virtio 总线的发行版
var linuxPrefixes = []string{
	"Fedora", "CentOS", "Red Hat Enterprise Linux", "Debian GNU/Linux",
	"FreeBSD", "Oracle", "Rocky Linux", "AlmaLinux", "Other PV",
}

// GuestDiskBus 根据客户机操作系统推断根盘总线
func GuestDiskBus(osFamily, arch string, fw entity.Firmware) entity.DiskBus {
	if osFamily == "" {
		return entity.DiskBusIDE
	}
	if strings.HasPrefix(osFamily, "Other PV Virtio-SCSI") {
		return entity.DiskBusSCSI
	}
	if strings.Contains(osFamily, "Ubuntu") {
		return entity.DiskBusVirtio
	}
	for _, p := range linuxPrefixes {
		if strings.HasPrefix(osFamily, p) {
			return entity.DiskBusVirtio
		}
	}
	if fw.Mode == entity.FirmwareUEFI && (strings.HasPrefix(osFamily, "Windows") || strings.HasPrefix(osFamily, "Other")) {
		return entity.DiskBusSATA
	}
	if arch == archAarch64 || arch == archS390x {
		return entity.DiskBusSCSI
	}
	return entity.DiskBusIDE
}

// Buses 一台虚拟机的根盘、数据盘和光驱总线
type Buses struct {
	Root entity.DiskBus
	Data entity.DiskBus
	ISO  entity.DiskBus
}

// ResolveBuses 优先级：虚拟机级 rootDiskController/dataDiskController，其次操作系统推断
// 数据盘未指定时，根盘为 SCSI 则用 SCSI，否则用 virtio；Windows UEFI 的数据盘跟随根盘。
func ResolveBuses(spec *entity.VmSpec, arch string, fw entity.Firmware) Buses {
	root, ok := entity.ParseDiskBus(spec.Detail(entity.DetailRootDiskController))
	if !ok {
		root = GuestDiskBus(spec.OSFamily, arch, fw)
	}

	data, ok := entity.ParseDiskBus(spec.Detail(entity.DetailDataDiskController))
	if !ok {
		switch {
		case root == entity.DiskBusSCSI:
			data = entity.DiskBusSCSI
		case spec.IsWindows() && fw.Mode == entity.FirmwareUEFI:
			data = root
		default:
			data = entity.DiskBusVirtio
		}
	}

	iso := entity.DiskBusIDE
	switch {
	case arch == archAarch64 || arch == archS390x:
		iso = entity.DiskBusSCSI
	case fw.Mode == entity.FirmwareUEFI:
		iso = entity.DiskBusSATA
	}
	return Buses{Root: root, Data: data, ISO: iso}
}

// For 卷级别的覆盖优先，RBD 和 Gluster 网络盘不分角色都用根盘总线
func (b Buses) For(d *entity.DiskSpec) entity.DiskBus {
	if d.BusOverride != "" {
		if bus, ok := entity.ParseDiskBus(string(d.BusOverride)); ok {
			return bus
		}
	}
	switch {
	case d.Role == entity.DiskRoleISO:
		return b.ISO
	case d.Role == entity.DiskRoleRoot, isNetworkDisk(d):
		return b.Root
	default:
		return b.Data
	}
}

func isNetworkDisk(d *entity.DiskSpec) bool {
	if d.Disk == nil {
		return false
	}
	return d.Disk.Pool.Type == entity.PoolRBD || d.Disk.Pool.Type == entity.PoolGluster
}

// TargetDev 由总线和设备序号确定 target，例如 virtio 0 -> vda，scsi 27 -> sdab
func TargetDev(bus entity.DiskBus, seq int) string {
	prefix := "hd"
	switch bus {
	case entity.DiskBusVirtio:
		prefix = "vd"
	case entity.DiskBusSCSI, entity.DiskBusSATA, entity.DiskBusUSB:
		prefix = "sd"
	}
	return prefix + diskLetters(seq)
}

// diskLetters 0 -> a，25 -> z，26 -> aa
func diskLetters(n int) string {
	if n < 0 {
		n = 0
	}
	var b []byte
	for n++; n > 0; n = (n - 1) / 26 {
		b = append([]byte{byte('a' + (n-1)%26)}, b...)
	}
	return string(b)
}

// DiskSerial 由卷 UUID 生成 serial，去掉连字符后取前 20 位
// 没有卷 UUID 时由路径生成确定的 UUID。
func DiskSerial(d *entity.DiskSpec) string {
	id := d.VolumeUUID
	if id == "" {
		id = uuid.NewMD5(uuid.NameSpaceURL, []byte(d.Path())).String()
	}
	serial := strings.ReplaceAll(id, "-", "")
	if len(serial) > 20 {
		serial = serial[:20]
	}
	return serial
}

// VolumeSecretUUID 加密卷对应的 libvirt secret UUID，同一路径始终相同
func VolumeSecretUUID(volumePath string) string {
	return uuid.NewMD5(uuid.NameSpaceOID, []byte("volume-secret:"+volumePath)).String()
}

// CDROMDevice 光驱，Disk 为空时生成空光驱
func CDROMDevice(d *entity.DiskSpec, bus entity.DiskBus) *libvirt.DomainDisk {
	disk := &libvirt.DomainDisk{
		Type:     "file",
		Device:   "cdrom",
		Driver:   &libvirt.DomainDiskDriver{Name: "qemu", Type: "raw"},
		Target:   libvirt.DomainDiskTarget{Dev: TargetDev(bus, d.DeviceSeq), Bus: string(bus)},
		ReadOnly: &libvirt.DomainFeatureEnabled{},
	}
	if p := d.Path(); p != "" {
		disk.Source = &libvirt.DomainDiskSource{File: p}
	}
	return disk
}

// DiskDevice 按存储池类型生成磁盘定义
func (b *Builder) DiskDevice(d *entity.DiskSpec, bus entity.DiskBus, iothreads bool) (*libvirt.DomainDisk, error) {
	if d.Role == entity.DiskRoleISO {
		return CDROMDevice(d, bus), nil
	}
	if d.Disk == nil || d.Disk.Path == "" {
		return nil, apierror.Errorf(apierror.ErrInvalidParameter, "disk %d has no physical path", d.DeviceSeq)
	}

	pd := d.Disk
	disk := &libvirt.DomainDisk{
		Device: "disk",
		Target: libvirt.DomainDiskTarget{Dev: TargetDev(bus, d.DeviceSeq), Bus: string(bus)},
		Serial: DiskSerial(d),
	}
	driver := &libvirt.DomainDiskDriver{Name: "qemu"}

	switch {
	case pd.Pool.Type == entity.PoolRBD:
		if len(pd.Pool.Hosts) == 0 {
			return nil, apierror.Errorf(apierror.ErrInvalidParameter, "rbd disk %s has no monitor hosts", pd.Path)
		}
		disk.Type = "network"
		disk.Source = &libvirt.DomainDiskSource{
			Protocol: "rbd",
			Name:     SourcePath(pd),
			Hosts:    sourceHosts(pd.Pool),
		}
		if pd.Pool.AuthUser != "" {
			secret := pd.Pool.AuthUUID
			if secret == "" {
				secret = pd.Pool.UUID
			}
			disk.Auth = &libvirt.DomainDiskAuth{
				Username: pd.Pool.AuthUser,
				Secret:   libvirt.DomainDiskSecret{Type: "ceph", UUID: secret},
			}
		}
		driver.Type = "raw"
	case pd.Pool.Type == entity.PoolGluster:
		disk.Type = "network"
		disk.Source = &libvirt.DomainDiskSource{
			Protocol: "gluster",
			Name:     SourcePath(pd),
			Hosts:    sourceHosts(pd.Pool),
		}
		driver.Type = "qcow2"
	case pd.Pool.Type == entity.PoolPowerFlex:
		disk.Type = "block"
		disk.Source = &libvirt.DomainDiskSource{Dev: pd.Path}
		driver.Type = "raw"
		if pd.Format == entity.FormatQCOW2 {
			driver.Type = "qcow2"
		}
	case pd.Pool.Type == entity.PoolCLVM || pd.Format == entity.FormatRAW:
		disk.Type = "block"
		disk.Source = &libvirt.DomainDiskSource{Dev: pd.Path}
		driver.Type = "raw"
	default:
		disk.Type = "file"
		disk.Source = &libvirt.DomainDiskSource{File: pd.Path}
		driver.Type = "raw"
		if pd.Format == entity.FormatQCOW2 {
			driver.Type = "qcow2"
		}
	}

	if bus == entity.DiskBusSCSI || bus == entity.DiskBusVirtio || pd.Pool.Type == entity.PoolLinstor {
		driver.Discard = "unmap"
	}
	switch {
	case iothreads && bus == entity.DiskBusVirtio:
		driver.IOThread = 1
		driver.IO = "threads"
	case b.opts.IOUring && b.host.LibvirtVersion >= minLibvirtIOUring:
		driver.IO = "io_uring"
	}
	if d.CacheMode != "" {
		driver.Cache = strings.ToLower(d.CacheMode)
	}
	disk.Driver = driver

	if !d.IOTune.IsZero() {
		t := d.IOTune
		disk.IOTune = &libvirt.DomainDiskIOTune{
			ReadBytesSec:     t.ReadBytesSec,
			ReadBytesSecMax:  t.ReadBytesSecMax,
			WriteBytesSec:    t.WriteBytesSec,
			WriteBytesSecMax: t.WriteBytesSecMax,
			ReadIopsSec:      t.ReadIopsSec,
			ReadIopsSecMax:   t.ReadIopsSecMax,
			WriteIopsSec:     t.WriteIopsSec,
			WriteIopsSecMax:  t.WriteIopsSecMax,
		}
	}

	if d.IsEncrypted() {
		disk.Encryption = &libvirt.DomainDiskEncryption{
			Format: strings.ToLower(d.EncryptFormat),
			Secret: libvirt.DomainSecret{Type: "passphrase", UUID: VolumeSecretUUID(pd.Path)},
		}
	}
	return disk, nil
}

// SourcePath 磁盘定义中 source 的 file、dev 或 name
// 网络盘的 name 与卷路径不同：RBD 去掉 rbd: 前缀，Gluster 为卷名加上挂载点下的相对路径。
func SourcePath(pd *entity.PhysicalDisk) string {
	switch pd.Pool.Type {
	case entity.PoolRBD:
		return strings.TrimPrefix(pd.Path, "rbd:")
	case entity.PoolGluster:
		volume := strings.ReplaceAll(pd.Pool.SourceDir, "/", "")
		return path.Join(volume, strings.TrimPrefix(pd.Path, pd.Pool.LocalPath))
	}
	return pd.Path
}

func sourceHosts(pool entity.PoolRef) []libvirt.DomainDiskSourceHost {
	hosts := make([]libvirt.DomainDiskSourceHost, 0, len(pool.Hosts))
	for _, h := range pool.Hosts {
		host := libvirt.DomainDiskSourceHost{Name: h}
		if pool.Port > 0 {
			host.Port = strconv.Itoa(pool.Port)
		}
		hosts = append(hosts, host)
	}
	return hosts
}
