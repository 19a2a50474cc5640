// Package builder 把 VmSpec 转换为 libvirt domain 定义
//
// Build 只依赖入参和构造时传入的宿主机信息，相同输入得到相同的设备顺序和地址，
// 迁移目标主机重新生成的定义必须和源主机一致。
package builder

import (
	"context"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"

	"github.com/jimyag/hostagent/internal/hostagent/compute"
	"github.com/jimyag/hostagent/internal/hostagent/entity"
	"github.com/jimyag/hostagent/pkg/apierror"
	"github.com/jimyag/hostagent/pkg/libvirt"
)

const (
	archX86     = "x86_64"
	archAarch64 = "aarch64"
	archS390x   = "s390x"

	// libvirt 6.3.0 起支持 io_uring
	minLibvirtIOUring = 6003000

	guestAgentChannel = "org.qemu.guest_agent.0"
	// scsiUnitsPerController 每个 virtio-scsi 控制器挂载的磁盘数
	scsiUnitsPerController = 7
)

// Options 构建器配置，来自 agent 配置文件
type Options struct {
	// ManualTopology 为 false 时不输出 <topology>
	ManualTopology bool
	// GuestCPUMode 默认 host-model
	GuestCPUMode string

	UEFILegacyLoader   string
	UEFISecureLoader   string
	UEFILegacyTemplate string
	UEFISecureTemplate string
	NVRAMDir           string

	QemuSocketsDir string

	VideoHardware string
	VideoRAM      uint

	// IOUring 在 libvirt 支持时使用 io_uring
	IOUring bool
}

// NicPlugger 生成网卡定义，由 vif.Registry 实现
type NicPlugger interface {
	Plug(ctx context.Context, nic *entity.NicSpec) (*libvirt.DomainInterface, error)
}

// Builder domain 构建器
type Builder struct {
	opts Options
	host *compute.HostInfo
	nics NicPlugger
}

// New 创建构建器，host 在主机初始化时探测一次
func New(opts Options, host *compute.HostInfo, nics NicPlugger) *Builder {
	if opts.GuestCPUMode == "" {
		opts.GuestCPUMode = "host-model"
	}
	if opts.QemuSocketsDir == "" {
		opts.QemuSocketsDir = "/var/lib/libvirt/qemu"
	}
	if opts.NVRAMDir == "" {
		opts.NVRAMDir = "/var/lib/libvirt/qemu/nvram"
	}
	if host == nil {
		host = &compute.HostInfo{Arch: archX86}
	}
	return &Builder{opts: opts, host: host, nics: nics}
}

// Host 构建使用的宿主机信息
func (b *Builder) Host() *compute.HostInfo {
	return b.host
}

// Build 生成 domain 定义，disks 是已经解析过物理磁盘的 spec.Disks
func (b *Builder) Build(ctx context.Context, spec *entity.VmSpec, disks []entity.DiskSpec) (*libvirt.DomainXML, error) {
	if err := validateSpec(spec, disks); err != nil {
		return nil, err
	}

	arch := b.host.GuestArch(spec)
	fw := spec.EffectiveFirmware()
	mem := compute.MemoryKiB(spec)
	iothreads := spec.Detail(entity.DetailIOThreads) != ""

	osDef, err := b.osConfig(spec, arch, fw)
	if err != nil {
		return nil, err
	}

	domain := &libvirt.DomainXML{
		Type:          "kvm",
		Name:          spec.Name,
		UUID:          spec.UUID,
		Memory:        libvirt.DomainMemory{Unit: "KiB", Value: mem.MaxKiB},
		CurrentMemory: &libvirt.DomainMemory{Unit: "KiB", Value: mem.CurrentKiB},
		VCPU:          libvirt.DomainVCPU{Placement: "static", Value: spec.VCPUs},
		CPUTune:       b.cpuTune(spec),
		OS:            *osDef,
		Features:      features(spec, arch, fw),
		CPU:           b.cpu(ctx, spec, arch),
		Clock:         clock(spec, arch),
		OnPoweroff:    "destroy",
		OnReboot:      "restart",
		OnCrash:       "destroy",
	}
	if iothreads {
		domain.IOThreads = 1
	}

	devices, err := b.devices(ctx, spec, disks, arch, fw, iothreads)
	if err != nil {
		return nil, err
	}
	domain.Devices = *devices

	zerolog.Ctx(ctx).Debug().
		Str("domain", spec.Name).
		Str("arch", arch).
		Str("machine", domain.OS.Type.Machine).
		Int("disks", len(domain.Devices.Disks)).
		Int("interfaces", len(domain.Devices.Interfaces)).
		Msg("domain definition built")
	return domain, nil
}

func validateSpec(spec *entity.VmSpec, disks []entity.DiskSpec) error {
	if spec == nil || spec.Name == "" {
		return apierror.Errorf(apierror.ErrInvalidParameter, "vm name is required")
	}
	if spec.VCPUs <= 0 {
		return apierror.Errorf(apierror.ErrInvalidParameter, "vm %s: vcpus must be positive", spec.Name)
	}
	if spec.MaxRAM == 0 {
		return apierror.Errorf(apierror.ErrInvalidParameter, "vm %s: memory must be positive", spec.Name)
	}
	seen := make(map[int]bool, len(disks))
	for _, d := range disks {
		if seen[d.DeviceSeq] {
			return apierror.Errorf(apierror.ErrInvalidParameter, "vm %s: duplicate disk device seq %d", spec.Name, d.DeviceSeq)
		}
		seen[d.DeviceSeq] = true
		if d.Role != entity.DiskRoleISO && d.Disk == nil {
			return apierror.Errorf(apierror.ErrInvalidParameter, "vm %s: disk %d has no physical disk", spec.Name, d.DeviceSeq)
		}
	}
	return nil
}

// MachineType 固件和架构对应的机器类型
func MachineType(arch string, fw entity.Firmware) string {
	switch arch {
	case archAarch64:
		return "virt"
	case archS390x:
		return "s390-ccw-virtio"
	}
	if fw.Mode == entity.FirmwareUEFI {
		return "q35"
	}
	return "pc"
}

func (b *Builder) osConfig(spec *entity.VmSpec, arch string, fw entity.Firmware) (*libvirt.DomainOS, error) {
	def := &libvirt.DomainOS{
		Type: libvirt.DomainOSType{Arch: arch, Machine: MachineType(arch, fw), Value: "hvm"},
		Boot: []libvirt.DomainBoot{{Dev: "cdrom"}, {Dev: "hd"}},
	}
	if fw.Mode != entity.FirmwareUEFI {
		return def, nil
	}

	loader, template := b.opts.UEFILegacyLoader, b.opts.UEFILegacyTemplate
	if fw.Secure {
		loader, template = b.opts.UEFISecureLoader, b.opts.UEFISecureTemplate
	}
	if loader == "" {
		return nil, apierror.Errorf(apierror.ErrConfiguration, "vm %s requests UEFI (secure=%t) but no loader is configured", spec.Name, fw.Secure)
	}
	def.Loader = &libvirt.DomainLoader{Readonly: "yes", Type: "pflash", Path: loader}
	if fw.Secure {
		def.Loader.Secure = "yes"
	}
	def.NVRAM = &libvirt.DomainNVRAM{
		Template: template,
		Path:     filepath.Join(b.opts.NVRAMDir, spec.Name+".fd"),
	}
	return def, nil
}

func (b *Builder) cpuTune(spec *entity.VmSpec) *libvirt.DomainCPUTune {
	tune := &libvirt.DomainCPUTune{
		Shares: compute.CPUShares(spec.VCPUs, spec.EffectiveSpeed(), b.host.HostMaxCapacity),
	}
	if spec.CPUQuotaPercentage > 0 {
		tune.Quota, tune.Period = compute.QuotaAndPeriod(spec.CPUQuotaPercentage)
	}
	return tune
}

func (b *Builder) cpu(ctx context.Context, spec *entity.VmSpec, arch string) *libvirt.DomainCPU {
	mode := b.opts.GuestCPUMode
	if arch == archAarch64 {
		mode = "host-passthrough"
	}
	cpu := &libvirt.DomainCPU{Mode: mode}
	if t := compute.CPUTopology(ctx, spec.VCPUs, spec.Details, b.opts.ManualTopology); t != nil {
		cpu.Topology = &libvirt.DomainTopology{Sockets: t.Sockets, Cores: t.Cores, Threads: t.Threads}
	}
	return cpu
}

func features(spec *entity.VmSpec, arch string, fw entity.Firmware) *libvirt.DomainFeatures {
	f := &libvirt.DomainFeatures{}
	switch arch {
	case archS390x:
		return nil
	case archAarch64:
		f.ACPI = &libvirt.DomainFeatureEnabled{}
	default:
		f.PAE = &libvirt.DomainFeatureEnabled{}
		f.ACPI = &libvirt.DomainFeatureEnabled{}
		f.APIC = &libvirt.DomainFeatureEnabled{}
	}
	if fw.Secure {
		f.SMM = &libvirt.DomainFeatureState{State: "on"}
	}
	if spec.IsWindows() && arch == archX86 {
		f.HyperV = &libvirt.DomainHyperV{
			Relaxed:   &libvirt.DomainFeatureState{State: "on"},
			VAPIC:     &libvirt.DomainFeatureState{State: "on"},
			Spinlocks: &libvirt.DomainSpinlocks{State: "on", Retries: 8096},
		}
	}
	return f
}

func clock(spec *entity.VmSpec, arch string) *libvirt.DomainClock {
	if spec.IsWindows() {
		return &libvirt.DomainClock{
			Offset: "localtime",
			Timers: []libvirt.DomainTimer{{Name: "hypervclock", Present: "yes"}},
		}
	}
	c := &libvirt.DomainClock{Offset: "utc"}
	if arch == archX86 {
		c.Timers = []libvirt.DomainTimer{{Name: "kvmclock", Present: "yes"}}
	}
	return c
}

func (b *Builder) devices(ctx context.Context, spec *entity.VmSpec, disks []entity.DiskSpec, arch string, fw entity.Firmware, iothreads bool) (*libvirt.DomainDevices, error) {
	devices := &libvirt.DomainDevices{Emulator: spec.Emulator}

	sorted := make([]entity.DiskSpec, len(disks))
	copy(sorted, disks)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].DeviceSeq < sorted[j].DeviceSeq })

	buses := ResolveBuses(spec, arch, fw)
	scsiRank := 0
	for i := range sorted {
		d := &sorted[i]
		bus := buses.For(d)
		var (
			disk *libvirt.DomainDisk
			err  error
		)
		if d.Role == entity.DiskRoleISO {
			disk = CDROMDevice(d, bus)
		} else {
			disk, err = b.DiskDevice(d, bus, iothreads)
			if err != nil {
				return nil, err
			}
		}
		if bus == entity.DiskBusSCSI {
			disk.Address = SCSIAddress(scsiRank)
			scsiRank++
		}
		devices.Disks = append(devices.Disks, *disk)
	}
	devices.Controllers = scsiControllers(scsiRank, spec.VCPUs, iothreads)

	nics := make([]entity.NicSpec, len(spec.Nics))
	copy(nics, spec.Nics)
	sort.SliceStable(nics, func(i, j int) bool { return nics[i].DeviceSeq < nics[j].DeviceSeq })
	for i := range nics {
		iface, err := b.Interface(ctx, &nics[i], spec.VCPUs, spec.Details)
		if err != nil {
			return nil, err
		}
		devices.Interfaces = append(devices.Interfaces, *iface)
	}

	b.peripherals(ctx, spec, arch, devices)
	return devices, nil
}

// SCSIAddress 第 rank 个 SCSI 磁盘的地址
func SCSIAddress(rank int) *libvirt.DomainAddress {
	return &libvirt.DomainAddress{
		Type:       "drive",
		Controller: rank / scsiUnitsPerController,
		Unit:       rank % scsiUnitsPerController,
	}
}

// scsiControllers 每 7 个 SCSI 磁盘一个控制器
func scsiControllers(scsiDisks, vcpus int, iothreads bool) []libvirt.DomainController {
	n := (scsiDisks + scsiUnitsPerController - 1) / scsiUnitsPerController
	controllers := make([]libvirt.DomainController, 0, n)
	for i := 0; i < n; i++ {
		driver := &libvirt.DomainControllerDriver{Queues: vcpus}
		if iothreads {
			driver.IOThread = 1
		}
		controllers = append(controllers, libvirt.DomainController{
			Type:   "scsi",
			Index:  i,
			Model:  "virtio-scsi",
			Driver: driver,
		})
	}
	return controllers
}

// ManualConsolidationOnly StorPool 卷不支持原地扩容，只接受手动合并通知
func ManualConsolidationOnly(poolType entity.PoolType) bool {
	return poolType == entity.PoolStorPool
}
