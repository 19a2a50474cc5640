package compute

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/jimyag/hostagent/internal/hostagent/entity"
	"github.com/jimyag/hostagent/pkg/libvirt"
)

const (
	// DefaultCgroupMount cgroup 挂载点
	DefaultCgroupMount = "/sys/fs/cgroup"
	// cgroup2Magic CGROUP2_SUPER_MAGIC
	cgroup2Magic = 0x63677270
)

// CgroupVersion cgroup 版本
type CgroupVersion int

const (
	CgroupV1 CgroupVersion = 1
	CgroupV2 CgroupVersion = 2
)

// statfsFunc 便于测试替换
type statfsFunc func(path string, buf *unix.Statfs_t) error

// DetectCgroupVersion 通过挂载点文件系统类型判断 cgroup 版本
func DetectCgroupVersion(mount string) (CgroupVersion, error) {
	return detectCgroupVersion(mount, unix.Statfs)
}

func detectCgroupVersion(mount string, statfs statfsFunc) (CgroupVersion, error) {
	var st unix.Statfs_t
	if err := statfs(mount, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", mount, err)
	}
	if int64(st.Type) == cgroup2Magic {
		return CgroupV2, nil
	}
	return CgroupV1, nil
}

// HostMaxCapacity cgroup v2 下宿主机总算力 cores*speed，v1 下为 0
func HostMaxCapacity(version CgroupVersion, cores, speedMHz int) int {
	if version != CgroupV2 {
		return 0
	}
	return cores * speedMHz
}

// HostInfo 主机初始化时计算一次，显式传给构建器
type HostInfo struct {
	Arch            string
	Cores           int
	SpeedMHz        int
	CgroupVersion   CgroupVersion
	HostMaxCapacity int
	// LibvirtVersion 编码为 major*1000000 + minor*1000 + micro
	LibvirtVersion uint64
	QemuVersion    uint64
}

// ProbeHost 读取宿主机能力并计算 HostInfo
func ProbeHost(ctx context.Context, client libvirt.LibvirtClient, cgroupMount string) (*HostInfo, error) {
	caps, err := client.GetHostCapabilities()
	if err != nil {
		return nil, err
	}
	libVersion, err := client.GetLibVersion()
	if err != nil {
		return nil, err
	}
	qemuVersion, err := client.GetHypervisorVersion()
	if err != nil {
		return nil, err
	}

	cores := caps.CPUs
	if cores == 0 {
		cores = caps.TotalCores() * caps.Threads
	}

	version, err := DetectCgroupVersion(cgroupMount)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("failed to detect cgroup version, assuming v1")
		version = CgroupV1
	}

	info := &HostInfo{
		Arch:            caps.Arch,
		Cores:           cores,
		SpeedMHz:        caps.SpeedMHz,
		CgroupVersion:   version,
		HostMaxCapacity: HostMaxCapacity(version, cores, caps.SpeedMHz),
		LibvirtVersion:  libVersion,
		QemuVersion:     qemuVersion,
	}
	zerolog.Ctx(ctx).Info().
		Str("arch", info.Arch).
		Int("cores", info.Cores).
		Int("speed_mhz", info.SpeedMHz).
		Int("cgroup", int(info.CgroupVersion)).
		Int("host_max_capacity", info.HostMaxCapacity).
		Str("libvirt", libvirt.FormatVersion(libVersion)).
		Msg("host probed")
	return info, nil
}

// GuestArch 客户机架构，未指定时使用宿主机架构
func (h *HostInfo) GuestArch(spec *entity.VmSpec) string {
	if spec.Arch != "" {
		return spec.Arch
	}
	if h.Arch != "" {
		return h.Arch
	}
	return "x86_64"
}

// Memory 内存（KiB）
type Memory struct {
	MaxKiB     uint64
	CurrentKiB uint64
}

// MemoryKiB 开启 balloon 时当前内存为最小值，否则与最大值相同
func MemoryKiB(spec *entity.VmSpec) Memory {
	maxKiB := spec.MaxRAM / 1024
	current := maxKiB
	if spec.EnableBallooning && spec.MinRAM > 0 && spec.MinRAM < spec.MaxRAM {
		current = spec.MinRAM / 1024
	}
	return Memory{MaxKiB: maxKiB, CurrentKiB: current}
}
