// Package entity 定义业务实体
package entity

import (
	"strings"
)

// FirmwareMode 固件类型
type FirmwareMode string

const (
	FirmwareBIOS FirmwareMode = "BIOS"
	FirmwareUEFI FirmwareMode = "UEFI"
)

// Firmware 固件配置
type Firmware struct {
	Mode   FirmwareMode `json:"mode"`
	Secure bool         `json:"secure,omitempty"` // 仅 UEFI 有效
}

// VM details 中识别的键
const (
	DetailUEFI                = "UEFI" // SECURE | LEGACY
	DetailCPUCorePerSocket    = "cpuCorePerSocket"
	DetailCPUThreadPerCore    = "cpuThreadPerCore"
	DetailRootDiskController  = "rootDiskController"
	DetailDataDiskController  = "dataDiskController"
	DetailIOThreads           = "iothreads"
	DetailVideoHardware       = "video.hardware"
	DetailVideoRAM            = "video.ram"
	DetailVirtualTPMModel     = "virtual.tpm.model"
	DetailVirtualTPMVersion   = "virtual.tpm.version"
	DetailNICMultiqueueNumber = "nic.multiqueue.number"
	DetailNICPackedVirtqueues = "nic.packed.virtqueues.enabled"
)

// VmSpec 编排系统下发的虚拟机规格，单次构建内不可变
type VmSpec struct {
	Name string `json:"name"`
	UUID string `json:"uuid"`

	VCPUs       int `json:"vcpus"`
	SpeedMHz    int `json:"speed_mhz"`
	MinSpeedMHz int `json:"min_speed_mhz,omitempty"` // 0 表示未设置

	MinRAM uint64 `json:"min_ram"` // 字节
	MaxRAM uint64 `json:"max_ram"` // 字节

	Firmware Firmware `json:"firmware"`
	// OSFamily 客户机操作系统描述，例如 "Ubuntu 22.04"、"Windows Server 2022"
	OSFamily string `json:"os_family"`
	// Arch 客户机架构，为空时使用宿主机架构
	Arch string `json:"arch,omitempty"`

	Disks   []DiskSpec        `json:"disks"`
	Nics    []NicSpec         `json:"nics"`
	Details map[string]string `json:"details,omitempty"`

	EnableBallooning bool `json:"enable_ballooning,omitempty"`
	// CPUQuotaPercentage 硬上限，按比例表示（0.25 即 25%），0 表示不限制
	CPUQuotaPercentage float64 `json:"cpu_quota_percentage,omitempty"`

	VNCAddr     string `json:"vnc_addr,omitempty"`
	VNCPassword string `json:"vnc_password,omitempty"`
	// Emulator qemu 可执行文件路径，为空时由 libvirt 决定
	Emulator string `json:"emulator,omitempty"`
}

// EffectiveSpeed 计算 CPU 权重使用的频率，设置了 min-speed 时优先使用
func (s *VmSpec) EffectiveSpeed() int {
	if s.MinSpeedMHz > 0 {
		return s.MinSpeedMHz
	}
	return s.SpeedMHz
}

// Detail 读取 detail，去掉首尾空白
func (s *VmSpec) Detail(key string) string {
	if s.Details == nil {
		return ""
	}
	return strings.TrimSpace(s.Details[key])
}

// EffectiveFirmware detail 中的 UEFI 标记优先于 Firmware 字段
func (s *VmSpec) EffectiveFirmware() Firmware {
	switch strings.ToUpper(s.Detail(DetailUEFI)) {
	case "SECURE":
		return Firmware{Mode: FirmwareUEFI, Secure: true}
	case "LEGACY":
		return Firmware{Mode: FirmwareUEFI}
	}
	if s.Firmware.Mode == FirmwareUEFI {
		return s.Firmware
	}
	return Firmware{Mode: FirmwareBIOS}
}

// IsWindows 客户机是否为 Windows
func (s *VmSpec) IsWindows() bool {
	return strings.HasPrefix(s.OSFamily, "Windows")
}

// DiskByRole 返回指定角色的磁盘
func (s *VmSpec) DiskByRole(role DiskRole) []DiskSpec {
	var disks []DiskSpec
	for _, d := range s.Disks {
		if d.Role == role {
			disks = append(disks, d)
		}
	}
	return disks
}

// NicSpec 网卡规格
type NicSpec struct {
	MAC         string      `json:"mac"`
	TrafficType TrafficType `json:"traffic_type"`
	// BroadcastURI 例如 vlan://100、untagged
	BroadcastURI string `json:"broadcast_uri,omitempty"`
	// Bridge 网桥名；direct 模式下为物理网卡名
	Bridge    string            `json:"bridge,omitempty"`
	Model     string            `json:"model,omitempty"` // 默认 virtio
	DeviceSeq int               `json:"device_seq"`
	Details   map[string]string `json:"details,omitempty"`
}

// TrafficType 网络流量类型
type TrafficType string

const (
	TrafficGuest      TrafficType = "Guest"
	TrafficManagement TrafficType = "Management"
	TrafficPublic     TrafficType = "Public"
	TrafficStorage    TrafficType = "Storage"
	TrafficControl    TrafficType = "Control"
)

// ModelOrDefault 网卡型号，默认 virtio
func (n *NicSpec) ModelOrDefault() string {
	if n.Model == "" {
		return "virtio"
	}
	return n.Model
}
