package entity

import (
	"path/filepath"
	"strings"
)

// DiskRole 磁盘角色
type DiskRole string

const (
	DiskRoleRoot DiskRole = "ROOT"
	DiskRoleData DiskRole = "DATA"
	DiskRoleISO  DiskRole = "ISO"
)

// DiskBus 磁盘总线
type DiskBus string

const (
	DiskBusIDE    DiskBus = "ide"
	DiskBusSATA   DiskBus = "sata"
	DiskBusSCSI   DiskBus = "scsi"
	DiskBusVirtio DiskBus = "virtio"
	DiskBusUSB    DiskBus = "usb"
)

// ParseDiskBus 不区分大小写解析总线，无法识别时返回 false
func ParseDiskBus(s string) (DiskBus, bool) {
	switch DiskBus(strings.ToLower(strings.TrimSpace(s))) {
	case DiskBusIDE:
		return DiskBusIDE, true
	case DiskBusSATA:
		return DiskBusSATA, true
	case DiskBusSCSI:
		return DiskBusSCSI, true
	case DiskBusVirtio:
		return DiskBusVirtio, true
	case DiskBusUSB:
		return DiskBusUSB, true
	}
	return "", false
}

// ImageFormat 磁盘镜像格式
type ImageFormat string

const (
	FormatRAW   ImageFormat = "RAW"
	FormatQCOW2 ImageFormat = "QCOW2"
	FormatFile  ImageFormat = "FILE"
	FormatDir   ImageFormat = "DIR"
)

// PoolType 存储池类型
type PoolType string

const (
	PoolFilesystem        PoolType = "Filesystem"
	PoolNetworkFilesystem PoolType = "NetworkFilesystem"
	PoolSharedMountPoint  PoolType = "SharedMountPoint"
	PoolGluster           PoolType = "Gluster"
	PoolRBD               PoolType = "RBD"
	PoolCLVM              PoolType = "CLVM"
	PoolIscsi             PoolType = "Iscsi"
	PoolPowerFlex         PoolType = "PowerFlex"
	PoolStorPool          PoolType = "StorPool"
	PoolLinstor           PoolType = "Linstor"
)

// IsNetworkProtocol 通过网络协议（host+port+auth）访问的存储池
func (t PoolType) IsNetworkProtocol() bool {
	return t == PoolRBD || t == PoolGluster
}

// IsFileBased 本地或共享文件系统存储池
func (t PoolType) IsFileBased() bool {
	switch t {
	case PoolFilesystem, PoolNetworkFilesystem, PoolSharedMountPoint, PoolGluster:
		return true
	}
	return false
}

// PoolRef 磁盘所属存储池
type PoolRef struct {
	UUID      string   `json:"uuid"`
	Type      PoolType `json:"type"`
	Hosts     []string `json:"hosts,omitempty"`
	Port      int      `json:"port,omitempty"`
	AuthUser  string   `json:"auth_user,omitempty"`
	AuthUUID  string   `json:"auth_uuid,omitempty"` // libvirt secret UUID
	SourceDir string   `json:"source_dir,omitempty"`
	// LocalPath 存储池在宿主机上的挂载点
	LocalPath string `json:"local_path,omitempty"`
}

// PhysicalDisk 已解析的物理磁盘
type PhysicalDisk struct {
	Path   string      `json:"path"`
	Format ImageFormat `json:"format"`
	Pool   PoolRef     `json:"pool"`
	// Size 字节，未知时为 0
	Size uint64 `json:"size,omitempty"`
}

// IOTune 磁盘限速，只输出正值
type IOTune struct {
	ReadBytesSec     uint64 `json:"read_bytes_sec,omitempty"`
	ReadBytesSecMax  uint64 `json:"read_bytes_sec_max,omitempty"`
	WriteBytesSec    uint64 `json:"write_bytes_sec,omitempty"`
	WriteBytesSecMax uint64 `json:"write_bytes_sec_max,omitempty"`
	ReadIopsSec      uint64 `json:"read_iops_sec,omitempty"`
	ReadIopsSecMax   uint64 `json:"read_iops_sec_max,omitempty"`
	WriteIopsSec     uint64 `json:"write_iops_sec,omitempty"`
	WriteIopsSecMax  uint64 `json:"write_iops_sec_max,omitempty"`
}

// IsZero 是否没有任何限速
func (t *IOTune) IsZero() bool {
	return t == nil || *t == IOTune{}
}

// DiskSpec 虚拟机磁盘规格
type DiskSpec struct {
	Role DiskRole `json:"role"`
	// DeviceSeq 设备序号，同一虚拟机内唯一，决定 target 和地址
	DeviceSeq int `json:"device_seq"`
	// Disk 为 nil 表示空光驱
	Disk *PhysicalDisk `json:"disk,omitempty"`
	// BusOverride 卷级别的控制器覆盖
	BusOverride DiskBus `json:"bus_override,omitempty"`
	IOTune      *IOTune `json:"iotune,omitempty"`
	// EncryptFormat 例如 luks，为空表示不加密
	EncryptFormat string `json:"encrypt_format,omitempty"`
	Passphrase    []byte `json:"passphrase,omitempty"`
	CacheMode     string `json:"cache_mode,omitempty"`
	// VolumeUUID 用于生成 serial
	VolumeUUID string `json:"volume_uuid,omitempty"`
	Label      string `json:"label,omitempty"`
}

// Path 物理路径，空光驱返回空字符串
func (d *DiskSpec) Path() string {
	if d.Disk == nil {
		return ""
	}
	return d.Disk.Path
}

// IsEncrypted 是否为加密卷
func (d *DiskSpec) IsEncrypted() bool {
	return d.EncryptFormat != "" && len(d.Passphrase) > 0
}

// SystemISOName 系统虚拟机使用的 ISO，不随热拔断开
const SystemISOName = "systemvm.iso"

// IsSystemISO 路径是否为系统 ISO
func IsSystemISO(path string) bool {
	return filepath.Base(path) == SystemISOName
}
