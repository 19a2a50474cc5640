package libvirt

import "encoding/xml"

// DomainXML represents the root domain XML structure
// Reference: https://libvirt.org/formatdomain.html
type DomainXML struct {
	XMLName xml.Name `xml:"domain"`
	Type    string   `xml:"type,attr"`

	// Basic metadata
	// Source: https://libvirt.org/formatdomain.html#general-metadata
	Name        string `xml:"name"`
	UUID        string `xml:"uuid,omitempty"`
	Description string `xml:"description,omitempty"`

	// Memory configuration
	// Source: https://libvirt.org/formatdomain.html#memory-allocation
	Memory        DomainMemory  `xml:"memory"`
	CurrentMemory *DomainMemory `xml:"currentMemory,omitempty"` // Less than Memory when ballooning is enabled

	// CPU allocation and tuning
	// Source: https://libvirt.org/formatdomain.html#cpu-allocation
	VCPU      DomainVCPU     `xml:"vcpu"`
	IOThreads int            `xml:"iothreads,omitempty"`
	CPUTune   *DomainCPUTune `xml:"cputune,omitempty"`

	// OS and boot
	// Source: https://libvirt.org/formatdomain.html#operating-system-booting
	OS DomainOS `xml:"os"`

	// Hypervisor features
	// Source: https://libvirt.org/formatdomain.html#hypervisor-features
	Features *DomainFeatures `xml:"features,omitempty"`

	// Source: https://libvirt.org/formatdomain.html#cpu-model-and-topology
	CPU *DomainCPU `xml:"cpu,omitempty"`

	// Source: https://libvirt.org/formatdomain.html#time-keeping
	Clock *DomainClock `xml:"clock,omitempty"`

	// Lifecycle management
	// Source: https://libvirt.org/formatdomain.html#events-configuration
	OnPoweroff string `xml:"on_poweroff,omitempty"`
	OnReboot   string `xml:"on_reboot,omitempty"`
	OnCrash    string `xml:"on_crash,omitempty"`

	// Source: https://libvirt.org/formatdomain.html#devices
	Devices DomainDevices `xml:"devices"`
}

// DomainMemory represents memory configuration
type DomainMemory struct {
	Unit  string `xml:"unit,attr"`
	Value uint64 `xml:",chardata"`
}

// DomainVCPU represents virtual CPU configuration
type DomainVCPU struct {
	Placement string `xml:"placement,attr,omitempty"`
	Value     int    `xml:",chardata"`
}

// DomainCPUTune represents CPU scheduler tuning
// Source: https://libvirt.org/formatdomain.html#cpu-tuning
type DomainCPUTune struct {
	Shares int   `xml:"shares,omitempty"` // Proportional weight, cgroup v1 or v2 range
	Period int64 `xml:"period,omitempty"` // Enforcement interval in microseconds
	Quota  int64 `xml:"quota,omitempty"`  // Maximum allowed bandwidth in microseconds per period
}

// DomainOS represents operating system configuration
type DomainOS struct {
	Type   DomainOSType  `xml:"type"`
	Loader *DomainLoader `xml:"loader,omitempty"`
	NVRAM  *DomainNVRAM  `xml:"nvram,omitempty"`
	Boot   []DomainBoot  `xml:"boot,omitempty"`
}

// DomainOSType represents OS type details
type DomainOSType struct {
	Arch    string `xml:"arch,attr,omitempty"`
	Machine string `xml:"machine,attr,omitempty"`
	Value   string `xml:",chardata"`
}

// DomainLoader represents the firmware loader (UEFI)
// Source: https://libvirt.org/formatdomain.html#bios-bootloader
type DomainLoader struct {
	Readonly string `xml:"readonly,attr,omitempty"` // yes, no
	Type     string `xml:"type,attr,omitempty"`     // rom, pflash
	Secure   string `xml:"secure,attr,omitempty"`   // yes, no
	Path     string `xml:",chardata"`
}

// DomainNVRAM represents the per-domain UEFI variable store
type DomainNVRAM struct {
	Template string `xml:"template,attr,omitempty"` // Master variable store copied on first start
	Path     string `xml:",chardata"`
}

// DomainBoot represents boot configuration
type DomainBoot struct {
	Dev string `xml:"dev,attr"`
}

// DomainFeatures represents hypervisor features
type DomainFeatures struct {
	PAE    *DomainFeatureEnabled `xml:"pae,omitempty"`
	ACPI   *DomainFeatureEnabled `xml:"acpi,omitempty"`
	APIC   *DomainFeatureEnabled `xml:"apic,omitempty"`
	HyperV *DomainHyperV         `xml:"hyperv,omitempty"` // Hyper-V enlightenments for Windows guests
	SMM    *DomainFeatureState   `xml:"smm,omitempty"`    // System Management Mode, required by secure boot
}

// DomainFeatureEnabled represents a simple enabled feature
type DomainFeatureEnabled struct{}

// DomainFeatureState represents a feature with state
type DomainFeatureState struct {
	State string `xml:"state,attr,omitempty"` // on, off
}

// DomainHyperV represents Hyper-V enlightenments
type DomainHyperV struct {
	Relaxed   *DomainFeatureState `xml:"relaxed,omitempty"`
	VAPIC     *DomainFeatureState `xml:"vapic,omitempty"`
	Spinlocks *DomainSpinlocks    `xml:"spinlocks,omitempty"`
}

// DomainSpinlocks represents spinlock configuration
type DomainSpinlocks struct {
	State   string `xml:"state,attr,omitempty"`
	Retries int    `xml:"retries,attr,omitempty"`
}

// DomainCPU represents CPU configuration
type DomainCPU struct {
	Mode     string          `xml:"mode,attr,omitempty"` // custom, host-model, host-passthrough
	Topology *DomainTopology `xml:"topology,omitempty"`
}

// DomainTopology represents CPU topology
type DomainTopology struct {
	Sockets int `xml:"sockets,attr"`
	Cores   int `xml:"cores,attr"`
	Threads int `xml:"threads,attr"`
}

// DomainClock represents clock and timer configuration
type DomainClock struct {
	Offset string        `xml:"offset,attr"` // utc, localtime
	Timers []DomainTimer `xml:"timer,omitempty"`
}

// DomainTimer represents a timer device
type DomainTimer struct {
	Name    string `xml:"name,attr"`              // kvmclock, hypervclock, rtc, pit, hpet
	Present string `xml:"present,attr,omitempty"` // yes, no
}

// DomainDevices represents all devices in the domain
type DomainDevices struct {
	Emulator    string             `xml:"emulator,omitempty"`
	Disks       []DomainDisk       `xml:"disk"`
	Controllers []DomainController `xml:"controller,omitempty"`
	Interfaces  []DomainInterface  `xml:"interface"`
	Serials     []DomainSerial     `xml:"serial,omitempty"`
	Consoles    []DomainConsole    `xml:"console,omitempty"`
	Channels    []DomainChannel    `xml:"channel,omitempty"`
	Inputs      []DomainInput      `xml:"input,omitempty"`
	Graphics    []DomainGraphics   `xml:"graphics,omitempty"`
	Videos      []DomainVideo      `xml:"video,omitempty"`
	Watchdogs   []DomainWatchdog   `xml:"watchdog,omitempty"`
	MemBalloon  *DomainMemBalloon  `xml:"memballoon,omitempty"`
	RNGs        []DomainRNG        `xml:"rng,omitempty"`
	TPMs        []DomainTPM        `xml:"tpm,omitempty"`
}

// DomainDisk represents a disk device
// Source: https://libvirt.org/formatdomain.html#hard-drives-floppy-disks-cdroms
type DomainDisk struct {
	XMLName    xml.Name              `xml:"disk"`
	Type       string                `xml:"type,attr"`   // file, block, network
	Device     string                `xml:"device,attr"` // disk, cdrom
	Driver     *DomainDiskDriver     `xml:"driver,omitempty"`
	Auth       *DomainDiskAuth       `xml:"auth,omitempty"`
	Source     *DomainDiskSource     `xml:"source,omitempty"` // Absent for an empty cdrom
	Target     DomainDiskTarget      `xml:"target"`
	IOTune     *DomainDiskIOTune     `xml:"iotune,omitempty"`
	ReadOnly   *DomainFeatureEnabled `xml:"readonly,omitempty"`
	Serial     string                `xml:"serial,omitempty"`
	Encryption *DomainDiskEncryption `xml:"encryption,omitempty"`
	Alias      *DomainAlias          `xml:"alias,omitempty"`
	Address    *DomainAddress        `xml:"address,omitempty"`
}

// DomainDiskDriver represents disk driver configuration
type DomainDiskDriver struct {
	Name     string `xml:"name,attr"`
	Type     string `xml:"type,attr,omitempty"`    // raw, qcow2
	Cache    string `xml:"cache,attr,omitempty"`   // none, writeback, writethrough, directsync, unsafe
	Discard  string `xml:"discard,attr,omitempty"` // unmap, ignore
	IO       string `xml:"io,attr,omitempty"`      // native, threads, io_uring
	IOThread int    `xml:"iothread,attr,omitempty"`
}

// DomainDiskAuth represents authentication for network disks
type DomainDiskAuth struct {
	Username string           `xml:"username,attr"`
	Secret   DomainDiskSecret `xml:"secret"`
}

// DomainDiskSecret references a libvirt secret
type DomainDiskSecret struct {
	Type string `xml:"type,attr"` // ceph, iscsi
	UUID string `xml:"uuid,attr,omitempty"`
}

// DomainDiskSource represents disk source configuration
// File is set for type=file, Dev for type=block, Protocol/Name/Hosts for type=network.
type DomainDiskSource struct {
	File     string                 `xml:"file,attr,omitempty"`
	Dev      string                 `xml:"dev,attr,omitempty"`
	Protocol string                 `xml:"protocol,attr,omitempty"` // rbd, gluster, iscsi
	Name     string                 `xml:"name,attr,omitempty"`
	Hosts    []DomainDiskSourceHost `xml:"host,omitempty"`
}

// DomainDiskSourceHost represents a network disk host
type DomainDiskSourceHost struct {
	Name string `xml:"name,attr"`
	Port string `xml:"port,attr,omitempty"`
}

// DomainDiskTarget represents disk target configuration
type DomainDiskTarget struct {
	Dev string `xml:"dev,attr"`
	Bus string `xml:"bus,attr,omitempty"` // ide, sata, scsi, virtio
}

// DomainDiskIOTune represents disk I/O throttling
// Zero values are omitted, meaning unlimited.
type DomainDiskIOTune struct {
	ReadBytesSec     uint64 `xml:"read_bytes_sec,omitempty"`
	ReadBytesSecMax  uint64 `xml:"read_bytes_sec_max,omitempty"`
	WriteBytesSec    uint64 `xml:"write_bytes_sec,omitempty"`
	WriteBytesSecMax uint64 `xml:"write_bytes_sec_max,omitempty"`
	ReadIopsSec      uint64 `xml:"read_iops_sec,omitempty"`
	ReadIopsSecMax   uint64 `xml:"read_iops_sec_max,omitempty"`
	WriteIopsSec     uint64 `xml:"write_iops_sec,omitempty"`
	WriteIopsSecMax  uint64 `xml:"write_iops_sec_max,omitempty"`
}

// DomainDiskEncryption represents an encrypted (LUKS) volume
type DomainDiskEncryption struct {
	Format string       `xml:"format,attr"` // luks
	Secret DomainSecret `xml:"secret"`
}

// DomainSecret represents secret configuration
type DomainSecret struct {
	Type string `xml:"type,attr"` // passphrase
	UUID string `xml:"uuid,attr,omitempty"`
}

// DomainAlias is assigned by libvirt to running devices
type DomainAlias struct {
	Name string `xml:"name,attr"`
}

// DomainAddress represents device address
type DomainAddress struct {
	Type       string `xml:"type,attr,omitempty"` // pci, drive
	Controller int    `xml:"controller,attr"`
	Bus        int    `xml:"bus,attr"`
	Target     int    `xml:"target,attr"`
	Unit       int    `xml:"unit,attr"`
}

// DomainController represents a device controller
// Source: https://libvirt.org/formatdomain.html#controllers
type DomainController struct {
	Type   string                  `xml:"type,attr"` // scsi, usb, pci
	Index  int                     `xml:"index,attr"`
	Model  string                  `xml:"model,attr,omitempty"` // virtio-scsi
	Driver *DomainControllerDriver `xml:"driver,omitempty"`
}

// DomainControllerDriver represents controller driver configuration
type DomainControllerDriver struct {
	Queues   int `xml:"queues,attr,omitempty"`
	IOThread int `xml:"iothread,attr,omitempty"`
}

// DomainInterface represents a network interface
// Source: https://libvirt.org/formatdomain.html#network-interfaces
type DomainInterface struct {
	XMLName     xml.Name                    `xml:"interface"`
	Type        string                      `xml:"type,attr"` // bridge, direct, network
	MAC         *DomainInterfaceMAC         `xml:"mac,omitempty"`
	Source      *DomainInterfaceSource      `xml:"source,omitempty"`
	VirtualPort *DomainInterfaceVirtualPort `xml:"virtualport,omitempty"`
	Target      *DomainInterfaceTarget      `xml:"target,omitempty"`
	Model       *DomainInterfaceModel       `xml:"model,omitempty"`
	Driver      *DomainInterfaceDriver      `xml:"driver,omitempty"`
	Link        *DomainFeatureState         `xml:"link,omitempty"`
	Alias       *DomainAlias                `xml:"alias,omitempty"`
}

// DomainInterfaceMAC represents the interface MAC address
type DomainInterfaceMAC struct {
	Address string `xml:"address,attr"`
}

// DomainInterfaceSource represents network interface source
type DomainInterfaceSource struct {
	Network string `xml:"network,attr,omitempty"`
	Bridge  string `xml:"bridge,attr,omitempty"`
	Dev     string `xml:"dev,attr,omitempty"`
	Mode    string `xml:"mode,attr,omitempty"`
}

// DomainInterfaceVirtualPort marks an Open vSwitch port
type DomainInterfaceVirtualPort struct {
	Type string `xml:"type,attr"` // openvswitch
}

// DomainInterfaceTarget represents the host side tap device
type DomainInterfaceTarget struct {
	Dev string `xml:"dev,attr"`
}

// DomainInterfaceModel represents network interface model
type DomainInterfaceModel struct {
	Type string `xml:"type,attr"`
}

// DomainInterfaceDriver represents virtio-net driver tuning
type DomainInterfaceDriver struct {
	Name   string `xml:"name,attr,omitempty"`
	Queues int    `xml:"queues,attr,omitempty"`
	Packed string `xml:"packed,attr,omitempty"` // on, off
}

// DomainSerial represents serial device configuration
type DomainSerial struct {
	Type   string             `xml:"type,attr"`
	Target DomainSerialTarget `xml:"target"`
}

// DomainSerialTarget represents serial target configuration
type DomainSerialTarget struct {
	Port int `xml:"port,attr"`
}

// DomainConsole represents console device configuration
type DomainConsole struct {
	Type   string              `xml:"type,attr"`
	Target DomainConsoleTarget `xml:"target"`
}

// DomainConsoleTarget represents console target configuration
type DomainConsoleTarget struct {
	Type string `xml:"type,attr"`
	Port int    `xml:"port,attr"`
}

// DomainChannel represents a channel device
// Source: https://libvirt.org/formatdomain.html#channel
type DomainChannel struct {
	Type   string               `xml:"type,attr"` // unix, pty
	Source *DomainChannelSource `xml:"source,omitempty"`
	Target *DomainChannelTarget `xml:"target,omitempty"`
}

// DomainChannelSource represents channel source
type DomainChannelSource struct {
	Mode string `xml:"mode,attr,omitempty"` // bind, connect
	Path string `xml:"path,attr,omitempty"`
}

// DomainChannelTarget represents channel target
type DomainChannelTarget struct {
	Type string `xml:"type,attr,omitempty"` // virtio
	Name string `xml:"name,attr,omitempty"` // org.qemu.guest_agent.0
}

// DomainInput represents an input device
type DomainInput struct {
	Type string `xml:"type,attr"`          // tablet, keyboard, mouse
	Bus  string `xml:"bus,attr,omitempty"` // usb, ps2, virtio
}

// DomainGraphics represents graphics configuration
type DomainGraphics struct {
	Type     string `xml:"type,attr"` // vnc, spice
	Port     int    `xml:"port,attr,omitempty"`
	Autoport string `xml:"autoport,attr,omitempty"`
	Listen   string `xml:"listen,attr,omitempty"`
	Passwd   string `xml:"passwd,attr,omitempty"`
}

// DomainVideo represents a video device
type DomainVideo struct {
	Model DomainVideoModel `xml:"model"`
}

// DomainVideoModel represents video model configuration
type DomainVideoModel struct {
	Type  string `xml:"type,attr"` // cirrus, vga, qxl, virtio
	VRam  uint   `xml:"vram,attr,omitempty"`
	Heads uint   `xml:"heads,attr,omitempty"`
}

// DomainWatchdog represents a watchdog device
type DomainWatchdog struct {
	Model  string `xml:"model,attr"`            // i6300esb, ib700, diag288
	Action string `xml:"action,attr,omitempty"` // reset, poweroff, none
}

// DomainMemBalloon represents memory balloon device
type DomainMemBalloon struct {
	Model       string `xml:"model,attr"` // virtio, none
	AutoDeflate string `xml:"autodeflate,attr,omitempty"`
}

// DomainRNG represents random number generator device
type DomainRNG struct {
	Model   string           `xml:"model,attr"`
	Backend DomainRNGBackend `xml:"backend"`
}

// DomainRNGBackend represents RNG backend configuration
type DomainRNGBackend struct {
	Model string `xml:"model,attr"` // random, egd
	Value string `xml:",chardata"`  // /dev/urandom
}

// DomainTPM represents TPM device
type DomainTPM struct {
	Model   string           `xml:"model,attr,omitempty"` // tpm-tis, tpm-crb
	Backend DomainTPMBackend `xml:"backend"`
}

// DomainTPMBackend represents TPM backend
type DomainTPMBackend struct {
	Type    string `xml:"type,attr"`              // emulator, passthrough
	Version string `xml:"version,attr,omitempty"` // 1.2, 2.0
}

// SecretXML represents a libvirt secret
// Reference: https://libvirt.org/formatsecret.html
type SecretXML struct {
	XMLName     xml.Name     `xml:"secret"`
	Ephemeral   string       `xml:"ephemeral,attr"`
	Private     string       `xml:"private,attr"`
	UUID        string       `xml:"uuid,omitempty"`
	Description string       `xml:"description,omitempty"`
	Usage       *SecretUsage `xml:"usage,omitempty"`
}

// SecretUsage binds a secret to a volume
type SecretUsage struct {
	Type   string `xml:"type,attr"` // volume, ceph, iscsi
	Volume string `xml:"volume,omitempty"`
	Name   string `xml:"name,omitempty"`
}

// StoragePoolXML 存储池 XML 结构
// Reference: https://libvirt.org/formatstorage.html
type StoragePoolXML struct {
	XMLName xml.Name   `xml:"pool"`
	Type    string     `xml:"type,attr"` // dir, fs, netfs, logical, iscsi, rbd, gluster
	Name    string     `xml:"name"`
	UUID    string     `xml:"uuid"`
	Source  PoolSource `xml:"source"`
	Target  PoolTarget `xml:"target"`
}

// PoolSource 存储池源配置
type PoolSource struct {
	Hosts []PoolSourceHost `xml:"host"`
	Dir   *PoolSourceDir   `xml:"dir,omitempty"`
	Name  string           `xml:"name,omitempty"`
	Auth  *PoolSourceAuth  `xml:"auth,omitempty"`
}

// PoolSourceHost 网络存储池主机
type PoolSourceHost struct {
	Name string `xml:"name,attr"`
	Port string `xml:"port,attr,omitempty"`
}

// PoolSourceDir 源目录
type PoolSourceDir struct {
	Path string `xml:"path,attr"`
}

// PoolSourceAuth 存储池认证配置
type PoolSourceAuth struct {
	Type     string           `xml:"type,attr"`
	Username string           `xml:"username,attr"`
	Secret   DomainDiskSecret `xml:"secret"`
}

// PoolTarget 存储池目标配置
type PoolTarget struct {
	Path string `xml:"path"`
}

// VolumeXML 存储卷 XML 结构
// Reference: https://libvirt.org/formatstorage.html#StorageVol
type VolumeXML struct {
	XMLName  xml.Name     `xml:"volume"`
	Type     string       `xml:"type,attr"`
	Name     string       `xml:"name"`
	Key      string       `xml:"key"`
	Capacity VolumeSize   `xml:"capacity"`
	Target   VolumeTarget `xml:"target"`
}

// VolumeSize 存储卷大小配置
type VolumeSize struct {
	Unit  string `xml:"unit,attr"`
	Value uint64 `xml:",chardata"`
}

// VolumeTarget 存储卷目标配置
type VolumeTarget struct {
	Path   string       `xml:"path"`
	Format VolumeFormat `xml:"format"`
}

// VolumeFormat 存储卷格式配置
type VolumeFormat struct {
	Type string `xml:"type,attr"`
}

// MarshalDevice 序列化设备 XML，用于 attach/detach/update
func MarshalDevice(device any) (string, error) {
	data, err := xml.MarshalIndent(device, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
