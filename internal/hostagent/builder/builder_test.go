package builder

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/jimyag/hostagent/internal/hostagent/compute"
	"github.com/jimyag/hostagent/internal/hostagent/entity"
	"github.com/jimyag/hostagent/internal/hostagent/vif"
	"github.com/jimyag/hostagent/pkg/apierror"
	"github.com/jimyag/hostagent/pkg/libvirt"
	"github.com/jimyag/hostagent/pkg/qemuimg"
)

func setupTestBuilder(t *testing.T, opts Options, host *compute.HostInfo) *Builder {
	t.Helper()

	registry, err := vif.NewRegistry("bridge", nil, vif.Options{DefaultBridge: "cloudbr0"})
	require.NoError(t, err)
	if opts.UEFILegacyLoader == "" {
		opts.UEFILegacyLoader = "/usr/share/OVMF/OVMF_CODE.fd"
		opts.UEFILegacyTemplate = "/usr/share/OVMF/OVMF_VARS.fd"
	}
	if opts.NVRAMDir == "" {
		opts.NVRAMDir = "/var/lib/hostagent/nvram"
	}
	if host == nil {
		host = &compute.HostInfo{Arch: "x86_64", LibvirtVersion: 8000000}
	}
	return New(opts, host, registry)
}

func rootDisk(path string, format entity.ImageFormat, pool entity.PoolType) entity.DiskSpec {
	return entity.DiskSpec{
		Role:      entity.DiskRoleRoot,
		DeviceSeq: 0,
		Disk: &entity.PhysicalDisk{
			Path:   path,
			Format: format,
			Pool:   entity.PoolRef{UUID: "pool-1", Type: pool},
		},
	}
}

func dataDisk(seq int, path string) entity.DiskSpec {
	return entity.DiskSpec{
		Role:      entity.DiskRoleData,
		DeviceSeq: seq,
		Disk: &entity.PhysicalDisk{
			Path:   path,
			Format: entity.FormatQCOW2,
			Pool:   entity.PoolRef{UUID: "pool-1", Type: entity.PoolFilesystem},
		},
	}
}

func baseSpec() *entity.VmSpec {
	return &entity.VmSpec{
		Name:     "i-2-10-VM",
		UUID:     "7d5f2a34-6f55-4b6e-9a8c-2f6b1f0e6c11",
		VCPUs:    4,
		SpeedMHz: 2000,
		MinRAM:   2 << 30,
		MaxRAM:   2 << 30,
		OSFamily: "Ubuntu 22.04",
		Nics: []entity.NicSpec{
			{MAC: "02:00:00:00:00:01", TrafficType: entity.TrafficGuest, DeviceSeq: 0},
		},
	}
}

func TestBuild_EndToEnd(t *testing.T) {
	t.Parallel()

	b := setupTestBuilder(t, Options{}, nil)
	spec := baseSpec()
	spec.Firmware = entity.Firmware{Mode: entity.FirmwareUEFI}
	disks := []entity.DiskSpec{rootDisk("/mnt/pool-1/root.qcow2", entity.FormatQCOW2, entity.PoolFilesystem)}

	domain, err := b.Build(context.Background(), spec, disks)
	require.NoError(t, err)

	assert.Equal(t, "kvm", domain.Type)
	assert.Equal(t, uint64(2<<20), domain.Memory.Value)
	assert.Equal(t, 4, domain.VCPU.Value)
	assert.Equal(t, 8000, domain.CPUTune.Shares)
	assert.Zero(t, domain.CPUTune.Quota)

	assert.Equal(t, "q35", domain.OS.Type.Machine)
	require.NotNil(t, domain.OS.Loader)
	assert.Equal(t, "pflash", domain.OS.Loader.Type)
	assert.Empty(t, domain.OS.Loader.Secure)
	require.NotNil(t, domain.OS.NVRAM)
	assert.Equal(t, "/usr/share/OVMF/OVMF_VARS.fd", domain.OS.NVRAM.Template)
	assert.Equal(t, "/var/lib/hostagent/nvram/i-2-10-VM.fd", domain.OS.NVRAM.Path)
	assert.Nil(t, domain.Features.SMM)
	assert.Nil(t, domain.CPU.Topology)

	require.Len(t, domain.Devices.Disks, 1)
	disk := domain.Devices.Disks[0]
	assert.Equal(t, "file", disk.Type)
	assert.Equal(t, "virtio", disk.Target.Bus)
	assert.Equal(t, "vda", disk.Target.Dev)
	assert.Equal(t, "qcow2", disk.Driver.Type)
	assert.Equal(t, "unmap", disk.Driver.Discard)
	assert.Nil(t, disk.Address)
	assert.Empty(t, domain.Devices.Controllers)

	require.Len(t, domain.Devices.Interfaces, 1)
	iface := domain.Devices.Interfaces[0]
	assert.Equal(t, "bridge", iface.Type)
	assert.Equal(t, "cloudbr0", iface.Source.Bridge)
	assert.Equal(t, "virtio", iface.Model.Type)
	assert.Nil(t, iface.Driver)

	require.Len(t, domain.Devices.Channels, 1)
	assert.Equal(t, "/var/lib/libvirt/qemu/i-2-10-VM.org.qemu.guest_agent.0", domain.Devices.Channels[0].Source.Path)
	assert.Equal(t, "none", domain.Devices.MemBalloon.Model)
	assert.Len(t, domain.Devices.Watchdogs, 1)

	_, err = libvirt.MarshalDevice(domain)
	require.NoError(t, err)
}

func TestBuild_Deterministic(t *testing.T) {
	t.Parallel()

	b := setupTestBuilder(t, Options{ManualTopology: true}, nil)
	spec := baseSpec()
	spec.Details = map[string]string{entity.DetailRootDiskController: "scsi"}
	spec.Nics = append(spec.Nics, entity.NicSpec{MAC: "02:00:00:00:00:02", TrafficType: entity.TrafficPublic, DeviceSeq: 1})

	disks := []entity.DiskSpec{
		rootDisk("/mnt/pool-1/root.qcow2", entity.FormatQCOW2, entity.PoolFilesystem),
		dataDisk(1, "/mnt/pool-1/data-1.qcow2"),
		dataDisk(2, "/mnt/pool-1/data-2.qcow2"),
		{Role: entity.DiskRoleISO, DeviceSeq: 3},
	}
	reversed := []entity.DiskSpec{disks[3], disks[2], disks[1], disks[0]}

	first, err := b.Build(context.Background(), spec, disks)
	require.NoError(t, err)
	second, err := b.Build(context.Background(), spec, disks)
	require.NoError(t, err)
	third, err := b.Build(context.Background(), spec, reversed)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, first, third)

	firstXML, err := libvirt.MarshalDevice(first)
	require.NoError(t, err)
	thirdXML, err := libvirt.MarshalDevice(third)
	require.NoError(t, err)
	assert.Equal(t, firstXML, thirdXML)

	// 输入切片不会被重新排序
	assert.Equal(t, entity.DiskRoleISO, reversed[0].Role)
}

func TestResolveBuses(t *testing.T) {
	t.Parallel()

	uefi := entity.Firmware{Mode: entity.FirmwareUEFI}
	bios := entity.Firmware{Mode: entity.FirmwareBIOS}

	testcases := []struct {
		name     string
		osFamily string
		arch     string
		fw       entity.Firmware
		details  map[string]string
		expected Buses
	}{
		{name: "linux", osFamily: "Ubuntu 22.04", arch: "x86_64", fw: bios, expected: Buses{Root: "virtio", Data: "virtio", ISO: "ide"}},
		{name: "rocky uefi", osFamily: "Rocky Linux 9", arch: "x86_64", fw: uefi, expected: Buses{Root: "virtio", Data: "virtio", ISO: "sata"}},
		{name: "windows uefi", osFamily: "Windows Server 2022", arch: "x86_64", fw: uefi, expected: Buses{Root: "sata", Data: "sata", ISO: "sata"}},
		{name: "windows bios", osFamily: "Windows 10", arch: "x86_64", fw: bios, expected: Buses{Root: "ide", Data: "virtio", ISO: "ide"}},
		{name: "unknown", osFamily: "", arch: "x86_64", fw: bios, expected: Buses{Root: "ide", Data: "virtio", ISO: "ide"}},
		{name: "aarch64", osFamily: "Other", arch: "aarch64", fw: bios, expected: Buses{Root: "scsi", Data: "scsi", ISO: "scsi"}},
		{name: "virtio scsi family", osFamily: "Other PV Virtio-SCSI (64-bit)", arch: "x86_64", fw: bios, expected: Buses{Root: "scsi", Data: "scsi", ISO: "ide"}},
		{
			name:     "root override",
			osFamily: "Ubuntu 22.04",
			arch:     "x86_64",
			fw:       bios,
			details:  map[string]string{entity.DetailRootDiskController: "SCSI"},
			expected: Buses{Root: "scsi", Data: "scsi", ISO: "ide"},
		},
		{
			name:     "data override",
			osFamily: "Ubuntu 22.04",
			arch:     "x86_64",
			fw:       bios,
			details:  map[string]string{entity.DetailDataDiskController: "sata"},
			expected: Buses{Root: "virtio", Data: "sata", ISO: "ide"},
		},
		{
			name:     "invalid override ignored",
			osFamily: "Debian GNU/Linux 12",
			arch:     "x86_64",
			fw:       bios,
			details:  map[string]string{entity.DetailRootDiskController: "nvme-ish"},
			expected: Buses{Root: "virtio", Data: "virtio", ISO: "ide"},
		},
	}
	for _, tc := range testcases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			spec := &entity.VmSpec{OSFamily: tc.osFamily, Details: tc.details}
			assert.Equal(t, tc.expected, ResolveBuses(spec, tc.arch, tc.fw))
		})
	}
}

func TestBuses_For(t *testing.T) {
	t.Parallel()

	buses := Buses{Root: entity.DiskBusVirtio, Data: entity.DiskBusSCSI, ISO: entity.DiskBusIDE}
	assert.Equal(t, entity.DiskBusVirtio, buses.For(&entity.DiskSpec{Role: entity.DiskRoleRoot}))
	assert.Equal(t, entity.DiskBusSCSI, buses.For(&entity.DiskSpec{Role: entity.DiskRoleData}))
	assert.Equal(t, entity.DiskBusIDE, buses.For(&entity.DiskSpec{Role: entity.DiskRoleISO}))
	assert.Equal(t, entity.DiskBusSATA, buses.For(&entity.DiskSpec{Role: entity.DiskRoleData, BusOverride: "SATA"}))
	assert.Equal(t, entity.DiskBusVirtio, buses.For(&entity.DiskSpec{Role: entity.DiskRoleRoot, BusOverride: "bogus"}))

	// 网络盘跟随根盘总线
	rbd := &entity.DiskSpec{Role: entity.DiskRoleData, Disk: &entity.PhysicalDisk{Pool: entity.PoolRef{Type: entity.PoolRBD}}}
	gluster := &entity.DiskSpec{Role: entity.DiskRoleData, Disk: &entity.PhysicalDisk{Pool: entity.PoolRef{Type: entity.PoolGluster}}}
	assert.Equal(t, entity.DiskBusVirtio, buses.For(rbd))
	assert.Equal(t, entity.DiskBusVirtio, buses.For(gluster))
	powerflex := &entity.DiskSpec{Role: entity.DiskRoleData, Disk: &entity.PhysicalDisk{Pool: entity.PoolRef{Type: entity.PoolPowerFlex}}}
	assert.Equal(t, entity.DiskBusSCSI, buses.For(powerflex))
	rbd.BusOverride = "sata"
	assert.Equal(t, entity.DiskBusSATA, buses.For(rbd))
}

func TestBuild_NetworkDataDiskUsesRootBus(t *testing.T) {
	t.Parallel()

	b := setupTestBuilder(t, Options{}, nil)
	spec := baseSpec()
	spec.OSFamily = "Windows 10"

	rbd := entity.DiskSpec{
		Role:      entity.DiskRoleData,
		DeviceSeq: 1,
		Disk: &entity.PhysicalDisk{
			Path:   "rbd:cloudstack/vol-2",
			Format: entity.FormatRAW,
			Pool:   entity.PoolRef{UUID: "ceph-pool-uuid", Type: entity.PoolRBD, Hosts: []string{"10.0.0.1"}},
		},
	}
	disks := []entity.DiskSpec{
		rootDisk("/mnt/pool-1/root.qcow2", entity.FormatQCOW2, entity.PoolFilesystem),
		rbd,
		dataDisk(2, "/mnt/pool-1/data.qcow2"),
	}

	domain, err := b.Build(context.Background(), spec, disks)
	require.NoError(t, err)
	require.Len(t, domain.Devices.Disks, 3)

	targets := make(map[string]libvirt.DomainDiskTarget)
	for _, d := range domain.Devices.Disks {
		targets[diskSourceKey(&d)] = d.Target
	}
	assert.Equal(t, libvirt.DomainDiskTarget{Dev: "hda", Bus: "ide"}, targets["/mnt/pool-1/root.qcow2"])
	assert.Equal(t, libvirt.DomainDiskTarget{Dev: "hdb", Bus: "ide"}, targets["cloudstack/vol-2"])
	assert.Equal(t, libvirt.DomainDiskTarget{Dev: "vdc", Bus: "virtio"}, targets["/mnt/pool-1/data.qcow2"])
}

func diskSourceKey(d *libvirt.DomainDisk) string {
	if d.Source == nil {
		return ""
	}
	if d.Source.Name != "" {
		return d.Source.Name
	}
	return d.Source.File
}

func TestBuild_SCSIControllers(t *testing.T) {
	t.Parallel()

	b := setupTestBuilder(t, Options{}, nil)
	spec := baseSpec()
	spec.Details = map[string]string{entity.DetailRootDiskController: "scsi", entity.DetailIOThreads: "true"}

	disks := []entity.DiskSpec{rootDisk("/mnt/pool-1/root.qcow2", entity.FormatQCOW2, entity.PoolFilesystem)}
	for seq := 1; seq <= 8; seq++ {
		disks = append(disks, dataDisk(seq, "/mnt/pool-1/data.qcow2"))
	}
	disks = append(disks, entity.DiskSpec{Role: entity.DiskRoleISO, DeviceSeq: 9})

	domain, err := b.Build(context.Background(), spec, disks)
	require.NoError(t, err)

	assert.Equal(t, 1, domain.IOThreads)
	require.Len(t, domain.Devices.Controllers, 2)
	for i, c := range domain.Devices.Controllers {
		assert.Equal(t, "scsi", c.Type)
		assert.Equal(t, i, c.Index)
		assert.Equal(t, "virtio-scsi", c.Model)
		assert.Equal(t, 4, c.Driver.Queues)
		assert.Equal(t, 1, c.Driver.IOThread)
	}

	require.Len(t, domain.Devices.Disks, 10)
	assert.Equal(t, &libvirt.DomainAddress{Type: "drive", Controller: 0, Unit: 0}, domain.Devices.Disks[0].Address)
	assert.Equal(t, &libvirt.DomainAddress{Type: "drive", Controller: 1, Unit: 0}, domain.Devices.Disks[7].Address)
	assert.Equal(t, &libvirt.DomainAddress{Type: "drive", Controller: 1, Unit: 1}, domain.Devices.Disks[8].Address)
	assert.Equal(t, "sdh", domain.Devices.Disks[7].Target.Dev)

	iso := domain.Devices.Disks[9]
	assert.Equal(t, "cdrom", iso.Device)
	assert.Equal(t, "ide", iso.Target.Bus)
	assert.Equal(t, "hdj", iso.Target.Dev)
	assert.Nil(t, iso.Source)
	assert.Nil(t, iso.Address)
}

func TestTargetDev(t *testing.T) {
	t.Parallel()

	testcases := []struct {
		bus      entity.DiskBus
		seq      int
		expected string
	}{
		{bus: entity.DiskBusVirtio, seq: 0, expected: "vda"},
		{bus: entity.DiskBusIDE, seq: 2, expected: "hdc"},
		{bus: entity.DiskBusSATA, seq: 3, expected: "sdd"},
		{bus: entity.DiskBusSCSI, seq: 25, expected: "sdz"},
		{bus: entity.DiskBusSCSI, seq: 26, expected: "sdaa"},
		{bus: entity.DiskBusSCSI, seq: 27, expected: "sdab"},
	}
	for _, tc := range testcases {
		tc := tc
		t.Run(tc.expected, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.expected, TargetDev(tc.bus, tc.seq))
		})
	}
}

func TestDiskDevice_PoolTypes(t *testing.T) {
	t.Parallel()

	b := setupTestBuilder(t, Options{}, nil)
	testcases := []struct {
		name    string
		disk    entity.PhysicalDisk
		check   func(t *testing.T, disk *libvirt.DomainDisk)
		errorIs error
	}{
		{
			name: "rbd",
			disk: entity.PhysicalDisk{
				Path:   "rbd:cloudstack/vol-1",
				Format: entity.FormatRAW,
				Pool: entity.PoolRef{
					UUID: "ceph-pool-uuid", Type: entity.PoolRBD,
					Hosts: []string{"10.0.0.1", "10.0.0.2"}, Port: 6789, AuthUser: "admin",
				},
			},
			check: func(t *testing.T, disk *libvirt.DomainDisk) {
				assert.Equal(t, "network", disk.Type)
				assert.Equal(t, "rbd", disk.Source.Protocol)
				assert.Equal(t, "cloudstack/vol-1", disk.Source.Name)
				assert.Equal(t, []libvirt.DomainDiskSourceHost{{Name: "10.0.0.1", Port: "6789"}, {Name: "10.0.0.2", Port: "6789"}}, disk.Source.Hosts)
				require.NotNil(t, disk.Auth)
				assert.Equal(t, "admin", disk.Auth.Username)
				assert.Equal(t, "ceph-pool-uuid", disk.Auth.Secret.UUID)
				assert.Equal(t, "raw", disk.Driver.Type)
			},
		},
		{
			name:    "rbd without hosts",
			disk:    entity.PhysicalDisk{Path: "rbd:cloudstack/vol-1", Pool: entity.PoolRef{Type: entity.PoolRBD}},
			errorIs: apierror.ErrInvalidParameter,
		},
		{
			name: "gluster",
			disk: entity.PhysicalDisk{
				Path:   "/mnt/gluster/vols/disk.qcow2",
				Format: entity.FormatQCOW2,
				Pool:   entity.PoolRef{Type: entity.PoolGluster, Hosts: []string{"gfs1"}, SourceDir: "/gv0", LocalPath: "/mnt/gluster"},
			},
			check: func(t *testing.T, disk *libvirt.DomainDisk) {
				assert.Equal(t, "network", disk.Type)
				assert.Equal(t, "gluster", disk.Source.Protocol)
				assert.Equal(t, "gv0/vols/disk.qcow2", disk.Source.Name)
				assert.Equal(t, "qcow2", disk.Driver.Type)
			},
		},
		{
			name:  "powerflex qcow2",
			disk:  entity.PhysicalDisk{Path: "/dev/disk/by-id/emc-vol-1", Format: entity.FormatQCOW2, Pool: entity.PoolRef{Type: entity.PoolPowerFlex}},
			check: func(t *testing.T, disk *libvirt.DomainDisk) {
				assert.Equal(t, "block", disk.Type)
				assert.Equal(t, "/dev/disk/by-id/emc-vol-1", disk.Source.Dev)
				assert.Equal(t, "qcow2", disk.Driver.Type)
			},
		},
		{
			name:  "clvm",
			disk:  entity.PhysicalDisk{Path: "/dev/vg0/vol-1", Format: entity.FormatRAW, Pool: entity.PoolRef{Type: entity.PoolCLVM}},
			check: func(t *testing.T, disk *libvirt.DomainDisk) {
				assert.Equal(t, "block", disk.Type)
				assert.Equal(t, "raw", disk.Driver.Type)
			},
		},
		{
			name:  "filesystem raw binds as block",
			disk:  entity.PhysicalDisk{Path: "/mnt/pool/vol.raw", Format: entity.FormatRAW, Pool: entity.PoolRef{Type: entity.PoolFilesystem}},
			check: func(t *testing.T, disk *libvirt.DomainDisk) {
				assert.Equal(t, "block", disk.Type)
				assert.Equal(t, "/mnt/pool/vol.raw", disk.Source.Dev)
			},
		},
		{
			name:  "nfs qcow2 binds as file",
			disk:  entity.PhysicalDisk{Path: "/mnt/nfs/vol.qcow2", Format: entity.FormatQCOW2, Pool: entity.PoolRef{Type: entity.PoolNetworkFilesystem}},
			check: func(t *testing.T, disk *libvirt.DomainDisk) {
				assert.Equal(t, "file", disk.Type)
				assert.Equal(t, "/mnt/nfs/vol.qcow2", disk.Source.File)
				assert.Equal(t, "qcow2", disk.Driver.Type)
			},
		},
	}
	for _, tc := range testcases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			pd := tc.disk
			spec := &entity.DiskSpec{Role: entity.DiskRoleData, DeviceSeq: 1, Disk: &pd}
			disk, err := b.DiskDevice(spec, entity.DiskBusVirtio, false)
			if tc.errorIs != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tc.errorIs))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "vdb", disk.Target.Dev)
			tc.check(t, disk)
		})
	}
}

func TestDiskDevice_Tuning(t *testing.T) {
	t.Parallel()

	path := "/mnt/pool-1/secure.qcow2"
	spec := &entity.DiskSpec{
		Role:          entity.DiskRoleData,
		DeviceSeq:     1,
		Disk:          &entity.PhysicalDisk{Path: path, Format: entity.FormatQCOW2, Pool: entity.PoolRef{Type: entity.PoolFilesystem}},
		IOTune:        &entity.IOTune{ReadIopsSec: 500, WriteBytesSec: 1 << 20},
		EncryptFormat: "LUKS",
		Passphrase:    []byte("secret"),
		CacheMode:     "WRITEBACK",
		VolumeUUID:    "0b3c1e1a-1111-2222-3333-444455556666",
	}

	b := setupTestBuilder(t, Options{IOUring: true}, &compute.HostInfo{Arch: "x86_64", LibvirtVersion: 6003000})
	disk, err := b.DiskDevice(spec, entity.DiskBusSATA, false)
	require.NoError(t, err)

	assert.Equal(t, "0b3c1e1a111122223333", disk.Serial)
	assert.Equal(t, "writeback", disk.Driver.Cache)
	assert.Equal(t, "io_uring", disk.Driver.IO)
	assert.Empty(t, disk.Driver.Discard)
	require.NotNil(t, disk.IOTune)
	assert.Equal(t, uint64(500), disk.IOTune.ReadIopsSec)
	assert.Equal(t, uint64(1<<20), disk.IOTune.WriteBytesSec)
	assert.Zero(t, disk.IOTune.ReadBytesSec)
	require.NotNil(t, disk.Encryption)
	assert.Equal(t, "luks", disk.Encryption.Format)
	assert.Equal(t, VolumeSecretUUID(path), disk.Encryption.Secret.UUID)
	assert.Equal(t, VolumeSecretUUID(path), VolumeSecretUUID(path))
	assert.NotEqual(t, VolumeSecretUUID(path), VolumeSecretUUID(path+".2"))

	old := setupTestBuilder(t, Options{IOUring: true}, &compute.HostInfo{Arch: "x86_64", LibvirtVersion: 6002000})
	disk, err = old.DiskDevice(spec, entity.DiskBusVirtio, false)
	require.NoError(t, err)
	assert.Empty(t, disk.Driver.IO)

	disk, err = old.DiskDevice(spec, entity.DiskBusVirtio, true)
	require.NoError(t, err)
	assert.Equal(t, "threads", disk.Driver.IO)
	assert.Equal(t, 1, disk.Driver.IOThread)

	spec.VolumeUUID = ""
	assert.Equal(t, DiskSerial(spec), DiskSerial(spec))
	assert.Len(t, DiskSerial(spec), 20)
}

func TestInterface_QueueSettings(t *testing.T) {
	t.Parallel()

	b := setupTestBuilder(t, Options{}, nil)
	testcases := []struct {
		name       string
		nicDetails map[string]string
		vmDetails  map[string]string
		model      string
		expected   *libvirt.DomainInterfaceDriver
	}{
		{name: "none", expected: nil},
		{name: "vcpus literal", nicDetails: map[string]string{entity.DetailNICMultiqueueNumber: "vcpus"}, expected: &libvirt.DomainInterfaceDriver{Queues: 4}},
		{name: "explicit", nicDetails: map[string]string{entity.DetailNICMultiqueueNumber: "8"}, expected: &libvirt.DomainInterfaceDriver{Queues: 8}},
		{name: "out of range dropped", nicDetails: map[string]string{entity.DetailNICMultiqueueNumber: "300"}, expected: nil},
		{name: "non numeric dropped", nicDetails: map[string]string{entity.DetailNICMultiqueueNumber: "lots"}, expected: nil},
		{name: "packed", nicDetails: map[string]string{entity.DetailNICPackedVirtqueues: "true"}, expected: &libvirt.DomainInterfaceDriver{Packed: "on"}},
		{name: "packed invalid dropped", nicDetails: map[string]string{entity.DetailNICPackedVirtqueues: "maybe"}, expected: nil},
		{name: "vm details fallback", vmDetails: map[string]string{entity.DetailNICMultiqueueNumber: "2"}, expected: &libvirt.DomainInterfaceDriver{Queues: 2}},
		{
			name:       "nic details win",
			nicDetails: map[string]string{entity.DetailNICMultiqueueNumber: "3"},
			vmDetails:  map[string]string{entity.DetailNICMultiqueueNumber: "2"},
			expected:   &libvirt.DomainInterfaceDriver{Queues: 3},
		},
		{name: "non virtio ignored", model: "e1000", nicDetails: map[string]string{entity.DetailNICMultiqueueNumber: "2"}, expected: nil},
	}
	for _, tc := range testcases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			nic := &entity.NicSpec{MAC: "02:00:00:00:00:09", TrafficType: entity.TrafficGuest, Model: tc.model, Details: tc.nicDetails}
			iface, err := b.Interface(context.Background(), nic, 4, tc.vmDetails)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, iface.Driver)
		})
	}
}

func TestInterface_DriverError(t *testing.T) {
	t.Parallel()

	driver := &vif.MockDriver{}
	driver.On("Plug", mock.Anything, mock.Anything).Return(nil, apierror.Errorf(apierror.ErrInvalidParameter, "no bridge"))

	b := New(Options{}, nil, driver)
	_, err := b.Interface(context.Background(), &entity.NicSpec{MAC: "02:00:00:00:00:01"}, 2, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apierror.ErrInvalidParameter))
	driver.AssertExpectations(t)
}

func TestBuild_Firmware(t *testing.T) {
	t.Parallel()

	t.Run("secure", func(t *testing.T) {
		t.Parallel()
		b := setupTestBuilder(t, Options{UEFISecureLoader: "/usr/share/OVMF/OVMF_CODE.secboot.fd", UEFISecureTemplate: "/usr/share/OVMF/OVMF_VARS.secboot.fd"}, nil)
		spec := baseSpec()
		spec.Details = map[string]string{entity.DetailUEFI: "secure"}

		domain, err := b.Build(context.Background(), spec, nil)
		require.NoError(t, err)
		assert.Equal(t, "q35", domain.OS.Type.Machine)
		assert.Equal(t, "yes", domain.OS.Loader.Secure)
		assert.Equal(t, "/usr/share/OVMF/OVMF_CODE.secboot.fd", domain.OS.Loader.Path)
		assert.Equal(t, "/usr/share/OVMF/OVMF_VARS.secboot.fd", domain.OS.NVRAM.Template)
		require.NotNil(t, domain.Features.SMM)
		assert.Equal(t, "on", domain.Features.SMM.State)
	})

	t.Run("secure without loader", func(t *testing.T) {
		t.Parallel()
		b := setupTestBuilder(t, Options{}, nil)
		spec := baseSpec()
		spec.Firmware = entity.Firmware{Mode: entity.FirmwareUEFI, Secure: true}

		_, err := b.Build(context.Background(), spec, nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, apierror.ErrConfiguration))
	})

	t.Run("bios", func(t *testing.T) {
		t.Parallel()
		b := setupTestBuilder(t, Options{}, nil)
		domain, err := b.Build(context.Background(), baseSpec(), nil)
		require.NoError(t, err)
		assert.Equal(t, "pc", domain.OS.Type.Machine)
		assert.Nil(t, domain.OS.Loader)
		assert.Nil(t, domain.OS.NVRAM)
	})
}

func TestBuild_GuestFlavours(t *testing.T) {
	t.Parallel()

	t.Run("windows", func(t *testing.T) {
		t.Parallel()
		b := setupTestBuilder(t, Options{}, nil)
		spec := baseSpec()
		spec.OSFamily = "Windows Server 2022"
		spec.CPUQuotaPercentage = 0.5
		spec.EnableBallooning = true
		spec.MinRAM = 1 << 30

		domain, err := b.Build(context.Background(), spec, nil)
		require.NoError(t, err)
		assert.Equal(t, "localtime", domain.Clock.Offset)
		assert.Equal(t, "hypervclock", domain.Clock.Timers[0].Name)
		require.NotNil(t, domain.Features.HyperV)
		assert.Equal(t, 8096, domain.Features.HyperV.Spinlocks.Retries)
		assert.Equal(t, int64(50000), domain.CPUTune.Quota)
		assert.Equal(t, int64(100000), domain.CPUTune.Period)
		assert.Equal(t, uint64(1<<20), domain.CurrentMemory.Value)
		assert.Equal(t, "virtio", domain.Devices.MemBalloon.Model)
	})

	t.Run("aarch64", func(t *testing.T) {
		t.Parallel()
		b := setupTestBuilder(t, Options{}, &compute.HostInfo{Arch: "aarch64"})
		domain, err := b.Build(context.Background(), baseSpec(), nil)
		require.NoError(t, err)
		assert.Equal(t, "virt", domain.OS.Type.Machine)
		assert.Equal(t, "host-passthrough", domain.CPU.Mode)
		assert.Nil(t, domain.Features.PAE)
		assert.NotNil(t, domain.Features.ACPI)
		assert.Len(t, domain.Devices.Inputs, 3)
		assert.Equal(t, "virtio", domain.Devices.Videos[0].Model.Type)
	})

	t.Run("s390x", func(t *testing.T) {
		t.Parallel()
		b := setupTestBuilder(t, Options{}, &compute.HostInfo{Arch: "s390x"})
		domain, err := b.Build(context.Background(), baseSpec(), nil)
		require.NoError(t, err)
		assert.Equal(t, "s390-ccw-virtio", domain.OS.Type.Machine)
		assert.Nil(t, domain.Features)
		assert.Empty(t, domain.Devices.Watchdogs)
		assert.Empty(t, domain.Devices.Inputs)
		assert.Equal(t, "sclp", domain.Devices.Consoles[0].Target.Type)
	})

	t.Run("tpm and video details", func(t *testing.T) {
		t.Parallel()
		b := setupTestBuilder(t, Options{VideoRAM: 16384}, nil)
		spec := baseSpec()
		spec.Details = map[string]string{
			entity.DetailVirtualTPMModel: "tpm-crb",
			entity.DetailVideoHardware:   "qxl",
			entity.DetailVideoRAM:        "not-a-number",
		}
		domain, err := b.Build(context.Background(), spec, nil)
		require.NoError(t, err)
		require.Len(t, domain.Devices.TPMs, 1)
		assert.Equal(t, "tpm-crb", domain.Devices.TPMs[0].Model)
		assert.Equal(t, "2.0", domain.Devices.TPMs[0].Backend.Version)
		assert.Equal(t, "qxl", domain.Devices.Videos[0].Model.Type)
		assert.Equal(t, uint(16384), domain.Devices.Videos[0].Model.VRam)
	})
}

func TestBuild_Validation(t *testing.T) {
	t.Parallel()

	b := setupTestBuilder(t, Options{}, nil)
	testcases := []struct {
		name  string
		spec  func() *entity.VmSpec
		disks []entity.DiskSpec
	}{
		{name: "no name", spec: func() *entity.VmSpec { s := baseSpec(); s.Name = ""; return s }},
		{name: "no vcpus", spec: func() *entity.VmSpec { s := baseSpec(); s.VCPUs = 0; return s }},
		{name: "no memory", spec: func() *entity.VmSpec { s := baseSpec(); s.MaxRAM = 0; return s }},
		{
			name:  "duplicate seq",
			spec:  baseSpec,
			disks: []entity.DiskSpec{dataDisk(1, "/a.qcow2"), dataDisk(1, "/b.qcow2")},
		},
		{
			name:  "unresolved disk",
			spec:  baseSpec,
			disks: []entity.DiskSpec{{Role: entity.DiskRoleData, DeviceSeq: 1}},
		},
	}
	for _, tc := range testcases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := b.Build(context.Background(), tc.spec(), tc.disks)
			require.Error(t, err)
			assert.True(t, errors.Is(err, apierror.ErrInvalidParameter))
		})
	}
}

func TestEnsureBackingFormats(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	img := qemuimg.NewMockClient()

	img.On("Info", ctx, "/mnt/nfs/needs-fix.qcow2").Return(&qemuimg.ImageInfo{Format: "qcow2", BackingFile: "/mnt/nfs/template.qcow2"}, nil)
	img.On("GetFormat", ctx, "/mnt/nfs/template.qcow2").Return("qcow2", nil)
	img.On("Rebase", ctx, "/mnt/nfs/needs-fix.qcow2", "/mnt/nfs/template.qcow2", "qcow2").Return(nil)

	img.On("Info", ctx, "/mnt/nfs/ok.qcow2").Return(&qemuimg.ImageInfo{Format: "qcow2", BackingFile: "/mnt/nfs/template.qcow2", BackingFormat: "qcow2"}, nil)
	img.On("Info", ctx, "/mnt/nfs/flat.qcow2").Return(&qemuimg.ImageInfo{Format: "qcow2"}, nil)
	img.On("Info", ctx, "/mnt/nfs/broken.qcow2").Return(nil, errors.New("could not open"))

	nfs := func(seq int, path string) entity.DiskSpec {
		return entity.DiskSpec{
			Role:      entity.DiskRoleData,
			DeviceSeq: seq,
			Disk:      &entity.PhysicalDisk{Path: path, Format: entity.FormatQCOW2, Pool: entity.PoolRef{Type: entity.PoolNetworkFilesystem}},
		}
	}
	disks := []entity.DiskSpec{
		nfs(0, "/mnt/nfs/needs-fix.qcow2"),
		nfs(1, "/mnt/nfs/ok.qcow2"),
		nfs(2, "/mnt/nfs/flat.qcow2"),
		nfs(3, "/mnt/nfs/broken.qcow2"),
		{Role: entity.DiskRoleData, DeviceSeq: 4, Disk: &entity.PhysicalDisk{Path: "rbd:pool/vol", Format: entity.FormatRAW, Pool: entity.PoolRef{Type: entity.PoolRBD}}},
		{Role: entity.DiskRoleISO, DeviceSeq: 5},
	}

	assert.Equal(t, 1, EnsureBackingFormats(ctx, img, disks))
	img.AssertExpectations(t)
	img.AssertNumberOfCalls(t, "Rebase", 1)
}

func TestManualConsolidationOnly(t *testing.T) {
	t.Parallel()

	assert.True(t, ManualConsolidationOnly(entity.PoolStorPool))
	assert.False(t, ManualConsolidationOnly(entity.PoolRBD))
	assert.False(t, ManualConsolidationOnly(entity.PoolFilesystem))
}
