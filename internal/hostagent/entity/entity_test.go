package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVmSpecEffectiveSpeed(t *testing.T) {
	t.Parallel()

	spec := VmSpec{SpeedMHz: 2000}
	assert.Equal(t, 2000, spec.EffectiveSpeed())

	spec.MinSpeedMHz = 500
	assert.Equal(t, 500, spec.EffectiveSpeed())
}

func TestVmSpecEffectiveFirmware(t *testing.T) {
	t.Parallel()

	testcases := []struct {
		name     string
		spec     VmSpec
		expected Firmware
	}{
		{
			name:     "default bios",
			spec:     VmSpec{},
			expected: Firmware{Mode: FirmwareBIOS},
		},
		{
			name:     "bios ignores secure",
			spec:     VmSpec{Firmware: Firmware{Mode: FirmwareBIOS, Secure: true}},
			expected: Firmware{Mode: FirmwareBIOS},
		},
		{
			name:     "uefi field",
			spec:     VmSpec{Firmware: Firmware{Mode: FirmwareUEFI, Secure: true}},
			expected: Firmware{Mode: FirmwareUEFI, Secure: true},
		},
		{
			name:     "detail secure",
			spec:     VmSpec{Details: map[string]string{DetailUEFI: "secure"}},
			expected: Firmware{Mode: FirmwareUEFI, Secure: true},
		},
		{
			name:     "detail legacy wins over field",
			spec:     VmSpec{Firmware: Firmware{Mode: FirmwareUEFI, Secure: true}, Details: map[string]string{DetailUEFI: "LEGACY"}},
			expected: Firmware{Mode: FirmwareUEFI},
		},
	}
	for _, tc := range testcases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.expected, tc.spec.EffectiveFirmware())
		})
	}
}

func TestParseDiskBus(t *testing.T) {
	t.Parallel()

	bus, ok := ParseDiskBus(" SCSI ")
	assert.True(t, ok)
	assert.Equal(t, DiskBusSCSI, bus)

	_, ok = ParseDiskBus("nvme")
	assert.False(t, ok)
}

func TestIsSystemISO(t *testing.T) {
	t.Parallel()

	assert.True(t, IsSystemISO("/usr/share/cloudstack-common/vms/systemvm.iso"))
	assert.False(t, IsSystemISO("/mnt/secondary/template/tmpl/2/201/ubuntu.iso"))
}

func TestSnapshotMergeJobOverlay(t *testing.T) {
	t.Parallel()

	job := SnapshotMergeJob{Base: "/mnt/pool/vol-1", Top: "/mnt/pool/snap-2"}
	assert.Equal(t, "/mnt/pool/snap-2", job.Overlay())

	job = SnapshotMergeJob{Base: "/mnt/pool/vol-1", SnapshotName: "snap-3"}
	assert.Equal(t, "/mnt/pool/snap-3", job.Overlay())

	job = SnapshotMergeJob{Base: "/mnt/pool/vol-1"}
	assert.Empty(t, job.Overlay())
}

func TestCommandTarget(t *testing.T) {
	t.Parallel()

	cmd := Command{Kind: CommandStartVM, VM: &VmSpec{Name: "i-2-10-VM"}}
	assert.Equal(t, "i-2-10-VM", cmd.Target())
	assert.Equal(t, "StartVM-i-2-10-VM", cmd.LogName())

	cmd = Command{Kind: CommandMergeSnapshot, Merge: &MergeRequest{Domain: "i-2-11-VM"}}
	assert.Equal(t, "i-2-11-VM", cmd.Target())

	cmd = Command{Kind: CommandResourceEvent, Event: "Enable"}
	assert.Empty(t, cmd.Target())
	assert.Equal(t, "ResourceEvent", cmd.LogName())
}
