package hotplug

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/jimyag/hostagent/internal/hostagent/builder"
	"github.com/jimyag/hostagent/internal/hostagent/compute"
	"github.com/jimyag/hostagent/internal/hostagent/domainlock"
	"github.com/jimyag/hostagent/internal/hostagent/entity"
	"github.com/jimyag/hostagent/internal/hostagent/storage"
	"github.com/jimyag/hostagent/internal/hostagent/vif"
	"github.com/jimyag/hostagent/pkg/apierror"
	"github.com/jimyag/hostagent/pkg/executor"
	"github.com/jimyag/hostagent/pkg/libvirt"
)

const testDomain = "i-2-10-VM"

// fakeClient 在内存中维护 domain XML，记录并发进入设备变更的次数
type fakeClient struct {
	libvirt.MockClient

	mu      sync.Mutex
	def     *libvirt.DomainXML
	inside  int32
	overlap int32
	failOn  string
}

func newFakeClient(def *libvirt.DomainXML) *fakeClient {
	return &fakeClient{def: def}
}

func (f *fakeClient) GetDomainXML(name string) (*libvirt.DomainXML, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name != f.def.Name {
		return nil, fmt.Errorf("domain %s: %w", name, libvirt.ErrNotFound)
	}
	cp := *f.def
	cp.Devices.Disks = append([]libvirt.DomainDisk(nil), f.def.Devices.Disks...)
	cp.Devices.Interfaces = append([]libvirt.DomainInterface(nil), f.def.Devices.Interfaces...)
	return &cp, nil
}

func (f *fakeClient) enter() func() {
	if atomic.AddInt32(&f.inside, 1) > 1 {
		atomic.StoreInt32(&f.overlap, 1)
	}
	time.Sleep(time.Millisecond)
	return func() { atomic.AddInt32(&f.inside, -1) }
}

func (f *fakeClient) AttachDevice(name string, device any) error {
	defer f.enter()()
	if f.failOn == "attach" {
		return errors.New("qemu rejected device")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	switch d := device.(type) {
	case *libvirt.DomainDisk:
		f.def.Devices.Disks = append(f.def.Devices.Disks, *d)
	case *libvirt.DomainInterface:
		f.def.Devices.Interfaces = append(f.def.Devices.Interfaces, *d)
	default:
		return fmt.Errorf("unexpected device %T", device)
	}
	return nil
}

func (f *fakeClient) DetachDevice(name string, device any) error {
	defer f.enter()()
	if f.failOn == "detach" {
		return errors.New("device busy")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	switch d := device.(type) {
	case *libvirt.DomainDisk:
		for i := range f.def.Devices.Disks {
			if f.def.Devices.Disks[i].Target.Dev == d.Target.Dev {
				f.def.Devices.Disks = append(f.def.Devices.Disks[:i], f.def.Devices.Disks[i+1:]...)
				return nil
			}
		}
	case *libvirt.DomainInterface:
		for i := range f.def.Devices.Interfaces {
			if f.def.Devices.Interfaces[i].MAC.Address == d.MAC.Address {
				f.def.Devices.Interfaces = append(f.def.Devices.Interfaces[:i], f.def.Devices.Interfaces[i+1:]...)
				return nil
			}
		}
	}
	return errors.New("device not found")
}

func (f *fakeClient) deviceCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.def.Devices.Disks) + len(f.def.Devices.Interfaces)
}

func testDomainXML(rootBus string) *libvirt.DomainXML {
	return &libvirt.DomainXML{
		Name: testDomain,
		VCPU: libvirt.DomainVCPU{Value: 4},
		OS:   libvirt.DomainOS{Type: libvirt.DomainOSType{Arch: "x86_64", Machine: "pc", Value: "hvm"}},
		Devices: libvirt.DomainDevices{
			Disks: []libvirt.DomainDisk{
				{
					Type:   "file",
					Device: "disk",
					Source: &libvirt.DomainDiskSource{File: "/mnt/primary/root.qcow2"},
					Target: libvirt.DomainDiskTarget{Dev: builder.TargetDev(entity.DiskBus(rootBus), 0), Bus: rootBus},
				},
				{
					Type:   "file",
					Device: "cdrom",
					Source: &libvirt.DomainDiskSource{File: "/mnt/secondary/iso/old.iso"},
					Target: libvirt.DomainDiskTarget{Dev: "hdc", Bus: "ide"},
				},
			},
			Interfaces: []libvirt.DomainInterface{
				{
					Type:   "bridge",
					MAC:    &libvirt.DomainInterfaceMAC{Address: "02:00:4c:5e:00:01"},
					Source: &libvirt.DomainInterfaceSource{Bridge: "cloudbr0"},
				},
			},
		},
	}
}

type testManager struct {
	*Manager
	client *fakeClient
	pools  *storage.MockPoolManager
	runner *executor.MockRunner
}

func setupTestManager(t *testing.T, rootBus string, cfg Config) *testManager {
	t.Helper()

	registry, err := vif.NewRegistry("bridge", nil, vif.Options{DefaultBridge: "cloudbr0"})
	require.NoError(t, err)
	b := builder.New(builder.Options{}, &compute.HostInfo{Arch: "x86_64", LibvirtVersion: 8000000}, registry)

	client := newFakeClient(testDomainXML(rootBus))
	pools := &storage.MockPoolManager{}
	runner := executor.NewMockRunner()
	locks := domainlock.New(domainlock.Config{Retries: 2000, Backoff: time.Millisecond})

	m := New(client, b, pools, locks, registry, runner, cfg, prometheus.NewRegistry())
	return &testManager{Manager: m, client: client, pools: pools, runner: runner}
}

func volume(seq int, path string) *entity.DiskSpec {
	return &entity.DiskSpec{
		Role:      entity.DiskRoleData,
		DeviceSeq: seq,
		Disk: &entity.PhysicalDisk{
			Path:   path,
			Format: entity.FormatQCOW2,
			Pool:   entity.PoolRef{UUID: "pool-1", Type: entity.PoolNetworkFilesystem},
		},
	}
}

func isoSpec(seq int, path string) *entity.DiskSpec {
	return &entity.DiskSpec{
		Role:      entity.DiskRoleISO,
		DeviceSeq: seq,
		Disk: &entity.PhysicalDisk{
			Path:   path,
			Format: entity.FormatRAW,
			Pool:   entity.PoolRef{UUID: "secondary", Type: entity.PoolNetworkFilesystem},
		},
	}
}

func TestAttachDisk_Bus(t *testing.T) {
	t.Parallel()

	testcases := []struct {
		name     string
		rootBus  string
		override entity.DiskBus
		expected string
	}{
		{name: "virtio root", rootBus: "virtio", expected: "vdb"},
		{name: "scsi root", rootBus: "scsi", expected: "sdb"},
		{name: "ide root falls back to virtio", rootBus: "ide", expected: "vdb"},
		{name: "volume override", rootBus: "virtio", override: entity.DiskBusSATA, expected: "sdb"},
	}
	for _, tc := range testcases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := setupTestManager(t, tc.rootBus, Config{})
			disk := volume(1, "/mnt/primary/data.qcow2")
			disk.BusOverride = tc.override
			m.pools.On("Connect", mock.Anything, entity.PoolNetworkFilesystem, "pool-1", disk.Path()).Return(nil)

			require.NoError(t, m.AttachDisk(context.Background(), testDomain, disk))

			def, err := m.client.GetDomainXML(testDomain)
			require.NoError(t, err)
			require.Len(t, def.Devices.Disks, 3)
			assert.Equal(t, tc.expected, def.Devices.Disks[2].Target.Dev)
			m.pools.AssertExpectations(t)
		})
	}
}

func TestAttachDisk_FailureDisconnects(t *testing.T) {
	t.Parallel()

	m := setupTestManager(t, "virtio", Config{})
	m.client.failOn = "attach"
	disk := volume(1, "/mnt/primary/data.qcow2")
	m.pools.On("Connect", mock.Anything, entity.PoolNetworkFilesystem, "pool-1", disk.Path()).Return(nil).Once()
	m.pools.On("Disconnect", mock.Anything, entity.PoolNetworkFilesystem, "pool-1", disk.Path()).Return(nil).Once()

	err := m.AttachDisk(context.Background(), testDomain, disk)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apierror.ErrNativeOperationFailure))
	assert.Equal(t, 3, m.client.deviceCount())
	m.pools.AssertExpectations(t)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ops.WithLabelValues("disk", "attach", "failure")))
}

func TestAttachDisk_ConnectFailure(t *testing.T) {
	t.Parallel()

	m := setupTestManager(t, "virtio", Config{})
	disk := volume(1, "/mnt/primary/data.qcow2")
	m.pools.On("Connect", mock.Anything, entity.PoolNetworkFilesystem, "pool-1", disk.Path()).
		Return(apierror.Errorf(apierror.ErrResourceUnavailable, "pool offline"))

	err := m.AttachDisk(context.Background(), testDomain, disk)
	assert.True(t, errors.Is(err, apierror.ErrResourceUnavailable))
	assert.Equal(t, 3, m.client.deviceCount())
	m.pools.AssertNotCalled(t, "Disconnect", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestAttachDisk_DomainNotFound(t *testing.T) {
	t.Parallel()

	m := setupTestManager(t, "virtio", Config{})
	err := m.AttachDisk(context.Background(), "i-missing", volume(1, "/mnt/primary/data.qcow2"))
	assert.True(t, errors.Is(err, apierror.ErrDomainNotFound))
}

func TestDetachDisk(t *testing.T) {
	t.Parallel()

	m := setupTestManager(t, "virtio", Config{})
	disk := volume(0, "/mnt/primary/root.qcow2")
	m.pools.On("Disconnect", mock.Anything, entity.PoolNetworkFilesystem, "pool-1", disk.Path()).Return(nil).Once()

	outcome, err := m.DetachDisk(context.Background(), testDomain, disk)
	require.NoError(t, err)
	assert.Equal(t, Detached, outcome)
	assert.Equal(t, 2, m.client.deviceCount())

	// 再次卸载返回已不存在，不再断开卷
	outcome, err = m.DetachDisk(context.Background(), testDomain, disk)
	require.NoError(t, err)
	assert.Equal(t, AlreadyAbsent, outcome)
	m.pools.AssertExpectations(t)
}

func TestDetachDisk_Failure(t *testing.T) {
	t.Parallel()

	m := setupTestManager(t, "virtio", Config{})
	m.client.failOn = "detach"
	outcome, err := m.DetachDisk(context.Background(), testDomain, volume(0, "/mnt/primary/root.qcow2"))
	assert.True(t, errors.Is(err, apierror.ErrNativeOperationFailure))
	assert.Empty(t, outcome)
	m.pools.AssertNotCalled(t, "Disconnect", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestISO(t *testing.T) {
	t.Parallel()

	t.Run("attach then detach", func(t *testing.T) {
		t.Parallel()
		m := setupTestManager(t, "virtio", Config{})
		iso := isoSpec(3, "/mnt/secondary/iso/tools.iso")
		m.pools.On("Connect", mock.Anything, entity.PoolNetworkFilesystem, "secondary", iso.Path()).Return(nil).Once()
		m.pools.On("Disconnect", mock.Anything, entity.PoolNetworkFilesystem, "secondary", iso.Path()).Return(nil).Once()

		require.NoError(t, m.AttachISO(context.Background(), testDomain, iso))
		def, err := m.client.GetDomainXML(testDomain)
		require.NoError(t, err)
		require.Len(t, def.Devices.Disks, 3)
		assert.Equal(t, "hdd", def.Devices.Disks[2].Target.Dev)
		assert.Equal(t, "ide", def.Devices.Disks[2].Target.Bus)

		outcome, err := m.DetachISO(context.Background(), testDomain, iso)
		require.NoError(t, err)
		assert.Equal(t, Detached, outcome)
		m.pools.AssertExpectations(t)
	})

	t.Run("system iso is never disconnected", func(t *testing.T) {
		t.Parallel()
		m := setupTestManager(t, "virtio", Config{})
		iso := isoSpec(3, "/mnt/secondary/"+entity.SystemISOName)
		m.pools.On("Connect", mock.Anything, entity.PoolNetworkFilesystem, "secondary", iso.Path()).Return(nil).Once()

		require.NoError(t, m.AttachISO(context.Background(), testDomain, iso))
		outcome, err := m.DetachISO(context.Background(), testDomain, iso)
		require.NoError(t, err)
		assert.Equal(t, Detached, outcome)
		m.pools.AssertExpectations(t)
		m.pools.AssertNotCalled(t, "Disconnect", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("detach empty slot", func(t *testing.T) {
		t.Parallel()
		m := setupTestManager(t, "virtio", Config{})
		outcome, err := m.DetachISO(context.Background(), testDomain, &entity.DiskSpec{Role: entity.DiskRoleISO, DeviceSeq: 5})
		require.NoError(t, err)
		assert.Equal(t, AlreadyAbsent, outcome)
	})
}

func TestReplaceISO(t *testing.T) {
	t.Parallel()

	m := setupTestManager(t, "virtio", Config{})
	next := isoSpec(9, "/mnt/secondary/iso/new.iso")
	m.pools.On("DisconnectByPath", mock.Anything, "/mnt/secondary/iso/old.iso").Return(nil).Once()
	m.pools.On("Connect", mock.Anything, entity.PoolNetworkFilesystem, "secondary", next.Path()).Return(nil).Once()

	// 槽位 2 在 ide 上就是 hdc
	outcome, err := m.ReplaceISO(context.Background(), testDomain, next, 2)
	require.NoError(t, err)
	assert.Equal(t, Replaced, outcome)

	def, err := m.client.GetDomainXML(testDomain)
	require.NoError(t, err)
	require.Len(t, def.Devices.Disks, 2)
	cdrom := def.Devices.Disks[1]
	assert.Equal(t, "hdc", cdrom.Target.Dev)
	assert.Equal(t, next.Path(), cdrom.Source.File)
	m.pools.AssertExpectations(t)

	// 空槽位替换只插入
	m.pools.On("Connect", mock.Anything, entity.PoolNetworkFilesystem, "secondary", next.Path()).Return(nil).Once()
	outcome, err = m.ReplaceISO(context.Background(), testDomain, next, 3)
	require.NoError(t, err)
	assert.Equal(t, AlreadyAbsent, outcome)
	assert.Equal(t, 4, m.client.deviceCount())
}

func TestNIC(t *testing.T) {
	t.Parallel()

	m := setupTestManager(t, "virtio", Config{NetworkUsageScript: "/usr/share/hostagent/scripts/networkUsage.sh"})
	nic := &entity.NicSpec{MAC: "02:00:4c:5e:00:02", TrafficType: entity.TrafficGuest, DeviceSeq: 1}
	m.runner.On("Run", mock.Anything, 30*time.Second, "/usr/share/hostagent/scripts/networkUsage.sh",
		[]string{"-o", "plug", "-d", testDomain, "-m", nic.MAC}).
		Return(&executor.Result{ExitCode: 0}, nil).Once()
	m.runner.On("Run", mock.Anything, 30*time.Second, "/usr/share/hostagent/scripts/networkUsage.sh",
		[]string{"-o", "unplug", "-d", testDomain, "-m", nic.MAC}).
		Return(&executor.Result{ExitCode: 1, Stderr: "no iptables chain"}, nil).Once()

	require.NoError(t, m.PlugNIC(context.Background(), testDomain, nic))
	def, err := m.client.GetDomainXML(testDomain)
	require.NoError(t, err)
	require.Len(t, def.Devices.Interfaces, 2)
	plugged := def.Devices.Interfaces[1]
	assert.Equal(t, "bridge", plugged.Type)
	assert.Equal(t, "cloudbr0", plugged.Source.Bridge)

	// MAC 大小写不敏感；脚本失败不影响结果
	outcome, err := m.UnplugNIC(context.Background(), testDomain, "02:00:4C:5E:00:02")
	require.NoError(t, err)
	assert.Equal(t, Detached, outcome)

	outcome, err = m.UnplugNIC(context.Background(), testDomain, nic.MAC)
	require.NoError(t, err)
	assert.Equal(t, AlreadyAbsent, outcome)
	m.runner.AssertExpectations(t)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ops.WithLabelValues("nic", "unplug", "success")))
}

// recordingUnplugger 记录被清理的网卡 MAC
type recordingUnplugger struct {
	mu   sync.Mutex
	macs []string
}

func (r *recordingUnplugger) UnplugAll(_ context.Context, iface *libvirt.DomainInterface) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.macs = append(r.macs, iface.MAC.Address)
}

func TestPlugNIC_AttachFailureUnplugsVIF(t *testing.T) {
	t.Parallel()

	m := setupTestManager(t, "virtio", Config{NetworkUsageScript: "/usr/share/hostagent/scripts/networkUsage.sh"})
	unplugger := &recordingUnplugger{}
	m.vifs = unplugger
	m.client.failOn = "attach"

	nic := &entity.NicSpec{MAC: "02:00:4c:5e:00:04", TrafficType: entity.TrafficGuest, DeviceSeq: 1}
	err := m.PlugNIC(context.Background(), testDomain, nic)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apierror.ErrNativeOperationFailure))

	assert.Equal(t, []string{nic.MAC}, unplugger.macs)
	assert.Equal(t, 3, m.client.deviceCount())
	m.runner.AssertNotCalled(t, "Run", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ops.WithLabelValues("nic", "plug", "failure")))
}

func TestNIC_NoHookConfigured(t *testing.T) {
	t.Parallel()

	m := setupTestManager(t, "virtio", Config{})
	require.NoError(t, m.PlugNIC(context.Background(), testDomain, &entity.NicSpec{MAC: "02:00:4c:5e:00:03", DeviceSeq: 1}))
	m.runner.AssertNotCalled(t, "Run", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestConcurrentAttachSerialized(t *testing.T) {
	t.Parallel()

	m := setupTestManager(t, "virtio", Config{})
	m.pools.On("Connect", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.AttachDisk(context.Background(), testDomain, volume(i+1, fmt.Sprintf("/mnt/primary/data-%d.qcow2", i)))
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Zero(t, atomic.LoadInt32(&m.client.overlap))
	assert.Equal(t, 5, m.client.deviceCount())

	def, err := m.client.GetDomainXML(testDomain)
	require.NoError(t, err)
	targets := []string{def.Devices.Disks[2].Target.Dev, def.Devices.Disks[3].Target.Dev}
	assert.ElementsMatch(t, []string{"vdb", "vdc"}, targets)
}
