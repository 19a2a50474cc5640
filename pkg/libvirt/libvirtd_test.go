package libvirt

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket/dialers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 远程协议常量，与 libvirt remote_protocol.x / qemu_protocol.x 一致
const (
	remoteProgram = 0x20008086
	qemuProgram   = 0x20008087

	procConnectOpen        = 1
	procConnectClose       = 2
	procDomainLookupByName = 23
	procAuthList           = 66
	procEventRegisterAny   = 316
	procEventDeregisterAny = 317
	procEventBlockJob      = 326

	qemuProcMonitorCommand = 1

	packetReply   = 1
	packetMessage = 2

	headerSize = 28
)

// fakeLibvirtd 在 net.Pipe 上应答 go-libvirt，只实现本包测试用到的过程
type fakeLibvirtd struct {
	conn       net.Conn
	callbackID int32
	// monitorReply QEMU monitor 命令的返回
	monitorReply string

	mu sync.Mutex
	// registered 订阅请求中的 event id
	registered chan int32
	commands   chan string
}

func setupTestLibvirtd(t *testing.T) (*fakeLibvirtd, *Client) {
	t.Helper()

	server, client := net.Pipe()
	d := &fakeLibvirtd{
		conn:       server,
		callbackID: 7,
		registered: make(chan int32, 4),
		commands:   make(chan string, 4),
	}
	go d.serve()

	l := libvirt.NewWithDialer(dialers.NewAlreadyConnected(client))
	require.NoError(t, l.Connect())
	c := &Client{conn: l, uri: "qemu:///system"}
	t.Cleanup(func() {
		_ = c.Close()
		_ = server.Close()
	})
	return d, c
}

func (d *fakeLibvirtd) serve() {
	header := make([]byte, headerSize)
	for {
		if _, err := io.ReadFull(d.conn, header); err != nil {
			return
		}
		length := binary.BigEndian.Uint32(header[0:4])
		program := binary.BigEndian.Uint32(header[4:8])
		proc := binary.BigEndian.Uint32(header[12:16])
		serial := binary.BigEndian.Uint32(header[20:24])
		payload := make([]byte, int(length)-headerSize)
		if _, err := io.ReadFull(d.conn, payload); err != nil {
			return
		}

		var reply []byte
		switch {
		case program == qemuProgram && proc == qemuProcMonitorCommand:
			// Domain 之后是命令字符串
			_, rest := xdrReadString(payload)
			cmd, _ := xdrReadString(rest[20:])
			select {
			case d.commands <- cmd:
			default:
			}
			reply = xdrString(nil, d.monitorReply)
		case proc == procAuthList:
			reply = xdrUint32(xdrUint32(nil, 1), 0)
		case proc == procDomainLookupByName:
			name, _ := xdrReadString(payload)
			reply = xdrDomain(nil, name)
		case proc == procEventRegisterAny:
			select {
			case d.registered <- int32(binary.BigEndian.Uint32(payload[0:4])):
			default:
			}
			reply = xdrUint32(nil, uint32(d.callbackID))
		case proc == procConnectOpen, proc == procConnectClose, proc == procEventDeregisterAny:
		}
		if err := d.write(program, proc, packetReply, serial, reply); err != nil {
			return
		}
	}
}

func (d *fakeLibvirtd) write(program, proc, typ, serial uint32, payload []byte) error {
	buf := make([]byte, headerSize, headerSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(headerSize+len(payload)))
	binary.BigEndian.PutUint32(buf[4:8], program)
	binary.BigEndian.PutUint32(buf[8:12], 1)
	binary.BigEndian.PutUint32(buf[12:16], proc)
	binary.BigEndian.PutUint32(buf[16:20], typ)
	binary.BigEndian.PutUint32(buf[20:24], serial)

	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.conn.Write(append(buf, payload...))
	return err
}

// emitBlockJob 发送 VIR_DOMAIN_EVENT_ID_BLOCK_JOB 回调
func (d *fakeLibvirtd) emitBlockJob(t *testing.T, domain, path string, typ BlockJobType, status BlockJobStatus) {
	t.Helper()

	payload := xdrUint32(nil, uint32(d.callbackID))
	payload = xdrDomain(payload, domain)
	payload = xdrString(payload, path)
	payload = xdrUint32(payload, uint32(typ))
	payload = xdrUint32(payload, uint32(status))
	require.NoError(t, d.write(remoteProgram, procEventBlockJob, packetMessage, 0, payload))
}

func xdrUint32(buf []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(buf, v)
}

func xdrString(buf []byte, s string) []byte {
	buf = xdrUint32(buf, uint32(len(s)))
	buf = append(buf, s...)
	for n := len(s); n%4 != 0; n++ {
		buf = append(buf, 0)
	}
	return buf
}

// xdrDomain remote_nonnull_domain：name、16 字节 uuid、id
func xdrDomain(buf []byte, name string) []byte {
	buf = xdrString(buf, name)
	buf = append(buf, make([]byte, 16)...)
	return xdrUint32(buf, 1)
}

func xdrReadString(buf []byte) (string, []byte) {
	n := int(binary.BigEndian.Uint32(buf[0:4]))
	padded := (n + 3) &^ 3
	return string(buf[4 : 4+n]), buf[4+padded:]
}

func TestSubscribeBlockJobEvents(t *testing.T) {
	t.Parallel()

	d, c := setupTestLibvirtd(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := c.SubscribeBlockJobEvents(ctx, "i-2-10-VM")
	require.NoError(t, err)
	select {
	case id := <-d.registered:
		assert.Equal(t, int32(libvirt.DomainEventIDBlockJob), id)
	case <-time.After(time.Second):
		t.Fatal("event callback was not registered")
	}

	// libvirt 把所有域的事件都发给同一个回调
	d.emitBlockJob(t, "i-2-11-VM", "/mnt/primary/other.qcow2", BlockJobTypeCommit, BlockJobCompleted)
	d.emitBlockJob(t, "i-2-10-VM", "/mnt/primary/snap-1.qcow2", BlockJobTypeCommit, BlockJobCompleted)

	select {
	case ev := <-events:
		assert.Equal(t, BlockJobEvent{
			Domain: "i-2-10-VM",
			Disk:   "/mnt/primary/snap-1.qcow2",
			Type:   BlockJobTypeCommit,
			Status: BlockJobCompleted,
		}, ev)
	case <-time.After(time.Second):
		t.Fatal("block job event was not delivered")
	}

	cancel()
	select {
	case ev, ok := <-events:
		assert.False(t, ok, "unexpected event %+v", ev)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription was not closed after cancel")
	}
}

func TestQueryBlockJobs(t *testing.T) {
	t.Parallel()

	d, c := setupTestLibvirtd(t)
	d.monitorReply = `{"return":[{"device":"drive-virtio-disk0","type":"commit","len":100,"offset":40,"speed":0,"ready":false,"busy":true}],"id":"libvirt-7"}`

	jobs, err := c.QueryBlockJobs("i-2-10-VM")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, QMPBlockJob{Device: "drive-virtio-disk0", Type: "commit", Len: 100, Offset: 40, Busy: true}, jobs[0])

	select {
	case cmd := <-d.commands:
		assert.True(t, strings.Contains(cmd, `"execute":"query-block-jobs"`), cmd)
	default:
		t.Fatal("monitor command was not sent")
	}
}
