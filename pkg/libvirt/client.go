package libvirt

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/digitalocean/go-libvirt"
	"golang.org/x/crypto/ssh"

	"github.com/jimyag/hostagent/pkg/executor"
)

const (
	// DefaultURI 本机 libvirtd
	DefaultURI = string(libvirt.QEMUSystem)
	// defaultRemoteSocket 远端 libvirtd 的 unix socket
	defaultRemoteSocket = "/var/run/libvirt/libvirt-sock"
)

// ErrNotFound 对象不存在（domain、secret、pool、volume）
var ErrNotFound = errors.New("libvirt object not found")

type Client struct {
	conn *libvirt.Libvirt
	// uri 仅用于日志
	uri string
}

// Config 连接配置
type Config struct {
	// URI 例如 qemu:///system、qemu+ssh://root@host/system
	URI string
	// SSH 仅对 qemu+ssh:// 生效，Host/User 为空时从 URI 中取
	SSH *executor.SSHConfig
}

// New 根据 URI 建立连接
// qemu+ssh:// 经 SSH 隧道连接远端 unix socket，其余交给 go-libvirt 解析。
func New(cfg *Config) (*Client, error) {
	raw := DefaultURI
	if cfg != nil && cfg.URI != "" {
		raw = cfg.URI
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse libvirt uri %q: %w", raw, err)
	}

	if u.Scheme == "qemu+ssh" {
		sshCfg := sshConfigFromURI(u, cfg.SSH)
		dialer := &sshDialer{cfg: sshCfg, socket: socketFromURI(u)}
		l := libvirt.NewWithDialer(dialer)
		if err := l.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect %s: %w", raw, err)
		}
		return &Client{conn: l, uri: raw}, nil
	}

	l, err := libvirt.ConnectToURI(u)
	if err != nil {
		return nil, fmt.Errorf("failed to connect %s: %w", raw, err)
	}
	return &Client{conn: l, uri: raw}, nil
}

// URI 返回连接地址
func (c *Client) URI() string {
	return c.uri
}

// Close 断开连接
func (c *Client) Close() error {
	return c.conn.Disconnect()
}

// GetLibVersion 返回 libvirt 版本号，编码为 major*1000000 + minor*1000 + micro
func (c *Client) GetLibVersion() (uint64, error) {
	v, err := c.conn.ConnectGetLibVersion()
	if err != nil {
		return 0, fmt.Errorf("failed to retrieve libvirt version: %w", err)
	}
	return v, nil
}

// GetHypervisorVersion 返回 hypervisor（qemu）版本号
func (c *Client) GetHypervisorVersion() (uint64, error) {
	v, err := c.conn.ConnectGetVersion()
	if err != nil {
		return 0, fmt.Errorf("failed to retrieve hypervisor version: %w", err)
	}
	return v, nil
}

// FormatVersion converts libvirt version number to human readable format
// For example: 8003000 = 8.3.0
func FormatVersion(version uint64) string {
	major := version / 1000000
	minor := (version % 1000000) / 1000
	micro := version % 1000
	return fmt.Sprintf("%d.%d.%d", major, minor, micro)
}

// isNotFound 判断错误是否为对象不存在
// go-libvirt 只为 domain 提供了 IsNotFound，其它对象按错误信息判断。
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	if libvirt.IsNotFound(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "no secret with matching") ||
		strings.Contains(msg, "no storage vol with matching") || strings.Contains(msg, "no storage pool with matching")
}

// wrapLookupErr 把不存在的错误统一成 ErrNotFound
func wrapLookupErr(kind, name string, err error) error {
	if isNotFound(err) {
		return fmt.Errorf("%s %s: %w", kind, name, ErrNotFound)
	}
	return fmt.Errorf("failed to lookup %s %s: %w", kind, name, err)
}

func sshConfigFromURI(u *url.URL, base *executor.SSHConfig) *executor.SSHConfig {
	cfg := executor.SSHConfig{}
	if base != nil {
		cfg = *base
	}
	if cfg.Host == "" {
		cfg.Host = u.Host
	}
	if cfg.User == "" && u.User != nil {
		cfg.User = u.User.Username()
	}
	if cfg.User == "" {
		cfg.User = "root"
	}
	if cfg.KeyPath == "" {
		cfg.KeyPath = u.Query().Get("keyfile")
	}
	return &cfg
}

func socketFromURI(u *url.URL) string {
	if s := u.Query().Get("socket"); s != "" {
		return s
	}
	return defaultRemoteSocket
}

// sshDialer 实现 go-libvirt 的 socket.Dialer
type sshDialer struct {
	cfg    *executor.SSHConfig
	socket string
}

func (d *sshDialer) Dial() (net.Conn, error) {
	clientConfig, err := d.cfg.ClientConfig()
	if err != nil {
		return nil, err
	}
	client, err := ssh.Dial("tcp", d.cfg.Address(), clientConfig)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", d.cfg.Address(), err)
	}
	conn, err := client.Dial("unix", d.socket)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("dial %s via %s: %w", d.socket, d.cfg.Address(), err)
	}
	return &sshConn{Conn: conn, client: client}, nil
}

// sshConn 关闭时同时关闭 SSH 客户端
type sshConn struct {
	net.Conn
	client *ssh.Client
}

func (c *sshConn) Close() error {
	err := c.Conn.Close()
	if cerr := c.client.Close(); err == nil {
		err = cerr
	}
	return err
}
