package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHConfig SSH 连接配置
type SSHConfig struct {
	// Host 远端地址，不带端口时使用 22
	Host string
	User string
	// KeyPath 私钥路径
	KeyPath string
	// KnownHostsPath 为空时不校验主机密钥
	KnownHostsPath string
	DialTimeout    time.Duration
}

// ClientConfig 根据配置构造 ssh.ClientConfig
func (c *SSHConfig) ClientConfig() (*ssh.ClientConfig, error) {
	key, err := os.ReadFile(c.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("read ssh key %s: %w", c.KeyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key %s: %w", c.KeyPath, err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey() //nolint:gosec
	if c.KnownHostsPath != "" {
		hostKeyCallback, err = knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known hosts %s: %w", c.KnownHostsPath, err)
		}
	}

	timeout := c.DialTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}, nil
}

// Address 返回 host:port
func (c *SSHConfig) Address() string {
	if _, _, err := net.SplitHostPort(c.Host); err == nil {
		return c.Host
	}
	return net.JoinHostPort(c.Host, "22")
}

// SSHRunner 通过 SSH 在远端主机执行命令
type SSHRunner struct {
	cfg *SSHConfig
}

// NewSSHRunner 创建 SSH 执行器
func NewSSHRunner(cfg *SSHConfig) *SSHRunner {
	return &SSHRunner{cfg: cfg}
}

// Run 在远端执行命令，每次调用建立一个新连接
func (r *SSHRunner) Run(ctx context.Context, timeout time.Duration, name string, args ...string) (*Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	clientConfig, err := r.cfg.ClientConfig()
	if err != nil {
		return nil, err
	}
	client, err := ssh.Dial("tcp", r.cfg.Address(), clientConfig)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", r.cfg.Address(), err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("ssh new session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(Quote(name, args...))
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return &Result{ExitCode: -1, Stdout: stdout.String(), Stderr: stderr.String()},
			fmt.Errorf("run %s on %s: %w", name, r.cfg.Host, ctx.Err())
	case err := <-done:
		result := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				result.ExitCode = exitErr.ExitStatus()
				return result, nil
			}
			return nil, fmt.Errorf("run %s on %s: %w", name, r.cfg.Host, err)
		}
		return result, nil
	}
}
