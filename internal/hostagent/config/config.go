package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/jimyag/hostagent/pkg/apierror"
)

// DefaultPath 未设置 HOSTAGENT_CONFIG 时读取的配置文件
const DefaultPath = "/etc/hostagent/agent.yaml"

type Config struct {
	// LibvirtURI 是 libvirt 连接 URI
	// 支持以下格式：
	// - qemu:///system (本地系统连接，默认)
	// - qemu+ssh://user@host/system (SSH 远程连接)
	// - qemu+tcp://host/system (TCP 远程连接)
	// 可以通过环境变量 LIBVIRT_URI 或 HOSTAGENT_LIBVIRT_URI 配置
	LibvirtURI string `yaml:"libvirt_uri"`
	// SSH qemu+ssh:// 使用的密钥
	SSH SSHConfig `yaml:"ssh"`

	// DataDir 保存数据库、命令日志和锁文件
	// 可以通过环境变量 HOSTAGENT_DATA_DIR 配置
	DataDir string `yaml:"data_dir"`

	Address  string `yaml:"address"`
	LogLevel string `yaml:"log_level"`

	Builder    BuilderConfig    `yaml:"builder"`
	Merge      MergeConfig      `yaml:"merge"`
	VIF        VIFConfig        `yaml:"vif"`
	DomainLock DomainLockConfig `yaml:"domain_lock"`

	QemuImgPath string `yaml:"qemu_img_path"`
	// NetworkUsageScript 网卡插拔后的流量统计脚本，为空时不调用
	NetworkUsageScript string `yaml:"network_usage_script"`
	// CgroupMount 探测 cgroup 版本的挂载点
	CgroupMount string `yaml:"cgroup_mount"`
	// CommandLogDir 为空时使用 DataDir/commands
	CommandLogDir string `yaml:"command_log_dir"`
}

// SSHConfig 远程 libvirt 的 SSH 配置
type SSHConfig struct {
	KeyPath        string `yaml:"key_path"`
	KnownHostsPath string `yaml:"known_hosts_path"`
}

// BuilderConfig domain 构建配置
type BuilderConfig struct {
	ManualTopology bool   `yaml:"manual_topology"`
	GuestCPUMode   string `yaml:"guest_cpu_mode"`
	// GuestCPUArch 覆盖探测到的宿主机架构
	GuestCPUArch string `yaml:"guest_cpu_arch"`

	UEFI           UEFIConfig `yaml:"uefi"`
	QemuSocketsDir string     `yaml:"qemu_sockets_dir"`
	VideoHardware  string     `yaml:"video_hardware"`
	VideoRAM       uint       `yaml:"video_ram"`
	IOUring        bool       `yaml:"io_uring"`
}

// UEFIConfig 固件路径，legacy 和 secure 两套
type UEFIConfig struct {
	Enabled        bool   `yaml:"enabled"`
	LegacyLoader   string `yaml:"legacy_loader"`
	SecureLoader   string `yaml:"secure_loader"`
	LegacyTemplate string `yaml:"legacy_template"`
	SecureTemplate string `yaml:"secure_template"`
	NVRAMDir       string `yaml:"nvram_dir"`
}

// MergeConfig 快照合并配置
type MergeConfig struct {
	EventsEnabled bool          `yaml:"events_enabled"`
	Timeout       time.Duration `yaml:"timeout"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	VirshPath     string        `yaml:"virsh_path"`
	// Retention 已结束任务的保留时间，0 表示不清理
	Retention time.Duration `yaml:"retention"`
}

// VIFConfig 网卡驱动配置
type VIFConfig struct {
	Driver string `yaml:"driver"`
	// TrafficDrivers 流量类型 -> 驱动，例如 Guest: ovs
	TrafficDrivers map[string]string `yaml:"traffic_drivers"`
	// Bridges 流量类型 -> 网桥
	Bridges       map[string]string `yaml:"bridges"`
	DefaultBridge string            `yaml:"default_bridge"`
	DirectMode    string            `yaml:"direct_mode"`
}

// DomainLockConfig 按 domain 互斥的重试配置
type DomainLockConfig struct {
	Retries int           `yaml:"retries"`
	Backoff time.Duration `yaml:"backoff"`
}

var vifDrivers = map[string]bool{"bridge": true, "ovs": true, "direct": true}

// New 读取 HOSTAGENT_CONFIG 指向的配置文件，文件不存在时只使用默认值和环境变量
func New() (*Config, error) {
	path := DefaultPath
	if p := os.Getenv("HOSTAGENT_CONFIG"); p != "" {
		path = p
	}
	return Load(path)
}

// Load 默认值 -> YAML 文件 -> 环境变量
func Load(path string) (*Config, error) {
	cfg := defaults()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, apierror.WrapError(apierror.ErrConfiguration, "parse config file "+path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, apierror.WrapError(apierror.ErrConfiguration, "read config file "+path, err)
	}

	applyEnv(cfg)
	cfg.fillDerived()
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		LibvirtURI: "qemu:///system",
		DataDir:    "/var/lib/hostagent",
		Address:    "0.0.0.0:7788",
		LogLevel:   "info",
		Builder: BuilderConfig{
			GuestCPUMode: "host-model",
			UEFI: UEFIConfig{
				NVRAMDir: "/var/lib/libvirt/qemu/nvram",
			},
			QemuSocketsDir: "/var/lib/libvirt/qemu",
			VideoHardware:  "cirrus",
		},
		Merge: MergeConfig{
			EventsEnabled: true,
			Timeout:       3 * time.Hour,
			PollInterval:  time.Second,
			VirshPath:     "virsh",
			Retention:     30 * 24 * time.Hour,
		},
		VIF: VIFConfig{
			Driver:        "bridge",
			DefaultBridge: "cloudbr0",
		},
		DomainLock: DomainLockConfig{
			Retries: 5,
			Backoff: 200 * time.Millisecond,
		},
		QemuImgPath: "qemu-img",
		CgroupMount: "/sys/fs/cgroup",
	}
}

// applyEnv 环境变量优先于配置文件
func applyEnv(cfg *Config) {
	// LIBVIRT_URI 优先于 HOSTAGENT_LIBVIRT_URI
	if uri := os.Getenv("LIBVIRT_URI"); uri != "" {
		cfg.LibvirtURI = uri
	} else if uri := os.Getenv("HOSTAGENT_LIBVIRT_URI"); uri != "" {
		cfg.LibvirtURI = uri
	}
	if dir := os.Getenv("HOSTAGENT_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}
	if addr := os.Getenv("HOSTAGENT_ADDRESS"); addr != "" {
		cfg.Address = addr
	}
	if level := os.Getenv("HOSTAGENT_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
}

func (c *Config) fillDerived() {
	if c.CommandLogDir == "" {
		c.CommandLogDir = filepath.Join(c.DataDir, "commands")
	}
}

// DatabasePath sqlite 数据库文件
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "hostagent.db")
}

// LockDir 跨进程 domain 锁文件目录
func (c *Config) LockDir() string {
	return filepath.Join(c.DataDir, "locks")
}

// Level 解析日志级别
func (c *Config) Level() (zerolog.Level, error) {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel, apierror.WrapError(apierror.ErrConfiguration, "invalid log level "+c.LogLevel, err)
	}
	return level, nil
}

// Validate 检查启动必需的工具和路径，失败时 agent 不启动
func (c *Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}
	if c.DataDir == "" {
		return apierror.Errorf(apierror.ErrConfiguration, "data_dir is required")
	}
	if !vifDrivers[c.VIF.Driver] {
		return apierror.Errorf(apierror.ErrConfiguration, "unknown vif driver %q", c.VIF.Driver)
	}
	for traffic, driver := range c.VIF.TrafficDrivers {
		if !vifDrivers[driver] {
			return apierror.Errorf(apierror.ErrConfiguration, "unknown vif driver %q for %s traffic", driver, traffic)
		}
	}
	uefi := c.Builder.UEFI
	if uefi.Enabled && uefi.LegacyLoader == "" && uefi.SecureLoader == "" {
		return apierror.Errorf(apierror.ErrConfiguration, "uefi is enabled but no loader is configured")
	}
	if c.Merge.Timeout <= 0 {
		return apierror.Errorf(apierror.ErrConfiguration, "merge timeout must be positive, got %s", c.Merge.Timeout)
	}
	if c.Merge.PollInterval <= 0 {
		return apierror.Errorf(apierror.ErrConfiguration, "merge poll interval must be positive, got %s", c.Merge.PollInterval)
	}
	if !c.Merge.EventsEnabled {
		if _, err := exec.LookPath(c.Merge.VirshPath); err != nil {
			return apierror.WrapError(apierror.ErrConfiguration, fmt.Sprintf("virsh %q is required when libvirt events are disabled", c.Merge.VirshPath), err)
		}
	}
	if c.NetworkUsageScript != "" {
		if _, err := os.Stat(c.NetworkUsageScript); err != nil {
			return apierror.WrapError(apierror.ErrConfiguration, "network usage script "+c.NetworkUsageScript, err)
		}
	}
	if c.DomainLock.Retries <= 0 {
		return apierror.Errorf(apierror.ErrConfiguration, "domain lock retries must be positive")
	}
	return nil
}
