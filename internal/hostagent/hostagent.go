// Package hostagent 组装 host agent 的各个组件并管理生命周期
package hostagent

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/jimmicro/grace"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/jimyag/hostagent/internal/hostagent/api"
	"github.com/jimyag/hostagent/internal/hostagent/builder"
	"github.com/jimyag/hostagent/internal/hostagent/cmdlog"
	"github.com/jimyag/hostagent/internal/hostagent/compute"
	"github.com/jimyag/hostagent/internal/hostagent/config"
	"github.com/jimyag/hostagent/internal/hostagent/consolidation"
	"github.com/jimyag/hostagent/internal/hostagent/dispatcher"
	"github.com/jimyag/hostagent/internal/hostagent/domainlock"
	"github.com/jimyag/hostagent/internal/hostagent/entity"
	"github.com/jimyag/hostagent/internal/hostagent/hotplug"
	"github.com/jimyag/hostagent/internal/hostagent/lifecycle"
	"github.com/jimyag/hostagent/internal/hostagent/repository"
	"github.com/jimyag/hostagent/internal/hostagent/resourcestate"
	"github.com/jimyag/hostagent/internal/hostagent/storage"
	"github.com/jimyag/hostagent/internal/hostagent/vif"
	"github.com/jimyag/hostagent/pkg/executor"
	"github.com/jimyag/hostagent/pkg/libvirt"
	"github.com/jimyag/hostagent/pkg/qemuimg"
)

// retentionInterval 清理过期合并任务的间隔
const retentionInterval = time.Hour

type Server struct {
	cfg    *config.Config
	client *libvirt.Client
	repo   *repository.Repository
	merges *repository.MergeJobRepository
	api    *api.API
}

func New(cfg *config.Config) (*Server, error) {
	level, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	zerolog.DefaultContextLogger = &logger
	ctx := logger.WithContext(context.Background())

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// 1. 数据库：合并任务和资源状态
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	repo, err := repository.New(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	mergeRepo := repository.NewMergeJobRepository(repo.DB())

	// 2. 资源状态机，恢复上次状态后触发 InternalCreated
	machine, err := resourcestate.NewMachine(ctx, repository.NewStateRepository(repo.DB()))
	if err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("restore resource state: %w", err)
	}
	logger.Info().Str("state", string(machine.State())).Msg("resource state restored")

	// 3. libvirt 连接和宿主机能力
	runner, sshCfg, err := newRunner(cfg)
	if err != nil {
		_ = repo.Close()
		return nil, err
	}
	client, err := libvirt.New(&libvirt.Config{URI: cfg.LibvirtURI, SSH: sshCfg})
	if err != nil {
		_ = repo.Close()
		return nil, err
	}
	logger.Info().Str("uri", client.URI()).Msg("libvirt connected")
	host, err := compute.ProbeHost(ctx, client, cfg.CgroupMount)
	if err != nil {
		_ = client.Close()
		_ = repo.Close()
		return nil, fmt.Errorf("probe host: %w", err)
	}
	if cfg.Builder.GuestCPUArch != "" {
		host.Arch = cfg.Builder.GuestCPUArch
	}
	logger.Info().
		Str("arch", host.Arch).
		Int("cores", host.Cores).
		Int("speed_mhz", host.SpeedMHz).
		Int("cgroup", int(host.CgroupVersion)).
		Int("max_capacity", host.HostMaxCapacity).
		Msg("host probed")

	// 4. 网卡驱动、domain 构建器、存储池和锁
	bridges := make(map[entity.TrafficType]string, len(cfg.VIF.Bridges))
	for traffic, br := range cfg.VIF.Bridges {
		bridges[entity.TrafficType(traffic)] = br
	}
	vifs, err := vif.NewRegistry(cfg.VIF.Driver, cfg.VIF.TrafficDrivers, vif.Options{
		Bridges:       bridges,
		DefaultBridge: cfg.VIF.DefaultBridge,
		DirectMode:    cfg.VIF.DirectMode,
		Runner:        runner,
	})
	if err != nil {
		_ = client.Close()
		_ = repo.Close()
		return nil, err
	}
	b := builder.New(builderOptions(cfg), host, vifs)
	pools := storage.NewLibvirtPoolManager(client)
	locks := domainlock.New(domainlock.Config{
		Dir:     cfg.LockDir(),
		Retries: cfg.DomainLock.Retries,
		Backoff: cfg.DomainLock.Backoff,
	})

	// 5. 业务组件
	hp := hotplug.New(client, b, pools, locks, vifs, runner, hotplug.Config{
		NetworkUsageScript: cfg.NetworkUsageScript,
	}, reg)
	engine := consolidation.New(client, runner, mergeRepo, consolidation.Config{
		EventsEnabled: cfg.Merge.EventsEnabled,
		Timeout:       cfg.Merge.Timeout,
		PollInterval:  cfg.Merge.PollInterval,
		VirshPath:     cfg.Merge.VirshPath,
	}, reg)
	lc := lifecycle.New(client, b, pools, qemuimg.New(cfg.QemuImgPath), locks)

	// 6. 命令日志，上次运行遗留的命令标记为中断
	cmds, err := cmdlog.New(cfg.CommandLogDir)
	if err != nil {
		_ = client.Close()
		_ = repo.Close()
		return nil, err
	}
	if _, err := cmds.Reconcile(); err != nil {
		logger.Warn().Err(err).Msg("failed to reconcile command log")
	}
	if n, err := cmds.Prune(nil); err != nil {
		logger.Warn().Err(err).Msg("failed to prune command log")
	} else if n > 0 {
		logger.Info().Int("removed", n).Msg("pruned finished commands")
	}
	if err := markInterruptedMerges(ctx, mergeRepo); err != nil {
		logger.Warn().Err(err).Msg("failed to mark interrupted merge jobs")
	}

	disp := dispatcher.New(machine, lc, hp, engine, cmds)

	// 7. API
	apiInstance, err := api.New(cfg.Address, host, machine, disp, cmds, engine, reg)
	if err != nil {
		_ = client.Close()
		_ = repo.Close()
		return nil, err
	}

	return &Server{
		cfg:    cfg,
		client: client,
		repo:   repo,
		merges: mergeRepo,
		api:    apiInstance,
	}, nil
}

// newRunner qemu+ssh:// 时 virsh 和脚本在远端执行
func newRunner(cfg *config.Config) (executor.Runner, *executor.SSHConfig, error) {
	u, err := url.Parse(cfg.LibvirtURI)
	if err != nil {
		return nil, nil, fmt.Errorf("parse libvirt uri %q: %w", cfg.LibvirtURI, err)
	}
	if u.Scheme != "qemu+ssh" {
		return executor.NewLocalRunner(), nil, nil
	}
	sshCfg := &executor.SSHConfig{
		Host:           u.Host,
		KeyPath:        cfg.SSH.KeyPath,
		KnownHostsPath: cfg.SSH.KnownHostsPath,
		DialTimeout:    10 * time.Second,
	}
	if u.User != nil {
		sshCfg.User = u.User.Username()
	}
	if sshCfg.User == "" {
		sshCfg.User = "root"
	}
	return executor.NewSSHRunner(sshCfg), sshCfg, nil
}

func builderOptions(cfg *config.Config) builder.Options {
	bc := cfg.Builder
	opts := builder.Options{
		ManualTopology: bc.ManualTopology,
		GuestCPUMode:   bc.GuestCPUMode,
		QemuSocketsDir: bc.QemuSocketsDir,
		VideoHardware:  bc.VideoHardware,
		VideoRAM:       bc.VideoRAM,
		IOUring:        bc.IOUring,
	}
	if bc.UEFI.Enabled {
		opts.UEFILegacyLoader = bc.UEFI.LegacyLoader
		opts.UEFISecureLoader = bc.UEFI.SecureLoader
		opts.UEFILegacyTemplate = bc.UEFI.LegacyTemplate
		opts.UEFISecureTemplate = bc.UEFI.SecureTemplate
		opts.NVRAMDir = bc.UEFI.NVRAMDir
	}
	return opts
}

// markInterruptedMerges 进程退出时仍在等待的合并任务无法再观察结果
// 标记为 TimedOut 并保留 Active，QEMU 中的 commit 可能仍在运行。
func markInterruptedMerges(ctx context.Context, repo *repository.MergeJobRepository) error {
	jobs, err := repo.ListUnfinished(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, job := range jobs {
		job.State = entity.MergeTimedOut
		job.Active = true
		job.Reason = "agent restarted while waiting for the merge"
		job.FinishedAt = &now
		if err := repo.SaveMergeJob(ctx, job); err != nil {
			return err
		}
		zerolog.Ctx(ctx).Warn().Str("job", job.ID).Str("domain", job.Domain).Msg("merge job interrupted by restart")
	}
	return nil
}

func (s *Server) Run(ctx context.Context) error {
	services := []grace.Grace{
		s.api,
		&retentionSweeper{repo: s.merges, retention: s.cfg.Merge.Retention, interval: retentionInterval},
	}

	shepherd := grace.NewShepherd(
		services,
		grace.WithTimeout(30*time.Second),
		grace.WithLogger(&zerologLogger{}),
	)

	shepherd.Start(ctx)
	return s.close()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.api.Shutdown(ctx); err != nil {
		return err
	}
	return s.close()
}

func (s *Server) close() error {
	var firstErr error
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			firstErr = err
		}
		s.client = nil
	}
	if s.repo != nil {
		if err := s.repo.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.repo = nil
	}
	return firstErr
}

// Name 实现 grace.Grace 接口
func (s *Server) Name() string {
	return "Host Agent"
}

// zerologLogger 实现 grace.Logger 接口
type zerologLogger struct{}

func (l *zerologLogger) Info(msg string, args ...interface{}) {
	logger := zerolog.DefaultContextLogger.Info()
	if len(args) > 0 {
		logger.Msgf(msg, args...)
	} else {
		logger.Msg(msg)
	}
}

func (l *zerologLogger) Error(msg string, args ...interface{}) {
	logger := zerolog.DefaultContextLogger.Error()
	if len(args) > 0 {
		logger.Msgf(msg, args...)
	} else {
		logger.Msg(msg)
	}
}
