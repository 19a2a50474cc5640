// Package consolidation 把快照 overlay 通过 block commit 合并回 base
//
// 合并在 libvirt 中异步进行。超时只放弃本地等待，不会取消 libvirt 中的 block job：
// 中止一个部分提交的链可能损坏数据，超时后需要人工检查卷链。
package consolidation

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/jimyag/hostagent/internal/hostagent/entity"
	"github.com/jimyag/hostagent/pkg/apierror"
	"github.com/jimyag/hostagent/pkg/executor"
	"github.com/jimyag/hostagent/pkg/idgen"
	"github.com/jimyag/hostagent/pkg/libvirt"
)

// minLibvirtNativeDelete libvirt 6.6.0 起 commit 完成后由 libvirt 删除 overlay
const minLibvirtNativeDelete = 6006000

// JobStore 合并任务持久化
type JobStore interface {
	SaveMergeJob(ctx context.Context, job *entity.SnapshotMergeJob) error
	// GetMergeJob 不存在时返回 ErrMergeJobNotFound
	GetMergeJob(ctx context.Context, id string) (*entity.SnapshotMergeJob, error)
	// ListMergeJobs domain 为空时返回全部
	ListMergeJobs(ctx context.Context, domain string) ([]*entity.SnapshotMergeJob, error)
}

// Config 合并引擎配置
type Config struct {
	// EventsEnabled 使用 libvirt block job 事件，否则退回 virsh --wait
	EventsEnabled bool
	// Timeout 请求未指定时的等待上限
	Timeout time.Duration
	// PollInterval 进度观察间隔
	PollInterval time.Duration
	VirshPath    string
}

// Engine 快照合并引擎
type Engine struct {
	client libvirt.LibvirtClient
	runner executor.Runner
	store  JobStore
	cfg    Config

	newID func() (string, error)
	now   func() time.Time

	mu      sync.Mutex
	running map[string]string // domain/disk -> job id

	jobsTotal *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

// New 创建合并引擎
func New(client libvirt.LibvirtClient, runner executor.Runner, store JobStore, cfg Config, reg prometheus.Registerer) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Hour
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.VirshPath == "" {
		cfg.VirshPath = "virsh"
	}
	e := &Engine{
		client:  client,
		runner:  runner,
		store:   store,
		cfg:     cfg,
		newID:   idgen.GenerateMergeJobID,
		now:     time.Now,
		running: make(map[string]string),
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hostagent",
			Subsystem: "merge",
			Name:      "jobs_total",
			Help:      "Snapshot merge jobs by strategy and terminal state.",
		}, []string{"strategy", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hostagent",
			Subsystem: "merge",
			Name:      "duration_seconds",
			Help:      "Time spent waiting for snapshot merge jobs.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 15),
		}, []string{"strategy"}),
	}
	if reg != nil {
		reg.MustRegister(e.jobsTotal, e.duration)
	}
	return e
}

// Strategy 当前配置使用的策略
func (e *Engine) Strategy() entity.MergeStrategy {
	if e.cfg.EventsEnabled {
		return entity.MergeStrategyEvent
	}
	return entity.MergeStrategyPolling
}

// tracker 保护观察协程和等待方共同修改的任务
type tracker struct {
	mu  sync.Mutex
	job entity.SnapshotMergeJob
}

func (t *tracker) snapshot() *entity.SnapshotMergeJob {
	t.mu.Lock()
	defer t.mu.Unlock()
	job := t.job
	return &job
}

func (t *tracker) update(fn func(job *entity.SnapshotMergeJob)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.job)
}

// outcome 一次等待的结果
type outcome struct {
	state  entity.MergeState
	reason string
}

func (e *Engine) save(ctx context.Context, t *tracker) {
	if e.store == nil {
		return
	}
	job := t.snapshot()
	if err := e.store.SaveMergeJob(ctx, job); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("job_id", job.ID).Msg("failed to persist merge job")
	}
}

func validateRequest(req *entity.MergeRequest) error {
	switch {
	case req == nil:
		return apierror.Errorf(apierror.ErrInvalidParameter, "merge request is required")
	case req.Domain == "":
		return apierror.Errorf(apierror.ErrInvalidParameter, "domain is required")
	case req.Disk == "":
		return apierror.Errorf(apierror.ErrInvalidParameter, "disk label is required")
	case req.Base == "":
		return apierror.Errorf(apierror.ErrInvalidParameter, "base file is required")
	case req.Timeout < 0:
		return apierror.Errorf(apierror.ErrInvalidParameter, "timeout must not be negative")
	}
	return nil
}

// MergeSnapshot 合并快照并等待结果，最长等待 timeout
// 返回的任务总是处于终态；Failed 和 TimedOut 同时返回错误。
func (e *Engine) MergeSnapshot(ctx context.Context, req *entity.MergeRequest) (*entity.SnapshotMergeJob, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	key := req.Domain + "/" + req.Disk
	e.mu.Lock()
	if id, ok := e.running[key]; ok {
		e.mu.Unlock()
		return nil, apierror.Errorf(apierror.ErrResourceUnavailable, "merge job %s is already running on %s", id, key)
	}
	id, err := e.newID()
	if err != nil {
		e.mu.Unlock()
		return nil, apierror.WrapError(apierror.ErrInternalError, "generate merge job id", err)
	}
	e.running[key] = id
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, key)
		e.mu.Unlock()
	}()

	// 调用方断开不影响合并，只保留 ctx 中的 logger 等值
	ctx = context.WithoutCancel(ctx)
	timeout := req.Timeout
	if timeout == 0 {
		timeout = e.cfg.Timeout
	}
	now := e.now()
	t := &tracker{job: entity.SnapshotMergeJob{
		ID:           id,
		Domain:       req.Domain,
		Disk:         req.Disk,
		Base:         req.Base,
		Top:          req.Top,
		SnapshotName: req.SnapshotName,
		Active:       req.Active,
		Strategy:     e.Strategy(),
		Timeout:      timeout,
		Deadline:     now.Add(timeout),
		State:        entity.MergeCreated,
		CreatedAt:    now,
	}}
	logger := zerolog.Ctx(ctx).With().
		Str("job_id", id).
		Str("domain", req.Domain).
		Str("disk", req.Disk).
		Str("snapshot", req.SnapshotName).
		Logger()
	ctx = logger.WithContext(ctx)
	e.save(ctx, t)

	nativeDelete := e.supportsNativeDelete(ctx)
	logger.Info().
		Str("base", req.Base).
		Str("top", req.Top).
		Bool("active", req.Active).
		Bool("native_delete", nativeDelete).
		Str("strategy", string(t.job.Strategy)).
		Dur("timeout", timeout).
		Msg("starting snapshot merge")

	var res outcome
	if e.cfg.EventsEnabled {
		res = e.mergeWithEvents(ctx, t, nativeDelete)
	} else {
		res = e.mergeWithVirsh(ctx, t, nativeDelete)
	}

	if res.state == entity.MergeCompleted {
		e.cleanupOverlay(ctx, t.snapshot(), nativeDelete)
	}
	return e.finish(ctx, t, res)
}

func (e *Engine) supportsNativeDelete(ctx context.Context) bool {
	version, err := e.client.GetLibVersion()
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("failed to get libvirt version, assuming no native overlay delete")
		return false
	}
	return version >= minLibvirtNativeDelete
}

func (e *Engine) markRunning(ctx context.Context, t *tracker) {
	t.update(func(job *entity.SnapshotMergeJob) { job.State = entity.MergeRunning })
	e.save(ctx, t)
}

// mergeWithEvents 先订阅 block job 事件再发起 commit，等待单次信号
func (e *Engine) mergeWithEvents(ctx context.Context, t *tracker, nativeDelete bool) outcome {
	job := t.snapshot()
	logger := zerolog.Ctx(ctx)

	ids := e.diskIdentities(ctx, job)
	subCtx, unsubscribe := context.WithCancel(ctx)
	defer unsubscribe()

	events, err := e.client.SubscribeBlockJobEvents(subCtx, job.Domain)
	if err != nil {
		return outcome{state: entity.MergeFailed, reason: "subscribe block job events: " + err.Error()}
	}

	signal := make(chan outcome, 1)
	listenerDone := make(chan struct{})
	go func() {
		defer close(listenerDone)
		e.listen(subCtx, job, ids, events, signal)
	}()
	// 所有返回路径都先注销订阅再等待监听协程退出
	defer func() {
		unsubscribe()
		<-listenerDone
	}()

	flags := libvirt.BlockCommitFlags{Active: job.Active, Delete: nativeDelete}
	if err := e.client.BlockCommit(job.Domain, job.Disk, job.Base, job.Top, flags); err != nil {
		return outcome{state: entity.MergeFailed, reason: err.Error()}
	}
	e.markRunning(ctx, t)

	stop := make(chan struct{})
	observerDone := make(chan struct{})
	go func() {
		defer close(observerDone)
		e.observe(ctx, t, stop, signal)
	}()

	timer := time.NewTimer(time.Until(job.Deadline))
	defer timer.Stop()

	var res outcome
	select {
	case res = <-signal:
	case <-timer.C:
		res = outcome{state: entity.MergeTimedOut}
	}
	close(stop)
	<-observerDone

	logger.Debug().Str("state", string(res.state)).Msg("block commit wait finished")
	return res
}

// offer 信号只取第一个，后到的直接丢弃
func offer(signal chan<- outcome, res outcome) {
	select {
	case signal <- res:
	default:
	}
}

// listen 把 block job 事件转换为一次性信号
func (e *Engine) listen(ctx context.Context, job *entity.SnapshotMergeJob, ids map[string]struct{}, events <-chan libvirt.BlockJobEvent, signal chan<- outcome) {
	logger := zerolog.Ctx(ctx)
	for {
		var ev libvirt.BlockJobEvent
		var ok bool
		select {
		case <-ctx.Done():
			return
		case ev, ok = <-events:
			if !ok {
				return
			}
		}
		if ev.Domain != job.Domain || !matchesDisk(ev.Disk, ids) {
			continue
		}
		logger.Debug().Str("event_disk", ev.Disk).Str("type", ev.Type.String()).Str("status", ev.Status.String()).Msg("block job event")

		switch ev.Status {
		case libvirt.BlockJobReady:
			if !job.Active {
				continue
			}
			if err := e.client.PivotBlockJob(job.Domain, job.Disk); err != nil {
				offer(signal, outcome{state: entity.MergeFailed, reason: "pivot: " + err.Error()})
				return
			}
			logger.Info().Msg("active block commit pivoted to base")
		case libvirt.BlockJobCompleted:
			offer(signal, outcome{state: entity.MergeCompleted})
			return
		case libvirt.BlockJobFailed, libvirt.BlockJobCanceled:
			offer(signal, outcome{state: entity.MergeFailed, reason: "block job " + ev.Status.String()})
			return
		}
	}
}

// diskIdentities 事件上报的是磁盘当前源路径，提交前从域定义中取出
func (e *Engine) diskIdentities(ctx context.Context, job *entity.SnapshotMergeJob) map[string]struct{} {
	ids := make(map[string]struct{}, 6)
	add := func(values ...string) {
		for _, v := range values {
			if v != "" {
				ids[v] = struct{}{}
			}
		}
	}
	add(job.Disk, job.Top, job.Base, job.Overlay())

	def, err := e.client.GetDomainXML(job.Domain)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("failed to read disk source, matching block job events by job files only")
		return ids
	}
	for _, d := range def.Devices.Disks {
		if d.Target.Dev == job.Disk && d.Source != nil {
			add(d.Source.File, d.Source.Dev, d.Source.Name)
		}
	}
	return ids
}

func matchesDisk(disk string, ids map[string]struct{}) bool {
	if disk == "" {
		return false
	}
	_, ok := ids[disk]
	return ok
}

// observe 每个间隔查询一次进度，直到收到停止信号或超过截止时间
// commit 发起后 job 不再列出视为完成，事件丢失时等待方不会一直等到超时。
func (e *Engine) observe(ctx context.Context, t *tracker, stop <-chan struct{}, signal chan<- outcome) {
	job := t.snapshot()
	logger := zerolog.Ctx(ctx)
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	var last, end uint64
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if e.now().After(job.Deadline) {
			logger.Warn().Uint64("cur", last).Uint64("end", end).Msg("block commit progress observer reached the deadline")
			return
		}
		info, err := e.client.GetBlockJobInfo(job.Domain, job.Disk)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to get block job info, stop observing")
			return
		}
		if info == nil || (info.Type == libvirt.BlockJobTypeUnknown && info.Cur == 0 && info.End == 0) {
			// 失败事件通常先于 job 消失到达，留一个间隔给监听协程
			select {
			case <-stop:
				return
			case <-time.After(e.cfg.PollInterval):
			}
			logger.Info().Msg("block job no longer listed, treating it as completed")
			offer(signal, outcome{state: entity.MergeCompleted})
			return
		}
		if info.Cur > last {
			logger.Debug().Uint64("cur", info.Cur).Uint64("end", info.End).Msg("block commit progress")
			t.update(func(j *entity.SnapshotMergeJob) {
				j.Progress = entity.MergeProgress{Cur: info.Cur, End: info.End}
			})
		}
		last, end = info.Cur, info.End
	}
}

// VirshArgs 退回策略使用的 virsh 参数
func VirshArgs(job *entity.SnapshotMergeJob, nativeDelete bool) []string {
	args := []string{"blockcommit", job.Domain, job.Disk, "--base", job.Base}
	if job.Top != "" {
		args = append(args, "--top", job.Top)
	}
	if job.Active {
		args = append(args, "--active", "--pivot")
	}
	if nativeDelete {
		args = append(args, "--delete")
	}
	return append(args, "--wait")
}

// mergeWithVirsh 单条阻塞的 virsh blockcommit --wait
// 超时只结束 virsh 进程，block job 留在 libvirt 中继续运行。
func (e *Engine) mergeWithVirsh(ctx context.Context, t *tracker, nativeDelete bool) outcome {
	job := t.snapshot()
	if e.runner == nil {
		return outcome{state: entity.MergeFailed, reason: "no process runner configured"}
	}
	e.markRunning(ctx, t)

	result, err := e.runner.Run(ctx, time.Until(job.Deadline), e.cfg.VirshPath, VirshArgs(job, nativeDelete)...)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return outcome{state: entity.MergeTimedOut}
		}
		return outcome{state: entity.MergeFailed, reason: err.Error()}
	}
	if !result.Success() {
		return outcome{state: entity.MergeFailed, reason: fmt.Sprintf("virsh exited %d: %s", result.ExitCode, strings.TrimSpace(result.Output()))}
	}
	return outcome{state: entity.MergeCompleted}
}

// cleanupOverlay libvirt 不支持原生删除时手动删除 overlay
func (e *Engine) cleanupOverlay(ctx context.Context, job *entity.SnapshotMergeJob, nativeDelete bool) {
	path := job.Overlay()
	logger := zerolog.Ctx(ctx).With().Str("overlay", path).Logger()
	if nativeDelete {
		logger.Debug().Msg("overlay removed by libvirt")
		return
	}
	if path == "" {
		return
	}
	if err := RemoveOverlay(path); err != nil {
		logger.Warn().Err(err).Msg("failed to remove merged overlay")
		return
	}
	logger.Debug().Msg("merged overlay removed")
}

// RemoveOverlay 删除 overlay 文件，文件不存在不算错误
func RemoveOverlay(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (e *Engine) finish(ctx context.Context, t *tracker, res outcome) (*entity.SnapshotMergeJob, error) {
	finishedAt := e.now()
	t.update(func(job *entity.SnapshotMergeJob) {
		job.State = res.state
		job.Reason = res.reason
		job.FinishedAt = &finishedAt
	})
	e.save(ctx, t)

	job := t.snapshot()
	e.jobsTotal.WithLabelValues(string(job.Strategy), strings.ToLower(string(job.State))).Inc()
	e.duration.WithLabelValues(string(job.Strategy)).Observe(finishedAt.Sub(job.CreatedAt).Seconds())

	logger := zerolog.Ctx(ctx)
	subject := fmt.Sprintf("the block commit of top file [%s] into base file [%s] for snapshot [%s] of domain [%s]",
		job.Overlay(), job.Base, job.SnapshotName, job.Domain)
	leftRunning := " The block job is left running to avoid data corruption; the volume chain must be checked and normalized manually."
	if job.Active {
		leftRunning += " The commit involved the active image, so the pivot must be done manually."
	}

	switch job.State {
	case entity.MergeCompleted:
		logger.Info().Dur("elapsed", finishedAt.Sub(job.CreatedAt)).Msg("snapshot merge completed")
		return job, nil
	case entity.MergeTimedOut:
		logger.Error().Dur("timeout", job.Timeout).Uint64("cur", job.Progress.Cur).Uint64("end", job.Progress.End).Msg("snapshot merge timed out")
		return job, apierror.Errorf(apierror.ErrTimeout, "timed out after %s waiting for %s.%s", job.Timeout, subject, leftRunning)
	default:
		logger.Error().Str("reason", job.Reason).Msg("snapshot merge failed")
		return job, apierror.Errorf(apierror.ErrNativeOperationFailure, "failed %s: %s. Retrying is not safe on a partially merged chain.", subject, job.Reason)
	}
}

// GetJob 查询合并任务
func (e *Engine) GetJob(ctx context.Context, id string) (*entity.SnapshotMergeJob, error) {
	if e.store == nil {
		return nil, apierror.Errorf(apierror.ErrMergeJobNotFound, "merge job %s not found", id)
	}
	return e.store.GetMergeJob(ctx, id)
}

// ListJobs 列出合并任务，domain 为空时返回全部
func (e *Engine) ListJobs(ctx context.Context, domain string) ([]*entity.SnapshotMergeJob, error) {
	if e.store == nil {
		return nil, nil
	}
	return e.store.ListMergeJobs(ctx, domain)
}

// RunningJobs 正在等待中的任务，domain/disk -> job id
func (e *Engine) RunningJobs() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]string, len(e.running))
	for k, v := range e.running {
		out[k] = v
	}
	return out
}

// InspectBlockJobs 通过 QMP 查看 QEMU 中的 block job，用于排查超时后仍在运行的合并
func (e *Engine) InspectBlockJobs(ctx context.Context, domain string) ([]libvirt.QMPBlockJob, error) {
	jobs, err := e.client.QueryBlockJobs(domain)
	if err != nil {
		if errors.Is(err, libvirt.ErrNotFound) {
			return nil, apierror.WrapError(apierror.ErrDomainNotFound, "domain "+domain+" not found", err)
		}
		return nil, apierror.WrapError(apierror.ErrNativeOperationFailure, "query block jobs of "+domain, err)
	}
	zerolog.Ctx(ctx).Debug().Str("domain", domain).Int("jobs", len(jobs)).Msg("inspected block jobs")
	return jobs, nil
}
