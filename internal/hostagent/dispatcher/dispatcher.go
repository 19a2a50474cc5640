// Package dispatcher 按主机资源状态放行命令并路由到对应组件
package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/jimyag/hostagent/internal/hostagent/cmdlog"
	"github.com/jimyag/hostagent/internal/hostagent/entity"
	"github.com/jimyag/hostagent/internal/hostagent/hotplug"
	"github.com/jimyag/hostagent/internal/hostagent/resourcestate"
	"github.com/jimyag/hostagent/pkg/apierror"
	"github.com/jimyag/hostagent/pkg/idgen"
	"github.com/jimyag/hostagent/pkg/libvirt"
)

// StateMachine 主机资源状态
type StateMachine interface {
	State() resourcestate.State
	Fire(ctx context.Context, event resourcestate.Event) (resourcestate.State, error)
}

// Lifecycle 虚拟机启停和快照元数据，由 lifecycle.Service 实现
type Lifecycle interface {
	StartVM(ctx context.Context, spec *entity.VmSpec) (*libvirt.DomainXML, error)
	StopVM(ctx context.Context, name string) (bool, error)
	CleanSnapshotMetadata(ctx context.Context, domain string) ([]entity.SnapshotMetadata, error)
	RestoreSnapshotMetadata(ctx context.Context, domain string, snaps []entity.SnapshotMetadata) error
}

// HotPlugger 热插拔，由 hotplug.Manager 实现
type HotPlugger interface {
	AttachDisk(ctx context.Context, domain string, disk *entity.DiskSpec) error
	DetachDisk(ctx context.Context, domain string, disk *entity.DiskSpec) (hotplug.Outcome, error)
	AttachISO(ctx context.Context, domain string, iso *entity.DiskSpec) error
	DetachISO(ctx context.Context, domain string, iso *entity.DiskSpec) (hotplug.Outcome, error)
	ReplaceISO(ctx context.Context, domain string, iso *entity.DiskSpec, seq int) (hotplug.Outcome, error)
	PlugNIC(ctx context.Context, domain string, nic *entity.NicSpec) error
	UnplugNIC(ctx context.Context, domain, mac string) (hotplug.Outcome, error)
}

// Merger 快照合并，由 consolidation.Engine 实现
type Merger interface {
	MergeSnapshot(ctx context.Context, req *entity.MergeRequest) (*entity.SnapshotMergeJob, error)
}

// Dispatcher 命令分发器
type Dispatcher struct {
	machine   StateMachine
	lifecycle Lifecycle
	hotplug   HotPlugger
	merger    Merger
	log       *cmdlog.Log
	newID     func() (string, error)
}

// New 创建分发器，log 为 nil 时不记录命令日志
func New(machine StateMachine, lc Lifecycle, hp HotPlugger, merger Merger, log *cmdlog.Log) *Dispatcher {
	return &Dispatcher{
		machine:   machine,
		lifecycle: lc,
		hotplug:   hp,
		merger:    merger,
		log:       log,
		newID:     idgen.GenerateCommandID,
	}
}

// Admit 当前状态是否接受该类命令
// ResourceEvent 总是放行，由状态机决定是否接受；StartVM 只在 Enabled 和 Degraded 下执行；
// 其他命令在 Creating 和 Error 下拒绝。
func Admit(state resourcestate.State, kind entity.CommandKind) error {
	switch {
	case kind == entity.CommandResourceEvent:
		return nil
	case kind == entity.CommandStartVM:
		if state == resourcestate.Enabled || state == resourcestate.Degraded {
			return nil
		}
	case state != resourcestate.Creating && state != resourcestate.Error:
		return nil
	}
	return apierror.Errorf(apierror.ErrHostStateRejected, "host in state %s does not accept %s", state, kind)
}

// Dispatch 放行检查后执行命令并记录命令日志
func (d *Dispatcher) Dispatch(ctx context.Context, cmd *entity.Command) (*entity.CommandResult, error) {
	if cmd == nil || cmd.Kind == "" {
		return nil, apierror.Errorf(apierror.ErrInvalidParameter, "command kind is required")
	}
	if cmd.ID == "" {
		id, err := d.newID()
		if err != nil {
			return nil, apierror.WrapError(apierror.ErrInternalError, "generate command id", err)
		}
		cmd.ID = id
	}

	logger := zerolog.Ctx(ctx).With().
		Str("command", cmd.ID).
		Str("kind", string(cmd.Kind)).
		Str("target", cmd.Target()).
		Logger()
	ctx = logger.WithContext(ctx)

	if err := Admit(d.machine.State(), cmd.Kind); err != nil {
		logger.Warn().Err(err).Msg("command rejected")
		return nil, err
	}

	if d.log != nil {
		if _, err := d.log.Start(cmd); err != nil {
			return nil, apierror.WrapError(apierror.ErrInternalError, "log command", err)
		}
		state := cmdlog.StateProcessing
		if cmd.Kind == entity.CommandMergeSnapshot {
			state = cmdlog.StateProcessingInBackend
		}
		d.updateLog(ctx, cmd.ID, state)
	}

	result, err := d.run(ctx, cmd)
	d.finishLog(ctx, cmd.ID, err)
	if err != nil {
		logger.Error().Err(err).Msg("command failed")
		return result, err
	}
	logger.Info().Str("message", result.Message).Msg("command completed")
	return result, nil
}

func (d *Dispatcher) updateLog(ctx context.Context, id string, state cmdlog.State) {
	if err := d.log.Update(id, state, ""); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("failed to update command log")
	}
}

func (d *Dispatcher) finishLog(ctx context.Context, id string, err error) {
	if d.log == nil {
		return
	}
	state, msg := cmdlog.StateCompleted, ""
	switch {
	case errors.Is(err, apierror.ErrTimeout):
		state, msg = cmdlog.StateTimedOut, err.Error()
	case err != nil:
		state, msg = cmdlog.StateFailed, err.Error()
	}
	if err := d.log.Finish(id, state, msg); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("failed to finish command log")
	}
}

func (d *Dispatcher) run(ctx context.Context, cmd *entity.Command) (*entity.CommandResult, error) {
	res := &entity.CommandResult{ID: cmd.ID, Kind: cmd.Kind}
	domain := cmd.Target()

	switch cmd.Kind {
	case entity.CommandResourceEvent:
		event, err := resourcestate.ParseEvent(cmd.Event)
		if err != nil {
			return nil, err
		}
		state, err := d.machine.Fire(ctx, event)
		if err != nil {
			return nil, err
		}
		res.HostState = string(state)
		res.Message = fmt.Sprintf("host is %s", state)

	case entity.CommandStartVM:
		if cmd.VM == nil {
			return nil, missing(cmd, "vm")
		}
		def, err := d.lifecycle.StartVM(ctx, cmd.VM)
		if err != nil {
			return nil, err
		}
		res.Message = fmt.Sprintf("domain %s started with %d disks", def.Name, len(def.Devices.Disks))

	case entity.CommandStopVM:
		if domain == "" {
			return nil, missing(cmd, "domain")
		}
		stopped, err := d.lifecycle.StopVM(ctx, domain)
		if err != nil {
			return nil, err
		}
		res.Message = "domain stopped"
		if !stopped {
			res.Message = "domain already absent"
		}

	case entity.CommandAttachDisk:
		if domain == "" || cmd.Disk == nil {
			return nil, missing(cmd, "domain and disk")
		}
		if err := d.hotplug.AttachDisk(ctx, domain, cmd.Disk); err != nil {
			return nil, err
		}
		res.Message = "disk attached"

	case entity.CommandDetachDisk:
		if domain == "" || cmd.Disk == nil {
			return nil, missing(cmd, "domain and disk")
		}
		outcome, err := d.hotplug.DetachDisk(ctx, domain, cmd.Disk)
		if err != nil {
			return nil, err
		}
		res.Message = outcomeMessage("disk", outcome)

	case entity.CommandAttachISO:
		if domain == "" || cmd.Disk == nil {
			return nil, missing(cmd, "domain and disk")
		}
		if err := d.hotplug.AttachISO(ctx, domain, cmd.Disk); err != nil {
			return nil, err
		}
		res.Message = "iso attached"

	case entity.CommandDetachISO:
		if domain == "" || cmd.Disk == nil {
			return nil, missing(cmd, "domain and disk")
		}
		outcome, err := d.hotplug.DetachISO(ctx, domain, cmd.Disk)
		if err != nil {
			return nil, err
		}
		res.Message = outcomeMessage("iso", outcome)

	case entity.CommandReplaceISO:
		if domain == "" || cmd.Disk == nil {
			return nil, missing(cmd, "domain and disk")
		}
		outcome, err := d.hotplug.ReplaceISO(ctx, domain, cmd.Disk, cmd.Disk.DeviceSeq)
		if err != nil {
			return nil, err
		}
		res.Message = outcomeMessage("iso", outcome)

	case entity.CommandPlugNIC:
		if domain == "" || cmd.Nic == nil {
			return nil, missing(cmd, "domain and nic")
		}
		if err := d.hotplug.PlugNIC(ctx, domain, cmd.Nic); err != nil {
			return nil, err
		}
		res.Message = "nic plugged"

	case entity.CommandUnplugNIC:
		if domain == "" || cmd.Nic == nil || cmd.Nic.MAC == "" {
			return nil, missing(cmd, "domain and nic mac")
		}
		outcome, err := d.hotplug.UnplugNIC(ctx, domain, cmd.Nic.MAC)
		if err != nil {
			return nil, err
		}
		res.Message = outcomeMessage("nic", outcome)

	case entity.CommandMergeSnapshot:
		if cmd.Merge == nil {
			return nil, missing(cmd, "merge")
		}
		job, err := d.merger.MergeSnapshot(ctx, cmd.Merge)
		res.Job = job
		if err != nil {
			if job == nil {
				return nil, err
			}
			// 任务结果照常返回，调用方据此排查
			res.Message = job.Reason
			return res, err
		}
		res.Message = fmt.Sprintf("merge job %s %s", job.ID, job.State)

	case entity.CommandCleanSnapshotMetadata:
		if domain == "" {
			return nil, missing(cmd, "domain")
		}
		snaps, err := d.lifecycle.CleanSnapshotMetadata(ctx, domain)
		if err != nil {
			return nil, err
		}
		res.Snapshots = snaps
		res.Message = fmt.Sprintf("%d snapshots cleaned", len(snaps))

	case entity.CommandRestoreSnapshotMetadata:
		if domain == "" {
			return nil, missing(cmd, "domain")
		}
		if err := d.lifecycle.RestoreSnapshotMetadata(ctx, domain, cmd.Snapshots); err != nil {
			return nil, err
		}
		res.Message = fmt.Sprintf("%d snapshots restored", len(cmd.Snapshots))

	default:
		return nil, apierror.Errorf(apierror.ErrInvalidParameter, "unknown command kind %q", cmd.Kind)
	}

	res.Success = true
	return res, nil
}

func missing(cmd *entity.Command, what string) error {
	return apierror.Errorf(apierror.ErrInvalidParameter, "%s requires %s", cmd.Kind, what)
}

func outcomeMessage(device string, outcome hotplug.Outcome) string {
	switch outcome {
	case hotplug.AlreadyAbsent:
		return device + " already absent"
	case hotplug.Replaced:
		return device + " replaced"
	}
	return device + " detached"
}
