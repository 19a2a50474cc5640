package libvirt

import (
	"context"
	"fmt"

	"github.com/digitalocean/go-libvirt"
)

// BlockCommitFlags block commit 选项
type BlockCommitFlags struct {
	// Active top 为当前正在写入的镜像，完成前需要 pivot
	Active bool
	// Delete 由 libvirt 在完成后删除 overlay 文件
	Delete bool
}

func (f BlockCommitFlags) value() libvirt.DomainBlockCommitFlags {
	var flags libvirt.DomainBlockCommitFlags
	if f.Active {
		flags |= libvirt.DomainBlockCommitActive
	}
	if f.Delete {
		flags |= libvirt.DomainBlockCommitDelete
	}
	return flags
}

// BlockJobType 与 virDomainBlockJobType 对应
type BlockJobType int32

const (
	BlockJobTypeUnknown      BlockJobType = 0
	BlockJobTypePull         BlockJobType = 1
	BlockJobTypeCopy         BlockJobType = 2
	BlockJobTypeCommit       BlockJobType = 3
	BlockJobTypeActiveCommit BlockJobType = 4
	BlockJobTypeBackup       BlockJobType = 5
)

func (t BlockJobType) String() string {
	switch t {
	case BlockJobTypePull:
		return "pull"
	case BlockJobTypeCopy:
		return "copy"
	case BlockJobTypeCommit:
		return "commit"
	case BlockJobTypeActiveCommit:
		return "active-commit"
	case BlockJobTypeBackup:
		return "backup"
	default:
		return "unknown"
	}
}

// BlockJobStatus 与 virConnectDomainEventBlockJobStatus 对应
type BlockJobStatus int32

const (
	BlockJobCompleted BlockJobStatus = 0
	BlockJobFailed    BlockJobStatus = 1
	BlockJobCanceled  BlockJobStatus = 2
	BlockJobReady     BlockJobStatus = 3
)

func (s BlockJobStatus) String() string {
	switch s {
	case BlockJobCompleted:
		return "completed"
	case BlockJobFailed:
		return "failed"
	case BlockJobCanceled:
		return "canceled"
	case BlockJobReady:
		return "ready"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// BlockJobEvent block job 事件
type BlockJobEvent struct {
	Domain string
	// Disk 磁盘当前的源路径
	Disk   string
	Type   BlockJobType
	Status BlockJobStatus
}

// BlockJobInfo block job 进度
type BlockJobInfo struct {
	Type      BlockJobType
	Bandwidth uint64
	Cur       uint64
	End       uint64
}

// BlockCommit 发起 block commit，立即返回，合并在 libvirt 中异步进行
// top 为空表示 active image。
func (c *Client) BlockCommit(name, disk, base, top string, flags BlockCommitFlags) error {
	domain, err := c.LookupDomain(name)
	if err != nil {
		return err
	}
	var baseOpt, topOpt libvirt.OptString
	if base != "" {
		baseOpt = libvirt.OptString{base}
	}
	if top != "" {
		topOpt = libvirt.OptString{top}
	}
	if err := c.conn.DomainBlockCommit(domain, disk, baseOpt, topOpt, 0, flags.value()); err != nil {
		return fmt.Errorf("failed to start block commit on %s/%s: %w", name, disk, err)
	}
	return nil
}

// GetBlockJobInfo 查询 block job 进度，没有 job 时返回 nil
func (c *Client) GetBlockJobInfo(name, disk string) (*BlockJobInfo, error) {
	domain, err := c.LookupDomain(name)
	if err != nil {
		return nil, err
	}
	found, jobType, bandwidth, cur, end, err := c.conn.DomainGetBlockJobInfo(domain, disk, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to get block job info %s/%s: %w", name, disk, err)
	}
	if found == 0 {
		return nil, nil
	}
	return &BlockJobInfo{
		Type:      BlockJobType(jobType),
		Bandwidth: bandwidth,
		Cur:       cur,
		End:       end,
	}, nil
}

// PivotBlockJob active commit 进入 READY 后切换到 base
func (c *Client) PivotBlockJob(name, disk string) error {
	domain, err := c.LookupDomain(name)
	if err != nil {
		return err
	}
	if err := c.conn.DomainBlockJobAbort(domain, disk, libvirt.DomainBlockJobAbortPivot); err != nil {
		return fmt.Errorf("failed to pivot block job %s/%s: %w", name, disk, err)
	}
	return nil
}

// SubscribeBlockJobEvents 订阅指定域的 block job 事件
// go-libvirt 不按域过滤回调，这里丢弃其他域的事件。
// ctx 取消后订阅被注销，返回的 channel 随之关闭。
func (c *Client) SubscribeBlockJobEvents(ctx context.Context, name string) (<-chan BlockJobEvent, error) {
	domain, err := c.LookupDomain(name)
	if err != nil {
		return nil, err
	}
	raw, err := c.conn.SubscribeEvents(ctx, libvirt.DomainEventIDBlockJob, libvirt.OptDomain{domain})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe block job events for %s: %w", name, err)
	}

	out := make(chan BlockJobEvent, 4)
	go func() {
		defer close(out)
		for e := range raw {
			event, ok := toBlockJobEvent(e)
			if !ok || event.Domain != name {
				continue
			}
			select {
			case out <- event:
			case <-ctx.Done():
				// 继续消费 raw，直到 go-libvirt 关闭它
			}
		}
	}()
	return out, nil
}

// toBlockJobEvent VIR_DOMAIN_EVENT_ID_BLOCK_JOB 上报的是磁盘源路径
func toBlockJobEvent(e any) (BlockJobEvent, bool) {
	var msg libvirt.DomainEventBlockJobMsg
	switch m := e.(type) {
	case *libvirt.DomainEventCallbackBlockJobMsg:
		msg = m.Msg
	case libvirt.DomainEventCallbackBlockJobMsg:
		msg = m.Msg
	default:
		return BlockJobEvent{}, false
	}
	return BlockJobEvent{
		Domain: msg.Dom.Name,
		Disk:   msg.Path,
		Type:   BlockJobType(msg.Type),
		Status: BlockJobStatus(msg.Status),
	}, true
}
