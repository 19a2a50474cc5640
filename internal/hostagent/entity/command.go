package entity

import "fmt"

// CommandKind 编排系统下发的命令类型
type CommandKind string

const (
	CommandStartVM                 CommandKind = "StartVM"
	CommandStopVM                  CommandKind = "StopVM"
	CommandAttachDisk              CommandKind = "AttachDisk"
	CommandDetachDisk              CommandKind = "DetachDisk"
	CommandAttachISO               CommandKind = "AttachISO"
	CommandDetachISO               CommandKind = "DetachISO"
	CommandReplaceISO              CommandKind = "ReplaceISO"
	CommandPlugNIC                 CommandKind = "PlugNIC"
	CommandUnplugNIC               CommandKind = "UnplugNIC"
	CommandMergeSnapshot           CommandKind = "MergeSnapshot"
	CommandCleanSnapshotMetadata   CommandKind = "CleanSnapshotMetadata"
	CommandRestoreSnapshotMetadata CommandKind = "RestoreSnapshotMetadata"
	CommandResourceEvent           CommandKind = "ResourceEvent"
)

// SnapshotMetadata 快照元数据
type SnapshotMetadata struct {
	Name    string `json:"name"`
	XML     string `json:"xml"`
	Current bool   `json:"current,omitempty"`
}

// Command 命令，按 Kind 读取对应字段
type Command struct {
	ID   string      `json:"id"`
	Kind CommandKind `json:"kind" binding:"required"`

	// Domain 目标虚拟机名称，StartVM 时取 VM.Name
	Domain    string             `json:"domain,omitempty"`
	VM        *VmSpec            `json:"vm,omitempty"`
	Disk      *DiskSpec          `json:"disk,omitempty"`
	Nic       *NicSpec           `json:"nic,omitempty"`
	Merge     *MergeRequest      `json:"merge,omitempty"`
	Snapshots []SnapshotMetadata `json:"snapshots,omitempty"`
	// Event 主机资源状态事件名
	Event string `json:"event,omitempty"`
}

// Target 命令作用的虚拟机名称
func (c *Command) Target() string {
	if c.Domain != "" {
		return c.Domain
	}
	if c.VM != nil {
		return c.VM.Name
	}
	if c.Merge != nil {
		return c.Merge.Domain
	}
	return ""
}

// LogName 命令日志文件名使用的名字
func (c *Command) LogName() string {
	if target := c.Target(); target != "" {
		return fmt.Sprintf("%s-%s", c.Kind, target)
	}
	return string(c.Kind)
}

// CommandResult 命令执行结果
type CommandResult struct {
	ID        string             `json:"id"`
	Kind      CommandKind        `json:"kind"`
	Success   bool               `json:"success"`
	Message   string             `json:"message,omitempty"`
	Job       *SnapshotMergeJob  `json:"job,omitempty"`
	Snapshots []SnapshotMetadata `json:"snapshots,omitempty"`
	HostState string             `json:"host_state,omitempty"`
}
