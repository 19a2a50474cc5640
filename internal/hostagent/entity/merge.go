package entity

import (
	"path/filepath"
	"time"
)

// MergeState 快照合并任务状态
type MergeState string

const (
	MergeCreated   MergeState = "Created"
	MergeRunning   MergeState = "Running"
	MergeCompleted MergeState = "Completed"
	MergeFailed    MergeState = "Failed"
	MergeTimedOut  MergeState = "TimedOut"
)

// IsTerminal 是否为终态
func (s MergeState) IsTerminal() bool {
	return s == MergeCompleted || s == MergeFailed || s == MergeTimedOut
}

// MergeStrategy 合并策略
type MergeStrategy string

const (
	MergeStrategyEvent   MergeStrategy = "event"
	MergeStrategyPolling MergeStrategy = "polling"
)

// MergeRequest 快照合并请求
type MergeRequest struct {
	Domain string `json:"domain" binding:"required"`
	// Disk 磁盘 target，例如 vda
	Disk string `json:"disk" binding:"required"`
	Base string `json:"base" binding:"required"`
	// Top 为空表示合并 active image
	Top          string `json:"top,omitempty"`
	SnapshotName string `json:"snapshot_name,omitempty"`
	Active       bool   `json:"active,omitempty"`
	// Timeout 为 0 时使用配置的默认值
	Timeout time.Duration `json:"timeout,omitempty"`
}

// MergeProgress 已提交字节 / 总字节
type MergeProgress struct {
	Cur uint64 `json:"cur"`
	End uint64 `json:"end"`
}

// SnapshotMergeJob 快照合并任务
type SnapshotMergeJob struct {
	ID           string        `json:"id"`
	Domain       string        `json:"domain"`
	Disk         string        `json:"disk"`
	Base         string        `json:"base"`
	Top          string        `json:"top,omitempty"`
	SnapshotName string        `json:"snapshot_name,omitempty"`
	Active       bool          `json:"active"`
	Strategy     MergeStrategy `json:"strategy"`
	Timeout      time.Duration `json:"timeout"`
	Deadline     time.Time     `json:"deadline"`
	State        MergeState    `json:"state"`
	Progress     MergeProgress `json:"progress"`
	Reason       string        `json:"reason,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	FinishedAt   *time.Time    `json:"finished_at,omitempty"`
}

// Overlay 合并完成后不再需要的 overlay 文件
// top 为空时按 base 所在目录下的快照名推导。
func (j *SnapshotMergeJob) Overlay() string {
	if j.Top != "" {
		return j.Top
	}
	if j.SnapshotName == "" {
		return ""
	}
	return filepath.Join(filepath.Dir(j.Base), j.SnapshotName)
}
