package model

import (
	"time"
)

// MergeJob 快照合并任务表
type MergeJob struct {
	ID           string     `gorm:"primaryKey;type:text;column:id" json:"id"` // merge-{sonyflake}
	Domain       string     `gorm:"type:text;not null;index:idx_merge_jobs_domain;column:domain" json:"domain"`
	Disk         string     `gorm:"type:text;not null;column:disk" json:"disk"`
	Base         string     `gorm:"type:text;not null;column:base" json:"base"`
	Top          string     `gorm:"type:text;column:top" json:"top"`
	SnapshotName string     `gorm:"type:text;column:snapshot_name" json:"snapshotName"`
	Active       bool       `gorm:"type:boolean;default:0;column:active" json:"active"`
	Strategy     string     `gorm:"type:text;not null;column:strategy" json:"strategy"` // event, polling
	Timeout      int64      `gorm:"type:integer;not null;column:timeout" json:"timeout"` // 纳秒
	Deadline     time.Time  `gorm:"type:datetime;column:deadline" json:"deadline"`
	State        string     `gorm:"type:text;not null;index:idx_merge_jobs_state;column:state" json:"state"`
	ProgressCur  uint64     `gorm:"type:integer;column:progress_cur" json:"progressCur"`
	ProgressEnd  uint64     `gorm:"type:integer;column:progress_end" json:"progressEnd"`
	Reason       string     `gorm:"type:text;column:reason" json:"reason"`
	CreatedAt    time.Time  `gorm:"type:datetime;not null;index:idx_merge_jobs_created_at;column:created_at" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"type:datetime;not null;column:updated_at" json:"updated_at"`
	FinishedAt   *time.Time `gorm:"type:datetime;column:finished_at" json:"finished_at,omitempty"`
}

// TableName 指定表名
func (MergeJob) TableName() string {
	return "merge_jobs"
}
