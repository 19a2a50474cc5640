package model

import "time"

// StateTransition 主机资源状态迁移记录表
type StateTransition struct {
	ID        uint      `gorm:"primaryKey;autoIncrement;column:id" json:"id"`
	FromState string    `gorm:"type:text;column:from_state" json:"fromState"`
	ToState   string    `gorm:"type:text;not null;column:to_state" json:"toState"`
	Event     string    `gorm:"type:text;not null;column:event" json:"event"`
	At        time.Time `gorm:"type:datetime;not null;index:idx_state_transitions_at;column:at" json:"at"`
}

// TableName 指定表名
func (StateTransition) TableName() string {
	return "state_transitions"
}
