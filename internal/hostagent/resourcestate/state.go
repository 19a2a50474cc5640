// Package resourcestate 主机资源状态机
//
// 状态只能通过事件迁移，表中未定义的 (state, event) 一律拒绝。
package resourcestate

import (
	"sort"

	"github.com/jimyag/hostagent/pkg/apierror"
)

// State 主机资源状态
type State string

const (
	// None 没有历史状态，首次接入时的起点
	None                         State = ""
	Creating                     State = "Creating"
	Enabled                      State = "Enabled"
	Disabled                     State = "Disabled"
	PrepareForMaintenance        State = "PrepareForMaintenance"
	Maintenance                  State = "Maintenance"
	ErrorInPrepareForMaintenance State = "ErrorInPrepareForMaintenance"
	ErrorInMaintenance           State = "ErrorInMaintenance"
	Error                        State = "Error"
	Degraded                     State = "Degraded"
)

// Event 驱动状态迁移的事件
type Event string

const (
	InternalCreated          Event = "InternalCreated"
	Enable                   Event = "Enable"
	Disable                  Event = "Disable"
	AdminAskMaintenance      Event = "AdminAskMaintenance"
	AdminCancelMaintenance   Event = "AdminCancelMaintenance"
	InternalEnterMaintenance Event = "InternalEnterMaintenance"
	UnableToMigrate          Event = "UnableToMigrate"
	UnableToMaintain         Event = "UnableToMaintain"
	ErrorsCorrected          Event = "ErrorsCorrected"
	ErrorOccurred            Event = "Error"
	DeleteHost               Event = "DeleteHost"
	DeclareHostDegraded      Event = "DeclareHostDegraded"
	EnableDegradedHost       Event = "EnableDegradedHost"
)

var descriptions = map[Event]string{
	InternalCreated:          "Resource is created",
	Enable:                   "Admin enables",
	Disable:                  "Admin disables",
	AdminAskMaintenance:      "Admin asks to enter maintenance",
	AdminCancelMaintenance:   "Admin asks to cancel maintenance",
	InternalEnterMaintenance: "Resource enters maintenance",
	UnableToMigrate:          "Management server migrates VM failed",
	UnableToMaintain:         "Management server has exhausted all legal operations while attempting maintenance",
	ErrorsCorrected:          "Errors were corrected on a resource attempting to enter maintenance but encountered errors",
	ErrorOccurred:            "An error happened on the resource",
	DeleteHost:               "Admin delete a host",
	DeclareHostDegraded:      "Admin declares host as Degraded",
	EnableDegradedHost:       "Admin puts Degraded host into Enabled",
}

// Description 事件说明
func (e Event) Description() string {
	return descriptions[e]
}

var transitions = map[State]map[Event]State{
	None: {
		InternalCreated: Enabled,
	},
	Creating: {
		InternalCreated: Enabled,
		ErrorOccurred:   Error,
	},
	Enabled: {
		Enable:                   Enabled,
		InternalCreated:          Enabled,
		Disable:                  Disabled,
		AdminAskMaintenance:      PrepareForMaintenance,
		InternalEnterMaintenance: Maintenance,
		DeclareHostDegraded:      Degraded,
		DeleteHost:               Disabled,
	},
	Disabled: {
		Enable:              Enabled,
		Disable:             Disabled,
		InternalCreated:     Disabled,
		DeclareHostDegraded: Degraded,
		DeleteHost:          Disabled,
	},
	PrepareForMaintenance: {
		InternalEnterMaintenance: Maintenance,
		AdminCancelMaintenance:   Enabled,
		UnableToMigrate:          ErrorInPrepareForMaintenance,
		UnableToMaintain:         ErrorInMaintenance,
		InternalCreated:          PrepareForMaintenance,
		DeleteHost:               Disabled,
	},
	Maintenance: {
		AdminCancelMaintenance: Enabled,
		InternalCreated:        Maintenance,
		DeleteHost:             Disabled,
		DeclareHostDegraded:    Degraded,
	},
	ErrorInPrepareForMaintenance: {
		InternalCreated:          ErrorInPrepareForMaintenance,
		Disable:                  Disabled,
		DeleteHost:               Disabled,
		InternalEnterMaintenance: Maintenance,
		AdminCancelMaintenance:   Enabled,
		UnableToMigrate:          ErrorInPrepareForMaintenance,
		UnableToMaintain:         ErrorInMaintenance,
		ErrorsCorrected:          PrepareForMaintenance,
	},
	ErrorInMaintenance: {
		InternalCreated:        ErrorInMaintenance,
		AdminAskMaintenance:    PrepareForMaintenance,
		Disable:                Disabled,
		DeleteHost:             Disabled,
		AdminCancelMaintenance: Enabled,
	},
	Error: {
		InternalCreated: Error,
	},
	Degraded: {
		DeleteHost:          Disabled,
		EnableDegradedHost:  Enabled,
		AdminAskMaintenance: Maintenance,
	},
}

// Apply 计算迁移后的状态，未定义的迁移返回 ErrInvalidTransition
func Apply(from State, event Event) (State, error) {
	if to, ok := transitions[from][event]; ok {
		return to, nil
	}
	return from, apierror.Errorf(apierror.ErrInvalidTransition,
		"event %s is not allowed in state %s", event, displayState(from))
}

// PossibleEvents 当前状态可以接受的事件，按名称排序
func PossibleEvents(state State) []Event {
	events := make([]Event, 0, len(transitions[state]))
	for e := range transitions[state] {
		events = append(events, e)
	}
	sort.Slice(events, func(i, j int) bool { return events[i] < events[j] })
	return events
}

// IsMaintenanceFamily 是否处于维护相关状态
func IsMaintenanceFamily(state State) bool {
	switch state {
	case Maintenance, ErrorInMaintenance, PrepareForMaintenance, ErrorInPrepareForMaintenance:
		return true
	}
	return false
}

// CanAttemptMaintenance 是否可以发起进入维护
func CanAttemptMaintenance(state State) bool {
	switch state {
	case Maintenance, PrepareForMaintenance, ErrorInPrepareForMaintenance:
		return false
	}
	return true
}

// States 全部状态，不含 None
func States() []State {
	return []State{
		Creating, Enabled, Disabled, PrepareForMaintenance, Maintenance,
		ErrorInPrepareForMaintenance, ErrorInMaintenance, Error, Degraded,
	}
}

// Events 全部事件
func Events() []Event {
	return []Event{
		InternalCreated, Enable, Disable, AdminAskMaintenance, AdminCancelMaintenance,
		InternalEnterMaintenance, UnableToMigrate, UnableToMaintain, ErrorsCorrected,
		ErrorOccurred, DeleteHost, DeclareHostDegraded, EnableDegradedHost,
	}
}

// ParseState 解析状态名
func ParseState(s string) (State, error) {
	for _, st := range States() {
		if string(st) == s {
			return st, nil
		}
	}
	return None, apierror.Errorf(apierror.ErrInvalidParameter, "unknown resource state %q", s)
}

// ParseEvent 解析事件名
func ParseEvent(s string) (Event, error) {
	for _, e := range Events() {
		if string(e) == s {
			return e, nil
		}
	}
	return "", apierror.Errorf(apierror.ErrInvalidParameter, "unknown resource event %q", s)
}

func displayState(s State) string {
	if s == None {
		return "<none>"
	}
	return string(s)
}
