package api

import (
	"context"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/jimyag/hostagent/internal/hostagent/compute"
	"github.com/jimyag/hostagent/internal/hostagent/entity"
	"github.com/jimyag/hostagent/internal/hostagent/resourcestate"
	"github.com/jimyag/hostagent/pkg/ginx"
)

// HostMachine 主机资源状态，由 resourcestate.Machine 实现
type HostMachine interface {
	State() resourcestate.State
	PossibleEvents() []resourcestate.Event
}

// Dispatcher 命令分发，由 dispatcher.Dispatcher 实现
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd *entity.Command) (*entity.CommandResult, error)
}

// HostAPI 主机状态 API
type HostAPI struct {
	host       *compute.HostInfo
	machine    HostMachine
	merges     MergeJobs
	dispatcher Dispatcher
}

func NewHostAPI(host *compute.HostInfo, machine HostMachine, merges MergeJobs, dispatcher Dispatcher) *HostAPI {
	return &HostAPI{
		host:       host,
		machine:    machine,
		merges:     merges,
		dispatcher: dispatcher,
	}
}

// RegisterRoutes 注册路由
func (a *HostAPI) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/host", ginx.Adapt3(a.DescribeHost))
	r.POST("/host/events", ginx.Adapt5(a.FireEvent))
}

// PossibleEvent 当前状态下可以触发的事件
type PossibleEvent struct {
	Event       string `json:"event"`
	Description string `json:"description"`
}

// HostCapacity 探测到的宿主机能力
type HostCapacity struct {
	Arch            string `json:"arch"`
	Cores           int    `json:"cores"`
	SpeedMHz        int    `json:"speed_mhz"`
	CgroupVersion   int    `json:"cgroup_version"`
	HostMaxCapacity int    `json:"host_max_capacity"`
	LibvirtVersion  uint64 `json:"libvirt_version"`
	QemuVersion     uint64 `json:"qemu_version"`
}

// DescribeHostResponse 主机状态
type DescribeHostResponse struct {
	State          string          `json:"state"`
	PossibleEvents []PossibleEvent `json:"possible_events"`
	Host           *HostCapacity   `json:"host,omitempty"`
	MergeStrategy  string          `json:"merge_strategy,omitempty"`
	// RunningMerges domain/disk -> job id
	RunningMerges map[string]string `json:"running_merges,omitempty"`
}

// DescribeHost 查询主机状态和能力
func (a *HostAPI) DescribeHost(ctx *gin.Context) (*DescribeHostResponse, error) {
	resp := &DescribeHostResponse{
		State:          string(a.machine.State()),
		PossibleEvents: []PossibleEvent{},
	}
	for _, e := range a.machine.PossibleEvents() {
		resp.PossibleEvents = append(resp.PossibleEvents, PossibleEvent{
			Event:       string(e),
			Description: e.Description(),
		})
	}
	sort.Slice(resp.PossibleEvents, func(i, j int) bool {
		return resp.PossibleEvents[i].Event < resp.PossibleEvents[j].Event
	})

	if h := a.host; h != nil {
		resp.Host = &HostCapacity{
			Arch:            h.Arch,
			Cores:           h.Cores,
			SpeedMHz:        h.SpeedMHz,
			CgroupVersion:   int(h.CgroupVersion),
			HostMaxCapacity: h.HostMaxCapacity,
			LibvirtVersion:  h.LibvirtVersion,
			QemuVersion:     h.QemuVersion,
		}
	}
	if a.merges != nil {
		resp.MergeStrategy = string(a.merges.Strategy())
		resp.RunningMerges = a.merges.RunningJobs()
	}
	return resp, nil
}

// FireEventRequest 触发资源状态事件
type FireEventRequest struct {
	Event string `json:"event" binding:"required"`
}

// FireEvent 通过分发器触发事件，和命令共用命令日志
func (a *HostAPI) FireEvent(ctx *gin.Context, req *FireEventRequest) (*entity.CommandResult, error) {
	return a.dispatcher.Dispatch(ctx.Request.Context(), &entity.Command{
		Kind:  entity.CommandResourceEvent,
		Event: req.Event,
	})
}
