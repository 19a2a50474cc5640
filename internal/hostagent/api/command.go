package api

import (
	"github.com/gin-gonic/gin"

	"github.com/jimyag/hostagent/internal/hostagent/cmdlog"
	"github.com/jimyag/hostagent/internal/hostagent/entity"
	"github.com/jimyag/hostagent/pkg/ginx"
)

// CommandLister 命令日志，由 cmdlog.Log 实现
type CommandLister interface {
	List() ([]cmdlog.Record, error)
}

// CommandAPI 命令 API
type CommandAPI struct {
	dispatcher Dispatcher
	commands   CommandLister
}

func NewCommandAPI(dispatcher Dispatcher, commands CommandLister) *CommandAPI {
	return &CommandAPI{
		dispatcher: dispatcher,
		commands:   commands,
	}
}

// RegisterRoutes 注册路由
func (a *CommandAPI) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/commands", ginx.Adapt5(a.Dispatch))
	r.GET("/commands", ginx.Adapt5(a.ListCommands))
}

// Dispatch 同步执行一条命令
func (a *CommandAPI) Dispatch(ctx *gin.Context, cmd *entity.Command) (*entity.CommandResult, error) {
	return a.dispatcher.Dispatch(ctx.Request.Context(), cmd)
}

// ListCommandsRequest 列举命令日志
type ListCommandsRequest struct {
	// State 按状态过滤（可选）
	State string `form:"state"`
	// Unfinished 只返回未结束的命令
	Unfinished bool `form:"unfinished"`
}

// ListCommandsResponse 命令日志
type ListCommandsResponse struct {
	Commands []cmdlog.Record `json:"commands"`
}

// ListCommands 按序号列出命令日志
func (a *CommandAPI) ListCommands(ctx *gin.Context, req *ListCommandsRequest) (*ListCommandsResponse, error) {
	resp := &ListCommandsResponse{Commands: []cmdlog.Record{}}
	if a.commands == nil {
		return resp, nil
	}
	records, err := a.commands.List()
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if req.State != "" && string(rec.State) != req.State {
			continue
		}
		if req.Unfinished && rec.State.IsFinished() {
			continue
		}
		resp.Commands = append(resp.Commands, rec)
	}
	return resp, nil
}
