package api

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/jimyag/hostagent/internal/hostagent/entity"
	"github.com/jimyag/hostagent/pkg/apierror"
	"github.com/jimyag/hostagent/pkg/ginx"
	"github.com/jimyag/hostagent/pkg/libvirt"
)

// MergeJobs 快照合并查询，由 consolidation.Engine 实现
type MergeJobs interface {
	GetJob(ctx context.Context, id string) (*entity.SnapshotMergeJob, error)
	ListJobs(ctx context.Context, domain string) ([]*entity.SnapshotMergeJob, error)
	RunningJobs() map[string]string
	InspectBlockJobs(ctx context.Context, domain string) ([]libvirt.QMPBlockJob, error)
	Strategy() entity.MergeStrategy
}

// MergeAPI 快照合并任务 API
type MergeAPI struct {
	merges MergeJobs
}

func NewMergeAPI(merges MergeJobs) *MergeAPI {
	return &MergeAPI{merges: merges}
}

// RegisterRoutes 注册路由
func (a *MergeAPI) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/merge-jobs", ginx.Adapt5(a.ListMergeJobs))
	r.GET("/merge-jobs/:id", ginx.Adapt5(a.DescribeMergeJob))
	r.GET("/domains/:name/block-jobs", ginx.Adapt5(a.DescribeBlockJobs))
}

// ListMergeJobsRequest 列举合并任务
type ListMergeJobsRequest struct {
	Domain string `form:"domain"` // 虚拟机过滤（可选）
}

// ListMergeJobsResponse 合并任务列表，按创建时间倒序
type ListMergeJobsResponse struct {
	Jobs []*entity.SnapshotMergeJob `json:"jobs"`
}

func (a *MergeAPI) ListMergeJobs(ctx *gin.Context, req *ListMergeJobsRequest) (*ListMergeJobsResponse, error) {
	if a.merges == nil {
		return &ListMergeJobsResponse{Jobs: []*entity.SnapshotMergeJob{}}, nil
	}
	jobs, err := a.merges.ListJobs(ctx.Request.Context(), req.Domain)
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []*entity.SnapshotMergeJob{}
	}
	return &ListMergeJobsResponse{Jobs: jobs}, nil
}

// DescribeMergeJobRequest 查询合并任务
type DescribeMergeJobRequest struct {
	ID string `uri:"id" binding:"required"`
}

func (a *MergeAPI) DescribeMergeJob(ctx *gin.Context, req *DescribeMergeJobRequest) (*entity.SnapshotMergeJob, error) {
	if a.merges == nil {
		return nil, apierror.Errorf(apierror.ErrMergeJobNotFound, "merge job %s not found", req.ID)
	}
	return a.merges.GetJob(ctx.Request.Context(), req.ID)
}

// DescribeBlockJobsRequest 查询 QEMU 中的 block job
type DescribeBlockJobsRequest struct {
	Name string `uri:"name" binding:"required"`
}

// DescribeBlockJobsResponse QMP query-block-jobs 结果
type DescribeBlockJobsResponse struct {
	Domain string                `json:"domain"`
	Jobs   []libvirt.QMPBlockJob `json:"jobs"`
}

// DescribeBlockJobs 排查超时后仍在运行的合并
func (a *MergeAPI) DescribeBlockJobs(ctx *gin.Context, req *DescribeBlockJobsRequest) (*DescribeBlockJobsResponse, error) {
	if a.merges == nil {
		return nil, apierror.Errorf(apierror.ErrResourceUnavailable, "merge engine is not running")
	}
	jobs, err := a.merges.InspectBlockJobs(ctx.Request.Context(), req.Name)
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []libvirt.QMPBlockJob{}
	}
	return &DescribeBlockJobsResponse{Domain: req.Name, Jobs: jobs}, nil
}
