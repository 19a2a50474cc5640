// Package compute 计算 CPU 调度权重、配额、拓扑和内存
package compute

import (
	"context"
	"math"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/jimyag/hostagent/internal/hostagent/entity"
	"github.com/jimyag/hostagent/pkg/apierror"
)

const (
	// cgroup v1 cpu.shares 范围
	MinCPUShares = 2
	MaxCPUShares = 262144
	// cgroup v2 cpu.weight 范围
	MinCPUWeight = 2
	MaxCPUWeight = 10000

	// DefaultPeriod cputune period 默认值（微秒）
	DefaultPeriod int64 = 100000
	// MinQuota libvirt 允许的最小 quota（微秒）
	MinQuota int64 = 1000
	// MaxPeriod libvirt 允许的最大 period（微秒）
	MaxPeriod int64 = 1000000
)

// CPUShares 计算 cputune shares
// hostMaxCapacity 为 0 表示 cgroup v1，直接使用 vcpus*speed；
// 大于 0 表示 cgroup v2，按宿主机总算力折算到 weight 区间。
func CPUShares(vcpus, speedMHz, hostMaxCapacity int) int {
	requested := vcpus * speedMHz
	if hostMaxCapacity > 0 {
		weight := int(math.Ceil(float64(requested) * MaxCPUWeight / float64(hostMaxCapacity)))
		return clamp(weight, MinCPUWeight, MaxCPUWeight)
	}
	return clamp(requested, MinCPUShares, MaxCPUShares)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// QuotaAndPeriod 根据 CPU 上限比例（0.25 表示 25%）计算 quota 和 period
// quota 低于最小值时提升到最小值并反推 period，period 超过上限时截断，只调整一次。
func QuotaAndPeriod(percentage float64) (quota, period int64) {
	period = DefaultPeriod
	quota = int64(float64(period) * percentage)
	if quota < MinQuota {
		quota = MinQuota
		period = int64(float64(quota) / percentage)
		if period > MaxPeriod {
			period = MaxPeriod
		}
	}
	return quota, period
}

// Topology CPU 拓扑
type Topology struct {
	Sockets int
	Cores   int
	Threads int
}

// VCPUs 拓扑对应的 vCPU 数
func (t Topology) VCPUs() int {
	return t.Sockets * t.Cores * t.Threads
}

// CPUTopology 计算 CPU 拓扑
// manualEnabled 为 false 时返回 nil，不输出 <topology>。
// details 中的 cores/threads 不合法时降级为 1x1 并记录警告，再走默认的 6/4 核耦合。
func CPUTopology(ctx context.Context, vcpus int, details map[string]string, manualEnabled bool) *Topology {
	if !manualEnabled || vcpus <= 0 {
		return nil
	}

	cores := parseIntDefault(details[entity.DetailCPUCorePerSocket], 1)
	threads := parseIntDefault(details[entity.DetailCPUThreadPerCore], 1)

	if err := validateTopology(vcpus, cores, threads); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).
			Int("vcpus", vcpus).
			Int("cores_per_socket", cores).
			Int("threads_per_core", threads).
			Msg("ignoring requested cpu topology")
		cores, threads = 1, 1
	}

	if cores == 1 && threads == 1 {
		switch {
		case vcpus%6 == 0:
			cores = 6
		case vcpus%4 == 0:
			cores = 4
		}
		return &Topology{Sockets: vcpus / cores, Cores: cores, Threads: 1}
	}

	totalCores := vcpus / threads
	return &Topology{Sockets: totalCores / cores, Cores: cores, Threads: threads}
}

func validateTopology(vcpus, cores, threads int) error {
	if cores <= 0 || threads <= 0 {
		return apierror.Errorf(apierror.ErrUnsupportedTopology, "cores per socket (%d) and threads per core (%d) must be positive", cores, threads)
	}
	if cores*threads > vcpus {
		return apierror.Errorf(apierror.ErrUnsupportedTopology, "cores per socket (%d) * threads per core (%d) exceeds total vcpus (%d)", cores, threads, vcpus)
	}
	if vcpus%(cores*threads) != 0 {
		return apierror.Errorf(apierror.ErrUnsupportedTopology, "cores per socket (%d) * threads per core (%d) does not divide total vcpus (%d)", cores, threads, vcpus)
	}
	return nil
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
