package builder

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/jimyag/hostagent/internal/hostagent/entity"
	"github.com/jimyag/hostagent/pkg/qemuimg"
)

// backingPools 需要修正 backing 格式的存储池
var backingPools = map[entity.PoolType]bool{
	entity.PoolNetworkFilesystem: true,
	entity.PoolSharedMountPoint:  true,
	entity.PoolFilesystem:        true,
	entity.PoolGluster:           true,
	entity.PoolStorPool:          true,
}

// EnsureBackingFormats 为缺少 backing 格式的 qcow2 磁盘补上格式
// backing 格式从 backing 文件自身探测，已有格式的磁盘不做修改，错误只记录日志。
// 返回被改写的磁盘数。
func EnsureBackingFormats(ctx context.Context, img qemuimg.QemuImgClient, disks []entity.DiskSpec) int {
	logger := zerolog.Ctx(ctx)
	fixed := 0
	for i := range disks {
		d := &disks[i]
		if d.Role == entity.DiskRoleISO || d.Disk == nil {
			continue
		}
		if d.Disk.Format != entity.FormatQCOW2 || !backingPools[d.Disk.Pool.Type] {
			continue
		}

		info, err := img.Info(ctx, d.Disk.Path)
		if err != nil {
			logger.Warn().Err(err).Str("path", d.Disk.Path).Msg("failed to inspect disk image")
			continue
		}
		backing := info.BackingPath()
		if backing == "" || info.BackingFormat != "" {
			continue
		}

		format, err := img.GetFormat(ctx, backing)
		if err != nil {
			logger.Warn().Err(err).Str("path", d.Disk.Path).Str("backing", backing).Msg("failed to probe backing file format")
			continue
		}
		if err := img.Rebase(ctx, d.Disk.Path, backing, format); err != nil {
			logger.Warn().Err(err).Str("path", d.Disk.Path).Str("backing", backing).Msg("failed to record backing file format")
			continue
		}
		logger.Info().Str("path", d.Disk.Path).Str("backing", backing).Str("format", format).Msg("backing file format recorded")
		fixed++
	}
	return fixed
}
