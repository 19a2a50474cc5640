package qemuimg

import "context"

// QemuImgClient 定义了 qemu-img 客户端的接口
type QemuImgClient interface {
	// Info 获取镜像信息
	Info(ctx context.Context, imagePath string) (*ImageInfo, error)
	// GetFormat 获取镜像格式
	GetFormat(ctx context.Context, imagePath string) (string, error)
	// Rebase 不安全模式改写 backing file 和 backing 格式
	Rebase(ctx context.Context, imagePath, backingFile, backingFormat string) error
}
