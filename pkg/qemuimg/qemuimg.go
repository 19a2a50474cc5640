package qemuimg

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"
)

// Client 封装 qemu-img 命令行工具的操作
type Client struct {
	qemuImgPath string
	timeout     time.Duration
}

// ImageInfo qemu-img info --output=json 的输出
type ImageInfo struct {
	Filename        string `json:"filename"`
	Format          string `json:"format"`
	VirtualSize     uint64 `json:"virtual-size"`
	ActualSize      uint64 `json:"actual-size"`
	BackingFile     string `json:"backing-filename,omitempty"`
	FullBackingFile string `json:"full-backing-filename,omitempty"`
	BackingFormat   string `json:"backing-filename-format,omitempty"`
	DirtyFlag       bool   `json:"dirty-flag"`
	ClusterSize     uint64 `json:"cluster-size,omitempty"`
	Encrypted       bool   `json:"encrypted,omitempty"`
}

// BackingPath 返回 backing file 的完整路径
func (i *ImageInfo) BackingPath() string {
	if i.FullBackingFile != "" {
		return i.FullBackingFile
	}
	return i.BackingFile
}

// New 创建新的 qemuimg client
// qemuImgPath 是 qemu-img 的路径，如果为空则使用默认的 "qemu-img"
func New(qemuImgPath string) *Client {
	if qemuImgPath == "" {
		qemuImgPath = "qemu-img"
	}
	return &Client{
		qemuImgPath: qemuImgPath,
		timeout:     30 * time.Minute,
	}
}

// WithTimeout 设置操作超时时间
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	c.timeout = timeout
	return c
}

// ParseInfo 解析 qemu-img info --output=json 的输出
func ParseInfo(data []byte) (*ImageInfo, error) {
	var info ImageInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse qemu-img info output: %w", err)
	}
	return &info, nil
}

// Info 获取镜像信息
// -U 允许读取正在被运行中虚拟机使用的镜像
//
// 示例：
//
//	info, err := client.Info(ctx, "/path/to/image.qcow2")
func (c *Client) Info(ctx context.Context, imagePath string) (*ImageInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.qemuImgPath, "info", "-U", "--output=json", imagePath)

	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to get image info for %s: %w, output: %s", imagePath, err, exitOutput(err))
	}

	return ParseInfo(output)
}

// GetFormat 获取镜像的实际格式（如 "qcow2", "raw"）
func (c *Client) GetFormat(ctx context.Context, imagePath string) (string, error) {
	info, err := c.Info(ctx, imagePath)
	if err != nil {
		return "", err
	}
	if info.Format == "" {
		return "", fmt.Errorf("failed to parse format from qemu-img info output for %s", imagePath)
	}
	return info.Format, nil
}

// Rebase 以不安全模式（-u）改写镜像的 backing file 和格式
// 只修改元数据，不拷贝数据，用于补全缺失的 backing 格式
//
// 示例：
//
//	err := client.Rebase(ctx, "/path/to/top.qcow2", "/path/to/base.qcow2", "qcow2")
func (c *Client) Rebase(ctx context.Context, imagePath, backingFile, backingFormat string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.qemuImgPath, "rebase",
		"-u",
		"-F", backingFormat,
		"-b", backingFile,
		imagePath,
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to rebase image %s onto %s: %w, output: %s", imagePath, backingFile, err, string(output))
	}

	return nil
}

// CreateEmpty 创建空镜像
func (c *Client) CreateEmpty(ctx context.Context, format, outputFile string, sizeMB uint64) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.qemuImgPath, "create",
		"-f", format,
		outputFile,
		fmt.Sprintf("%dM", sizeMB),
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to create empty image %s: %w, output: %s", outputFile, err, string(output))
	}

	return nil
}

// CreateFromBackingFile 从 backing file 创建新的 overlay
// backingFormat 为空时不写入 backing 格式，得到一个缺少格式的磁盘链
func (c *Client) CreateFromBackingFile(ctx context.Context, format, backingFormat, backingFile, outputFile string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	args := []string{"create", "-f", format, "-b", backingFile}
	if backingFormat != "" {
		args = append(args, "-F", backingFormat)
	}
	args = append(args, outputFile)

	cmd := exec.CommandContext(ctx, c.qemuImgPath, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to create image from backing file %s: %w, output: %s", backingFile, err, string(output))
	}

	return nil
}

func exitOutput(err error) string {
	if exitErr, ok := err.(*exec.ExitError); ok {
		return string(exitErr.Stderr)
	}
	return ""
}
