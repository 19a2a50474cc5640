package qemuimg

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockClient 是 QemuImgClient 的 mock 实现
type MockClient struct {
	mock.Mock
}

// NewMockClient 创建新的 MockClient
func NewMockClient() *MockClient {
	return &MockClient{}
}

// Info 实现 QemuImgClient 接口
func (m *MockClient) Info(ctx context.Context, imagePath string) (*ImageInfo, error) {
	args := m.Called(ctx, imagePath)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ImageInfo), args.Error(1)
}

// GetFormat 实现 QemuImgClient 接口
func (m *MockClient) GetFormat(ctx context.Context, imagePath string) (string, error) {
	args := m.Called(ctx, imagePath)
	return args.String(0), args.Error(1)
}

// Rebase 实现 QemuImgClient 接口
func (m *MockClient) Rebase(ctx context.Context, imagePath, backingFile, backingFormat string) error {
	args := m.Called(ctx, imagePath, backingFile, backingFormat)
	return args.Error(0)
}

var _ QemuImgClient = (*MockClient)(nil)
var _ QemuImgClient = (*Client)(nil)
