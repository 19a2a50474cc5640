// Package apierror 提供 hostagent 统一的错误类型
//
// 每个错误都带有稳定的错误码（Code），调用方使用 errors.Is 按错误码判断类型：
//
//	if errors.Is(err, apierror.ErrTimeout) {
//		// 等待超时，底层 block job 仍在运行，需要人工检查磁盘链
//	}
//
// 预定义的错误（可在代码中直接使用）：
//
//   - ErrInvalidTransition: 资源状态机拒绝的事件
//   - ErrConfiguration: 缺少必需的脚本、工具或路径，启动时致命，不重试
//   - ErrUnsupportedTopology: 非法的 CPU 拓扑，降级为安全默认值
//   - ErrDeviceNotFound: 要卸载的设备不存在
//   - ErrNativeOperationFailure: libvirt 原生操作（如 block commit）失败，不允许自动重试
//   - ErrTimeout: 等待超过配置的上限，原生操作不会被取消
//   - ErrResourceUnavailable: 存储池、连接或 domain 锁不可用，调用方可以重试
//   - ErrHostStateRejected: 当前主机状态不接受该命令
//
// 包装底层错误：
//
//	return apierror.WrapError(apierror.ErrResourceUnavailable, "connect storage pool", err)
package apierror
