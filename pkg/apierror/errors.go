package apierror

import "net/http"

var (
	// ErrInvalidTransition 资源状态机中当前状态不接受该事件
	ErrInvalidTransition = &Error{
		Code:       "InvalidTransition",
		Message:    "The event is not accepted in the current resource state.",
		HTTPStatus: http.StatusConflict,
	}

	// ErrConfiguration 缺少必需的外部脚本、工具或路径
	// 启动时致命，不重试
	ErrConfiguration = &Error{
		Code:       "ConfigurationError",
		Message:    "The agent configuration is invalid or a required tool is missing.",
		HTTPStatus: http.StatusInternalServerError,
	}

	// ErrUnsupportedTopology 请求的 CPU 拓扑不合法，已降级为 1x1
	ErrUnsupportedTopology = &Error{
		Code:       "UnsupportedTopology",
		Message:    "The requested CPU topology does not fit the vCPU count.",
		HTTPStatus: http.StatusBadRequest,
	}

	// ErrDeviceNotFound 要卸载的设备不在 domain 中
	ErrDeviceNotFound = &Error{
		Code:       "DeviceNotFound",
		Message:    "The device is not attached to the domain.",
		HTTPStatus: http.StatusNotFound,
	}

	// ErrNativeOperationFailure libvirt 原生操作失败
	// 磁盘链可能处于部分合并状态，调用方不能自动重试
	ErrNativeOperationFailure = &Error{
		Code:       "NativeOperationFailure",
		Message:    "The hypervisor reported a failure for the operation.",
		HTTPStatus: http.StatusInternalServerError,
	}

	// ErrTimeout 等待超过配置的上限
	// 只放弃本地等待，底层原生操作仍在运行
	ErrTimeout = &Error{
		Code:       "Timeout",
		Message:    "Timed out waiting for the operation to finish.",
		HTTPStatus: http.StatusGatewayTimeout,
	}

	// ErrResourceUnavailable 存储池、连接或 domain 暂时不可用，调用方可以重试
	ErrResourceUnavailable = &Error{
		Code:       "ResourceUnavailable",
		Message:    "The resource is temporarily unavailable.",
		HTTPStatus: http.StatusServiceUnavailable,
	}

	// ErrHostStateRejected 当前主机状态不接受该命令
	ErrHostStateRejected = &Error{
		Code:       "HostStateRejected",
		Message:    "The host does not accept this command in its current state.",
		HTTPStatus: http.StatusConflict,
	}

	// ErrDomainNotFound domain 不存在
	ErrDomainNotFound = &Error{
		Code:       "DomainNotFound",
		Message:    "The domain does not exist.",
		HTTPStatus: http.StatusNotFound,
	}

	// ErrMergeJobNotFound 合并任务不存在
	ErrMergeJobNotFound = &Error{
		Code:       "MergeJobNotFound",
		Message:    "The snapshot merge job does not exist.",
		HTTPStatus: http.StatusNotFound,
	}

	// ErrInvalidParameter 参数不合法
	ErrInvalidParameter = &Error{
		Code:       "InvalidParameter",
		Message:    "A parameter specified in a request is not valid.",
		HTTPStatus: http.StatusBadRequest,
	}

	// ErrInternalError 内部错误
	ErrInternalError = &Error{
		Code:       "InternalError",
		Message:    "An internal error has occurred.",
		HTTPStatus: http.StatusInternalServerError,
	}
)
