package ginx

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jimyag/hostagent/pkg/apierror"
)

// RequestIDHeader 请求 ID 头
const RequestIDHeader = "X-Request-ID"

const requestIDKey = "ginx.request_id"

// RequestID 为每个请求分配 ID，调用方已带上时沿用
func RequestID() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		id := ctx.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		ctx.Set(requestIDKey, id)
		ctx.Header(RequestIDHeader, id)
		ctx.Next()
	}
}

// GetRequestID 当前请求的 ID，没有经过 RequestID 中间件时为空
func GetRequestID(ctx *gin.Context) string {
	return ctx.GetString(requestIDKey)
}

// renderResponse nil 返回 204，其余序列化为 JSON
func renderResponse(ctx *gin.Context, response any) {
	if response == nil {
		ctx.Status(http.StatusNoContent)
		return
	}
	if s, ok := response.(string); ok {
		ctx.String(http.StatusOK, s)
		return
	}
	ctx.JSON(http.StatusOK, response)
}

// renderError *apierror.Error 使用其中的状态码，其他错误使用 statusCode
func renderError(ctx *gin.Context, statusCode int, err error) {
	requestID := GetRequestID(ctx)

	var apiErr *apierror.Error
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatus > 0 {
			statusCode = apiErr.HTTPStatus
		}
		ctx.JSON(statusCode, apierror.NewErrorResponse(requestID, apiErr))
		return
	}

	var errResp *apierror.ErrorResponse
	if errors.As(err, &errResp) {
		if len(errResp.Errors) > 0 && errResp.Errors[0].HTTPStatus > 0 {
			statusCode = errResp.Errors[0].HTTPStatus
		}
		if errResp.RequestID == "" {
			errResp.RequestID = requestID
		}
		ctx.JSON(statusCode, errResp)
		return
	}

	code := apierror.ErrInternalError
	if statusCode == http.StatusBadRequest {
		code = apierror.ErrInvalidParameter
	}
	ctx.JSON(statusCode, apierror.NewErrorResponse(requestID, apierror.WrapError(code, err.Error(), err)))
}
