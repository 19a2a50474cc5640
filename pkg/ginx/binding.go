package ginx

import (
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
)

// bindArgs 先映射 URI 和 Query 参数，再绑定 JSON body，最后统一校验
// 校验放在最后，body 中的 required 字段不会因为 URI 绑定而提前报错。
func bindArgs(ctx *gin.Context, args any) error {
	if len(ctx.Params) > 0 {
		params := make(map[string][]string, len(ctx.Params))
		for _, p := range ctx.Params {
			params[p.Key] = []string{p.Value}
		}
		if err := binding.MapFormWithTag(args, params, "uri"); err != nil {
			return err
		}
	}
	if query := ctx.Request.URL.Query(); len(query) > 0 {
		if err := binding.MapFormWithTag(args, query, "form"); err != nil {
			return err
		}
	}
	if ctx.Request.Body != nil && ctx.Request.ContentLength != 0 {
		// ShouldBindJSON 同时完成校验
		return ctx.ShouldBindJSON(args)
	}
	if binding.Validator == nil {
		return nil
	}
	return binding.Validator.ValidateStruct(args)
}
