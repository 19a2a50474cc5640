package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/jimyag/hostagent/internal/hostagent/compute"
	"github.com/jimyag/hostagent/pkg/ginx"
)

// DefaultAddress 未配置监听地址时使用
const DefaultAddress = "0.0.0.0:7788"

// shutdownTimeout ctx 取消后等待请求结束的时间
const shutdownTimeout = 10 * time.Second

type API struct {
	engine *gin.Engine
	server *http.Server

	host    *HostAPI
	command *CommandAPI
	merge   *MergeAPI
}

// New 创建 API，gatherer 为 nil 时不暴露 /metrics
func New(
	addr string,
	host *compute.HostInfo,
	machine HostMachine,
	dispatcher Dispatcher,
	commands CommandLister,
	merges MergeJobs,
	gatherer prometheus.Gatherer,
) (*API, error) {
	if addr == "" {
		addr = DefaultAddress
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), ginx.RequestID(), accessLog())

	api := &API{
		engine:  engine,
		host:    NewHostAPI(host, machine, merges, dispatcher),
		command: NewCommandAPI(dispatcher, commands),
		merge:   NewMergeAPI(merges),
	}

	group := engine.Group("/api")
	api.host.RegisterRoutes(group)
	api.command.RegisterRoutes(group)
	api.merge.RegisterRoutes(group)

	engine.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	if gatherer != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	api.server = &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return api, nil
}

// Name 实现 grace.Grace 接口
func (a *API) Name() string {
	return "API Server"
}

// Run 监听直到 ctx 取消，取消后优雅关闭
func (a *API) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}

func (a *API) Shutdown(ctx context.Context) error {
	return a.server.Shutdown(ctx)
}

// Handler 用于测试
func (a *API) Handler() http.Handler {
	return a.engine
}

// accessLog 把请求日志写入 zerolog，并把带 request id 的 logger 放进请求 ctx
func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		logger := zerolog.Ctx(c.Request.Context()).With().
			Str("request_id", ginx.GetRequestID(c)).
			Logger()
		c.Request = c.Request.WithContext(logger.WithContext(c.Request.Context()))

		c.Next()

		event := logger.Debug()
		if c.Writer.Status() >= http.StatusInternalServerError {
			event = logger.Warn()
		}
		event.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}
