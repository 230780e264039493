// Package opshttp 提供运维 HTTP 接口：健康检查、状态、调度开关、手动触发与决策查询。
package opshttp

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"autotrader/internal/logger"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// Server 运维 HTTP 服务。
type Server struct {
	addr   string
	router *gin.Engine
	api    *Router
}

// ServerConfig 描述运维服务依赖；除 Cycle 外均可为空。
type ServerConfig struct {
	Addr      string
	Cycle     CycleRunner
	Scheduler SchedulerControl
	Monitor   MonitorStatus
	Logs      DecisionReader
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Cycle == nil {
		return nil, errors.New("ops http server requires a cycle runner")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9991"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), otelgin.Middleware("autotrader-ops"), requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	api := NewRouter(cfg.Cycle, cfg.Scheduler, cfg.Monitor, cfg.Logs)
	api.Register(router.Group("/api"))
	return &Server{addr: cfg.Addr, router: router, api: api}, nil
}

// Handler 供测试直接驱动。
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// requestLogger 记录人工操作，便于追踪调用。
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if q := c.Request.URL.RawQuery; q != "" {
			path += "?" + q
		}
		c.Next()
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s", c.Request.Method, path, c.Writer.Status(), c.ClientIP(), time.Since(start))
	}
}

// Start 启动 HTTP 服务，直到 ctx 取消或出现错误。调度器启动与手动周期
// 使用 ctx 派生的 context，而不是请求的 context。
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.api.setBase(ctx)
	srv := &http.Server{Addr: s.addr, Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Infof("ops http listening on %s", s.addr)

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

type baseContext struct {
	mu  sync.RWMutex
	ctx context.Context
}

func (b *baseContext) set(ctx context.Context) {
	b.mu.Lock()
	b.ctx = ctx
	b.mu.Unlock()
}

func (b *baseContext) get(fallback context.Context) context.Context {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.ctx != nil {
		return b.ctx
	}
	return context.WithoutCancel(fallback)
}
