package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"autotrader/internal/config"
	"autotrader/internal/engine"
	"autotrader/internal/logger"
	"autotrader/internal/monitor"
	"autotrader/internal/scheduler"
	"autotrader/internal/store/gormstore"
	opshttp "autotrader/internal/transport/http/ops"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = time.Minute

// App 负责应用级编排：加载配置→初始化依赖→启动调度、监控与运维接口。
type App struct {
	cfg          *config.Config
	store        *gormstore.GormStore
	tracer       *sdktrace.TracerProvider
	orchestrator *engine.Orchestrator
	scheduler    *scheduler.Primary
	monitor      *monitor.LossMonitor
	http         *opshttp.Server
	Summary      *StartupSummary
}

// NewApp 根据配置构建应用对象（不启动）
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	return NewAppBuilder(cfg).Build(context.Background())
}

// Run 启动各组件并阻塞到 ctx 取消；退出时等待在途周期与紧急平仓结束。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil || a.orchestrator == nil {
		return fmt.Errorf("app not initialized")
	}
	if a.Summary != nil {
		a.Summary.Print()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := a.http.Start(gctx); err != nil {
			return fmt.Errorf("ops http server error: %w", err)
		}
		return nil
	})
	if a.scheduler != nil {
		if err := a.scheduler.Start(gctx); err != nil {
			cancel()
			_ = group.Wait()
			return err
		}
	}
	if a.monitor != nil {
		if err := a.monitor.Start(gctx); err != nil {
			cancel()
			_ = group.Wait()
			return err
		}
	}
	group.Go(func() error {
		<-gctx.Done()
		return a.shutdown()
	})
	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	logger.Infof("shutting down")
	var errs []error
	if a.scheduler != nil {
		if err := a.scheduler.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("scheduler: %w", err))
		}
	}
	if a.monitor != nil {
		if err := a.monitor.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("loss monitor: %w", err))
		}
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		logger.Warnf("shutdown: %v", err)
		return err
	}
	logger.Infof("shutdown complete")
	return nil
}

// Orchestrator 暴露周期编排器（测试与手动触发使用）。
func (a *App) Orchestrator() *engine.Orchestrator {
	if a == nil {
		return nil
	}
	return a.orchestrator
}
