package opshttp

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"autotrader/internal/decision"
	"autotrader/internal/engine"
	"autotrader/internal/logger"
	"autotrader/internal/monitor"
	"autotrader/internal/scheduler"

	"github.com/gin-gonic/gin"
)

type CycleRunner interface {
	RunCycle(ctx context.Context, trigger decision.Trigger) (decision.LogEntry, error)
	State() engine.State
	InFlight() bool
	LastCycle() engine.Summary
	Config() engine.Config
}

type SchedulerControl interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsRunning() bool
	CurrentInterval() time.Duration
}

type MonitorStatus interface {
	IsRunning() bool
	LastCheck() monitor.CheckResult
	PostAction() monitor.TrackerSnapshot
}

type DecisionReader interface {
	ListDecisions(ctx context.Context, limit int) ([]decision.LogEntry, error)
}

// schedulerStopTimeout 限制 /scheduler/stop 请求最多等待的时间，任务不响应取消时也能返回。
const schedulerStopTimeout = 45 * time.Second

// Router 挂载 /api 下的运维接口。
type Router struct {
	cycle     CycleRunner
	scheduler SchedulerControl
	monitor   MonitorStatus
	logs      DecisionReader
	base      baseContext
}

func NewRouter(cycle CycleRunner, sched SchedulerControl, mon MonitorStatus, logs DecisionReader) *Router {
	return &Router{cycle: cycle, scheduler: sched, monitor: mon, logs: logs}
}

func (r *Router) setBase(ctx context.Context) { r.base.set(ctx) }

func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("/status", r.handleStatus)
	group.POST("/scheduler/start", r.handleSchedulerStart)
	group.POST("/scheduler/stop", r.handleSchedulerStop)
	group.POST("/cycle/trigger", r.handleTrigger)
	group.GET("/decisions", r.handleDecisions)
}

type schedulerStatus struct {
	Running  bool   `json:"running"`
	Interval string `json:"interval"`
}

type monitorStatus struct {
	Running    bool                    `json:"running"`
	LastCheck  monitor.CheckResult     `json:"last_check"`
	PostAction monitor.TrackerSnapshot `json:"post_action"`
}

type statusResponse struct {
	Symbol    string           `json:"symbol"`
	Strategy  string           `json:"strategy"`
	State     engine.State     `json:"state"`
	InFlight  bool             `json:"in_flight"`
	LastCycle engine.Summary   `json:"last_cycle"`
	Scheduler *schedulerStatus `json:"scheduler,omitempty"`
	Monitor   *monitorStatus   `json:"monitor,omitempty"`
}

func (r *Router) handleStatus(c *gin.Context) {
	cfg := r.cycle.Config()
	resp := statusResponse{
		Symbol:    cfg.Symbol,
		Strategy:  cfg.Strategy,
		State:     r.cycle.State(),
		InFlight:  r.cycle.InFlight(),
		LastCycle: r.cycle.LastCycle(),
	}
	if r.scheduler != nil {
		resp.Scheduler = &schedulerStatus{Running: r.scheduler.IsRunning(), Interval: r.scheduler.CurrentInterval().String()}
	}
	if r.monitor != nil {
		resp.Monitor = &monitorStatus{Running: r.monitor.IsRunning(), LastCheck: r.monitor.LastCheck(), PostAction: r.monitor.PostAction()}
	}
	c.JSON(http.StatusOK, resp)
}

func (r *Router) handleSchedulerStart(c *gin.Context) {
	if r.scheduler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scheduler not configured"})
		return
	}
	if err := r.scheduler.Start(r.base.get(c.Request.Context())); err != nil {
		if errors.Is(err, scheduler.ErrAlreadyRunning) || errors.Is(err, scheduler.ErrStopping) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	logger.Infof("[api] scheduler started ip=%s", c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"running": true})
}

func (r *Router) handleSchedulerStop(c *gin.Context) {
	if r.scheduler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scheduler not configured"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), schedulerStopTimeout)
	defer cancel()
	err := r.scheduler.Stop(ctx)
	logger.Infof("[api] scheduler stopped ip=%s err=%v", c.ClientIP(), err)
	if err != nil && !errors.Is(err, scheduler.ErrDrainTimeout) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	resp := gin.H{"running": false}
	if err != nil {
		resp["warning"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// handleTrigger 同步执行一次手动周期；已有周期在跑时返回 409。
func (r *Router) handleTrigger(c *gin.Context) {
	entry, err := r.cycle.RunCycle(r.base.get(c.Request.Context()), decision.TriggerManual)
	if errors.Is(err, engine.ErrCycleInFlight) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	resp := gin.H{"entry": entry}
	if err != nil {
		resp["error"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func (r *Router) handleDecisions(c *gin.Context) {
	if r.logs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "decision log store not configured"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}
	if limit > 500 {
		limit = 500
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	entries, err := r.logs.ListDecisions(ctx, limit)
	if err != nil {
		logger.Errorf("[api] list decisions failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"decisions": entries, "count": len(entries)})
}
