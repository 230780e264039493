package decision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"autotrader/internal/logger"
	"autotrader/internal/market"
	"autotrader/internal/pkg/circuit"
	"autotrader/internal/profile"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

var errCircuitOpen = errors.New("circuit open")

const defaultAdvisorTimeout = 30 * time.Second

// Participant 是协调器中的一个顾问，可单独配置超时与断路器。
type Participant struct {
	Advisor Advisor
	Timeout time.Duration
	Breaker *circuit.Breaker
}

// Coordinator 并发调用全部顾问，等所有意见（含失败占位）到齐后再合并。
type Coordinator struct {
	participants []Participant
	merger       Merger
	maxParallel  int
	nowFn        func() time.Time
	log          logger.Component
}

type CoordinatorOption func(*Coordinator)

func WithMaxParallel(n int) CoordinatorOption {
	return func(c *Coordinator) { c.maxParallel = n }
}

func WithCoordinatorClock(nowFn func() time.Time) CoordinatorOption {
	return func(c *Coordinator) {
		if nowFn != nil {
			c.nowFn = nowFn
		}
	}
}

func NewCoordinator(merger Merger, participants []Participant, opts ...CoordinatorOption) *Coordinator {
	if merger == nil {
		merger = WeightedVote{}
	}
	c := &Coordinator{
		participants: append([]Participant(nil), participants...),
		merger:       merger,
		nowFn:        time.Now,
		log:          logger.For("coordinator"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func (c *Coordinator) Advisors() []string {
	names := make([]string, 0, len(c.participants))
	for _, p := range c.participants {
		names = append(names, p.Advisor.Name())
	}
	return names
}

// Coordinate 永不返回错误：顾问失败或合并失败都会降级为 HOLD。
func (c *Coordinator) Coordinate(ctx context.Context, window market.MarketWindow, p profile.RiskProfile) Decision {
	opinions := c.collect(ctx, window, p)
	merged, err := c.safeMerge(opinions)
	if err != nil {
		c.log.Warnf("merge %s failed, degrading to HOLD: %v", c.merger.Name(), err)
		merged = Merged{Action: ActionHold, Confidence: 0, Rationale: fmt.Sprintf("merge failed: %v", err)}
	}
	return New(window.Symbol, StagePreliminary, merged.Action, merged.Confidence, merged.Rationale, c.nowFn(), opinions)
}

func (c *Coordinator) collect(ctx context.Context, window market.MarketWindow, p profile.RiskProfile) []Opinion {
	opinions := make([]Opinion, len(c.participants))
	var g errgroup.Group
	if c.maxParallel > 0 {
		g.SetLimit(c.maxParallel)
	}
	for i, part := range c.participants {
		i, part := i, part
		g.Go(func() error {
			opinions[i] = c.ask(ctx, part, window, p)
			return nil
		})
	}
	_ = g.Wait()
	return opinions
}

type advisorResult struct {
	opinion Opinion
	err     error
}

func (c *Coordinator) ask(parent context.Context, part Participant, window market.MarketWindow, p profile.RiskProfile) Opinion {
	name := part.Advisor.Name()
	ctx, span := otel.Tracer("autotrader/decision").Start(parent, "advisor."+name)
	defer span.End()

	if part.Breaker != nil && !part.Breaker.Allow() {
		span.SetAttributes(attribute.Bool("advisor.circuit_open", true))
		c.log.Debugf("advisor %s skipped: circuit open", name)
		return FailedOpinion(name, errCircuitOpen, c.nowFn())
	}

	timeout := part.Timeout
	if timeout <= 0 {
		timeout = defaultAdvisorTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan advisorResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- advisorResult{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		op, err := part.Advisor.Analyze(cctx, window, p)
		done <- advisorResult{opinion: op, err: err}
	}()

	var res advisorResult
	select {
	case res = <-done:
	case <-cctx.Done():
		res = advisorResult{err: fmt.Errorf("timed out after %s: %w", timeout, cctx.Err())}
	}
	if res.err == nil {
		res.err = res.opinion.Validate()
	}
	if res.err != nil {
		if part.Breaker != nil {
			part.Breaker.RecordFailure()
		}
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
		c.log.Warnf("advisor %s failed elapsed=%s err=%v", name, time.Since(start).Truncate(time.Millisecond), res.err)
		return FailedOpinion(name, res.err, c.nowFn())
	}
	if part.Breaker != nil {
		part.Breaker.RecordSuccess()
	}
	op := res.opinion
	op.Source = name
	op.Failed = false
	if op.Timestamp.IsZero() {
		op.Timestamp = c.nowFn()
	}
	span.SetAttributes(
		attribute.String("advisor.action", string(op.Action)),
		attribute.Float64("advisor.confidence", op.Confidence),
	)
	c.log.Debugf("advisor %s -> %s conf=%.2f elapsed=%s", name, op.Action, op.Confidence, time.Since(start).Truncate(time.Millisecond))
	return op
}

func (c *Coordinator) safeMerge(opinions []Opinion) (merged Merged, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("merger panic: %v", r)
		}
	}()
	merged, err = c.merger.Merge(opinions)
	if err != nil {
		return Merged{}, err
	}
	if !merged.Action.Valid() {
		return Merged{}, fmt.Errorf("merger returned invalid action %q", merged.Action)
	}
	merged.Confidence = clamp01(merged.Confidence)
	return merged, nil
}
