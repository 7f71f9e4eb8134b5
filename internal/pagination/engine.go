// Package pagination advances a rendered listing page to expose more rows.
package pagination

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/user/event-pipeline/internal/entity"
	"github.com/user/event-pipeline/internal/repository"
	"github.com/user/event-pipeline/pkg/metrics"
)

// SafetyCeiling bounds runs configured with MaxAttempts 0.
const SafetyCeiling = 500

type State string

const (
	StateIdle     State = "idle"
	StateStepping State = "stepping"
	StateDone     State = "done"
)

type StopReason string

const (
	ReasonDisabled           StopReason = "disabled"
	ReasonMaxAttempts        StopReason = "max-attempts"
	ReasonBottomReached      StopReason = "bottom-reached"
	ReasonTriggerUnavailable StopReason = "trigger-unavailable"
	ReasonPredicate          StopReason = "predicate"
	ReasonClickFailed        StopReason = "click-failed"
)

// StopFunc is consulted before every step; returning true ends pagination.
// step is the number of steps performed so far.
type StopFunc func(ctx context.Context, step int) bool

type Result struct {
	Steps  int
	Reason StopReason
}

// Engine drives one pagination strategy over a page. An Engine is used by a
// single goroutine.
type Engine struct {
	policy entity.PaginationPolicy
	logger *zap.Logger
	rng    *rand.Rand
	sleep  func(ctx context.Context, d time.Duration) error
	state  State
}

type Option func(*Engine)

func WithRand(r *rand.Rand) Option {
	return func(e *Engine) { e.rng = r }
}

// WithSleep replaces the delay function, mainly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.sleep = fn }
}

func New(policy entity.PaginationPolicy, logger *zap.Logger, opts ...Option) *Engine {
	seed := uint64(time.Now().UnixNano())
	e := &Engine{
		policy: policy,
		logger: logger.With(zap.String("strategy", string(policy.Strategy))),
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		sleep:  sleepCtx,
		state:  StateIdle,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) State() State { return e.state }

// Run steps the page until a stop condition holds. A failed click ends
// pagination without an error since a missing control is the normal end of
// a listing.
func (e *Engine) Run(ctx context.Context, page repository.Page, stop StopFunc) (Result, error) {
	var res Result
	if e.policy.Strategy == entity.PaginationNone || e.policy.Strategy == "" {
		e.transition(StateDone)
		res.Reason = ReasonDisabled
		return res, nil
	}

	limit := e.policy.MaxAttempts
	if limit <= 0 {
		limit = SafetyCeiling
	}

	for {
		if err := ctx.Err(); err != nil {
			e.transition(StateDone)
			return res, err
		}

		reason, done, err := e.shouldStop(ctx, page, res.Steps, limit, stop)
		if err != nil {
			e.transition(StateDone)
			return res, err
		}
		if done {
			e.transition(StateIdle)
			res.Reason = reason
			break
		}

		e.transition(StateStepping)
		if err := e.step(ctx, page); err != nil {
			if e.policy.Strategy.IsClick() {
				e.logger.Debug("pagination click failed, treating as last page", zap.Int("step", res.Steps+1), zap.Error(err))
				e.transition(StateIdle)
				res.Reason = ReasonClickFailed
				break
			}
			e.transition(StateDone)
			return res, fmt.Errorf("pagination step %d: %w", res.Steps+1, err)
		}
		res.Steps++
		metrics.PaginationStepsTotal.WithLabelValues(string(e.policy.Strategy)).Inc()

		if err := e.sleep(ctx, e.policy.SettleWait); err != nil {
			e.transition(StateDone)
			return res, err
		}
		if err := e.sleep(ctx, e.jitter(e.policy.StepDelay)); err != nil {
			e.transition(StateDone)
			return res, err
		}
	}

	e.transition(StateDone)
	e.logger.Info("pagination finished", zap.Int("steps", res.Steps), zap.String("reason", string(res.Reason)))
	return res, nil
}

func (e *Engine) shouldStop(ctx context.Context, page repository.Page, steps, limit int, stop StopFunc) (StopReason, bool, error) {
	if steps >= limit {
		return ReasonMaxAttempts, true, nil
	}

	switch {
	case e.policy.Strategy == entity.PaginationInfiniteScroll:
		st, err := page.ScrollState(ctx)
		if err != nil {
			return "", false, fmt.Errorf("read scroll state: %w", err)
		}
		if st.AtBottom() {
			return ReasonBottomReached, true, nil
		}
	case e.policy.Strategy.IsClick():
		ok, err := page.IsClickable(ctx, e.policy.TriggerSelector)
		if err != nil {
			e.logger.Debug("trigger check failed", zap.Error(err))
			ok = false
		}
		if !ok {
			return ReasonTriggerUnavailable, true, nil
		}
	}

	if stop != nil && stop(ctx, steps) {
		return ReasonPredicate, true, nil
	}
	return "", false, nil
}

func (e *Engine) step(ctx context.Context, page repository.Page) error {
	if e.policy.Strategy.IsClick() {
		if e.rng.Float64() < 0.3 {
			e.wiggle(ctx, page, repository.ScrollState{})
		}
		return page.Click(ctx, e.policy.TriggerSelector)
	}
	return e.scroll(ctx, page)
}

// scroll moves down by a randomized fraction of the viewport, sometimes
// preceded by a short backward scroll, a pause or a mouse movement.
func (e *Engine) scroll(ctx context.Context, page repository.Page) error {
	st, err := page.ScrollState(ctx)
	if err != nil {
		return err
	}
	base := st.ViewportHeight
	if base <= 0 {
		base = 800
	}

	switch r := e.rng.Float64(); {
	case r < 0.1:
		if err := page.ScrollBy(ctx, -base*(0.1+e.rng.Float64()*0.2)); err != nil {
			return err
		}
		if err := e.sleep(ctx, e.between(200*time.Millisecond, 600*time.Millisecond)); err != nil {
			return err
		}
	case r < 0.2:
		if err := e.sleep(ctx, e.between(500*time.Millisecond, 2*time.Second)); err != nil {
			return err
		}
	case r < 0.35:
		e.wiggle(ctx, page, st)
	}

	return page.ScrollBy(ctx, base*(0.6+e.rng.Float64()*0.6))
}

func (e *Engine) wiggle(ctx context.Context, page repository.Page, st repository.ScrollState) {
	w, h := st.ViewportWidth, st.ViewportHeight
	if w <= 0 {
		w = 1280
	}
	if h <= 0 {
		h = 800
	}
	if err := page.MoveMouse(ctx, e.rng.Float64()*w, e.rng.Float64()*h); err != nil {
		e.logger.Debug("mouse move failed", zap.Error(err))
	}
}

// jitter spreads d by +/-20%.
func (e *Engine) jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(float64(d) * (0.8 + e.rng.Float64()*0.4))
}

func (e *Engine) between(lo, hi time.Duration) time.Duration {
	return lo + time.Duration(e.rng.Int64N(int64(hi-lo)))
}

func (e *Engine) transition(to State) {
	if e.state == to {
		return
	}
	e.logger.Debug("pagination state", zap.String("from", string(e.state)), zap.String("to", string(to)))
	e.state = to
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
