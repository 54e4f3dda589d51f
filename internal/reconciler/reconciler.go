// Package reconciler drives sagas to completion: it fires step deadlines,
// derives and dispatches compensations, tracks their acknowledgments and
// closes finished sagas. All state it needs lives in the stores except two
// progress cursors, which are rebuilt from zero on restart.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ronanzhan/servicecomb-saga/internal/metrics"
	"github.com/ronanzhan/servicecomb-saga/pkg/health"
	"github.com/ronanzhan/servicecomb-saga/pkg/logger"
	"github.com/ronanzhan/servicecomb-saga/pkg/saga"
	"github.com/ronanzhan/servicecomb-saga/pkg/tracing"
)

const (
	DefaultInterval = 500 * time.Millisecond
	minHealthAge    = 10 * time.Second
)

// Reconciler 按固定延迟执行对账 tick，上一个 tick 结束后才调度下一个。
type Reconciler struct {
	events      saga.EventRepository
	timeouts    saga.TimeoutRepository
	commands    saga.CommandRepository
	compensator saga.Compensator

	log      *logger.Logger
	metrics  *metrics.Metrics
	interval time.Duration
	now      func() time.Time

	mu              sync.Mutex
	nextEndedCursor int64
	nextAckCursor   int64

	loop health.LoopMonitor
}

type Option func(*Reconciler)

func WithInterval(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.interval = d
		}
	}
}

func WithLogger(l *logger.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reconciler) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithClock overrides the time source used to decide which watches are due.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

func New(events saga.EventRepository, timeouts saga.TimeoutRepository, commands saga.CommandRepository, compensator saga.Compensator, opts ...Option) *Reconciler {
	r := &Reconciler{
		events:      events,
		timeouts:    timeouts,
		commands:    commands,
		compensator: compensator,
		log:         logger.Nop(),
		interval:    DefaultInterval,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = metrics.New(nil)
	}
	r.log = r.log.WithComponent("reconciler")
	return r
}

func (r *Reconciler) Interval() time.Duration {
	return r.interval
}

// Run ticks until ctx is done. The first tick starts immediately.
func (r *Reconciler) Run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	r.log.Infof("reconciler started", map[string]interface{}{"interval": r.interval.String()})
	for {
		select {
		case <-ctx.Done():
			r.log.Info("reconciler stopped")
			return
		case <-timer.C:
			r.loop.Tick()
			r.loop.SetError(r.safeTick(ctx))
			timer.Reset(r.interval)
		}
	}
}

func (r *Reconciler) safeTick(ctx context.Context) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("panic: %v", v)
			r.log.Errorf("panic recovered", map[string]interface{}{
				"panic": fmt.Sprint(v),
				"stack": string(debug.Stack()),
			})
		}
	}()
	if err := r.Tick(ctx); err != nil {
		if ctx.Err() == nil {
			r.log.WithError(err).Error("reconcile tick failed")
		}
		return err
	}
	return nil
}

// Monitor exposes loop liveness for health checks.
func (r *Reconciler) Monitor() *health.LoopMonitor {
	return &r.loop
}

// MaxAge is how long the loop may go without ticking before it counts as stalled.
func (r *Reconciler) MaxAge() time.Duration {
	if age := 3 * r.interval; age > minHealthAge {
		return age
	}
	return minHealthAge
}

func (r *Reconciler) Healthy(now time.Time) (bool, time.Duration, string) {
	return r.loop.Healthy(now, r.MaxAge())
}

// Tick runs every phase once, in order. A storage error aborts the remaining
// phases and is returned; duplicate removal failures are only logged.
func (r *Reconciler) Tick(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.metrics.IncTicks()
	phases := []struct {
		name string
		fn   func(context.Context) error
	}{
		{metrics.PhaseResolveWatches, r.resolveWatches},
		{metrics.PhasePromoteDeadlines, r.promoteDeadlines},
		{metrics.PhaseFireTimeouts, r.fireTimeouts},
		{metrics.PhaseDerive, r.deriveCompensations},
		{metrics.PhaseDispatch, r.dispatchCompensations},
		{metrics.PhaseAcks, r.advanceAcks},
		{metrics.PhaseDedup, r.dedupClosures},
		{metrics.PhaseCloseAborted, r.closeAbortedSagas},
	}
	for _, p := range phases {
		if err := r.runPhase(ctx, p.name, p.fn); err != nil {
			return fmt.Errorf("%s: %w", p.name, err)
		}
	}
	return nil
}

func (r *Reconciler) runPhase(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := tracing.StartPhase(ctx, name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	_ = r.metrics.ObservePhase(name, time.Since(start))
	if err != nil {
		_ = r.metrics.IncPhaseError(name)
		tracing.SetError(ctx, err)
	}
	return err
}

func (r *Reconciler) resolveWatches(ctx context.Context) error {
	n, err := r.timeouts.ResolveCompletedWatches(ctx)
	if err != nil {
		return fmt.Errorf("resolve completed watches: %w", err)
	}
	if n > 0 {
		r.log.WithContext(ctx).Debugf("resolved watches", map[string]interface{}{"count": n})
	}
	return nil
}

func (r *Reconciler) promoteDeadlines(ctx context.Context) error {
	events, err := r.events.FindUnwatchedDeadlineEvents(ctx)
	if err != nil {
		return fmt.Errorf("find deadline events: %w", err)
	}
	for _, e := range events {
		r.log.WithContext(ctx).Infof("found timeout event", map[string]interface{}{
			"saga_id":    e.SagaID,
			"step_id":    e.StepID,
			"type":       e.Type.String(),
			"expires_at": e.ExpiresAt,
		})
		if err := r.timeouts.Save(ctx, saga.WatchFor(e)); err != nil {
			return fmt.Errorf("save watch for event %d: %w", e.ID, err)
		}
	}
	return nil
}

func (r *Reconciler) fireTimeouts(ctx context.Context) error {
	due, err := r.timeouts.ClaimDueWatches(ctx, r.now())
	if err != nil {
		return fmt.Errorf("claim due watches: %w", err)
	}
	for i, w := range due {
		if err := r.fireTimeout(ctx, w); err != nil {
			r.releaseWatches(ctx, due[i:])
			return err
		}
	}
	return nil
}

// fireTimeout records the abort for one claimed watch and compensates a
// timed-out start. The abort is the last write that can fail, so a watch
// whose abort was stored is never released.
func (r *Reconciler) fireTimeout(ctx context.Context, w saga.Timeout) error {
	log := r.log.WithContext(ctx).WithField("saga_id", w.SagaID).WithField("step_id", w.StepID)
	log.Infof("step timed out", map[string]interface{}{
		"type":       w.Type.String(),
		"retries":    w.Retries,
		"expires_at": w.ExpiresAt,
	})

	var (
		started saga.Event
		found   bool
	)
	if w.Type == saga.StepStarted {
		var err error
		started, found, err = r.events.FindStartEvent(ctx, w.SagaID, w.StepID)
		if err != nil {
			return fmt.Errorf("find start event for %s/%s: %w", w.SagaID, w.StepID, err)
		}
	}

	if _, err := r.events.Append(ctx, saga.AbortedByTimeout(w)); err != nil && !errors.Is(err, saga.ErrDuplicateEvent) {
		return fmt.Errorf("append timeout abort for %s/%s: %w", w.SagaID, w.StepID, err)
	}
	r.metrics.IncTimeoutsFired()

	if w.Type != saga.StepStarted {
		return nil
	}
	if !found {
		log.Warn("start event missing, skipping compensation")
		return nil
	}
	r.compensate(ctx, started)
	return nil
}

// releaseWatches hands unprocessed claims back so the next tick fires them.
func (r *Reconciler) releaseWatches(ctx context.Context, watches []saga.Timeout) {
	ids := make([]int64, 0, len(watches))
	for _, w := range watches {
		ids = append(ids, w.ID)
	}
	if err := r.timeouts.ReleaseWatches(context.WithoutCancel(ctx), ids); err != nil {
		r.log.WithContext(ctx).WithError(err).Errorf("failed to release watches", map[string]interface{}{
			"count": len(ids),
		})
	}
}

func (r *Reconciler) deriveCompensations(ctx context.Context) error {
	ended, err := r.events.FindNextUncompensatedEndedEvent(ctx, r.nextEndedCursor)
	if err != nil {
		return fmt.Errorf("find uncompensated ended event: %w", err)
	}
	for _, e := range ended {
		n, err := r.commands.MaterializeFor(ctx, e.SagaID)
		if err != nil {
			return fmt.Errorf("materialize commands for saga %s: %w", e.SagaID, err)
		}
		r.nextEndedCursor = e.ID
		r.metrics.AddCommandsMaterialized(n)
		r.log.WithContext(ctx).Infof("derived compensation commands", map[string]interface{}{
			"saga_id":  e.SagaID,
			"event_id": e.ID,
			"created":  n,
		})
	}
	return nil
}

func (r *Reconciler) dispatchCompensations(ctx context.Context) error {
	pending, err := r.commands.FindPendingCommands(ctx)
	if err != nil {
		return fmt.Errorf("find pending commands: %w", err)
	}
	for _, c := range saga.CompensationOrder(pending) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.compensate(ctx, c.StartedEvent())
	}
	return nil
}

// compensate dispatches one compensation; failures stay with the item.
func (r *Reconciler) compensate(ctx context.Context, started saga.Event) {
	fields := map[string]interface{}{
		"saga_id":  started.SagaID,
		"step_id":  started.StepID,
		"service":  started.ServiceName,
		"instance": started.InstanceID,
		"method":   started.CompensationMethod,
	}
	r.log.WithContext(ctx).Infof("compensating step", fields)
	tracing.AddEvent(ctx, "compensate",
		attribute.String("saga.id", started.SagaID),
		attribute.String("saga.step_id", started.StepID))

	if err := r.compensator.Compensate(ctx, started); err != nil {
		r.metrics.IncCompensation(false)
		r.log.WithContext(ctx).WithError(err).Warnf("compensation failed", fields)
		return
	}
	r.metrics.IncCompensation(true)
}

func (r *Reconciler) advanceAcks(ctx context.Context) error {
	ack, ok, err := r.events.FindNextCompensationAck(ctx, r.nextAckCursor)
	if err != nil {
		return fmt.Errorf("find compensation ack: %w", err)
	}
	if !ok {
		return nil
	}
	if err := r.commands.MarkDone(ctx, ack.SagaID, ack.StepID); err != nil {
		return fmt.Errorf("mark command done %s/%s: %w", ack.SagaID, ack.StepID, err)
	}
	incomplete, err := r.commands.FindIncomplete(ctx, ack.SagaID)
	if err != nil {
		return fmt.Errorf("find incomplete commands for saga %s: %w", ack.SagaID, err)
	}
	if len(incomplete) == 0 {
		// the ack cursor restarts from zero, so old acks of closed sagas come back
		closed, err := r.events.FindEvents(ctx, ack.SagaID, saga.SagaEnded)
		if err != nil {
			return fmt.Errorf("find saga ended for %s: %w", ack.SagaID, err)
		}
		if len(closed) == 0 {
			if err := r.closeSaga(ctx, ack, metrics.ClosedByAck); err != nil {
				return err
			}
		}
	}
	r.nextAckCursor = ack.ID
	return nil
}

func (r *Reconciler) dedupClosures(ctx context.Context) error {
	removed, err := r.events.DeleteDuplicates(ctx, saga.SagaEnded)
	if err != nil {
		_ = r.metrics.IncPhaseError(metrics.PhaseDedup)
		r.log.WithContext(ctx).WithError(err).Warn("failed to delete duplicate events")
		return nil
	}
	if removed > 0 {
		r.metrics.AddDuplicateClosures(removed)
		r.log.WithContext(ctx).Infof("deleted duplicate saga ended events", map[string]interface{}{"count": removed})
	}
	return nil
}

func (r *Reconciler) closeAbortedSagas(ctx context.Context) error {
	aborted, err := r.events.FindAbortedSagasPendingClosure(ctx)
	if err != nil {
		return fmt.Errorf("find aborted sagas: %w", err)
	}
	for _, e := range aborted {
		// Ended steps the phase 4 cursor has already passed still get a command here.
		n, err := r.commands.MaterializeFor(ctx, e.SagaID)
		if err != nil {
			return fmt.Errorf("materialize commands for saga %s: %w", e.SagaID, err)
		}
		if n > 0 {
			r.metrics.AddCommandsMaterialized(n)
			r.log.WithContext(ctx).Infof("derived compensation commands", map[string]interface{}{
				"saga_id": e.SagaID,
				"created": n,
			})
		}
		incomplete, err := r.commands.FindIncomplete(ctx, e.SagaID)
		if err != nil {
			return fmt.Errorf("find incomplete commands for saga %s: %w", e.SagaID, err)
		}
		if len(incomplete) > 0 {
			continue
		}
		if err := r.closeSaga(ctx, e, metrics.ClosedByAborted); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) closeSaga(ctx context.Context, trigger saga.Event, path string) error {
	if _, err := r.events.Append(ctx, saga.SagaEndedFor(trigger)); err != nil {
		if errors.Is(err, saga.ErrDuplicateEvent) {
			return nil
		}
		return fmt.Errorf("append saga ended for %s: %w", trigger.SagaID, err)
	}
	r.metrics.IncSagasClosed(path)
	r.log.WithContext(ctx).Infof("closing saga", map[string]interface{}{
		"saga_id": trigger.SagaID,
		"path":    path,
	})
	return nil
}
