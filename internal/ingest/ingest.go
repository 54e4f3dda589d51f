// Package ingest accepts events reported by omegas, over HTTP or from a
// Redis stream, and appends them to the event log.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ronanzhan/servicecomb-saga/internal/metrics"
	commonerrors "github.com/ronanzhan/servicecomb-saga/pkg/errors"
	"github.com/ronanzhan/servicecomb-saga/pkg/logger"
	pkgredis "github.com/ronanzhan/servicecomb-saga/pkg/redis"
	"github.com/ronanzhan/servicecomb-saga/pkg/saga"
)

// Result of ingesting one event. Duplicate events are accepted without a
// second row.
type Result struct {
	Event     saga.Event
	Duplicate bool
}

type Ingestor struct {
	events  saga.EventRepository
	metrics *metrics.Metrics
	log     *logger.Logger
}

func New(events saga.EventRepository, m *metrics.Metrics, log *logger.Logger) *Ingestor {
	if m == nil {
		m = metrics.New(nil)
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Ingestor{events: events, metrics: m, log: log.WithComponent("ingest")}
}

// Decode parses a reported event; malformed input is an INVALID_EVENT error.
func Decode(data []byte) (saga.Event, error) {
	var e saga.Event
	if err := json.Unmarshal(data, &e); err != nil {
		var ce *commonerrors.Error
		if errors.As(err, &ce) {
			return saga.Event{}, commonerrors.New(commonerrors.CodeInvalidEvent, ce.Message)
		}
		return saga.Event{}, commonerrors.Newf(commonerrors.CodeInvalidEvent, "malformed event: %v", err)
	}
	// ids are assigned by the log
	e.ID = 0
	return e, nil
}

func (i *Ingestor) Ingest(ctx context.Context, e saga.Event) (Result, error) {
	typ := typeLabel(e.Type)
	if err := e.Validate(); err != nil {
		i.metrics.IncEventsIngested(typ, metrics.IngestInvalid)
		return Result{}, err
	}

	stored, err := i.events.Append(ctx, e)
	if errors.Is(err, saga.ErrDuplicateEvent) {
		i.metrics.IncEventsIngested(typ, metrics.IngestDuplicate)
		i.log.WithContext(ctx).Debugf("duplicate event ignored", map[string]interface{}{
			"saga_id": e.SagaID,
			"step_id": e.StepID,
			"type":    typ,
		})
		return Result{Event: e.Normalized(), Duplicate: true}, nil
	}
	if err != nil {
		i.metrics.IncEventsIngested(typ, metrics.IngestFailed)
		return Result{}, fmt.Errorf("append event: %w", err)
	}

	i.metrics.IncEventsIngested(typ, metrics.IngestAccepted)
	i.log.WithContext(ctx).Debugf("event appended", map[string]interface{}{
		"id":      stored.ID,
		"saga_id": stored.SagaID,
		"step_id": stored.StepID,
		"type":    typ,
	})
	return Result{Event: stored}, nil
}

// HandleMessage is the stream consumer callback. Invalid events are logged
// and acknowledged; storage errors leave the message pending for retry.
func (i *Ingestor) HandleMessage(ctx context.Context, msg *pkgredis.Message) error {
	e, err := Decode(msg.Data)
	if err != nil {
		i.metrics.IncEventsIngested(typeLabel(0), metrics.IngestInvalid)
		i.dropInvalid(ctx, msg, err)
		return nil
	}
	if _, err := i.Ingest(ctx, e); err != nil {
		var ce *commonerrors.Error
		if errors.As(err, &ce) && ce.Code == commonerrors.CodeInvalidEvent {
			i.dropInvalid(ctx, msg, err)
			return nil
		}
		return err
	}
	return nil
}

func (i *Ingestor) dropInvalid(ctx context.Context, msg *pkgredis.Message, err error) {
	i.log.WithContext(ctx).WithError(err).Warnf("dropping invalid event", map[string]interface{}{
		"stream": msg.Stream,
		"msgId":  msg.ID,
	})
}

func typeLabel(t saga.EventType) string {
	if !t.Valid() {
		return "unknown"
	}
	return t.String()
}
