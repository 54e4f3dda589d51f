package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Reporter delivers participant events to the coordinator.
type Reporter interface {
	Report(ctx context.Context, e Event) error
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, e Event) error

func (f ReporterFunc) Report(ctx context.Context, e Event) error {
	return f(ctx, e)
}

// StepOptions describe how the coordinator may undo or expire a step.
type StepOptions struct {
	ParentStepID       string
	CompensationMethod string
	Payloads           []byte
	RetryMethod        string
	Retries            int
	// Timeout of zero means the step never expires.
	Timeout time.Duration
}

// Participant runs local steps of a saga on the omega side and reports their
// lifecycle to the coordinator.
type Participant struct {
	service  string
	instance string
	reporter Reporter
	now      func() time.Time
	newID    func() string
}

func NewParticipant(service, instance string, reporter Reporter) *Participant {
	if instance == "" {
		instance = service + "-" + uuid.NewString()
	}
	return &Participant{
		service:  service,
		instance: instance,
		reporter: reporter,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

func (p *Participant) InstanceID() string { return p.instance }

// Step 执行本地事务：先上报 StepStarted，成功上报 StepEnded，失败上报 StepAborted。
// 返回的 stepID 用于后续补偿调用。
func (p *Participant) Step(ctx context.Context, sagaID string, opts StepOptions, fn func(ctx context.Context) error) (string, error) {
	stepID := p.newID()
	started := p.event(sagaID, stepID, opts.ParentStepID, StepStarted)
	started.CompensationMethod = opts.CompensationMethod
	started.Payloads = clonePayload(opts.Payloads)
	started.RetryMethod = opts.RetryMethod
	started.Retries = opts.Retries
	if opts.Timeout > 0 {
		started.ExpiresAt = p.now().Add(opts.Timeout).UTC()
	}
	if err := started.Validate(); err != nil {
		return "", err
	}
	if err := p.reporter.Report(ctx, started); err != nil {
		return "", fmt.Errorf("report step started: %w", err)
	}

	if err := fn(ctx); err != nil {
		aborted := p.event(sagaID, stepID, opts.ParentStepID, StepAborted)
		aborted.Payloads = []byte(err.Error())
		if rErr := p.reporter.Report(ctx, aborted); rErr != nil {
			return stepID, fmt.Errorf("step failed: %w; report abort failed: %v", err, rErr)
		}
		return stepID, err
	}

	if err := p.reporter.Report(ctx, p.event(sagaID, stepID, opts.ParentStepID, StepEnded)); err != nil {
		return stepID, fmt.Errorf("report step ended: %w", err)
	}
	return stepID, nil
}

// Compensated acknowledges a compensation the coordinator requested.
func (p *Participant) Compensated(ctx context.Context, started Event) error {
	ack := p.event(started.SagaID, started.StepID, started.ParentStepID, StepCompensated)
	ack.CompensationMethod = started.CompensationMethod
	if err := p.reporter.Report(ctx, ack); err != nil {
		return fmt.Errorf("report compensated: %w", err)
	}
	return nil
}

// EndSaga closes a saga whose steps all succeeded.
func (p *Participant) EndSaga(ctx context.Context, sagaID string) error {
	ended := SagaEndedFor(Event{SagaID: sagaID, ServiceName: p.service, InstanceID: p.instance})
	if err := p.reporter.Report(ctx, ended); err != nil {
		return fmt.Errorf("report saga ended: %w", err)
	}
	return nil
}

func (p *Participant) event(sagaID, stepID, parentID string, t EventType) Event {
	now := p.now().UTC()
	return Event{
		CreatedAt:    now,
		UpdatedAt:    now,
		SagaID:       sagaID,
		StepID:       stepID,
		ParentStepID: parentID,
		ServiceName:  p.service,
		InstanceID:   p.instance,
		Type:         t,
		ExpiresAt:    NoDeadline,
	}
}
