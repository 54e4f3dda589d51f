// Package saga holds the coordinator's data model and the contracts of the
// stores and dispatcher the reconciliation loop runs over.
package saga

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicateEvent is returned by EventRepository.Append when the store
// already holds the event. Callers treat it as benign.
var ErrDuplicateEvent = errors.New("saga: duplicate event")

// CommandStatus is the lifecycle of a compensation command.
type CommandStatus string

const (
	CommandPending CommandStatus = "PENDING"
	CommandDone    CommandStatus = "DONE"
)

// Command is the derived work item "this step must be undone".
type Command struct {
	ID                 int64         `json:"id"`
	EventID            int64         `json:"eventId"`
	SagaID             string        `json:"sagaId"`
	StepID             string        `json:"stepId"`
	ParentStepID       string        `json:"parentStepId,omitempty"`
	ServiceName        string        `json:"serviceName"`
	InstanceID         string        `json:"instanceId"`
	CompensationMethod string        `json:"compensationMethod"`
	Payloads           []byte        `json:"payloads,omitempty"`
	Status             CommandStatus `json:"status"`
	CreatedAt          time.Time     `json:"createdAt"`
	UpdatedAt          time.Time     `json:"updatedAt"`
}

// CommandFrom derives a pending command from the StepStarted event of a step.
func CommandFrom(started Event) Command {
	return Command{
		EventID:            started.ID,
		SagaID:             started.SagaID,
		StepID:             started.StepID,
		ParentStepID:       started.ParentStepID,
		ServiceName:        started.ServiceName,
		InstanceID:         started.InstanceID,
		CompensationMethod: started.CompensationMethod,
		Payloads:           clonePayload(started.Payloads),
		Status:             CommandPending,
	}
}

// StartedEvent rebuilds the StepStarted-shaped record handed to the dispatcher.
func (c Command) StartedEvent() Event {
	return Event{
		ID:                 c.EventID,
		SagaID:             c.SagaID,
		StepID:             c.StepID,
		ParentStepID:       c.ParentStepID,
		ServiceName:        c.ServiceName,
		InstanceID:         c.InstanceID,
		Type:               StepStarted,
		CompensationMethod: c.CompensationMethod,
		Payloads:           clonePayload(c.Payloads),
		ExpiresAt:          NoDeadline,
	}
}

// TimeoutStatus is the lifecycle of a timeout watch.
type TimeoutStatus string

const (
	TimeoutNew  TimeoutStatus = "NEW"
	TimeoutDone TimeoutStatus = "DONE"
)

// Timeout is a watch over an event that carries a deadline.
type Timeout struct {
	ID           int64         `json:"id"`
	EventID      int64         `json:"eventId"`
	SagaID       string        `json:"sagaId"`
	StepID       string        `json:"stepId"`
	ParentStepID string        `json:"parentStepId,omitempty"`
	ServiceName  string        `json:"serviceName"`
	InstanceID   string        `json:"instanceId"`
	Type         EventType     `json:"type"`
	Retries      int           `json:"retries"`
	ExpiresAt    time.Time     `json:"expiresAt"`
	Status       TimeoutStatus `json:"status"`
}

// WatchFor projects an event with a deadline into a new watch.
func WatchFor(e Event) Timeout {
	return Timeout{
		EventID:      e.ID,
		SagaID:       e.SagaID,
		StepID:       e.StepID,
		ParentStepID: e.ParentStepID,
		ServiceName:  e.ServiceName,
		InstanceID:   e.InstanceID,
		Type:         e.Type,
		Retries:      e.Retries,
		ExpiresAt:    e.ExpiresAt,
		Status:       TimeoutNew,
	}
}

// EventRepository is the append-only event log.
type EventRepository interface {
	// Append stores e and returns it with its identifier assigned.
	Append(ctx context.Context, e Event) (Event, error)
	// FindUnwatchedDeadlineEvents returns open events with a deadline and no
	// watch, ascending by id.
	FindUnwatchedDeadlineEvents(ctx context.Context) ([]Event, error)
	// FindNextUncompensatedEndedEvent returns at most one StepEnded event after
	// cursor that belongs to a failed, unclosed saga and has no command yet.
	FindNextUncompensatedEndedEvent(ctx context.Context, cursor int64) ([]Event, error)
	// FindNextCompensationAck returns the first StepCompensated event after cursor.
	FindNextCompensationAck(ctx context.Context, cursor int64) (Event, bool, error)
	// FindAbortedSagasPendingClosure returns one event per aborted saga that is
	// not closed and has nothing left to compensate.
	FindAbortedSagasPendingClosure(ctx context.Context) ([]Event, error)
	// FindStartEvent returns the latest StepStarted event of a step.
	FindStartEvent(ctx context.Context, sagaID, stepID string) (Event, bool, error)
	// FindEvents lists the events of a saga; a zero type matches every type.
	FindEvents(ctx context.Context, sagaID string, t EventType) ([]Event, error)
	// DeleteDuplicates removes rows sharing (saga id, type), keeping the oldest.
	DeleteDuplicates(ctx context.Context, t EventType) (int64, error)
}

// TimeoutRepository stores watches and arbitrates their firing.
type TimeoutRepository interface {
	Save(ctx context.Context, t Timeout) error
	ResolveCompletedWatches(ctx context.Context) (int64, error)
	// ClaimDueWatches marks every new watch due at now as done and returns
	// them. A watch is returned by at most one call.
	ClaimDueWatches(ctx context.Context, now time.Time) ([]Timeout, error)
	// ReleaseWatches returns claimed watches to new so a later claim fires
	// them again.
	ReleaseWatches(ctx context.Context, ids []int64) error
}

// CommandRepository stores compensation commands.
type CommandRepository interface {
	// MaterializeFor creates a pending command for every step of the saga that
	// ended and was not compensated. Repeated calls create nothing new.
	MaterializeFor(ctx context.Context, sagaID string) (int64, error)
	FindPendingCommands(ctx context.Context) ([]Command, error)
	MarkDone(ctx context.Context, sagaID, stepID string) error
	FindIncomplete(ctx context.Context, sagaID string) ([]Command, error)
}

// Compensator asks the owning participant to undo a step.
type Compensator interface {
	Compensate(ctx context.Context, started Event) error
}

// CompensatorFunc adapts a function to Compensator.
type CompensatorFunc func(ctx context.Context, started Event) error

func (f CompensatorFunc) Compensate(ctx context.Context, started Event) error {
	return f(ctx, started)
}
