package saga

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	commonerrors "github.com/ronanzhan/servicecomb-saga/pkg/errors"
	"github.com/ronanzhan/servicecomb-saga/pkg/validate"
)

// EventType is the closed set of lifecycle facts a participant or the coordinator records.
type EventType int

const (
	StepStarted EventType = iota + 1
	StepEnded
	StepAborted
	// StepCompensated acknowledges that a compensation ran on the participant.
	StepCompensated
	SagaEnded
)

// TimeoutPayload is carried by the StepAborted event appended when a watch fires.
const TimeoutPayload = "Transaction timeout"

// NoDeadline is the expiry sentinel of events that never time out.
var NoDeadline = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)

var eventTypeNames = map[EventType]string{
	StepStarted:     "StepStarted",
	StepEnded:       "StepEnded",
	StepAborted:     "StepAborted",
	StepCompensated: "StepCompensated",
	SagaEnded:       "SagaEnded",
}

// legacy omega event names
var eventTypeAliases = map[string]EventType{
	"TxStartedEvent":     StepStarted,
	"TxEndedEvent":       StepEnded,
	"TxAbortedEvent":     StepAborted,
	"TxCompensatedEvent": StepCompensated,
	"SagaEndedEvent":     SagaEnded,
}

func (t EventType) String() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

func (t EventType) Valid() bool {
	_, ok := eventTypeNames[t]
	return ok
}

// ParseEventType accepts canonical names and the legacy omega names.
func ParseEventType(s string) (EventType, error) {
	s = strings.TrimSpace(s)
	for t, name := range eventTypeNames {
		if strings.EqualFold(name, s) {
			return t, nil
		}
	}
	if t, ok := eventTypeAliases[s]; ok {
		return t, nil
	}
	return 0, commonerrors.Newf(commonerrors.CodeInvalidEvent, "unknown event type %q", s)
}

func (t EventType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("marshal event type: invalid value %d", int(t))
	}
	return []byte(t.String()), nil
}

func (t *EventType) UnmarshalText(text []byte) error {
	parsed, err := ParseEventType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Event is an entry of the append-only saga event log. Values are built
// complete by the constructors below and never modified after append.
type Event struct {
	ID                 int64     `json:"id"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
	SagaID             string    `json:"sagaId"`
	StepID             string    `json:"stepId"`
	ParentStepID       string    `json:"parentStepId,omitempty"`
	ServiceName        string    `json:"serviceName"`
	InstanceID         string    `json:"instanceId"`
	Type               EventType `json:"type"`
	CompensationMethod string    `json:"compensationMethod,omitempty"`
	Payloads           []byte    `json:"payloads,omitempty"`
	RetryMethod        string    `json:"retryMethod,omitempty"`
	Retries            int       `json:"retries"`
	ExpiresAt          time.Time `json:"expiresAt"`
}

// HasDeadline reports whether the event carries a real expiry.
func (e Event) HasDeadline() bool {
	return !e.ExpiresAt.IsZero() && e.ExpiresAt.Before(NoDeadline)
}

// Validate checks the fields every reported event must carry.
func (e Event) Validate() error {
	v := validate.New().
		Identifier("sagaId", e.SagaID).
		Identifier("stepId", e.StepID).
		OptionalIdentifier("parentStepId", e.ParentStepID).
		ServiceName("serviceName", e.ServiceName).
		Identifier("instanceId", e.InstanceID).
		NonNegative("retries", e.Retries).
		MaxBytes("payloads", e.Payloads, validate.MaxPayloadBytes)
	if !e.Type.Valid() {
		v.Check("type", fmt.Errorf("invalid event type %d", int(e.Type)))
	}
	if e.Type == StepStarted {
		v.Method("compensationMethod", e.CompensationMethod)
	}
	if first := v.FirstError(); first != nil {
		return commonerrors.New(commonerrors.CodeInvalidEvent, first.Message)
	}
	return nil
}

// Normalized fills the deadline sentinel when the reporter left it empty.
func (e Event) Normalized() Event {
	if e.ExpiresAt.IsZero() {
		e.ExpiresAt = NoDeadline
	}
	e.ExpiresAt = e.ExpiresAt.UTC()
	return e
}

// AbortedByTimeout is the StepAborted event recorded when a watch fires. It
// keeps the attempt number of the watched event so that a timed-out retry
// does not collide with the abort of an earlier attempt.
func AbortedByTimeout(w Timeout) Event {
	return Event{
		SagaID:       w.SagaID,
		StepID:       w.StepID,
		ParentStepID: w.ParentStepID,
		ServiceName:  w.ServiceName,
		InstanceID:   w.InstanceID,
		Type:         StepAborted,
		Payloads:     []byte(TimeoutPayload),
		Retries:      w.Retries,
		ExpiresAt:    NoDeadline,
	}
}

// SagaEndedFor closes the saga the given event belongs to. The closing event
// uses the saga id as its step id and carries no parent, method or payload.
func SagaEndedFor(e Event) Event {
	return Event{
		SagaID:      e.SagaID,
		StepID:      e.SagaID,
		ServiceName: e.ServiceName,
		InstanceID:  e.InstanceID,
		Type:        SagaEnded,
		ExpiresAt:   NoDeadline,
	}
}

func clonePayload(p []byte) []byte {
	if p == nil {
		return nil
	}
	return bytes.Clone(p)
}
