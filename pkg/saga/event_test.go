package saga

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	commonerrors "github.com/ronanzhan/servicecomb-saga/pkg/errors"
)

func TestParseEventType(t *testing.T) {
	tests := []struct {
		in   string
		want EventType
	}{
		{in: "StepStarted", want: StepStarted},
		{in: "stepended", want: StepEnded},
		{in: "TxAbortedEvent", want: StepAborted},
		{in: "TxCompensatedEvent", want: StepCompensated},
		{in: "SagaEndedEvent", want: SagaEnded},
	}
	for _, tt := range tests {
		got, err := ParseEventType(tt.in)
		if err != nil {
			t.Fatalf("ParseEventType(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("ParseEventType(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	_, err := ParseEventType("SagaStarted")
	var ce *commonerrors.Error
	if !errors.As(err, &ce) || ce.Code != commonerrors.CodeInvalidEvent {
		t.Fatalf("expected INVALID_EVENT, got %v", err)
	}
}

func TestEventTypeJSON(t *testing.T) {
	e := Event{SagaID: "g1", StepID: "l1", Type: StepCompensated}
	raw, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded Event
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Type != StepCompensated {
		t.Fatalf("expected StepCompensated, got %v", decoded.Type)
	}

	if _, err := json.Marshal(Event{Type: EventType(42)}); err == nil {
		t.Fatalf("expected invalid type to fail marshalling")
	}
	if EventType(42).String() != "EventType(42)" {
		t.Fatalf("unexpected String for unknown type: %s", EventType(42))
	}
}

func TestHasDeadline(t *testing.T) {
	if (Event{}).HasDeadline() {
		t.Fatalf("zero expiry must not count as a deadline")
	}
	if (Event{ExpiresAt: NoDeadline}).HasDeadline() {
		t.Fatalf("sentinel expiry must not count as a deadline")
	}
	if !(Event{ExpiresAt: time.Now().Add(time.Minute)}).HasDeadline() {
		t.Fatalf("real expiry must count as a deadline")
	}
	if got := (Event{}).Normalized().ExpiresAt; !got.Equal(NoDeadline) {
		t.Fatalf("Normalized should fill the sentinel, got %v", got)
	}
}

func TestValidate(t *testing.T) {
	valid := Event{SagaID: "g1", StepID: "l1", ServiceName: "order", InstanceID: "order-1", Type: StepStarted, CompensationMethod: "cancelOrder"}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid event, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(e Event) Event
	}{
		{name: "missing saga", mutate: func(e Event) Event { e.SagaID = " "; return e }},
		{name: "missing step", mutate: func(e Event) Event { e.StepID = ""; return e }},
		{name: "missing service", mutate: func(e Event) Event { e.ServiceName = ""; return e }},
		{name: "missing instance", mutate: func(e Event) Event { e.InstanceID = ""; return e }},
		{name: "bad type", mutate: func(e Event) Event { e.Type = 0; return e }},
		{name: "negative retries", mutate: func(e Event) Event { e.Retries = -1; return e }},
		{name: "start without method", mutate: func(e Event) Event { e.CompensationMethod = ""; return e }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.mutate(valid).Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestDerivedEvents(t *testing.T) {
	w := Timeout{ID: 7, EventID: 3, SagaID: "g1", StepID: "l1", ParentStepID: "g1", ServiceName: "order", InstanceID: "order-1", Type: StepStarted, Retries: 2}

	aborted := AbortedByTimeout(w)
	if aborted.Type != StepAborted || aborted.SagaID != "g1" || aborted.StepID != "l1" || aborted.ParentStepID != "g1" {
		t.Fatalf("unexpected aborted event %+v", aborted)
	}
	if aborted.Retries != 2 {
		t.Fatalf("aborted event must keep the attempt number, got %d", aborted.Retries)
	}
	if string(aborted.Payloads) != TimeoutPayload || aborted.CompensationMethod != "" {
		t.Fatalf("unexpected aborted payload %q", aborted.Payloads)
	}

	ended := SagaEndedFor(Event{SagaID: "g1", StepID: "l1", ParentStepID: "p", ServiceName: "order", InstanceID: "order-1", CompensationMethod: "x", Payloads: []byte("y")})
	if ended.Type != SagaEnded || ended.StepID != "g1" || ended.ParentStepID != "" {
		t.Fatalf("unexpected saga ended event %+v", ended)
	}
	if ended.Payloads != nil || ended.CompensationMethod != "" || ended.ServiceName != "order" {
		t.Fatalf("saga ended must not carry step data: %+v", ended)
	}
}

func TestCommandRoundTrip(t *testing.T) {
	started := Event{ID: 11, SagaID: "g1", StepID: "l2", ParentStepID: "l1", ServiceName: "stock", InstanceID: "stock-2", Type: StepStarted, CompensationMethod: "release", Payloads: []byte{1, 2}}

	cmd := CommandFrom(started)
	if cmd.Status != CommandPending || cmd.EventID != 11 {
		t.Fatalf("unexpected command %+v", cmd)
	}

	rebuilt := cmd.StartedEvent()
	if rebuilt.Type != StepStarted || rebuilt.CompensationMethod != "release" || string(rebuilt.Payloads) != string([]byte{1, 2}) {
		t.Fatalf("unexpected rebuilt event %+v", rebuilt)
	}
	if rebuilt.SagaID != "g1" || rebuilt.StepID != "l2" || rebuilt.ParentStepID != "l1" || rebuilt.InstanceID != "stock-2" {
		t.Fatalf("rebuilt event lost identity: %+v", rebuilt)
	}

	cmd.Payloads[0] = 9
	if started.Payloads[0] != 1 {
		t.Fatalf("command must not share payload storage with the event")
	}

	w := WatchFor(Event{ID: 4, SagaID: "g1", StepID: "l1", Type: StepStarted, Retries: 1, ExpiresAt: NoDeadline})
	if w.Status != TimeoutNew || w.EventID != 4 || w.Type != StepStarted || w.Retries != 1 {
		t.Fatalf("unexpected watch %+v", w)
	}
}
