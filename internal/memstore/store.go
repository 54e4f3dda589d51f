// Package memstore keeps the event log, commands and timeout watches in
// process memory. It serves single-coordinator deployments and tests; the
// store mutex provides the atomic claim and idempotent upsert the
// reconciler relies on.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tidwall/btree"

	"github.com/ronanzhan/servicecomb-saga/pkg/saga"
	"github.com/ronanzhan/servicecomb-saga/pkg/snowflake"
)

type stepKey struct {
	saga string
	step string
}

type uniqueKey struct {
	stepKey
	typ     saga.EventType
	retries int
}

// Store implements saga.EventRepository, saga.TimeoutRepository and
// saga.CommandRepository.
type Store struct {
	mu sync.Mutex

	events      *btree.Map[int64, saga.Event]
	lastEventID int64
	bySaga      map[string][]int64
	unique      map[uniqueKey]int64

	commands map[stepKey]*saga.Command
	timeouts map[int64]*saga.Timeout
	watched  map[int64]int64

	ids *snowflake.Generator
	now func() time.Time
}

var (
	_ saga.EventRepository   = (*Store)(nil)
	_ saga.TimeoutRepository = (*Store)(nil)
	_ saga.CommandRepository = (*Store)(nil)
)

// New creates an empty store; workerID seeds the snowflake generator used for
// command and watch identifiers.
func New(workerID int64) (*Store, error) {
	ids, err := snowflake.New(workerID)
	if err != nil {
		return nil, fmt.Errorf("memstore id generator: %w", err)
	}
	return &Store{
		events:   btree.NewMap[int64, saga.Event](32),
		bySaga:   make(map[string][]int64),
		unique:   make(map[uniqueKey]int64),
		commands: make(map[stepKey]*saga.Command),
		timeouts: make(map[int64]*saga.Timeout),
		watched:  make(map[int64]int64),
		ids:      ids,
		now:      time.Now,
	}, nil
}

// SetClock overrides the clock used for created/updated timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func keyOf(e saga.Event) uniqueKey {
	return uniqueKey{stepKey: stepKey{saga: e.SagaID, step: e.StepID}, typ: e.Type, retries: e.Retries}
}

// SagaEnded rows are left unconstrained; DeleteDuplicates cleans them up.
func constrained(t saga.EventType) bool {
	return t != saga.SagaEnded
}

func (s *Store) Append(_ context.Context, e saga.Event) (saga.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e = e.Normalized()
	if constrained(e.Type) {
		if _, dup := s.unique[keyOf(e)]; dup {
			return saga.Event{}, saga.ErrDuplicateEvent
		}
	}

	now := s.now().UTC()
	s.lastEventID++
	e.ID = s.lastEventID
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	s.events.Set(e.ID, e)
	s.bySaga[e.SagaID] = append(s.bySaga[e.SagaID], e.ID)
	if constrained(e.Type) {
		s.unique[keyOf(e)] = e.ID
	}
	return e, nil
}

// sagaEvents returns the events of a saga ascending by id. Caller holds mu.
func (s *Store) sagaEvents(sagaID string) []saga.Event {
	ids := s.bySaga[sagaID]
	out := make([]saga.Event, 0, len(ids))
	for _, id := range ids {
		if e, ok := s.events.Get(id); ok {
			out = append(out, e)
		}
	}
	return out
}

func hasType(events []saga.Event, t saga.EventType) bool {
	for _, e := range events {
		if e.Type == t {
			return true
		}
	}
	return false
}

// closedAfter reports whether a later event of another type exists for the
// step of e.
func closedAfter(events []saga.Event, e saga.Event) bool {
	for _, o := range events {
		if o.ID > e.ID && o.StepID == e.StepID && o.Type != e.Type {
			return true
		}
	}
	return false
}

func stepCompensated(events []saga.Event, stepID string) bool {
	for _, o := range events {
		if o.Type == saga.StepCompensated && o.StepID == stepID {
			return true
		}
	}
	return false
}

// liveAborts returns the aborts not superseded by a retried start.
func liveAborts(events []saga.Event) []saga.Event {
	var out []saga.Event
	for _, a := range events {
		if a.Type != saga.StepAborted {
			continue
		}
		retried := false
		for _, r := range events {
			if r.Type == saga.StepStarted && r.StepID == a.StepID && r.ID > a.ID {
				retried = true
				break
			}
		}
		if !retried {
			out = append(out, a)
		}
	}
	return out
}

func (s *Store) FindUnwatchedDeadlineEvents(_ context.Context) ([]saga.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []saga.Event
	s.events.Scan(func(id int64, e saga.Event) bool {
		if !e.HasDeadline() {
			return true
		}
		if _, ok := s.watched[id]; ok {
			return true
		}
		if closedAfter(s.sagaEvents(e.SagaID), e) {
			return true
		}
		out = append(out, e)
		return true
	})
	return out, nil
}

func (s *Store) FindNextUncompensatedEndedEvent(_ context.Context, cursor int64) ([]saga.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []saga.Event
	s.events.Ascend(cursor+1, func(_ int64, e saga.Event) bool {
		if e.Type != saga.StepEnded {
			return true
		}
		if _, ok := s.commands[stepKey{saga: e.SagaID, step: e.StepID}]; ok {
			return true
		}
		events := s.sagaEvents(e.SagaID)
		if hasType(events, saga.SagaEnded) || len(liveAborts(events)) == 0 || stepCompensated(events, e.StepID) {
			return true
		}
		out = append(out, e)
		return false
	})
	return out, nil
}

func (s *Store) FindNextCompensationAck(_ context.Context, cursor int64) (saga.Event, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		found saga.Event
		ok    bool
	)
	s.events.Ascend(cursor+1, func(_ int64, e saga.Event) bool {
		if e.Type == saga.StepCompensated {
			found, ok = e, true
			return false
		}
		return true
	})
	return found, ok, nil
}

func (s *Store) FindAbortedSagasPendingClosure(_ context.Context) ([]saga.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []saga.Event
	for sagaID := range s.bySaga {
		events := s.sagaEvents(sagaID)
		aborts := liveAborts(events)
		if len(aborts) == 0 || hasType(events, saga.SagaEnded) {
			continue
		}
		out = append(out, aborts[0])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) FindStartEvent(_ context.Context, sagaID, stepID string) (saga.Event, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := s.sagaEvents(sagaID)
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == saga.StepStarted && events[i].StepID == stepID {
			return events[i], true, nil
		}
	}
	return saga.Event{}, false, nil
}

func (s *Store) FindEvents(_ context.Context, sagaID string, t saga.EventType) ([]saga.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []saga.Event
	for _, e := range s.sagaEvents(sagaID) {
		if t == 0 || e.Type == t {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) DeleteDuplicates(_ context.Context, t saga.EventType) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for sagaID, ids := range s.bySaga {
		kept := ids[:0:0]
		seen := false
		for _, id := range ids {
			e, ok := s.events.Get(id)
			if !ok {
				continue
			}
			if e.Type == t {
				if seen {
					s.events.Delete(id)
					if constrained(e.Type) && s.unique[keyOf(e)] == id {
						delete(s.unique, keyOf(e))
					}
					removed++
					continue
				}
				seen = true
			}
			kept = append(kept, id)
		}
		s.bySaga[sagaID] = kept
	}
	return removed, nil
}

func (s *Store) Save(_ context.Context, t saga.Timeout) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.watched[t.EventID]; ok {
		return nil
	}
	id, err := s.ids.Generate()
	if err != nil {
		return fmt.Errorf("generate watch id: %w", err)
	}
	t.ID = id
	if t.Status == "" {
		t.Status = saga.TimeoutNew
	}
	s.timeouts[id] = &t
	s.watched[t.EventID] = id
	return nil
}

func (s *Store) ResolveCompletedWatches(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var resolved int64
	for _, w := range s.timeouts {
		if w.Status != saga.TimeoutNew {
			continue
		}
		watched := saga.Event{ID: w.EventID, StepID: w.StepID, Type: w.Type}
		if closedAfter(s.sagaEvents(w.SagaID), watched) {
			w.Status = saga.TimeoutDone
			resolved++
		}
	}
	return resolved, nil
}

func (s *Store) ClaimDueWatches(_ context.Context, now time.Time) ([]saga.Timeout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []saga.Timeout
	for _, w := range s.timeouts {
		if w.Status != saga.TimeoutNew || w.ExpiresAt.After(now) {
			continue
		}
		w.Status = saga.TimeoutDone
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(out[j].ExpiresAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) ReleaseWatches(_ context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if w, ok := s.timeouts[id]; ok && w.Status == saga.TimeoutDone {
			w.Status = saga.TimeoutNew
		}
	}
	return nil
}

func (s *Store) MaterializeFor(_ context.Context, sagaID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := s.sagaEvents(sagaID)
	latestStart := make(map[string]saga.Event)
	var steps []string
	for _, e := range events {
		if e.Type != saga.StepStarted {
			continue
		}
		if _, ok := latestStart[e.StepID]; !ok {
			steps = append(steps, e.StepID)
		}
		latestStart[e.StepID] = e
	}

	var created int64
	now := s.now().UTC()
	for _, stepID := range steps {
		key := stepKey{saga: sagaID, step: stepID}
		if _, ok := s.commands[key]; ok {
			continue
		}
		started := latestStart[stepID]
		if !endedAfter(events, started) || stepCompensated(events, stepID) {
			continue
		}
		id, err := s.ids.Generate()
		if err != nil {
			return created, fmt.Errorf("generate command id: %w", err)
		}
		cmd := saga.CommandFrom(started)
		cmd.ID = id
		cmd.CreatedAt = now
		cmd.UpdatedAt = now
		s.commands[key] = &cmd
		created++
	}
	return created, nil
}

func endedAfter(events []saga.Event, started saga.Event) bool {
	for _, e := range events {
		if e.Type == saga.StepEnded && e.StepID == started.StepID && e.ID > started.ID {
			return true
		}
	}
	return false
}

func (s *Store) FindPendingCommands(_ context.Context) ([]saga.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []saga.Command
	for _, c := range s.commands {
		if c.Status == saga.CommandPending {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) MarkDone(_ context.Context, sagaID, stepID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.commands[stepKey{saga: sagaID, step: stepID}]; ok && c.Status != saga.CommandDone {
		c.Status = saga.CommandDone
		c.UpdatedAt = s.now().UTC()
	}
	return nil
}

func (s *Store) FindIncomplete(_ context.Context, sagaID string) ([]saga.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []saga.Command
	for key, c := range s.commands {
		if key.saga == sagaID && c.Status != saga.CommandDone {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
