package snowflake

import (
	"testing"
	"time"
)

func TestNewRejectsInvalidWorker(t *testing.T) {
	if _, err := New(-1); err != ErrInvalidWorkerID {
		t.Fatalf("expected ErrInvalidWorkerID, got %v", err)
	}
	if _, err := New(MaxWorkerID + 1); err != ErrInvalidWorkerID {
		t.Fatalf("expected ErrInvalidWorkerID, got %v", err)
	}
}

func TestGenerateIsMonotonic(t *testing.T) {
	g, err := New(7)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var last int64
	for i := 0; i < 10000; i++ {
		id, err := g.Generate()
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if id <= last {
			t.Fatalf("id %d not greater than %d", id, last)
		}
		last = id
	}

	_, worker, _ := Parse(last)
	if worker != 7 {
		t.Fatalf("expected worker 7, got %d", worker)
	}
	if d := time.Since(Time(last)); d < 0 || d > time.Minute {
		t.Fatalf("unexpected id time %v", Time(last))
	}
}

func TestGenerateDetectsClockRollback(t *testing.T) {
	g, _ := New(1)
	ms := int64(1714564800000)
	g.now = func() int64 { return ms }
	if _, err := g.Generate(); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	ms -= 10
	if _, err := g.Generate(); err != ErrClockMovedBack {
		t.Fatalf("expected ErrClockMovedBack, got %v", err)
	}
}

func TestWorkerIDFor(t *testing.T) {
	a := WorkerIDFor("alpha-1")
	if a < 0 || a > MaxWorkerID {
		t.Fatalf("worker id out of range: %d", a)
	}
	if a != WorkerIDFor("alpha-1") {
		t.Fatalf("worker id must be stable")
	}
}
