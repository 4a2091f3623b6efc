package zones

import (
	"sync"
	"testing"
	"time"

	"github.com/airfield/surface-safety-server/internal/model"
)

type recorder struct {
	mu     sync.Mutex
	events []model.ZoneStatus
}

func (r *recorder) record(zoneID int, status model.ZoneStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, status)
}

func (r *recorder) snapshot() []model.ZoneStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.ZoneStatus, len(r.events))
	copy(out, r.events)
	return out
}

func TestNormalToHazardOnFirstQualifyingDetection(t *testing.T) {
	rec := &recorder{}
	e := New(50*time.Millisecond, []int{1}, rec.record)
	defer e.Close()

	e.Report(1, time.Now())

	if e.Status(1) != model.ZoneHazard {
		t.Fatal("expected zone to be HAZARD immediately after report")
	}
	events := rec.snapshot()
	if len(events) != 1 || events[0] != model.ZoneHazard {
		t.Fatalf("expected single HAZARD transition, got %+v", events)
	}
}

func TestHazardClearsAfterDelayWithNoNewDetections(t *testing.T) {
	rec := &recorder{}
	delay := 50 * time.Millisecond
	e := New(delay, []int{1}, rec.record)
	defer e.Close()

	e.Report(1, time.Now())
	time.Sleep(delay + 40*time.Millisecond)

	if e.Status(1) != model.ZoneNormal {
		t.Fatal("expected zone to clear back to NORMAL after hysteresis delay")
	}
	events := rec.snapshot()
	if len(events) != 2 || events[0] != model.ZoneHazard || events[1] != model.ZoneNormal {
		t.Fatalf("expected HAZARD then NORMAL, got %+v", events)
	}
}

func TestRepeatedDetectionsReArmTimerWithoutExtraTransitions(t *testing.T) {
	rec := &recorder{}
	delay := 80 * time.Millisecond
	e := New(delay, []int{1}, rec.record)
	defer e.Close()

	e.Report(1, time.Now())
	time.Sleep(30 * time.Millisecond)
	e.Report(1, time.Now()) // re-arm before the first timer would fire
	time.Sleep(30 * time.Millisecond)

	if e.Status(1) != model.ZoneHazard {
		t.Fatal("expected zone to remain HAZARD while re-armed")
	}

	events := rec.snapshot()
	if len(events) != 1 {
		t.Fatalf("expected exactly one HAZARD transition (no flapping), got %+v", events)
	}

	time.Sleep(delay)
	if e.Status(1) != model.ZoneNormal {
		t.Fatal("expected zone to eventually clear after the re-armed delay elapses")
	}
}

func TestZonesAreIndependent(t *testing.T) {
	rec := &recorder{}
	e := New(50*time.Millisecond, []int{1, 2}, rec.record)
	defer e.Close()

	e.Report(1, time.Now())

	if e.Status(2) != model.ZoneNormal {
		t.Fatal("reporting zone 1 must not affect zone 2")
	}
}
