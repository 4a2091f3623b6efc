package access

import (
	"testing"

	"github.com/airfield/surface-safety-server/internal/model"
)

func TestAirplaneAndAircraftAreDropped(t *testing.T) {
	c := New(nil)
	in := []model.Detection{
		{Class: model.ClassAirplane, HasArea: true, AreaID: 1},
		{Class: model.ClassAircraft, HasArea: true, AreaID: 1},
	}
	out := c.Evaluate(in)
	if len(out) != 0 {
		t.Fatalf("expected airplane/aircraft to be dropped, got %+v", out)
	}
}

func TestHazardClassesAlwaysIncluded(t *testing.T) {
	c := New(nil)
	in := []model.Detection{
		{Class: model.ClassBird, HasArea: true, AreaID: 1},
		{Class: model.ClassFOD, HasArea: false},
		{Class: model.ClassAnimal, HasArea: true, AreaID: 1},
	}
	out := c.Evaluate(in)
	if len(out) != 3 {
		t.Fatalf("expected all hazard-class detections included, got %d", len(out))
	}
	for _, d := range out {
		if d.EventType != model.EventHazard {
			t.Errorf("expected EventHazard, got %v", d.EventType)
		}
	}
}

func TestNullAreaIsAlwaysUnauth(t *testing.T) {
	c := New(nil)
	in := []model.Detection{{Class: model.ClassPerson, HasArea: false}}
	out := c.Evaluate(in)
	if len(out) != 1 || out[0].EventType != model.EventUnauth {
		t.Fatalf("expected unauth for null area, got %+v", out)
	}
}

func TestOpenAreaDropsAccessSubjects(t *testing.T) {
	c := New(map[int]model.AuthorityLevel{1: model.AuthorityOpen})
	in := []model.Detection{{Class: model.ClassPerson, HasArea: true, AreaID: 1}}
	out := c.Evaluate(in)
	if len(out) != 0 {
		t.Fatalf("expected OPEN area to drop access subject, got %+v", out)
	}
}

func TestAuthOnlyExemptsWorkClasses(t *testing.T) {
	c := New(map[int]model.AuthorityLevel{1: model.AuthorityAuthOnly})
	in := []model.Detection{
		{Class: model.ClassWorkPerson, HasArea: true, AreaID: 1},
		{Class: model.ClassWorkVehicle, HasArea: true, AreaID: 1},
		{Class: model.ClassPerson, HasArea: true, AreaID: 1},
	}
	out := c.Evaluate(in)
	if len(out) != 1 || out[0].Class != model.ClassPerson || out[0].EventType != model.EventUnauth {
		t.Fatalf("expected only non-work PERSON to pass AUTH_ONLY, got %+v", out)
	}
}

func TestNoEntryIncludesEveryAccessSubject(t *testing.T) {
	c := New(map[int]model.AuthorityLevel{1: model.AuthorityNoEntry})
	in := []model.Detection{{Class: model.ClassWorkVehicle, HasArea: true, AreaID: 1}}
	out := c.Evaluate(in)
	if len(out) != 1 || out[0].EventType != model.EventUnauth {
		t.Fatalf("expected NO_ENTRY to include even work vehicles as unauth, got %+v", out)
	}
}

func TestMissingAreaDefaultsToAuthOnly(t *testing.T) {
	c := New(nil) // area 5 never configured
	in := []model.Detection{{Class: model.ClassVehicle, HasArea: true, AreaID: 5}}
	out := c.Evaluate(in)
	if len(out) != 1 {
		t.Fatalf("expected default AUTH_ONLY to include non-exempt class, got %+v", out)
	}
}

func TestPersonRescueLevelFromPose(t *testing.T) {
	c := New(map[int]model.AuthorityLevel{1: model.AuthorityNoEntry})
	in := []model.Detection{
		{Class: model.ClassPerson, Pose: model.PoseFallen, HasArea: true, AreaID: 1},
		{Class: model.ClassPerson, Pose: model.PoseStand, HasArea: true, AreaID: 1},
	}
	out := c.Evaluate(in)
	if len(out) != 2 {
		t.Fatalf("expected both PERSON detections, got %d", len(out))
	}
	if out[0].RescueLevel != 1 {
		t.Errorf("expected fallen pose -> rescue_level 1, got %d", out[0].RescueLevel)
	}
	if out[1].RescueLevel != 0 {
		t.Errorf("expected standing pose -> rescue_level 0, got %d", out[1].RescueLevel)
	}
}

func TestSetAuthorityVectorRejectsBadArity(t *testing.T) {
	c := New(nil)
	err := c.SetAuthorityVector([]model.AuthorityLevel{model.AuthorityOpen}, nil)
	if err != ErrBadAuthorityVector {
		t.Fatalf("expected ErrBadAuthorityVector, got %v", err)
	}
}

func TestSetAuthorityVectorRejectsBadLevel(t *testing.T) {
	c := New(nil)
	levels := make([]model.AuthorityLevel, model.ZoneCount)
	for i := range levels {
		levels[i] = model.AuthorityOpen
	}
	levels[3] = model.AuthorityLevel(9)
	if err := c.SetAuthorityVector(levels, nil); err != ErrBadAuthorityVector {
		t.Fatalf("expected ErrBadAuthorityVector, got %v", err)
	}
}

func TestSetAuthorityVectorRoundTrip(t *testing.T) {
	c := New(nil)
	levels := []model.AuthorityLevel{
		model.AuthorityOpen, model.AuthorityAuthOnly, model.AuthorityNoEntry, model.AuthorityOpen,
		model.AuthorityAuthOnly, model.AuthorityNoEntry, model.AuthorityOpen, model.AuthorityAuthOnly,
	}
	if err := c.SetAuthorityVector(levels, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := c.AuthorityVector()
	for i, want := range levels {
		if got[i] != want {
			t.Errorf("zone %d: want %v got %v", i+1, want, got[i])
		}
	}
}

func TestSetAuthorityVectorLeavesCacheUntouchedOnPersistFailure(t *testing.T) {
	c := New(map[int]model.AuthorityLevel{1: model.AuthorityOpen})
	levels := make([]model.AuthorityLevel, model.ZoneCount)
	for i := range levels {
		levels[i] = model.AuthorityNoEntry
	}
	err := c.SetAuthorityVector(levels, func([model.ZoneCount]model.AuthorityLevel) error {
		return errPersistFailed
	})
	if err != errPersistFailed {
		t.Fatalf("expected persist error, got %v", err)
	}
	if c.AuthorityVector()[0] != model.AuthorityOpen {
		t.Fatal("expected cache to remain unchanged after persist failure")
	}
}

var errPersistFailed = errPersist("persist failed")

type errPersist string

func (e errPersist) Error() string { return string(e) }
