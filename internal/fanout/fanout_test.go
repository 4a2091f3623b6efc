package fanout

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/airfield/surface-safety-server/internal/model"
)

func pipeSession(t *testing.T, role Role) (*Session, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	s := NewSession(server, role)
	t.Cleanup(func() { s.Close() })
	return s, client
}

func TestAlertedSetIsAtMostOnce(t *testing.T) {
	a := NewAlertedSet()
	if !a.MarkIfNew(1) {
		t.Fatal("expected first mark to report new")
	}
	if a.MarkIfNew(1) {
		t.Fatal("expected second mark of same id to report not-new")
	}
	if !a.MarkIfNew(2) {
		t.Fatal("expected a different id to report new")
	}
}

func TestSessionEnqueueDeliversToConn(t *testing.T) {
	s, client := pipeSession(t, RoleController)
	defer client.Close()

	s.Enqueue([]byte("ME_MC\n"))

	client.SetReadDeadline(time.Now().Add(time.Second))
	line, err := bufio.NewReader(client).ReadString('\n')
	if err != nil {
		t.Fatalf("unexpected error reading: %v", err)
	}
	if line != "ME_MC\n" {
		t.Fatalf("expected ME_MC, got %q", line)
	}
}

func TestSessionSubscriptionIsExclusive(t *testing.T) {
	s, client := pipeSession(t, RoleController)
	defer client.Close()

	s.SetSubscription(true)
	a, b := s.Subscriptions()
	if !a || b {
		t.Fatalf("expected cctv_a only, got a=%v b=%v", a, b)
	}

	s.SetSubscription(false)
	a, b = s.Subscriptions()
	if a || !b {
		t.Fatalf("expected cctv_b only, got a=%v b=%v", a, b)
	}
}

func TestHubBroadcastControllersDoesNotReachPilots(t *testing.T) {
	h := NewHub()
	ctrl, ctrlClient := pipeSession(t, RoleController)
	pilot, pilotClient := pipeSession(t, RolePilot)
	defer ctrlClient.Close()
	defer pilotClient.Close()

	h.Register(ctrl)
	h.Register(pilot)

	h.BroadcastControllers([]byte("ME_MC\n"))

	ctrlClient.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := bufio.NewReader(ctrlClient).ReadString('\n'); err != nil {
		t.Fatalf("expected controller to receive broadcast: %v", err)
	}

	pilotClient.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	buf := make([]byte, 1)
	if _, err := pilotClient.Read(buf); err == nil {
		t.Fatal("expected pilot session to receive nothing from a controller-only broadcast")
	}
}

func TestBuildMEODFormatsEntriesAndRescueLevel(t *testing.T) {
	dets := []model.Detection{
		{ObjectID: 7, Class: model.ClassBird, MapX: 12, MapY: 34, AreaID: 1, HasArea: true},
		{ObjectID: 8, Class: model.ClassPerson, MapX: 1, MapY: 2, AreaID: 2, HasArea: true, RescueLevel: 1},
	}
	names := map[int]string{1: "TWY_A", 2: "RWY_A"}
	out := BuildMEOD(dets, func(id int) string { return names[id] })

	want := "ME_OD:7,BIRD,12,34,TWY_A;8,PERSON,1,2,RWY_A,1\n"
	if string(out) != want {
		t.Fatalf("expected %q, got %q", want, string(out))
	}
}

func TestBuildMEFDNonPersonHeader(t *testing.T) {
	rec := model.FirstDetectionRecord{
		ObjectID:  42,
		EventType: model.EventHazard,
		Class:     model.ClassFOD,
		MapX:      5, MapY: 6,
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	img := []byte{0xFF, 0xD8, 0xFF}
	out := BuildMEFD(rec, "TWY_B", img)

	s := string(out)
	if !strings.HasPrefix(s, "ME_FD:1,42,FOD,5,6,TWY_B,2026-01-02T03:04:05Z,3,") {
		t.Fatalf("unexpected header: %q", s)
	}
	if !strings.HasSuffix(s, string(img)) {
		t.Fatalf("expected image bytes to trail the message, got %q", s)
	}
}

func TestBuildMEFDPersonHeaderIncludesRescueLevel(t *testing.T) {
	rec := model.FirstDetectionRecord{
		ObjectID: 1, EventType: model.EventRescue, Class: model.ClassPerson,
		MapX: 1, MapY: 1, Timestamp: time.Unix(0, 0).UTC(), RescueLevel: 1,
	}
	out := BuildMEFD(rec, "RWY_A", []byte("x"))
	if !strings.Contains(string(out), "RWY_A,1970-01-01T00:00:00Z,1,1,") {
		t.Fatalf("expected rescue_level and image_size in header, got %q", string(out))
	}
}

func TestBuildZoneStatusOnlyRunways(t *testing.T) {
	if _, ok := BuildZoneStatus("TWY_A", model.ZoneHazard); ok {
		t.Fatal("expected no wire message for a taxiway zone")
	}
	msg, ok := BuildZoneStatus("RWY_A", model.ZoneHazard)
	if !ok || string(msg) != "ME_RA:1\n" {
		t.Fatalf("expected ME_RA:1, got ok=%v msg=%q", ok, msg)
	}
	msg, ok = BuildZoneStatus("RWY_B", model.ZoneNormal)
	if !ok || string(msg) != "ME_RB:0\n" {
		t.Fatalf("expected ME_RB:0, got ok=%v msg=%q", ok, msg)
	}
}

func TestBuildBirdRiskAndMapCalibrated(t *testing.T) {
	if string(BuildBirdRisk(model.BirdRiskHigh)) != "ME_BR:1\n" {
		t.Fatal("unexpected bird risk wire format")
	}
	if string(BuildMapCalibrated()) != "ME_MC\n" {
		t.Fatal("unexpected map-calibrated wire format")
	}
}
