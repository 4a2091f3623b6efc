package relay

import (
	"testing"
	"time"

	"github.com/airfield/surface-safety-server/internal/framebus"
)

func TestEncodeDatagramJoinsCameraAndPayload(t *testing.T) {
	got := encodeDatagram("A", []byte{0xFF, 0xD8})
	want := []byte{'A', ':', 0xFF, 0xD8}
	if string(got) != string(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestSessionQueueDropsOldestBeyondDepth(t *testing.T) {
	q := &sessionQueue{}
	for i := 0; i < queueDepth+3; i++ {
		q.push([]byte{byte(i)})
	}
	items := q.drain()
	if len(items) != queueDepth {
		t.Fatalf("expected queue capped at %d, got %d", queueDepth, len(items))
	}
	// the oldest entries (0,1,2) should have been dropped; the queue
	// should hold the most recent queueDepth pushes in order.
	first := int(items[0][0])
	if first != 3 {
		t.Fatalf("expected oldest surviving push to be 3, got %d", first)
	}
	last := int(items[len(items)-1][0])
	if last != queueDepth+2 {
		t.Fatalf("expected newest push to be %d, got %d", queueDepth+2, last)
	}
}

func TestLatestDatagramsAppliesAnnotateHook(t *testing.T) {
	bus := framebus.New(4, time.Hour)
	bus.Put(framebus.Frame{CameraID: "A", FrameID: 7, Data: []byte{0xFF, 0xD8}, Received: time.Now()})

	r := &Relay{bus: bus}
	var gotCam string
	var gotFrame int64
	r.Annotate = func(cameraID string, frameID int64, jpeg []byte) []byte {
		gotCam, gotFrame = cameraID, frameID
		return append([]byte{'X'}, jpeg...)
	}

	frames := r.latestDatagrams([]string{"A", "B"})
	if gotCam != "A" || gotFrame != 7 {
		t.Fatalf("expected annotate called with A/7, got %s/%d", gotCam, gotFrame)
	}
	if got := string(frames["A"]); got != "A:X\xff\xd8" {
		t.Fatalf("expected annotated payload in datagram, got %q", got)
	}
	if _, ok := frames["B"]; ok {
		t.Fatal("expected no datagram for a camera with no frames")
	}
}

func TestLatestDatagramsWithoutHookForwardsRawFrame(t *testing.T) {
	bus := framebus.New(4, time.Hour)
	bus.Put(framebus.Frame{CameraID: "B", FrameID: 3, Data: []byte("jpeg"), Received: time.Now()})

	r := &Relay{bus: bus}
	frames := r.latestDatagrams([]string{"B"})
	if got := string(frames["B"]); got != "B:jpeg" {
		t.Fatalf("expected raw frame datagram, got %q", got)
	}
}

func TestSessionQueueDrainEmptiesIt(t *testing.T) {
	q := &sessionQueue{}
	q.push([]byte("x"))
	if len(q.drain()) != 1 {
		t.Fatal("expected one item on first drain")
	}
	if len(q.drain()) != 0 {
		t.Fatal("expected queue to be empty on second drain")
	}
}
