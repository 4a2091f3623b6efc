package framebus

import (
	"testing"
	"time"
)

func TestPutAndLatest(t *testing.T) {
	b := New(60, 2*time.Second)
	now := time.Now()

	b.Put(Frame{CameraID: "A", FrameID: 1, Data: []byte("one"), Received: now})
	b.Put(Frame{CameraID: "A", FrameID: 2, Data: []byte("two"), Received: now.Add(time.Millisecond)})

	f, ok := b.Latest("A")
	if !ok {
		t.Fatal("expected latest frame")
	}
	if f.FrameID != 2 {
		t.Errorf("expected latest frame id 2, got %d", f.FrameID)
	}
}

func TestGetExact(t *testing.T) {
	b := New(60, 2*time.Second)
	now := time.Now()
	b.Put(Frame{CameraID: "B", FrameID: 42, Data: []byte("x"), Received: now})

	f, ok := b.Get("B", 42)
	if !ok || f.FrameID != 42 {
		t.Fatalf("expected frame 42, got %+v ok=%v", f, ok)
	}

	_, ok = b.Get("B", 99)
	if ok {
		t.Fatal("expected miss for unknown frame id")
	}
}

func TestOverflowEvictsOldest(t *testing.T) {
	b := New(3, time.Hour)
	now := time.Now()
	for i := int64(1); i <= 5; i++ {
		b.Put(Frame{CameraID: "A", FrameID: i, Data: []byte("d"), Received: now.Add(time.Duration(i) * time.Millisecond)})
	}

	if _, ok := b.Get("A", 1); ok {
		t.Error("frame 1 should have been evicted on overflow")
	}
	if _, ok := b.Get("A", 2); ok {
		t.Error("frame 2 should have been evicted on overflow")
	}
	if _, ok := b.Get("A", 5); !ok {
		t.Error("frame 5 should still be present")
	}
}

func TestFrameAgeExactlyCapIsEvicted(t *testing.T) {
	b := New(60, 2*time.Second)
	base := time.Now()
	b.Put(Frame{CameraID: "A", FrameID: 1, Data: []byte("d"), Received: base})

	// At now = receipt + 2s the frame is exactly the age cap old; the
	// cutoff handed to AgeOut is now minus the cap.
	now := base.Add(2 * time.Second)
	b.AgeOut(now.Add(-2 * time.Second))

	if _, ok := b.Get("A", 1); ok {
		t.Error("frame exactly at the age cap should be evicted")
	}
}

func TestFrameYoungerThanCapSurvives(t *testing.T) {
	b := New(60, 2*time.Second)
	base := time.Now()
	b.Put(Frame{CameraID: "A", FrameID: 1, Data: []byte("d"), Received: base})

	// One nanosecond short of the cap: the cutoff falls just before receipt.
	now := base.Add(2*time.Second - time.Nanosecond)
	b.AgeOut(now.Add(-2 * time.Second))

	if _, ok := b.Get("A", 1); !ok {
		t.Error("frame younger than the age cap should survive")
	}
}

func TestMalformedDatagramDropped(t *testing.T) {
	if _, ok := parseDatagram([]byte("nocolonshere")); ok {
		t.Error("expected malformed datagram to be rejected")
	}
	if _, ok := parseDatagram([]byte("A:notanumber:somejpeg")); ok {
		t.Error("expected non-numeric frame id to be rejected")
	}
}

func TestWellFormedDatagramParses(t *testing.T) {
	f, ok := parseDatagram([]byte("A:1234567890123456789:\xff\xd8somejpegbytes"))
	if !ok {
		t.Fatal("expected well-formed datagram to parse")
	}
	if f.CameraID != "A" || f.FrameID != 1234567890123456789 {
		t.Errorf("unexpected parse result: %+v", f)
	}
}
