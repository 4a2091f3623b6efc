// Package fanout owns controller/pilot client sessions and the wire
// encoding of outbound events: ME_OD, ME_FD, ME_RA/ME_RB, ME_BR, ME_MC.
// Its broadcaster shape (map of per-client channels, non-blocking send)
// is the same one the platform uses for fanning out camera frames.
package fanout

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/airfield/surface-safety-server/internal/logger"
	"github.com/airfield/surface-safety-server/internal/model"
)

// Role identifies which protocol a session speaks.
type Role int

const (
	RoleController Role = iota
	RolePilot
)

// outboxSize is the writer task's bounded outbound queue (spec §5).
const outboxSize = 256

// Session is one connected controller or pilot client.
type Session struct {
	ID   string
	Role Role

	conn   net.Conn
	outbox chan []byte

	mu       sync.Mutex
	subCCTVA bool
	subCCTVB bool
	closed   bool
}

// NewSession wraps an accepted connection and starts its writer loop.
func NewSession(conn net.Conn, role Role) *Session {
	s := &Session{
		ID:     uuid.NewString(),
		Role:   role,
		conn:   conn,
		outbox: make(chan []byte, outboxSize),
	}
	go s.writeLoop()
	return s
}

// writeDeadline bounds each write so a half-open peer is detected by
// a send timeout rather than hanging the writer task (§5).
const writeDeadline = 5 * time.Second

func (s *Session) writeLoop() {
	for data := range s.outbox {
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		if _, err := s.conn.Write(data); err != nil {
			logger.Warn("Fanout", "session %s write failed, closing: %v", s.ID, err)
			s.Close()
			return
		}
	}
}

// Enqueue queues data for delivery. A full queue means the client is
// not keeping up with a control channel; per spec §7 the session is
// closed rather than silently dropping control messages.
func (s *Session) Enqueue(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.outbox <- data:
	default:
		logger.Warn("Fanout", "session %s outbox full, closing", s.ID)
		s.closeLocked()
	}
}

// Close closes the session exactly once.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *Session) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.outbox)
	_ = s.conn.Close()
}

// SetSubscription toggles video-relay subscription: subscribing to one
// camera implicitly un-subscribes the other (MC_CA/MC_CB semantics).
func (s *Session) SetSubscription(cctvA bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cctvA {
		s.subCCTVA, s.subCCTVB = true, false
	} else {
		s.subCCTVA, s.subCCTVB = false, true
	}
}

// Subscriptions reports the session's current video subscription.
func (s *Session) Subscriptions() (cctvA, cctvB bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subCCTVA, s.subCCTVB
}

// SessionID identifies the session for the video relay's per-session
// queue and address table.
func (s *Session) SessionID() string {
	return s.ID
}

// Hub fans events out to every connected controller and/or pilot
// session. Register/Unregister follow the broadcaster Subscribe/
// Unsubscribe shape: a map guarded by a mutex, non-blocking send.
type Hub struct {
	mu          sync.Mutex
	controllers map[string]*Session
	pilots      map[string]*Session
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{
		controllers: make(map[string]*Session),
		pilots:      make(map[string]*Session),
	}
}

// Register adds a session to its role's set.
func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.Role == RoleController {
		h.controllers[s.ID] = s
	} else {
		h.pilots[s.ID] = s
	}
}

// Unregister removes a session from its role's set.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.controllers, s.ID)
	delete(h.pilots, s.ID)
}

// Controllers returns a snapshot of the currently connected controller
// sessions, for the video relay to iterate over.
func (h *Hub) Controllers() []*Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Session, 0, len(h.controllers))
	for _, s := range h.controllers {
		out = append(out, s)
	}
	return out
}

// BroadcastControllers sends data to every connected controller session.
func (h *Hub) BroadcastControllers(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.controllers {
		s.Enqueue(data)
	}
}

// BroadcastAll sends data to every connected controller and pilot
// session (ME_BR is broadcast to both channels).
func (h *Hub) BroadcastAll(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.controllers {
		s.Enqueue(data)
	}
	for _, s := range h.pilots {
		s.Enqueue(data)
	}
}

// AlertedSet tracks object-ids for which ME_FD has already been
// emitted this process lifetime. Monotone non-decreasing; single
// writer (the pipeline worker).
type AlertedSet struct {
	mu   sync.Mutex
	seen map[int64]struct{}
}

// NewAlertedSet creates an empty set.
func NewAlertedSet() *AlertedSet {
	return &AlertedSet{seen: make(map[int64]struct{})}
}

// MarkIfNew records objectID and reports whether this is the first
// time it has been seen. Guarantees at-most-once ME_FD fan-out.
func (a *AlertedSet) MarkIfNew(objectID int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.seen[objectID]; ok {
		return false
	}
	a.seen[objectID] = struct{}{}
	return true
}

// --- Wire message construction (spec §6) ---

func areaToken(areaID int, hasArea bool, areaName string) string {
	if !hasArea {
		return ""
	}
	if areaName != "" {
		return areaName
	}
	return fmt.Sprintf("%d", areaID)
}

// BuildMEOD renders the ME_OD line for a batch of access-cleared
// detections. areaName resolves an area id to its display name.
func BuildMEOD(detections []model.Detection, areaName func(int) string) []byte {
	entries := make([]string, 0, len(detections))
	for _, d := range detections {
		area := areaToken(d.AreaID, d.HasArea, areaName(d.AreaID))
		entry := fmt.Sprintf("%d,%s,%d,%d,%s", d.ObjectID, d.Class, int(d.MapX), int(d.MapY), area)
		if d.Class == model.ClassPerson {
			entry += fmt.Sprintf(",%d", d.RescueLevel)
		}
		entries = append(entries, entry)
	}
	return []byte("ME_OD:" + strings.Join(entries, ";") + "\n")
}

// BuildMEFD renders the ME_FD header+image message for a first
// detection. The image bytes follow the header, raw, with no trailing
// newline (the header carries the exact size).
func BuildMEFD(rec model.FirstDetectionRecord, areaName string, imageBytes []byte) []byte {
	ts := rec.Timestamp.UTC().Format(time.RFC3339)
	var header string
	if rec.Class == model.ClassPerson {
		header = fmt.Sprintf("%d,%d,%s,%d,%d,%s,%s,%d,%d",
			int(rec.EventType), rec.ObjectID, rec.Class, rec.MapX, rec.MapY, areaName, ts, rec.RescueLevel, len(imageBytes))
	} else {
		header = fmt.Sprintf("%d,%d,%s,%d,%d,%s,%s,%d",
			int(rec.EventType), rec.ObjectID, rec.Class, rec.MapX, rec.MapY, areaName, ts, len(imageBytes))
	}

	out := make([]byte, 0, len("ME_FD:")+len(header)+1+len(imageBytes))
	out = append(out, "ME_FD:"...)
	out = append(out, header...)
	out = append(out, ',')
	out = append(out, imageBytes...)
	return out
}

// BuildZoneStatus renders ME_RA/ME_RB for the runway areas. Only
// areaName "RWY_A" and "RWY_B" produce a message; ok is false for any
// other area, which has no dedicated wire message.
func BuildZoneStatus(areaName string, status model.ZoneStatus) (msg []byte, ok bool) {
	var tag string
	switch areaName {
	case "RWY_A":
		tag = "ME_RA"
	case "RWY_B":
		tag = "ME_RB"
	default:
		return nil, false
	}
	return []byte(fmt.Sprintf("%s:%d\n", tag, int(status))), true
}

// BuildBirdRisk renders ME_BR.
func BuildBirdRisk(level model.BirdRiskLevel) []byte {
	return []byte(fmt.Sprintf("ME_BR:%d\n", int(level)))
}

// BuildMapCalibrated renders ME_MC, sent once both cameras have
// completed calibration.
func BuildMapCalibrated() []byte {
	return []byte("ME_MC\n")
}
