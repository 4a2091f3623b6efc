// Package dispatch owns the four inbound TCP channels (inference,
// bird-risk, controller, pilot), routes their commands to the rest of
// the pipeline, and produces the wire responses the §6 grammar
// defines. Channel readers follow the frame bus's "one reader per
// socket, drop and log malformed input" idiom, generalized from
// UDP datagrams to newline/JSON-delimited TCP streams.
package dispatch

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/airfield/surface-safety-server/internal/access"
	"github.com/airfield/surface-safety-server/internal/coords"
	"github.com/airfield/surface-safety-server/internal/detectbuf"
	"github.com/airfield/surface-safety-server/internal/fanout"
	"github.com/airfield/surface-safety-server/internal/framebus"
	"github.com/airfield/surface-safety-server/internal/logger"
	"github.com/airfield/surface-safety-server/internal/metrics"
	"github.com/airfield/surface-safety-server/internal/model"
	"github.com/airfield/surface-safety-server/internal/zones"
)

// commandTimeout is the implicit per-command handling deadline (§5).
const commandTimeout = 5 * time.Second

// Store is the persistence surface the dispatcher needs. Satisfied by
// *repository.Repository; tests substitute a fake to exercise the
// channel handlers without a database.
type Store interface {
	SaveFirstDetection(rec model.FirstDetectionRecord) error
	WriteImage(objectID int64, timestamp time.Time, jpegBytes []byte) (string, error)
	LoadAccessConditions() (map[int]model.AuthorityLevel, error)
	UpdateAccessConditions(levels [model.ZoneCount]model.AuthorityLevel) error
	AppendBirdRisk(prev, curr model.BirdRiskLevel, timestamp time.Time) error
	GetFirstDetection(objectID int64) (model.FirstDetectionRecord, []byte, error)
	LogInteraction(channel, request, response string, timestamp time.Time)
}

// InferenceState is the inference channel's connection lifecycle.
type InferenceState int

const (
	Disconnected InferenceState = iota
	Connected
	CalibratingA
	CalibratingB
	Operating
)

func (s InferenceState) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connected:
		return "Connected"
	case CalibratingA:
		return "CalibratingA"
	case CalibratingB:
		return "CalibratingB"
	case Operating:
		return "Operating"
	default:
		return "Unknown"
	}
}

// Dispatcher wires together every pipeline component and owns the
// connection state shared across the four TCP channels.
type Dispatcher struct {
	Frames     *framebus.Bus
	Detections *detectbuf.Buffer
	Coords     *coords.Transformer
	Access     *access.Controller
	Zones      *zones.Engine
	Repo       Store
	Hub        *fanout.Hub
	Alerted    *fanout.AlertedSet
	Metrics    *metrics.Metrics

	events chan DetectionEvent

	// RelayPort is the UDP port the video relay listens on; subscribing
	// controller sessions are registered against their TCP peer's IP on
	// this port so the relay knows where to send frames (spec §4.9).
	RelayPort      int
	RelayRegister  func(sessionID string, addr *net.UDPAddr)
	RelayForget    func(sessionID string)

	mu             sync.Mutex
	areas          []model.Area
	areaByID       map[int]model.Area
	state          InferenceState
	calibratedA    bool
	calibratedB    bool
	pendingSetMode bool
	birdRisk       model.BirdRiskLevel
}

// New builds a Dispatcher over already-constructed pipeline
// components. Areas is the static area table, loaded once at startup.
func New(
	frames *framebus.Bus,
	detections *detectbuf.Buffer,
	tr *coords.Transformer,
	acc *access.Controller,
	zoneEngine *zones.Engine,
	repo Store,
	hub *fanout.Hub,
	m *metrics.Metrics,
	areas []model.Area,
	initialBirdRisk model.BirdRiskLevel,
) *Dispatcher {
	d := &Dispatcher{
		Frames:     frames,
		Detections: detections,
		Coords:     tr,
		Access:     acc,
		Zones:      zoneEngine,
		Repo:       repo,
		Hub:        hub,
		Alerted:    fanout.NewAlertedSet(),
		Metrics:    m,
		events:     make(chan DetectionEvent, eventQueueSize),
		areas:      areas,
		areaByID:   make(map[int]model.Area, len(areas)),
		state:      Disconnected,
		birdRisk:   initialBirdRisk,
	}
	for _, a := range areas {
		d.areaByID[a.ID] = a
	}
	tr.SetAreas(areas)
	return d
}

func (d *Dispatcher) areaName(id int) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if a, ok := d.areaByID[id]; ok {
		return a.Name
	}
	return ""
}

// State returns the inference channel's current lifecycle state.
func (d *Dispatcher) State() InferenceState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Dispatcher) setState(s InferenceState) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
	logger.Info("Dispatcher", "inference channel state -> %s", s)
}

// onInferenceConnected resets calibration and moves to Connected; any
// reconnect returns the channel to calibration (spec §4.8 state
// machine note).
func (d *Dispatcher) onInferenceConnected() {
	d.mu.Lock()
	d.calibratedA = false
	d.calibratedB = false
	d.mu.Unlock()
	d.setState(Connected)
}

func (d *Dispatcher) onInferenceDisconnected() {
	d.setState(Disconnected)
}

// recordCalibration stores a camera's homography and advances the
// calibration state machine; once both cameras are calibrated the
// caller (inference.go) issues set_mode_object and awaits its ack.
func (d *Dispatcher) recordCalibration(cal model.Calibration) (bothDone bool) {
	d.Coords.SetCalibration(cal)

	d.mu.Lock()
	defer d.mu.Unlock()

	switch cal.CameraID {
	case "A":
		d.calibratedA = true
	case "B":
		d.calibratedB = true
	}

	switch {
	case d.calibratedA && !d.calibratedB:
		d.state = CalibratingB
	case !d.calibratedA:
		d.state = CalibratingA
	}

	return d.calibratedA && d.calibratedB
}

// BirdRisk returns the last known bird-risk level (for the pilot
// channel's BR_INQ and the debug endpoint).
func (d *Dispatcher) BirdRisk() model.BirdRiskLevel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.birdRisk
}

func (d *Dispatcher) setBirdRisk(level model.BirdRiskLevel) model.BirdRiskLevel {
	d.mu.Lock()
	prev := d.birdRisk
	d.birdRisk = level
	d.mu.Unlock()
	return prev
}

// RunwayStatus reports a runway area's current zone status by name,
// used by the pilot channel's RWY_A_STATUS/RWY_B_STATUS queries.
func (d *Dispatcher) RunwayStatus(areaName string) (model.ZoneStatus, bool) {
	d.mu.Lock()
	var id int
	found := false
	for _, a := range d.areas {
		if a.Name == areaName {
			id, found = a.ID, true
			break
		}
	}
	d.mu.Unlock()
	if !found {
		return model.ZoneNormal, false
	}
	return d.Zones.Status(id), true
}

func withTimeout(op func() error) error {
	done := make(chan error, 1)
	go func() { done <- op() }()
	select {
	case err := <-done:
		return err
	case <-time.After(commandTimeout):
		// The op keeps running; repository ops carry their own shorter
		// deadline, so a late success can still land after the error
		// reply went out. Surface that in the log when it happens.
		go func() {
			if err := <-done; err == nil {
				logger.Warn("Dispatcher", "command completed after its %s deadline had been reported", commandTimeout)
			}
		}()
		return fmt.Errorf("dispatch: command handling timed out after %s", commandTimeout)
	}
}
