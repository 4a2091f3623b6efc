package dispatch

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"

	"github.com/airfield/surface-safety-server/internal/fanout"
	"github.com/airfield/surface-safety-server/internal/logger"
	"github.com/airfield/surface-safety-server/internal/model"
)

// ListenInference binds the inference worker's TCP channel (port
// 5000) and serves connections until the listener is closed. Only one
// inference worker is meaningful at a time; a new connection resets
// calibration state per the §4.8 state machine.
func (d *Dispatcher) ListenInference(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dispatch: listen inference %s: %w", addr, err)
	}
	go d.acceptInference(ln)
	return ln, nil
}

func (d *Dispatcher) acceptInference(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go d.serveInference(conn)
	}
}

func (d *Dispatcher) serveInference(conn net.Conn) {
	defer conn.Close()

	d.onInferenceConnected()
	defer d.onInferenceDisconnected()

	logger.Info("Dispatcher", "inference worker connected from %s", conn.RemoteAddr())

	enc := json.NewEncoder(conn)
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg inferenceMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			logger.Warn("Dispatcher", "malformed inference message: %v", err)
			continue
		}

		d.handleInferenceMessage(conn, enc, msg)
	}

	logger.Info("Dispatcher", "inference worker disconnected")
}

func (d *Dispatcher) handleInferenceMessage(conn net.Conn, enc *json.Encoder, msg inferenceMessage) {
	switch msg.Type {
	case "event":
		d.handleInferenceEvent(conn, enc, msg)
	case "response":
		d.handleInferenceResponse(msg)
	default:
		logger.Warn("Dispatcher", "unknown inference message type %q", msg.Type)
	}
}

func (d *Dispatcher) handleInferenceEvent(conn net.Conn, enc *json.Encoder, msg inferenceMessage) {
	switch msg.Event {
	case "object_detected":
		d.handleObjectDetected(msg)
	case "marker_detected":
		// ignored at steady state (§4.8).
	case "map_calibration":
		d.handleMapCalibration(conn, enc, msg)
	default:
		logger.Warn("Dispatcher", "unknown inference event %q", msg.Event)
	}
}

func (d *Dispatcher) handleObjectDetected(msg inferenceMessage) {
	if d.State() != Operating {
		return // object events are only acted on once Operating (§4.8).
	}

	if msg.ImgID <= 0 {
		logger.Warn("Dispatcher", "object_detected with missing img_id")
		return
	}

	dets := make([]model.Detection, 0, len(msg.Detections))
	for _, wd := range msg.Detections {
		dets = append(dets, wd.toModel(msg.CameraID, msg.ImgID))
	}

	select {
	case d.events <- DetectionEvent{CameraID: msg.CameraID, FrameID: msg.ImgID, Detections: dets}:
	default:
		logger.Warn("Dispatcher", "pipeline queue full, dropping object_detected batch for camera %s", msg.CameraID)
	}
}

func (d *Dispatcher) handleMapCalibration(conn net.Conn, enc *json.Encoder, msg inferenceMessage) {
	var matrix [3][3]float64
	for i := 0; i < 3 && i < len(msg.Matrix); i++ {
		for j := 0; j < 3 && j < len(msg.Matrix[i]); j++ {
			matrix[i][j] = msg.Matrix[i][j]
		}
	}

	bothDone := d.recordCalibration(model.Calibration{
		CameraID: msg.CameraID,
		Matrix:   matrix,
		Scale:    msg.Scale,
	})

	if !bothDone {
		return
	}

	if err := enc.Encode(map[string]string{"type": "command", "command": "set_mode_object"}); err != nil {
		logger.Error("Dispatcher", "failed to send set_mode_object: %v", err)
		return
	}
	d.mu.Lock()
	d.pendingSetMode = true
	d.mu.Unlock()
}

func (d *Dispatcher) handleInferenceResponse(msg inferenceMessage) {
	if msg.Command != "set_mode_object" {
		logger.Warn("Dispatcher", "unexpected inference response for command %q", msg.Command)
		return
	}

	d.mu.Lock()
	pending := d.pendingSetMode
	d.pendingSetMode = false
	d.mu.Unlock()
	if !pending {
		logger.Warn("Dispatcher", "set_mode_object response with no command in flight")
		return
	}

	if msg.Result != "ok" {
		logger.Error("Dispatcher", "worker rejected set_mode_object: %s", msg.Result)
		return
	}

	d.setState(Operating)
	d.Hub.BroadcastControllers(fanout.BuildMapCalibrated())
}
