package dispatch

import "github.com/airfield/surface-safety-server/internal/model"

// inferenceMessage is the tagged envelope for every line on the
// inference channel: events (object_detected, marker_detected,
// map_calibration), commands (set_mode_object) and their responses.
// Spec §9 prefers a single sum type over per-message dynamic
// dictionaries; encoding/json's optional-field zero-value handling
// gives us that cheaply without a custom discriminated decoder.
type inferenceMessage struct {
	Type    string `json:"type"`
	Event   string `json:"event,omitempty"`
	Command string `json:"command,omitempty"`
	Result  string `json:"result,omitempty"`

	CameraID string `json:"camera_id,omitempty"`
	// ImgID is the worker's frame id: a nanosecond timestamp emitted as
	// a bare JSON number, so it decodes as an integer, not a string.
	ImgID int64 `json:"img_id,omitempty"`

	Detections []wireDetection `json:"detections,omitempty"`
	Markers    []any           `json:"markers,omitempty"`

	Matrix [][]float64 `json:"matrix,omitempty"`
	Scale  float64     `json:"scale,omitempty"`
}

type wireDetection struct {
	ObjectID   int64         `json:"object_id"`
	Class      string        `json:"class"`
	BBox       [4]float64    `json:"bbox"`
	Confidence float64       `json:"confidence"`
	Pose       string        `json:"pose,omitempty"`
}

func (d wireDetection) toModel(cameraID string, frameID int64) model.Detection {
	return model.Detection{
		ObjectID:   d.ObjectID,
		Class:      model.ObjectClass(d.Class),
		Box:        model.BBox{X1: d.BBox[0], Y1: d.BBox[1], X2: d.BBox[2], Y2: d.BBox[3]},
		Confidence: d.Confidence,
		Pose:       model.Pose(d.Pose),
		CameraID:   cameraID,
		FrameID:    frameID,
	}
}

// birdMessage is the bird-risk channel's single event shape.
type birdMessage struct {
	Type   string `json:"type"`
	Event  string `json:"event"`
	Result string `json:"result"`
}

// pilotRequest is the pilot channel's inbound command.
type pilotRequest struct {
	Type        string `json:"type"`
	Command     string `json:"command"`
	RequestCode string `json:"request_code"`
}

// pilotResponse is the pilot channel's reply.
type pilotResponse struct {
	Type         string `json:"type"`
	Status       string `json:"status"`
	RequestCode  string `json:"request_code"`
	ResponseCode string `json:"response_code,omitempty"`
}

const (
	reqBirdInquiry    = "BR_INQ"
	reqRunwayAStatus  = "RWY_A_STATUS"
	reqRunwayBStatus  = "RWY_B_STATUS"
	reqRunwayAvailIn  = "RWY_AVAIL_IN"
)

const (
	runwayClear   = "CLEAR"
	runwayBlocked = "BLOCKED"
)
