package dispatch

import (
	"bytes"
	"image"
	_ "image/jpeg"
	"time"

	"github.com/airfield/surface-safety-server/internal/fanout"
	"github.com/airfield/surface-safety-server/internal/logger"
	"github.com/airfield/surface-safety-server/internal/model"
	"github.com/airfield/surface-safety-server/internal/vision"
)

// eventQueueSize is the pipeline's single detection-event channel
// capacity (spec §5).
const eventQueueSize = 1024

// fallbackFrameWidth/Height are used when a detection event references
// a frame the bus no longer holds (evicted by the 2s age cap) and the
// pixel dimensions can't be recovered for the identity-fallback
// normalization.
const (
	fallbackFrameWidth  = 1920
	fallbackFrameHeight = 1080
)

// DetectionEvent is one object_detected batch handed from the
// inference channel reader to the pipeline worker.
type DetectionEvent struct {
	CameraID   string
	FrameID    int64
	Detections []model.Detection
}

// Pipeline returns the channel inbound object_detected batches are
// submitted on. Capacity is bounded; a full queue means the pipeline
// can't keep up and the event is dropped rather than blocking the
// inference reader (spec §5 bounded capacity 1024).
func (d *Dispatcher) Pipeline() chan<- DetectionEvent {
	return d.events
}

// RunPipeline drains the detection-event channel until stop is closed.
func (d *Dispatcher) RunPipeline(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case ev := <-d.events:
			d.processEvent(ev)
		}
	}
}

func (d *Dispatcher) processEvent(ev DetectionEvent) {
	frameBytes, frameW, frameH := d.frameDims(ev.CameraID, ev.FrameID)

	for i := range ev.Detections {
		d.Coords.Transform(&ev.Detections[i], frameW, frameH)
	}
	d.Detections.Put(ev.CameraID, ev.FrameID, ev.Detections)
	d.Metrics.DetectionsBuffered.Add(1)

	cleared := d.Access.Evaluate(ev.Detections)
	if len(cleared) == 0 {
		return
	}

	now := time.Now()
	for _, det := range cleared {
		if det.HasArea {
			d.Zones.Report(det.AreaID, now)
		}
	}

	odMsg := fanout.BuildMEOD(cleared, d.areaName)
	d.Hub.BroadcastControllers(odMsg)
	d.Metrics.MEODEmitted.Add(1)

	for _, det := range cleared {
		if !d.Alerted.MarkIfNew(det.ObjectID) {
			continue
		}
		d.emitFirstDetection(det, frameBytes, now)
	}
}

func (d *Dispatcher) emitFirstDetection(det model.Detection, frameBytes []byte, now time.Time) {
	rec := model.FirstDetectionRecord{
		ObjectID:  det.ObjectID,
		EventType: det.EventType,
		Class:     det.Class,
		AreaID:    det.AreaID,
		AreaName:  d.areaName(det.AreaID),
		MapX:      int(det.MapX),
		MapY:      int(det.MapY),
		Timestamp: now,
		HasRescue: det.Class == model.ClassPerson,
		RescueLevel: det.RescueLevel,
	}

	var imageBytes []byte
	if frameBytes != nil {
		crop, err := vision.CropAndEncode(frameBytes, det.Box)
		if err != nil {
			logger.Warn("Pipeline", "crop/encode failed for object %d: %v", det.ObjectID, err)
		} else {
			imageBytes = crop
			if path, err := d.Repo.WriteImage(det.ObjectID, now, crop); err != nil {
				logger.Error("Pipeline", "write image failed for object %d: %v", det.ObjectID, err)
			} else {
				rec.ImagePath = path
			}
		}
	}

	// The record is persisted even when the crop failed (empty path),
	// but ME_FD goes out only once both the image and the DB write have
	// succeeded; the object stays in the alerted set either way so a
	// later sighting is never re-alerted.
	if err := d.Repo.SaveFirstDetection(rec); err != nil {
		logger.Error("Pipeline", "persist first detection %d failed: %v", det.ObjectID, err)
		d.Metrics.DBErrors.Add(1)
		return
	}
	if imageBytes == nil {
		return
	}

	fdMsg := fanout.BuildMEFD(rec, rec.AreaName, imageBytes)
	d.Hub.BroadcastControllers(fdMsg)
	d.Metrics.MEFDEmitted.Add(1)
}

// frameDims fetches the frame identified by (cameraID, frameID) and
// returns its JPEG bytes plus pixel dimensions, falling back to a
// nominal resolution when the frame has already been evicted from the
// bus (spec §9: image bytes are fetched up front, carried forward,
// never re-fetched lazily at fan-out time).
func (d *Dispatcher) frameDims(cameraID string, frameID int64) (data []byte, w, h float64) {
	f, ok := d.Frames.Get(cameraID, frameID)
	if !ok {
		return nil, fallbackFrameWidth, fallbackFrameHeight
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(f.Data))
	if err != nil {
		logger.Warn("Pipeline", "decode frame %s/%d dims failed: %v", cameraID, frameID, err)
		return f.Data, fallbackFrameWidth, fallbackFrameHeight
	}
	return f.Data, float64(cfg.Width), float64(cfg.Height)
}
