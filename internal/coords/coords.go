// Package coords turns a detection's pixel-space bounding box into
// normalized, map-plane and zone coordinates, applying a per-camera
// homography when calibration is available and falling back to a
// simple pixel/frame-size ratio otherwise.
package coords

import (
	"math"
	"sync"

	"github.com/airfield/surface-safety-server/internal/logger"
	"github.com/airfield/surface-safety-server/internal/model"
)

// Transformer holds calibration state and the fixed area table.
type Transformer struct {
	mapWidth, mapHeight         float64
	realWidth, realHeight       float64

	mu    sync.RWMutex
	cal   map[string]model.Calibration
	areas []model.Area
}

// New creates a Transformer for the given logical/physical plane sizes.
func New(mapWidth, mapHeight, realWidth, realHeight int) *Transformer {
	return &Transformer{
		mapWidth:   float64(mapWidth),
		mapHeight:  float64(mapHeight),
		realWidth:  float64(realWidth),
		realHeight: float64(realHeight),
		cal:        make(map[string]model.Calibration),
	}
}

// SetAreas installs the static area table (called once at startup).
func (t *Transformer) SetAreas(areas []model.Area) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.areas = areas
}

// SetCalibration records a camera's homography + scale.
func (t *Transformer) SetCalibration(c model.Calibration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cal[c.CameraID] = c
}

// HasCalibration reports whether a camera has received calibration.
func (t *Transformer) HasCalibration(cameraID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.cal[cameraID]
	return ok
}

// Transform fills in NormX/NormY/MapX/MapY/AreaID/HasArea on det, given
// the owning frame's pixel dimensions.
func (t *Transformer) Transform(det *model.Detection, frameW, frameH float64) {
	cx, cy := det.Box.Centroid()

	nx, ny := t.normalize(det.CameraID, cx, cy, frameW, frameH)

	det.NormX, det.NormY = nx, ny
	det.MapX = nx * t.mapWidth
	det.MapY = ny * t.mapHeight

	areaID, areaFound := t.lookupArea(nx, ny)
	det.AreaID = areaID
	det.HasArea = areaFound
}

func (t *Transformer) normalize(cameraID string, cx, cy, frameW, frameH float64) (nx, ny float64) {
	t.mu.RLock()
	cal, ok := t.cal[cameraID]
	t.mu.RUnlock()

	if !ok {
		return cx / frameW, cy / frameH
	}

	wx, wy, ok := applyHomography(cal.Matrix, cx, cy)
	if !ok {
		logger.Warn("CoordinateTransformer", "singular calibration matrix for camera %s, falling back to identity", cameraID)
		return cx / frameW, cy / frameH
	}

	scale := cal.Scale
	if scale == 0 {
		scale = 1
	}
	wx *= scale
	wy *= scale

	return wx / t.realWidth, wy / t.realHeight
}

// applyHomography perspective-transforms (x,y) through a 3x3 matrix.
// Returns ok=false if the denominator is (near) zero.
func applyHomography(m [3][3]float64, x, y float64) (wx, wy float64, ok bool) {
	denom := m[2][0]*x + m[2][1]*y + m[2][2]
	if math.Abs(denom) < 1e-9 {
		return 0, 0, false
	}
	wx = (m[0][0]*x + m[0][1]*y + m[0][2]) / denom
	wy = (m[1][0]*x + m[1][1]*y + m[1][2]) / denom
	return wx, wy, true
}

// lookupArea returns the first area (in table order) whose rectangle
// contains (nx,ny), warning if more than one matches.
func (t *Transformer) lookupArea(nx, ny float64) (id int, found bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	matches := 0
	for _, a := range t.areas {
		if a.Contains(nx, ny) {
			if matches == 0 {
				id, found = a.ID, true
			}
			matches++
		}
	}
	if matches > 1 {
		logger.Warn("CoordinateTransformer", "point (%.4f,%.4f) matched %d areas, using the first", nx, ny, matches)
	}
	return id, found
}
