// Package detectbuf buffers the most recent inference results per
// camera and frame id, serving "nearest prior" lookups for frames that
// arrive between inference ticks (video runs at 30fps, inference at
// 5fps).
package detectbuf

import (
	"sort"
	"sync"
	"time"

	"github.com/airfield/surface-safety-server/internal/model"
)

// Buffer holds, per camera, a time-windowed set of detection results
// keyed by frame id.
type Buffer struct {
	window int64 // nanoseconds

	mu      sync.RWMutex
	cameras map[string]*cameraBuf
}

// New creates a Buffer whose nearest-prior lookup window is `window`
// (spec: 200ms = 200_000_000ns).
func New(window time.Duration) *Buffer {
	return &Buffer{
		window:  window.Nanoseconds(),
		cameras: make(map[string]*cameraBuf),
	}
}

type cameraBuf struct {
	mu      sync.RWMutex
	keys    []int64 // sorted ascending
	entries map[int64][]model.Detection
}

func (b *Buffer) camera(cameraID string) *cameraBuf {
	b.mu.RLock()
	c, ok := b.cameras[cameraID]
	b.mu.RUnlock()
	if ok {
		return c
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.cameras[cameraID]; ok {
		return c
	}
	c = &cameraBuf{entries: make(map[int64][]model.Detection)}
	b.cameras[cameraID] = c
	return c
}

// Put stores detections for (cameraID, frameID), trimming entries that
// fall outside the window relative to the newest frame id inserted for
// that camera.
func (b *Buffer) Put(cameraID string, frameID int64, detections []model.Detection) {
	c := b.camera(cameraID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[frameID]; !exists {
		idx := sort.Search(len(c.keys), func(i int) bool { return c.keys[i] >= frameID })
		c.keys = append(c.keys, 0)
		copy(c.keys[idx+1:], c.keys[idx:])
		c.keys[idx] = frameID
	}
	c.entries[frameID] = detections

	cutoff := frameID - b.window
	trimIdx := sort.Search(len(c.keys), func(i int) bool { return c.keys[i] >= cutoff })
	for _, k := range c.keys[:trimIdx] {
		delete(c.entries, k)
	}
	c.keys = c.keys[trimIdx:]
}

// Lookup returns the exact match for frameID if present, else the
// detections of the largest frame id strictly less than frameID,
// provided it lies within the window. Returns an empty slice if no
// qualifying prior exists.
func (b *Buffer) Lookup(cameraID string, frameID int64) []model.Detection {
	c := b.camera(cameraID)
	c.mu.RLock()
	defer c.mu.RUnlock()

	if dets, ok := c.entries[frameID]; ok {
		return dets
	}

	// Largest key strictly less than frameID: the insertion point for
	// frameID minus one.
	idx := sort.Search(len(c.keys), func(i int) bool { return c.keys[i] >= frameID })
	if idx == 0 {
		return nil
	}
	priorKey := c.keys[idx-1]
	if frameID-priorKey > b.window {
		return nil
	}
	return c.entries[priorKey]
}
