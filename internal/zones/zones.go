// Package zones runs one NORMAL/HAZARD state machine per area, with a
// single shared timer wheel (a min-heap of (deadline, zone) pairs)
// implementing the clear-hysteresis timer design note: one goroutine,
// O(log N) arm/cancel, rather than a goroutine per zone.
package zones

import (
	"container/heap"
	"sync"
	"time"

	"github.com/airfield/surface-safety-server/internal/model"
)

// TransitionFunc is called whenever a zone changes status.
type TransitionFunc func(zoneID int, status model.ZoneStatus)

// Engine owns all zone state machines and their clear timers.
type Engine struct {
	clearDelay time.Duration
	onChange   TransitionFunc

	mu     sync.Mutex
	states map[int]*zoneState
	pq     timerHeap
	wake   chan struct{}
	stop   chan struct{}
	done   chan struct{}
}

type zoneState struct {
	status      model.ZoneStatus
	lastHazard  time.Time
	armVersion  uint64
}

type timerItem struct {
	deadline time.Time
	zoneID   int
	version  uint64
}

type timerHeap []timerItem

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x interface{}) { *h = append(*h, x.(timerItem)) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// New creates an Engine. initialZones seeds every zone id in NORMAL.
func New(clearDelay time.Duration, initialZones []int, onChange TransitionFunc) *Engine {
	e := &Engine{
		clearDelay: clearDelay,
		onChange:   onChange,
		states:     make(map[int]*zoneState),
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, id := range initialZones {
		e.states[id] = &zoneState{status: model.ZoneNormal}
	}
	go e.run()
	return e
}

// Status returns a zone's current status.
func (e *Engine) Status(zoneID int) model.ZoneStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.states[zoneID]; ok {
		return s.status
	}
	return model.ZoneNormal
}

// Report records a qualifying detection for zoneID observed at t. A
// NORMAL zone transitions to HAZARD; a HAZARD zone stays HAZARD and
// re-arms its clear timer.
func (e *Engine) Report(zoneID int, t time.Time) {
	e.mu.Lock()

	s, ok := e.states[zoneID]
	if !ok {
		s = &zoneState{status: model.ZoneNormal}
		e.states[zoneID] = s
	}

	wasNormal := s.status == model.ZoneNormal
	s.status = model.ZoneHazard
	s.lastHazard = t
	s.armVersion++
	version := s.armVersion

	heap.Push(&e.pq, timerItem{deadline: t.Add(e.clearDelay), zoneID: zoneID, version: version})
	e.mu.Unlock()

	e.notifyWake()

	if wasNormal {
		e.onChange(zoneID, model.ZoneHazard)
	}
}

func (e *Engine) notifyWake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Close stops the timer goroutine.
func (e *Engine) Close() {
	close(e.stop)
	<-e.done
}

func (e *Engine) run() {
	defer close(e.done)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		e.mu.Lock()
		var next time.Time
		hasNext := e.pq.Len() > 0
		if hasNext {
			next = e.pq[0].deadline
		}
		e.mu.Unlock()

		if hasNext {
			d := time.Until(next)
			if d < 0 {
				d = 0
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(d)
		}

		select {
		case <-e.stop:
			return
		case <-e.wake:
			continue
		case <-timer.C:
			e.fireExpired()
		}
	}
}

func (e *Engine) fireExpired() {
	now := time.Now()
	var toNotify []int

	e.mu.Lock()
	for e.pq.Len() > 0 && !e.pq[0].deadline.After(now) {
		item := heap.Pop(&e.pq).(timerItem)
		s, ok := e.states[item.zoneID]
		if !ok || item.version != s.armVersion {
			continue // stale, superseded by a later re-arm
		}
		if s.status != model.ZoneHazard {
			continue
		}
		s.status = model.ZoneNormal
		toNotify = append(toNotify, item.zoneID)
	}
	e.mu.Unlock()

	for _, id := range toNotify {
		e.onChange(id, model.ZoneNormal)
	}
}
