// Package access implements the Access Controller: it classifies
// coordinate-transformed detections into hazard, unauthorized-access
// or dropped, consulting a mutable per-area authority cache.
package access

import (
	"fmt"
	"sync"

	"github.com/samber/lo"

	"github.com/airfield/surface-safety-server/internal/model"
)

// ErrBadAuthorityVector is returned by SetAuthorityVector when the
// supplied levels fail validation; the cache is left untouched.
var ErrBadAuthorityVector = fmt.Errorf("access: authority vector must have %d elements, each in {1,2,3}", model.ZoneCount)

var hazardClasses = map[model.ObjectClass]bool{
	model.ClassBird:   true,
	model.ClassFOD:    true,
	model.ClassAnimal: true,
}

var ignoredClasses = map[model.ObjectClass]bool{
	model.ClassAirplane: true,
	model.ClassAircraft: true,
}

var exemptFromAuthOnly = map[model.ObjectClass]bool{
	model.ClassWorkPerson:  true,
	model.ClassWorkVehicle: true,
}

// Controller holds the per-area authority cache.
type Controller struct {
	mu    sync.RWMutex
	level map[int]model.AuthorityLevel
}

// New creates a Controller seeded with the given area→level map. Areas
// absent from the seed default to AUTH_ONLY on lookup.
func New(seed map[int]model.AuthorityLevel) *Controller {
	c := &Controller{level: make(map[int]model.AuthorityLevel, len(seed))}
	for k, v := range seed {
		c.level[k] = v
	}
	return c
}

// AuthorityVector returns the current level for zones 1..ZoneCount, in
// order, for the AC_AC command.
func (c *Controller) AuthorityVector() [model.ZoneCount]model.AuthorityLevel {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out [model.ZoneCount]model.AuthorityLevel
	for i := range out {
		out[i] = c.levelLocked(i + 1)
	}
	return out
}

// SetAuthorityVector validates and atomically replaces the cache for
// zones 1..ZoneCount. persist is invoked with the validated vector
// before the cache is swapped in; if it returns an error, the cache is
// left untouched and that error is returned.
func (c *Controller) SetAuthorityVector(levels []model.AuthorityLevel, persist func([model.ZoneCount]model.AuthorityLevel) error) error {
	if len(levels) != model.ZoneCount {
		return ErrBadAuthorityVector
	}
	var vec [model.ZoneCount]model.AuthorityLevel
	for i, lvl := range levels {
		if lvl != model.AuthorityOpen && lvl != model.AuthorityAuthOnly && lvl != model.AuthorityNoEntry {
			return ErrBadAuthorityVector
		}
		vec[i] = lvl
	}

	if persist != nil {
		if err := persist(vec); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i, lvl := range vec {
		c.level[i+1] = lvl
	}
	return nil
}

// ReplaceAll swaps the entire cache for the given area→level map, used
// when reloading access conditions from the repository after a commit.
func (c *Controller) ReplaceAll(levels map[int]model.AuthorityLevel) {
	next := make(map[int]model.AuthorityLevel, len(levels))
	for k, v := range levels {
		next[k] = v
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.level = next
}

func (c *Controller) levelLocked(areaID int) model.AuthorityLevel {
	if lvl, ok := c.level[areaID]; ok {
		return lvl
	}
	return model.AuthorityAuthOnly
}

func (c *Controller) authorityFor(areaID int) model.AuthorityLevel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.levelLocked(areaID)
}

// Evaluate classifies a batch of coordinate-transformed detections,
// returning the subset to fan out as ME_OD and consider for ME_FD /
// zone state update. The returned detections carry EventType and
// RescueLevel; the input slice is not modified.
func (c *Controller) Evaluate(detections []model.Detection) []model.Detection {
	candidates := lo.Filter(detections, func(d model.Detection, _ int) bool {
		return !ignoredClasses[d.Class]
	})

	kept := make([]model.Detection, 0, len(candidates))
	for i := range candidates {
		if c.classify(&candidates[i]) {
			kept = append(kept, candidates[i])
		}
	}
	return kept
}

// classify applies the §4.5 algorithm to a single detection, mutating
// it in place, and reports whether it should be included downstream.
func (c *Controller) classify(d *model.Detection) bool {
	if ignoredClasses[d.Class] {
		return false
	}

	if hazardClasses[d.Class] {
		d.EventType = model.EventHazard
		return true
	}

	if d.Class == model.ClassPerson {
		if d.Pose == model.PoseFallen {
			d.RescueLevel = 1
		} else {
			d.RescueLevel = 0
		}
	}

	if !d.HasArea {
		d.EventType = model.EventUnauth
		return true
	}

	switch c.authorityFor(d.AreaID) {
	case model.AuthorityOpen:
		return false
	case model.AuthorityAuthOnly:
		if exemptFromAuthOnly[d.Class] {
			return false
		}
		d.EventType = model.EventUnauth
		return true
	case model.AuthorityNoEntry:
		d.EventType = model.EventUnauth
		return true
	default:
		d.EventType = model.EventUnauth
		return true
	}
}
