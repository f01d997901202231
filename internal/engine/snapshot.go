package engine

import (
	"slices"

	"github.com/pitabwire/intake/model"
)

// Snapshot is a read-only view of a session for rendering and debugging.
type Snapshot struct {
	SessionID    string                        `json:"session_id"`
	BookingID    string                        `json:"booking_id"`
	BookingType  string                        `json:"booking_type"`
	Alive        bool                          `json:"alive"`
	Loaded       bool                          `json:"loaded"`
	Disabled     bool                          `json:"disabled"`
	Categories   []model.Category              `json:"categories"`
	Values       map[string]model.Value        `json:"values"`
	Quantities   map[string]model.QuantityMeta `json:"quantities"`
	Acknowledged bool                          `json:"acknowledged"`
	Tilt         model.Value                   `json:"tilt"`
	Touched      []string                      `json:"touched"`
	Errors       map[string]string             `json:"errors"`
	Valid        bool                          `json:"valid"`
	Changes      []model.EquipmentChange       `json:"changes"`
	Locks        []string                      `json:"locks"`
}

// Snapshot returns the current state of the session.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.state
	snap := Snapshot{
		SessionID:   e.sessionID,
		BookingID:   e.bookingID,
		BookingType: s.BookingType,
		Alive:       s.Alive,
		Loaded:      s.Seeded,
		Disabled:    s.Disabled,
		Categories:  []model.Category{},
		Values:      map[string]model.Value{},
		Quantities:  map[string]model.QuantityMeta{},
		Touched:     []string{},
		Errors:      map[string]string{},
		Valid:       s.Valid,
		Changes:     slices.Clone(s.Changes),
		Locks:       s.Guard.ActiveLocks(e.clock.Now()),
	}
	if s.Catalog != nil && s.Catalog.Len() > 0 {
		snap.Categories = slices.Clone(s.Catalog.Categories())
	}
	if s.Store != nil {
		snap.Values = s.Store.Values()
		snap.Quantities = s.Store.Quantities()
		snap.Acknowledged = s.Store.Acknowledged()
		snap.Tilt = s.Store.Tilt()
		snap.Touched = s.Store.TouchedKeys()
		snap.Errors = s.Store.Errors()
	}
	if snap.Changes == nil {
		snap.Changes = []model.EquipmentChange{}
	}
	if snap.Locks == nil {
		snap.Locks = []string{}
	}
	return snap
}
