package engine

import (
	"maps"
	"slices"
	"time"

	"github.com/pitabwire/intake/internal/catalog"
	"github.com/pitabwire/intake/internal/guard"
	"github.com/pitabwire/intake/internal/selection"
	"github.com/pitabwire/intake/model"
)

// State is everything one form session knows. The reducer never mutates a
// State it was given.
type State struct {
	SessionID   string
	BookingType string
	Prefill     map[string]int
	Disabled    bool
	Alive       bool

	Seeded  bool
	Catalog *catalog.Catalog
	Prior   []model.BookedItem
	Store   *selection.Store
	Guard   *guard.Guard

	// Changes and Valid hold the outcome of the last settled pass.
	Changes []model.EquipmentChange
	Valid   bool
}

// NewState returns the state of a freshly mounted session.
func NewState(sessionID, bookingType string, prefill map[string]int, disabled bool, window, quiet time.Duration) State {
	return State{
		SessionID:   sessionID,
		BookingType: bookingType,
		Prefill:     maps.Clone(prefill),
		Disabled:    disabled,
		Alive:       true,
		Guard:       guard.New(window, quiet),
	}
}

// Clone returns a deep copy of s. The catalog is immutable and shared.
func (s State) Clone() State {
	c := s
	c.Prior = slices.Clone(s.Prior)
	c.Guard = s.Guard.Clone()
	if s.Store != nil {
		c.Store = s.Store.Clone()
	}
	c.Changes = slices.Clone(s.Changes)
	return c
}
