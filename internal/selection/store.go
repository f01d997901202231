// Package selection holds the live selection state of one intake form:
// category values, special-category quantities, the touched set, surfaced
// errors and the synthetic acknowledgement and tilt flags.
package selection

import (
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/pitabwire/intake/model"
)

// Store is the mutable selection state. It is not safe for concurrent use;
// the engine serializes access.
type Store struct {
	types      map[string]model.CategoryType
	options    map[string]map[string]bool
	values     map[string]model.Value
	quantities map[string]model.QuantityMeta
	touched    map[string]bool
	errors     map[string]string

	acknowledged bool
	tilt         model.Value
}

// NewStore creates an empty store for categories of the given types.
// options lists the visible item ids of each category; selections naming any
// other id are rejected.
func NewStore(types map[string]model.CategoryType, options map[string][]string) *Store {
	return &Store{
		types:      maps.Clone(types),
		options:    optionSets(options),
		values:     make(map[string]model.Value),
		quantities: make(map[string]model.QuantityMeta),
		touched:    make(map[string]bool),
		errors:     make(map[string]string),
	}
}

// Clone returns a deep copy of s.
func (s *Store) Clone() *Store {
	c := &Store{
		types:        s.types,
		options:      s.options,
		values:       make(map[string]model.Value, len(s.values)),
		quantities:   maps.Clone(s.quantities),
		touched:      maps.Clone(s.touched),
		errors:       maps.Clone(s.errors),
		acknowledged: s.acknowledged,
		tilt:         s.tilt,
	}
	for k, v := range s.values {
		c.values[k] = v.Clone()
	}
	return c
}

// SetOptions replaces the visible item ids of every category. Held values
// are kept; the next write to a category is checked against the new ids.
func (s *Store) SetOptions(options map[string][]string) {
	s.options = optionSets(options)
}

func optionSets(options map[string][]string) map[string]map[string]bool {
	out := make(map[string]map[string]bool, len(options))
	for name, ids := range options {
		set := make(map[string]bool, len(ids))
		for _, id := range ids {
			set[id] = true
		}
		out[name] = set
	}
	return out
}

// Resolve maps a selection key to its category and reports whether the key
// addresses the confirmation gate of that category.
func (s *Store) Resolve(key string) (category string, typ model.CategoryType, gate bool, ok bool) {
	if typ, ok := s.types[key]; ok {
		return key, typ, false, true
	}
	if name, found := strings.CutPrefix(key, model.ConfirmPrefix); found {
		if typ, ok := s.types[name]; ok && typ.IsConfirmation() {
			return name, typ, true, true
		}
	}
	return "", "", false, false
}

// Type returns the type of category name.
func (s *Store) Type(name string) (model.CategoryType, bool) {
	t, ok := s.types[name]
	return t, ok
}

// Value returns the value held under key.
func (s *Store) Value(key string) model.Value {
	return s.values[key]
}

// Values returns a copy of every held value keyed by selection key.
func (s *Store) Values() map[string]model.Value {
	out := make(map[string]model.Value, len(s.values))
	for k, v := range s.values {
		out[k] = v.Clone()
	}
	return out
}

// SetValue writes v under key. With isConfirmation set, a bare category name
// addresses its confirmation gate. The value shape must match the slot:
// gates and binary categories hold yes/no tags, single-select slots hold one
// visible item id of the category, multi-select slots hold a list of them.
// Special categories are written through SetQuantity.
func (s *Store) SetValue(key string, v model.Value, isConfirmation bool) error {
	if isConfirmation && !strings.HasPrefix(key, model.ConfirmPrefix) {
		key = model.ConfirmKey(key)
	}
	category, typ, gate, ok := s.Resolve(key)
	if !ok {
		return model.NewUnknownKeyError(key)
	}
	if err := checkShape(key, typ, gate, v); err != nil {
		return err
	}
	if !gate && typ != model.CategoryBinary {
		if err := s.checkItems(key, category, v); err != nil {
			return err
		}
	}
	s.put(key, v)
	return nil
}

// put stores v under key. Null values are not kept, so absent and null read
// the same.
func (s *Store) put(key string, v model.Value) {
	if v.IsNull() {
		delete(s.values, key)
		return
	}
	s.values[key] = v.Clone()
}

// Clear resets a category, its gate and its errors.
func (s *Store) Clear(name string) {
	typ, ok := s.types[name]
	if !ok {
		return
	}
	delete(s.values, name)
	delete(s.errors, name)
	if typ.IsConfirmation() {
		delete(s.values, model.ConfirmKey(name))
		delete(s.errors, model.ConfirmKey(name))
	}
}

func checkShape(key string, typ model.CategoryType, gate bool, v model.Value) error {
	if v.IsNull() {
		return nil
	}
	switch {
	case gate || typ == model.CategoryBinary:
		if v.IsYes() || v.IsNo() {
			return nil
		}
	case typ == model.CategorySingleSelect || typ == model.CategoryConfirmationSingle:
		if v.Kind == model.ValueScalar {
			return nil
		}
	case typ.IsMulti():
		if v.Kind == model.ValueList {
			return nil
		}
	}
	return model.NewShapeMismatchError(key, typ, v.Kind)
}

// checkItems rejects item ids that are not visible choices of category.
func (s *Store) checkItems(key, category string, v model.Value) error {
	allowed := s.options[category]
	for _, id := range v.IDs() {
		if !allowed[id] {
			return model.NewUnknownItemError(key, id)
		}
	}
	return nil
}

// Quantity returns the quantity entry of a special-category item and
// whether one exists.
func (s *Store) Quantity(itemID string) (model.QuantityMeta, bool) {
	q, ok := s.quantities[itemID]
	return q, ok
}

// Quantities returns a copy of every quantity entry.
func (s *Store) Quantities() map[string]model.QuantityMeta {
	return maps.Clone(s.quantities)
}

// SetQuantity writes a clamped quantity. User input marks the entry as user
// modified; no later automated write can clear that mark.
func (s *Store) SetQuantity(itemID string, quantity int, source model.QuantitySource, now time.Time) model.QuantityMeta {
	prev := s.quantities[itemID]
	q := model.QuantityMeta{
		Quantity:     model.ClampQuantity(quantity),
		Source:       source,
		UserModified: prev.UserModified || source == model.SourceUserInput,
		LastModified: now,
	}
	s.quantities[itemID] = q
	return q
}

// seedQuantity writes an automated quantity unless the user owns the entry.
func (s *Store) seedQuantity(itemID string, quantity int, source model.QuantitySource, now time.Time) bool {
	if s.quantities[itemID].UserModified {
		return false
	}
	s.SetQuantity(itemID, quantity, source, now)
	return true
}

// ApplyExternalQuantity writes a quantity received from outside the form as
// saved data. Unless force is set, user-modified entries are kept.
func (s *Store) ApplyExternalQuantity(itemID string, quantity int, now time.Time, force bool) bool {
	if !force {
		return s.seedQuantity(itemID, quantity, model.SourceSaved, now)
	}
	s.SetQuantity(itemID, quantity, model.SourceSaved, now)
	return true
}

// Touch marks key as interacted with.
func (s *Store) Touch(key string) { s.touched[key] = true }

// Touched reports whether key was interacted with.
func (s *Store) Touched(key string) bool { return s.touched[key] }

// AnyTouched reports whether anything was interacted with.
func (s *Store) AnyTouched() bool { return len(s.touched) > 0 }

// TouchedKeys returns the touched keys in sorted order.
func (s *Store) TouchedKeys() []string {
	return slices.Sorted(maps.Keys(s.touched))
}

// SetErrors replaces the surfaced error map.
func (s *Store) SetErrors(errs map[string]string) {
	s.errors = maps.Clone(errs)
	if s.errors == nil {
		s.errors = make(map[string]string)
	}
}

// ClearError drops the surfaced error of key.
func (s *Store) ClearError(key string) { delete(s.errors, key) }

// Errors returns a copy of the surfaced error map.
func (s *Store) Errors() map[string]string { return maps.Clone(s.errors) }

// Acknowledged reports the acknowledgement flag.
func (s *Store) Acknowledged() bool { return s.acknowledged }

// SetAcknowledged sets the acknowledgement flag.
func (s *Store) SetAcknowledged(v bool) { s.acknowledged = v }

// Tilt returns the tilt follow-up answer.
func (s *Store) Tilt() model.Value { return s.tilt }

// SetTilt sets the tilt follow-up answer, which must be a yes/no tag or null.
func (s *Store) SetTilt(key string, v model.Value) error {
	if !v.IsNull() && !v.IsYes() && !v.IsNo() {
		return model.NewShapeMismatchError(key, model.CategoryBinary, v.Kind)
	}
	s.tilt = v
	return nil
}
