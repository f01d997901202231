package selection

import (
	"time"

	"github.com/pitabwire/intake/internal/catalog"
	"github.com/pitabwire/intake/internal/policy"
	"github.com/pitabwire/intake/model"
)

// SeedInput is everything seeding reads.
type SeedInput struct {
	Catalog *catalog.Catalog
	Prior   []model.BookedItem
	// Prefill maps prefill question identifiers to quantities for special
	// categories.
	Prefill map[string]int
	Policy  *policy.Policy
	Now     time.Time
}

// Seed derives initial values from the booking's saved items, falling back
// to prefilled quantities and then to null. Keys the user has touched and
// quantities the user has modified are left alone, so seeding can run again
// when fuller data arrives.
func (s *Store) Seed(in SeedInput) {
	prior := indexPrior(in.Prior)
	anyPrior := len(in.Prior) > 0

	for _, cat := range in.Catalog.Categories() {
		booked := prior.visibleIn(cat)
		switch cat.Type {
		case model.CategoryBinary:
			s.seedValue(cat.Name, answer(anyPrior, len(booked) > 0))
		case model.CategoryConfirmationSingle, model.CategoryConfirmationMulti:
			gate := answer(anyPrior, len(booked) > 0)
			s.seedValue(model.ConfirmKey(cat.Name), gate)
			if gate.IsYes() {
				s.seedValue(cat.Name, selectionOf(cat.Type, booked))
			} else {
				s.seedValue(cat.Name, model.Null())
			}
		case model.CategorySingleSelect, model.CategoryMultiSelect:
			s.seedValue(cat.Name, selectionOf(cat.Type, booked))
		case model.CategorySpecial:
			s.seedSpecial(cat, prior, in)
		}
	}

	s.seedDependencies(in.Policy)
	s.seedTilt(in, prior, anyPrior)
	s.seedAcknowledgement(in.Policy, prior)
}

func (s *Store) seedValue(key string, v model.Value) {
	if s.touched[key] {
		return
	}
	s.put(key, v)
}

func (s *Store) seedSpecial(cat model.Category, prior priorIndex, in SeedInput) {
	for _, item := range cat.Items {
		booked, inBooking := prior.find(cat.Name, item.Name)
		switch {
		case inBooking && booked.Meta.Quantity != nil:
			s.seedQuantity(item.ID, *booked.Meta.Quantity, model.SourceSaved, in.Now)
		case !inBooking:
			if q, ok := in.Prefill[in.Policy.PrefillKey(item)]; ok {
				s.seedQuantity(item.ID, q, model.SourcePrefilled, in.Now)
				continue
			}
			s.seedQuantity(item.ID, 0, model.SourceDefault, in.Now)
		default:
			s.seedQuantity(item.ID, 0, model.SourceDefault, in.Now)
		}
	}
}

// seedDependencies clears every dependent category whose parent does not
// hold the triggering value.
func (s *Store) seedDependencies(pol *policy.Policy) {
	for _, dep := range pol.Dependencies {
		if pol.DependencyActive(dep, s.values) {
			continue
		}
		s.seedValue(dep.Child, model.Null())
		if typ, ok := s.types[dep.Child]; ok && typ.IsConfirmation() {
			s.seedValue(model.ConfirmKey(dep.Child), model.Null())
		}
	}
}

// seedTilt answers the tilt follow-up from the hidden confirmation item of
// the booking. It only applies while the tilt variant is selected.
func (s *Store) seedTilt(in SeedInput, prior priorIndex, anyPrior bool) {
	rule := in.Policy.Tilt
	if !rule.Enabled() || s.touched[rule.Key] {
		return
	}
	variant, ok := in.Catalog.ItemNamed(rule.Category, rule.VariantItem)
	if !ok || !s.values[rule.Category].Contains(variant.ID) {
		s.tilt = model.Null()
		return
	}
	switch {
	case prior.has(rule.Category, rule.ConfirmItem):
		s.tilt = model.Scalar(model.Yes)
	case anyPrior:
		s.tilt = model.Scalar(model.No)
	default:
		s.tilt = model.Null()
	}
}

func (s *Store) seedAcknowledgement(pol *policy.Policy, prior priorIndex) {
	rule := pol.Acknowledgement
	if !rule.Enabled() || s.touched[rule.Key] {
		return
	}
	s.acknowledged = prior.hasAnywhere(rule.Item)
}

func answer(anyPrior, present bool) model.Value {
	if !anyPrior {
		return model.Null()
	}
	return model.Answer(present)
}

func selectionOf(typ model.CategoryType, items []model.SelectableItem) model.Value {
	if len(items) == 0 {
		return model.Null()
	}
	if typ.IsMulti() {
		ids := make([]string, len(items))
		for i, it := range items {
			ids[i] = it.ID
		}
		return model.List(ids...)
	}
	return model.Scalar(items[0].ID)
}

// priorIndex finds saved booking items by category and item name.
type priorIndex struct {
	byCategory map[string]map[string]model.BookedItem
	names      map[string]bool
}

func indexPrior(items []model.BookedItem) priorIndex {
	idx := priorIndex{
		byCategory: make(map[string]map[string]model.BookedItem),
		names:      make(map[string]bool),
	}
	for _, it := range items {
		if idx.byCategory[it.CategoryName] == nil {
			idx.byCategory[it.CategoryName] = make(map[string]model.BookedItem)
		}
		idx.byCategory[it.CategoryName][it.Name] = it
		idx.names[it.Name] = true
	}
	return idx
}

func (p priorIndex) find(category, name string) (model.BookedItem, bool) {
	it, ok := p.byCategory[category][name]
	return it, ok
}

func (p priorIndex) has(category, name string) bool {
	_, ok := p.find(category, name)
	return ok
}

func (p priorIndex) hasAnywhere(name string) bool { return p.names[name] }

// visibleIn returns the catalog items of cat that the booking saved, in
// catalog order. Hidden booked items never count as a selection.
func (p priorIndex) visibleIn(cat model.Category) []model.SelectableItem {
	var out []model.SelectableItem
	for _, item := range cat.Items {
		if booked, ok := p.find(cat.Name, item.Name); ok && !booked.Hidden {
			out = append(out, item)
		}
	}
	return out
}

// PriorItems returns the catalog items of cat saved against the booking.
func PriorItems(cat model.Category, prior []model.BookedItem) []model.SelectableItem {
	return indexPrior(prior).visibleIn(cat)
}
