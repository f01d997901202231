package aggregate

import (
	"maps"
	"slices"

	"github.com/pitabwire/intake/internal/catalog"
	"github.com/pitabwire/intake/internal/policy"
	"github.com/pitabwire/intake/internal/selection"
	"github.com/pitabwire/intake/model"
)

// Projection is the selection state an equipment change record describes
// for one category. Only the fields the record speaks about are set.
type Projection struct {
	Category     string                 `json:"category"`
	Values       map[string]model.Value `json:"values,omitempty"`
	Quantities   map[string]int         `json:"quantities,omitempty"`
	Tilt         *model.Value           `json:"tilt,omitempty"`
	Acknowledged *bool                  `json:"acknowledged,omitempty"`
}

// Project maps a record received from the parent form back onto selection
// keys. Multi-select records are read as a diff against the saved booking.
// The acknowledgement entry is picked out of whichever record carries its
// category. It reports false when the record names no known category.
func Project(ch model.EquipmentChange, c *catalog.Catalog, pol *policy.Policy, prior []model.BookedItem) (Projection, bool) {
	p := Projection{Category: ch.Category}

	if ack := pol.Acknowledgement; ack.Enabled() {
		if item, ok := c.ItemNamed("", ack.Item); ok && item.CategoryName == ch.Category {
			for _, e := range ch.Equipments {
				if e.Name == ack.Item || e.ID == item.ID {
					v := e.Value
					p.Acknowledged = &v
				}
			}
		}
	}

	cat, ok := c.Category(ch.Category)
	if !ok {
		if p.Acknowledged != nil {
			return p, true
		}
		return Projection{}, false
	}

	visible, tilt := splitEntries(ch, cat, pol)
	if tilt != nil {
		v := model.Answer(tilt.Value)
		p.Tilt = &v
	}

	switch cat.Type {
	case model.CategoryBinary:
		if len(visible) > 0 {
			p.Values = map[string]model.Value{cat.Name: model.Answer(visible[0].Value)}
		}

	case model.CategorySingleSelect:
		p.Values = map[string]model.Value{cat.Name: chosen(visible)}

	case model.CategoryMultiSelect:
		p.Values = map[string]model.Value{cat.Name: applyDiff(cat, prior, visible)}

	case model.CategoryConfirmationSingle, model.CategoryConfirmationMulti:
		nested := chosen(visible)
		if cat.Type.IsMulti() {
			nested = applyDiff(cat, prior, visible)
		}
		gate := model.Answer(!nested.IsEmpty())
		if nested.IsEmpty() {
			nested = model.Null()
		}
		p.Values = map[string]model.Value{
			model.ConfirmKey(cat.Name): gate,
			cat.Name:                   nested,
		}

	case model.CategorySpecial:
		p.Quantities = make(map[string]int, len(visible))
		for _, e := range visible {
			q := 0
			if e.Value {
				q = 1
				if e.MetaData != nil {
					q = e.MetaData.Quantity
				}
			}
			p.Quantities[e.ID] = model.ClampQuantity(q)
		}
	}
	return p, true
}

// splitEntries resolves each entry to its catalog item and separates the
// hidden tilt confirmation entry. The acknowledgement entry is skipped.
func splitEntries(ch model.EquipmentChange, cat model.Category, pol *policy.Policy) ([]model.EquipmentEntry, *model.EquipmentEntry) {
	var (
		visible []model.EquipmentEntry
		tilt    *model.EquipmentEntry
	)
	for _, e := range ch.Equipments {
		if cat.Name == pol.Tilt.Category && e.Name == pol.Tilt.ConfirmItem {
			tilt = &e
			continue
		}
		if pol.Acknowledgement.Enabled() && e.Name == pol.Acknowledgement.Item {
			continue
		}
		it, ok := resolve(cat, e)
		if !ok {
			continue
		}
		e.SelectableItem = it
		visible = append(visible, e)
	}
	return visible, tilt
}

func resolve(cat model.Category, e model.EquipmentEntry) (model.SelectableItem, bool) {
	for _, it := range cat.Items {
		if it.ID == e.ID {
			return it, true
		}
	}
	for _, it := range cat.Items {
		if it.Name == e.Name {
			return it, true
		}
	}
	return model.SelectableItem{}, false
}

func chosen(entries []model.EquipmentEntry) model.Value {
	for _, e := range entries {
		if e.Value {
			return model.Scalar(e.ID)
		}
	}
	return model.Null()
}

func applyDiff(cat model.Category, prior []model.BookedItem, entries []model.EquipmentEntry) model.Value {
	set := make(map[string]bool)
	for _, it := range selection.PriorItems(cat, prior) {
		set[it.ID] = true
	}
	for _, e := range entries {
		if e.Value {
			set[e.ID] = true
		} else {
			delete(set, e.ID)
		}
	}
	if len(set) == 0 {
		return model.Null()
	}
	// Catalog order keeps the value stable across projections.
	var ids []string
	for _, it := range cat.Items {
		if set[it.ID] {
			ids = append(ids, it.ID)
		}
	}
	return model.List(ids...)
}

// Held returns the part of the store that p speaks about, in the same shape,
// for no-op comparison.
func (p Projection) Held(s *selection.Store) Projection {
	h := Projection{Category: p.Category}
	if p.Values != nil {
		h.Values = make(map[string]model.Value, len(p.Values))
		for k := range p.Values {
			h.Values[k] = s.Value(k)
		}
	}
	if p.Quantities != nil {
		h.Quantities = make(map[string]int, len(p.Quantities))
		for id := range p.Quantities {
			q, _ := s.Quantity(id)
			h.Quantities[id] = q.Quantity
		}
	}
	if p.Tilt != nil {
		t := s.Tilt()
		h.Tilt = &t
	}
	if p.Acknowledged != nil {
		a := s.Acknowledged()
		h.Acknowledged = &a
	}
	return h
}

// Normalized returns p with list values sorted so that equal sets serialize
// identically.
func (p Projection) Normalized() Projection {
	out := p
	if p.Values != nil {
		out.Values = maps.Clone(p.Values)
		for k, v := range out.Values {
			if v.Kind == model.ValueList {
				ids := slices.Clone(v.List)
				slices.Sort(ids)
				out.Values[k] = model.List(ids...)
			}
		}
	}
	return out
}
