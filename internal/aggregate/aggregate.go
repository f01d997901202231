// Package aggregate turns the selection state into the per-category
// equipment change records delivered to the parent form, and projects such
// records back onto selection keys when the parent re-hydrates the form.
package aggregate

import (
	"time"

	"github.com/pitabwire/intake/internal/catalog"
	"github.com/pitabwire/intake/internal/policy"
	"github.com/pitabwire/intake/internal/selection"
	"github.com/pitabwire/intake/model"
)

// Input is the state one aggregation reads.
type Input struct {
	Catalog *catalog.Catalog
	Store   *selection.Store
	Prior   []model.BookedItem
	Policy  *policy.Policy
	// Version returns the last user version of a category. May be nil.
	Version func(category string) uint64
	Now     time.Time
}

// Aggregate builds one record per category that has something to persist,
// in catalog order, followed by the acknowledgement record. When the
// acknowledgement item belongs to a visible category its entry joins that
// category's record instead. Every call rebuilds the full batch.
func Aggregate(in Input) []model.EquipmentChange {
	ack, hasAck := acknowledgementEntry(in)
	ackDirty := in.Store.Touched(in.Policy.Acknowledgement.Key)

	var out []model.EquipmentChange
	for _, cat := range in.Catalog.Categories() {
		entries := categoryEntries(in, cat)
		if cat.Name == in.Policy.Tilt.Category {
			entries = append(entries, tiltEntries(in, cat)...)
		}
		dirty := categoryDirty(in.Store, cat, in.Policy)
		if hasAck && ack.CategoryName == cat.Name {
			entries = append(entries, ack)
			dirty = dirty || ackDirty
			hasAck = false
		}
		if len(entries) == 0 {
			continue
		}
		out = append(out, in.record(cat.Name, entries, dirty))
	}
	if hasAck {
		out = append(out, in.record(ack.CategoryName, []model.EquipmentEntry{ack}, ackDirty))
	}
	return out
}

func (in Input) record(category string, entries []model.EquipmentEntry, dirty bool) model.EquipmentChange {
	var version uint64
	if in.Version != nil {
		version = in.Version(category)
	}
	return model.EquipmentChange{
		Category:    category,
		Equipments:  entries,
		IsDirty:     dirty,
		LastUpdated: in.Now,
		Version:     version,
	}
}

func entry(it model.SelectableItem, v bool) model.EquipmentEntry {
	return model.EquipmentEntry{SelectableItem: it, Value: v}
}

func categoryEntries(in Input, cat model.Category) []model.EquipmentEntry {
	value := in.Store.Value(cat.Name)
	prior := selection.PriorItems(cat, in.Prior)

	switch cat.Type {
	case model.CategoryBinary:
		if value.IsNull() || len(cat.Items) == 0 {
			return nil
		}
		return []model.EquipmentEntry{entry(cat.Items[0], value.IsYes())}

	case model.CategorySingleSelect:
		return singleEntries(cat, value, prior)

	case model.CategoryMultiSelect:
		return diffEntries(cat, value, prior)

	case model.CategoryConfirmationSingle, model.CategoryConfirmationMulti:
		gate := in.Store.Value(model.ConfirmKey(cat.Name))
		switch {
		case gate.IsNo():
			return deselect(prior)
		case !gate.IsYes():
			return nil
		case cat.Type.IsMulti():
			return diffEntries(cat, value, prior)
		default:
			return singleEntries(cat, value, prior)
		}

	case model.CategorySpecial:
		return specialEntries(in, cat, prior)
	}
	return nil
}

// singleEntries records the chosen item. Clearing a previously saved choice
// records the saved items as deselected.
func singleEntries(cat model.Category, value model.Value, prior []model.SelectableItem) []model.EquipmentEntry {
	if value.IsEmpty() {
		return deselect(prior)
	}
	for _, it := range cat.Items {
		if value.Contains(it.ID) {
			return []model.EquipmentEntry{entry(it, true)}
		}
	}
	return nil
}

// diffEntries records newly selected items as true and saved items that are
// no longer selected as false. Unchanged items are omitted.
func diffEntries(cat model.Category, value model.Value, prior []model.SelectableItem) []model.EquipmentEntry {
	saved := make(map[string]bool, len(prior))
	for _, it := range prior {
		saved[it.ID] = true
	}
	var out []model.EquipmentEntry
	for _, it := range cat.Items {
		selected := value.Contains(it.ID)
		switch {
		case selected && !saved[it.ID]:
			out = append(out, entry(it, true))
		case !selected && saved[it.ID]:
			out = append(out, entry(it, false))
		}
	}
	return out
}

func deselect(items []model.SelectableItem) []model.EquipmentEntry {
	var out []model.EquipmentEntry
	for _, it := range items {
		out = append(out, entry(it, false))
	}
	return out
}

// specialEntries emits one entry per item with a positive quantity, and a
// false entry for saved items brought down to zero.
func specialEntries(in Input, cat model.Category, prior []model.SelectableItem) []model.EquipmentEntry {
	saved := make(map[string]bool, len(prior))
	for _, it := range prior {
		saved[it.ID] = true
	}
	var out []model.EquipmentEntry
	for _, it := range cat.Items {
		q, ok := in.Store.Quantity(it.ID)
		if !ok {
			continue
		}
		switch {
		case q.Quantity > 0:
			e := entry(it, true)
			e.MetaData = &model.EntryMeta{Quantity: q.Quantity, Source: q.Source}
			out = append(out, e)
		case saved[it.ID]:
			e := entry(it, false)
			e.MetaData = &model.EntryMeta{Quantity: 0, Source: q.Source}
			out = append(out, e)
		}
	}
	return out
}

// tiltEntries appends the hidden tilt confirmation item. A choice other than
// the tilt variant records it as false so "not applicable" is distinct from
// "not decided"; the tilt variant records the tilt answer once given.
func tiltEntries(in Input, cat model.Category) []model.EquipmentEntry {
	rule := in.Policy.Tilt
	if !rule.Enabled() {
		return nil
	}
	confirm, ok := in.Catalog.ItemNamed(rule.Category, rule.ConfirmItem)
	if !ok {
		return nil
	}
	value := in.Store.Value(cat.Name)
	if value.IsEmpty() {
		return nil
	}
	variant, hasVariant := in.Catalog.ItemNamed(rule.Category, rule.VariantItem)
	if !hasVariant || !value.Contains(variant.ID) {
		return []model.EquipmentEntry{entry(confirm, false)}
	}
	tilt := in.Store.Tilt()
	if tilt.IsNull() {
		return nil
	}
	return []model.EquipmentEntry{entry(confirm, tilt.IsYes())}
}

// acknowledgementEntry returns the entry of the acknowledgement item once
// the user acknowledged or the saved booking carries it.
func acknowledgementEntry(in Input) (model.EquipmentEntry, bool) {
	rule := in.Policy.Acknowledgement
	if !rule.Enabled() {
		return model.EquipmentEntry{}, false
	}
	item, ok := in.Catalog.ItemNamed("", rule.Item)
	if !ok {
		return model.EquipmentEntry{}, false
	}
	acked := in.Store.Acknowledged()
	if !acked && !priorHas(in.Prior, rule.Item) {
		return model.EquipmentEntry{}, false
	}
	return entry(item, acked), true
}

func priorHas(prior []model.BookedItem, name string) bool {
	for _, b := range prior {
		if b.Name == name {
			return true
		}
	}
	return false
}

func categoryDirty(s *selection.Store, cat model.Category, pol *policy.Policy) bool {
	if s.Touched(cat.Name) {
		return true
	}
	if cat.Type.IsConfirmation() && s.Touched(model.ConfirmKey(cat.Name)) {
		return true
	}
	if cat.Name == pol.Tilt.Category && s.Touched(pol.Tilt.Key) {
		return true
	}
	if cat.Type == model.CategorySpecial {
		for _, it := range cat.Items {
			if q, ok := s.Quantity(it.ID); ok && q.UserModified {
				return true
			}
		}
	}
	return false
}
