// Package fixture provides the equipment catalog and policy shared by
// package tests.
package fixture

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pitabwire/intake/internal/catalog"
	"github.com/pitabwire/intake/internal/policy"
	"github.com/pitabwire/intake/model"
)

// Item returns an active catalog item.
func Item(id, name, category string, order int) model.SelectableItem {
	return model.SelectableItem{ID: id, Name: name, CategoryName: category, Order: order, Status: model.StatusActive}
}

// Hidden returns an active hidden catalog item.
func Hidden(id, name, category string) model.SelectableItem {
	it := Item(id, name, category, 99)
	it.Hidden = true
	return it
}

// Booked returns it as a saved booking item, with a quantity when given.
func Booked(it model.SelectableItem, qty ...int) model.BookedItem {
	b := model.BookedItem{SelectableItem: it}
	if len(qty) > 0 {
		q := qty[0]
		b.Meta.Quantity = &q
	}
	return b
}

// Items is a catalog covering every category type and both synthetic flags.
//
//	ceiling_hoist   binary               h1
//	sling           single_select        s1 s2
//	bathroom_aids   multi_select         b1 b2 b3
//	wheelchair      confirmation_single  w1 w2
//	infant_care     special              hc cot bb
//	shower_commode  single_select        sc1 sc2 (+ hidden tc)
//	acknowledgement hidden only          ack
func Items() []model.SelectableItem {
	return []model.SelectableItem{
		Item("h1", "Ceiling Hoist", "ceiling_hoist", 1),
		Item("s1", "Hammock Sling", "sling", 2),
		Item("s2", "Standard Sling", "sling", 3),
		Item("b1", "Shower Chair", "bathroom_aids", 4),
		Item("b2", "Grab Rail", "bathroom_aids", 5),
		Item("b3", "Bath Board", "bathroom_aids", 6),
		Item("w1", "Manual Wheelchair", "wheelchair", 7),
		Item("w2", "Power Wheelchair", "wheelchair", 8),
		Item("hc", "High Chair", "infant_care", 9),
		Item("cot", "Portable Cot", "infant_care", 10),
		Item("bb", "Baby Bath", "infant_care", 11),
		Item("sc1", "Standard Shower Commode", "shower_commode", 12),
		Item("sc2", "High Back Tilt Shower Commode", "shower_commode", 13),
		Hidden("tc", "Tilt Confirmation", "shower_commode"),
		Hidden("ack", "Equipment Acknowledgement", "acknowledgement"),
	}
}

// Policy compiles the built-in policy table, after letting mutate adjust it.
func Policy(t testing.TB, mutate ...func(*policy.Table)) *policy.Policy {
	t.Helper()
	table, err := policy.Default()
	require.NoError(t, err)
	for _, m := range mutate {
		m(table)
	}
	p, err := policy.New(table)
	require.NoError(t, err)
	return p
}

// Catalog builds Items under the classification rules of p.
func Catalog(p *policy.Policy) *catalog.Catalog {
	return catalog.Build(Items(), p.Classification)
}
