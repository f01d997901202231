package catalog

import (
	"cmp"
	"slices"

	"github.com/pitabwire/intake/internal/policy"
	"github.com/pitabwire/intake/model"
)

// Catalog is the classified view of one catalog load. Categories are built
// from visible items only; hidden items stay reachable through the lookups.
// A Catalog is immutable once built.
type Catalog struct {
	categories []model.Category
	index      map[string]int
	items      map[string]model.SelectableItem
	byName     map[string][]model.SelectableItem
}

// Build groups items by category, classifies each group and orders the
// result by the lowest item order in each category, then by name.
func Build(items []model.SelectableItem, rules policy.ClassificationRules) *Catalog {
	c := &Catalog{
		index:  make(map[string]int),
		items:  make(map[string]model.SelectableItem, len(items)),
		byName: make(map[string][]model.SelectableItem),
	}

	groups := make(map[string][]model.SelectableItem)
	for _, it := range items {
		c.items[it.ID] = it
		c.byName[it.Name] = append(c.byName[it.Name], it)
		if it.Hidden {
			continue
		}
		groups[it.CategoryName] = append(groups[it.CategoryName], it)
	}

	types := Classify(groups, rules)
	for name, members := range groups {
		slices.SortStableFunc(members, func(a, b model.SelectableItem) int {
			return cmp.Or(cmp.Compare(a.Order, b.Order), cmp.Compare(a.Name, b.Name))
		})
		c.categories = append(c.categories, model.Category{Name: name, Type: types[name], Items: members})
	}
	slices.SortFunc(c.categories, func(a, b model.Category) int {
		return cmp.Or(cmp.Compare(a.Items[0].Order, b.Items[0].Order), cmp.Compare(a.Name, b.Name))
	})
	for i, cat := range c.categories {
		c.index[cat.Name] = i
	}
	return c
}

// Categories returns the classified categories in display order.
func (c *Catalog) Categories() []model.Category {
	return c.categories
}

// Category returns the named category.
func (c *Catalog) Category(name string) (model.Category, bool) {
	i, ok := c.index[name]
	if !ok {
		return model.Category{}, false
	}
	return c.categories[i], true
}

// Types returns the category name to type mapping.
func (c *Catalog) Types() map[string]model.CategoryType {
	out := make(map[string]model.CategoryType, len(c.categories))
	for _, cat := range c.categories {
		out[cat.Name] = cat.Type
	}
	return out
}

// Options returns the visible item ids of each category in display order.
func (c *Catalog) Options() map[string][]string {
	out := make(map[string][]string, len(c.categories))
	for _, cat := range c.categories {
		ids := make([]string, len(cat.Items))
		for i, it := range cat.Items {
			ids[i] = it.ID
		}
		out[cat.Name] = ids
	}
	return out
}

// Item looks up any item, hidden or not, by id.
func (c *Catalog) Item(id string) (model.SelectableItem, bool) {
	it, ok := c.items[id]
	return it, ok
}

// ItemNamed looks up any item, hidden or not, by name. When several items
// share the name the one in category is preferred; an empty category
// accepts the first match.
func (c *Catalog) ItemNamed(category, name string) (model.SelectableItem, bool) {
	matches := c.byName[name]
	for _, it := range matches {
		if category == "" || it.CategoryName == category {
			return it, true
		}
	}
	return model.SelectableItem{}, false
}

// Len returns the number of categories.
func (c *Catalog) Len() int { return len(c.categories) }

// FilterActive returns the items whose status is Active.
func FilterActive(items []model.SelectableItem) []model.SelectableItem {
	out := make([]model.SelectableItem, 0, len(items))
	for _, it := range items {
		if it.Status == model.StatusActive {
			out = append(out, it)
		}
	}
	return out
}
