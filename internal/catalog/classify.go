// Package catalog groups fetched selectable items into categories, assigns
// each category its selection type, and fetches catalog and booking data from
// the equipment backend.
package catalog

import (
	"slices"

	"github.com/pitabwire/intake/internal/policy"
	"github.com/pitabwire/intake/model"
)

// Classify assigns a type to every category in groups. It is a pure
// function of its inputs.
func Classify(groups map[string][]model.SelectableItem, rules policy.ClassificationRules) map[string]model.CategoryType {
	types := make(map[string]model.CategoryType, len(groups))
	for name, items := range groups {
		types[name] = ClassifyCategory(name, items, rules)
	}
	return types
}

// ClassifyCategory assigns a type to one category. Forced lists are checked
// first in priority order, then the shape of the visible items decides.
func ClassifyCategory(name string, items []model.SelectableItem, rules policy.ClassificationRules) model.CategoryType {
	switch {
	case slices.Contains(rules.Special, name):
		return model.CategorySpecial
	case slices.Contains(rules.SingleSelect, name):
		return model.CategorySingleSelect
	case slices.Contains(rules.ConfirmationSingle, name):
		return model.CategoryConfirmationSingle
	case slices.Contains(rules.MultiSelect, name):
		return model.CategoryMultiSelect
	}

	grouped := slices.ContainsFunc(items, func(it model.SelectableItem) bool { return it.Grouped })
	switch {
	case len(items) == 0:
		return model.CategorySingleSelect
	case grouped:
		if rules.ConfirmationGateHeuristic {
			return model.CategoryConfirmationMulti
		}
		return model.CategoryMultiSelect
	case len(items) == 1:
		return model.CategoryBinary
	default:
		return model.CategorySingleSelect
	}
}
