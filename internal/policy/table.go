// Package policy holds the declarative category policy table: forced
// classifications, requiredness allow-lists, conditional requiredness
// expressions, cross-category dependencies and the synthetic flag bindings.
package policy

import (
	"slices"

	"github.com/pitabwire/intake/model"
)

// Table is the category policy passed into the engine. It is immutable after
// loading and safe for concurrent reads.
type Table struct {
	Version         string              `yaml:"version"`
	Classification  ClassificationRules `yaml:"classification"`
	Requiredness    RequirednessRules   `yaml:"requiredness"`
	Dependencies    []Dependency        `yaml:"dependencies"`
	Special         SpecialRules        `yaml:"special"`
	Tilt            TiltRule            `yaml:"tilt"`
	Acknowledgement AcknowledgementRule `yaml:"acknowledgement"`
	Messages        map[string]string   `yaml:"messages"`
}

// ClassificationRules are the forced-type allow-lists consulted by the
// classifier before shape rules apply.
type ClassificationRules struct {
	Special            []string `yaml:"special"`
	SingleSelect       []string `yaml:"single_select"`
	ConfirmationSingle []string `yaml:"confirmation_single"`
	MultiSelect        []string `yaml:"multi_select"`

	// ConfirmationGateHeuristic turns grouped categories into
	// confirmation_multi instead of multi_select.
	ConfirmationGateHeuristic bool `yaml:"confirmation_gate_heuristic"`
}

// RequirednessRules lists always- and never-required categories and
// conditional predicates keyed by category name.
type RequirednessRules struct {
	Always      []string          `yaml:"always"`
	Never       []string          `yaml:"never"`
	Conditional map[string]string `yaml:"conditional"`
}

// Dependency makes Child meaningful only while Parent holds When. Setting the
// parent to anything else clears the child.
type Dependency struct {
	Parent string `yaml:"parent"`
	Child  string `yaml:"child"`
	When   string `yaml:"when"`
	// Safety errors are surfaced regardless of touched state.
	Safety bool `yaml:"safety"`
}

// SpecialRules binds special-category items to external prefill keys.
type SpecialRules struct {
	// PrefillKeys maps an item name to the question identifier used by the
	// external prefill map. Items without an entry use their normalized name.
	PrefillKeys map[string]string `yaml:"prefill_keys"`
}

// TiltRule describes the shower-commode tilt follow-up question.
type TiltRule struct {
	Category    string `yaml:"category"`
	VariantItem string `yaml:"variant_item"`
	ConfirmItem string `yaml:"confirm_item"`
	Key         string `yaml:"key"`
}

// Enabled reports whether the rule is configured.
func (r TiltRule) Enabled() bool { return r.Category != "" && r.ConfirmItem != "" }

// AcknowledgementRule describes the acknowledgement checkbox.
type AcknowledgementRule struct {
	Item               string   `yaml:"item"`
	Key                string   `yaml:"key"`
	ExemptBookingTypes []string `yaml:"exempt_booking_types"`
}

// Enabled reports whether the rule is configured.
func (r AcknowledgementRule) Enabled() bool { return r.Item != "" }

// RequiredFor reports whether bookings of bookingType must acknowledge.
func (r AcknowledgementRule) RequiredFor(bookingType string) bool {
	return r.Enabled() && !slices.Contains(r.ExemptBookingTypes, bookingType)
}

// Message keys.
const (
	MsgSelectOption     = "select_option"
	MsgAnswerYesNo      = "answer_yes_no"
	MsgSelectAtLeastOne = "select_at_least_one"
	MsgQuantityRange    = "quantity_range"
	MsgQuantityRequired = "quantity_required"
	MsgDependentChild   = "dependent_child"
	MsgAcknowledge      = "acknowledge"
	MsgTiltConfirm      = "tilt_confirm"
)

var defaultMessages = map[string]string{
	MsgSelectOption:     "Please select an option",
	MsgAnswerYesNo:      "Please answer yes or no",
	MsgSelectAtLeastOne: "Please choose at least one item",
	MsgQuantityRange:    "Quantity must be between 0 and 2",
	MsgQuantityRequired: "Please enter a quantity",
	MsgDependentChild:   "This selection is required for the equipment chosen above",
	MsgAcknowledge:      "Please acknowledge the equipment terms",
	MsgTiltConfirm:      "Please confirm whether tilt is required",
}

// Message returns the configured message for key, falling back to the
// built-in wording.
func (t *Table) Message(key string) string {
	if m, ok := t.Messages[key]; ok && m != "" {
		return m
	}
	return defaultMessages[key]
}

// IsSpecial reports whether name is forced to the special type.
func (t *Table) IsSpecial(name string) bool {
	return slices.Contains(t.Classification.Special, name)
}

// DependencyOf returns the dependency whose child is name.
func (t *Table) DependencyOf(name string) (Dependency, bool) {
	for _, d := range t.Dependencies {
		if d.Child == name {
			return d, true
		}
	}
	return Dependency{}, false
}

// DependentsOf returns the dependencies whose parent is name.
func (t *Table) DependentsOf(name string) []Dependency {
	var out []Dependency
	for _, d := range t.Dependencies {
		if d.Parent == name {
			out = append(out, d)
		}
	}
	return out
}

// PrefillKey returns the prefill question identifier of a special item.
func (t *Table) PrefillKey(item model.SelectableItem) string {
	if k, ok := t.Special.PrefillKeys[item.Name]; ok && k != "" {
		return k
	}
	return NormalizeName(item.Name)
}
