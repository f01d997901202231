// Package validation derives per-category validity from the live selection
// state and the requiredness policy.
package validation

import (
	"maps"

	"github.com/pitabwire/intake/internal/catalog"
	"github.com/pitabwire/intake/internal/policy"
	"github.com/pitabwire/intake/internal/selection"
	"github.com/pitabwire/intake/model"
)

// Input is the state a validation pass reads.
type Input struct {
	Catalog     *catalog.Catalog
	Store       *selection.Store
	BookingType string
}

// Result is the outcome of a validation pass. Failures holds every failed
// constraint; Errors holds the subset that is surfaced to the user.
type Result struct {
	Valid    bool
	Errors   map[string]string
	Failures map[string]string
}

// Validator is safe for concurrent use.
type Validator struct {
	policy *policy.Policy
}

// New returns a validator for the given policy.
func New(p *policy.Policy) *Validator {
	return &Validator{policy: p}
}

type pass struct {
	policy     *policy.Policy
	store      *selection.Store
	selections map[string]model.Value
	failures   map[string]string
	surfaced   map[string]string
}

func (p *pass) fail(key, msgKey string, surface bool) {
	msg := p.policy.Message(msgKey)
	p.failures[key] = msg
	if surface {
		p.surfaced[key] = msg
	} else {
		delete(p.surfaced, key)
	}
}

// Validate runs every category check, the safety dependency rule and the
// synthetic flag rules. Requiredness is evaluated against the live values on
// every call.
func (v *Validator) Validate(in Input) Result {
	p := &pass{
		policy:     v.policy,
		store:      in.Store,
		selections: in.Store.Values(),
		failures:   make(map[string]string),
		surfaced:   make(map[string]string),
	}

	for _, cat := range in.Catalog.Categories() {
		required := v.policy.IsRequired(cat.Name, cat.Type, p.selections)
		touched := p.categoryTouched(cat)
		if !required && !touched {
			continue
		}
		p.checkCategory(cat, required, touched)
	}

	p.checkSafety()
	p.checkAcknowledgement(in.BookingType)
	p.checkTilt(in.Catalog)

	return Result{
		Valid:    len(p.failures) == 0,
		Errors:   p.surfaced,
		Failures: maps.Clone(p.failures),
	}
}

func (p *pass) categoryTouched(cat model.Category) bool {
	if p.store.Touched(cat.Name) {
		return true
	}
	switch {
	case cat.Type.IsConfirmation():
		return p.store.Touched(model.ConfirmKey(cat.Name))
	case cat.Type == model.CategorySpecial:
		for _, it := range cat.Items {
			if p.store.Touched(it.ID) {
				return true
			}
		}
	}
	return false
}

func (p *pass) checkCategory(cat model.Category, required, touched bool) {
	value := p.selections[cat.Name]
	switch cat.Type {
	case model.CategorySpecial:
		for _, it := range cat.Items {
			q, ok := p.store.Quantity(it.ID)
			surface := touched || p.store.Touched(it.ID)
			switch {
			case ok && (q.Quantity < model.MinQuantity || q.Quantity > model.MaxQuantity):
				p.fail(it.ID, policy.MsgQuantityRange, surface)
			case !ok && required:
				p.fail(it.ID, policy.MsgQuantityRequired, surface)
			}
		}
	case model.CategoryBinary:
		if required && value.IsEmpty() {
			p.fail(cat.Name, policy.MsgAnswerYesNo, touched)
		}
	case model.CategoryConfirmationSingle, model.CategoryConfirmationMulti:
		gateKey := model.ConfirmKey(cat.Name)
		gate := p.selections[gateKey]
		if required && gate.IsEmpty() {
			p.fail(gateKey, policy.MsgAnswerYesNo, touched)
		}
		if gate.IsYes() && value.IsEmpty() {
			p.fail(cat.Name, nestedMessage(cat.Type), touched)
		}
	case model.CategorySingleSelect, model.CategoryMultiSelect:
		if required && value.IsEmpty() {
			p.fail(cat.Name, nestedMessage(cat.Type), touched)
		}
	}
}

func nestedMessage(t model.CategoryType) string {
	if t.IsMulti() {
		return policy.MsgSelectAtLeastOne
	}
	return policy.MsgSelectOption
}

// checkSafety fails a dependent category whose parent holds the triggering
// value while the child is empty. The error is surfaced even when nothing
// was touched.
func (p *pass) checkSafety() {
	for _, dep := range p.policy.Dependencies {
		if !dep.Safety || !p.policy.DependencyActive(dep, p.selections) {
			continue
		}
		typ, ok := p.store.Type(dep.Child)
		if !ok || !p.policy.IsRequired(dep.Child, typ, p.selections) {
			continue
		}
		if p.selections[dep.Child].IsEmpty() {
			p.fail(dep.Child, policy.MsgDependentChild, true)
		}
	}
}

func (p *pass) checkAcknowledgement(bookingType string) {
	rule := p.policy.Acknowledgement
	if !rule.RequiredFor(bookingType) || p.store.Acknowledged() {
		return
	}
	p.fail(rule.Key, policy.MsgAcknowledge, p.store.AnyTouched())
}

func (p *pass) checkTilt(c *catalog.Catalog) {
	rule := p.policy.Tilt
	if !rule.Enabled() || !p.store.Tilt().IsNull() {
		return
	}
	variant, ok := c.ItemNamed(rule.Category, rule.VariantItem)
	if !ok || !p.selections[rule.Category].Contains(variant.ID) {
		return
	}
	p.fail(rule.Key, policy.MsgTiltConfirm, p.store.Touched(rule.Key) || p.store.Touched(rule.Category))
}
