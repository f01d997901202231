package policy

import (
	"fmt"
	"slices"

	"github.com/google/cel-go/cel"

	"github.com/pitabwire/intake/model"
)

// Policy answers requiredness questions against live selections. Conditional
// expressions are compiled once by New and evaluated on every call.
type Policy struct {
	*Table

	env      *cel.Env
	programs map[string]cel.Program
}

// New compiles the conditional requiredness expressions of t.
func New(t *Table) (*Policy, error) {
	env, err := cel.NewEnv(
		cel.Variable("selections", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: create CEL environment: %w", err)
	}

	p := &Policy{
		Table:    t,
		env:      env,
		programs: make(map[string]cel.Program, len(t.Requiredness.Conditional)),
	}
	for name, expr := range t.Requiredness.Conditional {
		ast, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("policy: conditional %q: compile: %w", name, issues.Err())
		}
		prg, err := env.Program(ast, cel.CostLimit(10000))
		if err != nil {
			return nil, fmt.Errorf("policy: conditional %q: program: %w", name, err)
		}
		p.programs[name] = prg
	}
	return p, nil
}

// IsRequired reports whether category name must hold a selection. The rules
// are checked in order: always-required, never-required, conditional
// expression, dependency on a parent's value, and finally the type default
// (binary and single_select are required).
func (p *Policy) IsRequired(name string, typ model.CategoryType, selections map[string]model.Value) bool {
	if slices.Contains(p.Requiredness.Always, name) {
		return true
	}
	if slices.Contains(p.Requiredness.Never, name) {
		return false
	}
	if prg, ok := p.programs[name]; ok {
		required, err := evalBool(prg, selections)
		if err == nil {
			return required
		}
		// An expression that cannot be evaluated falls through to the
		// dependency and type rules.
	}
	if dep, ok := p.DependencyOf(name); ok {
		return selections[dep.Parent].Equal(model.Scalar(dep.When))
	}
	return typ == model.CategoryBinary || typ == model.CategorySingleSelect
}

// DependencyActive reports whether the parent of dependency d currently holds
// its triggering value.
func (p *Policy) DependencyActive(d Dependency, selections map[string]model.Value) bool {
	return selections[d.Parent].Equal(model.Scalar(d.When))
}

func evalBool(prg cel.Program, selections map[string]model.Value) (bool, error) {
	vars := make(map[string]any, len(selections))
	for k, v := range selections {
		vars[k] = v.Any()
	}
	out, _, err := prg.Eval(map[string]any{"selections": vars})
	if err != nil {
		return false, err
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression returned %T, want bool", out.Value())
	}
	return b, nil
}
