package policy

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"unicode"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// SupportedVersions is the semver constraint a policy table must satisfy.
const SupportedVersions = "^1.0.0"

//go:embed default_policy.yaml
var defaultPolicy []byte

// Default returns the built-in policy table.
func Default() (*Table, error) {
	return Parse(defaultPolicy)
}

// LoadFile reads and parses a policy table from a YAML file.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: reading %s: %w", path, err)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("policy: %s: %w", path, err)
	}
	return t, nil
}

// Parse decodes a policy table and checks its structure.
func Parse(data []byte) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parsing policy: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Validate checks the table version and its internal consistency. It does
// not compile conditional expressions; New does.
func (t *Table) Validate() error {
	var errs []string

	if t.Version == "" {
		errs = append(errs, "version is required")
	} else if err := checkVersion(t.Version); err != nil {
		errs = append(errs, err.Error())
	}

	forced := map[string]string{}
	lists := []struct {
		kind  string
		names []string
	}{
		{"special", t.Classification.Special},
		{"single_select", t.Classification.SingleSelect},
		{"confirmation_single", t.Classification.ConfirmationSingle},
		{"multi_select", t.Classification.MultiSelect},
	}
	for _, l := range lists {
		for _, name := range l.names {
			if prev, dup := forced[name]; dup && prev != l.kind {
				errs = append(errs, fmt.Sprintf("category %q is forced to both %s and %s", name, prev, l.kind))
			}
			forced[name] = l.kind
		}
	}

	for _, name := range t.Requiredness.Always {
		for _, never := range t.Requiredness.Never {
			if name == never {
				errs = append(errs, fmt.Sprintf("category %q is both always and never required", name))
			}
		}
	}

	for i, d := range t.Dependencies {
		if d.Parent == "" || d.Child == "" {
			errs = append(errs, fmt.Sprintf("dependencies[%d]: parent and child are required", i))
		}
		if d.Parent == d.Child && d.Parent != "" {
			errs = append(errs, fmt.Sprintf("dependencies[%d]: %q depends on itself", i, d.Parent))
		}
		if d.When == "" {
			t.Dependencies[i].When = "yes"
		}
	}

	if t.Tilt.Enabled() && t.Tilt.Key == "" {
		t.Tilt.Key = NormalizeName(t.Tilt.Category) + "_tilt"
	}
	if t.Acknowledgement.Enabled() && t.Acknowledgement.Key == "" {
		t.Acknowledgement.Key = "acknowledgement"
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid policy: %s", strings.Join(errs, "; "))
	}
	return nil
}

func checkVersion(v string) error {
	version, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("version %q is not semantic: %v", v, err)
	}
	constraint, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return fmt.Errorf("constraint %q: %v", SupportedVersions, err)
	}
	if !constraint.Check(version) {
		return fmt.Errorf("version %s does not satisfy %s", version, SupportedVersions)
	}
	return nil
}

// NormalizeName lowercases name and joins words with underscores, so that
// "High Chair" becomes "high_chair".
func NormalizeName(name string) string {
	fields := strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.Join(fields, "_")
}
