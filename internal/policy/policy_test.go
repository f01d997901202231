package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/intake/model"
)

func newDefaultPolicy(t *testing.T) *Policy {
	t.Helper()
	table, err := Default()
	require.NoError(t, err)
	p, err := New(table)
	require.NoError(t, err)
	return p
}

func TestDefault_Loads(t *testing.T) {
	table, err := Default()
	require.NoError(t, err)

	assert.Equal(t, "1.2.0", table.Version)
	assert.True(t, table.IsSpecial("infant_care"))
	assert.Equal(t, "shower_commode_tilt", table.Tilt.Key)
	assert.True(t, table.Acknowledgement.RequiredFor("returning_guest"))
	assert.False(t, table.Acknowledgement.RequiredFor("first_time_guest"))
}

func TestParse_RejectsUnsupportedVersion(t *testing.T) {
	_, err := Parse([]byte(`version: "2.0.0"`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not satisfy")

	_, err = Parse([]byte(`version: "latest"`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not semantic")

	_, err = Parse([]byte(`classification: {}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "version is required")
}

func TestParse_RejectsConflictingLists(t *testing.T) {
	_, err := Parse([]byte(`
version: "1.0.0"
classification:
  special: [infant_care]
  multi_select: [infant_care]
requiredness:
  always: [sling]
  never: [sling]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "forced to both")
	assert.Contains(t, err.Error(), "always and never")
}

func TestParse_DefaultsDependencyWhen(t *testing.T) {
	table, err := Parse([]byte(`
version: "1.0.0"
dependencies:
  - parent: ceiling_hoist
    child: sling
`))
	require.NoError(t, err)
	assert.Equal(t, "yes", table.Dependencies[0].When)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: \"1.0.1\"\n"), 0o600))

	table, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "1.0.1", table.Version)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestNew_RejectsBadExpression(t *testing.T) {
	table, err := Parse([]byte(`
version: "1.0.0"
requiredness:
  conditional:
    sling: 'selections.ceiling_hoist =='
`))
	require.NoError(t, err)

	_, err = New(table)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `conditional "sling"`)
}

func TestIsRequired(t *testing.T) {
	p := newDefaultPolicy(t)

	hoistYes := map[string]model.Value{"ceiling_hoist": model.Scalar(model.Yes), "sling": model.Null()}
	hoistNo := map[string]model.Value{"ceiling_hoist": model.Scalar(model.No), "sling": model.Null()}
	empty := map[string]model.Value{}

	tests := []struct {
		name       string
		category   string
		typ        model.CategoryType
		selections map[string]model.Value
		want       bool
	}{
		{"always required", "ceiling_hoist", model.CategoryBinary, empty, true},
		{"never required beats type default", "bathroom_aids", model.CategoryMultiSelect, empty, false},
		{"conditional true", "sling", model.CategorySingleSelect, hoistYes, true},
		{"conditional false", "sling", model.CategorySingleSelect, hoistNo, false},
		{"conditional with missing key", "sling", model.CategorySingleSelect, empty, false},
		{"binary default", "bed_rail", model.CategoryBinary, empty, true},
		{"single default", "mattress", model.CategorySingleSelect, empty, true},
		{"multi default", "linen", model.CategoryMultiSelect, empty, false},
		{"confirmation default", "wheelchair", model.CategoryConfirmationSingle, empty, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.IsRequired(tt.category, tt.typ, tt.selections))
		})
	}
}

func TestIsRequired_DependencyWithoutExpression(t *testing.T) {
	table, err := Parse([]byte(`
version: "1.0.0"
dependencies:
  - parent: bath_lift
    child: bath_lift_cover
`))
	require.NoError(t, err)
	p, err := New(table)
	require.NoError(t, err)

	on := map[string]model.Value{"bath_lift": model.Scalar(model.Yes)}
	off := map[string]model.Value{"bath_lift": model.Null()}

	assert.True(t, p.IsRequired("bath_lift_cover", model.CategoryMultiSelect, on))
	assert.False(t, p.IsRequired("bath_lift_cover", model.CategorySingleSelect, off))
}

func TestPrefillKey(t *testing.T) {
	p := newDefaultPolicy(t)
	assert.Equal(t, "cot", p.PrefillKey(model.SelectableItem{Name: "Portable Cot"}))
	assert.Equal(t, "baby_bath", p.PrefillKey(model.SelectableItem{Name: "Baby Bath"}))
}

func TestMessage(t *testing.T) {
	p := newDefaultPolicy(t)
	p.Messages = map[string]string{MsgSelectOption: "Pick one"}
	assert.Equal(t, "Pick one", p.Message(MsgSelectOption))
	assert.Equal(t, "Please answer yes or no", p.Message(MsgAnswerYesNo))
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "high_chair", NormalizeName("High Chair"))
	assert.Equal(t, "shower_commode", NormalizeName("Shower-Commode "))
}
