package selection

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/intake/model"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testTypes() map[string]model.CategoryType {
	return map[string]model.CategoryType{
		"ceiling_hoist": model.CategoryBinary,
		"sling":         model.CategorySingleSelect,
		"bathroom_aids": model.CategoryMultiSelect,
		"wheelchair":    model.CategoryConfirmationSingle,
		"bed_extras":    model.CategoryConfirmationMulti,
		"infant_care":   model.CategorySpecial,
	}
}

func testOptions() map[string][]string {
	return map[string][]string{
		"ceiling_hoist": {"h1"},
		"sling":         {"s1", "s2"},
		"bathroom_aids": {"b1", "b2", "b3"},
		"wheelchair":    {"w1", "w2"},
		"bed_extras":    {"e1", "e2"},
		"infant_care":   {"hc", "cot"},
	}
}

func TestStore_SetValue_Shapes(t *testing.T) {
	tests := []struct {
		name           string
		key            string
		value          model.Value
		isConfirmation bool
		wantCode       string
	}{
		{"binary yes", "ceiling_hoist", model.Scalar(model.Yes), false, ""},
		{"binary rejects id", "ceiling_hoist", model.Scalar("h1"), false, model.ErrShapeMismatch},
		{"binary rejects list", "ceiling_hoist", model.List("h1"), false, model.ErrShapeMismatch},
		{"single id", "sling", model.Scalar("s1"), false, ""},
		{"single rejects list", "sling", model.List("s1", "s2"), false, model.ErrShapeMismatch},
		{"multi list", "bathroom_aids", model.List("b1", "b2"), false, ""},
		{"multi rejects scalar", "bathroom_aids", model.Scalar("b1"), false, model.ErrShapeMismatch},
		{"gate through flag", "wheelchair", model.Scalar(model.No), true, ""},
		{"gate through key", "confirm_wheelchair", model.Scalar(model.Yes), false, ""},
		{"gate rejects id", "confirm_wheelchair", model.Scalar("w1"), false, model.ErrShapeMismatch},
		{"nested confirmation single", "wheelchair", model.Scalar("w1"), false, ""},
		{"nested confirmation multi", "bed_extras", model.List("e1"), false, ""},
		{"special is quantity only", "infant_care", model.Scalar("hc"), false, model.ErrShapeMismatch},
		{"null always fits", "sling", model.Null(), false, ""},
		{"single unknown id", "sling", model.Scalar("no-such-item"), false, model.ErrUnknownKey},
		{"single id of another category", "sling", model.Scalar("b1"), false, model.ErrUnknownKey},
		{"multi unknown id", "bathroom_aids", model.List("b1", "ghost"), false, model.ErrUnknownKey},
		{"nested confirmation unknown id", "wheelchair", model.Scalar("s1"), false, model.ErrUnknownKey},
		{"nested confirmation multi unknown id", "bed_extras", model.List("e3"), false, model.ErrUnknownKey},
		{"empty list fits", "bathroom_aids", model.List(), false, ""},
		{"unknown key", "jacuzzi", model.Scalar(model.Yes), false, model.ErrUnknownKey},
		{"gate of non-confirmation", "confirm_sling", model.Scalar(model.Yes), false, model.ErrUnknownKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore(testTypes(), testOptions())
			err := s.SetValue(tt.key, tt.value, tt.isConfirmation)
			if tt.wantCode == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, model.CodeOf(err))
		})
	}
}

func TestStore_SetValue_RejectedIDLeavesValue(t *testing.T) {
	s := NewStore(testTypes(), testOptions())
	require.NoError(t, s.SetValue("bathroom_aids", model.List("b1"), false))

	err := s.SetValue("bathroom_aids", model.List("b2", "ghost"), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"ghost"`)
	assert.Equal(t, model.List("b1"), s.Value("bathroom_aids"))
}

func TestStore_SetOptions(t *testing.T) {
	s := NewStore(testTypes(), testOptions())
	require.NoError(t, s.SetValue("sling", model.Scalar("s2"), false))

	opts := testOptions()
	opts["sling"] = []string{"s1", "s3"}
	s.SetOptions(opts)

	assert.Equal(t, model.Scalar("s2"), s.Value("sling"), "held values survive")
	require.NoError(t, s.SetValue("sling", model.Scalar("s3"), false))
	assert.Equal(t, model.ErrUnknownKey, model.CodeOf(s.SetValue("sling", model.Scalar("s2"), false)))
}

func TestStore_SetValue_NullDeletes(t *testing.T) {
	s := NewStore(testTypes(), testOptions())
	require.NoError(t, s.SetValue("sling", model.Scalar("s1"), false))
	require.NoError(t, s.SetValue("sling", model.Null(), false))

	_, present := s.Values()["sling"]
	assert.False(t, present)
	assert.True(t, s.Value("sling").IsNull())
}

func TestStore_Clear(t *testing.T) {
	s := NewStore(testTypes(), testOptions())
	require.NoError(t, s.SetValue("wheelchair", model.Scalar(model.Yes), true))
	require.NoError(t, s.SetValue("wheelchair", model.Scalar("w1"), false))
	s.SetErrors(map[string]string{"wheelchair": "x", "confirm_wheelchair": "y", "sling": "z"})

	s.Clear("wheelchair")

	assert.True(t, s.Value("wheelchair").IsNull())
	assert.True(t, s.Value("confirm_wheelchair").IsNull())
	assert.Equal(t, map[string]string{"sling": "z"}, s.Errors())
}

func TestStore_CloneIsIndependent(t *testing.T) {
	s := NewStore(testTypes(), testOptions())
	require.NoError(t, s.SetValue("bathroom_aids", model.List("b1"), false))
	s.Touch("bathroom_aids")

	c := s.Clone()
	require.NoError(t, c.SetValue("bathroom_aids", model.List("b1", "b2"), false))
	c.Touch("sling")
	c.SetAcknowledged(true)

	assert.Equal(t, model.List("b1"), s.Value("bathroom_aids"))
	assert.False(t, s.Touched("sling"))
	assert.False(t, s.Acknowledged())
}

func TestStore_SetQuantity_UserModifiedSticks(t *testing.T) {
	s := NewStore(testTypes(), testOptions())

	q := s.SetQuantity("hc", 1, model.SourceUserInput, t0)
	assert.True(t, q.UserModified)

	assert.False(t, s.seedQuantity("hc", 2, model.SourceSaved, t0))
	got, ok := s.Quantity("hc")
	require.True(t, ok)
	assert.Equal(t, 1, got.Quantity)
	assert.Equal(t, model.SourceUserInput, got.Source)

	s.SetQuantity("hc", 0, model.SourceSaved, t0)
	got, _ = s.Quantity("hc")
	assert.True(t, got.UserModified, "user mark survives later writes")
}

func TestStore_SetTilt(t *testing.T) {
	s := NewStore(testTypes(), testOptions())
	require.NoError(t, s.SetTilt("tilt", model.Scalar(model.Yes)))
	assert.True(t, s.Tilt().IsYes())

	err := s.SetTilt("tilt", model.List("x"))
	assert.Equal(t, model.ErrShapeMismatch, model.CodeOf(err))
}

func TestStore_TouchedKeys(t *testing.T) {
	s := NewStore(testTypes(), testOptions())
	assert.False(t, s.AnyTouched())
	s.Touch("sling")
	s.Touch("ceiling_hoist")
	assert.True(t, s.AnyTouched())
	assert.Equal(t, []string{"ceiling_hoist", "sling"}, s.TouchedKeys())
}

func TestStore_QuantityClampProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	sources := []model.QuantitySource{model.SourceSaved, model.SourcePrefilled, model.SourceDefault, model.SourceUserInput}

	properties.Property("every quantity write lands in [0,2]", prop.ForAll(
		func(writes []int, sourceIdx int) bool {
			s := NewStore(testTypes(), testOptions())
			for _, w := range writes {
				q := s.SetQuantity("hc", w, sources[sourceIdx], t0)
				if q.Quantity < model.MinQuantity || q.Quantity > model.MaxQuantity {
					return false
				}
			}
			got, _ := s.Quantity("hc")
			return got.Quantity >= model.MinQuantity && got.Quantity <= model.MaxQuantity
		},
		gen.SliceOf(gen.IntRange(-1000, 1000)),
		gen.IntRange(0, len(sources)-1),
	))

	properties.TestingRun(t)
}
