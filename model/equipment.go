package model

import "time"

// CategoryType is the selection semantics of a category.
type CategoryType string

// Category types.
const (
	CategoryBinary             CategoryType = "binary"
	CategorySingleSelect       CategoryType = "single_select"
	CategoryMultiSelect        CategoryType = "multi_select"
	CategoryConfirmationSingle CategoryType = "confirmation_single"
	CategoryConfirmationMulti  CategoryType = "confirmation_multi"
	CategorySpecial            CategoryType = "special"
)

// IsConfirmation reports whether the category is gated by a yes/no question.
func (t CategoryType) IsConfirmation() bool {
	return t == CategoryConfirmationSingle || t == CategoryConfirmationMulti
}

// IsMulti reports whether the nested selection holds a list of ids.
func (t CategoryType) IsMulti() bool {
	return t == CategoryMultiSelect || t == CategoryConfirmationMulti
}

// Valid reports whether t is a known category type.
func (t CategoryType) Valid() bool {
	switch t {
	case CategoryBinary, CategorySingleSelect, CategoryMultiSelect,
		CategoryConfirmationSingle, CategoryConfirmationMulti, CategorySpecial:
		return true
	}
	return false
}

// ConfirmPrefix prefixes the key of a confirmation gate.
const ConfirmPrefix = "confirm_"

// ConfirmKey returns the selection key of the yes/no gate of a category.
func ConfirmKey(category string) string { return ConfirmPrefix + category }

// StatusActive is the catalog status of selectable items.
const StatusActive = "Active"

// SelectableItem is an equipment catalog entry.
type SelectableItem struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	CategoryName string `json:"category_name"`
	Hidden       bool   `json:"hidden"`
	Order        int    `json:"order"`
	ImageURL     string `json:"image_url,omitempty"`
	Status       string `json:"status,omitempty"`
	Grouped      bool   `json:"grouped,omitempty"`
}

// Category is a named group of visible items sharing one selection type.
type Category struct {
	Name  string           `json:"name"`
	Type  CategoryType     `json:"type"`
	Items []SelectableItem `json:"items"`
}

// ItemMeta is the per-item metadata saved with a booking.
type ItemMeta struct {
	Quantity *int `json:"quantity,omitempty"`
}

// BookedItem is an item previously saved against a booking.
type BookedItem struct {
	SelectableItem
	Meta ItemMeta `json:"meta_data"`
}

// Quantity bounds for special categories.
const (
	MinQuantity = 0
	MaxQuantity = 2
)

// ClampQuantity bounds q to [MinQuantity, MaxQuantity].
func ClampQuantity(q int) int {
	if q < MinQuantity {
		return MinQuantity
	}
	if q > MaxQuantity {
		return MaxQuantity
	}
	return q
}

// QuantitySource records where a special-category quantity came from.
type QuantitySource string

// Quantity sources.
const (
	SourceSaved     QuantitySource = "saved"
	SourcePrefilled QuantitySource = "prefilled"
	SourceDefault   QuantitySource = "default"
	SourceUserInput QuantitySource = "user_input"
)

// QuantityMeta is the live quantity of one special-category item.
type QuantityMeta struct {
	Quantity     int            `json:"quantity"`
	Source       QuantitySource `json:"source"`
	UserModified bool           `json:"user_modified"`
	LastModified time.Time      `json:"last_modified"`
}

// EntryMeta is the metadata attached to an emitted special-category entry.
type EntryMeta struct {
	Quantity int            `json:"quantity"`
	Source   QuantitySource `json:"source"`
}

// EquipmentEntry is one item inside an EquipmentChange.
type EquipmentEntry struct {
	SelectableItem
	Value    bool       `json:"value"`
	MetaData *EntryMeta `json:"meta_data,omitempty"`
}

// EquipmentChange is the per-category record emitted to the parent form.
type EquipmentChange struct {
	Category    string           `json:"category"`
	Equipments  []EquipmentEntry `json:"equipments"`
	IsDirty     bool             `json:"isDirty"`
	LastUpdated time.Time        `json:"lastUpdated"`
	Version     uint64           `json:"version,omitempty"`
}

// Emission is one settled (isValid, changes) delivery to the parent form.
type Emission struct {
	SessionID string            `json:"session_id"`
	BookingID string            `json:"booking_id"`
	Valid     bool              `json:"valid"`
	Changes   []EquipmentChange `json:"changes"`
	Errors    map[string]string `json:"errors,omitempty"`
	Sequence  uint64            `json:"sequence"`
	EmittedAt time.Time         `json:"emitted_at"`
}
