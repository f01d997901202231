package engine

import (
	"time"

	"github.com/pitabwire/intake/model"
)

// Event is an input to the reducer.
type Event interface {
	Kind() string
}

// Event kinds.
const (
	KindLoaded       = "loaded"
	KindSetValue     = "set_value"
	KindSetQuantity  = "set_quantity"
	KindAcknowledge  = "acknowledge"
	KindSetTilt      = "set_tilt"
	KindTouch        = "touch"
	KindSetDisabled  = "set_disabled"
	KindExternalSync = "external_sync"
	KindTimerFired   = "timer_fired"
	KindUnmount      = "unmount"
)

// Loaded delivers the fetched catalog and saved booking items. A fetch error
// degrades its half to empty.
type Loaded struct {
	Items      []model.SelectableItem
	Prior      []model.BookedItem
	CatalogErr error
	BookingErr error
}

// SetValue is a user write to a selection key.
type SetValue struct {
	Key            string
	Value          model.Value
	IsConfirmation bool
}

// SetQuantity is a user write to a special-category item quantity.
type SetQuantity struct {
	ItemID   string
	Quantity int
}

// Acknowledge sets the acknowledgement flag.
type Acknowledge struct {
	Value bool
}

// SetTilt answers the tilt follow-up question.
type SetTilt struct {
	Value model.Value
}

// Touch marks a key as interacted with without changing it.
type Touch struct {
	Key string
}

// SetDisabled switches the form in and out of read-only mode.
type SetDisabled struct {
	Disabled bool
}

// ExternalSync re-hydrates the form from change records supplied by the
// parent. Version, when non-zero, applies to records that carry none.
type ExternalSync struct {
	Changes []model.EquipmentChange
	Version uint64
}

// TimerFired is delivered when a scheduled timer runs out.
type TimerFired struct {
	Name string
}

// Unmount tears the session down.
type Unmount struct{}

func (Loaded) Kind() string       { return KindLoaded }
func (SetValue) Kind() string     { return KindSetValue }
func (SetQuantity) Kind() string  { return KindSetQuantity }
func (Acknowledge) Kind() string  { return KindAcknowledge }
func (SetTilt) Kind() string      { return KindSetTilt }
func (Touch) Kind() string        { return KindTouch }
func (SetDisabled) Kind() string  { return KindSetDisabled }
func (ExternalSync) Kind() string { return KindExternalSync }
func (TimerFired) Kind() string   { return KindTimerFired }
func (Unmount) Kind() string      { return KindUnmount }

// Effect is an instruction the reducer hands to the runtime.
type Effect interface {
	effect()
}

// ArmTimer (re-)arms the named timer.
type ArmTimer struct {
	Name  string
	After time.Duration
}

// CancelTimers cancels every pending timer.
type CancelTimers struct{}

// Emit delivers a settled pass to the parent form.
type Emit struct {
	Valid   bool
	Changes []model.EquipmentChange
	Errors  map[string]string
}

// Notice reports something worth logging and counting.
type Notice struct {
	Kind   string
	Key    string
	Reason string
}

func (ArmTimer) effect()     {}
func (CancelTimers) effect() {}
func (Emit) effect()         {}
func (Notice) effect()       {}

// Notice kinds.
const (
	NoticeFetchDegraded    = "fetch_degraded"
	NoticeSyncApplied      = "sync_applied"
	NoticeSyncDropped      = "sync_dropped"
	NoticeProtectionRevert = "protection_revert"
	NoticeCascade          = "cascade"
	NoticeValidated        = "validated"
)

// Timer names.
const (
	TimerEmit     = "emit"
	TimerValidate = "validate"
	TimerQuiet    = "quiet"
	lockPrefix    = "lock:"
)

// LockTimer returns the name of the expiry timer of a protected key.
func LockTimer(key string) string { return lockPrefix + key }
