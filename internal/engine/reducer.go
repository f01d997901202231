package engine

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/pitabwire/intake/internal/aggregate"
	"github.com/pitabwire/intake/internal/catalog"
	"github.com/pitabwire/intake/internal/guard"
	"github.com/pitabwire/intake/internal/policy"
	"github.com/pitabwire/intake/internal/selection"
	"github.com/pitabwire/intake/internal/validation"
	"github.com/pitabwire/intake/model"
)

// Timing holds the debounce settings used by the reducer.
type Timing struct {
	EmitDebounce            time.Duration
	ValidateDebounce        time.Duration
	ValidateInteractionHold time.Duration
}

// Reducer applies events to a State. It holds no state of its own and is
// safe for concurrent use.
type Reducer struct {
	Policy    *policy.Policy
	Validator *validation.Validator
	Timing    Timing
}

// Apply returns the state after ev and the effects the runtime must carry
// out. On error the input state is returned unchanged.
func (r Reducer) Apply(s State, ev Event, now time.Time) (State, []Effect, error) {
	if !s.Alive {
		if _, ok := ev.(Unmount); ok {
			return s, nil, nil
		}
		return s, nil, model.NewSessionClosedError(s.SessionID)
	}

	next := s.Clone()
	a := &step{r: r, s: &next, now: now}

	var err error
	switch ev := ev.(type) {
	case Loaded:
		a.loaded(ev)
	case SetValue:
		err = a.setValue(ev)
	case SetQuantity:
		err = a.setQuantity(ev)
	case Acknowledge:
		err = a.acknowledge(ev)
	case SetTilt:
		err = a.setTilt(ev)
	case Touch:
		err = a.touch(ev)
	case SetDisabled:
		next.Disabled = ev.Disabled
	case ExternalSync:
		a.externalSync(ev)
	case TimerFired:
		a.timerFired(ev)
	case Unmount:
		next.Alive = false
		a.effects = append(a.effects, CancelTimers{})
	default:
		err = fmt.Errorf("engine: unsupported event %T", ev)
	}
	if err != nil {
		return s, nil, err
	}
	return next, a.effects, nil
}

// step is one reduction in progress.
type step struct {
	r       Reducer
	s       *State
	now     time.Time
	effects []Effect
}

func (a *step) arm(name string, d time.Duration) {
	a.effects = append(a.effects, ArmTimer{Name: name, After: d})
}

func (a *step) notice(kind, key, reason string) {
	a.effects = append(a.effects, Notice{Kind: kind, Key: key, Reason: reason})
}

// schedulePass re-arms the emission and validation debounce timers.
func (a *step) schedulePass() {
	a.arm(TimerEmit, a.r.Timing.EmitDebounce)
	a.arm(TimerValidate, a.r.Timing.ValidateDebounce)
}

func (a *step) userWrite() error {
	if a.s.Disabled {
		return model.NewReadOnlyError()
	}
	if !a.s.Seeded {
		return model.NewConflictError("the selection form is still loading")
	}
	return nil
}

// interact records a user write of v under key: touched, quiet period,
// protection lock and a new pass.
func (a *step) interact(key string, v model.Value) {
	g := a.s.Guard
	a.s.Store.Touch(key)
	g.MarkUserInteraction(a.now)
	g.Protect(key, v, a.now)
	a.arm(LockTimer(key), g.Window())
	a.arm(TimerQuiet, g.QuietPeriod())
	a.schedulePass()
}

func (a *step) loaded(ev Loaded) {
	items := catalog.FilterActive(ev.Items)
	prior := ev.Prior
	if ev.CatalogErr != nil {
		a.notice(NoticeFetchDegraded, "catalog", ev.CatalogErr.Error())
		items = nil
	}
	if ev.BookingErr != nil {
		a.notice(NoticeFetchDegraded, "booking", ev.BookingErr.Error())
		prior = nil
	}

	// 1. Classify, unless a failed reload would wipe a live catalog.
	if ev.CatalogErr == nil || a.s.Catalog == nil {
		cat := catalog.Build(items, a.r.Policy.Classification)
		if a.s.Store == nil || a.s.Catalog == nil || !maps.Equal(a.s.Catalog.Types(), cat.Types()) {
			a.s.Store = selection.NewStore(cat.Types(), cat.Options())
		} else {
			a.s.Store.SetOptions(cat.Options())
		}
		a.s.Catalog = cat
	}
	if ev.BookingErr == nil || !a.s.Seeded {
		a.s.Prior = prior
	}

	// 2. Seed. Touched keys and user quantities survive a second load.
	a.s.Store.Seed(selection.SeedInput{
		Catalog: a.s.Catalog,
		Prior:   a.s.Prior,
		Prefill: a.s.Prefill,
		Policy:  a.r.Policy,
		Now:     a.now,
	})
	a.s.Seeded = true

	// 3. Restore anything seeding moved under an active lock.
	a.heal()
	a.schedulePass()
}

func (a *step) setValue(ev SetValue) error {
	if err := a.userWrite(); err != nil {
		return err
	}
	key := ev.Key
	if ev.IsConfirmation && !strings.HasPrefix(key, model.ConfirmPrefix) {
		key = model.ConfirmKey(key)
	}
	if err := a.s.Store.SetValue(key, ev.Value, false); err != nil {
		return err
	}
	category, _, gate, _ := a.s.Store.Resolve(key)
	a.interact(key, ev.Value)

	if gate && !ev.Value.IsYes() && !a.s.Store.Value(category).IsNull() {
		_ = a.s.Store.SetValue(category, model.Null(), false)
		a.s.Store.ClearError(category)
		a.s.Guard.Release(category)
	}
	a.cascade(category, map[string]bool{})
	a.followTilt(category)
	return nil
}

// cascade clears every dependent of parent whose trigger no longer holds,
// transitively, and releases the dependents' locks. A cleared child has no
// value left to protect, whoever moved the parent.
func (a *step) cascade(parent string, seen map[string]bool) {
	if seen[parent] {
		return
	}
	seen[parent] = true
	for _, dep := range a.r.Policy.DependentsOf(parent) {
		if a.r.Policy.DependencyActive(dep, a.s.Store.Values()) {
			continue
		}
		child := dep.Child
		a.s.Store.Clear(child)
		a.s.Guard.Release(child)
		a.s.Guard.Release(model.ConfirmKey(child))
		a.notice(NoticeCascade, child, parent)
		a.cascade(child, seen)
	}
}

// followTilt resets the tilt answer once the tilt variant is no longer
// chosen.
func (a *step) followTilt(category string) {
	rule := a.r.Policy.Tilt
	if !rule.Enabled() || category != rule.Category || a.s.Store.Tilt().IsNull() {
		return
	}
	variant, ok := a.s.Catalog.ItemNamed(rule.Category, rule.VariantItem)
	if ok && a.s.Store.Value(category).Contains(variant.ID) {
		return
	}
	_ = a.s.Store.SetTilt(rule.Key, model.Null())
	a.s.Store.ClearError(rule.Key)
	a.s.Guard.Release(rule.Key)
}

func (a *step) setQuantity(ev SetQuantity) error {
	if err := a.userWrite(); err != nil {
		return err
	}
	item, ok := a.s.Catalog.Item(ev.ItemID)
	if !ok || item.Hidden {
		return model.NewUnknownKeyError(ev.ItemID)
	}
	if typ, _ := a.s.Store.Type(item.CategoryName); typ != model.CategorySpecial {
		return model.NewUnknownKeyError(ev.ItemID)
	}
	a.s.Store.SetQuantity(item.ID, ev.Quantity, model.SourceUserInput, a.now)
	a.interact(item.ID, model.Null())
	return nil
}

func (a *step) acknowledge(ev Acknowledge) error {
	if err := a.userWrite(); err != nil {
		return err
	}
	rule := a.r.Policy.Acknowledgement
	if !rule.Enabled() {
		return model.NewUnknownKeyError("acknowledgement")
	}
	a.s.Store.SetAcknowledged(ev.Value)
	a.interact(rule.Key, model.Answer(ev.Value))
	return nil
}

func (a *step) setTilt(ev SetTilt) error {
	if err := a.userWrite(); err != nil {
		return err
	}
	rule := a.r.Policy.Tilt
	if !rule.Enabled() {
		return model.NewUnknownKeyError("tilt")
	}
	if err := a.s.Store.SetTilt(rule.Key, ev.Value); err != nil {
		return err
	}
	a.interact(rule.Key, ev.Value)
	return nil
}

func (a *step) touch(ev Touch) error {
	if err := a.userWrite(); err != nil {
		return err
	}
	if !a.knownKey(ev.Key) {
		return model.NewUnknownKeyError(ev.Key)
	}
	a.s.Store.Touch(ev.Key)
	a.s.Guard.MarkUserInteraction(a.now)
	a.arm(TimerQuiet, a.s.Guard.QuietPeriod())
	a.arm(TimerValidate, a.r.Timing.ValidateDebounce)
	return nil
}

func (a *step) knownKey(key string) bool {
	if _, _, _, ok := a.s.Store.Resolve(key); ok {
		return true
	}
	if key == a.r.Policy.Acknowledgement.Key && a.r.Policy.Acknowledgement.Enabled() {
		return true
	}
	if key == a.r.Policy.Tilt.Key && a.r.Policy.Tilt.Enabled() {
		return true
	}
	item, ok := a.s.Catalog.Item(key)
	if !ok {
		return false
	}
	typ, _ := a.s.Store.Type(item.CategoryName)
	return typ == model.CategorySpecial
}

// externalSync applies parent-supplied records in arrival order. Each record
// passes the guard on its own.
func (a *step) externalSync(ev ExternalSync) {
	if !a.s.Seeded {
		for _, ch := range ev.Changes {
			a.notice(NoticeSyncDropped, ch.Category, "not_loaded")
		}
		return
	}

	applied := false
	for _, ch := range ev.Changes {
		p, ok := aggregate.Project(ch, a.s.Catalog, a.r.Policy, a.s.Prior)
		if !ok {
			a.notice(NoticeSyncDropped, ch.Category, "unknown_category")
			continue
		}
		version := ch.Version
		if version == 0 {
			version = ev.Version
		}
		identical := guard.Identical(p.Normalized(), p.Held(a.s.Store).Normalized())
		d := a.s.Guard.AdmitSync(a.lockKeys(p), version, a.now, identical)
		if !d.Apply {
			a.notice(NoticeSyncDropped, ch.Category, d.Reason)
			continue
		}
		a.project(p, version > 0)
		a.notice(NoticeSyncApplied, ch.Category, "")
		applied = true
	}

	a.heal()
	if applied {
		a.schedulePass()
	}
}

// lockKeys lists the guard keys a projection writes.
func (a *step) lockKeys(p aggregate.Projection) []string {
	keys := []string{p.Category}
	for k := range p.Values {
		keys = append(keys, k)
	}
	for id := range p.Quantities {
		keys = append(keys, id)
	}
	if p.Tilt != nil {
		keys = append(keys, a.r.Policy.Tilt.Key)
	}
	if p.Acknowledged != nil {
		keys = append(keys, a.r.Policy.Acknowledgement.Key)
	}
	slices.Sort(keys)
	return slices.Compact(keys)
}

func (a *step) project(p aggregate.Projection, authoritative bool) {
	for _, k := range slices.Sorted(maps.Keys(p.Values)) {
		if err := a.s.Store.SetValue(k, p.Values[k], false); err != nil {
			a.notice(NoticeSyncDropped, k, model.CodeOf(err))
		}
	}
	for _, id := range slices.Sorted(maps.Keys(p.Quantities)) {
		a.s.Store.ApplyExternalQuantity(id, p.Quantities[id], a.now, authoritative)
	}
	if p.Tilt != nil {
		_ = a.s.Store.SetTilt(a.r.Policy.Tilt.Key, *p.Tilt)
	}
	if p.Acknowledged != nil {
		a.s.Store.SetAcknowledged(*p.Acknowledged)
	}
	a.cascade(p.Category, map[string]bool{})
}

// heal reverts every locked key whose value moved away from what the user
// last confirmed. Keys whose parent no longer holds its trigger are released
// instead.
func (a *step) heal() {
	for _, key := range a.s.Guard.ActiveLocks(a.now) {
		cur, ok := a.current(key)
		if !ok {
			continue
		}
		if !a.dependencyHeld(key) {
			a.s.Guard.Release(key)
			continue
		}
		restored, reverted := a.s.Guard.Heal(key, cur, a.now)
		if !reverted {
			continue
		}
		a.restore(key, restored)
		a.notice(NoticeProtectionRevert, key, "")
	}
}

// dependencyHeld reports whether the category addressed by key is free of
// a dependency or its parent holds the triggering value.
func (a *step) dependencyHeld(key string) bool {
	category, _, _, ok := a.s.Store.Resolve(key)
	if !ok {
		return true
	}
	dep, ok := a.r.Policy.DependencyOf(category)
	return !ok || a.r.Policy.DependencyActive(dep, a.s.Store.Values())
}

func (a *step) current(key string) (model.Value, bool) {
	switch key {
	case a.r.Policy.Acknowledgement.Key:
		return model.Answer(a.s.Store.Acknowledged()), true
	case a.r.Policy.Tilt.Key:
		return a.s.Store.Tilt(), true
	}
	if _, _, _, ok := a.s.Store.Resolve(key); ok {
		return a.s.Store.Value(key), true
	}
	return model.Value{}, false
}

func (a *step) restore(key string, v model.Value) {
	switch key {
	case a.r.Policy.Acknowledgement.Key:
		a.s.Store.SetAcknowledged(v.IsYes())
	case a.r.Policy.Tilt.Key:
		_ = a.s.Store.SetTilt(key, v)
	default:
		_ = a.s.Store.SetValue(key, v, false)
	}
}

func (a *step) timerFired(ev TimerFired) {
	switch {
	case ev.Name == TimerEmit:
		if !a.s.Seeded {
			return
		}
		res := a.refresh()
		a.emit(res.Valid)

	case ev.Name == TimerValidate:
		if !a.s.Seeded {
			return
		}
		last := a.s.Guard.LastInteraction()
		hold := a.r.Timing.ValidateInteractionHold
		if elapsed := a.now.Sub(last); !last.IsZero() && elapsed < hold {
			a.arm(TimerValidate, hold-elapsed)
			return
		}
		res := a.refresh()
		a.s.Store.SetErrors(res.Errors)
		a.notice(NoticeValidated, "", fmt.Sprintf("valid=%t errors=%d", res.Valid, len(res.Errors)))
		a.emit(res.Valid)

	case strings.HasPrefix(ev.Name, lockPrefix):
		a.s.Guard.ReleaseExpired(a.now)
	}
}

// refresh recomputes the change batch and validity without touching the
// surfaced errors.
func (a *step) refresh() validation.Result {
	a.s.Changes = aggregate.Aggregate(aggregate.Input{
		Catalog: a.s.Catalog,
		Store:   a.s.Store,
		Prior:   a.s.Prior,
		Policy:  a.r.Policy,
		Version: a.versionOf,
		Now:     a.now,
	})
	res := a.r.Validator.Validate(validation.Input{
		Catalog:     a.s.Catalog,
		Store:       a.s.Store,
		BookingType: a.s.BookingType,
	})
	a.s.Valid = res.Valid
	return res
}

func (a *step) emit(valid bool) {
	a.effects = append(a.effects, Emit{
		Valid:   valid,
		Changes: slices.Clone(a.s.Changes),
		Errors:  a.s.Store.Errors(),
	})
}

// versionOf returns the newest user version among the keys of category.
func (a *step) versionOf(category string) uint64 {
	g := a.s.Guard
	v := max(g.Version(category), g.Version(model.ConfirmKey(category)))
	if cat, ok := a.s.Catalog.Category(category); ok && cat.Type == model.CategorySpecial {
		for _, it := range cat.Items {
			v = max(v, g.Version(it.ID))
		}
	}
	if category == a.r.Policy.Tilt.Category {
		v = max(v, g.Version(a.r.Policy.Tilt.Key))
	}
	if item, ok := a.s.Catalog.ItemNamed("", a.r.Policy.Acknowledgement.Item); ok && item.CategoryName == category {
		v = max(v, g.Version(a.r.Policy.Acknowledgement.Key))
	}
	return v
}
