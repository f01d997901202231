package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/pitabwire/intake/internal/clock"
	"github.com/pitabwire/intake/internal/config"
	"github.com/pitabwire/intake/internal/emission"
	"github.com/pitabwire/intake/internal/fixture"
	"github.com/pitabwire/intake/internal/observability"
	"github.com/pitabwire/intake/internal/policy"
	"github.com/pitabwire/intake/model"
)

var (
	t0     = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	booked = fixture.Booked
)

type stubSource struct {
	items   []model.SelectableItem
	prior   []model.BookedItem
	catErr  error
	bookErr error
}

func (s stubSource) FetchCatalog(context.Context) ([]model.SelectableItem, error) {
	return s.items, s.catErr
}

func (s stubSource) FetchBooking(context.Context, string) ([]model.BookedItem, error) {
	return s.prior, s.bookErr
}

type countingRecorder struct {
	mu       sync.Mutex
	events   map[string]int
	syncs    map[string]int
	reverts  int
	emitted  int
	validity []bool
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{events: map[string]int{}, syncs: map[string]int{}}
}

func (r *countingRecorder) RecordEvent(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[kind]++
}

func (r *countingRecorder) RecordSync(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.syncs[outcome]++
}

func (r *countingRecorder) RecordProtectionRevert() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reverts++
}

func (r *countingRecorder) RecordEmission() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emitted++
}

func (r *countingRecorder) RecordValidation(valid bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validity = append(r.validity, valid)
}

type harness struct {
	t    *testing.T
	clk  *clock.Manual
	sink *emission.Memory
	rec  *countingRecorder
	pol  *policy.Policy
	eng  *Engine
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		t:    t,
		clk:  clock.NewManual(t0),
		sink: emission.NewMemory(),
		rec:  newCountingRecorder(),
		pol:  fixture.Policy(t),
	}
	opts := Options{
		SessionID:   "sess-1",
		BookingID:   "bk-1",
		BookingType: "standard",
		Policy:      h.pol,
		Config:      config.Defaults().Engine,
		Clock:       h.clk,
		Sink:        h.sink,
		Recorder:    h.rec,
	}
	for _, m := range mutate {
		m(&opts)
	}
	h.eng = New(opts)
	t.Cleanup(h.eng.Close)
	return h
}

func (h *harness) load(prior ...model.BookedItem) {
	h.t.Helper()
	require.NoError(h.t, h.eng.Load(context.Background(), stubSource{items: fixture.Items(), prior: prior}))
}

func (h *harness) do(ev Event) {
	h.t.Helper()
	require.NoError(h.t, h.eng.Dispatch(ev))
}

func (h *harness) set(key string, v model.Value) {
	h.t.Helper()
	h.do(SetValue{Key: key, Value: v})
}

func (h *harness) last() model.Emission {
	h.t.Helper()
	em, ok, err := h.sink.Latest(context.Background(), "sess-1")
	require.NoError(h.t, err)
	require.True(h.t, ok, "nothing emitted")
	return em
}

func (h *harness) history() []model.Emission { return h.sink.History("sess-1") }

func item(id string) model.SelectableItem {
	for _, it := range fixture.Items() {
		if it.ID == id {
			return it
		}
	}
	panic("unknown fixture item " + id)
}

func record(category string, entries ...model.EquipmentEntry) model.EquipmentChange {
	return model.EquipmentChange{Category: category, Equipments: entries}
}

func on(id string) model.EquipmentEntry {
	return model.EquipmentEntry{SelectableItem: item(id), Value: true}
}

func findChange(em model.Emission, category string) (model.EquipmentChange, bool) {
	for _, ch := range em.Changes {
		if ch.Category == category {
			return ch, true
		}
	}
	return model.EquipmentChange{}, false
}

func TestEngine_HoistRequiresSling(t *testing.T) {
	h := newHarness(t)
	h.load()
	h.clk.Advance(time.Second)

	first := h.last()
	assert.False(t, first.Valid)
	assert.Empty(t, first.Errors, "nothing is surfaced before the user interacts")

	h.set("ceiling_hoist", model.Scalar(model.Yes))
	h.clk.Advance(100 * time.Millisecond)
	em := h.last()
	hoist, ok := findChange(em, "ceiling_hoist")
	require.True(t, ok)
	assert.True(t, hoist.IsDirty)
	assert.True(t, hoist.Equipments[0].Value)
	assert.NotContains(t, em.Errors, "sling", "validation is held while the user is active")

	h.clk.Advance(900 * time.Millisecond)
	em = h.last()
	assert.False(t, em.Valid)
	assert.Equal(t, h.pol.Message(policy.MsgDependentChild), em.Errors["sling"])

	h.set("sling", model.Scalar("s1"))
	h.clk.Advance(time.Second)
	em = h.last()
	assert.NotContains(t, em.Errors, "sling")
	sling, ok := findChange(em, "sling")
	require.True(t, ok)
	assert.Equal(t, "s1", sling.Equipments[0].ID)
}

func TestEngine_HoistNoClearsSling(t *testing.T) {
	h := newHarness(t)
	h.load()
	h.set("ceiling_hoist", model.Scalar(model.Yes))
	h.clk.Advance(time.Second)
	require.Contains(t, h.eng.Snapshot().Errors, "sling")

	h.set("sling", model.Scalar("s2"))
	h.set("ceiling_hoist", model.Scalar(model.No))
	h.clk.Advance(time.Second)

	snap := h.eng.Snapshot()
	assert.NotContains(t, snap.Values, "sling")
	assert.NotContains(t, snap.Errors, "sling")
	assert.NotContains(t, snap.Locks, "sling", "cascade releases the child lock")
	assert.Equal(t, model.Scalar(model.No), snap.Values["ceiling_hoist"])
}

func TestEngine_ProtectionWindow(t *testing.T) {
	h := newHarness(t)
	h.load(booked(item("h1")), booked(item("s2")))
	h.clk.Advance(time.Second)

	h.set("sling", model.Scalar("s1"))
	h.clk.Advance(time.Second)

	h.do(ExternalSync{Changes: []model.EquipmentChange{record("sling", on("s2"))}})
	assert.Equal(t, model.Scalar("s1"), h.eng.Snapshot().Values["sling"], "locked key keeps the user value")

	h.clk.Advance(1500 * time.Millisecond)
	h.do(ExternalSync{Changes: []model.EquipmentChange{record("bathroom_aids", on("b1"))}})
	assert.Equal(t, model.List("b1"), h.eng.Snapshot().Values["bathroom_aids"], "other categories sync once the quiet period ends")

	h.clk.Advance(3 * time.Second)
	h.do(ExternalSync{Changes: []model.EquipmentChange{record("sling", on("s2"))}})
	assert.Equal(t, model.Scalar("s2"), h.eng.Snapshot().Values["sling"])

	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	assert.Equal(t, 1, h.rec.syncs["locked"])
	assert.Equal(t, 2, h.rec.syncs["applied"])
}

func TestEngine_QuietPeriodDropsOtherCategories(t *testing.T) {
	h := newHarness(t)
	h.load()
	h.set("ceiling_hoist", model.Scalar(model.Yes))
	h.clk.Advance(time.Second)

	h.do(ExternalSync{Changes: []model.EquipmentChange{record("bathroom_aids", on("b2"))}})
	assert.NotContains(t, h.eng.Snapshot().Values, "bathroom_aids")
}

func TestEngine_VersionedSync(t *testing.T) {
	h := newHarness(t)
	h.load()
	h.set("ceiling_hoist", model.Scalar(model.Yes))
	h.set("sling", model.Scalar("s1"))
	h.clk.Advance(100 * time.Millisecond)

	sling, ok := findChange(h.last(), "sling")
	require.True(t, ok)
	userVersion := sling.Version
	require.NotZero(t, userVersion)

	stale := record("sling", on("s2"))
	stale.Version = userVersion - 1
	h.do(ExternalSync{Changes: []model.EquipmentChange{stale}})
	assert.Equal(t, model.Scalar("s1"), h.eng.Snapshot().Values["sling"])

	h.do(ExternalSync{Changes: []model.EquipmentChange{record("sling", on("s2"))}, Version: userVersion + 1})
	snap := h.eng.Snapshot()
	assert.Equal(t, model.Scalar("s2"), snap.Values["sling"], "a newer version wins inside the window")
	assert.NotContains(t, snap.Locks, "sling")
}

func TestEngine_InfantCarePrefillEmitted(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Prefill = map[string]int{"high_chair": 1} })
	h.load()
	h.clk.Advance(100 * time.Millisecond)

	ch, ok := findChange(h.last(), "infant_care")
	require.True(t, ok)
	require.Len(t, ch.Equipments, 1)
	e := ch.Equipments[0]
	assert.Equal(t, "hc", e.ID)
	assert.True(t, e.Value)
	require.NotNil(t, e.MetaData)
	assert.Equal(t, 1, e.MetaData.Quantity)
	assert.Equal(t, model.SourcePrefilled, e.MetaData.Source)
}

func TestEngine_SetQuantity(t *testing.T) {
	h := newHarness(t)
	h.load()

	h.do(SetQuantity{ItemID: "cot", Quantity: 5})
	q := h.eng.Snapshot().Quantities["cot"]
	assert.Equal(t, model.MaxQuantity, q.Quantity)
	assert.True(t, q.UserModified)

	err := h.eng.Dispatch(SetQuantity{ItemID: "s1", Quantity: 1})
	assert.Equal(t, model.ErrUnknownKey, model.CodeOf(err))
}

func TestEngine_DisabledRejectsUserWritesButSyncs(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Disabled = true })
	h.load()

	err := h.eng.Dispatch(SetValue{Key: "ceiling_hoist", Value: model.Scalar(model.Yes)})
	assert.Equal(t, model.ErrReadOnly, model.CodeOf(err))

	h.do(ExternalSync{Changes: []model.EquipmentChange{record("ceiling_hoist", on("h1"))}})
	assert.Equal(t, model.Scalar(model.Yes), h.eng.Snapshot().Values["ceiling_hoist"])

	h.do(SetDisabled{Disabled: false})
	h.set("ceiling_hoist", model.Scalar(model.No))
}

func TestEngine_WritesBeforeLoad(t *testing.T) {
	h := newHarness(t)
	err := h.eng.Dispatch(SetValue{Key: "ceiling_hoist", Value: model.Scalar(model.Yes)})
	assert.Equal(t, model.ErrConflict, model.CodeOf(err))

	h.do(ExternalSync{Changes: []model.EquipmentChange{record("ceiling_hoist", on("h1"))}})
	assert.False(t, h.eng.Snapshot().Loaded)
}

func TestEngine_ShapeMismatch(t *testing.T) {
	h := newHarness(t)
	h.load()
	err := h.eng.Dispatch(SetValue{Key: "bathroom_aids", Value: model.Scalar("b1")})
	assert.Equal(t, model.ErrShapeMismatch, model.CodeOf(err))
}

func TestEngine_UnmountStopsEverything(t *testing.T) {
	h := newHarness(t)
	h.load()
	h.set("ceiling_hoist", model.Scalar(model.Yes))
	require.NotZero(t, h.clk.Pending())

	h.eng.Close()
	h.eng.Close()
	assert.Zero(t, h.clk.Pending())
	assert.False(t, h.eng.Alive())

	err := h.eng.Dispatch(SetValue{Key: "sling", Value: model.Scalar("s1")})
	assert.Equal(t, model.ErrSessionClosed, model.CodeOf(err))

	before := len(h.history())
	h.clk.Advance(10 * time.Second)
	assert.Len(t, h.history(), before)
}

func TestEngine_ValidationWaitsForIdleUser(t *testing.T) {
	h := newHarness(t)
	h.load()
	h.clk.Advance(time.Second)

	h.set("ceiling_hoist", model.Scalar(model.Yes))
	h.clk.Advance(500 * time.Millisecond)
	h.do(Touch{Key: "sling"})

	h.clk.Advance(900 * time.Millisecond)
	assert.Empty(t, h.eng.Snapshot().Errors)

	h.clk.Advance(100 * time.Millisecond)
	assert.Contains(t, h.eng.Snapshot().Errors, "sling")
}

func TestEngine_EmissionDedupe(t *testing.T) {
	h := newHarness(t)
	h.load()
	h.clk.Advance(time.Second)
	require.Len(t, h.history(), 1)

	h.load()
	h.clk.Advance(time.Second)
	assert.Len(t, h.history(), 1, "an identical pass is not delivered twice")

	h.set("ceiling_hoist", model.Scalar(model.Yes))
	h.clk.Advance(2 * time.Second)
	hist := h.history()
	require.Greater(t, len(hist), 1)
	for i := 1; i < len(hist); i++ {
		assert.Equal(t, hist[i-1].Sequence+1, hist[i].Sequence)
	}
	last, ok := h.eng.LastEmission()
	require.True(t, ok)
	assert.Equal(t, hist[len(hist)-1].Sequence, last.Sequence)

	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	assert.Equal(t, len(hist), h.rec.emitted)
	assert.Equal(t, 1, h.rec.events[KindSetValue])
	assert.NotEmpty(t, h.rec.validity)
}

func TestEngine_FetchFailureDegrades(t *testing.T) {
	h := newHarness(t)
	src := stubSource{catErr: errors.New("backend down"), bookErr: errors.New("backend down")}
	require.NoError(t, h.eng.Load(context.Background(), src))

	snap := h.eng.Snapshot()
	assert.True(t, snap.Loaded)
	assert.Empty(t, snap.Categories)

	require.NoError(t, h.eng.Load(context.Background(), stubSource{items: fixture.Items()}))
	assert.NotEmpty(t, h.eng.Snapshot().Categories)

	require.NoError(t, h.eng.Load(context.Background(), stubSource{catErr: errors.New("flaky")}))
	assert.NotEmpty(t, h.eng.Snapshot().Categories, "a failed reload keeps the live catalog")
}

func TestEngine_ReloadKeepsUserEdits(t *testing.T) {
	h := newHarness(t)
	h.load(booked(item("h1")), booked(item("s2")))
	h.set("sling", model.Scalar("s1"))

	h.load(booked(item("h1")), booked(item("s1")), booked(item("s2")))
	assert.Equal(t, model.Scalar("s1"), h.eng.Snapshot().Values["sling"])
}

func TestEngine_ConcurrentDispatch(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Clock = clock.Real() })
	h.load()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v := model.Yes
			if i%2 == 0 {
				v = model.No
			}
			_ = h.eng.Dispatch(SetValue{Key: "ceiling_hoist", Value: model.Scalar(v)})
			_ = h.eng.Snapshot()
		}()
	}
	wg.Wait()
	assert.Equal(t, []string{"ceiling_hoist"}, h.eng.Snapshot().Touched)
}

func off(id string) model.EquipmentEntry {
	return model.EquipmentEntry{SelectableItem: item(id), Value: false}
}

func (h *harness) reverts() int {
	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	return h.rec.reverts
}

func TestEngine_UnknownItemsAreRejected(t *testing.T) {
	h := newHarness(t)
	h.load()
	h.set("ceiling_hoist", model.Scalar(model.Yes))

	err := h.eng.Dispatch(SetValue{Key: "sling", Value: model.Scalar("no-such-item")})
	assert.Equal(t, model.ErrUnknownKey, model.CodeOf(err))
	err = h.eng.Dispatch(SetValue{Key: "bathroom_aids", Value: model.List("ghost")})
	assert.Equal(t, model.ErrUnknownKey, model.CodeOf(err))
	err = h.eng.Dispatch(SetValue{Key: "shower_commode", Value: model.Scalar("tc")})
	assert.Equal(t, model.ErrUnknownKey, model.CodeOf(err), "hidden items are not choices")

	h.clk.Advance(2 * time.Second)
	em := h.last()
	assert.False(t, em.Valid)
	assert.Equal(t, h.pol.Message(policy.MsgDependentChild), em.Errors["sling"])
	_, ok := findChange(em, "sling")
	assert.False(t, ok)
	assert.NotContains(t, h.eng.Snapshot().Values, "bathroom_aids")
}

func TestEngine_SyncIgnoresUnknownItems(t *testing.T) {
	h := newHarness(t)
	h.load()
	h.clk.Advance(time.Second)

	ghost := model.EquipmentEntry{SelectableItem: model.SelectableItem{ID: "ghost", Name: "Ghost"}, Value: true}
	h.do(ExternalSync{Changes: []model.EquipmentChange{record("bathroom_aids", ghost, on("b2"))}})
	assert.Equal(t, model.List("b2"), h.eng.Snapshot().Values["bathroom_aids"])
}

func TestEngine_ReloadRevertsLockedKey(t *testing.T) {
	h := newHarness(t)
	h.load(booked(item("h1")), booked(item("s2")))
	h.set("sling", model.Scalar("s1"))
	require.Zero(t, h.reverts())

	// A new category changes the layout, so the reload reseeds sling from
	// the booking while its lock is still active.
	items := append(fixture.Items(), fixture.Item("g1", "Bed Rail", "bed_rail", 20))
	prior := []model.BookedItem{booked(item("h1")), booked(item("s2"))}
	require.NoError(t, h.eng.Load(context.Background(), stubSource{items: items, prior: prior}))

	snap := h.eng.Snapshot()
	assert.Equal(t, model.Scalar("s1"), snap.Values["sling"])
	assert.Contains(t, snap.Locks, "sling")
	assert.Equal(t, 1, h.reverts())

	h.clk.Advance(100 * time.Millisecond)
	sling, ok := findChange(h.last(), "sling")
	require.True(t, ok)
	assert.Equal(t, "s1", sling.Equipments[0].ID)
}

func TestEngine_VersionedParentSyncClearsLockedChild(t *testing.T) {
	h := newHarness(t)
	h.load()
	h.set("ceiling_hoist", model.Scalar(model.Yes))
	h.set("sling", model.Scalar("s1"))
	h.clk.Advance(100 * time.Millisecond)

	hoist, ok := findChange(h.last(), "ceiling_hoist")
	require.True(t, ok)

	ch := record("ceiling_hoist", off("h1"))
	ch.Version = hoist.Version + 5
	h.do(ExternalSync{Changes: []model.EquipmentChange{ch}})

	snap := h.eng.Snapshot()
	assert.Equal(t, model.Scalar(model.No), snap.Values["ceiling_hoist"])
	assert.NotContains(t, snap.Values, "sling")
	assert.NotContains(t, snap.Locks, "sling")
	assert.Zero(t, h.reverts())

	h.clk.Advance(time.Second)
	em := h.last()
	if sling, ok := findChange(em, "sling"); ok {
		for _, e := range sling.Equipments {
			assert.False(t, e.Value, "sling must not be persisted once the hoist is gone")
		}
	}
	assert.NotContains(t, em.Errors, "sling")
}

func TestEngine_UnversionedParentSyncClearsLockedChild(t *testing.T) {
	h := newHarness(t)
	h.load()
	h.set("ceiling_hoist", model.Scalar(model.Yes))
	h.clk.Advance(3 * time.Second)
	h.set("sling", model.Scalar("s1"))

	// The hoist lock and the quiet period have run out; the sling lock has
	// not.
	h.clk.Advance(2500 * time.Millisecond)
	require.Equal(t, []string{"sling"}, h.eng.Snapshot().Locks)

	h.do(ExternalSync{Changes: []model.EquipmentChange{record("ceiling_hoist", off("h1"))}})

	snap := h.eng.Snapshot()
	assert.Equal(t, model.Scalar(model.No), snap.Values["ceiling_hoist"])
	assert.NotContains(t, snap.Values, "sling")
	assert.Empty(t, snap.Locks)
	assert.Zero(t, h.reverts())
}

func TestEngine_DispatchRecordsSpanEvents(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	h := newHarness(t)
	h.load()
	h.set("ceiling_hoist", model.Scalar(model.Yes))
	h.set("sling", model.Scalar("s1"))

	hoistOff := record("ceiling_hoist", off("h1"))
	hoistOff.Version = 100

	ctx, span := tp.Tracer("engine_test").Start(context.Background(), "session.dispatch")
	require.NoError(t, h.eng.DispatchContext(ctx, ExternalSync{Changes: []model.EquipmentChange{
		record("sling", on("s2")),
		hoistOff,
	}}))
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	var names []string
	for _, ev := range spans[0].Events {
		names = append(names, ev.Name)
	}
	assert.Equal(t, []string{
		observability.SpanEventSyncDropped,
		observability.SpanEventCascade,
		observability.SpanEventSyncApplied,
	}, names)

	dropped := map[string]string{}
	for _, kv := range spans[0].Events[0].Attributes {
		dropped[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, map[string]string{"intake.category": "sling", "intake.reason": "locked"}, dropped)
}
