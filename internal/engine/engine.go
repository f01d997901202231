// Package engine runs one equipment selection form session: an explicit
// State, a Reducer that applies events to it, and a runtime that serializes
// events, drives debounce and protection timers and delivers settled passes
// to a Sink.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/intake/internal/catalog"
	"github.com/pitabwire/intake/internal/clock"
	"github.com/pitabwire/intake/internal/config"
	"github.com/pitabwire/intake/internal/guard"
	"github.com/pitabwire/intake/internal/observability"
	"github.com/pitabwire/intake/internal/policy"
	"github.com/pitabwire/intake/internal/scheduler"
	"github.com/pitabwire/intake/internal/validation"
	"github.com/pitabwire/intake/model"
)

const publishTimeout = 5 * time.Second

// Sink receives settled passes on behalf of the parent form.
type Sink interface {
	Publish(ctx context.Context, em model.Emission) error
}

// Recorder receives engine metrics.
type Recorder interface {
	RecordEvent(kind string)
	RecordSync(outcome string)
	RecordProtectionRevert()
	RecordEmission()
	RecordValidation(valid bool)
}

type nopRecorder struct{}

func (nopRecorder) RecordEvent(string)      {}
func (nopRecorder) RecordSync(string)       {}
func (nopRecorder) RecordProtectionRevert() {}
func (nopRecorder) RecordEmission()         {}
func (nopRecorder) RecordValidation(bool)   {}

// Options configures a new Engine.
type Options struct {
	SessionID   string
	BookingID   string
	BookingType string
	Prefill     map[string]int
	Disabled    bool

	Policy   *policy.Policy
	Config   config.EngineConfig
	Clock    clock.Clock
	Sink     Sink
	Logger   *zap.Logger
	Recorder Recorder
}

// Engine is safe for concurrent use. Events are applied one at a time.
type Engine struct {
	sessionID    string
	bookingID    string
	fetchTimeout time.Duration

	reducer Reducer
	clock   clock.Clock
	sched   *scheduler.Scheduler
	sink    Sink
	logger  *zap.Logger
	metrics Recorder

	mu           sync.Mutex
	state        State
	lastActivity time.Time
	seq          uint64
	last         *model.Emission
	outbox       []model.Emission

	// pubMu orders sink delivery. It is taken while mu is held and released
	// after publishing, so emissions leave in the order they were produced.
	pubMu sync.Mutex
}

// New mounts an engine. Nothing is loaded until Load runs.
func New(opts Options) *Engine {
	c := opts.Clock
	if c == nil {
		c = clock.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	rec := opts.Recorder
	if rec == nil {
		rec = nopRecorder{}
	}
	cfg := opts.Config

	e := &Engine{
		sessionID:    opts.SessionID,
		bookingID:    opts.BookingID,
		fetchTimeout: cfg.FetchTimeout,
		reducer: Reducer{
			Policy:    opts.Policy,
			Validator: validation.New(opts.Policy),
			Timing: Timing{
				EmitDebounce:            cfg.EmitDebounce,
				ValidateDebounce:        cfg.ValidateDebounce,
				ValidateInteractionHold: cfg.ValidateInteractionHold,
			},
		},
		clock:   c,
		sched:   scheduler.New(c),
		sink:    opts.Sink,
		logger:  logger.With(zap.String("session_id", opts.SessionID), zap.String("booking_id", opts.BookingID)),
		metrics: rec,
		state: NewState(opts.SessionID, opts.BookingType, opts.Prefill, opts.Disabled,
			cfg.ProtectionWindow, cfg.QuietPeriod),
		lastActivity: c.Now(),
	}
	return e
}

// ID returns the session id.
func (e *Engine) ID() string { return e.sessionID }

// BookingID returns the booking the session edits.
func (e *Engine) BookingID() string { return e.bookingID }

// Load fetches the catalog and the booking's saved items and seeds the form.
// Fetch failures are logged and degrade to empty data.
func (e *Engine) Load(ctx context.Context, src catalog.Source) error {
	if e.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.fetchTimeout)
		defer cancel()
	}

	items, catErr := src.FetchCatalog(ctx)
	prior, bookErr := src.FetchBooking(ctx, e.bookingID)

	return e.DispatchContext(ctx, Loaded{Items: items, Prior: prior, CatalogErr: catErr, BookingErr: bookErr})
}

// Dispatch applies ev.
func (e *Engine) Dispatch(ev Event) error {
	return e.DispatchContext(context.Background(), ev)
}

// DispatchContext applies ev. Sync outcomes, protection reverts and
// cascades it causes are recorded as events on the span carried by ctx.
func (e *Engine) DispatchContext(ctx context.Context, ev Event) error {
	e.mu.Lock()
	if err := e.apply(ctx, ev); err != nil {
		e.mu.Unlock()
		return err
	}
	e.handOff()
	return nil
}

// fire is the callback of every scheduled timer. A timer that outlives the
// session does nothing.
func (e *Engine) fire(name string) {
	e.mu.Lock()
	if !e.state.Alive {
		e.mu.Unlock()
		return
	}
	if err := e.apply(context.Background(), TimerFired{Name: name}); err != nil {
		e.logger.Debug("timer dropped", zap.String("timer", name), zap.Error(err))
		e.mu.Unlock()
		return
	}
	e.handOff()
}

// apply runs the reducer and carries out its effects. Must be called with mu
// held.
func (e *Engine) apply(ctx context.Context, ev Event) error {
	now := e.clock.Now()
	next, effects, err := e.reducer.Apply(e.state, ev, now)
	if err != nil {
		return fmt.Errorf("apply %s: %w", ev.Kind(), err)
	}
	e.state = next
	if ev.Kind() != KindTimerFired {
		e.lastActivity = now
		e.metrics.RecordEvent(ev.Kind())
	}

	for _, eff := range effects {
		switch eff := eff.(type) {
		case ArmTimer:
			name := eff.Name
			e.sched.Arm(name, eff.After, func() { e.fire(name) })
		case CancelTimers:
			e.sched.Close()
		case Notice:
			e.observe(ctx, eff)
		case Emit:
			e.queue(eff, now)
		}
	}
	return nil
}

func (e *Engine) observe(ctx context.Context, n Notice) {
	switch n.Kind {
	case NoticeFetchDegraded:
		e.logger.Warn("fetch failed, continuing with empty data",
			zap.String("source", n.Key), zap.String("error", n.Reason))
		observability.AddSpanEvent(ctx, observability.SpanEventFetchDegraded,
			observability.AttrOperation.String(n.Key), observability.AttrReason.String(n.Reason))
	case NoticeSyncApplied:
		e.metrics.RecordSync("applied")
		e.logger.Debug("external sync applied", zap.String("category", n.Key))
		observability.AddSpanEvent(ctx, observability.SpanEventSyncApplied,
			observability.AttrCategory.String(n.Key))
	case NoticeSyncDropped:
		e.metrics.RecordSync(n.Reason)
		e.logger.Info("external sync dropped", zap.String("category", n.Key), zap.String("reason", n.Reason))
		observability.AddSpanEvent(ctx, observability.SpanEventSyncDropped,
			observability.AttrCategory.String(n.Key), observability.AttrReason.String(n.Reason))
	case NoticeProtectionRevert:
		e.metrics.RecordProtectionRevert()
		e.logger.Warn("protected selection restored", zap.String("key", n.Key))
		observability.AddSpanEvent(ctx, observability.SpanEventProtectionRevert,
			observability.AttrSelectionKey.String(n.Key))
	case NoticeCascade:
		e.logger.Debug("dependent selection cleared", zap.String("key", n.Key), zap.String("parent", n.Reason))
		observability.AddSpanEvent(ctx, observability.SpanEventCascade,
			observability.AttrSelectionKey.String(n.Key), observability.AttrCategory.String(n.Reason))
	case NoticeValidated:
		e.metrics.RecordValidation(e.state.Valid)
		e.logger.Debug("validation pass", zap.String("result", n.Reason))
	}
}

// queue turns an Emit effect into an Emission unless it repeats the last
// one. Must be called with mu held.
func (e *Engine) queue(eff Emit, now time.Time) {
	em := model.Emission{
		SessionID: e.sessionID,
		BookingID: e.bookingID,
		Valid:     eff.Valid,
		Changes:   eff.Changes,
		Errors:    eff.Errors,
		EmittedAt: now,
	}
	if e.last != nil && sameEmission(*e.last, em) {
		return
	}
	e.seq++
	em.Sequence = e.seq
	e.last = &em
	e.outbox = append(e.outbox, em)
}

// handOff releases mu and publishes queued emissions in order. Must be
// called with mu held.
func (e *Engine) handOff() {
	out := e.outbox
	e.outbox = nil
	if len(out) == 0 || e.sink == nil {
		e.mu.Unlock()
		return
	}
	e.pubMu.Lock()
	e.mu.Unlock()
	defer e.pubMu.Unlock()

	for _, em := range out {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := e.sink.Publish(ctx, em)
		cancel()
		if err != nil {
			e.logger.Error("emission delivery failed", zap.Uint64("sequence", em.Sequence), zap.Error(err))
			continue
		}
		e.metrics.RecordEmission()
	}
}

// sameEmission compares the delivered content of two emissions, ignoring
// timestamps and sequence numbers.
func sameEmission(a, b model.Emission) bool {
	strip := func(em model.Emission) model.Emission {
		em.EmittedAt = time.Time{}
		em.Sequence = 0
		changes := make([]model.EquipmentChange, len(em.Changes))
		for i, ch := range em.Changes {
			ch.LastUpdated = time.Time{}
			changes[i] = ch
		}
		em.Changes = changes
		if len(em.Errors) == 0 {
			em.Errors = nil
		}
		return em
	}
	return guard.Identical(strip(a), strip(b))
}

// LastEmission returns the most recent emission.
func (e *Engine) LastEmission() (model.Emission, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return model.Emission{}, false
	}
	return *e.last, true
}

// LastActivity returns the time of the last non-timer event.
func (e *Engine) LastActivity() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastActivity
}

// Alive reports whether the session is still mounted.
func (e *Engine) Alive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Alive
}

// Close unmounts the session and cancels every timer. It is idempotent.
func (e *Engine) Close() {
	_ = e.Dispatch(Unmount{})
}
