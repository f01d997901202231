// Package session hosts live selection engines for the HTTP service: a
// registry keyed by session id, an idle reaper, per-session rate limits and
// idempotent event replay.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/intake/internal/catalog"
	"github.com/pitabwire/intake/internal/clock"
	"github.com/pitabwire/intake/internal/config"
	"github.com/pitabwire/intake/internal/engine"
	"github.com/pitabwire/intake/internal/policy"
	"github.com/pitabwire/intake/model"
)

// Unmount reasons.
const (
	ReasonClient   = "client"
	ReasonIdle     = "idle"
	ReasonShutdown = "shutdown"
)

// Recorder receives session lifecycle metrics.
type Recorder interface {
	RecordSessionMounted()
	RecordSessionUnmounted(reason string)
	SetLiveSessions(n int)
}

type nopRecorder struct{}

func (nopRecorder) RecordSessionMounted()         {}
func (nopRecorder) RecordSessionUnmounted(string) {}
func (nopRecorder) SetLiveSessions(int)           {}

// Options configures a Manager.
type Options struct {
	Config        config.EngineConfig
	Policy        *policy.Policy
	Source        catalog.Source
	Sink          engine.Sink
	Clock         clock.Clock
	Logger        *zap.Logger
	Metrics       Recorder
	EngineMetrics engine.Recorder
}

// MountRequest describes a new form session.
type MountRequest struct {
	BookingID   string         `json:"booking_id"`
	BookingType string         `json:"booking_type"`
	Prefill     map[string]int `json:"prefill,omitempty"`
	Disabled    bool           `json:"disabled"`
}

// Validate checks the request fields.
func (r MountRequest) Validate() error {
	var details []model.FieldError
	if r.BookingID == "" {
		details = append(details, model.FieldError{Field: "booking_id", Code: "required", Message: "booking_id is required"})
	}
	for k, q := range r.Prefill {
		if q < model.MinQuantity || q > model.MaxQuantity {
			details = append(details, model.FieldError{
				Field:   "prefill." + k,
				Code:    "out_of_range",
				Message: fmt.Sprintf("quantity must be between %d and %d", model.MinQuantity, model.MaxQuantity),
			})
		}
	}
	if len(details) > 0 {
		return model.NewValidationError(details)
	}
	return nil
}

// Manager is safe for concurrent use.
type Manager struct {
	opts    Options
	clock   clock.Clock
	logger  *zap.Logger
	metrics Recorder

	mu       sync.RWMutex
	sessions map[string]*engine.Engine

	loads  sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates an empty registry.
func NewManager(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = nopRecorder{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:     opts,
		clock:    opts.Clock,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		sessions: make(map[string]*engine.Engine),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Mount creates a session and starts fetching its catalog and booking in the
// background. The session accepts external syncs immediately and user writes
// once loading completes.
func (m *Manager) Mount(req MountRequest) (*engine.Engine, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	eng := engine.New(engine.Options{
		SessionID:   id,
		BookingID:   req.BookingID,
		BookingType: req.BookingType,
		Prefill:     req.Prefill,
		Disabled:    req.Disabled,
		Policy:      m.opts.Policy,
		Config:      m.opts.Config,
		Clock:       m.clock,
		Sink:        m.opts.Sink,
		Logger:      m.logger,
		Recorder:    m.opts.EngineMetrics,
	})

	m.mu.Lock()
	m.sessions[id] = eng
	n := len(m.sessions)
	m.mu.Unlock()

	m.metrics.RecordSessionMounted()
	m.metrics.SetLiveSessions(n)
	m.logger.Info("session mounted",
		zap.String("session_id", id),
		zap.String("booking_id", req.BookingID),
		zap.String("booking_type", req.BookingType),
		zap.Bool("disabled", req.Disabled),
	)

	m.loads.Add(1)
	go func() {
		defer m.loads.Done()
		if err := eng.Load(m.ctx, m.opts.Source); err != nil {
			m.logger.Debug("session load discarded", zap.String("session_id", id), zap.Error(err))
		}
	}()
	return eng, nil
}

// Get returns a live session.
func (m *Manager) Get(id string) (*engine.Engine, error) {
	m.mu.RLock()
	eng, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("session %q not found", id))
	}
	return eng, nil
}

// Unmount closes a session and removes it from the registry.
func (m *Manager) Unmount(id, reason string) error {
	m.mu.Lock()
	eng, ok := m.sessions[id]
	delete(m.sessions, id)
	n := len(m.sessions)
	m.mu.Unlock()
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("session %q not found", id))
	}

	eng.Close()
	m.metrics.RecordSessionUnmounted(reason)
	m.metrics.SetLiveSessions(n)
	m.logger.Info("session unmounted",
		zap.String("session_id", id),
		zap.String("booking_id", eng.BookingID()),
		zap.String("reason", reason),
	)
	return nil
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Reap unmounts every session idle for longer than the configured TTL and
// returns their ids.
func (m *Manager) Reap() []string {
	ttl := m.opts.Config.IdleSessionTTL
	if ttl <= 0 {
		return nil
	}
	cutoff := m.clock.Now().Add(-ttl)

	m.mu.RLock()
	var idle []string
	for id, eng := range m.sessions {
		if eng.LastActivity().Before(cutoff) {
			idle = append(idle, id)
		}
	}
	m.mu.RUnlock()

	reaped := idle[:0]
	for _, id := range idle {
		if err := m.Unmount(id, ReasonIdle); err == nil {
			reaped = append(reaped, id)
		}
	}
	return reaped
}

// RunReaper calls Reap every interval until ctx is done.
func (m *Manager) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if reaped := m.Reap(); len(reaped) > 0 {
				m.logger.Info("idle sessions reaped", zap.Int("count", len(reaped)))
			}
		}
	}
}

// Wait blocks until every background load has finished.
func (m *Manager) Wait() { m.loads.Wait() }

// Close unmounts every session and abandons pending loads.
func (m *Manager) Close() {
	m.cancel()

	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		_ = m.Unmount(id, ReasonShutdown)
	}
	m.loads.Wait()
}
