// Package emission delivers settled selection passes to the parent form.
// Every sink keeps the latest emission per session so a reconnecting form
// can pick up where it left off.
package emission

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pitabwire/intake/model"
)

// Sink receives emissions and returns the latest one per session.
type Sink interface {
	Publish(ctx context.Context, em model.Emission) error
	Latest(ctx context.Context, sessionID string) (model.Emission, bool, error)
	Close() error
}

// Memory is an in-process Sink. It also records the full history for tests
// and single-instance deployments.
type Memory struct {
	mu      sync.RWMutex
	latest  map[string]model.Emission
	history map[string][]model.Emission
}

// NewMemory returns an empty memory sink.
func NewMemory() *Memory {
	return &Memory{
		latest:  make(map[string]model.Emission),
		history: make(map[string][]model.Emission),
	}
}

// Publish stores em. Older sequence numbers never replace newer ones.
func (m *Memory) Publish(_ context.Context, em model.Emission) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.history[em.SessionID] = append(m.history[em.SessionID], em)
	if cur, ok := m.latest[em.SessionID]; ok && cur.Sequence > em.Sequence {
		return nil
	}
	m.latest[em.SessionID] = em
	return nil
}

// Latest returns the newest emission of sessionID.
func (m *Memory) Latest(_ context.Context, sessionID string) (model.Emission, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	em, ok := m.latest[sessionID]
	return em, ok, nil
}

// History returns every emission of sessionID in publish order.
func (m *Memory) History(sessionID string) []model.Emission {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.Emission(nil), m.history[sessionID]...)
}

// Forget drops everything held for sessionID.
func (m *Memory) Forget(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.latest, sessionID)
	delete(m.history, sessionID)
}

// Close implements Sink.
func (m *Memory) Close() error { return nil }

func encode(em model.Emission) ([]byte, error) {
	data, err := json.Marshal(em)
	if err != nil {
		return nil, fmt.Errorf("marshal emission: %w", err)
	}
	return data, nil
}

func decode(data []byte) (model.Emission, error) {
	var em model.Emission
	if err := json.Unmarshal(data, &em); err != nil {
		return model.Emission{}, fmt.Errorf("unmarshal emission: %w", err)
	}
	return em, nil
}
