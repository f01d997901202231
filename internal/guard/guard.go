// Package guard protects fresh user choices from being overwritten by
// external synchronization. It combines a global quiet period after every
// user interaction, per-key locks that remember the last user-confirmed
// value, and per-key user write versions.
//
// The guard holds no timers. Callers pass the current time to every method
// and schedule their own expiry callbacks; expired windows are treated as
// released whether or not the callback has run.
package guard

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/pitabwire/intake/model"
)

// Drop reasons reported for rejected synchronization attempts.
const (
	ReasonStaleVersion = "stale_version"
	ReasonQuietPeriod  = "quiet_period"
	ReasonLocked       = "locked"
	ReasonNoop         = "noop"
)

// Lock is the protection entry of one selection key.
type Lock struct {
	ExpiresAt     time.Time
	LastKnownGood model.Value
}

// Decision is the outcome of AdmitSync.
type Decision struct {
	Apply  bool
	Reason string
}

// Guard is not safe for concurrent use.
type Guard struct {
	window time.Duration
	quiet  time.Duration

	lastInteraction time.Time
	quietUntil      time.Time

	locks   map[string]Lock
	userSeq map[string]uint64
	seq     uint64
}

// New returns a guard with the given per-key lock window and global
// quiet period.
func New(window, quiet time.Duration) *Guard {
	return &Guard{
		window:  window,
		quiet:   quiet,
		locks:   make(map[string]Lock),
		userSeq: make(map[string]uint64),
	}
}

// Clone returns a deep copy of g.
func (g *Guard) Clone() *Guard {
	c := *g
	c.locks = maps.Clone(g.locks)
	for k, l := range c.locks {
		l.LastKnownGood = l.LastKnownGood.Clone()
		c.locks[k] = l
	}
	c.userSeq = maps.Clone(g.userSeq)
	return &c
}

// Window returns the per-key lock duration.
func (g *Guard) Window() time.Duration { return g.window }

// QuietPeriod returns the global quiet duration.
func (g *Guard) QuietPeriod() time.Duration { return g.quiet }

// MarkUserInteraction stamps the last interaction and restarts the quiet
// period.
func (g *Guard) MarkUserInteraction(now time.Time) {
	g.lastInteraction = now
	g.quietUntil = now.Add(g.quiet)
}

// LastInteraction returns the time of the last user interaction.
func (g *Guard) LastInteraction() time.Time { return g.lastInteraction }

// Quiet reports whether external synchronization is currently suppressed.
func (g *Guard) Quiet(now time.Time) bool {
	return now.Before(g.quietUntil)
}

// Protect locks a selection key until now plus the window, remembers v as
// its last known good value, and returns the new user version of the key.
func (g *Guard) Protect(key string, v model.Value, now time.Time) uint64 {
	g.locks[key] = Lock{ExpiresAt: now.Add(g.window), LastKnownGood: v.Clone()}
	g.seq++
	g.userSeq[key] = g.seq
	return g.seq
}

// Locked returns the active lock of key.
func (g *Guard) Locked(key string, now time.Time) (Lock, bool) {
	l, ok := g.locks[key]
	if !ok || !now.Before(l.ExpiresAt) {
		return Lock{}, false
	}
	return l, true
}

// Release drops the lock of key.
func (g *Guard) Release(key string) { delete(g.locks, key) }

// ReleaseExpired drops every lock that has run out and returns the released
// keys in sorted order.
func (g *Guard) ReleaseExpired(now time.Time) []string {
	var out []string
	for name, l := range g.locks {
		if !now.Before(l.ExpiresAt) {
			delete(g.locks, name)
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

// ActiveLocks returns the keys locked at now, sorted.
func (g *Guard) ActiveLocks(now time.Time) []string {
	var out []string
	for name, l := range g.locks {
		if now.Before(l.ExpiresAt) {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

// Version returns the last user version of key, zero if the user never
// wrote it.
func (g *Guard) Version(key string) uint64 { return g.userSeq[key] }

// Heal compares a non-user write to key with its last known good value.
// While the lock is active a differing write is reverted: Heal returns the
// value to restore and true.
func (g *Guard) Heal(key string, incoming model.Value, now time.Time) (model.Value, bool) {
	l, ok := g.Locked(key, now)
	if !ok || l.LastKnownGood.Equal(incoming) {
		return incoming, false
	}
	return l.LastKnownGood.Clone(), true
}

// AdmitSync decides whether an external write touching keys may be applied.
//
// A non-zero version is authoritative: it is rejected only when older than
// the last user version of any key, and otherwise releases their locks.
// Without a version the time windows apply. identical reports whether the
// incoming content equals what is held.
func (g *Guard) AdmitSync(keys []string, version uint64, now time.Time, identical bool) Decision {
	if version > 0 {
		for _, k := range keys {
			if version < g.userSeq[k] {
				return Decision{Reason: ReasonStaleVersion}
			}
		}
		for _, k := range keys {
			g.Release(k)
		}
		if identical {
			return Decision{Reason: ReasonNoop}
		}
		return Decision{Apply: true}
	}
	for _, k := range keys {
		if _, locked := g.Locked(k, now); locked {
			return Decision{Reason: ReasonLocked}
		}
	}
	if g.Quiet(now) {
		return Decision{Reason: ReasonQuietPeriod}
	}
	if identical {
		return Decision{Reason: ReasonNoop}
	}
	return Decision{Apply: true}
}

// Canonical returns the RFC 8785 canonical JSON form of v.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("guard: marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("guard: canonicalize: %w", err)
	}
	return out, nil
}

// Identical reports whether a and b serialize to the same canonical JSON.
// Values that cannot be serialized are never identical.
func Identical(a, b any) bool {
	ca, err := Canonical(a)
	if err != nil {
		return false
	}
	cb, err := Canonical(b)
	if err != nil {
		return false
	}
	return string(ca) == string(cb)
}
