// Package acquisition orchestrates location sources: it subscribes to the
// configured providers, runs every raw fix through the acceptance filter and
// persists accepted fixes.
package acquisition

import (
	"fmt"
	"sync"

	"github.com/bfabiszewski/ulogger-go/pkg"
)

// Subscription is an opaque handle for an active fix delivery registration.
type Subscription interface {
	Provider() string
}

// StatusFunc receives provider enabled/disabled transitions.
type StatusFunc func(provider string, enabled bool)

// LocationSource abstracts a platform location backend. Fix callbacks may
// arrive concurrently from different providers.
type LocationSource interface {
	Subscribe(provider string, cb func(pkg.Fix)) (Subscription, error)
	Unsubscribe(sub Subscription)
	IsEnabled(provider string) bool
	HasPermission() bool
	Watch(fn StatusFunc)
}

// PushSource is a LocationSource fed by explicit Offer calls. The daemon
// uses it for the coarse "network" provider, whose fixes arrive over the
// local HTTP API instead of a receiver.
type PushSource struct {
	provider string

	mu     sync.Mutex
	subs   map[int]func(pkg.Fix)
	nextID int
}

// NewPushSource creates a push source for the given provider id.
func NewPushSource(provider string) *PushSource {
	return &PushSource{
		provider: provider,
		subs:     make(map[int]func(pkg.Fix)),
	}
}

type pushSubscription struct {
	provider string
	id       int
}

func (s pushSubscription) Provider() string { return s.provider }

func (s *PushSource) Subscribe(provider string, cb func(pkg.Fix)) (Subscription, error) {
	if provider != s.provider {
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.subs[s.nextID] = cb
	return pushSubscription{provider: provider, id: s.nextID}, nil
}

func (s *PushSource) Unsubscribe(sub Subscription) {
	ps, ok := sub.(pushSubscription)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, ps.id)
}

func (s *PushSource) IsEnabled(provider string) bool {
	return provider == s.provider
}

func (s *PushSource) HasPermission() bool { return true }

// Watch is a no-op: a push source never flips availability.
func (s *PushSource) Watch(fn StatusFunc) {}

// Offer delivers a fix to every subscriber. The fix keeps the source's
// provider id regardless of what the caller filled in.
func (s *PushSource) Offer(f pkg.Fix) {
	f.Provider = s.provider

	s.mu.Lock()
	cbs := make([]func(pkg.Fix), 0, len(s.subs))
	for _, cb := range s.subs {
		cbs = append(cbs, cb)
	}
	s.mu.Unlock()

	for _, cb := range cbs {
		cb(f)
	}
}

// Mux combines per-provider sources behind a single LocationSource.
type Mux struct {
	mu      sync.Mutex
	sources map[string]LocationSource
}

// NewMux creates an empty source multiplexer.
func NewMux() *Mux {
	return &Mux{sources: make(map[string]LocationSource)}
}

// Register attaches a source for the given provider id.
func (m *Mux) Register(provider string, src LocationSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[provider] = src
}

func (m *Mux) get(provider string) LocationSource {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sources[provider]
}

func (m *Mux) Subscribe(provider string, cb func(pkg.Fix)) (Subscription, error) {
	src := m.get(provider)
	if src == nil {
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
	return src.Subscribe(provider, cb)
}

func (m *Mux) Unsubscribe(sub Subscription) {
	src := m.get(sub.Provider())
	if src == nil {
		return
	}
	src.Unsubscribe(sub)
}

func (m *Mux) IsEnabled(provider string) bool {
	src := m.get(provider)
	return src != nil && src.IsEnabled(provider)
}

// HasPermission reports whether every registered source may be read.
func (m *Mux) HasPermission() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, src := range m.sources {
		if !src.HasPermission() {
			return false
		}
	}
	return true
}

func (m *Mux) Watch(fn StatusFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, src := range m.sources {
		src.Watch(fn)
	}
}
