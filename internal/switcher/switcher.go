// Package switcher resolves the transport, client adapter and provider
// adapter for a session from the provider and client kind it was configured
// with.
//
// Registrations are made once at startup. A missing registration is a
// configuration error, reported by the Resolve methods with [ErrNotFound]
// so that session creation fails before any socket is touched.
package switcher

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/callrelay/pkg/media"
	"github.com/MrWong99/callrelay/pkg/provider/realtime"
)

// ErrNotFound is returned when nothing is registered for a provider or
// client kind.
var ErrNotFound = errors.New("switcher: not registered")

// TransportFactory returns a fresh, unconnected transport. Transports are
// single-use so one is built per session.
type TransportFactory func() realtime.Transport

// MediaFactory returns a fresh client adapter. Client adapters hold the
// session's stream id so one is built per session.
type MediaFactory func() media.Adapter

// Switcher maps providers and client kinds to their implementations. It is
// safe for concurrent use.
type Switcher struct {
	mu         sync.RWMutex
	transports map[realtime.Provider]TransportFactory
	adapters   map[realtime.Provider]realtime.Adapter
	clients    map[media.Kind]MediaFactory
}

// New returns an empty Switcher.
func New() *Switcher {
	return &Switcher{
		transports: make(map[realtime.Provider]TransportFactory),
		adapters:   make(map[realtime.Provider]realtime.Adapter),
		clients:    make(map[media.Kind]MediaFactory),
	}
}

// RegisterTransport registers the transport factory for p. The first
// registration for a provider wins; later ones are ignored and reported as
// false.
func (s *Switcher) RegisterTransport(p realtime.Provider, f TransportFactory) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.transports[p]; ok || f == nil {
		return false
	}
	s.transports[p] = f
	return true
}

// RegisterAdapter registers a provider adapter under its own Provider().
func (s *Switcher) RegisterAdapter(a realtime.Adapter) bool {
	if a == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p := a.Provider()
	if _, ok := s.adapters[p]; ok {
		return false
	}
	s.adapters[p] = a
	return true
}

// RegisterMedia registers the client adapter factory for k.
func (s *Switcher) RegisterMedia(k media.Kind, f MediaFactory) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[k]; ok || f == nil {
		return false
	}
	s.clients[k] = f
	return true
}

// Transport builds a new transport for p.
func (s *Switcher) Transport(p realtime.Provider) (realtime.Transport, error) {
	s.mu.RLock()
	f, ok := s.transports[p]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: transport/%q", ErrNotFound, p)
	}
	return f(), nil
}

// Adapter returns the provider adapter for p.
func (s *Switcher) Adapter(p realtime.Provider) (realtime.Adapter, error) {
	s.mu.RLock()
	a, ok := s.adapters[p]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: adapter/%q", ErrNotFound, p)
	}
	return a, nil
}

// Media builds a new client adapter for k.
func (s *Switcher) Media(k media.Kind) (media.Adapter, error) {
	s.mu.RLock()
	f, ok := s.clients[k]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: media/%q", ErrNotFound, k)
	}
	return f(), nil
}

// Resolved bundles everything a session needs from the switcher.
type Resolved struct {
	Transport realtime.Transport
	Adapter   realtime.Adapter
	Media     media.Adapter
}

// Resolve performs all three lookups, reporting every missing registration.
func (s *Switcher) Resolve(p realtime.Provider, k media.Kind) (Resolved, error) {
	s.mu.RLock()
	tf, tok := s.transports[p]
	a, aok := s.adapters[p]
	mf, mok := s.clients[k]
	s.mu.RUnlock()

	var errs []error
	if !tok {
		errs = append(errs, fmt.Errorf("%w: transport/%q", ErrNotFound, p))
	}
	if !aok {
		errs = append(errs, fmt.Errorf("%w: adapter/%q", ErrNotFound, p))
	}
	if !mok {
		errs = append(errs, fmt.Errorf("%w: media/%q", ErrNotFound, k))
	}
	if len(errs) > 0 {
		return Resolved{}, errors.Join(errs...)
	}
	return Resolved{Transport: tf(), Adapter: a, Media: mf()}, nil
}
