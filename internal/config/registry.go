package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/wakecall/pkg/callsession"
	"github.com/MrWong99/wakecall/pkg/recognition"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for the
// recognition and call backends. It is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	recognition map[string]func(ProviderEntry) (recognition.Recognizer, error)
	call        map[string]func(ProviderEntry) (callsession.Session, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		recognition: make(map[string]func(ProviderEntry) (recognition.Recognizer, error)),
		call:        make(map[string]func(ProviderEntry) (callsession.Session, error)),
	}
}

// RegisterRecognition registers a recognizer factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterRecognition(name string, factory func(ProviderEntry) (recognition.Recognizer, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recognition[name] = factory
}

// RegisterCall registers a call session factory under name.
func (r *Registry) RegisterCall(name string, factory func(ProviderEntry) (callsession.Session, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.call[name] = factory
}

// CreateRecognition instantiates a recognizer using the factory registered
// under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateRecognition(entry ProviderEntry) (recognition.Recognizer, error) {
	r.mu.RLock()
	factory, ok := r.recognition[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: recognition/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateCall instantiates a call session using the factory registered under
// entry.Name.
func (r *Registry) CreateCall(entry ProviderEntry) (callsession.Session, error) {
	r.mu.RLock()
	factory, ok := r.call[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: call/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
