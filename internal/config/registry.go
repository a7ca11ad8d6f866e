package config

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MrWong99/neigh/pkg/audio"
	"github.com/MrWong99/neigh/pkg/provider/actuator"
	"github.com/MrWong99/neigh/pkg/provider/classifier"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested backend name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps backend names to their constructor functions for each
// backend kind. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	audio      map[string]func(AudioConfig) (audio.Source, error)
	classifier map[string]func(ClassifierConfig) (classifier.Provider, error)
	actuator   map[string]func(ActuationConfig) (actuator.Transport, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		audio:      make(map[string]func(AudioConfig) (audio.Source, error)),
		classifier: make(map[string]func(ClassifierConfig) (classifier.Provider, error)),
		actuator:   make(map[string]func(ActuationConfig) (actuator.Transport, error)),
	}
}

// RegisterAudio registers a capture source factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterAudio(name string, factory func(AudioConfig) (audio.Source, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio[name] = factory
}

// RegisterClassifier registers a classifier factory under name.
func (r *Registry) RegisterClassifier(name string, factory func(ClassifierConfig) (classifier.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classifier[name] = factory
}

// RegisterActuator registers an actuator transport factory under name.
func (r *Registry) RegisterActuator(name string, factory func(ActuationConfig) (actuator.Transport, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actuator[name] = factory
}

// CreateAudio instantiates a capture source using the factory registered
// under cfg.Source. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateAudio(cfg AudioConfig) (audio.Source, error) {
	r.mu.RLock()
	factory, ok := r.audio[cfg.Source]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: audio/%q", ErrProviderNotRegistered, cfg.Source)
	}
	return factory(cfg)
}

// CreateClassifier instantiates a classifier using the factory registered
// under cfg.Name.
func (r *Registry) CreateClassifier(cfg ClassifierConfig) (classifier.Provider, error) {
	r.mu.RLock()
	factory, ok := r.classifier[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: classifier/%q", ErrProviderNotRegistered, cfg.Name)
	}
	return factory(cfg)
}

// CreateActuator instantiates an actuator transport using the factory
// registered under cfg.Name.
func (r *Registry) CreateActuator(cfg ActuationConfig) (actuator.Transport, error) {
	r.mu.RLock()
	factory, ok := r.actuator[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: actuation/%q", ErrProviderNotRegistered, cfg.Name)
	}
	return factory(cfg)
}

// Names returns the sorted registered names for kind ("audio", "classifier"
// or "actuation").
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	switch kind {
	case "audio":
		for n := range r.audio {
			names = append(names, n)
		}
	case "classifier":
		for n := range r.classifier {
			names = append(names, n)
		}
	case "actuation":
		for n := range r.actuator {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}
