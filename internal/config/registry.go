package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ycxom/voicegate/pkg/provider/embedding"
	"github.com/ycxom/voicegate/pkg/provider/transcribe"
	"github.com/ycxom/voicegate/pkg/vad"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	vad        map[string]func(ProviderEntry) (vad.Engine, error)
	embedding  map[string]func(ProviderEntry) (embedding.Provider, error)
	transcribe map[string]func(ProviderEntry) (transcribe.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		vad:        make(map[string]func(ProviderEntry) (vad.Engine, error)),
		embedding:  make(map[string]func(ProviderEntry) (embedding.Provider, error)),
		transcribe: make(map[string]func(ProviderEntry) (transcribe.Provider, error)),
	}
}

// RegisterVAD registers a VAD engine factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterVAD(name string, factory func(ProviderEntry) (vad.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// RegisterEmbedding registers an embedding provider factory under name.
func (r *Registry) RegisterEmbedding(name string, factory func(ProviderEntry) (embedding.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embedding[name] = factory
}

// RegisterTranscribe registers a transcription provider factory under name.
func (r *Registry) RegisterTranscribe(name string, factory func(ProviderEntry) (transcribe.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transcribe[name] = factory
}

// CreateVAD instantiates a VAD engine using the factory registered under
// entry.Name. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateVAD(entry ProviderEntry) (vad.Engine, error) {
	r.mu.RLock()
	factory, ok := r.vad[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateEmbedding instantiates an embedding provider using the factory
// registered under entry.Name.
func (r *Registry) CreateEmbedding(entry ProviderEntry) (embedding.Provider, error) {
	r.mu.RLock()
	factory, ok := r.embedding[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: embedding/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateTranscribe instantiates a transcription provider using the factory
// registered under entry.Name.
func (r *Registry) CreateTranscribe(entry ProviderEntry) (transcribe.Provider, error) {
	r.mu.RLock()
	factory, ok := r.transcribe[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: transcribe/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
