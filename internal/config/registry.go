package config

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/virelia/sonoflux/pkg/classifier"
)

// ErrDriverNotRegistered is returned by Create* methods when no factory has
// been registered under the requested driver name.
var ErrDriverNotRegistered = errors.New("config: driver not registered")

// Registry maps gateway driver names to their constructor functions. The
// application registers the drivers it links in; configuration then selects
// among them by name. It is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	vad         map[string]func(context.Context, VADConfig) (classifier.VADGateway, error)
	recognition map[string]func(context.Context, RecognitionConfig) (classifier.RecognitionGateway, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		vad:         make(map[string]func(context.Context, VADConfig) (classifier.VADGateway, error)),
		recognition: make(map[string]func(context.Context, RecognitionConfig) (classifier.RecognitionGateway, error)),
	}
}

// RegisterVAD registers a voice-activity gateway factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterVAD(name string, factory func(context.Context, VADConfig) (classifier.VADGateway, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// RegisterRecognition registers a recognition gateway factory under name.
func (r *Registry) RegisterRecognition(name string, factory func(context.Context, RecognitionConfig) (classifier.RecognitionGateway, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recognition[name] = factory
}

// CreateVAD instantiates a voice-activity gateway using the factory
// registered under cfg.Driver. An empty driver selects "websocket".
// Returns [ErrDriverNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateVAD(ctx context.Context, cfg VADConfig) (classifier.VADGateway, error) {
	name := cfg.Driver
	if name == "" {
		name = "websocket"
	}
	r.mu.RLock()
	factory, ok := r.vad[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrDriverNotRegistered, name)
	}
	return factory(ctx, cfg)
}

// CreateRecognition instantiates a recognition gateway using the factory
// registered under cfg.Driver. An empty driver selects "http".
func (r *Registry) CreateRecognition(ctx context.Context, cfg RecognitionConfig) (classifier.RecognitionGateway, error) {
	name := cfg.Driver
	if name == "" {
		name = "http"
	}
	r.mu.RLock()
	factory, ok := r.recognition[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: recognition/%q", ErrDriverNotRegistered, name)
	}
	return factory(ctx, cfg)
}
