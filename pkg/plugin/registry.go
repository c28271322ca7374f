// Package plugin is the registry of speech and language providers an agent
// session can be assembled from. Provider packages register themselves from
// init; the CLI resolves them by kind and name from configuration.
package plugin

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/chriscow/livekit-silence-go/pkg/ai/llm"
	"github.com/chriscow/livekit-silence-go/pkg/ai/stt"
	"github.com/chriscow/livekit-silence-go/pkg/ai/tts"
)

// Provider kinds.
const (
	KindSTT = "stt"
	KindTTS = "tts"
	KindLLM = "llm"
)

var (
	// ErrNotFound is returned when no provider is registered under a name.
	ErrNotFound = errors.New("plugin not found")

	// ErrWrongKind is returned when a factory builds something other than
	// the requested provider type.
	ErrWrongKind = errors.New("plugin returned wrong provider type")
)

// Factory creates a provider from configuration. The result is an stt.STT,
// tts.TTS or llm.LLM depending on the kind it was registered under.
type Factory func(cfg map[string]any) (any, error)

// Plugin is a registered provider with its metadata.
type Plugin struct {
	Kind        string
	Name        string
	Factory     Factory
	Description string
	Version     string
	Config      map[string]any // documented keys and defaults
}

// Registry manages plugin registration and lookup.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]map[string]*Plugin // [kind][name]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]map[string]*Plugin)}
}

var globalRegistry = NewRegistry()

// Default returns the process-wide registry that provider packages register
// into.
func Default() *Registry { return globalRegistry }

// Register adds a plugin to the global registry. Panics on duplicates.
func Register(kind, name string, factory Factory) {
	globalRegistry.Register(kind, name, factory)
}

// RegisterWithMetadata adds a plugin with metadata to the global registry.
func RegisterWithMetadata(p *Plugin) {
	globalRegistry.RegisterWithMetadata(p)
}

// Get retrieves a factory from the global registry.
func Get(kind, name string) (Factory, bool) {
	return globalRegistry.Get(kind, name)
}

// List returns registered plugins of kind, or all plugins if kind is empty.
func List(kind string) []*Plugin {
	return globalRegistry.List(kind)
}

// Register adds a plugin to r. Panics if the kind/name pair is taken.
func (r *Registry) Register(kind, name string, factory Factory) {
	r.RegisterWithMetadata(&Plugin{Kind: kind, Name: name, Factory: factory})
}

// RegisterWithMetadata adds a plugin with metadata to r.
func (r *Registry) RegisterWithMetadata(p *Plugin) {
	if p.Kind == "" {
		panic("plugin kind cannot be empty")
	}
	if p.Name == "" {
		panic("plugin name cannot be empty")
	}
	if p.Factory == nil {
		panic("plugin factory cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.plugins[p.Kind] == nil {
		r.plugins[p.Kind] = make(map[string]*Plugin)
	}
	if existing, ok := r.plugins[p.Kind][p.Name]; ok {
		panic(fmt.Sprintf("plugin %s/%s already registered (existing version: %s, new version: %s)",
			p.Kind, p.Name, existing.Version, p.Version))
	}
	r.plugins[p.Kind][p.Name] = p
}

// Get retrieves a factory from r.
func (r *Registry) Get(kind, name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.plugins[kind][name]
	if !ok {
		return nil, false
	}
	return p.Factory, true
}

// List returns plugins of kind sorted by kind then name. An empty kind
// lists everything.
func (r *Registry) List(kind string) []*Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Plugin
	for k, byName := range r.plugins {
		if kind != "" && k != kind {
			continue
		}
		for _, p := range byName {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Clear removes every plugin from r.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins = make(map[string]map[string]*Plugin)
}

// NewSTT builds the STT registered as name.
func (r *Registry) NewSTT(name string, cfg map[string]any) (stt.STT, error) {
	return build[stt.STT](r, KindSTT, name, cfg)
}

// NewTTS builds the TTS registered as name.
func (r *Registry) NewTTS(name string, cfg map[string]any) (tts.TTS, error) {
	return build[tts.TTS](r, KindTTS, name, cfg)
}

// NewLLM builds the LLM registered as name.
func (r *Registry) NewLLM(name string, cfg map[string]any) (llm.LLM, error) {
	return build[llm.LLM](r, KindLLM, name, cfg)
}

func build[T any](r *Registry, kind, name string, cfg map[string]any) (T, error) {
	var zero T
	factory, ok := r.Get(kind, name)
	if !ok {
		return zero, fmt.Errorf("%w: %s/%s", ErrNotFound, kind, name)
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	v, err := factory(cfg)
	if err != nil {
		return zero, fmt.Errorf("create %s/%s: %w", kind, name, err)
	}
	p, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s/%s built %T", ErrWrongKind, kind, name, v)
	}
	return p, nil
}
