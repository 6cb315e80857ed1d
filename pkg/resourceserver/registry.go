package resourceserver

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tendant/simple-oauth2/pkg/config"
)

// Options are the per-provider registration options. Providers are
// disabled unless Enabled is set.
type Options struct {
	Enabled bool
	Config  config.ResourceServerConfig
}

// Factory builds the adapter for a registration. It is called at most once.
type Factory func(opts Options) (Adapter, error)

// Entry is the public projection of a registration, e.g. for a provider picker.
type Entry struct {
	Identifier string `json:"identifier"`
	Title      string `json:"title"`
}

// InvalidAdapterError reports a registration that cannot yield an Adapter.
type InvalidAdapterError struct {
	Identifier string
	Reason     string
	Err        error
}

func (e *InvalidAdapterError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid resource server adapter %q: %s: %v", e.Identifier, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid resource server adapter %q: %s", e.Identifier, e.Reason)
}

func (e *InvalidAdapterError) Unwrap() error {
	return e.Err
}

// NotRegisteredError reports an unknown identifier.
type NotRegisteredError struct {
	Identifier string
}

func (e *NotRegisteredError) Error() string {
	return fmt.Sprintf("resource server not registered: %q", e.Identifier)
}

type registration struct {
	title    string
	factory  Factory
	opts     Options
	instance Adapter
}

// Registry resolves provider identifiers to adapters. It is built once at
// startup and shared by every request.
type Registry struct {
	mu            sync.Mutex
	order         []string
	registrations map[string]*registration
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		registrations: make(map[string]*registration),
	}
}

// Register adds a provider. The adapter is not built until first resolved.
func (r *Registry) Register(identifier, title string, factory Factory, opts Options) error {
	if identifier == "" {
		return &InvalidAdapterError{Identifier: identifier, Reason: "empty identifier"}
	}
	if factory == nil {
		return &InvalidAdapterError{Identifier: identifier, Reason: "nil factory"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.registrations[identifier]; exists {
		return &InvalidAdapterError{Identifier: identifier, Reason: "already registered"}
	}
	if title == "" {
		title = identifier
	}
	r.registrations[identifier] = &registration{title: title, factory: factory, opts: opts}
	r.order = append(r.order, identifier)

	slog.Info("Registered resource server", "identifier", identifier, "enabled", opts.Enabled)
	return nil
}

// Resolve returns the adapter for identifier, building it on first use.
// Later calls return the same instance.
func (r *Registry) Resolve(identifier string) (Adapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.registrations[identifier]
	if !ok {
		return nil, &NotRegisteredError{Identifier: identifier}
	}
	if reg.instance != nil {
		return reg.instance, nil
	}

	adapter, err := reg.factory(reg.opts)
	if err != nil {
		return nil, &InvalidAdapterError{Identifier: identifier, Reason: "factory failed", Err: err}
	}
	if adapter == nil {
		return nil, &InvalidAdapterError{Identifier: identifier, Reason: "factory returned no adapter"}
	}
	if adapter.Identifier() != identifier {
		return nil, &InvalidAdapterError{
			Identifier: identifier,
			Reason:     fmt.Sprintf("adapter reports identifier %q", adapter.Identifier()),
		}
	}
	reg.instance = adapter
	return adapter, nil
}

// ResolveEnabled builds every enabled adapter so configuration errors stop
// startup instead of surfacing on the first login.
func (r *Registry) ResolveEnabled() error {
	for _, entry := range r.ListEnabled() {
		if _, err := r.Resolve(entry.Identifier); err != nil {
			return err
		}
	}
	return nil
}

// IsEnabled reports whether identifier is registered and enabled.
func (r *Registry) IsEnabled(identifier string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.registrations[identifier]
	return ok && reg.opts.Enabled
}

// ListEnabled returns the enabled providers in registration order.
func (r *Registry) ListEnabled() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make([]Entry, 0, len(r.order))
	for _, id := range r.order {
		if reg := r.registrations[id]; reg.opts.Enabled {
			entries = append(entries, Entry{Identifier: id, Title: reg.title})
		}
	}
	return entries
}
