// Package connector provides the pluggable per-source fetch/extract interface
// the sync engine calls, plus the response cache and retry policy shared by
// all connectors.
package connector

import (
	"context"
	"errors"
	"fmt"

	"memloop/internal/secrets"
)

// Response is the decoded payload a connector fetched for one external id.
type Response map[string]any

// Connector adapts one external data source.
//
// Implementations receive their credentials through the secrets store at
// construction time and must never embed secret values in error strings.
type Connector interface {
	// Name is the identifier pipelines reference.
	Name() string

	// FetchByID retrieves the external record for id. Failures carry a
	// retriable or permanent kind; see [Retriable].
	FetchByID(ctx context.Context, id string) (Response, error)

	// ExtractFields reads the named source fields out of a response.
	// Missing sources are absent from the result, not an error.
	ExtractFields(response Response, sources []string) map[string]any
}

// Factory builds a connector bound to a vault's secrets.
type Factory func(store *secrets.Store) Connector

// ErrUnknownConnector is returned when a pipeline references a name no
// factory was registered for.
var ErrUnknownConnector = errors.New("unknown connector")

// Registry maps connector names to factories.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register adds a factory under name, replacing any previous registration.
func (r *Registry) Register(name string, factory Factory) {
	r.factories[name] = factory
}

// New builds the named connector with the given secrets.
func (r *Registry) New(name string, store *secrets.Store) (Connector, error) {
	factory, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownConnector, name)
	}

	return factory(store), nil
}

// Names returns the registered connector names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}

	return names
}

// StaticFields implements ExtractFields by direct top-level key lookup.
// Connectors with flat response shapes embed this behavior via a call.
func StaticFields(response Response, sources []string) map[string]any {
	out := make(map[string]any, len(sources))

	for _, source := range sources {
		value, ok := response[source]
		if ok {
			out[source] = value
		}
	}

	return out
}
