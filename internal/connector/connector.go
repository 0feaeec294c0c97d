// Package connector reaches insurance and clearinghouse APIs through a
// uniform adapter interface. Adding a payer means adding a new Connector
// implementation and registering it; the gateway never changes.
package connector

import (
	"context"
	"fmt"

	id "priorauth/pkg/domain"
)

// Connector is the capability set every payer integration must provide:
// authenticate, submit, poll, parse. Concrete variants differ in credential
// scheme (OAuth2 client credentials, static API key) and wire mapping.
type Connector interface {
	// ID returns a unique identifier for this connector instance.
	ID() string

	// ActorIdentity is the audit actor used for transitions this
	// connector triggers (e.g. "connector:acme-health").
	ActorIdentity() id.ActorID

	// Authenticate obtains or refreshes credentials. Called by the
	// gateway once per auth failure, under the per-connector lock.
	Authenticate(ctx context.Context) error

	// Submit sends a new prior-authorization request to the payer.
	Submit(ctx context.Context, payload Payload) (*RawResponse, error)

	// PollStatus asks the payer for the current decision state.
	PollStatus(ctx context.Context, payerRef string) (*RawResponse, error)

	// ParseResponse maps a raw payer response onto the uniform update.
	ParseResponse(raw *RawResponse) (*StatusUpdate, error)
}

// Registry maintains all registered connectors.
type Registry struct {
	connectors map[string]Connector
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{connectors: make(map[string]Connector)}
}

// Register adds a connector. Registration happens at wiring time, before
// the gateway serves traffic, so the map needs no lock.
func (r *Registry) Register(c Connector) error {
	if _, exists := r.connectors[c.ID()]; exists {
		return fmt.Errorf("connector %s already registered", c.ID())
	}
	r.connectors[c.ID()] = c
	return nil
}

// Get retrieves a connector by ID.
func (r *Registry) Get(connectorID string) (Connector, bool) {
	c, ok := r.connectors[connectorID]
	return c, ok
}

// All returns all registered connectors.
func (r *Registry) All() []Connector {
	out := make([]Connector, 0, len(r.connectors))
	for _, c := range r.connectors {
		out = append(out, c)
	}
	return out
}
