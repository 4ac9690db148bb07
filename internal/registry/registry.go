// Package registry holds per-account connector bindings and the routing
// metadata used to resolve (venue, account) to a live adapter.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"perpgate/pkg/connector"
	"perpgate/pkg/verr"
)

// Account identifies one registered trading account. The identifier is
// immutable for the account's lifetime; the Handle is an opaque credential
// reference, never a raw secret.
type Account struct {
	ID          string
	Venue       string
	Name        string
	DisplayName string
	Handle      connector.CredentialHandle
	CreatedAt   time.Time
}

// Registry maps (venue, name) to bindings and venue identifiers to adapter
// factories.
type Registry struct {
	mu        sync.RWMutex
	bindings  map[string]*Binding // "venue/name"
	factories map[string]connector.Factory
	log       *zap.Logger
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		bindings:  make(map[string]*Binding),
		factories: make(map[string]connector.Factory),
		log:       logger,
	}
}

// RegisterVenue installs the adapter factory for a venue identifier.
func (r *Registry) RegisterVenue(venue string, factory connector.Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[venue] = factory
}

// Register creates an account binding in DISCONNECTED state. Fails with
// DuplicateAccount when (venue, name) already exists and UnknownAccount
// when no factory is installed for the venue.
func (r *Registry) Register(venue, name, displayName string, handle connector.CredentialHandle) (*Binding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := bindingKey(venue, name)
	if _, ok := r.bindings[key]; ok {
		return nil, verr.Newf(verr.KindDuplicateAccount, venue, "account %s already registered", name)
	}

	factory, ok := r.factories[venue]
	if !ok {
		return nil, verr.Newf(verr.KindUnknownAccount, venue, "no adapter registered for venue %s", venue)
	}

	conn, err := factory(handle)
	if err != nil {
		return nil, verr.Wrap(verr.KindProtocol, venue, err)
	}

	b := &Binding{
		Account: Account{
			ID:          uuid.NewString(),
			Venue:       venue,
			Name:        name,
			DisplayName: displayName,
			Handle:      handle,
			CreatedAt:   time.Now().UTC(),
		},
		conn:   conn,
		status: connector.StatusDisconnected,
		log: r.log.With(
			zap.String("venue", venue),
			zap.String("account", name)),
	}
	r.bindings[key] = b
	return b, nil
}

// Resolve returns the binding for (venue, name) or UnknownAccount.
func (r *Registry) Resolve(venue, name string) (*Binding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.bindings[bindingKey(venue, name)]
	if !ok {
		return nil, verr.Newf(verr.KindUnknownAccount, venue, "unknown account %s", name)
	}
	return b, nil
}

// Remove destroys the binding for (venue, name), closing its connector.
func (r *Registry) Remove(venue, name string) error {
	r.mu.Lock()
	b, ok := r.bindings[bindingKey(venue, name)]
	if ok {
		delete(r.bindings, bindingKey(venue, name))
	}
	r.mu.Unlock()

	if !ok {
		return verr.Newf(verr.KindUnknownAccount, venue, "unknown account %s", name)
	}
	b.shutdown()
	return nil
}

// ForEach visits every binding, optionally filtered by venue and account
// names. Used by broadcast operations; visiting order is unspecified.
func (r *Registry) ForEach(venue string, accounts []string, fn func(*Binding)) {
	wanted := map[string]bool{}
	for _, a := range accounts {
		wanted[a] = true
	}

	r.mu.RLock()
	selected := make([]*Binding, 0, len(r.bindings))
	for _, b := range r.bindings {
		if venue != "" && b.Account.Venue != venue {
			continue
		}
		if len(wanted) > 0 && !wanted[b.Account.Name] {
			continue
		}
		selected = append(selected, b)
	}
	r.mu.RUnlock()

	for _, b := range selected {
		fn(b)
	}
}

// Close shuts down every binding.
func (r *Registry) Close() {
	r.mu.Lock()
	bindings := make([]*Binding, 0, len(r.bindings))
	for k, b := range r.bindings {
		bindings = append(bindings, b)
		delete(r.bindings, k)
	}
	r.mu.Unlock()

	for _, b := range bindings {
		b.shutdown()
	}
}

func bindingKey(venue, name string) string { return venue + "/" + name }
