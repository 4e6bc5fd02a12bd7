package providers

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/MarcoPoloResearchLab/participa/backend/internal/users"
)

var (
	// ErrUnknownProvider indicates no client is registered for the provider tag.
	ErrUnknownProvider = errors.New("providers: unknown provider")
	// ErrProviderFailure indicates the provider handshake did not yield a claim set.
	ErrProviderFailure = errors.New("providers: provider handshake failed")
	// ErrRedirectUnsupported indicates the provider has no authorization redirect.
	ErrRedirectUnsupported = errors.New("providers: redirect not supported")
)

// CallbackParams carries what a provider callback delivered.
type CallbackParams struct {
	Code         string
	CodeVerifier string
	IDToken      string
}

// Client turns a completed provider handshake into a profile claim set.
// Implementations never create, link or sign in accounts.
type Client interface {
	Name() string
	FetchClaims(ctx context.Context, params CallbackParams) (users.ProfileClaims, error)
}

// Redirector is implemented by clients that start an authorization code flow.
type Redirector interface {
	AuthCodeURL(state, codeVerifier string) string
}

// Registry holds the configured provider clients by tag.
type Registry struct {
	clients map[string]Client
}

// NewRegistry registers the given clients by normalized name; later duplicates win.
func NewRegistry(clients ...Client) *Registry {
	registered := make(map[string]Client, len(clients))
	for _, client := range clients {
		if client == nil {
			continue
		}
		registered[users.NormalizeProvider(client.Name())] = client
	}
	return &Registry{clients: registered}
}

// Get returns the client registered for provider.
func (r *Registry) Get(provider string) (Client, error) {
	client, ok := r.clients[users.NormalizeProvider(provider)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	return client, nil
}

// Names lists the registered provider tags in order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
