package providers

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/participa/backend/internal/users"
)

// StaticClient returns a fixed claim set; it backs tests and local development.
type StaticClient struct {
	mu       sync.Mutex
	provider string
	claims   users.ProfileClaims
	err      error
	calls    int
}

// NewStaticClient constructs a client answering every callback with claims.
func NewStaticClient(provider string, claims users.ProfileClaims) *StaticClient {
	return &StaticClient{provider: provider, claims: claims}
}

func (c *StaticClient) Name() string {
	return c.provider
}

// SetClaims replaces the claim set returned by later callbacks.
func (c *StaticClient) SetClaims(claims users.ProfileClaims) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.claims = claims
}

// SetError makes later callbacks fail with err.
func (c *StaticClient) SetError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

// Calls reports how many callbacks were served.
func (c *StaticClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *StaticClient) FetchClaims(_ context.Context, _ CallbackParams) (users.ProfileClaims, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return users.ProfileClaims{}, c.err
	}
	claims := c.claims
	claims.Provider = c.provider
	return claims, nil
}
