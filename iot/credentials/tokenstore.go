package credentials

import (
	"errors"
	"sync"

	"github.com/relabs-tech/gartenio/core/registry"
)

// ErrUnknownToken is returned by a TokenStore when a token has no owner.
var ErrUnknownToken = errors.New("unknown token")

// TokenStore resolves opaque device tokens to their owner. It backs
// the connection-time authentication webhook.
type TokenStore interface {
	// Lookup returns the tenant and device a token belongs to, or
	// ErrUnknownToken.
	Lookup(token string) (tenantID, deviceID string, err error)
	// Save stores a token for a device, replacing any previous one.
	Save(token, tenantID, deviceID string) error
	// Revoke removes a token.
	Revoke(token string) error
}

type tokenOwner struct {
	TenantID string `json:"tenantId"`
	DeviceID string `json:"deviceId"`
}

// MemoryTokenStore is an in-memory TokenStore for tests and the
// development broker.
type MemoryTokenStore struct {
	mu     sync.RWMutex
	tokens map[string]tokenOwner
}

// NewMemoryTokenStore returns an empty MemoryTokenStore.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]tokenOwner)}
}

// Lookup implements TokenStore.
func (s *MemoryTokenStore) Lookup(token string) (string, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	owner, ok := s.tokens[token]
	if !ok {
		return "", "", ErrUnknownToken
	}
	return owner.TenantID, owner.DeviceID, nil
}

// Save implements TokenStore.
func (s *MemoryTokenStore) Save(token, tenantID, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = tokenOwner{TenantID: tenantID, DeviceID: deviceID}
	return nil
}

// Revoke implements TokenStore.
func (s *MemoryTokenStore) Revoke(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, token)
	return nil
}

// RegistryTokenStore persists tokens in the database registry.
type RegistryTokenStore struct {
	accessor registry.Accessor
}

// NewRegistryTokenStore returns a TokenStore backed by the registry.
func NewRegistryTokenStore(r registry.Registry) *RegistryTokenStore {
	return &RegistryTokenStore{accessor: r.Accessor("_token_")}
}

// Lookup implements TokenStore.
func (s *RegistryTokenStore) Lookup(token string) (string, string, error) {
	var owner tokenOwner
	timestamp, err := s.accessor.Read(token, &owner)
	if err != nil {
		return "", "", err
	}
	if timestamp.IsZero() {
		return "", "", ErrUnknownToken
	}
	return owner.TenantID, owner.DeviceID, nil
}

// Save implements TokenStore.
func (s *RegistryTokenStore) Save(token, tenantID, deviceID string) error {
	return s.accessor.Write(token, tokenOwner{TenantID: tenantID, DeviceID: deviceID})
}

// Revoke implements TokenStore.
func (s *RegistryTokenStore) Revoke(token string) error {
	return s.accessor.Delete(token)
}
