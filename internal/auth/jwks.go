package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// jwkSet represents a JSON Web Key Set
type jwkSet struct {
	Keys []jwk `json:"keys"`
}

// jwk represents a JSON Web Key
type jwk struct {
	Kty string `json:"kty"` // Key type
	Kid string `json:"kid"` // Key ID
	Use string `json:"use"` // Public key use
	Alg string `json:"alg"` // Algorithm
	Crv string `json:"crv"` // Curve
	X   string `json:"x"`   // X coordinate
}

// keySet fetches and caches the identity provider's Ed25519 keys.
type keySet struct {
	url        string
	httpClient *http.Client
	ttl        time.Duration

	mu        sync.RWMutex
	keys      map[string]publicKey
	expiresAt time.Time
}

func newKeySet(url string) *keySet {
	return &keySet{
		url:        url,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		ttl:        5 * time.Minute,
	}
}

// key returns the verification key for kid, refreshing the cache when it is stale or misses.
func (s *keySet) key(ctx context.Context, kid string) (publicKey, error) {
	s.mu.RLock()
	k, ok := s.keys[kid]
	fresh := time.Now().Before(s.expiresAt)
	s.mu.RUnlock()
	if ok && fresh {
		return k, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check after acquiring write lock
	if k, ok := s.keys[kid]; ok && time.Now().Before(s.expiresAt) {
		return k, nil
	}

	keys, err := s.fetch(ctx)
	if err != nil {
		return nil, err
	}
	s.keys = keys
	s.expiresAt = time.Now().Add(s.ttl)

	if k, ok := keys[kid]; ok {
		return k, nil
	}
	return nil, fmt.Errorf("key with kid %s not found", kid)
}

// fetch downloads the key set and keeps the usable Ed25519 keys.
func (s *keySet) fetch(ctx context.Context) (map[string]publicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS fetch failed with status %d", resp.StatusCode)
	}

	var set jwkSet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS: %w", err)
	}

	keys := make(map[string]publicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kty != "OKP" || k.Crv != "Ed25519" || (k.Alg != "" && k.Alg != "EdDSA") {
			continue
		}
		x, err := base64.RawURLEncoding.DecodeString(k.X)
		if err != nil || len(x) != 32 {
			continue
		}
		keys[k.Kid] = publicKey(x)
	}
	return keys, nil
}
