package auth

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"
)

var ErrKeyNotFound = errors.New("jwks key not found")

type jwkEntry struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwkSet struct {
	Keys []jwkEntry `json:"keys"`
}

// JWKSClient caches the identity provider's published RSA keys. Lookups hit
// the network only when the cache has expired; a failed refresh keeps
// serving the previous key set rather than rejecting every token.
type JWKSClient struct {
	url string
	ttl time.Duration

	mu        sync.Mutex
	staleAt   time.Time
	keysByKid map[string]*rsa.PublicKey
}

func NewJWKSClient(url string, ttl time.Duration) *JWKSClient {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &JWKSClient{url: url, ttl: ttl, keysByKid: map[string]*rsa.PublicKey{}}
}

// Get returns the public key for a key id, refreshing the cache when stale.
func (c *JWKSClient) Get(keyID string) (*rsa.PublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if time.Now().Before(c.staleAt) {
		if key, ok := c.keysByKid[keyID]; ok {
			return key, nil
		}
	}
	if err := c.refresh(); err != nil {
		// Stale keys beat no keys while the IdP endpoint is down.
		if key, ok := c.keysByKid[keyID]; ok {
			return key, nil
		}
		return nil, err
	}
	if key, ok := c.keysByKid[keyID]; ok {
		return key, nil
	}
	return nil, ErrKeyNotFound
}

func (c *JWKSClient) refresh() error {
	resp, err := http.Get(c.url)
	if err != nil {
		return fmt.Errorf("jwks fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks endpoint returned %d", resp.StatusCode)
	}

	var set jwkSet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("jwks decode: %w", err)
	}

	fresh := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, entry := range set.Keys {
		if entry.Kty != "RSA" || entry.Kid == "" {
			continue
		}
		pub, err := entry.publicKey()
		if err != nil {
			continue
		}
		fresh[entry.Kid] = pub
	}

	c.keysByKid = fresh
	c.staleAt = time.Now().Add(c.ttl)
	return nil
}

func (k jwkEntry) publicKey() (*rsa.PublicKey, error) {
	if k.N == "" || k.E == "" {
		return nil, errors.New("jwk missing modulus or exponent")
	}
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, err
	}
	exponent := new(big.Int).SetBytes(eBytes)
	if !exponent.IsInt64() || exponent.Int64() > int64(^uint(0)>>1) {
		return nil, errors.New("invalid jwk exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: int(exponent.Int64())}, nil
}
