package identity

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// maxKeys bounds how many rotated keys stay valid for verification.
const maxKeys = 10

// KeySet manages active signing keys and verification of past keys.
type KeySet interface {
	// Sign creates a signed token with the current active key.
	Sign(ctx context.Context, claims jwt.Claims) (string, error)
	// KeyFunc returns the key for verification based on the token header.
	KeyFunc() jwt.Keyfunc
}

// InMemoryKeySet holds Ed25519 keys in memory. Keys added with Trust can
// only verify.
type InMemoryKeySet struct {
	mu         sync.RWMutex
	currentKID string
	private    map[string]ed25519.PrivateKey
	public     map[string]ed25519.PublicKey
	order      []string
}

// NewInMemoryKeySet creates a key set with one fresh signing key.
func NewInMemoryKeySet() (*InMemoryKeySet, error) {
	ks := NewVerifyingKeySet()
	if err := ks.Rotate(); err != nil {
		return nil, err
	}
	return ks, nil
}

// NewVerifyingKeySet creates an empty key set that signs nothing until
// Rotate is called.
func NewVerifyingKeySet() *InMemoryKeySet {
	return &InMemoryKeySet{
		private: make(map[string]ed25519.PrivateKey),
		public:  make(map[string]ed25519.PublicKey),
	}
}

// Rotate generates a new signing key. Previous keys keep verifying until
// evicted.
func (ks *InMemoryKeySet) Rotate() error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}
	kid := "key-" + uuid.NewString()

	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.private[kid] = priv
	ks.addLocked(kid, pub)
	ks.currentKID = kid
	return nil
}

// Trust registers a public key of a token issuer.
func (ks *InMemoryKeySet) Trust(kid string, key ed25519.PublicKey) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.addLocked(kid, key)
}

func (ks *InMemoryKeySet) addLocked(kid string, key ed25519.PublicKey) {
	if _, exists := ks.public[kid]; !exists {
		ks.order = append(ks.order, kid)
	}
	ks.public[kid] = key
	for len(ks.order) > maxKeys {
		oldest := ks.order[0]
		ks.order = ks.order[1:]
		delete(ks.public, oldest)
		delete(ks.private, oldest)
	}
}

// PublicKey returns the verification key for kid.
func (ks *InMemoryKeySet) PublicKey(kid string) (ed25519.PublicKey, bool) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	key, ok := ks.public[kid]
	return key, ok
}

// CurrentKID returns the identifier of the active signing key.
func (ks *InMemoryKeySet) CurrentKID() string {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.currentKID
}

func (ks *InMemoryKeySet) Sign(_ context.Context, claims jwt.Claims) (string, error) {
	ks.mu.RLock()
	key := ks.private[ks.currentKID]
	kid := ks.currentKID
	ks.mu.RUnlock()

	if key == nil {
		return "", fmt.Errorf("no active key")
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = kid
	//nolint:wrapcheck // caller provides context
	return token.SignedString(key)
}

func (ks *InMemoryKeySet) KeyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("missing kid in header")
		}
		key, exists := ks.PublicKey(kid)
		if !exists {
			return nil, fmt.Errorf("key not found: %s", kid)
		}
		return key, nil
	}
}
