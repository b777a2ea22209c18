package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"sync"
	"time"
)

// TransferClaims binds a token to one job and one sidecar path.
type TransferClaims struct {
	JobID    int64
	Path     string // "upload" or "download"
	Identity string
}

type tokenEntry struct {
	digest  [sha256.Size]byte
	claims  TransferClaims
	expires time.Time
}

// TokenStore mints single-use bearer tokens for the HTTP sidecar. Tokens are
// opaque, bound to a job id and path, and verified in constant time.
type TokenStore struct {
	ttl time.Duration

	mu     sync.Mutex
	tokens []tokenEntry
}

// NewTokenStore creates a TokenStore with the given token lifetime.
func NewTokenStore(ttl time.Duration) *TokenStore {
	return &TokenStore{ttl: ttl}
}

// Generate mints a token for the claims. The raw token is returned exactly
// once; only its digest is retained.
func (t *TokenStore) Generate(claims TransferClaims) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	token := hex.EncodeToString(raw)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.prune(time.Now())
	t.tokens = append(t.tokens, tokenEntry{
		digest:  sha256.Sum256([]byte(token)),
		claims:  claims,
		expires: time.Now().Add(t.ttl),
	})
	return token, nil
}

// Redeem consumes a token, returning its claims. A token can be redeemed at
// most once; expired and unknown tokens fail identically. Every stored
// digest is compared so lookup time does not depend on a match.
func (t *TokenStore) Redeem(token string) (TransferClaims, bool) {
	digest := sha256.Sum256([]byte(token))

	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	found := -1
	for i := range t.tokens {
		match := subtle.ConstantTimeCompare(t.tokens[i].digest[:], digest[:]) == 1
		if match && found == -1 && now.Before(t.tokens[i].expires) {
			found = i
		}
	}
	if found == -1 {
		t.prune(now)
		return TransferClaims{}, false
	}

	claims := t.tokens[found].claims
	t.tokens = append(t.tokens[:found], t.tokens[found+1:]...)
	t.prune(now)
	return claims, true
}

// prune drops expired entries; callers hold the lock.
func (t *TokenStore) prune(now time.Time) {
	kept := t.tokens[:0]
	for _, e := range t.tokens {
		if now.Before(e.expires) {
			kept = append(kept, e)
		}
	}
	t.tokens = kept
}
