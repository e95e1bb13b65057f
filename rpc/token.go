// Package rpc implements the multi-process RPC fabric:
// signed bearer tokens, the connection registry, and worker dispatch. Hosts
// and workers are independent processes in the target deployment; this
// package defines the contract between them and the daemon, independent of
// the concrete transport (see transport.go).
package rpc

import (
	"crypto/ed25519"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenKind is the fixed footer discriminator carried by every token so a
// client token can never be accepted where an auth token (or host/worker
// token) is required, even though all four share one signing key.
type TokenKind string

const (
	TokenClient TokenKind = "client"
	TokenAuth   TokenKind = "auth"
	TokenHost   TokenKind = "host"
	TokenWorker TokenKind = "worker"
)

// verifyCacheTTL is how long a successfully verified token is trusted
// without re-running signature verification.
const verifyCacheTTL = 60 * time.Second

var errWrongKind = errors.New("rpc: token kind mismatch")

// claims is the JWT claim set backing every token kind. Kind-specific
// payload (client_id, player, worker_type, ...) rides in Subject/Data.
type claims struct {
	jwt.RegisteredClaims
	Kind TokenKind `json:"kind"`
	Data string    `json:"data,omitempty"`
}

// Signer issues and verifies Ed25519-signed bearer tokens. The signing
// keypair lives on the daemon; Verifier (below) holds only the public half,
// which is all hosts and workers ever see.
type Signer struct {
	priv ed25519.PrivateKey
	*Verifier
}

// Verifier checks token signatures and enforces kind + cache semantics.
type Verifier struct {
	pub ed25519.PublicKey

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	kind      TokenKind
	data      string
	expiresAt time.Time
}

// NewSigner generates a fresh Ed25519 keypair and returns a Signer able to
// both mint and verify tokens. NewServer calls this.
func NewSigner() (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, err
	}
	return &Signer{priv: priv, Verifier: NewVerifier(pub)}, nil
}

// NewVerifier builds a Verifier from a daemon's public key, the shape a
// host or worker process holds (it never sees the private key).
func NewVerifier(pub ed25519.PublicKey) *Verifier {
	return &Verifier{pub: pub, cache: make(map[string]cacheEntry)}
}

// PublicKey returns the verifier's public key, to be shared with hosts.
func (v *Verifier) PublicKey() ed25519.PublicKey {
	return v.pub
}

// Mint issues a signed token of the given kind carrying an opaque data
// payload (e.g. a client_id or player obj literal).
func (s *Signer) Mint(kind TokenKind, data string, ttl time.Duration) (string, error) {
	now := time.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Kind: kind,
		Data: data,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, c)
	return tok.SignedString(s.priv)
}

// Verify checks a token's signature and expiry and confirms it matches the
// expected kind, using the 60-second verification cache on the fast path.
func (v *Verifier) Verify(tokenString string, want TokenKind) (data string, err error) {
	v.mu.Lock()
	if e, ok := v.cache[tokenString]; ok && time.Now().Before(e.expiresAt) {
		v.mu.Unlock()
		if e.kind != want {
			return "", errWrongKind
		}
		return e.data, nil
	}
	v.mu.Unlock()

	parsed, err := jwt.ParseWithClaims(tokenString, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return v.pub, nil
	}, jwt.WithValidMethods([]string{"EdDSA"}))
	if err != nil {
		return "", err
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return "", errors.New("rpc: invalid token")
	}

	v.mu.Lock()
	v.cache[tokenString] = cacheEntry{kind: c.Kind, data: c.Data, expiresAt: time.Now().Add(verifyCacheTTL)}
	v.mu.Unlock()

	if c.Kind != want {
		return "", errWrongKind
	}
	return c.Data, nil
}
