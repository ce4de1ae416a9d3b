// Package identity resolves decentralized identifiers to their signing
// keys and drives the DID-challenge SASL mechanism: issuing nonces,
// verifying signatures, and handing back the caller's canonical DID.
package identity

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mr-tron/base58"
)

// multikeyEd25519Prefix is the two-byte multicodec prefix for an Ed25519
// public key in a did:key/did:web Multikey verificationMethod, per the DID
// document this server's own credential issuer publishes.
var multikeyEd25519Prefix = []byte{0xed, 0x01}

// DIDDocument is the subset of a W3C DID document this server needs: the
// subject id and its Multikey-encoded Ed25519 verification method.
type DIDDocument struct {
	ID                 string              `json:"id"`
	VerificationMethod []VerificationMethod `json:"verificationMethod"`
}

// VerificationMethod is one signing key entry in a DID document.
type VerificationMethod struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	Controller         string `json:"controller"`
	PublicKeyMultibase string `json:"publicKeyMultibase"`
}

// SigningKey extracts and decodes the first Ed25519 Multikey verification
// method's public key.
func (d *DIDDocument) SigningKey() (ed25519.PublicKey, error) {
	for _, vm := range d.VerificationMethod {
		if vm.Type != "Multikey" || !strings.HasPrefix(vm.PublicKeyMultibase, "z") {
			continue
		}
		decoded, err := base58.Decode(vm.PublicKeyMultibase[1:])
		if err != nil {
			return nil, fmt.Errorf("identity: decoding multibase key: %w", err)
		}
		if len(decoded) != len(multikeyEd25519Prefix)+ed25519.PublicKeySize {
			continue
		}
		if decoded[0] != multikeyEd25519Prefix[0] || decoded[1] != multikeyEd25519Prefix[1] {
			continue
		}
		return ed25519.PublicKey(decoded[len(multikeyEd25519Prefix):]), nil
	}
	return nil, errors.New("identity: no Ed25519 Multikey verification method found")
}

// Resolver resolves DIDs to their DID document over HTTP, the same
// did:web-shaped ".well-known/did.json" convention this server's own
// credential issuer serves for itself.
type Resolver struct {
	HTTPClient *http.Client
}

// NewResolver returns a Resolver with a bounded-timeout HTTP client.
func NewResolver() *Resolver {
	return &Resolver{HTTPClient: &http.Client{Timeout: 10 * time.Second}}
}

// Resolve fetches and parses the DID document for a did:web identifier,
// e.g. "did:web:example.com" resolves "https://example.com/.well-known/did.json".
// Other DID methods are rejected; the spec scopes resolution to did:web.
func (r *Resolver) Resolve(ctx context.Context, did string) (*DIDDocument, error) {
	host, err := didWebHost(did)
	if err != nil {
		return nil, err
	}

	docURL := (&url.URL{Scheme: "https", Host: host, Path: "/.well-known/did.json"}).String()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, docURL, nil)
	if err != nil {
		return nil, fmt.Errorf("identity: building resolve request for %s: %w", did, err)
	}

	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity: fetching DID document for %s: %w", did, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("identity: resolving %s: unexpected status %d", did, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, fmt.Errorf("identity: reading DID document for %s: %w", did, err)
	}

	var doc DIDDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("identity: parsing DID document for %s: %w", did, err)
	}
	if doc.ID != did {
		return nil, fmt.Errorf("identity: DID document id %q does not match requested %q", doc.ID, did)
	}
	return &doc, nil
}

func didWebHost(did string) (string, error) {
	const prefix = "did:web:"
	if !strings.HasPrefix(did, prefix) {
		return "", fmt.Errorf("identity: unsupported DID method in %q (only did:web is resolvable)", did)
	}
	host := strings.TrimPrefix(did, prefix)
	host = strings.ReplaceAll(host, ":", "/") // did:web path-splitting, per the did:web spec
	if host == "" {
		return "", fmt.Errorf("identity: empty did:web host in %q", did)
	}
	return host, nil
}

// Challenge is a pending SASL DID-challenge: a nonce issued to one session,
// expiring after a fixed lifetime.
type Challenge struct {
	Nonce     []byte
	ClaimedDID string
	ExpiresAt time.Time
}

// Expired reports whether the challenge has passed its lifetime.
func (c *Challenge) Expired(now time.Time) bool { return now.After(c.ExpiresAt) }

// ChallengeStore tracks one pending challenge per session, keyed by session
// ID, guarded by its own mutex per the "independently lockable maps" shared
// state design.
type ChallengeStore struct {
	mu         sync.Mutex
	pending    map[string]*Challenge
	timeout    time.Duration
}

// NewChallengeStore returns an empty store with the given challenge
// lifetime.
func NewChallengeStore(timeout time.Duration) *ChallengeStore {
	return &ChallengeStore{pending: make(map[string]*Challenge), timeout: timeout}
}

// Issue generates a random nonce, records it against sessionID, and returns
// the base64-encoded challenge to send to the client.
func (s *ChallengeStore) Issue(sessionID, claimedDID string) (string, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("identity: generating challenge nonce: %w", err)
	}

	s.mu.Lock()
	s.pending[sessionID] = &Challenge{
		Nonce:      nonce,
		ClaimedDID: claimedDID,
		ExpiresAt:  time.Now().Add(s.timeout),
	}
	s.mu.Unlock()

	return base64.StdEncoding.EncodeToString(nonce), nil
}

// Clear removes any pending challenge for sessionID, used on abort (`*`),
// timeout, or successful verification.
func (s *ChallengeStore) Clear(sessionID string) {
	s.mu.Lock()
	delete(s.pending, sessionID)
	s.mu.Unlock()
}

// Take removes and returns the pending challenge for sessionID, or nil if
// none is pending or it has already expired.
func (s *ChallengeStore) Take(sessionID string) *Challenge {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.pending[sessionID]
	if !ok {
		return nil
	}
	delete(s.pending, sessionID)
	if c.Expired(time.Now()) {
		return nil
	}
	return c
}

// BrokerStore tracks one-time SASL grants issued by the HTTP web-token
// broker, keyed by DID. A grant lets a browser client complete SASL over
// IRC without performing the DID-signature challenge itself, since the
// broker already verified the caller's identity out of band (a signed web
// token from the instance's login flow). Shaped after ChallengeStore: one
// pending entry per key, fixed lifetime, consumed exactly once.
type BrokerStore struct {
	mu      sync.Mutex
	pending map[string]time.Time
	timeout time.Duration
}

// NewBrokerStore returns an empty store with the given grant lifetime.
func NewBrokerStore(timeout time.Duration) *BrokerStore {
	return &BrokerStore{pending: make(map[string]time.Time), timeout: timeout}
}

// Grant records a one-time SASL grant for did, valid until it is taken or
// the store's timeout elapses.
func (s *BrokerStore) Grant(did string) {
	s.mu.Lock()
	s.pending[did] = time.Now().Add(s.timeout)
	s.mu.Unlock()
}

// Take consumes the pending grant for did, if any and still valid.
func (s *BrokerStore) Take(did string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiresAt, ok := s.pending[did]
	if !ok {
		return false
	}
	delete(s.pending, did)
	return time.Now().Before(expiresAt)
}

// VerifyResponse resolves the claimed DID's signing key and checks sigB64
// (base64-encoded) against the challenge nonce. Returns the verified DID on
// success.
func VerifyResponse(ctx context.Context, resolver *Resolver, challenge *Challenge, sigB64 string) (string, error) {
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return "", fmt.Errorf("identity: decoding signature: %w", err)
	}

	doc, err := resolver.Resolve(ctx, challenge.ClaimedDID)
	if err != nil {
		return "", err
	}
	pub, err := doc.SigningKey()
	if err != nil {
		return "", err
	}

	if !ed25519.Verify(pub, challenge.Nonce, sig) {
		return "", errors.New("identity: signature verification failed")
	}
	return challenge.ClaimedDID, nil
}
