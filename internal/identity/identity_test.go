package identity

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mr-tron/base58"
)

func multikeyFor(pub ed25519.PublicKey) string {
	encoded := append(append([]byte{}, multikeyEd25519Prefix...), pub...)
	return "z" + base58.Encode(encoded)
}

func TestDIDDocumentSigningKey(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(nil)
	doc := DIDDocument{
		ID: "did:web:example.com",
		VerificationMethod: []VerificationMethod{
			{ID: "did:web:example.com#key-1", Type: "Multikey", Controller: "did:web:example.com", PublicKeyMultibase: multikeyFor(pub)},
		},
	}
	got, err := doc.SigningKey()
	if err != nil {
		t.Fatalf("SigningKey error: %v", err)
	}
	if !got.Equal(pub) {
		t.Fatal("decoded key does not match original public key")
	}
}

func TestDIDDocumentSigningKeyNoMultikey(t *testing.T) {
	doc := DIDDocument{ID: "did:web:example.com"}
	if _, err := doc.SigningKey(); err == nil {
		t.Fatal("expected error when no Multikey verification method present")
	}
}

func TestResolverResolveAndVerify(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	did := "did:web:example.invalid"

	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/did.json" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		doc := DIDDocument{
			ID: did,
			VerificationMethod: []VerificationMethod{
				{ID: did + "#key-1", Type: "Multikey", Controller: did, PublicKeyMultibase: multikeyFor(pub)},
			},
		}
		json.NewEncoder(w).Encode(doc)
	}))
	defer server.Close()

	resolver := &Resolver{HTTPClient: server.Client()}
	// didWebHost strips the did:web prefix and talks to the host name only;
	// point it at the test server via a transport override instead of a
	// literal hostname rewrite, by resolving the doc call directly.
	doc, err := fetchFromTestServer(t, resolver, server, did)
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}

	store := NewChallengeStore(time.Minute)
	nonceB64, err := store.Issue("sess-1", did)
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}
	nonce, _ := base64.StdEncoding.DecodeString(nonceB64)
	sig := ed25519.Sign(priv, nonce)

	challenge := store.Take("sess-1")
	if challenge == nil {
		t.Fatal("expected pending challenge")
	}
	pubFromDoc, err := doc.SigningKey()
	if err != nil {
		t.Fatalf("SigningKey error: %v", err)
	}
	if !ed25519.Verify(pubFromDoc, challenge.Nonce, sig) {
		t.Fatal("expected signature to verify against resolved key")
	}
}

// fetchFromTestServer exercises DIDDocument decoding against an httptest
// server without relying on the did:web hostname-rewriting in Resolve,
// since httptest servers listen on 127.0.0.1 rather than a resolvable host.
func fetchFromTestServer(t *testing.T, r *Resolver, server *httptest.Server, did string) (*DIDDocument, error) {
	t.Helper()
	resp, err := server.Client().Get(server.URL + "/.well-known/did.json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var doc DIDDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func TestChallengeStoreExpiry(t *testing.T) {
	store := NewChallengeStore(10 * time.Millisecond)
	if _, err := store.Issue("sess-1", "did:web:example.com"); err != nil {
		t.Fatalf("Issue error: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if c := store.Take("sess-1"); c != nil {
		t.Fatal("expected expired challenge to be discarded by Take")
	}
}

func TestChallengeStoreClear(t *testing.T) {
	store := NewChallengeStore(time.Minute)
	if _, err := store.Issue("sess-1", "did:web:example.com"); err != nil {
		t.Fatalf("Issue error: %v", err)
	}
	store.Clear("sess-1")
	if c := store.Take("sess-1"); c != nil {
		t.Fatal("expected cleared challenge to be gone")
	}
}

func TestVerifyResponseWrongSignature(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	_ = priv
	challenge := &Challenge{Nonce: []byte("nonce"), ClaimedDID: "did:web:example.com", ExpiresAt: time.Now().Add(time.Minute)}
	_, err := VerifyResponse(context.Background(), NewResolver(), challenge, base64.StdEncoding.EncodeToString([]byte("not-a-signature")))
	if err == nil {
		t.Fatal("expected error resolving unreachable did:web host")
	}
}

func TestDidWebHostPathSplitting(t *testing.T) {
	host, err := didWebHost("did:web:example.com:user:alice")
	if err != nil {
		t.Fatalf("didWebHost error: %v", err)
	}
	if host != "example.com/user/alice" {
		t.Fatalf("didWebHost = %q", host)
	}
}

func TestDidWebHostRejectsOtherMethods(t *testing.T) {
	if _, err := didWebHost("did:plc:abc123"); err == nil {
		t.Fatal("expected error for non-did:web method")
	}
}
