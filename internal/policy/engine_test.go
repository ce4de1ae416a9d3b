package policy

import (
	"crypto/ed25519"
	"testing"
)

type fakeStore struct {
	policies     map[string]*PolicyDocument
	attestations map[string]*MembershipAttestation
	log          []*TransparencyLogEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		policies:     make(map[string]*PolicyDocument),
		attestations: make(map[string]*MembershipAttestation),
	}
}

func (f *fakeStore) ActivePolicy(channelID string) (*PolicyDocument, error) {
	return f.policies[channelID], nil
}

func (f *fakeStore) AuthoritySet(hash string) (*AuthoritySet, error) { return nil, nil }

func (f *fakeStore) LatestAttestation(channelID, subjectDID string) (*MembershipAttestation, error) {
	return f.attestations[channelID+"|"+subjectDID], nil
}

func (f *fakeStore) SaveJoinReceipt(r *JoinReceipt) error { return nil }

func (f *fakeStore) SaveAttestation(a *MembershipAttestation) error {
	f.attestations[a.ChannelID+"|"+a.SubjectDID] = a
	return nil
}

func (f *fakeStore) AppendTransparencyLog(e *TransparencyLogEntry) error {
	f.log = append(f.log, e)
	return nil
}

func TestProcessJoinOpenChannel(t *testing.T) {
	store := newFakeStore()
	_, priv, _ := ed25519.GenerateKey(nil)
	result, err := ProcessJoin(store, AuthoritySigner{DID: "did:plc:issuer"}, priv, "#room", "did:plc:user", NewUserEvidence())
	if err != nil {
		t.Fatalf("ProcessJoin error: %v", err)
	}
	if !result.Open {
		t.Fatal("expected open-join result for channel without a policy")
	}
}

func TestProcessJoinAcceptGate(t *testing.T) {
	store := newFakeStore()
	_, priv, _ := ed25519.GenerateKey(nil)

	doc, err := NewPolicyDocument("#room", nil, "authset1", Requirement{Type: KindAccept, Hash: "rules_hash"})
	if err != nil {
		t.Fatalf("NewPolicyDocument error: %v", err)
	}
	store.policies["#room"] = doc

	ev := NewUserEvidence()
	rejected, err := ProcessJoin(store, AuthoritySigner{DID: "did:plc:issuer"}, priv, "#room", "did:plc:user", ev)
	if err != nil {
		t.Fatalf("ProcessJoin error: %v", err)
	}
	if rejected.Attestation != nil || rejected.Reason == "" {
		t.Fatalf("expected rejection without acceptance, got %+v", rejected)
	}

	ev.AcceptedHashes["rules_hash"] = true
	accepted, err := ProcessJoin(store, AuthoritySigner{DID: "did:plc:issuer"}, priv, "#room", "did:plc:user", ev)
	if err != nil {
		t.Fatalf("ProcessJoin error: %v", err)
	}
	if accepted.Attestation == nil {
		t.Fatalf("expected attestation after accepting rules, got %+v", accepted)
	}
	if len(store.log) != 1 {
		t.Fatalf("expected one transparency log entry, got %d", len(store.log))
	}
	if store.log[0].AttestationHash != accepted.Attestation.AttestationID {
		t.Fatal("transparency log entry must reference the issued attestation's hash")
	}
}

func TestStampPolicyIDDeterministic(t *testing.T) {
	doc := &PolicyDocument{ChannelID: "#room", Version: 1, Requirements: Requirement{Type: KindAccept, Hash: "x"}}
	if err := StampPolicyID(doc); err != nil {
		t.Fatalf("StampPolicyID error: %v", err)
	}
	first := doc.PolicyID
	if err := StampPolicyID(doc); err != nil {
		t.Fatalf("StampPolicyID error: %v", err)
	}
	if doc.PolicyID != first {
		t.Fatalf("expected stable policy id, got %s then %s", first, doc.PolicyID)
	}
}

func TestVerifyCredentialSignatureRoundTrip(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	cred := VerifiableCredential{
		CredentialTypeTag: CredentialTypeTag,
		Issuer:            "did:plc:issuer",
		Subject:           "did:plc:subject",
		CredentialType:    "github_membership",
		Claims:            map[string]any{"org": "freeq"},
	}
	sig, err := signCanonical(cred, priv)
	if err != nil {
		t.Fatalf("signCanonical error: %v", err)
	}
	cred.Signature = sig
	if err := VerifyCredentialSignature(cred, pub); err != nil {
		t.Fatalf("expected valid signature, got error: %v", err)
	}

	cred.Claims["org"] = "tampered"
	if err := VerifyCredentialSignature(cred, pub); err == nil {
		t.Fatal("expected signature verification to fail after tampering")
	}
}
