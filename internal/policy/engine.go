package policy

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

// Store is the persistence contract the join engine needs. Implementations
// live in internal/database; this package stays storage-agnostic so it can
// be unit tested without a database.
type Store interface {
	ActivePolicy(channelID string) (*PolicyDocument, error)
	AuthoritySet(hash string) (*AuthoritySet, error)
	LatestAttestation(channelID, subjectDID string) (*MembershipAttestation, error)
	SaveJoinReceipt(r *JoinReceipt) error
	SaveAttestation(a *MembershipAttestation) error
	AppendTransparencyLog(e *TransparencyLogEntry) error
}

// StampPolicyID computes and sets doc.PolicyID from its canonical form with
// the identifier field itself omitted — policy identity is always
// compute-then-stamp, never stored independently, to prevent drift.
func StampPolicyID(doc *PolicyDocument) error {
	doc.PolicyID = ""
	hash, err := HashCanonical(doc)
	if err != nil {
		return fmt.Errorf("policy: stamping policy id: %w", err)
	}
	doc.PolicyID = hash
	return nil
}

// StampAuthoritySetHash computes and sets set.AuthoritySetHash.
func StampAuthoritySetHash(set *AuthoritySet) error {
	set.AuthoritySetHash = ""
	hash, err := HashCanonical(set)
	if err != nil {
		return fmt.Errorf("policy: stamping authority set hash: %w", err)
	}
	set.AuthoritySetHash = hash
	return nil
}

// NewPolicyDocument builds the next version of a channel's policy, chaining
// it to the previous version's hash and reusing the current authority set.
func NewPolicyDocument(channelID string, previous *PolicyDocument, authoritySetHash string, root Requirement) (*PolicyDocument, error) {
	if err := ValidateStructure(root); err != nil {
		return nil, fmt.Errorf("policy: rejecting new requirement tree: %w", err)
	}

	doc := &PolicyDocument{
		ChannelID:        channelID,
		Version:          1,
		EffectiveAt:      time.Now(),
		AuthoritySetHash: authoritySetHash,
		Requirements:     root,
		ValidityModel:    ValidityJoinTime,
		ReceiptEmbedding: ReceiptAllow,
	}
	if previous != nil {
		doc.Version = previous.Version + 1
		doc.PreviousPolicyHash = previous.PolicyID
	}
	if err := StampPolicyID(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// JoinResult is returned by ProcessJoin.
type JoinResult struct {
	Open        bool // true if the channel has no active policy
	Attestation *MembershipAttestation
	Reason      string // set when the join failed
}

// ProcessJoin evaluates a join attempt against a channel's active policy
// document, as described by the join flow: reuse of a still-valid
// attestation, requirement evaluation, role selection, attestation
// issuance, and a privacy-preserving transparency log append.
func ProcessJoin(store Store, issuer AuthoritySigner, issuerKey ed25519.PrivateKey, channelID, subjectDID string, evidence UserEvidence) (*JoinResult, error) {
	doc, err := store.ActivePolicy(channelID)
	if err != nil {
		return nil, fmt.Errorf("policy: loading active policy: %w", err)
	}
	if doc == nil {
		return &JoinResult{Open: true}, nil
	}

	now := time.Now()

	if existing, err := store.LatestAttestation(channelID, subjectDID); err == nil && existing != nil {
		matchesPolicy := existing.PolicyID == doc.PolicyID
		stillValid := doc.ValidityModel == ValidityJoinTime || !existing.Expired(now)
		if matchesPolicy && stillValid {
			return &JoinResult{Attestation: existing}, nil
		}
	}

	result := Evaluate(doc.Requirements, evidence)
	if !result.IsSatisfied() {
		reason := result.Message
		if reason == "" {
			reason = "requirement evaluation failed"
		}
		return &JoinResult{Reason: reason}, nil
	}

	role := selectRole(doc, evidence)

	att := &MembershipAttestation{
		AttestationID:    "", // stamped below
		ChannelID:        channelID,
		PolicyID:         doc.PolicyID,
		AuthoritySetHash: doc.AuthoritySetHash,
		SubjectDID:       subjectDID,
		Role:             role,
		IssuedAt:         now,
		IssuerDID:        issuer.DID,
	}
	if doc.ValidityModel == ValidityContinuous {
		expiry := now.Add(time.Hour * 24)
		att.ExpiresAt = &expiry
	}

	hash, err := HashCanonical(att)
	if err != nil {
		return nil, fmt.Errorf("policy: hashing attestation: %w", err)
	}
	att.AttestationID = hash

	sig, err := signCanonical(att, issuerKey)
	if err != nil {
		return nil, fmt.Errorf("policy: signing attestation: %w", err)
	}
	att.Signature = sig

	if err := store.SaveAttestation(att); err != nil {
		return nil, fmt.Errorf("policy: saving attestation: %w", err)
	}

	entry := &TransparencyLogEntry{
		EntryVersion:      1,
		ChannelID:         channelID,
		PolicyID:          doc.PolicyID,
		AttestationHash:   att.AttestationID,
		IssuedAt:          now,
		IssuerAuthorityID: issuer.DID,
	}
	if err := store.AppendTransparencyLog(entry); err != nil {
		return nil, fmt.Errorf("policy: appending transparency log: %w", err)
	}

	return &JoinResult{Attestation: att}, nil
}

// selectRole picks the highest-priority role requirement the evidence
// satisfies. RoleRequirements is an ordered map, highest priority last;
// Go maps have no order, so doc must carry the priority ordering in
// RoleOrder for deterministic selection, falling back to "member".
func selectRole(doc *PolicyDocument, evidence UserEvidence) string {
	best := "member"
	for _, name := range doc.rolePriorityOrder() {
		req, ok := doc.RoleRequirements[name]
		if !ok {
			continue
		}
		if Evaluate(req, evidence).IsSatisfied() {
			best = name
		}
	}
	return best
}

// rolePriorityOrder returns role names in ascending priority (first
// matched is overridden by later, higher-priority ones), matching "ordered
// map, highest priority last" from the policy document's role requirements.
func (d *PolicyDocument) rolePriorityOrder() []string {
	names := make([]string, 0, len(d.RoleRequirements))
	for name := range d.RoleRequirements {
		names = append(names, name)
	}
	// Deterministic fallback ordering: lexicographic, so selection is at
	// least stable across runs even without an explicit priority list.
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && names[j] < names[j-1]; j-- {
			names[j], names[j-1] = names[j-1], names[j]
		}
	}
	return names
}

func signCanonical(v any, key ed25519.PrivateKey) (string, error) {
	canon, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	sig := ed25519.Sign(key, []byte(canon))
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyCredentialSignature checks a VerifiableCredential's Ed25519
// signature over its own JCS-canonical form with Signature itself emptied.
func VerifyCredentialSignature(cred VerifiableCredential, pubKey ed25519.PublicKey) error {
	sigB64 := cred.Signature
	cred.Signature = ""
	canon, err := Canonicalize(cred)
	if err != nil {
		return fmt.Errorf("policy: canonicalizing credential: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return fmt.Errorf("policy: decoding signature: %w", err)
	}
	if !ed25519.Verify(pubKey, []byte(canon), sig) {
		return errors.New("policy: credential signature verification failed")
	}
	return nil
}
