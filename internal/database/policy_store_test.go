package database

import (
	"context"
	"testing"
	"time"

	"github.com/freeq-dev/freeqd/internal/policy"
)

func TestPolicyStoreActivePolicyPicksLatestVersion(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	mustSaveChannel(t, db, "#gated")
	store := db.Policy(ctx)

	v1 := &policy.PolicyDocument{ChannelID: "#gated", PolicyID: "p1", Version: 1, EffectiveAt: time.Now(), Requirements: policy.Requirement{Type: policy.KindAccept, Hash: "x"}}
	v2 := &policy.PolicyDocument{ChannelID: "#gated", PolicyID: "p2", Version: 2, EffectiveAt: time.Now(), Requirements: policy.Requirement{Type: policy.KindAccept, Hash: "y"}}
	if err := db.SavePolicy(ctx, v1); err != nil {
		t.Fatalf("SavePolicy v1 error: %v", err)
	}
	if err := db.SavePolicy(ctx, v2); err != nil {
		t.Fatalf("SavePolicy v2 error: %v", err)
	}

	active, err := store.ActivePolicy("#gated")
	if err != nil {
		t.Fatalf("ActivePolicy error: %v", err)
	}
	if active == nil || active.PolicyID != "p2" {
		t.Fatalf("expected latest version p2 active, got %+v", active)
	}
}

func TestPolicyStoreAttestationAndTransparencyLog(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	mustSaveChannel(t, db, "#gated")
	store := db.Policy(ctx)

	att := &policy.MembershipAttestation{
		AttestationID: "att1", ChannelID: "#gated", PolicyID: "p1",
		SubjectDID: "did:plc:user", Role: "member", IssuedAt: time.Now(), IssuerDID: "did:plc:issuer",
	}
	if err := store.SaveAttestation(att); err != nil {
		t.Fatalf("SaveAttestation error: %v", err)
	}
	got, err := store.LatestAttestation("#gated", "did:plc:user")
	if err != nil {
		t.Fatalf("LatestAttestation error: %v", err)
	}
	if got == nil || got.AttestationID != "att1" {
		t.Fatalf("expected attestation att1, got %+v", got)
	}

	entry := &policy.TransparencyLogEntry{ChannelID: "#gated", PolicyID: "p1", AttestationHash: "att1", IssuedAt: time.Now(), IssuerAuthorityID: "did:plc:issuer"}
	if err := store.AppendTransparencyLog(entry); err != nil {
		t.Fatalf("AppendTransparencyLog error: %v", err)
	}

	var count int
	if err := db.Conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM transparency_log WHERE channel_name = ?", "#gated").Scan(&count); err != nil {
		t.Fatalf("querying transparency_log: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one transparency log row, got %d", count)
	}
}

func TestPolicyStoreActivePolicyNoneReturnsNil(t *testing.T) {
	db := newTestDB(t)
	store := db.Policy(context.Background())
	doc, err := store.ActivePolicy("#nonexistent")
	if err != nil {
		t.Fatalf("ActivePolicy error: %v", err)
	}
	if doc != nil {
		t.Fatalf("expected nil policy for channel without one, got %+v", doc)
	}
}
