package models

import (
	"testing"
	"time"
)

func TestSessionHostmask(t *testing.T) {
	tests := []struct {
		name string
		sess *Session
		want string
	}{
		{"fully registered", &Session{Nick: "alice", User: "a", Host: "freeq/plc/abc"}, "alice!a@freeq/plc/abc"},
		{"unregistered", &Session{}, "*!unknown@unknown"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.sess.Hostmask(); got != tc.want {
				t.Errorf("Hostmask() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSessionCaps(t *testing.T) {
	s := NewSession("sess-1", 8)
	if s.HasCap(CapMessageTags) {
		t.Fatal("expected no caps negotiated initially")
	}
	s.SetCap(CapMessageTags, true)
	if !s.HasCap(CapMessageTags) {
		t.Fatal("expected message-tags negotiated")
	}
	s.SetCap(CapMessageTags, false)
	if s.HasCap(CapMessageTags) {
		t.Fatal("expected message-tags cleared")
	}
}

func TestSessionSendDropsOnFullQueue(t *testing.T) {
	s := NewSession("sess-1", 1)
	s.Send([]byte("first"))
	s.Send([]byte("second")) // queue full, must drop silently not block
	select {
	case line := <-s.OutBox:
		if string(line) != "first" {
			t.Errorf("got %q, want %q", line, "first")
		}
	default:
		t.Fatal("expected first line to be queued")
	}
}

func TestChannelIsOp(t *testing.T) {
	c := NewChannel("#room", 100)
	c.Ops["sess-1"] = true
	c.DIDOps["did:plc:abc"] = true

	if !c.IsOp("sess-1", "") {
		t.Error("expected direct op grant to count")
	}
	if !c.IsOp("sess-2", "did:plc:abc") {
		t.Error("expected DID-bound op to count for any session authenticated as that DID")
	}
	if c.IsOp("sess-2", "did:plc:other") {
		t.Error("unexpected op for unrelated DID")
	}
}

func TestMessageRecordDeleted(t *testing.T) {
	m := &MessageRecord{}
	if m.Deleted() {
		t.Error("fresh record should not be deleted")
	}
	now := time.Now()
	m.DeletedAt = &now
	if !m.Deleted() {
		t.Error("expected deleted after DeletedAt set")
	}
}
