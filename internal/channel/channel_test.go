package channel

import (
	"testing"

	"github.com/freeq-dev/freeqd/internal/models"
)

func newTestChannel(name string) *models.Channel {
	return models.NewChannel(name, 200)
}

func TestCheckJoinBannedByHostmask(t *testing.T) {
	ch := newTestChannel("#test")
	ch.Bans = append(ch.Bans, models.Ban{Mask: "*!*@evil.example", SetBy: "op"})

	err := CheckJoin(ch, "sess-1", "troll!user@evil.example", "", "")
	if err == nil {
		t.Fatal("expected ban to deny join")
	}
	if je, ok := err.(*JoinError); !ok || je.Reason != DenyBanned {
		t.Fatalf("expected DenyBanned, got %v", err)
	}
}

func TestCheckJoinBannedByDID(t *testing.T) {
	ch := newTestChannel("#test")
	ch.Bans = append(ch.Bans, models.Ban{Mask: "did:web:evil.example", SetBy: "op"})

	err := CheckJoin(ch, "sess-1", "nick!user@host", "did:web:evil.example", "")
	if err == nil {
		t.Fatal("expected DID ban to deny join")
	}
}

func TestCheckJoinInviteOnly(t *testing.T) {
	ch := newTestChannel("#test")
	ch.Modes.InviteOnly = true

	err := CheckJoin(ch, "sess-1", "nick!user@host", "", "")
	if err == nil {
		t.Fatal("expected invite-only to deny join")
	}
	if je, ok := err.(*JoinError); !ok || je.Reason != DenyInviteOnly {
		t.Fatalf("expected DenyInviteOnly, got %v", err)
	}
}

func TestCheckJoinInviteOnlyAllowsInvited(t *testing.T) {
	ch := newTestChannel("#test")
	ch.Modes.InviteOnly = true
	Invite(ch, "sess-1")

	if err := CheckJoin(ch, "sess-1", "nick!user@host", "", ""); err != nil {
		t.Fatalf("expected invited session to pass, got %v", err)
	}
}

func TestCheckJoinBadKey(t *testing.T) {
	ch := newTestChannel("#test")
	ch.Modes.Key = "letmein"

	if err := CheckJoin(ch, "sess-1", "nick!user@host", "", "wrong"); err == nil {
		t.Fatal("expected bad key to deny join")
	}
	if err := CheckJoin(ch, "sess-1", "nick!user@host", "", "letmein"); err != nil {
		t.Fatalf("expected correct key to pass, got %v", err)
	}
}

func TestCheckJoinAllowsPlain(t *testing.T) {
	ch := newTestChannel("#test")
	if err := CheckJoin(ch, "sess-1", "nick!user@host", "", ""); err != nil {
		t.Fatalf("expected plain join to pass, got %v", err)
	}
}

func TestJoinAsFirstMemberGrantsFounder(t *testing.T) {
	ch := newTestChannel("#test")
	JoinAsFirstMember(ch, "sess-1", "did:web:alice.example")

	if !ch.Members["sess-1"] || !ch.Ops["sess-1"] {
		t.Fatal("expected first joiner to be member and op")
	}
	if ch.FounderDID != "did:web:alice.example" {
		t.Fatalf("FounderDID = %q", ch.FounderDID)
	}
	if !ch.DIDOps["did:web:alice.example"] {
		t.Fatal("expected founder DID to be recorded as a DID-op")
	}
}

func TestJoinAsFirstMemberAnonymousNoFounder(t *testing.T) {
	ch := newTestChannel("#test")
	JoinAsFirstMember(ch, "sess-1", "")

	if ch.FounderDID != "" {
		t.Fatalf("expected no founder for anonymous joiner, got %q", ch.FounderDID)
	}
}

func TestPartRemovesMembershipAndReportsEmpty(t *testing.T) {
	ch := newTestChannel("#test")
	JoinAsFirstMember(ch, "sess-1", "")
	Join(ch, "sess-2")

	if empty := Part(ch, "sess-1"); empty {
		t.Fatal("channel should not be empty with sess-2 remaining")
	}
	if empty := Part(ch, "sess-2"); !empty {
		t.Fatal("channel should be empty after last member parts")
	}
}

func TestApplyModeInviteOnlyToggle(t *testing.T) {
	ch := newTestChannel("#test")
	if err := ApplyMode(ch, true, ModeInviteOnly, "", ""); err != nil {
		t.Fatalf("ApplyMode error: %v", err)
	}
	if !ch.Modes.InviteOnly {
		t.Fatal("expected invite-only to be set")
	}
	if err := ApplyMode(ch, false, ModeInviteOnly, "", ""); err != nil {
		t.Fatalf("ApplyMode error: %v", err)
	}
	if ch.Modes.InviteOnly {
		t.Fatal("expected invite-only to be cleared")
	}
}

func TestApplyModeKeySetAndClear(t *testing.T) {
	ch := newTestChannel("#test")
	if err := ApplyMode(ch, true, ModeKey, "", "secret"); err != nil {
		t.Fatalf("ApplyMode error: %v", err)
	}
	if ch.Modes.Key != "secret" {
		t.Fatalf("Modes.Key = %q", ch.Modes.Key)
	}
	if err := ApplyMode(ch, false, ModeKey, "", ""); err != nil {
		t.Fatalf("ApplyMode error: %v", err)
	}
	if ch.Modes.Key != "" {
		t.Fatal("expected key to be cleared")
	}
}

func TestApplyModeOpRequiresTarget(t *testing.T) {
	ch := newTestChannel("#test")
	if err := ApplyMode(ch, true, ModeOp, "", ""); err == nil {
		t.Fatal("expected error for +o with no target")
	}
}

func TestApplyModeOpAndVoice(t *testing.T) {
	ch := newTestChannel("#test")
	Join(ch, "sess-1")

	if err := ApplyMode(ch, true, ModeOp, "sess-1", ""); err != nil {
		t.Fatalf("ApplyMode error: %v", err)
	}
	if !ch.Ops["sess-1"] {
		t.Fatal("expected sess-1 to be op")
	}
	if err := ApplyMode(ch, true, ModeVoice, "sess-1", ""); err != nil {
		t.Fatalf("ApplyMode error: %v", err)
	}
	if !ch.Voiced["sess-1"] {
		t.Fatal("expected sess-1 to be voiced")
	}
	if err := ApplyMode(ch, false, ModeOp, "sess-1", ""); err != nil {
		t.Fatalf("ApplyMode error: %v", err)
	}
	if ch.Ops["sess-1"] {
		t.Fatal("expected sess-1 op to be revoked")
	}
}

func TestApplyModeUnknown(t *testing.T) {
	ch := newTestChannel("#test")
	if err := ApplyMode(ch, true, Mode('z'), "", ""); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestSetTopicLockedRequiresOp(t *testing.T) {
	ch := newTestChannel("#test")
	ch.Modes.TopicLocked = true
	Join(ch, "sess-1")

	if err := SetTopic(ch, "sess-1", "", "hello", "nick"); err == nil {
		t.Fatal("expected topic-locked channel to reject non-op")
	}

	ch.Mu.Lock()
	ch.Ops["sess-1"] = true
	ch.Mu.Unlock()

	if err := SetTopic(ch, "sess-1", "", "hello", "nick"); err != nil {
		t.Fatalf("expected op to set locked topic, got %v", err)
	}
	if ch.CurrentTopic.Text != "hello" {
		t.Fatalf("CurrentTopic.Text = %q", ch.CurrentTopic.Text)
	}
}

func TestSetTopicUnlockedAnyMember(t *testing.T) {
	ch := newTestChannel("#test")
	Join(ch, "sess-1")

	if err := SetTopic(ch, "sess-1", "", "hello", "nick"); err != nil {
		t.Fatalf("expected unlocked topic set to succeed, got %v", err)
	}
}

func TestCanSpeakNoExtMsgBlocksNonMembers(t *testing.T) {
	ch := newTestChannel("#test")
	ch.Modes.NoExtMsg = true

	if CanSpeak(ch, "outsider", "") {
		t.Fatal("expected non-member to be blocked by no-external-messages")
	}
	Join(ch, "sess-1")
	if !CanSpeak(ch, "sess-1", "") {
		t.Fatal("expected member to be able to speak")
	}
}

func TestCanSpeakModeratedRequiresVoiceOrOp(t *testing.T) {
	ch := newTestChannel("#test")
	ch.Modes.Moderated = true
	Join(ch, "sess-1")

	if CanSpeak(ch, "sess-1", "") {
		t.Fatal("expected plain member to be blocked in moderated channel")
	}

	ch.Mu.Lock()
	ch.Voiced["sess-1"] = true
	ch.Mu.Unlock()

	if !CanSpeak(ch, "sess-1", "") {
		t.Fatal("expected voiced member to speak in moderated channel")
	}
}

func TestMatchMaskWildcards(t *testing.T) {
	cases := []struct {
		pattern, hostmask string
		want              bool
	}{
		{"*!*@evil.example", "troll!user@evil.example", true},
		{"nick!*@*", "nick!user@host.example", true},
		{"*!*@*.evil.example", "troll!user@sub.evil.example", true},
		{"nick!*@*", "other!user@host.example", false},
	}
	for _, c := range cases {
		if got := matchMask(c.pattern, c.hostmask); got != c.want {
			t.Errorf("matchMask(%q, %q) = %v, want %v", c.pattern, c.hostmask, got, c.want)
		}
	}
}
