package delivery

import (
	"strings"
	"testing"
	"time"

	"github.com/freeq-dev/freeqd/internal/models"
)

func newTestSession(id, nick string, outboxCap int) *models.Session {
	s := models.NewSession(id, outboxCap)
	s.Nick = nick
	s.User = "u"
	s.Host = "host.example"
	return s
}

func registryLookup(sessions map[string]*models.Session) SessionLookup {
	return func(id string) *models.Session { return sessions[id] }
}

func recvLine(t *testing.T, s *models.Session) string {
	t.Helper()
	select {
	case line := <-s.OutBox:
		return string(line)
	default:
		t.Fatal("expected a line in OutBox, found none")
		return ""
	}
}

func TestDeliverToChannelSkipsSenderWithoutEchoMessage(t *testing.T) {
	sender := newTestSession("s1", "alice", 8)
	recipient := newTestSession("s2", "bob", 8)
	sessions := map[string]*models.Session{"s1": sender, "s2": recipient}

	ch := models.NewChannel("#test", 200)
	ch.Members["s1"] = true
	ch.Members["s2"] = true

	e := NewEngine("irc.example", registryLookup(sessions))
	e.DeliverToChannel(ch, &Outgoing{From: sender, Command: CmdPrivmsg, Target: "#test", Text: "hi"})

	if len(sender.OutBox) != 0 {
		t.Fatal("expected sender without echo-message to not receive its own message")
	}
	line := recvLine(t, recipient)
	if !strings.Contains(line, "PRIVMSG #test :hi") {
		t.Fatalf("unexpected line: %q", line)
	}
}

func TestDeliverToChannelEchoesWithCapability(t *testing.T) {
	sender := newTestSession("s1", "alice", 8)
	sender.SetCap(models.CapEchoMessage, true)
	sessions := map[string]*models.Session{"s1": sender}

	ch := models.NewChannel("#test", 200)
	ch.Members["s1"] = true

	e := NewEngine("irc.example", registryLookup(sessions))
	e.DeliverToChannel(ch, &Outgoing{From: sender, Command: CmdPrivmsg, Target: "#test", Text: "hi"})

	line := recvLine(t, sender)
	if !strings.Contains(line, "PRIVMSG #test :hi") {
		t.Fatalf("unexpected echoed line: %q", line)
	}
}

func TestDeliverToChannelJoinAlwaysEchoesToSender(t *testing.T) {
	sender := newTestSession("s1", "alice", 8)
	sessions := map[string]*models.Session{"s1": sender}

	ch := models.NewChannel("#test", 200)
	ch.Members["s1"] = true

	e := NewEngine("irc.example", registryLookup(sessions))
	e.DeliverToChannel(ch, &Outgoing{From: sender, Command: Command("JOIN"), Target: "#test"})

	line := recvLine(t, sender)
	if !strings.Contains(line, "JOIN") || !strings.Contains(line, "#test") {
		t.Fatalf("expected JOIN to echo to its own sender regardless of echo-message, got %q", line)
	}
}

func TestEncodeAddsServerTimeWhenNegotiated(t *testing.T) {
	to := newTestSession("s1", "bob", 8)
	to.SetCap(models.CapServerTime, true)

	e := NewEngine("irc.example", nil)
	line := e.encode(to, &Outgoing{Command: CmdNotice, Target: "bob", Text: "hello", Sent: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)})

	if !strings.HasPrefix(line, "@time=2026-01-02T03:04:05.000Z ") {
		t.Fatalf("expected server-time tag, got %q", line)
	}
}

func TestEncodeOmitsServerTimeWithoutCapability(t *testing.T) {
	to := newTestSession("s1", "bob", 8)
	e := NewEngine("irc.example", nil)
	line := e.encode(to, &Outgoing{Command: CmdNotice, Target: "bob", Text: "hello"})

	if strings.Contains(line, "time=") {
		t.Fatalf("expected no server-time tag, got %q", line)
	}
}

func TestEncodeTagmsgDroppedWithoutMessageTagsCap(t *testing.T) {
	to := newTestSession("s1", "bob", 8)
	e := NewEngine("irc.example", nil)
	if line := e.encode(to, &Outgoing{Command: CmdTagmsg, Target: "bob"}); line != "" {
		t.Fatalf("expected empty encoding for TAGMSG without message-tags cap, got %q", line)
	}
}

func TestEncodeTagmsgWithCapability(t *testing.T) {
	to := newTestSession("s1", "bob", 8)
	to.SetCap(models.CapMessageTags, true)
	e := NewEngine("irc.example", nil)
	line := e.encode(to, &Outgoing{Command: CmdTagmsg, Target: "bob", ClientTags: map[string]string{"+typing": "active"}})
	if !strings.Contains(line, "+typing=active") || !strings.Contains(line, "TAGMSG bob") {
		t.Fatalf("unexpected TAGMSG encoding: %q", line)
	}
}

func TestEncodeTagmsgReactionFallsBackToAction(t *testing.T) {
	to := newTestSession("s1", "bob", 8)
	e := NewEngine("irc.example", nil)
	line := e.encode(to, &Outgoing{Command: CmdTagmsg, Target: "#test", ClientTags: map[string]string{"+draft/react": "\U0001F44D"}})
	if !strings.Contains(line, "PRIVMSG #test :\x01ACTION reacted with") {
		t.Fatalf("expected ACTION fallback, got %q", line)
	}
}

func TestEncodeTagmsgUnknownTagDroppedWithoutCapability(t *testing.T) {
	to := newTestSession("s1", "bob", 8)
	e := NewEngine("irc.example", nil)
	line := e.encode(to, &Outgoing{Command: CmdTagmsg, Target: "#test", ClientTags: map[string]string{"+typing": "active"}})
	if line != "" {
		t.Fatalf("expected no fallback for unknown tag, got %q", line)
	}
}

func TestDeliverToSessionNilIsNoop(t *testing.T) {
	e := NewEngine("irc.example", nil)
	e.DeliverToSession(nil, &Outgoing{Command: CmdNotice, Text: "hi"})
}
