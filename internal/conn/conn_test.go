package conn

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"
)

func newTestRegistry() *Registry {
	return NewRegistry("irc.test", time.Minute, nil)
}

// harness wires a Conn to one end of an in-memory pipe and drives the other
// end as the test's simulated client.
type harness struct {
	reg    *Registry
	client net.Conn
	reader *bufio.Reader
}

func newHarness(t *testing.T, reg *Registry) *harness {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	c := New(reg, serverConn, "sess-"+t.Name())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		clientConn.Close()
	})
	go c.Serve(ctx)
	return &harness{reg: reg, client: clientConn, reader: bufio.NewReader(clientConn)}
}

func (h *harness) send(t *testing.T, line string) {
	t.Helper()
	if _, err := h.client.Write([]byte(line + "\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (h *harness) readLine(t *testing.T) string {
	t.Helper()
	h.client.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := h.reader.ReadString('\n')
	if err != nil {
		t.Fatalf("readLine: %v", err)
	}
	return line
}

func (h *harness) readUntilContains(t *testing.T, substr string) string {
	t.Helper()
	for i := 0; i < 50; i++ {
		line := h.readLine(t)
		if contains(line, substr) {
			return line
		}
	}
	t.Fatalf("never saw %q", substr)
	return ""
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if s[i:i+len(substr)] == substr {
				return true
			}
		}
		return false
	})()
}

func registerSession(t *testing.T, h *harness, nick string) {
	t.Helper()
	h.send(t, "CAP LS 302")
	h.readUntilContains(t, "CAP")
	h.send(t, "CAP END")
	h.send(t, "NICK "+nick)
	h.send(t, "USER "+nick+" 0 * :Real Name")
	h.readUntilContains(t, "001")
}

func TestRegistrationSendsWelcome(t *testing.T) {
	reg := newTestRegistry()
	h := newHarness(t, reg)
	registerSession(t, h, "alice")

	sess := reg.SessionByNick("alice")
	if sess == nil {
		t.Fatal("expected alice to be registered")
	}
}

func TestNickCollisionRejected(t *testing.T) {
	reg := newTestRegistry()
	h1 := newHarness(t, reg)
	registerSession(t, h1, "bob")

	h2 := newHarness(t, reg)
	h2.send(t, "CAP LS 302")
	h2.readUntilContains(t, "CAP")
	h2.send(t, "NICK bob")
	line := h2.readUntilContains(t, "433")
	if !contains(line, "433") {
		t.Fatalf("expected ERR_NICKNAMEINUSE, got %q", line)
	}
}

func TestJoinGrantsFounderAndNames(t *testing.T) {
	reg := newTestRegistry()
	h := newHarness(t, reg)
	registerSession(t, h, "carol")

	h.send(t, "JOIN #test")
	line := h.readUntilContains(t, "JOIN")
	if !contains(line, "#test") {
		t.Fatalf("expected JOIN echo for #test, got %q", line)
	}
	h.readUntilContains(t, "353") // RPL_NAMREPLY

	ch := reg.GetChannel("#test")
	if ch == nil {
		t.Fatal("expected #test to exist")
	}
	sess := reg.SessionByNick("carol")
	if !ch.IsOp(sess.ID, "") {
		t.Fatal("expected first joiner to be op")
	}
}

func TestPrivmsgDeliversToChannelMember(t *testing.T) {
	reg := newTestRegistry()
	h1 := newHarness(t, reg)
	registerSession(t, h1, "dave")
	h1.send(t, "JOIN #chat")
	h1.readUntilContains(t, "353")

	h2 := newHarness(t, reg)
	registerSession(t, h2, "erin")
	h2.send(t, "JOIN #chat")
	h2.readUntilContains(t, "353")
	h1.readUntilContains(t, "JOIN") // dave sees erin's join

	h1.send(t, "PRIVMSG #chat :hello there")
	line := h2.readUntilContains(t, "PRIVMSG")
	if !contains(line, "hello there") {
		t.Fatalf("expected erin to receive the message, got %q", line)
	}
}

func TestPingPong(t *testing.T) {
	reg := newTestRegistry()
	h := newHarness(t, reg)
	h.send(t, "PING :abc123")
	line := h.readUntilContains(t, "PONG")
	if !contains(line, "abc123") {
		t.Fatalf("expected PONG to echo token, got %q", line)
	}
}

func TestWhoListsChannelMembers(t *testing.T) {
	reg := newTestRegistry()
	h := newHarness(t, reg)
	registerSession(t, h, "finn")
	h.send(t, "JOIN #who-test")
	h.readUntilContains(t, "353")

	h.send(t, "WHO #who-test")
	line := h.readUntilContains(t, "352")
	if !contains(line, "finn") {
		t.Fatalf("expected WHO reply to mention finn, got %q", line)
	}
	h.readUntilContains(t, "315") // RPL_ENDOFWHO
}

func TestWhoisKnownNick(t *testing.T) {
	reg := newTestRegistry()
	h1 := newHarness(t, reg)
	registerSession(t, h1, "gabe")

	h2 := newHarness(t, reg)
	registerSession(t, h2, "holly")
	h2.send(t, "WHOIS gabe")
	line := h2.readUntilContains(t, "311")
	if !contains(line, "gabe") {
		t.Fatalf("expected RPL_WHOISUSER for gabe, got %q", line)
	}
	h2.readUntilContains(t, "318") // RPL_ENDOFWHOIS
}

func TestChatHistoryRequiresMembership(t *testing.T) {
	reg := newTestRegistry()
	h1 := newHarness(t, reg)
	registerSession(t, h1, "joe")
	h1.send(t, "JOIN #priv")
	h1.readUntilContains(t, "353")

	h2 := newHarness(t, reg)
	registerSession(t, h2, "ken")
	h2.send(t, "CHATHISTORY LATEST #priv * 10")
	line := h2.readUntilContains(t, "442")
	if !contains(line, "#priv") {
		t.Fatalf("expected ERR_NOTONCHANNEL for non-member, got %q", line)
	}
}

func TestChatHistoryGatesBatchAndTagsOnCapability(t *testing.T) {
	reg := newTestRegistry()
	h := newHarness(t, reg)
	registerSession(t, h, "lia")
	h.send(t, "JOIN #plain")
	h.readUntilContains(t, "353")

	h.send(t, "PRIVMSG #plain :hi there")
	h.readUntilContains(t, "PRIVMSG")

	h.send(t, "CHATHISTORY LATEST #plain * 10")
	line := h.readUntilContains(t, "hi there")
	if contains(line, "@batch") || contains(line, "msgid=") {
		t.Fatalf("expected no message-tags for client without batch/message-tags caps, got %q", line)
	}
}

func TestChatHistorySendsBatchAndTagsWithCapability(t *testing.T) {
	reg := newTestRegistry()
	h := newHarness(t, reg)
	h.send(t, "CAP LS 302")
	h.readUntilContains(t, "CAP")
	h.send(t, "CAP REQ :batch message-tags server-time")
	h.readUntilContains(t, "ACK")
	h.send(t, "CAP END")
	h.send(t, "NICK moe")
	h.send(t, "USER moe 0 * :Real Name")
	h.readUntilContains(t, "001")

	h.send(t, "JOIN #tagged")
	h.readUntilContains(t, "353")
	h.send(t, "PRIVMSG #tagged :hi there")
	h.readUntilContains(t, "PRIVMSG")

	h.send(t, "CHATHISTORY LATEST #tagged * 10")
	batchOpen := h.readUntilContains(t, "BATCH +chathistory")
	if !contains(batchOpen, "BATCH") {
		t.Fatalf("expected BATCH open frame, got %q", batchOpen)
	}
	line := h.readUntilContains(t, "hi there")
	if !contains(line, "msgid=") || !contains(line, "batch=chathistory") {
		t.Fatalf("expected msgid/batch tags for capable client, got %q", line)
	}
	h.readUntilContains(t, "BATCH -chathistory")
}

func TestWhoisUnknownNick(t *testing.T) {
	reg := newTestRegistry()
	h := newHarness(t, reg)
	registerSession(t, h, "ivan")
	h.send(t, "WHOIS nosuchuser")
	line := h.readUntilContains(t, "401")
	if !contains(line, "nosuchuser") {
		t.Fatalf("expected ERR_NOSUCHNICK, got %q", line)
	}
}
