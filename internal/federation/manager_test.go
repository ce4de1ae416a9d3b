package federation

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/freeq-dev/freeqd/internal/models"
)

// selfSignedConfig generates an ephemeral self-signed certificate for tests;
// no ecosystem library in the retrieved pack generates test certificates,
// so this one bit of TLS test scaffolding uses the standard library.
func selfSignedConfig(t *testing.T) *tls.Config {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test-peer"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true,
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Config{ServerName: "irc.test", TLSConfig: selfSignedConfig(t)}, noopApplier{})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

type noopApplier struct{}

func (noopApplier) ApplyRemoteEvent(string, *Event)    {}
func (noopApplier) PeerLost(string)                    {}
func (noopApplier) Snapshot() []*models.Channel         { return nil }

func TestNewManagerDerivesPeerIDFromCertificate(t *testing.T) {
	m := newTestManager(t)
	if m.PeerID() == "" {
		t.Fatal("expected a non-empty peer ID derived from the certificate fingerprint")
	}
}

func TestNextEventIDIsMonotonicPerPeer(t *testing.T) {
	m := newTestManager(t)
	a := m.NextEventID()
	b := m.NextEventID()
	if a == b {
		t.Fatalf("expected distinct event IDs, got %q twice", a)
	}
}

func TestBroadcastStampsOriginAndEventID(t *testing.T) {
	m := newTestManager(t)
	ev := &Event{Type: EventPrivmsg, From: "alice", Target: "#test", Text: "hi"}
	m.Broadcast(ev)
	if ev.Origin != m.PeerID() {
		t.Fatalf("expected origin to be stamped with this server's peer ID, got %q", ev.Origin)
	}
	if ev.EventID == "" {
		t.Fatal("expected a minted event ID")
	}
}

func TestBroadcastDoesNotStampSyncMessages(t *testing.T) {
	m := newTestManager(t)
	ev := &Event{Type: EventSyncRequest}
	m.Broadcast(ev)
	if ev.EventID != "" {
		t.Fatalf("expected SyncRequest to stay unstamped, got %q", ev.EventID)
	}
}

func TestBroadcastStampsClockForTopic(t *testing.T) {
	m := newTestManager(t)
	ev := &Event{Type: EventTopic, Channel: "#test", Topic: "new topic"}
	m.Broadcast(ev)
	if ev.Clock == nil {
		t.Fatal("expected a Topic event to be stamped with an HLC timestamp")
	}
}

func TestRegisterTieBreakLowerIDKeepsOutgoing(t *testing.T) {
	m := newTestManager(t)
	higherPeer := m.peerID + "ffff" // sorts after m.peerID lexically

	_, ok := m.register(higherPeer, true) // outgoing, we are lower: should win
	if !ok {
		t.Fatal("expected the lower-ID side's outgoing connection to be accepted")
	}

	// A simultaneous incoming connection attempt for the same peer, while
	// our outgoing link is still registered, must lose the tie-break.
	_, ok = m.register(higherPeer, false)
	if ok {
		t.Fatal("expected the lower-ID side's incoming connection to be rejected while outgoing holds")
	}
}

func TestFanOutRecordsDedupEntry(t *testing.T) {
	m := newTestManager(t)
	ev := &Event{Type: EventPrivmsg, EventID: "peer-x:1", From: "alice", Target: "#test", Text: "hi"}
	m.fanOut(ev)
	if !m.dedup.Seen("peer-x:1") {
		t.Fatal("expected fanOut to record the event's own dedup entry")
	}
}

func TestHandleInboundDropsDuplicateEvent(t *testing.T) {
	applied := 0
	m, err := NewManager(Config{ServerName: "irc.test", TLSConfig: selfSignedConfig(t)}, applierFunc{
		apply: func(string, *Event) { applied++ },
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	ev := &Event{Type: EventPrivmsg, EventID: "peer-y:1", From: "bob", Target: "#test", Text: "hi"}
	m.handleInbound("peer-y", ev)
	m.handleInbound("peer-y", ev)
	if applied != 1 {
		t.Fatalf("expected the duplicate event to be applied exactly once, got %d", applied)
	}
}

type applierFunc struct {
	apply func(peerID string, ev *Event)
}

func (a applierFunc) ApplyRemoteEvent(peerID string, ev *Event) { a.apply(peerID, ev) }
func (applierFunc) PeerLost(string)                             {}
func (applierFunc) Snapshot() []*models.Channel                  { return nil }

func TestBuildSyncResponseSnapshotsChannels(t *testing.T) {
	ch := models.NewChannel("#test", 200)
	ch.CurrentTopic = &models.Topic{Text: "hello"}
	ev := BuildSyncResponse("peer-a", []*models.Channel{ch})
	if len(ev.Channels) != 1 || ev.Channels[0].Name != "#test" || ev.Channels[0].Topic != "hello" {
		t.Fatalf("unexpected sync response: %+v", ev.Channels)
	}
}
