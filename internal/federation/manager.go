package federation

import (
	"bufio"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/freeq-dev/freeqd/internal/models"
)

// Applier is implemented by the connection layer to fold a deduped,
// already-ordered remote event into local server state (relaying PRIVMSG to
// local channel members, updating RemoteMembers, and so on). It is kept as
// a small interface so this package never imports internal/conn, which
// itself will hold the Manager.
type Applier interface {
	ApplyRemoteEvent(origin string, ev *Event)
	// PeerLost is called once a peer's last connection generation tears
	// down, so the applier can drop that peer's RemoteMembers.
	PeerLost(peerID string)
	// Snapshot returns every locally-hosted channel, for answering a
	// peer's SyncRequest with a full SyncResponse on link establishment.
	Snapshot() []*models.Channel
}

// Config configures a Manager. TLSConfig must present this server's own
// certificate and, on the listening side, require and verify the peer's
// certificate (mutual TLS is the whole of the S2S trust model: a peer's
// identity is exactly the fingerprint of the certificate it authenticates
// with, not anything it claims in a Hello).
type Config struct {
	ServerName string
	TLSConfig  *tls.Config

	// AllowedPeers loads the current s2s_allowed_peers membership for a
	// peer ID; nil means allow-all. Results are cached for a minute so a
	// database-backed loader doesn't add a round trip to every handshake.
	AllowedPeers func(peerID string) bool

	SendQueueCap int
	Logger       *slog.Logger
}

// Manager owns every federation link: the listener accepting inbound
// connections, outbound reconnect loops, the per-origin dedup set, and a
// single ordered broadcast worker that fans locally-originated events out
// to every linked peer in the order they were produced (dedup on the
// receiving end is a monotonic high-water mark, so out-of-order fan-out
// would make a legitimate later event look like a stale duplicate).
type Manager struct {
	cfg     Config
	peerID  string
	dedup   *DedupSet
	applier Applier
	counter uint64 // atomic, this server's own per-event sequence number

	mu    sync.Mutex
	peers map[string]*models.FederationPeer
	gen   map[string]uint64 // peerID -> highest connection generation seen

	broadcast chan *Event

	allowCache *TTLCache[bool]

	// clock orders last-writer-wins state (topic, mode, founder changes)
	// across origins; stamped on outgoing events and merged on inbound
	// ones so every peer converges on the same resolution.
	clock *HLC
}

// Clock returns the manager's hybrid logical clock, for stamping and
// merging last-writer-wins events (Topic, Mode, ChannelCreated).
func (m *Manager) Clock() *HLC { return m.clock }

// NewManager returns a Manager whose own peer ID is the SHA-256 fingerprint
// of the leaf certificate in cfg.TLSConfig.Certificates[0].
func NewManager(cfg Config, applier Applier) (*Manager, error) {
	if len(cfg.TLSConfig.Certificates) == 0 {
		return nil, errors.New("federation: TLS config has no certificates")
	}
	leaf := cfg.TLSConfig.Certificates[0]
	if len(leaf.Certificate) == 0 {
		return nil, errors.New("federation: TLS certificate has no leaf bytes")
	}
	if cfg.SendQueueCap <= 0 {
		cfg.SendQueueCap = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	sum := sha256.Sum256(leaf.Certificate[0])
	m := &Manager{
		cfg:       cfg,
		peerID:    hex.EncodeToString(sum[:]),
		dedup:     NewDedupSet(),
		applier:   applier,
		peers:      make(map[string]*models.FederationPeer),
		gen:        make(map[string]uint64),
		broadcast:  make(chan *Event, 1024),
		allowCache: NewTTLCache[bool](time.Minute, 500),
		clock:      NewHLC(),
	}
	return m, nil
}

// isAllowed reports whether peerID may connect, consulting the cache
// before falling back to cfg.AllowedPeers.
func (m *Manager) isAllowed(peerID string) bool {
	if m.cfg.AllowedPeers == nil {
		return true
	}
	if ok, hit := m.allowCache.Get(peerID); hit {
		return ok
	}
	ok := m.cfg.AllowedPeers(peerID)
	m.allowCache.Set(peerID, ok)
	return ok
}

// PeerID returns this server's own transport identity.
func (m *Manager) PeerID() string { return m.peerID }

// NextEventID mints the next "<peerID>:<counter>" event ID for a
// locally-originated event.
func (m *Manager) NextEventID() string {
	n := atomic.AddUint64(&m.counter, 1)
	return fmt.Sprintf("%s:%d", m.peerID, n)
}

// Run starts the ordered broadcast worker. It blocks until ctx is
// cancelled.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.broadcast:
			m.fanOut(ev)
		}
	}
}

// Broadcast enqueues a locally-originated event for ordered delivery to
// every linked peer, stamping EventID/Origin if unset. Call sites are never
// on the broadcast worker's own goroutine, so this never blocks the fan-out
// it feeds.
func (m *Manager) Broadcast(ev *Event) {
	if ev.Origin == "" {
		ev.Origin = m.peerID
	}
	if ev.EventID == "" && ev.Type != EventSyncRequest && ev.Type != EventSyncResponse && ev.Type != EventHello {
		ev.EventID = m.NextEventID()
	}
	if ev.Clock == nil && needsClock(ev.Type) {
		ts := m.clock.Now()
		ev.Clock = &ts
	}
	select {
	case m.broadcast <- ev:
	default:
		m.cfg.Logger.Warn("federation: broadcast queue full, dropping event", "type", ev.Type)
	}
}

// fanOut records the event's own dedup entry (so a relay of it from a peer
// later is recognized as already-seen) and writes it to every linked peer.
func (m *Manager) fanOut(ev *Event) {
	if ev.EventID != "" {
		m.dedup.Record(ev.EventID)
	}
	line, err := Encode(ev)
	if err != nil {
		m.cfg.Logger.Error("federation: encoding broadcast event", "error", err)
		return
	}
	m.mu.Lock()
	peers := make([]*models.FederationPeer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	m.mu.Unlock()
	for _, p := range peers {
		select {
		case p.Send <- line:
		default:
			m.cfg.Logger.Warn("federation: peer send queue full, dropping event", "peer", p.PeerID)
		}
	}
}

// Listen accepts inbound peer links on addr until ctx is cancelled.
func (m *Manager) Listen(ctx context.Context, addr string) error {
	ln, err := tls.Listen("tcp", addr, m.cfg.TLSConfig)
	if err != nil {
		return fmt.Errorf("federation: listening on %s: %w", addr, err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			m.cfg.Logger.Error("federation: accept", "error", err)
			continue
		}
		go m.handleLink(ctx, c, false)
	}
}

// ConnectWithRetry dials addr, retrying with exponential backoff (1s up to
// a 60s cap) until ctx is cancelled or a link is established and then
// later drops, in which case it resumes retrying — mirroring the always-
// reconnect peer-link policy of a persistent mesh.
func (m *Manager) ConnectWithRetry(ctx context.Context, addr string) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 60 * time.Second
	bo.MaxElapsedTime = 0 // retry forever

	for {
		if ctx.Err() != nil {
			return
		}
		c, err := tls.Dial("tcp", addr, m.cfg.TLSConfig)
		if err != nil {
			wait := bo.NextBackOff()
			m.cfg.Logger.Warn("federation: dial failed, retrying", "addr", addr, "error", err, "wait", wait)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()
		m.handleLink(ctx, c, true) // blocks until the link drops
	}
}

// handleLink drives one peer connection: identity extraction from the TLS
// handshake, the duplicate-connection tie-break, Hello/SyncRequest
// exchange, and the read loop. It returns once the connection closes.
func (m *Manager) handleLink(ctx context.Context, c net.Conn, outgoing bool) {
	defer c.Close()

	tlsConn, ok := c.(*tls.Conn)
	if !ok {
		m.cfg.Logger.Error("federation: non-TLS connection reached handleLink")
		return
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		m.cfg.Logger.Warn("federation: TLS handshake failed", "error", err)
		return
	}
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		m.cfg.Logger.Warn("federation: peer presented no certificate")
		return
	}
	sum := sha256.Sum256(state.PeerCertificates[0].Raw)
	peerID := hex.EncodeToString(sum[:])

	if !m.isAllowed(peerID) {
		m.cfg.Logger.Warn("federation: rejecting connection from non-allowlisted peer", "peer", peerID)
		return
	}

	gen, accepted := m.register(peerID, outgoing)
	if !accepted {
		// The peer with the lower ID keeps its outgoing link; the peer
		// with the higher ID keeps its incoming link. Drop this one.
		m.cfg.Logger.Info("federation: dropping duplicate connection", "peer", peerID, "outgoing", outgoing)
		return
	}
	defer m.unregister(peerID, gen)

	peer := m.peerEntry(peerID)

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		w := bufio.NewWriter(c)
		for line := range peer.Send {
			if _, err := w.Write(line); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
		}
	}()

	m.Broadcast(&Event{Type: EventHello, PeerID: m.peerID, ServerName: m.cfg.ServerName})
	m.sendDirect(peer, &Event{Type: EventSyncRequest, PeerID: m.peerID})

	scanner := bufio.NewScanner(c)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		ev, err := Decode(scanner.Bytes())
		if err != nil {
			m.cfg.Logger.Warn("federation: malformed event from peer", "peer", peerID, "error", err)
			continue
		}
		if ev.Type == EventSyncRequest {
			m.sendDirect(peer, BuildSyncResponse(m.peerID, m.applier.Snapshot()))
			continue
		}
		m.handleInbound(peerID, ev)
	}

	close(peer.Send)
	<-writeDone
	m.applier.PeerLost(peerID)
}

// sendDirect writes ev to a single peer's send queue without going through
// the shared broadcast ordering (used for link-local handshake traffic that
// must not be deduped or relayed further).
func (m *Manager) sendDirect(peer *models.FederationPeer, ev *Event) {
	line, err := Encode(ev)
	if err != nil {
		return
	}
	select {
	case peer.Send <- line:
	default:
	}
}

// handleInbound applies dedup and hands a decoded event to the applier.
// SyncRequest/SyncResponse/Hello bypass dedup since they are link-scoped,
// not broadcast-replicated.
func (m *Manager) handleInbound(peerID string, ev *Event) {
	switch ev.Type {
	case EventHello, EventSyncResponse:
		m.applier.ApplyRemoteEvent(peerID, ev)
		return
	}
	if ev.EventID != "" && !m.dedup.Record(ev.EventID) {
		return // already seen, drop without relaying further
	}
	if ev.Clock != nil {
		m.clock.Update(*ev.Clock)
	}
	m.applier.ApplyRemoteEvent(peerID, ev)
	// Relay onward to every other peer so a mesh larger than two nodes
	// still converges; re-broadcasting through the ordered queue preserves
	// the single-writer-per-peer invariant.
	m.Broadcast(ev)
}

// needsClock reports whether ev's type participates in last-writer-wins
// resolution and so must carry an HLC timestamp.
func needsClock(t EventType) bool {
	switch t {
	case EventTopic, EventMode, EventChannelCreated:
		return true
	default:
		return false
	}
}

// register applies the duplicate-connection tie-break: of two simultaneous
// links to the same peer, the side with the lower peer ID keeps its
// outgoing connection and the side with the higher ID keeps its incoming
// connection. register returns the connection generation assigned and
// whether this connection should proceed.
func (m *Manager) register(peerID string, outgoing bool) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.peers[peerID]; exists {
		iAmLower := m.peerID < peerID
		keepOutgoing := iAmLower
		if outgoing != keepOutgoing {
			return 0, false
		}
		// This connection wins the tie-break; replace the old one by
		// bumping the generation so its teardown (still unwinding on
		// another goroutine) can tell it is superseded.
	}
	g := m.gen[peerID] + 1
	m.gen[peerID] = g
	m.peers[peerID] = models.NewFederationPeer(peerID, g, m.cfg.SendQueueCap)
	return g, true
}

func (m *Manager) unregister(peerID string, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.peers[peerID]; ok && cur.ConnGen == gen {
		delete(m.peers, peerID)
	}
}

func (m *Manager) peerEntry(peerID string) *models.FederationPeer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peers[peerID]
}

// Peers returns the peer IDs currently linked.
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	return ids
}

// BuildSyncResponse snapshots locally-hosted channels into a SyncResponse
// event, the full-resync reply to a peer's SyncRequest on link establishment.
func BuildSyncResponse(fromPeerID string, channels []*models.Channel) *Event {
	infos := make([]ChannelInfo, 0, len(channels))
	for _, ch := range channels {
		ch.Mu.RLock()
		info := ChannelInfo{
			Name:        ch.Name,
			FounderDID:  ch.FounderDID,
			CreatedAt:   ch.CreatedAt.Unix(),
			TopicLocked: ch.Modes.TopicLocked,
			InviteOnly:  ch.Modes.InviteOnly,
			NoExtMsg:    ch.Modes.NoExtMsg,
			Moderated:   ch.Modes.Moderated,
			Key:         ch.Modes.Key,
		}
		if ch.CurrentTopic != nil {
			info.Topic = ch.CurrentTopic.Text
		}
		for did := range ch.DIDOps {
			info.DIDOps = append(info.DIDOps, did)
		}
		ch.Mu.RUnlock()
		infos = append(infos, info)
	}
	return &Event{Type: EventSyncResponse, PeerID: fromPeerID, Channels: infos}
}
