package models

import (
	"net"
	"sync"
	"time"
)

// Capability is an IRCv3 capability name negotiated via CAP REQ.
type Capability string

const (
	CapSASL           Capability = "sasl"
	CapMessageTags    Capability = "message-tags"
	CapMultiPrefix    Capability = "multi-prefix"
	CapEchoMessage    Capability = "echo-message"
	CapServerTime     Capability = "server-time"
	CapBatch          Capability = "batch"
	CapChatHistory    Capability = "draft/chathistory"
	CapAccountNotify  Capability = "account-notify"
	CapExtendedJoin   Capability = "extended-join"
	CapAwayNotify     Capability = "away-notify"
)

// AllCapabilities is the full advertised capability set, in CAP LS order.
var AllCapabilities = []Capability{
	CapSASL, CapMessageTags, CapMultiPrefix, CapEchoMessage, CapServerTime,
	CapBatch, CapChatHistory, CapAccountNotify, CapExtendedJoin, CapAwayNotify,
}

// ConnState is a connection's position in the registration state machine.
type ConnState int

const (
	StatePreCap ConnState = iota
	StateCapNegotiating
	StateSASLInProgress
	StateNickUserPending
	StateRegistered
	StateDisconnected
)

// Session is the transient per-connection state for one client. Sessions are
// owned by a single dispatch goroutine; fields are only ever mutated by that
// goroutine, except OutBox which is written to by any goroutine delivering
// to this session and drained only by the session's own writer.
type Session struct {
	ID    string // opaque session identifier, stable for the connection's life
	Nick  string
	User  string
	Real  string
	Host  string // cloaked host used in hostmasks

	State ConnState

	Caps map[Capability]bool

	// DID is set once SASL authentication succeeds; empty for unauthenticated
	// (guest) sessions.
	DID    string
	Handle string // resolved AT-protocol handle, filled in by background resolution

	// SASLMechanism records which mechanism the client selected, since the
	// second AUTHENTICATE round is parsed differently depending on it.
	SASLMechanism string

	// TransportPeerID is the cryptographic transport identity for sessions
	// arriving over the federation-adjacent P2P listener; empty for plain
	// TCP/TLS/WebSocket clients.
	TransportPeerID string

	AwayMessage string // empty means not away

	RemoteAddr net.Addr

	// OutBox is the bounded outbound queue. Sends use a non-blocking
	// select and silently drop on overflow per the delivery backpressure
	// rule; the session's writer goroutine drains it.
	OutBox chan []byte

	mu sync.Mutex
}

// NewSession allocates a session with a bounded outbound queue.
func NewSession(id string, outboxCap int) *Session {
	return &Session{
		ID:     id,
		State:  StatePreCap,
		Caps:   make(map[Capability]bool),
		OutBox: make(chan []byte, outboxCap),
	}
}

// HasCap reports whether the session negotiated the given capability.
func (s *Session) HasCap(c Capability) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Caps[c]
}

// SetCap records a negotiated capability.
func (s *Session) SetCap(c Capability, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on {
		s.Caps[c] = true
	} else {
		delete(s.Caps, c)
	}
}

// Hostmask returns the nick!user@host triple used as a message source.
func (s *Session) Hostmask() string {
	nick, user, host := s.Nick, s.User, s.Host
	if nick == "" {
		nick = "*"
	}
	if user == "" {
		user = "unknown"
	}
	if host == "" {
		host = "unknown"
	}
	return nick + "!" + user + "@" + host
}

// Send enqueues a raw line for delivery, dropping it silently if the
// session's outbound queue is full or already closed.
func (s *Session) Send(line []byte) {
	defer func() { recover() }() // send on a closed channel during teardown races
	select {
	case s.OutBox <- line:
	default:
	}
}

// Ban is a persisted ban-list entry on a channel. Mask is either a glob
// pattern over nick!user@host or a literal "did:..." string.
type Ban struct {
	Mask  string
	SetBy string
	SetAt time.Time
}

// Topic is a channel's current topic and its provenance.
type Topic struct {
	Text  string
	SetBy string
	SetAt time.Time
}

// RemoteMember describes a member of a channel known only via federation.
type RemoteMember struct {
	OriginPeerID string
	DID          string
	Handle       string
	IsOp         bool
}

// ChannelModes holds the boolean/valued mode flags of §4.E.
type ChannelModes struct {
	InviteOnly  bool
	TopicLocked bool
	NoExtMsg    bool
	Moderated   bool
	Key         string // empty means no key set
}

// Channel is the shared, lockable state for one channel. All maps are
// guarded by Mu; callers must hold it for both reads and writes since the
// connection FSM and federation plane mutate channels concurrently.
type Channel struct {
	Mu sync.RWMutex

	Name string

	Members      map[string]bool // session ID -> present
	RemoteMembers map[string]RemoteMember // nick -> remote member info

	Ops    map[string]bool // session ID -> is op
	Voiced map[string]bool // session ID -> is voiced

	DIDOps     map[string]bool // persistent op bindings by DID
	FounderDID string

	Invites map[string]bool // session ID -> has a standing invite, for +i

	Modes ChannelModes

	CurrentTopic *Topic

	Bans []Ban

	History []*MessageRecord // bounded, most recent last

	MaxHistory int
	CreatedAt  time.Time

	// PolicyID is the content-addressed id of the active policy document,
	// empty when the channel has open-join semantics.
	PolicyID string
}

// NewChannel allocates an empty channel ready for its first joiner.
func NewChannel(name string, maxHistory int) *Channel {
	return &Channel{
		Name:          name,
		Members:       make(map[string]bool),
		RemoteMembers: make(map[string]RemoteMember),
		Ops:           make(map[string]bool),
		Voiced:        make(map[string]bool),
		DIDOps:        make(map[string]bool),
		Invites:       make(map[string]bool),
		MaxHistory:    maxHistory,
		CreatedAt:     time.Now(),
	}
}

// IsOp reports whether sessionID is an operator, either by direct grant or
// because it is authenticated as a DID in DIDOps.
func (c *Channel) IsOp(sessionID, did string) bool {
	if c.Ops[sessionID] {
		return true
	}
	if did != "" && c.DIDOps[did] {
		return true
	}
	return false
}

// MessageRecord is a channel-scoped persisted message row.
type MessageRecord struct {
	MsgID         string
	Channel       string
	SenderHost    string // hostmask of sender at time of send
	Text          string
	Tags          map[string]string
	Timestamp     time.Time
	ReplacesMsgID string
	DeletedAt     *time.Time
}

// Deleted reports whether the record has been soft-deleted.
func (m *MessageRecord) Deleted() bool { return m.DeletedAt != nil }

// FederationPeer is the in-memory entry for one linked server, keyed by the
// transport-authenticated peer ID (never the self-reported server_name).
type FederationPeer struct {
	PeerID     string
	ServerName string // untrusted display metadata from Hello

	// ConnGen distinguishes successive connections to the same peer ID so
	// a superseded handler's cleanup does not evict a newer entry.
	ConnGen uint64

	Send chan []byte // outbound newline-delimited JSON frames

	mu sync.Mutex
}

// NewFederationPeer allocates a peer entry with a bounded send queue.
func NewFederationPeer(peerID string, gen uint64, sendCap int) *FederationPeer {
	return &FederationPeer{
		PeerID:  peerID,
		ConnGen: gen,
		Send:    make(chan []byte, sendCap),
	}
}
