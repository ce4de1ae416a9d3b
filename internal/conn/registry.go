// Package conn implements the connection state machine: capability
// negotiation, SASL DID-challenge authentication, NICK/USER registration,
// and the post-registration command dispatch table, operating on the
// shared registry of sessions and channels.
package conn

import (
	"context"
	"crypto/ed25519"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/freeq-dev/freeqd/internal/delivery"
	"github.com/freeq-dev/freeqd/internal/federation"
	"github.com/freeq-dev/freeqd/internal/identity"
	"github.com/freeq-dev/freeqd/internal/models"
	"github.com/freeq-dev/freeqd/internal/policy"
)

// Registry is the server's shared, per-process state: every live session,
// every channel, and the nick-to-session index, each guarded by its own
// lock rather than one global mutex, per the shared-state design.
type Registry struct {
	ServerName string

	sessionsMu sync.RWMutex
	sessions   map[string]*models.Session

	nicksMu sync.RWMutex
	nicks   map[string]string // lowercased nick -> session ID

	channelsMu sync.RWMutex
	channels   map[string]*models.Channel

	Challenges *identity.ChallengeStore
	Brokers    *identity.BrokerStore
	Resolver   *identity.Resolver
	Delivery   *delivery.Engine

	// AuthorityDID and AuthorityKey identify this server as an issuing
	// authority when it signs membership attestations on behalf of a
	// channel's policy. Until internal/config loads a persistent key,
	// NewRegistry mints an ephemeral one.
	AuthorityDID string
	AuthorityKey ed25519.PrivateKey

	Store Persister

	// MaxMessagesPerChannel bounds the persisted message store per channel;
	// zero means unlimited. Applied after each insert via Store.PruneMessages.
	MaxMessagesPerChannel int

	// Federation is the mesh link manager, nil when federation is
	// disabled. Dispatch handlers that originate channel events call
	// Federation.Broadcast to relay them to peers.
	Federation *federation.Manager

	Logger *slog.Logger
}

// Persister is the subset of internal/database that the connection layer
// needs to persist channel and message state. Kept as an interface so
// conn can be tested without a database.
type Persister interface {
	SaveChannel(ctx context.Context, ch *models.Channel) error
	DeleteChannel(ctx context.Context, name string) error
	AddBan(ctx context.Context, channel string, ban models.Ban) error
	RemoveBan(ctx context.Context, channel, mask string) error
	InsertMessage(ctx context.Context, m *models.MessageRecord) error
	GetMessages(ctx context.Context, channel string, limit int, before *time.Time) ([]*models.MessageRecord, error)
	GetMessagesAfter(ctx context.Context, channel string, after time.Time, limit int) ([]*models.MessageRecord, error)
	GetMessagesBetween(ctx context.Context, channel string, after, before time.Time, limit int) ([]*models.MessageRecord, error)
	PruneMessages(ctx context.Context, channel string, maxKeep int) error
	SaveIdentity(ctx context.Context, did, nick string) error
	NickOwnerDID(ctx context.Context, nick string) (string, error)
	PolicyStore(ctx context.Context) policy.Store
}

// NewRegistry allocates an empty registry. Its Delivery engine's lookup is
// wired to the registry's own session map once both exist, since the
// engine needs a lookup function closed over this registry.
func NewRegistry(serverName string, challengeTimeout time.Duration, logger *slog.Logger) *Registry {
	_, authorityKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		panic("conn: generating ephemeral authority key: " + err.Error())
	}
	r := &Registry{
		ServerName:   serverName,
		sessions:     make(map[string]*models.Session),
		nicks:        make(map[string]string),
		channels:     make(map[string]*models.Channel),
		Challenges:   identity.NewChallengeStore(challengeTimeout),
		Brokers:      identity.NewBrokerStore(60 * time.Second),
		Resolver:     identity.NewResolver(),
		AuthorityDID: "did:web:" + serverName,
		AuthorityKey: authorityKey,
		Logger:       logger,
	}
	r.Delivery = delivery.NewEngine(serverName, r.LookupSession)
	return r
}

// LookupSession resolves a session ID to its live Session.
func (r *Registry) LookupSession(sessionID string) *models.Session {
	r.sessionsMu.RLock()
	defer r.sessionsMu.RUnlock()
	return r.sessions[sessionID]
}

// AddSession registers a newly accepted session.
func (r *Registry) AddSession(s *models.Session) {
	r.sessionsMu.Lock()
	r.sessions[s.ID] = s
	r.sessionsMu.Unlock()
}

// RemoveSession drops a session from the registry. Callers are
// responsible for the rest of the disconnect cleanup sequence (channel
// parts, nick release, QUIT broadcast).
func (r *Registry) RemoveSession(sessionID string) {
	r.sessionsMu.Lock()
	delete(r.sessions, sessionID)
	r.sessionsMu.Unlock()
}

// ClaimNick binds a nick to a session if unclaimed (or already owned by
// that session), returning false if another session holds it.
func (r *Registry) ClaimNick(nick, sessionID string) bool {
	key := strings.ToLower(nick)
	r.nicksMu.Lock()
	defer r.nicksMu.Unlock()
	if owner, ok := r.nicks[key]; ok && owner != sessionID {
		return false
	}
	r.nicks[key] = sessionID
	return true
}

// ReleaseNick frees a nick binding, e.g. on disconnect.
func (r *Registry) ReleaseNick(nick string) {
	r.nicksMu.Lock()
	delete(r.nicks, strings.ToLower(nick))
	r.nicksMu.Unlock()
}

// SessionByNick resolves a nick to its owning session, nil if unclaimed.
func (r *Registry) SessionByNick(nick string) *models.Session {
	r.nicksMu.RLock()
	sessionID, ok := r.nicks[strings.ToLower(nick)]
	r.nicksMu.RUnlock()
	if !ok {
		return nil
	}
	return r.LookupSession(sessionID)
}

// GetOrCreateChannel returns the named channel, creating it (without
// persisting) if it does not yet exist.
func (r *Registry) GetOrCreateChannel(name string, maxHistory int) (*models.Channel, bool) {
	r.channelsMu.Lock()
	defer r.channelsMu.Unlock()
	ch, ok := r.channels[name]
	if ok {
		return ch, false
	}
	ch = models.NewChannel(name, maxHistory)
	r.channels[name] = ch
	return ch, true
}

// LoadChannel installs a channel reloaded from persistent storage (e.g. at
// startup), overwriting any in-memory channel of the same name. Membership
// fields are left as Store.LoadChannels left them: empty, since sessions
// are never persisted — a restart starts every channel with zero local
// members until clients reconnect and rejoin.
func (r *Registry) LoadChannel(ch *models.Channel) {
	r.channelsMu.Lock()
	r.channels[ch.Name] = ch
	r.channelsMu.Unlock()
}

// GetChannel returns the named channel, or nil if it does not exist.
func (r *Registry) GetChannel(name string) *models.Channel {
	r.channelsMu.RLock()
	defer r.channelsMu.RUnlock()
	return r.channels[name]
}

// DropChannel removes a channel once it becomes empty.
func (r *Registry) DropChannel(name string) {
	r.channelsMu.Lock()
	delete(r.channels, name)
	r.channelsMu.Unlock()
}

// ChannelNames returns every known channel name, for LIST.
func (r *Registry) ChannelNames() []string {
	r.channelsMu.RLock()
	defer r.channelsMu.RUnlock()
	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	return names
}
