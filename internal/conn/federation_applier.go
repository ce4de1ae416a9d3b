package conn

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/freeq-dev/freeqd/internal/channel"
	"github.com/freeq-dev/freeqd/internal/delivery"
	"github.com/freeq-dev/freeqd/internal/federation"
	"github.com/freeq-dev/freeqd/internal/models"
)

// FederationApplier translates inbound mesh events into the same
// Registry/Channel mutations and local fan-out that a directly-connected
// client produces, so a local session cannot tell a channel message or
// membership change originated on another instance.
type FederationApplier struct {
	reg *Registry

	clocksMu sync.Mutex
	clocks   map[string]federation.HLCTimestamp // channel name -> last-applied topic/mode clock
}

// NewFederationApplier returns a federation.Applier backed by reg.
func NewFederationApplier(reg *Registry) *FederationApplier {
	return &FederationApplier{reg: reg, clocks: make(map[string]federation.HLCTimestamp)}
}

// wins reports whether clock should overwrite the last-applied value
// recorded for key, per the last-writer-wins rule for concurrently
// modified shared channel state. A nil clock always wins, matching
// locally-originated events which carry no clock.
func (a *FederationApplier) wins(key string, clock *federation.HLCTimestamp) bool {
	if clock == nil {
		return true
	}
	a.clocksMu.Lock()
	defer a.clocksMu.Unlock()
	prev, ok := a.clocks[key]
	if ok && !prev.Before(*clock) {
		return false
	}
	a.clocks[key] = *clock
	return true
}

// ApplyRemoteEvent applies one deduplicated, order-preserved event
// received from origin.
func (a *FederationApplier) ApplyRemoteEvent(origin string, ev *federation.Event) {
	switch ev.Type {
	case federation.EventHello:
		// No state to apply; the link handshake itself is enough.
	case federation.EventJoin:
		a.applyJoin(origin, ev)
	case federation.EventPart:
		a.applyPart(ev)
	case federation.EventQuit:
		a.applyQuit(ev)
	case federation.EventKick:
		a.applyKick(ev)
	case federation.EventNickChange:
		a.applyNickChange(ev)
	case federation.EventPrivmsg:
		a.applyPrivmsg(ev)
	case federation.EventTopic:
		a.applyTopic(ev)
	case federation.EventMode:
		a.applyMode(ev)
	case federation.EventChannelCreated:
		a.applyChannelCreated(ev)
	case federation.EventSyncResponse:
		a.applySyncResponse(origin, ev)
	default:
		a.logger().Warn("federation: unhandled event type", slog.String("type", string(ev.Type)))
	}
}

// PeerLost drops every remote member credited to peerID, since that
// peer's own session table died with the link and this instance has no
// other way to learn of their departure.
func (a *FederationApplier) PeerLost(peerID string) {
	for _, name := range a.reg.ChannelNames() {
		ch := a.reg.GetChannel(name)
		if ch == nil {
			continue
		}
		ch.Mu.Lock()
		var stale []string
		for nick, rm := range ch.RemoteMembers {
			if rm.OriginPeerID == peerID {
				stale = append(stale, nick)
				delete(ch.RemoteMembers, nick)
			}
		}
		ch.Mu.Unlock()
		for _, nick := range stale {
			a.reg.Delivery.DeliverToChannel(ch, &delivery.Outgoing{
				Command:    delivery.Command("QUIT"),
				Text:       "peer connection lost",
				FromPrefix: nick + "!" + nick + "@" + peerID,
			})
		}
	}
}

func (a *FederationApplier) logger() *slog.Logger {
	if a.reg.Logger != nil {
		return a.reg.Logger
	}
	return slog.Default()
}

func (a *FederationApplier) hostmask(origin string, nick, handle string) string {
	ident := handle
	if ident == "" {
		ident = nick
	}
	return nick + "!" + ident + "@" + origin
}

func (a *FederationApplier) applyJoin(origin string, ev *federation.Event) {
	if ev.Channel == "" || ev.Nick == "" {
		return
	}
	ch, _ := a.reg.GetOrCreateChannel(ev.Channel, DefaultMaxHistory)
	ch.Mu.Lock()
	ch.RemoteMembers[ev.Nick] = models.RemoteMember{
		OriginPeerID: origin,
		DID:          ev.DID,
		Handle:       ev.Handle,
		IsOp:         ev.IsOp,
	}
	ch.Mu.Unlock()
	a.reg.Delivery.DeliverToChannel(ch, &delivery.Outgoing{
		Command:    delivery.Command("JOIN"),
		Target:     ev.Channel,
		FromPrefix: a.hostmask(origin, ev.Nick, ev.Handle),
	})
}

func (a *FederationApplier) applyPart(ev *federation.Event) {
	ch := a.reg.GetChannel(ev.Channel)
	if ch == nil || ev.Nick == "" {
		return
	}
	ch.Mu.Lock()
	rm, ok := ch.RemoteMembers[ev.Nick]
	delete(ch.RemoteMembers, ev.Nick)
	ch.Mu.Unlock()
	if !ok {
		return
	}
	a.reg.Delivery.DeliverToChannel(ch, &delivery.Outgoing{
		Command:    delivery.Command("PART"),
		Target:     ev.Channel,
		Text:       ev.Reason,
		FromPrefix: a.hostmask(rm.OriginPeerID, ev.Nick, rm.Handle),
	})
}

func (a *FederationApplier) applyQuit(ev *federation.Event) {
	for _, name := range a.reg.ChannelNames() {
		ch := a.reg.GetChannel(name)
		if ch == nil {
			continue
		}
		ch.Mu.Lock()
		rm, ok := ch.RemoteMembers[ev.Nick]
		if ok {
			delete(ch.RemoteMembers, ev.Nick)
		}
		ch.Mu.Unlock()
		if !ok {
			continue
		}
		a.reg.Delivery.DeliverToChannel(ch, &delivery.Outgoing{
			Command:    delivery.Command("QUIT"),
			Text:       ev.Reason,
			FromPrefix: a.hostmask(rm.OriginPeerID, ev.Nick, rm.Handle),
		})
	}
}

func (a *FederationApplier) applyKick(ev *federation.Event) {
	ch := a.reg.GetChannel(ev.Channel)
	if ch == nil || ev.Nick == "" {
		return
	}
	ch.Mu.Lock()
	rm, ok := ch.RemoteMembers[ev.Nick]
	delete(ch.RemoteMembers, ev.Nick)
	ch.Mu.Unlock()
	var prefix string
	if ok {
		prefix = a.hostmask(rm.OriginPeerID, ev.By, ev.By)
	} else {
		prefix = a.hostmask(ev.Origin, ev.By, ev.By)
	}
	a.reg.Delivery.DeliverToChannel(ch, &delivery.Outgoing{
		Command:    delivery.Command("KICK"),
		Target:     ev.Channel,
		Text:       ev.Nick + " :" + ev.Reason,
		FromPrefix: prefix,
	})
	if !ok {
		// The kicked nick wasn't a remote member, so it must be a local
		// session — evict it from the channel the same way a local KICK does.
		if target := a.reg.SessionByNick(ev.Nick); target != nil {
			channel.Part(ch, target.ID)
		}
	}
}

func (a *FederationApplier) applyNickChange(ev *federation.Event) {
	if ev.Old == "" || ev.New == "" {
		return
	}
	for _, name := range a.reg.ChannelNames() {
		ch := a.reg.GetChannel(name)
		if ch == nil {
			continue
		}
		ch.Mu.Lock()
		rm, ok := ch.RemoteMembers[ev.Old]
		if ok {
			delete(ch.RemoteMembers, ev.Old)
			ch.RemoteMembers[ev.New] = rm
		}
		ch.Mu.Unlock()
		if !ok {
			continue
		}
		a.reg.Delivery.DeliverToChannel(ch, &delivery.Outgoing{
			Command:    delivery.Command("NICK"),
			Target:     ev.New,
			FromPrefix: a.hostmask(rm.OriginPeerID, ev.Old, rm.Handle),
		})
	}
}

func (a *FederationApplier) applyPrivmsg(ev *federation.Event) {
	if ev.Channel == "" {
		return
	}
	ch := a.reg.GetChannel(ev.Channel)
	if ch == nil {
		return
	}
	ch.Mu.RLock()
	rm, ok := ch.RemoteMembers[ev.From]
	ch.Mu.RUnlock()
	origin := ev.Origin
	handle := ev.Handle
	if ok {
		origin = rm.OriginPeerID
		if handle == "" {
			handle = rm.Handle
		}
	}
	a.reg.Delivery.DeliverToChannel(ch, &delivery.Outgoing{
		Command:    delivery.CmdPrivmsg,
		Target:     ev.Channel,
		Text:       ev.Text,
		Sent:       time.Now(),
		FromPrefix: a.hostmask(origin, ev.From, handle),
	})
}

func (a *FederationApplier) applyTopic(ev *federation.Event) {
	ch := a.reg.GetChannel(ev.Channel)
	if ch == nil {
		return
	}
	if !a.wins("topic:"+ev.Channel, ev.Clock) {
		return
	}
	ch.Mu.Lock()
	ch.CurrentTopic = &models.Topic{Text: ev.Topic, SetBy: ev.SetBy, SetAt: time.Now()}
	ch.Mu.Unlock()

	if a.reg.Store != nil {
		_ = a.reg.Store.SaveChannel(context.Background(), ch)
	}
	a.reg.Delivery.DeliverToChannel(ch, &delivery.Outgoing{
		Command:    delivery.Command("TOPIC"),
		Target:     ev.Channel,
		Text:       ev.Topic,
		FromPrefix: a.hostmask(ev.Origin, ev.SetBy, ev.SetBy),
	})
}

func (a *FederationApplier) applyMode(ev *federation.Event) {
	ch := a.reg.GetChannel(ev.Channel)
	if ch == nil {
		return
	}
	if !a.wins("mode:"+ev.Channel, ev.Clock) {
		return
	}
	add := true
	for _, r := range ev.Mode {
		switch r {
		case '+':
			add = true
		case '-':
			add = false
		case 'i', 't', 'n', 'm', 'k':
			_ = channel.ApplyMode(ch, add, channel.Mode(r), "", ev.Arg)
		}
	}
	if a.reg.Store != nil {
		_ = a.reg.Store.SaveChannel(context.Background(), ch)
	}
	a.reg.Delivery.DeliverToChannel(ch, &delivery.Outgoing{
		Command:    delivery.Command("MODE"),
		Target:     ev.Channel,
		Text:       ev.Mode,
		FromPrefix: a.hostmask(ev.Origin, ev.By, ev.By),
	})
}

func (a *FederationApplier) applyChannelCreated(ev *federation.Event) {
	if !a.wins("created:"+ev.Channel, ev.Clock) {
		return
	}
	ch, created := a.reg.GetOrCreateChannel(ev.Channel, DefaultMaxHistory)
	if !created {
		return
	}
	ch.Mu.Lock()
	ch.FounderDID = ev.FounderDID
	for _, did := range ev.DIDOps {
		ch.DIDOps[did] = true
	}
	ch.Mu.Unlock()
	if a.reg.Store != nil {
		_ = a.reg.Store.SaveChannel(context.Background(), ch)
	}
}

// Snapshot returns every locally-hosted channel. Manager.handleLink calls
// this directly to answer a peer's SyncRequest with a full SyncResponse,
// bypassing the deduplicated broadcast path since sync traffic is
// link-local by design.
func (a *FederationApplier) Snapshot() []*models.Channel {
	names := a.reg.ChannelNames()
	channels := make([]*models.Channel, 0, len(names))
	for _, name := range names {
		if ch := a.reg.GetChannel(name); ch != nil {
			channels = append(channels, ch)
		}
	}
	return channels
}

// applySyncResponse merges a peer's full channel snapshot into the local
// registry on link establishment, installing any channel or remote member
// this instance does not yet know about.
func (a *FederationApplier) applySyncResponse(origin string, ev *federation.Event) {
	for _, ci := range ev.Channels {
		ch, _ := a.reg.GetOrCreateChannel(ci.Name, DefaultMaxHistory)
		ch.Mu.Lock()
		if ch.CurrentTopic == nil && ci.Topic != "" {
			ch.CurrentTopic = &models.Topic{Text: ci.Topic}
		}
		if ch.FounderDID == "" {
			ch.FounderDID = ci.FounderDID
		}
		for _, did := range ci.DIDOps {
			ch.DIDOps[did] = true
		}
		ch.Modes.InviteOnly = ch.Modes.InviteOnly || ci.InviteOnly
		ch.Modes.TopicLocked = ch.Modes.TopicLocked || ci.TopicLocked
		ch.Modes.NoExtMsg = ch.Modes.NoExtMsg || ci.NoExtMsg
		ch.Modes.Moderated = ch.Modes.Moderated || ci.Moderated
		for _, nick := range ci.NickInfo {
			if a.reg.SessionByNick(nick.Nick) != nil {
				continue // a local session already owns this nick
			}
			if _, exists := ch.RemoteMembers[nick.Nick]; !exists {
				ch.RemoteMembers[nick.Nick] = models.RemoteMember{
					OriginPeerID: origin,
					DID:          nick.DID,
					IsOp:         nick.IsOp,
				}
			}
		}
		ch.Mu.Unlock()
	}
}
