package conn

import "github.com/freeq-dev/freeqd/internal/federation"

// relay broadcasts a locally-originated event to the mesh, a no-op when
// federation is disabled. EventID, Origin, and Clock are stamped by
// Manager.Broadcast itself.
func (c *Conn) relay(ev *federation.Event) {
	if c.reg.Federation == nil {
		return
	}
	c.reg.Federation.Broadcast(ev)
}

func (c *Conn) relayJoin(chanName string) {
	c.relay(&federation.Event{
		Type:    federation.EventJoin,
		Channel: chanName,
		Nick:    c.sess.Nick,
		DID:     c.sess.DID,
		IsOp:    false,
	})
}

func (c *Conn) relayPart(chanName, reason string) {
	c.relay(&federation.Event{
		Type:    federation.EventPart,
		Channel: chanName,
		Nick:    c.sess.Nick,
		Reason:  reason,
	})
}

func (c *Conn) relayQuit(reason string) {
	c.relay(&federation.Event{
		Type:   federation.EventQuit,
		Nick:   c.sess.Nick,
		Reason: reason,
	})
}

func (c *Conn) relayPrivmsg(chanName, text string) {
	c.relay(&federation.Event{
		Type:    federation.EventPrivmsg,
		Channel: chanName,
		From:    c.sess.Nick,
		DID:     c.sess.DID,
		Text:    text,
	})
}

func (c *Conn) relayTopic(chanName, topic string) {
	c.relay(&federation.Event{
		Type:    federation.EventTopic,
		Channel: chanName,
		Topic:   topic,
		SetBy:   c.sess.Nick,
	})
}

func (c *Conn) relayMode(chanName, modeStr, arg string) {
	c.relay(&federation.Event{
		Type:    federation.EventMode,
		Channel: chanName,
		Mode:    modeStr,
		Arg:     arg,
		By:      c.sess.Nick,
	})
}

func (c *Conn) relayKick(chanName, nick, reason string) {
	c.relay(&federation.Event{
		Type:    federation.EventKick,
		Channel: chanName,
		Nick:    nick,
		Reason:  reason,
		By:      c.sess.Nick,
	})
}

func (c *Conn) relayNickChange(old, newNick string) {
	c.relay(&federation.Event{
		Type: federation.EventNickChange,
		Old:  old,
		New:  newNick,
	})
}

func (c *Conn) relayChannelCreated(chanName string) {
	ch := c.reg.GetChannel(chanName)
	if ch == nil {
		return
	}
	ch.Mu.RLock()
	founder := ch.FounderDID
	var ops []string
	for did := range ch.DIDOps {
		ops = append(ops, did)
	}
	created := ch.CreatedAt.Unix()
	ch.Mu.RUnlock()

	c.relay(&federation.Event{
		Type:       federation.EventChannelCreated,
		Channel:    chanName,
		FounderDID: founder,
		DIDOps:     ops,
		CreatedAt:  created,
	})
}
