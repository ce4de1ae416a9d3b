// Package delivery fans PRIVMSG, NOTICE, and TAGMSG out to channel members
// and direct targets: it applies echo-message, server-time, message-tags,
// and batch capability negotiation per recipient before handing the
// encoded line to the session's own outbound queue.
package delivery

import (
	"time"

	"github.com/freeq-dev/freeqd/internal/models"
	"github.com/freeq-dev/freeqd/internal/wire"
)

// SessionLookup resolves a session ID to its live Session, or nil if the
// session has since disconnected. Delivery is decoupled from the
// connection registry so it can be tested without a running listener.
type SessionLookup func(sessionID string) *models.Session

// Engine fans messages out to local sessions.
type Engine struct {
	ServerName string
	Lookup     SessionLookup
}

// NewEngine returns a delivery engine bound to a session lookup function.
func NewEngine(serverName string, lookup SessionLookup) *Engine {
	return &Engine{ServerName: serverName, Lookup: lookup}
}

// Command is one of the three message-delivery verbs the engine handles.
type Command string

const (
	CmdPrivmsg Command = "PRIVMSG"
	CmdNotice  Command = "NOTICE"
	CmdTagmsg  Command = "TAGMSG"
)

// Outgoing is one message to relay: a source session (nil for server-
// originated messages), the command, target, text (empty for TAGMSG), and
// any client tags to relay (e.g. +draft/reply, +typing).
type Outgoing struct {
	From     *models.Session
	Command  Command
	Target   string
	Text     string
	ClientTags map[string]string
	MsgID    string
	Sent     time.Time

	// FromPrefix overrides the message source when From is nil and the
	// sender is not a local session — e.g. a federated user's
	// nick!handle@origin hostmask. Ignored when From is set.
	FromPrefix string
}

// DeliverToSession encodes one outgoing message for a single recipient
// session, tailoring the wire form to that session's negotiated
// capabilities, and enqueues it on the session's OutBox.
func (e *Engine) DeliverToSession(to *models.Session, out *Outgoing) {
	if to == nil {
		return
	}
	encoded := e.encode(to, out)
	if encoded == "" {
		return
	}
	to.Send([]byte(encoded))
}

// DeliverToChannel fans a message out to every local member of ch. PRIVMSG
// and NOTICE skip the sender unless it has negotiated echo-message;
// every other command (JOIN, PART, MODE, TOPIC, KICK, QUIT, ...) always
// echoes back to its source, since the sender needs to see its own
// membership/state changes regardless of that capability.
func (e *Engine) DeliverToChannel(ch *models.Channel, out *Outgoing) {
	ch.Mu.RLock()
	targets := make([]string, 0, len(ch.Members))
	for sessionID := range ch.Members {
		targets = append(targets, sessionID)
	}
	ch.Mu.RUnlock()

	var fromID string
	if out.From != nil {
		fromID = out.From.ID
	}
	suppressSelfEcho := out.Command == CmdPrivmsg || out.Command == CmdNotice

	for _, sessionID := range targets {
		if sessionID == fromID && suppressSelfEcho && !out.From.HasCap(models.CapEchoMessage) {
			continue
		}
		sess := e.Lookup(sessionID)
		if sess == nil {
			continue
		}
		e.DeliverToSession(sess, out)
	}
}

// tagFallbacks maps a known TAGMSG client tag to a function synthesizing a
// plain PRIVMSG body for recipients without message-tags, per the
// server-side downgrade rule (e.g. a reaction becomes an ACTION line).
// Tag types with no entry here are silently dropped for such recipients.
var tagFallbacks = map[string]func(value string) string{
	"+draft/react": func(emoji string) string { return "\x01ACTION reacted with " + emoji + "\x01" },
}

// encode renders out for recipient to, downgrading message tags and
// server-time for sessions that never negotiated the corresponding
// capability, per the capability-aware delivery rule.
func (e *Engine) encode(to *models.Session, out *Outgoing) string {
	if out.Command == CmdTagmsg && !to.HasCap(models.CapMessageTags) {
		return e.downgradeTagmsg(to, out)
	}

	msg := &wire.Message{
		Command: string(out.Command),
	}
	switch {
	case out.From != nil:
		msg.Prefix = out.From.Hostmask()
	case out.FromPrefix != "":
		msg.Prefix = out.FromPrefix
	default:
		msg.Prefix = e.ServerName
	}
	if out.Target != "" {
		msg.Params = append(msg.Params, out.Target)
	}
	if out.Command != CmdTagmsg {
		msg.Params = append(msg.Params, out.Text)
	}

	tags := make(map[string]string)
	if to.HasCap(models.CapMessageTags) {
		for k, v := range out.ClientTags {
			tags[k] = v
		}
		if out.MsgID != "" {
			tags["msgid"] = out.MsgID
		}
	}
	if to.HasCap(models.CapServerTime) {
		sent := out.Sent
		if sent.IsZero() {
			sent = time.Now()
		}
		tags["time"] = sent.UTC().Format("2006-01-02T15:04:05.000Z")
	}
	if len(tags) > 0 {
		msg.Tags = tags
	}

	return msg.Encode()
}

// downgradeTagmsg synthesizes a fallback PRIVMSG for a recipient without
// message-tags, if out carries a client tag with a known fallback;
// otherwise the TAGMSG is silently dropped.
func (e *Engine) downgradeTagmsg(to *models.Session, out *Outgoing) string {
	for tag, value := range out.ClientTags {
		fallback, ok := tagFallbacks[tag]
		if !ok {
			continue
		}
		return e.encode(to, &Outgoing{
			From:    out.From,
			Command: CmdPrivmsg,
			Target:  out.Target,
			Text:    fallback(value),
			Sent:    out.Sent,
		})
	}
	return ""
}
