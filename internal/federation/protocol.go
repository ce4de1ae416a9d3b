// Package federation implements the server-to-server link: a mesh of
// mutually-TLS-authenticated connections between freeqd instances,
// carrying newline-delimited JSON events with origin-tracked dedup and
// an ordered broadcast queue. Peer identity is the cryptographic
// identity presented by the peer's TLS certificate, not anything
// self-reported in a message body.
package federation

import (
	"encoding/json"
	"fmt"
)

// EventType discriminates the single Event envelope below, mirroring the
// original implementation's internally-tagged message enum.
type EventType string

const (
	EventHello           EventType = "hello"
	EventPrivmsg         EventType = "privmsg"
	EventJoin            EventType = "join"
	EventChannelCreated  EventType = "channel_created"
	EventPart            EventType = "part"
	EventQuit            EventType = "quit"
	EventNickChange      EventType = "nick_change"
	EventTopic           EventType = "topic"
	EventMode            EventType = "mode"
	EventKick            EventType = "kick"
	EventSyncRequest     EventType = "sync_request"
	EventSyncResponse    EventType = "sync_response"
	EventPeerDisconnected EventType = "peer_disconnected" // synthesized locally, never sent on the wire
)

// Event is every message exchanged between servers, flattened into one
// envelope rather than the tagged-enum-per-variant Rust shape: Go has no
// sum type, and a flat struct with omitted-when-empty fields keeps the
// JSON wire form identical to what a tagged enum would serialize to.
type Event struct {
	Type EventType `json:"type"`

	// EventID dedups: "<origin-peer-id>:<counter>". Empty on SyncRequest,
	// SyncResponse, Hello, and PeerDisconnected, which aren't deduped.
	EventID string `json:"event_id,omitempty"`
	// Origin is the event's original peer ID, carried through relays to
	// prevent loops in a mesh larger than two nodes.
	Origin string `json:"origin,omitempty"`

	// Hello
	PeerID     string `json:"peer_id,omitempty"`
	ServerName string `json:"server_name,omitempty"`

	// Privmsg
	From   string `json:"from,omitempty"`
	Target string `json:"target,omitempty"`
	Text   string `json:"text,omitempty"`

	// Join / Part / Quit / NickChange / Kick
	Nick    string `json:"nick,omitempty"`
	Channel string `json:"channel,omitempty"`
	DID     string `json:"did,omitempty"`
	Handle  string `json:"handle,omitempty"`
	IsOp    bool   `json:"is_op,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Old     string `json:"old,omitempty"`
	New     string `json:"new,omitempty"`
	By      string `json:"by,omitempty"`

	// ChannelCreated
	FounderDID string   `json:"founder_did,omitempty"`
	DIDOps     []string `json:"did_ops,omitempty"`
	CreatedAt  int64    `json:"created_at,omitempty"`

	// Topic
	Topic string `json:"topic,omitempty"`
	SetBy string `json:"set_by,omitempty"`

	// Mode
	Mode string `json:"mode,omitempty"`
	Arg  string `json:"arg,omitempty"`

	// Clock orders Topic/Mode/ChannelCreated events for last-writer-wins
	// conflict resolution when two origins change the same channel's
	// state concurrently; omitted for events that don't need it.
	Clock *HLCTimestamp `json:"clock,omitempty"`

	// SyncResponse
	ServerID string        `json:"server_id,omitempty"`
	Channels []ChannelInfo `json:"channels,omitempty"`
}

// SyncNick is one member's metadata in a ChannelInfo sync.
type SyncNick struct {
	Nick string `json:"nick"`
	IsOp bool   `json:"is_op,omitempty"`
	DID  string `json:"did,omitempty"`
}

// ChannelInfo is one channel's state as exchanged in a SyncResponse.
type ChannelInfo struct {
	Name        string     `json:"name"`
	Topic       string     `json:"topic,omitempty"`
	NickInfo    []SyncNick `json:"nick_info,omitempty"`
	FounderDID  string     `json:"founder_did,omitempty"`
	DIDOps      []string   `json:"did_ops,omitempty"`
	CreatedAt   int64      `json:"created_at,omitempty"`
	TopicLocked bool       `json:"topic_locked,omitempty"`
	InviteOnly  bool       `json:"invite_only,omitempty"`
	NoExtMsg    bool       `json:"no_ext_msg,omitempty"`
	Moderated   bool       `json:"moderated,omitempty"`
	Key         string     `json:"key,omitempty"`
}

// Encode renders an event as one newline-terminated JSON line.
func Encode(e *Event) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("federation: encoding event: %w", err)
	}
	return append(b, '\n'), nil
}

// Decode parses one JSON line into an Event.
func Decode(line []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(line, &e); err != nil {
		return nil, fmt.Errorf("federation: decoding event: %w", err)
	}
	return &e, nil
}
