// Package channel implements the channel membership and moderation rules:
// join gating (bans, invite-only, keys, policy), mode changes, and the
// operator/voice invariants a session must satisfy before a command is
// allowed to mutate shared channel state.
package channel

import (
	"fmt"
	"strings"
	"time"

	"github.com/freeq-dev/freeqd/internal/models"
)

// JoinDenyReason names why a join was refused, mapped to a numeric reply
// by the connection layer.
type JoinDenyReason string

const (
	DenyBanned     JoinDenyReason = "banned"
	DenyInviteOnly JoinDenyReason = "invite_only"
	DenyBadKey     JoinDenyReason = "bad_channel_key"
	DenyPolicy     JoinDenyReason = "policy"
)

// JoinError reports a refused join along with the reason a caller maps to
// a numeric reply.
type JoinError struct {
	Reason  JoinDenyReason
	Message string
}

func (e *JoinError) Error() string { return e.Message }

// CheckJoin validates the local pre-policy join gates against a channel's
// persisted state, in the fixed order the invariants require: ban, then
// invite-only, then key. The policy engine (internal/policy) is evaluated
// separately by the caller once these pass, since it may require network
// round trips.
func CheckJoin(ch *models.Channel, sessionID, hostmask, did, key string) error {
	ch.Mu.RLock()
	defer ch.Mu.RUnlock()

	if banned(ch.Bans, hostmask, did) {
		return &JoinError{DenyBanned, fmt.Sprintf("cannot join %s: banned", ch.Name)}
	}
	if ch.Modes.InviteOnly && !ch.Invites[sessionID] {
		return &JoinError{DenyInviteOnly, fmt.Sprintf("cannot join %s: invite only", ch.Name)}
	}
	if ch.Modes.Key != "" && ch.Modes.Key != key {
		return &JoinError{DenyBadKey, fmt.Sprintf("cannot join %s: bad channel key", ch.Name)}
	}
	return nil
}

// Invite records a standing invite for sessionID, consumed by its next
// successful CheckJoin/Join pair.
func Invite(ch *models.Channel, sessionID string) {
	ch.Mu.Lock()
	defer ch.Mu.Unlock()
	ch.Invites[sessionID] = true
}

func banned(bans []models.Ban, hostmask, did string) bool {
	for _, b := range bans {
		if did != "" && b.Mask == did {
			return true
		}
		if matchMask(b.Mask, hostmask) {
			return true
		}
	}
	return false
}

// matchMask reports whether a glob pattern over nick!user@host (with '*'
// and '?' wildcards, IRC-style) matches hostmask.
func matchMask(pattern, hostmask string) bool {
	return globMatch(strings.ToLower(pattern), strings.ToLower(hostmask))
}

func globMatch(pattern, s string) bool {
	if pattern == "" {
		return s == ""
	}
	if pattern[0] == '*' {
		if globMatch(pattern[1:], s) {
			return true
		}
		for i := 0; i < len(s); i++ {
			if globMatch(pattern[1:], s[i+1:]) {
				return true
			}
		}
		return false
	}
	if len(s) == 0 {
		return false
	}
	if pattern[0] == '?' || pattern[0] == s[0] {
		return globMatch(pattern[1:], s[1:])
	}
	return false
}

// JoinAsFirstMember admits sessionID (with optional did) into an empty
// channel, granting operator and, if authenticated, founder status.
func JoinAsFirstMember(ch *models.Channel, sessionID, did string) {
	ch.Mu.Lock()
	defer ch.Mu.Unlock()
	ch.Members[sessionID] = true
	ch.Ops[sessionID] = true
	if did != "" {
		ch.FounderDID = did
		ch.DIDOps[did] = true
	}
}

// Join admits sessionID into a non-empty channel as a plain member,
// consuming any standing invite.
func Join(ch *models.Channel, sessionID string) {
	ch.Mu.Lock()
	defer ch.Mu.Unlock()
	ch.Members[sessionID] = true
	delete(ch.Invites, sessionID)
}

// Part removes sessionID from a channel's membership, ops, and voice sets.
// It reports whether the channel is now empty.
func Part(ch *models.Channel, sessionID string) (empty bool) {
	ch.Mu.Lock()
	defer ch.Mu.Unlock()
	delete(ch.Members, sessionID)
	delete(ch.Ops, sessionID)
	delete(ch.Voiced, sessionID)
	return len(ch.Members) == 0 && len(ch.RemoteMembers) == 0
}

// IsMember reports whether sessionID currently occupies the channel.
func IsMember(ch *models.Channel, sessionID string) bool {
	ch.Mu.RLock()
	defer ch.Mu.RUnlock()
	return ch.Members[sessionID]
}

// Mode names one boolean or valued channel mode letter, per spec.md §4.E.
type Mode byte

const (
	ModeInviteOnly  Mode = 'i'
	ModeTopicLocked Mode = 't'
	ModeNoExtMsg    Mode = 'n'
	ModeModerated   Mode = 'm'
	ModeKey         Mode = 'k'
	ModeOp          Mode = 'o'
	ModeVoice       Mode = 'v'
)

// ApplyMode applies one +/- mode change. memberSessionID is only used by
// +o/-o/+v/-v, which target a specific member rather than the channel as a
// whole; value carries the key argument for +k.
func ApplyMode(ch *models.Channel, add bool, mode Mode, memberSessionID, value string) error {
	ch.Mu.Lock()
	defer ch.Mu.Unlock()

	switch mode {
	case ModeInviteOnly:
		ch.Modes.InviteOnly = add
	case ModeTopicLocked:
		ch.Modes.TopicLocked = add
	case ModeNoExtMsg:
		ch.Modes.NoExtMsg = add
	case ModeModerated:
		ch.Modes.Moderated = add
	case ModeKey:
		if add {
			ch.Modes.Key = value
		} else {
			ch.Modes.Key = ""
		}
	case ModeOp:
		if memberSessionID == "" {
			return fmt.Errorf("channel: mode %c requires a target nick", mode)
		}
		if add {
			ch.Ops[memberSessionID] = true
		} else {
			delete(ch.Ops, memberSessionID)
		}
	case ModeVoice:
		if memberSessionID == "" {
			return fmt.Errorf("channel: mode %c requires a target nick", mode)
		}
		if add {
			ch.Voiced[memberSessionID] = true
		} else {
			delete(ch.Voiced, memberSessionID)
		}
	default:
		return fmt.Errorf("channel: unknown mode %c", mode)
	}
	return nil
}

// SetTopic updates the channel topic if the caller is authorized: any
// member may set it unless topic_locked, in which case only an operator
// may.
func SetTopic(ch *models.Channel, sessionID, did, text, setBy string) error {
	ch.Mu.Lock()
	defer ch.Mu.Unlock()
	if ch.Modes.TopicLocked && !ch.IsOp(sessionID, did) {
		return fmt.Errorf("channel: topic is locked, operator privileges required")
	}
	ch.CurrentTopic = &models.Topic{Text: text, SetBy: setBy, SetAt: time.Now()}
	return nil
}

// CanSpeak reports whether sessionID may send a message to the channel:
// members may always speak; non-members may speak only absent no-external-
// messages mode; moderated channels additionally require voice or op.
func CanSpeak(ch *models.Channel, sessionID, did string) bool {
	ch.Mu.RLock()
	defer ch.Mu.RUnlock()
	isMember := ch.Members[sessionID]
	if !isMember && ch.Modes.NoExtMsg {
		return false
	}
	if ch.Modes.Moderated {
		return ch.IsOp(sessionID, did) || ch.Voiced[sessionID]
	}
	return true
}
