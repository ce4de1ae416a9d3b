package conn

import (
	"context"
	"fmt"
	"math/rand"
	"strings"

	"github.com/freeq-dev/freeqd/internal/identity"
	"github.com/freeq-dev/freeqd/internal/models"
	"github.com/freeq-dev/freeqd/internal/wire"
)

// saslMechanism is the primary SASL mechanism the server advertises: a
// DID-challenge exchange resolved through internal/identity. brokerMechanism
// is a second mechanism for browser clients that already proved their DID
// to the HTTP web-token broker and hold a one-time grant in its place.
const (
	saslMechanism   = "ATPROTO-CHALLENGE"
	brokerMechanism = "BROKER"
)

// dispatch routes one parsed line to the handshake or post-registration
// dispatch table depending on the session's current state.
func (c *Conn) dispatch(ctx context.Context, msg *wire.Message) {
	if c.sess.State == models.StateRegistered {
		c.dispatchRegistered(ctx, msg)
		return
	}
	c.dispatchHandshake(ctx, msg)
}

func (c *Conn) dispatchHandshake(ctx context.Context, msg *wire.Message) {
	switch msg.Command {
	case "CAP":
		c.handleCAP(ctx, msg)
	case "AUTHENTICATE":
		c.handleAuthenticate(ctx, msg)
	case "NICK":
		c.handleHandshakeNick(ctx, msg)
	case "USER":
		c.handleHandshakeUser(ctx, msg)
	case "PING":
		c.handlePing(msg)
	case "QUIT":
		c.sess.State = models.StateDisconnected
	default:
		c.numeric(wire.ERR_UNKNOWNCOMMAND, msg.Command, "Registration required")
	}
}

func (c *Conn) handleCAP(ctx context.Context, msg *wire.Message) {
	if len(msg.Params) == 0 {
		c.numeric(wire.ERR_NEEDMOREPARAMS, "CAP", "Not enough parameters")
		return
	}

	switch strings.ToUpper(msg.Params[0]) {
	case "LS":
		if c.sess.State == models.StatePreCap {
			c.sess.State = models.StateCapNegotiating
		}
		names := make([]string, len(models.AllCapabilities))
		for i, cap := range models.AllCapabilities {
			names[i] = string(cap)
		}
		c.send((&wire.Message{
			Prefix:  c.reg.ServerName,
			Command: "CAP",
			Params:  []string{c.displayNick(), "LS", strings.Join(names, " ")},
		}).Encode())

	case "REQ":
		if len(msg.Params) < 2 {
			c.numeric(wire.ERR_NEEDMOREPARAMS, "CAP", "Not enough parameters")
			return
		}
		requested := strings.Fields(msg.Params[1])
		for _, name := range requested {
			c.sess.SetCap(models.Capability(strings.TrimPrefix(name, "-")), !strings.HasPrefix(name, "-"))
		}
		c.send((&wire.Message{
			Prefix:  c.reg.ServerName,
			Command: "CAP",
			Params:  []string{c.displayNick(), "ACK", msg.Params[1]},
		}).Encode())

	case "END":
		if c.sess.State == models.StateCapNegotiating {
			c.sess.State = models.StateNickUserPending
		}
		c.maybeCompleteRegistration(ctx)

	case "LIST":
		var have []string
		for cap := range c.sess.Caps {
			have = append(have, string(cap))
		}
		c.send((&wire.Message{
			Prefix:  c.reg.ServerName,
			Command: "CAP",
			Params:  []string{c.displayNick(), "LIST", strings.Join(have, " ")},
		}).Encode())
	}
}

func (c *Conn) handleAuthenticate(ctx context.Context, msg *wire.Message) {
	if len(msg.Params) == 0 {
		c.numeric(wire.ERR_NEEDMOREPARAMS, "AUTHENTICATE", "Not enough parameters")
		return
	}
	arg := msg.Params[0]

	if arg == "*" {
		c.reg.Challenges.Clear(c.sess.ID)
		c.sess.State = models.StateNickUserPending
		c.numeric(wire.ERR_SASLABORTED, "SASL authentication aborted")
		return
	}

	if c.sess.State != models.StateSASLInProgress {
		switch {
		case strings.EqualFold(arg, saslMechanism):
			c.sess.State = models.StateSASLInProgress
			c.sess.SASLMechanism = saslMechanism
			// The DID-challenge mechanism needs the client's claimed DID before
			// it can issue a nonce; request it via the conventional empty
			// initial-response prompt.
			c.send((&wire.Message{Command: "AUTHENTICATE", Params: []string{"+"}}).Encode())
		case strings.EqualFold(arg, brokerMechanism):
			c.sess.State = models.StateSASLInProgress
			c.sess.SASLMechanism = brokerMechanism
			c.send((&wire.Message{Command: "AUTHENTICATE", Params: []string{"+"}}).Encode())
		default:
			c.numeric(wire.ERR_SASLFAIL, "SASL authentication failed")
		}
		return
	}

	if c.sess.SASLMechanism == brokerMechanism {
		did := strings.TrimSpace(arg)
		if did == "" || !c.reg.Brokers.Take(did) {
			c.numeric(wire.ERR_SASLFAIL, "SASL authentication failed")
			c.sess.State = models.StateNickUserPending
			return
		}
		c.completeSASL(ctx, did)
		return
	}

	// Second round: arg is "<claimed-did> <base64-sig>" on the first pass
	// (to claim the DID and receive a nonce), or just the base64 signature
	// once a challenge is already pending.
	if challenge := c.reg.Challenges.Take(c.sess.ID); challenge != nil {
		did, err := identity.VerifyResponse(ctx, c.reg.Resolver, challenge, arg)
		if err != nil {
			c.numeric(wire.ERR_SASLFAIL, "SASL authentication failed")
			c.sess.State = models.StateNickUserPending
			return
		}
		c.completeSASL(ctx, did)
		return
	}

	parts := strings.SplitN(arg, " ", 2)
	if len(parts) != 2 {
		c.numeric(wire.ERR_SASLFAIL, "SASL authentication failed")
		c.sess.State = models.StateNickUserPending
		return
	}
	claimedDID := parts[0]
	nonceB64, err := c.reg.Challenges.Issue(c.sess.ID, claimedDID)
	if err != nil {
		c.numeric(wire.ERR_SASLFAIL, "SASL authentication failed")
		c.sess.State = models.StateNickUserPending
		return
	}
	c.send((&wire.Message{Command: "AUTHENTICATE", Params: []string{nonceB64}}).Encode())
}

// completeSASL binds the session to its verified DID, persists the
// nick<->DID binding, and emits the two SASL success numerics.
func (c *Conn) completeSASL(ctx context.Context, did string) {
	c.sess.DID = did
	c.sess.State = models.StateNickUserPending
	if c.sess.Nick != "" && c.reg.Store != nil {
		_ = c.reg.Store.SaveIdentity(ctx, did, c.sess.Nick)
	}
	c.numeric(wire.RPL_LOGGEDIN, c.sess.Hostmask(), did, fmt.Sprintf("You are now logged in as %s", did))
	c.numeric(wire.RPL_SASLSUCCESS, "SASL authentication successful")
	c.maybeCompleteRegistration(ctx)
}

func (c *Conn) handleHandshakeNick(ctx context.Context, msg *wire.Message) {
	if len(msg.Params) == 0 {
		c.numeric(wire.ERR_NEEDMOREPARAMS, "NICK", "Not enough parameters")
		return
	}
	nick := msg.Params[0]
	if !c.reg.ClaimNick(nick, c.sess.ID) {
		c.numeric(wire.ERR_NICKNAMEINUSE, nick, "Nickname is already in use")
		return
	}
	if c.sess.Nick != "" && c.sess.Nick != nick {
		c.reg.ReleaseNick(c.sess.Nick)
	}
	c.sess.Nick = nick
	if c.sess.State == models.StatePreCap {
		c.sess.State = models.StateNickUserPending
	}
	c.maybeCompleteRegistration(ctx)
}

func (c *Conn) handleHandshakeUser(ctx context.Context, msg *wire.Message) {
	if len(msg.Params) < 4 {
		c.numeric(wire.ERR_NEEDMOREPARAMS, "USER", "Not enough parameters")
		return
	}
	c.sess.User = msg.Params[0]
	c.sess.Real = msg.Params[3]
	if c.sess.State == models.StatePreCap {
		c.sess.State = models.StateNickUserPending
	}
	c.maybeCompleteRegistration(ctx)
}

func (c *Conn) handlePing(msg *wire.Message) {
	token := ""
	if len(msg.Params) > 0 {
		token = msg.Params[0]
	}
	c.send((&wire.Message{Prefix: c.reg.ServerName, Command: "PONG", Params: []string{c.reg.ServerName, token}}).Encode())
}

// maybeCompleteRegistration finishes registration once NICK, USER, and any
// pending SASL are all settled, per the §4.D CAP END transition.
func (c *Conn) maybeCompleteRegistration(ctx context.Context) {
	if c.sess.State != models.StateNickUserPending {
		return
	}
	if c.sess.Nick == "" || c.sess.User == "" {
		return
	}

	c.enforceNickOwnership(ctx)

	c.sess.State = models.StateRegistered
	c.sendWelcome()
}

// enforceNickOwnership force-renames the session to a guest nick if the
// claimed nick is persistently bound to a DID other than the one this
// session authenticated as (or to any DID, if the session never
// authenticated at all), per the §4.D registration-completion rule.
func (c *Conn) enforceNickOwnership(ctx context.Context) {
	if c.reg.Store == nil {
		return
	}
	owner, err := c.reg.Store.NickOwnerDID(ctx, c.sess.Nick)
	if err != nil || owner == "" || owner == c.sess.DID {
		return
	}

	c.reg.ReleaseNick(c.sess.Nick)
	for {
		candidate := guestNick()
		if c.reg.ClaimNick(candidate, c.sess.ID) {
			c.sess.Nick = candidate
			return
		}
	}
}

func (c *Conn) sendWelcome() {
	c.numeric(wire.RPL_WELCOME, fmt.Sprintf("Welcome to the network, %s", c.sess.Hostmask()))
	c.numeric(wire.RPL_YOURHOST, fmt.Sprintf("Your host is %s", c.reg.ServerName))
	c.numeric(wire.RPL_CREATED, "This server was started some time ago")
	c.numeric(wire.RPL_MYINFO, c.reg.ServerName, "freeqd-0", "io", "itnmkov")
}

func (c *Conn) displayNick() string {
	if c.sess.Nick != "" {
		return c.sess.Nick
	}
	return "*"
}

// guestNick mints a random Guest<xxxx> nick for force-renames when a
// claimed nick belongs to another DID.
func guestNick() string {
	return fmt.Sprintf("Guest%04d", rand.Intn(10000))
}
