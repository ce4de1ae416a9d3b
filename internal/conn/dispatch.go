package conn

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/freeq-dev/freeqd/internal/channel"
	"github.com/freeq-dev/freeqd/internal/delivery"
	"github.com/freeq-dev/freeqd/internal/history"
	"github.com/freeq-dev/freeqd/internal/models"
	"github.com/freeq-dev/freeqd/internal/policy"
	"github.com/freeq-dev/freeqd/internal/wire"
)

func (c *Conn) dispatchRegistered(ctx context.Context, msg *wire.Message) {
	switch msg.Command {
	case "JOIN":
		c.handleJoin(ctx, msg)
	case "PART":
		c.handlePart(ctx, msg)
	case "PRIVMSG":
		c.handleMessage(ctx, msg, delivery.CmdPrivmsg)
	case "NOTICE":
		c.handleMessage(ctx, msg, delivery.CmdNotice)
	case "TAGMSG":
		c.handleTagmsg(msg)
	case "TOPIC":
		c.handleTopic(ctx, msg)
	case "MODE":
		c.handleMode(ctx, msg)
	case "NICK":
		c.handleNickChange(msg)
	case "INVITE":
		c.handleInvite(msg)
	case "KICK":
		c.handleKick(msg)
	case "AWAY":
		c.handleAway(msg)
	case "NAMES":
		c.handleNames(msg)
	case "LIST":
		c.handleList(msg)
	case "CHATHISTORY":
		c.handleChatHistory(ctx, msg)
	case "WHO":
		c.handleWho(msg)
	case "WHOIS":
		c.handleWhois(msg)
	case "PING":
		c.handlePing(msg)
	case "QUIT":
		c.sess.State = models.StateDisconnected
	default:
		c.numeric(wire.ERR_UNKNOWNCOMMAND, msg.Command, "Unknown command")
	}
}

func (c *Conn) channelByTarget(name string) (*models.Channel, bool) {
	ch := c.reg.GetChannel(name)
	return ch, ch != nil
}

func (c *Conn) handleJoin(ctx context.Context, msg *wire.Message) {
	if len(msg.Params) == 0 {
		c.numeric(wire.ERR_NEEDMOREPARAMS, "JOIN", "Not enough parameters")
		return
	}
	names := strings.Split(msg.Params[0], ",")
	var keys []string
	if len(msg.Params) > 1 {
		keys = strings.Split(msg.Params[1], ",")
	}

	for i, name := range names {
		key := ""
		if i < len(keys) {
			key = keys[i]
		}
		c.joinOne(ctx, name, key)
	}
}

func (c *Conn) joinOne(ctx context.Context, name, key string) {
	ch, created := c.reg.GetOrCreateChannel(name, DefaultMaxHistory)

	if !created {
		if err := channel.CheckJoin(ch, c.sess.ID, c.sess.Hostmask(), c.sess.DID, key); err != nil {
			if je, ok := err.(*channel.JoinError); ok {
				switch je.Reason {
				case channel.DenyInviteOnly:
					c.numeric(wire.ERR_INVITEONLYCHAN, name, "Cannot join channel (+i)")
				case channel.DenyBadKey:
					c.numeric(wire.ERR_BADCHANNELKEY, name, "Cannot join channel (+k)")
				default:
					c.numeric(wire.ERR_BANNEDFROMCHAN, name, "Cannot join channel (+b)")
				}
			}
			return
		}
	}

	if ch.PolicyID != "" && c.reg.Store != nil {
		result, err := c.policyCheck(ctx, ch)
		if err != nil || (result != nil && result.Reason != "") {
			reason := "policy requirements not satisfied"
			if result != nil && result.Reason != "" {
				reason = result.Reason
			}
			c.numeric(wire.ERR_NOSUCHCHANNEL, name, reason)
			return
		}
	}

	if created {
		channel.JoinAsFirstMember(ch, c.sess.ID, c.sess.DID)
	} else {
		channel.Join(ch, c.sess.ID)
	}

	if c.reg.Store != nil {
		_ = c.reg.Store.SaveChannel(ctx, ch)
	}

	c.reg.Delivery.DeliverToChannel(ch, &delivery.Outgoing{
		From:    c.sess,
		Command: delivery.Command("JOIN"),
		Target:  name,
	})
	if created {
		c.relayChannelCreated(name)
	}
	c.relayJoin(name)
	c.sendNames(ch)
}

// policyCheck evaluates the channel's active policy for this session,
// using an empty evidence set: the connection layer supplies only what
// the handshake already verified (the subject DID); richer evidence
// collection belongs to the HTTP policy API's join submission endpoint.
func (c *Conn) policyCheck(ctx context.Context, ch *models.Channel) (*policy.JoinResult, error) {
	if c.sess.DID == "" {
		return &policy.JoinResult{Reason: "channel requires an authenticated DID"}, nil
	}
	store := c.reg.Store.PolicyStore(ctx)
	signer := policy.AuthoritySigner{DID: c.reg.AuthorityDID}
	return policy.ProcessJoin(store, signer, c.reg.AuthorityKey, ch.Name, c.sess.DID, policy.NewUserEvidence())
}

func (c *Conn) handlePart(ctx context.Context, msg *wire.Message) {
	if len(msg.Params) == 0 {
		c.numeric(wire.ERR_NEEDMOREPARAMS, "PART", "Not enough parameters")
		return
	}
	reason := ""
	if len(msg.Params) > 1 {
		reason = msg.Params[1]
	}
	for _, name := range strings.Split(msg.Params[0], ",") {
		ch, ok := c.channelByTarget(name)
		if !ok {
			c.numeric(wire.ERR_NOSUCHCHANNEL, name, "No such channel")
			continue
		}
		if !channel.IsMember(ch, c.sess.ID) {
			c.numeric(wire.ERR_NOTONCHANNEL, name, "You're not on that channel")
			continue
		}
		c.reg.Delivery.DeliverToChannel(ch, &delivery.Outgoing{From: c.sess, Command: delivery.Command("PART"), Target: name, Text: reason})
		c.relayPart(name, reason)
		empty := channel.Part(ch, c.sess.ID)
		if empty {
			c.reg.DropChannel(name)
			if c.reg.Store != nil {
				_ = c.reg.Store.DeleteChannel(ctx, name)
			}
		}
	}
}

func (c *Conn) handleMessage(ctx context.Context, msg *wire.Message, cmd delivery.Command) {
	if len(msg.Params) < 2 {
		c.numeric(wire.ERR_NEEDMOREPARAMS, string(cmd), "Not enough parameters")
		return
	}
	target, text := msg.Params[0], msg.Params[1]

	if strings.HasPrefix(target, "#") {
		ch, ok := c.channelByTarget(target)
		if !ok {
			c.numeric(wire.ERR_NOSUCHCHANNEL, target, "No such channel")
			return
		}
		if !channel.CanSpeak(ch, c.sess.ID, c.sess.DID) {
			c.numeric(wire.ERR_CANNOTSENDTOCHAN, target, "Cannot send to channel")
			return
		}

		msgID := history.NewMsgID()
		if cmd == delivery.CmdPrivmsg && c.reg.Store != nil {
			rec := &models.MessageRecord{
				MsgID:      msgID,
				Channel:    target,
				SenderHost: c.sess.Hostmask(),
				Text:       text,
				Tags:       wireClientTags(msg.Tags),
				Timestamp:  time.Now(),
			}
			_ = c.reg.Store.InsertMessage(ctx, rec)
			if c.reg.MaxMessagesPerChannel > 0 {
				_ = c.reg.Store.PruneMessages(ctx, target, c.reg.MaxMessagesPerChannel)
			}
			ch.Mu.Lock()
			ch.History = append(ch.History, rec)
			if len(ch.History) > ch.MaxHistory {
				ch.History = ch.History[len(ch.History)-ch.MaxHistory:]
			}
			ch.Mu.Unlock()
		}

		c.reg.Delivery.DeliverToChannel(ch, &delivery.Outgoing{
			From: c.sess, Command: cmd, Target: target, Text: text,
			ClientTags: wireClientTags(msg.Tags), MsgID: msgID, Sent: time.Now(),
		})
		if cmd == delivery.CmdPrivmsg {
			c.relayPrivmsg(target, text)
		}
		return
	}

	c.deliverPrivate(target, cmd, text, wireClientTags(msg.Tags))
}

func (c *Conn) handleTagmsg(msg *wire.Message) {
	if len(msg.Params) == 0 {
		c.numeric(wire.ERR_NEEDMOREPARAMS, "TAGMSG", "Not enough parameters")
		return
	}
	target := msg.Params[0]
	out := &delivery.Outgoing{From: c.sess, Command: delivery.CmdTagmsg, Target: target, ClientTags: wireClientTags(msg.Tags), Sent: time.Now()}

	if strings.HasPrefix(target, "#") {
		ch, ok := c.channelByTarget(target)
		if !ok {
			c.numeric(wire.ERR_NOSUCHCHANNEL, target, "No such channel")
			return
		}
		c.reg.Delivery.DeliverToChannel(ch, out)
		return
	}
	if to := c.reg.SessionByNick(target); to != nil {
		c.reg.Delivery.DeliverToSession(to, out)
	}
}

func (c *Conn) deliverPrivate(target string, cmd delivery.Command, text string, tags map[string]string) {
	to := c.reg.SessionByNick(target)
	if to == nil {
		c.numeric(wire.ERR_NOSUCHNICK, target, "No such nick")
		return
	}
	c.reg.Delivery.DeliverToSession(to, &delivery.Outgoing{From: c.sess, Command: cmd, Target: target, Text: text, ClientTags: tags, Sent: time.Now()})
	if to.AwayMessage != "" {
		c.numeric(wire.RPL_AWAY, target, to.AwayMessage)
	}
}

func wireClientTags(tags map[string]string) map[string]string {
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		if strings.HasPrefix(k, "+") {
			out[k] = v
		}
	}
	return out
}

func (c *Conn) handleTopic(ctx context.Context, msg *wire.Message) {
	if len(msg.Params) == 0 {
		c.numeric(wire.ERR_NEEDMOREPARAMS, "TOPIC", "Not enough parameters")
		return
	}
	name := msg.Params[0]
	ch, ok := c.channelByTarget(name)
	if !ok {
		c.numeric(wire.ERR_NOSUCHCHANNEL, name, "No such channel")
		return
	}
	if len(msg.Params) == 1 {
		ch.Mu.RLock()
		topic := ch.CurrentTopic
		ch.Mu.RUnlock()
		if topic == nil {
			c.numeric(wire.RPL_NOTOPIC, name, "No topic is set")
		} else {
			c.numeric(wire.RPL_TOPIC, name, topic.Text)
		}
		return
	}

	if err := channel.SetTopic(ch, c.sess.ID, c.sess.DID, msg.Params[1], c.sess.Hostmask()); err != nil {
		c.numeric(wire.ERR_CHANOPRIVSNEEDED, name, "You're not channel operator")
		return
	}
	if c.reg.Store != nil {
		_ = c.reg.Store.SaveChannel(ctx, ch)
	}
	c.reg.Delivery.DeliverToChannel(ch, &delivery.Outgoing{From: c.sess, Command: delivery.Command("TOPIC"), Target: name, Text: msg.Params[1]})
	c.relayTopic(name, msg.Params[1])
}

func (c *Conn) handleMode(ctx context.Context, msg *wire.Message) {
	if len(msg.Params) < 2 {
		c.numeric(wire.ERR_NEEDMOREPARAMS, "MODE", "Not enough parameters")
		return
	}
	name := msg.Params[0]
	ch, ok := c.channelByTarget(name)
	if !ok {
		c.numeric(wire.ERR_NOSUCHCHANNEL, name, "No such channel")
		return
	}
	if !ch.IsOp(c.sess.ID, c.sess.DID) {
		c.numeric(wire.ERR_CHANOPRIVSNEEDED, name, "You're not channel operator")
		return
	}

	modeStr := msg.Params[1]
	args := msg.Params[2:]
	add := true
	argIdx := 0
	for _, r := range modeStr {
		switch r {
		case '+':
			add = true
		case '-':
			add = false
		case 'b':
			if add && argIdx < len(args) {
				ban := models.Ban{Mask: args[argIdx], SetBy: c.sess.Hostmask(), SetAt: time.Now()}
				ch.Mu.Lock()
				ch.Bans = append(ch.Bans, ban)
				ch.Mu.Unlock()
				if c.reg.Store != nil {
					_ = c.reg.Store.AddBan(ctx, ch.Name, ban)
				}
				argIdx++
			} else if !add && argIdx < len(args) {
				mask := args[argIdx]
				ch.Mu.Lock()
				for i, b := range ch.Bans {
					if b.Mask == mask {
						ch.Bans = append(ch.Bans[:i], ch.Bans[i+1:]...)
						break
					}
				}
				ch.Mu.Unlock()
				if c.reg.Store != nil {
					_ = c.reg.Store.RemoveBan(ctx, ch.Name, mask)
				}
				argIdx++
			}
		case 'o', 'v':
			var target string
			if argIdx < len(args) {
				target = args[argIdx]
				argIdx++
			}
			targetSess := c.reg.SessionByNick(target)
			if targetSess == nil {
				c.numeric(wire.ERR_NOSUCHNICK, target, "No such nick")
				continue
			}
			_ = channel.ApplyMode(ch, add, channel.Mode(r), targetSess.ID, "")
		case 'k':
			value := ""
			if add && argIdx < len(args) {
				value = args[argIdx]
				argIdx++
			}
			_ = channel.ApplyMode(ch, add, channel.Mode(r), "", value)
		case 'i', 't', 'n', 'm':
			_ = channel.ApplyMode(ch, add, channel.Mode(r), "", "")
		}
	}

	if c.reg.Store != nil {
		_ = c.reg.Store.SaveChannel(ctx, ch)
	}
	c.reg.Delivery.DeliverToChannel(ch, &delivery.Outgoing{From: c.sess, Command: delivery.Command("MODE"), Target: name, Text: modeStr})
	arg := ""
	if argIdx > 0 && argIdx-1 < len(args) {
		arg = args[argIdx-1]
	}
	c.relayMode(name, modeStr, arg)
}

func (c *Conn) handleNickChange(msg *wire.Message) {
	if len(msg.Params) == 0 {
		c.numeric(wire.ERR_NEEDMOREPARAMS, "NICK", "Not enough parameters")
		return
	}
	newNick := msg.Params[0]
	if !c.reg.ClaimNick(newNick, c.sess.ID) {
		c.numeric(wire.ERR_NICKNAMEINUSE, newNick, "Nickname is already in use")
		return
	}
	old := c.sess.Nick
	c.reg.ReleaseNick(old)
	c.sess.Nick = newNick
	c.send((&wire.Message{Prefix: old + "!" + c.sess.User + "@" + c.sess.Host, Command: "NICK", Params: []string{newNick}}).Encode())
	c.relayNickChange(old, newNick)
}

func (c *Conn) handleInvite(msg *wire.Message) {
	if len(msg.Params) < 2 {
		c.numeric(wire.ERR_NEEDMOREPARAMS, "INVITE", "Not enough parameters")
		return
	}
	nick, chanName := msg.Params[0], msg.Params[1]
	ch, ok := c.channelByTarget(chanName)
	if !ok {
		c.numeric(wire.ERR_NOSUCHCHANNEL, chanName, "No such channel")
		return
	}
	target := c.reg.SessionByNick(nick)
	if target == nil {
		c.numeric(wire.ERR_NOSUCHNICK, nick, "No such nick")
		return
	}
	channel.Invite(ch, target.ID)
	c.reg.Delivery.DeliverToSession(target, &delivery.Outgoing{From: c.sess, Command: delivery.Command("INVITE"), Target: nick, Text: chanName})
}

func (c *Conn) handleKick(msg *wire.Message) {
	if len(msg.Params) < 2 {
		c.numeric(wire.ERR_NEEDMOREPARAMS, "KICK", "Not enough parameters")
		return
	}
	chanName, nick := msg.Params[0], msg.Params[1]
	reason := nick
	if len(msg.Params) > 2 {
		reason = msg.Params[2]
	}
	ch, ok := c.channelByTarget(chanName)
	if !ok {
		c.numeric(wire.ERR_NOSUCHCHANNEL, chanName, "No such channel")
		return
	}
	if !ch.IsOp(c.sess.ID, c.sess.DID) {
		c.numeric(wire.ERR_CHANOPRIVSNEEDED, chanName, "You're not channel operator")
		return
	}
	target := c.reg.SessionByNick(nick)
	if target == nil {
		c.numeric(wire.ERR_NOSUCHNICK, nick, "No such nick")
		return
	}
	c.reg.Delivery.DeliverToChannel(ch, &delivery.Outgoing{From: c.sess, Command: delivery.Command("KICK"), Target: chanName, Text: nick + " :" + reason})
	c.relayKick(chanName, nick, reason)
	channel.Part(ch, target.ID)
}

func (c *Conn) handleAway(msg *wire.Message) {
	if len(msg.Params) == 0 {
		c.sess.AwayMessage = ""
		return
	}
	c.sess.AwayMessage = msg.Params[0]
}

func (c *Conn) handleNames(msg *wire.Message) {
	if len(msg.Params) == 0 {
		return
	}
	ch, ok := c.channelByTarget(msg.Params[0])
	if !ok {
		return
	}
	c.sendNames(ch)
}

func (c *Conn) sendNames(ch *models.Channel) {
	ch.Mu.RLock()
	names := make([]string, 0, len(ch.Members))
	for sessionID := range ch.Members {
		sess := c.reg.LookupSession(sessionID)
		if sess == nil {
			continue
		}
		prefix := ""
		if ch.Ops[sessionID] {
			prefix = "@"
		} else if ch.Voiced[sessionID] {
			prefix = "+"
		}
		names = append(names, prefix+sess.Nick)
	}
	ch.Mu.RUnlock()

	c.numeric(wire.RPL_NAMREPLY, "=", ch.Name, strings.Join(names, " "))
	c.numeric(wire.RPL_ENDOFNAMES, ch.Name, "End of /NAMES list")
}

func (c *Conn) handleList(msg *wire.Message) {
	for _, name := range c.reg.ChannelNames() {
		ch := c.reg.GetChannel(name)
		if ch == nil {
			continue
		}
		ch.Mu.RLock()
		count := len(ch.Members)
		topic := ""
		if ch.CurrentTopic != nil {
			topic = ch.CurrentTopic.Text
		}
		ch.Mu.RUnlock()
		c.send((&wire.Message{Prefix: c.reg.ServerName, Command: "322", Params: []string{c.displayNick(), name, strconv.Itoa(count), topic}}).Encode())
	}
	c.send((&wire.Message{Prefix: c.reg.ServerName, Command: "323", Params: []string{c.displayNick(), "End of /LIST"}}).Encode())
}

func (c *Conn) handleWho(msg *wire.Message) {
	if len(msg.Params) == 0 {
		c.numeric(wire.RPL_ENDOFWHO, "*", "End of /WHO list")
		return
	}
	target := msg.Params[0]
	if ch, ok := c.channelByTarget(target); ok {
		ch.Mu.RLock()
		sessionIDs := make([]string, 0, len(ch.Members))
		for id := range ch.Members {
			sessionIDs = append(sessionIDs, id)
		}
		ch.Mu.RUnlock()
		for _, id := range sessionIDs {
			sess := c.reg.LookupSession(id)
			if sess == nil {
				continue
			}
			flag := "H"
			if ch.Ops[id] {
				flag += "@"
			} else if ch.Voiced[id] {
				flag += "+"
			}
			c.send((&wire.Message{Prefix: c.reg.ServerName, Command: strconv.Itoa(wire.RPL_WHOREPLY), Params: []string{
				c.displayNick(), ch.Name, sess.User, sess.Host, c.reg.ServerName, sess.Nick, flag, "0 " + sess.Real,
			}}).Encode())
		}
		c.numeric(wire.RPL_ENDOFWHO, ch.Name, "End of /WHO list")
		return
	}

	sess := c.reg.SessionByNick(target)
	if sess == nil {
		c.numeric(wire.RPL_ENDOFWHO, target, "End of /WHO list")
		return
	}
	c.send((&wire.Message{Prefix: c.reg.ServerName, Command: strconv.Itoa(wire.RPL_WHOREPLY), Params: []string{
		c.displayNick(), "*", sess.User, sess.Host, c.reg.ServerName, sess.Nick, "H", "0 " + sess.Real,
	}}).Encode())
	c.numeric(wire.RPL_ENDOFWHO, target, "End of /WHO list")
}

func (c *Conn) handleWhois(msg *wire.Message) {
	if len(msg.Params) == 0 {
		c.numeric(wire.ERR_NEEDMOREPARAMS, "WHOIS", "Not enough parameters")
		return
	}
	nick := msg.Params[len(msg.Params)-1]
	sess := c.reg.SessionByNick(nick)
	if sess == nil {
		c.whoisRemote(nick)
		return
	}

	c.numeric(wire.RPL_WHOISUSER, sess.Nick, sess.User, sess.Host, "*", sess.Real)

	var channels []string
	for _, name := range c.reg.ChannelNames() {
		ch := c.reg.GetChannel(name)
		if ch == nil || !channel.IsMember(ch, sess.ID) {
			continue
		}
		ch.Mu.RLock()
		prefix := ""
		if ch.Ops[sess.ID] {
			prefix = "@"
		} else if ch.Voiced[sess.ID] {
			prefix = "+"
		}
		ch.Mu.RUnlock()
		channels = append(channels, prefix+name)
	}
	if len(channels) > 0 {
		c.numeric(wire.RPL_WHOISCHANNELS, sess.Nick, strings.Join(channels, " "))
	}

	c.numeric(wire.RPL_WHOISSERVER, sess.Nick, c.reg.ServerName, "freeqd federation server")
	c.numeric(wire.RPL_ENDOFWHOIS, sess.Nick, "End of /WHOIS list")
}

// whoisRemote answers WHOIS for a nick known only through federation, found
// by scanning channel remote-member tables rather than the session table.
func (c *Conn) whoisRemote(nick string) {
	for _, name := range c.reg.ChannelNames() {
		ch := c.reg.GetChannel(name)
		if ch == nil {
			continue
		}
		ch.Mu.RLock()
		rm, ok := ch.RemoteMembers[nick]
		ch.Mu.RUnlock()
		if !ok {
			continue
		}
		c.numeric(wire.RPL_WHOISUSER, nick, "~u", "freeq/plc/"+rm.OriginPeerID, "*", rm.Handle)
		c.numeric(wire.RPL_WHOISSERVER, nick, rm.OriginPeerID, "remote federation peer")
		c.numeric(wire.RPL_ENDOFWHOIS, nick, "End of /WHOIS list")
		return
	}
	c.numeric(wire.ERR_NOSUCHNICK, nick, "No such nick")
}

func (c *Conn) handleChatHistory(ctx context.Context, msg *wire.Message) {
	if len(msg.Params) < 2 {
		c.numeric(wire.ERR_NEEDMOREPARAMS, "CHATHISTORY", "Not enough parameters")
		return
	}
	sub := msg.Params[0]
	target := msg.Params[1]
	ch, ok := c.channelByTarget(target)
	if !ok {
		c.numeric(wire.ERR_NOSUCHCHANNEL, target, "No such channel")
		return
	}
	if !channel.IsMember(ch, c.sess.ID) {
		c.numeric(wire.ERR_NOTONCHANNEL, target, "You are not in that channel")
		return
	}

	q, err := history.ParseQuery(sub, msg.Params[2:])
	if err != nil {
		c.numeric(wire.ERR_NEEDMOREPARAMS, "CHATHISTORY", err.Error())
		return
	}

	records, err := c.loadHistoryRecords(ctx, ch, target, q)
	if err != nil {
		c.numeric(wire.ERR_NEEDMOREPARAMS, "CHATHISTORY", err.Error())
		return
	}

	results, err := history.Select(records, q)
	if err != nil {
		c.numeric(wire.ERR_NEEDMOREPARAMS, "CHATHISTORY", err.Error())
		return
	}

	hasBatch := c.sess.HasCap(models.CapBatch)
	hasTags := c.sess.HasCap(models.CapMessageTags)
	hasServerTime := c.sess.HasCap(models.CapServerTime)

	if hasBatch {
		c.send((&wire.Message{Command: "BATCH", Params: []string{"+chathistory", "chathistory", target}}).Encode())
	}
	for _, r := range results {
		out := &wire.Message{
			Prefix:  r.SenderHost,
			Command: "PRIVMSG",
			Params:  []string{target, r.Text},
		}
		tags := make(map[string]string)
		if hasBatch {
			tags["batch"] = "chathistory"
		}
		if hasTags {
			tags["msgid"] = r.MsgID
		}
		if hasServerTime {
			tags["time"] = r.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z")
		}
		if len(tags) > 0 {
			out.Tags = tags
		}
		c.send(out.Encode())
	}
	if hasBatch {
		c.send((&wire.Message{Command: "BATCH", Params: []string{"-chathistory"}}).Encode())
	}
}

// loadHistoryRecords resolves the candidate records a CHATHISTORY query
// filters over. When a persistent store is wired it reads from it, per
// subcommand; otherwise it falls back to the channel's bounded in-memory
// scrollback.
func (c *Conn) loadHistoryRecords(ctx context.Context, ch *models.Channel, target string, q history.Query) ([]*models.MessageRecord, error) {
	if c.reg.Store == nil {
		ch.Mu.RLock()
		defer ch.Mu.RUnlock()
		return append([]*models.MessageRecord(nil), ch.History...), nil
	}

	switch q.Sub {
	case history.Latest:
		return c.reg.Store.GetMessages(ctx, target, q.Limit, nil)
	case history.Before:
		ts, err := history.ParseTimestamp(q.Start)
		if err != nil {
			return nil, fmt.Errorf("history: bad timestamp %q: %w", q.Start, err)
		}
		return c.reg.Store.GetMessages(ctx, target, q.Limit, &ts)
	case history.After:
		ts, err := history.ParseTimestamp(q.Start)
		if err != nil {
			return nil, fmt.Errorf("history: bad timestamp %q: %w", q.Start, err)
		}
		return c.reg.Store.GetMessagesAfter(ctx, target, ts, q.Limit)
	case history.Between:
		start, err := history.ParseTimestamp(q.Start)
		if err != nil {
			return nil, fmt.Errorf("history: bad start timestamp %q: %w", q.Start, err)
		}
		end, err := history.ParseTimestamp(q.End)
		if err != nil {
			return nil, fmt.Errorf("history: bad end timestamp %q: %w", q.End, err)
		}
		return c.reg.Store.GetMessagesBetween(ctx, target, start, end, q.Limit)
	default:
		return nil, fmt.Errorf("history: unhandled subcommand")
	}
}

func (c *Conn) leaveAllChannels(ctx context.Context, reason string) {
	c.relayQuit(reason)
	for _, name := range c.reg.ChannelNames() {
		ch := c.reg.GetChannel(name)
		if ch == nil || !channel.IsMember(ch, c.sess.ID) {
			continue
		}
		c.reg.Delivery.DeliverToChannel(ch, &delivery.Outgoing{From: c.sess, Command: delivery.Command("QUIT"), Text: reason})
		empty := channel.Part(ch, c.sess.ID)
		if empty {
			c.reg.DropChannel(name)
			if c.reg.Store != nil {
				_ = c.reg.Store.DeleteChannel(ctx, name)
			}
		}
	}
}
