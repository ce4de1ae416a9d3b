package conn

import (
	"bufio"
	"context"
	"log/slog"
	"net"

	"github.com/freeq-dev/freeqd/internal/models"
	"github.com/freeq-dev/freeqd/internal/wire"
)

// DefaultMaxHistory bounds the in-memory per-channel message buffer for
// channels created by this connection handler.
const DefaultMaxHistory = 200

// DefaultOutboxCapacity is the bounded outbound queue size new sessions get.
const DefaultOutboxCapacity = 256

// Conn drives one accepted client connection through registration and
// command dispatch, reading lines from net and writing whatever its
// session's OutBox accumulates.
type Conn struct {
	reg     *Registry
	netConn net.Conn
	sess    *models.Session
}

// New wraps an accepted net.Conn in a Conn, allocating and registering its
// Session. id must be unique for the connection's lifetime (e.g. a UUID
// minted by the listener).
func New(reg *Registry, netConn net.Conn, id string) *Conn {
	sess := models.NewSession(id, DefaultOutboxCapacity)
	sess.RemoteAddr = netConn.RemoteAddr()
	if host, _, err := net.SplitHostPort(netConn.RemoteAddr().String()); err == nil {
		sess.Host = host
	}
	reg.AddSession(sess)
	return &Conn{reg: reg, netConn: netConn, sess: sess}
}

// Serve runs the connection until the peer disconnects or ctx is canceled,
// then performs the full teardown cleanup sequence.
func (c *Conn) Serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writerDone := make(chan struct{})
	go c.writeLoop(writerDone)

	c.readLoop(ctx)

	c.sess.State = models.StateDisconnected
	close(c.sess.OutBox)
	<-writerDone

	c.teardown(ctx)
}

func (c *Conn) writeLoop(done chan struct{}) {
	defer close(done)
	for line := range c.sess.OutBox {
		if _, err := c.netConn.Write(line); err != nil {
			return
		}
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(c.netConn)
	scanner.Buffer(make([]byte, 0, 4096), 8192)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Text()
		if line == "" {
			continue
		}
		msg, err := wire.Parse(line)
		if err != nil {
			continue
		}
		c.dispatch(ctx, msg)

		if c.sess.State == models.StateDisconnected {
			return
		}
	}
}

// teardown runs the disconnect cleanup sequence described by §3 Session:
// broadcast QUIT, leave every channel, release the nick binding, notify
// federation peers (left to internal/federation once wired).
func (c *Conn) teardown(ctx context.Context) {
	c.reg.RemoveSession(c.sess.ID)
	if c.sess.Nick != "" {
		c.reg.ReleaseNick(c.sess.Nick)
	}
	c.leaveAllChannels(ctx, "Client quit")
	c.netConn.Close()
}

func (c *Conn) send(line string) {
	c.sess.Send([]byte(line))
}

func (c *Conn) numeric(code int, params ...string) {
	target := c.sess.Nick
	if target == "" {
		target = "*"
	}
	c.send(wire.Numeric(c.reg.ServerName, code, target, params...))
}

func (c *Conn) logger() *slog.Logger {
	if c.reg.Logger != nil {
		return c.reg.Logger
	}
	return slog.Default()
}
