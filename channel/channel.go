// Package channel implements the explicit per-peer transport state machine:
// resolve -> connect -> ready, retrying across resolved addrinfo on connect
// failure and notifying listeners on every transition. sip.TransportLayer's
// connection pool already dedups and reuses sockets, but it does so behind
// opaque, unexported transport types with no inspectable state; Channel adds
// the FSM and retry policy on top, using the resolver package for the
// addrinfo list instead of a single net.Resolver.LookupIPAddr call.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sipstack/core/resolver"
	"github.com/sipstack/core/sip"
)

// State is one node of the Channel state machine (spec §4.1).
type State int

const (
	Init State = iota
	ResInProgress
	ResDone
	Connecting
	Ready
	Retry
	Disconnected
	Error
)

func (s State) String() string {
	switch s {
	case Init:
		return "INIT"
	case ResInProgress:
		return "RES_IN_PROGRESS"
	case ResDone:
		return "RES_DONE"
	case Connecting:
		return "CONNECTING"
	case Ready:
		return "READY"
	case Retry:
		return "RETRY"
	case Disconnected:
		return "DISCONNECTED"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ConnectFunc dials one resolved target and returns the live connection.
// Channel never opens sockets itself; it owns retry/FSM/queueing around
// whatever ConnectFunc the caller wires to the real transport (normally
// backed by sip.TransportLayer's connection pool).
type ConnectFunc func(ctx context.Context, target resolver.Target) (sip.Connection, error)

// Listener is notified on every state transition. Channel holds no lock
// while calling listeners, so one may safely remove itself or close the
// Channel from within the callback (see spec §5 on snapshot notification).
type Listener func(old, new State)

var (
	ErrClosed    = errors.New("channel: closed")
	ErrNoTargets = errors.New("channel: resolver returned no targets")
	ErrExhausted = errors.New("channel: all resolved targets failed")
)

// idleTimeout mirrors Timer D/B, the longest any transaction waits on this
// peer; past it with no activity, NotifyTimeout presumes the channel dead.
const idleTimeout = 32 * time.Second

// Channel is one peer hop: a host/port/transport tuple, its resolved
// addrinfo, and the live connection once READY. One Channel is shared by
// every transaction talking to the same peer.
type Channel struct {
	Network string
	Host    string
	Port    int

	resolver resolver.Resolver
	connect  ConnectFunc
	log      *slog.Logger

	mu           sync.Mutex
	state        State
	targets      []resolver.Target
	targetIdx    int
	conn         sip.Connection
	queue        []sip.Message
	lastActivity time.Time
	listeners    []Listener
}

// New builds a Channel in INIT state. connect is normally wired by the
// provider package to sip.TransportLayer's connection pool.
func New(network, host string, port int, r resolver.Resolver, connect ConnectFunc) *Channel {
	network = sip.NetworkToLower(network)
	return &Channel{
		Network:  network,
		Host:     host,
		Port:     port,
		resolver: r,
		connect:  connect,
		log:      sip.DefaultLogger().With("caller", "Channel", "peer", fmt.Sprintf("%s:%d/%s", host, port, network)),
		state:    Init,
	}
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStateChanged registers a listener for every transition.
func (c *Channel) OnStateChanged(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	old := c.state
	c.state = s
	listeners := append([]Listener(nil), c.listeners...) // snapshot, see spec §5
	c.mu.Unlock()

	if old == s {
		return
	}
	c.log.Debug("channel state change", "from", old, "to", s)
	for _, l := range listeners {
		l(old, s)
	}
}

// Resolve triggers DNS lookup using the peer hostname if not already
// resolved. A no-op once the channel has left INIT.
func (c *Channel) Resolve(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Init {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.setState(ResInProgress)
	targets, err := c.resolver.Resolve(ctx, c.Network, c.Host, c.Port)
	if err != nil || len(targets) == 0 {
		c.setState(Error)
		if err == nil {
			err = ErrNoTargets
		}
		return err
	}

	c.mu.Lock()
	c.targets = targets
	c.targetIdx = 0
	c.mu.Unlock()
	c.setState(ResDone)
	return nil
}

// Connect attempts the current addrinfo; on failure it advances to the next
// one and retries until the list is exhausted (spec §4.1 "Retry on
// connection failure"). UDP has no handshake, so it moves straight to READY
// once resolved.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	if state == Init {
		if err := c.Resolve(ctx); err != nil {
			return err
		}
	} else if state == Ready {
		return nil
	}

	if c.Network == "udp" {
		c.mu.Lock()
		if len(c.targets) == 0 {
			c.mu.Unlock()
			return ErrNoTargets
		}
		target := c.targets[0]
		c.mu.Unlock()

		conn, err := c.connect(ctx, target)
		if err != nil {
			c.setState(Error)
			return err
		}
		c.mu.Lock()
		c.conn = conn
		c.lastActivity = time.Now()
		c.mu.Unlock()
		c.setState(Ready)
		c.drainQueue()
		return nil
	}

	c.setState(Connecting)
	for {
		c.mu.Lock()
		if c.targetIdx >= len(c.targets) {
			c.mu.Unlock()
			c.setState(Error)
			return ErrExhausted
		}
		target := c.targets[c.targetIdx]
		c.mu.Unlock()

		conn, err := c.connect(ctx, target)
		if err == nil {
			c.mu.Lock()
			c.conn = conn
			c.lastActivity = time.Now()
			c.mu.Unlock()
			c.setState(Ready)
			c.drainQueue()
			return nil
		}

		c.log.Warn("connect failed, trying next addrinfo", "target", target.String(), "error", err)
		c.setState(Retry)
		c.mu.Lock()
		c.targetIdx++
		c.mu.Unlock()
		c.setState(Connecting)
	}
}

// Send appends msg to the outgoing queue and kicks the send pump. It
// returns immediately; the actual wire write happens once the channel
// reaches READY.
func (c *Channel) Send(ctx context.Context, msg sip.Message) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	switch state {
	case Disconnected, Error:
		return ErrClosed
	case Ready:
		return c.write(msg)
	}

	c.mu.Lock()
	c.queue = append(c.queue, msg)
	c.mu.Unlock()

	go func() {
		if err := c.Connect(ctx); err != nil {
			c.log.Error("channel connect failed", "error", err)
		}
	}()
	return nil
}

func (c *Channel) write(msg sip.Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrClosed
	}
	if err := conn.WriteMsg(msg); err != nil {
		return err
	}
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
	return nil
}

func (c *Channel) drainQueue() {
	c.mu.Lock()
	pending := c.queue
	c.queue = nil
	c.mu.Unlock()

	for _, msg := range pending {
		if err := c.write(msg); err != nil {
			c.log.Error("failed to drain queued message", "error", err)
		}
	}
}

// NotifyTimeout is called by a transaction when an expected message did not
// arrive. If the channel has been idle longer than the longest RFC 3261
// transaction timer, it is presumed dead and moves to ERROR.
func (c *Channel) NotifyTimeout() {
	c.mu.Lock()
	idle := !c.lastActivity.IsZero() && time.Since(c.lastActivity) > idleTimeout
	c.mu.Unlock()
	if idle {
		c.setState(Error)
	}
}

// Close transitions to DISCONNECTED, notifies listeners, and closes the
// underlying socket.
func (c *Channel) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.setState(Disconnected)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// FixupVia rewrites req's top Via sent-by to this channel's local address
// once connected, adds rport when requested, and fills in a deterministic
// branch if the request was built without one. Plays the role of
// sip.TransportLayer.overrideSentBy/client.go's branch generation (which only
// fill in a sent-by that is still unset) for channels used standalone (e.g.
// from the provider package's per-peer registry).
func (c *Channel) FixupVia(req *sip.Request, addRport bool) error {
	via := req.Via()
	if via == nil {
		return fmt.Errorf("channel: request has no Via header")
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		if host, port, err := sip.ParseAddr(conn.LocalAddr().String()); err == nil {
			via.Host = host
			via.Port = port
		}
	}

	if _, ok := via.Params.Get("branch"); !ok {
		via.Params.Add("branch", branchFor(req))
	}
	if addRport {
		if _, ok := via.Params.Get("rport"); !ok {
			via.Params.Add("rport", "")
		}
	}
	return nil
}

func branchFor(req *sip.Request) string {
	callID := req.CallID()
	cseq := req.CSeq()
	from := req.From()
	if callID == nil || cseq == nil || from == nil {
		return sip.GenerateBranchN(16)
	}
	fromTag, _ := from.Params.Get("tag")
	return sip.GenerateBranchInvariant(req.Method, req.Recipient.String(), callID.Value(), cseq.SeqNo, fromTag)
}
