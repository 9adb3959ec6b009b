// internal/oob/channel.go
//
// Out-of-band verification channel: accepts exactly one peer connection,
// reads one length-prefixed frame, decodes it, and reports the outcome to
// a caller-supplied callback. The whole exchange runs on one worker
// goroutine; Stop may interrupt it from any other goroutine by closing
// the live listener/connection, which unblocks the worker with an I/O
// error it treats like any other failure.
package oob

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/OsbornePro/PairLink/internal/token"
)

// Fixed service identity advertised to peers. Both values are
// cross-implementation constants the mobile client hardcodes; the
// identifier can be overridden per deployment via Config.ServiceID
// (see the hardening note in DESIGN.md).
const (
	ServiceName = "PairLink OOB"
	ServiceID   = "0000c0e1-0000-1000-8000-00805f9b34fb"
)

const DefaultAcceptTimeout = 60 * time.Second

var (
	ErrNotIdle       = errors.New("channel is not idle")
	ErrNoBondedPeers = errors.New("no bonded peers eligible for OOB connection")

	errCancelled = errors.New("activation cancelled")
)

// State is the channel's position in one activation.
type State int

const (
	StateIdle State = iota
	StateAccepting
	StateConnected
	StateReadingFrame
	StateDecoding
	StateCancelling
)

// PeerSource reports how many bonded peers are eligible for an
// out-of-band connection. Zero means an activation fails immediately,
// before any listening socket is opened.
type PeerSource interface {
	BondedCount() int
}

// Callback receives the outcome of one activation. tok is non-nil on
// success and nil on failure. It fires at most once per activation, and
// not at all when Stop preempts the exchange.
type Callback func(tok *token.Token)

type Config struct {
	// ListenAddr is the host:port to listen on. Port 0 picks a free port.
	ListenAddr string

	// AcceptTimeout bounds the wait for a peer connection.
	AcceptTimeout time.Duration

	// Format selects how received payload bytes are decoded.
	Format token.Format

	// MaxPayload caps the declared frame length. Zero means
	// DefaultMaxPayload.
	MaxPayload uint32

	// ServiceID overrides the advertised identifier constant.
	ServiceID string

	// Peers gates activation on bonded-peer eligibility. nil skips the
	// check (eligibility handled out of band).
	Peers PeerSource

	// Log is the logger for internal diagnostics. nil uses the standard
	// logrus logger.
	Log *logrus.Entry
}

// Channel runs one accept/read/decode exchange per activation.
type Channel struct {
	cfg Config
	log *logrus.Entry

	mu        sync.Mutex
	state     State
	cancelled bool
	delivered bool
	cb        Callback
	ln        net.Listener
	conn      net.Conn
}

func New(cfg Config, cb Callback) *Channel {
	if cfg.AcceptTimeout == 0 {
		cfg.AcceptTimeout = DefaultAcceptTimeout
	}
	if cfg.MaxPayload == 0 {
		cfg.MaxPayload = DefaultMaxPayload
	}
	if cfg.ServiceID == "" {
		cfg.ServiceID = ServiceID
	}
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Channel{cfg: cfg, log: log, cb: cb}
}

// SetCallback replaces the outcome callback. Only valid while idle.
func (c *Channel) SetCallback(cb Callback) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return ErrNotIdle
	}
	c.cb = cb
	return nil
}

// Start launches one activation on a dedicated worker goroutine. It
// returns ErrNotIdle if an activation is already in flight (including one
// still unwinding after Stop).
func (c *Channel) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return ErrNotIdle
	}
	c.cancelled = false
	c.delivered = false
	c.state = StateAccepting
	go c.run()
	return nil
}

// Stop cancels any in-flight activation: it sets the cancellation flag
// and force-closes the live listener and connection, which unblocks a
// worker stuck in accept or read. The preempted activation invokes the
// callback zero times. Safe to call repeatedly, and before Start.
func (c *Channel) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = true
	if c.ln != nil {
		_ = c.ln.Close()
		c.ln = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	if c.state != StateIdle {
		c.state = StateCancelling
	}
}

// State reports the current activation state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Addr returns the listening address while the listener is live, nil
// otherwise. The listener is released as soon as a peer connects.
func (c *Channel) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ln == nil {
		return nil
	}
	return c.ln.Addr()
}

// run is the worker: accept, read one frame, decode, report. Every
// failure path funnels through deliver(nil); cancellation suppresses the
// callback entirely. All errors are absorbed here, none escape.
func (c *Channel) run() {
	defer c.cleanup()

	conn, err := c.acceptOne()
	if err != nil {
		if !errors.Is(err, errCancelled) && !c.isCancelled() {
			c.log.WithError(err).Error("OOB accept failed")
			c.deliver(nil)
		}
		return
	}

	c.setState(StateReadingFrame)
	raw, err := readFrame(conn, c.cfg.MaxPayload)
	if c.isCancelled() {
		return
	}
	if err != nil {
		c.log.WithError(err).Error("OOB frame read failed")
		c.deliver(nil)
		return
	}

	c.setState(StateDecoding)
	tok, err := token.Decode(raw, c.cfg.Format)
	if err != nil {
		c.log.WithError(err).Errorf("OOB token decode failed (format=%s)", c.cfg.Format)
		c.deliver(nil)
		return
	}

	c.log.Infof("OOB token received (%d bytes, format=%s)", len(tok.Bytes), c.cfg.Format)
	c.deliver(tok)
}

func (c *Channel) deliver(tok *token.Token) {
	c.mu.Lock()
	if c.cancelled || c.delivered {
		c.mu.Unlock()
		return
	}
	c.delivered = true
	cb := c.cb
	c.mu.Unlock()

	if cb != nil {
		cb(tok)
	}
}

// cleanup is the unified release path: every activation ends here exactly
// once, whatever the outcome.
func (c *Channel) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ln != nil {
		_ = c.ln.Close()
		c.ln = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.state = StateIdle
}

func (c *Channel) isCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// setState advances the worker's state unless Stop already moved the
// channel into Cancelling.
func (c *Channel) setState(s State) {
	c.mu.Lock()
	if !c.cancelled {
		c.state = s
	}
	c.mu.Unlock()
}

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAccepting:
		return "accepting"
	case StateConnected:
		return "connected"
	case StateReadingFrame:
		return "reading-frame"
	case StateDecoding:
		return "decoding"
	case StateCancelling:
		return "cancelling"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
