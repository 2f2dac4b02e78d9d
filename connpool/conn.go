package connpool

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glycerine/loquet"
)

// Mode mirrors the base Conn's lifecycle: ACTIVE (we dialed), PASSIVE (we
// accepted), DEAD (torn down).
type Mode int32

const (
	Active Mode = iota
	Passive
	Dead
)

func (m Mode) String() string {
	switch m {
	case Active:
		return "ACTIVE"
	case Passive:
		return "PASSIVE"
	default:
		return "DEAD"
	}
}

// ErrConnClosed is returned by Write once a Conn has transitioned to DEAD.
var ErrConnClosed = fmt.Errorf("connpool: connection closed")

// OnData is invoked on the connection's own worker goroutine every time a
// read returns data; it is expected to feed an upper-layer decoder and
// never block for long, since it runs inline in the read loop.
type OnData func(c *Conn, data []byte)

// OnClose is invoked once, on whichever goroutine first closes the
// connection, the first time it is torn down for any reason (read error,
// write error, Close call, or inactivity timeout).
type OnClose func(c *Conn)

// Conn is the base connection layer spec.md assigns to the (here,
// in-module) ConnPool: remote address, lifecycle mode, send/receive
// plumbing, and an inactivity timer handle. Upper layers (MsgNetwork,
// PeerNetwork) attach their own state alongside a Conn via its UserData
// field rather than subclassing it.
type Conn struct {
	id     string
	nc     net.Conn
	mode   atomic.Int32
	remote string

	sendCh chan []byte
	closed chan struct{}
	once   sync.Once

	// done lets any number of outside goroutines (tests, callers of
	// Done) wait for this Conn to die without racing each other or the
	// internal shutdown logic in Close.
	done *loquet.Chan[Mode]

	onData  OnData
	onClose OnClose

	timerMu    sync.Mutex
	inactivity *time.Timer

	msgCount  atomic.Uint64
	byteCount atomic.Uint64

	latency *LatencyTracker

	// UserData is a slot upper layers use to hang their own
	// per-connection state off a Conn without needing their own map
	// keyed by connection identity.
	UserData any
}

func newConn(nc net.Conn, mode Mode, sendBuf int) *Conn {
	c := &Conn{
		id:      nc.RemoteAddr().String() + "->" + nc.LocalAddr().String(),
		nc:      nc,
		remote:  nc.RemoteAddr().String(),
		sendCh:  make(chan []byte, sendBuf),
		closed:  make(chan struct{}),
		done:    loquet.NewChan(&mode),
		latency: newLatencyTracker(),
	}
	c.mode.Store(int32(mode))
	return c
}

// Latency returns this connection's round-trip latency histogram. Upper
// layers feed it samples (e.g. PING/PONG round-trip time); nothing in
// connpool itself observes a sample, since it has no notion of what a
// round trip is at this layer.
func (c *Conn) Latency() *LatencyTracker { return c.latency }

// Done returns a channel closed once this Conn has been torn down. Safe
// for any number of callers.
func (c *Conn) Done() <-chan struct{} {
	return c.done.WhenClosed()
}

func (c *Conn) ID() string            { return c.id }
func (c *Conn) RemoteAddr() string    { return c.remote }
func (c *Conn) Mode() Mode            { return Mode(c.mode.Load()) }
func (c *Conn) IsDead() bool          { return c.Mode() == Dead }
func (c *Conn) Stats() (msgs, bytes uint64) {
	return c.msgCount.Load(), c.byteCount.Load()
}
func (c *Conn) IncMsgCount()          { c.msgCount.Add(1) }
func (c *Conn) AddByteCount(n uint64) { c.byteCount.Add(n) }

// Write hands a fully framed byte vector to the connection's writer
// goroutine. It never blocks on the network itself; it blocks only until
// the internal send queue has room, and returns ErrConnClosed immediately
// if the connection is already DEAD.
func (c *Conn) Write(b []byte) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	select {
	case c.sendCh <- b:
		return nil
	case <-c.closed:
		return ErrConnClosed
	}
}

// Close tears the connection down, idempotently. Only the first call has
// any effect; onClose fires exactly once.
func (c *Conn) Close() {
	c.once.Do(func() {
		c.mode.Store(int32(Dead))
		c.timerMu.Lock()
		if c.inactivity != nil {
			c.inactivity.Stop()
		}
		c.timerMu.Unlock()
		c.nc.Close()
		close(c.closed)
		c.done.Close()
		if c.onClose != nil {
			c.onClose(c)
		}
	})
}

// ArmInactivity (re)starts the inactivity timer with duration d; its
// expiry closes the connection. Idempotent and safe to call from any
// goroutine; a no-op if the connection is already DEAD.
func (c *Conn) ArmInactivity(d time.Duration, onExpire func(*Conn)) {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.IsDead() {
		return
	}
	if c.inactivity != nil {
		c.inactivity.Stop()
	}
	c.inactivity = time.AfterFunc(d, func() { onExpire(c) })
}

// ResetInactivity re-arms the existing inactivity timer with a new
// duration. A no-op if no timer was ever armed or the connection is DEAD.
func (c *Conn) ResetInactivity(d time.Duration) {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.inactivity == nil || c.IsDead() {
		return
	}
	c.inactivity.Reset(d)
}

// CancelInactivity stops the inactivity timer without closing the
// connection.
func (c *Conn) CancelInactivity() {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.inactivity != nil {
		c.inactivity.Stop()
	}
}

func (c *Conn) readLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, err := c.nc.Read(buf)
		if n > 0 && c.onData != nil {
			c.onData(c, buf[:n])
		}
		if err != nil {
			c.Close()
			return
		}
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case b := <-c.sendCh:
			if err := writeFull(c.nc, b); err != nil {
				c.Close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

// writeFull writes all of b to nc, in the style of the teacher's
// common.go readFull/writeFull helpers.
func writeFull(nc net.Conn, b []byte) error {
	total := 0
	for total < len(b) {
		n, err := nc.Write(b[total:])
		total += n
		if err != nil {
			return err
		}
	}
	return nil
}
