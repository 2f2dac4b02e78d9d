package peernet

import (
	cryrand "crypto/rand"
	"fmt"
	"net"
	"time"

	"github.com/nodenet/peernet/connpool"
)

// logPRNG mints the correlation IDs attached to connection log lines, so
// an operator grepping stderr can follow one connection across
// accept/ping-pong/teardown without confusing it for another.
var logPRNG = newLogPRNG()

func newLogPRNG() *PRNG {
	var seed [32]byte
	if _, err := cryrand.Read(seed[:]); err != nil {
		panic(err)
	}
	return NewPRNG(seed)
}

// PeerNetwork layers peer identity, liveness, and reconnection on top of
// MsgNetwork: a known registry of durable peers (each with a ping
// timer and, if dropped, a reconnect timer), and a bounded unknown
// registry for connections that haven't identified themselves yet (or
// have, but aren't in known and AllowUnknownPeer is set).
//
// Every method that touches known/unknown runs on the dispatcher
// goroutine; AddPeer/DelPeer hop onto it via Dispatch so callers don't
// have to care, while SendMsgTo/MulticastMsg assume they're already
// running on it (call from a handler, or via pool.Dispatch yourself).
// HasPeer/GetPeerConn are the two operations that must be called from a
// non-dispatcher goroutine: they hop on synchronously via DispatchSync,
// which panics if called from the dispatcher goroutine itself.
type PeerNetwork struct {
	*MsgNetwork

	cfg             *Config
	pool            *connpool.Pool
	localListenPort uint16

	known      *omap[string, *Peer]
	connToPeer map[*connpool.Conn]*Peer

	unknownOrder []string
	unknownSet   map[string]*connpool.Conn
	unknownAddr  map[string]string // conn.ID() -> resolved canonical addr, once identified

	// peerMirror tracks the same addresses as known, guarded by its own
	// mutex instead of dispatcher-exclusivity, so Peers() can be called
	// from any goroutine (a signal handler, a status endpoint) without
	// bouncing through Dispatch/DispatchSync.
	peerMirror *syncomap[string, string]

	unknownPeerFn UnknownPeerFunc
}

// NewPeerNetwork builds a PeerNetwork. localListenPort is what this node
// advertises in its own PING/PONG payloads — callers should pass the port
// returned by Listen.
func NewPeerNetwork(cfg *Config, pool *connpool.Pool, localListenPort uint16) *PeerNetwork {
	pn := &PeerNetwork{
		MsgNetwork:      NewMsgNetwork(cfg, pool),
		cfg:             cfg,
		pool:            pool,
		localListenPort: localListenPort,
		known:           newOmap[string, *Peer](),
		connToPeer:      make(map[*connpool.Conn]*Peer),
		unknownSet:      make(map[string]*connpool.Conn),
		unknownAddr:     make(map[string]string),
		peerMirror:      newSyncomap[string, string](),
	}
	pn.SetConnHandler(pn.onConnEvent)
	pn.RegHandler(PingOpcode, pn.handlePing)
	pn.RegHandler(PongOpcode, pn.handlePong)
	return pn
}

// SetUnknownPeerHandler installs fn to be called, on the dispatcher
// goroutine, every time a connection identifies itself as an address not
// present in the known registry — regardless of whether AllowUnknownPeer
// ultimately rejects or keeps the connection.
func (pn *PeerNetwork) SetUnknownPeerHandler(fn UnknownPeerFunc) { pn.unknownPeerFn = fn }

// SetLocalListenPort updates the port this node advertises in its own
// PING/PONG payloads. Call it with the port Listen actually bound to,
// since "listen on :0" only resolves to a concrete port at bind time.
func (pn *PeerNetwork) SetLocalListenPort(port uint16) { pn.localListenPort = port }

// Listen binds addr and returns the bound address. Callers that let the
// OS pick a port (":0") should follow up with SetLocalListenPort.
func (pn *PeerNetwork) Listen(addr string) (net.Addr, error) {
	return pn.MsgNetwork.Listen(addr)
}

// AddPeer registers addr as a durably desired peer and starts dialing it.
// Re-adding an already-known peer is a no-op. addr must already be in
// this PeerNetwork's canonical form (host:port under IPPortBased, host
// alone under IPBased) since there's no PING/PONG round trip to learn it
// from for a peer we're initiating contact with.
func (pn *PeerNetwork) AddPeer(addr string) {
	pn.pool.Dispatch(func() { pn.addPeerImpl(addr) })
}

func (pn *PeerNetwork) addPeerImpl(addr string) {
	if _, found := pn.known.get2(addr); found {
		return
	}
	p := &Peer{addr: addr, desired: true}
	pn.known.set(addr, p)
	pn.peerMirror.set(addr, time.Now().Format(time.RFC3339))

	// An inbound connection may have already identified itself as this
	// same address while we had no known entry for it yet (AllowUnknownPeer
	// case) — promote it instead of dialing a redundant duplicate.
	if conn := pn.takeUnknownByAddr(addr); conn != nil {
		pn.connToPeer[conn] = p
		p.conn = conn
		p.connected = true
		pn.schedulePing(p)
	}
	// start_active_conn is called unconditionally, per spec: it no-ops if
	// the promotion above already connected the peer.
	pn.startActiveConn(p)
}

// takeUnknownByAddr removes and returns the unknown connection identified
// as addr, if any.
func (pn *PeerNetwork) takeUnknownByAddr(addr string) *connpool.Conn {
	for id, a := range pn.unknownAddr {
		if a != addr {
			continue
		}
		conn, ok := pn.unknownSet[id]
		if !ok {
			continue
		}
		pn.removeUnknown(conn)
		return conn
	}
	return nil
}

// DelPeer removes addr from the known registry, closing its connection
// and canceling both its ping and retry timers.
func (pn *PeerNetwork) DelPeer(addr string) {
	pn.pool.Dispatch(func() { pn.delPeerImpl(addr) })
}

func (pn *PeerNetwork) delPeerImpl(addr string) {
	p, found := pn.known.get2(addr)
	if !found {
		return
	}
	if p.pingTimer != nil {
		p.pingTimer.Stop()
	}
	if p.retryTimer != nil {
		p.retryTimer.Stop()
	}
	if p.conn != nil {
		delete(pn.connToPeer, p.conn)
		p.conn.Close()
	}
	pn.known.delkey(addr)
	pn.peerMirror.delkey(addr)
}

// SendMsgTo sends payload under op to the known peer at addr. It reports
// whether a live connection to that peer existed; there is no queuing for
// an absent or dead connection, matching send_msg's silent-drop contract.
// Call this from a handler (already on the dispatcher goroutine) or via
// pool.Dispatch — it reads the known registry directly.
func (pn *PeerNetwork) SendMsgTo(op Opcode, payload []byte, addr string) bool {
	p, found := pn.known.get2(addr)
	if !found || p.conn == nil || p.conn.IsDead() {
		return false
	}
	pn.MsgNetwork.SendMsg(NewMsg(op, payload), p.conn)
	return true
}

// MulticastMsg sends payload under op to each address in addrs that has a
// live connection, best-effort: a missing or dead address reports a
// recoverable error through ErrPeerNotFound and never blocks delivery to
// the rest of the list.
func (pn *PeerNetwork) MulticastMsg(op Opcode, payload []byte, addrs []string) {
	for _, addr := range addrs {
		if pn.SendMsgTo(op, payload, addr) {
			continue
		}
		pn.reportRecoverable(ErrPeerNotFound, errPeerNotFound(addr))
	}
}

func (pn *PeerNetwork) onConnEvent(conn *connpool.Conn, connected bool) {
	if connected {
		vv("peernet: conn established %s (mode=%v, call=%s)", conn.RemoteAddr(), conn.Mode(), logPRNG.NewCallID())
		if conn.Mode() == connpool.Passive {
			conn.ArmInactivity(pn.cfg.ConnTimeout, func(c *connpool.Conn) { c.Close() })
			pn.sendPingOn(conn)
			pn.addUnknown(conn)
		}
		// ACTIVE connections are armed and pinged by startActiveConn.
		return
	}
	vv("peernet: conn torn down %s (call=%s)", conn.RemoteAddr(), logPRNG.NewCallID())
	pn.onTeardown(conn)
}

func (pn *PeerNetwork) onTeardown(conn *connpool.Conn) {
	pn.removeUnknown(conn)
	p, found := pn.connToPeer[conn]
	delete(pn.connToPeer, conn)
	if !found {
		return
	}
	if p.conn != conn {
		// conn already lost a dedup race in checkNewConn; the peer it lost
		// to is unaffected by this teardown.
		return
	}
	if p.pingTimer != nil {
		p.pingTimer.Stop()
	}
	p.conn = nil
	p.connected = false
	p.pingTimerFired = false
	p.pongReceived = false
	if p.desired {
		pn.scheduleRetry(p)
	} else {
		pn.known.delkey(p.addr)
		pn.peerMirror.delkey(p.addr)
	}
}

// HasPeer reports whether addr is currently in the known registry. It
// reads known on the dispatcher goroutine via DispatchSync, so it must not
// be called from the dispatcher goroutine itself — DispatchSync panics if
// it is.
func (pn *PeerNetwork) HasPeer(addr string) bool {
	v, _ := pn.pool.DispatchSync(func() (any, error) {
		_, found := pn.known.get2(addr)
		return found, nil
	})
	found, _ := v.(bool)
	return found
}

// GetPeerConn returns addr's current live connection, or nil if addr is
// unknown, has no connection, or its connection has died. Must not be
// called from the dispatcher goroutine.
func (pn *PeerNetwork) GetPeerConn(addr string) *connpool.Conn {
	v, _ := pn.pool.DispatchSync(func() (any, error) {
		p, found := pn.known.get2(addr)
		if !found || p.conn == nil || p.conn.IsDead() {
			return (*connpool.Conn)(nil), nil
		}
		return p.conn, nil
	})
	conn, _ := v.(*connpool.Conn)
	return conn
}

// Peers returns the addresses currently in the known registry. Unlike
// SendMsgTo/MulticastMsg, which must run on the dispatcher goroutine
// since they read known directly, Peers is safe to call from anywhere:
// it reads peerMirror, a separately-locked shadow of the same address
// set, kept in sync at every known.set/known.delkey call site.
func (pn *PeerNetwork) Peers() []string {
	addrs := make([]string, 0, pn.peerMirror.Len())
	for addr := range pn.peerMirror.all() {
		addrs = append(addrs, addr)
	}
	return addrs
}

// startActiveConn dials p.addr off the dispatcher goroutine (net.Dial
// blocks) and hops back onto it to wire up the result. It does not itself
// decide whether this connection wins the peer's identity: it only
// pre-populates connToPeer so the connection's own first PING/PONG can
// run through checkNewConn exactly like a PASSIVE connection's would,
// which is what actually resolves a symmetric dial race.
func (pn *PeerNetwork) startActiveConn(p *Peer) {
	if p.connected {
		return
	}
	go func() {
		conn, err := pn.Dial(p.addr)
		if err != nil {
			pn.pool.Dispatch(func() { pn.scheduleRetry(p) })
			return
		}
		pn.pool.Dispatch(func() {
			if _, found := pn.known.get2(p.addr); !found {
				// DelPeer raced us while the dial was in flight.
				conn.Close()
				return
			}
			if p.connected {
				// Something else (an inbound identification, or a
				// concurrent retry) already won the race while we dialed.
				conn.Close()
				return
			}
			pn.connToPeer[conn] = p
			conn.ArmInactivity(pn.cfg.ConnTimeout, func(c *connpool.Conn) { c.Close() })
			pn.sendPingOn(conn)
		})
	}()
}

// schedulePing arms the one-shot periodic ping timer. Its firing only
// flags pingTimerFired and attempts the rendezvous in tryEmitPing — it
// never sends a PING or re-arms itself directly.
func (pn *PeerNetwork) schedulePing(p *Peer) {
	if p.pingTimer != nil {
		p.pingTimer.Stop()
	}
	p.pingTimer = time.AfterFunc(genRandTimeout(pn.cfg.PingPeriod), func() {
		pn.pool.Dispatch(func() { pn.onPingTick(p) })
	})
}

func (pn *PeerNetwork) onPingTick(p *Peer) {
	if p.conn == nil || p.conn.IsDead() {
		return
	}
	p.pingTimerFired = true
	pn.tryEmitPing(p)
}

// tryEmitPing is the rendezvous between the periodic ping timer and pong
// arrival: the next PING goes out only once both have happened since the
// last one was sent, throttling the protocol to the slower of the two.
func (pn *PeerNetwork) tryEmitPing(p *Peer) {
	if !p.pingTimerFired || !p.pongReceived {
		return
	}
	p.pingTimerFired = false
	p.pongReceived = false
	if p.conn == nil || p.conn.IsDead() {
		return
	}
	pn.sendPingOn(p.conn)
	p.pingSentAt = time.Now()
	pn.schedulePing(p)
}

func (pn *PeerNetwork) scheduleRetry(p *Peer) {
	if p.retryTimer != nil {
		p.retryTimer.Stop()
	}
	p.retryTimer = time.AfterFunc(genRandTimeout(pn.cfg.RetryConnDelay), func() {
		pn.pool.Dispatch(func() { pn.retryNow(p) })
	})
}

func (pn *PeerNetwork) retryNow(p *Peer) {
	if _, found := pn.known.get2(p.addr); !found {
		return
	}
	pn.startActiveConn(p)
}

func (pn *PeerNetwork) sendPingOn(conn *connpool.Conn) {
	pn.MsgNetwork.SendMsg(NewMsg(PingOpcode, encodePingPong(pn.localListenPort)), conn)
}

func (pn *PeerNetwork) sendPongOn(conn *connpool.Conn) {
	pn.MsgNetwork.SendMsg(NewMsg(PongOpcode, encodePingPong(pn.localListenPort)), conn)
}

func (pn *PeerNetwork) handlePing(msg *Msg, conn *connpool.Conn) {
	pn.handlePingPong(msg, conn, true)
}

func (pn *PeerNetwork) handlePong(msg *Msg, conn *connpool.Conn) {
	pn.handlePingPong(msg, conn, false)
}

// handlePingPong runs checkNewConn on every PING and PONG, for both
// ACTIVE and PASSIVE connections: that's what lets a symmetric dial race
// (both sides connecting to each other at once) get resolved instead of
// just whichever side happened to be PASSIVE.
func (pn *PeerNetwork) handlePingPong(msg *Msg, conn *connpool.Conn, isPing bool) {
	listenPort, err := decodePingPong(msg.Payload)
	if err != nil {
		pn.reportRecoverable(ErrBadFrame, err)
		return
	}
	if conn.IsDead() {
		return
	}
	conn.ResetInactivity(pn.cfg.ConnTimeout)

	if isPing {
		if pn.checkNewConn(conn, listenPort) {
			return
		}
		pn.sendPongOn(conn)
		return
	}

	p, found := pn.connToPeer[conn]
	if !found {
		pn.reportRecoverable(ErrBadFrame, fmt.Errorf("peernet: pong from %s with no identified peer", conn.RemoteAddr()))
		return
	}
	if pn.checkNewConn(conn, listenPort) {
		return
	}
	if !p.pingSentAt.IsZero() {
		conn.Latency().Observe(float64(time.Since(p.pingSentAt)))
		p.pingSentAt = time.Time{}
	}
	p.pongReceived = true
	pn.tryEmitPing(p)
}

// checkNewConn resolves a connection's identity and dedups it against
// any other connection already claiming the same peer. It's run on every
// PING/PONG receipt for both ACTIVE and PASSIVE connections: an ACTIVE
// connection already has its peer pre-populated in connToPeer by
// startActiveConn, a PASSIVE one is resolved here from its remote host
// and self-reported listen port. Returns true if it closed conn, in
// which case the caller must stop processing the triggering message.
//
// There's no explicit priority between a dial race's two connections —
// whichever one's first PING/PONG reaches this function first wins, by
// binding itself to the peer in the not-yet-connected branch below; the
// other is closed as soon as its own first PING/PONG arrives and finds
// the peer already bound to a different connection.
func (pn *PeerNetwork) checkNewConn(conn *connpool.Conn, listenPort uint16) bool {
	p, found := pn.connToPeer[conn]
	if !found {
		host := splitHost(conn.RemoteAddr())
		addr := canonicalAddr(host, listenPort, pn.cfg.IDMode)

		existing, ok := pn.known.get2(addr)
		if !ok {
			if pn.unknownPeerFn != nil {
				pn.unknownPeerFn(addr)
			}
			if !pn.cfg.AllowUnknownPeer {
				pn.removeUnknown(conn)
				pn.reportRecoverable(ErrUnknownPeerRejected, fmt.Errorf("peernet: rejecting unknown peer %s", addr))
				conn.Close()
				return true
			}
			// The connection stays open and tracked in the unknown
			// registry, identified but never promoted into known —
			// unless a later AddPeer(addr) claims it.
			pn.unknownAddr[conn.ID()] = addr
			return false
		}
		pn.removeUnknown(conn)
		p = existing
		pn.connToPeer[conn] = p
	}

	if p.connected {
		if p.conn != conn {
			// A later, losing attempt at a connection this peer already
			// has bound elsewhere.
			delete(pn.connToPeer, conn)
			conn.Close()
			return true
		}
		return false
	}

	// Not connected yet: conn wins. Terminate any prior half-open
	// connection this peer owned before binding the new one.
	if p.conn != nil && p.conn != conn && !p.conn.IsDead() {
		delete(pn.connToPeer, p.conn)
		p.conn.Close()
	}
	p.conn = conn
	p.connected = true
	pn.schedulePing(p)
	pn.sendPingOn(conn)
	p.pingSentAt = time.Now()
	return false
}

func (pn *PeerNetwork) addUnknown(conn *connpool.Conn) {
	if _, exists := pn.unknownSet[conn.ID()]; exists {
		return
	}
	if len(pn.unknownOrder) >= pn.cfg.MaxUnknownPeers {
		oldestID := pn.unknownOrder[0]
		pn.unknownOrder = pn.unknownOrder[1:]
		if oldest, ok := pn.unknownSet[oldestID]; ok {
			delete(pn.unknownSet, oldestID)
			delete(pn.unknownAddr, oldestID)
			oldest.Close()
		}
	}
	pn.unknownOrder = append(pn.unknownOrder, conn.ID())
	pn.unknownSet[conn.ID()] = conn
}

func (pn *PeerNetwork) removeUnknown(conn *connpool.Conn) {
	if _, exists := pn.unknownSet[conn.ID()]; !exists {
		return
	}
	delete(pn.unknownSet, conn.ID())
	delete(pn.unknownAddr, conn.ID())
	for i, id := range pn.unknownOrder {
		if id == conn.ID() {
			pn.unknownOrder = append(pn.unknownOrder[:i], pn.unknownOrder[i+1:]...)
			break
		}
	}
}
