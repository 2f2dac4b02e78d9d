package peernet

import (
	"fmt"
	"net"
	"time"

	"github.com/nodenet/peernet/connpool"
)

// Peer is an entry in PeerNetwork's known registry: a durable identity,
// possibly with a live connection attached.
type Peer struct {
	addr string // canonical identity, per Config.IDMode

	conn       *connpool.Conn
	listenPort uint16
	connected  bool // conn is resolved and owns the ping/retry timers

	// desired is true for peers added via PeerNetwork.AddPeer: we own the
	// obligation to keep dialing them until DelPeer is called. Peers that
	// became known only by identifying themselves on an inbound
	// connection are not desired — we don't chase them if they drop.
	desired bool

	pingTimer  *time.Timer
	retryTimer *time.Timer

	// pingTimerFired and pongReceived are the rendezvous pair gating the
	// next outgoing PING: one is emitted only once both the periodic
	// timer and the previous PONG have arrived, throttling the protocol
	// to the slower of the two.
	pingTimerFired bool
	pongReceived   bool

	// pingSentAt marks when the most recent PING went out, so the
	// matching PONG's round trip can be fed to conn.Latency(). Zero
	// between a PONG landing and the next PING going out.
	pingSentAt time.Time
}

// Addr returns the peer's canonical identity.
func (p *Peer) Addr() string { return p.addr }

// Conn returns the peer's current connection, or nil if disconnected.
func (p *Peer) Conn() *connpool.Conn { return p.conn }

// canonicalAddr derives a peer's identity from its connection's remote
// host and its self-reported listen port, per mode.
func canonicalAddr(host string, listenPort uint16, mode IdentityMode) string {
	if mode == IPBased {
		return host
	}
	return fmt.Sprintf("%s:%d", host, listenPort)
}

func splitHost(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}

// genRandTimeout jitters base into [base, 2*base), the same spread
// RetryConnDelay and PingPeriod both use.
func genRandTimeout(base time.Duration) time.Duration {
	if base <= 1 {
		return base
	}
	return base + time.Duration(cryptoRandNonNegInt64Range(int64(base)))
}
