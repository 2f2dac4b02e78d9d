package peernet

import "time"

// IdentityMode selects how a PeerNetwork derives a peer's identity from a
// connection.
type IdentityMode int

const (
	// IPBased: identity is the remote IP alone; a peer's canonical
	// address is the bare host, with no port.
	IPBased IdentityMode = iota
	// IPPortBased: identity is (IP, listen_port), where listen_port is
	// learned from the peer's PING/PONG payload rather than the
	// ephemeral source port of an inbound connection.
	IPPortBased
)

func (m IdentityMode) String() string {
	if m == IPBased {
		return "IP_BASED"
	}
	return "IP_PORT_BASED"
}

// Config holds the tunables spec.md's configuration table names, all with
// their documented defaults. It is a plain struct, defaulted by
// NewConfig(); there is no flag/viper binding at this layer — that belongs
// to cmd/ binaries, same split the teacher's cmd/jpull, cmd/jcp use.
type Config struct {
	// BurstSize bounds how many inbound messages the dispatcher drains
	// per scheduling slice before yielding.
	BurstSize int

	// QueueCapacity bounds the inbound MPSC queue.
	QueueCapacity int

	// RetryConnDelay is the base for exponential-free reconnect
	// jitter: a retry fires after a value drawn from
	// [RetryConnDelay, 2*RetryConnDelay).
	RetryConnDelay time.Duration

	// PingPeriod is the base for periodic keepalive ping scheduling,
	// jittered the same way as RetryConnDelay.
	PingPeriod time.Duration

	// ConnTimeout is the inactivity timeout; it resets on every
	// PING/PONG and its expiry tears the connection down.
	ConnTimeout time.Duration

	// IDMode selects how peer identity is derived.
	IDMode IdentityMode

	// AllowUnknownPeer, when true, accepts connections from peers not
	// present in the known registry, placing them in unknown instead
	// of terminating them.
	AllowUnknownPeer bool

	// MaxUnknownPeers bounds the unknown registry's size. Once full,
	// the oldest unknown peer is evicted to make room for a new one.
	// This is a supplement beyond the bare spec's bounds: unbounded
	// unknown-peer growth is a known production gap that the reference
	// behavior left unaddressed.
	MaxUnknownPeers int
}

// NewConfig returns a Config populated with spec.md's documented defaults.
func NewConfig() *Config {
	return &Config{
		BurstSize:        1000,
		QueueCapacity:    65536,
		RetryConnDelay:   2 * time.Second,
		PingPeriod:       30 * time.Second,
		ConnTimeout:      180 * time.Second,
		IDMode:           IPPortBased,
		AllowUnknownPeer: false,
		MaxUnknownPeers:  4096,
	}
}
