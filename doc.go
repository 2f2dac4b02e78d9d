// Package peernet implements a length-prefixed message transport
// (MsgNetwork), a passive client-facing variant (ClientNetwork), and a
// bidirectional peer overlay with liveness probing and reconnection
// (PeerNetwork), all running on top of the connpool package's plain TCP
// connection plumbing.
//
// A single dispatcher goroutine owns the handler table and the peer
// registries; everything that touches them runs on that goroutine, reached
// either directly (the dispatcher's own loop) or by posting a closure
// through (*connpool.Pool).Dispatch / DispatchSync. Per-connection worker
// goroutines only read bytes off the wire, decode frames, and push them
// onto the inbound MPSC queue; they never touch dispatcher-owned state
// directly.
package peernet
