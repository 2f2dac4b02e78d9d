package peernet

import (
	"net"

	"github.com/nodenet/peernet/connpool"
)

// OnSetupFunc and OnTeardownFunc notify of a client connection's
// lifecycle, on the dispatcher goroutine.
type OnSetupFunc func(conn *connpool.Conn, addr string)
type OnTeardownFunc func(conn *connpool.Conn, addr string)

// ClientNetwork is the simpler sibling of PeerNetwork: a server-side
// index of accepted connections by remote address, with no ping/pong,
// identity resolution, or reconnection. It's the shape a request/response
// server wants — many clients dial in, none of them get dialed back.
type ClientNetwork struct {
	*MsgNetwork

	byAddr map[string]*connpool.Conn

	onSetup    OnSetupFunc
	onTeardown OnTeardownFunc
}

// NewClientNetwork builds a ClientNetwork on top of an already-constructed
// connpool.Pool.
func NewClientNetwork(cfg *Config, pool *connpool.Pool) *ClientNetwork {
	cn := &ClientNetwork{
		MsgNetwork: NewMsgNetwork(cfg, pool),
		byAddr:     make(map[string]*connpool.Conn),
	}
	cn.SetConnHandler(cn.onConnEvent)
	return cn
}

// SetSetupFunc installs the hook fired once a client connection is
// indexed and ready to receive sends.
func (cn *ClientNetwork) SetSetupFunc(fn OnSetupFunc) { cn.onSetup = fn }

// SetTeardownFunc installs the hook fired once a client connection is
// removed from the index.
func (cn *ClientNetwork) SetTeardownFunc(fn OnTeardownFunc) { cn.onTeardown = fn }

// Listen binds addr; every accepted connection is indexed by its remote
// address.
func (cn *ClientNetwork) Listen(addr string) (net.Addr, error) {
	return cn.MsgNetwork.Listen(addr)
}

func (cn *ClientNetwork) onConnEvent(conn *connpool.Conn, connected bool) {
	if connected {
		if conn.Mode() != connpool.Passive {
			// ClientNetwork only indexes connections made TO it.
			return
		}
		cn.byAddr[conn.RemoteAddr()] = conn
		if cn.onSetup != nil {
			cn.onSetup(conn, conn.RemoteAddr())
		}
		return
	}
	addr := conn.RemoteAddr()
	if existing, found := cn.byAddr[addr]; found && existing == conn {
		delete(cn.byAddr, addr)
		if cn.onTeardown != nil {
			cn.onTeardown(conn, addr)
		}
	}
}

// SendMsgTo sends payload under op to the client connected from addr. It
// reports whether a connection was found; absent connections are a
// silent drop, same contract as PeerNetwork.SendMsgTo. Call this from a
// handler or via pool.Dispatch.
func (cn *ClientNetwork) SendMsgTo(op Opcode, payload []byte, addr string) bool {
	conn, found := cn.byAddr[addr]
	if !found || conn.IsDead() {
		return false
	}
	cn.MsgNetwork.SendMsg(NewMsg(op, payload), conn)
	return true
}

// Broadcast sends payload under op to every currently connected client,
// best-effort.
func (cn *ClientNetwork) Broadcast(op Opcode, payload []byte) {
	for _, conn := range cn.byAddr {
		if !conn.IsDead() {
			cn.MsgNetwork.SendMsg(NewMsg(op, payload), conn)
		}
	}
}
