package peernet

import (
	"net"
	"sync/atomic"

	"github.com/nodenet/peernet/connpool"
)

// HandlerFunc is a user handler bound to an opcode; it always runs on the
// dispatcher goroutine, synchronously, and must not block.
type HandlerFunc func(msg *Msg, conn *connpool.Conn)

// ConnHandlerFunc is notified of every connect/disconnect, on the
// dispatcher goroutine.
type ConnHandlerFunc func(conn *connpool.Conn, connected bool)

const (
	stageHeader = iota
	stagePayload
)

// decodeState is the per-connection two-state decoder spec.md describes,
// hung off Conn.UserData by MsgNetwork.
type decodeState struct {
	stage  int
	header decodedHeader
	buf    []byte // unconsumed bytes accumulated from reads
}

// MsgNetwork owns an opcode->handler table and an inbound message queue;
// it drives the header/payload decoder on connection receive-buffers
// (worker-goroutine side) and the burst-limited dispatch loop
// (dispatcher-goroutine side). The handler table is dispatcher-exclusive:
// only ever read or written from the dispatcher goroutine.
type MsgNetwork struct {
	cfg  *Config
	pool *connpool.Pool

	queue          *inboundQueue
	drainScheduled atomic.Bool

	handlers map[Opcode]HandlerFunc

	connHandler    ConnHandlerFunc
	recoverableFn  RecoverableErrorFunc
	dispatchErrFn  DispatcherErrorFunc
}

// NewMsgNetwork builds a MsgNetwork on top of an already-constructed
// connpool.Pool. Call pool.Start() separately before any traffic flows;
// MsgNetwork does not own the Pool's lifecycle.
func NewMsgNetwork(cfg *Config, pool *connpool.Pool) *MsgNetwork {
	n := &MsgNetwork{
		cfg:      cfg,
		pool:     pool,
		queue:    newInboundQueue(cfg.QueueCapacity),
		handlers: make(map[Opcode]HandlerFunc),
	}
	pool.SetPanicHandler(func(r any) { n.reportFatal(errDispatcherPanic(r)) })
	return n
}

// RegHandler binds fn to opcode. Re-registering overwrites. Call this
// before traffic starts flowing, or via n.pool.Dispatch(...) afterward to
// respect the handler table's dispatcher-exclusive ownership.
func (n *MsgNetwork) RegHandler(op Opcode, fn HandlerFunc) {
	n.handlers[op] = fn
}

// SetHandler is the lower-level form of RegHandler; in this rendition the
// two are identical since Go has no "static member of the Msg type" to
// derive an opcode from.
func (n *MsgNetwork) SetHandler(op Opcode, fn HandlerFunc) {
	n.RegHandler(op, fn)
}

// SetConnHandler installs the conn_handler(conn, connected) callback.
func (n *MsgNetwork) SetConnHandler(fn ConnHandlerFunc) { n.connHandler = fn }

// SetRecoverableErrorFunc installs the callback invoked on recoverable
// Outcomes (bad checksum, unknown opcode, and so on).
func (n *MsgNetwork) SetRecoverableErrorFunc(fn RecoverableErrorFunc) { n.recoverableFn = fn }

// SetDispatchErrorFunc installs the callback invoked on fatal Outcomes.
func (n *MsgNetwork) SetDispatchErrorFunc(fn DispatcherErrorFunc) { n.dispatchErrFn = fn }

// Listen binds addr and wires every accepted connection through this
// MsgNetwork's decoder and connection-handler callback.
func (n *MsgNetwork) Listen(addr string) (net.Addr, error) {
	return n.pool.Listen(addr, n.onData, n.onClose, func(c *connpool.Conn) {
		n.pool.Dispatch(func() { n.fireConnHandler(c, true) })
	})
}

// Dial connects out to addr and wires the resulting connection the same
// way Listen wires an accepted one.
func (n *MsgNetwork) Dial(addr string) (*connpool.Conn, error) {
	c, err := n.pool.Dial(addr, n.onData, n.onClose)
	if err != nil {
		return nil, err
	}
	n.pool.Dispatch(func() { n.fireConnHandler(c, true) })
	return c, nil
}

func (n *MsgNetwork) fireConnHandler(c *connpool.Conn, connected bool) {
	if n.connHandler != nil {
		n.connHandler(c, connected)
	}
}

func (n *MsgNetwork) onClose(c *connpool.Conn) {
	n.pool.Dispatch(func() { n.fireConnHandler(c, false) })
}

// onData is the worker-goroutine side of the two-state decoder: it runs
// inline in the connection's read loop, never touching the handler table
// or peer registries directly.
func (n *MsgNetwork) onData(c *connpool.Conn, data []byte) {
	ds, _ := c.UserData.(*decodeState)
	if ds == nil {
		ds = &decodeState{}
		c.UserData = ds
	}
	ds.buf = append(ds.buf, data...)

	for {
		if ds.stage == stageHeader {
			if len(ds.buf) < headerSize {
				return
			}
			h, err := decodeHeader(ds.buf[:headerSize])
			if err != nil {
				n.reportRecoverable(ErrBadFrame, err)
				return
			}
			ds.header = h
			ds.buf = ds.buf[headerSize:]
			ds.stage = stagePayload
		}

		// stagePayload
		need := int(ds.header.payloadLength)
		if len(ds.buf) < need {
			return
		}
		payload := make([]byte, need)
		copy(payload, ds.buf[:need])
		ds.buf = ds.buf[need:]

		if checksum(payload) != ds.header.checksum {
			// spec.md: drop the whole message and return; do not
			// attempt resync. An operator should see this even if no
			// RecoverableErrorFunc was ever installed.
			err := errBadChecksum(c)
			alwaysPrintf("%v", err)
			n.reportRecoverable(ErrBadChecksum, err)
			return
		}

		msg := &Msg{Opcode: ds.header.opcode, Checksum: ds.header.checksum, Payload: payload}
		c.IncMsgCount()
		c.AddByteCount(uint64(headerSize + need))
		n.enqueue(inboundItem{msg: msg, conn: c})
		ds.stage = stageHeader
	}
}

func (n *MsgNetwork) enqueue(item inboundItem) {
	n.queue.push(item)
	n.scheduleDrain()
}

// scheduleDrain posts a burst-drain task to the dispatcher if one isn't
// already pending, so a flood of pushes doesn't flood the task queue with
// redundant drain requests.
func (n *MsgNetwork) scheduleDrain() {
	if n.drainScheduled.CompareAndSwap(false, true) {
		n.pool.Dispatch(n.drainBurst)
	}
}

// drainBurst is the dispatch loop: drains up to cfg.BurstSize items,
// looking up each one's handler by opcode and invoking it synchronously
// on the dispatcher goroutine. If the queue still has work after the
// burst, it reposts itself so drainage resumes on the next scheduling
// slice instead of hogging the dispatcher.
func (n *MsgNetwork) drainBurst() {
	for i := 0; i < n.cfg.BurstSize; i++ {
		item, ok := n.queue.tryPop()
		if !ok {
			n.drainScheduled.Store(false)
			return
		}
		n.invoke(item)
	}
	// more work may remain; re-arm.
	n.pool.Dispatch(n.drainBurst)
}

func (n *MsgNetwork) invoke(item inboundItem) {
	handler, ok := n.handlers[item.msg.Opcode]
	if !ok {
		// An operator should see this even if no RecoverableErrorFunc
		// was ever installed.
		err := errUnknownOpcode(item.msg.Opcode)
		alwaysPrintf("%v", err)
		n.reportRecoverable(ErrUnknownOpcode, err)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			n.reportRecoverable(ErrHandlerPanic, errHandlerPanic(r))
		}
	}()
	handler(item.msg, item.conn)
}

// SendMsg posts msg for serialization and write onto conn's dispatcher
// task queue, matching spec.md's send_msg(msg, conn) contract: any error
// during serialization or the synchronous part of write is reported
// through the recoverable-error callback, never back to the caller.
func (n *MsgNetwork) SendMsg(msg *Msg, conn *connpool.Conn) {
	n.pool.Dispatch(func() {
		b := msg.encode()
		if err := conn.Write(b); err != nil {
			n.reportRecoverable(ErrWriteQueueFull, err)
			return
		}
		conn.AddByteCount(uint64(len(b)))
	})
}

func (n *MsgNetwork) reportRecoverable(kind ErrorKind, err error) {
	if n.recoverableFn != nil {
		n.recoverableFn(kind, err)
	}
}

func (n *MsgNetwork) reportFatal(err error) {
	if n.dispatchErrFn != nil {
		n.dispatchErrFn(err)
	}
}
