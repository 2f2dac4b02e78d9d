package peernet

import (
	"fmt"

	"github.com/nodenet/peernet/connpool"
)

// ErrorKind classifies a RecoverableError so the recoverable_error callback
// can decide whether to log, count, or react.
type ErrorKind int

const (
	ErrBadChecksum ErrorKind = iota
	ErrBadFrame
	ErrUnknownOpcode
	ErrUnknownPeerRejected
	ErrWriteQueueFull
	ErrHandlerPanic
	ErrPeerNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case ErrBadChecksum:
		return "bad-checksum"
	case ErrBadFrame:
		return "bad-frame"
	case ErrUnknownOpcode:
		return "unknown-opcode"
	case ErrUnknownPeerRejected:
		return "unknown-peer-rejected"
	case ErrWriteQueueFull:
		return "write-queue-full"
	case ErrHandlerPanic:
		return "handler-panic"
	case ErrPeerNotFound:
		return "peer-not-found"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Outcome is the result of an operation that may fail in one of two
// distinct ways: a RecoverableError, which the caller can shrug off and
// keep running (a bad frame on one connection, an unknown opcode), or a
// Fatal error, which means the connection or the dispatcher itself cannot
// continue.
type Outcome struct {
	kind  ErrorKind
	err   error
	fatal bool
}

// Ok is the zero Outcome: neither recoverable nor fatal.
func Ok() Outcome { return Outcome{} }

// Recoverable builds an Outcome that should be routed to a
// RecoverableErrorFunc rather than aborting the connection.
func Recoverable(kind ErrorKind, err error) Outcome {
	return Outcome{kind: kind, err: err}
}

// Fatal builds an Outcome that should be routed to a DispatcherErrorFunc
// and will normally tear down the connection or dispatcher involved.
func Fatal(err error) Outcome {
	return Outcome{err: err, fatal: true}
}

func (o Outcome) IsOk() bool          { return o.err == nil }
func (o Outcome) IsFatal() bool       { return o.fatal }
func (o Outcome) IsRecoverable() bool { return o.err != nil && !o.fatal }
func (o Outcome) Kind() ErrorKind     { return o.kind }
func (o Outcome) Err() error          { return o.err }

func (o Outcome) String() string {
	switch {
	case o.IsOk():
		return "ok"
	case o.fatal:
		return fmt.Sprintf("fatal{%v}", o.err)
	default:
		return fmt.Sprintf("recoverable{%v, %v}", o.kind, o.err)
	}
}

// RecoverableErrorFunc is invoked whenever a connection or handler hits a
// recoverable error. Framing errors (ErrBadFrame, ErrBadChecksum) found by
// the decoder are reported on the connection's worker goroutine; every
// other kind is reported on the dispatcher goroutine.
type RecoverableErrorFunc func(kind ErrorKind, err error)

// DispatcherErrorFunc is invoked on the dispatcher goroutine whenever a
// fatal Outcome occurs; the dispatcher keeps running, but the caller
// should assume the connection/peer involved is gone.
type DispatcherErrorFunc func(err error)

// UnknownPeerFunc is invoked on the dispatcher goroutine the moment a
// connection identifies itself as an address absent from the known
// registry — unconditionally, whether or not AllowUnknownPeer ultimately
// lets the connection stay open.
type UnknownPeerFunc func(addr string)

func errBadChecksum(c *connpool.Conn) error {
	return fmt.Errorf("peernet: bad checksum on message from %s", c.RemoteAddr())
}

func errUnknownOpcode(op Opcode) error {
	return fmt.Errorf("peernet: no handler registered for opcode %d", op)
}

func errHandlerPanic(r any) error {
	return fmt.Errorf("peernet: handler panicked: %v", r)
}

func errDispatcherPanic(r any) error {
	return fmt.Errorf("peernet: dispatcher task panicked: %v", r)
}

func errPeerNotFound(addr string) error {
	return fmt.Errorf("peernet: no live connection to %s", addr)
}
