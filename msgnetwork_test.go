package peernet

import (
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
	"github.com/nodenet/peernet/connpool"
)

func Test300_msgnetwork_send_and_handle_roundtrip(t *testing.T) {
	cv.Convey("a message sent from a dialed connection is decoded and routed to its opcode's handler on the accepted side", t, func() {
		pool := connpool.NewPool()
		pool.Start()
		defer pool.Stop()

		const echoOp = Opcode(5)
		got := make(chan *Msg, 1)

		srv := NewMsgNetwork(NewConfig(), pool)
		srv.RegHandler(echoOp, func(msg *Msg, conn *connpool.Conn) { got <- msg })
		addr, err := srv.Listen("127.0.0.1:0")
		panicOn(err)

		cli := NewMsgNetwork(NewConfig(), pool)
		conn, err := cli.Dial(addr.String())
		panicOn(err)

		cli.SendMsg(NewMsg(echoOp, []byte("payload-data")), conn)

		select {
		case msg := <-got:
			cv.So(msg.Opcode, cv.ShouldEqual, echoOp)
			cv.So(string(msg.Payload), cv.ShouldEqual, "payload-data")
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for handler invocation")
		}
	})
}

func Test301_msgnetwork_unknown_opcode_is_recoverable(t *testing.T) {
	cv.Convey("a message whose opcode has no registered handler reports a recoverable error, not a crash", t, func() {
		pool := connpool.NewPool()
		pool.Start()
		defer pool.Stop()

		errs := make(chan ErrorKind, 1)
		srv := NewMsgNetwork(NewConfig(), pool)
		srv.SetRecoverableErrorFunc(func(kind ErrorKind, err error) { errs <- kind })
		addr, err := srv.Listen("127.0.0.1:0")
		panicOn(err)

		cli := NewMsgNetwork(NewConfig(), pool)
		conn, err := cli.Dial(addr.String())
		panicOn(err)
		cli.SendMsg(NewMsg(Opcode(200), []byte("x")), conn)

		select {
		case kind := <-errs:
			cv.So(kind, cv.ShouldEqual, ErrUnknownOpcode)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for the recoverable-error callback")
		}
	})
}

func Test302_msgnetwork_burst_smaller_than_backlog_delivers_all(t *testing.T) {
	cv.Convey("with BurstSize smaller than the number of messages sent, every message still reaches its handler", t, func() {
		pool := connpool.NewPool()
		pool.Start()
		defer pool.Stop()

		cfg := NewConfig()
		cfg.BurstSize = 3
		srv := NewMsgNetwork(cfg, pool)

		const op = Opcode(9)
		count := 0
		done := make(chan struct{})
		srv.RegHandler(op, func(msg *Msg, conn *connpool.Conn) {
			count++
			if count == 10 {
				close(done)
			}
		})
		addr, err := srv.Listen("127.0.0.1:0")
		panicOn(err)

		cli := NewMsgNetwork(cfg, pool)
		conn, err := cli.Dial(addr.String())
		panicOn(err)

		for i := 0; i < 10; i++ {
			cli.SendMsg(NewMsg(op, []byte("m")), conn)
		}

		select {
		case <-done:
			cv.So(count, cv.ShouldEqual, 10)
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for all burst-drained messages")
		}
	})
}
