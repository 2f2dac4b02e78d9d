package peernet

import (
	"net"
	"sync"
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
	"github.com/nodenet/peernet/connpool"
)

func listenPortOf(addr net.Addr) uint16 {
	tcp := addr.(*net.TCPAddr)
	return uint16(tcp.Port)
}

func Test400_peernetwork_addpeer_establishes_ping_pong(t *testing.T) {
	cv.Convey("AddPeer dials the target and both sides end up in each other's known registry after the first ping/pong", t, func() {
		pool := connpool.NewPool()
		pool.Start()
		defer pool.Stop()

		cfgA := NewConfig()
		cfgA.PingPeriod = 50 * time.Millisecond
		a := NewPeerNetwork(cfgA, pool, 0)
		addrA, err := a.Listen("127.0.0.1:0")
		panicOn(err)
		a.SetLocalListenPort(listenPortOf(addrA))

		cfgB := NewConfig()
		cfgB.PingPeriod = 50 * time.Millisecond
		b := NewPeerNetwork(cfgB, pool, 0)
		addrB, err := b.Listen("127.0.0.1:0")
		panicOn(err)
		b.SetLocalListenPort(listenPortOf(addrB))

		// Both sides must explicitly want each other: AllowUnknownPeer is
		// false by default, so an inbound connection from an address
		// never added is rejected rather than auto-promoted to known.
		a.AddPeer(addrB.String())
		b.AddPeer(addrA.String())

		deadline := time.Now().Add(3 * time.Second)
		var aKnowsB, bKnowsA bool
		for time.Now().Before(deadline) {
			v, _ := pool.DispatchSync(func() (any, error) {
				p, found := a.known.get2(addrB.String())
				return found && p.connected, nil
			})
			aKnowsB = v.(bool)
			v2, _ := pool.DispatchSync(func() (any, error) {
				p, found := b.known.get2(addrA.String())
				return found && p.connected, nil
			})
			bKnowsA = v2.(bool)
			if aKnowsB && bKnowsA {
				break
			}
			time.Sleep(20 * time.Millisecond)
		}
		cv.So(aKnowsB, cv.ShouldBeTrue)
		cv.So(bKnowsA, cv.ShouldBeTrue)
	})
}

func Test401_peernetwork_rejects_unknown_peer_by_default(t *testing.T) {
	cv.Convey("a connection from an address never added via AddPeer is rejected once identified, when AllowUnknownPeer is false", t, func() {
		pool := connpool.NewPool()
		pool.Start()
		defer pool.Stop()

		rejections := make(chan ErrorKind, 1)
		cfgA := NewConfig() // AllowUnknownPeer defaults to false
		a := NewPeerNetwork(cfgA, pool, 0)
		a.SetRecoverableErrorFunc(func(kind ErrorKind, err error) {
			if kind == ErrUnknownPeerRejected {
				rejections <- kind
			}
		})
		addrA, err := a.Listen("127.0.0.1:0")
		panicOn(err)
		a.SetLocalListenPort(listenPortOf(addrA))

		cfgB := NewConfig()
		b := NewPeerNetwork(cfgB, pool, 0)
		addrB, err := b.Listen("127.0.0.1:0")
		panicOn(err)
		b.SetLocalListenPort(listenPortOf(addrB))

		// B dials A directly without A ever having added B as a peer.
		b.AddPeer(addrA.String())

		select {
		case kind := <-rejections:
			cv.So(kind, cv.ShouldEqual, ErrUnknownPeerRejected)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for the unknown-peer rejection")
		}
	})
}

func Test402_peernetwork_delpeer_removes_peer(t *testing.T) {
	cv.Convey("DelPeer removes the peer from the known registry", t, func() {
		pool := connpool.NewPool()
		pool.Start()
		defer pool.Stop()

		a := NewPeerNetwork(NewConfig(), pool, 0)
		addrA, err := a.Listen("127.0.0.1:0")
		panicOn(err)
		a.SetLocalListenPort(listenPortOf(addrA))

		b := NewPeerNetwork(NewConfig(), pool, 0)
		addrB, err := b.Listen("127.0.0.1:0")
		panicOn(err)
		b.SetLocalListenPort(listenPortOf(addrB))

		b.AddPeer(addrA.String())

		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			v, _ := pool.DispatchSync(func() (any, error) { return b.known.Len() > 0, nil })
			if v.(bool) {
				break
			}
			time.Sleep(20 * time.Millisecond)
		}

		b.DelPeer(addrA.String())

		v, _ := pool.DispatchSync(func() (any, error) { return b.known.Len(), nil })
		cv.So(v, cv.ShouldEqual, 0)
	})
}

func Test404_peernetwork_peers_readable_off_dispatcher(t *testing.T) {
	cv.Convey("Peers() reflects the known registry and is safe to poll from a goroutine that never touches the dispatcher", t, func() {
		pool := connpool.NewPool()
		pool.Start()
		defer pool.Stop()

		a := NewPeerNetwork(NewConfig(), pool, 0)
		addrA, err := a.Listen("127.0.0.1:0")
		panicOn(err)
		a.SetLocalListenPort(listenPortOf(addrA))

		b := NewPeerNetwork(NewConfig(), pool, 0)
		addrB, err := b.Listen("127.0.0.1:0")
		panicOn(err)
		b.SetLocalListenPort(listenPortOf(addrB))

		stop := make(chan struct{})
		polled := make(chan bool, 1)
		go func() {
			for {
				select {
				case <-stop:
					return
				default:
					if len(a.Peers()) > 0 {
						polled <- true
						return
					}
					time.Sleep(5 * time.Millisecond)
				}
			}
		}()

		a.AddPeer(addrB.String())
		b.AddPeer(addrA.String())

		select {
		case ok := <-polled:
			cv.So(ok, cv.ShouldBeTrue)
		case <-time.After(3 * time.Second):
			close(stop)
			t.Fatal("timed out waiting for Peers() to observe the new peer")
		}
	})
}

func Test405_peernetwork_symmetric_dial_race_dedups_to_one_connection(t *testing.T) {
	cv.Convey("both sides dialing each other at the same instant still end up with exactly one live connection per peer", t, func() {
		poolA := connpool.NewPool()
		poolA.Start()
		defer poolA.Stop()
		poolB := connpool.NewPool()
		poolB.Start()
		defer poolB.Stop()

		a := NewPeerNetwork(NewConfig(), poolA, 0)
		addrA, err := a.Listen("127.0.0.1:0")
		panicOn(err)
		a.SetLocalListenPort(listenPortOf(addrA))

		b := NewPeerNetwork(NewConfig(), poolB, 0)
		addrB, err := b.Listen("127.0.0.1:0")
		panicOn(err)
		b.SetLocalListenPort(listenPortOf(addrB))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); a.AddPeer(addrB.String()) }()
		go func() { defer wg.Done(); b.AddPeer(addrA.String()) }()
		wg.Wait()

		deadline := time.Now().Add(3 * time.Second)
		var aConnected, bConnected bool
		for time.Now().Before(deadline) {
			va, _ := poolA.DispatchSync(func() (any, error) {
				p, found := a.known.get2(addrB.String())
				return found && p.connected, nil
			})
			aConnected = va.(bool)
			vb, _ := poolB.DispatchSync(func() (any, error) {
				p, found := b.known.get2(addrA.String())
				return found && p.connected, nil
			})
			bConnected = vb.(bool)
			if aConnected && bConnected {
				break
			}
			time.Sleep(20 * time.Millisecond)
		}
		cv.So(aConnected, cv.ShouldBeTrue)
		cv.So(bConnected, cv.ShouldBeTrue)

		// Give the losing half of the race time to tear down: after that,
		// connToPeer should hold exactly one live entry per side, not two.
		time.Sleep(200 * time.Millisecond)
		va, _ := poolA.DispatchSync(func() (any, error) { return len(a.connToPeer), nil })
		vb, _ := poolB.DispatchSync(func() (any, error) { return len(b.connToPeer), nil })
		cv.So(va, cv.ShouldEqual, 1)
		cv.So(vb, cv.ShouldEqual, 1)
	})
}

func Test406_peernetwork_reconnects_after_connection_loss(t *testing.T) {
	cv.Convey("a desired peer is redialed after its connection is closed out from under it", t, func() {
		pool := connpool.NewPool()
		pool.Start()
		defer pool.Stop()

		cfgA := NewConfig()
		cfgA.RetryConnDelay = 30 * time.Millisecond
		a := NewPeerNetwork(cfgA, pool, 0)
		addrA, err := a.Listen("127.0.0.1:0")
		panicOn(err)
		a.SetLocalListenPort(listenPortOf(addrA))

		b := NewPeerNetwork(NewConfig(), pool, 0)
		addrB, err := b.Listen("127.0.0.1:0")
		panicOn(err)
		b.SetLocalListenPort(listenPortOf(addrB))

		a.AddPeer(addrB.String())
		b.AddPeer(addrA.String())

		deadline := time.Now().Add(3 * time.Second)
		var firstConn *connpool.Conn
		for time.Now().Before(deadline) {
			v, _ := pool.DispatchSync(func() (any, error) {
				p, found := a.known.get2(addrB.String())
				if !found || !p.connected {
					return nil, nil
				}
				return p.conn, nil
			})
			if c, ok := v.(*connpool.Conn); ok && c != nil {
				firstConn = c
				break
			}
			time.Sleep(20 * time.Millisecond)
		}
		if firstConn == nil {
			t.Fatal("timed out waiting for the first connection to establish")
		}

		pool.Dispatch(func() { firstConn.Close() })

		deadline = time.Now().Add(3 * time.Second)
		var reconnected bool
		for time.Now().Before(deadline) {
			v, _ := pool.DispatchSync(func() (any, error) {
				p, found := a.known.get2(addrB.String())
				if !found || !p.connected || p.conn == nil {
					return false, nil
				}
				return p.conn != firstConn, nil
			})
			reconnected = v.(bool)
			if reconnected {
				break
			}
			time.Sleep(20 * time.Millisecond)
		}
		cv.So(reconnected, cv.ShouldBeTrue)
	})
}

func Test407_peernetwork_unknown_peer_handler_fires_on_rejection(t *testing.T) {
	cv.Convey("SetUnknownPeerHandler fires even when AllowUnknownPeer is false and the connection is about to be rejected", t, func() {
		pool := connpool.NewPool()
		pool.Start()
		defer pool.Stop()

		seen := make(chan string, 1)
		cfgA := NewConfig() // AllowUnknownPeer defaults to false
		a := NewPeerNetwork(cfgA, pool, 0)
		a.SetUnknownPeerHandler(func(addr string) { seen <- addr })
		addrA, err := a.Listen("127.0.0.1:0")
		panicOn(err)
		a.SetLocalListenPort(listenPortOf(addrA))

		b := NewPeerNetwork(NewConfig(), pool, 0)
		addrB, err := b.Listen("127.0.0.1:0")
		panicOn(err)
		b.SetLocalListenPort(listenPortOf(addrB))

		b.AddPeer(addrA.String())

		select {
		case addr := <-seen:
			cv.So(addr, cv.ShouldEqual, addrB.String())
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for the unknown-peer handler to fire")
		}
	})
}

func Test408_peernetwork_unknown_peer_handler_fires_when_allowed(t *testing.T) {
	cv.Convey("SetUnknownPeerHandler fires just as unconditionally when AllowUnknownPeer lets the connection stay open", t, func() {
		pool := connpool.NewPool()
		pool.Start()
		defer pool.Stop()

		seen := make(chan string, 1)
		cfgA := NewConfig()
		cfgA.AllowUnknownPeer = true
		a := NewPeerNetwork(cfgA, pool, 0)
		a.SetUnknownPeerHandler(func(addr string) { seen <- addr })
		addrA, err := a.Listen("127.0.0.1:0")
		panicOn(err)
		a.SetLocalListenPort(listenPortOf(addrA))

		b := NewPeerNetwork(NewConfig(), pool, 0)
		addrB, err := b.Listen("127.0.0.1:0")
		panicOn(err)
		b.SetLocalListenPort(listenPortOf(addrB))

		b.AddPeer(addrA.String())

		select {
		case addr := <-seen:
			cv.So(addr, cv.ShouldEqual, addrB.String())
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for the unknown-peer handler to fire")
		}
	})
}

func Test409_peernetwork_haspeer_and_getpeerconn(t *testing.T) {
	cv.Convey("HasPeer and GetPeerConn reflect the known registry from off the dispatcher goroutine", t, func() {
		pool := connpool.NewPool()
		pool.Start()
		defer pool.Stop()

		a := NewPeerNetwork(NewConfig(), pool, 0)
		addrA, err := a.Listen("127.0.0.1:0")
		panicOn(err)
		a.SetLocalListenPort(listenPortOf(addrA))

		b := NewPeerNetwork(NewConfig(), pool, 0)
		addrB, err := b.Listen("127.0.0.1:0")
		panicOn(err)
		b.SetLocalListenPort(listenPortOf(addrB))

		cv.So(a.HasPeer(addrB.String()), cv.ShouldBeFalse)
		cv.So(a.GetPeerConn(addrB.String()), cv.ShouldBeNil)

		a.AddPeer(addrB.String())
		b.AddPeer(addrA.String())

		deadline := time.Now().Add(3 * time.Second)
		var conn *connpool.Conn
		for time.Now().Before(deadline) {
			if a.HasPeer(addrB.String()) {
				conn = a.GetPeerConn(addrB.String())
				if conn != nil {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
		}
		cv.So(conn, cv.ShouldNotBeNil)
	})
}

func Test410_peernetwork_multicast_reports_missing_addr(t *testing.T) {
	cv.Convey("MulticastMsg reports ErrPeerNotFound for an address in the list that has no live connection", t, func() {
		pool := connpool.NewPool()
		pool.Start()
		defer pool.Stop()

		a := NewPeerNetwork(NewConfig(), pool, 0)
		addrA, err := a.Listen("127.0.0.1:0")
		panicOn(err)
		a.SetLocalListenPort(listenPortOf(addrA))

		b := NewPeerNetwork(NewConfig(), pool, 0)
		addrB, err := b.Listen("127.0.0.1:0")
		panicOn(err)
		b.SetLocalListenPort(listenPortOf(addrB))

		missing := make(chan string, 1)
		a.SetRecoverableErrorFunc(func(kind ErrorKind, err error) {
			if kind == ErrPeerNotFound {
				missing <- err.Error()
			}
		})

		a.AddPeer(addrB.String())
		b.AddPeer(addrA.String())

		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			if a.HasPeer(addrB.String()) && a.GetPeerConn(addrB.String()) != nil {
				break
			}
			time.Sleep(20 * time.Millisecond)
		}

		pool.Dispatch(func() {
			a.MulticastMsg(PingOpcode, encodePingPong(0), []string{addrB.String(), "127.0.0.1:1"})
		})

		select {
		case <-missing:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for the missing-address recoverable error")
		}
	})
}

func Test403_genRandTimeout_stays_within_spread(t *testing.T) {
	cv.Convey("genRandTimeout always returns a value in [base, 2*base)", t, func() {
		base := 10 * time.Millisecond
		for i := 0; i < 200; i++ {
			d := genRandTimeout(base)
			cv.So(d, cv.ShouldBeGreaterThanOrEqualTo, base)
			cv.So(d, cv.ShouldBeLessThan, 2*base)
		}
	})
}
