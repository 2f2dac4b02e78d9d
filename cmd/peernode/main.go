package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/apoorvam/goterminal"
	"github.com/glycerine/ipaddr"
	peernet "github.com/nodenet/peernet"
	"github.com/nodenet/peernet/connpool"
)

type nodeConfig struct {
	Listen  string
	Peers   string
	Unknown bool
	IPBased bool
}

func (c *nodeConfig) SetFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Listen, "listen", "0.0.0.0:0", "address to listen on")
	fs.StringVar(&c.Peers, "peers", "", "comma-separated list of host:port peers to dial")
	fs.BoolVar(&c.Unknown, "allow-unknown", false, "accept connections from peers not explicitly added")
	fs.BoolVar(&c.IPBased, "ip-based", false, "derive peer identity from IP alone instead of IP:port")
}

func main() {
	peernet.Exit1IfVersionReq()

	hostIP := ipaddr.GetExternalIP()

	ncfg := &nodeConfig{}
	fs := flag.NewFlagSet("peernode", flag.ExitOnError)
	ncfg.SetFlags(fs)
	fs.Parse(os.Args[1:])

	cfg := peernet.NewConfig()
	cfg.AllowUnknownPeer = ncfg.Unknown
	if ncfg.IPBased {
		cfg.IDMode = peernet.IPBased
	}

	pool := connpool.NewPool()
	pool.Start()
	defer pool.Stop()

	pn := peernet.NewPeerNetwork(cfg, pool, 0)
	pn.SetRecoverableErrorFunc(func(kind peernet.ErrorKind, err error) {
		fmt.Fprintf(os.Stderr, "peernode: recoverable: %v: %v\n", kind, err)
	})
	pn.SetDispatchErrorFunc(func(err error) {
		fmt.Fprintf(os.Stderr, "peernode: fatal: %v\n", err)
	})
	pn.SetUnknownPeerHandler(func(addr string) {
		fmt.Fprintf(os.Stderr, "peernode: saw unidentified peer %s (allow-unknown=%v)\n", addr, ncfg.Unknown)
	})

	addr, err := pn.Listen(ncfg.Listen)
	if err != nil {
		fmt.Fprintf(os.Stderr, "peernode: listen failed: %v\n", err)
		os.Exit(1)
	}
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		pn.SetLocalListenPort(uint16(tcpAddr.Port))
	}
	fmt.Fprintf(os.Stderr, "peernode: listening on %v (external IP %s)\n", addr, hostIP)
	if !peernet.IsRoutableIPv4(hostIP) {
		fmt.Fprintf(os.Stderr, "peernode: warning: external IP %s is not publicly routable; peers outside this network won't be able to dial in\n", hostIP)
	}

	if ncfg.Peers != "" {
		for _, p := range strings.Split(ncfg.Peers, ",") {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			pn.AddPeer(p)
		}
	}

	// Runs on its own goroutine, never the dispatcher's: Peers() reads a
	// separately-locked mirror of the known registry, and GetPeerConn
	// hops onto the dispatcher via DispatchSync, so a slow or stuck
	// dispatcher never deadlocks this status line against itself — it
	// just blocks this one goroutine's next refresh.
	go func() {
		eraseAndCR := append([]byte{0x1b}, []byte("[0K\r")...) // "\033[0K\r"
		goTermWriter := goterminal.New(os.Stderr)
		for range time.Tick(2 * time.Second) {
			addrs := pn.Peers()
			var worstP99 float64
			for _, addr := range addrs {
				conn := pn.GetPeerConn(addr)
				if conn == nil {
					continue
				}
				if p99 := conn.Latency().Quantile(0.99); p99 > worstP99 {
					worstP99 = p99
				}
			}
			line := fmt.Sprintf("peernode: %d known peers, worst ping p99=%.2fms",
				len(addrs), worstP99/float64(time.Millisecond))
			goTermWriter.Clear()
			goTermWriter.Write(append([]byte(line), eraseAndCR...))
			goTermWriter.Print()
		}
	}()

	select {}
}
