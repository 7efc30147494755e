// Command server is the console/network worker pairing for the server
// role: it terminates QUIC connections, services the reliable main-stream
// control protocol, and exposes a small HTTP status surface. Grounded on
// the teacher's server/main.go flag-wiring idiom (bare "flag", not
// pflag/cobra) and server/tls.go's certificate bootstrap.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"time"

	"swiftlet/internal/channels"
	"swiftlet/internal/httpapi"
	"swiftlet/internal/protocol"
	"swiftlet/internal/quicconn"
	"swiftlet/internal/relay"
	"swiftlet/internal/roster"
	"swiftlet/internal/tlsutil"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
)

func main() {
	addr := flag.String("addr", ":4433", "UDP listen address for the QUIC transport")
	apiAddr := flag.String("api-addr", ":8080", "HTTP status listen address (empty to disable)")
	idleTimeout := flag.Duration("idle-timeout", 30*time.Second, "QUIC max idle timeout")
	pingInterval := flag.Duration("ping-interval", 10*time.Second, "keepalive PING interval, comfortably below idle-timeout")
	certValidity := flag.Duration("cert-validity", 24*time.Hour, "self-signed TLS certificate validity")
	keylogPath := flag.String("keylog", "", "TLS key log path (empty disables keylogging)")
	alpn := flag.String("alpn", "swiftlet/1", "ALPN identifier")
	serverName := flag.String("name", "swiftlet server", "human-readable server name advertised to clients")
	flag.Parse()

	host, _, err := net.SplitHostPort(*addr)
	if err != nil {
		host = ""
	}
	cert, fingerprint, err := tlsutil.GenerateCert(*certValidity, host)
	if err != nil {
		slog.Error("generate certificate", "err", err)
		os.Exit(1)
	}
	slog.Info("TLS certificate ready", "fingerprint", tlsutil.FormatFingerprint(fingerprint))

	policy := quicconn.Policy{
		ALPNs:             []string{*alpn},
		IdleTimeout:       *idleTimeout,
		MaxUDPPayloadSize: 1350,
		ReliableWindow:    1 << 20,
		UnreliableWindow:  1 << 18,
		KeyLogPath:        *keylogPath,
		KeepAlivePeriod:   *pingInterval,
	}
	tlsConf, err := quicconn.ServerTLSConfig(policy, cert)
	if err != nil {
		slog.Error("build server TLS config", "err", err)
		os.Exit(1)
	}

	pconn, err := net.ListenUDP("udp", mustResolveUDP(*addr))
	if err != nil {
		slog.Error("listen udp", "addr", *addr, "err", err)
		os.Exit(1)
	}
	listener, err := quic.Listen(pconn, tlsConf, policy.QUICConfig())
	if err != nil {
		slog.Error("quic listen", "err", err)
		os.Exit(1)
	}
	slog.Info("listening", "addr", *addr)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
		listener.Close()
	}()

	workers := channels.NewWorkers()
	rost := roster.New()
	rel := relay.New(quicconn.NewPacingScheduler(time.Millisecond, 4))
	api := httpapi.New(rost, func() string { return *serverName })
	if *apiAddr != "" {
		go func() {
			if err := api.Run(*apiAddr); err != nil {
				slog.Warn("http api stopped", "err", err)
			}
		}()
	}

	go drainNetworkDebug(workers.NetworkDebug)
	go logStats(ctx, rost, 10*time.Second)

	var nextID uint64
	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("accept", "err", err)
			continue
		}
		nextID++
		id := nextID
		go handleConnection(ctx, id, conn, rost, rel, workers, *pingInterval, *serverName)
	}
}

func mustResolveUDP(addr string) *net.UDPAddr {
	a, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		slog.Error("resolve udp addr", "addr", addr, "err", err)
		os.Exit(1)
	}
	return a
}

func drainNetworkDebug(debug <-chan string) {
	for msg := range debug {
		slog.Debug("network", "msg", msg)
	}
}

// logStats periodically reports the connected client count, adapted from
// the teacher's server/metrics.go ticker loop (there it logs room-wide
// datagram/byte counters; here the comparable counter is roster size,
// since fan-out volume is already visible through relay circuit-breaker
// warnings).
func logStats(ctx context.Context, rost *roster.Roster, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := rost.Count(); n > 0 {
				slog.Info("stats", "clients", n)
			}
		}
	}
}

// handleConnection is the per-connection event goroutine the network
// worker spawns: it accepts the client's main stream, drives the control
// protocol reader, and relays lifecycle transitions onto the roster and
// network-state channel.
func handleConnection(ctx context.Context, id uint64, conn *quic.Conn, rost *roster.Roster, rel *relay.Relay, workers *channels.Workers, pingInterval time.Duration, serverName string) {
	mgr, err := quicconn.NewServerConn(ctx, id, conn, 64*1024)
	if err != nil {
		slog.Warn("accept main stream", "conn", id, "err", err)
		return
	}

	name := "peer-" + uuid.NewString()[:8]
	idx := rost.Add(name)
	defer rost.Remove(idx)

	rel.Register(id, mgr)
	defer rel.Unregister(id)

	reader := protocol.NewReader(mgr)
	pingTicker := time.NewTicker(pingInterval / 4)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = mgr.Close(0, "server shutdown")
			return
		case <-pingTicker.C:
			mgr.SendPingIfNecessary(pingInterval)
		case ev, ok := <-mgr.Events():
			if !ok {
				return
			}
			switch e := ev.(type) {
			case quicconn.Established:
				rost.SetState(idx, channels.StateEstablished)
				hello, _ := protocol.Marshal(protocol.ControlMsg{Type: protocol.TypeServerName, ServerName: serverName})
				_, _ = mgr.StreamReliableSend(hello)
			case quicconn.ReliableReadTarget:
				msg, ok, err := reader.Advance()
				if err != nil {
					slog.Warn("control protocol error", "conn", id, "err", err)
					_ = mgr.Close(1, "protocol error")
					continue
				}
				if ok {
					handleControlMsg(mgr, msg)
				}
			case quicconn.StreamReadable:
				go relayIncomingStream(ctx, id, mgr, e.StreamID, rel)
			case quicconn.Closing:
				rost.SetState(idx, channels.StateDraining)
			case quicconn.Draining:
				rost.SetState(idx, channels.StateDraining)
			case quicconn.Closed:
				rost.SetState(idx, channels.StateClosed)
				return
			}
		}
	}
}

// relayIncomingStream drains one realtime unidirectional stream opened by
// a client (raw Opus frames, one stream_recv call per frame) and fans
// each frame out to every other connected peer via rel.Forward.
func relayIncomingStream(ctx context.Context, senderID uint64, mgr *quicconn.Manager, streamID uint64, rel *relay.Relay) {
	buf := make([]byte, 4096)
	for {
		n, fin, err := mgr.StreamRecv(streamID, buf)
		if n > 0 {
			frame := make([]byte, n)
			copy(frame, buf[:n])
			rel.Forward(ctx, senderID, frame)
		}
		if err != nil || fin {
			return
		}
	}
}

func handleControlMsg(mgr *quicconn.Manager, msg protocol.ControlMsg) {
	switch msg.Type {
	case protocol.TypePing:
		pong, err := protocol.Marshal(protocol.ControlMsg{Type: protocol.TypePong, Timestamp: msg.Timestamp})
		if err != nil {
			return
		}
		_, _ = mgr.StreamReliableSend(pong)
	}
}
