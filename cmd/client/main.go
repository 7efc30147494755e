// Command client is the console/network/audio-output worker pairing for
// the client role: it dials the server over QUIC, drives the reliable
// control protocol, and pulls decoded audio into the exclusive-mode output
// driver. Grounded on the teacher's client/main.go and client/config.go
// flag-wiring idiom.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"swiftlet/internal/audioout"
	"swiftlet/internal/channels"
	"swiftlet/internal/jitter"
	"swiftlet/internal/opusglue"
	"swiftlet/internal/protocol"
	"swiftlet/internal/quicconn"
)

func main() {
	serverAddr := flag.String("server", "127.0.0.1:4433", "server QUIC address")
	serverName := flag.String("sni", "localhost", "TLS server name for SNI/verification")
	trustAnchor := flag.String("trust-anchor", "server-cert.pem", "path to the server's self-signed certificate")
	idleTimeout := flag.Duration("idle-timeout", 30*time.Second, "QUIC max idle timeout")
	pingInterval := flag.Duration("ping-interval", 10*time.Second, "keepalive PING interval")
	alpn := flag.String("alpn", "swiftlet/1", "ALPN identifier")
	framePeriod := flag.Int("frame-period", 480, "audio frames exchanged per event (480 = 10ms @ 48kHz)")
	flag.Parse()

	if err := audioout.InitializePortAudio(); err != nil {
		slog.Error("init portaudio", "err", err)
		os.Exit(1)
	}
	defer audioout.TerminatePortAudio()

	policy := quicconn.Policy{
		ALPNs:             []string{*alpn},
		TrustAnchorPath:   *trustAnchor,
		IdleTimeout:       *idleTimeout,
		MaxUDPPayloadSize: 1350,
		ReliableWindow:    1 << 20,
		UnreliableWindow:  1 << 18,
		KeepAlivePeriod:   *pingInterval,
	}
	tlsConf, err := quicconn.ClientTLSConfig(policy, *serverName)
	if err != nil {
		slog.Error("build client TLS config", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		cancel()
	}()

	mgr, err := quicconn.NewClientConn(ctx, 1, *serverAddr, tlsConf, policy.QUICConfig(), 64*1024)
	if err != nil {
		slog.Error("connect", "addr", *serverAddr, "err", err)
		os.Exit(1)
	}
	slog.Info("connecting", "addr", *serverAddr)

	workers := channels.NewWorkers()
	ep, err := audioout.New(audioout.Params{DeviceIndex: -1, FramePeriod: *framePeriod})
	if err != nil {
		slog.Error("open audio output", "err", err)
		os.Exit(1)
	}
	defer ep.Close()

	decoders := opusglue.NewDecoderPool(ep.Channels())
	jb := jitter.New(3, *framePeriod)

	go pullAudioPackets(ctx, workers.AudioPackets, jb)
	go runNetworkLoop(ctx, mgr, *pingInterval, workers.AudioPackets)

	slog.Info("starting audio output", "frame_period", *framePeriod, "channels", ep.Channels())
	if err := ep.Run(renderCallback(ctx, jb, decoders)); err != nil {
		slog.Warn("audio loop stopped", "err", err)
	}
}

// pullAudioPackets drains network-produced audio packets into the jitter
// buffer; it is the sole writer so Push/Pop never race.
func pullAudioPackets(ctx context.Context, packets <-chan channels.AudioPacket, jb *jitter.Buffer) {
	var seq uint16
	for {
		select {
		case <-ctx.Done():
			return
		case pkt := <-packets:
			switch p := pkt.(type) {
			case channels.AudioPacketVoice:
				jb.Push(0, seq, p.Bytes)
				seq++
			case channels.AudioPacketMusic:
				jb.Push(uint64(p.Channel)+1, seq, p.Bytes)
				seq++
			case channels.AudioPacketMusicStop:
				jb.Reset()
			}
		}
	}
}

// renderCallback is invoked once per frame_period by the audio driver's
// pull loop. It never blocks on the network: Pop returns immediately with
// whatever the jitter buffer has already assembled.
func renderCallback(ctx context.Context, jb *jitter.Buffer, decoders *opusglue.DecoderPool) audioout.Callback {
	pcm := make([]int16, 0)
	return func(buf []float32) bool {
		for i := range buf {
			buf[i] = 0
		}
		for _, f := range jb.Pop() {
			if cap(pcm) < len(buf) {
				pcm = make([]int16, len(buf))
			}
			pcm = pcm[:len(buf)]
			n, err := decoders.Decode(f.SenderID, f.OpusData, pcm)
			if err != nil {
				continue
			}
			for i := 0; i < n && i < len(buf); i++ {
				buf[i] += float32(pcm[i]) / 32768.0
			}
		}
		for i := range buf {
			if buf[i] > 1 {
				buf[i] = 1
			} else if buf[i] < -1 {
				buf[i] = -1
			}
		}
		select {
		case <-ctx.Done():
			return true
		default:
			return false
		}
	}
}

func runNetworkLoop(ctx context.Context, mgr *quicconn.Manager, pingInterval time.Duration, packets chan<- channels.AudioPacket) {
	reader := protocol.NewReader(mgr)
	pingTicker := time.NewTicker(pingInterval / 4)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = mgr.Close(0, "client shutdown")
			return
		case <-pingTicker.C:
			mgr.SendPingIfNecessary(pingInterval)
		case ev, ok := <-mgr.Events():
			if !ok {
				return
			}
			switch e := ev.(type) {
			case quicconn.Established:
				slog.Info("connection established", "id", e.ID)
			case quicconn.ReliableReadTarget:
				msg, ok, err := reader.Advance()
				if err != nil {
					slog.Warn("control protocol error", "err", err)
					continue
				}
				if ok {
					slog.Info("control message", "type", msg.Type, "server_name", msg.ServerName)
				}
			case quicconn.StreamReadable:
				go relayIncomingVoice(ctx, mgr, e.StreamID, packets)
			case quicconn.Closed:
				slog.Info("connection closed", "id", e.ID)
				return
			case quicconn.Draining, quicconn.Closing:
				slog.Info("connection draining")
			}
		}
	}
}

// relayIncomingVoice drains one server-relayed realtime stream (raw Opus
// frames, one stream_recv call per frame) into the audio-output worker's
// packet channel, where pullAudioPackets feeds them into the jitter buffer.
func relayIncomingVoice(ctx context.Context, mgr *quicconn.Manager, streamID uint64, packets chan<- channels.AudioPacket) {
	buf := make([]byte, 4096)
	for {
		n, fin, err := mgr.StreamRecv(streamID, buf)
		if n > 0 {
			frame := make([]byte, n)
			copy(frame, buf[:n])
			select {
			case packets <- channels.AudioPacketVoice{Bytes: frame}:
			case <-ctx.Done():
				return
			}
		}
		if err != nil || fin {
			return
		}
	}
}
