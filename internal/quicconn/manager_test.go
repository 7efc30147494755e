package quicconn

import (
	"context"
	"crypto/tls"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"swiftlet/internal/tlsutil"
)

// loopbackPair dials a client connection against an in-process server
// listener on 127.0.0.1, mirroring the end-to-end scenarios in spec §8.
func loopbackPair(t *testing.T, recvCap int) (client, server *Manager, cleanup func()) {
	t.Helper()

	cert, _, err := tlsutil.GenerateCert(time.Hour, "")
	if err != nil {
		t.Fatalf("GenerateCert: %v", err)
	}

	serverTLS := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"swiftlet/1"},
	}
	qconf := &quic.Config{
		MaxIdleTimeout:      5 * time.Second,
		MaxIncomingStreams:  1,
		EnableDatagrams:     true,
	}

	ln, err := quic.ListenAddr("127.0.0.1:0", serverTLS, qconf)
	if err != nil {
		t.Fatalf("ListenAddr: %v", err)
	}

	type acceptResult struct {
		mgr *Manager
		err error
	}
	accepted := make(chan acceptResult, 1)
	go func() {
		conn, err := ln.Accept(context.Background())
		if err != nil {
			accepted <- acceptResult{nil, err}
			return
		}
		mgr, err := NewServerConn(context.Background(), 1, conn, recvCap)
		accepted <- acceptResult{mgr, err}
	}()

	clientTLS := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{"swiftlet/1"},
	}
	clientMgr, err := NewClientConn(context.Background(), 2, ln.Addr().String(), clientTLS, qconf, recvCap)
	if err != nil {
		t.Fatalf("NewClientConn: %v", err)
	}

	res := <-accepted
	if res.err != nil {
		t.Fatalf("NewServerConn: %v", res.err)
	}

	cleanup = func() {
		clientMgr.Close(0, "test done")
		res.mgr.Close(0, "test done")
		ln.Close()
	}
	return clientMgr, res.mgr, cleanup
}

func waitForEvent[T Event](t *testing.T, m *Manager, timeout time.Duration) T {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case e := <-m.Events():
			if v, ok := e.(T); ok {
				return v
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for event %T", zero)
			return zero
		}
	}
}

// Scenario (a): handshake and first read target.
func TestHandshakeAndFirstReadTarget(t *testing.T) {
	client, server, cleanup := loopbackPair(t, 64)
	defer cleanup()

	waitForEvent[Established](t, client, 2*time.Second)
	waitForEvent[Established](t, server, 2*time.Second)

	client.SetNextReadTarget(8)

	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if _, err := server.StreamReliableSend(payload); err != nil {
		t.Fatalf("server send: %v", err)
	}

	waitForEvent[ReliableReadTarget](t, client, 2*time.Second)

	out := make([]byte, 16)
	n, owned := client.StreamReliableRead(out)
	if owned != nil {
		t.Fatalf("expected in-place copy, got detached buffer of len %d", len(owned))
	}
	if n != 8 {
		t.Fatalf("expected 8 bytes, got %d", n)
	}
	for i, b := range payload {
		if out[i] != b {
			t.Errorf("byte %d: got %d, want %d", i, out[i], b)
		}
	}
}

// Scenario (b) analogue: a 32-byte record (within the 64-byte receive
// buffer) arrives in one ReliableReadTarget cycle; the detach path is
// exercised because the caller's 4-byte read buffer is smaller than the
// target.
func TestStreamReliableReadDetachesWhenOutTooSmall(t *testing.T) {
	client, server, cleanup := loopbackPair(t, 64)
	defer cleanup()

	waitForEvent[Established](t, client, 2*time.Second)
	waitForEvent[Established](t, server, 2*time.Second)

	client.SetNextReadTarget(32)
	payload := make([]byte, 32)
	for i := range payload {
		payload[i] = byte(i)
	}
	if _, err := server.StreamReliableSend(payload); err != nil {
		t.Fatalf("server send: %v", err)
	}
	waitForEvent[ReliableReadTarget](t, client, 2*time.Second)

	small := make([]byte, 4)
	n, owned := client.StreamReliableRead(small)
	if n != 0 || owned == nil {
		t.Fatalf("expected detached buffer, got n=%d owned=%v", n, owned)
	}
	if len(owned) != 32 {
		t.Fatalf("detached buffer length: got %d, want 32", len(owned))
	}
	for i, b := range payload {
		if owned[i] != b {
			t.Errorf("byte %d: got %d, want %d", i, owned[i], b)
		}
	}
}

// Scenario (e): a FIN on the main stream is rejected.
func TestMainStreamFinRejected(t *testing.T) {
	client, server, cleanup := loopbackPair(t, 64)
	defer cleanup()

	waitForEvent[Established](t, client, 2*time.Second)
	waitForEvent[Established](t, server, 2*time.Second)

	client.SetNextReadTarget(1)
	// Closing the server's send side of the main stream delivers FIN to the
	// client without any data, which the client-side manager must treat as
	// a protocol violation.
	server.mainStream.Close()

	waitForEvent[Closing](t, client, 2*time.Second)
}

func TestSetNextReadTargetClampsToCapacity(t *testing.T) {
	client, server, cleanup := loopbackPair(t, 8)
	defer cleanup()
	_ = server

	waitForEvent[Established](t, client, 2*time.Second)

	client.SetNextReadTarget(1000)
	client.recvMu.Lock()
	target := client.recvTarget
	client.recvMu.Unlock()
	if target != 8 {
		t.Errorf("expected target clamped to 8, got %d", target)
	}
}

func TestLastSendInstantNeverMovesBackward(t *testing.T) {
	client, server, cleanup := loopbackPair(t, 64)
	defer cleanup()
	_ = server

	waitForEvent[Established](t, client, 2*time.Second)

	first := client.LastSendInstant()
	client.SendPingIfNecessary(0)
	second := client.LastSendInstant()
	if second.Before(first) {
		t.Errorf("last send instant moved backward: %v -> %v", first, second)
	}
}

func TestSendPingIfNecessaryZeroAlwaysFires(t *testing.T) {
	client, server, cleanup := loopbackPair(t, 64)
	defer cleanup()
	_ = server

	waitForEvent[Established](t, client, 2*time.Second)

	for i := 0; i < 3; i++ {
		if !client.SendPingIfNecessary(0) {
			t.Errorf("iteration %d: expected SendPingIfNecessary(0) to fire", i)
		}
	}
}

// Scenario (b): FIFO ordering across two distinct StreamReliableSend calls.
func TestReliableSendFIFOAcrossCalls(t *testing.T) {
	client, server, cleanup := loopbackPair(t, 64)
	defer cleanup()

	waitForEvent[Established](t, client, 2*time.Second)
	waitForEvent[Established](t, server, 2*time.Second)

	v1 := []byte("hello-")
	v2 := []byte("world!")
	if _, err := server.StreamReliableSend(v1); err != nil {
		t.Fatalf("send v1: %v", err)
	}
	if _, err := server.StreamReliableSend(v2); err != nil {
		t.Fatalf("send v2: %v", err)
	}

	client.SetNextReadTarget(len(v1) + len(v2))
	waitForEvent[ReliableReadTarget](t, client, 2*time.Second)

	out := make([]byte, len(v1)+len(v2))
	n, owned := client.StreamReliableRead(out)
	if owned != nil {
		out = owned
	} else if n != len(out) {
		t.Fatalf("expected %d bytes, got %d", len(out), n)
	}
	want := string(v1) + string(v2)
	if string(out) != want {
		t.Fatalf("got %q, want %q", out, want)
	}
}

// Scenario: an empty payload is a send-queue no-op at the wire level but
// still round-trips through StreamReliableSend without error.
func TestReliableSendEmptyPayloadIsNoop(t *testing.T) {
	client, server, cleanup := loopbackPair(t, 64)
	defer cleanup()
	_ = client

	waitForEvent[Established](t, server, 2*time.Second)

	n, err := server.StreamReliableSend(nil)
	if err != nil {
		t.Fatalf("send empty payload: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 bytes moved for empty payload, got %d", n)
	}
}

// Scenario (c): idle timeout with no traffic closes the connection.
func TestIdleTimeoutClosesConnection(t *testing.T) {
	cert, _, err := tlsutil.GenerateCert(time.Hour, "")
	if err != nil {
		t.Fatalf("GenerateCert: %v", err)
	}
	serverTLS := &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: []string{"swiftlet/1"}}
	qconf := &quic.Config{MaxIdleTimeout: 300 * time.Millisecond, MaxIncomingStreams: 1}

	ln, err := quic.ListenAddr("127.0.0.1:0", serverTLS, qconf)
	if err != nil {
		t.Fatalf("ListenAddr: %v", err)
	}
	defer ln.Close()

	type acceptResult struct {
		mgr *Manager
		err error
	}
	accepted := make(chan acceptResult, 1)
	go func() {
		conn, err := ln.Accept(context.Background())
		if err != nil {
			accepted <- acceptResult{nil, err}
			return
		}
		mgr, err := NewServerConn(context.Background(), 1, conn, 64)
		accepted <- acceptResult{mgr, err}
	}()

	clientTLS := &tls.Config{InsecureSkipVerify: true, NextProtos: []string{"swiftlet/1"}}
	client, err := NewClientConn(context.Background(), 2, ln.Addr().String(), clientTLS, qconf, 64)
	if err != nil {
		t.Fatalf("NewClientConn: %v", err)
	}
	res := <-accepted
	if res.err != nil {
		t.Fatalf("NewServerConn: %v", res.err)
	}
	server := res.mgr

	waitForEvent[Established](t, client, 2*time.Second)
	waitForEvent[Established](t, server, 2*time.Second)

	// No traffic at all; the idle timeout should fire on both ends within
	// a few multiples of MaxIdleTimeout.
	waitForEvent[Closed](t, client, 3*time.Second)
	waitForEvent[Closed](t, server, 3*time.Second)
}

// Scenario (d): a steady keepalive ping well under the idle timeout keeps
// the connection alive past where TestIdleTimeoutClosesConnection would
// have closed it.
func TestKeepaliveSuppressesClose(t *testing.T) {
	cert, _, err := tlsutil.GenerateCert(time.Hour, "")
	if err != nil {
		t.Fatalf("GenerateCert: %v", err)
	}
	serverTLS := &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: []string{"swiftlet/1"}}
	// KeepAlivePeriod below the idle timeout is the real survival mechanism
	// under test here — quic-go, not the manual SendPingIfNecessary ticker
	// below, is what actually keeps the wire busy.
	qconf := &quic.Config{MaxIdleTimeout: 1000 * time.Millisecond, MaxIncomingStreams: 1, KeepAlivePeriod: 400 * time.Millisecond}

	ln, err := quic.ListenAddr("127.0.0.1:0", serverTLS, qconf)
	if err != nil {
		t.Fatalf("ListenAddr: %v", err)
	}
	defer ln.Close()

	type acceptResult struct {
		mgr *Manager
		err error
	}
	accepted := make(chan acceptResult, 1)
	go func() {
		conn, err := ln.Accept(context.Background())
		if err != nil {
			accepted <- acceptResult{nil, err}
			return
		}
		mgr, err := NewServerConn(context.Background(), 1, conn, 64)
		accepted <- acceptResult{mgr, err}
	}()

	clientTLS := &tls.Config{InsecureSkipVerify: true, NextProtos: []string{"swiftlet/1"}}
	client, err := NewClientConn(context.Background(), 2, ln.Addr().String(), clientTLS, qconf, 64)
	if err != nil {
		t.Fatalf("NewClientConn: %v", err)
	}
	res := <-accepted
	if res.err != nil {
		t.Fatalf("NewServerConn: %v", res.err)
	}
	server := res.mgr
	defer func() {
		client.Close(0, "test done")
		server.Close(0, "test done")
	}()

	waitForEvent[Established](t, client, 2*time.Second)
	waitForEvent[Established](t, server, 2*time.Second)

	// Exercises the last_send_instant bookkeeping contract alongside the
	// real keepalive traffic quic-go's KeepAlivePeriod is generating; it is
	// not what keeps this connection open.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				client.SendPingIfNecessary(400 * time.Millisecond)
			}
		}
	}()

	deadline := time.After(2000 * time.Millisecond)
	for {
		select {
		case ev := <-client.Events():
			if _, ok := ev.(Closed); ok {
				t.Fatalf("connection closed before deadline despite keepalive")
			}
			if _, ok := ev.(Closing); ok {
				t.Fatalf("connection entered closing before deadline despite keepalive")
			}
		case <-deadline:
			return
		}
	}
}
