// Package relay fans realtime audio payloads out to every connected peer
// except the sender, over per-peer unidirectional streams opened with
// quicconn.Manager.OpenUniStream. Grounded on the teacher's
// server/room.go Broadcast (snapshot targets under a read lock, release
// before sending, pool the target slice) and server/client.go's
// sendHealth circuit breaker, re-keyed from the teacher's uint16 client
// id to this system's uint64 connection id and from SendDatagram to a
// paced stream write.
package relay

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"swiftlet/internal/quicconn"
)

// circuitBreakerThreshold and circuitBreakerProbeInterval mirror the
// teacher's datagram fan-out breaker, applied here to per-peer stream
// writes instead of datagrams.
const (
	circuitBreakerThreshold     uint32 = 50
	circuitBreakerProbeInterval uint32 = 25
)

type sendHealth struct {
	failures atomic.Uint32
	skips    atomic.Uint32
}

func (h *sendHealth) shouldSkip() bool {
	if h.failures.Load() < circuitBreakerThreshold {
		return false
	}
	s := h.skips.Add(1)
	return s%circuitBreakerProbeInterval != 0
}

func (h *sendHealth) recordFailure() uint32 {
	return h.failures.Add(1)
}

func (h *sendHealth) recordSuccess() bool {
	wasTripped := h.failures.Swap(0) >= circuitBreakerThreshold
	if wasTripped {
		h.skips.Store(0)
	}
	return wasTripped
}

type peer struct {
	id     uint64
	mgr    *quicconn.Manager
	health sendHealth

	streamMu sync.Mutex
	stream   *quic.SendStream // lazily opened, reused across Forward calls
}

// Relay holds the set of connections eligible for fan-out.
type Relay struct {
	pacer *quicconn.PacingScheduler

	mu    sync.RWMutex
	peers map[uint64]*peer
}

// New returns a Relay that paces consecutive per-peer writes within one
// fan-out round using pacer, honoring the same busy-spin-avoidance intent
// as earliest_send_time pacing in the connection manager's design notes.
func New(pacer *quicconn.PacingScheduler) *Relay {
	return &Relay{pacer: pacer, peers: make(map[uint64]*peer)}
}

// Register makes mgr a fan-out target and eligible sender.
func (r *Relay) Register(id uint64, mgr *quicconn.Manager) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[id] = &peer{id: id, mgr: mgr}
}

// Unregister removes a connection; its cached outbound stream, if any, is
// left to the manager's own Close path.
func (r *Relay) Unregister(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, id)
}

// targetPool provides per-goroutine []*peer slices for Forward, avoiding a
// shared backing array across concurrent fan-outs from different senders.
var targetPool = sync.Pool{
	New: func() any {
		s := make([]*peer, 0, 8)
		return &s
	},
}

// Forward fans data out to every registered peer except senderID. Each
// per-peer write is paced by r.pacer.Wait so a large roster doesn't burst
// the local socket queue all at once.
func (r *Relay) Forward(ctx context.Context, senderID uint64, data []byte) {
	r.mu.RLock()
	sp := targetPool.Get().(*[]*peer)
	targets := (*sp)[:0]
	for id, p := range r.peers {
		if id == senderID {
			continue
		}
		targets = append(targets, p)
	}
	r.mu.RUnlock()

	for _, t := range targets {
		if t.health.shouldSkip() {
			continue
		}
		if r.pacer != nil {
			if err := r.pacer.Wait(ctx); err != nil {
				break
			}
		}
		if err := t.write(ctx, data); err != nil {
			n := t.health.recordFailure()
			if n == circuitBreakerThreshold {
				slog.Warn("relay circuit breaker open", "peer", t.id, "failures", n)
			}
		} else if t.health.recordSuccess() {
			slog.Info("relay circuit breaker closed", "peer", t.id)
		}
	}

	*sp = targets
	targetPool.Put(sp)
}

// write opens the peer's outbound realtime stream on first use and reuses
// it for subsequent frames; a short write deadline keeps one slow peer
// from stalling the whole fan-out round.
func (t *peer) write(ctx context.Context, data []byte) error {
	t.streamMu.Lock()
	defer t.streamMu.Unlock()
	if t.stream == nil {
		s, err := t.mgr.OpenUniStream(ctx)
		if err != nil {
			return err
		}
		t.stream = s
	}
	_ = t.stream.SetWriteDeadline(time.Now().Add(50 * time.Millisecond))
	_, err := t.stream.Write(data)
	_ = t.stream.SetWriteDeadline(time.Time{})
	return err
}
