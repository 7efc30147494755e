package quicconn

// Event is the result vocabulary the connection manager reports to the
// network worker, in place of a manual pump's return value: the state
// machine transitions (Established/Closed/Draining/Closing), the read-
// target model's completion signal (ReliableReadTarget), and realtime
// stream notifications (StreamReadable).
type Event interface{ isEvent() }

// Established is emitted exactly once, the moment the handshake completes.
type Established struct{ ID uint64 }

// Closed marks the connection fully torn down; no further events follow.
type Closed struct{ ID uint64 }

// Draining marks the post-close grace period: no new application data is
// exchanged but late in-flight packets are still processed. quic-go does
// not expose a distinct draining phase on its public API the way quiche
// does, so a remote-initiated close goes Established -> Closed directly;
// Draining is only observed following a local Close() call, between the
// call returning and the underlying session context finishing teardown.
type Draining struct{ ID uint64 }

// Closing is emitted once, when recv_data_process analog detects a FIN on
// the main stream and the manager reacts by initiating a local close with
// error code 1, reason "Stream0Finished".
type Closing struct{ ID uint64 }

// ReliableReadTarget is emitted exactly once per SetNextReadTarget call,
// the moment recv_captured reaches recv_target.
type ReliableReadTarget struct{ ID uint64 }

// StreamReadable notifies the application that a realtime unidirectional
// stream has been accepted and is ready for stream_recv pass-through reads.
type StreamReadable struct {
	ID       uint64
	StreamID uint64
}

func (Established) isEvent()        {}
func (Closed) isEvent()             {}
func (Draining) isEvent()           {}
func (Closing) isEvent()            {}
func (ReliableReadTarget) isEvent() {}
func (StreamReadable) isEvent()     {}
