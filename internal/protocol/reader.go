package protocol

import "fmt"

// connManager is the subset of *quicconn.Manager the reader drives. Declared
// here (rather than importing quicconn) so this package stays a leaf with no
// dependency on the transport it is framed over.
type connManager interface {
	SetNextReadTarget(n int)
	StreamReliableRead(out []byte) (n int, owned []byte)
}

// Reader drives the header-then-body read-target cycle described in
// spec.md §6: "setting the read target to the header size, reading it,
// then setting the body size." One Reader is owned by the goroutine that
// services a single connection's ReliableReadTarget events.
type Reader struct {
	conn connManager

	awaitingBody bool
	headerBuf    [HeaderSize]byte
}

// NewReader constructs a Reader and arms the first read target (the
// header). Call Advance once per observed ReliableReadTarget event.
func NewReader(conn connManager) *Reader {
	r := &Reader{conn: conn}
	conn.SetNextReadTarget(HeaderSize)
	return r
}

// Advance should be called each time the connection reports
// ReliableReadTarget. It returns a decoded ControlMsg once a full
// header+body cycle completes, or ok=false while still mid-header or
// mid-body.
func (r *Reader) Advance() (msg ControlMsg, ok bool, err error) {
	if !r.awaitingBody {
		n, owned := r.conn.StreamReliableRead(r.headerBuf[:])
		var hdr []byte
		if owned != nil {
			hdr = owned
		} else {
			hdr = r.headerBuf[:n]
		}
		bodyLen, derr := DecodeHeader(hdr)
		if derr != nil {
			return ControlMsg{}, false, derr
		}
		r.awaitingBody = true
		r.conn.SetNextReadTarget(bodyLen)
		if bodyLen == 0 {
			return r.finishBody(nil)
		}
		return ControlMsg{}, false, nil
	}

	out := make([]byte, 0)
	n, owned := r.conn.StreamReliableRead(out)
	if owned != nil {
		return r.finishBody(owned)
	}
	if n > 0 {
		return ControlMsg{}, false, fmt.Errorf("protocol: body read into zero-length buffer returned %d", n)
	}
	return ControlMsg{}, false, nil
}

func (r *Reader) finishBody(body []byte) (ControlMsg, bool, error) {
	r.awaitingBody = false
	r.conn.SetNextReadTarget(HeaderSize)
	msg, err := UnmarshalBody(body)
	if err != nil {
		return ControlMsg{}, false, err
	}
	return msg, true, nil
}
