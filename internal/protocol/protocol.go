// Package protocol supplies the concrete main-stream application framing
// that spec.md §6 leaves as an external collaborator: "a fixed-size header
// followed by a variable body, setting the read target to the header size,
// reading it, then setting the body size." The message shape itself is
// adapted from the teacher's server/protocol.go ControlMsg, trimmed to the
// fields this system's channel taxonomy (internal/channels) actually needs.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// HeaderSize is the fixed-size length header preceding every control
// message body: a 4-byte big-endian body length.
const HeaderSize = 4

// MaxBodySize bounds a single control record so a corrupt or hostile peer
// cannot force an unbounded SetNextReadTarget.
const MaxBodySize = 64 * 1024

// ControlMsg is the JSON body carried by one framed main-stream record.
// Fields mirror the teacher's ControlMsg shape; chat and multi-channel
// fields are dropped (out of this system's scope), music/voice session
// control is added.
type ControlMsg struct {
	Type       string `json:"type"`
	Username   string `json:"username,omitempty"`
	ServerName string `json:"server_name,omitempty"`
	Timestamp  int64  `json:"ts,omitempty"` // ping/pong, Unix ms
	Users      []User `json:"users,omitempty"`
	MusicID    uint64 `json:"music_id,omitempty"`
}

// User is one entry of a user-list control message.
type User struct {
	ID       uint64 `json:"id"`
	Username string `json:"username"`
}

// Control message types.
const (
	TypeHello       = "hello"
	TypeUserList    = "user_list"
	TypeStateChange = "state_change"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeServerName  = "server_name"
	TypePlayMusic   = "play_music"
)

// EncodeHeader writes the 4-byte big-endian body length a reader should
// pass to quicconn.Manager.SetNextReadTarget before reading the body.
func EncodeHeader(bodyLen int) []byte {
	hdr := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(hdr, uint32(bodyLen))
	return hdr
}

// DecodeHeader parses a HeaderSize-byte header into the body length the
// caller should now request via SetNextReadTarget.
func DecodeHeader(hdr []byte) (int, error) {
	if len(hdr) != HeaderSize {
		return 0, fmt.Errorf("protocol: header must be %d bytes, got %d", HeaderSize, len(hdr))
	}
	n := binary.BigEndian.Uint32(hdr)
	if n > MaxBodySize {
		return 0, fmt.Errorf("protocol: body length %d exceeds max %d", n, MaxBodySize)
	}
	return int(n), nil
}

// Marshal frames a ControlMsg as header+body, ready for a single
// StreamReliableSend call (or two consecutive ones; the manager's FIFO send
// queue preserves ordering either way).
func Marshal(msg ControlMsg) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s: %w", msg.Type, err)
	}
	framed := make([]byte, 0, HeaderSize+len(body))
	framed = append(framed, EncodeHeader(len(body))...)
	framed = append(framed, body...)
	return framed, nil
}

// UnmarshalBody parses a control message body once its ReliableReadTarget
// has fired and the bytes have been pulled via StreamReliableRead.
func UnmarshalBody(body []byte) (ControlMsg, error) {
	var msg ControlMsg
	if err := json.Unmarshal(body, &msg); err != nil {
		return ControlMsg{}, fmt.Errorf("protocol: unmarshal body: %w", err)
	}
	return msg, nil
}
