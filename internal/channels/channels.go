// Package channels defines the bounded inter-thread message taxonomy that
// connects the console, network, and audio-output workers. Every channel is
// a plain Go buffered channel; ordering is FIFO per (sender, receiver) pair
// because that is what Go channels already guarantee.
package channels

// Capacities per spec §5: 64 for command/state channels, 256 for debug
// strings.
const (
	CommandCap = 64
	StateCap   = 64
	DebugCap   = 256
)

// OpusData is an owned, opaque Opus payload moved (never shared) between
// workers.
type OpusData []byte

// ConnIndex identifies a connection slot from the console's point of view.
type ConnIndex uint32

// ConnState mirrors the QUIC connection manager's externally observable
// lifecycle (the Established/Draining/Closed events of internal/quicconn)
// for display on the state channel.
type ConnState uint8

const (
	StateHandshaking ConnState = iota
	StateEstablished
	StateDraining
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Command travels console -> network.
type Command interface{ isCommand() }

type CmdStop struct{ Reason uint64 }
type CmdClientStateChange struct{ State uint8 }
type CmdClientServerConnect struct{ Addr string }
type CmdClientMusicTransfer struct{ Data OpusData }
type CmdServerConnectionClose struct{ Index ConnIndex }

func (CmdStop) isCommand()                    {}
func (CmdClientStateChange) isCommand()       {}
func (CmdClientServerConnect) isCommand()     {}
func (CmdClientMusicTransfer) isCommand()     {}
func (CmdServerConnectionClose) isCommand()   {}

// ConnectionSummary is one entry of a ConnectionsRefresh snapshot.
type ConnectionSummary struct {
	Name  string
	State ConnState
}

// NetworkStateMessage travels network -> console.
type NetworkStateMessage interface{ isNetworkState() }

type NetStateServerNameChange struct{ Name string }
type NetStateConnectionsRefresh struct {
	OwnIndex ConnIndex
	List     []ConnectionSummary
}
type NetStateNewConnection struct {
	Name  string
	State ConnState
}
type NetStateStateChange struct {
	Index ConnIndex
	State ConnState
}

func (NetStateServerNameChange) isNetworkState()     {}
func (NetStateConnectionsRefresh) isNetworkState()    {}
func (NetStateNewConnection) isNetworkState()         {}
func (NetStateStateChange) isNetworkState()           {}

// AudioCommand travels console -> audio-output.
type AudioCommand interface{ isAudioCommand() }

type AudioCmdLoadOpus struct{ Data OpusData }
type AudioCmdPlayOpus struct{ ID uint64 }

func (AudioCmdLoadOpus) isAudioCommand() {}
func (AudioCmdPlayOpus) isAudioCommand() {}

// AudioPacket travels network -> audio-output.
type AudioPacket interface{ isAudioPacket() }

type AudioPacketMusic struct {
	Channel uint8
	Bytes   []byte
}
type AudioPacketMusicStop struct{ Channel uint8 }
type AudioPacketVoice struct{ Bytes []byte }

func (AudioPacketMusic) isAudioPacket()     {}
func (AudioPacketMusicStop) isAudioPacket() {}
func (AudioPacketVoice) isAudioPacket()     {}

// AudioStateMessage travels audio-output -> console. Reserved; no variants
// exist in the source system (spec §9 open question), so this is an empty
// interface kept for forward wiring.
type AudioStateMessage interface{ isAudioState() }

// Workers exposes the bounded channel set one worker pair shares. Each
// worker constructs the set it needs and hands the receive half to its
// counterpart; nothing is shared beyond the channels themselves.
type Workers struct {
	Command      chan Command
	NetworkState chan NetworkStateMessage
	NetworkDebug chan string
	AudioCommand chan AudioCommand
	AudioPackets chan AudioPacket
	AudioState   chan AudioStateMessage
	AudioDebug   chan string
}

// NewWorkers allocates every channel at its spec-mandated capacity.
func NewWorkers() *Workers {
	return &Workers{
		Command:      make(chan Command, CommandCap),
		NetworkState: make(chan NetworkStateMessage, StateCap),
		NetworkDebug: make(chan string, DebugCap),
		AudioCommand: make(chan AudioCommand, CommandCap),
		AudioPackets: make(chan AudioPacket, StateCap),
		AudioState:   make(chan AudioStateMessage, StateCap),
		AudioDebug:   make(chan string, DebugCap),
	}
}
