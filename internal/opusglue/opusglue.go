// Package opusglue wraps the Opus codec for the audio-packet boundary
// described in spec.md §4.3: MusicPacket and VoiceData carry raw Opus
// bytes, never PCM, across the audio-packets channel. Decoding happens
// just above internal/audioout, never inside it — the driver only ever
// sees already-decoded float32 samples.
//
// Grounded on the teacher's client/audio.go opusEncoder/opusDecoder usage
// (gopkg.in/hraban/opus.v2), generalized from the teacher's single fixed
// decoder into one decoder per remote sender, keyed the same way
// internal/jitter keys its per-sender ring buffers.
package opusglue

import (
	"fmt"
	"sync"

	"gopkg.in/hraban/opus.v2"
)

// SampleRate is fixed by the audio output driver's negotiated format
// (spec.md §3 Audio endpoint invariant): 48 kHz. The channel count is not a
// constant; NewDecoderPool takes the one the driver reports.
const SampleRate = 48000

// DecoderPool owns one opus.Decoder per remote sender, decoding Opus frames
// into int16 PCM at the driver's negotiated channel count.
type DecoderPool struct {
	mu       sync.Mutex
	channels int
	decoders map[uint64]*opus.Decoder
}

// NewDecoderPool constructs a pool decoding to the given channel count.
func NewDecoderPool(channels int) *DecoderPool {
	return &DecoderPool{
		channels: channels,
		decoders: make(map[uint64]*opus.Decoder),
	}
}

// Decode decodes one Opus frame from senderID into pcm, creating that
// sender's decoder lazily on first use. A nil frame requests packet loss
// concealment (Opus extrapolates from internal state), matching the
// teacher's dec.Decode(nil, pcm) PLC call.
func (p *DecoderPool) Decode(senderID uint64, frame []byte, pcm []int16) (int, error) {
	p.mu.Lock()
	dec, ok := p.decoders[senderID]
	if !ok {
		var err error
		dec, err = opus.NewDecoder(SampleRate, p.channels)
		if err != nil {
			p.mu.Unlock()
			return 0, fmt.Errorf("opusglue: new decoder for sender %d: %w", senderID, err)
		}
		p.decoders[senderID] = dec
	}
	p.mu.Unlock()
	return dec.Decode(frame, pcm)
}

// DecodeFEC recovers a frame from the in-band forward error correction data
// embedded in the following frame, falling back to plain PLC on failure.
func (p *DecoderPool) DecodeFEC(senderID uint64, fecFrame []byte, pcm []int16) (int, error) {
	p.mu.Lock()
	dec, ok := p.decoders[senderID]
	p.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("opusglue: no decoder for sender %d", senderID)
	}
	if err := dec.DecodeFEC(fecFrame, pcm); err != nil {
		return dec.Decode(nil, pcm)
	}
	return len(pcm), nil
}

// Forget drops a sender's decoder, e.g. once the jitter buffer prunes them
// for having gone stale.
func (p *DecoderPool) Forget(senderID uint64) {
	p.mu.Lock()
	delete(p.decoders, senderID)
	p.mu.Unlock()
}

// Count reports how many senders currently have a live decoder, used by the
// periodic pruning pass the teacher's playbackLoop performs.
func (p *DecoderPool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.decoders)
}

// Encoder wraps the local capture path's Opus encoder. Capture-side audio
// is an explicit spec.md Non-goal, so this is kept minimal: it exists only
// to give the music-transfer command path (CmdClientMusicTransfer) a way to
// re-encode staged PCM if a caller ever needs to, not to drive a live mic.
type Encoder struct {
	enc *opus.Encoder
}

// NewEncoder constructs an Opus VoIP encoder at the given channel count,
// mirroring the teacher's bitrate/DTX/FEC defaults.
func NewEncoder(channels, bitrate int) (*Encoder, error) {
	enc, err := opus.NewEncoder(SampleRate, channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("opusglue: new encoder: %w", err)
	}
	if err := enc.SetBitrate(bitrate); err != nil {
		return nil, fmt.Errorf("opusglue: set bitrate: %w", err)
	}
	_ = enc.SetDTX(true)
	_ = enc.SetInBandFEC(true)
	return &Encoder{enc: enc}, nil
}

// Encode encodes one PCM int16 frame into dst, returning the byte count.
func (e *Encoder) Encode(pcm []int16, dst []byte) (int, error) {
	n, err := e.enc.Encode(pcm, dst)
	if err != nil {
		return 0, fmt.Errorf("opusglue: encode: %w", err)
	}
	return n, nil
}
