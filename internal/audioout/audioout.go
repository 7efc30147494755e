// Package audioout implements the exclusive-mode low-latency audio output
// driver described in spec.md §4.2: a pull-based sink that hands the
// application fixed-size, writable slices of interleaved 32-bit float
// samples at a fixed cadence (frame_period).
//
// Substrate: github.com/gordonklaus/portaudio, used with its blocking
// Stream.Write() API — already the teacher's idiom in client/audio.go's
// playbackLoop. This is the Go analogue of the WASAPI
// wait-event -> GetBuffer -> ReleaseBuffer cycle the spec describes:
// portaudio's own ring buffer plays the role of the shared-mode buffer, and
// one blocking Write() call plays the role of one wait_for_next_output +
// GetBuffer/ReleaseBuffer pair. See SPEC_FULL.md §4.2 for the full mapping.
package audioout

import (
	"fmt"
	"log/slog"

	"github.com/gordonklaus/portaudio"
)

// SampleRate is fixed by spec.md §3's Audio endpoint invariant: once
// constructed, sample rate is immutable at 48 kHz, IEEE float.
const SampleRate = 48000

// Callback fills buf (exactly FramePeriod*Channels floats, interleaved)
// with the next period of audio. Returning true requests the event loop
// stop after this buffer is released — the only cancellation path per
// spec.md §4.2 ("the only cancellation path is the callback's quit return
// value; there is no asynchronous interrupt").
type Callback func(buf []float32) (quit bool)

// Endpoint is one OS render session: the negotiated format is immutable
// for the endpoint's lifetime (spec.md §3 Audio endpoint invariant).
type Endpoint struct {
	stream      *portaudio.Stream
	buf         []float32
	channels    int
	framePeriod int

	log *slog.Logger
}

// Params configures endpoint construction. DeviceIndex < 0 means "use the
// default render endpoint for the console role" (spec.md §4.2 step 1);
// portaudio.DefaultOutputDevice plays that role directly, since it is the
// same default-endpoint concept WASAPI's device enumerator exposes.
type Params struct {
	DeviceIndex int
	FramePeriod int // frames exchanged per event; spec.md recommends e.g. 480 (10ms @ 48kHz)
}

// New performs the initialization sequence of spec.md §4.2, steps 1-11,
// against the default output device. Steps that portaudio's
// OpenDefaultStream/OpenStream collapse into one call are named below so a
// reader can map each spec step to the code that subsumes it:
//
//  1. Resolve the default render endpoint  -> resolveDevice
//  2. Activate an audio client interface    -> portaudio.OpenStream itself
//  3. Stream category / offload capability  -> not exposed by portaudio;
//     portaudio's host APIs pick a low-latency path via DefaultLowOutputLatency
//  4-6. Mixer format negotiation, coercion to IEEE float / 48kHz / block
//     align, and shared-mode validation -> portaudio.StreamParameters with
//     SampleRate: 48000; the []float32 buffer passed to OpenStream selects
//     the paFloat32 sample format
//  7. Shared-mode engine period vs frame_period -> FramesPerBuffer: framePeriod
//  8. Initialize the stream with event-callback semantics -> OpenStream
//     (portaudio's blocking-API stream still runs an internal callback
//     thread that signals buffer availability; Stream.Write is the
//     analogue of waiting on that event and then calling GetBuffer)
//  9. Acquire render-client / volume interfaces -> *portaudio.Stream's
//     Write() is the render client; portaudio exposes no volume interface,
//     so none is acquired
//  10. Bind the auto-reset notification event -> internal to portaudio
//  11. Record buffer_size, require buffer_size >= frame_period -> not
//     checked: FramesPerBuffer fixes each exchanged buffer at frame_period
//     frames, and the host's total buffer size is neither queried nor
//     compared against frame_period
//
// Any failure releases all partially acquired handles and returns an error.
func New(p Params) (*Endpoint, error) {
	if p.FramePeriod <= 0 {
		return nil, fmt.Errorf("audioout: frame period must be positive, got %d", p.FramePeriod)
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("audioout: enumerate devices: %w", err)
	}
	dev, err := resolveDevice(devices, p.DeviceIndex)
	if err != nil {
		return nil, fmt.Errorf("audioout: resolve default render endpoint: %w", err)
	}
	if dev.MaxOutputChannels < 1 {
		return nil, fmt.Errorf("audioout: device %q has no output channels", dev.Name)
	}
	channels := dev.MaxOutputChannels
	if channels > 2 {
		// The mixer accepts whatever channel count/mask it reports (spec.md
		// §3 "channels and channel mask are accepted as the mixer
		// reports"), but this system only ever produces mono/stereo
		// content, so cap at stereo rather than rendering into unused
		// surround channels.
		channels = 2
	}

	buf := make([]float32, p.FramePeriod*channels)
	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: channels,
			Latency:  dev.DefaultLowOutputLatency,
		},
		SampleRate:      SampleRate,
		FramesPerBuffer: p.FramePeriod,
	}

	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, fmt.Errorf("audioout: open stream: %w", err)
	}

	e := &Endpoint{
		stream:      stream,
		buf:         buf,
		channels:    channels,
		framePeriod: p.FramePeriod,
		log:         slog.Default().With("component", "audioout"),
	}
	return e, nil
}

// resolveDevice returns the device at idx if valid, otherwise the host's
// default output device (spec.md §4.2 step 1).
func resolveDevice(devices []*portaudio.DeviceInfo, idx int) (*portaudio.DeviceInfo, error) {
	if idx >= 0 && idx < len(devices) {
		return devices[idx], nil
	}
	return portaudio.DefaultOutputDevice()
}

// Channels reports the negotiated channel count.
func (e *Endpoint) Channels() int { return e.channels }

// FramePeriod reports the fixed frames-per-event cadence.
func (e *Endpoint) FramePeriod() int { return e.framePeriod }

// prime clears residual pre-roll by writing one zero-filled buffer before
// entering the steady-state pull loop, per spec.md §4.2 "Priming".
func (e *Endpoint) prime() error {
	for i := range e.buf {
		e.buf[i] = 0
	}
	return e.stream.Write()
}

// Run starts the stream, primes it, and pulls from cb at the negotiated
// frame_period cadence until cb returns quit=true; a failed Start returns
// an error before the loop begins, and write failures do not end it. It
// returns once the loop has stopped and the stream has been stopped
// (spec.md §4.2 "the loop returns the boolean result of stop()").
//
// Buffer-acquisition and transient wait failures are logged and the
// iteration skipped rather than terminating the loop (spec.md §7 "Audio
// wait" / "Audio buffer" error classes) — portaudio's blocking Write
// collapses the wait+GetBuffer+ReleaseBuffer sequence into one call, so
// both failure classes surface as a single Write error here.
func (e *Endpoint) Run(cb Callback) error {
	if err := e.stream.Start(); err != nil {
		return fmt.Errorf("audioout: start: %w", err)
	}
	if err := e.prime(); err != nil {
		e.log.Warn("priming buffer write failed", "err", err)
	}

	for {
		quit := cb(e.buf)
		if err := e.stream.Write(); err != nil {
			// A transient wait/buffer fault: logged, loop continues
			// (spec.md §7 "Audio wait" / "Audio buffer" classes).
			e.log.Warn("buffer write failed, continuing", "err", err)
		}
		if quit {
			break
		}
	}
	return e.Stop()
}

// Stop stops the underlying stream. Safe to call once Run has returned a
// quit signal, or directly to cancel a long-running Run from another
// goroutine is NOT supported (spec.md §4.2: the only cancellation path is
// the callback's quit return value).
func (e *Endpoint) Stop() error {
	if err := e.stream.Stop(); err != nil {
		return fmt.Errorf("audioout: stop: %w", err)
	}
	return nil
}

// Close releases endpoint resources in reverse acquisition order (spec.md
// §4.2 "Shutdown"): portaudio bundles the render client, event handle, and
// audio client behind one Stream.Close() call; Terminate releases the host
// API / enumerator layer and must be called once per process via
// TerminatePortAudio, not per endpoint.
func (e *Endpoint) Close() error {
	if err := e.stream.Close(); err != nil {
		return fmt.Errorf("audioout: close: %w", err)
	}
	return nil
}

// InitializePortAudio and TerminatePortAudio bracket process lifetime; they
// correspond to the device enumerator's COM-apartment init/uninit in the
// WASAPI source (spec.md §4.2 "Shutdown": "enumerator uninitializes the COM
// apartment it initialized").
func InitializePortAudio() error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("audioout: initialize portaudio: %w", err)
	}
	return nil
}

func TerminatePortAudio() error {
	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("audioout: terminate portaudio: %w", err)
	}
	return nil
}
