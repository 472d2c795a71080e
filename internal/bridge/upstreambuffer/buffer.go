// Package upstreambuffer accumulates inbound caller audio before it is
// forwarded to the AI leg. Coarser packets perform better against the AI
// provider than raw 20 ms frames; packet size is a single process-wide
// tunable, not a per-call choice (spec.md §9).
package upstreambuffer

import (
	"fmt"
	"sync"

	"github.com/callbridge/voicebridge/internal/bridge/audioformat"
	"github.com/callbridge/voicebridge/internal/bridge/codec"
)

// frameBytes is the size of one inbound telephony frame: 20 ms of 8 kHz
// μ-law audio.
const frameBytes = 160

// Buffer holds inbound μ-law frames in arrival order until a packet's
// worth has accumulated.
type Buffer struct {
	mu           sync.Mutex
	frames       [][]byte
	packetFrames int
}

// New creates a Buffer that becomes Ready once it holds packetFrames 20 ms
// frames (e.g. 10 frames for a 200 ms packet). A non-positive count falls
// back to 10.
func New(packetFrames int) *Buffer {
	if packetFrames <= 0 {
		packetFrames = 10
	}
	return &Buffer{packetFrames: packetFrames}
}

// Write appends one inbound frame in arrival order.
func (b *Buffer) Write(frame []byte) {
	b.mu.Lock()
	b.frames = append(b.frames, frame)
	b.mu.Unlock()
}

// Ready reports whether the buffer holds a full packet (the "instant"
// flush trigger, checked after every Write while the AI socket is open).
func (b *Buffer) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames) >= b.packetFrames
}

// Flush drains and returns the buffered frames in arrival order. An empty
// buffer flushes to nil: a no-op, as required by spec.md §8.
func (b *Buffer) Flush() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.frames) == 0 {
		return nil
	}
	out := b.frames
	b.frames = nil
	return out
}

// ConvertForAI transcodes concatenated μ-law/8kHz caller audio into the
// AI-expected input format learned from its metadata event.
func ConvertForAI(ulaw []byte, target audioformat.Format) ([]byte, error) {
	switch target {
	case audioformat.ULaw8000:
		return ulaw, nil
	case audioformat.PCM16_8000:
		return codec.PCM16Encode(codec.MuLawDecode(ulaw)), nil
	case audioformat.PCM16_16000:
		return codec.PCM16Encode(codec.Upsample8kTo16k(codec.MuLawDecode(ulaw))), nil
	default:
		return nil, fmt.Errorf("upstreambuffer: unsupported AI input format %q", target)
	}
}

// sliceSize is the byte length of one 20ms slice in the given format.
func sliceSize(target audioformat.Format) int {
	switch target {
	case audioformat.ULaw8000:
		return 160
	case audioformat.PCM16_8000:
		return 320
	case audioformat.PCM16_16000:
		return 640
	default:
		return 0
	}
}

// Rechunk concatenates flushed frames, converts them to the AI-expected
// input format, and re-slices the result into 20 ms pieces ready to ship
// as individual user_audio_chunk records. A trailing partial slice (when
// the flushed byte count isn't an exact multiple) is sent as-is: unlike
// telephony-bound frames, upstream chunks carry no fixed-size invariant.
func Rechunk(frames [][]byte, target audioformat.Format) ([][]byte, error) {
	if len(frames) == 0 {
		return nil, nil
	}
	ulaw := make([]byte, 0, len(frames)*frameBytes)
	for _, f := range frames {
		ulaw = append(ulaw, f...)
	}

	converted, err := ConvertForAI(ulaw, target)
	if err != nil {
		return nil, err
	}

	size := sliceSize(target)
	if size <= 0 {
		return nil, fmt.Errorf("upstreambuffer: unknown slice size for format %q", target)
	}

	out := make([][]byte, 0, (len(converted)+size-1)/size)
	for i := 0; i < len(converted); i += size {
		end := i + size
		if end > len(converted) {
			end = len(converted)
		}
		out = append(out, converted[i:end])
	}
	return out, nil
}
