// Package pacer splits AI-leg audio into 20 ms telephony frames and stamps
// them with the Call's monotonic sequencing fields. It holds no state of
// its own: Counters is an explicit argument, owned by the Call (spec: "the
// Call owns both sockets and all timers exclusively; codec and pacer are
// pure and stateless across calls").
package pacer

import (
	"encoding/base64"
	"fmt"
	"strconv"

	"github.com/callbridge/voicebridge/internal/bridge/audioformat"
	"github.com/callbridge/voicebridge/internal/bridge/codec"
	"github.com/callbridge/voicebridge/internal/bridge/wire"
)

func encodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// FrameBytes is the size of one outbound telephony frame: 20 ms of 8 kHz
// μ-law audio.
const FrameBytes = 160

// muLawSilence is the μ-law encoding of a zero-amplitude sample, used to pad
// a trailing partial frame so every outbound frame is exactly FrameBytes
// (invariant I1).
const muLawSilence = 0xFF

// Counters holds a Call's outbound sequencing state. The zero value starts
// a Call at seq=1, chunk=1, tsMs=0 on the first Next call, matching the
// happy-path scenario (seq=1..40, tsMs=0,20,...,780).
type Counters struct {
	seq, chunk, tsMs int64
}

// Next advances the counters and returns the values to stamp on the next
// outbound frame. seq and chunk increase by 1; tsMs increases by 20.
func (c *Counters) Next() (seq, chunk, tsMs int64) {
	c.seq++
	c.chunk++
	seq, chunk, tsMs = c.seq, c.chunk, c.tsMs
	c.tsMs += 20
	return
}

// Slice converts an AI-leg audio payload into a sequence of 160-byte μ-law
// frames ready for telephony playback.
func Slice(format audioformat.Format, payload []byte) ([][]byte, error) {
	var ulaw []byte
	switch format {
	case audioformat.ULaw8000:
		ulaw = payload
	case audioformat.PCM16_8000:
		ulaw = codec.MuLawEncode(codec.PCM16Decode(payload))
	case audioformat.PCM16_16000:
		samples := codec.PCM16Decode(payload)
		ulaw = codec.MuLawEncode(codec.Downsample16kTo8k(samples))
	default:
		return nil, fmt.Errorf("pacer: unsupported AI output format %q", format)
	}

	if len(ulaw) == 0 {
		return nil, nil
	}

	frames := make([][]byte, 0, (len(ulaw)+FrameBytes-1)/FrameBytes)
	for i := 0; i < len(ulaw); i += FrameBytes {
		end := i + FrameBytes
		frame := make([]byte, FrameBytes)
		if end > len(ulaw) {
			end = len(ulaw)
			for j := range frame {
				frame[j] = muLawSilence
			}
		}
		copy(frame, ulaw[i:end])
		frames = append(frames, frame)
	}
	return frames, nil
}

// Pace slices payload and stamps each resulting frame with the Call's next
// counters, returning one media record and one mark record per frame in
// send order.
func Pace(counters *Counters, streamSid string, format audioformat.Format, payload []byte) ([]any, error) {
	frames, err := Slice(format, payload)
	if err != nil {
		return nil, err
	}

	out := make([]any, 0, len(frames)*2)
	for _, frame := range frames {
		seq, chunk, tsMs := counters.Next()
		out = append(out, wire.TelephonyMediaOut{
			Event:          "media",
			StreamSid:      streamSid,
			SequenceNumber: strconv.FormatInt(seq, 10),
			Media: wire.TelephonyMediaOutInner{
				Track:     "outbound",
				Chunk:     strconv.FormatInt(chunk, 10),
				Timestamp: strconv.FormatInt(tsMs, 10),
				Payload:   encodeBase64(frame),
			},
		})
		out = append(out, wire.TelephonyMarkOut{
			Event:     "mark",
			StreamSid: streamSid,
			Mark:      wire.TelephonyMarkOutInner{Name: fmt.Sprintf("chunk-%d", chunk)},
		})
	}
	return out, nil
}
