// Package codec implements the pure audio transforms the bridge needs to
// move caller audio between the telephony provider's μ-law/8kHz wire format
// and whatever PCM16 format the AI provider negotiates. Every function here
// is pure and stateless: no function in this package retains state across
// calls, so it is safe to share across every Call the bridge handles.
package codec

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// muLawExpLUT maps the top byte of a biased, clipped magnitude (bits 7..14)
// to its μ-law exponent (0..7): the position of its highest set bit, or 0
// for an all-zero byte. This is the standard ITU-T G.711 encode table.
var muLawExpLUT = buildExpLUT()

func buildExpLUT() [256]byte {
	var t [256]byte
	for i := 1; i < 256; i++ {
		exp := 0
		for v := i; v > 1; v >>= 1 {
			exp++
		}
		t[i] = byte(exp)
	}
	return t
}

// MuLawDecode converts a slice of μ-law encoded bytes into linear PCM16
// samples, one sample per input byte.
func MuLawDecode(b []byte) []int16 {
	out := make([]int16, len(b))
	for i, v := range b {
		out[i] = muLawDecodeByte(v)
	}
	return out
}

func muLawDecodeByte(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := b & 0x0F

	// The encoded mantissa omits the implicit leading one of the original
	// magnitude's top byte, and drops the bits below the quantization step;
	// reinsert both to get the exact inverse of MuLawEncode's exponent/
	// mantissa extraction.
	magnitude := (int32(mantissa)<<1 + 33) << (exponent + 2)
	sample := magnitude - mulawBias

	if sign != 0 {
		sample = -sample
	}
	return int16(sample)
}

// MuLawEncode converts linear PCM16 samples into μ-law encoded bytes, one
// byte per input sample.
func MuLawEncode(samples []int16) []byte {
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = muLawEncodeSample(s)
	}
	return out
}

func muLawEncodeSample(sample int16) byte {
	sign := byte(0)
	s := int32(sample)
	if s < 0 {
		sign = 0x80
		s = -s
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	exponent := muLawExpLUT[(s>>7)&0xFF]
	mantissa := byte((s >> (uint(exponent) + 3)) & 0x0F)
	encoded := sign | exponent<<4 | mantissa
	return ^encoded
}

// Upsample8kTo16k converts an 8kHz PCM16 stream to 16kHz by holding each
// sample for two output samples (zero-order hold). The caller audio never
// gains information this way, but it lets the rest of the pipeline treat
// the AI leg's sample rate uniformly.
func Upsample8kTo16k(samples []int16) []int16 {
	out := make([]int16, len(samples)*2)
	for i, s := range samples {
		out[2*i] = s
		out[2*i+1] = s
	}
	return out
}

// Downsample16kTo8k converts a 16kHz PCM16 stream to 8kHz by dropping every
// second sample. A trailing odd sample with no pair is dropped.
func Downsample16kTo8k(samples []int16) []int16 {
	out := make([]int16, len(samples)/2)
	for i := range out {
		out[i] = samples[2*i]
	}
	return out
}
