package codec

// PCM16Decode converts little-endian 16-bit PCM bytes into samples. A
// trailing odd byte with no pair is dropped.
func PCM16Decode(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(b[2*i]) | int16(b[2*i+1])<<8
	}
	return out
}

// PCM16Encode converts samples into little-endian 16-bit PCM bytes.
func PCM16Encode(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out
}
