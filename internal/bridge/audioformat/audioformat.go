// Package audioformat names the handful of audio encodings the bridge moves
// between the telephony leg and the AI leg of a Call.
package audioformat

// Format is a negotiated audio encoding. The telephony leg is always
// ULaw8000; the AI leg is learned from its metadata event or assumed.
type Format string

const (
	ULaw8000   Format = "ulaw_8000"
	PCM16_8000 Format = "pcm16_8000"
	PCM16_16000 Format = "pcm16_16000"
)

// Parse maps a provider-reported format string to a Format. Unrecognized
// strings report ok=false so callers can fall back to a default rather than
// silently mis-transcode audio.
func Parse(s string) (Format, bool) {
	switch Format(s) {
	case ULaw8000, PCM16_8000, PCM16_16000:
		return Format(s), true
	default:
		return "", false
	}
}
