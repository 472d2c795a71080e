package aiconnect

import (
	"encoding/json"
	"strings"

	"github.com/callbridge/voicebridge/internal/bridge/wire"
)

// Classify sniffs one inbound AI record and returns its kind plus whatever
// fields that kind carries. A record whose "type" is not recognized is
// probed for an audio payload; if it carries none it classifies as
// AIInboundUnknown, which the caller drops without logging.
func Classify(raw []byte) wire.AIInboundFrame {
	var msg map[string]json.RawMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return wire.AIInboundFrame{Kind: wire.AIInboundUnknown}
	}

	if errMsg := firstNonEmptyString(msg, "error"); errMsg != "" {
		return wire.AIInboundFrame{Kind: wire.AIInboundError, ErrorMessage: errMsg}
	}

	typ := decodeString(msg["type"])
	switch typ {
	case "conversation_initiation_metadata":
		return classifyMetadata(msg)
	case "ping":
		return wire.AIInboundFrame{Kind: wire.AIInboundPing, EventID: decodeString(msg["event_id"])}
	case "interruption":
		return wire.AIInboundFrame{Kind: wire.AIInboundInterruption}
	case "user_transcript":
		return wire.AIInboundFrame{Kind: wire.AIInboundUserTranscript}
	case "agent_response":
		return wire.AIInboundFrame{Kind: wire.AIInboundAgentResponse}
	case "error":
		errMsg := firstNonEmptyString(msg, "message")
		if errMsg == "" {
			errMsg = firstNonEmptyString(msg, "error")
		}
		return wire.AIInboundFrame{Kind: wire.AIInboundError, ErrorMessage: errMsg}
	}

	if b64 := extractAudioB64(msg); b64 != "" {
		return wire.AIInboundFrame{Kind: wire.AIInboundAudio, AudioB64: b64}
	}

	return wire.AIInboundFrame{Kind: wire.AIInboundUnknown}
}

func classifyMetadata(msg map[string]json.RawMessage) wire.AIInboundFrame {
	var inner struct {
		Metadata struct {
			InputFormat  string `json:"user_input_audio_format"`
			OutputFormat string `json:"agent_output_audio_format"`
		} `json:"conversation_initiation_metadata_event"`
	}
	raw, _ := json.Marshal(msg)
	_ = json.Unmarshal(raw, &inner)
	return wire.AIInboundFrame{
		Kind:         wire.AIInboundMetadata,
		InputFormat:  inner.Metadata.InputFormat,
		OutputFormat: inner.Metadata.OutputFormat,
	}
}

// extractAudioB64 probes the several known shapes a provider variant might
// use to carry an audio payload: a direct "audio" string, or nested under
// audio_event/tts/response/chunk objects.
func extractAudioB64(msg map[string]json.RawMessage) string {
	if s := decodeString(msg["audio"]); s != "" {
		return s
	}
	for _, container := range []string{"audio_event", "tts", "response", "chunk"} {
		raw, ok := msg[container]
		if !ok || len(raw) == 0 {
			continue
		}
		var nested map[string]json.RawMessage
		if err := json.Unmarshal(raw, &nested); err != nil {
			continue
		}
		if s := decodeString(nested["audio_base_64"]); s != "" {
			return s
		}
		if s := decodeString(nested["audio_base64"]); s != "" {
			return s
		}
		if s := decodeString(nested["audio"]); s != "" {
			return s
		}
	}
	return ""
}

func firstNonEmptyString(msg map[string]json.RawMessage, key string) string {
	return decodeString(msg[key])
}

func decodeString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var out string
	if err := json.Unmarshal(raw, &out); err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}
