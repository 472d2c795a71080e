package wire

// Outbound records to the AI provider (§6).

type AIInitiation struct {
	Type                        string                  `json:"type"`
	ConversationInitiationClientData AIInitiationData   `json:"conversation_initiation_client_data"`
}

type AIInitiationData struct {
	DynamicVariables map[string]any `json:"dynamic_variables"`
}

type AIUserAudioChunk struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

type AIControl struct {
	Type string `json:"type"`
}

type AIUserMessage struct {
	Type        string             `json:"type"`
	UserMessage AIUserMessageInner `json:"user_message"`
}

type AIUserMessageInner struct {
	Message string `json:"message"`
}

type AIPong struct {
	Type    string `json:"type"`
	EventID string `json:"event_id"`
}

// SignedURLResponse is the body of the signed-URL HTTP endpoint response.
type SignedURLResponse struct {
	SignedURL string `json:"signed_url"`
}

// Inbound record kinds classified off the AI socket (§4.5). Classify
// distinguishes them by probing known field names rather than requiring a
// single fixed schema, matching the variance documented across AI provider
// variants.
type AIInboundKind int

const (
	AIInboundUnknown AIInboundKind = iota
	AIInboundMetadata
	AIInboundAudio
	AIInboundPing
	AIInboundInterruption
	AIInboundUserTranscript
	AIInboundAgentResponse
	AIInboundError
)

// AIInboundFrame is the result of classifying one inbound AI record.
type AIInboundFrame struct {
	Kind AIInboundKind

	// Populated for AIInboundMetadata.
	InputFormat  string
	OutputFormat string

	// Populated for AIInboundAudio.
	AudioB64 string

	// Populated for AIInboundPing.
	EventID string

	// Populated for AIInboundError.
	ErrorMessage string
}
