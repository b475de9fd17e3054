package convai

// Wire messages for the conversational agent service. The protocol is a
// strict handshake followed by free-form events in both directions:
//
//  1. service -> conversation_initiation_metadata
//  2. client  -> conversation_initiation_client_data
//  3. service -> conversation_initiation_ack or ping (either marks ready)
//  4. every ping is answered with a pong echoing its event id
//
// Nothing may be sent on the user-turn path before step 3 completes.

type serverMessage struct {
	Type string `json:"type"`

	InitiationMetadata *initiationMetadataEvent `json:"conversation_initiation_metadata_event,omitempty"`
	Ping               *pingEvent               `json:"ping_event,omitempty"`
	AgentResponse      *agentResponseEvent      `json:"agent_response_event,omitempty"`
	Audio              *audioEvent              `json:"audio_event,omitempty"`
	Interruption       *interruptionEvent       `json:"interruption_event,omitempty"`
}

type initiationMetadataEvent struct {
	ConversationID        string `json:"conversation_id"`
	AgentOutputAudioFormat string `json:"agent_output_audio_format"` // e.g. "pcm_16000"
}

type pingEvent struct {
	EventID int    `json:"event_id"`
	PingMS  *int   `json:"ping_ms,omitempty"`
}

type agentResponseEvent struct {
	AgentResponse string `json:"agent_response"`
}

type audioEvent struct {
	AudioBase64 string `json:"audio_base_64"`
	EventID     int    `json:"event_id"`
}

type interruptionEvent struct {
	EventID int `json:"event_id"`
}

// clientData carries caller-supplied custom variables in the handshake
type clientData struct {
	Type             string            `json:"type"`
	DynamicVariables map[string]string `json:"dynamic_variables,omitempty"`
}

// pong answers a ping, echoing the event identifier
type pong struct {
	Type    string `json:"type"`
	EventID int    `json:"event_id"`
}

// userMessage is the single canonical turn-submission message
type userMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// contextualUpdate is the side-channel message independent of turn-taking
type contextualUpdate struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// userActivity signals the caller is still interacting (e.g. DTMF press)
type userActivity struct {
	Type string `json:"type"`
}
