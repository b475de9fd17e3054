package services

import (
	"context"

	"github.com/vaxel-labs/callbridge-ai/src/processors"
)

// RelayService is the base interface for the engines a call session bridges
// to (speech-to-text, conversational agent). A relay participates in the
// frame pipeline and owns one upstream connection for the call's lifetime.
type RelayService interface {
	processors.FrameProcessor

	// Initialize opens the upstream connection. A handshake or connect
	// timeout here is fatal to the session.
	Initialize(ctx context.Context) error

	// Cleanup closes the upstream connection. Must be safe to call more
	// than once; teardown paths race with error paths.
	Cleanup() error
}

// STTRelay converts caller speech to text and detects utterance boundaries
type STTRelay interface {
	RelayService

	// Finalize forces a transcript flush outside normal endpoint
	// detection, e.g. on an external timeout
	Finalize() error
}

// AgentRelay drives the conversation protocol with the AI agent service
type AgentRelay interface {
	RelayService

	// SendTranscript dispatches one completed user turn. No-op when the
	// handshake has not finished or the text is blank after trimming.
	SendTranscript(text string) error

	// SendContextualUpdate passes a side-channel message to the agent,
	// independent of turn-taking
	SendContextualUpdate(updateType, text string) error

	// SendUserActivity signals caller activity (e.g. a DTMF press) so the
	// agent does not time the conversation out
	SendUserActivity() error
}
