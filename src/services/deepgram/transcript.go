package deepgram

import (
	"strings"
	"sync"
)

// TranscriptBuffer accumulates recognized text for one utterance. Finalized
// text only grows until a flush resets it; pending text is the latest
// revisable partial and each update replaces the previous one.
type TranscriptBuffer struct {
	mu        sync.Mutex
	finalized strings.Builder
	pending   string
}

// NewTranscriptBuffer creates an empty transcript buffer
func NewTranscriptBuffer() *TranscriptBuffer {
	return &TranscriptBuffer{}
}

// AppendFinal appends confirmed text. The partial it supersedes is dropped.
func (b *TranscriptBuffer) AppendFinal(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if text == "" {
		return
	}
	if b.finalized.Len() > 0 {
		b.finalized.WriteString(" ")
	}
	b.finalized.WriteString(text)
	b.pending = ""
}

// SetPending replaces the provisional text with the newest partial
func (b *TranscriptBuffer) SetPending(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = text
}

// View returns the current finalized+pending text, the partial-update
// payload emitted after every token batch
func (b *TranscriptBuffer) View() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pending == "" {
		return b.finalized.String()
	}
	if b.finalized.Len() == 0 {
		return b.pending
	}
	return b.finalized.String() + " " + b.pending
}

// Flush returns the trimmed finalized text and resets both fields.
// ok is false when there was nothing confirmed to emit; the reset
// happens regardless.
func (b *TranscriptBuffer) Flush() (text string, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	text = strings.TrimSpace(b.finalized.String())
	b.finalized.Reset()
	b.pending = ""
	return text, text != ""
}

// Empty reports whether neither finalized nor pending text is buffered
func (b *TranscriptBuffer) Empty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.finalized.Len() == 0 && b.pending == ""
}
