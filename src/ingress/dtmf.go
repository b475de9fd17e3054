package ingress

import (
	"strings"
	"sync"
)

// Control digits. Star confirms an identity number, hash requests routing
// to a human. Both clear the buffer.
const (
	DigitConfirm = "*"
	DigitRoute   = "#"
)

// DTMFAccumulator collects the digits a caller pressed during one call.
// The buffer survives until a control digit consumes it or the call ends.
type DTMFAccumulator struct {
	mu     sync.Mutex
	digits strings.Builder
}

// NewDTMFAccumulator creates an empty accumulator
func NewDTMFAccumulator() *DTMFAccumulator {
	return &DTMFAccumulator{}
}

// Append adds one digit (0-9). Control digits and junk are ignored.
func (a *DTMFAccumulator) Append(digit string) {
	if len(digit) != 1 || digit[0] < '0' || digit[0] > '9' {
		return
	}
	a.mu.Lock()
	a.digits.WriteString(digit)
	a.mu.Unlock()
}

// Tail returns the last n buffered digits without consuming them
func (a *DTMFAccumulator) Tail(n int) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.digits.String()
	if len(s) > n {
		s = s[len(s)-n:]
	}
	return s
}

// Len returns the number of buffered digits
func (a *DTMFAccumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.digits.Len()
}

// Clear empties the buffer
func (a *DTMFAccumulator) Clear() {
	a.mu.Lock()
	a.digits.Reset()
	a.mu.Unlock()
}
