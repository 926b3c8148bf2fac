package chat

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ErrEmptyMessage is returned for text that is empty or only whitespace.
// Callers treat it as a silent no-op, the same way an empty composer is.
var ErrEmptyMessage = errors.New("chat: message text is empty")

// ValidateMessage checks that outgoing text can be sent. Length is not
// limited: a peer stores whatever it receives, so both directions accept
// the same messages.
func ValidateMessage(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("chat: message contains invalid UTF-8")
	}
	return nil
}
