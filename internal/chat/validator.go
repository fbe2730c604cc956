package chat

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame payload
	MaxTextChars    = 2000 // max character count
)

// ErrEmpty is returned for messages that contain nothing to send.
var ErrEmpty = errors.New("chat: message text is empty")

// ValidateMessage checks that chat content meets the server's requirements
// before it is put on the wire.
func ValidateMessage(text string) error {
	if len(text) == 0 {
		return ErrEmpty
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("chat: message exceeds %d byte limit", MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("chat: message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("chat: message exceeds %d character limit", MaxTextChars)
	}
	return nil
}
