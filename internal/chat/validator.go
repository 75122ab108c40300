package chat

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame size
	MaxTextChars    = 2000 // max character count
)

var (
	ErrEmptyMessage = errors.New("chat: message is empty")
	ErrTooLong      = errors.New("chat: message too long")
	ErrInvalidUTF8  = errors.New("chat: message contains invalid UTF-8")
)

// ValidateMessage checks that an outgoing message meets content requirements.
// Blank content is accepted when an attachment is present. Callers send the
// trimmed content.
func ValidateMessage(content, attachmentRef string) error {
	if strings.TrimSpace(content) == "" {
		if attachmentRef == "" {
			return ErrEmptyMessage
		}
		return nil
	}
	if len(content) > MaxMessageBytes {
		return fmt.Errorf("%w: exceeds %d byte limit", ErrTooLong, MaxMessageBytes)
	}
	if !utf8.ValidString(content) {
		return ErrInvalidUTF8
	}
	if utf8.RuneCountInString(content) > MaxTextChars {
		return fmt.Errorf("%w: exceeds %d character limit", ErrTooLong, MaxTextChars)
	}
	return nil
}
