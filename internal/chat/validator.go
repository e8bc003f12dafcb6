package chat

import (
	"fmt"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // matches the WS host's max frame size
	MaxMessageRunes = 2000 // max character count
)

// Validate checks that outgoing message text meets the content rules
// before it is relayed to a pairing's partner.
func Validate(text string) error {
	if len(text) == 0 {
		return fmt.Errorf("chat: message is empty")
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("chat: message exceeds %d byte limit", MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("chat: message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxMessageRunes {
		return fmt.Errorf("chat: message exceeds %d character limit", MaxMessageRunes)
	}
	return nil
}
