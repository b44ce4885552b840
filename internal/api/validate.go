package api

import (
	"fmt"
	"unicode/utf8"
)

const (
	MaxContentBytes = 4096 // max serialized content size
	MaxContentChars = 2000 // max character count
)

// validateContent checks message content limits. File-only messages carry
// empty content and are validated by the handler instead.
func validateContent(content string) error {
	if len(content) > MaxContentBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxContentBytes)
	}
	if utf8.RuneCountInString(content) > MaxContentChars {
		return fmt.Errorf("message exceeds %d character limit", MaxContentChars)
	}
	if !utf8.ValidString(content) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	return nil
}
