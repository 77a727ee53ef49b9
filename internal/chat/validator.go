package chat

import (
	"unicode/utf8"

	"github.com/tripsync/sync-server/internal/syncerr"
)

const (
	MaxMessageBytes = 8192 // max text size in bytes
	MaxTextChars    = 4000 // max character count
	MaxAttachments  = 10   // max attachments per message
)

// ValidateMessage checks that a message carries content: non-empty valid text
// or at least one attachment. A message with attachments may have empty text.
func ValidateMessage(text string, attachments []Attachment) error {
	if text == "" && len(attachments) == 0 {
		return syncerr.Validationf("message has no text and no attachments")
	}
	if len(text) > MaxMessageBytes {
		return syncerr.Validationf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return syncerr.Validationf("message exceeds %d character limit", MaxTextChars)
	}
	if !utf8.ValidString(text) {
		return syncerr.Validationf("message contains invalid UTF-8")
	}
	if len(attachments) > MaxAttachments {
		return syncerr.Validationf("message exceeds %d attachment limit", MaxAttachments)
	}
	for _, a := range attachments {
		if a.URL == "" {
			return syncerr.Validationf("attachment has no url")
		}
	}
	return nil
}
