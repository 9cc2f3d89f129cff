package middleware

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxMessageBody is the largest message body accepted, in bytes.
const MaxMessageBody = 10000

// ValidateMessageBody validates message text. The adapter sends text only,
// so an empty or blank body is rejected.
func ValidateMessageBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return errors.New("body cannot be empty")
	}
	if len(body) > MaxMessageBody {
		return errors.New("body exceeds maximum length")
	}
	if !utf8.ValidString(body) {
		return errors.New("body must be valid UTF-8")
	}
	return nil
}

// ValidateID validates a server-assigned id. Server ids are opaque.
func ValidateID(id string) error {
	if id == "" {
		return errors.New("id cannot be empty")
	}
	if len(id) > 128 {
		return errors.New("id exceeds maximum length")
	}
	return nil
}

// ValidateLocalID validates the local id of an unconfirmed message.
func ValidateLocalID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid local message ID format")
	}
	return nil
}
