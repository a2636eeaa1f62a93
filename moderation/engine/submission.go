package engine

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/convoease/convoease/moderation/content"
)

var (
	// Maximum length (in characters) of a text message
	MaxMessageLength = 500
	// Maximum size of an uploaded image or audio file
	MaxMediaBytes = 25 * 1024 * 1024

	ImageFormats = []string{"png", "jpg", "jpeg", "gif", "webp"}
	AudioFormats = []string{"mp3", "wav", "m4a", "ogg", "flac"}
)

var (
	ErrInvalidSubmission = errors.New("invalid submission")
	ErrNilConversation   = errors.New("no conversation")
)

const AnonymousSender = "anonymous"

// A single piece of content offered to a conversation, before moderation.
type Submission struct {
	Sender  string
	Kind    content.Kind
	Payload []byte
	// File format (extension) for media; ignored for text
	Format string
}

func TextSubmission(sender, text string) Submission {
	return Submission{Sender: sender, Kind: content.KindText, Payload: []byte(text)}
}

// Checks input limits, returning a cleaned-up copy of the submission. Errors wrap ErrInvalidSubmission.
func (s Submission) Check() (Submission, error) {
	s.Sender = strings.TrimSpace(s.Sender)
	if s.Sender == "" {
		s.Sender = AnonymousSender
	}

	switch s.Kind {
	case content.KindText:
		text := strings.TrimSpace(string(s.Payload))
		if text == "" {
			return s, fmt.Errorf("%w: empty message", ErrInvalidSubmission)
		}
		if n := utf8.RuneCountInString(text); n > MaxMessageLength {
			return s, fmt.Errorf("%w: message too long: %d characters (max %d)", ErrInvalidSubmission, n, MaxMessageLength)
		}
		s.Payload = []byte(text)
		s.Format = ""
	case content.KindImage, content.KindAudio:
		if len(s.Payload) == 0 {
			return s, fmt.Errorf("%w: empty %s file", ErrInvalidSubmission, s.Kind)
		}
		if len(s.Payload) > MaxMediaBytes {
			return s, fmt.Errorf("%w: %s file too large: %d bytes (max %d)", ErrInvalidSubmission, s.Kind, len(s.Payload), MaxMediaBytes)
		}
		s.Format = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s.Format), "."))
		allowed := ImageFormats
		if s.Kind == content.KindAudio {
			allowed = AudioFormats
		}
		if !slices.Contains(allowed, s.Format) {
			return s, fmt.Errorf("%w: unsupported %s format %q (allowed: %s)", ErrInvalidSubmission, s.Kind, s.Format, strings.Join(allowed, ", "))
		}
	default:
		return s, fmt.Errorf("%w: unknown content kind %q", ErrInvalidSubmission, s.Kind)
	}
	return s, nil
}
