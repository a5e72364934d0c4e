package chat

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ErrValidation matches every *ValidationError via errors.Is.
var ErrValidation = errors.New("validation error")

// ValidationError reports why a message was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid message: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// PayloadKind tells which payload a message carries.
type PayloadKind string

const (
	PayloadText  PayloadKind = "text"
	PayloadAudio PayloadKind = "audio"
)

// Message is one timeline entry as delivered by the relay.
// Exactly one of Text and AudioRef is set. Messages are immutable once
// created; an edit arrives as a new message with a new ID.
type Message struct {
	ID        string    `json:"_id"`
	Origin    string    `json:"ip"` // sender identity/IP label
	CreatedAt time.Time `json:"createdAt"`
	Text      string    `json:"text,omitempty"`
	AudioRef  string    `json:"audio,omitempty"`
}

// Kind returns the payload kind, or "" for a malformed message.
func (m Message) Kind() PayloadKind {
	switch {
	case m.Text != "" && m.AudioRef == "":
		return PayloadText
	case m.AudioRef != "" && m.Text == "":
		return PayloadAudio
	}
	return ""
}

// Validate checks a relay-delivered message.
func (m Message) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return &ValidationError{Field: "_id", Reason: "is required"}
	}
	return validatePayload(m.Text, m.AudioRef)
}

// Outgoing is a locally composed message. The relay assigns ID, origin and
// timestamp, so only the payload goes on the wire.
type Outgoing struct {
	Text     string `json:"text,omitempty"`
	AudioRef string `json:"audio,omitempty"`
}

// NewText builds an outgoing text message with surrounding whitespace removed.
func NewText(text string) Outgoing {
	return Outgoing{Text: strings.TrimSpace(text)}
}

// NewAudio builds an outgoing audio-reference message.
func NewAudio(ref string) Outgoing {
	return Outgoing{AudioRef: strings.TrimSpace(ref)}
}

// Validate rejects empty text and anything that is not an absolute
// http(s) audio URL.
func (o Outgoing) Validate() error {
	return validatePayload(o.Text, o.AudioRef)
}

func validatePayload(text, audio string) error {
	hasText := strings.TrimSpace(text) != ""
	hasAudio := strings.TrimSpace(audio) != ""
	switch {
	case !hasText && !hasAudio:
		return &ValidationError{Field: "payload", Reason: "needs text or audio"}
	case hasText && hasAudio:
		return &ValidationError{Field: "payload", Reason: "cannot carry both text and audio"}
	case hasAudio:
		return ValidateAudioRef(audio)
	}
	return nil
}

// ValidateAudioRef accepts absolute http and https URLs only.
func ValidateAudioRef(ref string) error {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return &ValidationError{Field: "audio", Reason: "is not a URL"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ValidationError{Field: "audio", Reason: "must use http or https"}
	}
	if u.Host == "" {
		return &ValidationError{Field: "audio", Reason: "is missing a host"}
	}
	return nil
}
