package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

var (
	// ErrMalformed is returned when a frame is not valid JSON.
	ErrMalformed = errors.New("malformed")

	// ErrBadShape is returned when a frame is not an object with a string text field.
	ErrBadShape = errors.New("bad-shape")

	// ErrTooLong is returned when the text exceeds the configured length.
	ErrTooLong = errors.New("too-long")
)

// ValidationError reports why an inbound frame was rejected.
type ValidationError struct {
	Reason error
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("message rejected: %v", e.Reason)
	}
	return fmt.Sprintf("message rejected: %v: %s", e.Reason, e.Detail)
}

func (e *ValidationError) Unwrap() error {
	return e.Reason
}

func reject(reason error, detail string) error {
	return &ValidationError{Reason: reason, Detail: detail}
}

// Validator checks inbound frames and scrubs their text before relay.
type Validator struct {
	maxLength int
}

// NewValidator returns a Validator that rejects text longer than maxLength
// characters.
func NewValidator(maxLength int) *Validator {
	return &Validator{maxLength: maxLength}
}

// Validate decodes raw into an InboundMessage. Extra fields are ignored.
func (v *Validator) Validate(raw []byte) (InboundMessage, error) {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return InboundMessage{}, reject(ErrMalformed, err.Error())
	}

	fields, ok := decoded.(map[string]any)
	if !ok {
		return InboundMessage{}, reject(ErrBadShape, "payload is not an object")
	}
	value, ok := fields["text"]
	if !ok {
		return InboundMessage{}, reject(ErrBadShape, "missing text field")
	}
	text, ok := value.(string)
	if !ok {
		return InboundMessage{}, reject(ErrBadShape, "text is not a string")
	}

	if n := utf8.RuneCountInString(text); n > v.maxLength {
		return InboundMessage{}, reject(ErrTooLong, fmt.Sprintf("%d characters, limit %d", n, v.maxLength))
	}

	return InboundMessage{Text: StripScriptTags(text)}, nil
}

var scriptTagReplacer = strings.NewReplacer("<script>", "", "</script>", "")

// StripScriptTags removes literal "<script>" and "</script>" substrings in a
// single pass over s; every other character is kept in order, so text that
// forms a tag only after removal is left alone. It is a textual scrub for
// naive injection into display surfaces and does not sanitize HTML in general:
// attributes, other tags and differently cased tags pass through untouched.
func StripScriptTags(s string) string {
	return scriptTagReplacer.Replace(s)
}

// rejectionReason returns the short label of a validation failure.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrMalformed):
		return ErrMalformed.Error()
	case errors.Is(err, ErrBadShape):
		return ErrBadShape.Error()
	case errors.Is(err, ErrTooLong):
		return ErrTooLong.Error()
	default:
		return "unknown"
	}
}
