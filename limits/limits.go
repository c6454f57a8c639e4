// Package limits provides centralized message size limits.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxContentSize is the default ceiling for plaintext message content.
	MaxContentSize = 64 * 1024

	// NonceSize is the AEAD nonce length carried in every envelope.
	NonceSize = 12

	// TagSize is the AEAD authentication tag length carried in every envelope.
	TagSize = 16

	// EnvelopeFraming is headroom for JSON keys, quoting and the suite name.
	EnvelopeFraming = 256

	// MaxEnvelopeSize bounds a serialized envelope: base64 of content plus
	// nonce and tag, plus framing.
	MaxEnvelopeSize = (MaxContentSize+TagSize+NonceSize+2)/3*4 + EnvelopeFraming

	// MaxSystemText bounds the plain text of a system message.
	MaxSystemText = 1024

	// MaxProcessingBuffer is the absolute maximum for any operation.
	MaxProcessingBuffer = 1024 * 1024
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")
)

// ValidateMessageSize validates a message against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ContentLimit normalizes a configured content ceiling: non-positive values
// fall back to MaxContentSize and nothing exceeds MaxProcessingBuffer.
func ContentLimit(maxSize int) int {
	if maxSize <= 0 {
		return MaxContentSize
	}
	if maxSize > MaxProcessingBuffer {
		return MaxProcessingBuffer
	}
	return maxSize
}

// EnvelopeSizeFor returns the largest serialized envelope that content of
// up to maxContent bytes can produce.
func EnvelopeSizeFor(maxContent int) int {
	maxContent = ContentLimit(maxContent)
	return (maxContent+TagSize+NonceSize+2)/3*4 + EnvelopeFraming
}

// ValidateContent validates plaintext content against ContentLimit(maxSize).
func ValidateContent(content []byte, maxSize int) error {
	maxSize = ContentLimit(maxSize)
	if len(content) == 0 {
		return ErrMessageEmpty
	}
	if len(content) > maxSize {
		return fmt.Errorf("%w: content size %d exceeds limit %d", ErrMessageTooLarge, len(content), maxSize)
	}
	return nil
}

// ValidateEnvelope validates a serialized envelope against MaxEnvelopeSize.
func ValidateEnvelope(envelope []byte) error {
	return ValidateEnvelopeSize(envelope, MaxEnvelopeSize)
}

// ValidateEnvelopeSize validates a serialized envelope against maxSize.
func ValidateEnvelopeSize(envelope []byte, maxSize int) error {
	if len(envelope) == 0 {
		return ErrMessageEmpty
	}
	if len(envelope) > maxSize {
		return fmt.Errorf("%w: envelope size %d exceeds limit %d", ErrMessageTooLarge, len(envelope), maxSize)
	}
	return nil
}

// ValidateSystemText validates system message text against MaxSystemText.
func ValidateSystemText(text string) error {
	if len(text) == 0 {
		return ErrMessageEmpty
	}
	if len(text) > MaxSystemText {
		return fmt.Errorf("%w: system text size %d exceeds limit %d", ErrMessageTooLarge, len(text), MaxSystemText)
	}
	return nil
}
