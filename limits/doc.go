// Package limits provides centralized size constants and validation functions
// for message content, stored envelopes and system text. Every component that
// accepts user content validates it here so the ceilings stay consistent.
//
// # Size Hierarchy
//
//   - MaxContentSize (64KB): the largest plaintext a text or media message may
//     carry. Media bodies are references and captions, not the media itself.
//
//   - MaxEnvelopeSize: the largest serialized envelope accepted from storage or
//     the wire: base64 expansion of MaxContentSize plus nonce, tag and framing.
//     EnvelopeSizeFor gives the same bound for a configured content ceiling.
//
//   - MaxSystemText (1KB): the ceiling for plain structured system messages.
//
//   - MaxProcessingBuffer (1MB): the absolute maximum for any operation.
//
// # Validation Functions
//
//	if err := limits.ValidateContent(plaintext, limits.MaxContentSize); err != nil {
//	    // ErrMessageEmpty or ErrMessageTooLarge
//	}
//
// Errors wrap ErrMessageEmpty and ErrMessageTooLarge so callers match them with
// errors.Is.
package limits
