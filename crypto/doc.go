// Package crypto implements the hybrid encryption primitives used for
// conversation content: authenticated symmetric encryption of message bodies
// and asymmetric wrapping of the short symmetric keys that protect them.
//
// # Symmetric Encryption
//
// Content is sealed with an AEAD suite under a 256-bit key. Every call draws
// a fresh 96-bit nonce and returns the ciphertext, nonce and 128-bit tag as
// separate fields so they can be carried verbatim in the envelope wire format:
//
//	engine, _ := crypto.NewEngine()
//	key, _ := engine.GenerateSymmetricKey()
//	sealed, _ := engine.SymmetricEncrypt([]byte("hello"), key)
//	plaintext, err := engine.SymmetricDecrypt(sealed, key)
//
// Two suites are supported: AES-256-GCM (the default) and ChaCha20-Poly1305
// from golang.org/x/crypto. The suite is recorded on every Sealed value, so
// changing the configured suite never breaks decryption of stored payloads.
//
// # Key Wrapping
//
// Symmetric keys are wrapped for a recipient with RSA-OAEP using SHA-256 for
// the OAEP hash and MGF1 and an empty label. Public keys are PEM encoded
// SubjectPublicKeyInfo; private keys are PEM encoded PKCS #8. Moduli below
// 2048 bits are rejected.
//
//	wrapped, err := engine.Wrap(key, recipientPublicPEM)
//	key, err := engine.Unwrap(wrapped, recipientPrivatePEM)
//
// # Errors
//
// Failures map onto four sentinel errors matched with errors.Is:
//
//   - ErrCryptoFailure: malformed input such as a wrong key length
//   - ErrAuthenticationFailure: the tag did not verify (tampering or wrong key)
//   - ErrInvalidKeyMaterial: a PEM key could not be parsed
//   - ErrUnwrapFailure: a wrapped secret could not be recovered
//
// ErrAuthenticationFailure is never retried with another key by this package.
//
// # Secure Memory
//
// SecureWipe, ZeroBytes and WipeKeyPair overwrite transient key material once
// it is no longer needed: one-time direct message keys, freshly distributed
// conversation keys and handed-out private keys.
//
// # Thread Safety
//
// Engine holds only immutable configuration. A single instance is created per
// process and shared across concurrent requests.
package crypto
