package crypto

import "errors"

var (
	// ErrCryptoFailure indicates malformed input to a primitive: a wrong key
	// length, a truncated nonce or tag, or a secret too long to wrap.
	ErrCryptoFailure = errors.New("crypto failure")

	// ErrAuthenticationFailure indicates the authentication tag did not
	// verify. The ciphertext was tampered with or the key is wrong.
	ErrAuthenticationFailure = errors.New("authentication failure")

	// ErrInvalidKeyMaterial indicates a public or private key could not be parsed.
	ErrInvalidKeyMaterial = errors.New("invalid key material")

	// ErrUnwrapFailure indicates a wrapped secret could not be recovered with
	// the supplied private key.
	ErrUnwrapFailure = errors.New("unwrap failure")
)
