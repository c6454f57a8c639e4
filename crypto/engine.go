package crypto

import (
	"crypto/rand"
	"fmt"
	"io"
)

// DefaultRSABits is the modulus size used for generated key pairs.
const DefaultRSABits = 2048

// MinRSABits is the smallest modulus accepted for wrapping or generation.
const MinRSABits = 2048

// Sealed is the output of SymmetricEncrypt. Ciphertext has the same length
// as the plaintext; the tag is carried separately.
type Sealed struct {
	Ciphertext []byte
	Nonce      []byte
	Tag        []byte
	Suite      Suite
}

// Engine provides the hybrid encryption primitives. It holds only immutable
// configuration and is safe for concurrent use.
type Engine struct {
	suite   Suite
	rsaBits int
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithSuite selects the AEAD suite used for new payloads.
func WithSuite(s Suite) EngineOption {
	return func(e *Engine) { e.suite = s }
}

// WithRSABits sets the modulus size of generated key pairs.
func WithRSABits(bits int) EngineOption {
	return func(e *Engine) { e.rsaBits = bits }
}

// NewEngine creates an Engine. The default is AES-256-GCM with 2048-bit RSA.
func NewEngine(opts ...EngineOption) (*Engine, error) {
	e := &Engine{suite: SuiteAES256GCM, rsaBits: DefaultRSABits}
	for _, opt := range opts {
		opt(e)
	}

	suite, err := ParseSuite(string(e.suite))
	if err != nil {
		return nil, err
	}
	e.suite = suite

	if e.rsaBits < MinRSABits {
		return nil, fmt.Errorf("%w: rsa modulus %d below minimum %d", ErrCryptoFailure, e.rsaBits, MinRSABits)
	}

	NewLogger("NewEngine").WithFields(OperationFields("configure", "ok")).
		WithField("suite", string(e.suite)).
		WithField("rsa_bits", e.rsaBits).
		Debug("Encryption engine configured")
	return e, nil
}

// Suite returns the suite used for new payloads.
func (e *Engine) Suite() Suite {
	return e.suite
}

// GenerateSymmetricKey returns a fresh uniformly random 256-bit key.
func (e *Engine) GenerateSymmetricKey() ([]byte, error) {
	key := make([]byte, SymmetricKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("%w: failed to generate key: %v", ErrCryptoFailure, err)
	}
	return key, nil
}

// SymmetricEncrypt encrypts plaintext under key with a fresh random nonce
// and no associated data.
func (e *Engine) SymmetricEncrypt(plaintext, key []byte) (*Sealed, error) {
	aead, err := newAEAD(e.suite, key)
	if err != nil {
		NewLogger("SymmetricEncrypt").WithError(err, "key_error", "new_aead").Error("Cannot build cipher")
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: failed to generate nonce: %v", ErrCryptoFailure, err)
	}

	out := aead.Seal(nil, nonce, plaintext, nil)
	split := len(out) - aead.Overhead()

	return &Sealed{
		Ciphertext: out[:split:split],
		Nonce:      nonce,
		Tag:        out[split:],
		Suite:      e.suite,
	}, nil
}

// SymmetricDecrypt reverses SymmetricEncrypt using the suite recorded in
// sealed. A tag mismatch returns ErrAuthenticationFailure; malformed input
// returns ErrCryptoFailure.
func (e *Engine) SymmetricDecrypt(sealed *Sealed, key []byte) ([]byte, error) {
	if sealed == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrCryptoFailure)
	}

	aead, err := newAEAD(sealed.Suite, key)
	if err != nil {
		return nil, err
	}
	if len(sealed.Nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: nonce length %d, want %d", ErrCryptoFailure, len(sealed.Nonce), aead.NonceSize())
	}
	if len(sealed.Tag) != aead.Overhead() {
		return nil, fmt.Errorf("%w: tag length %d, want %d", ErrCryptoFailure, len(sealed.Tag), aead.Overhead())
	}

	buf := make([]byte, 0, len(sealed.Ciphertext)+len(sealed.Tag))
	buf = append(buf, sealed.Ciphertext...)
	buf = append(buf, sealed.Tag...)

	plaintext, err := aead.Open(nil, sealed.Nonce, buf, nil)
	if err != nil {
		NewLogger("SymmetricDecrypt").
			WithFields(SecureFieldHash(sealed.Nonce, "nonce")).
			WithField("suite", string(sealed.Suite.normalize())).
			Warn("Authentication tag did not verify")
		return nil, ErrAuthenticationFailure
	}
	return plaintext, nil
}
