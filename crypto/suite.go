package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Suite names an AEAD construction used for message content.
type Suite string

const (
	// SuiteAES256GCM is AES-256 in Galois/Counter mode. An empty Suite on a
	// sealed payload means this suite.
	SuiteAES256GCM Suite = "aes-256-gcm"

	// SuiteChaCha20Poly1305 is the IETF ChaCha20-Poly1305 construction.
	SuiteChaCha20Poly1305 Suite = "chacha20-poly1305"
)

const (
	// SymmetricKeySize is the key length of every supported suite.
	SymmetricKeySize = 32

	// NonceSize is the nonce length of every supported suite.
	NonceSize = 12

	// TagSize is the authentication tag length of every supported suite.
	TagSize = 16
)

// SupportedSuites lists the suites accepted by NewEngine and SymmetricDecrypt.
var SupportedSuites = []Suite{SuiteAES256GCM, SuiteChaCha20Poly1305}

// ParseSuite converts a configured suite name into a Suite.
func ParseSuite(name string) (Suite, error) {
	s := Suite(name)
	if s == "" {
		return SuiteAES256GCM, nil
	}
	for _, supported := range SupportedSuites {
		if s == supported {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: unsupported suite %q", ErrCryptoFailure, name)
}

// normalize maps the empty suite to the default.
func (s Suite) normalize() Suite {
	if s == "" {
		return SuiteAES256GCM
	}
	return s
}

// newAEAD builds the cipher for a suite after checking the key length.
func newAEAD(suite Suite, key []byte) (cipher.AEAD, error) {
	if len(key) != SymmetricKeySize {
		return nil, fmt.Errorf("%w: key length %d, want %d", ErrCryptoFailure, len(key), SymmetricKeySize)
	}

	switch suite.normalize() {
	case SuiteAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to create cipher: %v", ErrCryptoFailure, err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to create GCM: %v", ErrCryptoFailure, err)
		}
		return gcm, nil
	case SuiteChaCha20Poly1305:
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to create ChaCha20-Poly1305: %v", ErrCryptoFailure, err)
		}
		return aead, nil
	default:
		return nil, fmt.Errorf("%w: unsupported suite %q", ErrCryptoFailure, suite)
	}
}
