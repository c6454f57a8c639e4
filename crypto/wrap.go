package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// MaxWrapSize returns the longest secret OAEP-SHA256 can wrap under pub.
func MaxWrapSize(pub *rsa.PublicKey) int {
	return pub.Size() - 2*sha256.Size - 2
}

// Wrap encrypts a short secret for the holder of publicKeyPEM using RSA-OAEP
// with SHA-256 for both the OAEP hash and MGF1, and an empty label.
func (e *Engine) Wrap(secret []byte, publicKeyPEM []byte) ([]byte, error) {
	pub, err := ParsePublicKey(publicKeyPEM)
	if err != nil {
		return nil, err
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: empty secret", ErrCryptoFailure)
	}
	if len(secret) > MaxWrapSize(pub) {
		return nil, fmt.Errorf("%w: secret length %d exceeds wrap limit %d", ErrCryptoFailure, len(secret), MaxWrapSize(pub))
	}

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, secret, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: oaep encrypt: %v", ErrCryptoFailure, err)
	}
	return wrapped, nil
}

// Unwrap recovers a secret wrapped by Wrap. A wrong private key or a
// corrupted wrap returns ErrUnwrapFailure.
func (e *Engine) Unwrap(wrapped []byte, privateKeyPEM []byte) ([]byte, error) {
	priv, err := ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	if len(wrapped) != priv.Size() {
		return nil, fmt.Errorf("%w: wrapped length %d, want %d", ErrUnwrapFailure, len(wrapped), priv.Size())
	}

	secret, err := rsa.DecryptOAEP(sha256.New(), nil, priv, wrapped, nil)
	if err != nil {
		NewLogger("Unwrap").WithFields(SecureFieldHash(wrapped, "wrapped")).Debug("OAEP decryption failed")
		return nil, ErrUnwrapFailure
	}
	return secret, nil
}

// ParsePublicKey parses a PEM encoded RSA public key. Both SubjectPublicKeyInfo
// ("PUBLIC KEY") and PKCS #1 ("RSA PUBLIC KEY") blocks are accepted.
func ParsePublicKey(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrInvalidKeyMaterial)
	}

	var pub *rsa.PublicKey
	switch block.Type {
	case "PUBLIC KEY":
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKeyMaterial, err)
		}
		rsaKey, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: public key is %T, not RSA", ErrInvalidKeyMaterial, parsed)
		}
		pub = rsaKey
	case "RSA PUBLIC KEY":
		parsed, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKeyMaterial, err)
		}
		pub = parsed
	default:
		return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrInvalidKeyMaterial, block.Type)
	}

	if pub.N.BitLen() < MinRSABits {
		return nil, fmt.Errorf("%w: rsa modulus %d below minimum %d", ErrInvalidKeyMaterial, pub.N.BitLen(), MinRSABits)
	}
	return pub, nil
}

// ParsePrivateKey parses a PEM encoded RSA private key in PKCS #8
// ("PRIVATE KEY") or PKCS #1 ("RSA PRIVATE KEY") form.
func ParsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrInvalidKeyMaterial)
	}

	switch block.Type {
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKeyMaterial, err)
		}
		priv, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: private key is %T, not RSA", ErrInvalidKeyMaterial, parsed)
		}
		return priv, nil
	case "RSA PRIVATE KEY":
		priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKeyMaterial, err)
		}
		return priv, nil
	default:
		return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrInvalidKeyMaterial, block.Type)
	}
}
