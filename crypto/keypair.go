package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// KeyPair is a PEM encoded RSA key pair. Private is PKCS #8 and Public is
// SubjectPublicKeyInfo.
type KeyPair struct {
	Private []byte
	Public  []byte
}

// GenerateKeyPair creates a new RSA key pair of the configured size. The
// caller owns the private half and should wipe it with WipeKeyPair once it
// has been handed out.
func (e *Engine) GenerateKeyPair() (*KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, e.rsaBits)
	if err != nil {
		return nil, fmt.Errorf("%w: generate rsa key: %v", ErrCryptoFailure, err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal private key: %v", ErrCryptoFailure, err)
	}
	defer ZeroBytes(privDER)

	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal public key: %v", ErrCryptoFailure, err)
	}

	kp := &KeyPair{
		Private: pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}),
		Public:  pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}),
	}

	NewLogger("GenerateKeyPair").
		WithFields(SecureFieldHash(pubDER, "public_key")).
		WithField("rsa_bits", e.rsaBits).
		Debug("Generated key pair")
	return kp, nil
}

var fingerprintLabel = []byte("sealchat conversation key fingerprint v1")

// KeyFingerprint derives a non-reversible identifier for a shared key so
// a caller-supplied key can be checked against the distributed one.
func KeyFingerprint(key []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(fingerprintLabel)
	return mac.Sum(nil)
}

// VerifyKeyFingerprint reports whether key matches fingerprint in constant time.
func VerifyKeyFingerprint(key, fingerprint []byte) bool {
	if len(key) != SymmetricKeySize || len(fingerprint) == 0 {
		return false
	}
	return hmac.Equal(KeyFingerprint(key), fingerprint)
}
