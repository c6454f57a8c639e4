package crypto

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSecureFieldHash(t *testing.T) {
	fields := SecureFieldHash([]byte{0xde, 0xad, 0xbe, 0xef, 1, 2, 3, 4, 5, 6}, "key")
	assert.Equal(t, "deadbeef01020304...", fields["key_preview"])
	assert.Equal(t, 10, fields["key_size"])

	fields = SecureFieldHash([]byte{0xab}, "nonce")
	assert.Equal(t, "ab", fields["nonce_preview"])

	fields = SecureFieldHash(nil, "empty")
	assert.Equal(t, "nil", fields["empty_preview"])
	assert.Equal(t, 0, fields["empty_size"])
}

func TestLoggerHelperFields(t *testing.T) {
	l := NewLogger("Wrap").
		WithField("suite", "aes-256-gcm").
		WithError(errors.New("boom"), "key_error", "parse")

	fields := l.Fields()
	assert.Equal(t, "Wrap", fields["function"])
	assert.Equal(t, "crypto", fields["package"])
	assert.Equal(t, "aes-256-gcm", fields["suite"])
	assert.Equal(t, "boom", fields["error"])
	assert.Equal(t, "key_error", fields["error_type"])
	assert.Equal(t, "parse", fields["operation"])
}

func TestOperationFields(t *testing.T) {
	fields := OperationFields("wrap", "ok", map[string]interface{}{"user": "u1"})
	assert.Equal(t, "wrap", fields["operation"])
	assert.Equal(t, "ok", fields["status"])
	assert.Equal(t, "u1", fields["user"])
}
