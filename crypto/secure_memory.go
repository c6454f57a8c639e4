package crypto

import (
	"errors"
	"runtime"
)

// ErrNilBuffer is returned when asked to wipe a nil buffer.
var ErrNilBuffer = errors.New("cannot wipe nil buffer")

// SecureWipe zeroes key material in place.
func SecureWipe(data []byte) error {
	if data == nil {
		return ErrNilBuffer
	}
	clear(data)
	runtime.KeepAlive(data)
	return nil
}

// ZeroBytes wipes every buffer given, skipping nil ones. One-time message
// keys and unwrapped conversation keys go through here once used.
func ZeroBytes(buffers ...[]byte) {
	for _, b := range buffers {
		if b != nil {
			_ = SecureWipe(b)
		}
	}
}

// WipeKeyPair erases the PEM private half after it has been handed to its
// owner. The public half is left intact for storage.
func WipeKeyPair(kp *KeyPair) error {
	if kp == nil {
		return errors.New("cannot wipe nil KeyPair")
	}
	return SecureWipe(kp.Private)
}
