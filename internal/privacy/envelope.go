package privacy

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/Prashant7197/Work-Eye-Tracker/internal/keyring"
)

// ErrDecryption is returned when a token fails authentication: tampering,
// a wrong key, or corruption. Decryption fails closed, never returning
// partially recovered plaintext.
var ErrDecryption = errors.New("decryption failed")

// Envelope token layout, versioned so the key material can rotate under
// stored records:
//
//	[0]     format marker (0x01)
//	[1:5]   key version, big endian
//	[5:17]  GCM nonce
//	[17:]   ciphertext + auth tag
const (
	envelopeFormat  byte = 0x01
	envelopeHeader       = 1 + 4
	nonceSize            = 12
	envelopeMinSize      = envelopeHeader + nonceSize + 16 // 16 = GCM tag
)

// SealToken encrypts plaintext under the ring's active key, deriving the
// AEAD key from the record ID so the token is bound to its record.
func SealToken(ring *keyring.Ring, recordID string, plaintext []byte) ([]byte, error) {
	version := ring.Active()
	key, err := ring.RecordKey(version, recordID)
	if err != nil {
		return nil, err
	}

	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	token := make([]byte, envelopeHeader+nonceSize, envelopeHeader+nonceSize+len(plaintext)+aead.Overhead())
	token[0] = envelopeFormat
	binary.BigEndian.PutUint32(token[1:5], version)

	nonce := token[envelopeHeader : envelopeHeader+nonceSize]
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return aead.Seal(token, nonce, plaintext, aad(recordID, version)), nil
}

// OpenToken decrypts a token using the key version embedded in it, which
// may differ from the ring's active version after rotation.
func OpenToken(ring *keyring.Ring, recordID string, token []byte) ([]byte, error) {
	if len(token) < envelopeMinSize || token[0] != envelopeFormat {
		return nil, fmt.Errorf("%w: malformed token", ErrDecryption)
	}

	version := binary.BigEndian.Uint32(token[1:5])
	key, err := ring.RecordKey(version, recordID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}

	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := token[envelopeHeader : envelopeHeader+nonceSize]
	plaintext, err := aead.Open(nil, nonce, token[envelopeHeader+nonceSize:], aad(recordID, version))
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrDecryption)
	}
	return plaintext, nil
}

// TokenVersion extracts the key version a token was sealed under.
func TokenVersion(token []byte) (uint32, error) {
	if len(token) < envelopeMinSize || token[0] != envelopeFormat {
		return 0, fmt.Errorf("%w: malformed token", ErrDecryption)
	}
	return binary.BigEndian.Uint32(token[1:5]), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return aead, nil
}

// aad binds record identity and key version into the authentication tag.
func aad(recordID string, version uint32) []byte {
	out := make([]byte, 0, len(recordID)+5)
	out = append(out, recordID...)
	out = append(out, ':')
	return binary.BigEndian.AppendUint32(out, version)
}
