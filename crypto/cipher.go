package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"fmt"
)

const aes256KeySize = 32

// ctrIV is the fixed counter seed: the ASCII bytes of "0102030405060708".
// The incumbent implementation feeds this literal string to AES/CTR/NoPadding,
// so the IV bytes are 0x30 0x31 0x30 0x32 ... 0x30 0x38, not hex values.
var ctrIV = []byte("0102030405060708")

// Encrypt encrypts plaintext with AES-256-CTR under the fixed IV and returns
// standard base64 with padding.
//
// CTR carries no integrity check; the wire protocol is fixed at
// unauthenticated CTR and any authenticated mode would break interop.
func Encrypt(sessionKey, plaintext []byte) (string, error) {
	stream, err := newCTRStream(sessionKey)
	if err != nil {
		return "", err
	}

	out := make([]byte, len(plaintext))
	stream.XORKeyStream(out, plaintext)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. It fails only on a malformed key or base64;
// corrupted ciphertext decrypts to garbage without error.
func Decrypt(sessionKey []byte, encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext base64: %w", err)
	}

	stream, err := newCTRStream(sessionKey)
	if err != nil {
		return nil, err
	}

	out := make([]byte, len(raw))
	stream.XORKeyStream(out, raw)
	return out, nil
}

func newCTRStream(sessionKey []byte) (cipher.Stream, error) {
	if len(sessionKey) != aes256KeySize {
		return nil, fmt.Errorf("invalid session key length: got %d want %d", len(sessionKey), aes256KeySize)
	}

	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	return cipher.NewCTR(block, ctrIV), nil
}
