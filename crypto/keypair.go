package crypto

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
)

const (
	// sec1UncompressedSize is the length of an uncompressed P-256 point.
	sec1UncompressedSize = 65
	// sessionKeySize is the raw ECDH shared-secret length used as the AES key.
	sessionKeySize = 32
)

var p256Curve = ecdh.P256()

var (
	// ErrInvalidPeerKey indicates the peer public key failed to parse or validate.
	ErrInvalidPeerKey = errors.New("crypto: invalid peer public key")
)

// Keypair holds an ephemeral P-256 private key and its SPKI DER public encoding.
//
// Peers decode the public key with a generic X.509 SubjectPublicKeyInfo reader,
// so the SPKI form is the only one published on the wire.
type Keypair struct {
	private *ecdh.PrivateKey
	spki    []byte
}

// GenerateKeypair creates a random P-256 keypair.
func GenerateKeypair() (*Keypair, error) {
	private, err := p256Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate P-256 private key: %w", err)
	}

	spki, err := x509.MarshalPKIXPublicKey(private.PublicKey())
	if err != nil {
		return nil, fmt.Errorf("encode public key as SPKI: %w", err)
	}

	return &Keypair{private: private, spki: spki}, nil
}

// PublicKeySPKI returns the X.509 SubjectPublicKeyInfo DER encoding of the public key.
func (k *Keypair) PublicKeySPKI() []byte {
	out := make([]byte, len(k.spki))
	copy(out, k.spki)
	return out
}

// PublicKeyBase64 returns the SPKI DER as standard base64, the wire form
// carried in DeviceInfo.key and P2pInfo.key.
func (k *Keypair) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(k.spki)
}

// DeriveSessionKey performs ECDH against a peer public key and returns the
// 32-byte big-endian X coordinate of the shared point.
//
// The raw coordinate is used verbatim as the AES-256 key. Applying a KDF here
// would break interop with the incumbent implementation.
func (k *Keypair) DeriveSessionKey(peerKey []byte) ([]byte, error) {
	peer, err := ParsePublicKey(peerKey)
	if err != nil {
		return nil, err
	}

	shared, err := k.private.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPeerKey, err)
	}
	if len(shared) != sessionKeySize {
		return nil, fmt.Errorf("unexpected shared secret length: got %d want %d", len(shared), sessionKeySize)
	}

	return shared, nil
}

// DeriveSessionKeyBase64 is DeriveSessionKey for a base64-encoded peer key.
func (k *Keypair) DeriveSessionKeyBase64(peerKeyBase64 string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(peerKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("decode peer public key base64: %w", err)
	}
	return k.DeriveSessionKey(raw)
}

// ParsePublicKey decodes a peer P-256 public key.
//
// SPKI DER is the documented wire form. SEC1 uncompressed (65 bytes, 0x04
// prefix) is accepted as a fallback: some Android dialects send the raw point.
func ParsePublicKey(raw []byte) (*ecdh.PublicKey, error) {
	if len(raw) == 0 {
		return nil, ErrInvalidPeerKey
	}

	if raw[0] == 0x30 {
		if key, err := parseSPKI(raw); err == nil {
			return key, nil
		}
	}

	if len(raw) == sec1UncompressedSize && raw[0] == 0x04 {
		key, err := p256Curve.NewPublicKey(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPeerKey, err)
		}
		return key, nil
	}

	key, err := parseSPKI(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPeerKey, err)
	}
	return key, nil
}

func parseSPKI(der []byte) (*ecdh.PublicKey, error) {
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse SPKI: %w", err)
	}

	ecKey, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("SPKI does not contain an EC public key")
	}
	if ecKey.Curve != elliptic.P256() {
		return nil, errors.New("EC public key is not on P-256")
	}

	key, err := ecKey.ECDH()
	if err != nil {
		return nil, fmt.Errorf("convert EC public key: %w", err)
	}
	return key, nil
}
