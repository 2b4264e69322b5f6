package crypto

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"
)

func TestCTRIVIsASCII(t *testing.T) {
	want := []byte{
		0x30, 0x31, 0x30, 0x32, 0x30, 0x33, 0x30, 0x34,
		0x30, 0x35, 0x30, 0x36, 0x30, 0x37, 0x30, 0x38,
	}
	if !bytes.Equal(ctrIV, want) {
		t.Fatalf("IV mismatch: got %x want %x", ctrIV, want)
	}
	if len(ctrIV) != 16 {
		t.Fatalf("IV length %d", len(ctrIV))
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0xAB}, 32)

	cases := [][]byte{
		[]byte("hello"),
		[]byte(""),
		[]byte("中文测试 🎉 mixed unicode"),
		bytes.Repeat([]byte("A"), 10000),
	}
	for _, plaintext := range cases {
		encoded, err := Encrypt(key, plaintext)
		if err != nil {
			t.Fatalf("Encrypt failed: %v", err)
		}
		decoded, err := Decrypt(key, encoded)
		if err != nil {
			t.Fatalf("Decrypt failed: %v", err)
		}
		if !bytes.Equal(decoded, plaintext) {
			t.Fatalf("round trip mismatch for %q", plaintext)
		}
	}
}

func TestEncryptOutputIsStandardBase64(t *testing.T) {
	key := make([]byte, 32)
	encoded, err := Encrypt(key, []byte("some plaintext body"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if _, err := base64.StdEncoding.DecodeString(encoded); err != nil {
		t.Fatalf("output is not standard base64: %v", err)
	}
	if strings.ContainsAny(encoded, "-_") {
		t.Fatalf("output uses URL-safe alphabet: %q", encoded)
	}
}

func TestEncryptIsDeterministic(t *testing.T) {
	// Fixed IV means identical input yields identical ciphertext. That is a
	// wire-contract property, not an accident.
	key := bytes.Repeat([]byte{0x01}, 32)
	first, err := Encrypt(key, []byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	second, err := Encrypt(key, []byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if first != second {
		t.Fatalf("ciphertext not deterministic: %q vs %q", first, second)
	}
}

func TestDecryptRejectsMalformedBase64(t *testing.T) {
	key := make([]byte, 32)
	if _, err := Decrypt(key, "not//valid=base64!!"); err == nil {
		t.Fatal("expected error for malformed base64")
	}
}

func TestEncryptRejectsBadKeySize(t *testing.T) {
	if _, err := Encrypt(make([]byte, 16), []byte("x")); err == nil {
		t.Fatal("expected error for 16-byte key")
	}
}
