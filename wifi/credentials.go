package wifi

import (
	"crypto/rand"
	"fmt"
)

const (
	ssidPrefix     = "DIRECT-"
	ssidSuffixLen  = 6
	pskLength      = 16
	pskAlphabet    = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	hexLowerDigits = "0123456789abcdef"
)

// GenerateSSID returns "DIRECT-" followed by six lowercase hex characters.
func GenerateSSID() (string, error) {
	suffix, err := randomString(hexLowerDigits, ssidSuffixLen)
	if err != nil {
		return "", fmt.Errorf("generate ssid: %w", err)
	}
	return ssidPrefix + suffix, nil
}

// GeneratePSK returns a 16-character alphanumeric passphrase from a
// cryptographic RNG.
func GeneratePSK() (string, error) {
	psk, err := randomString(pskAlphabet, pskLength)
	if err != nil {
		return "", fmt.Errorf("generate psk: %w", err)
	}
	return psk, nil
}

func randomString(alphabet string, length int) (string, error) {
	// Rejection sampling keeps the draw uniform over the alphabet.
	limit := 256 - 256%len(alphabet)
	out := make([]byte, 0, length)
	buf := make([]byte, length*2)

	for len(out) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == length {
				break
			}
		}
	}
	return string(out), nil
}
