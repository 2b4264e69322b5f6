package wire

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/Tinnci/cattysend/crypto"
)

var transferIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{4}$`)

var (
	// ErrBadP2pInfo indicates an invariant violation in a decoded P2pInfo.
	ErrBadP2pInfo = errors.New("wire: invalid p2p info")
)

// P2pInfo carries the hotspot credentials and transfer endpoint exchanged
// over CHAR_P2P. On the wire the JSON document itself is plain; ssid, psk
// and mac each carry an AES-256-CTR ciphertext in base64 (see EncryptFields).
type P2pInfo struct {
	ID       string
	SSID     string
	PSK      string
	Mac      string
	Port     int
	Key      string
	CatShare int

	extra map[string]json.RawMessage
}

// MarshalJSON mirrors DeviceInfo: fixed field order, optional id/key/catShare,
// preserved extras sorted last.
func (p P2pInfo) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	if p.ID != "" {
		writeField(&buf, "id", p.ID)
	}
	writeField(&buf, "ssid", p.SSID)
	writeField(&buf, "psk", p.PSK)
	writeField(&buf, "mac", p.Mac)
	writeField(&buf, "port", p.Port)
	if p.Key != "" {
		writeField(&buf, "key", p.Key)
	}
	if p.CatShare != 0 {
		writeField(&buf, "catShare", p.CatShare)
	}
	writeExtras(&buf, p.extra)

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads the known fields and stashes everything else.
func (p *P2pInfo) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("decode P2pInfo: %w", err)
	}

	*p = P2pInfo{}
	for key, raw := range fields {
		var err error
		switch key {
		case "id":
			err = json.Unmarshal(raw, &p.ID)
		case "ssid":
			err = json.Unmarshal(raw, &p.SSID)
		case "psk":
			err = json.Unmarshal(raw, &p.PSK)
		case "mac":
			err = json.Unmarshal(raw, &p.Mac)
		case "port":
			err = json.Unmarshal(raw, &p.Port)
		case "key":
			err = json.Unmarshal(raw, &p.Key)
		case "catShare":
			err = json.Unmarshal(raw, &p.CatShare)
		default:
			if p.extra == nil {
				p.extra = make(map[string]json.RawMessage)
			}
			p.extra[key] = raw
		}
		if err != nil {
			return fmt.Errorf("decode P2pInfo field %q: %w", key, err)
		}
	}
	return nil
}

// Validate checks the §3 invariants.
func (p P2pInfo) Validate() error {
	if p.SSID == "" {
		return fmt.Errorf("%w: empty ssid", ErrBadP2pInfo)
	}
	if len(p.PSK) < 8 {
		return fmt.Errorf("%w: psk shorter than 8 characters", ErrBadP2pInfo)
	}
	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrBadP2pInfo, p.Port)
	}
	if p.ID != "" && !transferIDPattern.MatchString(p.ID) {
		return fmt.Errorf("%w: transfer id %q is not 4 hex digits", ErrBadP2pInfo, p.ID)
	}
	if p.Key != "" {
		if _, err := decodePublicKeyBase64(p.Key); err != nil {
			return err
		}
	}
	return nil
}

// EncryptFields returns a copy with ssid, psk, and mac encrypted for the
// wire. The id, port, key, and catShare fields stay in the clear: the peer
// needs key before it can derive the cipher that unlocks the rest.
func (p P2pInfo) EncryptFields(sessionKey []byte) (P2pInfo, error) {
	out := p
	var err error
	if out.SSID, err = crypto.Encrypt(sessionKey, []byte(p.SSID)); err != nil {
		return P2pInfo{}, fmt.Errorf("encrypt ssid: %w", err)
	}
	if out.PSK, err = crypto.Encrypt(sessionKey, []byte(p.PSK)); err != nil {
		return P2pInfo{}, fmt.Errorf("encrypt psk: %w", err)
	}
	if out.Mac, err = crypto.Encrypt(sessionKey, []byte(p.Mac)); err != nil {
		return P2pInfo{}, fmt.Errorf("encrypt mac: %w", err)
	}
	return out, nil
}

// DecryptFields reverses EncryptFields.
func (p P2pInfo) DecryptFields(sessionKey []byte) (P2pInfo, error) {
	out := p
	ssid, err := crypto.Decrypt(sessionKey, p.SSID)
	if err != nil {
		return P2pInfo{}, fmt.Errorf("decrypt ssid: %w", err)
	}
	psk, err := crypto.Decrypt(sessionKey, p.PSK)
	if err != nil {
		return P2pInfo{}, fmt.Errorf("decrypt psk: %w", err)
	}
	mac, err := crypto.Decrypt(sessionKey, p.Mac)
	if err != nil {
		return P2pInfo{}, fmt.Errorf("decrypt mac: %w", err)
	}
	out.SSID, out.PSK, out.Mac = string(ssid), string(psk), string(mac)
	return out, nil
}

// EncodeP2pInfo serializes the CHAR_P2P payload.
func EncodeP2pInfo(info P2pInfo) ([]byte, error) {
	payload, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("marshal P2pInfo: %w", err)
	}
	return payload, nil
}

// DecodeP2pInfo parses a CHAR_P2P payload without validating: requests carry
// empty credential fields and responses are validated after DecryptFields.
func DecodeP2pInfo(payload []byte) (P2pInfo, error) {
	var info P2pInfo
	if err := json.Unmarshal(payload, &info); err != nil {
		return P2pInfo{}, fmt.Errorf("decode P2pInfo: %w", err)
	}
	return info, nil
}

func decodeBase64(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	return raw, nil
}
