package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"

	"github.com/Tinnci/cattysend/crypto"
)

// macPattern matches colon-separated uppercase hex, e.g. "A4:50:46:77:01:B2".
var macPattern = regexp.MustCompile(`^[0-9A-F]{2}(:[0-9A-F]{2}){5}$`)

var (
	// ErrBadMac indicates a MAC field that is not colon-separated uppercase hex.
	ErrBadMac = errors.New("wire: malformed mac address")
)

// CatShareVersion is the protocol version tag carried in catShare fields.
const CatShareVersion = 1

// DeviceInfo is the plaintext JSON published on CHAR_STATUS. The local public
// key is the encryption anchor of the session, not a secret.
//
// Unknown fields observed on the wire are kept and re-emitted on echo, and
// serialization is deterministic: known fields in fixed order, extras sorted.
type DeviceInfo struct {
	State    int
	Key      string
	Mac      string
	CatShare int

	extra map[string]json.RawMessage
}

// NewDeviceInfo builds the status document the advertiser publishes.
func NewDeviceInfo(publicKeyBase64, mac string) DeviceInfo {
	return DeviceInfo{State: 0, Key: publicKeyBase64, Mac: mac, CatShare: CatShareVersion}
}

// MarshalJSON emits state, key, mac, catShare in that order, then any
// preserved unknown fields in sorted key order. Empty key and zero catShare
// are omitted, matching the incumbent's optional fields.
func (d DeviceInfo) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	writeField(&buf, "state", d.State)
	if d.Key != "" {
		writeField(&buf, "key", d.Key)
	}
	writeField(&buf, "mac", d.Mac)
	if d.CatShare != 0 {
		writeField(&buf, "catShare", d.CatShare)
	}
	writeExtras(&buf, d.extra)

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads the known fields and stashes everything else.
func (d *DeviceInfo) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("decode DeviceInfo: %w", err)
	}

	*d = DeviceInfo{}
	for key, raw := range fields {
		var err error
		switch key {
		case "state":
			err = json.Unmarshal(raw, &d.State)
		case "key":
			err = json.Unmarshal(raw, &d.Key)
		case "mac":
			err = json.Unmarshal(raw, &d.Mac)
		case "catShare":
			err = json.Unmarshal(raw, &d.CatShare)
		default:
			if d.extra == nil {
				d.extra = make(map[string]json.RawMessage)
			}
			d.extra[key] = raw
		}
		if err != nil {
			return fmt.Errorf("decode DeviceInfo field %q: %w", key, err)
		}
	}
	return nil
}

// Validate checks the §3 invariants: a well-formed MAC and, when present, a
// key that decodes to a valid P-256 point.
func (d DeviceInfo) Validate() error {
	if !macPattern.MatchString(d.Mac) {
		return fmt.Errorf("%w: %q", ErrBadMac, d.Mac)
	}
	if d.Key != "" {
		if _, err := decodePublicKeyBase64(d.Key); err != nil {
			return err
		}
	}
	return nil
}

func decodePublicKeyBase64(encoded string) ([]byte, error) {
	raw, err := decodeBase64(encoded)
	if err != nil {
		return nil, err
	}
	if _, err := crypto.ParsePublicKey(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func writeField(buf *bytes.Buffer, key string, value any) {
	if buf.Len() > 1 {
		buf.WriteByte(',')
	}
	keyJSON, _ := json.Marshal(key)
	buf.Write(keyJSON)
	buf.WriteByte(':')
	valueJSON, _ := json.Marshal(value)
	buf.Write(valueJSON)
}

func writeExtras(buf *bytes.Buffer, extra map[string]json.RawMessage) {
	if len(extra) == 0 {
		return
	}
	keys := make([]string, 0, len(extra))
	for key := range extra {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if buf.Len() > 1 {
			buf.WriteByte(',')
		}
		keyJSON, _ := json.Marshal(key)
		buf.Write(keyJSON)
		buf.WriteByte(':')
		buf.Write(compactRaw(extra[key]))
	}
}

func compactRaw(raw json.RawMessage) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}
