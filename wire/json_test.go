package wire

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/Tinnci/cattysend/crypto"
)

func testPublicKeyBase64(t *testing.T) string {
	t.Helper()
	keypair, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair failed: %v", err)
	}
	return keypair.PublicKeyBase64()
}

func TestDeviceInfoSerializeParseSerialize(t *testing.T) {
	info := NewDeviceInfo(testPublicKeyBase64(t), "AA:BB:CC:DD:EE:FF")

	first, err := json.Marshal(info)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var parsed DeviceInfo
	if err := json.Unmarshal(first, &parsed); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	second, err := json.Marshal(parsed)
	if err != nil {
		t.Fatalf("re-marshal failed: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("round trip not byte-identical:\n%s\n%s", first, second)
	}
}

func TestDeviceInfoPreservesUnknownFields(t *testing.T) {
	payload := []byte(`{"state":0,"mac":"AA:BB:CC:DD:EE:FF","catShare":1,"vendorHint":"xy","zz":[1,2]}`)

	var info DeviceInfo
	if err := json.Unmarshal(payload, &info); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	echoed, err := json.Marshal(info)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	for _, want := range []string{`"vendorHint":"xy"`, `"zz":[1,2]`} {
		if !bytes.Contains(echoed, []byte(want)) {
			t.Fatalf("echo dropped %s: %s", want, echoed)
		}
	}
}

func TestDeviceInfoValidate(t *testing.T) {
	valid := NewDeviceInfo(testPublicKeyBase64(t), "A4:50:46:77:01:B2")
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate failed on valid info: %v", err)
	}

	bad := valid
	bad.Mac = "a4:50:46:77:01:b2"
	if err := bad.Validate(); err == nil {
		t.Fatal("lowercase mac accepted")
	}

	bad = valid
	bad.Key = "bm90IGEga2V5"
	if err := bad.Validate(); err == nil {
		t.Fatal("garbage key accepted")
	}
}

func TestDeviceInfoStateEchoedOpaquely(t *testing.T) {
	// Non-zero state has unknown semantics; it must survive a parse/echo.
	payload := []byte(`{"state":7,"mac":"AA:BB:CC:DD:EE:FF"}`)
	var info DeviceInfo
	if err := json.Unmarshal(payload, &info); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if info.State != 7 {
		t.Fatalf("state: got %d", info.State)
	}
	echoed, err := json.Marshal(info)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if !bytes.Contains(echoed, []byte(`"state":7`)) {
		t.Fatalf("state not echoed: %s", echoed)
	}
}

func TestP2pInfoRoundTripAndValidate(t *testing.T) {
	info := P2pInfo{
		ID:       "ab12",
		SSID:     "DIRECT-1a2b3c",
		PSK:      "s3cretPass0k",
		Mac:      "AA:BB:CC:DD:EE:FF",
		Port:     34567,
		CatShare: CatShareVersion,
	}
	if err := info.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	payload, err := json.Marshal(info)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var parsed P2pInfo
	if err := json.Unmarshal(payload, &parsed); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if parsed.SSID != info.SSID || parsed.PSK != info.PSK || parsed.Port != info.Port || parsed.ID != info.ID {
		t.Fatalf("round trip mismatch: %+v", parsed)
	}
}

func TestP2pInfoValidateRejects(t *testing.T) {
	base := P2pInfo{SSID: "DIRECT-aabbcc", PSK: "12345678", Mac: "AA:BB:CC:DD:EE:FF", Port: 30000}

	bad := base
	bad.SSID = ""
	if err := bad.Validate(); err == nil {
		t.Fatal("empty ssid accepted")
	}

	bad = base
	bad.PSK = "short"
	if err := bad.Validate(); err == nil {
		t.Fatal("short psk accepted")
	}

	bad = base
	bad.Port = 0
	if err := bad.Validate(); err == nil {
		t.Fatal("port 0 accepted")
	}

	bad = base
	bad.ID = "xyz"
	if err := bad.Validate(); err == nil {
		t.Fatal("non-hex transfer id accepted")
	}
}

func TestP2pInfoEncryptDecrypt(t *testing.T) {
	alice, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair failed: %v", err)
	}
	bob, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair failed: %v", err)
	}

	aliceKey, err := alice.DeriveSessionKey(bob.PublicKeySPKI())
	if err != nil {
		t.Fatalf("DeriveSessionKey failed: %v", err)
	}
	bobKey, err := bob.DeriveSessionKey(alice.PublicKeySPKI())
	if err != nil {
		t.Fatalf("DeriveSessionKey failed: %v", err)
	}

	info := P2pInfo{
		ID:   "00ff",
		SSID: "DIRECT-0a1b2c",
		PSK:  "PassphraseXY1234",
		Mac:  "AA:BB:CC:DD:EE:FF",
		Port: 31999,
		Key:  alice.PublicKeyBase64(),
	}

	encrypted, err := info.EncryptFields(aliceKey)
	if err != nil {
		t.Fatalf("EncryptFields failed: %v", err)
	}
	if encrypted.SSID == info.SSID || encrypted.PSK == info.PSK {
		t.Fatal("credential fields left in the clear")
	}
	// The bootstrap fields stay readable for the peer.
	if encrypted.Key != info.Key || encrypted.Port != info.Port || encrypted.ID != info.ID {
		t.Fatalf("plaintext fields changed: %+v", encrypted)
	}

	payload, err := EncodeP2pInfo(encrypted)
	if err != nil {
		t.Fatalf("EncodeP2pInfo failed: %v", err)
	}
	parsed, err := DecodeP2pInfo(payload)
	if err != nil {
		t.Fatalf("DecodeP2pInfo failed: %v", err)
	}
	decrypted, err := parsed.DecryptFields(bobKey)
	if err != nil {
		t.Fatalf("DecryptFields failed: %v", err)
	}
	if decrypted.SSID != info.SSID || decrypted.PSK != info.PSK || decrypted.Mac != info.Mac || decrypted.Port != info.Port {
		t.Fatalf("decrypted mismatch: %+v", decrypted)
	}
	if err := decrypted.Validate(); err != nil {
		t.Fatalf("Validate failed after decrypt: %v", err)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	envelope, err := NewEnvelope(MsgSendRequest, SendRequestData{
		Files:        []FileMeta{{Name: "a.bin", Size: 1024, ModifiedTime: 1700000000000}},
		TotalSize:    1024,
		TotalFiles:   1,
		PackageType:  PackageTypeSingle,
		SenderDevice: "CattyLinux",
	})
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	if envelope.MsgID == "" {
		t.Fatal("missing msgId")
	}

	payload, err := envelope.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	parsed, err := ParseEnvelope(payload)
	if err != nil {
		t.Fatalf("ParseEnvelope failed: %v", err)
	}

	var data SendRequestData
	if err := parsed.DecodeData(&data); err != nil {
		t.Fatalf("DecodeData failed: %v", err)
	}
	if data.TotalFiles != 1 || data.Files[0].Name != "a.bin" {
		t.Fatalf("data mismatch: %+v", data)
	}
}

func TestParseEnvelopeRejectsUnknownType(t *testing.T) {
	if _, err := ParseEnvelope([]byte(`{"msgType":"bogus","msgId":"x","data":{}}`)); err == nil {
		t.Fatal("unknown msgType accepted")
	}
	if _, err := ParseEnvelope([]byte(`{"msgId":"x"}`)); err == nil {
		t.Fatal("missing msgType accepted")
	}
	if _, err := ParseEnvelope([]byte(`not json`)); err == nil {
		t.Fatal("garbage accepted")
	}
}
