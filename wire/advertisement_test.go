package wire

import (
	"bytes"
	"testing"
)

func TestIdentityUUIDEncoding(t *testing.T) {
	adv := Advertisement{DeviceName: "CattyLinux", Brand: Brand(0x0085), SenderID: 0xAB12, Supports5GHz: true}
	if got := adv.IdentityUUID(); got != 0x8185 {
		t.Fatalf("identity UUID: got 0x%04x want 0x8185", got)
	}

	adv.Supports5GHz = false
	if got := adv.IdentityUUID(); got != 0x0185 {
		t.Fatalf("identity UUID without 5GHz: got 0x%04x want 0x0185", got)
	}
}

func TestIdentityServiceData(t *testing.T) {
	adv := Advertisement{SenderID: 0xAB12}
	want := []byte{0xAB, 0x12, 0, 0, 0, 0}
	if got := adv.IdentityServiceData(); !bytes.Equal(got, want) {
		t.Fatalf("identity payload: got %x want %x", got, want)
	}
}

func TestScanResponseServiceData(t *testing.T) {
	adv := Advertisement{DeviceName: "CattyLinux", Brand: Brand(0x0085), SenderID: 0xAB12, Supports5GHz: true}
	data := adv.ScanResponseServiceData()

	if len(data) != 27 {
		t.Fatalf("scan response length %d", len(data))
	}
	for i := 0; i < 8; i++ {
		if data[i] != 0 {
			t.Fatalf("header byte %d is 0x%02x, want 0", i, data[i])
		}
	}
	if data[8] != 0xAB || data[9] != 0x12 {
		t.Fatalf("sender id bytes: %02x %02x", data[8], data[9])
	}
	if got := string(data[10:20]); got != "CattyLinux" {
		t.Fatalf("name bytes: %q", got)
	}
	for i := 20; i < 26; i++ {
		if data[i] != 0 {
			t.Fatalf("padding byte %d is 0x%02x", i, data[i])
		}
	}
	if data[26] != 0x00 {
		t.Fatalf("truncation marker set for a fitting name: 0x%02x", data[26])
	}
}

func TestScanResponseTruncation(t *testing.T) {
	adv := Advertisement{DeviceName: "a-device-name-longer-than-sixteen", SenderID: 1}
	data := adv.ScanResponseServiceData()
	if data[26] != 0x09 {
		t.Fatalf("truncation marker: got 0x%02x want 0x09", data[26])
	}
	if got := string(data[10:26]); got != "a-device-name-lo" {
		t.Fatalf("truncated name: %q", got)
	}
}

func TestScanResponseTruncationKeepsRuneBoundary(t *testing.T) {
	adv := Advertisement{DeviceName: "设备设备设备", SenderID: 1} // 18 bytes of UTF-8
	data := adv.ScanResponseServiceData()
	if data[26] != 0x09 {
		t.Fatalf("truncation marker not set")
	}
	if got := string(data[10:25]); got != "设备设备设" {
		t.Fatalf("expected truncation at a rune boundary, got %q", got)
	}
}

func TestLegacyFrameLimit(t *testing.T) {
	adv := Advertisement{DeviceName: "0123456789abcdef-overflow", Brand: BrandLinux, SenderID: 0xFFFF, Supports5GHz: true}
	if err := adv.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if got := len(adv.PackIdentityFrame()); got > MaxLegacyPayload {
		t.Fatalf("identity frame %d bytes", got)
	}
	if got := len(adv.PackScanResponseFrame()); got != MaxLegacyPayload {
		t.Fatalf("scan response frame %d bytes, want exactly 31", got)
	}
}

func TestParseIdentityRoundTrip(t *testing.T) {
	adv := Advertisement{Brand: BrandXiaomi, SenderID: 0x1275, Supports5GHz: true}

	identity, err := ParseIdentity(adv.IdentityUUID(), adv.IdentityServiceData())
	if err != nil {
		t.Fatalf("ParseIdentity failed: %v", err)
	}
	if identity.Brand != BrandXiaomi {
		t.Fatalf("brand: got %v", identity.Brand)
	}
	if identity.SenderID != 0x1275 {
		t.Fatalf("sender id: got 0x%04x", identity.SenderID)
	}
	if !identity.Supports5GHz {
		t.Fatal("5GHz flag lost")
	}
}

func TestParseIdentityRejectsShortPayload(t *testing.T) {
	if _, err := ParseIdentity(0x011E, []byte{1, 2, 3}); err != ErrIdentityPayload {
		t.Fatalf("expected ErrIdentityPayload, got %v", err)
	}
}

func TestIsIdentityUUID(t *testing.T) {
	cases := map[uint16]bool{
		0x0185: true,
		0x8185: true,
		0x011E: true,
		0xFFFF: false,
		0x0285: false,
		0x3331: false,
	}
	for uuid, want := range cases {
		if got := IsIdentityUUID(uuid); got != want {
			t.Fatalf("IsIdentityUUID(0x%04x) = %v, want %v", uuid, got, want)
		}
	}
}

func TestParseScanResponseRoundTrip(t *testing.T) {
	adv := Advertisement{DeviceName: "CattyLinux", SenderID: 0xAB12}
	parsed, err := ParseScanResponse(adv.ScanResponseServiceData())
	if err != nil {
		t.Fatalf("ParseScanResponse failed: %v", err)
	}
	if parsed.Name != "CattyLinux" {
		t.Fatalf("name: %q", parsed.Name)
	}
	if parsed.SenderID != 0xAB12 {
		t.Fatalf("sender id: 0x%04x", parsed.SenderID)
	}
	if parsed.Truncated {
		t.Fatal("unexpected truncation flag")
	}
}

func TestBrandFolding(t *testing.T) {
	cases := map[uint16]Brand{
		0:   BrandUnknown,
		10:  BrandOppo,
		11:  BrandRealme,
		25:  BrandVivo,
		30:  BrandXiaomi,
		33:  BrandXiaomi,
		41:  BrandOnePlus,
		55:  BrandMeizu,
		70:  BrandSamsung,
		105: BrandLenovo,
		200: BrandLinux,
		999: BrandUnknown,
	}
	for id, want := range cases {
		if got := BrandFromID(id); got != want {
			t.Fatalf("BrandFromID(%d) = %v, want %v", id, got, want)
		}
	}
	if BrandXiaomi.Name() != "Xiaomi" {
		t.Fatalf("brand name: %q", BrandXiaomi.Name())
	}
}
