package ble

import (
	"testing"

	"github.com/godbus/dbus/v5"

	"github.com/Tinnci/cattysend/wire"
)

func TestUUID16StringRoundTrip(t *testing.T) {
	cases := []uint16{0x3331, 0x8185, 0xFFFF, 0x011E}
	for _, value := range cases {
		str := uuid16String(value)
		parsed, ok := parseUUID16(str)
		if !ok {
			t.Fatalf("parseUUID16(%q) failed", str)
		}
		if parsed != value {
			t.Fatalf("round trip: got 0x%04x want 0x%04x", parsed, value)
		}
	}
}

func TestParseUUID16RejectsNonBaseUUIDs(t *testing.T) {
	cases := []string{
		"00003331-0000-1000-8000-008123456789", // custom base, not the Bluetooth base
		"0000ffff",
		"12343331-0000-1000-8000-00805f9b34fb",
	}
	for _, uuid := range cases {
		if _, ok := parseUUID16(uuid); ok {
			t.Fatalf("parseUUID16(%q) accepted", uuid)
		}
	}
}

func TestMacFromDevicePath(t *testing.T) {
	mac, ok := macFromDevicePath(dbus.ObjectPath("/org/bluez/hci0/dev_A4_50_46_77_01_B2"))
	if !ok {
		t.Fatal("parse failed")
	}
	if mac != "A4:50:46:77:01:B2" {
		t.Fatalf("mac: %q", mac)
	}

	if _, ok := macFromDevicePath(dbus.ObjectPath("/org/bluez/hci0")); ok {
		t.Fatal("adapter path accepted")
	}
}

func TestSliceAtOffset(t *testing.T) {
	value := []byte("abcdef")

	full := sliceAtOffset(value, nil)
	if string(full) != "abcdef" {
		t.Fatalf("no offset: %q", full)
	}

	options := map[string]dbus.Variant{"offset": dbus.MakeVariant(uint16(4))}
	tail := sliceAtOffset(value, options)
	if string(tail) != "ef" {
		t.Fatalf("offset 4: %q", tail)
	}

	options = map[string]dbus.Variant{"offset": dbus.MakeVariant(uint16(9))}
	if got := sliceAtOffset(value, options); len(got) != 0 {
		t.Fatalf("offset past end: %q", got)
	}
}

func deviceProps(address string, adv wire.Advertisement, withUUIDList bool) map[string]dbus.Variant {
	serviceData := map[string]dbus.Variant{
		uuid16String(adv.IdentityUUID()):      dbus.MakeVariant(adv.IdentityServiceData()),
		uuid16String(wire.ScanResponseUUID16): dbus.MakeVariant(adv.ScanResponseServiceData()),
	}
	props := map[string]dbus.Variant{
		"Address":     dbus.MakeVariant(address),
		"RSSI":        dbus.MakeVariant(int16(-48)),
		"ServiceData": dbus.MakeVariant(serviceData),
	}
	if withUUIDList {
		props["UUIDs"] = dbus.MakeVariant([]string{wire.AdvertisingServiceUUID})
	}
	return props
}

func TestDecodeDevice(t *testing.T) {
	adv := wire.Advertisement{
		DeviceName:   "CattyLinux",
		Brand:        wire.BrandXiaomi,
		SenderID:     0xAB12,
		Supports5GHz: true,
	}

	device, raw, ok := decodeDevice(deviceProps("AA:BB:CC:DD:EE:FF", adv, true))
	if !ok {
		t.Fatal("device not recognized")
	}
	if device.Address != "AA:BB:CC:DD:EE:FF" {
		t.Fatalf("address: %q", device.Address)
	}
	if device.Name != "CattyLinux" {
		t.Fatalf("name: %q", device.Name)
	}
	if device.Brand != wire.BrandXiaomi || device.SenderID != 0xAB12 || !device.Supports5GHz {
		t.Fatalf("identity: %+v", device)
	}
	if device.RSSI != -48 {
		t.Fatalf("rssi: %d", device.RSSI)
	}
	if raw == "" {
		t.Fatal("missing scan-response dedupe content")
	}
}

func TestDecodeDeviceIdentityOnly(t *testing.T) {
	// A peer whose UUID list was not captured still matches on identity data.
	adv := wire.Advertisement{DeviceName: "x", Brand: wire.BrandOppo, SenderID: 1}
	if _, _, ok := decodeDevice(deviceProps("11:22:33:44:55:66", adv, false)); !ok {
		t.Fatal("identity-only device not recognized")
	}
}

func TestDecodeDeviceRejectsForeign(t *testing.T) {
	props := map[string]dbus.Variant{
		"Address": dbus.MakeVariant("11:22:33:44:55:66"),
		"UUIDs":   dbus.MakeVariant([]string{"0000180f-0000-1000-8000-00805f9b34fb"}),
	}
	if _, _, ok := decodeDevice(props); ok {
		t.Fatal("foreign device accepted")
	}
}

func TestScanDedupeRules(t *testing.T) {
	scanner := NewScanner(&Session{}, nil)
	events := make(chan ScanEvent, 16)
	seen := make(map[string]dedupeState)
	adv := wire.Advertisement{DeviceName: "CattyLinux", Brand: wire.BrandXiaomi, SenderID: 0xAB12}

	props := deviceProps("AA:BB:CC:DD:EE:FF", adv, true)
	scanner.considerDevice(props, ScanOptions{}, seen, events)
	if len(events) != 1 {
		t.Fatalf("first observation: %d events", len(events))
	}
	<-events

	// Same content, same RSSI: suppressed.
	scanner.considerDevice(props, ScanOptions{}, seen, events)
	if len(events) != 0 {
		t.Fatal("duplicate not suppressed")
	}

	// RSSI moved beyond the threshold: re-emitted.
	props["RSSI"] = dbus.MakeVariant(int16(-60))
	scanner.considerDevice(props, ScanOptions{}, seen, events)
	if len(events) != 1 {
		t.Fatal("rssi movement not re-emitted")
	}
	<-events

	// Scan-response content changed: re-emitted.
	adv.DeviceName = "CattyLinux2"
	props = deviceProps("AA:BB:CC:DD:EE:FF", adv, true)
	props["RSSI"] = dbus.MakeVariant(int16(-60))
	scanner.considerDevice(props, ScanOptions{}, seen, events)
	if len(events) != 1 {
		t.Fatal("content change not re-emitted")
	}
}

func TestScanBrandFilter(t *testing.T) {
	scanner := NewScanner(&Session{}, nil)
	events := make(chan ScanEvent, 4)
	seen := make(map[string]dedupeState)

	adv := wire.Advertisement{DeviceName: "n", Brand: wire.BrandOppo, SenderID: 2}
	scanner.considerDevice(deviceProps("AA:BB:CC:DD:EE:01", adv, true), ScanOptions{Brand: wire.BrandXiaomi}, seen, events)
	if len(events) != 0 {
		t.Fatal("brand filter did not drop mismatching device")
	}
}
