package ble

import (
	"context"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"github.com/Tinnci/cattysend/logging"
	"github.com/Tinnci/cattysend/wire"
)

const (
	// DefaultScanDuration bounds a scan when the caller does not.
	DefaultScanDuration = 10 * time.Second
	// rssiDedupeThreshold is the RSSI movement that re-emits a known device.
	rssiDedupeThreshold = 6
)

// Event types emitted by Scan.
const (
	EventDeviceFound EventType = "device_found"
	EventDeviceLost  EventType = "device_lost"
	EventError       EventType = "error"
)

// EventType identifies scan updates.
type EventType string

// DiscoveredDevice is one observed peer advertisement. Entries are updated in
// place while the scan runs and are invalid once it stops.
type DiscoveredDevice struct {
	Address       string
	Name          string
	NameTruncated bool
	Brand         wire.Brand
	RawBrandID    uint16
	SenderID      uint16
	RSSI          int16
	Supports5GHz  bool
}

// ScanEvent carries one scan update.
type ScanEvent struct {
	Type    EventType
	Device  DiscoveredDevice
	Address string
	Err     error
}

// ScanOptions bounds and filters a scan.
type ScanOptions struct {
	Duration     time.Duration
	Brand        wire.Brand
	NameContains string
	Active       bool
}

func (o ScanOptions) withDefaults() ScanOptions {
	out := o
	if out.Duration <= 0 {
		out.Duration = DefaultScanDuration
	}
	return out
}

// Scanner discovers peers and runs the GATT client half of the key exchange.
type Scanner struct {
	session *Session
	logger  *logrus.Logger
}

// NewScanner binds a scanner to a BlueZ session.
func NewScanner(session *Session, logger *logrus.Logger) *Scanner {
	return &Scanner{session: session, logger: logging.OrDiscard(logger)}
}

// dedupeState tracks what was last emitted per address.
type dedupeState struct {
	rssi     int16
	scanResp string
}

// Scan runs discovery and streams events until the duration elapses or ctx is
// cancelled. The returned channel closes when the scan ends.
func (s *Scanner) Scan(ctx context.Context, opts ScanOptions) (<-chan ScanEvent, error) {
	opts = opts.withDefaults()

	filter := map[string]dbus.Variant{
		"Transport":     dbus.MakeVariant("le"),
		"DuplicateData": dbus.MakeVariant(true),
	}
	if call := s.session.adapter().Call(adapterIface+".SetDiscoveryFilter", 0, filter); call.Err != nil {
		return nil, wrapAdapterError("set discovery filter", call.Err)
	}

	signals := make(chan *dbus.Signal, 64)
	s.session.conn.Signal(signals)

	matchAdded := []dbus.MatchOption{
		dbus.WithMatchInterface(objectManagerIface),
		dbus.WithMatchMember("InterfacesAdded"),
	}
	matchRemoved := []dbus.MatchOption{
		dbus.WithMatchInterface(objectManagerIface),
		dbus.WithMatchMember("InterfacesRemoved"),
	}
	matchChanged := []dbus.MatchOption{
		dbus.WithMatchInterface(propertiesIface),
		dbus.WithMatchMember("PropertiesChanged"),
	}
	for _, match := range [][]dbus.MatchOption{matchAdded, matchRemoved, matchChanged} {
		if err := s.session.conn.AddMatchSignal(match...); err != nil {
			s.session.conn.RemoveSignal(signals)
			return nil, wrapAdapterError("subscribe discovery signals", err)
		}
	}

	if call := s.session.adapter().Call(adapterIface+".StartDiscovery", 0); call.Err != nil {
		s.session.conn.RemoveSignal(signals)
		return nil, wrapAdapterError("start discovery", call.Err)
	}

	events := make(chan ScanEvent, 64)
	go s.scanLoop(ctx, opts, signals, events, matchAdded, matchRemoved, matchChanged)
	return events, nil
}

func (s *Scanner) scanLoop(ctx context.Context, opts ScanOptions, signals chan *dbus.Signal, events chan<- ScanEvent, matches ...[]dbus.MatchOption) {
	defer close(events)
	defer func() {
		if call := s.session.adapter().Call(adapterIface+".StopDiscovery", 0); call.Err != nil {
			s.logger.Debugf("stop discovery: %v", call.Err)
		}
		for _, match := range matches {
			_ = s.session.conn.RemoveMatchSignal(match...)
		}
		s.session.conn.RemoveSignal(signals)
	}()

	seen := make(map[string]dedupeState)
	timer := time.NewTimer(opts.Duration)
	defer timer.Stop()

	// Devices BlueZ cached before the scan started still count.
	s.sweepExisting(opts, seen, events)

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			return
		case signal, ok := <-signals:
			if !ok {
				return
			}
			s.handleSignal(signal, opts, seen, events)
		}
	}
}

func (s *Scanner) sweepExisting(opts ScanOptions, seen map[string]dedupeState, events chan<- ScanEvent) {
	objects, err := s.session.managedObjects()
	if err != nil {
		s.logger.Debugf("sweep cached devices: %v", err)
		return
	}
	for _, interfaces := range objects {
		props, ok := interfaces[deviceIface]
		if !ok {
			continue
		}
		s.considerDevice(props, opts, seen, events)
	}
}

func (s *Scanner) handleSignal(signal *dbus.Signal, opts ScanOptions, seen map[string]dedupeState, events chan<- ScanEvent) {
	switch signal.Name {
	case objectManagerIface + ".InterfacesAdded":
		if len(signal.Body) != 2 {
			return
		}
		interfaces, ok := signal.Body[1].(map[string]map[string]dbus.Variant)
		if !ok {
			return
		}
		if props, ok := interfaces[deviceIface]; ok {
			s.considerDevice(props, opts, seen, events)
		}

	case objectManagerIface + ".InterfacesRemoved":
		if len(signal.Body) != 2 {
			return
		}
		interfaceNames, ok := signal.Body[1].([]string)
		if !ok {
			return
		}
		for _, name := range interfaceNames {
			if name != deviceIface {
				continue
			}
			if mac, ok := macFromDevicePath(signal.Path); ok {
				if _, known := seen[mac]; known {
					delete(seen, mac)
					events <- ScanEvent{Type: EventDeviceLost, Address: mac}
				}
			}
		}

	case propertiesIface + ".PropertiesChanged":
		if len(signal.Body) < 2 {
			return
		}
		ifaceName, ok := signal.Body[0].(string)
		if !ok || ifaceName != deviceIface {
			return
		}
		// Changed properties alone rarely carry the full picture; reread.
		props, err := s.deviceProperties(signal.Path)
		if err != nil {
			return
		}
		s.considerDevice(props, opts, seen, events)
	}
}

func (s *Scanner) deviceProperties(path dbus.ObjectPath) (map[string]dbus.Variant, error) {
	var props map[string]dbus.Variant
	call := s.session.conn.Object(bluezService, path).Call(propertiesIface+".GetAll", 0, deviceIface)
	if call.Err != nil {
		return nil, call.Err
	}
	if err := call.Store(&props); err != nil {
		return nil, err
	}
	return props, nil
}

// considerDevice decodes one Device1 property set and emits a DeviceFound
// event when it is a protocol peer that passes the filters and dedupe rules.
func (s *Scanner) considerDevice(props map[string]dbus.Variant, opts ScanOptions, seen map[string]dedupeState, events chan<- ScanEvent) {
	device, scanRespRaw, ok := decodeDevice(props)
	if !ok {
		return
	}

	if opts.Brand != wire.BrandUnknown && device.Brand != opts.Brand {
		return
	}
	if opts.NameContains != "" && !strings.Contains(strings.ToLower(device.Name), strings.ToLower(opts.NameContains)) {
		return
	}

	previous, known := seen[device.Address]
	if known {
		rssiDelta := int(device.RSSI) - int(previous.rssi)
		if rssiDelta < 0 {
			rssiDelta = -rssiDelta
		}
		if rssiDelta <= rssiDedupeThreshold && previous.scanResp == scanRespRaw {
			return
		}
	}

	seen[device.Address] = dedupeState{rssi: device.RSSI, scanResp: scanRespRaw}
	events <- ScanEvent{Type: EventDeviceFound, Device: device}
}

// decodeDevice extracts a DiscoveredDevice from Device1 properties. The
// second return is the raw scan-response content used for dedupe.
func decodeDevice(props map[string]dbus.Variant) (DiscoveredDevice, string, bool) {
	address, _ := props["Address"].Value().(string)
	if address == "" {
		return DiscoveredDevice{}, "", false
	}

	uuids, _ := props["UUIDs"].Value().([]string)
	serviceData, _ := props["ServiceData"].Value().(map[string]dbus.Variant)

	hasAdvertisingUUID := false
	for _, uuid := range uuids {
		if strings.EqualFold(uuid, wire.AdvertisingServiceUUID) {
			hasAdvertisingUUID = true
			break
		}
	}

	var identity wire.Identity
	identityFound := false
	var scanResp wire.ScanResponse
	scanRespRaw := ""
	scanRespFound := false

	for uuid, variant := range serviceData {
		data, ok := variant.Value().([]byte)
		if !ok {
			continue
		}
		uuid16, ok := parseUUID16(uuid)
		if !ok {
			continue
		}
		switch {
		case wire.IsIdentityUUID(uuid16):
			if parsed, err := wire.ParseIdentity(uuid16, data); err == nil {
				identity = parsed
				identityFound = true
			}
		case uuid16 == wire.ScanResponseUUID16:
			if parsed, err := wire.ParseScanResponse(data); err == nil {
				scanResp = parsed
				scanRespRaw = string(data)
				scanRespFound = true
			}
		}
	}

	if !hasAdvertisingUUID && !identityFound {
		return DiscoveredDevice{}, "", false
	}

	device := DiscoveredDevice{Address: address}
	if rssi, ok := props["RSSI"].Value().(int16); ok {
		device.RSSI = rssi
	}
	if identityFound {
		device.Brand = identity.Brand
		device.RawBrandID = identity.RawBrandID
		device.SenderID = identity.SenderID
		device.Supports5GHz = identity.Supports5GHz
	}
	if scanRespFound {
		device.Name = scanResp.Name
		device.NameTruncated = scanResp.Truncated
		if !identityFound {
			device.SenderID = scanResp.SenderID
		}
	}
	if device.Name == "" {
		if name, ok := props["Name"].Value().(string); ok {
			device.Name = name
		}
	}

	return device, scanRespRaw, true
}

func macFromDevicePath(path dbus.ObjectPath) (string, bool) {
	str := string(path)
	idx := strings.LastIndex(str, "/dev_")
	if idx < 0 {
		return "", false
	}
	mac := str[idx+len("/dev_"):]
	if len(mac) != 17 {
		return "", false
	}
	return strings.ReplaceAll(mac, "_", ":"), true
}

func wrapAdapterError(op string, err error) error {
	return &opError{op: op, err: err}
}

type opError struct {
	op  string
	err error
}

func (e *opError) Error() string { return "ble: " + e.op + ": " + e.err.Error() }
func (e *opError) Unwrap() error { return e.err }
