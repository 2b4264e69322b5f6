package ble

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/prop"
	"github.com/sirupsen/logrus"

	"github.com/Tinnci/cattysend/logging"
	"github.com/Tinnci/cattysend/wire"
)

const (
	advErrInProgress = "org.bluez.Error.InProgress"
	advErrFailed     = "org.bluez.Error.Failed"
)

// instanceCounter keeps object paths unique across sequential sessions on the
// same bus connection.
var instanceCounter atomic.Uint64

// P2pWrite is one CHAR_P2P write from a central: the raw base64 ciphertext
// and the writer's address when BlueZ surfaced it.
type P2pWrite struct {
	Payload []byte
	Central string
}

// Advertiser publishes the device identity and runs the GATT server half of
// the key exchange.
type Advertiser struct {
	session *Session
	logger  *logrus.Logger
}

// NewAdvertiser binds an advertiser to a BlueZ session.
func NewAdvertiser(session *Session, logger *logrus.Logger) *Advertiser {
	return &Advertiser{session: session, logger: logging.OrDiscard(logger)}
}

// AdvertisementHandle is a live advertisement plus GATT application. It is a
// scoped resource: Close stops the advertisement and unregisters the
// application, releasing the shared adapter.
type AdvertisementHandle struct {
	session *Session
	logger  *logrus.Logger

	advPath dbus.ObjectPath
	appPath dbus.ObjectPath

	statusProps *prop.Properties

	mu          sync.Mutex
	statusValue []byte
	p2pResponse []byte
	pending     bool
	closed      bool

	writes chan P2pWrite
}

// Start registers the Legacy advertisement (identity frame + scan-response
// name frame) and the GATT application. BlueZ without experimental scan
// response support rejects the registration; that surfaces as
// ErrAdvertisementRejected.
func (a *Advertiser) Start(adv wire.Advertisement) (*AdvertisementHandle, error) {
	if err := adv.Validate(); err != nil {
		return nil, err
	}

	instance := instanceCounter.Add(1)
	handle := &AdvertisementHandle{
		session: a.session,
		logger:  a.logger,
		advPath: dbus.ObjectPath(fmt.Sprintf("/com/cattysend/advertisement%d", instance)),
		appPath: dbus.ObjectPath(fmt.Sprintf("/com/cattysend/app%d", instance)),
		writes:  make(chan P2pWrite, 8),
	}

	if err := handle.exportApplication(); err != nil {
		return nil, err
	}
	if err := handle.exportAdvertisement(adv); err != nil {
		handle.unexport()
		return nil, err
	}

	adapter := a.session.adapter()
	options := map[string]dbus.Variant{}

	if call := adapter.Call(gattManagerIface+".RegisterApplication", 0, handle.appPath, options); call.Err != nil {
		handle.unexport()
		return nil, fmt.Errorf("ble: register gatt application: %w", call.Err)
	}
	if call := adapter.Call(advManagerIface+".RegisterAdvertisement", 0, handle.advPath, options); call.Err != nil {
		_ = adapter.Call(gattManagerIface+".UnregisterApplication", 0, handle.appPath).Err
		handle.unexport()
		return nil, fmt.Errorf("%w: %v", ErrAdvertisementRejected, call.Err)
	}

	a.logger.Debugf("advertising as %q (brand %s, sender %04x)", adv.DeviceName, adv.Brand.Name(), adv.SenderID)
	return handle, nil
}

// PublishStatus atomically replaces the CHAR_STATUS value and notifies
// subscribed centrals.
func (h *AdvertisementHandle) PublishStatus(info wire.DeviceInfo) error {
	payload, err := info.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode device info: %w", err)
	}

	h.mu.Lock()
	h.statusValue = payload
	h.mu.Unlock()

	// Setting Value through the Properties interface emits PropertiesChanged,
	// which is how BlueZ delivers GATT notifications for server characteristics.
	if h.statusProps != nil {
		h.statusProps.SetMust(gattCharIface, "Value", payload)
	}
	return nil
}

// Writes delivers CHAR_P2P writes from centrals.
func (h *AdvertisementHandle) Writes() <-chan P2pWrite {
	return h.writes
}

// SetP2pResponse installs the encrypted response for the central's next read.
func (h *AdvertisementHandle) SetP2pResponse(payload []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("ble: advertisement closed")
	}
	h.p2pResponse = append([]byte(nil), payload...)
	return nil
}

// Close unregisters the advertisement and application. Idempotent.
func (h *AdvertisementHandle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	adapter := h.session.adapter()
	if call := adapter.Call(advManagerIface+".UnregisterAdvertisement", 0, h.advPath); call.Err != nil {
		h.logger.Debugf("unregister advertisement: %v", call.Err)
	}
	if call := adapter.Call(gattManagerIface+".UnregisterApplication", 0, h.appPath); call.Err != nil {
		h.logger.Debugf("unregister application: %v", call.Err)
	}
	h.unexport()
	close(h.writes)
	return nil
}

// --- D-Bus object exports ---

type advertisementObject struct{}

// Release is called by BlueZ when it tears the advertisement down.
func (advertisementObject) Release() *dbus.Error { return nil }

func (h *AdvertisementHandle) exportAdvertisement(adv wire.Advertisement) error {
	conn := h.session.conn

	if err := conn.Export(advertisementObject{}, h.advPath, advertisementIface); err != nil {
		return fmt.Errorf("export advertisement object: %w", err)
	}

	serviceData := map[string]dbus.Variant{
		uuid16String(adv.IdentityUUID()): dbus.MakeVariant(adv.IdentityServiceData()),
	}
	scanRespData := map[string]dbus.Variant{
		uuid16String(wire.ScanResponseUUID16): dbus.MakeVariant(adv.ScanResponseServiceData()),
	}

	properties := map[string]map[string]*prop.Prop{
		advertisementIface: {
			"Type":                    {Value: "peripheral", Emit: prop.EmitFalse},
			"ServiceUUIDs":            {Value: []string{wire.AdvertisingServiceUUID}, Emit: prop.EmitFalse},
			"ServiceData":             {Value: serviceData, Emit: prop.EmitFalse},
			"ScanResponseServiceData": {Value: scanRespData, Emit: prop.EmitFalse},
			"Discoverable":            {Value: true, Emit: prop.EmitFalse},
		},
	}
	if _, err := prop.Export(conn, h.advPath, properties); err != nil {
		return fmt.Errorf("export advertisement properties: %w", err)
	}
	return nil
}

type gattApplication struct {
	handle *AdvertisementHandle
}

// GetManagedObjects describes the GATT service tree to BlueZ.
func (app gattApplication) GetManagedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, *dbus.Error) {
	h := app.handle

	servicePath := h.servicePath()
	statusPath := h.statusCharPath()
	p2pPath := h.p2pCharPath()

	return map[dbus.ObjectPath]map[string]map[string]dbus.Variant{
		servicePath: {
			gattServiceIface: {
				"UUID":    dbus.MakeVariant(wire.GattServiceUUID),
				"Primary": dbus.MakeVariant(true),
			},
		},
		statusPath: {
			gattCharIface: {
				"UUID":    dbus.MakeVariant(wire.StatusCharUUID),
				"Service": dbus.MakeVariant(servicePath),
				"Flags":   dbus.MakeVariant([]string{"read", "notify"}),
			},
		},
		p2pPath: {
			gattCharIface: {
				"UUID":    dbus.MakeVariant(wire.P2pCharUUID),
				"Service": dbus.MakeVariant(servicePath),
				"Flags":   dbus.MakeVariant([]string{"read", "write"}),
			},
		},
	}, nil
}

type statusCharacteristic struct {
	handle *AdvertisementHandle
}

// ReadValue serves the DeviceInfo JSON, honoring the read offset.
func (c statusCharacteristic) ReadValue(options map[string]dbus.Variant) ([]byte, *dbus.Error) {
	c.handle.mu.Lock()
	value := c.handle.statusValue
	c.handle.mu.Unlock()
	return sliceAtOffset(value, options), nil
}

// StartNotify enables notifications; state lives in the Properties export.
func (c statusCharacteristic) StartNotify() *dbus.Error { return nil }

// StopNotify disables notifications.
func (c statusCharacteristic) StopNotify() *dbus.Error { return nil }

type p2pCharacteristic struct {
	handle *AdvertisementHandle
}

// ReadValue serves the encrypted response installed by SetP2pResponse.
func (c p2pCharacteristic) ReadValue(options map[string]dbus.Variant) ([]byte, *dbus.Error) {
	c.handle.mu.Lock()
	value := c.handle.p2pResponse
	if len(value) > 0 {
		// The exchange completes with this read; admit the next central.
		c.handle.pending = false
	}
	c.handle.mu.Unlock()
	return sliceAtOffset(value, options), nil
}

// WriteValue accepts one pending transfer at a time; concurrent centrals get
// a GATT error until the active exchange finishes.
func (c p2pCharacteristic) WriteValue(value []byte, options map[string]dbus.Variant) *dbus.Error {
	h := c.handle

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return dbus.NewError(advErrFailed, nil)
	}
	if h.pending {
		h.mu.Unlock()
		return dbus.NewError(advErrInProgress, nil)
	}
	h.pending = true
	h.p2pResponse = nil
	h.mu.Unlock()

	write := P2pWrite{Payload: append([]byte(nil), value...), Central: centralAddress(options)}
	select {
	case h.writes <- write:
		return nil
	default:
		h.mu.Lock()
		h.pending = false
		h.mu.Unlock()
		return dbus.NewError(advErrFailed, nil)
	}
}

func (h *AdvertisementHandle) exportApplication() error {
	conn := h.session.conn

	if err := conn.Export(gattApplication{handle: h}, h.appPath, objectManagerIface); err != nil {
		return fmt.Errorf("export gatt application: %w", err)
	}

	servicePath := h.servicePath()
	serviceProps := map[string]map[string]*prop.Prop{
		gattServiceIface: {
			"UUID":    {Value: wire.GattServiceUUID, Emit: prop.EmitFalse},
			"Primary": {Value: true, Emit: prop.EmitFalse},
		},
	}
	if _, err := prop.Export(conn, servicePath, serviceProps); err != nil {
		return fmt.Errorf("export gatt service properties: %w", err)
	}

	if err := conn.Export(statusCharacteristic{handle: h}, h.statusCharPath(), gattCharIface); err != nil {
		return fmt.Errorf("export status characteristic: %w", err)
	}
	statusProps := map[string]map[string]*prop.Prop{
		gattCharIface: {
			"UUID":    {Value: wire.StatusCharUUID, Emit: prop.EmitFalse},
			"Service": {Value: servicePath, Emit: prop.EmitFalse},
			"Flags":   {Value: []string{"read", "notify"}, Emit: prop.EmitFalse},
			"Value":   {Value: []byte{}, Writable: true, Emit: prop.EmitTrue},
		},
	}
	props, err := prop.Export(conn, h.statusCharPath(), statusProps)
	if err != nil {
		return fmt.Errorf("export status characteristic properties: %w", err)
	}
	h.statusProps = props

	if err := conn.Export(p2pCharacteristic{handle: h}, h.p2pCharPath(), gattCharIface); err != nil {
		return fmt.Errorf("export p2p characteristic: %w", err)
	}
	p2pProps := map[string]map[string]*prop.Prop{
		gattCharIface: {
			"UUID":    {Value: wire.P2pCharUUID, Emit: prop.EmitFalse},
			"Service": {Value: servicePath, Emit: prop.EmitFalse},
			"Flags":   {Value: []string{"read", "write"}, Emit: prop.EmitFalse},
		},
	}
	if _, err := prop.Export(conn, h.p2pCharPath(), p2pProps); err != nil {
		return fmt.Errorf("export p2p characteristic properties: %w", err)
	}

	return nil
}

func (h *AdvertisementHandle) unexport() {
	conn := h.session.conn
	for _, path := range []dbus.ObjectPath{h.advPath, h.appPath, h.servicePath(), h.statusCharPath(), h.p2pCharPath()} {
		_ = conn.Export(nil, path, advertisementIface)
		_ = conn.Export(nil, path, objectManagerIface)
		_ = conn.Export(nil, path, gattCharIface)
		_ = conn.Export(nil, path, propertiesIface)
	}
}

func (h *AdvertisementHandle) servicePath() dbus.ObjectPath {
	return dbus.ObjectPath(string(h.appPath) + "/service0")
}

func (h *AdvertisementHandle) statusCharPath() dbus.ObjectPath {
	return dbus.ObjectPath(string(h.appPath) + "/service0/char0")
}

func (h *AdvertisementHandle) p2pCharPath() dbus.ObjectPath {
	return dbus.ObjectPath(string(h.appPath) + "/service0/char1")
}

// sliceAtOffset honors the GATT read offset option.
func sliceAtOffset(value []byte, options map[string]dbus.Variant) []byte {
	offset := 0
	if variant, ok := options["offset"]; ok {
		if off, ok := variant.Value().(uint16); ok {
			offset = int(off)
		}
	}
	if offset >= len(value) {
		return []byte{}
	}
	return append([]byte(nil), value[offset:]...)
}

// centralAddress extracts the writing central's MAC from the device option.
func centralAddress(options map[string]dbus.Variant) string {
	variant, ok := options["device"]
	if !ok {
		return ""
	}
	path, ok := variant.Value().(dbus.ObjectPath)
	if !ok {
		return ""
	}
	if mac, ok := macFromDevicePath(path); ok {
		return mac
	}
	return ""
}
