// Package ble talks to BlueZ over the system bus: discovery and GATT client
// for the receiver role, advertising and GATT server for the sender role.
//
// Legacy advertising with scan-response service data needs BlueZ >= 5.65 with
// Experimental = true in /etc/bluetooth/main.conf.
package ble

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"github.com/Tinnci/cattysend/logging"
)

// BlueZ D-Bus names.
const (
	bluezService       = "org.bluez"
	bluezRootPath      = dbus.ObjectPath("/")
	adapterIface       = "org.bluez.Adapter1"
	deviceIface        = "org.bluez.Device1"
	gattServiceIface   = "org.bluez.GattService1"
	gattCharIface      = "org.bluez.GattCharacteristic1"
	gattManagerIface   = "org.bluez.GattManager1"
	advManagerIface    = "org.bluez.LEAdvertisingManager1"
	advertisementIface = "org.bluez.LEAdvertisement1"
	objectManagerIface = "org.freedesktop.DBus.ObjectManager"
	propertiesIface    = "org.freedesktop.DBus.Properties"
)

// GattConnectTimeout bounds Device1.Connect plus service resolution.
const GattConnectTimeout = 10 * time.Second

var (
	// ErrAdapterUnavailable indicates no powered BlueZ adapter was found.
	ErrAdapterUnavailable = errors.New("ble: bluetooth adapter unavailable")
	// ErrAdvertisementRejected indicates BlueZ refused the advertisement,
	// typically because the daemon is not in experimental mode.
	ErrAdvertisementRejected = errors.New("ble: advertisement rejected by bluez")
	// ErrPeerRejected indicates the remote GATT server refused a write.
	ErrPeerRejected = errors.New("ble: peer rejected gatt write")
	// ErrCharacteristicNotFound indicates service discovery did not surface
	// an expected characteristic.
	ErrCharacteristicNotFound = errors.New("ble: characteristic not found")
)

// Session owns the system-bus connection and the default adapter. The adapter
// is a process-wide shared resource; advertisements and GATT applications
// must be released before a session is reused.
type Session struct {
	conn        *dbus.Conn
	adapterPath dbus.ObjectPath
	logger      *logrus.Logger
}

// NewSession connects to the system bus, locates the first adapter, and
// powers it on.
func NewSession(logger *logrus.Logger) (*Session, error) {
	logger = logging.OrDiscard(logger)

	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("%w: connect system bus: %v", ErrAdapterUnavailable, err)
	}

	adapterPath, err := findAdapter(conn)
	if err != nil {
		return nil, err
	}

	session := &Session{conn: conn, adapterPath: adapterPath, logger: logger}
	if err := session.setAdapterPowered(true); err != nil {
		return nil, err
	}

	logger.Debugf("using bluetooth adapter %s", adapterPath)
	return session, nil
}

// AdapterPath returns the D-Bus path of the bound adapter.
func (s *Session) AdapterPath() dbus.ObjectPath {
	return s.adapterPath
}

func (s *Session) adapter() dbus.BusObject {
	return s.conn.Object(bluezService, s.adapterPath)
}

func (s *Session) setAdapterPowered(on bool) error {
	call := s.adapter().Call(propertiesIface+".Set", 0, adapterIface, "Powered", dbus.MakeVariant(on))
	if call.Err != nil {
		return fmt.Errorf("%w: power adapter: %v", ErrAdapterUnavailable, call.Err)
	}
	return nil
}

// managedObjects fetches the full BlueZ object tree.
func (s *Session) managedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	call := s.conn.Object(bluezService, bluezRootPath).Call(objectManagerIface+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("get managed objects: %w", call.Err)
	}
	if err := call.Store(&objects); err != nil {
		return nil, fmt.Errorf("decode managed objects: %w", err)
	}
	return objects, nil
}

func findAdapter(conn *dbus.Conn) (dbus.ObjectPath, error) {
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	call := conn.Object(bluezService, bluezRootPath).Call(objectManagerIface+".GetManagedObjects", 0)
	if call.Err != nil {
		return "", fmt.Errorf("%w: %v", ErrAdapterUnavailable, call.Err)
	}
	if err := call.Store(&objects); err != nil {
		return "", fmt.Errorf("%w: %v", ErrAdapterUnavailable, err)
	}

	for path, interfaces := range objects {
		if _, ok := interfaces[adapterIface]; ok {
			return path, nil
		}
	}
	return "", ErrAdapterUnavailable
}

// devicePath maps a MAC address to its BlueZ object path under the adapter.
func (s *Session) devicePath(mac string) dbus.ObjectPath {
	node := "dev_" + strings.ReplaceAll(strings.ToUpper(mac), ":", "_")
	return dbus.ObjectPath(string(s.adapterPath) + "/" + node)
}

// uuid16String expands a 16-bit UUID to the Bluetooth base-UUID string form
// BlueZ uses as service-data keys.
func uuid16String(uuid16 uint16) string {
	return fmt.Sprintf("0000%04x-0000-1000-8000-00805f9b34fb", uuid16)
}

func equalUUID(a, b string) bool {
	return strings.EqualFold(a, b)
}

// parseUUID16 extracts the 16-bit alias from a base-UUID string, if it is one.
func parseUUID16(uuid string) (uint16, bool) {
	uuid = strings.ToLower(uuid)
	if len(uuid) != 36 || !strings.HasPrefix(uuid, "0000") || !strings.HasSuffix(uuid, "-0000-1000-8000-00805f9b34fb") {
		return 0, false
	}
	var value uint16
	if _, err := fmt.Sscanf(uuid[4:8], "%04x", &value); err != nil {
		return 0, false
	}
	return value, true
}
