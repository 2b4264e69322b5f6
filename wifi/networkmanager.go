package wifi

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
)

// NetworkManager D-Bus names.
const (
	nmService     = "org.freedesktop.NetworkManager"
	nmPath        = dbus.ObjectPath("/org/freedesktop/NetworkManager")
	nmIface       = "org.freedesktop.NetworkManager"
	nmDeviceIface = "org.freedesktop.NetworkManager.Device"
	nmActiveIface = "org.freedesktop.NetworkManager.Connection.Active"
	nmIP4Iface    = "org.freedesktop.NetworkManager.IP4Config"
	nmConnIface   = "org.freedesktop.NetworkManager.Settings.Connection"
	nmWifiIface   = "org.freedesktop.NetworkManager.Device.Wireless"
	nmAPIface     = "org.freedesktop.NetworkManager.AccessPoint"
)

// NM device and active-connection state values.
const (
	nmDeviceTypeWifi uint32 = 2

	nmActiveStateActivating   uint32 = 1
	nmActiveStateActivated    uint32 = 2
	nmActiveStateDeactivating uint32 = 3
	nmActiveStateDeactivated  uint32 = 4
)

// SharedModeIPv4 is the address NetworkManager assigns the AP side of a
// shared-mode connection.
const SharedModeIPv4 = "10.42.0.1"

const activePollInterval = 500 * time.Millisecond

// NMBackend drives NetworkManager over the system bus.
type NMBackend struct {
	conn    *dbus.Conn
	logger  *logrus.Logger
	version string
}

// NewNMBackend connects to the system bus and verifies NetworkManager responds.
func NewNMBackend(logger *logrus.Logger) (*NMBackend, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}

	obj := conn.Object(nmService, nmPath)
	variant, err := obj.GetProperty(nmIface + ".Version")
	if err != nil {
		return nil, fmt.Errorf("query NetworkManager version: %w", err)
	}
	version, _ := variant.Value().(string)

	return &NMBackend{conn: conn, logger: logger, version: version}, nil
}

// Name identifies the backend.
func (b *NMBackend) Name() string { return "networkmanager" }

// CreateGroup brings up a shared-mode AP connection and returns its
// credentials and endpoint. It waits for Activated only; NM serves the
// shared-mode IPv4 lease lazily, so waiting on it would deadlock.
func (b *NMBackend) CreateGroup(ctx context.Context, opts CreateOptions) (*Group, error) {
	ssid, err := GenerateSSID()
	if err != nil {
		return nil, err
	}
	psk, err := GeneratePSK()
	if err != nil {
		return nil, err
	}

	devicePath, _, err := b.findWifiDevice(opts.Interface)
	if err != nil {
		return nil, err
	}

	band := "bg"
	if opts.Use5GHz {
		band = "a"
	}
	settings := hotspotSettings(ssid, psk, band, opts.Interface)

	settingsPath, activePath, err := b.addAndActivate(ctx, settings, devicePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrActivationFailed, err)
	}

	teardown := b.teardownFunc(settingsPath, activePath)

	if err := b.waitActiveState(ctx, activePath, ActivateTimeout); err != nil {
		_ = teardown()
		return nil, fmt.Errorf("%w: %v", ErrActivationFailed, err)
	}

	iface, err := b.activeInterface(activePath)
	if err != nil {
		_ = teardown()
		return nil, fmt.Errorf("%w: %v", ErrActivationFailed, err)
	}

	mac, err := readHardwareMac(iface)
	if err != nil {
		_ = teardown()
		return nil, err
	}

	b.logger.Debugf("hotspot %s up on %s (%s)", ssid, iface, mac)
	return &Group{
		SSID:      ssid,
		PSK:       psk,
		Mac:       mac,
		IPv4:      SharedModeIPv4,
		Interface: iface,
		teardown:  teardown,
	}, nil
}

// JoinGroup associates with the sender's hotspot and waits for an IPv4 lease.
func (b *NMBackend) JoinGroup(ctx context.Context, opts JoinOptions) (*Join, error) {
	devicePath, _, err := b.findWifiDevice(opts.Interface)
	if err != nil {
		return nil, err
	}

	settings := clientSettings(opts.SSID, opts.PSK, opts.Interface)

	settingsPath, activePath, err := b.addAndActivate(ctx, settings, devicePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJoinFailed, err)
	}

	teardown := b.teardownFunc(settingsPath, activePath)

	if err := b.waitActiveState(ctx, activePath, ActivateTimeout); err != nil {
		_ = teardown()
		return nil, fmt.Errorf("%w: %v", ErrJoinFailed, err)
	}

	ipv4, err := b.waitIPv4Lease(ctx, activePath, LeaseTimeout)
	if err != nil {
		_ = teardown()
		return nil, err
	}

	iface, err := b.activeInterface(activePath)
	if err != nil {
		_ = teardown()
		return nil, fmt.Errorf("%w: %v", ErrJoinFailed, err)
	}

	if opts.PeerMac != "" {
		b.checkBSSID(devicePath, opts.PeerMac)
	}

	b.logger.Debugf("joined %s on %s with ip %s", opts.SSID, iface, ipv4)
	return &Join{IPv4: ipv4, Interface: iface, teardown: teardown}, nil
}

func (b *NMBackend) addAndActivate(ctx context.Context, settings map[string]map[string]dbus.Variant, devicePath dbus.ObjectPath) (dbus.ObjectPath, dbus.ObjectPath, error) {
	obj := b.conn.Object(nmService, nmPath)

	var settingsPath, activePath dbus.ObjectPath
	call := obj.CallWithContext(ctx, nmIface+".AddAndActivateConnection", 0,
		settings, devicePath, dbus.ObjectPath("/"))
	if call.Err != nil {
		return "", "", fmt.Errorf("AddAndActivateConnection: %w", call.Err)
	}
	if err := call.Store(&settingsPath, &activePath); err != nil {
		return "", "", fmt.Errorf("decode AddAndActivateConnection reply: %w", err)
	}
	return settingsPath, activePath, nil
}

func (b *NMBackend) teardownFunc(settingsPath, activePath dbus.ObjectPath) func() error {
	return func() error {
		nm := b.conn.Object(nmService, nmPath)
		if call := nm.Call(nmIface+".DeactivateConnection", 0, activePath); call.Err != nil {
			b.logger.Debugf("deactivate %s: %v", activePath, call.Err)
		}
		conn := b.conn.Object(nmService, settingsPath)
		if call := conn.Call(nmConnIface+".Delete", 0); call.Err != nil {
			return fmt.Errorf("delete connection %s: %w", settingsPath, call.Err)
		}
		return nil
	}
}

// findWifiDevice returns the D-Bus path and interface name of the requested
// (or first) Wi-Fi device.
func (b *NMBackend) findWifiDevice(wantIface string) (dbus.ObjectPath, string, error) {
	obj := b.conn.Object(nmService, nmPath)
	variant, err := obj.GetProperty(nmIface + ".Devices")
	if err != nil {
		return "", "", fmt.Errorf("list devices: %w", err)
	}
	paths, _ := variant.Value().([]dbus.ObjectPath)

	for _, path := range paths {
		device := b.conn.Object(nmService, path)

		typeVar, err := device.GetProperty(nmDeviceIface + ".DeviceType")
		if err != nil {
			continue
		}
		devType, _ := typeVar.Value().(uint32)
		if devType != nmDeviceTypeWifi {
			continue
		}

		ifaceVar, err := device.GetProperty(nmDeviceIface + ".Interface")
		if err != nil {
			continue
		}
		iface, _ := ifaceVar.Value().(string)

		if wantIface == "" || iface == wantIface {
			return path, iface, nil
		}
	}
	return "", "", fmt.Errorf("wifi: no Wi-Fi device found (want %q)", wantIface)
}

func (b *NMBackend) waitActiveState(ctx context.Context, activePath dbus.ObjectPath, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastState uint32

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for activation (last state %d)", lastState)
		}

		obj := b.conn.Object(nmService, activePath)
		variant, err := obj.GetProperty(nmActiveIface + ".State")
		if err == nil {
			state, _ := variant.Value().(uint32)
			if state != lastState {
				b.logger.Debugf("active connection %s state %d -> %d", activePath, lastState, state)
				lastState = state
			}
			switch state {
			case nmActiveStateActivated:
				return nil
			case nmActiveStateDeactivating, nmActiveStateDeactivated:
				return fmt.Errorf("connection deactivated (state %d)", state)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(activePollInterval):
		}
	}
}

func (b *NMBackend) waitIPv4Lease(ctx context.Context, activePath dbus.ObjectPath, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if time.Now().After(deadline) {
			return "", ErrLeaseTimeout
		}

		if ip := b.readIPv4(activePath); ip != "" {
			return ip, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(activePollInterval):
		}
	}
}

func (b *NMBackend) readIPv4(activePath dbus.ObjectPath) string {
	obj := b.conn.Object(nmService, activePath)
	configVar, err := obj.GetProperty(nmActiveIface + ".Ip4Config")
	if err != nil {
		return ""
	}
	configPath, _ := configVar.Value().(dbus.ObjectPath)
	if configPath == "" || configPath == "/" {
		return ""
	}

	config := b.conn.Object(nmService, configPath)
	dataVar, err := config.GetProperty(nmIP4Iface + ".AddressData")
	if err != nil {
		return ""
	}
	entries, _ := dataVar.Value().([]map[string]dbus.Variant)
	for _, entry := range entries {
		if addr, ok := entry["address"]; ok {
			if ip, ok := addr.Value().(string); ok && ip != "" {
				return ip
			}
		}
	}
	return ""
}

func (b *NMBackend) activeInterface(activePath dbus.ObjectPath) (string, error) {
	obj := b.conn.Object(nmService, activePath)
	devicesVar, err := obj.GetProperty(nmActiveIface + ".Devices")
	if err != nil {
		return "", fmt.Errorf("read active connection devices: %w", err)
	}
	paths, _ := devicesVar.Value().([]dbus.ObjectPath)
	if len(paths) == 0 {
		return "", fmt.Errorf("active connection %s has no device", activePath)
	}

	device := b.conn.Object(nmService, paths[0])
	ifaceVar, err := device.GetProperty(nmDeviceIface + ".Interface")
	if err != nil {
		return "", fmt.Errorf("read device interface: %w", err)
	}
	iface, _ := ifaceVar.Value().(string)
	return iface, nil
}

// checkBSSID warns when the associated BSSID differs from the peer MAC. A
// mismatch is advisory: it is logged and the join goes on. Some drivers hide
// the active access point; when the BSSID is unreadable the check is skipped.
func (b *NMBackend) checkBSSID(devicePath dbus.ObjectPath, peerMac string) {
	device := b.conn.Object(nmService, devicePath)
	apVar, err := device.GetProperty(nmWifiIface + ".ActiveAccessPoint")
	if err != nil {
		return
	}
	apPath, _ := apVar.Value().(dbus.ObjectPath)
	if apPath == "" || apPath == "/" {
		return
	}

	ap := b.conn.Object(nmService, apPath)
	hwVar, err := ap.GetProperty(nmAPIface + ".HwAddress")
	if err != nil {
		return
	}
	bssid, _ := hwVar.Value().(string)
	if bssid != "" && !strings.EqualFold(bssid, peerMac) {
		b.logger.Warnf("associated BSSID %s does not match peer mac %s", bssid, peerMac)
	}
}

func hotspotSettings(ssid, psk, band, iface string) map[string]map[string]dbus.Variant {
	connection := map[string]dbus.Variant{
		"id":          dbus.MakeVariant("cattysend-hotspot-" + ssid),
		"type":        dbus.MakeVariant("802-11-wireless"),
		"autoconnect": dbus.MakeVariant(false),
	}
	if iface != "" {
		connection["interface-name"] = dbus.MakeVariant(iface)
	}

	return map[string]map[string]dbus.Variant{
		"connection": connection,
		"802-11-wireless": {
			"ssid": dbus.MakeVariant([]byte(ssid)),
			"mode": dbus.MakeVariant("ap"),
			"band": dbus.MakeVariant(band),
		},
		"802-11-wireless-security": {
			"key-mgmt": dbus.MakeVariant("wpa-psk"),
			"psk":      dbus.MakeVariant(psk),
		},
		"ipv4": {
			"method": dbus.MakeVariant("shared"),
		},
		"ipv6": {
			"method": dbus.MakeVariant("ignore"),
		},
	}
}

func clientSettings(ssid, psk, iface string) map[string]map[string]dbus.Variant {
	connection := map[string]dbus.Variant{
		"id":          dbus.MakeVariant("cattysend-wifi-" + ssid),
		"type":        dbus.MakeVariant("802-11-wireless"),
		"autoconnect": dbus.MakeVariant(false),
	}
	if iface != "" {
		connection["interface-name"] = dbus.MakeVariant(iface)
	}

	return map[string]map[string]dbus.Variant{
		"connection": connection,
		"802-11-wireless": {
			"ssid": dbus.MakeVariant([]byte(ssid)),
			"mode": dbus.MakeVariant("infrastructure"),
		},
		"802-11-wireless-security": {
			"key-mgmt": dbus.MakeVariant("wpa-psk"),
			"psk":      dbus.MakeVariant(psk),
		},
		"ipv4": {
			"method": dbus.MakeVariant("auto"),
		},
		"ipv6": {
			"method": dbus.MakeVariant("auto"),
		},
	}
}

// HardwareMac reads an interface MAC from sysfs, uppercased to the wire
// format.
func HardwareMac(iface string) (string, error) {
	return readHardwareMac(iface)
}

// readHardwareMac reads the interface MAC from sysfs, uppercased to the wire
// format.
func readHardwareMac(iface string) (string, error) {
	raw, err := os.ReadFile("/sys/class/net/" + iface + "/address")
	if err != nil {
		return "", fmt.Errorf("read hardware address of %s: %w", iface, err)
	}
	return strings.ToUpper(strings.TrimSpace(string(raw))), nil
}
