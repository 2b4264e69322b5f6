package ble

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/godbus/dbus/v5"

	"github.com/Tinnci/cattysend/wire"
)

const (
	// p2pReadRetries and p2pReadBackoff govern rereads of an empty CHAR_P2P:
	// the peer may need a beat to populate the response after our write.
	p2pReadRetries = 3
	p2pReadBackoff = 500 * time.Millisecond

	servicesResolvedPoll = 200 * time.Millisecond
)

// PeerClient is a live GATT connection to one peer. It is a scoped resource;
// Close disconnects.
type PeerClient struct {
	session    *Session
	devicePath dbus.ObjectPath
	statusPath dbus.ObjectPath
	p2pPath    dbus.ObjectPath
	closed     bool
}

// Connect opens a GATT connection to mac and resolves the protocol
// characteristics. The whole sequence is bounded by GattConnectTimeout.
func (s *Scanner) Connect(ctx context.Context, mac string) (*PeerClient, error) {
	ctx, cancel := context.WithTimeout(ctx, GattConnectTimeout)
	defer cancel()

	devicePath := s.session.devicePath(mac)
	device := s.session.conn.Object(bluezService, devicePath)

	if call := device.CallWithContext(ctx, deviceIface+".Connect", 0); call.Err != nil {
		return nil, fmt.Errorf("ble: connect %s: %w", mac, call.Err)
	}

	client := &PeerClient{session: s.session, devicePath: devicePath}
	if err := client.waitServicesResolved(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	if err := client.resolveCharacteristics(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// ConnectAndReadStatus connects and reads CHAR_STATUS in one round. The
// returned client stays connected for the P2P exchange.
func (s *Scanner) ConnectAndReadStatus(ctx context.Context, mac string) (wire.DeviceInfo, *PeerClient, error) {
	client, err := s.Connect(ctx, mac)
	if err != nil {
		return wire.DeviceInfo{}, nil, err
	}

	info, err := client.ReadStatus(ctx)
	if err != nil {
		_ = client.Close()
		return wire.DeviceInfo{}, nil, err
	}
	return info, client, nil
}

// ReadStatus reads and validates the peer's DeviceInfo.
func (c *PeerClient) ReadStatus(ctx context.Context) (wire.DeviceInfo, error) {
	raw, err := c.readValue(ctx, c.statusPath)
	if err != nil {
		return wire.DeviceInfo{}, fmt.Errorf("read status characteristic: %w", err)
	}

	var info wire.DeviceInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return wire.DeviceInfo{}, fmt.Errorf("decode device info: %w", err)
	}
	if err := info.Validate(); err != nil {
		return wire.DeviceInfo{}, err
	}
	return info, nil
}

// WriteP2pRequest writes the encrypted P2pInfo request to CHAR_P2P.
func (c *PeerClient) WriteP2pRequest(ctx context.Context, payload []byte) error {
	char := c.session.conn.Object(bluezService, c.p2pPath)
	options := map[string]dbus.Variant{"type": dbus.MakeVariant("request")}
	if call := char.CallWithContext(ctx, gattCharIface+".WriteValue", 0, payload, options); call.Err != nil {
		return fmt.Errorf("%w: %v", ErrPeerRejected, call.Err)
	}
	return nil
}

// ReadP2pResponse reads the encrypted P2pInfo response from CHAR_P2P,
// retrying empty payloads while the peer populates it.
func (c *PeerClient) ReadP2pResponse(ctx context.Context) ([]byte, error) {
	var payload []byte

	operation := func() error {
		raw, err := c.readValue(ctx, c.p2pPath)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("read p2p characteristic: %w", err))
		}
		if len(raw) == 0 {
			return fmt.Errorf("ble: p2p characteristic empty")
		}
		payload = raw
		return nil
	}

	schedule := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p2pReadBackoff), p2pReadRetries),
		ctx)
	if err := backoff.Retry(operation, schedule); err != nil {
		return nil, err
	}
	return payload, nil
}

// Close disconnects from the peer. Safe to call more than once.
func (c *PeerClient) Close() error {
	if c == nil || c.closed {
		return nil
	}
	c.closed = true

	device := c.session.conn.Object(bluezService, c.devicePath)
	if call := device.Call(deviceIface+".Disconnect", 0); call.Err != nil {
		return fmt.Errorf("ble: disconnect: %w", call.Err)
	}
	return nil
}

func (c *PeerClient) readValue(ctx context.Context, path dbus.ObjectPath) ([]byte, error) {
	char := c.session.conn.Object(bluezService, path)
	options := map[string]dbus.Variant{"offset": dbus.MakeVariant(uint16(0))}

	var value []byte
	call := char.CallWithContext(ctx, gattCharIface+".ReadValue", 0, options)
	if call.Err != nil {
		return nil, call.Err
	}
	if err := call.Store(&value); err != nil {
		return nil, err
	}
	return value, nil
}

func (c *PeerClient) waitServicesResolved(ctx context.Context) error {
	device := c.session.conn.Object(bluezService, c.devicePath)
	for {
		variant, err := device.GetProperty(deviceIface + ".ServicesResolved")
		if err == nil {
			if resolved, _ := variant.Value().(bool); resolved {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("ble: waiting for service discovery: %w", ctx.Err())
		case <-time.After(servicesResolvedPoll):
		}
	}
}

// resolveCharacteristics locates CHAR_STATUS and CHAR_P2P under the device.
func (c *PeerClient) resolveCharacteristics() error {
	objects, err := c.session.managedObjects()
	if err != nil {
		return err
	}

	prefix := string(c.devicePath)
	for path, interfaces := range objects {
		props, ok := interfaces[gattCharIface]
		if !ok || len(string(path)) < len(prefix) || string(path)[:len(prefix)] != prefix {
			continue
		}
		uuid, _ := props["UUID"].Value().(string)
		switch {
		case equalUUID(uuid, wire.StatusCharUUID):
			c.statusPath = path
		case equalUUID(uuid, wire.P2pCharUUID):
			c.p2pPath = path
		}
	}

	if c.statusPath == "" {
		return fmt.Errorf("%w: status", ErrCharacteristicNotFound)
	}
	if c.p2pPath == "" {
		return fmt.Errorf("%w: p2p", ErrCharacteristicNotFound)
	}
	return nil
}
