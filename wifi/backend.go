// Package wifi establishes the Wi-Fi leg of a transfer: a shared-mode hotspot
// on the sender, a client join on the receiver.
package wifi

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Tinnci/cattysend/logging"
)

// Timeouts for link establishment.
const (
	ActivateTimeout = 30 * time.Second
	LeaseTimeout    = 20 * time.Second
)

var (
	// ErrNoHotspotBackend indicates neither NetworkManager nor wpa_cli is usable.
	ErrNoHotspotBackend = errors.New("wifi: no hotspot backend available")
	// ErrActivationFailed indicates the hotspot connection never reached Activated.
	ErrActivationFailed = errors.New("wifi: hotspot activation failed")
	// ErrJoinFailed indicates the client connection never reached Activated.
	ErrJoinFailed = errors.New("wifi: join failed")
	// ErrLeaseTimeout indicates no IPv4 lease arrived in time.
	ErrLeaseTimeout = errors.New("wifi: ipv4 lease timeout")
)

// CreateOptions configures the sender-side group.
type CreateOptions struct {
	// Interface pins the Wi-Fi interface; empty selects the first Wi-Fi device.
	Interface string
	// Use5GHz selects the a band when the adapter supports it.
	Use5GHz bool
}

// JoinOptions configures the receiver-side join.
type JoinOptions struct {
	SSID      string
	PSK       string
	PeerMac   string
	Interface string
}

// Group is a live sender-side hotspot. Close tears the connection down.
type Group struct {
	SSID      string
	PSK       string
	Mac       string
	IPv4      string
	Interface string

	teardown func() error
}

// Close deactivates and deletes the hotspot connection. Safe to call twice.
func (g *Group) Close() error {
	if g == nil || g.teardown == nil {
		return nil
	}
	teardown := g.teardown
	g.teardown = nil
	return teardown()
}

// Join is a live receiver-side association.
type Join struct {
	IPv4      string
	Interface string

	teardown func() error
}

// Close disconnects and deletes the client connection. Safe to call twice.
func (j *Join) Close() error {
	if j == nil || j.teardown == nil {
		return nil
	}
	teardown := j.teardown
	j.teardown = nil
	return teardown()
}

// Backend is one way of establishing the Wi-Fi link.
type Backend interface {
	Name() string
	CreateGroup(ctx context.Context, opts CreateOptions) (*Group, error)
	JoinGroup(ctx context.Context, opts JoinOptions) (*Join, error)
}

// Probe binds the first viable backend: NetworkManager, then wpa_cli.
func Probe(logger *logrus.Logger) (Backend, error) {
	logger = logging.OrDiscard(logger)

	if nm, err := NewNMBackend(logger); err == nil {
		logger.Debugf("wifi backend: NetworkManager %s", nm.version)
		return nm, nil
	} else {
		logger.Debugf("NetworkManager unavailable: %v", err)
	}

	if wpa, err := NewWpaBackend(logger); err == nil {
		logger.Debug("wifi backend: wpa_cli")
		return wpa, nil
	} else {
		logger.Debugf("wpa_cli unavailable: %v", err)
	}

	return nil, ErrNoHotspotBackend
}
