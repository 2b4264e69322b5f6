package wifi

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"
)

// wpaGlobalSocket is wpa_supplicant's global control socket. Access requires
// membership in the socket's group.
const wpaGlobalSocket = "/run/wpa_supplicant/global"

// WpaBackend shells out to wpa_cli when NetworkManager is unreachable.
// It only supports the sender role: joining is done by NM or not at all,
// since wpa_cli client association without NM leaves DHCP unmanaged.
type WpaBackend struct {
	logger *logrus.Logger
}

// NewWpaBackend verifies the global control socket exists.
func NewWpaBackend(logger *logrus.Logger) (*WpaBackend, error) {
	if _, err := os.Stat(wpaGlobalSocket); err != nil {
		return nil, fmt.Errorf("wpa_supplicant global socket: %w", err)
	}
	if _, err := exec.LookPath("wpa_cli"); err != nil {
		return nil, fmt.Errorf("wpa_cli binary: %w", err)
	}
	return &WpaBackend{logger: logger}, nil
}

// Name identifies the backend.
func (b *WpaBackend) Name() string { return "wpa_cli" }

// CreateGroup runs p2p_group_add and collects the group parameters from the
// resulting p2p interface.
func (b *WpaBackend) CreateGroup(ctx context.Context, opts CreateOptions) (*Group, error) {
	args := []string{"-g", wpaGlobalSocket, "p2p_group_add"}
	if opts.Use5GHz {
		args = append(args, "freq=5")
	}
	out, err := exec.CommandContext(ctx, "wpa_cli", args...).CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("%w: p2p_group_add: %v (%s)", ErrActivationFailed, err, strings.TrimSpace(string(out)))
	}
	if !strings.Contains(string(out), "OK") {
		return nil, fmt.Errorf("%w: p2p_group_add: %s", ErrActivationFailed, strings.TrimSpace(string(out)))
	}

	iface, err := findP2pInterface()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrActivationFailed, err)
	}

	ssid, err := b.interfaceStatus(ctx, iface, "ssid")
	if err != nil {
		_ = b.removeGroup(iface)
		return nil, err
	}
	psk, err := b.groupPassphrase(ctx, iface)
	if err != nil {
		_ = b.removeGroup(iface)
		return nil, err
	}
	mac, err := readHardwareMac(iface)
	if err != nil {
		_ = b.removeGroup(iface)
		return nil, err
	}

	b.logger.Debugf("p2p group %s up on %s", ssid, iface)
	return &Group{
		SSID:      ssid,
		PSK:       psk,
		Mac:       mac,
		IPv4:      SharedModeIPv4,
		Interface: iface,
		teardown:  func() error { return b.removeGroup(iface) },
	}, nil
}

// JoinGroup is unsupported on this backend.
func (b *WpaBackend) JoinGroup(ctx context.Context, opts JoinOptions) (*Join, error) {
	return nil, fmt.Errorf("%w: wpa_cli backend cannot join groups", ErrJoinFailed)
}

func (b *WpaBackend) removeGroup(iface string) error {
	out, err := exec.Command("wpa_cli", "-g", wpaGlobalSocket, "p2p_group_remove", iface).CombinedOutput()
	if err != nil {
		return fmt.Errorf("p2p_group_remove %s: %v (%s)", iface, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (b *WpaBackend) interfaceStatus(ctx context.Context, iface, field string) (string, error) {
	out, err := exec.CommandContext(ctx, "wpa_cli", "-g", wpaGlobalSocket, "-i", iface, "status").CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("wpa_cli status on %s: %w", iface, err)
	}
	for _, line := range strings.Split(string(out), "\n") {
		if value, ok := strings.CutPrefix(strings.TrimSpace(line), field+"="); ok {
			return value, nil
		}
	}
	return "", fmt.Errorf("wpa_cli status on %s: no %s field", iface, field)
}

func (b *WpaBackend) groupPassphrase(ctx context.Context, iface string) (string, error) {
	out, err := exec.CommandContext(ctx, "wpa_cli", "-g", wpaGlobalSocket, "-i", iface, "p2p_get_passphrase").CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("p2p_get_passphrase on %s: %w", iface, err)
	}
	psk := strings.TrimSpace(string(out))
	if psk == "" || strings.Contains(psk, "FAIL") {
		return "", fmt.Errorf("p2p_get_passphrase on %s: %q", iface, psk)
	}
	return psk, nil
}

// findP2pInterface locates the freshly created p2p-* interface in sysfs.
func findP2pInterface() (string, error) {
	entries, err := os.ReadDir("/sys/class/net")
	if err != nil {
		return "", fmt.Errorf("list network interfaces: %w", err)
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "p2p-") {
			return entry.Name(), nil
		}
	}
	return "", fmt.Errorf("no p2p group interface found")
}
