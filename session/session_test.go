package session

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Tinnci/cattysend/ble"
	"github.com/Tinnci/cattysend/transfer"
	"github.com/Tinnci/cattysend/wifi"
	"github.com/Tinnci/cattysend/wire"
)

// fakeAdvertiser stands in for the BlueZ advertiser and doubles as the
// wire between the two orchestrators under test.
type fakeAdvertiser struct {
	mu       sync.Mutex
	status   wire.DeviceInfo
	hasState bool
	response []byte
	writes   chan ble.P2pWrite
	closed   bool
}

func newFakeAdvertiser() *fakeAdvertiser {
	return &fakeAdvertiser{writes: make(chan ble.P2pWrite, 4)}
}

func (f *fakeAdvertiser) PublishStatus(info wire.DeviceInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = info
	f.hasState = true
	return nil
}

func (f *fakeAdvertiser) Writes() <-chan ble.P2pWrite { return f.writes }

func (f *fakeAdvertiser) SetP2pResponse(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.response = append([]byte(nil), payload...)
	return nil
}

func (f *fakeAdvertiser) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeAdvertiser) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakePeer is the receiver-side GATT view onto a fakeAdvertiser.
type fakePeer struct {
	advertiser *fakeAdvertiser
	closed     bool
}

func (p *fakePeer) ReadStatus(ctx context.Context) (wire.DeviceInfo, error) {
	deadline := time.After(5 * time.Second)
	for {
		p.advertiser.mu.Lock()
		if p.advertiser.hasState {
			status := p.advertiser.status
			p.advertiser.mu.Unlock()
			return status, nil
		}
		p.advertiser.mu.Unlock()
		select {
		case <-ctx.Done():
			return wire.DeviceInfo{}, ctx.Err()
		case <-deadline:
			return wire.DeviceInfo{}, errors.New("no status published")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (p *fakePeer) WriteP2pRequest(ctx context.Context, payload []byte) error {
	p.advertiser.writes <- ble.P2pWrite{Payload: payload, Central: "11:22:33:44:55:66"}
	return nil
}

func (p *fakePeer) ReadP2pResponse(ctx context.Context) ([]byte, error) {
	deadline := time.After(5 * time.Second)
	for {
		p.advertiser.mu.Lock()
		response := p.advertiser.response
		p.advertiser.mu.Unlock()
		if len(response) > 0 {
			return response, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, errors.New("no response installed")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (p *fakePeer) Close() error {
	p.closed = true
	return nil
}

func fakeGroup() *wifi.Group {
	return &wifi.Group{
		SSID:      "DIRECT-1a2b3c",
		PSK:       "Passphrase123456",
		Mac:       "AA:BB:CC:DD:EE:FF",
		IPv4:      "127.0.0.1",
		Interface: "wlan-test",
	}
}

func collectStates(events <-chan Event, done chan<- []State) {
	var states []State
	for event := range events {
		if event.Type == EventStateChanged {
			states = append(states, event.State)
		}
	}
	done <- states
}

func writeSourceFile(t *testing.T, size int) (string, []byte) {
	t.Helper()
	content := make([]byte, size)
	if _, err := rand.Read(content); err != nil {
		t.Fatalf("rand failed: %v", err)
	}
	path := filepath.Join(t.TempDir(), "source.bin")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	return path, content
}

// TestSenderReceiverLoopback exchanges one file between both orchestrators
// with only the radio layers faked: real keys, real field encryption, a real
// TLS server, and a real WebSocket exchange.
func TestSenderReceiverLoopback(t *testing.T) {
	sourcePath, content := writeSourceFile(t, 1024)
	advertiser := newFakeAdvertiser()

	// The first state is only published after the advertiser seam returns, so
	// gating it on subscription makes the observed sequences complete.
	senderSubscribed := make(chan struct{})
	receiverSubscribed := make(chan struct{})

	sender, err := StartSender(SenderOptions{
		Files:      []string{sourcePath},
		DeviceName: "CattyLinux",
		Brand:      wire.BrandLinux,
		SenderID:   0xAB12,
		startAdvertiser: func(wire.Advertisement) (advertisementHandle, error) {
			<-senderSubscribed
			return advertiser, nil
		},
		createGroup: func(context.Context, wifi.CreateOptions) (*wifi.Group, error) {
			return fakeGroup(), nil
		},
		startServer: func(opts transfer.ServerOptions) (transferServer, error) {
			return transfer.StartServer(opts)
		},
	})
	if err != nil {
		t.Fatalf("StartSender failed: %v", err)
	}

	senderStates := make(chan []State, 1)
	senderEvents := sender.Events()
	close(senderSubscribed)
	go collectStates(senderEvents, senderStates)

	downloadDir := t.TempDir()
	receiver, err := StartReceiver(ReceiverOptions{
		DeviceName:  "receiver",
		DownloadDir: downloadDir,
		AutoAccept:  true,
		scan: func(ctx context.Context, opts ble.ScanOptions) (<-chan ble.ScanEvent, error) {
			<-receiverSubscribed
			events := make(chan ble.ScanEvent, 1)
			events <- ble.ScanEvent{
				Type: ble.EventDeviceFound,
				Device: ble.DiscoveredDevice{
					Address:  "AA:BB:CC:DD:EE:FF",
					Name:     "CattyLinux",
					Brand:    wire.BrandLinux,
					SenderID: 0xAB12,
				},
			}
			return events, nil
		},
		connect: func(context.Context, string) (gattPeer, error) {
			return &fakePeer{advertiser: advertiser}, nil
		},
		joinGroup: func(context.Context, wifi.JoinOptions) (*wifi.Join, error) {
			return &wifi.Join{IPv4: "127.0.0.100", Interface: "wlan-test"}, nil
		},
	})
	if err != nil {
		t.Fatalf("StartReceiver failed: %v", err)
	}

	receiverStates := make(chan []State, 1)
	receiverEvents := receiver.Events()
	close(receiverSubscribed)
	deviceSeen := make(chan ble.DiscoveredDevice, 1)
	go func() {
		var states []State
		for event := range receiverEvents {
			switch event.Type {
			case EventDeviceFound:
				select {
				case deviceSeen <- event.Device:
				default:
				}
			case EventStateChanged:
				states = append(states, event.State)
			}
		}
		receiverStates <- states
	}()

	select {
	case device := <-deviceSeen:
		receiver.Select(device.Address)
	case <-time.After(5 * time.Second):
		t.Fatal("no device discovered")
	}

	select {
	case <-sender.Done():
	case <-time.After(15 * time.Second):
		t.Fatal("sender did not finish")
	}
	select {
	case <-receiver.Done():
	case <-time.After(15 * time.Second):
		t.Fatal("receiver did not finish")
	}

	if got := sender.State(); got != StateCompleted {
		t.Fatalf("sender final state %s", got)
	}
	if got := receiver.State(); got != StateCompleted {
		t.Fatalf("receiver final state %s", got)
	}

	wantSender := []State{
		StateAdvertising, StateKeyExchange, StateGroupCreating,
		StateWaitingForPeer, StateSignalling, StateTransferring, StateCompleted,
	}
	gotSender := <-senderStates
	if fmt.Sprint(gotSender) != fmt.Sprint(wantSender) {
		t.Fatalf("sender states %v", gotSender)
	}

	wantReceiver := []State{
		StateScanning, StateGattConnecting, StateKeyExchange, StateP2pJoining,
		StateWsConnecting, StateSignalling, StateDownloading, StateCompleted,
	}
	gotReceiver := <-receiverStates
	if fmt.Sprint(gotReceiver) != fmt.Sprint(wantReceiver) {
		t.Fatalf("receiver states %v", gotReceiver)
	}

	downloaded, err := os.ReadFile(filepath.Join(downloadDir, "source.bin"))
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if !bytes.Equal(downloaded, content) {
		t.Fatal("downloaded bytes differ from source")
	}

	if !advertiser.isClosed() {
		t.Fatal("advertiser not released on completion")
	}
}

func TestSenderCancelDuringAdvertising(t *testing.T) {
	sourcePath, _ := writeSourceFile(t, 16)
	advertiser := newFakeAdvertiser()

	sender, err := StartSender(SenderOptions{
		Files: []string{sourcePath},
		startAdvertiser: func(wire.Advertisement) (advertisementHandle, error) {
			return advertiser, nil
		},
	})
	if err != nil {
		t.Fatalf("StartSender failed: %v", err)
	}

	states := make(chan []State, 1)
	go collectStates(sender.Events(), states)

	// Let it reach Advertising, then cancel twice: the second must be a no-op.
	waitForState(t, sender.State, StateAdvertising)
	sender.Cancel()
	sender.Cancel()

	select {
	case <-sender.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("sender did not finish after cancel")
	}

	if got := sender.State(); got != StateCancelled {
		t.Fatalf("final state %s", got)
	}
	if !advertiser.isClosed() {
		t.Fatal("advertiser not released on cancel")
	}

	got := <-states
	if got[len(got)-1] != StateCancelled {
		t.Fatalf("states %v", got)
	}
}

func TestSenderFailsWithoutHotspotBackend(t *testing.T) {
	sourcePath, _ := writeSourceFile(t, 16)
	advertiser := newFakeAdvertiser()

	sender, err := StartSender(SenderOptions{
		Files: []string{sourcePath},
		startAdvertiser: func(wire.Advertisement) (advertisementHandle, error) {
			return advertiser, nil
		},
		createGroup: func(context.Context, wifi.CreateOptions) (*wifi.Group, error) {
			return nil, wifi.ErrNoHotspotBackend
		},
	})
	if err != nil {
		t.Fatalf("StartSender failed: %v", err)
	}

	var sessionErr *Error
	events := sender.Events()
	go func() {
		// Drive KeyExchange with a well-formed request from a real peer key.
		peer := &fakePeer{advertiser: advertiser}
		status, err := peer.ReadStatus(context.Background())
		if err != nil || status.Key == "" {
			return
		}
		request := wire.P2pInfo{ID: "0a0b", Key: status.Key, CatShare: wire.CatShareVersion}
		payload, _ := wire.EncodeP2pInfo(request)
		_ = peer.WriteP2pRequest(context.Background(), payload)
	}()

	deadline := time.After(10 * time.Second)
	for sessionErr == nil {
		select {
		case event, ok := <-events:
			if !ok {
				t.Fatal("stream closed without an error event")
			}
			if event.Type == EventError {
				sessionErr = event.Err
			}
		case <-deadline:
			t.Fatal("no error event")
		}
	}

	if sessionErr.Kind != KindHotspotBackendMissing {
		t.Fatalf("error kind %s", sessionErr.Kind)
	}

	<-sender.Done()
	if got := sender.State(); got != StateFailed {
		t.Fatalf("final state %s", got)
	}
	if !advertiser.isClosed() {
		t.Fatal("advertiser not released on failure")
	}
}

func TestReceiverCancelDuringScan(t *testing.T) {
	receiver, err := StartReceiver(ReceiverOptions{
		DownloadDir: t.TempDir(),
		scan: func(ctx context.Context, opts ble.ScanOptions) (<-chan ble.ScanEvent, error) {
			return make(chan ble.ScanEvent), nil
		},
	})
	if err != nil {
		t.Fatalf("StartReceiver failed: %v", err)
	}

	waitForState(t, receiver.State, StateScanning)
	receiver.Cancel()
	receiver.Cancel()

	select {
	case <-receiver.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("receiver did not finish after cancel")
	}
	if got := receiver.State(); got != StateCancelled {
		t.Fatalf("final state %s", got)
	}
}

func waitForState(t *testing.T, current func() State, want State) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if current() == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("state never reached %s (at %s)", want, current())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestClassifyMapsSentinels(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{ble.ErrAdapterUnavailable, KindAdapterUnavailable},
		{ble.ErrAdvertisementRejected, KindAdvertisementRejected},
		{ble.ErrPeerRejected, KindPeerDisconnected},
		{wifi.ErrNoHotspotBackend, KindHotspotBackendMissing},
		{wifi.ErrActivationFailed, KindHotspotActivation},
		{wifi.ErrJoinFailed, KindHotspotJoinFailed},
		{wifi.ErrLeaseTimeout, KindIpLeaseTimeout},
		{transfer.ErrVersionMismatch, KindVersionMismatch},
		{transfer.ErrPeerCancelled, KindPeerCancelled},
		{transfer.ErrWsProtocol, KindWsProtocolError},
		{context.DeadlineExceeded, KindTimeout},
		{context.Canceled, KindUserCancelled},
		{errors.New("disk full"), KindIoError},
	}
	for _, c := range cases {
		if got := classify(fmt.Errorf("wrapped: %w", c.err)); got.Kind != c.want {
			t.Fatalf("classify(%v) = %s, want %s", c.err, got.Kind, c.want)
		}
	}
}

func TestEventBusLateSubscriberSeesOnlySubsequent(t *testing.T) {
	bus := newEventBus()
	defer bus.Close()

	early := bus.Subscribe()
	bus.Publish(Event{Type: EventStateChanged, State: StateAdvertising})

	late := bus.Subscribe()
	bus.Publish(Event{Type: EventStateChanged, State: StateKeyExchange})

	if got := <-early; got.State != StateAdvertising {
		t.Fatalf("early first event %v", got.State)
	}
	if got := <-early; got.State != StateKeyExchange {
		t.Fatalf("early second event %v", got.State)
	}
	if got := <-late; got.State != StateKeyExchange {
		t.Fatalf("late subscriber saw %v", got.State)
	}
	select {
	case extra := <-late:
		t.Fatalf("late subscriber saw earlier event %v", extra.State)
	default:
	}
}

func TestEventBusPreservesOrder(t *testing.T) {
	bus := newEventBus()
	defer bus.Close()

	sub := bus.Subscribe()
	states := []State{StateAdvertising, StateKeyExchange, StateGroupCreating, StateWaitingForPeer}
	for _, state := range states {
		bus.Publish(Event{Type: EventStateChanged, State: state})
	}
	for _, want := range states {
		if got := <-sub; got.State != want {
			t.Fatalf("order: got %v want %v", got.State, want)
		}
	}
}

func TestGatewayFromLocal(t *testing.T) {
	cases := map[string]string{
		"10.42.0.17":    "10.42.0.1",
		"192.168.49.12": "192.168.49.1",
		"garbage":       wifi.SharedModeIPv4,
	}
	for local, want := range cases {
		if got := gatewayFromLocal(local); got != want {
			t.Fatalf("gatewayFromLocal(%q) = %q, want %q", local, got, want)
		}
	}
}
