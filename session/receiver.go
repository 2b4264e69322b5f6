package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Tinnci/cattysend/ble"
	"github.com/Tinnci/cattysend/crypto"
	"github.com/Tinnci/cattysend/logging"
	"github.com/Tinnci/cattysend/storage"
	"github.com/Tinnci/cattysend/transfer"
	"github.com/Tinnci/cattysend/wifi"
	"github.com/Tinnci/cattysend/wire"
)

// gattPeer is the receiver's view of one connected GATT server.
type gattPeer interface {
	ReadStatus(ctx context.Context) (wire.DeviceInfo, error)
	WriteP2pRequest(ctx context.Context, payload []byte) error
	ReadP2pResponse(ctx context.Context) ([]byte, error)
	Close() error
}

// ReceiverOptions configures one incoming transfer.
type ReceiverOptions struct {
	DeviceName    string
	Brand         wire.Brand
	SenderID      uint16
	Supports5GHz  bool
	DownloadDir   string
	AutoAccept    bool
	WifiInterface string
	// ScanDuration bounds discovery; 0 uses the scanner default.
	ScanDuration time.Duration
	// Confirm is consulted for incoming offers when AutoAccept is false.
	Confirm transfer.ConfirmFunc
	Logger  *logrus.Logger
	History *storage.Store

	// Test seams; nil binds the live stack.
	scan      func(ctx context.Context, opts ble.ScanOptions) (<-chan ble.ScanEvent, error)
	connect   func(ctx context.Context, mac string) (gattPeer, error)
	joinGroup func(ctx context.Context, opts wifi.JoinOptions) (*wifi.Join, error)
	runClient func(ctx context.Context, opts transfer.ClientOptions) ([]string, error)
}

func (o ReceiverOptions) withDefaults() ReceiverOptions {
	out := o
	if out.DeviceName == "" {
		out.DeviceName = "cattysend"
	}
	if out.DownloadDir == "" {
		out.DownloadDir = "."
	}
	return out
}

// Receiver runs one incoming transfer task.
type Receiver struct {
	opts   ReceiverOptions
	logger *logrus.Logger
	bus    *eventBus

	ctx        context.Context
	cancel     context.CancelFunc
	cancelOnce sync.Once
	done       chan struct{}

	selectCh chan string

	mu    sync.Mutex
	state State
}

// StartReceiver launches discovery and the receiver state machine. The
// machine idles in Scanning until Select names a device.
func StartReceiver(opts ReceiverOptions) (*Receiver, error) {
	opts = opts.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	receiver := &Receiver{
		opts:     opts,
		logger:   logging.OrDiscard(opts.Logger),
		bus:      newEventBus(),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		selectCh: make(chan string, 1),
		state:    StateIdle,
	}

	go receiver.run()
	return receiver, nil
}

// Events subscribes to the public stream.
func (r *Receiver) Events() <-chan Event { return r.bus.Subscribe() }

// Select picks a discovered device to receive from. Only the first call has
// an effect.
func (r *Receiver) Select(address string) {
	select {
	case r.selectCh <- address:
	default:
	}
}

// Cancel aborts the task. Idempotent.
func (r *Receiver) Cancel() {
	r.cancelOnce.Do(r.cancel)
}

// Done closes when the task reaches a terminal state.
func (r *Receiver) Done() <-chan struct{} { return r.done }

// State reports the current machine position.
func (r *Receiver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Receiver) setState(state State) {
	r.mu.Lock()
	r.state = state
	r.mu.Unlock()
	r.bus.Publish(Event{Type: EventStateChanged, State: state})
}

// run drives Scanning -> GattConnecting -> KeyExchange -> P2pJoining ->
// WsConnecting -> Signalling -> Downloading -> Completed.
func (r *Receiver) run() {
	defer close(r.done)
	defer r.bus.Close()

	started := time.Now()
	var teardown []func()

	var taskMeta wire.SendRequestData
	var transferred int64
	finish := func(state State, err *Error) {
		if err != nil {
			r.bus.Publish(Event{Type: EventError, Err: err})
		}
		for i := len(teardown) - 1; i >= 0; i-- {
			teardown[i]()
		}
		r.setState(state)
		r.recordHistory(taskMeta, state, transferred, started, err)
	}

	// Scanning.
	scanCtx, stopScan := context.WithCancel(r.ctx)
	events, err := r.scan(scanCtx, ble.ScanOptions{Duration: r.opts.ScanDuration, Brand: r.opts.Brand})
	if err != nil {
		stopScan()
		finish(StateFailed, classify(err))
		return
	}
	r.setState(StateScanning)

	address, ok := r.awaitSelection(events)
	stopScan()
	if !ok {
		finish(r.failureState(), nil)
		return
	}

	// GattConnecting.
	r.setState(StateGattConnecting)
	peer, err := r.connect(r.ctx, address)
	if err != nil {
		finish(r.failureState(), classify(err))
		return
	}
	teardown = append(teardown, func() { _ = peer.Close() })

	status, err := peer.ReadStatus(r.ctx)
	if err != nil {
		finish(r.failureState(), classify(err))
		return
	}
	if status.Key == "" {
		finish(StateFailed, newError(KindCryptoInvalidKey, fmt.Errorf("peer status carries no public key")))
		return
	}

	// KeyExchange.
	r.setState(StateKeyExchange)
	keypair, err := crypto.GenerateKeypair()
	if err != nil {
		finish(StateFailed, classify(err))
		return
	}
	sessionKey, err := keypair.DeriveSessionKeyBase64(status.Key)
	if err != nil {
		finish(StateFailed, classify(err))
		return
	}

	request := wire.P2pInfo{
		ID:       fmt.Sprintf("%04x", randomUint16()),
		Key:      keypair.PublicKeyBase64(),
		CatShare: wire.CatShareVersion,
	}
	encryptedRequest, err := request.EncryptFields(sessionKey)
	if err != nil {
		finish(StateFailed, classify(err))
		return
	}
	payload, err := wire.EncodeP2pInfo(encryptedRequest)
	if err != nil {
		finish(StateFailed, classify(err))
		return
	}
	if err := peer.WriteP2pRequest(r.ctx, payload); err != nil {
		finish(r.failureState(), classify(err))
		return
	}

	// P2pJoining.
	r.setState(StateP2pJoining)
	responsePayload, err := peer.ReadP2pResponse(r.ctx)
	if err != nil {
		finish(r.failureState(), classify(err))
		return
	}
	response, err := wire.DecodeP2pInfo(responsePayload)
	if err != nil {
		finish(StateFailed, newError(KindCryptoDecodeFailed, err))
		return
	}
	p2pInfo, err := response.DecryptFields(sessionKey)
	if err != nil {
		finish(StateFailed, newError(KindCryptoDecodeFailed, err))
		return
	}
	if err := p2pInfo.Validate(); err != nil {
		finish(StateFailed, newError(KindCryptoDecodeFailed, err))
		return
	}

	join, err := r.joinGroup(r.ctx, wifi.JoinOptions{
		SSID:      p2pInfo.SSID,
		PSK:       p2pInfo.PSK,
		PeerMac:   p2pInfo.Mac,
		Interface: r.opts.WifiInterface,
	})
	if err != nil {
		finish(r.failureState(), classify(err))
		return
	}
	teardown = append(teardown, func() { _ = join.Close() })

	// The GATT link has served its purpose once the Wi-Fi leg is up.
	_ = peer.Close()

	// WsConnecting / Signalling / Downloading.
	r.setState(StateWsConnecting)
	host := gatewayFromLocal(join.IPv4)

	signalled := false
	downloading := false
	paths, err := r.runClient(r.ctx, transfer.ClientOptions{
		Host:        host,
		Port:        p2pInfo.Port,
		DownloadDir: r.opts.DownloadDir,
		DeviceName:  r.opts.DeviceName,
		// The decision is routed through Confirm even on auto-accept so the
		// machine observes the Signalling stage and the offer metadata.
		Confirm: func(offer wire.SendRequestData) (bool, string) {
			taskMeta = offer
			if !signalled {
				signalled = true
				r.setState(StateSignalling)
			}
			if r.opts.AutoAccept {
				return true, ""
			}
			if r.opts.Confirm == nil {
				return false, "no confirmation handler"
			}
			return r.opts.Confirm(offer)
		},
		OnProgress: func(progress transfer.Progress) {
			if !downloading {
				downloading = true
				r.setState(StateDownloading)
			}
			transferred = progress.Downloaded
			r.bus.Publish(Event{Type: EventProgress, Progress: progress})
		},
		Logger: r.opts.Logger,
	})
	if err != nil {
		finish(r.failureState(), classify(err))
		return
	}

	r.logger.Infof("received %d file(s) into %s", len(paths), r.opts.DownloadDir)
	finish(StateCompleted, nil)
}

// awaitSelection forwards discovery events until the caller picks a device.
func (r *Receiver) awaitSelection(events <-chan ble.ScanEvent) (string, bool) {
	for {
		select {
		case <-r.ctx.Done():
			return "", false
		case address := <-r.selectCh:
			return address, true
		case event, ok := <-events:
			if !ok {
				// Scan window elapsed; wait for a selection among what was
				// found, or for cancellation.
				select {
				case <-r.ctx.Done():
					return "", false
				case address := <-r.selectCh:
					return address, true
				}
			}
			switch event.Type {
			case ble.EventDeviceFound:
				r.bus.Publish(Event{Type: EventDeviceFound, Device: event.Device})
			case ble.EventError:
				r.bus.Publish(Event{Type: EventError, Err: classify(event.Err)})
			}
		}
	}
}

func (r *Receiver) failureState() State {
	if r.ctx.Err() != nil {
		return StateCancelled
	}
	return StateFailed
}

func (r *Receiver) recordHistory(meta wire.SendRequestData, state State, transferred int64, started time.Time, sessionErr *Error) {
	if r.opts.History == nil || meta.TotalFiles == 0 {
		return
	}
	outcome := storage.OutcomeFailed
	switch state {
	case StateCompleted:
		outcome = storage.OutcomeCompleted
	case StateCancelled:
		outcome = storage.OutcomeCancelled
	}
	reason := ""
	if sessionErr != nil {
		reason = sessionErr.Error()
	}
	record := storage.TaskRecord{
		TaskID:        fmt.Sprintf("recv-%04x", randomUint16()),
		Direction:     storage.DirectionReceive,
		PeerName:      meta.SenderDevice,
		TotalFiles:    meta.TotalFiles,
		TotalSize:     meta.TotalSize,
		Transferred:   transferred,
		Outcome:       outcome,
		FailureReason: reason,
		StartedAt:     started,
		FinishedAt:    time.Now(),
	}
	if err := r.opts.History.RecordTask(record); err != nil {
		r.logger.Warnf("record transfer history: %v", err)
	}
}

// scan binds the seam or the live scanner.
func (r *Receiver) scan(ctx context.Context, opts ble.ScanOptions) (<-chan ble.ScanEvent, error) {
	if r.opts.scan != nil {
		return r.opts.scan(ctx, opts)
	}
	bluez, err := ble.NewSession(r.opts.Logger)
	if err != nil {
		return nil, err
	}
	return ble.NewScanner(bluez, r.opts.Logger).Scan(ctx, opts)
}

func (r *Receiver) connect(ctx context.Context, mac string) (gattPeer, error) {
	if r.opts.connect != nil {
		return r.opts.connect(ctx, mac)
	}
	bluez, err := ble.NewSession(r.opts.Logger)
	if err != nil {
		return nil, err
	}
	return ble.NewScanner(bluez, r.opts.Logger).Connect(ctx, mac)
}

func (r *Receiver) joinGroup(ctx context.Context, opts wifi.JoinOptions) (*wifi.Join, error) {
	if r.opts.joinGroup != nil {
		return r.opts.joinGroup(ctx, opts)
	}
	backend, err := wifi.Probe(r.opts.Logger)
	if err != nil {
		return nil, err
	}
	return backend.JoinGroup(ctx, opts)
}

func (r *Receiver) runClient(ctx context.Context, opts transfer.ClientOptions) ([]string, error) {
	if r.opts.runClient != nil {
		return r.opts.runClient(ctx, opts)
	}
	client := transfer.NewClient(opts)
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			client.Cancel("userCancelled", "receiver cancelled")
		case <-done:
		}
	}()
	return client.Run(ctx)
}

// gatewayFromLocal assumes the sender serves from .1 of the shared subnet,
// which holds for NetworkManager shared mode and Wi-Fi Direct group owners.
func gatewayFromLocal(localIPv4 string) string {
	parts := strings.Split(localIPv4, ".")
	if len(parts) != 4 {
		return wifi.SharedModeIPv4
	}
	return strings.Join(parts[:3], ".") + ".1"
}
