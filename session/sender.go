package session

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strconv"
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

// placeholderMac is published before the Wi-Fi interface is known.
const placeholderMac = "02:00:00:00:00:00"

// advertisementHandle is the sender's view of the BLE advertiser.
type advertisementHandle interface {
	PublishStatus(wire.DeviceInfo) error
	Writes() <-chan ble.P2pWrite
	SetP2pResponse([]byte) error
	Close() error
}

// transferServer is the sender's view of the HTTPS endpoint.
type transferServer interface {
	Port() int
	Events() <-chan transfer.ServerEvent
	Cancel(reason, message string)
	Close() error
}

// SenderOptions configures one outgoing transfer.
type SenderOptions struct {
	Files         []string
	DeviceName    string
	Brand         wire.Brand
	SenderID      uint16
	Supports5GHz  bool
	WifiInterface string
	// Port pins the transfer port; 0 picks one automatically.
	Port    int
	Logger  *logrus.Logger
	History *storage.Store

	// Test seams; nil binds the live BlueZ / NetworkManager / transfer stack.
	startAdvertiser func(wire.Advertisement) (advertisementHandle, error)
	createGroup     func(ctx context.Context, opts wifi.CreateOptions) (*wifi.Group, error)
	startServer     func(opts transfer.ServerOptions) (transferServer, error)
}

func (o SenderOptions) withDefaults() SenderOptions {
	out := o
	if out.DeviceName == "" {
		out.DeviceName = "cattysend"
	}
	if out.SenderID == 0 {
		out.SenderID = randomUint16()
	}
	return out
}

// Sender runs one outgoing transfer task. A Sender owns exactly one task;
// concurrent tasks need independent senders.
type Sender struct {
	opts   SenderOptions
	logger *logrus.Logger
	bus    *eventBus

	ctx        context.Context
	cancel     context.CancelFunc
	cancelOnce sync.Once
	done       chan struct{}

	mu    sync.Mutex
	state State
}

// StartSender validates options and launches the sender state machine.
func StartSender(opts SenderOptions) (*Sender, error) {
	opts = opts.withDefaults()
	if len(opts.Files) == 0 {
		return nil, newError(KindIoError, fmt.Errorf("no files to send"))
	}

	task, err := transfer.NewTask(opts.Files)
	if err != nil {
		return nil, newError(KindIoError, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sender := &Sender{
		opts:   opts,
		logger: logging.OrDiscard(opts.Logger),
		bus:    newEventBus(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  StateIdle,
	}

	go sender.run(task)
	return sender, nil
}

// Events subscribes to the public stream. New subscribers receive subsequent
// events only.
func (s *Sender) Events() <-chan Event { return s.bus.Subscribe() }

// Cancel aborts the task. Idempotent.
func (s *Sender) Cancel() {
	s.cancelOnce.Do(s.cancel)
}

// Done closes when the task reaches a terminal state and teardown finished.
func (s *Sender) Done() <-chan struct{} { return s.done }

// State reports the current machine position.
func (s *Sender) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Sender) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.bus.Publish(Event{Type: EventStateChanged, State: state})
}

func (s *Sender) logf(level, format string, args ...any) {
	text := fmt.Sprintf(format, args...)
	switch level {
	case "debug":
		s.logger.Debug(text)
	default:
		s.logger.Info(text)
	}
	s.bus.Publish(Event{Type: EventLog, Level: level, Text: text})
}

// run drives the machine: Advertising -> KeyExchange -> GroupCreating ->
// WaitingForPeer -> Signalling -> Transferring -> Completed, tearing down
// held resources in reverse acquisition order on every exit.
func (s *Sender) run(task *transfer.Task) {
	defer close(s.done)
	defer s.bus.Close()

	started := time.Now()
	var teardown []func() // popped in reverse

	outcome := storage.OutcomeFailed
	var transferred int64
	finish := func(state State, err *Error) {
		if err != nil {
			s.bus.Publish(Event{Type: EventError, Err: err})
		}
		for i := len(teardown) - 1; i >= 0; i-- {
			teardown[i]()
		}
		s.setState(state)
		switch state {
		case StateCompleted:
			outcome = storage.OutcomeCompleted
			transferred = task.TotalSize
		case StateCancelled:
			outcome = storage.OutcomeCancelled
		}
		s.recordHistory(task, outcome, transferred, started, err)
	}

	// Advertising.
	keypair, err := crypto.GenerateKeypair()
	if err != nil {
		finish(StateFailed, classify(err))
		return
	}

	adv := wire.Advertisement{
		DeviceName:   s.opts.DeviceName,
		Brand:        s.opts.Brand,
		SenderID:     s.opts.SenderID,
		Supports5GHz: s.opts.Supports5GHz,
	}
	handle, err := s.startAdvertiser(adv)
	if err != nil {
		finish(StateFailed, classify(err))
		return
	}
	teardown = append(teardown, func() { _ = handle.Close() })

	status := wire.NewDeviceInfo(keypair.PublicKeyBase64(), s.localMac())
	if err := handle.PublishStatus(status); err != nil {
		finish(StateFailed, classify(err))
		return
	}
	s.setState(StateAdvertising)
	s.logf("info", "advertising as %q, waiting for a peer", s.opts.DeviceName)

	// Wait for the peer's CHAR_P2P write.
	var write ble.P2pWrite
	select {
	case <-s.ctx.Done():
		finish(StateCancelled, nil)
		return
	case write = <-handle.Writes():
	}

	// KeyExchange.
	s.setState(StateKeyExchange)
	request, err := wire.DecodeP2pInfo(write.Payload)
	if err != nil {
		finish(StateFailed, newError(KindCryptoDecodeFailed, err))
		return
	}
	if request.Key == "" {
		finish(StateFailed, newError(KindCryptoInvalidKey, fmt.Errorf("p2p request carries no public key")))
		return
	}
	sessionKey, err := keypair.DeriveSessionKeyBase64(request.Key)
	if err != nil {
		finish(StateFailed, classify(err))
		return
	}
	s.logf("debug", "session key agreed with %s", write.Central)

	// GroupCreating.
	s.setState(StateGroupCreating)
	group, err := s.createGroup(s.ctx, wifi.CreateOptions{
		Interface: s.opts.WifiInterface,
		Use5GHz:   s.opts.Supports5GHz,
	})
	if err != nil {
		finish(s.failureState(), classify(err))
		return
	}
	teardown = append(teardown, func() { _ = group.Close() })
	s.logf("info", "hotspot %s up on %s", group.SSID, group.Interface)

	// WaitingForPeer: transfer server plus the encrypted response.
	server, err := s.startServer(transfer.ServerOptions{
		Task:       task,
		LocalIPv4:  group.IPv4,
		DeviceName: s.opts.DeviceName,
		Port:       s.opts.Port,
		Logger:     s.opts.Logger,
	})
	if err != nil {
		finish(s.failureState(), classify(err))
		return
	}
	teardown = append(teardown, func() { _ = server.Close() })

	response := wire.P2pInfo{
		ID:       transferID(request.ID),
		SSID:     group.SSID,
		PSK:      group.PSK,
		Mac:      group.Mac,
		Port:     server.Port(),
		Key:      keypair.PublicKeyBase64(),
		CatShare: wire.CatShareVersion,
	}
	encrypted, err := response.EncryptFields(sessionKey)
	if err != nil {
		finish(StateFailed, classify(err))
		return
	}
	payload, err := wire.EncodeP2pInfo(encrypted)
	if err != nil {
		finish(StateFailed, classify(err))
		return
	}
	if err := handle.SetP2pResponse(payload); err != nil {
		finish(StateFailed, classify(err))
		return
	}
	s.setState(StateWaitingForPeer)
	s.logf("info", "transfer endpoint ready on %s:%d", group.IPv4, server.Port())

	// Signalling and the stream.
	for {
		select {
		case <-s.ctx.Done():
			server.Cancel("userCancelled", "sender cancelled")
			finish(StateCancelled, nil)
			return

		case event := <-server.Events():
			switch event.Type {
			case transfer.ServerWsConnected:
				s.setState(StateSignalling)

			case transfer.ServerConfirmed:
				if !event.Accepted {
					finish(StateFailed, newError(KindPeerCancelled,
						fmt.Errorf("receiver rejected transfer: %s", event.Reason)))
					return
				}
				s.setState(StateTransferring)

			case transfer.ServerProgress:
				transferred = event.Downloaded
				s.bus.Publish(Event{Type: EventProgress, Progress: measureProgress(event.Downloaded, task.TotalSize, started)})

			case transfer.ServerCompleted:
				finish(StateCompleted, nil)
				return

			case transfer.ServerCancelled:
				s.bus.Publish(Event{Type: EventError, Err: newError(KindPeerCancelled, event.Err)})
				finish(StateCancelled, nil)
				return

			case transfer.ServerFailed:
				finish(StateFailed, classify(event.Err))
				return
			}
		}
	}
}

// failureState distinguishes a user cancel that raced a failing step.
func (s *Sender) failureState() State {
	if s.ctx.Err() != nil {
		return StateCancelled
	}
	return StateFailed
}

func (s *Sender) recordHistory(task *transfer.Task, outcome string, transferred int64, started time.Time, sessionErr *Error) {
	if s.opts.History == nil {
		return
	}
	reason := ""
	if sessionErr != nil {
		reason = sessionErr.Error()
	}
	record := storage.TaskRecord{
		TaskID:        task.ID,
		Direction:     storage.DirectionSend,
		TotalFiles:    len(task.Files),
		TotalSize:     task.TotalSize,
		Transferred:   transferred,
		Outcome:       outcome,
		FailureReason: reason,
		StartedAt:     started,
		FinishedAt:    time.Now(),
	}
	if err := s.opts.History.RecordTask(record); err != nil {
		s.logger.Warnf("record transfer history: %v", err)
	}
}

// startAdvertiser binds the seam or the live BlueZ stack.
func (s *Sender) startAdvertiser(adv wire.Advertisement) (advertisementHandle, error) {
	if s.opts.startAdvertiser != nil {
		return s.opts.startAdvertiser(adv)
	}
	bluez, err := ble.NewSession(s.opts.Logger)
	if err != nil {
		return nil, err
	}
	return ble.NewAdvertiser(bluez, s.opts.Logger).Start(adv)
}

func (s *Sender) createGroup(ctx context.Context, opts wifi.CreateOptions) (*wifi.Group, error) {
	if s.opts.createGroup != nil {
		return s.opts.createGroup(ctx, opts)
	}
	backend, err := wifi.Probe(s.opts.Logger)
	if err != nil {
		return nil, err
	}
	return backend.CreateGroup(ctx, opts)
}

func (s *Sender) startServer(opts transfer.ServerOptions) (transferServer, error) {
	if s.opts.startServer != nil {
		return s.opts.startServer(opts)
	}
	return transfer.StartServer(opts)
}

func (s *Sender) localMac() string {
	if s.opts.WifiInterface != "" {
		if mac, err := wifi.HardwareMac(s.opts.WifiInterface); err == nil {
			return mac
		}
	}
	return placeholderMac
}

func measureProgress(downloaded, total int64, started time.Time) transfer.Progress {
	elapsed := time.Since(started).Seconds()
	speed := 0.0
	if elapsed > 0 {
		speed = float64(downloaded) / elapsed
	}
	eta := 0.0
	if speed > 0 && total > downloaded {
		eta = float64(total-downloaded) / speed
	}
	return transfer.Progress{Downloaded: downloaded, Total: total, SpeedBps: speed, EtaSec: eta}
}

// transferID echoes a well-formed peer id or mints a fresh one.
func transferID(requested string) string {
	if len(requested) == 4 {
		if _, err := strconv.ParseUint(requested, 16, 16); err == nil {
			return requested
		}
	}
	return fmt.Sprintf("%04x", randomUint16())
}

func randomUint16() uint16 {
	var buf [2]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 1
	}
	value := binary.BigEndian.Uint16(buf[:])
	if value == 0 {
		value = 1
	}
	return value
}
