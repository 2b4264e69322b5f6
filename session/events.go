// Package session orchestrates a full transfer: the sender and receiver
// state machines, the public event stream, and teardown.
package session

import (
	"sync"

	"github.com/Tinnci/cattysend/ble"
	"github.com/Tinnci/cattysend/transfer"
)

// State is the public state machine position.
type State string

// Shared states.
const (
	StateIdle      State = "Idle"
	StateCompleted State = "Completed"
	StateFailed    State = "Failed"
	StateCancelled State = "Cancelled"
)

// Sender states.
const (
	StateAdvertising    State = "Advertising"
	StateKeyExchange    State = "KeyExchange"
	StateGroupCreating  State = "GroupCreating"
	StateWaitingForPeer State = "WaitingForPeer"
	StateSignalling     State = "Signalling"
	StateTransferring   State = "Transferring"
)

// Receiver states.
const (
	StateScanning       State = "Scanning"
	StateGattConnecting State = "GattConnecting"
	StateP2pJoining     State = "P2pJoining"
	StateWsConnecting   State = "WsConnecting"
	StateDownloading    State = "Downloading"
)

// Terminal reports whether no further transitions happen from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Event types.
type EventType string

const (
	EventLog          EventType = "log"
	EventStateChanged EventType = "state_changed"
	EventDeviceFound  EventType = "device_found"
	EventProgress     EventType = "progress"
	EventError        EventType = "error"
)

// Event is one entry on the public stream.
type Event struct {
	Type     EventType
	Level    string
	Text     string
	State    State
	Device   ble.DiscoveredDevice
	Progress transfer.Progress
	Err      *Error
}

// subscriberBuffer bounds each subscriber's backlog. A consumer that falls
// this far behind loses progress and log events; every other event waits
// for room, stalling the orchestrator until the consumer catches up.
const subscriberBuffer = 256

// eventBus fans events out to any number of subscribers. New subscribers see
// subsequent events only; delivery preserves publish order per subscriber.
type eventBus struct {
	mu     sync.Mutex
	subs   []chan Event
	closed bool
}

func newEventBus() *eventBus {
	return &eventBus{}
}

// Subscribe registers a new consumer.
func (b *eventBus) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Publish delivers an event to every subscriber.
func (b *eventBus) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			// Drop progress and log events on a saturated subscriber; block
			// for the rest so state transitions are never lost.
			if event.Type == EventProgress || event.Type == EventLog {
				continue
			}
			ch <- event
		}
	}
}

// Close ends the stream; subscriber channels are closed after the final event.
func (b *eventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
