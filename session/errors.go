package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/Tinnci/cattysend/ble"
	"github.com/Tinnci/cattysend/crypto"
	"github.com/Tinnci/cattysend/transfer"
	"github.com/Tinnci/cattysend/wifi"
)

// Kind is the closed error taxonomy surfaced on the public API and event
// stream.
type Kind string

const (
	KindAdapterUnavailable    Kind = "AdapterUnavailable"
	KindAdvertisementRejected Kind = "AdvertisementRejected"
	KindPeerDisconnected      Kind = "PeerDisconnected"
	KindCryptoInvalidKey      Kind = "CryptoInvalidKey"
	KindCryptoDecodeFailed    Kind = "CryptoDecodeFailed"
	KindHotspotBackendMissing Kind = "HotspotBackendMissing"
	KindHotspotActivation     Kind = "HotspotActivationFailed"
	KindHotspotJoinFailed     Kind = "HotspotJoinFailed"
	KindIpLeaseTimeout        Kind = "IpLeaseTimeout"
	KindWsHandshakeFailed     Kind = "WsHandshakeFailed"
	KindWsProtocolError       Kind = "WsProtocolError"
	KindVersionMismatch       Kind = "VersionMismatch"
	KindUserCancelled         Kind = "UserCancelled"
	KindPeerCancelled         Kind = "PeerCancelled"
	KindTimeout               Kind = "Timeout"
	KindIoError               Kind = "IoError"
)

// Error is the single failure type every public session API surfaces: one
// taxonomy kind plus a human-readable message.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error { return e.cause }

func newError(kind Kind, cause error) *Error {
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	return &Error{Kind: kind, Message: message, cause: cause}
}

// classify folds an arbitrary engine error into the taxonomy.
func classify(err error) *Error {
	var sessionErr *Error
	if errors.As(err, &sessionErr) {
		return sessionErr
	}

	switch {
	case errors.Is(err, ble.ErrAdapterUnavailable):
		return newError(KindAdapterUnavailable, err)
	case errors.Is(err, ble.ErrAdvertisementRejected):
		return newError(KindAdvertisementRejected, err)
	case errors.Is(err, ble.ErrPeerRejected), errors.Is(err, ble.ErrCharacteristicNotFound):
		return newError(KindPeerDisconnected, err)
	case errors.Is(err, crypto.ErrInvalidPeerKey):
		return newError(KindCryptoInvalidKey, err)
	case errors.Is(err, wifi.ErrNoHotspotBackend):
		return newError(KindHotspotBackendMissing, err)
	case errors.Is(err, wifi.ErrActivationFailed):
		return newError(KindHotspotActivation, err)
	case errors.Is(err, wifi.ErrJoinFailed):
		return newError(KindHotspotJoinFailed, err)
	case errors.Is(err, wifi.ErrLeaseTimeout):
		return newError(KindIpLeaseTimeout, err)
	case errors.Is(err, transfer.ErrVersionMismatch):
		return newError(KindVersionMismatch, err)
	case errors.Is(err, transfer.ErrPeerCancelled), errors.Is(err, transfer.ErrRejected):
		return newError(KindPeerCancelled, err)
	case errors.Is(err, transfer.ErrWsProtocol):
		return newError(KindWsProtocolError, err)
	case errors.Is(err, context.DeadlineExceeded):
		return newError(KindTimeout, err)
	case errors.Is(err, context.Canceled):
		return newError(KindUserCancelled, err)
	default:
		return newError(KindIoError, err)
	}
}
