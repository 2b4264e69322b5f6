package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ProtocolVersion is announced by both sides during versionNegotiation.
const ProtocolVersion = "1.0"

// WebSocket message types. The set is closed; an unknown msgType is a
// protocol error.
const (
	MsgVersionNegotiation = "versionNegotiation"
	MsgSendRequest        = "sendRequest"
	MsgConfirmReceive     = "confirmReceive"
	MsgCancel             = "cancel"
	MsgProgressUpdate     = "progressUpdate"
)

// Package types announced in sendRequest.
const (
	PackageTypeSingle = "single"
	PackageTypeMulti  = "multi"
)

var (
	// ErrInvalidEnvelope indicates a frame that is not a well-formed envelope.
	ErrInvalidEnvelope = errors.New("wire: invalid websocket envelope")
)

// Envelope frames every signalling message: {msgType, msgId, data}.
type Envelope struct {
	MsgType string          `json:"msgType"`
	MsgID   string          `json:"msgId"`
	Data    json.RawMessage `json:"data"`
}

// VersionNegotiationData opens the exchange in both directions.
type VersionNegotiationData struct {
	Version string `json:"version"`
}

// FileMeta describes one file offered in a sendRequest.
type FileMeta struct {
	Name         string `json:"name"`
	Size         int64  `json:"size"`
	ModifiedTime int64  `json:"modifiedTime"`
}

// SendRequestData is the sender's transfer offer.
type SendRequestData struct {
	Files        []FileMeta `json:"files"`
	TotalSize    int64      `json:"totalSize"`
	TotalFiles   int        `json:"totalFiles"`
	PackageType  string     `json:"packageType"`
	Thumbnail    string     `json:"thumbnail,omitempty"`
	SenderDevice string     `json:"senderDevice"`
}

// ConfirmReceiveData is the receiver's accept/reject decision.
type ConfirmReceiveData struct {
	Accepted    bool   `json:"accepted"`
	Reason      string `json:"reason"`
	DownloadDir string `json:"downloadDir"`
}

// CancelData aborts the task from either side.
type CancelData struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// ProgressUpdateData is an informational frame the receiver may interleave
// with the HTTP stream.
type ProgressUpdateData struct {
	TaskID     string `json:"taskId"`
	Downloaded int64  `json:"downloaded"`
	Total      int64  `json:"total"`
}

// NewEnvelope wraps data with a fresh UUIDv4 msgId.
func NewEnvelope(msgType string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s data: %w", msgType, err)
	}
	return Envelope{MsgType: msgType, MsgID: uuid.NewString(), Data: raw}, nil
}

// Encode serializes the envelope for a UTF-8 text frame.
func (e Envelope) Encode() ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return payload, nil
}

// DecodeData unpacks the type-dependent payload.
func (e Envelope) DecodeData(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s data: %w", e.MsgType, err)
	}
	return nil
}

// ParseEnvelope decodes one text frame and checks the envelope shape.
func ParseEnvelope(payload []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if envelope.MsgType == "" || envelope.MsgID == "" {
		return Envelope{}, ErrInvalidEnvelope
	}
	switch envelope.MsgType {
	case MsgVersionNegotiation, MsgSendRequest, MsgConfirmReceive, MsgCancel, MsgProgressUpdate:
	default:
		return Envelope{}, fmt.Errorf("%w: unknown msgType %q", ErrInvalidEnvelope, envelope.MsgType)
	}
	return envelope, nil
}
