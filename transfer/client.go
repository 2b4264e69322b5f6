package transfer

import (
	"archive/zip"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/Tinnci/cattysend/logging"
	"github.com/Tinnci/cattysend/wire"
)

// Progress is one measured download step.
type Progress struct {
	Downloaded int64
	Total      int64
	SpeedBps   float64
	EtaSec     float64
}

// ConfirmFunc decides whether to accept an incoming offer. It returns the
// decision and a reason for a rejection.
type ConfirmFunc func(offer wire.SendRequestData) (bool, string)

// ClientOptions configures the receiver side of one transfer.
type ClientOptions struct {
	Host        string
	Port        int
	DownloadDir string
	DeviceName  string
	AutoAccept  bool
	// Confirm is consulted when AutoAccept is false. Nil plus AutoAccept
	// false rejects everything.
	Confirm ConfirmFunc
	// OnProgress receives download progress; optional.
	OnProgress func(Progress)
	Logger     *logrus.Logger
}

// Client negotiates over the WebSocket and downloads the task body.
type Client struct {
	opts   ClientOptions
	logger *logrus.Logger

	mu               sync.Mutex
	writeMu          sync.Mutex
	conn             *websocket.Conn
	peerSentProgress bool
	cancelled        bool
	cancelReason     string
}

// NewClient builds a receiver client.
func NewClient(opts ClientOptions) *Client {
	return &Client{opts: opts, logger: logging.OrDiscard(opts.Logger)}
}

// Cancel notifies the sender and aborts the download.
func (c *Client) Cancel(reason, message string) {
	c.mu.Lock()
	c.cancelled = true
	c.cancelReason = reason
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		if envelope, err := wire.NewEnvelope(wire.MsgCancel, wire.CancelData{Reason: reason, Message: message}); err == nil {
			_ = c.writeEnvelope(conn, envelope)
		}
		_ = conn.Close()
	}
}

// Run performs the full receiver exchange and returns the downloaded file
// paths. The WebSocket closes before Run returns on every path.
func (c *Client) Run(ctx context.Context) ([]string, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
	}()

	offer, taskID, err := c.negotiate(ctx, conn)
	if err != nil {
		return nil, err
	}

	accepted, reason := c.decide(offer)
	confirm, err := wire.NewEnvelope(wire.MsgConfirmReceive, wire.ConfirmReceiveData{
		Accepted:    accepted,
		Reason:      reason,
		DownloadDir: c.opts.DownloadDir,
	})
	if err != nil {
		return nil, err
	}
	if err := c.writeEnvelope(conn, confirm); err != nil {
		return nil, err
	}
	if !accepted {
		return nil, fmt.Errorf("%w: %s", ErrRejected, reason)
	}

	// Watch for cancel frames while the HTTP stream runs.
	downloadCtx, cancelDownload := context.WithCancel(ctx)
	defer cancelDownload()
	go c.watchFrames(conn, cancelDownload)

	paths, err := c.download(downloadCtx, conn, offer, taskID)
	if err != nil {
		c.mu.Lock()
		cancelled := c.cancelled
		reason := c.cancelReason
		c.mu.Unlock()
		if cancelled {
			return nil, fmt.Errorf("%w: %s", ErrPeerCancelled, reason)
		}
		return nil, err
	}
	return paths, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		// Self-signed certificate in an air-gapped subnet; there is no PKI
		// to verify against.
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: true},
		HandshakeTimeout: WsHandshakeTimeout,
	}

	url := fmt.Sprintf("wss://%s:%d/websocket", c.opts.Host, c.opts.Port)
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transfer: websocket handshake with %s: %w", url, err)
	}
	return conn, nil
}

// negotiate runs the receiver half of the ordered exchange up to the offer.
func (c *Client) negotiate(ctx context.Context, conn *websocket.Conn) (wire.SendRequestData, string, error) {
	hello, err := wire.NewEnvelope(wire.MsgVersionNegotiation, wire.VersionNegotiationData{Version: wire.ProtocolVersion})
	if err != nil {
		return wire.SendRequestData{}, "", err
	}
	if err := c.writeEnvelope(conn, hello); err != nil {
		return wire.SendRequestData{}, "", err
	}

	_ = conn.SetReadDeadline(time.Now().Add(WsHandshakeTimeout))
	envelope, err := c.readEnvelope(conn)
	if err != nil {
		return wire.SendRequestData{}, "", fmt.Errorf("%w: waiting for version: %v", ErrWsProtocol, err)
	}
	if envelope.MsgType != wire.MsgVersionNegotiation {
		return wire.SendRequestData{}, "", fmt.Errorf("%w: expected versionNegotiation, got %s", ErrWsProtocol, envelope.MsgType)
	}
	var version wire.VersionNegotiationData
	if err := envelope.DecodeData(&version); err != nil {
		return wire.SendRequestData{}, "", fmt.Errorf("%w: %v", ErrWsProtocol, err)
	}
	if version.Version != wire.ProtocolVersion {
		return wire.SendRequestData{}, "", fmt.Errorf("%w: local %s, peer %s", ErrVersionMismatch, wire.ProtocolVersion, version.Version)
	}

	_ = conn.SetReadDeadline(time.Time{})
	envelope, err = c.readEnvelope(conn)
	if err != nil {
		return wire.SendRequestData{}, "", fmt.Errorf("%w: waiting for offer: %v", ErrWsProtocol, err)
	}
	if envelope.MsgType != wire.MsgSendRequest {
		return wire.SendRequestData{}, "", fmt.Errorf("%w: expected sendRequest, got %s", ErrWsProtocol, envelope.MsgType)
	}

	var offer wire.SendRequestData
	if err := envelope.DecodeData(&offer); err != nil {
		return wire.SendRequestData{}, "", fmt.Errorf("%w: %v", ErrWsProtocol, err)
	}
	var token struct {
		TaskID string `json:"taskId"`
	}
	if err := json.Unmarshal(envelope.Data, &token); err != nil || token.TaskID == "" {
		return wire.SendRequestData{}, "", fmt.Errorf("%w: offer carries no taskId", ErrWsProtocol)
	}
	return offer, token.TaskID, nil
}

func (c *Client) decide(offer wire.SendRequestData) (bool, string) {
	if c.opts.AutoAccept {
		return true, ""
	}
	if c.opts.Confirm == nil {
		return false, "no confirmation handler"
	}
	return c.opts.Confirm(offer)
}

// watchFrames consumes post-confirm frames; a cancel aborts the download.
func (c *Client) watchFrames(conn *websocket.Conn, abort context.CancelFunc) {
	for {
		envelope, err := c.readEnvelope(conn)
		if err != nil {
			// Cancel closes the socket; stop the HTTP stream with it.
			c.mu.Lock()
			cancelled := c.cancelled
			c.mu.Unlock()
			if cancelled {
				abort()
			}
			return
		}
		switch envelope.MsgType {
		case wire.MsgCancel:
			var data wire.CancelData
			_ = envelope.DecodeData(&data)
			c.mu.Lock()
			c.cancelled = true
			c.cancelReason = data.Reason
			c.mu.Unlock()
			abort()
			return
		case wire.MsgProgressUpdate:
			// The sender echoing progress marks the dialect as expecting
			// progressUpdate frames from us too.
			c.mu.Lock()
			c.peerSentProgress = true
			c.mu.Unlock()
		}
	}
}

// download fetches the body over HTTPS and materializes the files.
func (c *Client) download(ctx context.Context, conn *websocket.Conn, offer wire.SendRequestData, taskID string) ([]string, error) {
	if err := os.MkdirAll(c.opts.DownloadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create download directory: %w", err)
	}

	multi := offer.TotalFiles > 1
	targetName := fmt.Sprintf("%s.zip", taskID)
	if !multi {
		if len(offer.Files) == 0 {
			return nil, fmt.Errorf("%w: empty file list", ErrWsProtocol)
		}
		targetName = offer.Files[0].Name
	}
	targetPath := filepath.Join(c.opts.DownloadDir, filepath.Base(targetName))

	if _, err := c.fetchBody(ctx, conn, taskID, targetPath, 0); err != nil {
		// One Range retry when the first pass moved any bytes.
		resumeAt := fileSize(targetPath)
		if resumeAt <= 0 || ctx.Err() != nil {
			return nil, err
		}
		c.logger.Debugf("retrying download from offset %d: %v", resumeAt, err)
		if _, err := c.fetchBody(ctx, conn, taskID, targetPath, resumeAt); err != nil {
			return nil, err
		}
	}

	if !multi {
		return []string{targetPath}, nil
	}

	paths, err := extractArchive(targetPath, c.opts.DownloadDir)
	if err != nil {
		return nil, err
	}
	_ = os.Remove(targetPath)
	return paths, nil
}

// fetchBody streams /download into targetPath starting at offset, emitting
// progress as chunks land.
func (c *Client) fetchBody(ctx context.Context, conn *websocket.Conn, taskID, targetPath string, offset int64) (int64, error) {
	client := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig:       &tls.Config{InsecureSkipVerify: true},
			ResponseHeaderTimeout: ChunkIdleTimeout,
		},
	}

	url := fmt.Sprintf("https://%s:%d/download?taskId=%s", c.opts.Host, c.opts.Port, taskID)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build download request: %w", err)
	}
	if offset > 0 {
		request.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	response, err := client.Do(request)
	if err != nil {
		return 0, fmt.Errorf("transfer: download request: %w", err)
	}
	defer response.Body.Close()

	switch {
	case offset == 0 && response.StatusCode == http.StatusOK:
	case offset > 0 && response.StatusCode == http.StatusPartialContent:
	case offset > 0 && response.StatusCode == http.StatusOK:
		// Server ignored the range; restart from zero.
		offset = 0
	default:
		return 0, fmt.Errorf("transfer: download status %s", response.Status)
	}

	contentLength, err := strconv.ParseInt(response.Header.Get("Content-Length"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: missing Content-Length", ErrWsProtocol)
	}
	total := offset + contentLength

	flags := os.O_CREATE | os.O_WRONLY
	if offset == 0 {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(targetPath, flags, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open %q: %w", targetPath, err)
	}
	defer file.Close()
	if offset > 0 {
		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			return 0, fmt.Errorf("seek %q: %w", targetPath, err)
		}
	}

	downloaded := offset
	started := time.Now()
	buf := make([]byte, ChunkSize)
	for {
		n, readErr := response.Body.Read(buf)
		if n > 0 {
			if _, err := file.Write(buf[:n]); err != nil {
				return total, fmt.Errorf("write %q: %w", targetPath, err)
			}
			downloaded += int64(n)
			c.reportProgress(conn, taskID, downloaded, total, started)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return total, fmt.Errorf("transfer: read body: %w", readErr)
		}
	}

	if downloaded != total {
		return total, fmt.Errorf("transfer: body truncated at %d of %d bytes", downloaded, total)
	}
	if err := file.Sync(); err != nil {
		return total, fmt.Errorf("sync %q: %w", targetPath, err)
	}
	return total, nil
}

func (c *Client) reportProgress(conn *websocket.Conn, taskID string, downloaded, total int64, started time.Time) {
	elapsed := time.Since(started).Seconds()
	speed := 0.0
	if elapsed > 0 {
		speed = float64(downloaded) / elapsed
	}
	eta := 0.0
	if speed > 0 {
		eta = float64(total-downloaded) / speed
	}

	if c.opts.OnProgress != nil {
		c.opts.OnProgress(Progress{Downloaded: downloaded, Total: total, SpeedBps: speed, EtaSec: eta})
	}

	// Only dialects that sent a progressUpdate first expect them back.
	c.mu.Lock()
	sendFrame := c.peerSentProgress
	c.mu.Unlock()
	if !sendFrame {
		return
	}
	envelope, err := wire.NewEnvelope(wire.MsgProgressUpdate, wire.ProgressUpdateData{
		TaskID:     taskID,
		Downloaded: downloaded,
		Total:      total,
	})
	if err != nil {
		return
	}
	_ = c.writeEnvelope(conn, envelope)
}

func (c *Client) readEnvelope(conn *websocket.Conn) (wire.Envelope, error) {
	messageType, payload, err := conn.ReadMessage()
	if err != nil {
		return wire.Envelope{}, err
	}
	if messageType != websocket.TextMessage {
		return wire.Envelope{}, fmt.Errorf("non-text frame %d", messageType)
	}
	return wire.ParseEnvelope(payload)
}

func (c *Client) writeEnvelope(conn *websocket.Conn, envelope wire.Envelope) error {
	payload, err := envelope.Encode()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write %s frame: %w", envelope.MsgType, err)
	}
	return nil
}

// extractArchive unpacks a downloaded multi-file body into destDir.
func extractArchive(archivePath, destDir string) ([]string, error) {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open archive %q: %w", archivePath, err)
	}
	defer reader.Close()

	var paths []string
	for _, entry := range reader.File {
		name := filepath.Base(entry.Name)
		if name == "." || name == string(filepath.Separator) {
			continue
		}
		destPath := filepath.Join(destDir, name)

		source, err := entry.Open()
		if err != nil {
			return nil, fmt.Errorf("open archive entry %q: %w", entry.Name, err)
		}
		dest, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			_ = source.Close()
			return nil, fmt.Errorf("create %q: %w", destPath, err)
		}
		if _, err := io.Copy(dest, source); err != nil {
			_ = source.Close()
			_ = dest.Close()
			return nil, fmt.Errorf("extract %q: %w", entry.Name, err)
		}
		_ = source.Close()
		if err := dest.Close(); err != nil {
			return nil, fmt.Errorf("close %q: %w", destPath, err)
		}
		paths = append(paths, destPath)
	}
	return paths, nil
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
