package transfer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/Tinnci/cattysend/logging"
	"github.com/Tinnci/cattysend/wire"
)

// Port range advertised in P2pInfo.
const (
	PortRangeLow  = 30000
	PortRangeHigh = 40000

	portBindAttempts = 20
)

// Timeouts.
const (
	// WsHandshakeTimeout bounds the upgrade plus the first frame.
	WsHandshakeTimeout = 10 * time.Second
	// ChunkIdleTimeout is the allowed gap between chunk writes.
	ChunkIdleTimeout = 30 * time.Second
)

var (
	// ErrVersionMismatch indicates incompatible announced versions.
	ErrVersionMismatch = errors.New("transfer: protocol version mismatch")
	// ErrWsProtocol indicates an out-of-order or malformed signalling frame.
	ErrWsProtocol = errors.New("transfer: websocket protocol error")
	// ErrPeerCancelled indicates the peer sent a cancel frame.
	ErrPeerCancelled = errors.New("transfer: peer cancelled")
	// ErrRejected indicates the receiver declined the transfer.
	ErrRejected = errors.New("transfer: receiver rejected transfer")
)

// Server event types surfaced to the orchestrator.
type ServerEventType string

const (
	ServerWsConnected ServerEventType = "ws_connected"
	ServerNegotiated  ServerEventType = "negotiated"
	ServerConfirmed   ServerEventType = "confirmed"
	ServerProgress    ServerEventType = "progress"
	ServerCompleted   ServerEventType = "completed"
	ServerCancelled   ServerEventType = "cancelled"
	ServerFailed      ServerEventType = "failed"
)

// ServerEvent is one signalling or stream update.
type ServerEvent struct {
	Type       ServerEventType
	Accepted   bool
	Reason     string
	Downloaded int64
	Err        error
}

// ServerOptions configures one transfer session.
type ServerOptions struct {
	Task       *Task
	LocalIPv4  string
	DeviceName string
	// Port pins the listening port; 0 picks one in [PortRangeLow, PortRangeHigh).
	Port   int
	Logger *logrus.Logger
}

// Server is the sender-side HTTPS endpoint: WebSocket signalling plus the
// download stream. One server serves exactly one task.
type Server struct {
	opts   ServerOptions
	task   *Task
	logger *logrus.Logger

	listener   net.Listener
	httpServer *http.Server
	port       int

	events chan ServerEvent

	mu        sync.Mutex
	wsConn    *websocket.Conn
	wsActive  bool
	confirmed bool
	finished  bool

	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

// StartServer binds the TLS listener and begins serving.
func StartServer(opts ServerOptions) (*Server, error) {
	if opts.Task == nil {
		return nil, fmt.Errorf("transfer: task is required")
	}

	cert, err := newSessionCertificate(opts.LocalIPv4)
	if err != nil {
		return nil, err
	}
	tlsConfig := &tls.Config{Certificates: []tls.Certificate{cert}}

	listener, port, err := bindPort(opts.Port, tlsConfig)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	server := &Server{
		opts:     opts,
		task:     opts.Task,
		logger:   logging.OrDiscard(opts.Logger),
		listener: listener,
		port:     port,
		events:   make(chan ServerEvent, 32),
		ctx:      ctx,
		cancel:   cancel,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/websocket", server.handleWebSocket)
	mux.HandleFunc("/download", server.handleDownload)
	server.httpServer = &http.Server{Handler: mux}

	go func() {
		if err := server.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			server.logger.Debugf("transfer server stopped: %v", err)
		}
	}()

	server.logger.Debugf("transfer server listening on %s:%d", opts.LocalIPv4, port)
	return server, nil
}

// Port returns the bound port, echoed into P2pInfo.
func (s *Server) Port() int { return s.port }

// Events surfaces signalling updates to the orchestrator.
func (s *Server) Events() <-chan ServerEvent { return s.events }

// Cancel sends a cancel frame to the peer and aborts the stream.
func (s *Server) Cancel(reason, message string) {
	s.mu.Lock()
	conn := s.wsConn
	s.mu.Unlock()

	if conn != nil {
		envelope, err := wire.NewEnvelope(wire.MsgCancel, wire.CancelData{Reason: reason, Message: message})
		if err == nil {
			_ = s.writeEnvelope(conn, envelope)
		}
	}
	s.cancel()
}

// Close tears the server down. Idempotent.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()

		s.mu.Lock()
		if s.wsConn != nil {
			_ = s.wsConn.Close()
		}
		s.mu.Unlock()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err = s.httpServer.Shutdown(shutdownCtx)
		if err != nil {
			_ = s.httpServer.Close()
		}
	})
	return err
}

func (s *Server) emit(event ServerEvent) {
	if event.Type == ServerProgress {
		// Progress is advisory; never let a slow consumer stall the stream.
		select {
		case s.events <- event:
		default:
		}
		return
	}
	select {
	case s.events <- event:
	case <-s.ctx.Done():
	}
}

var wsUpgrader = websocket.Upgrader{
	HandshakeTimeout: WsHandshakeTimeout,
	CheckOrigin:      func(*http.Request) bool { return true },
}

// handleWebSocket runs the ordered signalling exchange. Exactly one
// concurrent connection is allowed per task.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.wsActive {
		s.mu.Unlock()
		http.Error(w, "signalling connection already open", http.StatusConflict)
		return
	}
	s.wsActive = true
	s.mu.Unlock()

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.mu.Lock()
		s.wsActive = false
		s.mu.Unlock()
		s.emit(ServerEvent{Type: ServerFailed, Err: fmt.Errorf("websocket upgrade: %w", err)})
		return
	}

	s.mu.Lock()
	s.wsConn = conn
	s.mu.Unlock()

	s.emit(ServerEvent{Type: ServerWsConnected})

	if err := s.runSignalling(conn); err != nil {
		switch {
		case errors.Is(err, ErrPeerCancelled):
			s.emit(ServerEvent{Type: ServerCancelled, Err: err})
		case errors.Is(err, ErrRejected):
			// Already emitted as a non-accepted confirm.
		default:
			s.emit(ServerEvent{Type: ServerFailed, Err: err})
		}
	}

	s.mu.Lock()
	s.wsActive = false
	s.wsConn = nil
	s.mu.Unlock()
	_ = conn.Close()
}

func (s *Server) runSignalling(conn *websocket.Conn) error {
	// 1. Receiver opens with versionNegotiation.
	_ = conn.SetReadDeadline(time.Now().Add(WsHandshakeTimeout))
	envelope, err := s.readEnvelope(conn)
	if err != nil {
		return fmt.Errorf("%w: waiting for version: %v", ErrWsProtocol, err)
	}
	if envelope.MsgType != wire.MsgVersionNegotiation {
		return fmt.Errorf("%w: expected versionNegotiation, got %s", ErrWsProtocol, envelope.MsgType)
	}
	var peerVersion wire.VersionNegotiationData
	if err := envelope.DecodeData(&peerVersion); err != nil {
		return fmt.Errorf("%w: %v", ErrWsProtocol, err)
	}

	// 2. Announce our version regardless, then abort on mismatch so the peer
	// sees the incompatibility too.
	reply, err := wire.NewEnvelope(wire.MsgVersionNegotiation, wire.VersionNegotiationData{Version: wire.ProtocolVersion})
	if err != nil {
		return err
	}
	if err := s.writeEnvelope(conn, reply); err != nil {
		return err
	}
	if peerVersion.Version != wire.ProtocolVersion {
		return fmt.Errorf("%w: local %s, peer %s", ErrVersionMismatch, wire.ProtocolVersion, peerVersion.Version)
	}
	s.emit(ServerEvent{Type: ServerNegotiated})

	// 3. Offer the transfer.
	request := s.task.SendRequest(s.opts.DeviceName)
	offer, err := wire.NewEnvelope(wire.MsgSendRequest, withTaskID(request, s.task.ID))
	if err != nil {
		return err
	}
	if err := s.writeEnvelope(conn, offer); err != nil {
		return err
	}

	// 4. Await the decision.
	_ = conn.SetReadDeadline(time.Time{})
	for {
		envelope, err := s.readEnvelope(conn)
		if err != nil {
			return fmt.Errorf("%w: waiting for confirm: %v", ErrWsProtocol, err)
		}
		switch envelope.MsgType {
		case wire.MsgConfirmReceive:
			var confirm wire.ConfirmReceiveData
			if err := envelope.DecodeData(&confirm); err != nil {
				return fmt.Errorf("%w: %v", ErrWsProtocol, err)
			}
			s.mu.Lock()
			s.confirmed = confirm.Accepted
			s.mu.Unlock()
			s.emit(ServerEvent{Type: ServerConfirmed, Accepted: confirm.Accepted, Reason: confirm.Reason})
			if !confirm.Accepted {
				return fmt.Errorf("%w: %s", ErrRejected, confirm.Reason)
			}
			return s.relayLoop(conn)
		case wire.MsgCancel:
			var cancel wire.CancelData
			_ = envelope.DecodeData(&cancel)
			s.cancel()
			return fmt.Errorf("%w: %s", ErrPeerCancelled, cancel.Reason)
		default:
			return fmt.Errorf("%w: unexpected %s before confirm", ErrWsProtocol, envelope.MsgType)
		}
	}
}

// relayLoop consumes frames that may interleave with the HTTP stream.
func (s *Server) relayLoop(conn *websocket.Conn) error {
	for {
		envelope, err := s.readEnvelope(conn)
		if err != nil {
			select {
			case <-s.ctx.Done():
				return nil
			default:
			}
			// The receiver closing the socket after the download is normal.
			s.mu.Lock()
			finished := s.finished
			s.mu.Unlock()
			if finished {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrWsProtocol, err)
		}

		switch envelope.MsgType {
		case wire.MsgProgressUpdate:
			var progress wire.ProgressUpdateData
			if err := envelope.DecodeData(&progress); err == nil {
				s.emit(ServerEvent{Type: ServerProgress, Downloaded: progress.Downloaded})
			}
		case wire.MsgCancel:
			var cancel wire.CancelData
			_ = envelope.DecodeData(&cancel)
			s.cancel()
			return fmt.Errorf("%w: %s", ErrPeerCancelled, cancel.Reason)
		default:
			return fmt.Errorf("%w: unexpected %s after confirm", ErrWsProtocol, envelope.MsgType)
		}
	}
}

func (s *Server) readEnvelope(conn *websocket.Conn) (wire.Envelope, error) {
	messageType, payload, err := conn.ReadMessage()
	if err != nil {
		return wire.Envelope{}, err
	}
	if messageType != websocket.TextMessage {
		return wire.Envelope{}, fmt.Errorf("non-text frame %d", messageType)
	}
	return wire.ParseEnvelope(payload)
}

func (s *Server) writeEnvelope(conn *websocket.Conn, envelope wire.Envelope) error {
	payload, err := envelope.Encode()
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write %s frame: %w", envelope.MsgType, err)
	}
	return nil
}

// handleDownload streams the task body: raw bytes for one file, a STORE zip
// for several. A single-range Range header resumes from an offset.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("taskId") != s.task.ID {
		http.Error(w, "unknown task", http.StatusNotFound)
		return
	}

	s.mu.Lock()
	confirmed := s.confirmed
	s.mu.Unlock()
	if !confirmed {
		http.Error(w, "transfer not confirmed", http.StatusForbidden)
		return
	}

	body, err := s.bodySource()
	if err != nil {
		s.emit(ServerEvent{Type: ServerFailed, Err: err})
		http.Error(w, "body unavailable", http.StatusInternalServerError)
		return
	}

	total := body.size
	offset := int64(0)
	status := http.StatusOK

	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		start, ok := parseSingleRange(rangeHeader, total)
		if !ok {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", total))
			http.Error(w, "unsatisfiable range", http.StatusRequestedRangeNotSatisfiable)
			return
		}
		offset = start
		status = http.StatusPartialContent
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, total-1, total))
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Length", strconv.FormatInt(total-offset, 10))
	w.WriteHeader(status)

	written, err := s.streamBody(w, body, offset)
	if err != nil {
		select {
		case <-s.ctx.Done():
			return
		default:
		}
		s.emit(ServerEvent{Type: ServerFailed, Err: fmt.Errorf("download stream: %w", err)})
		return
	}

	if offset+written >= total {
		s.mu.Lock()
		s.finished = true
		s.mu.Unlock()
		s.emit(ServerEvent{Type: ServerCompleted, Downloaded: total})
	}
}

// streamBody copies in ChunkSize slices, flushing each one and bounding the
// inter-chunk gap with a write deadline.
func (s *Server) streamBody(w http.ResponseWriter, body *taskBody, offset int64) (int64, error) {
	controller := http.NewResponseController(w)
	flusher, _ := w.(http.Flusher)

	reader, closeBody, err := body.open(offset)
	if err != nil {
		return 0, err
	}
	defer closeBody()

	buf := make([]byte, ChunkSize)
	var written int64
	for {
		select {
		case <-s.ctx.Done():
			return written, s.ctx.Err()
		default:
		}

		n, readErr := reader.Read(buf)
		if n > 0 {
			_ = controller.SetWriteDeadline(time.Now().Add(ChunkIdleTimeout))
			if _, err := w.Write(buf[:n]); err != nil {
				return written, err
			}
			if flusher != nil {
				flusher.Flush()
			}
			written += int64(n)
			s.emit(ServerEvent{Type: ServerProgress, Downloaded: offset + written})
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}

// taskBody abstracts the two body forms behind one size/open pair.
type taskBody struct {
	size int64
	open func(offset int64) (io.Reader, func(), error)
}

func (s *Server) bodySource() (*taskBody, error) {
	if len(s.task.Files) == 1 {
		entry := s.task.Files[0]
		return &taskBody{
			size: entry.Size,
			open: func(offset int64) (io.Reader, func(), error) {
				file, err := openAt(entry.Path, offset)
				if err != nil {
					return nil, nil, err
				}
				return file, func() { _ = file.Close() }, nil
			},
		}, nil
	}

	size, err := zipStreamSize(s.task.Files)
	if err != nil {
		return nil, err
	}
	files := s.task.Files
	return &taskBody{
		size: size,
		open: func(offset int64) (io.Reader, func(), error) {
			return openZipAt(files, offset)
		},
	}, nil
}

// parseSingleRange handles the single-range form "bytes=start-" or
// "bytes=start-end"; the end is ignored since the remainder is streamed.
func parseSingleRange(header string, total int64) (int64, bool) {
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return 0, false
	}
	start, _, ok := strings.Cut(spec, "-")
	if !ok || start == "" {
		return 0, false
	}
	offset, err := strconv.ParseInt(start, 10, 64)
	if err != nil || offset < 0 || offset >= total {
		return 0, false
	}
	return offset, true
}

func bindPort(pinned int, tlsConfig *tls.Config) (net.Listener, int, error) {
	if pinned != 0 {
		listener, err := tls.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", pinned), tlsConfig)
		if err != nil {
			return nil, 0, fmt.Errorf("bind port %d: %w", pinned, err)
		}
		return listener, pinned, nil
	}

	for attempt := 0; attempt < portBindAttempts; attempt++ {
		port := PortRangeLow + rand.Intn(PortRangeHigh-PortRangeLow)
		listener, err := tls.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port), tlsConfig)
		if err == nil {
			return listener, port, nil
		}
	}
	return nil, 0, fmt.Errorf("transfer: no free port in %d-%d", PortRangeLow, PortRangeHigh)
}

// withTaskID annotates the offer with the download token. The field rides
// alongside the fixed schema so receivers know what to fetch.
type sendRequestWithTask struct {
	wire.SendRequestData
	TaskID string `json:"taskId"`
}

func withTaskID(data wire.SendRequestData, taskID string) sendRequestWithTask {
	return sendRequestWithTask{SendRequestData: data, TaskID: taskID}
}
