package diagnostics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/javanstorm/isohost/pkg/vmapi"
)

// ServiceLibrary is the library the service isolate resolves before the
// server starts.
const ServiceLibrary = "dart:vmservice_io"

// Protocol version reported by getVersion.
const (
	ProtocolMajor = 3
	ProtocolMinor = 0
)

// JSON-RPC error codes.
const (
	codeParseError      = -32700
	codeMethodNotFound  = -32601
	codeInvalidParams   = -32602
	codeFeatureDisabled = 100
	codeNotSubscribed   = 104
)

// DebugStream carries isolate debug events.
const DebugStream = "Debug"

var (
	ErrNoTagHandler = errors.New("diagnostics: library tag handler is required")
	ErrNoService    = errors.New("diagnostics: service protocol is required")
)

// Options configures the diagnostic server.
type Options struct {
	Host string
	Port int

	// Isolate is the service isolate hosting the server.
	Isolate    vmapi.Isolate
	TagHandler vmapi.LibraryTagHandler

	Precompiled        bool
	DisableOriginCheck bool

	Service  vmapi.ServiceProtocol
	Debugger *Debugger

	// Assets is the archive served at /assets.tar. Nil selects DefaultAssets.
	Assets []byte

	ShutdownTimeout time.Duration
	Logger          *zap.Logger
}

// Server is the running diagnostic server.
type Server struct {
	opts     Options
	log      *zap.Logger
	http     *http.Server
	listener net.Listener
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*conn]struct{}
	done  chan struct{}

	// VM capture is process wide, so it follows the number of clients
	// subscribed to each stream.
	subMu       sync.Mutex
	subscribers map[string]int
}

type conn struct {
	ws *websocket.Conn

	mu      sync.Mutex
	streams map[string]bool
}

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  any             `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Startup resolves the service library through the tag handler, binds
// host:port and starts serving in the background. Port 0 picks a free port.
func Startup(ctx context.Context, opts Options) (*Server, error) {
	if opts.TagHandler == nil {
		return nil, ErrNoTagHandler
	}
	if opts.Service == nil {
		return nil, ErrNoService
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.Assets == nil {
		opts.Assets = DefaultAssets()
	}
	if opts.ShutdownTimeout == 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}

	if _, err := opts.TagHandler(ctx, opts.Isolate, vmapi.TagImport, "", ServiceLibrary); err != nil {
		return nil, fmt.Errorf("resolve %s: %w", ServiceLibrary, err)
	}

	addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	s := &Server{
		opts:     opts,
		log:      opts.Logger,
		listener: ln,
		conns:       make(map[*conn]struct{}),
		done:        make(chan struct{}),
		subscribers: make(map[string]int),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/assets.tar", s.handleAssets)
	mux.HandleFunc("/ws", s.handleWS)
	s.http = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 2 * time.Second,
	}

	if opts.Debugger != nil {
		opts.Debugger.Subscribe(func(ev vmapi.DebugEvent) {
			payload := map[string]any{
				"kind": ev.Kind.String(),
				"uri":  ev.ScriptURI,
			}
			if ev.Err != nil {
				payload["error"] = ev.Err.Error()
			}
			s.Publish(DebugStream, payload)
		})
	}

	go func() {
		defer close(s.done)
		if err := s.http.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("observatory stopped", zap.Error(err))
		}
	}()

	s.log.Info("observatory listening",
		zap.String("addr", s.Addr()),
		zap.Bool("precompiled", opts.Precompiled),
		zap.Bool("origin_check", !opts.DisableOriginCheck))
	return s, nil
}

// Addr returns the address the server listens on.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// URL returns the observatory's http URL.
func (s *Server) URL() string {
	return "http://" + s.Addr() + "/"
}

// Publish sends event to every client subscribed to streamID.
func (s *Server) Publish(streamID string, event any) {
	msg := response{
		JSONRPC: "2.0",
		Method:  "streamNotify",
		Params: map[string]any{
			"streamId": streamID,
			"event":    event,
		},
	}
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.mu.Lock()
		if c.streams[streamID] {
			if err := c.ws.WriteJSON(msg); err != nil {
				s.log.Debug("publish failed", zap.String("stream", streamID), zap.Error(err))
			}
		}
		c.mu.Unlock()
	}
}

// Close stops accepting connections and closes every client.
func (s *Server) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ShutdownTimeout)
	defer cancel()

	err := s.http.Shutdown(ctx)

	s.mu.Lock()
	for c := range s.conns {
		c.ws.Close()
	}
	s.mu.Unlock()

	<-s.done
	return err
}

// checkOrigin accepts requests without an Origin header and requests whose
// origin names the host being served.
func (s *Server) checkOrigin(r *http.Request) bool {
	if s.opts.DisableOriginCheck {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Host == r.Host {
		return true
	}
	ip := net.ParseIP(u.Hostname())
	return u.Hostname() == "localhost" || (ip != nil && ip.IsLoopback())
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(indexPage())
}

func (s *Server) handleAssets(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-tar")
	w.Header().Set("Content-Length", strconv.Itoa(len(s.opts.Assets)))
	w.Write(s.opts.Assets)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade rejected", zap.String("origin", r.Header.Get("Origin")), zap.Error(err))
		return
	}
	c := &conn{ws: ws, streams: make(map[string]bool)}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		c.mu.Lock()
		streams := c.streams
		c.streams = nil
		c.mu.Unlock()
		for id := range streams {
			s.unsubscribe(id)
		}
		ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		resp := s.dispatch(c, data)
		c.mu.Lock()
		err = ws.WriteJSON(resp)
		c.mu.Unlock()
		if err != nil {
			return
		}
	}
}

func (s *Server) dispatch(c *conn, data []byte) response {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		return errorResponse(nil, codeParseError, "parse error")
	}
	var params struct {
		StreamID  string `json:"streamId"`
		IsolateID string `json:"isolateId"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, codeInvalidParams, "invalid params")
		}
	}

	switch req.Method {
	case "getVersion":
		return result(req.ID, map[string]any{
			"type":        "Version",
			"major":       ProtocolMajor,
			"minor":       ProtocolMinor,
			"vm":          s.opts.Service.Version(),
			"precompiled": s.opts.Precompiled,
		})

	case "getVM":
		var paused []string
		if s.opts.Debugger != nil {
			paused = s.opts.Debugger.Paused()
		}
		return result(req.ID, map[string]any{
			"type":   "VM",
			"vm":     s.opts.Service.Version(),
			"paused": paused,
		})

	case "streamListen":
		if params.StreamID == "" {
			return errorResponse(req.ID, codeInvalidParams, "streamId is required")
		}
		c.mu.Lock()
		listening := c.streams[params.StreamID]
		c.mu.Unlock()
		if listening {
			return success(req.ID)
		}
		if !s.subscribe(params.StreamID) {
			return errorResponse(req.ID, codeFeatureDisabled, "stream not available: "+params.StreamID)
		}
		c.mu.Lock()
		c.streams[params.StreamID] = true
		c.mu.Unlock()
		return success(req.ID)

	case "streamCancel":
		c.mu.Lock()
		subscribed := c.streams[params.StreamID]
		delete(c.streams, params.StreamID)
		c.mu.Unlock()
		if !subscribed {
			return errorResponse(req.ID, codeNotSubscribed, "stream not subscribed: "+params.StreamID)
		}
		s.unsubscribe(params.StreamID)
		return success(req.ID)

	case "resume":
		if s.opts.Debugger == nil || !s.opts.Debugger.Resume(params.IsolateID) {
			return errorResponse(req.ID, codeInvalidParams, "isolate not paused: "+params.IsolateID)
		}
		return success(req.ID)

	default:
		return errorResponse(req.ID, codeMethodNotFound, "method not found: "+req.Method)
	}
}

// subscribe adds a client to streamID. The VM is asked to listen only for
// the first client.
func (s *Server) subscribe(streamID string) bool {
	if streamID == DebugStream {
		return true
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.subscribers[streamID] == 0 && !s.opts.Service.StreamListen(streamID) {
		return false
	}
	s.subscribers[streamID]++
	return true
}

// unsubscribe removes a client from streamID and cancels the VM stream
// when it was the last one.
func (s *Server) unsubscribe(streamID string) {
	if streamID == DebugStream {
		return
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()
	n := s.subscribers[streamID]
	if n == 0 {
		return
	}
	if n == 1 {
		delete(s.subscribers, streamID)
		s.opts.Service.StreamCancel(streamID)
		return
	}
	s.subscribers[streamID] = n - 1
}

// Subscribers returns the number of clients subscribed to streamID.
func (s *Server) Subscribers(streamID string) int {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return s.subscribers[streamID]
}

func result(id json.RawMessage, v any) response {
	return response{JSONRPC: "2.0", ID: id, Result: v}
}

func success(id json.RawMessage) response {
	return result(id, map[string]string{"type": "Success"})
}

func errorResponse(id json.RawMessage, code int, msg string) response {
	return response{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: msg}}
}
