package control

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/NodePath81/netspector/internal/config"
	"github.com/NodePath81/netspector/internal/measure"
	"github.com/NodePath81/netspector/internal/util"
	"github.com/NodePath81/netspector/internal/version"
	"github.com/NodePath81/netspector/web"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	maxRPCBodyBytes   = 1 << 20
	rpcRatePerSecond  = 5
	rpcRateBurst      = 10
	wsTokenPrefix     = "netspector-token."
	wsPrimaryProtocol = "netspector"
	wsWriteWait       = 10 * time.Second
	wsPongWait        = 60 * time.Second
	wsPingInterval    = 30 * time.Second
)

// Server exposes the controller over HTTP: JSON RPC, the live feed
// websocket, metrics and the embedded web UI.
type Server struct {
	cfg        config.ControlConfig
	controller *Controller
	hub        *Hub
	metrics    http.Handler
	logger     util.Logger
	limiter    *rateLimiter

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewServer builds the control server. metrics may be nil.
func NewServer(cfg config.ControlConfig, controller *Controller, metrics http.Handler, logger util.Logger) *Server {
	if logger == nil {
		logger = util.DiscardLogger()
	}
	return &Server{
		cfg:        cfg,
		controller: controller,
		hub:        controller.hub,
		metrics:    metrics,
		logger:     logger,
		limiter:    newRateLimiter(rpcRatePerSecond, rpcRateBurst, 5*time.Minute),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.metrics != nil && s.cfg.Metrics.IsEnabled() {
		mux.HandleFunc("/metrics", s.handleMetrics)
	}
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/feed", s.handleFeed)
	mux.Handle("/", web.WebUIHandler(s.cfg.WebUI.IsEnabled()))
	return mux
}

// Start binds the listener and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := util.NetJoin(s.cfg.BindAddr, s.cfg.BindPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.server = srv
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("control server error", "error", err)
		}
	}()
	s.logger.Info("control server started", "addr", ln.Addr().String())
	return nil
}

// Addr is the bound address once Start has succeeded.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

type rpcRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type rpcResponse struct {
	Ok     bool        `json:"ok"`
	Error  string      `json:"error,omitempty"`
	Result interface{} `json:"result,omitempty"`
}

type startTestParams struct {
	ConnectionName string `json:"connection_name"`
	PingCount      *int   `json:"ping_count"`
	LatencyOnly    bool   `json:"latency_only"`
}

type startTestResult struct {
	RunID string `json:"run_id"`
}

type getHistoryParams struct {
	Limit int `json:"limit"`
}

type identityResult struct {
	Version string `json:"version"`
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow(clientIP(r)) {
		writeJSON(w, http.StatusTooManyRequests, rpcResponse{Ok: false, Error: "rate limit exceeded"})
		return
	}
	if !s.checkAuth(r) {
		writeJSON(w, http.StatusUnauthorized, rpcResponse{Ok: false, Error: "unauthorized"})
		return
	}
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, rpcResponse{Ok: false, Error: "method not allowed"})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRPCBodyBytes)
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, rpcResponse{Ok: false, Error: "invalid json"})
		return
	}
	switch req.Method {
	case "StartTest":
		var params startTestParams
		if err := decodeParams(req.Params, &params); err != nil {
			writeJSON(w, http.StatusBadRequest, rpcResponse{Ok: false, Error: "invalid params"})
			return
		}
		attempts := s.controller.DefaultAttempts()
		if params.PingCount != nil {
			attempts = *params.PingCount
		}
		runID, err := s.controller.Start(StartRequest{
			ConnectionName: params.ConnectionName,
			Attempts:       attempts,
			LatencyOnly:    params.LatencyOnly,
		})
		switch {
		case errors.Is(err, ErrRunInProgress):
			writeJSON(w, http.StatusConflict, rpcResponse{Ok: false, Error: err.Error()})
		case errors.Is(err, measure.ErrInvalidAttempts):
			writeJSON(w, http.StatusBadRequest, rpcResponse{Ok: false, Error: err.Error()})
		case err != nil:
			writeJSON(w, http.StatusInternalServerError, rpcResponse{Ok: false, Error: err.Error()})
		default:
			writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: startTestResult{RunID: runID}})
		}
	case "GetStatus":
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: s.controller.Status()})
	case "GetHistory":
		var params getHistoryParams
		if err := decodeParams(req.Params, &params); err != nil {
			writeJSON(w, http.StatusBadRequest, rpcResponse{Ok: false, Error: "invalid params"})
			return
		}
		records, err := s.controller.History(params.Limit)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, rpcResponse{Ok: false, Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: records})
	case "GetIdentity":
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: identityResult{Version: version.Version}})
	default:
		writeJSON(w, http.StatusBadRequest, rpcResponse{Ok: false, Error: "unknown method"})
	}
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	if !s.checkFeedAuth(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	upgrader := websocket.Upgrader{
		CheckOrigin:  originAllowed,
		Subprotocols: []string{wsPrimaryProtocol},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	client := newFeedClient()
	// The snapshot is queued before registration so it is the first
	// message the client sees.
	if data, err := json.Marshal(FeedMessage{Type: MessageState, State: s.controller.statusPtr()}); err == nil {
		client.send <- data
	}
	s.hub.Register(client)

	var cleanupOnce sync.Once
	done := make(chan struct{})
	cleanup := func() {
		cleanupOnce.Do(func() {
			close(done)
			_ = conn.Close()
			s.hub.Unregister(client)
		})
	}

	go func() {
		defer cleanup()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		defer cleanup()
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			case data, ok := <-client.send:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			}
		}
	}()
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.checkAuth(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	s.metrics.ServeHTTP(w, r)
}

// checkAuth passes every request when no token is configured.
func (s *Server) checkAuth(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	token, ok := bearerToken(r)
	if !ok {
		return false
	}
	return secureTokenEqual(token, s.cfg.AuthToken)
}

func (s *Server) checkFeedAuth(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	if token, ok := bearerToken(r); ok {
		return secureTokenEqual(token, s.cfg.AuthToken)
	}
	if token, ok := tokenFromWebSocketProtocols(r); ok {
		return secureTokenEqual(token, s.cfg.AuthToken)
	}
	return false
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

// Browsers cannot set headers on websocket requests, so the token may
// travel as a base64url subprotocol.
func tokenFromWebSocketProtocols(r *http.Request) (string, bool) {
	for _, proto := range websocket.Subprotocols(r) {
		encoded, found := strings.CutPrefix(proto, wsTokenPrefix)
		if !found || encoded == "" {
			continue
		}
		decoded, err := base64.RawURLEncoding.DecodeString(encoded)
		if err != nil || len(decoded) == 0 {
			continue
		}
		return string(decoded), true
	}
	return "", false
}

func secureTokenEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	return strings.EqualFold(parsed.Host, r.Host)
}

func writeJSON(w http.ResponseWriter, status int, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

type rateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter
	limit   rate.Limit
	burst   int
	ttl     time.Duration
}

type clientLimiter struct {
	limiter *rate.Limiter
	last    time.Time
}

func newRateLimiter(perSecond float64, burst int, ttl time.Duration) *rateLimiter {
	return &rateLimiter{
		clients: make(map[string]*clientLimiter),
		limit:   rate.Limit(perSecond),
		burst:   burst,
		ttl:     ttl,
	}
}

func (r *rateLimiter) Allow(key string) bool {
	if key == "" {
		return false
	}
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, cl := range r.clients {
		if now.Sub(cl.last) > r.ttl {
			delete(r.clients, k)
		}
	}
	cl := r.clients[key]
	if cl == nil {
		cl = &clientLimiter{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.clients[key] = cl
	}
	cl.last = now
	return cl.limiter.AllowN(now, 1)
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
