// Package dashboard serves the pool's web UI API: miner, share and pool
// views, a login flow issuing JWTs, and a WebSocket that pushes the same
// views on an interval.
package dashboard

import (
	"context"
	"crypto/subtle"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/hako/durafmt"

	"github.com/bardlex/gompsolo/internal/metrics"
	"github.com/bardlex/gompsolo/internal/pool"
	"github.com/bardlex/gompsolo/internal/validation"
	"github.com/bardlex/gompsolo/pkg/jsonx"
	"github.com/bardlex/gompsolo/pkg/log"
)

const (
	sharesCacheKey = "dashboard_shares"
	sharesCacheTTL = 2 * time.Second
	wsWriteTimeout = 5 * time.Second
	shutdownGrace  = 5 * time.Second
)

// Source is the live pool state
type Source interface {
	Miners() []pool.MinerSession
	PoolInfo() pool.PoolInfo
}

// ShareLog is the persistent share log
type ShareLog interface {
	Shares(ctx context.Context) ([]validation.Share, error)
}

// Redis is the optional shared store behind rate limiting, the share list
// cache and long-window miner stats
type Redis interface {
	RateLimitStore
	SetCache(ctx context.Context, key string, data any, expiration time.Duration) error
	GetCache(ctx context.Context, key string, dest any) error
	GetShares(ctx context.Context, user string) (valid, invalid int64, err error)
	GetAverageHashrate(ctx context.Context, user string, window time.Duration) (float64, error)
}

// Config holds dashboard settings
type Config struct {
	Addr       string
	ServerHost string
	ServerPort int

	Secret     string
	EnableAuth bool
	Username   string
	Password   string

	RateLimitWindow time.Duration
	RateLimitMax    int
	PushInterval    time.Duration
	HashrateWindow  time.Duration
	MetricsEnabled  bool
}

// Deps are the dashboard's data sources. Shares, Health and Redis are optional.
type Deps struct {
	Source Source
	Shares ShareLog
	Health func(ctx context.Context) error
	Redis  Redis
}

// MinerView is one row of /api/miners
type MinerView struct {
	User          string  `json:"user"`
	Shares        int64   `json:"shares"`
	Authenticated bool    `json:"authenticated"`
	Hashrate      float64 `json:"hashrate"`
	ValidShares   *int64  `json:"validShares,omitempty"`
	InvalidShares *int64  `json:"invalidShares,omitempty"`
	AvgHashrate   float64 `json:"avgHashrate,omitempty"`
}

// PoolView is the body of /api/pool
type PoolView struct {
	PoolName    string  `json:"poolName"`
	ServerHost  string  `json:"serverHost"`
	ServerPort  int     `json:"serverPort"`
	WebUIPort   int     `json:"webUIPort"`
	Difficulty  float64 `json:"difficulty"`
	BlocksFound uint64  `json:"blocksFound"`
	Miners      int     `json:"miners"`
	BlockReward float64 `json:"blockReward"`
	Uptime      string  `json:"uptime"`
}

type frame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type wsClient struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsClient) send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Server is the dashboard HTTP server
type Server struct {
	cfg     Config
	deps    Deps
	tokens  *Tokens
	limiter Limiter
	logger  *log.Logger
	router  *mux.Router

	upgrader  websocket.Upgrader
	clientsMu sync.Mutex
	clients   map[*wsClient]struct{}

	now func() time.Time
}

// NewServer builds the router. Rate limiting uses Redis when deps.Redis is
// set and an in-process window otherwise.
func NewServer(cfg Config, deps Deps, logger *log.Logger) *Server {
	if cfg.PushInterval <= 0 {
		cfg.PushInterval = 5 * time.Second
	}
	if cfg.HashrateWindow <= 0 {
		cfg.HashrateWindow = 10 * time.Minute
	}

	s := &Server{
		cfg:     cfg,
		deps:    deps,
		tokens:  NewTokens(cfg.Secret),
		logger:  logger.WithComponent("dashboard"),
		clients: make(map[*wsClient]struct{}),
		now:     time.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	if deps.Redis != nil {
		s.limiter = NewRedisLimiter(deps.Redis, cfg.RateLimitMax, cfg.RateLimitWindow)
	} else {
		s.limiter = NewMemoryLimiter(cfg.RateLimitMax, cfg.RateLimitWindow)
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/login", s.handleLoginPage).Methods(http.MethodGet)
	r.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/logout", s.handleLogout).Methods(http.MethodGet)
	if cfg.MetricsEnabled {
		r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	}

	protected := r.NewRoute().Subrouter()
	protected.Use(s.authenticate, s.rateLimit)
	protected.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	protected.HandleFunc("/api/miners", s.handleMiners).Methods(http.MethodGet)
	protected.HandleFunc("/api/shares", s.handleShares).Methods(http.MethodGet)
	protected.HandleFunc("/api/pool", s.handlePool).Methods(http.MethodGet)
	protected.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)

	s.router = r
	return s
}

// Handler returns the dashboard router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Tokens returns the issuer shared with the miner WebSocket gate
func (s *Server) Tokens() *Tokens {
	return s.tokens
}

// Run serves until ctx is cancelled and pushes views to WebSocket clients
// every push interval
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("dashboard listening", "addr", s.cfg.Addr, "auth", s.cfg.EnableAuth)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	ticker := time.NewTicker(s.cfg.PushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.push(ctx)
		case err, ok := <-errCh:
			if ok {
				return err
			}
			return nil
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
			err := srv.Shutdown(shutdownCtx)
			cancel()
			s.closeClients()
			return err
		}
	}
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.EnableAuth {
			next.ServeHTTP(w, r)
			return
		}
		if _, err := s.tokens.Verify(requestToken(r)); err != nil {
			if strings.HasPrefix(r.URL.Path, "/api/") || r.URL.Path == "/ws" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			http.Redirect(w, r, "/login", http.StatusSeeOther)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, err := s.limiter.Allow(r.Context(), clientIP(r))
		if err != nil {
			s.logger.WithError(err).Warn("rate limiter unavailable")
		} else if !allowed {
			http.Error(w, "Too many requests, please try again later", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		if err := s.deps.Health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.EnableAuth {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(loginPage))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.EnableAuth {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	username := r.PostFormValue("username")
	password := r.PostFormValue("password")
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(s.cfg.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(s.cfg.Password)) == 1
	if !userOK || !passOK {
		s.logger.Warn("dashboard login failed", "remote_addr", r.RemoteAddr)
		http.Error(w, "Invalid username or password", http.StatusUnauthorized)
		return
	}

	token, err := s.tokens.Issue(username)
	if err != nil {
		s.logger.WithError(err).Error("failed to sign login token")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(tokenTTL / time.Second),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	// API clients and miners fetching a WebSocket bearer token want the raw token
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		writeJSON(w, http.StatusOK, map[string]string{"token": token})
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.EnableAuth {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexPage))
}

func (s *Server) handleMiners(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.minerViews(r.Context()))
}

func (s *Server) handleShares(w http.ResponseWriter, r *http.Request) {
	shares, err := s.shareViews(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("error getting share data")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, shares)
}

func (s *Server) handlePool(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.poolView())
}

func (s *Server) minerViews(ctx context.Context) []MinerView {
	sessions := s.deps.Source.Miners()
	views := make([]MinerView, 0, len(sessions))
	for _, m := range sessions {
		v := MinerView{
			User:          m.User,
			Shares:        m.Shares,
			Authenticated: m.Authenticated,
			Hashrate:      round2(m.Hashrate),
		}
		if s.deps.Redis != nil && m.Authenticated {
			if valid, invalid, err := s.deps.Redis.GetShares(ctx, m.User); err == nil {
				v.ValidShares, v.InvalidShares = &valid, &invalid
			}
			if avg, err := s.deps.Redis.GetAverageHashrate(ctx, m.User, s.cfg.HashrateWindow); err == nil {
				v.AvgHashrate = round2(avg)
			}
		}
		views = append(views, v)
	}
	return views
}

// shareViews reads the share log, through the Redis cache when configured
func (s *Server) shareViews(ctx context.Context) ([]validation.Share, error) {
	if s.deps.Shares == nil {
		return []validation.Share{}, nil
	}

	if s.deps.Redis != nil {
		var cached []validation.Share
		if err := s.deps.Redis.GetCache(ctx, sharesCacheKey, &cached); err == nil {
			return cached, nil
		}
	}

	shares, err := s.deps.Shares.Shares(ctx)
	if err != nil {
		return nil, err
	}
	if shares == nil {
		shares = []validation.Share{}
	}

	if s.deps.Redis != nil {
		if err := s.deps.Redis.SetCache(ctx, sharesCacheKey, shares, sharesCacheTTL); err != nil {
			s.logger.WithError(err).Debug("failed to cache share list")
		}
	}
	return shares, nil
}

func (s *Server) poolView() PoolView {
	info := s.deps.Source.PoolInfo()
	return PoolView{
		PoolName:    info.PoolName,
		ServerHost:  s.cfg.ServerHost,
		ServerPort:  s.cfg.ServerPort,
		WebUIPort:   portOf(s.cfg.Addr),
		Difficulty:  round2(info.Difficulty),
		BlocksFound: info.BlocksFound,
		Miners:      info.Miners,
		BlockReward: info.BlockReward,
		Uptime:      durafmt.Parse(s.now().Sub(info.StartedAt).Truncate(time.Second)).LimitFirstN(2).String(),
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("dashboard websocket upgrade failed")
		return
	}

	client := &wsClient{conn: conn}
	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	s.clientsMu.Unlock()

	for _, data := range s.frames(r.Context()) {
		if err := client.send(data); err != nil {
			s.removeClient(client)
			return
		}
	}

	// the UI never sends anything; reading detects the close
	go func() {
		defer s.removeClient(client)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) frames(ctx context.Context) [][]byte {
	views := []frame{
		{Type: "miners", Data: s.minerViews(ctx)},
		{Type: "pool", Data: s.poolView()},
	}
	if shares, err := s.shareViews(ctx); err == nil {
		views = append(views, frame{Type: "shares", Data: shares})
	} else {
		s.logger.WithError(err).Error("error updating the web UI share view")
	}

	out := make([][]byte, 0, len(views))
	for _, f := range views {
		data, err := jsonx.Marshal(f)
		if err != nil {
			s.logger.WithError(err).Error("failed to encode dashboard frame", "type", f.Type)
			continue
		}
		out = append(out, data)
	}
	return out
}

// push sends the current views to every WebSocket client
func (s *Server) push(ctx context.Context) int {
	s.clientsMu.Lock()
	clients := make([]*wsClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.Unlock()

	if len(clients) == 0 {
		return 0
	}

	frames := s.frames(ctx)
	sent := 0
	for _, c := range clients {
		ok := true
		for _, data := range frames {
			if err := c.send(data); err != nil {
				s.removeClient(c)
				ok = false
				break
			}
		}
		if ok {
			sent++
		}
	}
	return sent
}

func (s *Server) removeClient(c *wsClient) {
	s.clientsMu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	s.clientsMu.Unlock()
	if ok {
		_ = c.conn.Close()
	}
}

func (s *Server) closeClients() {
	s.clientsMu.Lock()
	clients := s.clients
	s.clients = make(map[*wsClient]struct{})
	s.clientsMu.Unlock()

	for c := range clients {
		_ = c.conn.Close()
	}
}

func (s *Server) clientCount() int {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	return len(s.clients)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := jsonx.Marshal(v)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func portOf(addr string) int {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(port)
	return n
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
