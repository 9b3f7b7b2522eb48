package dashboard

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bardlex/gompsolo/internal/pool"
	"github.com/bardlex/gompsolo/internal/validation"
	"github.com/bardlex/gompsolo/pkg/jsonx"
	"github.com/bardlex/gompsolo/pkg/log"
)

type fakeSource struct {
	miners []pool.MinerSession
	info   pool.PoolInfo
}

func (f *fakeSource) Miners() []pool.MinerSession { return f.miners }
func (f *fakeSource) PoolInfo() pool.PoolInfo     { return f.info }

type fakeShareLog struct {
	mu     sync.Mutex
	shares []validation.Share
	err    error
	calls  int
}

func (f *fakeShareLog) Shares(context.Context) ([]validation.Share, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.shares, f.err
}

type fakeRedis struct {
	mu     sync.Mutex
	counts map[string]int64
	cache  map[string][]byte
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{counts: make(map[string]int64), cache: make(map[string][]byte)}
}

func (f *fakeRedis) CheckRateLimit(_ context.Context, key string, limit int64, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[key]++
	return f.counts[key] <= limit, nil
}

func (f *fakeRedis) SetCache(_ context.Context, key string, data any, _ time.Duration) error {
	b, err := jsonx.Marshal(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cache[key] = b
	return nil
}

func (f *fakeRedis) GetCache(_ context.Context, key string, dest any) error {
	f.mu.Lock()
	b, ok := f.cache[key]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("cache miss")
	}
	return jsonx.Unmarshal(b, dest)
}

func (f *fakeRedis) GetShares(context.Context, string) (int64, int64, error) { return 7, 2, nil }

func (f *fakeRedis) GetAverageHashrate(context.Context, string, time.Duration) (float64, error) {
	return 1234.567, nil
}

var started = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testSource() *fakeSource {
	return &fakeSource{
		miners: []pool.MinerSession{
			{User: "alice", Shares: 3, Authenticated: true, Hashrate: 16777216.126},
			{User: "solo", Authenticated: false},
		},
		info: pool.PoolInfo{PoolName: "TestPool", Difficulty: 4.256, BlocksFound: 2, Miners: 2, BlockReward: 50, StartedAt: started},
	}
}

func testDashboardConfig() Config {
	return Config{
		Addr:            "127.0.0.1:3000",
		ServerHost:      "0.0.0.0",
		ServerPort:      3333,
		Secret:          "test-secret",
		Username:        "admin",
		Password:        "password",
		RateLimitWindow: time.Minute,
		RateLimitMax:    100,
		PushInterval:    time.Hour,
	}
}

func newTestServer(cfg Config, deps Deps) *Server {
	if deps.Source == nil {
		deps.Source = testSource()
	}
	s := NewServer(cfg, deps, log.Discard())
	s.now = func() time.Time { return started.Add(90 * time.Minute) }
	return s
}

func get(s *Server, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := jsonx.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestPoolEndpoint(t *testing.T) {
	s := newTestServer(testDashboardConfig(), Deps{})

	rec := get(s, "/api/pool", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	view := decode[PoolView](t, rec)
	want := PoolView{
		PoolName:    "TestPool",
		ServerHost:  "0.0.0.0",
		ServerPort:  3333,
		WebUIPort:   3000,
		Difficulty:  4.26,
		BlocksFound: 2,
		Miners:      2,
		BlockReward: 50,
		Uptime:      "1 hour 30 minutes",
	}
	if view != want {
		t.Errorf("pool view = %+v, want %+v", view, want)
	}
}

func TestMinersEndpoint(t *testing.T) {
	t.Run("live state only", func(t *testing.T) {
		s := newTestServer(testDashboardConfig(), Deps{})
		views := decode[[]MinerView](t, get(s, "/api/miners", nil))
		if len(views) != 2 {
			t.Fatalf("got %d miners", len(views))
		}
		if views[0].User != "alice" || views[0].Shares != 3 || !views[0].Authenticated || views[0].Hashrate != 16777216.13 {
			t.Errorf("miner = %+v", views[0])
		}
		if views[0].ValidShares != nil {
			t.Error("redis counters reported without redis")
		}
	})

	t.Run("with redis stats", func(t *testing.T) {
		s := newTestServer(testDashboardConfig(), Deps{Redis: newFakeRedis()})
		views := decode[[]MinerView](t, get(s, "/api/miners", nil))
		alice := views[0]
		if alice.ValidShares == nil || *alice.ValidShares != 7 || *alice.InvalidShares != 2 || alice.AvgHashrate != 1234.57 {
			t.Errorf("alice = %+v", alice)
		}
		if views[1].ValidShares != nil {
			t.Error("unauthenticated session got redis stats")
		}
	})
}

func TestSharesEndpoint(t *testing.T) {
	shareLog := &fakeShareLog{shares: []validation.Share{
		{ID: 1, Timestamp: started, Valid: true, User: "alice", JobID: "j1"},
	}}

	t.Run("reads the share log", func(t *testing.T) {
		s := newTestServer(testDashboardConfig(), Deps{Shares: shareLog})
		shares := decode[[]validation.Share](t, get(s, "/api/shares", nil))
		if len(shares) != 1 || shares[0].User != "alice" || !shares[0].Valid {
			t.Errorf("shares = %+v", shares)
		}
	})

	t.Run("cached in redis", func(t *testing.T) {
		shareLog.calls = 0
		s := newTestServer(testDashboardConfig(), Deps{Shares: shareLog, Redis: newFakeRedis()})
		get(s, "/api/shares", nil)
		rec := get(s, "/api/shares", nil)
		if shareLog.calls != 1 {
			t.Errorf("share log read %d times, want 1", shareLog.calls)
		}
		if shares := decode[[]validation.Share](t, rec); len(shares) != 1 {
			t.Errorf("cached shares = %+v", shares)
		}
	})

	t.Run("no share log", func(t *testing.T) {
		s := newTestServer(testDashboardConfig(), Deps{})
		if body := strings.TrimSpace(get(s, "/api/shares", nil).Body.String()); body != "[]" {
			t.Errorf("body = %s, want []", body)
		}
	})

	t.Run("store failure", func(t *testing.T) {
		s := newTestServer(testDashboardConfig(), Deps{Shares: &fakeShareLog{err: fmt.Errorf("db locked")}})
		if rec := get(s, "/api/shares", nil); rec.Code != http.StatusInternalServerError {
			t.Errorf("status = %d, want 500", rec.Code)
		}
	})
}

func TestHealthEndpoint(t *testing.T) {
	tests := []struct {
		name   string
		health func(context.Context) error
		want   int
	}{
		{"no check", nil, http.StatusOK},
		{"healthy", func(context.Context) error { return nil }, http.StatusOK},
		{"unhealthy", func(context.Context) error { return fmt.Errorf("store down") }, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testDashboardConfig()
			cfg.EnableAuth = true
			s := newTestServer(cfg, Deps{Health: tt.health})
			if rec := get(s, "/health", nil); rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestAuthRequired(t *testing.T) {
	cfg := testDashboardConfig()
	cfg.EnableAuth = true
	s := newTestServer(cfg, Deps{})

	if rec := get(s, "/api/pool", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("api without token = %d, want 401", rec.Code)
	}
	rec := get(s, "/", nil)
	if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/login" {
		t.Errorf("index without token = %d %q, want redirect to /login", rec.Code, rec.Header().Get("Location"))
	}
	if rec := get(s, "/login", nil); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "<form") {
		t.Errorf("login page = %d", rec.Code)
	}
}

func login(s *Server, username, password, accept string) *httptest.ResponseRecorder {
	form := url.Values{"username": {username}, "password": {password}}
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestLoginFlow(t *testing.T) {
	cfg := testDashboardConfig()
	cfg.EnableAuth = true
	s := newTestServer(cfg, Deps{})

	t.Run("bad credentials", func(t *testing.T) {
		for _, creds := range [][2]string{{"admin", "wrong"}, {"root", "password"}, {"", ""}} {
			if rec := login(s, creds[0], creds[1], ""); rec.Code != http.StatusUnauthorized {
				t.Errorf("login(%q, %q) = %d, want 401", creds[0], creds[1], rec.Code)
			}
		}
	})

	t.Run("browser session cookie", func(t *testing.T) {
		rec := login(s, "admin", "password", "")
		if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/" {
			t.Fatalf("login = %d %q", rec.Code, rec.Header().Get("Location"))
		}
		cookies := rec.Result().Cookies()
		if len(cookies) != 1 || cookies[0].Name != sessionCookie || !cookies[0].HttpOnly {
			t.Fatalf("cookies = %+v", cookies)
		}

		header := http.Header{"Cookie": {cookies[0].Name + "=" + cookies[0].Value}}
		if rec := get(s, "/api/pool", header); rec.Code != http.StatusOK {
			t.Errorf("api with cookie = %d", rec.Code)
		}
	})

	t.Run("json token as bearer", func(t *testing.T) {
		rec := login(s, "admin", "password", "application/json")
		body := decode[map[string]string](t, rec)
		token := body["token"]
		if token == "" {
			t.Fatalf("no token in %s", rec.Body.String())
		}
		header := http.Header{"Authorization": {"Bearer " + token}}
		if rec := get(s, "/api/miners", header); rec.Code != http.StatusOK {
			t.Errorf("api with bearer = %d", rec.Code)
		}
	})

	t.Run("logout clears the cookie", func(t *testing.T) {
		rec := get(s, "/logout", nil)
		if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/login" {
			t.Errorf("logout = %d %q", rec.Code, rec.Header().Get("Location"))
		}
		cookies := rec.Result().Cookies()
		if len(cookies) != 1 || cookies[0].MaxAge >= 0 {
			t.Errorf("logout cookies = %+v", cookies)
		}
	})
}

func TestAuthDisabledRedirects(t *testing.T) {
	s := newTestServer(testDashboardConfig(), Deps{})
	for _, path := range []string{"/login", "/logout"} {
		if rec := get(s, path, nil); rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/" {
			t.Errorf("%s = %d %q, want redirect to /", path, rec.Code, rec.Header().Get("Location"))
		}
	}
	if rec := get(s, "/", nil); rec.Code != http.StatusOK {
		t.Errorf("index = %d", rec.Code)
	}
}

func TestRateLimit(t *testing.T) {
	tests := []struct {
		name  string
		redis Redis
	}{
		{"in memory", nil},
		{"redis", newFakeRedis()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testDashboardConfig()
			cfg.RateLimitMax = 2
			s := newTestServer(cfg, Deps{Redis: tt.redis})

			for i := range 2 {
				if rec := get(s, "/api/pool", nil); rec.Code != http.StatusOK {
					t.Fatalf("request %d = %d", i+1, rec.Code)
				}
			}
			if rec := get(s, "/api/pool", nil); rec.Code != http.StatusTooManyRequests {
				t.Errorf("third request = %d, want 429", rec.Code)
			}
			// health is outside the limited routes
			if rec := get(s, "/health", nil); rec.Code != http.StatusOK {
				t.Errorf("health = %d", rec.Code)
			}
		})
	}
}

func TestMetricsRoute(t *testing.T) {
	cfg := testDashboardConfig()
	if rec := get(newTestServer(cfg, Deps{}), "/metrics", nil); rec.Code != http.StatusNotFound {
		t.Errorf("metrics disabled = %d, want 404", rec.Code)
	}
	cfg.MetricsEnabled = true
	if rec := get(newTestServer(cfg, Deps{}), "/metrics", nil); rec.Code != http.StatusOK {
		t.Errorf("metrics enabled = %d", rec.Code)
	}
}

func readFrameTypes(t *testing.T, conn *websocket.Conn, n int) []string {
	t.Helper()
	var types []string
	for range n {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage() error = %v", err)
		}
		var f struct {
			Type string `json:"type"`
		}
		if err := jsonx.Unmarshal(data, &f); err != nil {
			t.Fatal(err)
		}
		types = append(types, f.Type)
	}
	return types
}

func TestWebSocketPush(t *testing.T) {
	s := newTestServer(testDashboardConfig(), Deps{Shares: &fakeShareLog{}})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	want := []string{"miners", "pool", "shares"}
	if got := readFrameTypes(t, conn, 3); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("initial frames = %v, want %v", got, want)
	}

	if n := s.push(context.Background()); n != 1 {
		t.Errorf("push() reached %d clients, want 1", n)
	}
	if got := readFrameTypes(t, conn, 3); len(got) != 3 {
		t.Errorf("pushed frames = %v", got)
	}

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for s.clientCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s.clientCount() != 0 {
		t.Error("closed client still registered")
	}
}

func TestWebSocketRequiresAuth(t *testing.T) {
	cfg := testDashboardConfig()
	cfg.EnableAuth = true
	s := newTestServer(cfg, Deps{})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("unauthenticated dial succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %v, want 401", resp)
	}

	token, _ := s.Tokens().Issue("admin")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Authorization": {"Bearer " + token}})
	if err != nil {
		t.Fatalf("authenticated dial error = %v", err)
	}
	conn.Close()
}
