package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/querytrace/querytrace/internal/auth"
	"github.com/querytrace/querytrace/internal/backend"
	"github.com/querytrace/querytrace/internal/config"
	"github.com/querytrace/querytrace/internal/killswitch"
	"github.com/querytrace/querytrace/internal/trace"
	"github.com/querytrace/querytrace/internal/tracing"
)

const testConfigYAML = `
server:
  port: 7199
storage:
  path: %DB%
tracing:
  slow_query:
    enabled: false
  max_pending_sessions: 100
  write_on_close: true
  flush_batch_size: 1
  flush_interval: 50ms
  retry:
    max_elapsed: 0s
`

type testEnv struct {
	srv     *httptest.Server
	store   *trace.SQLiteStore
	backend *backend.Backend
	hub     *WebSocketHub
	kill    *killswitch.KillSwitch
	loader  *config.Loader
	cfgPath string
}

func newTestEnv(t *testing.T, setup ...func(*Server)) *testEnv {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "traces.db")
	cfgPath := filepath.Join(dir, "querytrace.yaml")
	writeConfig(t, cfgPath, strings.ReplaceAll(testConfigYAML, "%DB%", dbPath))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	loader := config.NewLoader()
	if err := loader.Load(cfgPath); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	store, err := trace.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error: %v", err)
	}
	if err := store.Initialize(); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}

	hub := NewWebSocketHub(logger, true)
	go hub.Run()
	ks := killswitch.New(logger)

	be, err := backend.New(store, loader.Get().Tracing,
		backend.WithLogger(logger),
		backend.WithCoordinator("10.0.0.1"),
		backend.WithOnPersist(hub.BroadcastPersisted),
		backend.WithKillSwitch(ks),
	)
	if err != nil {
		t.Fatalf("backend.New() error: %v", err)
	}
	if err := be.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	s := NewServer(loader.Get().Server, store, loader, be, hub, logger)
	s.SetKillSwitch(ks)
	for _, fn := range setup {
		fn(s)
	}
	ts := httptest.NewServer(s.Handler())

	t.Cleanup(func() {
		ts.Close()
		hub.Close()
		_ = be.Stop(context.Background())
		_ = store.Close()
	})

	return &testEnv{srv: ts, store: store, backend: be, hub: hub, kill: ks, loader: loader, cfgPath: cfgPath}
}

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
}

// runQuery traces a primary query with one replica and waits until the
// primary's summary row is persisted and counted.
func (e *testEnv) runQuery(t *testing.T) string {
	t.Helper()
	primary := e.backend.NewSession(tracing.RolePrimary)
	primary.Begin("Execute CQL3 query", netip.MustParseAddr("192.168.0.5"))
	primary.AddQuery("SELECT * FROM ks.t WHERE k = 1")
	primary.SetConsistencyLevel(tracing.One)
	primary.Trace("Parsing a statement")

	replica := e.backend.NewSession(tracing.RoleSecondary, tracing.WithParent(primary.ID()))
	replica.Begin("", netip.Addr{})
	replica.Trace("Reading data")
	replica.StopForegroundAndWrite()
	replica.Close()

	primary.Trace("Read 1 live rows")
	primary.Close()

	waitFor(t, func() bool {
		sess, err := e.store.GetSession(primary.ID())
		return err == nil && sess != nil && e.backend.Stats().SessionsWritten > 0
	})
	return primary.ID()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func (e *testEnv) getJSON(t *testing.T, path string, wantStatus int, out interface{}) {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s error: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("GET %s status = %d, want %d: %s", path, resp.StatusCode, wantStatus, body)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
}

func TestServer_Health(t *testing.T) {
	env := newTestEnv(t)

	var body map[string]string
	env.getJSON(t, "/api/health", http.StatusOK, &body)
	if body["status"] != "ok" {
		t.Errorf("status = %q, want ok", body["status"])
	}
	if body["breaker"] != "closed" {
		t.Errorf("breaker = %q, want closed", body["breaker"])
	}

	if err := env.backend.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	env.getJSON(t, "/api/health", http.StatusOK, &body)
	if body["status"] != "stopped" {
		t.Errorf("status after Stop = %q, want stopped", body["status"])
	}
}

func TestServer_ListAndGetSession(t *testing.T) {
	env := newTestEnv(t)
	id := env.runQuery(t)

	var list struct {
		Sessions []trace.Session `json:"sessions"`
		Total    int             `json:"total"`
	}
	env.getJSON(t, "/api/sessions", http.StatusOK, &list)
	if list.Total != 1 || len(list.Sessions) != 1 {
		t.Fatalf("total = %d, sessions = %d, want 1", list.Total, len(list.Sessions))
	}
	if list.Sessions[0].ID != id {
		t.Errorf("session id = %q, want %q", list.Sessions[0].ID, id)
	}
	if got := list.Sessions[0].Parameters["consistency_level"]; got != "ONE" {
		t.Errorf("consistency_level = %q, want ONE", got)
	}

	env.getJSON(t, "/api/sessions?slow=true", http.StatusOK, &list)
	if list.Total != 0 {
		t.Errorf("slow total = %d, want 0", list.Total)
	}

	// The replica is written on its own; wait for both sources.
	var detail struct {
		Session *trace.Session `json:"session"`
		Events  []trace.Event  `json:"events"`
	}
	waitFor(t, func() bool {
		events, err := env.store.ListEvents(trace.EventFilter{SessionID: id, Limit: -1})
		return err == nil && len(events) == 3
	})
	env.getJSON(t, "/api/sessions/"+id, http.StatusOK, &detail)
	if detail.Session == nil || detail.Session.ID != id {
		t.Fatalf("session = %+v", detail.Session)
	}
	if len(detail.Events) != 3 {
		t.Errorf("events = %d, want 3", len(detail.Events))
	}
}

func TestServer_GetSessionNotFound(t *testing.T) {
	env := newTestEnv(t)
	env.getJSON(t, "/api/sessions/missing", http.StatusNotFound, nil)
}

func TestServer_ListSessionsBadTime(t *testing.T) {
	env := newTestEnv(t)
	env.getJSON(t, "/api/sessions?since=yesterday", http.StatusBadRequest, nil)
}

func TestServer_VerifySession(t *testing.T) {
	env := newTestEnv(t)
	id := env.runQuery(t)

	var body struct {
		Valid    bool `json:"valid"`
		BrokenAt int  `json:"broken_at"`
	}
	env.getJSON(t, "/api/sessions/"+id+"/verify", http.StatusOK, &body)
	if !body.Valid {
		t.Errorf("valid = false, broken at %d", body.BrokenAt)
	}
}

func TestServer_ListActive(t *testing.T) {
	env := newTestEnv(t)

	primary := env.backend.NewSession(tracing.RolePrimary)
	replica := env.backend.NewSession(tracing.RoleSecondary, tracing.WithParent(primary.ID()))
	other := env.backend.NewSession(tracing.RoleSecondary, tracing.WithParent("elsewhere"))
	defer primary.Close()
	defer replica.Close()
	defer other.Close()

	var body struct {
		Total int `json:"total"`
	}
	env.getJSON(t, "/api/active", http.StatusOK, &body)
	if body.Total != 3 {
		t.Errorf("total = %d, want 3", body.Total)
	}

	env.getJSON(t, "/api/active?trace_id="+primary.ID(), http.StatusOK, &body)
	if body.Total != 2 {
		t.Errorf("trace total = %d, want 2", body.Total)
	}
}

func TestServer_Stats(t *testing.T) {
	env := newTestEnv(t)
	env.runQuery(t)

	var body struct {
		Store   trace.SystemStats `json:"store"`
		Backend backend.Stats     `json:"backend"`
	}
	env.getJSON(t, "/api/stats", http.StatusOK, &body)
	if body.Store.TotalSessions != 1 {
		t.Errorf("store sessions = %d, want 1", body.Store.TotalSessions)
	}
	if body.Backend.SessionsWritten != 1 {
		t.Errorf("backend sessions written = %d, want 1", body.Backend.SessionsWritten)
	}
	if body.Backend.BudgetLimit != 100 {
		t.Errorf("budget limit = %d, want 100", body.Backend.BudgetLimit)
	}
}

func TestServer_ReloadConfig(t *testing.T) {
	env := newTestEnv(t)

	content, err := os.ReadFile(env.cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	updated := strings.Replace(string(content), "max_pending_sessions: 100", "max_pending_sessions: 5", 1)
	writeConfig(t, env.cfgPath, updated)

	resp, err := http.Post(env.srv.URL+"/api/config/reload", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := env.backend.Stats().BudgetLimit; got != 5 {
		t.Errorf("budget limit = %d, want 5", got)
	}

	writeConfig(t, env.cfgPath, updated+"  write_filter: \"session.request +\"\n")
	resp, err = http.Post(env.srv.URL+"/api/config/reload", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status with bad filter = %d, want 400", resp.StatusCode)
	}
	if got := env.loader.Get().Tracing.WriteFilter; got != "" {
		t.Errorf("loader took the rejected filter %q", got)
	}
	if got := env.backend.Stats().BudgetLimit; got != 5 {
		t.Errorf("budget limit after rejected reload = %d, want 5", got)
	}
}

func TestServer_Metrics(t *testing.T) {
	env := newTestEnv(t)
	env.runQuery(t)

	resp, err := http.Get(env.srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "querytrace_sessions_written_total 1") {
		t.Errorf("metrics output missing sessions_written_total:\n%s", body)
	}
}

func TestServer_CORS(t *testing.T) {
	handler := corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/sessions", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("OPTIONS status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing Access-Control-Allow-Origin")
	}

	req = httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTeapot {
		t.Errorf("GET status = %d, want passthrough", rec.Code)
	}
}

func TestAPIAddr(t *testing.T) {
	if got := APIAddr(7199); got != ":7199" {
		t.Errorf("APIAddr() = %q", got)
	}
}

func TestWebSocket_BroadcastsPersistedSessions(t *testing.T) {
	env := newTestEnv(t)

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/api/ws/sessions"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer conn.Close()
	waitFor(t, func() bool { return env.hub.ClientCount() == 1 })

	id := env.runQuery(t)

	if got := readSessionID(t, conn); got != id {
		t.Fatalf("session = %s, want %s", got, id)
	}
}

func dialFeed(t *testing.T, env *testEnv, query string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/api/ws/sessions" + query
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readSessionID returns the id of the next session message, skipping
// replica event batches.
func readSessionID(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage() error: %v", err)
		}
		var msg struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if msg.Type != "session" {
			continue
		}
		var body struct {
			Session *trace.Session `json:"session"`
		}
		if err := json.Unmarshal(msg.Data, &body); err != nil {
			t.Fatalf("unmarshal session: %v", err)
		}
		if body.Session == nil {
			t.Fatalf("message without session: %s", data)
		}
		return body.Session.ID
	}
}

func TestWebSocket_SkipsReplicaEvents(t *testing.T) {
	env := newTestEnv(t)
	conn := dialFeed(t, env, "")
	waitFor(t, func() bool { return env.hub.ClientCount() == 1 })

	env.hub.BroadcastPersisted(nil, []*trace.Event{{ID: "e1", SessionID: "replica-1"}})
	env.hub.BroadcastPersisted(&trace.Session{ID: "primary-1"}, nil)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error: %v", err)
	}
	var first struct {
		Type string         `json:"type"`
		Data []*trace.Event `json:"data"`
	}
	if err := json.Unmarshal(data, &first); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if first.Type != "events" || len(first.Data) != 1 || first.Data[0].SessionID != "replica-1" {
		t.Fatalf("first message = %s", data)
	}
	if got := readSessionID(t, conn); got != "primary-1" {
		t.Errorf("session = %q, want primary-1", got)
	}
}

func TestWebSocket_ClientFilters(t *testing.T) {
	env := newTestEnv(t)
	all := dialFeed(t, env, "")
	byTrace := dialFeed(t, env, "?trace_id=trace-b")
	slow := dialFeed(t, env, "?slow=true")
	waitFor(t, func() bool { return env.hub.ClientCount() == 3 })

	env.hub.BroadcastPersisted(&trace.Session{ID: "trace-a"}, nil)
	env.hub.BroadcastPersisted(&trace.Session{ID: "trace-b"}, nil)
	env.hub.BroadcastPersisted(&trace.Session{ID: "trace-c", SlowQuery: true}, nil)

	if got := readSessionID(t, all); got != "trace-a" {
		t.Errorf("unfiltered client got %q first, want trace-a", got)
	}
	if got := readSessionID(t, byTrace); got != "trace-b" {
		t.Errorf("trace client got %q, want trace-b", got)
	}
	if got := readSessionID(t, slow); got != "trace-c" {
		t.Errorf("slow client got %q, want trace-c", got)
	}
}

func TestFeedClient_Wants(t *testing.T) {
	tests := []struct {
		name   string
		client feedClient
		msg    feedMessage
		want   bool
	}{
		{"unfiltered", feedClient{}, feedMessage{traceID: "t1"}, true},
		{"trace match", feedClient{traceID: "t1"}, feedMessage{traceID: "t1"}, true},
		{"trace mismatch", feedClient{traceID: "t1"}, feedMessage{traceID: "t2"}, false},
		{"untargeted with trace filter", feedClient{traceID: "t1"}, feedMessage{}, false},
		{"slow only, fast", feedClient{slowOnly: true}, feedMessage{traceID: "t1"}, false},
		{"slow only, slow", feedClient{slowOnly: true}, feedMessage{traceID: "t1", slow: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.client.wants(tt.msg); got != tt.want {
				t.Errorf("wants() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWebSocketHub_BroadcastAfterClose(t *testing.T) {
	hub := NewWebSocketHub(nil, false)
	hub.Close()
	hub.Broadcast("session", map[string]string{"id": "x"})
	if hub.Dropped() != 0 {
		t.Errorf("Dropped() = %d, want 0 after close", hub.Dropped())
	}
}

func TestWebSocketHub_DropsWhenFull(t *testing.T) {
	hub := NewWebSocketHub(nil, false)
	defer hub.Close()
	for i := 0; i < broadcastBuffer+3; i++ {
		hub.Broadcast("events", i)
	}
	if hub.Dropped() != 3 {
		t.Errorf("Dropped() = %d, want 3", hub.Dropped())
	}
}

func doRequest(t *testing.T, method, url, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestServer_Auth(t *testing.T) {
	tokens := auth.NewTokenManager(time.Hour, nil, nil)
	if _, err := tokens.AddStaticToken("admin-secret", auth.RoleAdmin); err != nil {
		t.Fatal(err)
	}
	env := newTestEnv(t, func(s *Server) { s.SetTokenManager(tokens) })
	base := env.srv.URL

	if resp := doRequest(t, http.MethodGet, base+"/api/health", "", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("health without token = %d, want 200", resp.StatusCode)
	}
	if resp := doRequest(t, http.MethodGet, base+"/api/sessions", "", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("sessions without token = %d, want 401", resp.StatusCode)
	}
	if resp := doRequest(t, http.MethodGet, base+"/api/sessions", "wrong", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("sessions with bad token = %d, want 401", resp.StatusCode)
	}

	resp := doRequest(t, http.MethodPost, base+"/api/tokens", "admin-secret", `{"role":"reader"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create token = %d, want 201", resp.StatusCode)
	}
	var created struct {
		Secret string `json:"secret"`
		Role   string `json:"role"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}
	if created.Secret == "" || created.Role != "reader" {
		t.Fatalf("created = %+v", created)
	}

	if resp := doRequest(t, http.MethodGet, base+"/api/sessions", created.Secret, ""); resp.StatusCode != http.StatusOK {
		t.Errorf("reader listing sessions = %d, want 200", resp.StatusCode)
	}
	if resp := doRequest(t, http.MethodGet, base+"/metrics", created.Secret, ""); resp.StatusCode != http.StatusOK {
		t.Errorf("reader scraping metrics = %d, want 200", resp.StatusCode)
	}
	if resp := doRequest(t, http.MethodPost, base+"/api/config/reload", created.Secret, ""); resp.StatusCode != http.StatusForbidden {
		t.Errorf("reader reloading config = %d, want 403", resp.StatusCode)
	}
	if resp := doRequest(t, http.MethodPost, base+"/api/tokens", created.Secret, `{"role":"admin"}`); resp.StatusCode != http.StatusForbidden {
		t.Errorf("reader creating token = %d, want 403", resp.StatusCode)
	}
	if resp := doRequest(t, http.MethodPost, base+"/api/tokens", "admin-secret", `{"role":"root"}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown role = %d, want 400", resp.StatusCode)
	}
}

func TestServer_CreateTokenWithoutAuth(t *testing.T) {
	env := newTestEnv(t)
	resp := doRequest(t, http.MethodPost, env.srv.URL+"/api/tokens", "", `{"role":"reader"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestServer_KillSwitch(t *testing.T) {
	env := newTestEnv(t)
	base := env.srv.URL

	resp := doRequest(t, http.MethodPost, base+"/api/killswitch/trigger", "", `{"reason":"store maintenance"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("trigger = %d, want 200", resp.StatusCode)
	}
	if env.backend.ShouldWriteRecords() {
		t.Error("backend still admits records after global trigger")
	}

	var health map[string]string
	env.getJSON(t, "/api/health", http.StatusOK, &health)
	if health["status"] != "killed" {
		t.Errorf("health status = %q, want killed", health["status"])
	}

	var status struct {
		Status  killswitch.Status          `json:"status"`
		History []killswitch.TriggerRecord `json:"history"`
	}
	env.getJSON(t, "/api/killswitch", http.StatusOK, &status)
	if status.Status.Global == nil || status.Status.Global.Reason != "store maintenance" {
		t.Errorf("global = %+v", status.Status.Global)
	}
	if len(status.History) != 1 {
		t.Errorf("history = %d entries, want 1", len(status.History))
	}

	resp = doRequest(t, http.MethodPost, base+"/api/killswitch/reset", "", `{"scope":"global"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reset = %d, want 200", resp.StatusCode)
	}
	if !env.backend.ShouldWriteRecords() {
		t.Error("backend refuses records after reset")
	}

	resp = doRequest(t, http.MethodPost, base+"/api/killswitch/trigger", "", `{"scope":"trace","trace_id":"01J0TRACE"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("trace trigger = %d, want 200", resp.StatusCode)
	}
	if blocked, _ := env.kill.IsBlocked("01J0TRACE"); !blocked {
		t.Error("trace was not blocked")
	}

	for _, body := range []string{`{"scope":"trace"}`, `{"scope":"node"}`, `not json`} {
		if resp := doRequest(t, http.MethodPost, base+"/api/killswitch/trigger", "", body); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("trigger %s = %d, want 400", body, resp.StatusCode)
		}
	}
}
