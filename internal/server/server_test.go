package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workspace/genrunner/internal/admission"
	"github.com/workspace/genrunner/internal/auth"
	"github.com/workspace/genrunner/internal/config"
	"github.com/workspace/genrunner/internal/container"
	"github.com/workspace/genrunner/internal/generation"
	"github.com/workspace/genrunner/internal/lease"
	"github.com/workspace/genrunner/internal/metrics"
	"github.com/workspace/genrunner/internal/orchestrator"
	"github.com/workspace/genrunner/internal/persistence"
	"github.com/workspace/genrunner/internal/protocol"
	"github.com/workspace/genrunner/internal/relay"
	"github.com/workspace/genrunner/internal/retry"
)

const (
	testSecret    = "browser-shared-secret"
	testJobSecret = "job-token-secret-0123456789"
	testLabelKey  = "genrunner.job"
)

// fakeRuntime records container specs and hands each started container's
// environment to onStart.
type fakeRuntime struct {
	mu      sync.Mutex
	next    int
	specs   map[string]container.Spec
	onStart func(spec container.Spec)
}

func (f *fakeRuntime) Create(_ context.Context, spec container.Spec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := fmt.Sprintf("%064d", f.next)
	f.specs[id] = spec
	return id, nil
}

func (f *fakeRuntime) Start(_ context.Context, id string) error {
	f.mu.Lock()
	spec := f.specs[id]
	hook := f.onStart
	f.mu.Unlock()
	if hook != nil {
		go hook(spec)
	}
	return nil
}

func (f *fakeRuntime) Stop(context.Context, string, time.Duration) error { return nil }
func (f *fakeRuntime) Remove(context.Context, string) error              { return nil }
func (f *fakeRuntime) CopyFrom(context.Context, string, string, string) error {
	return nil
}

func (f *fakeRuntime) Logs(context.Context, string, bool) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("2026-10-18T10:00:00.000000000Z npm install\n2026-10-18T10:00:01.000000000Z ready on :3000\n")), nil
}

func (f *fakeRuntime) ListByLabel(context.Context, string, string) ([]string, error) {
	return nil, nil
}

// fakeContainer is the container end of a callback socket.
type fakeContainer struct {
	jobID  string
	conn   *websocket.Conn
	frames chan map[string]any
}

func (c *fakeContainer) send(t *testing.T, frame string) {
	t.Helper()
	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func (c *fakeContainer) expect(t *testing.T, typ protocol.MessageType) map[string]any {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case f, ok := <-c.frames:
			require.True(t, ok, "container socket closed while waiting for %s", typ)
			if f["type"] == string(typ) {
				return f
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s on the container socket", typ)
			return nil
		}
	}
}

type testEnv struct {
	srv        *httptest.Server
	server     *Server
	orch       *orchestrator.Orchestrator
	registry   *relay.Registry
	store      *persistence.Store
	containers chan *fakeContainer
}

type envOptions struct {
	maxPerUser      int
	noConnect       bool
	subscriberQueue int
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()

	store, err := persistence.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)

	leases, err := lease.NewOnDemand("access-token")
	require.NoError(t, err)
	if opts.maxPerUser == 0 {
		opts.maxPerUser = 3
	}
	info := leases.Info()

	jobTokens, err := auth.NewJobTokens(testJobSecret, time.Hour)
	require.NoError(t, err)
	validator, err := auth.NewSharedSecretValidator(testSecret, "", "")
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	registry := relay.NewRegistry(relay.Config{SubscriberQueueSize: opts.subscriberQueue})
	rt := &fakeRuntime{specs: make(map[string]container.Spec)}
	manager := container.NewManager(container.Config{
		Image:           "agent:test",
		LabelKey:        testLabelKey,
		ArtifactDir:     t.TempDir(),
		CallbackBaseURL: "ws://placeholder",
		Retry:           retry.Policy{MaxAttempts: 1},
	}, rt, registry, leases, jobTokens)

	orch := orchestrator.New(orchestrator.Config{
		ReadyTimeout:    2 * time.Second,
		ShutdownTimeout: 300 * time.Millisecond,
	}, orchestrator.Deps{
		Store:      store,
		Registry:   registry,
		Containers: manager,
		Admission:  admission.New(opts.maxPerUser, info.Total, info.Bounded),
		Leases:     leases,
		Metrics:    collector,
	})

	cfg := &config.Config{
		AllowedOrigins:    []string{"https://app.example.com", "https://*.example.com"},
		WSReadBufferSize:  1024,
		WSWriteBufferSize: 1024,
		WSPingInterval:    30 * time.Second,
		WSPongTimeout:     60 * time.Second,
	}
	s, err := New(cfg, Deps{
		Orchestrator: orch,
		Registry:     registry,
		Containers:   manager,
		Validator:    validator,
		JobTokens:    jobTokens,
		Metrics:      collector,
		Gatherer:     reg,
	})
	require.NoError(t, err)

	env := &testEnv{
		srv:        httptest.NewServer(s.Handler()),
		server:     s,
		orch:       orch,
		registry:   registry,
		store:      store,
		containers: make(chan *fakeContainer, 8),
	}
	if !opts.noConnect {
		rt.onStart = env.dialBack
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		orch.Shutdown(ctx)
		_ = s.Stop(ctx)
		env.srv.Close()
		store.Close()
	})
	return env
}

// dialBack connects to the callback socket the way a container does, with
// the job token from its environment, and announces readiness.
func (e *testEnv) dialBack(spec container.Spec) {
	jobID := spec.Env["GEN_JOB_ID"]
	url := e.wsURL("/ws/container/"+jobID) + "?token=" + spec.Env["GEN_CALLBACK_TOKEN"]
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return
	}
	c := &fakeContainer{jobID: jobID, conn: conn, frames: make(chan map[string]any, 64)}
	go func() {
		defer close(c.frames)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f map[string]any
			if json.Unmarshal(data, &f) == nil {
				c.frames <- f
			}
		}
	}()
	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ready","request_id":"`+jobID+`"}`))
	e.containers <- c
}

func (e *testEnv) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http") + path
}

func (e *testEnv) nextContainer(t *testing.T) *fakeContainer {
	t.Helper()
	select {
	case c := <-e.containers:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("no container dialed back")
		return nil
	}
}

func userToken(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.HS256(testSecret, auth.UserClaims(userID, "", "", time.Hour))
	require.NoError(t, err)
	return token
}

func (e *testEnv) do(t *testing.T, method, path, user string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+userToken(t, user))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(data) > 0 && data[0] == '{' {
		require.NoError(t, json.Unmarshal(data, &out))
	}
	return resp, out
}

func (e *testEnv) submit(t *testing.T, user string) (int64, *fakeContainer) {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/generations", user, map[string]any{
		"prompt": "build a todo app",
		"mode":   "interactive",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, "body: %v", body)
	c := e.nextContainer(t)
	c.expect(t, protocol.TypeStart)
	return int64(body["id"].(float64)), c
}

func (e *testEnv) waitState(t *testing.T, user string, id int64, state generation.State) map[string]any {
	t.Helper()
	var body map[string]any
	require.Eventually(t, func() bool {
		var resp *http.Response
		resp, body = e.do(t, http.MethodGet, fmt.Sprintf("/generations/%d", id), user, nil)
		return resp.StatusCode == http.StatusOK && body["state"] == string(state)
	}, 3*time.Second, 20*time.Millisecond)
	return body
}

func dialBrowser(t *testing.T, e *testEnv, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(e.wsURL("/ws/browser?token="+token), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f map[string]any
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(map[string]any) bool) map[string]any {
	t.Helper()
	for {
		f := readFrame(t, conn)
		if match(f) {
			return f
		}
	}
}

func TestMatchWildcardOrigin(t *testing.T) {
	t.Parallel()

	tests := []struct {
		origin  string
		pattern string
		want    bool
	}{
		{"https://foo.example.com", "https://*.example.com", true},
		{"https://a.b.example.com", "https://*.example.com", true},
		{"https://example.com", "https://*.example.com", false},
		{"http://foo.example.com", "https://*.example.com", false},
		{"https://evil.com/.example.com", "https://*.example.com", false},
		{"https://foo.example.com.evil.com", "https://*.example.com", false},
		{"https://foo.example.com", "https://example.com", false},
	}
	for _, tt := range tests {
		t.Run(tt.origin+" "+tt.pattern, func(t *testing.T) {
			assert.Equal(t, tt.want, matchWildcardOrigin(tt.origin, tt.pattern))
		})
	}
}

func TestCORSMiddleware(t *testing.T) {
	t.Parallel()
	handler := corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), []string{"https://app.example.com", "https://*.preview.example.com"})

	tests := []struct {
		name    string
		method  string
		origin  string
		allowed bool
		status  int
	}{
		{"exact origin", http.MethodGet, "https://app.example.com", true, http.StatusOK},
		{"wildcard origin", http.MethodGet, "https://pr-12.preview.example.com", true, http.StatusOK},
		{"unknown origin", http.MethodGet, "https://evil.example.org", false, http.StatusOK},
		{"preflight", http.MethodOptions, "https://app.example.com", true, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/generations", nil)
			req.Header.Set("Origin", tt.origin)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.allowed {
				assert.Equal(t, tt.origin, rec.Header().Get("Access-Control-Allow-Origin"))
			} else {
				assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
			}
		})
	}
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, envOptions{})

	resp, body := e.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
	assert.EqualValues(t, 0, body["activeGenerations"])

	resp, err := http.Get(e.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), "genrunner_active_generations")
}

func TestGenerationRoutesRequireAuth(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, envOptions{})

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/generations"},
		{http.MethodGet, "/generations"},
		{http.MethodGet, "/generations/concurrency"},
		{http.MethodGet, "/generations/1"},
		{http.MethodPost, "/generations/1/cancel"},
	} {
		resp, _ := e.do(t, tc.method, tc.path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "%s %s", tc.method, tc.path)
	}
}

func TestSubmitRunsThroughContainerSocket(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, envOptions{})
	browser := dialBrowser(t, e, userToken(t, "user-1"))

	id, c := e.submit(t, "user-1")
	e.waitState(t, "user-1", id, generation.StateGenerating)

	c.send(t, `{"type":"progress","request_id":"`+c.jobID+`","stage":"build","step":"scaffold","percentage":40,"iteration":1,"total_iterations":3}`)
	progress := readUntil(t, browser, func(f map[string]any) bool { return f["type"] == "progress" })
	assert.Equal(t, c.jobID, progress["request_id"])
	assert.EqualValues(t, 40, progress["percentage"])

	c.send(t, `{"type":"all_work_complete","request_id":"`+c.jobID+`","completion_reason":"done","total_iterations":3}`)
	final := e.waitState(t, "user-1", id, generation.StateCompleted)
	assert.EqualValues(t, 3, final["iteration"])

	state := readUntil(t, browser, func(f map[string]any) bool {
		return f["type"] == "generation_state" && f["state"] == "completed"
	})
	assert.Equal(t, c.jobID, state["request_id"])

	resp, list := e.do(t, http.MethodGet, "/generations?limit=10", "user-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, list["generations"], 1)

	resp, _ = e.do(t, http.MethodGet, fmt.Sprintf("/generations/%d", id), "user-2", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSubmitRejectedWithCounts(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, envOptions{maxPerUser: 1})

	e.submit(t, "user-1")

	resp, body := e.do(t, http.MethodPost, "/generations", "user-1", map[string]any{"prompt": "another app"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.EqualValues(t, 1, body["activeCount"])
	assert.EqualValues(t, 1, body["maxConcurrent"])

	resp, body = e.do(t, http.MethodGet, "/generations/concurrency", "user-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["activeCount"])
	assert.Equal(t, false, body["canStartNew"])
	pool := body["poolInfo"].(map[string]any)
	assert.Equal(t, "on_demand", pool["mode"])
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, envOptions{})

	resp, _ := e.do(t, http.MethodPost, "/generations", "user-1", map[string]any{"prompt": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/generations", "user-1", map[string]any{"prompt": "x", "mode": "reckless"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, "/generations/abc", "user-1", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitReadyTimeout(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, envOptions{noConnect: true})

	resp, body := e.do(t, http.MethodPost, "/generations", "user-1", map[string]any{"prompt": "build"})
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	gen := body["generation"].(map[string]any)
	assert.Equal(t, "failed", gen["state"])
	assert.Equal(t, 0, e.registry.Len())
}

func TestCancelEndpointRunsShutdownSequence(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, envOptions{})

	id, c := e.submit(t, "user-1")
	e.waitState(t, "user-1", id, generation.StateGenerating)

	resp, _ := e.do(t, http.MethodPost, fmt.Sprintf("/generations/%d/cancel", id), "user-2", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := e.do(t, http.MethodPost, fmt.Sprintf("/generations/%d/cancel", id), "user-1", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "cancelling", body["state"])

	c.expect(t, protocol.TypeShutdown)
	c.send(t, `{"type":"shutdown_initiated","request_id":"`+c.jobID+`","message":"saving"}`)
	c.send(t, `{"type":"shutdown_ready","request_id":"`+c.jobID+`","message":"saved","commit_hash":"abc123","pushed":true}`)
	c.send(t, `{"type":"generation_stopped","request_id":"`+c.jobID+`","message":"stopped"}`)

	final := e.waitState(t, "user-1", id, generation.StateCompleted)
	stop := final["stop"].(map[string]any)
	assert.Equal(t, "abc123", stop["commitHash"])
	assert.Equal(t, true, stop["pushed"])

	resp, _ = e.do(t, http.MethodPost, fmt.Sprintf("/generations/%d/cancel", id), "user-1", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestContainerSocketRejectsBadToken(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, envOptions{noConnect: true})

	_, resp, err := websocket.DefaultDialer.Dial(e.wsURL("/ws/container/gen-1?token=nope"), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// A valid token for a job with no session.
	tokens, err := auth.NewJobTokens(testJobSecret, time.Hour)
	require.NoError(t, err)
	token, err := tokens.Issue("gen-99")
	require.NoError(t, err)
	_, resp, err = websocket.DefaultDialer.Dial(e.wsURL("/ws/container/gen-99?token="+token), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// A token issued for another job.
	_, resp, err = websocket.DefaultDialer.Dial(e.wsURL("/ws/container/gen-1?token="+token), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestBrowserSocketAuthFailureIsConnectionLevel(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, envOptions{})

	conn := dialBrowser(t, e, "not-a-jwt")
	f := readFrame(t, conn)
	assert.Equal(t, "error", f["type"])
	assert.Equal(t, protocol.ErrorCodeAuthFailed, f["error_code"])
	assert.Equal(t, true, f["fatal"])
	_, hasRequestID := f["request_id"]
	assert.False(t, hasRequestID, "connection-level errors carry no request_id")

	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestBrowserSocketRejectsOrigin(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, envOptions{})

	header := http.Header{"Origin": []string{"https://evil.example.org"}}
	_, resp, err := websocket.DefaultDialer.Dial(e.wsURL("/ws/browser?token="+userToken(t, "user-1")), header)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestBrowserSocketPingAndRejectedAction(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, envOptions{})
	conn := dialBrowser(t, e, userToken(t, "user-1"))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping","request_id":"p1"}`)))
	pong := readFrame(t, conn)
	assert.Equal(t, "pong", pong["type"])
	assert.Equal(t, "p1", pong["request_id"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"decision_response","request_id":"gen-404","id":"d1","response":"yes"}`)))
	f := readFrame(t, conn)
	assert.Equal(t, "error", f["type"])
	assert.Equal(t, "gen-404", f["request_id"])
	assert.Equal(t, errorCodeNotFound, f["error_code"])
	assert.Equal(t, false, f["fatal"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"screenshot","request_id":"gen-1"}`)))
	f = readFrame(t, conn)
	assert.Equal(t, errorCodeInvalidMessage, f["error_code"])
}

func TestBrowserDecisionResponseReachesContainer(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, envOptions{})
	browser := dialBrowser(t, e, userToken(t, "user-1"))

	id, c := e.submit(t, "user-1")
	e.waitState(t, "user-1", id, generation.StateGenerating)

	c.send(t, `{"type":"decision_prompt","request_id":"`+c.jobID+`","id":"d1","prompt":"Use Postgres?","options":["yes","no"]}`)
	readUntil(t, browser, func(f map[string]any) bool { return f["type"] == "decision_prompt" })
	e.waitState(t, "user-1", id, generation.StatePausedForPrompt)

	stale := `{"type":"decision_response","request_id":"` + c.jobID + `","id":"d0","response":"yes"}`
	require.NoError(t, browser.WriteMessage(websocket.TextMessage, []byte(stale)))
	f := readUntil(t, browser, func(f map[string]any) bool { return f["type"] == "error" })
	assert.Equal(t, errorCodeStaleResponse, f["error_code"])

	answer := `{"type":"decision_response","request_id":"` + c.jobID + `","id":"d1","response":"yes"}`
	require.NoError(t, browser.WriteMessage(websocket.TextMessage, []byte(answer)))
	relayed := c.expect(t, protocol.TypeDecisionResponse)
	assert.Equal(t, "d1", relayed["id"])
	assert.Equal(t, "yes", relayed["response"])
	e.waitState(t, "user-1", id, generation.StateGenerating)
}

func TestSlowBrowserGetsStateResync(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, envOptions{subscriberQueue: 2})

	id, c := e.submit(t, "user-1")
	sub := e.registry.Subscribe("user-1")
	defer sub.Close()

	for i := 1; i <= 4; i++ {
		c.send(t, fmt.Sprintf(`{"type":"progress","request_id":"%s","stage":"build","step":"step %d","percentage":%d}`, c.jobID, i, i*20))
	}
	require.Eventually(t, func() bool {
		g, err := e.orch.Get("user-1", id)
		return err == nil && g.Progress != nil && g.Progress.Step == "step 4"
	}, 3*time.Second, 5*time.Millisecond)
	require.Positive(t, sub.Dropped())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	written := make(chan map[string]any, 16)
	go func() {
		_ = e.server.pumpToBrowser(ctx, sub, "user-1", func(data []byte) error {
			var f map[string]any
			if err := json.Unmarshal(data, &f); err != nil {
				return err
			}
			written <- f
			return nil
		})
	}()

	var types []string
	for len(types) < 3 {
		select {
		case f := <-written:
			types = append(types, f["type"].(string))
			if f["type"] == string(protocol.TypeGenerationState) {
				assert.Equal(t, c.jobID, f["request_id"])
				assert.Equal(t, string(generation.StateGenerating), f["state"])
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("pump wrote only %v", types)
		}
	}
	assert.Equal(t, []string{"progress", "progress", "generation_state"}, types)
}

func TestContainerLogsStream(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, envOptions{})
	id, _ := e.submit(t, "user-1")

	path := fmt.Sprintf("/generations/%d/container-logs?token=%s", id, userToken(t, "user-2"))
	_, resp, err := websocket.DefaultDialer.Dial(e.wsURL(path), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	path = fmt.Sprintf("/generations/%d/container-logs?token=%s", id, userToken(t, "user-1"))
	conn, _, err := websocket.DefaultDialer.Dial(e.wsURL(path), nil)
	require.NoError(t, err)
	defer conn.Close()

	f := readFrame(t, conn)
	assert.Equal(t, "container_log", f["type"])
	assert.Equal(t, "npm install", f["line"])
	assert.Equal(t, "2026-10-18T10:00:00.000000000Z", f["timestamp"])
}
