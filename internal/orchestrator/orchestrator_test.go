package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workspace/genrunner/internal/admission"
	"github.com/workspace/genrunner/internal/container"
	"github.com/workspace/genrunner/internal/generation"
	"github.com/workspace/genrunner/internal/lease"
	"github.com/workspace/genrunner/internal/persistence"
	"github.com/workspace/genrunner/internal/protocol"
	"github.com/workspace/genrunner/internal/relay"
	"github.com/workspace/genrunner/internal/retry"
)

const labelKey = "genrunner.job"

type fakeRuntime struct {
	mu       sync.Mutex
	next     int
	created  map[string]container.Spec
	order    []string
	removed  []string
	copies   int
	listed   []string
	onStart  func(jobID string)
	createFn func() error
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{created: make(map[string]container.Spec)}
}

func (f *fakeRuntime) Create(_ context.Context, spec container.Spec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createFn != nil {
		if err := f.createFn(); err != nil {
			return "", retry.Permanent(err)
		}
	}
	f.next++
	id := fmt.Sprintf("%064d", f.next)
	f.created[id] = spec
	f.order = append(f.order, id)
	return id, nil
}

func (f *fakeRuntime) Start(_ context.Context, id string) error {
	f.mu.Lock()
	jobID := f.created[id].Labels[labelKey]
	hook := f.onStart
	f.mu.Unlock()
	if hook != nil {
		hook(jobID)
	}
	return nil
}

func (f *fakeRuntime) Stop(context.Context, string, time.Duration) error { return nil }

func (f *fakeRuntime) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeRuntime) CopyFrom(context.Context, string, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.copies++
	return nil
}

func (f *fakeRuntime) Logs(context.Context, string, bool) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (f *fakeRuntime) ListByLabel(context.Context, string, string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.listed...), nil
}

func (f *fakeRuntime) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeRuntime) wasRemoved(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.removed {
		if r == id {
			return true
		}
	}
	return false
}

func (f *fakeRuntime) specFor(i int) container.Spec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[f.order[i]]
}

type fakeTokens struct{}

func (fakeTokens) Issue(jobID string) (string, error) { return "token-" + jobID, nil }

// fakeConn stands in for a container's websocket.
type fakeConn struct {
	frames chan []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 64)}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.frames <- append([]byte(nil), data...)
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (c *fakeConn) Close() error                     { return nil }

func (c *fakeConn) next(t *testing.T) protocol.Message {
	t.Helper()
	select {
	case data := <-c.frames:
		var env protocol.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		return protocol.Message{Envelope: env, Raw: data}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame to the container")
		return protocol.Message{}
	}
}

type harness struct {
	o        *Orchestrator
	rt       *fakeRuntime
	store    *persistence.Store
	registry *relay.Registry
	leases   lease.Source

	mu    sync.Mutex
	conns map[string]*fakeConn
}

type harnessOptions struct {
	cfg         Config
	maxPerUser  int
	poolSize    int
	noConnect   bool
	machine     *generation.Machine
	startPerMin int
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()

	store, err := persistence.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	var leases lease.Source
	if opts.poolSize > 0 {
		sets := make([]lease.CredentialSet, opts.poolSize)
		for i := range sets {
			sets[i] = lease.CredentialSet{Name: fmt.Sprintf("store-%d", i+1), URL: fmt.Sprintf("postgres://db/%d", i+1)}
		}
		leases, err = lease.NewPooled(sets)
	} else {
		leases, err = lease.NewOnDemand("access-token")
	}
	require.NoError(t, err)

	if opts.maxPerUser == 0 {
		opts.maxPerUser = 3
	}
	info := leases.Info()
	registry := relay.NewRegistry(relay.Config{})
	rt := newFakeRuntime()
	manager := container.NewManager(container.Config{
		Image:           "agent:test",
		LabelKey:        labelKey,
		ArtifactDir:     t.TempDir(),
		CallbackBaseURL: "ws://orchestrator.test",
		Retry:           retry.Policy{MaxAttempts: 1},
	}, rt, registry, leases, fakeTokens{})

	if opts.cfg.ReadyTimeout == 0 {
		opts.cfg.ReadyTimeout = 2 * time.Second
	}
	h := &harness{
		rt:       rt,
		store:    store,
		registry: registry,
		leases:   leases,
		conns:    make(map[string]*fakeConn),
	}
	h.o = New(opts.cfg, Deps{
		Store:      store,
		Registry:   registry,
		Containers: manager,
		Admission:  admission.New(opts.maxPerUser, info.Total, info.Bounded),
		Limiter:    admission.NewStartLimiter(opts.startPerMin),
		Leases:     leases,
		Machine:    opts.machine,
	})
	if !opts.noConnect {
		rt.onStart = func(jobID string) { go h.connect(jobID) }
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.o.Shutdown(ctx)
	})
	return h
}

// connect plays the container side: announce readiness and attach.
func (h *harness) connect(jobID string) {
	s, ok := h.registry.Get(jobID)
	if !ok {
		return
	}
	h.o.HandleContainerMessage(jobID, []byte(`{"type":"ready","request_id":"`+jobID+`"}`))
	conn := newFakeConn()
	h.mu.Lock()
	h.conns[jobID] = conn
	h.mu.Unlock()
	if err := s.AttachContainer(conn); err == nil {
		h.o.ContainerConnection(jobID, true)
	}
}

func (h *harness) conn(t *testing.T, jobID string) *fakeConn {
	t.Helper()
	var c *fakeConn
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		c = h.conns[jobID]
		return c != nil
	}, 2*time.Second, 5*time.Millisecond)
	return c
}

func (h *harness) send(jobID, frame string) {
	h.o.HandleContainerMessage(jobID, []byte(frame))
}

func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return h.o.Active() == 0 }, 3*time.Second, 5*time.Millisecond)
}

func (h *harness) stored(t *testing.T, id int64) *generation.Generation {
	t.Helper()
	g, err := h.store.GetGeneration(id)
	require.NoError(t, err)
	return g
}

func submit(t *testing.T, h *harness, user string) *generation.Generation {
	t.Helper()
	g, err := h.o.Submit(context.Background(), SubmitRequest{UserID: user, Prompt: "build a todo app", Mode: "interactive"})
	require.NoError(t, err)
	return g
}

func TestSubmitRunsGenerationToCompletion(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{})

	sub := h.registry.Subscribe("user-1")
	defer sub.Close()

	g := submit(t, h, "user-1")
	assert.Equal(t, generation.StateGenerating, g.State)
	assert.NotEmpty(t, g.ContainerID)
	assert.Equal(t, generation.ModeInteractive, g.Mode)

	conn := h.conn(t, g.JobID())
	start := conn.next(t)
	require.Equal(t, protocol.TypeStart, start.Type)
	assert.Equal(t, g.JobID(), start.RequestID)
	assert.Contains(t, string(start.Raw), `"prompt":"build a todo app"`)
	assert.Contains(t, string(start.Raw), `"mode":"interactive"`)

	h.send(g.JobID(), `{"type":"iteration_complete","request_id":"`+g.JobID()+`","iteration":1,"cost_usd":0.5}`)
	h.send(g.JobID(), `{"type":"all_work_complete","request_id":"`+g.JobID()+`","completion_reason":"done","total_iterations":2}`)
	h.waitIdle(t)

	final := h.stored(t, g.ID)
	assert.Equal(t, generation.StateCompleted, final.State)
	assert.Equal(t, 2, final.Iteration)
	assert.InDelta(t, 0.5, final.CostUSD, 1e-9)
	require.NotNil(t, final.Completion)
	assert.Equal(t, "done", final.Completion.Reason)
	assert.NotEmpty(t, final.ArtifactPath)
	assert.True(t, h.rt.wasRemoved(g.ContainerID))
	assert.Equal(t, 0, h.o.Admission.Active("user-1"))
	_, ok := h.registry.Get(g.JobID())
	assert.False(t, ok, "session must be removed after teardown")

	var states []string
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for {
		data, err := sub.Next(ctx)
		if err != nil {
			break
		}
		msg, err := protocol.Decode(data)
		require.NoError(t, err)
		assert.Equal(t, g.JobID(), msg.RequestID)
		if st, ok := msg.Payload.(*protocol.GenerationState); ok {
			states = append(states, st.State)
			if st.State == string(generation.StateCompleted) {
				break
			}
		}
	}
	assert.Equal(t, []string{"generating", "completed"}, states)
}

func TestSubmitRejectedAtUserLimit(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{maxPerUser: 1})

	submit(t, h, "user-1")

	_, err := h.o.Submit(context.Background(), SubmitRequest{UserID: "user-1", Prompt: "another"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAdmissionRejected)
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, 1, rejected.ActiveCount)
	assert.Equal(t, 1, rejected.MaxConcurrent)
	assert.Equal(t, 1, h.rt.createdCount())

	// Other users are unaffected.
	submit(t, h, "user-2")
}

func TestSubmitRateLimited(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{startPerMin: 1})

	submit(t, h, "user-1")
	_, err := h.o.Submit(context.Background(), SubmitRequest{UserID: "user-1", Prompt: "again"})
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestSubmitValidatesRequest(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{})

	tests := []SubmitRequest{
		{UserID: "u", Prompt: "  "},
		{UserID: "u", Prompt: "x", Mode: "yolo"},
		{Prompt: "x"},
	}
	for _, req := range tests {
		_, err := h.o.Submit(context.Background(), req)
		assert.ErrorIs(t, err, ErrInvalidRequest)
	}
	assert.Equal(t, 0, h.o.Admission.Total())
}

func TestPoolExhaustionCreatesNoContainer(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{poolSize: 2, maxPerUser: 2})

	submit(t, h, "user-1")
	submit(t, h, "user-1")
	assert.Equal(t, "store-1", h.rt.specFor(0).Env["BACKING_STORE_NAME"])
	assert.Equal(t, "store-2", h.rt.specFor(1).Env["BACKING_STORE_NAME"])

	g, err := h.o.Submit(context.Background(), SubmitRequest{UserID: "user-2", Prompt: "third"})
	require.Error(t, err)
	assert.ErrorIs(t, err, lease.ErrPoolExhausted)
	assert.Equal(t, 2, h.rt.createdCount())
	require.NotNil(t, g)
	assert.Equal(t, generation.StateFailed, h.stored(t, g.ID).State)
	assert.Equal(t, 0, h.o.Admission.Active("user-2"))

	info := h.o.Concurrency("user-2")
	assert.False(t, info.CanStartNew)
	assert.Equal(t, PoolInfo{Available: 0, Total: 2, Mode: lease.ModePooled}, info.PoolInfo)
}

func TestReadyTimeoutReleasesLease(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{poolSize: 1, noConnect: true, cfg: Config{ReadyTimeout: 50 * time.Millisecond}})

	g, err := h.o.Submit(context.Background(), SubmitRequest{UserID: "user-1", Prompt: "never connects"})
	require.Error(t, err)
	assert.ErrorIs(t, err, relay.ErrReadyTimeout)

	final := h.stored(t, g.ID)
	assert.Equal(t, generation.StateFailed, final.State)
	assert.Contains(t, final.FailureReason, "did not connect")
	assert.True(t, h.rt.wasRemoved(final.ContainerID))
	assert.Equal(t, 1, h.leases.Info().Available)
	assert.Equal(t, 0, h.o.Active())

	h.rt.mu.Lock()
	h.rt.onStart = func(jobID string) { go h.connect(jobID) }
	h.rt.mu.Unlock()

	submit(t, h, "user-1")
	assert.Equal(t, "store-1", h.rt.specFor(1).Env["BACKING_STORE_NAME"])
}

func TestSubmitOutlivesCallerContext(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{poolSize: 1, noConnect: true})
	h.rt.mu.Lock()
	h.rt.onStart = func(jobID string) {
		time.AfterFunc(150*time.Millisecond, func() { h.connect(jobID) })
	}
	h.rt.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	g, err := h.o.Submit(ctx, SubmitRequest{UserID: "user-1", Prompt: "slow start"})
	require.NoError(t, err)
	assert.Equal(t, generation.StateGenerating, g.State)
	assert.Equal(t, 0, h.leases.Info().Available)

	start := h.conn(t, g.JobID()).next(t)
	assert.Equal(t, protocol.TypeStart, start.Type)
	assert.Equal(t, generation.StateGenerating, h.stored(t, g.ID).State)
}

func TestGracefulCancelRecordsSavedWork(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{})

	g := submit(t, h, "user-1")
	conn := h.conn(t, g.JobID())
	conn.next(t) // start

	cancelled, err := h.o.Cancel("user-1", g.ID)
	require.NoError(t, err)
	assert.Equal(t, generation.StateCancelling, cancelled.State)

	shutdown := conn.next(t)
	assert.Equal(t, protocol.TypeShutdown, shutdown.Type)

	job := g.JobID()
	h.send(job, `{"type":"shutdown_initiated","request_id":"`+job+`","message":"saving"}`)
	h.send(job, `{"type":"shutdown_ready","request_id":"`+job+`","message":"saved","commit_hash":"abc123","pushed":true}`)
	h.send(job, `{"type":"generation_stopped","request_id":"`+job+`","message":"bye"}`)
	h.waitIdle(t)

	final := h.stored(t, g.ID)
	assert.Equal(t, generation.StateCompleted, final.State)
	require.NotNil(t, final.Stop)
	assert.Equal(t, generation.StopSaved, final.Stop.Outcome)
	assert.Equal(t, "abc123", final.Stop.CommitHash)
	assert.True(t, final.Stop.Pushed)
}

func TestForcedCancelAfterShutdownTimeout(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{cfg: Config{ShutdownTimeout: 50 * time.Millisecond}})

	g := submit(t, h, "user-1")
	_, err := h.o.Cancel("user-1", g.ID)
	require.NoError(t, err)
	h.waitIdle(t)

	final := h.stored(t, g.ID)
	assert.Equal(t, generation.StateCancelled, final.State)
	require.NotNil(t, final.Stop)
	assert.Equal(t, generation.StopForced, final.Stop.Outcome)
	assert.True(t, h.rt.wasRemoved(g.ContainerID))

	_, err = h.o.Cancel("user-1", g.ID)
	assert.ErrorIs(t, err, generation.ErrTerminal)
}

func TestContainerInitiatedShutdownForcedWhenSilent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{cfg: Config{ShutdownTimeout: 50 * time.Millisecond}})

	g := submit(t, h, "user-1")
	h.conn(t, g.JobID()).next(t) // start
	h.send(g.JobID(), `{"type":"shutdown_initiated","request_id":"`+g.JobID()+`","message":"budget spent"}`)
	h.waitIdle(t)

	final := h.stored(t, g.ID)
	assert.Equal(t, generation.StateCancelled, final.State)
	require.NotNil(t, final.Stop)
	assert.Equal(t, generation.StopForced, final.Stop.Outcome)
	assert.Equal(t, 0, h.o.Admission.Active("user-1"))
}

func TestDetachedContainerFailsAfterGrace(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{poolSize: 1, maxPerUser: 1, cfg: Config{ReconnectGrace: 100 * time.Millisecond}})

	g := submit(t, h, "user-1")
	conn := h.conn(t, g.JobID())
	conn.next(t) // start

	s, ok := h.registry.Get(g.JobID())
	require.True(t, ok)
	require.True(t, s.DetachContainer(conn))
	h.o.ContainerConnection(g.JobID(), false)
	h.waitIdle(t)

	final := h.stored(t, g.ID)
	assert.Equal(t, generation.StateFailed, final.State)
	assert.Contains(t, final.FailureReason, "did not reconnect")
	assert.True(t, h.rt.wasRemoved(g.ContainerID))
	assert.Equal(t, 1, h.leases.Info().Available)
	assert.Equal(t, 0, h.o.Admission.Active("user-1"))

	submit(t, h, "user-1")
}

func TestDetachedContainerForcedDuringShutdown(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{cfg: Config{ReconnectGrace: 50 * time.Millisecond, ShutdownTimeout: 5 * time.Second}})

	g := submit(t, h, "user-1")
	conn := h.conn(t, g.JobID())
	conn.next(t) // start
	_, err := h.o.Cancel("user-1", g.ID)
	require.NoError(t, err)

	s, ok := h.registry.Get(g.JobID())
	require.True(t, ok)
	require.True(t, s.DetachContainer(conn))
	h.o.ContainerConnection(g.JobID(), false)
	h.waitIdle(t)

	final := h.stored(t, g.ID)
	assert.Equal(t, generation.StateCancelled, final.State)
	require.NotNil(t, final.Stop)
	assert.Equal(t, generation.StopForced, final.Stop.Outcome)
	assert.Contains(t, final.Stop.Message, "disconnected during shutdown")
}

func TestReattachWithinGraceKeepsGeneration(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{cfg: Config{ReconnectGrace: 100 * time.Millisecond}})

	g := submit(t, h, "user-1")
	conn := h.conn(t, g.JobID())
	conn.next(t) // start

	s, ok := h.registry.Get(g.JobID())
	require.True(t, ok)
	require.True(t, s.DetachContainer(conn))
	h.o.ContainerConnection(g.JobID(), false)
	require.NoError(t, s.AttachContainer(newFakeConn()))
	h.o.ContainerConnection(g.JobID(), true)

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, 1, h.o.Active())
	assert.Equal(t, generation.StateGenerating, h.stored(t, g.ID).State)
}

func TestCancelBeforeContainerConnects(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{poolSize: 1, noConnect: true, cfg: Config{ReadyTimeout: 5 * time.Second}})

	type result struct {
		g   *generation.Generation
		err error
	}
	done := make(chan result, 1)
	go func() {
		g, err := h.o.Submit(context.Background(), SubmitRequest{UserID: "user-1", Prompt: "slow start"})
		done <- result{g, err}
	}()

	require.Eventually(t, func() bool { return h.registry.Len() == 1 && h.rt.createdCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	gens, err := h.o.List("user-1", 10)
	require.NoError(t, err)
	require.Len(t, gens, 1)

	_, err = h.o.Cancel("user-1", gens[0].ID)
	require.NoError(t, err)

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Equal(t, generation.StateCancelled, res.g.State)
		require.NotNil(t, res.g.Stop)
		assert.Equal(t, generation.StopNotStarted, res.g.Stop.Outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("Submit did not return after cancel")
	}
	assert.Equal(t, 1, h.leases.Info().Available)
	assert.Equal(t, 0, h.o.Admission.Active("user-1"))
}

func TestCancelOtherUsersGeneration(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{})

	g := submit(t, h, "user-1")
	_, err := h.o.Cancel("user-2", g.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.o.Get("user-2", g.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.o.Cancel("user-1", 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDecisionRoundTrip(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{})

	g := submit(t, h, "user-1")
	job := g.JobID()
	conn := h.conn(t, job)
	conn.next(t)

	h.send(job, `{"type":"decision_prompt","request_id":"`+job+`","id":"d1","prompt":"Use Postgres?","options":["yes","no"]}`)
	got, err := h.o.Get("user-1", g.ID)
	require.NoError(t, err)
	assert.Equal(t, generation.StatePausedForPrompt, got.State)
	require.NotNil(t, got.Pending)
	assert.Equal(t, []string{"yes", "no"}, got.Pending.Options)

	wrong, err := protocol.DecodeBrowserAction([]byte(`{"type":"decision_response","request_id":"` + job + `","id":"d2","response":"yes"}`))
	require.NoError(t, err)
	assert.ErrorIs(t, h.o.HandleBrowserAction("user-1", wrong), generation.ErrInteractionMismatch)

	frame := `{"type":"decision_response","request_id":"` + job + `","id":"d1","response":"yes"}`
	action, err := protocol.DecodeBrowserAction([]byte(frame))
	require.NoError(t, err)
	assert.ErrorIs(t, h.o.HandleBrowserAction("user-2", action), ErrNotFound)
	require.NoError(t, h.o.HandleBrowserAction("user-1", action))

	relayed := conn.next(t)
	assert.JSONEq(t, frame, string(relayed.Raw))

	got, err = h.o.Get("user-1", g.ID)
	require.NoError(t, err)
	assert.Equal(t, generation.StateGenerating, got.State)
	assert.Nil(t, got.Pending)
}

func TestCredentialDeadlineWarnsWithoutCancelling(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{machine: generation.NewMachine(30 * time.Millisecond)})

	sub := h.registry.Subscribe("user-1")
	defer sub.Close()

	g := submit(t, h, "user-1")
	job := g.JobID()
	conn := h.conn(t, job)
	conn.next(t)

	h.send(job, `{"type":"credential_request","request_id":"`+job+`","id":"c1","credentials":[{"key":"STRIPE_KEY","label":"Stripe","required":true,"sensitive":true}]}`)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var warning *protocol.CredentialTimeoutWarning
	for warning == nil {
		data, err := sub.Next(ctx)
		require.NoError(t, err)
		msg, err := protocol.Decode(data)
		require.NoError(t, err)
		if w, ok := msg.Payload.(*protocol.CredentialTimeoutWarning); ok {
			warning = w
		}
	}
	assert.Equal(t, "c1", warning.ID)
	assert.Equal(t, 0, warning.RemainingSeconds)

	got, err := h.o.Get("user-1", g.ID)
	require.NoError(t, err)
	assert.Equal(t, generation.StatePausedForCredentials, got.State)

	action, err := protocol.DecodeBrowserAction([]byte(`{"type":"credential_response","request_id":"` + job + `","id":"c1","values":{},"cancelled":true}`))
	require.NoError(t, err)
	require.NoError(t, h.o.HandleBrowserAction("user-1", action))
	assert.Equal(t, protocol.TypeCredentialResponse, conn.next(t).Type)

	got, err = h.o.Get("user-1", g.ID)
	require.NoError(t, err)
	assert.Equal(t, generation.StateGenerating, got.State)
}

func TestFatalErrorFailsGeneration(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{})

	g := submit(t, h, "user-1")
	job := g.JobID()
	h.send(job, `{"type":"error","request_id":"`+job+`","message":"disk full","fatal":false}`)
	got, err := h.o.Get("user-1", g.ID)
	require.NoError(t, err)
	assert.Equal(t, generation.StateGenerating, got.State)

	h.send(job, `{"type":"error","request_id":"`+job+`","message":"model unavailable","error_code":"upstream","fatal":true}`)
	h.waitIdle(t)

	final := h.stored(t, g.ID)
	assert.Equal(t, generation.StateFailed, final.State)
	assert.Equal(t, "model unavailable (upstream)", final.FailureReason)
}

func TestMessagesAddressedToAnotherJobAreDropped(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{})

	g := submit(t, h, "user-1")
	h.send(g.JobID(), `{"type":"all_work_complete","request_id":"gen-999","completion_reason":"spoofed"}`)
	h.send(g.JobID(), `not json`)

	got, err := h.o.Get("user-1", g.ID)
	require.NoError(t, err)
	assert.Equal(t, generation.StateGenerating, got.State)
}

func TestCompletionTimeoutFailsGeneration(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{cfg: Config{CompletionTimeout: 50 * time.Millisecond}})

	g := submit(t, h, "user-1")
	h.waitIdle(t)

	final := h.stored(t, g.ID)
	assert.Equal(t, generation.StateFailed, final.State)
	assert.Contains(t, final.FailureReason, "did not finish")
	assert.True(t, h.rt.wasRemoved(g.ContainerID))
}

func TestRecoverFailsInterruptedAndReapsOrphans(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{})

	stale := &generation.Generation{UserID: "user-1", Prompt: "old", Mode: generation.ModeAutonomous, State: generation.StateGenerating}
	require.NoError(t, h.store.CreateGeneration(stale))
	h.rt.mu.Lock()
	h.rt.listed = []string{"deadbeef0001"}
	h.rt.mu.Unlock()

	require.NoError(t, h.o.Recover(context.Background()))

	got := h.stored(t, stale.ID)
	assert.Equal(t, generation.StateFailed, got.State)
	assert.Equal(t, interruptedReason, got.FailureReason)
	assert.True(t, h.rt.wasRemoved("deadbeef0001"))
}

func TestReconcileCorrectsLedgerDrift(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{})

	submit(t, h, "user-1")
	h.o.Admission.TryAdmit("ghost")

	assert.Equal(t, []string{"ghost"}, h.o.Reconcile())
	assert.Equal(t, 0, h.o.Admission.Active("ghost"))
	assert.Equal(t, 1, h.o.Admission.Active("user-1"))
	assert.Empty(t, h.o.Reconcile())
}

func TestConcurrencyReportsClamp(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{poolSize: 2, maxPerUser: 5})

	info := h.o.Concurrency("user-1")
	assert.Equal(t, ConcurrencyInfo{
		ActiveCount:   0,
		MaxConcurrent: 2,
		CanStartNew:   true,
		PoolInfo:      PoolInfo{Available: 2, Total: 2, Mode: lease.ModePooled, Clamped: true},
	}, info)
}

func TestShutdownTearsDownRunningGenerations(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{})

	g := submit(t, h, "user-1")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	h.o.Shutdown(ctx)

	assert.Equal(t, 0, h.o.Active())
	final := h.stored(t, g.ID)
	assert.True(t, final.State.Terminal(), "state %s", final.State)
	assert.True(t, h.rt.wasRemoved(g.ContainerID))

	_, err := h.o.Submit(context.Background(), SubmitRequest{UserID: "user-1", Prompt: "late"})
	assert.True(t, errors.Is(err, ErrShuttingDown))
}
