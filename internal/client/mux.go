// Package client is the observer side of the browser socket. A single
// connection carries every generation a user owns; Mux fans its frames out
// into independent per-generation logs and derived state.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/workspace/genrunner/internal/protocol"
)

const defaultLogLimit = 2000

// ErrConnectionAuth is the global error recorded when the server rejects
// the connection itself rather than any one generation.
var ErrConnectionAuth = errors.New("connection authentication failed")

// PendingKind distinguishes the two interactions that pause a generation.
type PendingKind string

const (
	PendingDecision    PendingKind = "decision"
	PendingCredentials PendingKind = "credentials"
)

// Pending is the question a generation is waiting on.
type Pending struct {
	Kind        PendingKind
	Decision    *protocol.DecisionPrompt
	Credentials *protocol.CredentialRequest
	// Warning is the latest credential deadline warning, if any.
	Warning *protocol.CredentialTimeoutWarning
}

// ID returns the interaction id a response must echo.
func (p *Pending) ID() string {
	switch p.Kind {
	case PendingDecision:
		return p.Decision.ID
	case PendingCredentials:
		return p.Credentials.ID
	}
	return ""
}

// Entry is one relayed frame in a generation's log.
type Entry struct {
	Seq      uint64
	Type     protocol.MessageType
	Raw      json.RawMessage
	Received time.Time
}

// View is a snapshot of one generation as seen by this observer.
type View struct {
	JobID              string
	State              string
	ContainerConnected bool
	Progress           *protocol.Progress
	Iteration          int
	CostUSD            float64
	Pending            *Pending
	Completion         *protocol.AllWorkComplete
	Stop               *protocol.StopReport
	FailureReason      string
	LastError          *protocol.Error
	Log                []Entry
	Truncated          int
}

// Terminal reports whether the generation has ended.
func (v View) Terminal() bool {
	switch v.State {
	case "completed", "failed", "cancelled":
		return true
	}
	return false
}

// Update names the generation a dispatched frame changed. JobID is empty
// for connection-level events.
type Update struct {
	JobID string
	Type  protocol.MessageType
}

type genState struct {
	view View
	seq  uint64
}

// Mux demultiplexes the shared observer stream.
type Mux struct {
	logLimit int
	now      func() time.Time

	mu     sync.RWMutex
	gens   map[string]*genState
	global error

	watchMu  sync.Mutex
	watchers map[*Watch]struct{}
}

// NewMux creates a multiplexer keeping at most logLimit entries per
// generation. Zero selects the default.
func NewMux(logLimit int) *Mux {
	if logLimit <= 0 {
		logLimit = defaultLogLimit
	}
	return &Mux{
		logLimit: logLimit,
		now:      time.Now,
		gens:     make(map[string]*genState),
		watchers: make(map[*Watch]struct{}),
	}
}

// Dispatch routes one frame to the generation named by its request_id.
// Frames without a request_id are connection-level: an auth failure is
// recorded as the global error and anything else is ignored.
func (m *Mux) Dispatch(data []byte) error {
	msg, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	if msg.Type == protocol.TypePong {
		return nil
	}

	if msg.RequestID == "" {
		if !protocol.IsConnectionAuthFailure(msg) {
			return nil
		}
		m.mu.Lock()
		m.global = fmt.Errorf("%w: %s", ErrConnectionAuth, msg.Payload.(*protocol.Error).Message)
		m.mu.Unlock()
		m.notify(Update{Type: msg.Type})
		return nil
	}

	m.mu.Lock()
	g := m.gens[msg.RequestID]
	if g == nil {
		g = &genState{view: View{JobID: msg.RequestID, State: "queued"}}
		m.gens[msg.RequestID] = g
	}
	g.seq++
	g.view.Log = append(g.view.Log, Entry{Seq: g.seq, Type: msg.Type, Raw: msg.Raw, Received: m.now()})
	if over := len(g.view.Log) - m.logLimit; over > 0 {
		g.view.Log = append([]Entry(nil), g.view.Log[over:]...)
		g.view.Truncated += over
	}
	derive(&g.view, msg)
	m.mu.Unlock()

	m.notify(Update{JobID: msg.RequestID, Type: msg.Type})
	return nil
}

// derive folds msg into v. The server's generation_state frames are
// authoritative; the rest keep the view current between them.
func derive(v *View, msg protocol.Message) {
	switch p := msg.Payload.(type) {
	case *protocol.Ready:
		v.ContainerConnected = true
		// Only the first ready starts the generation. A reconnect must not
		// reopen a paused, cancelling or finished one.
		if v.State == "queued" || v.State == "" {
			v.State = "generating"
			if v.Progress == nil {
				v.Progress = &protocol.Progress{Stage: "starting"}
			}
		}
	case *protocol.Progress:
		v.Progress = p
		if p.Iteration > v.Iteration {
			v.Iteration = p.Iteration
		}
	case *protocol.IterationComplete:
		if p.Iteration > v.Iteration {
			v.Iteration = p.Iteration
		}
		v.CostUSD += p.CostUSD
	case *protocol.DecisionPrompt:
		v.Pending = &Pending{Kind: PendingDecision, Decision: p}
		v.State = "paused_for_prompt"
	case *protocol.CredentialRequest:
		v.Pending = &Pending{Kind: PendingCredentials, Credentials: p}
		v.State = "paused_for_credentials"
	case *protocol.CredentialTimeoutWarning:
		if v.Pending != nil && v.Pending.Kind == PendingCredentials && v.Pending.ID() == p.ID {
			v.Pending.Warning = p
		}
	case *protocol.Error:
		v.LastError = p
		if p.Fatal {
			v.State = "failed"
			v.FailureReason = p.Message
			v.Pending = nil
		}
	case *protocol.AllWorkComplete:
		v.Completion = p
		v.State = "completed"
		v.Pending = nil
		v.Progress = nil
		if p.TotalIterations > v.Iteration {
			v.Iteration = p.TotalIterations
		}
	case *protocol.ShutdownReady:
		v.Stop = &protocol.StopReport{Outcome: "saved", CommitHash: p.CommitHash, Pushed: p.Pushed}
	case *protocol.ShutdownFailed:
		v.Stop = &protocol.StopReport{Outcome: "save_failed", Reason: p.Reason}
	case *protocol.ShutdownTimeout:
		v.Stop = &protocol.StopReport{Outcome: "forced", Reason: p.Message}
	case *protocol.ConnectionStatus:
		v.ContainerConnected = p.ContainerConnected
	case *protocol.GenerationState:
		v.State = p.State
		if p.FailureReason != "" {
			v.FailureReason = p.FailureReason
		}
		if p.Stop != nil {
			v.Stop = p.Stop
		}
		if v.State != "paused_for_prompt" && v.State != "paused_for_credentials" {
			v.Pending = nil
		}
		if v.Terminal() {
			v.Progress = nil
		}
	}
}

// View returns a copy of jobID's accumulated state. It never contacts the
// server.
func (m *Mux) View(jobID string) (View, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.gens[jobID]
	if !ok {
		return View{}, false
	}
	v := g.view
	v.Log = append([]Entry(nil), g.view.Log...)
	if g.view.Pending != nil {
		p := *g.view.Pending
		v.Pending = &p
	}
	return v, true
}

// Reset clears jobID's log and derived state and leaves every other
// generation untouched.
func (m *Mux) Reset(jobID string) {
	m.mu.Lock()
	delete(m.gens, jobID)
	m.mu.Unlock()
}

// Generations lists the job ids with accumulated state, in id order.
func (m *Mux) Generations() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.gens))
	for id := range m.gens {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool {
		a, aerr := protocol.GenerationID(ids[i])
		b, berr := protocol.GenerationID(ids[j])
		if aerr != nil || berr != nil {
			return ids[i] < ids[j]
		}
		return a < b
	})
	return ids
}

// GlobalError returns the connection-level error, if one was received.
func (m *Mux) GlobalError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.global
}

// SetGlobalError records a connection-level failure such as a dropped
// socket.
func (m *Mux) SetGlobalError(err error) {
	m.mu.Lock()
	m.global = err
	m.mu.Unlock()
	m.notify(Update{})
}

// Watch delivers an Update for every dispatched frame. Updates are dropped
// rather than blocking Dispatch when the watcher falls behind; View is
// always current.
type Watch struct {
	C    <-chan Update
	c    chan Update
	mux  *Mux
	once sync.Once
}

// Watch registers a watcher. Close it when done.
func (m *Mux) Watch(buffer int) *Watch {
	if buffer <= 0 {
		buffer = 64
	}
	c := make(chan Update, buffer)
	w := &Watch{C: c, c: c, mux: m}
	m.watchMu.Lock()
	m.watchers[w] = struct{}{}
	m.watchMu.Unlock()
	return w
}

// Close unregisters the watcher and closes C.
func (w *Watch) Close() {
	w.once.Do(func() {
		w.mux.watchMu.Lock()
		delete(w.mux.watchers, w)
		close(w.c)
		w.mux.watchMu.Unlock()
	})
}

func (m *Mux) notify(u Update) {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	for w := range m.watchers {
		select {
		case w.c <- u:
		default:
		}
	}
}
