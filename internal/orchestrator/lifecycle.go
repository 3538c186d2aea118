package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/workspace/genrunner/internal/generation"
	"github.com/workspace/genrunner/internal/lease"
	"github.com/workspace/genrunner/internal/persistence"
)

// interruptedReason is recorded on generations left running by a previous
// process.
const interruptedReason = "orchestrator restarted"

// PoolInfo describes the credential source in the concurrency query.
type PoolInfo struct {
	Available int        `json:"available"`
	Total     int        `json:"total"`
	Mode      lease.Mode `json:"mode"`
	Clamped   bool       `json:"clamped"`
}

// ConcurrencyInfo answers whether a user may start another generation.
type ConcurrencyInfo struct {
	ActiveCount   int      `json:"activeCount"`
	MaxConcurrent int      `json:"maxConcurrent"`
	CanStartNew   bool     `json:"canStartNew"`
	PoolInfo      PoolInfo `json:"poolInfo"`
}

// Concurrency reports userID's admission headroom.
func (o *Orchestrator) Concurrency(userID string) ConcurrencyInfo {
	d := o.Admission.Snapshot(userID)
	info := o.Leases.Info()
	canStart := d.Admitted
	if info.Bounded && info.Available == 0 {
		canStart = false
	}
	return ConcurrencyInfo{
		ActiveCount:   d.ActiveCount,
		MaxConcurrent: d.MaxConcurrent,
		CanStartNew:   canStart,
		PoolInfo: PoolInfo{
			Available: info.Available,
			Total:     info.Total,
			Mode:      info.Mode,
			Clamped:   o.Admission.Limits().Clamped,
		},
	}
}

// Get returns userID's generation id. Live generations are read from
// memory so that derived progress is current.
func (o *Orchestrator) Get(userID string, id int64) (*generation.Generation, error) {
	if r := o.lookup(id); r != nil {
		g := r.snapshot()
		if g.UserID != userID {
			return nil, ErrNotFound
		}
		return g, nil
	}
	g, err := o.Store.GetGeneration(id)
	if errors.Is(err, persistence.ErrNotFound) || (err == nil && g.UserID != userID) {
		return nil, ErrNotFound
	}
	return g, err
}

// List returns userID's most recent generations, newest first.
func (o *Orchestrator) List(userID string, limit int) ([]*generation.Generation, error) {
	gens, err := o.Store.ListGenerations(userID, limit)
	if err != nil {
		return nil, err
	}
	for i, g := range gens {
		if r := o.lookup(g.ID); r != nil {
			gens[i] = r.snapshot()
		}
	}
	return gens, nil
}

// Recover cleans up after a previous process: generations it left in a
// non-terminal state are failed and its labeled containers are removed.
// Call before serving.
func (o *Orchestrator) Recover(ctx context.Context) error {
	n, err := o.Store.FailInterrupted(interruptedReason)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Warn("Orchestrator: failed generations interrupted by restart", "count", n)
	}
	reaped, err := o.Containers.ReapOrphans(ctx)
	if err != nil {
		slog.Warn("Orchestrator: orphan container sweep failed", "error", err)
		return nil
	}
	if reaped > 0 {
		slog.Info("Orchestrator: removed orphaned containers", "count", reaped)
	}
	return nil
}

// Reconcile recomputes the admission ledger from the live runs and returns
// the users whose count had drifted.
func (o *Orchestrator) Reconcile() []string {
	o.mu.Lock()
	counts := make(map[string]int, len(o.runs))
	for _, r := range o.runs {
		counts[r.gen.UserID]++
	}
	o.updateGauges()
	o.mu.Unlock()

	drifted := o.Admission.Reconcile(counts)
	o.Metrics.AddLedgerCorrections(len(drifted))
	return drifted
}

// Run audits the admission ledger periodically until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.LedgerAuditInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Reconcile()
		}
	}
}

// Active returns the number of generations not yet torn down.
func (o *Orchestrator) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.runs)
}

// Shutdown stops accepting generations, asks every running container to
// save and stop, and waits for teardown. When ctx ends first, the remaining
// generations are failed and torn down without waiting for the containers.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	o.stopping = true
	runs := make([]*run, 0, len(o.runs))
	for _, r := range o.runs {
		runs = append(runs, r)
	}
	o.mu.Unlock()

	slog.Info("Orchestrator: shutting down", "active", len(runs))
	for _, r := range runs {
		if _, err := o.cancelRun(r, "orchestrator shutting down"); err != nil && !errors.Is(err, generation.ErrTerminal) {
			r.log.Warn("Orchestrator: shutdown cancel failed", "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("Orchestrator: shutdown deadline reached, forcing teardown")
		o.cancel()
		<-done
	}
	o.cancel()
	slog.Info("Orchestrator: shutdown complete")
}
