package lease

import (
	"fmt"
	"log/slog"
	"sync"
)

// Pooled leases a fixed list of credential sets. Each set is held by at most
// one generation at a time.
type Pooled struct {
	sets []CredentialSet

	mu     sync.Mutex
	holder []int64 // generation id per index, 0 when free
	byGen  map[int64]int
}

// NewPooled creates a pool over sets.
func NewPooled(sets []CredentialSet) (*Pooled, error) {
	if len(sets) == 0 {
		return nil, ErrEmptyPool
	}
	return &Pooled{
		sets:   append([]CredentialSet(nil), sets...),
		holder: make([]int64, len(sets)),
		byGen:  make(map[int64]int),
	}, nil
}

// Acquire leases the lowest-indexed free set to generationID. A generation
// that already holds a lease gets the same set back.
func (p *Pooled) Acquire(generationID int64) (Credentials, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if i, ok := p.byGen[generationID]; ok {
		return p.credentials(i), nil
	}
	for i, h := range p.holder {
		if h == 0 {
			p.holder[i] = generationID
			p.byGen[generationID] = i
			slog.Info("Lease: acquired pooled credentials", "generationId", generationID, "index", i+1, "name", p.sets[i].Name)
			return p.credentials(i), nil
		}
	}
	return Credentials{}, fmt.Errorf("generation %d: %w (%d sets in use)", generationID, ErrPoolExhausted, len(p.sets))
}

// Release frees the set held by generationID. Releasing a generation that
// holds nothing is a no-op.
func (p *Pooled) Release(generationID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	i, ok := p.byGen[generationID]
	if !ok {
		return
	}
	delete(p.byGen, generationID)
	p.holder[i] = 0
	slog.Info("Lease: released pooled credentials", "generationId", generationID, "index", i+1)
}

// Info reports pool occupancy.
func (p *Pooled) Info() Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Info{
		Mode:      ModePooled,
		Available: len(p.sets) - len(p.byGen),
		Total:     len(p.sets),
		Bounded:   true,
	}
}

// Holder returns the generation holding the 1-based index.
func (p *Pooled) Holder(index int) (int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 1 || index > len(p.holder) {
		return 0, false
	}
	h := p.holder[index-1]
	return h, h != 0
}

func (p *Pooled) credentials(i int) Credentials {
	set := p.sets[i]
	return Credentials{Mode: ModePooled, Index: i + 1, Set: &set}
}
