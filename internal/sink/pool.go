package sink

import (
	"fmt"
	"sort"
	"sync"
)

// Pool tracks the single active sink per stream plus retiring sinks awaiting
// drain. A sink lives in exactly one of the two collections. One coarse lock
// guards all bookkeeping; schema changes and drains are rare next to record
// ingestion, so contention here is not a concern.
type Pool struct {
	mu       sync.Mutex
	active   map[string]*Sink
	retiring []*Sink // FIFO retirement order
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{active: make(map[string]*Sink)}
}

// Active returns the active sink for the stream, if one exists.
func (p *Pool) Active(stream string) (*Sink, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.active[stream]
	return s, ok
}

// PutActive registers a new active sink for its stream. The slot must be
// empty: replacing an active sink without retiring it first would strand its
// buffered records.
func (p *Pool) PutActive(s *Sink) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.active[s.Stream()]; ok && existing != s {
		return fmt.Errorf("%w: stream %s already has an active sink", ErrPoolInvariant, s.Stream())
	}
	p.active[s.Stream()] = s
	return nil
}

// Retire moves the stream's active sink to the tail of the retiring queue and
// flips its status. Its buffered records are preserved untouched. Returns the
// retired sink, or false if the stream had no active sink.
func (p *Pool) Retire(stream string) (*Sink, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.active[stream]
	if !ok {
		return nil, false
	}
	delete(p.active, stream)
	s.retire()
	p.retiring = append(p.retiring, s)
	return s, true
}

// Retiring returns a snapshot of the retiring queue in retirement order.
// Callers flush outside the pool lock and prune what succeeded.
func (p *Pool) Retiring() []*Sink {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Sink, len(p.retiring))
	copy(out, p.retiring)
	return out
}

// ActiveSinks returns a snapshot of all active sinks, ordered by stream name
// so drain cycles visit them deterministically.
func (p *Pool) ActiveSinks() []*Sink {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*Sink, 0, len(p.active))
	for _, s := range p.active {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stream() < out[j].Stream() })
	return out
}

// Prune removes the given sinks from the retiring queue. Called after their
// buffers have been flushed successfully.
func (p *Pool) Prune(drained []*Sink) {
	if len(drained) == 0 {
		return
	}
	done := make(map[*Sink]bool, len(drained))
	for _, s := range drained {
		done[s] = true
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.retiring[:0]
	for _, s := range p.retiring {
		if !done[s] {
			kept = append(kept, s)
		}
	}
	for i := len(kept); i < len(p.retiring); i++ {
		p.retiring[i] = nil
	}
	p.retiring = kept
}

// Counts returns the number of active and retiring sinks.
func (p *Pool) Counts() (active, retiring int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active), len(p.retiring)
}
