package tlog

import (
	"context"
	"expvar"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/calderadb/caldera/core"
)

// ReaderPool is a bounded pool of sequential readers. Readers are created
// eagerly at construction; Borrow blocks on a semaphore when all are out, so
// concurrent read operations can never grow the pool without bound.
type ReaderPool struct {
	sem *semaphore.Weighted

	mu      sync.Mutex
	idle    []SequentialReader
	closed  bool
	borrows *expvar.Int
	waits   *expvar.Int
}

var _ Borrower = (*ReaderPool)(nil)

// NewReaderPool creates a pool of size readers over log.
func NewReaderPool(log Log, size int) (*ReaderPool, error) {
	p := &ReaderPool{
		sem:  semaphore.NewWeighted(int64(size)),
		idle: make([]SequentialReader, 0, size),
	}
	for i := 0; i < size; i++ {
		r, err := log.NewReader()
		if err != nil {
			p.Close()
			return nil, err
		}
		p.idle = append(p.idle, r)
	}
	return p, nil
}

// SetMetrics attaches expvar counters.
func (p *ReaderPool) SetMetrics(borrows, waits *expvar.Int) {
	p.borrows = borrows
	p.waits = waits
}

// Borrow acquires a reader, blocking until one is available or ctx is done.
// The caller must Release it on every exit path.
func (p *ReaderPool) Borrow(ctx context.Context) (SequentialReader, error) {
	if !p.sem.TryAcquire(1) {
		if p.waits != nil {
			p.waits.Add(1)
		}
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.sem.Release(1)
		return nil, core.ErrPoolClosed
	}
	if p.borrows != nil {
		p.borrows.Add(1)
	}
	r := p.idle[len(p.idle)-1]
	p.idle = p.idle[:len(p.idle)-1]
	return r, nil
}

// Release returns a borrowed reader to the pool.
func (p *ReaderPool) Release(r SequentialReader) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		r.Close()
		p.sem.Release(1)
		return
	}
	p.idle = append(p.idle, r)
	p.mu.Unlock()
	p.sem.Release(1)
}

// Close closes all idle readers; outstanding borrows are closed on Release.
func (p *ReaderPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, r := range p.idle {
		r.Close()
	}
	p.idle = nil
}
