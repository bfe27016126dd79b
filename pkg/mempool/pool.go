package mempool

import (
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/pkg/errors"

	"github.com/strandchain/strand/pkg/crypto"
	"github.com/strandchain/strand/pkg/errs"
	"github.com/strandchain/strand/pkg/tx"
)

const (
	// bloom sizing for the committed-transaction filter
	committedFilterN  = 1 << 20
	committedFilterFP = 0.001
)

var ErrDuplicate = errors.New("transaction already pending")

// Pool keeps the deduplicated set of client-submitted transactions awaiting
// inclusion. FIFO order; duplicates detected by partial hash. Transactions
// of committed blocks are remembered in a bloom filter so late
// resubmissions are dropped cheaply.
type Pool struct {
	mu sync.Mutex

	queue   []*tx.Transaction
	pending map[crypto.Hash]struct{}

	committed *bloom.BloomFilter

	maxSize int
	notify  chan struct{}
}

func NewPool(maxSize int) *Pool {
	return &Pool{
		pending:   make(map[crypto.Hash]struct{}),
		committed: bloom.NewWithEstimates(committedFilterN, committedFilterFP),
		maxSize:   maxSize,
		notify:    make(chan struct{}, 1),
	}
}

// Push adds a transaction unless it is already pending, already committed,
// or the pool is full.
func (p *Pool) Push(t *tx.Transaction) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	h := t.PartialHash()

	if _, ok := p.pending[h]; ok {
		return ErrDuplicate
	}
	if p.committed.Test(h[:]) {
		return ErrDuplicate
	}
	if p.maxSize > 0 && len(p.queue) >= p.maxSize {
		return errors.Wrap(errs.ErrInvalidState, "pending pool full")
	}

	p.pending[h] = struct{}{}
	p.queue = append(p.queue, t)

	select {
	case p.notify <- struct{}{}:
	default:
	}

	return nil
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.queue)
}

// KnownCount is the size of the pending dedup set, surfaced in commit logs.
func (p *Pool) KnownCount() int {
	return p.Len()
}

// pop removes up to max transactions in FIFO order.
func (p *Pool) pop(max int) []*tx.Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := max
	if n > len(p.queue) {
		n = len(p.queue)
	}
	if n == 0 {
		return nil
	}

	out := p.queue[:n:n]
	p.queue = p.queue[n:]
	for _, t := range out {
		delete(p.pending, t.PartialHash())
	}

	return out
}

// WaitForTransactions blocks until at least one transaction is available or
// the wait window elapses, then drains up to max. An empty result after the
// window is the empty-block signal.
func (p *Pool) WaitForTransactions(max int, wait time.Duration, exit <-chan struct{}) []*tx.Transaction {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()

	for {
		if txs := p.pop(max); len(txs) > 0 {
			return txs
		}

		select {
		case <-p.notify:
		case <-deadline.C:
			return p.pop(max)
		case <-exit:
			return nil
		}
	}
}

// MarkCommitted records the transactions of a committed block and drops any
// pending duplicates.
func (p *Pool) MarkCommitted(l *tx.List) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, t := range l.Items() {
		h := t.PartialHash()
		p.committed.Add(h[:])

		if _, ok := p.pending[h]; !ok {
			continue
		}
		delete(p.pending, h)
		for i, q := range p.queue {
			if q.PartialHash() == h {
				p.queue = append(p.queue[:i], p.queue[i+1:]...)
				break
			}
		}
	}
}
