package policy

import (
	"log/slog"
	"sync/atomic"
)

// Budget caps the number of finalized primary sessions waiting to be
// written. Consume is never refused; once more than Limit units are
// outstanding the budget reports itself exhausted until enough are released.
// Budget is safe for concurrent use.
type Budget struct {
	pending atomic.Int64
	limit   atomic.Int64
	warned  atomic.Bool
	logger  *slog.Logger
}

// NewBudget creates a Budget admitting up to limit pending sessions.
func NewBudget(limit int, logger *slog.Logger) *Budget {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Budget{logger: logger.With("component", "policy.Budget")}
	b.limit.Store(int64(limit))
	return b
}

// Consume charges one unit.
func (b *Budget) Consume() {
	n := b.pending.Add(1)
	if n > b.limit.Load() && b.warned.CompareAndSwap(false, true) {
		b.logger.Warn("tracing budget exhausted, dropping new trace records",
			"pending", n,
			"limit", b.limit.Load(),
		)
	}
}

// Release returns one unit. Releasing more than was consumed is ignored.
func (b *Budget) Release() {
	for {
		n := b.pending.Load()
		if n <= 0 {
			return
		}
		if b.pending.CompareAndSwap(n, n-1) {
			if n-1 <= b.limit.Load() {
				b.warned.Store(false)
			}
			return
		}
	}
}

// Exhausted reports whether more units are outstanding than the limit allows.
func (b *Budget) Exhausted() bool {
	return b.pending.Load() > b.limit.Load()
}

// Pending returns the number of outstanding units.
func (b *Budget) Pending() int64 {
	return b.pending.Load()
}

// Limit returns the configured limit.
func (b *Budget) Limit() int64 {
	return b.limit.Load()
}

// SetLimit changes the limit; outstanding units are kept.
func (b *Budget) SetLimit(limit int) {
	b.limit.Store(int64(limit))
}
