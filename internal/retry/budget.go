package retry

import (
	"sync"
	"time"

	"github.com/wudi/bankgate/internal/config"
)

const (
	budgetSlots  = 10
	budgetWindow = 10 * time.Second
)

type budgetSlot struct {
	requests int64
	retries  int64
}

// Budget caps retries as a fraction of requests over a sliding window, so a
// failing pool does not see its load multiplied by retries.
type Budget struct {
	ratio     float64
	minPerSec int
	slotDur   time.Duration
	now       func() time.Time

	mu     sync.Mutex
	slots  [budgetSlots]budgetSlot
	head   int
	headAt time.Time
}

// NewBudget returns a budget for cfg, or nil when budget_ratio is zero.
// A nil *Budget admits every retry.
func NewBudget(cfg config.RetryConfig) *Budget {
	if cfg.BudgetRatio <= 0 {
		return nil
	}
	return &Budget{
		ratio:     cfg.BudgetRatio,
		minPerSec: cfg.MinRetries,
		slotDur:   budgetWindow / budgetSlots,
		now:       time.Now,
		headAt:    time.Now(),
	}
}

// Request records one upstream request.
func (b *Budget) Request() {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.advance()
	b.slots[b.head].requests++
	b.mu.Unlock()
}

// TryRetry reports whether one more retry fits the budget and, if so,
// records it.
func (b *Budget) TryRetry() bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()

	var requests, retries int64
	for _, s := range b.slots {
		requests += s.requests
		retries += s.retries
	}

	ok := float64(retries)/budgetWindow.Seconds() < float64(b.minPerSec) ||
		requests == 0 ||
		float64(retries+1)/float64(requests) <= b.ratio
	if ok {
		b.slots[b.head].retries++
	}
	return ok
}

// advance rotates the ring to the current slot, clearing expired slots.
// Caller holds mu.
func (b *Budget) advance() {
	elapsed := b.now().Sub(b.headAt)
	if elapsed < b.slotDur {
		return
	}
	steps := int(elapsed / b.slotDur)
	if steps > budgetSlots {
		steps = budgetSlots
	}
	for i := 0; i < steps; i++ {
		b.head = (b.head + 1) % budgetSlots
		b.slots[b.head] = budgetSlot{}
	}
	b.headAt = b.headAt.Add(time.Duration(int(elapsed/b.slotDur)) * b.slotDur)
}
