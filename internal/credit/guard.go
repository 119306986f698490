// Package credit implements the pre-flight admission check and
// post-execution debit/refund accounting (C7), grounded in mechanism on
// control_plane/store/redis_versioned.go's Lua-scripted atomic
// versioned write (reused here for its designed purpose: a
// transactional counter) and in bookkeeping shape on
// control_plane/resilience/degraded_mode.go's PendingWrite/
// currentVersion discipline.
package credit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrInsufficientCredits is returned by Check when a user's balance is
// below the required cost.
type ErrInsufficientCredits struct {
	Required  int64
	Current   int64
	Shortfall int64
}

func (e *ErrInsufficientCredits) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, have %d, short %d", e.Required, e.Current, e.Shortfall)
}

func (e *ErrInsufficientCredits) Code() string { return "InsufficientCredits" }

// Transaction is an append-only debit record, per spec.md §3 "Cost matrix".
type Transaction struct {
	UserID    string
	Provider  string
	Count     int
	Cost      int64
	Timestamp time.Time
}

// BalanceStore is the atomic-debit collaborator the Guard depends on.
// A Redis-backed implementation (internal/cache) uses the teacher's
// versioned Lua-script pattern to make GetBalance+Debit a single
// logical write; internal/credit also ships an in-memory
// implementation for tests.
type BalanceStore interface {
	GetBalance(ctx context.Context, userID string) (int64, error)
	// Debit atomically subtracts amount from userID's balance and
	// appends txn, returning the resulting balance. It must refuse
	// (return an error) rather than go negative.
	Debit(ctx context.Context, userID string, amount int64, txn Transaction) (newBalance int64, err error)
}

// Guard is the Credit & Transaction Guard (C7).
type Guard struct {
	store BalanceStore
	clock func() time.Time
}

// NewGuard constructs a Guard over the given balance store.
func NewGuard(store BalanceStore) *Guard {
	return &Guard{store: store, clock: time.Now}
}

// Reservation is the pre-flight outcome stashed on the request context;
// it is not yet a debit (spec.md §4.7: "do not debit yet").
type Reservation struct {
	UserID   string
	Provider string
	Required int64
}

// Check performs the admission-time balance check. On success it
// returns a Reservation the caller stashes for later settlement; no
// debit occurs here.
func (g *Guard) Check(ctx context.Context, userID, provider string, multiplier, mixup, mashup bool) (*Reservation, error) {
	required := CreditCost(provider, multiplier, mixup, mashup)
	balance, err := g.store.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if balance < required {
		return nil, &ErrInsufficientCredits{Required: required, Current: balance, Shortfall: required - balance}
	}
	return &Reservation{UserID: userID, Provider: provider, Required: required}, nil
}

// Balance returns a user's current balance without performing a check.
func (g *Guard) Balance(ctx context.Context, userID string) (int64, error) {
	return g.store.GetBalance(ctx, userID)
}

// Settle debits the reserved amount on success. It must be called
// exactly once per task that reaches succeeded (spec.md §3 invariant,
// §8 property 7). No refund path exists: debit only happens here, so a
// task that fails/cancels/times out never needs one (spec.md §4.7).
func (g *Guard) Settle(ctx context.Context, r *Reservation) (int64, error) {
	if r == nil {
		return 0, errors.New("credit: nil reservation")
	}
	txn := Transaction{UserID: r.UserID, Provider: r.Provider, Count: 1, Cost: r.Required, Timestamp: g.clock()}
	return g.store.Debit(ctx, r.UserID, r.Required, txn)
}

// memoryStore is a mutex-guarded in-memory BalanceStore, used by tests
// and local dev in place of the Redis-backed implementation.
type memoryStore struct {
	mu       sync.Mutex
	balances map[string]int64
	txns     []Transaction
}

// NewMemoryStore creates an in-memory BalanceStore seeded with balances.
func NewMemoryStore(seed map[string]int64) BalanceStore {
	balances := make(map[string]int64, len(seed))
	for k, v := range seed {
		balances[k] = v
	}
	return &memoryStore{balances: balances}
}

func (s *memoryStore) GetBalance(ctx context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[userID], nil
}

// Debit is the single logical write: check-then-subtract happens under
// one critical section so concurrent Settle calls for the same user can
// never both observe a sufficient balance and double-spend it.
func (s *memoryStore) Debit(ctx context.Context, userID string, amount int64, txn Transaction) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bal := s.balances[userID]
	if bal < amount {
		return bal, &ErrInsufficientCredits{Required: amount, Current: bal, Shortfall: amount - bal}
	}
	bal -= amount
	s.balances[userID] = bal
	s.txns = append(s.txns, txn)
	return bal, nil
}
