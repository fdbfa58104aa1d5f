// Package ledger defines the atomic value-transfer contract the vesting
// lifecycle runs against, plus an in-memory implementation used by the
// memory grant store and tests. The Postgres ledger lives with the grant
// store so a transfer and its grant mutation share one transaction.
package ledger

import (
	"context"
	"errors"
	"sync"

	"github.com/PirosB3/token-vesting-service/pkg/custody"
)

var (
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	ErrUnknownAccount    = errors.New("ledger: unknown account")
)

// Mover is the value-transfer primitive. Implementations apply the debit and
// the credit as one unit or not at all.
type Mover interface {
	Move(ctx context.Context, fromAccountID string, toAccountID string, asset string, amount uint64) error
	Balance(ctx context.Context, accountID string, asset string) (uint64, error)
}

// DebitEscrow moves value out of a custody-held escrow account. The
// authorization is the only handle on the escrow account lifecycle code
// passes around; parties never hold one.
func DebitEscrow(ctx context.Context, m Mover, auth custody.Authorization, toAccountID string, asset string, amount uint64) error {
	return m.Move(ctx, auth.AccountID(), toAccountID, asset, amount)
}

type accountKey struct {
	accountID string
	asset     string
}

type MemoryLedger struct {
	mu       sync.Mutex
	balances map[accountKey]uint64
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{balances: make(map[accountKey]uint64)}
}

// Deposit seeds an account with externally sourced funds.
func (l *MemoryLedger) Deposit(accountID string, asset string, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[accountKey{accountID, asset}] += amount
}

func (l *MemoryLedger) Move(_ context.Context, fromAccountID string, toAccountID string, asset string, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	from := accountKey{fromAccountID, asset}
	balance, ok := l.balances[from]
	if !ok {
		return ErrUnknownAccount
	}
	if balance < amount {
		return ErrInsufficientFunds
	}
	l.balances[from] = balance - amount
	l.balances[accountKey{toAccountID, asset}] += amount
	return nil
}

func (l *MemoryLedger) Balance(_ context.Context, accountID string, asset string) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[accountKey{accountID, asset}], nil
}
