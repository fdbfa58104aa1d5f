package persistence

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/PirosB3/token-vesting-service/modules/vesting/domain/lifecycle"
	"github.com/PirosB3/token-vesting-service/modules/vesting/domain/ports"
	"github.com/PirosB3/token-vesting-service/modules/vesting/domain/types"
	"github.com/PirosB3/token-vesting-service/pkg/custody"
	"github.com/PirosB3/token-vesting-service/pkg/httperr"
	"github.com/PirosB3/token-vesting-service/pkg/ledger"
)

type pairKey struct {
	employerUUID string
	employeeUUID string
}

// GrantMemoryStore mirrors the pg store's semantics over an in-memory
// ledger; the mutex stands in for the per-record row lock.
type GrantMemoryStore struct {
	mu     sync.Mutex
	ledger *ledger.MemoryLedger
	grants map[pairKey]types.Grant
}

func NewGrantMemoryStore(l *ledger.MemoryLedger) *GrantMemoryStore {
	if l == nil {
		l = ledger.NewMemoryLedger()
	}
	return &GrantMemoryStore{ledger: l, grants: make(map[pairKey]types.Grant)}
}

var _ ports.GrantStore = (*GrantMemoryStore)(nil)

// Ledger exposes the backing ledger for seeding employer balances.
func (s *GrantMemoryStore) Ledger() *ledger.MemoryLedger { return s.ledger }

func validateGrantKey(employerUUID string, employeeUUID string, asset string) error {
	for field, value := range map[string]string{
		"employer_uuid": employerUUID,
		"employee_uuid": employeeUUID,
		"asset":         asset,
	} {
		if strings.TrimSpace(value) == "" {
			return httperr.NewBadRequestf("%s is required", field)
		}
	}
	return nil
}

func (s *GrantMemoryStore) InitializeGrant(ctx context.Context, employerUUID string, employeeUUID string, asset string, schedule types.GrantSchedule) (types.Grant, error) {
	if err := validateGrantKey(employerUUID, employeeUUID, asset); err != nil {
		return types.Grant{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey{employerUUID, employeeUUID}
	if _, exists := s.grants[key]; exists {
		return types.Grant{}, types.ErrGrantExists
	}

	escrowAccountID, proof := custody.Derive(employerUUID, employeeUUID)
	if err := s.ledger.Move(ctx, employerUUID, escrowAccountID, asset, schedule.TotalAmount); err != nil {
		return types.Grant{}, fmt.Errorf("%w: %v", types.ErrTransferFailed, err)
	}

	g := types.Grant{
		EmployerUUID:    employerUUID,
		EmployeeUUID:    employeeUUID,
		Asset:           asset,
		Schedule:        schedule,
		IssuedAmount:    0,
		Revoked:         false,
		Initialized:     true,
		EscrowAccountID: escrowAccountID,
		CustodyProof:    proof,
	}
	s.grants[key] = g
	return g, nil
}

func (s *GrantMemoryStore) WithdrawGrant(ctx context.Context, callerUUID string, employerUUID string, employeeUUID string, now uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.grants[pairKey{employerUUID, employeeUUID}]
	if !ok {
		return 0, types.ErrNotInitialized
	}

	amount, err := lifecycle.WithdrawStep(&g, callerUUID, now)
	if err != nil {
		return 0, err
	}
	if amount > 0 {
		auth, err := custody.Verify(g.CustodyProof, g.EmployerUUID, g.EmployeeUUID)
		if err != nil {
			return 0, err
		}
		if err := ledger.DebitEscrow(ctx, s.ledger, auth, g.EmployeeUUID, g.Asset, amount); err != nil {
			return 0, fmt.Errorf("%w: %v", types.ErrTransferFailed, err)
		}
		s.grants[pairKey{employerUUID, employeeUUID}] = g
	}
	return amount, nil
}

func (s *GrantMemoryStore) RevokeGrant(ctx context.Context, callerUUID string, employerUUID string, employeeUUID string, now uint64) (types.RevokeSettlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey{employerUUID, employeeUUID}
	g, ok := s.grants[key]
	if !ok {
		return types.RevokeSettlement{}, types.ErrNotInitialized
	}

	paid, err := lifecycle.RevokePayoutStep(&g, callerUUID, now)
	if err != nil {
		return types.RevokeSettlement{}, err
	}

	auth, err := custody.Verify(g.CustodyProof, g.EmployerUUID, g.EmployeeUUID)
	if err != nil {
		return types.RevokeSettlement{}, err
	}
	if paid > 0 {
		if err := ledger.DebitEscrow(ctx, s.ledger, auth, g.EmployeeUUID, g.Asset, paid); err != nil {
			return types.RevokeSettlement{}, fmt.Errorf("%w: %v", types.ErrTransferFailed, err)
		}
	}

	// The live balance, not total-issued arithmetic, decides the refund.
	remaining, err := s.ledger.Balance(ctx, auth.AccountID(), g.Asset)
	if err != nil {
		return types.RevokeSettlement{}, err
	}
	if remaining > 0 {
		if err := ledger.DebitEscrow(ctx, s.ledger, auth, g.EmployerUUID, g.Asset, remaining); err != nil {
			return types.RevokeSettlement{}, fmt.Errorf("%w: %v", types.ErrTransferFailed, err)
		}
	}

	g.Revoked = true
	s.grants[key] = g
	return types.RevokeSettlement{PaidToEmployee: paid, ReturnedToEmployer: remaining}, nil
}

func (s *GrantMemoryStore) GetGrant(ctx context.Context, employerUUID string, employeeUUID string) (types.Grant, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.grants[pairKey{employerUUID, employeeUUID}]
	if !ok {
		return types.Grant{}, 0, types.ErrNotInitialized
	}
	balance, err := s.ledger.Balance(ctx, g.EscrowAccountID, g.Asset)
	if err != nil {
		return types.Grant{}, 0, err
	}
	return g, balance, nil
}
