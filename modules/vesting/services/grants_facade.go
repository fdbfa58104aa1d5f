package services

import (
	"context"
	"time"

	"github.com/PirosB3/token-vesting-service/modules/vesting/domain/lifecycle"
	"github.com/PirosB3/token-vesting-service/modules/vesting/domain/ports"
	"github.com/PirosB3/token-vesting-service/modules/vesting/domain/types"
	"github.com/PirosB3/token-vesting-service/pkg/vestmath"
)

// GrantsFacade orchestrates the grant lifecycle: it validates and admits
// schedules, reads the clock exactly once per operation, and delegates the
// atomic transfer-plus-mutation to the store.
type GrantsFacade struct {
	store  ports.GrantStore
	policy *GrantPolicy
	now    func() uint64
}

func NewGrantsFacade(store ports.GrantStore, policy *GrantPolicy, now func() uint64) GrantsFacade {
	if now == nil {
		now = func() uint64 { return uint64(time.Now().Unix()) }
	}
	return GrantsFacade{store: store, policy: policy, now: now}
}

// Initialize creates the grant and funds its escrow from the employer's
// account. The caller must be the employer being debited.
func (f GrantsFacade) Initialize(ctx context.Context, callerUUID string, employerUUID string, employeeUUID string, asset string, schedule types.GrantSchedule) (types.Grant, error) {
	if callerUUID != employerUUID {
		return types.Grant{}, types.ErrNotAuthorized
	}
	if err := vestmath.Validate(lifecycle.EngineSchedule(schedule)); err != nil {
		return types.Grant{}, err
	}
	if err := f.policy.Admit(asset, schedule); err != nil {
		return types.Grant{}, err
	}
	return f.store.InitializeGrant(ctx, employerUUID, employeeUUID, asset, schedule)
}

// Withdraw releases whatever has vested beyond prior issuance to the
// employee. Returns the amount released; zero is a successful no-op.
func (f GrantsFacade) Withdraw(ctx context.Context, callerUUID string, employerUUID string, employeeUUID string) (uint64, error) {
	return f.store.WithdrawGrant(ctx, callerUUID, employerUUID, employeeUUID, f.now())
}

// Revoke settles the employee's accrued vesting, returns the remaining
// escrow balance to the employer, and terminates the grant.
func (f GrantsFacade) Revoke(ctx context.Context, callerUUID string, employerUUID string, employeeUUID string) (types.RevokeSettlement, error) {
	return f.store.RevokeGrant(ctx, callerUUID, employerUUID, employeeUUID, f.now())
}

// GrantView is the read surface: the record plus schedule math evaluated at
// the moment of the read and the live escrow balance.
type GrantView struct {
	Grant         types.Grant `json:"grant"`
	AsOf          uint64      `json:"as_of"`
	VestedAmount  uint64      `json:"vested_amount"`
	Releasable    uint64      `json:"releasable_amount"`
	EscrowBalance uint64      `json:"escrow_balance"`
}

func (f GrantsFacade) Get(ctx context.Context, employerUUID string, employeeUUID string) (GrantView, error) {
	g, escrowBalance, err := f.store.GetGrant(ctx, employerUUID, employeeUUID)
	if err != nil {
		return GrantView{}, err
	}
	now := f.now()
	engine := lifecycle.EngineSchedule(g.Schedule)
	return GrantView{
		Grant:         g,
		AsOf:          now,
		VestedAmount:  vestmath.VestedAmount(engine, now),
		Releasable:    vestmath.ReleasableAmount(engine, g.IssuedAmount, now),
		EscrowBalance: escrowBalance,
	}, nil
}

// EvaluatePolicy dry-runs the admission rules for operators.
func (f GrantsFacade) EvaluatePolicy(asset string, schedule types.GrantSchedule) (PolicyDecision, bool, error) {
	if f.policy == nil {
		return PolicyDecision{}, false, nil
	}
	decision, err := f.policy.Evaluate(asset, schedule)
	if err != nil {
		return PolicyDecision{}, true, err
	}
	return decision, true, nil
}
