// Package lifecycle holds the pure grant state-machine transitions shared by
// every GrantStore implementation. A step mutates the in-memory record and
// tells the caller which escrow debit must be executed atomically with
// persisting the mutation; it performs no I/O itself.
package lifecycle

import (
	"math"

	"github.com/PirosB3/token-vesting-service/modules/vesting/domain/types"
	"github.com/PirosB3/token-vesting-service/pkg/vestmath"
)

func EngineSchedule(s types.GrantSchedule) vestmath.Schedule {
	return vestmath.Schedule{
		CliffSeconds:    s.CliffSeconds,
		DurationSeconds: s.DurationSeconds,
		SecondsPerSlice: s.SecondsPerSlice,
		StartUnix:       s.StartUnix,
		TotalAmount:     s.TotalAmount,
	}
}

// WithdrawStep advances the grant through one withdraw: it requires an
// Active grant, requires the caller to be the employee, computes the
// releasable amount at now, and advances cumulative issuance. The returned
// amount is what the caller must move escrow -> employee; zero means success
// with no transfer.
func WithdrawStep(g *types.Grant, callerUUID string, now uint64) (uint64, error) {
	if err := requireActive(g); err != nil {
		return 0, err
	}
	if callerUUID != g.EmployeeUUID {
		return 0, types.ErrNotAuthorized
	}
	return payout(g, now)
}

// RevokePayoutStep is the payout half of a revoke: the employer settles the
// employee's accrued vesting exactly as a withdraw would. It does not touch
// the revoked flag; draining the remaining escrow balance is a ledger
// concern and runs against the live balance.
func RevokePayoutStep(g *types.Grant, callerUUID string, now uint64) (uint64, error) {
	if err := requireActive(g); err != nil {
		return 0, err
	}
	if callerUUID != g.EmployerUUID {
		return 0, types.ErrNotAuthorized
	}
	return payout(g, now)
}

func requireActive(g *types.Grant) error {
	if !g.Initialized {
		return types.ErrNotInitialized
	}
	if g.Revoked {
		return types.ErrAlreadyRevoked
	}
	return nil
}

func payout(g *types.Grant, now uint64) (uint64, error) {
	r := vestmath.ReleasableAmount(EngineSchedule(g.Schedule), g.IssuedAmount, now)
	if r == 0 {
		return 0, nil
	}
	// Unreachable while issued <= total holds, but the ledger quantity is
	// too important to leave to an invariant alone.
	if g.IssuedAmount > math.MaxUint64-r {
		return 0, types.ErrArithmeticOverflow
	}
	g.IssuedAmount += r
	return r, nil
}
