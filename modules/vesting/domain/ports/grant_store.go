package ports

import (
	"context"

	"github.com/PirosB3/token-vesting-service/modules/vesting/domain/types"
)

// GrantStore executes each lifecycle operation as one atomic unit: the
// transfer and the record mutation commit together or not at all. The store
// also provides per-record serialization (row lock or equivalent); `now` is
// supplied by the caller and read exactly once per operation.
type GrantStore interface {
	InitializeGrant(ctx context.Context, employerUUID string, employeeUUID string, asset string, schedule types.GrantSchedule) (types.Grant, error)
	WithdrawGrant(ctx context.Context, callerUUID string, employerUUID string, employeeUUID string, now uint64) (uint64, error)
	RevokeGrant(ctx context.Context, callerUUID string, employerUUID string, employeeUUID string, now uint64) (types.RevokeSettlement, error)
	GetGrant(ctx context.Context, employerUUID string, employeeUUID string) (types.Grant, uint64, error)
}
