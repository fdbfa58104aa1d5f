package types

import "errors"

// Lifecycle error taxonomy. Every failed operation aborts with zero side
// effects; resubmission is always safe.
var (
	ErrNotAuthorized      = errors.New("vesting: caller is not the grant principal for this operation")
	ErrNotInitialized     = errors.New("vesting: no initialized grant for this employer/employee pair")
	ErrAlreadyRevoked     = errors.New("vesting: grant is revoked")
	ErrGrantExists        = errors.New("vesting: a grant already exists for this employer/employee pair")
	ErrArithmeticOverflow = errors.New("vesting: issued amount would overflow")
	ErrTransferFailed     = errors.New("vesting: transfer failed")
)
