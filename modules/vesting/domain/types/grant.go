package types

// GrantSchedule is immutable once the grant is initialized.
type GrantSchedule struct {
	CliffSeconds    uint64 `json:"cliff_seconds"`
	DurationSeconds uint64 `json:"duration_seconds"`
	SecondsPerSlice uint64 `json:"seconds_per_slice"`
	StartUnix       uint64 `json:"start_unix"`
	TotalAmount     uint64 `json:"total_amount"`
}

// Grant is the persisted record for one vesting agreement. One record exists
// per (employer, employee) pair; it is created by Initialize, mutated by
// Withdraw and Revoke, and never destroyed by the lifecycle itself.
type Grant struct {
	EmployerUUID string        `json:"employer_uuid"`
	EmployeeUUID string        `json:"employee_uuid"`
	Asset        string        `json:"asset"`
	Schedule     GrantSchedule `json:"schedule"`

	// IssuedAmount only ever grows, and never beyond Schedule.TotalAmount.
	IssuedAmount uint64 `json:"issued_amount"`
	Revoked      bool   `json:"revoked"`
	Initialized  bool   `json:"initialized"`

	EscrowAccountID string `json:"escrow_account_id"`
	// CustodyProof binds EscrowAccountID to this pair; it stays server-side.
	CustodyProof string `json:"-"`
}

// RevokeSettlement reports how a revoke settled both sides.
type RevokeSettlement struct {
	PaidToEmployee     uint64 `json:"paid_to_employee"`
	ReturnedToEmployer uint64 `json:"returned_to_employer"`
}
