package authz

const (
	RoleEmployer  = "employer"
	RoleEmployee  = "employee"
	RoleOpsAdmin  = "ops-admin"
	RoleAnonymous = "anonymous"
)

const (
	ActionRead  = "read"
	ActionWrite = "write"
	ActionAdmin = "admin"
)

const (
	ObjectVestingGrants = "vesting.grants"
	ObjectVestingPolicy = "vesting.policy"
)
