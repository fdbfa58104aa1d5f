package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/PirosB3/token-vesting-service/modules/vesting/domain/lifecycle"
	"github.com/PirosB3/token-vesting-service/modules/vesting/domain/ports"
	"github.com/PirosB3/token-vesting-service/modules/vesting/domain/types"
	"github.com/PirosB3/token-vesting-service/pkg/custody"
)

type pgBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// GrantPGStore keeps grant records and account balances in Postgres.
// Every operation runs in a single transaction; the grant row is locked
// FOR UPDATE so lifecycle transitions serialize per employer/employee pair.
type GrantPGStore struct {
	pool pgBeginner
}

func NewGrantPGStore(pool pgBeginner) ports.GrantStore {
	return &GrantPGStore{pool: pool}
}

func scanGrant(row pgx.Row, g *types.Grant) error {
	return row.Scan(
		&g.EmployerUUID,
		&g.EmployeeUUID,
		&g.Asset,
		&g.Schedule.CliffSeconds,
		&g.Schedule.DurationSeconds,
		&g.Schedule.SecondsPerSlice,
		&g.Schedule.StartUnix,
		&g.Schedule.TotalAmount,
		&g.IssuedAmount,
		&g.Revoked,
		&g.EscrowAccountID,
		&g.CustodyProof,
	)
}

const grantColumns = `
  employer_uuid::text,
  employee_uuid::text,
  asset,
  cliff_seconds,
  duration_seconds,
  seconds_per_slice,
  start_unix,
  total_amount,
  issued_amount,
  revoked,
  escrow_account_id::text,
  custody_proof`

func lockGrant(ctx context.Context, tx pgx.Tx, employerUUID string, employeeUUID string) (types.Grant, error) {
	var g types.Grant
	row := tx.QueryRow(ctx, `
	SELECT`+grantColumns+`
	FROM vesting.grants
	WHERE employer_uuid = $1::uuid AND employee_uuid = $2::uuid
	FOR UPDATE
	`, employerUUID, employeeUUID)
	if err := scanGrant(row, &g); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.Grant{}, types.ErrNotInitialized
		}
		return types.Grant{}, err
	}
	g.Initialized = true
	return g, nil
}

// debitAccount subtracts amount from (accountID, asset) only when the balance
// covers it. Zero rows affected means the funds were not there.
func debitAccount(ctx context.Context, tx pgx.Tx, accountID string, asset string, amount uint64) error {
	tag, err := tx.Exec(ctx, `
	UPDATE vesting.accounts
	SET balance = balance - $1
	WHERE account_id = $2::uuid AND asset = $3 AND balance >= $1
	`, amount, accountID, asset)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: account %s has insufficient %s", types.ErrTransferFailed, accountID, asset)
	}
	return nil
}

func creditAccount(ctx context.Context, tx pgx.Tx, accountID string, asset string, amount uint64) error {
	_, err := tx.Exec(ctx, `
	INSERT INTO vesting.accounts (account_id, asset, balance)
	VALUES ($1::uuid, $2, $3)
	ON CONFLICT (account_id, asset) DO UPDATE SET balance = vesting.accounts.balance + $3
	`, accountID, asset, amount)
	return err
}

func (s *GrantPGStore) InitializeGrant(ctx context.Context, employerUUID string, employeeUUID string, asset string, schedule types.GrantSchedule) (types.Grant, error) {
	if err := validateGrantKey(employerUUID, employeeUUID, asset); err != nil {
		return types.Grant{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.Grant{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	escrowAccountID, proof := custody.Derive(employerUUID, employeeUUID)

	tag, err := tx.Exec(ctx, `
	INSERT INTO vesting.grants (
	  employer_uuid, employee_uuid, asset,
	  cliff_seconds, duration_seconds, seconds_per_slice, start_unix, total_amount,
	  issued_amount, revoked, escrow_account_id, custody_proof
	)
	VALUES ($1::uuid, $2::uuid, $3, $4, $5, $6, $7, $8, 0, false, $9::uuid, $10)
	ON CONFLICT (employer_uuid, employee_uuid) DO NOTHING
	`, employerUUID, employeeUUID, asset,
		schedule.CliffSeconds, schedule.DurationSeconds, schedule.SecondsPerSlice, schedule.StartUnix, schedule.TotalAmount,
		escrowAccountID, proof)
	if err != nil {
		return types.Grant{}, err
	}
	if tag.RowsAffected() == 0 {
		return types.Grant{}, types.ErrGrantExists
	}

	if err := debitAccount(ctx, tx, employerUUID, asset, schedule.TotalAmount); err != nil {
		return types.Grant{}, err
	}
	if err := creditAccount(ctx, tx, escrowAccountID, asset, schedule.TotalAmount); err != nil {
		return types.Grant{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return types.Grant{}, err
	}
	return types.Grant{
		EmployerUUID:    employerUUID,
		EmployeeUUID:    employeeUUID,
		Asset:           asset,
		Schedule:        schedule,
		IssuedAmount:    0,
		Revoked:         false,
		Initialized:     true,
		EscrowAccountID: escrowAccountID,
		CustodyProof:    proof,
	}, nil
}

func (s *GrantPGStore) WithdrawGrant(ctx context.Context, callerUUID string, employerUUID string, employeeUUID string, now uint64) (uint64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	g, err := lockGrant(ctx, tx, employerUUID, employeeUUID)
	if err != nil {
		return 0, err
	}

	amount, err := lifecycle.WithdrawStep(&g, callerUUID, now)
	if err != nil {
		return 0, err
	}
	if amount == 0 {
		// Nothing released; no balance to move and no record change.
		if err := tx.Commit(ctx); err != nil {
			return 0, err
		}
		return 0, nil
	}

	auth, err := custody.Verify(g.CustodyProof, g.EmployerUUID, g.EmployeeUUID)
	if err != nil {
		return 0, err
	}
	if err := debitAccount(ctx, tx, auth.AccountID(), g.Asset, amount); err != nil {
		return 0, err
	}
	if err := creditAccount(ctx, tx, g.EmployeeUUID, g.Asset, amount); err != nil {
		return 0, err
	}

	if _, err := tx.Exec(ctx, `
	UPDATE vesting.grants
	SET issued_amount = $1
	WHERE employer_uuid = $2::uuid AND employee_uuid = $3::uuid
	`, g.IssuedAmount, employerUUID, employeeUUID); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return amount, nil
}

func (s *GrantPGStore) RevokeGrant(ctx context.Context, callerUUID string, employerUUID string, employeeUUID string, now uint64) (types.RevokeSettlement, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.RevokeSettlement{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	g, err := lockGrant(ctx, tx, employerUUID, employeeUUID)
	if err != nil {
		return types.RevokeSettlement{}, err
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
		if err := debitAccount(ctx, tx, auth.AccountID(), g.Asset, paid); err != nil {
			return types.RevokeSettlement{}, err
		}
		if err := creditAccount(ctx, tx, g.EmployeeUUID, g.Asset, paid); err != nil {
			return types.RevokeSettlement{}, err
		}
	}

	// Refund whatever is actually left on the escrow account after the
	// payout, not a figure recomputed from the schedule.
	var remaining uint64
	err = tx.QueryRow(ctx, `
	SELECT balance
	FROM vesting.accounts
	WHERE account_id = $1::uuid AND asset = $2
	FOR UPDATE
	`, auth.AccountID(), g.Asset).Scan(&remaining)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return types.RevokeSettlement{}, err
		}
		remaining = 0
	}
	if remaining > 0 {
		if err := debitAccount(ctx, tx, auth.AccountID(), g.Asset, remaining); err != nil {
			return types.RevokeSettlement{}, err
		}
		if err := creditAccount(ctx, tx, g.EmployerUUID, g.Asset, remaining); err != nil {
			return types.RevokeSettlement{}, err
		}
	}

	if _, err := tx.Exec(ctx, `
	UPDATE vesting.grants
	SET issued_amount = $1, revoked = true
	WHERE employer_uuid = $2::uuid AND employee_uuid = $3::uuid
	`, g.IssuedAmount, employerUUID, employeeUUID); err != nil {
		return types.RevokeSettlement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return types.RevokeSettlement{}, err
	}
	return types.RevokeSettlement{PaidToEmployee: paid, ReturnedToEmployer: remaining}, nil
}

func (s *GrantPGStore) GetGrant(ctx context.Context, employerUUID string, employeeUUID string) (types.Grant, uint64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.Grant{}, 0, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	var g types.Grant
	row := tx.QueryRow(ctx, `
	SELECT`+grantColumns+`
	FROM vesting.grants
	WHERE employer_uuid = $1::uuid AND employee_uuid = $2::uuid
	`, employerUUID, employeeUUID)
	if err := scanGrant(row, &g); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.Grant{}, 0, types.ErrNotInitialized
		}
		return types.Grant{}, 0, err
	}
	g.Initialized = true

	var balance uint64
	err = tx.QueryRow(ctx, `
	SELECT balance
	FROM vesting.accounts
	WHERE account_id = $1::uuid AND asset = $2
	`, g.EscrowAccountID, g.Asset).Scan(&balance)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return types.Grant{}, 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return types.Grant{}, 0, err
	}
	return g, balance, nil
}
