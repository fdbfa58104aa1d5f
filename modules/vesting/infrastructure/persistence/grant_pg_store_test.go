package persistence

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/PirosB3/token-vesting-service/modules/vesting/domain/types"
	"github.com/PirosB3/token-vesting-service/pkg/custody"
)

type beginFunc func(ctx context.Context) (pgx.Tx, error)

func (f beginFunc) Begin(ctx context.Context) (pgx.Tx, error) { return f(ctx) }

type execResult struct {
	tag pgconn.CommandTag
	err error
}

type txStub struct {
	execResults []execResult
	rows        []pgx.Row
	commitErr   error
	execCalls   int
	rowCalls    int
}

func (t *txStub) Begin(context.Context) (pgx.Tx, error) { return t, nil }
func (t *txStub) Commit(context.Context) error          { return t.commitErr }
func (t *txStub) Rollback(context.Context) error        { return nil }
func (t *txStub) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *txStub) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *txStub) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *txStub) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *txStub) Conn() *pgx.Conn { return nil }

func (t *txStub) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	if t.execCalls >= len(t.execResults) {
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}
	r := t.execResults[t.execCalls]
	t.execCalls++
	return r.tag, r.err
}

func (t *txStub) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("query not mocked")
}

func (t *txStub) QueryRow(context.Context, string, ...any) pgx.Row {
	if t.rowCalls >= len(t.rows) {
		return stubRow{err: errors.New("row not mocked")}
	}
	r := t.rows[t.rowCalls]
	t.rowCalls++
	return r
}

type stubRow struct {
	vals []any
	err  error
}

func (r stubRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i := range dest {
		if i >= len(r.vals) || r.vals[i] == nil {
			continue
		}
		switch d := dest[i].(type) {
		case *string:
			*d = r.vals[i].(string)
		case *uint64:
			*d = r.vals[i].(uint64)
		case *bool:
			*d = r.vals[i].(bool)
		}
	}
	return nil
}

func beginWith(tx *txStub) beginFunc {
	return func(context.Context) (pgx.Tx, error) { return tx, nil }
}

func beginErr(err error) beginFunc {
	return func(context.Context) (pgx.Tx, error) { return nil, err }
}

func pgTestGrantRow(issued uint64, revoked bool) stubRow {
	escrowID, proof := custody.Derive(memEmployer, memEmployee)
	s := memSchedule()
	return stubRow{vals: []any{
		memEmployer, memEmployee, memAsset,
		s.CliffSeconds, s.DurationSeconds, s.SecondsPerSlice, s.StartUnix, s.TotalAmount,
		issued, revoked, escrowID, proof,
	}}
}

func TestGrantPGStore_InitializeGrant(t *testing.T) {
	ctx := context.Background()
	sched := memSchedule()

	store := NewGrantPGStore(beginErr(errors.New("begin")))
	if _, err := store.InitializeGrant(ctx, memEmployer, memEmployee, memAsset, sched); err == nil {
		t.Fatal("expected begin error")
	}

	store = NewGrantPGStore(beginWith(&txStub{execResults: []execResult{{err: errors.New("exec")}}}))
	if _, err := store.InitializeGrant(ctx, memEmployer, memEmployee, memAsset, sched); err == nil {
		t.Fatal("expected exec error")
	}

	store = NewGrantPGStore(beginWith(&txStub{execResults: []execResult{{tag: pgconn.NewCommandTag("INSERT 0 0")}}}))
	if _, err := store.InitializeGrant(ctx, memEmployer, memEmployee, memAsset, sched); !errors.Is(err, types.ErrGrantExists) {
		t.Fatalf("err = %v, want ErrGrantExists", err)
	}

	store = NewGrantPGStore(beginWith(&txStub{execResults: []execResult{
		{tag: pgconn.NewCommandTag("INSERT 0 1")},
		{tag: pgconn.NewCommandTag("UPDATE 0")},
	}}))
	if _, err := store.InitializeGrant(ctx, memEmployer, memEmployee, memAsset, sched); !errors.Is(err, types.ErrTransferFailed) {
		t.Fatalf("err = %v, want ErrTransferFailed", err)
	}

	store = NewGrantPGStore(beginWith(&txStub{
		execResults: []execResult{{tag: pgconn.NewCommandTag("INSERT 0 1")}},
		commitErr:   errors.New("commit"),
	}))
	if _, err := store.InitializeGrant(ctx, memEmployer, memEmployee, memAsset, sched); err == nil {
		t.Fatal("expected commit error")
	}

	store = NewGrantPGStore(beginWith(&txStub{execResults: []execResult{{tag: pgconn.NewCommandTag("INSERT 0 1")}}}))
	g, err := store.InitializeGrant(ctx, memEmployer, memEmployee, memAsset, sched)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wantEscrow, wantProof := custody.Derive(memEmployer, memEmployee)
	if g.EscrowAccountID != wantEscrow || g.CustodyProof != wantProof {
		t.Fatalf("escrow derivation mismatch: %+v", g)
	}
	if !g.Initialized || g.IssuedAmount != 0 || g.Revoked {
		t.Fatalf("unexpected grant state: %+v", g)
	}

	if _, err := store.InitializeGrant(ctx, "", memEmployee, memAsset, sched); err == nil {
		t.Fatal("expected error for empty employer")
	}
}

func TestGrantPGStore_WithdrawGrant(t *testing.T) {
	ctx := context.Background()

	store := NewGrantPGStore(beginErr(errors.New("begin")))
	if _, err := store.WithdrawGrant(ctx, memEmployee, memEmployer, memEmployee, 1050); err == nil {
		t.Fatal("expected begin error")
	}

	store = NewGrantPGStore(beginWith(&txStub{rows: []pgx.Row{stubRow{err: pgx.ErrNoRows}}}))
	if _, err := store.WithdrawGrant(ctx, memEmployee, memEmployer, memEmployee, 1050); !errors.Is(err, types.ErrNotInitialized) {
		t.Fatalf("err = %v, want ErrNotInitialized", err)
	}

	store = NewGrantPGStore(beginWith(&txStub{rows: []pgx.Row{pgTestGrantRow(0, true)}}))
	if _, err := store.WithdrawGrant(ctx, memEmployee, memEmployer, memEmployee, 1050); !errors.Is(err, types.ErrAlreadyRevoked) {
		t.Fatalf("err = %v, want ErrAlreadyRevoked", err)
	}

	store = NewGrantPGStore(beginWith(&txStub{rows: []pgx.Row{pgTestGrantRow(0, false)}}))
	if _, err := store.WithdrawGrant(ctx, memEmployer, memEmployer, memEmployee, 1050); !errors.Is(err, types.ErrNotAuthorized) {
		t.Fatalf("err = %v, want ErrNotAuthorized", err)
	}

	store = NewGrantPGStore(beginWith(&txStub{
		rows:        []pgx.Row{pgTestGrantRow(0, false)},
		execResults: []execResult{{tag: pgconn.NewCommandTag("UPDATE 0")}},
	}))
	if _, err := store.WithdrawGrant(ctx, memEmployee, memEmployer, memEmployee, 1050); !errors.Is(err, types.ErrTransferFailed) {
		t.Fatalf("err = %v, want ErrTransferFailed", err)
	}

	// Before the cliff nothing is releasable; the transaction still commits.
	cliffRow := pgTestGrantRow(0, false)
	cliffRow.vals[3] = uint64(30)
	store = NewGrantPGStore(beginWith(&txStub{rows: []pgx.Row{cliffRow}}))
	got, err := store.WithdrawGrant(ctx, memEmployee, memEmployer, memEmployee, 1010)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 0 {
		t.Fatalf("withdraw before cliff = %d, want 0", got)
	}

	store = NewGrantPGStore(beginWith(&txStub{rows: []pgx.Row{pgTestGrantRow(0, false)}}))
	got, err = store.WithdrawGrant(ctx, memEmployee, memEmployer, memEmployee, 1050)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 500 {
		t.Fatalf("withdraw = %d, want 500", got)
	}
}

func TestGrantPGStore_RevokeGrant(t *testing.T) {
	ctx := context.Background()

	store := NewGrantPGStore(beginErr(errors.New("begin")))
	if _, err := store.RevokeGrant(ctx, memEmployer, memEmployer, memEmployee, 1050); err == nil {
		t.Fatal("expected begin error")
	}

	store = NewGrantPGStore(beginWith(&txStub{rows: []pgx.Row{stubRow{err: pgx.ErrNoRows}}}))
	if _, err := store.RevokeGrant(ctx, memEmployer, memEmployer, memEmployee, 1050); !errors.Is(err, types.ErrNotInitialized) {
		t.Fatalf("err = %v, want ErrNotInitialized", err)
	}

	store = NewGrantPGStore(beginWith(&txStub{rows: []pgx.Row{pgTestGrantRow(0, true)}}))
	if _, err := store.RevokeGrant(ctx, memEmployer, memEmployer, memEmployee, 1050); !errors.Is(err, types.ErrAlreadyRevoked) {
		t.Fatalf("err = %v, want ErrAlreadyRevoked", err)
	}

	store = NewGrantPGStore(beginWith(&txStub{rows: []pgx.Row{pgTestGrantRow(0, false)}}))
	if _, err := store.RevokeGrant(ctx, memEmployee, memEmployer, memEmployee, 1050); !errors.Is(err, types.ErrNotAuthorized) {
		t.Fatalf("err = %v, want ErrNotAuthorized", err)
	}

	store = NewGrantPGStore(beginWith(&txStub{
		rows: []pgx.Row{
			pgTestGrantRow(0, false),
			stubRow{vals: []any{uint64(500)}},
		},
	}))
	settlement, err := store.RevokeGrant(ctx, memEmployer, memEmployer, memEmployee, 1050)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if settlement.PaidToEmployee != 500 || settlement.ReturnedToEmployer != 500 {
		t.Fatalf("settlement = %+v, want 500/500", settlement)
	}

	// Escrow account row already gone: refund is zero, revoke still lands.
	store = NewGrantPGStore(beginWith(&txStub{
		rows: []pgx.Row{
			pgTestGrantRow(1000, false),
			stubRow{err: pgx.ErrNoRows},
		},
	}))
	settlement, err = store.RevokeGrant(ctx, memEmployer, memEmployer, memEmployee, 2000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if settlement.PaidToEmployee != 0 || settlement.ReturnedToEmployer != 0 {
		t.Fatalf("settlement = %+v, want 0/0", settlement)
	}
}

func TestGrantPGStore_GetGrant(t *testing.T) {
	ctx := context.Background()

	store := NewGrantPGStore(beginErr(errors.New("begin")))
	if _, _, err := store.GetGrant(ctx, memEmployer, memEmployee); err == nil {
		t.Fatal("expected begin error")
	}

	store = NewGrantPGStore(beginWith(&txStub{rows: []pgx.Row{stubRow{err: pgx.ErrNoRows}}}))
	if _, _, err := store.GetGrant(ctx, memEmployer, memEmployee); !errors.Is(err, types.ErrNotInitialized) {
		t.Fatalf("err = %v, want ErrNotInitialized", err)
	}

	store = NewGrantPGStore(beginWith(&txStub{
		rows: []pgx.Row{
			pgTestGrantRow(200, false),
			stubRow{vals: []any{uint64(800)}},
		},
	}))
	g, balance, err := store.GetGrant(ctx, memEmployer, memEmployee)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.IssuedAmount != 200 || balance != 800 {
		t.Fatalf("issued=%d balance=%d, want 200/800", g.IssuedAmount, balance)
	}

	store = NewGrantPGStore(beginWith(&txStub{
		rows: []pgx.Row{
			pgTestGrantRow(0, false),
			stubRow{err: pgx.ErrNoRows},
		},
	}))
	_, balance, err = store.GetGrant(ctx, memEmployer, memEmployee)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if balance != 0 {
		t.Fatalf("balance = %d, want 0 when account row is absent", balance)
	}
}
