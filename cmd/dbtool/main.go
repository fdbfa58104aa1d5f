package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

func main() {
	if len(os.Args) < 2 {
		fatalf("usage: dbtool <schema-create|seed-account|conservation-smoke> [args]")
	}

	switch os.Args[1] {
	case "schema-create":
		schemaCreate(os.Args[2:])
	case "seed-account":
		seedAccount(os.Args[2:])
	case "conservation-smoke":
		conservationSmoke(os.Args[2:])
	default:
		fatalf("unknown subcommand: %s", os.Args[1])
	}
}

const schemaDDL = `
CREATE SCHEMA IF NOT EXISTS vesting;

CREATE TABLE IF NOT EXISTS vesting.accounts (
    account_id uuid NOT NULL,
    asset      text NOT NULL,
    balance    numeric(20, 0) NOT NULL DEFAULT 0 CHECK (balance >= 0),
    PRIMARY KEY (account_id, asset)
);

CREATE TABLE IF NOT EXISTS vesting.grants (
    employer_uuid     uuid NOT NULL,
    employee_uuid     uuid NOT NULL,
    asset             text NOT NULL,
    cliff_seconds     numeric(20, 0) NOT NULL,
    duration_seconds  numeric(20, 0) NOT NULL,
    seconds_per_slice numeric(20, 0) NOT NULL,
    start_unix        numeric(20, 0) NOT NULL,
    total_amount      numeric(20, 0) NOT NULL,
    issued_amount     numeric(20, 0) NOT NULL DEFAULT 0,
    revoked           boolean NOT NULL DEFAULT false,
    escrow_account_id uuid NOT NULL,
    custody_proof     text NOT NULL,
    created_at        timestamptz NOT NULL DEFAULT now(),
    PRIMARY KEY (employer_uuid, employee_uuid)
);
`

func schemaCreate(args []string) {
	fs := flag.NewFlagSet("schema-create", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var url string
	fs.StringVar(&url, "url", "", "postgres connection string")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}
	if url == "" {
		fatalf("missing --url")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, url)
	if err != nil {
		fatal(err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, schemaDDL); err != nil {
		fatal(err)
	}
	fmt.Println("schema-create: OK")
}

func seedAccount(args []string) {
	fs := flag.NewFlagSet("seed-account", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var url, account, asset string
	var amount uint64
	fs.StringVar(&url, "url", "", "postgres connection string")
	fs.StringVar(&account, "account", "", "account uuid")
	fs.StringVar(&asset, "asset", "VEST", "asset symbol")
	fs.Uint64Var(&amount, "amount", 0, "amount to credit")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}
	if url == "" {
		fatalf("missing --url")
	}
	if _, err := uuid.Parse(account); err != nil {
		fatalf("invalid --account: %v", err)
	}
	if amount == 0 {
		fatalf("missing --amount")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, url)
	if err != nil {
		fatal(err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, `
INSERT INTO vesting.accounts (account_id, asset, balance)
VALUES ($1::uuid, $2, $3)
ON CONFLICT (account_id, asset)
DO UPDATE SET balance = vesting.accounts.balance + $3;`, account, asset, amount); err != nil {
		fatal(err)
	}
	fmt.Printf("seed-account: credited %d %s to %s\n", amount, asset, account)
}

// conservationSmoke checks the ledger invariants the lifecycle relies on:
// no negative balances, no grant issued beyond its total, and (optionally)
// an unchanged total supply per asset. Operations only move value between
// employer, escrow, and employee accounts.
func conservationSmoke(args []string) {
	fs := flag.NewFlagSet("conservation-smoke", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var url, asset string
	var expected uint64
	fs.StringVar(&url, "url", "", "postgres connection string")
	fs.StringVar(&asset, "asset", "VEST", "asset symbol")
	fs.Uint64Var(&expected, "expected", 0, "expected total supply for the asset")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}
	if url == "" {
		fatalf("missing --url")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, url)
	if err != nil {
		fatal(err)
	}
	defer conn.Close(context.Background())

	var total uint64
	if err := conn.QueryRow(ctx, `
SELECT COALESCE(sum(balance), 0)::numeric(20, 0)
FROM vesting.accounts
WHERE asset = $1;`, asset).Scan(&total); err != nil {
		fatal(err)
	}

	var negatives int
	if err := conn.QueryRow(ctx, `
SELECT count(*) FROM vesting.accounts WHERE asset = $1 AND balance < 0;`, asset).Scan(&negatives); err != nil {
		fatal(err)
	}
	if negatives != 0 {
		fatalf("conservation-smoke: %d negative balances for %s", negatives, asset)
	}

	var overIssued int
	if err := conn.QueryRow(ctx, `
SELECT count(*) FROM vesting.grants WHERE asset = $1 AND issued_amount > total_amount;`, asset).Scan(&overIssued); err != nil {
		fatal(err)
	}
	if overIssued != 0 {
		fatalf("conservation-smoke: %d grants issued beyond their total for %s", overIssued, asset)
	}

	if expected != 0 && total != expected {
		fatalf("conservation-smoke: total %s balance = %d, expected %d", asset, total, expected)
	}
	fmt.Printf("conservation-smoke: OK (total %s balance = %d)\n", asset, total)
}

func fatal(err error) {
	fatalf("%v", err)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
