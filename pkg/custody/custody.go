// Package custody derives the key-less escrow accounts that hold unvested
// grant funds. An escrow account is addressed deterministically from the
// employer/employee pair, so one pair maps to exactly one custody account,
// and it can only be debited through an Authorization obtained by verifying
// the derivation proof stored on the grant record. Neither party ever holds
// the authorization.
package custody

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var escrowAccountNamespace = uuid.Must(uuid.Parse("9c1f6b2e-7a54-4f0d-8d3a-52b7c4b1e6a0"))

var ErrProofMismatch = errors.New("custody: derivation proof mismatch")

// Derive returns the escrow account ID for the pair and the proof that binds
// it. The proof is persisted on the grant record at initialize time and is
// re-verified before every escrow debit.
func Derive(employerUUID string, employeeUUID string) (escrowAccountID string, proof string) {
	name := fmt.Sprintf("vesting.grant_custody:%s:%s", employerUUID, employeeUUID)
	id := uuid.NewSHA1(escrowAccountNamespace, []byte(name)).String()
	sum := sha256.Sum256([]byte("vesting.custody_proof:" + id + ":" + name))
	return id, hex.EncodeToString(sum[:])
}

// Authorization is the capability that permits debiting one escrow account
// and nothing else. It is only constructible through Verify and never leaves
// the lifecycle operation that holds the proof.
type Authorization struct {
	escrowAccountID string
}

func (a Authorization) AccountID() string { return a.escrowAccountID }

// Verify recomputes the derivation for the pair and checks that the stored
// proof binds to it.
func Verify(proof string, employerUUID string, employeeUUID string) (Authorization, error) {
	id, want := Derive(employerUUID, employeeUUID)
	if subtle.ConstantTimeCompare([]byte(proof), []byte(want)) != 1 {
		return Authorization{}, ErrProofMismatch
	}
	return Authorization{escrowAccountID: id}, nil
}
