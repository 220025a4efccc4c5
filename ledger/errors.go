//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package ledger

import (
	"errors"
	"fmt"

	"github.com/signalapp/evidenceledger/tree/proof"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a conditional commit loses against a
	// concurrent writer.
	ErrConflict = errors.New("conflicting ledger write")

	ErrLedgerUnavailable          = errors.New("ledger unavailable")
	ErrVerificationInfrastructure = errors.New("verification infrastructure failure")
)

// RetryableError wraps a transient failure of the ledger or one of the stores
// consulted during verification. Kind is one of ErrLedgerUnavailable or
// ErrVerificationInfrastructure.
type RetryableError struct {
	Kind error
	Op   string
	Err  error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *RetryableError) Unwrap() []error { return []error{e.Kind, e.Err} }

func (e *RetryableError) Retryable() bool { return true }

// IsRetryable reports whether any error in err's chain is retryable.
func IsRetryable(err error) bool {
	var r interface{ Retryable() bool }
	return errors.As(err, &r) && r.Retryable()
}

func unavailable(op string, err error) error {
	return &RetryableError{Kind: ErrLedgerUnavailable, Op: op, Err: err}
}

// infrastructure marks err as a retryable verification failure. Corrupt hashes
// are passed through unchanged since retrying can not fix them.
func infrastructure(op string, err error) error {
	if errors.Is(err, proof.ErrInvalidHashLength) {
		return err
	}
	return &RetryableError{Kind: ErrVerificationInfrastructure, Op: op, Err: err}
}

// Infrastructure marks err as a retryable verification failure on behalf of
// checks that live outside this package.
func Infrastructure(op string, err error) error { return infrastructure(op, err) }
