//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/signalapp/evidenceledger/crypto/hashutil"
)

// CompositeKey identifies the logical slot a piece of evidence occupies. The
// additional target ids are sorted, so their order does not matter.
func CompositeKey(providerID, targetID, schemaID string, additionalTargetIDs []string) string {
	additional := slices.Clone(additionalTargetIDs)
	slices.Sort(additional)

	key := providerID + "." + targetID + "." + schemaID + "." + strings.Join(additional, "--")
	return hashutil.HashString(key, hashutil.Base64)
}

// InputHash identifies the exact bytes of a submission. Unlike CompositeKey it
// hashes additional target ids in the order they were submitted.
func InputHash(sub *Submission) (string, error) {
	raw, err := json.Marshal(sub)
	if err != nil {
		return "", fmt.Errorf("encoding submission: %w", err)
	}
	return hashutil.Hash(raw, hashutil.Base64), nil
}

// Action is what the write path should do with a submission.
type Action int

const (
	Create Action = iota
	Revise
	ReturnExisting
)

func (a Action) String() string {
	switch a {
	case Create:
		return "create"
	case Revise:
		return "revise"
	case ReturnExisting:
		return "return-existing"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// Decision carries the dedup verdict for a submission. Existing is set for
// Revise and ReturnExisting.
type Decision struct {
	Action       Action
	Existing     *Record
	CompositeKey string
	InputHash    string
}

// DedupEngine detects repeated submissions before anything is written.
type DedupEngine struct {
	ledger LedgerRepository
}

func NewDedupEngine(ledger LedgerRepository) *DedupEngine {
	return &DedupEngine{ledger: ledger}
}

// Decide returns ReturnExisting if the exact submission was recorded before,
// Revise if another submission already occupies its composite key, and Create
// otherwise.
func (d *DedupEngine) Decide(ctx context.Context, sub *Submission) (*Decision, error) {
	inputHash, err := InputHash(sub)
	if err != nil {
		return nil, err
	}
	decision := &Decision{
		CompositeKey: CompositeKey(sub.ProviderID, sub.TargetID, sub.SchemaID, sub.AdditionalTargetIDs),
		InputHash:    inputHash,
	}

	existing, err := d.ledger.QueryByInputHash(ctx, decision.InputHash)
	if err != nil {
		return nil, fmt.Errorf("querying by input hash: %w", err)
	} else if existing != nil {
		decision.Action, decision.Existing = ReturnExisting, existing
		return decision, nil
	}

	existing, err = d.ledger.QueryByCompositeKey(ctx, decision.CompositeKey)
	if err != nil {
		return nil, fmt.Errorf("querying by composite key: %w", err)
	} else if existing != nil {
		decision.Action, decision.Existing = Revise, existing
		return decision, nil
	}

	decision.Action = Create
	return decision, nil
}
