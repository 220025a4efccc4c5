//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package db

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/signalapp/evidenceledger/evidence"
)

func dup(in []byte) []byte {
	if in == nil {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func deserializeLedgerHead(raw []byte) (*LedgerHead, error) {
	head := &LedgerHead{}
	if err := json.Unmarshal(raw, head); err != nil {
		return nil, err
	}
	return head, nil
}

// location builds the URL returned by content stores.
func location(scheme, bucket, key string) string {
	u := url.URL{Scheme: scheme, Host: bucket, Path: "/" + strings.TrimPrefix(key, "/")}
	return u.String()
}

func contentKey(bucket, key string) string {
	return fmt.Sprintf("c%s/%s", bucket, key)
}

// cloneRecord returns a deep copy of rec so that stored replicas can not be
// mutated by callers.
func cloneRecord(rec *evidence.Record) (*evidence.Record, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	out := &evidence.Record{}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, err
	}
	return out, nil
}

func replicaVersion(rec *evidence.Record) (uint64, error) {
	if rec.RevisionDetails == nil {
		return 0, fmt.Errorf("replica record %v has no revision details", rec.EvidenceID)
	}
	return rec.RevisionDetails.Metadata.Version, nil
}
