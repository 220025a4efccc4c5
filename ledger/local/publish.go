//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package local

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"

	"github.com/signalapp/evidenceledger/ledger"
)

// RevisionDetailsRecord is the type of journal record that carries a
// committed revision.
const RevisionDetailsRecord = "REVISION_DETAILS"

// JournalRecord is the form in which committed revisions are exported from
// the ledger.
type JournalRecord struct {
	RecordType string           `json:"recordType"`
	LedgerName string           `json:"ledgerName"`
	Revision   *ledger.Revision `json:"revision"`
	Digest     ledger.Digest    `json:"digest"`
}

// ParseJournalRecord decodes an exported journal record.
func ParseJournalRecord(raw []byte) (*JournalRecord, error) {
	rec := &JournalRecord{}
	if err := json.Unmarshal(raw, rec); err != nil {
		return nil, fmt.Errorf("decoding journal record: %w", err)
	} else if rec.RecordType != RevisionDetailsRecord {
		return nil, fmt.Errorf("unexpected journal record type: %q", rec.RecordType)
	} else if rec.Revision == nil {
		return nil, fmt.Errorf("journal record has no revision")
	}
	return rec, nil
}

type kinesisPutter interface {
	PutRecord(ctx context.Context, params *kinesis.PutRecordInput, optFns ...func(*kinesis.Options)) (*kinesis.PutRecordOutput, error)
}

// KinesisPublisher exports journal records to a Kinesis stream. Records are
// partitioned by document id, so the revisions of a document stay in order.
type KinesisPublisher struct {
	client kinesisPutter
	stream string
}

func NewKinesisPublisher(client *kinesis.Client, stream string) *KinesisPublisher {
	return &KinesisPublisher{client: client, stream: stream}
}

func (p *KinesisPublisher) Publish(ctx context.Context, rec *JournalRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = p.client.PutRecord(ctx, &kinesis.PutRecordInput{
		StreamName:   aws.String(p.stream),
		PartitionKey: aws.String(rec.Revision.Metadata.ID),
		Data:         raw,
	})
	if err != nil {
		return fmt.Errorf("publishing %s/%d: %w", rec.Revision.Metadata.ID, rec.Revision.Metadata.Version, err)
	}
	return nil
}
