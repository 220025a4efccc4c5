//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

// Package evidence stores tamper-evident evidence records in a ledger, keeps a
// queryable replica of them, and proves that a replica record still matches
// what was committed.
package evidence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/signalapp/evidenceledger/ledger"
)

var (
	ErrNotFound          = errors.New("evidence not found")
	ErrInvalidSubmission = errors.New("invalid submission")
)

// Attachment is a blob stored next to the evidence content. Hash is the
// base64url SHA-256 of the blob.
type Attachment struct {
	ObjectKey  string `json:"objectKey" dynamodbav:"objectKey"`
	BucketName string `json:"bucketName" dynamodbav:"bucketName"`
	Hash       string `json:"hash" dynamodbav:"hash"`
}

// AttachmentRef points at a blob that a submission wants attached. The blob
// must already be in the content store.
type AttachmentRef struct {
	ObjectKey  string `json:"objectKey"`
	BucketName string `json:"bucketName"`
}

// Submission is an incoming request to record evidence.
type Submission struct {
	ProviderID          string          `json:"providerId"`
	TargetID            string          `json:"targetId"`
	SchemaID            string          `json:"schemaId"`
	CorrelationID       string          `json:"correlationId,omitempty"`
	AdditionalTargetIDs []string        `json:"additionalTargetIds,omitempty"`
	Content             json.RawMessage `json:"content"`
	Attachments         []AttachmentRef `json:"attachments,omitempty"`
}

func (s *Submission) Validate() error {
	switch {
	case s.ProviderID == "":
		return fmt.Errorf("%w: providerId is required", ErrInvalidSubmission)
	case s.TargetID == "":
		return fmt.Errorf("%w: targetId is required", ErrInvalidSubmission)
	case s.SchemaID == "":
		return fmt.Errorf("%w: schemaId is required", ErrInvalidSubmission)
	case len(s.Content) == 0 || !json.Valid(s.Content):
		return fmt.Errorf("%w: content must be a JSON document", ErrInvalidSubmission)
	}
	for i, ref := range s.Attachments {
		if ref.ObjectKey == "" || ref.BucketName == "" {
			return fmt.Errorf("%w: attachment %d needs objectKey and bucketName", ErrInvalidSubmission, i)
		}
	}
	return nil
}

// Record is an evidence record. The ledger holds every field except Content,
// ContentString, and RevisionDetails. The replica holds all of them.
type Record struct {
	EvidenceID          string          `json:"evidenceId" dynamodbav:"evidenceId"`
	ProviderID          string          `json:"providerId" dynamodbav:"providerId"`
	TargetID            string          `json:"targetId" dynamodbav:"targetId"`
	SchemaID            string          `json:"schemaId" dynamodbav:"schemaId"`
	CorrelationID       string          `json:"correlationId,omitempty" dynamodbav:"correlationId,omitempty"`
	AdditionalTargetIDs []string        `json:"additionalTargetIds,omitempty" dynamodbav:"additionalTargetIds,omitempty"`
	ContentHash         string          `json:"contentHash" dynamodbav:"contentHash"`
	ContentLocation     string          `json:"contentLocation" dynamodbav:"contentLocation"`
	Attachments         []Attachment    `json:"attachments,omitempty" dynamodbav:"attachments,omitempty"`
	CreatedTimestamp    time.Time       `json:"createdTimestamp" dynamodbav:"createdTimestamp"`
	CompositeKey        string          `json:"compositeKey" dynamodbav:"compositeKey"`
	InputHash           string          `json:"inputHash" dynamodbav:"inputHash"`
	Content             json.RawMessage `json:"content,omitempty" dynamodbav:"-"`

	ContentString   string                  `json:"contentString,omitempty" dynamodbav:"contentString,omitempty"`
	RevisionDetails *ledger.RevisionDetails `json:"revisionDetails,omitempty" dynamodbav:"revisionDetails,omitempty"`
}

// ledgerCopy returns the fields of r that are committed to the ledger.
func (r *Record) ledgerCopy() *Record {
	out := *r
	out.Content = nil
	out.ContentString = ""
	out.RevisionDetails = nil
	return &out
}

// Result is the outcome of verifying a record. Record is set only when the
// record verified.
type Result struct {
	Status Status  `json:"status"`
	Record *Record `json:"record,omitempty"`
}

type Status string

const (
	Verified   Status = "Verified"
	Unverified Status = "Unverified"
)

// ContentStore holds content and attachment blobs. Get returns nil with no
// error when the object does not exist.
type ContentStore interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	// Put stores data and returns its location URL.
	Put(ctx context.Context, bucket, key string, data []byte) (string, error)
	Delete(ctx context.Context, bucket, key string) error
}

// ReplicaStore is a read-optimized, possibly stale copy of the ledger. If
// version is nil GetByID returns the revision with the highest version, in
// whatever order revisions were Put. It returns nil with no error when
// nothing matches.
type ReplicaStore interface {
	GetByID(ctx context.Context, id string, version *uint64) (*Record, error)
	Put(ctx context.Context, rec *Record) error
}

// ParseLocation splits a content location URL into its bucket and key.
func ParseLocation(location string) (bucket, key string, err error) {
	u, err := url.Parse(location)
	if err != nil {
		return "", "", err
	} else if u.Host == "" {
		return "", "", fmt.Errorf("content location has no bucket: %q", location)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", fmt.Errorf("content location has no key: %q", location)
	}
	return u.Host, key, nil
}
