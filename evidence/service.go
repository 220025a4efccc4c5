//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package evidence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	metrics "github.com/hashicorp/go-metrics"
	"golang.org/x/sync/errgroup"

	"github.com/signalapp/evidenceledger/crypto/hashutil"
	"github.com/signalapp/evidenceledger/ledger"
)

// DigestSource returns the ledger's current digest.
type DigestSource interface {
	GetDigest(ctx context.Context) (*ledger.Digest, error)
}

type ServiceConfig struct {
	// ContentBucket is where submitted content is stored.
	ContentBucket string
	// SyncReplica writes the replica as part of Submit. Without it the
	// replica is expected to be fed from the ledger's journal stream.
	SyncReplica bool
}

// Service is the write, read and verify surface of the evidence store.
type Service struct {
	ledger  LedgerRepository
	replica ReplicaStore
	content ContentStore
	dedup   *DedupEngine
	checker *ConsistencyChecker
	digests DigestSource
	config  ServiceConfig

	now   func() time.Time
	newID func() string
}

func NewService(repo LedgerRepository, replica ReplicaStore, content ContentStore, checker *ConsistencyChecker, digests DigestSource, config ServiceConfig) *Service {
	return &Service{
		ledger:  repo,
		replica: replica,
		content: content,
		dedup:   NewDedupEngine(repo),
		checker: checker,
		digests: digests,
		config:  config,

		now:   func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
		newID: uuid.NewString,
	}
}

// Submit records a submission. Identical resubmissions return the record
// they produced the first time, and submissions to an occupied composite key
// become a new version of the record occupying it.
func (s *Service) Submit(ctx context.Context, sub *Submission) (rec *Record, action Action, err error) {
	defer func() {
		labels := []metrics.Label{{Name: "action", Value: action.String()}, {Name: "success", Value: fmt.Sprint(err == nil)}}
		metrics.IncrCounterWithLabels([]string{"evidence", "submissions"}, 1, labels)
	}()

	if err := sub.Validate(); err != nil {
		return nil, Create, err
	}
	decision, err := s.dedup.Decide(ctx, sub)
	if err != nil {
		return nil, Create, err
	} else if decision.Action == ReturnExisting {
		rec, err := s.complete(ctx, decision.Existing)
		if err != nil {
			return nil, ReturnExisting, err
		}
		return rec, ReturnExisting, nil
	}

	var (
		id       string
		expected *uint64
	)
	if decision.Action == Revise {
		id = decision.Existing.EvidenceID
		version := decision.Existing.RevisionDetails.Metadata.Version
		expected = &version
	} else {
		id = s.newID()
	}

	attachments, err := s.hashAttachments(ctx, sub.Attachments)
	if err != nil {
		return nil, decision.Action, err
	}

	contentHash := hashutil.Hash(sub.Content, hashutil.Base64Url)
	contentKey := id + "/" + contentHash
	location, err := s.content.Put(ctx, s.config.ContentBucket, contentKey, sub.Content)
	if err != nil {
		return nil, decision.Action, fmt.Errorf("storing content: %w", err)
	}

	rec = &Record{
		EvidenceID:          id,
		ProviderID:          sub.ProviderID,
		TargetID:            sub.TargetID,
		SchemaID:            sub.SchemaID,
		CorrelationID:       sub.CorrelationID,
		AdditionalTargetIDs: sub.AdditionalTargetIDs,
		ContentHash:         contentHash,
		ContentLocation:     location,
		Attachments:         attachments,
		CreatedTimestamp:    s.now(),
		CompositeKey:        decision.CompositeKey,
		InputHash:           decision.InputHash,
	}
	details, err := s.ledger.Commit(ctx, rec, expected)
	if err != nil {
		if decision.Action == Create {
			// The key is unique to this record, so nothing else refers to it.
			_ = s.content.Delete(ctx, s.config.ContentBucket, contentKey)
		}
		return nil, decision.Action, fmt.Errorf("committing evidence %s: %w", id, err)
	}
	rec.RevisionDetails = details
	rec.Content = sub.Content
	rec.ContentString = string(sub.Content)

	if s.config.SyncReplica {
		if err := s.replica.Put(ctx, rec); err != nil {
			return nil, decision.Action, fmt.Errorf("updating replica: %w", err)
		}
	}
	return rec, decision.Action, nil
}

// complete returns the full form of a record read from the ledger: its copy
// in the replica, or failing that the ledger copy with its content and a
// digest that covers it.
func (s *Service) complete(ctx context.Context, rec *Record) (*Record, error) {
	version := rec.RevisionDetails.Metadata.Version
	stored, err := s.replica.GetByID(ctx, rec.EvidenceID, &version)
	if err != nil {
		return nil, fmt.Errorf("reading replica: %w", err)
	} else if stored != nil {
		fillContent(stored)
		return stored, nil
	}

	bucket, key, err := ParseLocation(rec.ContentLocation)
	if err != nil {
		return nil, err
	}
	blob, err := s.content.Get(ctx, bucket, key)
	if err != nil {
		return nil, fmt.Errorf("fetching content for %s: %w", rec.EvidenceID, err)
	} else if blob == nil {
		return nil, fmt.Errorf("content for %s: %w", rec.EvidenceID, ErrNotFound)
	}
	digest, err := s.digests.GetDigest(ctx)
	if err != nil {
		return nil, err
	}

	out := *rec
	details := *rec.RevisionDetails
	details.Digest = *digest
	out.RevisionDetails = &details
	out.ContentString = string(blob)
	fillContent(&out)
	return &out, nil
}

func fillContent(rec *Record) {
	if len(rec.Content) == 0 && json.Valid([]byte(rec.ContentString)) {
		rec.Content = json.RawMessage(rec.ContentString)
	}
}

func (s *Service) hashAttachments(ctx context.Context, refs []AttachmentRef) ([]Attachment, error) {
	if len(refs) == 0 {
		return nil, nil
	}

	g, ctx := errgroup.WithContext(ctx)
	out := make([]Attachment, len(refs))
	for i, ref := range refs {
		i, ref := i, ref
		g.Go(func() error {
			blob, err := s.content.Get(ctx, ref.BucketName, ref.ObjectKey)
			if err != nil {
				return fmt.Errorf("fetching attachment %s/%s: %w", ref.BucketName, ref.ObjectKey, err)
			} else if blob == nil {
				return fmt.Errorf("%w: attachment %s/%s does not exist", ErrInvalidSubmission, ref.BucketName, ref.ObjectKey)
			}
			out[i] = Attachment{
				ObjectKey:  ref.ObjectKey,
				BucketName: ref.BucketName,
				Hash:       hashutil.Hash(blob, hashutil.Base64Url),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns a record from the replica. If version is nil the latest
// version is returned.
func (s *Service) Get(ctx context.Context, id string, version *uint64) (*Record, error) {
	rec, err := s.replica.GetByID(ctx, id, version)
	if err != nil {
		return nil, err
	} else if rec == nil {
		return nil, ErrNotFound
	}
	fillContent(rec)
	return rec, nil
}

// Verify reads a record from the replica and checks it against the ledger and
// the content store.
func (s *Service) Verify(ctx context.Context, id string, version *uint64) (res *Result, err error) {
	defer func() {
		status := "error"
		if res != nil {
			status = string(res.Status)
		}
		metrics.IncrCounterWithLabels([]string{"evidence", "verifications"}, 1, []metrics.Label{{Name: "status", Value: status}})
	}()

	rec, err := s.replica.GetByID(ctx, id, version)
	if err != nil {
		return nil, ledger.Infrastructure("reading replica", err)
	} else if rec == nil {
		return nil, ErrNotFound
	}
	return s.checker.Verify(ctx, rec, version)
}

// ApplyRevision writes a revision read from the ledger's journal into the
// replica.
func (s *Service) ApplyRevision(ctx context.Context, rev *ledger.Revision, digest ledger.Digest) error {
	rec, err := RecordFromRevision(rev, digest)
	if err != nil {
		return err
	}
	bucket, key, err := ParseLocation(rec.ContentLocation)
	if err != nil {
		return err
	}
	blob, err := s.content.Get(ctx, bucket, key)
	if err != nil {
		return fmt.Errorf("fetching content for %s: %w", rec.EvidenceID, err)
	} else if blob == nil {
		return fmt.Errorf("content for %s: %w", rec.EvidenceID, ErrNotFound)
	}
	rec.Content = blob
	rec.ContentString = string(blob)

	return s.replica.Put(ctx, rec)
}

// Digest returns the ledger's current digest.
func (s *Service) Digest(ctx context.Context) (*ledger.Digest, error) {
	return s.digests.GetDigest(ctx)
}

// IsNotFound reports whether err means that a record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ledger.ErrNotFound)
}
