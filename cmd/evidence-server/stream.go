//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package main

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	kinesistypes "github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	consumer "github.com/harlow/kinesis-consumer"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/signalapp/evidenceledger/cmd/internal/util"
	"github.com/signalapp/evidenceledger/db"
	"github.com/signalapp/evidenceledger/ledger"
	"github.com/signalapp/evidenceledger/ledger/local"
)

const (
	withinStream = "stream"
	// checkpointInterval is how many records of a shard are applied between
	// checkpoints.
	checkpointInterval = 100
)

// metricsCounter implements the consumer.Counter interface for exporting
// Kinesis metrics.
type metricsCounter struct{}

func (pc metricsCounter) Add(name string, val int64) {
	metrics.IncrCounterWithLabels([]string{withinStream, "kinesis"}, float32(val), []metrics.Label{{Name: "type", Value: name}})
}

// kinesisLogger implements the consumer.Logger interface for printing Kinesis
// logs to stdout.
type kinesisLogger struct{}

func (kl kinesisLogger) Log(v ...any) { util.Log().Infof("%s", fmt.Sprintln(v...)) }

// loggedPublisher logs journal records that fail to export. The ledger
// retries them.
type loggedPublisher struct {
	local.Publisher
}

func (p loggedPublisher) Publish(ctx context.Context, rec *local.JournalRecord) error {
	err := p.Publisher.Publish(ctx, rec)
	if err != nil {
		util.Log().Warnf("failed to export journal record %s/%d: %v",
			rec.Revision.Metadata.ID, rec.Revision.Metadata.Version, err)
	}
	return err
}

// revisionApplier writes revisions read from the journal stream into the
// replica.
type revisionApplier interface {
	ApplyRevision(ctx context.Context, rev *ledger.Revision, digest ledger.Digest) error
}

// shardState tracks the records of one shard that have not been
// checkpointed yet. The consumer scans each shard on its own goroutine, so
// sinceLast is only touched by that goroutine.
type shardState struct {
	sinceLast int
	pending   sync.WaitGroup
}

// shards maps shard ids to their state for one run of the consumer.
type shards struct {
	mu     sync.Mutex
	states map[string]*shardState
}

func (s *shards) get(id string) *shardState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.states == nil {
		s.states = make(map[string]*shardState)
	}
	state, ok := s.states[id]
	if !ok {
		state = &shardState{}
		s.states[id] = state
	}
	return state
}

// Streamer consumes the ledger's journal stream and keeps the replica up to
// date with it.
type Streamer struct {
	ledgerName string
	store      db.StreamStore
	applier    revisionApplier
}

// run consumes the stream until ctx is done, restarting the consumer with
// exponential backoff whenever it fails.
func (s *Streamer) run(ctx context.Context, name string, startAtTimestamp time.Time) {
	for attempt := 0; ctx.Err() == nil; attempt++ {
		err := s.scan(ctx, name, startAtTimestamp)
		if ctx.Err() != nil {
			return
		}
		util.Log().Errorf("stream consumer error: %v", err)

		delay := time.Duration(math.Min(60, math.Pow(2, float64(attempt)))) * time.Second
		util.Log().Infof("iteration %d of stream consumer, sleeping %s", attempt, delay)
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
	}
}

// scan runs one instance of the consumer. It returns once the consumer fails
// and every record it handed out has stopped being applied.
func (s *Streamer) scan(ctx context.Context, name string, startAtTimestamp time.Time) error {
	c, err := consumer.New(
		name,
		consumer.WithLogger(kinesisLogger{}),
		consumer.WithCounter(metricsCounter{}),
		consumer.WithStore(s.store),
		consumer.WithShardIteratorType(string(kinesistypes.ShardIteratorTypeAtTimestamp)),
		consumer.WithTimestamp(startAtTimestamp),
	)
	if err != nil {
		return fmt.Errorf("stream consumer initialization: %w", err)
	}

	// Applies still running when the consumer stops are abandoned; their
	// records were never checkpointed and are read again on the next scan.
	var inFlight sync.WaitGroup
	defer inFlight.Wait()
	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	tracked := &shards{}
	return c.Scan(scanCtx, func(r *consumer.Record) error {
		state := tracked.get(r.ShardID)
		state.sinceLast++
		state.pending.Add(1)
		inFlight.Add(1)
		// Records of a shard are applied concurrently, so revisions of a
		// document can reach the replica out of order. Replica stores treat
		// the highest version as the latest.
		go func(data []byte) {
			defer inFlight.Done()
			defer state.pending.Done()
			s.applyUntilDone(scanCtx, data)
		}(dup(r.Data))

		if state.sinceLast < checkpointInterval {
			return consumer.ErrSkipCheckpoint
		}
		// A checkpoint must not pass a record that is missing from the
		// replica.
		state.pending.Wait()
		if err := scanCtx.Err(); err != nil {
			return err
		}
		state.sinceLast = 0
		return nil
	})
}

// applyUntilDone retries a record until it applies or ctx is done.
func (s *Streamer) applyUntilDone(ctx context.Context, data []byte) {
	for {
		err := s.apply(ctx, data)
		if err == nil {
			return
		}
		util.Log().Infof("failed to apply journal record: %v", err)
		metrics.IncrCounter([]string{withinStream, "errors"}, 1)
		select {
		case <-ctx.Done():
			return
		case <-time.After(3 * time.Second):
		}
	}
}

// apply decodes one journal record and hands its revision to the applier.
// Records that belong to another ledger, or that can never be decoded, are
// dropped.
func (s *Streamer) apply(ctx context.Context, data []byte) (err error) {
	rec, err := local.ParseJournalRecord(data)
	if err != nil {
		util.Log().Warnf("skipping journal record: %v", err)
		metrics.IncrCounterWithLabels([]string{withinStream, "records_skipped"}, 1, []metrics.Label{{Name: "reason", Value: "malformed"}})
		return nil
	} else if rec.LedgerName != s.ledgerName {
		metrics.IncrCounterWithLabels([]string{withinStream, "records_skipped"}, 1, []metrics.Label{{Name: "reason", Value: "ledger"}})
		return nil
	}

	defer func() {
		metrics.IncrCounterWithLabels([]string{withinStream, "records_applied"}, 1, []metrics.Label{successLabel(err)})
	}()
	return s.applier.ApplyRevision(ctx, rec.Revision, rec.Digest)
}

func dup(in []byte) []byte {
	if in == nil {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}
