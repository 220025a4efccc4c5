//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package local

import (
	"context"
	"time"

	metrics "github.com/hashicorp/go-metrics"
)

const (
	exportQueueSize  = 4096
	exportTimeout    = 30 * time.Second
	exportMinBackoff = 250 * time.Millisecond
	exportMaxBackoff = 30 * time.Second
)

// exporter hands committed revisions to a Publisher from its own goroutine,
// so a slow or failing publisher does not hold up commits. Records are
// published one at a time in commit order, and each is retried until it is
// published or the exporter stops.
type exporter struct {
	publisher Publisher
	queue     chan *JournalRecord

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	minBackoff, maxBackoff time.Duration
}

func newExporter(publisher Publisher) *exporter {
	ctx, cancel := context.WithCancel(context.Background())
	e := &exporter{
		publisher: publisher,
		queue:     make(chan *JournalRecord, exportQueueSize),

		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),

		minBackoff: exportMinBackoff,
		maxBackoff: exportMaxBackoff,
	}
	go e.run()
	return e
}

// enqueue adds rec to the queue, waiting for room if it is full. It reports
// false if the exporter stopped first.
func (e *exporter) enqueue(rec *JournalRecord) bool {
	select {
	case e.queue <- rec:
		metrics.SetGauge([]string{"ledger", "journal_export_queue"}, float32(len(e.queue)))
		return true
	case <-e.ctx.Done():
		metrics.IncrCounter([]string{"ledger", "journal_exports_dropped"}, 1)
		return false
	}
}

func (e *exporter) run() {
	defer close(e.done)
	for {
		select {
		case <-e.ctx.Done():
			return
		case rec := <-e.queue:
			if !e.publish(rec) {
				return
			}
		}
	}
}

// publish retries rec with exponential backoff until it is published. It
// reports false if the exporter stopped first.
func (e *exporter) publish(rec *JournalRecord) bool {
	backoff := e.minBackoff
	for {
		ctx, cancel := context.WithTimeout(e.ctx, exportTimeout)
		err := e.publisher.Publish(ctx, rec)
		cancel()
		metrics.IncrCounterWithLabels([]string{"ledger", "journal_exports"}, 1, []metrics.Label{successLabel(err)})
		if err == nil {
			return true
		}

		select {
		case <-e.ctx.Done():
			metrics.IncrCounter([]string{"ledger", "journal_exports_dropped"}, 1)
			return false
		case <-time.After(backoff):
		}
		backoff = min(2*backoff, e.maxBackoff)
	}
}

// stop abandons every record that has not been published yet.
func (e *exporter) stop() {
	e.cancel()
	<-e.done
	if n := len(e.queue); n > 0 {
		metrics.IncrCounter([]string{"ledger", "journal_exports_dropped"}, float32(n))
	}
}
