//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package db

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/ratelimit"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	metrics "github.com/hashicorp/go-metrics"
	"golang.org/x/sync/errgroup"
)

const (
	// readBatchTarget is how many keys a read batch aims for. A request that
	// has been dequeued must be served, so this stays below the
	// BatchGetItem limit of maxReadBatch.
	readBatchTarget = 90
	maxReadBatch    = 100
	maxWriteBatch   = 25
	keyLabel        = "k"
	valueLabel      = "v"
	headKey         = "root"
)

type readRequest struct {
	keys []string
	data map[string][]byte
	done chan error
}

func item(key string, value []byte) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		keyLabel:   &types.AttributeValueMemberS{Value: key},
		valueLabel: &types.AttributeValueMemberB{Value: value},
	}
}

// ddbConn wraps a DynamoDB table of key/value items. Reads from concurrent
// callers are coalesced into BatchGetItem calls, and writes are buffered
// until Commit.
type ddbConn struct {
	conn     *dynamodb.Client
	table    string
	parallel int
	reads    chan readRequest
	// The ledger serializes writers against readers, so pending is never read
	// and written concurrently.
	pending map[string][]byte
}

func newDDBConn(conn *dynamodb.Client, table string, parallel int) *ddbConn {
	c := &ddbConn{
		conn:     conn,
		table:    table,
		parallel: parallel,
		reads:    make(chan readRequest, 100),
		pending:  make(map[string][]byte),
	}

	// One goroutine assembles batches so they are as large as possible, and
	// `parallel` workers send them. DynamoDB does not speak HTTP/2, so a
	// request per caller would open a connection per caller.
	batches := make(chan []readRequest)
	go func() {
		for {
			batches <- c.nextBatch()
		}
	}()
	for i := 0; i < parallel; i++ {
		go func() {
			for reqs := range batches {
				err := c.serve(reqs)
				for _, req := range reqs {
					req.done <- err
				}
			}
		}()
	}

	return c
}

// nextBatch blocks for one read request and then takes whatever else is
// queued, up to readBatchTarget keys.
func (c *ddbConn) nextBatch() []readRequest {
	first := <-c.reads
	reqs, total := []readRequest{first}, len(first.keys)

	for total < readBatchTarget {
		select {
		case req := <-c.reads:
			reqs = append(reqs, req)
			total += len(req.keys)
		default:
			return reqs
		}
	}
	return reqs
}

// serve fetches the union of the keys in reqs and copies each value into
// every request that asked for it.
func (c *ddbConn) serve(reqs []readRequest) error {
	wanted := make(map[string][]int)
	for i, req := range reqs {
		for _, key := range req.keys {
			wanted[key] = append(wanted[key], i)
		}
	}
	keys := make([]string, 0, len(wanted))
	for key := range wanted {
		keys = append(keys, key)
	}

	data, err := c.fetch(keys)
	if err != nil {
		return err
	}
	metrics.IncrCounter([]string{"dynamodb", "strongly_consistent_read"}, 1)
	metrics.AddSample([]string{"dynamodb", "batch_size"}, float32(len(keys)))

	for key, val := range data {
		for n, i := range wanted[key] {
			if n == 0 {
				reqs[i].data[key] = val
			} else {
				reqs[i].data[key] = dup(val)
			}
		}
	}
	return nil
}

// fetch reads keys with strongly consistent BatchGetItem calls, resubmitting
// unprocessed keys until every key has been answered.
func (c *ddbConn) fetch(keys []string) (map[string][]byte, error) {
	remaining := make([]map[string]types.AttributeValue, len(keys))
	for i, key := range keys {
		remaining[i] = map[string]types.AttributeValue{keyLabel: &types.AttributeValueMemberS{Value: key}}
	}
	out := make(map[string][]byte, len(keys))
	consistent := true

	for len(remaining) > 0 {
		n := min(len(remaining), maxReadBatch)
		batch := remaining[:n]
		remaining = remaining[n:]

		res, err := c.conn.BatchGetItem(context.Background(), &dynamodb.BatchGetItemInput{
			RequestItems: map[string]types.KeysAndAttributes{c.table: {
				Keys:           batch,
				ConsistentRead: &consistent,
			}},
		})
		if err != nil {
			return nil, err
		}
		unprocessed := res.UnprocessedKeys[c.table].Keys
		remaining = append(remaining, unprocessed...)
		metrics.IncrCounterWithLabels(
			[]string{"dynamodb", "read_capacity"},
			float32(len(batch)-len(unprocessed)),
			[]metrics.Label{{Name: "consistent", Value: fmt.Sprint(consistent)}},
		)

		for _, entry := range res.Responses[c.table] {
			key, ok := entry[keyLabel].(*types.AttributeValueMemberS)
			if !ok {
				return nil, fmt.Errorf("malformed database entry")
			}
			value, ok := entry[valueLabel].(*types.AttributeValueMemberB)
			if !ok {
				return nil, fmt.Errorf("malformed database entry %q", key.Value)
			}
			out[key.Value] = value.Value
		}
	}
	return out, nil
}

// Get reads a single key.
func (c *ddbConn) Get(key string) ([]byte, error) {
	out, err := c.BatchGet([]string{key})
	if err != nil {
		return nil, err
	}
	return out[key], nil
}

// BatchGet reads keys, answering from pending writes where possible. Missing
// keys are absent from the result.
func (c *ddbConn) BatchGet(keys []string) (map[string][]byte, error) {
	data := map[string][]byte{}
	var missing []string
	for _, key := range keys {
		if value, ok := c.pending[key]; ok {
			data[key] = dup(value)
		} else {
			missing = append(missing, key)
		}
	}
	if len(missing) == 0 {
		return data, nil
	}

	start := time.Now()
	req := readRequest{keys: missing, data: data, done: make(chan error, 1)}
	c.reads <- req
	if err := <-req.done; err != nil {
		return nil, err
	}
	metrics.MeasureSinceWithLabels([]string{"dynamodb", "get_duration"}, start, []metrics.Label{
		{Name: "singular", Value: fmt.Sprint(len(keys) == 1)},
	})
	return data, nil
}

func (c *ddbConn) Put(key string, value []byte) {
	c.pending[key] = dup(value)
}

// Commit writes every pending item and then the head, so a reader never sees
// a head that refers to data that is not yet stored. Pending writes are
// dropped whether or not Commit succeeds.
func (c *ddbConn) Commit() error {
	start := time.Now()
	rounds := 0
	defer func() { c.pending = make(map[string][]byte) }()

	reqs := make([]types.WriteRequest, 0, len(c.pending))
	for key, value := range c.pending {
		if key != headKey {
			reqs = append(reqs, types.WriteRequest{PutRequest: &types.PutRequest{Item: item(key, value)}})
		}
	}
	for len(reqs) > 0 {
		rounds++
		var err error
		if reqs, err = c.writeRound(reqs); err != nil {
			return err
		}
	}

	if value, ok := c.pending[headKey]; ok {
		_, err := c.conn.PutItem(context.Background(), &dynamodb.PutItemInput{
			TableName: &c.table,
			Item:      item(headKey, value),
		})
		if err != nil {
			return err
		}
		metrics.IncrCounter([]string{"dynamodb", "write_capacity"}, 1)
	}
	metrics.MeasureSinceWithLabels(
		[]string{"dynamodb", "commit_duration"},
		start,
		[]metrics.Label{{Name: "iters", Value: fmt.Sprint(rounds)}},
	)
	return nil
}

// writeRound sends reqs as concurrent BatchWriteItem calls and returns the
// requests DynamoDB left unprocessed.
func (c *ddbConn) writeRound(reqs []types.WriteRequest) ([]types.WriteRequest, error) {
	var (
		mu          sync.Mutex
		unprocessed []types.WriteRequest
	)
	g := &errgroup.Group{}
	g.SetLimit(max(c.parallel, 1))
	for len(reqs) > 0 {
		n := min(len(reqs), maxWriteBatch)
		batch := reqs[:n]
		reqs = reqs[n:]

		g.Go(func() error {
			res, err := c.conn.BatchWriteItem(context.Background(), &dynamodb.BatchWriteItemInput{
				RequestItems: map[string][]types.WriteRequest{c.table: batch},
			})
			if err != nil {
				return err
			}
			left := res.UnprocessedItems[c.table]
			metrics.IncrCounter([]string{"dynamodb", "write_capacity"}, float32(len(batch)-len(left)))

			mu.Lock()
			unprocessed = append(unprocessed, left...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return unprocessed, nil
}

var (
	adaptiveRetryer = retry.NewAdaptiveMode(func(opts *retry.AdaptiveModeOptions) {
		opts.StandardOptions = append(opts.StandardOptions, func(opts *retry.StandardOptions) {
			// Start with a larger token bucket and reduce the cost for non-timeout errors.
			// The default is 500 and 5, respectively.
			// https://pkg.go.dev/github.com/aws/aws-sdk-go-v2/aws/retry#StandardOptions
			opts.RateLimiter = ratelimit.NewTokenRateLimit(1000)
			opts.RetryCost = 1
			opts.MaxAttempts = 500
			opts.MaxBackoff = time.Minute * 30
		})
	})
)

// LoadAWSConfig loads the default AWS configuration with the retry policy
// shared by every AWS client of the service.
func LoadAWSConfig(ctx context.Context) (aws.Config, error) {
	return config.LoadDefaultConfig(ctx, config.WithRetryer(func() aws.Retryer {
		return adaptiveRetryer
	}))
}

// ddbLedgerStore implements the LedgerStore interface over a DynamoDB
// connection.
type ddbLedgerStore struct {
	conn *ddbConn
}

func NewDynamoDBLedgerStore(table string, parallel int) (LedgerStore, error) {
	cfg, err := LoadAWSConfig(context.Background())
	if err != nil {
		return nil, err
	}
	return &ddbLedgerStore{newDDBConn(dynamodb.NewFromConfig(cfg), table, parallel)}, nil
}

// GetHead fetches and deserializes the latest ledger head from DynamoDB.
func (ddb *ddbLedgerStore) GetHead() (*LedgerHead, error) {
	latest, err := ddb.conn.Get(headKey)
	if err != nil {
		return nil, err
	} else if latest == nil {
		return &LedgerHead{}, nil
	}
	return deserializeLedgerHead(latest)
}

func (ddb *ddbLedgerStore) Get(key string) ([]byte, error) {
	return ddb.conn.Get("t" + key)
}

// Put adds the specified ledger data to the map of outstanding writes.
func (ddb *ddbLedgerStore) Put(key string, data []byte) {
	ddb.conn.Put("t"+key, data)
}

func (ddb *ddbLedgerStore) JournalStore() JournalStore {
	return &ddbJournalStore{ddb.conn}
}

func (ddb *ddbLedgerStore) StreamStore() StreamStore {
	return &ddbStreamStore{ddb.conn.conn, ddb.conn.table}
}

// Commit writes all outstanding data and then the new head.
func (ddb *ddbLedgerStore) Commit(head *LedgerHead) error {
	raw, err := json.Marshal(head)
	if err != nil {
		panic(err)
	}
	ddb.conn.Put(headKey, raw)
	return ddb.conn.Commit()
}

// ddbJournalStore implements the JournalStore interface over DynamoDB.
type ddbJournalStore struct {
	conn *ddbConn
}

func (js *ddbJournalStore) BatchGet(keys []uint64) (map[uint64][]byte, error) {
	sKeys := make([]string, len(keys))
	for i, key := range keys {
		sKeys[i] = "l" + fmt.Sprint(key)
	}
	data, err := js.conn.BatchGet(sKeys)
	if err != nil {
		return nil, err
	}
	out := make(map[uint64][]byte)
	for i, key := range keys {
		if val, ok := data[sKeys[i]]; ok {
			out[key] = val
		}
	}
	return out, nil
}

func (js *ddbJournalStore) BatchPut(data map[uint64][]byte) {
	for key, value := range data {
		js.conn.Put("l"+fmt.Sprint(key), value)
	}
}

// ddbStreamStore implements the StreamStore interface over DynamoDB.
type ddbStreamStore struct {
	conn  *dynamodb.Client
	table string
}

func NewDynamoDBStreamStore(table string) (StreamStore, error) {
	cfg, err := LoadAWSConfig(context.Background())
	if err != nil {
		return nil, err
	}
	return &ddbStreamStore{dynamodb.NewFromConfig(cfg), table}, nil
}

// key returns a map containing a primary key for the specified shard.
func (ss *ddbStreamStore) key(streamName, shardID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		keyLabel: &types.AttributeValueMemberS{
			Value: fmt.Sprintf("stream=%v,shardID=%v", streamName, shardID),
		},
	}
}

// GetCheckpoint returns the last sequence number stored for the specified
// shard, so a restarted consumer continues where it left off.
func (ss *ddbStreamStore) GetCheckpoint(streamName, shardID string) (string, error) {
	consistent := true
	out, err := ss.conn.GetItem(context.Background(), &dynamodb.GetItemInput{
		Key:            ss.key(streamName, shardID),
		TableName:      &ss.table,
		ConsistentRead: &consistent,
	})
	if err != nil {
		return "", err
	}
	metrics.IncrCounterWithLabels(
		[]string{"dynamodb", "read_capacity"},
		1,
		[]metrics.Label{{Name: "consistent", Value: fmt.Sprint(consistent)}},
	)

	if len(out.Item) == 0 {
		return "", nil
	}
	value, ok := out.Item[valueLabel].(*types.AttributeValueMemberB)
	if !ok {
		return "", fmt.Errorf("malformed database entry")
	}
	return string(value.Value), nil
}

// SetCheckpoint stores a sequence number for the specified shard.
func (ss *ddbStreamStore) SetCheckpoint(streamName, shardID string, sequenceNumber string) error {
	item := ss.key(streamName, shardID)
	item[valueLabel] = &types.AttributeValueMemberB{Value: []byte(sequenceNumber)}

	_, err := ss.conn.PutItem(context.Background(), &dynamodb.PutItemInput{
		TableName: &ss.table,
		Item:      item,
	})
	if err != nil {
		return err
	}
	metrics.IncrCounter([]string{"dynamodb", "write_capacity"}, 1)

	return nil
}
