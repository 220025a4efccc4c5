//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package db

import (
	"sync/atomic"

	metrics "github.com/hashicorp/go-metrics"
	lru "github.com/hashicorp/golang-lru/v2"
)

func countCacheHit(typ string, hit bool) {
	lbls := []metrics.Label{{Name: "type", Value: typ}}
	var name []string
	if hit {
		name = []string{"lru", "cache_hit"}
	} else {
		name = []string{"lru", "cache_miss"}
	}
	metrics.IncrCounterWithLabels(name, 1, lbls)
}

const (
	RecordCache = 1 << iota
	JournalCache
	HeadCache
)

type Bitmask uint32

// cachedLedgerStore puts LRU caches in front of a LedgerStore. Only data that
// never changes once committed is cached: blocks, revisions and journal nodes.
// Blocks and revisions written by a commit that fails may be rewritten, so
// they enter the cache only once Commit succeeds.
type cachedLedgerStore struct {
	db LedgerStore

	pending map[string][]byte

	head         *atomic.Pointer[LedgerHead]
	recordCache  *lru.Cache[string, []byte]
	journalCache *lru.Cache[uint64, []byte]
}

func NewCachedLedgerStore(db LedgerStore, cachesToEnable Bitmask, recordCacheSize, journalCacheSize int) LedgerStore {
	cache := &cachedLedgerStore{db: db, pending: make(map[string][]byte)}

	var err error
	if cachesToEnable&RecordCache != 0 {
		cache.recordCache, err = lru.New[string, []byte](recordCacheSize)
		if err != nil {
			panic(err)
		}
	}

	if cachesToEnable&JournalCache != 0 {
		cache.journalCache, err = lru.New[uint64, []byte](journalCacheSize)
		if err != nil {
			panic(err)
		}
	}

	if cachesToEnable&HeadCache != 0 {
		cache.head = &atomic.Pointer[LedgerHead]{}
	}

	return cache
}

func (c *cachedLedgerStore) GetHead() (*LedgerHead, error) {
	if c.head != nil {
		if head := c.head.Load(); head != nil {
			countCacheHit("head", true)
			return head.Clone(), nil
		}
		countCacheHit("head", false)
	}

	head, err := c.db.GetHead()
	if err != nil {
		return nil, err
	}

	if c.head != nil {
		c.head.Store(head.Clone())
	}

	return head, nil
}

func (c *cachedLedgerStore) Get(key string) ([]byte, error) {
	cacheable := c.recordCache != nil && immutableKey(key)
	if cacheable {
		if val, ok := c.recordCache.Get(key); ok {
			countCacheHit("record", true)
			return dup(val), nil
		}
		countCacheHit("record", false)
	}

	val, err := c.db.Get(key)
	if err != nil {
		return nil, err
	}

	if _, ok := c.pending[key]; cacheable && val != nil && !ok {
		c.recordCache.ContainsOrAdd(key, dup(val))
	}

	return val, nil
}

func (c *cachedLedgerStore) Put(key string, data []byte) {
	if c.recordCache != nil && immutableKey(key) {
		c.recordCache.Remove(key)
		c.pending[key] = dup(data)
	}
	c.db.Put(key, data)
}

func (c *cachedLedgerStore) JournalStore() JournalStore {
	return &cachedJournalStore{
		db:    c.db.JournalStore(),
		cache: c.journalCache,
	}
}

func (c *cachedLedgerStore) StreamStore() StreamStore { return c.db.StreamStore() }

func (c *cachedLedgerStore) Commit(head *LedgerHead) error {
	err := c.db.Commit(head)
	if err == nil {
		for key, val := range c.pending {
			c.recordCache.Add(key, val)
		}
	}
	c.pending = make(map[string][]byte)
	if c.head != nil {
		if err == nil {
			c.head.Store(head.Clone())
		} else {
			c.head.Store(nil)
		}
	}
	return err
}

type cachedJournalStore struct {
	db    JournalStore
	cache *lru.Cache[uint64, []byte]
}

func (c *cachedJournalStore) BatchGet(keys []uint64) (map[uint64][]byte, error) {
	remaining := make([]uint64, 0)
	data := make(map[uint64][]byte)

	if c.cache != nil {
		for _, key := range keys {
			if val, ok := c.cache.Get(key); ok {
				countCacheHit("journal", true)
				data[key] = dup(val)
			} else {
				countCacheHit("journal", false)
				remaining = append(remaining, key)
			}
		}
	} else {
		remaining = keys
	}

	if len(remaining) > 0 {
		partial, err := c.db.BatchGet(remaining)
		if err != nil {
			return nil, err
		}
		for key, val := range partial {
			if c.cache != nil {
				c.cache.ContainsOrAdd(key, dup(val))
			}
			data[key] = val
		}
	}

	return data, nil
}

func (c *cachedJournalStore) BatchPut(data map[uint64][]byte) {
	if c.cache != nil {
		for key, val := range data {
			c.cache.Add(key, dup(val))
		}
	}
	c.db.BatchPut(data)
}
