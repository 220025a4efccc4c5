//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReadFull(t *testing.T) {
	t.Setenv("EVIDENCE_TEST_TOKEN", "secret-token")
	t.Setenv("EVIDENCE_TEST_LEDGER", "evidence-prod")

	cfg, err := Read("testdata/full.yaml")
	if err != nil {
		t.Fatal(err)
	}

	assert.Equal(t, []string{"secret-token"}, cfg.APIConfig.AuthorizedHeaders["authorization"])
	assert.Equal(t, "evidence-prod", cfg.LedgerConfig.Name.String())
	assert.Equal(t, "strand-1", cfg.LedgerConfig.StrandID.String())
	assert.Equal(t, 45*time.Second, cfg.APIConfig.VerifyTimeout)
	assert.Equal(t, defaultRequestTimeout, cfg.APIConfig.RequestTimeout)
	assert.Equal(t, defaultCommitTimeout, cfg.LedgerConfig.CommitTimeout)

	assert.Equal(t, "evidence-ledger", cfg.DatabaseConfig.Table.String())
	assert.Equal(t, 8, cfg.DatabaseConfig.Parallel)
	assert.Equal(t, "evidence-replica", cfg.ReplicaConfig.Table.String())
	assert.True(t, cfg.ContentConfig.S3)
	assert.Equal(t, time.Hour, cfg.StreamConfig.InitialHorizon)

	assert.Equal(t, 500, cfg.CacheConfig.JournalSize)
	assert.Equal(t, defaultRevisionCacheSize, cfg.CacheConfig.RevisionSize)

	svc := cfg.APIConfig.ServiceConfig()
	assert.Equal(t, "evidence-content", svc.ContentBucket)
	assert.False(t, svc.SyncReplica)
}

func TestReadLocal(t *testing.T) {
	cfg, err := Read("testdata/local.yaml")
	if err != nil {
		t.Fatal(err)
	}

	assert.Nil(t, cfg.StreamConfig)
	assert.True(t, cfg.ReplicaConfig.Memory)
	assert.Equal(t, "/tmp/evidence-content.db", cfg.ContentConfig.File)
	assert.True(t, cfg.APIConfig.ServiceConfig().SyncReplica)
	assert.Equal(t, &CacheConfig{JournalSize: defaultJournalCacheSize, RevisionSize: defaultRevisionCacheSize}, cfg.CacheConfig)
}

var testReadErrors = []struct {
	file string
	err  string
}{
	{"testdata/two-databases.yaml", "can not provide both leveldb and dynamodb connections"},
	{"testdata/two-replicas.yaml", "exactly one of replica.memory"},
	{"testdata/missing-ledger.yaml", "field not provided: ledger"},
	{"testdata/missing-horizon.yaml", "field not provided: stream.initial-horizon"},
	{"testdata/client.yaml", "field not provided: api.server-addr"},
	{"testdata/does-not-exist.yaml", "no such file"},
}

func TestReadErrors(t *testing.T) {
	for _, tc := range testReadErrors {
		_, err := Read(tc.file)
		if err == nil {
			t.Fatalf("%s: expected error", tc.file)
		} else if !strings.Contains(err.Error(), tc.err) {
			t.Fatalf("%s: unexpected error: %v", tc.file, err)
		}
	}
}

func TestReadClient(t *testing.T) {
	cfg, err := ReadClient("testdata/client.yaml")
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, map[string][]string{"authorization": {"local-token"}}, cfg.APIConfig.AuthorizedHeaders)
}

var testDatabaseConfigs = []struct {
	config DatabaseConfig
	valid  bool
}{
	{DatabaseConfig{File: "ledger.db"}, true},
	{DatabaseConfig{Table: "ledger", Parallel: 4}, true},
	{DatabaseConfig{Table: "ledger"}, false},
	{DatabaseConfig{}, false},
}

func TestDatabaseConfigValidate(t *testing.T) {
	for i, tc := range testDatabaseConfigs {
		err := tc.config.Validate()
		if tc.valid && err != nil {
			t.Fatalf("%d: unexpected error: %v", i, err)
		} else if !tc.valid && err == nil {
			t.Fatalf("%d: expected error", i)
		}
	}

	var missing *DatabaseConfig
	assert.EqualError(t, missing.Validate(), "field not provided: db")
}

func TestConnectMemory(t *testing.T) {
	replica, err := (&ReplicaConfig{Memory: true}).Connect()
	assert.Nil(t, err)
	assert.NotNil(t, replica)

	content, err := (&ContentConfig{Memory: true}).Connect()
	assert.Nil(t, err)
	assert.NotNil(t, content)
}
