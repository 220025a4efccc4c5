//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

// Package config parses the YAML configuration shared by the evidence server
// and client.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/signalapp/evidenceledger/db"
	"github.com/signalapp/evidenceledger/evidence"
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultVerifyTimeout  = 30 * time.Second
	defaultCommitTimeout  = 5 * time.Second

	defaultJournalCacheSize  = 20000
	defaultRevisionCacheSize = 2000
)

// envstr is a string in the YAML config file that expands environment variables
// when parsed.
type envstr string

func (es *envstr) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	*es = envstr(os.ExpandEnv(s))
	return nil
}

func (es envstr) String() string { return string(es) }

// Config specifies the file format of config files.
type Config struct {
	APIConfig *APIConfig `yaml:"api"`

	LogOutputFile string `yaml:"log-output"`
	MetricsAddr   string `yaml:"metrics-addr"`
	DatadogAddr   string `yaml:"datadog-addr"`
	HealthAddr    string `yaml:"health-addr"`

	LedgerConfig   *LedgerConfig   `yaml:"ledger"`
	DatabaseConfig *DatabaseConfig `yaml:"db"`
	ReplicaConfig  *ReplicaConfig  `yaml:"replica"`
	ContentConfig  *ContentConfig  `yaml:"content"`
	StreamConfig   *StreamConfig   `yaml:"stream"`
	CacheConfig    *CacheConfig    `yaml:"cache"`
}

type CacheConfig struct {
	JournalSize  int `yaml:"journal-size"`
	RevisionSize int `yaml:"revision-size"`
}

type APIConfig struct {
	ServerAddr string `yaml:"server-addr"`
	// a map of headers to a list of authorized values. at least one header to value mapping must be present on client requests
	AuthorizedHeaders map[string][]string `yaml:"authorized-headers"`

	RequestTimeout time.Duration `yaml:"request-timeout"`
	VerifyTimeout  time.Duration `yaml:"verify-timeout"`

	// Bucket that submitted content is written to.
	ContentBucket envstr `yaml:"content-bucket"`
	// Write the replica synchronously after every commit instead of waiting
	// for the journal stream.
	SyncReplica bool `yaml:"sync-replica"`
}

func (config *APIConfig) ServiceConfig() evidence.ServiceConfig {
	return evidence.ServiceConfig{
		ContentBucket: config.ContentBucket.String(),
		SyncReplica:   config.SyncReplica,
	}
}

type LedgerConfig struct {
	Name          envstr        `yaml:"name"`
	StrandID      envstr        `yaml:"strand-id"`
	CommitTimeout time.Duration `yaml:"commit-timeout"`
}

type StreamConfig struct {
	Name envstr `yaml:"name"`
	// If CheckpointTable is not provided, checkpoints are kept in the ledger
	// database.
	CheckpointTable envstr        `yaml:"checkpoint-table"`
	InitialHorizon  time.Duration `yaml:"initial-horizon"`
}

type DatabaseConfig struct {
	// LevelDB
	File string `yaml:"file"`

	// DynamoDB
	Table    envstr `yaml:"table"`
	Parallel int    `yaml:"parallel"`
}

func (config *DatabaseConfig) Validate() error {
	if config == nil {
		return fmt.Errorf("field not provided: db")
	}

	level := config.File != ""
	dynamo := config.Table != "" && config.Parallel != 0

	if !level && !dynamo {
		return fmt.Errorf("no database connection information provided")
	} else if level && dynamo {
		return fmt.Errorf("can not provide both leveldb and dynamodb connections")
	}
	return nil
}

func (config *DatabaseConfig) Connect() (db.LedgerStore, error) {
	if config.File != "" {
		return db.NewLDBLedgerStore(config.File)
	}
	return db.NewDynamoDBLedgerStore(config.Table.String(), config.Parallel)
}

type ReplicaConfig struct {
	Memory bool   `yaml:"memory"`
	File   string `yaml:"file"`
	Table  envstr `yaml:"table"`
}

func (config *ReplicaConfig) Validate() error {
	if config == nil {
		return fmt.Errorf("field not provided: replica")
	} else if count(config.Memory, config.File != "", config.Table != "") != 1 {
		return fmt.Errorf("exactly one of replica.memory, replica.file, replica.table must be provided")
	}
	return nil
}

func (config *ReplicaConfig) Connect() (evidence.ReplicaStore, error) {
	switch {
	case config.Memory:
		return db.NewMemoryReplicaStore(), nil
	case config.File != "":
		return db.NewLDBReplicaStore(config.File)
	default:
		return db.NewDynamoDBReplicaStore(config.Table.String())
	}
}

type ContentConfig struct {
	Memory bool   `yaml:"memory"`
	File   string `yaml:"file"`
	S3     bool   `yaml:"s3"`
}

func (config *ContentConfig) Validate() error {
	if config == nil {
		return fmt.Errorf("field not provided: content")
	} else if count(config.Memory, config.File != "", config.S3) != 1 {
		return fmt.Errorf("exactly one of content.memory, content.file, content.s3 must be provided")
	}
	return nil
}

func (config *ContentConfig) Connect() (evidence.ContentStore, error) {
	switch {
	case config.Memory:
		return db.NewMemoryContentStore(), nil
	case config.File != "":
		return db.NewLDBContentStore(config.File)
	default:
		return db.NewS3ContentStore()
	}
}

func count(opts ...bool) int {
	n := 0
	for _, opt := range opts {
		if opt {
			n++
		}
	}
	return n
}

func Read(filename string) (*Config, error) {
	// Read from file and parse.
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	var parsed Config
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, err
	}

	// Check that all required fields are populated.
	if parsed.APIConfig == nil {
		return nil, fmt.Errorf("field not provided: api")
	} else if parsed.APIConfig.ServerAddr == "" {
		return nil, fmt.Errorf("field not provided: api.server-addr")
	} else if len(parsed.APIConfig.AuthorizedHeaders) == 0 {
		return nil, fmt.Errorf("field not provided: api.authorized-headers")
	} else if parsed.APIConfig.ContentBucket == "" {
		return nil, fmt.Errorf("field not provided: api.content-bucket")
	} else if parsed.MetricsAddr == "" {
		return nil, fmt.Errorf("field not provided: metrics-addr")
	} else if parsed.HealthAddr == "" {
		return nil, fmt.Errorf("field not provided: health-addr")
	} else if parsed.LedgerConfig == nil {
		return nil, fmt.Errorf("field not provided: ledger")
	} else if parsed.LedgerConfig.Name == "" {
		return nil, fmt.Errorf("field not provided: ledger.name")
	} else if parsed.LedgerConfig.StrandID == "" {
		return nil, fmt.Errorf("field not provided: ledger.strand-id")
	} else if err := parsed.DatabaseConfig.Validate(); err != nil {
		return nil, err
	} else if err := parsed.ReplicaConfig.Validate(); err != nil {
		return nil, err
	} else if err := parsed.ContentConfig.Validate(); err != nil {
		return nil, err
	}

	for header, values := range parsed.APIConfig.AuthorizedHeaders {
		if len(values) == 0 {
			return nil, fmt.Errorf("header %s has no authorized values", header)
		}
	}

	if parsed.StreamConfig != nil {
		if parsed.StreamConfig.Name == "" {
			return nil, fmt.Errorf("field not provided: stream.name")
		} else if parsed.StreamConfig.InitialHorizon == 0 {
			return nil, fmt.Errorf("field not provided: stream.initial-horizon")
		}
	}

	if parsed.APIConfig.RequestTimeout == 0 {
		parsed.APIConfig.RequestTimeout = defaultRequestTimeout
	}
	if parsed.APIConfig.VerifyTimeout == 0 {
		parsed.APIConfig.VerifyTimeout = defaultVerifyTimeout
	}
	if parsed.LedgerConfig.CommitTimeout == 0 {
		parsed.LedgerConfig.CommitTimeout = defaultCommitTimeout
	}

	// If unspecified, use default cache sizes
	if parsed.CacheConfig == nil {
		parsed.CacheConfig = &CacheConfig{
			JournalSize:  defaultJournalCacheSize,
			RevisionSize: defaultRevisionCacheSize,
		}
	}

	if parsed.CacheConfig.JournalSize == 0 {
		parsed.CacheConfig.JournalSize = defaultJournalCacheSize
	}

	if parsed.CacheConfig.RevisionSize == 0 {
		parsed.CacheConfig.RevisionSize = defaultRevisionCacheSize
	}

	return &parsed, nil
}

// ReadClient parses a config file for use by the client, which only needs
// the API section.
func ReadClient(filename string) (*Config, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	var parsed Config
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, err
	}
	if parsed.APIConfig == nil {
		return nil, fmt.Errorf("field not provided: api")
	}
	return &parsed, nil
}
