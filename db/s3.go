//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package db

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	metrics "github.com/hashicorp/go-metrics"

	"github.com/signalapp/evidenceledger/evidence"
)

func countS3Request(op string, err error) {
	metrics.IncrCounterWithLabels([]string{"s3", "requests"}, 1, []metrics.Label{
		{Name: "op", Value: op},
		{Name: "success", Value: fmt.Sprint(err == nil)},
	})
}

// s3ContentStore implements evidence.ContentStore over S3. Locations use the
// "s3" scheme.
type s3ContentStore struct {
	conn *s3.Client
}

func NewS3ContentStore() (evidence.ContentStore, error) {
	cfg, err := LoadAWSConfig(context.Background())
	if err != nil {
		return nil, err
	}
	return &s3ContentStore{s3.NewFromConfig(cfg)}, nil
}

func (cs *s3ContentStore) Get(ctx context.Context, bucket, key string) (data []byte, err error) {
	defer func() { countS3Request("get", err) }()

	out, err := cs.conn.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	defer out.Body.Close()

	data, err = io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading s3://%s/%s: %w", bucket, key, err)
	}
	return data, nil
}

func (cs *s3ContentStore) Put(ctx context.Context, bucket, key string, data []byte) (loc string, err error) {
	defer func() { countS3Request("put", err) }()

	_, err = cs.conn.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return "", err
	}
	return location("s3", bucket, key), nil
}

func (cs *s3ContentStore) Delete(ctx context.Context, bucket, key string) (err error) {
	defer func() { countS3Request("delete", err) }()

	_, err = cs.conn.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	return err
}
