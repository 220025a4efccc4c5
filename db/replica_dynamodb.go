//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package db

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	metrics "github.com/hashicorp/go-metrics"

	"github.com/signalapp/evidenceledger/evidence"
)

const (
	attrEvidenceID = "evidenceId"
	attrVersion    = "version"
)

// ddbReplicaStore implements evidence.ReplicaStore over a DynamoDB table with
// partition key evidenceId (S) and sort key version (N).
type ddbReplicaStore struct {
	conn  *dynamodb.Client
	table string
}

func NewDynamoDBReplicaStore(table string) (evidence.ReplicaStore, error) {
	cfg, err := LoadAWSConfig(context.Background())
	if err != nil {
		return nil, err
	}
	return &ddbReplicaStore{dynamodb.NewFromConfig(cfg), table}, nil
}

func (rs *ddbReplicaStore) GetByID(ctx context.Context, id string, version *uint64) (rec *evidence.Record, err error) {
	start := time.Now()
	defer func() {
		metrics.MeasureSinceWithLabels([]string{"dynamodb", "replica_get_duration"}, start, []metrics.Label{
			{Name: "latest", Value: fmt.Sprint(version == nil)},
			{Name: "success", Value: fmt.Sprint(err == nil)},
		})
	}()

	var item map[string]types.AttributeValue
	if version != nil {
		out, err := rs.conn.GetItem(ctx, &dynamodb.GetItemInput{
			TableName: aws.String(rs.table),
			Key: map[string]types.AttributeValue{
				attrEvidenceID: &types.AttributeValueMemberS{Value: id},
				attrVersion:    &types.AttributeValueMemberN{Value: strconv.FormatUint(*version, 10)},
			},
		})
		if err != nil {
			return nil, err
		}
		item = out.Item
	} else {
		keyCond := expression.Key(attrEvidenceID).Equal(expression.Value(id))
		expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
		if err != nil {
			return nil, err
		}
		out, err := rs.conn.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(rs.table),
			KeyConditionExpression:    expr.KeyCondition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ScanIndexForward:          aws.Bool(false),
			Limit:                     aws.Int32(1),
		})
		if err != nil {
			return nil, err
		} else if len(out.Items) > 0 {
			item = out.Items[0]
		}
	}
	metrics.IncrCounter([]string{"dynamodb", "read_capacity"}, 1)

	if len(item) == 0 {
		return nil, nil
	}
	rec = &evidence.Record{}
	if err := attributevalue.UnmarshalMap(item, rec); err != nil {
		return nil, fmt.Errorf("decoding replica record %s: %w", id, err)
	}
	return rec, nil
}

func (rs *ddbReplicaStore) Put(ctx context.Context, rec *evidence.Record) error {
	version, err := replicaVersion(rec)
	if err != nil {
		return err
	}
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("encoding replica record %s: %w", rec.EvidenceID, err)
	}
	item[attrVersion] = &types.AttributeValueMemberN{Value: strconv.FormatUint(version, 10)}

	_, err = rs.conn.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(rs.table),
		Item:      item,
	})
	if err != nil {
		return err
	}
	metrics.IncrCounter([]string{"dynamodb", "write_capacity"}, 1)
	return nil
}
