package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const defaultDynamoDBAttempts = 5

// DynamoDBAPI is the subset of the DynamoDB client used by DynamoDBStore
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoDBStore keeps bucket state in a DynamoDB table.
// Each update is a consistent read followed by a PutItem conditioned on
// the version that was read, so concurrent writers to one bucket are
// serialized by DynamoDB and the loser retries against fresh state.
type DynamoDBStore struct {
	client           DynamoDBAPI
	tableName        string
	operationTimeout time.Duration
	maxAttempts      int
}

// dynamoDBItem represents a bucket in DynamoDB
type dynamoDBItem struct {
	Key        string  `dynamodbav:"key"`         // Partition key
	Tokens     float64 `dynamodbav:"tokens"`      // Available tokens
	LastRefill float64 `dynamodbav:"last_refill"` // Epoch ms
	Version    int64   `dynamodbav:"version"`     // Optimistic lock
	ExpiresAt  int64   `dynamodbav:"expires_at"`  // TTL for automatic cleanup (Unix seconds)
}

// DynamoDBConfig contains configuration for DynamoDB storage.
type DynamoDBConfig struct {
	Table            string
	Region           string
	Endpoint         string // optional, e.g. DynamoDB Local
	OperationTimeout time.Duration
}

// NewDynamoDBStore creates a DynamoDB-backed bucket store
func NewDynamoDBStore(ctx context.Context, cfg DynamoDBConfig) (*DynamoDBStore, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return NewDynamoDBStoreFromClient(client, cfg.Table, cfg.OperationTimeout), nil
}

// NewDynamoDBStoreFromClient wraps an existing client
func NewDynamoDBStoreFromClient(client DynamoDBAPI, tableName string, operationTimeout time.Duration) *DynamoDBStore {
	return &DynamoDBStore{
		client:           client,
		tableName:        tableName,
		operationTimeout: operationTimeout,
		maxAttempts:      defaultDynamoDBAttempts,
	}
}

// Connect verifies the table exists and is reachable
func (d *DynamoDBStore) Connect(ctx context.Context) error {
	return d.Ping(ctx)
}

// CheckAndConsume applies refill-then-debit with a conditional write
func (d *DynamoDBStore) CheckAndConsume(ctx context.Context, scope, identifier string, policy Policy, cost float64, now time.Time) (Decision, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	key := BucketKey(scope, identifier)
	nowMs := toMillis(now)

	for attempt := 0; attempt < d.maxAttempts; attempt++ {
		item, found, err := d.getItem(ctx, key)
		if err != nil {
			return Decision{}, err
		}

		state := BucketState{Tokens: item.Tokens, LastRefill: item.LastRefill}
		out := consume(&state, found, policy, nowMs, cost)

		next := dynamoDBItem{
			Key:        key,
			Tokens:     state.Tokens,
			LastRefill: state.LastRefill,
			Version:    item.Version + 1,
			ExpiresAt:  now.Add(policy.TTL()).Unix(),
		}

		err = d.putItem(ctx, next, item.Version, found)
		if err == nil {
			return out.decision(policy, state.Tokens, SourceDistributed), nil
		}

		var conflict *types.ConditionalCheckFailedException
		if !errors.As(err, &conflict) {
			return Decision{}, fmt.Errorf("failed to put item to DynamoDB: %w", err)
		}
	}

	return Decision{}, fmt.Errorf("%w: %s", ErrContention, key)
}

// Peek reads a bucket without mutating it
func (d *DynamoDBStore) Peek(ctx context.Context, scope, identifier string) (BucketState, bool, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	item, found, err := d.getItem(ctx, BucketKey(scope, identifier))
	if err != nil || !found {
		return BucketState{}, false, err
	}
	return BucketState{Tokens: item.Tokens, LastRefill: item.LastRefill}, true, nil
}

// Reset deletes a bucket
func (d *DynamoDBStore) Reset(ctx context.Context, scope, identifier string) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.tableName),
		Key: map[string]types.AttributeValue{
			"key": &types.AttributeValueMemberS{Value: BucketKey(scope, identifier)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete item from DynamoDB: %w", err)
	}
	return nil
}

// Ping checks if DynamoDB is accessible
func (d *DynamoDBStore) Ping(ctx context.Context) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	_, err := d.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(d.tableName),
	})
	if err != nil {
		return fmt.Errorf("DynamoDB health check failed: %w", err)
	}
	return nil
}

// Close is a no-op; the DynamoDB client holds no connection
func (d *DynamoDBStore) Close() error {
	return nil
}

func (d *DynamoDBStore) getItem(ctx context.Context, key string) (dynamoDBItem, bool, error) {
	result, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.tableName),
		Key: map[string]types.AttributeValue{
			"key": &types.AttributeValueMemberS{Value: key},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return dynamoDBItem{}, false, fmt.Errorf("failed to get item from DynamoDB: %w", err)
	}
	if result.Item == nil {
		return dynamoDBItem{}, false, nil
	}

	var item dynamoDBItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return dynamoDBItem{}, false, fmt.Errorf("failed to unmarshal DynamoDB item: %w", err)
	}
	return item, true, nil
}

func (d *DynamoDBStore) putItem(ctx context.Context, item dynamoDBItem, readVersion int64, existed bool) error {
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("failed to marshal DynamoDB item: %w", err)
	}

	input := &dynamodb.PutItemInput{
		TableName: aws.String(d.tableName),
		Item:      av,
		ExpressionAttributeNames: map[string]string{
			"#k": "key",
		},
	}
	if existed {
		input.ConditionExpression = aws.String("#v = :v")
		input.ExpressionAttributeNames = map[string]string{"#v": "version"}
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberN{Value: strconv.FormatInt(readVersion, 10)},
		}
	} else {
		input.ConditionExpression = aws.String("attribute_not_exists(#k)")
	}

	_, err = d.client.PutItem(ctx, input)
	return err
}

func (d *DynamoDBStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.operationTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.operationTimeout)
}
