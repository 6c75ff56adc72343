package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/jaimaaruthi/checkout-orchestrator/internal/aws"
)

// Store is the payment-key ledger: one row per idempotency key, claimed by a
// single attempt and resolved to DONE or FAILED. FAILED keys may be reopened.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	ttlWindow time.Duration // default TTL window when creating entries
	nowFunc   func() time.Time
}

// NewStore returns a Store whose entries expire ttlWindow after their last claim.
func NewStore(client aws.DynamoDBAPI, tableName string, ttlWindow time.Duration) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		ttlWindow: ttlWindow,
		nowFunc:   time.Now,
	}
}

// CreateIfNotExists claims key as IN_PROGRESS for attemptID. It reports false
// when the key already exists; the caller inspects it with Get.
func (s *Store) CreateIfNotExists(ctx context.Context, key, attemptID string) (bool, error) {
	now := s.nowFunc().UTC()
	rec := IdempotencyRecord{
		IdempotencyKey: key,
		Status:         StatusInProgress,
		AttemptID:      attemptID,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(s.ttlWindow).Unix(),
	}

	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return false, fmt.Errorf("marshal record: %w", err)
	}

	input := &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(idempotency_key)"),
	}

	_, err = s.client.PutItem(ctx, input)
	if err != nil {
		if isConditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("put item: %w", err)
	}

	return true, nil
}

// Get retrieves an idempotency record by key. If not found, returns (nil, nil).
func (s *Store) Get(ctx context.Context, key string) (*IdempotencyRecord, error) {
	input := &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            s.key(key),
		ConsistentRead: awsBool(true),
	}
	out, err := s.client.GetItem(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec IdempotencyRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return &rec, nil
}

// MarkDone moves IN_PROGRESS -> DONE and stores the backend order id and response.
func (s *Store) MarkDone(ctx context.Context, key, orderID, responseBody string, responseStatus int) error {
	err := s.move(ctx, key, StatusInProgress, StatusDone,
		"order_id = :oid, response_body = :rb, response_status = :rs",
		map[string]types.AttributeValue{
			":oid": &types.AttributeValueMemberS{Value: orderID},
			":rb":  &types.AttributeValueMemberS{Value: responseBody},
			":rs":  &types.AttributeValueMemberN{Value: strconv.Itoa(responseStatus)},
		})
	if err != nil {
		return fmt.Errorf("mark done %s: %w", key, err)
	}
	return nil
}

// MarkFailed moves IN_PROGRESS -> FAILED and stores a note.
func (s *Store) MarkFailed(ctx context.Context, key, note string) error {
	err := s.move(ctx, key, StatusInProgress, StatusFailed,
		"note = :n",
		map[string]types.AttributeValue{
			":n": &types.AttributeValueMemberS{Value: note},
		})
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", key, err)
	}
	return nil
}

// Reopen claims a FAILED key for another try. It returns false when the key
// is not FAILED, i.e. someone else reopened or finished it first.
func (s *Store) Reopen(ctx context.Context, key string) (bool, error) {
	err := s.move(ctx, key, StatusFailed, StatusInProgress,
		"expires_at = :exp",
		map[string]types.AttributeValue{
			":exp": &types.AttributeValueMemberN{Value: strconv.FormatInt(s.nowFunc().Add(s.ttlWindow).Unix(), 10)},
		})
	if errors.Is(err, ErrConditionFailed) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reopen %s: %w", key, err)
	}
	return true, nil
}

// move is a conditional status change from -> to that also applies set.
func (s *Store) move(ctx context.Context, key, from, to, set string, values map[string]types.AttributeValue) error {
	values[":new"] = &types.AttributeValueMemberS{Value: to}
	values[":expected"] = &types.AttributeValueMemberS{Value: from}
	values[":ua"] = s.timestamp()

	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                 &s.tableName,
		Key:                       s.key(key),
		UpdateExpression:          awsString("SET #s = :new, updated_at = :ua, " + set),
		ConditionExpression:       awsString("#s = :expected"),
		ExpressionAttributeNames:  map[string]string{"#s": "status"},
		ExpressionAttributeValues: values,
	})
	if err != nil {
		if isConditionFailed(err) {
			return ErrConditionFailed
		}
		return fmt.Errorf("update item: %w", err)
	}
	return nil
}

func (s *Store) key(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"idempotency_key": &types.AttributeValueMemberS{Value: key},
	}
}

func (s *Store) timestamp() types.AttributeValue {
	return &types.AttributeValueMemberS{Value: s.nowFunc().UTC().Format(time.RFC3339Nano)}
}

func isConditionFailed(err error) bool {
	var sc smithy.APIError
	return errors.As(err, &sc) && sc.ErrorCode() == "ConditionalCheckFailedException"
}

func awsString(s string) *string { return &s }
func awsBool(b bool) *bool       { return &b }
