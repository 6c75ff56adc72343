package pending

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jaimaaruthi/checkout-orchestrator/internal/aws"
)

// Store encapsulates operations on the pending attempts table.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

// NewStore creates a new pending attempts Store.
func NewStore(client aws.DynamoDBAPI, tableName string) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		nowFunc:   time.Now,
	}
}

// Save records a new attempt. An attempt id can only be saved once.
func (s *Store) Save(ctx context.Context, a Attempt) error {
	now := s.nowFunc().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	if a.Status == "" {
		a.Status = StatusInProgress
	}

	item, err := attributevalue.MarshalMap(a)
	if err != nil {
		return fmt.Errorf("marshal attempt: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(attempt_id)"),
	})
	if err != nil {
		var cf *types.ConditionalCheckFailedException
		if errors.As(err, &cf) {
			return fmt.Errorf("save %s: %w", a.AttemptID, ErrAlreadyExists)
		}
		return fmt.Errorf("put item: %w", err)
	}
	return nil
}

// Put writes the complete attempt, replacing whatever is stored under its id.
// It is the last-resort write for an attempt whose payment must not be lost.
func (s *Store) Put(ctx context.Context, a Attempt) error {
	now := s.nowFunc().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	item, err := attributevalue.MarshalMap(a)
	if err != nil {
		return fmt.Errorf("marshal attempt: %w", err)
	}
	if _, err := s.client.PutItem(ctx, &dyn.PutItemInput{TableName: &s.tableName, Item: item}); err != nil {
		return fmt.Errorf("put item: %w", err)
	}
	return nil
}

// Get fetches an attempt. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, attemptID string) (*Attempt, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            s.key(attemptID),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var a Attempt
	if err := attributevalue.UnmarshalMap(out.Item, &a); err != nil {
		return nil, fmt.Errorf("unmarshal attempt: %w", err)
	}
	return &a, nil
}

// UpdateStatus conditionally moves an attempt from expected -> newStatus.
// Returns ErrStatusMismatch if the attempt is missing or in another status.
func (s *Store) UpdateStatus(ctx context.Context, attemptID string, expected, newStatus Status, note string) error {
	input := &dyn.UpdateItemInput{
		TableName:                &s.tableName,
		Key:                      s.key(attemptID),
		UpdateExpression:         awsString("SET #s = :new, last_error = :note, updated_at = :ua"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":new":      &types.AttributeValueMemberS{Value: string(newStatus)},
			":expected": &types.AttributeValueMemberS{Value: string(expected)},
			":note":     &types.AttributeValueMemberS{Value: note},
			":ua":       s.timestamp(),
		},
		ConditionExpression: awsString("#s = :expected"),
	}
	return s.update(ctx, input)
}

// RecordGateway stores a resolved charge and moves IN_PROGRESS -> AWAITING_PERSIST.
func (s *Store) RecordGateway(ctx context.Context, attemptID string, g GatewayResult) error {
	input := &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key:       s.key(attemptID),
		UpdateExpression: awsString("SET #s = :new, idempotency_key = :ik, gateway_order_id = :goid, " +
			"gateway_payment_id = :gpid, strategy = :st, payment_status = :ps, order_payload = :op, updated_at = :ua"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":new":      &types.AttributeValueMemberS{Value: string(StatusAwaitingPersist)},
			":expected": &types.AttributeValueMemberS{Value: string(StatusInProgress)},
			":ik":       &types.AttributeValueMemberS{Value: g.IdempotencyKey},
			":goid":     &types.AttributeValueMemberS{Value: g.GatewayOrderID},
			":gpid":     &types.AttributeValueMemberS{Value: g.GatewayPaymentID},
			":st":       &types.AttributeValueMemberS{Value: g.Strategy},
			":ps":       &types.AttributeValueMemberS{Value: g.PaymentStatus},
			":op":       &types.AttributeValueMemberS{Value: g.OrderPayload},
			":ua":       s.timestamp(),
		},
		ConditionExpression: awsString("#s = :expected"),
	}
	return s.update(ctx, input)
}

// IncrementAttempts bumps the reconciliation attempt counter and records the last error.
func (s *Store) IncrementAttempts(ctx context.Context, attemptID, lastErr string) (int, error) {
	input := &dyn.UpdateItemInput{
		TableName:        &s.tableName,
		Key:              s.key(attemptID),
		UpdateExpression: awsString("SET last_error = :e, updated_at = :ua ADD attempts :inc"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":e":   &types.AttributeValueMemberS{Value: lastErr},
			":inc": &types.AttributeValueMemberN{Value: "1"},
			":ua":  s.timestamp(),
		},
		ConditionExpression: awsString("attribute_exists(attempt_id)"),
		ReturnValues:        types.ReturnValueAllNew,
	}
	out, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		var cf *types.ConditionalCheckFailedException
		if errors.As(err, &cf) {
			return 0, ErrStatusMismatch
		}
		return 0, fmt.Errorf("increment attempts: %w", err)
	}
	var a Attempt
	if err := attributevalue.UnmarshalMap(out.Attributes, &a); err != nil {
		return 0, fmt.Errorf("unmarshal attempt: %w", err)
	}
	return a.Attempts, nil
}

// Delete clears an attempt once a terminal outcome has been handled.
func (s *Store) Delete(ctx context.Context, attemptID string) error {
	_, err := s.client.DeleteItem(ctx, &dyn.DeleteItemInput{
		TableName: &s.tableName,
		Key:       s.key(attemptID),
	})
	if err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	return nil
}

// ListStale returns attempts not touched for at least olderThan. Zero lists everything.
func (s *Store) ListStale(ctx context.Context, olderThan time.Duration) ([]Attempt, error) {
	cutoff := s.nowFunc().Add(-olderThan).Unix()
	input := &dyn.ScanInput{
		TableName:                &s.tableName,
		FilterExpression:         awsString("#u <= :cutoff"),
		ExpressionAttributeNames: map[string]string{"#u": "updated_at"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":cutoff": &types.AttributeValueMemberN{Value: strconv.FormatInt(cutoff, 10)},
		},
	}

	var attempts []Attempt
	for {
		out, err := s.client.Scan(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		var page []Attempt
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, fmt.Errorf("unmarshal attempts: %w", err)
		}
		attempts = append(attempts, page...)
		if len(out.LastEvaluatedKey) == 0 {
			return attempts, nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func (s *Store) update(ctx context.Context, input *dyn.UpdateItemInput) error {
	_, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		var cf *types.ConditionalCheckFailedException
		if errors.As(err, &cf) {
			return ErrStatusMismatch
		}
		return fmt.Errorf("update item: %w", err)
	}
	return nil
}

func (s *Store) key(attemptID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"attempt_id": &types.AttributeValueMemberS{Value: attemptID},
	}
}

func (s *Store) timestamp() types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(s.nowFunc().Unix(), 10)}
}

func awsString(s string) *string { return &s }
func awsBool(b bool) *bool       { return &b }
