package aws

import (
	"context"
	"encoding/json"
	"fmt"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// ReconciliationMessage is the payload sent from API -> SQS -> worker.
type ReconciliationMessage struct {
	AttemptID      string `json:"attempt_id"`
	IdempotencyKey string `json:"idempotency_key"`
	Reason         string `json:"reason,omitempty"`
	CorrelationID  string `json:"correlation_id,omitempty"`
}

// Publisher wraps an SQS client and a queue URL.
type Publisher struct {
	SQS      SQSAPI
	QueueURL string
}

// NewPublisher returns a Publisher bound to a queue URL.
func NewPublisher(sqsClient SQSAPI, queueURL string) *Publisher {
	return &Publisher{
		SQS:      sqsClient,
		QueueURL: queueURL,
	}
}

// SendReconciliation enqueues an attempt whose order could not be confirmed.
func (p *Publisher) SendReconciliation(ctx context.Context, msg ReconciliationMessage) error {
	if p.QueueURL == "" {
		return fmt.Errorf("send message: reconciliation queue not configured")
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal reconciliation message: %w", err)
	}

	attrs := map[string]string{
		"attempt_id":      msg.AttemptID,
		"idempotency_key": msg.IdempotencyKey,
	}
	if msg.CorrelationID != "" {
		attrs["correlation_id"] = msg.CorrelationID
	}
	return p.send(ctx, string(body), attrs)
}

func (p *Publisher) send(ctx context.Context, messageBody string, attributes map[string]string) error {
	input := &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: &messageBody,
	}
	if len(attributes) > 0 {
		msgAttrs := map[string]sqstypes.MessageAttributeValue{}
		for k, v := range attributes {
			msgAttrs[k] = sqstypes.MessageAttributeValue{
				DataType:    sdkaws.String("String"),
				StringValue: sdkaws.String(v),
			}
		}
		input.MessageAttributes = msgAttrs
	}

	_, err := p.SQS.SendMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}
