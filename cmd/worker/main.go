package main

import (
	"context"
	"log"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"github.com/jaimaaruthi/checkout-orchestrator/internal/aws"
	"github.com/jaimaaruthi/checkout-orchestrator/internal/config"
	"github.com/jaimaaruthi/checkout-orchestrator/internal/idempotency"
	"github.com/jaimaaruthi/checkout-orchestrator/internal/logger"
	"github.com/jaimaaruthi/checkout-orchestrator/internal/orders"
	"github.com/jaimaaruthi/checkout-orchestrator/internal/pending"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	zl, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	clients, err := aws.NewAWSClients(context.Background(), cfg.AWS.Region)
	if err != nil {
		zl.Fatal("init aws clients", zap.Error(err))
	}

	persister := orders.NewIdempotentPersister(
		orders.NewClient(orders.ClientConfig{
			BaseURL: cfg.OrdersAPI.BaseURL,
			Token:   cfg.OrdersAPI.Token,
			Timeout: cfg.OrdersAPI.Timeout,
		}, zl),
		idempotency.NewStore(clients.DynamoDB, cfg.AWS.IdempotencyTable, cfg.Checkout.IdempotencyTTL),
		zl,
	)
	p := NewProcessor(
		pending.NewStore(clients.DynamoDB, cfg.AWS.PendingTable),
		persister,
		cfg.Checkout.MaxReconcileAttempts,
		zl.Named("worker"),
	)

	// RUN_LOCAL replays a single message from LOCAL_SQS_BODY.
	if cfg.RunLocal {
		body := cfg.LocalSQSBody
		if body == "" {
			zl.Fatal("RUN_LOCAL needs LOCAL_SQS_BODY, e.g. {\"attempt_id\":\"...\"}")
		}
		event := events.SQSEvent{Records: []events.SQSMessage{{MessageId: "local", Body: body}}}
		if err := p.Handle(context.Background(), event); err != nil {
			zl.Fatal("local handler error", zap.Error(err))
		}
		return
	}

	lambda.Start(p.Handle)
}
