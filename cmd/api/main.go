package main

import (
	"context"
	"log"
	"net"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jaimaaruthi/checkout-orchestrator/internal/aws"
	"github.com/jaimaaruthi/checkout-orchestrator/internal/checkout"
	"github.com/jaimaaruthi/checkout-orchestrator/internal/config"
	"github.com/jaimaaruthi/checkout-orchestrator/internal/gateway"
	"github.com/jaimaaruthi/checkout-orchestrator/internal/handlers"
	"github.com/jaimaaruthi/checkout-orchestrator/internal/idempotency"
	"github.com/jaimaaruthi/checkout-orchestrator/internal/logger"
	"github.com/jaimaaruthi/checkout-orchestrator/internal/orders"
	"github.com/jaimaaruthi/checkout-orchestrator/internal/payment"
	"github.com/jaimaaruthi/checkout-orchestrator/internal/pending"
	"github.com/jaimaaruthi/checkout-orchestrator/internal/reconcile"
	"github.com/jaimaaruthi/checkout-orchestrator/internal/validation"
)

func setupRouter(co handlers.CheckoutConfig, rc handlers.ReconciliationConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	// health
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	handlers.RegisterCheckoutRoutes(r, co)
	handlers.RegisterReconciliationRoutes(r, rc)

	return r
}

func enabledMethods(names []string) ([]payment.Method, error) {
	out := make([]payment.Method, 0, len(names))
	for _, n := range names {
		m, err := payment.ParseMethod(n)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

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

	methods, err := enabledMethods(cfg.Gateway.Methods)
	if err != nil {
		zl.Fatal("parse enabled payment methods", zap.Error(err))
	}

	adapter := gateway.NewAdapter(
		gateway.Config{
			Currency:      cfg.Gateway.Currency,
			MerchantName:  cfg.Gateway.MerchantName,
			Description:   cfg.Gateway.Description,
			ThemeColor:    cfg.Gateway.ThemeColor,
			HostedPageURL: cfg.Gateway.HostedPageURL,
			UPIVPA:        cfg.Gateway.UPIVPA,
		},
		gateway.NewLibraryHandle(gateway.NewRazorpayLoader(gateway.RazorpayConfig{
			KeyID:      cfg.Gateway.KeyID,
			KeySecret:  cfg.Gateway.KeySecret,
			APIBaseURL: cfg.Gateway.APIBaseURL,
			ScriptURL:  cfg.Gateway.ScriptURL,
		}, zl.Named("razorpay"))),
		gateway.NewHMACVerifier(cfg.Gateway.KeySecret),
		zl.Named("gateway"),
	)

	persister := orders.NewIdempotentPersister(
		orders.NewClient(orders.ClientConfig{
			BaseURL: cfg.OrdersAPI.BaseURL,
			Token:   cfg.OrdersAPI.Token,
			Timeout: cfg.OrdersAPI.Timeout,
		}, zl.Named("orders")),
		idempotency.NewStore(clients.DynamoDB, cfg.AWS.IdempotencyTable, cfg.Checkout.IdempotencyTTL),
		zl.Named("orders"),
	)
	pendingStore := pending.NewStore(clients.DynamoDB, cfg.AWS.PendingTable)
	publisher := aws.NewPublisher(clients.SQS, cfg.AWS.ReconcileQueueURL)

	deps := checkout.Deps{
		Validator:      validation.NewAddressValidator(),
		Gateway:        adapter,
		Persister:      persister,
		Pending:        pendingStore,
		Reconciler:     publisher,
		PersistTimeout: cfg.Checkout.PersistTimeout,
	}
	if !cfg.AWS.DisableMetrics {
		deps.Recorder = aws.NewMetrics(clients.CloudWatch, cfg.AWS.MetricsNamespace, zl.Named("metrics"))
	}
	machine := checkout.NewMachine(deps, zl.Named("checkout"))

	r := setupRouter(
		handlers.CheckoutConfig{
			Machine:            machine,
			Methods:            methods,
			InteractionTimeout: cfg.Checkout.InteractionTimeout,
			StepTimeout:        cfg.Checkout.StepTimeout,
			Log:                zl.Named("http"),
		},
		handlers.ReconciliationConfig{
			Pending: pendingStore,
			Sweeper: reconcile.NewSweeper(pendingStore, publisher, cfg.Checkout.StaleAfter, zl.Named("reconcile")),
			Log:     zl.Named("http"),
		},
	)

	// RUN_LOCAL serves HTTP directly for development.
	if cfg.RunLocal {
		addr := net.JoinHostPort(cfg.HTTP.Host, cfg.HTTP.Port)
		zl.Info("running local server", zap.String("addr", addr), zap.Strings("methods", cfg.Gateway.Methods))
		if err := r.Run(addr); err != nil {
			zl.Fatal("failed to run local server", zap.Error(err))
		}
		return
	}

	adapterProxy := ginadapter.New(r)
	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		return adapterProxy.ProxyWithContext(ctx, req)
	})
}
