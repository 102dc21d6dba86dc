package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/josepro66/beato-checkout/internal/catalog"
	"github.com/josepro66/beato-checkout/internal/checkout"
	"github.com/josepro66/beato-checkout/internal/config"
	"github.com/josepro66/beato-checkout/internal/httpx"
	"github.com/josepro66/beato-checkout/internal/kafkax"
	"github.com/josepro66/beato-checkout/internal/payment"
	"github.com/josepro66/beato-checkout/internal/postgres"
	"github.com/josepro66/beato-checkout/internal/redisx"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Sugar()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka producer
	prod := kafkax.NewProducer(cfg.KafkaBrokers, checkout.TopicOrderEvents, 1024)
	prod.Start(ctx)

	// Gateways
	payu := &payment.PayU{
		MerchantID:      cfg.PayUMerchantID,
		AccountID:       cfg.PayUAccountID,
		APIKey:          cfg.PayUAPIKey,
		APILogin:        cfg.PayUAPILogin,
		CheckoutURL:     cfg.PayUCheckoutURL,
		ResponseURL:     cfg.PayUResponseURL,
		ConfirmationURL: cfg.PayUConfirmationURL,
		Test:            cfg.PayUTest,
	}
	paypal := &payment.PayPal{
		ClientID:  cfg.PayPalClientID,
		Secret:    cfg.PayPalSecret,
		BaseURL:   cfg.PayPalBaseURL,
		ReturnURL: cfg.PayPalReturnURL,
		CancelURL: cfg.PayPalCancelURL,
	}
	adapters := map[string]payment.Adapter{
		payu.Name():   payu,
		paypal.Name(): paypal,
	}

	// Orchestrator & handler
	svc := &checkout.Service{
		Catalog: catalog.Load(),
		Store:   &postgres.Store{Pool: db},
		Providers: map[string]checkout.Provider{
			payu.Name():   payu,
			paypal.Name(): paypal,
		},
		Producer:        prod,
		Log:             log,
		OrderTTL:        cfg.OrderTTL,
		ProviderTimeout: cfg.ProviderTimeout,
		ServiceName:     cfg.ServiceName,
	}

	router := httpx.NewRouter()
	ph := &httpx.PaymentHandler{
		Service:  svc,
		Adapters: adapters,
		Redis:    rdb,
		Log:      log,
	}
	ph.Register(router)

	// Client shim + static assets
	router.Handle("/*", http.FileServer(http.Dir(cfg.WebDir)))

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	go func() {
		log.Infof("HTTP listening at %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down...")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	prod.Close()
	cancel()
	prod.WaitClosed()
}
