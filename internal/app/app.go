package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/uptrace/bun"

	"ms-ticket-commerce/internal/catalog"
	"ms-ticket-commerce/internal/config"
	"ms-ticket-commerce/internal/database"
	"ms-ticket-commerce/internal/database/migrations"
	"ms-ticket-commerce/internal/domain"
	"ms-ticket-commerce/internal/holds"
	"ms-ticket-commerce/internal/kafka"
	"ms-ticket-commerce/internal/logger"
	"ms-ticket-commerce/internal/models"
	"ms-ticket-commerce/internal/order"
	orderredis "ms-ticket-commerce/internal/order/redis"
	"ms-ticket-commerce/internal/payment"
	"ms-ticket-commerce/internal/payment/globee"
	"ms-ticket-commerce/internal/payment/services"
	"ms-ticket-commerce/internal/tickets"
	"ms-ticket-commerce/internal/tickets/qr"
)

// App holds the connections and services shared by the API and worker processes.
type App struct {
	Config   *config.Config
	Logger   *logger.Logger
	DB       *bun.DB
	Redis    *redis.Client
	Producer *kafka.Producer

	Catalog  *catalog.Catalog
	Orders   *order.OrderService
	Payments *payment.Service
	Tickets  *tickets.TicketService
	Notifier *domain.Notifier
}

// New connects to postgres, redis and kafka and builds the services.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	db, err := database.Connect(ctx, cfg.Database, log)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Logger: log, DB: db}

	if cfg.Database.AutoMigrate {
		runner := migrations.NewRunner(db, migrations.Options{}, log)
		err := runner.Run()
		runner.Close()
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	a.Redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := a.Redis.Ping(ctx).Err(); err != nil {
		a.Close()
		return nil, fmt.Errorf("redis connection error: %w", err)
	}
	log.Info("REDIS", fmt.Sprintf("Redis connection successful to %s (DB: %d)", cfg.Redis.Addr, cfg.Redis.DB))

	var registry catalog.AssetRegistry = catalog.LocalRegistry{}
	if cfg.Kafka.Enabled {
		topics := cfg.Kafka.Topics
		if err := kafka.EnsureTopicsExist(cfg.Kafka.Brokers, []string{
			topics.DomainEvents, topics.DomainActions, topics.AssetRegistry, topics.AssetRegistered, topics.MarketingSync,
		}, 1, log); err != nil {
			log.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
		}
		a.Producer = kafka.NewProducer(cfg.Kafka.Brokers, log)
		a.Notifier = &domain.Notifier{Publisher: a.Producer, Topic: topics.DomainActions}
		registry = &catalog.PublishingRegistry{Publisher: a.Producer, Topic: topics.AssetRegistry}
	} else {
		log.Warn("KAFKA", "Kafka disabled: events stay in the outbox and assets register locally")
	}

	processors, err := newProcessors(cfg.Payments, log)
	if err != nil {
		a.Close()
		return nil, err
	}

	gen, err := qr.NewGenerator(cfg.QR.SecretKey)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Catalog = catalog.New(registry, log)
	a.Orders = order.NewOrderService(db, a.Catalog, cfg.Cart.Expiry, log)
	a.Payments = payment.NewService(db, a.Orders, processors,
		orderredis.NewRedis(a.Redis, cfg.Cart.CheckoutLockTTL, log), a.Notifier,
		payment.Options{
			Currency:         cfg.Payments.Currency,
			CardFeeInCents:   cfg.Payments.CardFeeInCents,
			APIBaseURL:       cfg.Server.APIBaseURL,
			FrontEndURL:      cfg.Server.FrontEndURL,
			VerifyIPN:        cfg.Payments.VerifyIPN,
			IPNDedupeWindow:  cfg.Cart.IPNDedupeWindow,
			CallbackAttempts: cfg.Cart.CallbackAttempts,
		}, log)
	a.Tickets = tickets.NewTicketService(db, gen, log)
	return a, nil
}

func newProcessors(cfg config.PaymentsConfig, log *logger.Logger) (*payment.Registry, error) {
	registry := payment.NewRegistry()
	if cfg.StripeSecretKey != "" {
		stripe, err := services.NewStripeService(cfg.StripeSecretKey, log)
		if err != nil {
			return nil, err
		}
		registry.RegisterCard(models.PaymentProviderStripe, stripe)
	} else {
		log.Warn("PAYMENT", "STRIPE_SECRET_KEY not set, card checkout disabled")
	}
	if cfg.GlobeeAPIKey != "" {
		registry.RegisterRedirect(models.PaymentProviderGlobee,
			globee.NewClient(cfg.GlobeeAPIKey, cfg.GlobeeBaseURL, log).WithHTTPClient(&http.Client{Timeout: 10 * time.Second}))
	} else {
		log.Warn("PAYMENT", "GLOBEE_API_KEY not set, provider checkout disabled")
	}
	return registry, nil
}

// Worker returns a domain action worker with every executor registered.
func (a *App) Worker() *domain.Worker {
	w := domain.NewWorker(a.DB, a.Logger)
	w.Register(models.DomainActionPaymentProviderIPN, a.Payments.IPNExecutor())
	w.Register(models.DomainActionReleaseHoldInventory, holds.NewReleaseExecutor(a.DB, a.Logger))
	if a.Producer != nil {
		w.Register(models.DomainActionMarketingContactsSync, &catalog.MarketingSyncExecutor{
			DB:        a.DB,
			Publisher: a.Producer,
			Topic:     a.Config.Kafka.Topics.MarketingSync,
		})
	}
	return w
}

// Relay returns the outbox relay, or nil when kafka is disabled.
func (a *App) Relay() *domain.Relay {
	if a.Producer == nil {
		return nil
	}
	return domain.NewRelay(a.DB, a.Producer, a.Config.Kafka.Topics.DomainEvents, a.Config.Worker.OutboxBatch, a.Logger)
}

// RunBackground starts the worker, its wake-up consumer, the outbox relay and
// the asset confirmation consumer. They stop when ctx ends.
func (a *App) RunBackground(ctx context.Context) {
	cfg := a.Config
	w := a.Worker()
	go w.Run(ctx, cfg.Worker.PollInterval)

	relay := a.Relay()
	if relay == nil {
		return
	}
	go relay.Run(ctx, time.Second)

	nudges := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topics.DomainActions, cfg.Kafka.GroupID+"-worker", a.Logger)
	go func() {
		defer nudges.Close()
		nudges.Start(ctx, func(context.Context, kafkago.Message) error {
			w.Nudge()
			return nil
		})
	}()

	assets := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topics.AssetRegistered, cfg.Kafka.GroupID+"-assets", a.Logger)
	go func() {
		defer assets.Close()
		assets.Start(ctx, a.confirmAsset)
	}()
}

func (a *App) confirmAsset(ctx context.Context, msg kafkago.Message) error {
	var in catalog.AssetRegistered
	if err := json.Unmarshal(msg.Value, &in); err != nil {
		return err
	}
	if err := catalog.ConfirmAsset(ctx, a.DB, in.AssetID, in.BlockchainAssetID); err != nil {
		return err
	}
	a.Logger.LogDatabase("UPDATE", "assets", fmt.Sprintf("asset %s registered as %s", in.AssetID, in.BlockchainAssetID))
	return nil
}

func (a *App) Close() {
	if a.Producer != nil {
		if err := a.Producer.Close(); err != nil {
			a.Logger.Error("KAFKA", fmt.Sprintf("Failed to close producer: %v", err))
		}
	}
	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
