package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"ms-ticket-commerce/internal/app"
	"ms-ticket-commerce/internal/auth"
	"ms-ticket-commerce/internal/config"
	"ms-ticket-commerce/internal/kafka"
	"ms-ticket-commerce/internal/logger"
	"ms-ticket-commerce/internal/metrics"
	"ms-ticket-commerce/internal/order/order_api"
	paymenthandler "ms-ticket-commerce/internal/payment/handler"
	"ms-ticket-commerce/internal/sse"
	"ms-ticket-commerce/internal/tickets/ticket_api"
	"ms-ticket-commerce/internal/utils"
)

func main() {
	log := logger.NewLogger("ticket-commerce-api")
	defer log.Close()

	log.Info("APP", "Starting ticket commerce API")

	if err := godotenv.Load(); err != nil {
		log.Warn("CONFIG", ".env file not found, using environment variables")
	} else {
		log.Info("CONFIG", "Loaded environment variables from .env file")
	}
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("APP", err.Error())
	}
	defer a.Close()

	authenticator, err := auth.NewAuthenticator(ctx, cfg.Auth, log)
	if err != nil {
		log.Fatal("AUTH", err.Error())
	}

	events := sse.NewOrderEvents()
	if cfg.Kafka.Enabled {
		// Each API instance streams every order update, so each gets its own group.
		host, _ := os.Hostname()
		consumer := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topics.DomainEvents, cfg.Kafka.GroupID+"-sse-"+host, log)
		go func() {
			defer consumer.Close()
			consumer.Start(ctx, events.HandleMessage)
		}()
	}
	if cfg.Worker.RunInProcess {
		log.Info("WORKER", "Running domain worker in the API process")
		a.RunBackground(ctx)
	}

	orderHandler := order_api.NewHandler(a.Orders, a.Payments, events, log)
	ticketHandler := ticket_api.NewHandler(a.Tickets, log)
	paymentHandler := paymenthandler.NewPaymentHandler(a.Payments, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(accessLog(log))

	r.Handle("/metrics", metrics.Handler())
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("ok", nil))
	})

	r.Route("/api", func(r chi.Router) {
		paymentHandler.Routes(r)
		log.Info("ROUTER", "Payment callback and IPN routes registered under /api")

		r.Group(func(r chi.Router) {
			r.Use(authenticator.Middleware)
			orderHandler.Routes(r)
			ticketHandler.Routes(r)
			log.Info("ROUTER", "Cart, order and ticket routes registered under /api")
		})
	})

	// No write timeout: order event streams stay open.
	server := &http.Server{
		Addr:        cfg.Server.Port,
		Handler:     r,
		ReadTimeout: cfg.Server.ReadTimeout,
		IdleTimeout: cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("HTTP", fmt.Sprintf("Ticket commerce API running on %s", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP", fmt.Sprintf("HTTP server error: %v", err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("APP", "Shutdown signal received, initiating graceful shutdown")
	cancel()
	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(ctxShutdown); err != nil {
		log.Error("HTTP", fmt.Sprintf("Server Shutdown Failed: %v", err))
	} else {
		log.Info("HTTP", "Ticket commerce API shutdown complete")
	}
}

func accessLog(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.LogAPI(r.Method, r.URL.Path, ww.Status(), time.Since(start))
		})
	}
}
