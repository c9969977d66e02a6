package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"github.com/tabletide/relay/internal/auth"
	"github.com/tabletide/relay/internal/breaker"
	"github.com/tabletide/relay/internal/broker"
	"github.com/tabletide/relay/internal/config"
	"github.com/tabletide/relay/internal/db"
	"github.com/tabletide/relay/internal/events"
	"github.com/tabletide/relay/internal/health"
	mw "github.com/tabletide/relay/internal/middleware"
	"github.com/tabletide/relay/internal/ratelimit"
	"github.com/tabletide/relay/internal/webhook"
	"github.com/tabletide/relay/internal/ws"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	database, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Printf("WARNING: database connection failed: %v (continuing without DB)", err)
	} else {
		defer database.Close()
		if err := db.RunMigrations(cfg.DatabaseURL, cfg.MigrationsPath); err != nil {
			log.Printf("WARNING: migrations failed: %v", err)
		}
	}

	// Redis: shared by the rate limiter and (by default) the broker
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close() //nolint:errcheck // best-effort cleanup on shutdown
	limiter := ratelimit.NewLimiter(redisClient)

	// Broker: Kafka when configured, Redis pub/sub otherwise
	var eventBroker broker.Broker
	if cfg.KafkaBrokers != "" {
		kb, err := broker.NewKafkaBroker(broker.KafkaConfig{
			Brokers:       strings.Split(cfg.KafkaBrokers, ","),
			Topic:         cfg.KafkaTopic,
			ConsumerGroup: cfg.KafkaConsumerGroup,
		})
		if err != nil {
			log.Fatalf("kafka broker setup failed: %v", err)
		}
		eventBroker = kb
		log.Printf("Using Kafka broker (%s)", cfg.KafkaBrokers)
	} else {
		eventBroker = broker.NewRedisBroker(redisClient)
		log.Printf("Using Redis broker (%s)", cfg.RedisAddr)
	}
	defer eventBroker.Close() //nolint:errcheck

	// JWT
	jwtService := auth.NewJWTService(cfg.JWTSecret)

	// Connection registry
	hub := ws.NewHub(ws.HubConfig{
		MaxConnections:          cfg.MaxConnections,
		MaxConnectionsPerTenant: cfg.MaxConnectionsPerTenant,
		HeartbeatInterval:       cfg.HeartbeatInterval,
		MissedHeartbeats:        cfg.MissedHeartbeats,
		SweepInterval:           cfg.SweepInterval,
	})
	go hub.Run(ctx)

	// Broadcast router
	router := ws.NewRouter(hub)

	// Webhook retry queue (needs the database)
	webhookBreaker := breaker.New("webhook", cfg.WebhookBreakerThreshold, cfg.WebhookBreakerCoolDown)
	var queue *webhook.RetryQueue
	if database != nil {
		taskStore := webhook.NewPGTaskStore(database.Pool)
		targetStore := webhook.NewPGTargetStore(database.Pool)
		queue = webhook.NewRetryQueue(taskStore, webhookBreaker, &http.Client{Timeout: cfg.WebhookTimeout}, webhook.QueueConfig{
			MaxAttempts: cfg.WebhookMaxAttempts,
		})
		hook := webhook.NewConfirmationHook(queue, targetStore)
		router.OnDelivery(hook.Offer)
		go hook.Run(ctx)
		go queue.Run(ctx, cfg.WebhookProcessInterval)
		log.Println("Webhook retry queue started")
	} else {
		log.Println("WARNING: webhook retry queue disabled (no database)")
	}

	// Broker relay: its own context so shutdown can close the broker
	// session before tearing down client connections.
	relayCtx, relayCancel := context.WithCancel(context.Background())
	brokerBreaker := breaker.New("broker", cfg.BrokerBreakerThreshold, cfg.BrokerBreakerCoolDown)
	relay := broker.NewRelay(eventBroker, events.RelayPatterns, router.Route, brokerBreaker, broker.RelayConfig{
		BackoffBase:   cfg.RelayBackoffBase,
		BackoffFactor: 2,
		BackoffMax:    cfg.RelayBackoffMax,
	})
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		relay.Run(relayCtx)
	}()

	// Publish surface
	publisher := events.NewPublisher(eventBroker)
	eventHandlers := events.NewHandlers(publisher, limiter, events.ActionLimits{
		Limit:  cfg.ActionRateLimit,
		Window: cfg.ActionRateWindow,
	})

	// WebSocket handshake
	wsHandler := ws.NewWSHandler(hub, jwtService, limiter, ws.HandshakeLimits{
		Limit:  cfg.ConnRateLimit,
		Window: cfg.ConnRateWindow,
	}, cfg.AllowedOrigins)

	// Health surface
	var queueStatus health.QueueStatus
	if queue != nil {
		queueStatus = queue
	}
	healthHandler := health.NewHandler(relay, []*breaker.Breaker{brokerBreaker, webhookBreaker}, queueStatus, hub)

	// Router
	r := mux.NewRouter()
	r.Use(mw.RateLimitMiddleware(cfg.HTTPRateRPS, cfg.HTTPRateBurst))

	// Health (no auth)
	healthHandler.RegisterRoutes(r)

	// Protected routes
	protected := r.PathPrefix("").Subrouter()
	protected.Use(mw.AuthMiddleware(jwtService))
	eventHandlers.RegisterRoutes(protected)

	// WebSocket (auth handled inside handler)
	wsHandler.RegisterRoutes(r)

	// HTTP Server — CORS wraps the entire router so OPTIONS preflight
	// requests are handled before mux routing (which would 404 on OPTIONS).
	srv := &http.Server{
		Addr:           ":" + cfg.Port,
		Handler:        corsMiddleware(cfg.AllowedOrigins, r),
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1 MB
	}

	// Graceful shutdown: close the broker session first so no new events
	// arrive mid-teardown, then the client connections, then the listener.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.Println("Shutting down server...")
		relayCancel()
		<-relayDone
		hub.CloseAll()
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Fatalf("Server shutdown failed: %v", err)
		}
	}()

	log.Printf("Starting server on :%s", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed to start: %v", err)
	}

	log.Println("Server stopped")
}

func corsMiddleware(allowedOrigins string, next http.Handler) http.Handler {
	origins := make(map[string]bool)
	for _, o := range strings.Split(allowedOrigins, ",") {
		origins[strings.TrimSpace(o)] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		} else if len(origins) == 1 {
			// Single origin mode: always set it (for dev convenience)
			for o := range origins {
				w.Header().Set("Access-Control-Allow-Origin", o)
			}
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS, PATCH")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
