package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/gov-dx-sandbox/credential-broker/config"
	"github.com/gov-dx-sandbox/credential-broker/v1/handlers"
	"github.com/gov-dx-sandbox/credential-broker/v1/plugins"
	"github.com/gov-dx-sandbox/credential-broker/v1/policy"
	"github.com/gov-dx-sandbox/credential-broker/v1/queue"
	"github.com/gov-dx-sandbox/credential-broker/v1/router"
	"github.com/gov-dx-sandbox/credential-broker/v1/services"
	"github.com/gov-dx-sandbox/credential-broker/v1/validation"
	"github.com/gov-dx-sandbox/credential-broker/v1/verbs"
)

func main() {
	// .env is optional; environment variables win in deployment.
	_ = godotenv.Load()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg := config.Load()

	db, err := connectDB(cfg.Database)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		slog.Error("Failed to connect to Redis", "addr", cfg.Redis.Addr, "error", err)
		os.Exit(1)
	}

	cipher, err := services.NewCipher(cfg.Security.CredentialKeyHex)
	if err != nil {
		slog.Error("Failed to initialize credential cipher", "error", err)
		os.Exit(1)
	}

	// Persistence services.
	credentialService := services.NewCredentialService(db, cipher)
	applicationService := services.NewApplicationService(db)
	policyStore := services.NewPolicyStore(db)
	recordService := services.NewRecordService(db)
	approvalService := services.NewApprovalService(db)

	// Plugins are registered as an explicit list so the deployed set is
	// auditable. A duplicate type here is a programming error.
	pluginRegistry := plugins.NewRegistry()
	for _, p := range []plugins.Plugin{
		plugins.NewAPIKeyPlugin(30 * time.Second),
		plugins.NewOAuth2Plugin(30 * time.Second),
		plugins.NewSigningPlugin(),
	} {
		if err := pluginRegistry.Register(p); err != nil {
			slog.Error("Failed to register plugin", "type", p.Type(), "error", err)
			os.Exit(1)
		}
	}

	verbRegistry := verbs.NewRegistry()
	if err := registerVerbs(verbRegistry); err != nil {
		slog.Error("Failed to register verbs", "error", err)
		os.Exit(1)
	}

	engine := policy.NewEngine(policy.NewRedisUsageCounter(redisClient), approvalService)
	validator := validation.NewValidator(applicationService, cfg.Security.SignatureValidityWindow)

	broker, err := queue.NewRedisBroker(redisClient, queue.RedisBrokerConfig{
		Stream:       cfg.Queue.Stream,
		Group:        cfg.Queue.Group,
		ConsumerName: cfg.Queue.ConsumerName,
		WorkerCount:  cfg.Queue.WorkerCount,
		MaxAttempts:  cfg.Queue.MaxAttempts,
		BackoffBase:  cfg.Queue.BackoffBase,
		BlockTimeout: cfg.Queue.BlockTimeout,
		DedupTTL:     cfg.Queue.DedupTTL,
	})
	if err != nil {
		slog.Error("Failed to initialize queue broker", "error", err)
		os.Exit(1)
	}

	proxyService := services.NewProxyService(
		validator,
		applicationService,
		credentialService,
		policyStore,
		engine,
		recordService,
		approvalService,
		broker,
		verbRegistry,
		cfg.Approval.DefaultExpiration,
	)
	worker := services.NewWorker(recordService, credentialService, pluginRegistry)

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	go broker.Start(workerCtx, worker.Handle, worker.DeadLetter)

	v1 := router.NewV1Router(
		handlers.NewProxyHandler(proxyService, recordService),
		handlers.NewApprovalHandler(proxyService, approvalService),
		handlers.NewVerbHandler(verbRegistry),
		handlers.NewHealthHandler(db),
	)

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Service.Host, cfg.Service.Port),
		Handler:      v1.Mux(),
		ReadTimeout:  cfg.Service.ReadTimeout,
		WriteTimeout: cfg.Service.WriteTimeout,
		IdleTimeout:  cfg.Service.IdleTimeout,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("Starting credential broker",
			"addr", server.Addr,
			"environment", string(cfg.Environment),
			"plugins", pluginRegistry.Types())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-stop
	slog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown failed", "error", err)
	}
	stopWorkers()
	slog.Info("Server stopped")
}

// registerVerbs loads the built-in verb catalog. Ids are namespaced per
// plugin type by the bulk helper.
func registerVerbs(registry *verbs.Registry) error {
	if err := registry.RegisterForPlugin("apikey", []verbs.Verb{
		{
			ID:          "call-api",
			Name:        "Call API",
			Description: "Issue an HTTP request authenticated with the stored API key",
			Operation:   "http_request",
			Tags:        []string{"http"},
		},
	}); err != nil {
		return err
	}
	if err := registry.RegisterForPlugin("oauth2", []verbs.Verb{
		{
			ID:          "fetch-token",
			Name:        "Fetch Token",
			Description: "Obtain an access token via the client-credentials grant",
			Operation:   "fetch_token",
			Tags:        []string{"oauth2", "token"},
		},
		{
			ID:          "call-api",
			Name:        "Call API",
			Description: "Issue an HTTP request with a bearer token",
			Operation:   "http_request",
			Tags:        []string{"http", "oauth2"},
		},
	}); err != nil {
		return err
	}
	return registry.RegisterForPlugin("signing", []verbs.Verb{
		{
			ID:          "sign",
			Name:        "Sign Message",
			Description: "Produce an Ed25519 signature over the supplied message",
			Operation:   "sign_message",
			Tags:        []string{"crypto"},
		},
		{
			ID:          "public-key",
			Name:        "Public Key",
			Description: "Return the signing key's public half",
			Operation:   "public_key",
			Tags:        []string{"crypto"},
		},
	})
}
