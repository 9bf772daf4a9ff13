package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"fleetalert/api/server"
	"fleetalert/internal/alert"
	"fleetalert/internal/clock"
	"fleetalert/internal/config"
	"fleetalert/internal/database"
	"fleetalert/internal/delivery"
	"fleetalert/internal/elasticsearch"
	"fleetalert/internal/escalation"
	"fleetalert/internal/evaluator"
	"fleetalert/internal/grpc"
	"fleetalert/internal/logger"
	"fleetalert/internal/maintenance"
	"fleetalert/internal/models"
	"fleetalert/internal/notify"
	"fleetalert/internal/ratelimit"
	"fleetalert/internal/registry"
	"fleetalert/internal/router"
	"fleetalert/internal/telemetry"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

var (
	configFile = flag.String("config", "etc/config.yaml", "Path to configuration file")
	version    = "1.0.0"
)

func main() {
	flag.Parse()

	// Config file first, environment variables as fallback
	var cfg *config.Config
	configPath := *configFile
	if _, err := os.Stat(configPath); err == nil {
		cfg, err = config.LoadFromFile(configPath)
		if err != nil {
			fmt.Printf("Failed to load config from file: %v\n", err)
			fmt.Println("Falling back to environment variables...")
			cfg = config.Load()
		}
	} else {
		fmt.Println("Config file not found, loading from environment variables...")
		cfg = config.Load()
		configPath = ""
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.Logger.Level, cfg.Logger.Output); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting fleet alert service",
		zap.String("version", version),
		zap.String("config_file", configPath),
	)

	if err := database.InitDB(database.Config{
		Driver:   cfg.Database.Driver,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
		LogLevel: cfg.Database.LogLevel,
	}); err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	db := database.GetDB()

	logger.Info("Database initialized",
		zap.String("driver", cfg.Database.Driver),
		zap.String("database", cfg.Database.DBName),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	esClient, err := elasticsearch.NewClient(cfg.Elasticsearch)
	if err != nil {
		logger.Fatal("Failed to initialize Elasticsearch", zap.Error(err))
	}
	if esClient != nil {
		if err := esClient.CreateIndexTemplate(ctx); err != nil {
			logger.Warn("Failed to create index template", zap.Error(err))
		}
	} else {
		logger.Info("Elasticsearch is disabled")
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("Failed to connect to Redis", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		defer redisClient.Close()
		logger.Info("Redis connected", zap.String("addr", cfg.Redis.Addr))
	}

	clk := clock.RealClock{}
	reg := registry.New(db)

	var reader telemetry.Reader = telemetry.NewSQLReader(db)
	if cfg.Telemetry.Source == "elasticsearch" {
		if esClient == nil {
			logger.Fatal("Telemetry source elasticsearch requires elasticsearch.enabled")
		}
		reader = esClient
	}

	var (
		audit    alert.AuditSink
		alertLog *logger.FileAlertLog
	)
	if esClient != nil {
		audit = esClient
	} else if cfg.Logger.AlertDir != "" {
		alertLog, err = logger.NewFileAlertLog(cfg.Logger.AlertDir)
		if err != nil {
			logger.Fatal("Failed to open alert log directory", zap.Error(err))
		}
		audit = alertLog
	}

	// Delivery pipeline
	var (
		wake        delivery.Signal
		redisSignal *delivery.RedisSignal
	)
	if redisClient != nil {
		redisSignal = delivery.NewRedisSignal(redisClient, cfg.Redis.WakeChannel)
		wake = redisSignal
	} else {
		wake = delivery.NewLocalSignal()
	}
	queue := delivery.NewQueue(db, clk, delivery.Backoff{
		Base: cfg.Delivery.BackoffBase(),
		Max:  cfg.Delivery.BackoffMax(),
	}, wake)

	mqttSender := notify.NewMQTTSender(cfg.MQTT.ClientIDPrefix,
		time.Duration(cfg.MQTT.ConnectTimeoutSeconds)*time.Second, cfg.MQTT.PayloadFormat)
	defer mqttSender.Close()

	senders := notify.NewRegistry()
	senders.Register(models.ChannelWebhook, notify.NewWebhookSender(notify.GetHTTPClient()))
	senders.Register(models.ChannelSNMP, notify.NewSNMPSender(notify.SNMPDefaults{
		Community: cfg.SNMP.DefaultCommunity,
		Version:   cfg.SNMP.DefaultVersion,
		OIDPrefix: cfg.SNMP.DefaultOIDPrefix,
		Timeout:   time.Duration(cfg.SNMP.DefaultTimeout) * time.Millisecond,
	}))
	senders.Register(models.ChannelEmail, notify.NewEmailSender())
	senders.Register(models.ChannelMQTT, mqttSender)

	routes := router.New(db, queue, clk, cfg.Delivery.MaxAttempts)
	alerts := alert.NewService(alert.NewStore(db), routes, audit, clk)
	filter := maintenance.NewFilter(db, reg)
	rules := evaluator.NewRules(db, reg)
	policies := escalation.NewPolicies(db)

	var limiter ratelimit.Limiter
	if cfg.RateLimit.Backend == "redis" && redisClient != nil {
		limiter = ratelimit.NewRedisLimiter(redisClient, clk, cfg.RateLimit.Window(), cfg.RateLimit.Limit)
	} else {
		limiter = ratelimit.NewSQLLimiter(db, clk, cfg.RateLimit.Window(), cfg.RateLimit.Limit)
	}

	eval := evaluator.New(rules, reg, reader, filter, alerts, clk, cfg.Evaluator)
	ticker := escalation.NewTicker(db, alerts, policies, queue, routes, clk, escalation.Config{
		Interval:    cfg.Escalation.Interval(),
		BatchSize:   cfg.Escalation.BatchSize,
		MaxAttempts: cfg.Delivery.MaxAttempts,
	})
	dispatcher := delivery.NewDispatcher(queue, senders, wake, delivery.Config{
		Workers:         cfg.Delivery.Workers,
		BatchSize:       cfg.Delivery.BatchSize,
		PollInterval:    cfg.Delivery.PollInterval(),
		SendTimeout:     cfg.Delivery.SendTimeout(),
		StuckTimeout:    cfg.Delivery.StuckTimeout(),
		BreakerFailures: cfg.Delivery.BreakerFailures,
		BreakerOpen:     time.Duration(cfg.Delivery.BreakerOpenSeconds) * time.Second,
	})

	var wg sync.WaitGroup
	run := func(f func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(ctx)
		}()
	}

	if redisSignal != nil {
		run(func(ctx context.Context) {
			if err := redisSignal.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Redis wake subscription stopped", zap.Error(err))
			}
		})
	}
	run(eval.Run)
	run(ticker.Run)
	run(dispatcher.Run)

	// gRPC health
	grpcServer := grpc.NewServer(db, 10*time.Second)
	grpcAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.GRPCPort)
	run(grpcServer.Watch)
	go func() {
		if err := grpcServer.StartServer(grpcAddr); err != nil {
			logger.Fatal("gRPC server failed", zap.Error(err))
		}
	}()

	// HTTP API
	api := server.NewServer(server.Deps{
		DB:          db,
		Rules:       rules,
		Alerts:      alerts,
		Channels:    router.NewStore(db),
		Maintenance: filter,
		Policies:    policies,
		Queue:       queue,
		Sender:      senders,
		Limiter:     limiter,
		ES:          esClient,
		AlertLog:    alertLog,
		Clock:       clk,
	}, configPath, cfg)
	defer api.Close()

	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort)
	httpServer := &http.Server{Addr: httpAddr, Handler: api.Handler()}
	go func() {
		logger.Info("Starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	logger.Info("Fleet alert service is running",
		zap.Int("http_port", cfg.Server.HTTPPort),
		zap.Int("grpc_port", cfg.Server.GRPCPort),
		zap.String("telemetry_source", cfg.Telemetry.Source),
	)

	<-ctx.Done()
	logger.Info("Received signal, shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown", zap.Error(err))
	}
	grpcServer.Stop()
	wg.Wait()

	logger.Info("Fleet alert service stopped")
}
