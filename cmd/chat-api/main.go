package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/tuckermclean/tuckermclean.com-backend/internal/auth"
	"github.com/tuckermclean/tuckermclean.com-backend/internal/config"
	"github.com/tuckermclean/tuckermclean.com-backend/internal/conversation"
	"github.com/tuckermclean/tuckermclean.com-backend/internal/database"
	"github.com/tuckermclean/tuckermclean.com-backend/internal/delivery"
	"github.com/tuckermclean/tuckermclean.com-backend/internal/dispatch"
	"github.com/tuckermclean/tuckermclean.com-backend/internal/logging"
	"github.com/tuckermclean/tuckermclean.com-backend/internal/notify"
	"github.com/tuckermclean/tuckermclean.com-backend/internal/pushkeys"
	"github.com/tuckermclean/tuckermclean.com-backend/internal/queue"
	"github.com/tuckermclean/tuckermclean.com-backend/internal/registry"
	"github.com/tuckermclean/tuckermclean.com-backend/internal/routing"
	"github.com/tuckermclean/tuckermclean.com-backend/internal/server"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "chat-api",
		Short: "Site chat relay backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address")
	cmd.PersistentFlags().String("queue-prefix", defaults.GetString("queue.prefix"), "Queue key prefix")
	cmd.PersistentFlags().Int("queue-max-receive", defaults.GetInt("queue.max_receive"), "Deliveries before a record dead-letters")
	cmd.PersistentFlags().Bool("queue-dlq-lane", defaults.GetBool("queue.dlq_lane"), "Run the dead-letter consumer lane")
	cmd.PersistentFlags().String("pool-jwks-url", defaults.GetString("pool.jwks_url"), "User pool JWKS URL")
	cmd.PersistentFlags().String("pool-audience", defaults.GetString("pool.audience"), "Expected access token audience")
	cmd.PersistentFlags().String("sms-webhook-url", defaults.GetString("sms.webhook_url"), "SMS fallback webhook URL")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "queue.prefix", "queue-prefix")
	bindFlag(cmd, "queue.max_receive", "queue-max-receive")
	bindFlag(cmd, "queue.dlq_lane", "queue-dlq-lane")
	bindFlag(cmd, "pool.jwks_url", "pool-jwks-url")
	bindFlag(cmd, "pool.audience", "pool-audience")
	bindFlag(cmd, "sms.webhook_url", "sms-webhook-url")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     appConfig.RedisAddress,
		Password: appConfig.RedisPassword,
	})
	defer redisClient.Close()

	registryService, err := registry.NewService(registry.ServiceConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	var notifier conversation.Notifier
	if appConfig.SMSWebhookURL != "" {
		smsNotifier, smsErr := notify.NewSMSWebhook(notify.SMSWebhookConfig{
			WebhookURL: appConfig.SMSWebhookURL,
			Recipient:  appConfig.SMSRecipient,
			Logger:     logger,
		})
		if smsErr != nil {
			return smsErr
		}
		notifier = smsNotifier
	}

	conversationService, err := conversation.NewService(conversation.ServiceConfig{
		Database: db,
		Notifier: notifier,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	pushKeyService, err := pushkeys.NewService(pushkeys.ServiceConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	poolVerifier, err := auth.NewPoolVerifier(auth.PoolVerifierConfig{
		Audience:    appConfig.PoolAudience,
		JWKSURL:     appConfig.PoolJWKSURL,
		AdminGroup:  appConfig.AdminGroup,
		GroupsClaim: appConfig.GroupsClaim,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	messageQueue, err := queue.NewRedisQueue(queue.RedisQueueConfig{
		Client:     redisClient,
		Prefix:     appConfig.QueuePrefix,
		MaxReceive: appConfig.MaxReceive,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	redriver, err := queue.NewRedriver(queue.RedriverConfig{
		Queue:  messageQueue,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	gateway, err := server.NewGateway(server.GatewayConfig{
		Registry:  registryService,
		Publisher: messageQueue,
		Verifier:  poolVerifier,
		Redriver:  redriver,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	engine, err := delivery.NewEngine(delivery.EngineConfig{
		Transport: gateway,
		Registry:  registryService,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	policy, err := routing.NewPolicy(routing.PolicyConfig{
		Registry: registryService,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	dispatcher, err := dispatch.NewDispatcher(dispatch.DispatcherConfig{
		Policy:       policy,
		Engine:       engine,
		EchoNoAdmins: true,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	consumer, err := queue.NewConsumer(queue.ConsumerConfig{
		Queue:     messageQueue,
		Handler:   dispatcher.HandleBatch,
		BatchSize: appConfig.ConsumerBatch,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Registry:      registryService,
		Conversations: conversationService,
		PushKeys:      pushKeyService,
		Publisher:     messageQueue,
		Verifier:      poolVerifier,
		Gateway:       gateway,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go runConsumer(signalCtx, consumer, logger, "primary")

	if appConfig.RunDLQLane {
		dlqDispatcher, dlqErr := dispatch.NewDispatcher(dispatch.DispatcherConfig{
			Policy: policy,
			Engine: engine,
			Logger: logger,
		})
		if dlqErr != nil {
			return dlqErr
		}
		dlqConsumer, dlqErr := queue.NewConsumer(queue.ConsumerConfig{
			Queue:     messageQueue.DeadLetterLane(),
			Handler:   dlqDispatcher.HandleBatch,
			BatchSize: appConfig.ConsumerBatch,
			Logger:    logger,
		})
		if dlqErr != nil {
			return dlqErr
		}
		go runConsumer(signalCtx, dlqConsumer, logger, "dead-letter")
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runConsumer(ctx context.Context, consumer *queue.Consumer, logger *zap.Logger, lane string) {
	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("consumer stopped", zap.String("lane", lane), zap.Error(err))
	}
}
