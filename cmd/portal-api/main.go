package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cybershield/portal/internal/auth"
	"github.com/cybershield/portal/internal/config"
	"github.com/cybershield/portal/internal/database"
	"github.com/cybershield/portal/internal/logging"
	"github.com/cybershield/portal/internal/metrics"
	"github.com/cybershield/portal/internal/orders"
	"github.com/cybershield/portal/internal/otp"
	"github.com/cybershield/portal/internal/realtime"
	"github.com/cybershield/portal/internal/realtimeclient"
	"github.com/cybershield/portal/internal/server"
	"github.com/cybershield/portal/internal/sms"
	"github.com/cybershield/portal/internal/users"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	cfgFile string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "portal-api",
		Short: "CyberShield portal API and realtime gateway",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newListenCommand(),
		newIssueTokenCommand(),
		newCreateUserCommand(),
		newCreateOrderCommand(),
	)
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session token signing secret (overrides env)")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().String("otp-store", defaults.GetString("otp.store"), "OTP store (memory, sqlite, redis)")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address for the redis OTP store")
	cmd.PersistentFlags().Int("max-missed-heartbeats", defaults.GetInt("realtime.max_missed_heartbeats"), "Unanswered pings before a connection is evicted")
	cmd.PersistentFlags().Bool("trust-client-identity", defaults.GetBool("realtime.trust_client_identity"), "Honour realtime auth messages without a session token")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "otp.store", "otp-store")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "realtime.max_missed_heartbeats", "max-missed-heartbeats")
	bindFlag(cmd, "realtime.trust_client_identity", "trust-client-identity")
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

func loadRuntime() (config.AppConfig, *zap.Logger, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	return appConfig, logger, nil
}

func newTokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
}

func runServer(ctx context.Context) error {
	appConfig, logger, err := loadRuntime()
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

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder, err := metrics.NewRecorder(registry)
	if err != nil {
		return err
	}

	tokenIssuer, err := newTokenIssuer(appConfig)
	if err != nil {
		return err
	}

	gateway, err := realtime.NewGateway(realtime.GatewayConfig{
		Validator:           tokenIssuer,
		TrustClientIdentity: appConfig.TrustClientIdentity,
		MaxMissedHeartbeats: appConfig.MaxMissedHeartbeats,
		SendBuffer:          appConfig.SendBuffer,
		Logger:              logger,
		Metrics:             recorder,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	orderService, err := orders.NewService(orders.ServiceConfig{
		Database: db,
		Notifier: gateway,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	store, closeStore, err := newOTPStore(appConfig, db)
	if err != nil {
		return err
	}
	defer closeStore()

	engine, err := otp.NewEngine(otp.EngineConfig{
		Store:   store,
		Sender:  newSMSSender(appConfig, logger),
		TTL:     appConfig.OTPTTL,
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		return err
	}

	scheduler := cron.New()
	if _, err := gateway.Schedule(scheduler, appConfig.HeartbeatSchedule); err != nil {
		return err
	}
	if _, err := engine.SchedulePrune(scheduler, appConfig.OTPPruneSchedule); err != nil {
		return err
	}
	scheduler.Start()
	defer func() {
		<-scheduler.Stop().Done()
	}()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:         tokenIssuer,
		OTP:            engine,
		Users:          userService,
		Orders:         orderService,
		Realtime:       gateway,
		Metrics:        promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("otp_store", appConfig.OTPStore),
			zap.Bool("sms_configured", appConfig.TwilioConfigured()),
		)
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
		serverErr := httpServer.Shutdown(shutdownCtx)
		if err := gateway.Shutdown(shutdownCtx); err != nil {
			logger.Warn("realtime gateway shutdown incomplete", zap.Error(err))
		}
		return serverErr
	case err := <-errCh:
		return err
	}
}

func newOTPStore(appConfig config.AppConfig, db *gorm.DB) (otp.Store, func(), error) {
	switch appConfig.OTPStore {
	case config.StoreSQLite:
		store, err := otp.NewGormStore(db)
		return store, func() {}, err
	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     appConfig.RedisAddress,
			Password: appConfig.RedisPassword,
			DB:       appConfig.RedisDB,
		})
		store, err := otp.NewRedisStore(client)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return store, func() { _ = client.Close() }, nil
	default:
		return otp.NewMemoryStore(), func() {}, nil
	}
}

func newSMSSender(appConfig config.AppConfig, logger *zap.Logger) sms.Sender {
	var sender sms.Sender = sms.NewUnconfiguredSender()
	if appConfig.TwilioConfigured() {
		twilioSender, err := sms.NewTwilioSender(sms.TwilioConfig{
			AccountSID: appConfig.TwilioAccountSID,
			AuthToken:  appConfig.TwilioAuthToken,
			FromNumber: appConfig.TwilioFromNumber,
			Logger:     logger,
		})
		if err != nil {
			logger.Warn("twilio sender unavailable, codes will be disclosed in responses", zap.Error(err))
		} else {
			sender = twilioSender
		}
	}
	return sms.NewBreakerSender(sender, sms.BreakerConfig{
		Name:        "twilio",
		MaxFailures: appConfig.SMSBreakerMaxFailures,
		Timeout:     appConfig.SMSBreakerTimeout,
		Logger:      logger,
	})
}

func newListenCommand() *cobra.Command {
	var (
		userID int64
		token  string
	)
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Connect to the realtime gateway and print notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			if userID > 0 && token == "" {
				tokenIssuer, err := newTokenIssuer(appConfig)
				if err != nil {
					return err
				}
				token, _, err = tokenIssuer.IssueToken(cmd.Context(), auth.Principal{UserID: userID, Role: auth.RoleUser})
				if err != nil {
					return err
				}
			}

			signalCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			consumer := realtimeclient.New(realtimeclient.Config{
				URL:            appConfig.ClientURL,
				UserID:         userID,
				Token:          token,
				ReconnectDelay: appConfig.ClientReconnectDelay,
				Logger:         logger,
				OnAlert: func(alert realtimeclient.Alert) {
					fmt.Fprintf(out, "%s: %s\n", alert.Title, alert.Message)
				},
			})
			consumer.Start(signalCtx)
			<-signalCtx.Done()
			consumer.Close()
			return nil
		},
	}
	cmd.Flags().Int64Var(&userID, "user-id", 0, "User id to authenticate as (0 connects anonymously)")
	cmd.Flags().StringVar(&token, "token", "", "Session token; issued locally from the signing secret when omitted")
	cmd.Flags().String("url", "", "Realtime gateway websocket URL")
	if err := viper.BindPFlag("client.url", cmd.Flags().Lookup("url")); err != nil {
		panic(err)
	}
	return cmd
}
