package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/participa/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/participa/backend/internal/config"
	"github.com/MarcoPoloResearchLab/participa/backend/internal/database"
	"github.com/MarcoPoloResearchLab/participa/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/participa/backend/internal/mailer"
	"github.com/MarcoPoloResearchLab/participa/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/participa/backend/internal/providers"
	"github.com/MarcoPoloResearchLab/participa/backend/internal/server"
	"github.com/MarcoPoloResearchLab/participa/backend/internal/users"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	tokenIssuer           = "participa-auth"
	sessionAudience       = "participa-api"
	pendingSignupAudience = "participa-signup"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "participa-api",
		Short: "Participa account and authentication service",
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
	cmd.PersistentFlags().String("base-url", defaults.GetString("app.base_url"), "Public base URL used in mailed links")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("session-ttl-minutes", defaults.GetInt("session.ttl_minutes"), "Session lifetime in minutes")
	cmd.PersistentFlags().String("session-store", defaults.GetString("session.store"), "Session store (database, redis)")
	cmd.PersistentFlags().String("redis-address", "", "Redis address for the redis session store")
	cmd.PersistentFlags().String("mail-mode", defaults.GetString("mail.mode"), "Mail transport (log, smtp)")
	cmd.PersistentFlags().String("captcha-mode", defaults.GetString("captcha.mode"), "Registration captcha (disabled, recaptcha)")
	cmd.PersistentFlags().String("google-client-id", "", "Google OAuth client ID")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "app.base_url", "base-url")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "session.ttl_minutes", "session-ttl-minutes")
	bindFlag(cmd, "session.store", "session-store")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "mail.mode", "mail-mode")
	bindFlag(cmd, "captcha.mode", "captcha-mode")
	bindFlag(cmd, "providers.google.client_id", "google-client-id")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
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

	sessionTokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        tokenIssuer,
		Audience:      sessionAudience,
		TokenTTL:      appConfig.Session.TTL,
	})
	if err != nil {
		return err
	}
	pendingRefs, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        tokenIssuer,
		Audience:      pendingSignupAudience,
		TokenTTL:      appConfig.SignupTTL,
	})
	if err != nil {
		return err
	}

	sessionStore, closeStore, err := newSessionStore(appConfig, db)
	if err != nil {
		return err
	}
	defer closeStore()

	sessions, err := auth.NewSessionManager(auth.SessionManagerConfig{
		Store:      sessionStore,
		Tokens:     sessionTokens,
		CookieName: appConfig.Session.CookieName,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	sender, err := newMailSender(appConfig.Mail, logger)
	if err != nil {
		return err
	}
	notifier, err := mailer.NewNotifier(mailer.NotifierConfig{Sender: sender, BaseURL: appConfig.BaseURL})
	if err != nil {
		return err
	}

	var captcha users.CaptchaVerifier = auth.DisabledCaptcha{}
	if appConfig.Captcha.Mode == config.CaptchaRecaptcha {
		recaptcha, err := auth.NewRecaptchaVerifier(auth.RecaptchaConfig{
			Secret:    appConfig.Captcha.Secret,
			VerifyURL: appConfig.Captcha.VerifyURL,
		})
		if err != nil {
			return err
		}
		captcha = recaptcha
	}

	registry, err := newProviderRegistry(appConfig, logger)
	if err != nil {
		return err
	}

	recorder := metrics.NewRecorder()
	accountService, err := users.NewService(users.ServiceConfig{
		Database:        db,
		Sessions:        sessions,
		PendingRefs:     pendingRefs,
		Hasher:          auth.NewBcryptHasher(appConfig.BcryptCost),
		Captcha:         captcha,
		Notifier:        notifier,
		Metrics:         recorder,
		Logger:          logger,
		ConfirmationTTL: appConfig.ConfirmationTTL,
		ResetTTL:        appConfig.ResetTTL,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Accounts:       accountService,
		Sessions:       sessions,
		Providers:      registry,
		Metrics:        recorder,
		AllowedOrigins: appConfig.AllowedOrigins,
		SecureCookies:  strings.HasPrefix(appConfig.BaseURL, "https://"),
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("session_store", appConfig.Session.Store),
			zap.Strings("providers", registry.Names()))
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

func newSessionStore(appConfig config.AppConfig, db *gorm.DB) (auth.SessionStore, func(), error) {
	if appConfig.Session.Store == config.SessionStoreRedis {
		client := redis.NewClient(&redis.Options{
			Addr:     appConfig.Redis.Address,
			Password: appConfig.Redis.Password,
			DB:       appConfig.Redis.DB,
		})
		store, err := auth.NewRedisSessionStore(client, time.Now)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return store, func() { _ = client.Close() }, nil
	}
	store, err := auth.NewDatabaseSessionStore(db)
	if err != nil {
		return nil, nil, err
	}
	return store, func() {}, nil
}

func newMailSender(cfg config.MailConfig, logger *zap.Logger) (mailer.Sender, error) {
	if cfg.Mode != config.MailModeSMTP {
		return mailer.NewLogSender(logger), nil
	}
	return mailer.NewSMTPSender(mailer.SMTPConfig{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Username,
		Password: cfg.Password,
		From:     cfg.From,
		TLSMode:  cfg.TLS,
		Logger:   logger,
	})
}

func newProviderRegistry(appConfig config.AppConfig, logger *zap.Logger) (*providers.Registry, error) {
	clients := make([]providers.Client, 0, len(appConfig.OAuth)+1)
	for _, provider := range appConfig.OAuth {
		client, err := providers.NewOAuthClient(providers.OAuthClientConfig{
			Name:         provider.Name,
			ClientID:     provider.ClientID,
			ClientSecret: provider.ClientSecret,
			AuthURL:      provider.AuthURL,
			TokenURL:     provider.TokenURL,
			UserInfoURL:  provider.UserInfoURL,
			RedirectURL:  provider.RedirectURL,
			Scopes:       provider.Scopes,
			Fields:       providers.DefaultClaimFields(provider.Name),
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		clients = append(clients, client)
	}
	if appConfig.Google.ClientID != "" {
		google, err := providers.NewGoogleClient(providers.GoogleClientConfig{
			Audience: appConfig.Google.ClientID,
			JWKSURL:  appConfig.Google.JWKSURL,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		clients = append(clients, google)
	}
	return providers.NewRegistry(clients...), nil
}
