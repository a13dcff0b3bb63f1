package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/perchsocial/perch/backend/internal/accounts"
	"github.com/perchsocial/perch/backend/internal/auth"
	"github.com/perchsocial/perch/backend/internal/config"
	"github.com/perchsocial/perch/backend/internal/content"
	"github.com/perchsocial/perch/backend/internal/database"
	"github.com/perchsocial/perch/backend/internal/logging"
	"github.com/perchsocial/perch/backend/internal/server"
	"github.com/perchsocial/perch/backend/internal/social"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "perch-api",
		Short: "Perch identity and content API server",
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
	cmd.PersistentFlags().Int("access-ttl-minutes", defaults.GetInt("token.access_ttl_minutes"), "Access token TTL in minutes")
	cmd.PersistentFlags().Int("refresh-ttl-days", defaults.GetInt("token.refresh_ttl_days"), "Refresh token TTL in days")
	cmd.PersistentFlags().Bool("rotate-refresh", defaults.GetBool("token.rotate_refresh"), "Rotate refresh tokens on use")
	cmd.PersistentFlags().String("google-userinfo-url", defaults.GetString("google.userinfo_url"), "Google userinfo endpoint URL")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "token.access_ttl_minutes", "access-ttl-minutes")
	bindFlag(cmd, "token.refresh_ttl_days", "refresh-ttl-days")
	bindFlag(cmd, "token.rotate_refresh", "rotate-refresh")
	bindFlag(cmd, "google.userinfo_url", "google-userinfo-url")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "token.signing_secret", "signing-secret")
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

	accountsService, err := accounts.NewService(accounts.ServiceConfig{
		Database: db,
		Hasher:   accounts.NewHasher(0),
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	tokenService, err := auth.NewTokenService(auth.TokenServiceConfig{
		SigningSecret: []byte(appConfig.TokenSigningSecret),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
		AccessTTL:     appConfig.AccessTokenTTL,
		RefreshTTL:    appConfig.RefreshTokenTTL,
		RotateRefresh: appConfig.RotateRefresh,
		Database:      db,
		Clock:         time.Now,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	if pruned, err := tokenService.PruneExpired(ctx); err != nil {
		logger.Warn("revocation prune failed", zap.Error(err))
	} else if pruned > 0 {
		logger.Info("expired revocations pruned", zap.Int64("count", pruned))
	}

	googleProvider := auth.NewGoogleProvider(auth.GoogleProviderConfig{
		UserInfoURL: appConfig.GoogleUserInfoURL,
		Timeout:     appConfig.GoogleTimeout,
	})

	socialResolver, err := social.NewResolver(social.ResolverConfig{
		Database:  db,
		Providers: []auth.ClaimsResolver{googleProvider},
		Clock:     time.Now,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	contentService, err := content.NewService(content.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
		MediaPolicy: content.MediaPolicy{
			MaxSize:             appConfig.MediaMaxSizeBytes,
			AllowedContentTypes: appConfig.MediaAllowedTypes,
		},
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Accounts: accountsService,
		Tokens:   tokenService,
		Social:   socialResolver,
		Content:  contentService,
		RateLimits: server.RateLimiterConfig{
			Login:         server.ScopeLimit{PerMinute: appConfig.LoginPerMinute},
			Register:      server.ScopeLimit{PerMinute: appConfig.RegisterPerMinute},
			PostCreate:    server.ScopeLimit{PerMinute: appConfig.PostCreatePerMinute},
			CommentCreate: server.ScopeLimit{PerMinute: appConfig.CommentCreatePerMinute},
		},
		Logger: logger,
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
