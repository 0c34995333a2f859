package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	"github.com/sniplink/sniplink/internal/auth"
	"github.com/sniplink/sniplink/internal/db"
	"github.com/sniplink/sniplink/internal/geo"
	"github.com/sniplink/sniplink/internal/handler"
	"github.com/sniplink/sniplink/internal/logger"
	"github.com/sniplink/sniplink/internal/repo"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

type Config struct {
	Host      string
	Port      string
	DBPath    string
	JWTSecret string
	BaseURL   string
	GeoAPIURL string
	LogLevel  string
	Debug     bool
}

func newConfigFromEnv() Config {
	cfg := Config{
		Host:      cmp.Or(os.Getenv("HOST"), "localhost"),
		Port:      cmp.Or(os.Getenv("PORT"), "8080"),
		DBPath:    cmp.Or(os.Getenv("DB_PATH"), "sniplink.db"),
		JWTSecret: os.Getenv("JWT_SECRET"),
		BaseURL:   cmp.Or(os.Getenv("BASE_URL"), "http://localhost:8080"),
		GeoAPIURL: cmp.Or(os.Getenv("GEO_API_URL"), "http://ip-api.com/json"),
		LogLevel:  cmp.Or(os.Getenv("LOG_LEVEL"), "info"),
		Debug:     os.Getenv("DEBUG") == "1",
	}

	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "insecure-dev-secret"
		log.Warn().Msg("using default JWT secret - set JWT_SECRET for production")
	}

	return cfg
}

func main() {
	cfg := newConfigFromEnv()

	logger.Setup(cfg.LogLevel, cfg.Debug)

	ctx := context.Background()
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("application error")
	}
}

func run(ctx context.Context, cfg Config) error {
	log.Info().
		Str("version", version).
		Str("build_time", buildTime).
		Msg("starting application")

	baseURL, err := url.Parse(cfg.BaseURL)
	if err != nil || baseURL.Scheme == "" || baseURL.Host == "" {
		return fmt.Errorf("invalid BASE_URL %q", cfg.BaseURL)
	}

	dbInstance, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbInstance.Close()

	var locator geo.Locator = geo.Noop{}
	if cfg.GeoAPIURL != "off" {
		locator = geo.NewClient(cfg.GeoAPIURL)
	}

	e := echo.New()
	defer e.Close()

	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = customErrorHandler

	e.Use(requestLogger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	usersRepo := repo.NewUsersRepo(dbInstance)
	linksRepo := repo.NewLinksRepo(dbInstance)

	authenticator := auth.NewAuthenticator(usersRepo, cfg.JWTSecret)
	authHandler := handler.NewAuthHandler(usersRepo, authenticator)
	linkHandler := handler.NewLinkHandler(linksRepo, locator, baseURL)

	e.POST("/auth/signup", authHandler.Signup)
	e.POST("/auth/login", authHandler.Login)
	e.POST("/auth/reset-password", authHandler.ResetPassword)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	api := e.Group("/api", auth.NewMiddleware(authenticator))
	api.POST("/links", linkHandler.CreateLink)
	api.GET("/links", linkHandler.ListLinks)
	api.GET("/links/original", linkHandler.GetOriginal)
	api.PUT("/links/customize", linkHandler.Customize)
	api.POST("/links/qr", linkHandler.GenerateQR)
	api.GET("/links/qr", linkHandler.GetQR)
	api.GET("/links/analysis", linkHandler.Analysis)
	api.DELETE("/links", linkHandler.DeleteLink)
	api.GET("/me", authHandler.GetProfile)
	api.PUT("/me", authHandler.UpdateProfile)
	api.PUT("/me/password", authHandler.ChangePassword)
	api.DELETE("/me", authHandler.DeleteAccount)

	// Parameterized redirect route (must be last)
	e.GET("/:code", linkHandler.Redirect)

	log.Info().Str("address", cfg.Port).Msg("server starting")

	runServer(ctx, e, cfg.Port)

	return nil
}

func runServer(ctx context.Context, e *echo.Echo, port string) {
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- e.Start(":" + port)
	}()

	// Wait for context cancellation (Ctrl+C or SIGTERM)
	<-ctx.Done()

	log.Info().Msg("shutdown signal received, gracefully shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error during graceful shutdown")
	}

	if err := <-serverErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("server error")
	}

	log.Info().Msg("server stopped")
}

func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus: true,
		LogMethod: true,
		LogURI:    true,
		LogError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Info().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Err(v.Error).
				Msg("request")
			return nil
		},
	})
}

func customErrorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	message := "internal server error"

	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		code = httpErr.Code
		if msg, ok := httpErr.Message.(string); ok {
			message = msg
		}
	}

	if code >= http.StatusInternalServerError || strings.HasPrefix(c.Path(), "/api") {
		log.Error().
			Int("code", code).
			Str("method", c.Request().Method).
			Str("path", c.Request().URL.Path).
			Err(err).
			Msg("http error")
	}

	if c.Response().Committed {
		return
	}

	_ = c.JSON(code, map[string]any{
		"error": message,
	})
}
