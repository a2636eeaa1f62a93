package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/convoease/convoease/moderation/archive"
	"github.com/convoease/convoease/moderation/cachestore"
	"github.com/convoease/convoease/moderation/countstore"
	"github.com/convoease/convoease/moderation/engine"
	"github.com/convoease/convoease/moderation/flagstore"
	"github.com/convoease/convoease/moderation/inference"
	"github.com/convoease/convoease/moderation/judge"
	"github.com/convoease/convoease/moderation/normalize"
	"github.com/convoease/convoease/util/cliutil"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"gorm.io/plugin/opentelemetry/tracing"
)

// request metrics register collectors globally, so the middleware is built once per process
var echoMetrics = sync.OnceValue(func() echo.MiddlewareFunc {
	return echoprometheus.NewMiddleware("convoease")
})

type Server struct {
	engine  *engine.Engine
	archive *archive.Archive
	echo    *echo.Echo
	httpd   *http.Server
	logger  *slog.Logger

	// initial rules for conversations created without any
	defaultRules string

	convLk sync.RWMutex
	convs  map[string]*engine.Conversation
}

type Config struct {
	Logger             *slog.Logger
	InferenceHost      string
	APIKey             string
	TextModel          string
	VisionModel        string
	AudioModel         string
	JudgeTimeout       time.Duration
	NormalizeTimeout   time.Duration
	InferenceRateLimit float64
	RedisURL           string
	DatabaseURL        string
	MaxDBConnections   int
	DBTracing          bool
	SlackWebhookURL    string
	DefaultRules       string
	Bind               string
}

const verdictTTL = 30 * time.Minute

// Builds the moderation engine and its stores from config. Without an API key, no remote capability is configured and all content is accepted (degraded).
func NewEngine(config Config) (*engine.Engine, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var counters countstore.CountStore
	var cache cachestore.CacheStore[judge.Verdict]
	var flags flagstore.FlagStore
	if config.RedisURL != "" {
		rdb, err := cliutil.SetupRedis(context.Background(), config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("initializing redis stores: %w", err)
		}
		counters = countstore.NewRedisCountStore(rdb)
		cache = cachestore.NewRedisCacheStore[judge.Verdict](rdb, judge.VerdictCacheNamespace, verdictTTL)
		flags = flagstore.NewRedisFlagStore(rdb)
	} else {
		counters = countstore.NewMemCountStore()
		cache = cachestore.NewMemCacheStore[judge.Verdict](5_000, verdictTTL)
		flags = flagstore.NewMemFlagStore()
	}

	eng := engine.Engine{
		Logger: logger,
		Validator: &judge.Validator{
			Cache:   cache,
			Timeout: config.JudgeTimeout,
			Logger:  logger.With("component", "validator"),
		},
		Normalizer: &normalize.Normalizer{
			Timeout: config.NormalizeTimeout,
			Logger:  logger.With("component", "normalizer"),
		},
		Counters: counters,
		Flags:    flags,
	}

	if config.APIKey != "" {
		logger.Info("configuring inference client", "host", config.InferenceHost, "textModel", config.TextModel)
		ic := inference.NewClient(config.InferenceHost, config.APIKey, config.InferenceRateLimit)
		ic.Logger = logger.With("component", "inference")
		if config.TextModel != "" {
			ic.TextModel = config.TextModel
		}
		if config.VisionModel != "" {
			ic.VisionModel = config.VisionModel
		}
		if config.AudioModel != "" {
			ic.AudioModel = config.AudioModel
		}
		eng.Validator.Judge = judge.NewBreakerJudge(ic, judge.BreakerConfig{Logger: logger})
		eng.Normalizer.Captioner = ic
		eng.Normalizer.Transcriber = ic
	} else {
		logger.Warn("no inference API key configured; all content will be accepted without moderation")
	}

	if config.DatabaseURL != "" {
		db, err := cliutil.SetupDatabase(config.DatabaseURL, config.MaxDBConnections)
		if err != nil {
			return nil, fmt.Errorf("initializing archive database: %w", err)
		}
		if config.DBTracing {
			if err := db.Use(tracing.NewPlugin()); err != nil {
				return nil, err
			}
		}
		arc, err := archive.New(db)
		if err != nil {
			return nil, err
		}
		eng.Archive = arc
	}

	if config.SlackWebhookURL != "" {
		eng.Notifier = &engine.SlackNotifier{SlackWebhookURL: config.SlackWebhookURL}
	}
	return &eng, nil
}

func NewServer(config Config) (*Server, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
		config.Logger = logger
	}

	eng, err := NewEngine(config)
	if err != nil {
		return nil, err
	}
	return newServer(eng, config), nil
}

func newServer(eng *engine.Engine, config Config) *Server {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := echo.New()

	// httpd
	var (
		httpTimeout        = 2 * time.Minute
		httpMaxHeaderBytes = 1 * (1024 * 1024)
	)

	srv := &Server{
		engine:       eng,
		archive:      eng.Archive,
		echo:         e,
		logger:       logger,
		defaultRules: config.DefaultRules,
		convs:        make(map[string]*engine.Conversation),
	}
	srv.httpd = &http.Server{
		Handler:        srv,
		Addr:           config.Bind,
		WriteTimeout:   httpTimeout,
		ReadTimeout:    httpTimeout,
		MaxHeaderBytes: httpMaxHeaderBytes,
	}

	e.HideBanner = true
	e.Use(slogecho.New(logger))
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("convoease"))
	e.Use(echoMetrics())
	// media uploads, plus multipart overhead
	e.Use(middleware.BodyLimit("30M"))
	e.HTTPErrorHandler = srv.errorHandler
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "SAMEORIGIN",
		HSTSMaxAge:         31536000, // 365 days
	}))

	e.GET("/_health", srv.HandleHealthCheck)
	e.POST("/api/conversations", srv.HandleCreateConversation)
	e.GET("/api/conversations/:conv/rules", srv.HandleGetRules)
	e.PUT("/api/conversations/:conv/rules", srv.HandleUpdateRules)
	e.POST("/api/conversations/:conv/messages", srv.HandleSubmitMessage)
	e.POST("/api/conversations/:conv/media", srv.HandleSubmitMedia)
	e.GET("/api/conversations/:conv/delivered", srv.HandleDelivered)
	e.GET("/api/conversations/:conv/flagged", srv.HandleFlagged)
	e.GET("/api/conversations/:conv/stats", srv.HandleStats)
	e.GET("/api/conversations/:conv/items/:id/payload", srv.HandleItemPayload)
	e.POST("/api/conversations/:conv/clear", srv.HandleClear)
	e.DELETE("/api/conversations/:conv", srv.HandleDeleteConversation)
	e.GET("/api/conversations/:conv/history", srv.HandleHistory)
	e.GET("/api/senders/:sender/flags", srv.HandleSenderFlags)
	e.DELETE("/api/senders/:sender/flags", srv.HandleClearSenderFlags)
	e.GET("/api/stats", srv.HandleGlobalStats)

	return srv
}

func (srv *Server) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	srv.echo.ServeHTTP(rw, req)
}

func (srv *Server) addConversation(conv *engine.Conversation) {
	srv.convLk.Lock()
	defer srv.convLk.Unlock()
	srv.convs[conv.ID] = conv
}

// returns false if the conversation wasn't known
func (srv *Server) removeConversation(id string) bool {
	srv.convLk.Lock()
	defer srv.convLk.Unlock()
	_, ok := srv.convs[id]
	delete(srv.convs, id)
	return ok
}

func (srv *Server) conversation(id string) (*engine.Conversation, bool) {
	srv.convLk.RLock()
	defer srv.convLk.RUnlock()
	conv, ok := srv.convs[id]
	return conv, ok
}

// Serves the API until the context is cancelled, then shuts down gracefully.
func (srv *Server) RunAPI(ctx context.Context) error {
	srv.logger.Info("starting server", "bind", srv.httpd.Addr)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.httpd.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			srv.logger.Error("HTTP server shutting down unexpectedly", "err", err)
		}
		return err
	case <-ctx.Done():
	}

	if err := srv.Shutdown(); err != nil {
		srv.logger.Error("HTTP server shutdown error", "err", err)
		return err
	}
	srv.logger.Info("graceful shutdown complete")
	return nil
}

func (srv *Server) Shutdown() error {
	srv.logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.httpd.Shutdown(ctx)
}

// Serves prometheus metrics on a separate listener until the context is cancelled.
func RunMetrics(ctx context.Context, listen string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	httpd := &http.Server{Addr: listen, Handler: mux}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpd.Shutdown(shutCtx)
	}()
	if err := httpd.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
