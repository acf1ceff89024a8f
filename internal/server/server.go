package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/transitops/opsadmin/internal/alerts"
	"github.com/transitops/opsadmin/internal/archive"
	"github.com/transitops/opsadmin/internal/auth"
	"github.com/transitops/opsadmin/internal/config"
	"github.com/transitops/opsadmin/internal/email"
	"github.com/transitops/opsadmin/internal/history"
	"github.com/transitops/opsadmin/internal/metrics"
	"github.com/transitops/opsadmin/internal/middleware"
	"github.com/transitops/opsadmin/internal/recorder"
	"github.com/transitops/opsadmin/internal/revert"
	"github.com/transitops/opsadmin/internal/settings"
	_ "modernc.org/sqlite"
)

const (
	apiPrefix              = "/api/v1"
	limiterCleanupInterval = 10 * time.Minute
	badgerGCInterval       = 10 * time.Minute
)

// localAdmin is the actor attached to requests when authentication is disabled
var localAdmin = &auth.User{
	ID:       "local-admin",
	Username: "admin",
	Roles:    []string{auth.RoleAdmin},
	Status:   auth.UserStatusActive,
}

// Server represents the opsadmin server
type Server struct {
	config      *config.Config
	logger      *logrus.Logger
	httpServer  *http.Server
	db          *sql.DB
	settings    *settings.Manager
	history     *history.Manager
	recorder    *recorder.Recorder
	reverter    *revert.Engine
	detector    *alerts.Detector
	directory   *auth.Directory
	tokens      *auth.TokenManager
	metrics     *metrics.Manager
	rateLimiter *middleware.RateLimiter
	startTime   time.Time
	closeOnce   sync.Once
}

// Option customises a Server
type Option func(*options)

type options struct {
	notifiers []alerts.Notifier
	uploader  archive.Uploader
}

// WithNotifier adds a critical change alert channel
func WithNotifier(n alerts.Notifier) Option {
	return func(o *options) { o.notifiers = append(o.notifiers, n) }
}

// WithArchiveUploader replaces the S3 client used for history archives
func WithArchiveUploader(u archive.Uploader) Option {
	return func(o *options) { o.uploader = u }
}

// New creates a new opsadmin server
func New(cfg *config.Config, logger *logrus.Logger, opts ...Option) (*Server, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	db, err := sql.Open("sqlite", cfg.SettingsDBPath()+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Server{
		config:    cfg,
		logger:    logger,
		db:        db,
		startTime: time.Now(),
	}
	if err := s.init(o); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func (s *Server) init(o options) error {
	cfg := s.config
	var err error

	if cfg.Metrics.Enable {
		s.metrics = metrics.NewManager()
	}

	s.settings, err = settings.NewManager(s.db, s.logger)
	if err != nil {
		return fmt.Errorf("failed to create settings manager: %w", err)
	}

	s.directory, err = auth.NewDirectory(s.db, s.logger)
	if err != nil {
		return fmt.Errorf("failed to create actor directory: %w", err)
	}

	if cfg.Auth.Enable {
		s.tokens, err = auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
		if err != nil {
			return fmt.Errorf("failed to create token manager: %w", err)
		}
	}

	store, err := s.openHistoryStore()
	if err != nil {
		return err
	}
	s.history = history.NewManager(store, s.logger)
	s.history.SetActorResolver(s.directory)

	if cfg.Archive.Enable {
		uploader := o.uploader
		if uploader == nil {
			uploader = archive.NewS3Client(archive.Config{
				Endpoint:  cfg.Archive.Endpoint,
				Region:    cfg.Archive.Region,
				Bucket:    cfg.Archive.Bucket,
				Prefix:    cfg.Archive.Prefix,
				AccessKey: cfg.Archive.AccessKey,
				SecretKey: cfg.Archive.SecretKey,
			})
		}
		s.history.SetArchiver(archive.NewArchiver(uploader, cfg.Archive.Bucket, cfg.Archive.Prefix, s.logger))
	}

	notifiers := []alerts.Notifier{
		alerts.NewLogNotifier(s.logger),
		alerts.NewWebhookNotifier(s.webhookURL, s.logger),
	}
	if cfg.Alerts.Email.Enabled {
		sender := email.NewSender(email.Config{
			Host:     cfg.Alerts.Email.Host,
			Port:     cfg.Alerts.Email.Port,
			User:     cfg.Alerts.Email.User,
			Password: cfg.Alerts.Email.Password,
			From:     cfg.Alerts.Email.From,
			TLSMode:  cfg.Alerts.Email.TLSMode,
		})
		notifiers = append(notifiers, alerts.NewEmailNotifier(sender, s.alertRecipients))
	}
	notifiers = append(notifiers, o.notifiers...)
	s.detector = alerts.NewDetector(s.logger, notifiers...)

	s.recorder = recorder.New(s.history, s.detector, s.logger, recorder.Options{
		QueueSize:   cfg.Recorder.QueueSize,
		Workers:     cfg.Recorder.Workers,
		TaskTimeout: cfg.Recorder.TaskTimeout,
	})
	s.reverter = revert.NewEngine(s.settings, s.history, s.recorder, s.logger)

	if s.metrics != nil {
		s.history.SetObserver(s.metrics)
		s.detector.SetObserver(s.metrics)
		s.recorder.SetObserver(s.metrics)
		s.metrics.RegisterSettingsVersion(func() float64 {
			return float64(s.settings.Current().Version)
		})
	}

	s.rateLimiter = middleware.NewRateLimiter(s.ratePolicy, s.rateLimitKey, s.logger)

	s.httpServer = &http.Server{
		Addr:              cfg.Listen,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.setupRoutes()

	// Workers run from construction so handlers work before Start (tests, token command)
	s.recorder.Start()
	return nil
}

func (s *Server) openHistoryStore() (history.Store, error) {
	switch s.config.History.Backend {
	case "badger":
		store, err := history.NewBadgerStore(history.BadgerOptions{
			Dir:        s.config.HistoryDir(),
			Retention:  time.Duration(s.config.History.RetentionDays) * 24 * time.Hour,
			GCInterval: badgerGCInterval,
			Logger:     s.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open badger history store: %w", err)
		}
		return store, nil
	default:
		store, err := history.NewSQLiteStoreWithDB(s.db, s.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite history store: %w", err)
		}
		return store, nil
	}
}

// webhookURL prefers the configured endpoint over the live setting
func (s *Server) webhookURL() string {
	if s.config.Alerts.WebhookURL != "" {
		return s.config.Alerts.WebhookURL
	}
	return s.settings.Notifications().WebhookURL
}

// alertRecipients prefers configured recipients over the live alert email
func (s *Server) alertRecipients() []string {
	if len(s.config.Alerts.Email.To) > 0 {
		return s.config.Alerts.Email.To
	}
	if addr := s.settings.Notifications().AlertEmail; addr != "" {
		return []string{addr}
	}
	return nil
}

func (s *Server) ratePolicy() (bool, int) {
	sec := s.settings.Security()
	return sec.RateLimitEnabled, sec.RateLimitMaxRequests
}

// rateLimitKey buckets authenticated requests per actor, others per address
func (s *Server) rateLimitKey(r *http.Request) string {
	if id := auth.GetUserIDFromContext(r.Context()); id != "" {
		return "actor:" + id
	}
	return "ip:" + s.clientIP(r)
}

func (s *Server) clientIP(r *http.Request) string {
	return middleware.ClientIP(r, s.config.TrustProxy)
}

func (s *Server) ipAllowlist() []string {
	return s.settings.Security().IPWhitelist
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Tokens returns the token manager, nil when authentication is disabled
func (s *Server) Tokens() *auth.TokenManager {
	return s.tokens
}

// Directory returns the actor directory
func (s *Server) Directory() *auth.Directory {
	return s.directory
}

// Start serves HTTP and runs background jobs until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	s.logger.WithFields(logrus.Fields{
		"address":         s.config.Listen,
		"data_dir":        s.config.DataDir,
		"history_backend": s.config.History.Backend,
		"auth":            s.config.Auth.Enable,
	}).Info("Starting opsadmin server")

	if err := s.history.StartRetentionJob(ctx, s.config.History.RetentionDays, s.config.History.PurgeSchedule); err != nil {
		s.close()
		return fmt.Errorf("failed to start retention job: %w", err)
	}
	s.rateLimiter.StartCleanup(ctx, limiterCleanupInterval)

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("address", s.config.Listen).Info("Starting API server")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-errCh:
		s.close()
		return fmt.Errorf("API server error: %w", err)
	}
}

func (s *Server) shutdown() error {
	s.logger.Info("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.WithError(err).Error("Failed to shutdown API server")
	}

	s.close()
	return nil
}

// Close releases every resource without serving; used by tests and commands
func (s *Server) Close() {
	s.close()
}

// close drains pending history work before closing stores
func (s *Server) close() {
	s.closeOnce.Do(s.closeResources)
}

func (s *Server) closeResources() {
	if s.recorder != nil {
		s.recorder.Close()
	}
	if s.history != nil {
		if err := s.history.Close(); err != nil {
			s.logger.WithError(err).Error("Failed to close history store")
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.WithError(err).Error("Failed to close database")
		}
	}
}

func (s *Server) setupRoutes() {
	router := mux.NewRouter()

	if s.metrics != nil {
		router.Use(s.metrics.Middleware())
		router.Handle(s.config.Metrics.Path, s.metrics.Handler()).Methods(http.MethodGet)
	}
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := router.PathPrefix(apiPrefix).Subrouter()
	api.Use(middleware.IPAllowlist(s.ipAllowlist, s.clientIP, s.logger))
	if s.config.Auth.Enable {
		api.Use(auth.Middleware(s.tokens, s.directory, s.logger))
	} else {
		api.Use(auth.StaticMiddleware(localAdmin))
	}
	api.Use(middleware.CaptureUser)
	api.Use(auth.RequireAdmin)
	api.Use(s.rateLimiter.Handler)

	// History routes must be registered before /settings/{key}
	api.HandleFunc("/settings/history/stats/summary", s.handleHistoryStats).Methods(http.MethodGet)
	api.HandleFunc("/settings/history/cleanup", s.handleHistoryCleanup).Methods(http.MethodDelete)
	api.HandleFunc("/settings/history/{id}/revert", s.handleRevert).Methods(http.MethodPost)
	api.HandleFunc("/settings/history/{id}", s.handleGetHistoryRecord).Methods(http.MethodGet)
	api.HandleFunc("/settings/history", s.handleListHistory).Methods(http.MethodGet)

	api.HandleFunc("/settings/reset", s.handleResetSettings).Methods(http.MethodPost)
	api.HandleFunc("/settings", s.handleGetSettings).Methods(http.MethodGet)
	api.HandleFunc("/settings", s.handleBulkUpdate).Methods(http.MethodPut)
	api.HandleFunc("/settings/{key}", s.handleGetSetting).Methods(http.MethodGet)
	api.HandleFunc("/settings/{key}", s.handleUpdateSetting).Methods(http.MethodPut)

	var handler http.Handler = router
	handler = middleware.CORS(s.config.CORSOrigins)(handler)
	handler = middleware.Logging(s.logger)(handler)
	s.httpServer.Handler = handlers.RecoveryHandler(
		handlers.RecoveryLogger(s.logger),
		handlers.PrintRecoveryStack(true),
	)(handler)
}
