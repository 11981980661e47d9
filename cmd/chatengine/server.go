package main

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	apperrors "chatengine/internal/errors"
	"chatengine/internal/httputil"
	"chatengine/internal/logging"
	"chatengine/internal/metrics"
	"chatengine/internal/middleware"
	"chatengine/internal/models"
	"chatengine/internal/queue"
	"chatengine/internal/service"
	"chatengine/internal/validation"
	"chatengine/internal/webhook"
	"chatengine/pkg/media"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/skip2/go-qrcode"
)

const qrImageSize = 256

// Engine is the part of service.Engine the HTTP layer calls.
type Engine interface {
	CreateSession(ctx context.Context, tenantID string, platform models.Platform, credentials string) (*models.Session, error)
	Session(tenantID string, platform models.Platform) (*models.Session, error)
	Sessions(tenantID string) []*models.Session
	ReconnectSession(ctx context.Context, tenantID string, platform models.Platform) (*models.Session, error)
	DisconnectSession(ctx context.Context, tenantID string, platform models.Platform) (*models.Session, error)
	Enqueue(ctx context.Context, tenantID string, platform models.Platform, to string, payload models.Payload, priority models.Priority) (*models.QueuedMessage, error)
	QueueStats(tenantID string, platform models.Platform) (queue.Stats, error)
	ProcessWebhook(ctx context.Context, tenantID string, platform models.Platform, body []byte) webhook.Result
	Conversations(ctx context.Context, tenantID string, limit int) ([]*models.Conversation, error)
	ConversationMessages(ctx context.Context, tenantID, conversationID string, limit int) ([]*models.Message, error)
	MarkRead(ctx context.Context, tenantID, conversationID string) (*models.Conversation, error)
	Ping(ctx context.Context) error
	Stats() service.Stats
}

// Subscriptions upgrades a request to a tenant's live event stream.
type Subscriptions interface {
	Serve(w http.ResponseWriter, r *http.Request, tenantID string)
}

type Server struct {
	router      *mux.Router
	cfg         *models.Config
	engine      Engine
	hub         Subscriptions
	limiter     *RateLimiter
	logger      *logrus.Logger
	server      *http.Server
	verifyToken string
}

type createSessionRequest struct {
	Credentials string `json:"credentials"`
}

type enqueueRequest struct {
	To       string             `json:"to"`
	Type     models.MessageType `json:"type"`
	Text     string             `json:"text"`
	Caption  string             `json:"caption"`
	MediaURL string             `json:"mediaUrl"`
	MimeType string             `json:"mimeType"`
	FileName string             `json:"fileName"`
	Priority models.Priority    `json:"priority"`
}

// NewServer wires the routes. localMedia may be nil when media lives in S3.
func NewServer(cfg *models.Config, engine Engine, hub Subscriptions, localMedia *media.LocalStore, logger *logrus.Logger) *Server {
	s := &Server{
		router:      mux.NewRouter(),
		cfg:         cfg,
		engine:      engine,
		hub:         hub,
		limiter:     NewRateLimiter(cfg.Server.RateLimitPerMinute, time.Minute),
		logger:      logger,
		verifyToken: cfg.Meta.VerifyToken,
	}
	s.setupRoutes(localMedia)
	return s
}

func (s *Server) setupRoutes(localMedia *media.LocalStore) {
	s.router.Use(middleware.Observability(s.logger))
	s.router.Use(middleware.DetailedLogging(s.logger, middleware.DefaultDetailedLoggingConfig()))

	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(metrics.NewPrometheusRegistry(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics/json", s.handleMetrics()).Methods(http.MethodGet)

	if localMedia != nil {
		files := http.StripPrefix("/media/", http.FileServer(http.Dir(localMedia.Dir())))
		s.router.PathPrefix("/media/").Handler(noDirectoryListing(files)).Methods(http.MethodGet)
	}

	hooks := s.router.PathPrefix("/webhooks/{tenant}/{platform}").Subrouter()
	hooks.Use(middleware.Webhook(s.logger))
	hooks.HandleFunc("", s.handleWebhook()).Methods(http.MethodPost)
	hooks.HandleFunc("", s.handleWebhookVerification()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/tenants/{tenant}").Subrouter()
	api.Use(s.rateLimit, s.authenticate)

	api.HandleFunc("/sessions", s.handleListSessions()).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{platform}", s.handleCreateSession()).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{platform}", s.handleGetSession()).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{platform}", s.handleDisconnectSession()).Methods(http.MethodDelete)
	api.HandleFunc("/sessions/{platform}/reconnect", s.handleReconnectSession()).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{platform}/qr.png", s.handleSessionQR()).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{platform}/messages", s.handleEnqueue()).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{platform}/queue", s.handleQueueStats()).Methods(http.MethodGet)

	api.HandleFunc("/conversations", s.handleListConversations()).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/messages", s.handleConversationMessages()).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/read", s.handleMarkRead()).Methods(http.MethodPost)

	api.HandleFunc("/ws", s.handleWebSocket()).Methods(http.MethodGet).Name(wsRouteName)
}

func (s *Server) Start() error {
	port := s.cfg.Server.Port
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%s", port),
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(s.cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(s.cfg.Server.IdleTimeoutSec) * time.Second,
	}

	s.logger.Infof("Starting server on port %s", port)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

const wsRouteName = "ws"

// authenticate checks the bearer API key. Browsers cannot set headers on a
// WebSocket upgrade, so the ws route also accepts ?access_token=.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		expected := s.cfg.Server.APIKey
		if expected == "" {
			next.ServeHTTP(w, r)
			return
		}

		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			token = r.Header.Get("X-API-Key")
		}
		if token == "" {
			if route := mux.CurrentRoute(r); route != nil && route.GetName() == wsRouteName {
				token = r.URL.Query().Get("access_token")
			}
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			s.logger.WithFields(logrus.Fields{
				logging.LogFieldRemoteIP: httputil.GetClientIP(r),
				logging.LogFieldURL:      r.URL.Path,
			}).Warn("Rejected API request with invalid credentials")
			httputil.WriteError(w, r, apperrors.NewAuthError("invalid or missing API key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(httputil.GetClientIP(r)) {
			httputil.WriteError(w, r, apperrors.NewRateLimitError(s.cfg.Server.RateLimitPerMinute, "1m"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status, code := "healthy", http.StatusOK
		if err := s.engine.Ping(ctx); err != nil {
			s.logger.WithError(err).Warn("Health check failed: database unreachable")
			status, code = "unhealthy", http.StatusServiceUnavailable
		}
		s.writeJSON(w, code, map[string]interface{}{
			"status":  status,
			"version": Version,
			"engine":  s.engine.Stats(),
		})
	}
}

func (s *Server) handleListSessions() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant, err := tenantParam(r)
		if err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, s.engine.Sessions(tenant))
	}
}

func (s *Server) handleCreateSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant, platform, err := sessionParams(r)
		if err != nil {
			httputil.WriteError(w, r, err)
			return
		}

		var req createSessionRequest
		if r.ContentLength != 0 {
			if err := httputil.DecodeJSON(r, s.cfg.Server.MaxBodyBytes, &req); err != nil {
				httputil.WriteError(w, r, err)
				return
			}
		}

		session, err := s.engine.CreateSession(r.Context(), tenant, platform, req.Credentials)
		if err != nil {
			s.writeSessionError(w, r, session, err)
			return
		}
		s.writeJSON(w, http.StatusCreated, session)
	}
}

func (s *Server) handleGetSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant, platform, err := sessionParams(r)
		if err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		session, err := s.engine.Session(tenant, platform)
		if err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, session)
	}
}

func (s *Server) handleReconnectSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant, platform, err := sessionParams(r)
		if err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		session, err := s.engine.ReconnectSession(r.Context(), tenant, platform)
		if err != nil {
			s.writeSessionError(w, r, session, err)
			return
		}
		s.writeJSON(w, http.StatusOK, session)
	}
}

func (s *Server) handleDisconnectSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant, platform, err := sessionParams(r)
		if err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		session, err := s.engine.DisconnectSession(r.Context(), tenant, platform)
		if err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, session)
	}
}

func (s *Server) handleSessionQR() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant, platform, err := sessionParams(r)
		if err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		session, err := s.engine.Session(tenant, platform)
		if err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		if session.QRCode == "" {
			httputil.WriteError(w, r, apperrors.NewNotFoundError("qr code", session.Key))
			return
		}

		png, err := qrcode.Encode(session.QRCode, qrcode.Medium, qrImageSize)
		if err != nil {
			httputil.WriteError(w, r, apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to render QR code"))
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(png); err != nil {
			s.logger.WithError(err).Debug("Failed to write QR image")
		}
	}
}

func (s *Server) handleEnqueue() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant, platform, err := sessionParams(r)
		if err != nil {
			httputil.WriteError(w, r, err)
			return
		}

		var req enqueueRequest
		if err := httputil.DecodeJSON(r, s.cfg.Server.MaxBodyBytes, &req); err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		if req.Type == "" {
			req.Type = models.MessageTypeText
		}

		queued, err := s.engine.Enqueue(r.Context(), tenant, platform, req.To, models.Payload{
			Type:     req.Type,
			Text:     req.Text,
			Caption:  req.Caption,
			MediaURL: req.MediaURL,
			MimeType: req.MimeType,
			FileName: req.FileName,
		}, req.Priority)
		if err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusAccepted, queued)
	}
}

func (s *Server) handleQueueStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant, platform, err := sessionParams(r)
		if err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		stats, err := s.engine.QueueStats(tenant, platform)
		if err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, stats)
	}
}

func (s *Server) handleListConversations() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant, err := tenantParam(r)
		if err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		limit, err := limitParam(r)
		if err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		convs, err := s.engine.Conversations(r.Context(), tenant, limit)
		if err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, convs)
	}
}

func (s *Server) handleConversationMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant, err := tenantParam(r)
		if err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		limit, err := limitParam(r)
		if err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		msgs, err := s.engine.ConversationMessages(r.Context(), tenant, mux.Vars(r)["id"], limit)
		if err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, msgs)
	}
}

func (s *Server) handleMarkRead() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant, err := tenantParam(r)
		if err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		conv, err := s.engine.MarkRead(r.Context(), tenant, mux.Vars(r)["id"])
		if err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, conv)
	}
}

func (s *Server) handleWebSocket() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant, err := tenantParam(r)
		if err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		// The server's write timeout would otherwise cut long-lived streams.
		rc := http.NewResponseController(w)
		_ = rc.SetWriteDeadline(time.Time{})
		_ = rc.SetReadDeadline(time.Time{})
		s.hub.Serve(w, r, tenant)
	}
}

// writeSessionError reports a failed connect. Init failures carry the
// session, now in error, next to the error envelope.
func (s *Server) writeSessionError(w http.ResponseWriter, r *http.Request, session *models.Session, err error) {
	if session == nil || !apperrors.HasCode(err, apperrors.ErrCodeSessionInit) {
		httputil.WriteError(w, r, err)
		return
	}
	resp := apperrors.ToHTTPResponse(err, "")
	s.writeJSON(w, apperrors.HTTPStatusCode(err), map[string]interface{}{
		"error":   resp.Error,
		"session": session,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	if err := httputil.WriteJSON(w, status, v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func tenantParam(r *http.Request) (string, error) {
	tenant := mux.Vars(r)["tenant"]
	if err := validation.ValidateTenantID(tenant); err != nil {
		return "", err
	}
	return tenant, nil
}

func platformParam(r *http.Request) (models.Platform, error) {
	platform := strings.ToLower(mux.Vars(r)["platform"])
	if err := validation.ValidatePlatform(platform); err != nil {
		return "", err
	}
	return models.Platform(platform), nil
}

func sessionParams(r *http.Request) (string, models.Platform, error) {
	tenant, err := tenantParam(r)
	if err != nil {
		return "", "", err
	}
	platform, err := platformParam(r)
	if err != nil {
		return "", "", err
	}
	return tenant, platform, nil
}

func limitParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperrors.NewValidationError("limit", raw, "limit must be a number")
	}
	if err := validation.ValidateNumericRange(limit, "limit", 1, 500); err != nil {
		return 0, err
	}
	return limit, nil
}

func noDirectoryListing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}
