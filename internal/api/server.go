// Package api wires the HTTP surface: route registration, authentication
// middleware and the request handlers. Business rules live in the service
// packages; handlers translate between HTTP and domain types.
package api

import (
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cost-watchdog/backend/internal/audit"
	"github.com/cost-watchdog/backend/internal/auth"
	"github.com/cost-watchdog/backend/internal/config"
	"github.com/cost-watchdog/backend/internal/database"
	"github.com/cost-watchdog/backend/internal/ingest"
	"github.com/cost-watchdog/backend/internal/kv"
	"github.com/cost-watchdog/backend/internal/metrics"
	"github.com/cost-watchdog/backend/internal/middleware"
	"github.com/cost-watchdog/backend/internal/storage"
)

// Server bundles the handler dependencies behind one mux router.
type Server struct {
	cfg       *config.Config
	db        *database.DB
	kv        kv.Store
	authSvc   *auth.Service
	issuer    *auth.TokenIssuer
	sessions  *auth.SessionStore
	mfa       *auth.MFA
	reset     *auth.PasswordReset
	apiKeys   *auth.APIKeys
	csrf      *auth.CSRF
	lockout   *auth.Lockout
	users     *database.UserRepo
	records   *database.CostRecordRepo
	documents *database.DocumentRepo
	objects   storage.ObjectStore
	anoms     *database.AnomalyRepo
	alerts    *database.AlertRepo
	ingest    *ingest.Service
	audits    *audit.Writer
	limiter   *middleware.RateLimiter
	metrics   *metrics.Metrics
	logger    *log.Logger
}

type Deps struct {
	Config    *config.Config
	DB        *database.DB
	KV        kv.Store
	Auth      *auth.Service
	Issuer    *auth.TokenIssuer
	Sessions  *auth.SessionStore
	MFA       *auth.MFA
	Reset     *auth.PasswordReset
	APIKeys   *auth.APIKeys
	CSRF      *auth.CSRF
	Lockout   *auth.Lockout
	Users     *database.UserRepo
	Records   *database.CostRecordRepo
	Documents *database.DocumentRepo
	Objects   storage.ObjectStore
	Anomalies *database.AnomalyRepo
	Alerts    *database.AlertRepo
	Ingest    *ingest.Service
	Audit     *audit.Writer
	Metrics   *metrics.Metrics
}

func NewServer(d Deps) *Server {
	return &Server{
		cfg:       d.Config,
		db:        d.DB,
		kv:        d.KV,
		authSvc:   d.Auth,
		issuer:    d.Issuer,
		sessions:  d.Sessions,
		mfa:       d.MFA,
		reset:     d.Reset,
		apiKeys:   d.APIKeys,
		csrf:      d.CSRF,
		lockout:   d.Lockout,
		users:     d.Users,
		records:   d.Records,
		documents: d.Documents,
		objects:   d.Objects,
		anoms:     d.Anomalies,
		alerts:    d.Alerts,
		ingest:    d.Ingest,
		audits:    d.Audit,
		limiter:   middleware.NewRateLimiter(d.KV, d.Metrics, d.Config.IsProduction()),
		metrics:   d.Metrics,
		logger:    log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Router builds the full route table. Health and metrics endpoints bypass
// rate limiting; everything under /api is limited per preset.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.RequestContext)
	r.Use(middleware.SecurityHeaders(s.cfg.IsProduction()))
	r.Use(middleware.Logging(s.logger))
	r.Use(middleware.Metrics(s.metrics))

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	authLimit := s.limiter.Limit(middleware.PresetAuth, middleware.IdentityFromRequest)
	defLimit := s.limiter.Limit(middleware.PresetDefault, middleware.IdentityFromRequest)
	upLimit := s.limiter.Limit(middleware.PresetUpload, middleware.IdentityFromRequest)
	exLimit := s.limiter.Limit(middleware.PresetExport, middleware.IdentityFromRequest)

	api := r.PathPrefix("/api").Subrouter()

	// Unauthenticated auth flows share the strict preset.
	api.Handle("/auth/login", authLimit(http.HandlerFunc(s.handleLogin))).Methods(http.MethodPost)
	api.Handle("/auth/refresh", authLimit(http.HandlerFunc(s.handleRefresh))).Methods(http.MethodPost)
	api.Handle("/auth/password-reset", authLimit(http.HandlerFunc(s.handleResetRequest))).Methods(http.MethodPost)
	api.Handle("/auth/password-reset/confirm", authLimit(http.HandlerFunc(s.handleResetConfirm))).Methods(http.MethodPost)

	protect := func(h http.HandlerFunc) http.Handler {
		return defLimit(s.authenticate(h))
	}
	admin := func(h http.HandlerFunc) http.Handler {
		return defLimit(s.authenticate(s.requireAdmin(h)))
	}

	api.Handle("/auth/logout", protect(s.handleLogout)).Methods(http.MethodPost)
	api.Handle("/auth/logout-all", protect(s.handleLogoutAll)).Methods(http.MethodPost)
	api.Handle("/auth/sessions", protect(s.handleSessions)).Methods(http.MethodGet)
	api.Handle("/auth/csrf", protect(s.handleCSRFToken)).Methods(http.MethodGet)
	api.Handle("/auth/mfa/enroll", protect(s.handleMFAEnroll)).Methods(http.MethodPost)
	api.Handle("/auth/mfa/verify", protect(s.handleMFAVerify)).Methods(http.MethodPost)
	api.Handle("/auth/mfa/disable", protect(s.handleMFADisable)).Methods(http.MethodPost)

	api.Handle("/admin/unlock", admin(s.handleAdminUnlock)).Methods(http.MethodPost)
	api.Handle("/api-keys", admin(s.handleAPIKeyCreate)).Methods(http.MethodPost)
	api.Handle("/api-keys", admin(s.handleAPIKeyList)).Methods(http.MethodGet)
	api.Handle("/api-keys/{id}", admin(s.handleAPIKeyRevoke)).Methods(http.MethodDelete)

	api.Handle("/uploads", upLimit(s.authenticate(s.handleUpload))).Methods(http.MethodPost)
	api.Handle("/records", protect(s.handleRecordList)).Methods(http.MethodGet)
	api.Handle("/documents/{id}/download", protect(s.handleDocumentDownload)).Methods(http.MethodGet)
	api.Handle("/records/export", exLimit(s.authenticate(s.handleRecordExport))).Methods(http.MethodGet)
	api.Handle("/records/{id}", protect(s.handleRecordGet)).Methods(http.MethodGet)

	api.Handle("/anomalies", protect(s.handleAnomalyList)).Methods(http.MethodGet)
	api.Handle("/anomalies/{id}", protect(s.handleAnomalyGet)).Methods(http.MethodGet)
	api.Handle("/anomalies/{id}/status", protect(s.handleAnomalyStatus)).Methods(http.MethodPost)
	api.Handle("/anomalies/{id}/alerts", protect(s.handleAnomalyAlerts)).Methods(http.MethodGet)

	return r
}
