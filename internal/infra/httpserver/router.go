package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/bryanwahyu/automaton-review/internal/application/access"
	appanalysis "github.com/bryanwahyu/automaton-review/internal/application/analysis"
	domai "github.com/bryanwahyu/automaton-review/internal/domain/ai"
	domain "github.com/bryanwahyu/automaton-review/internal/domain/analysis"
	"github.com/bryanwahyu/automaton-review/internal/middleware"
)

const defaultMaxBodyBytes = 2 << 20

type Options struct {
	Service        *appanalysis.Service
	Logger         *slog.Logger
	AdminKeys      map[string]string
	AllowedOrigins []string // CORS and websocket origin check; empty allows any
	RateLimiter    *middleware.RateLimiter
	TrustedProxies *middleware.TrustedProxies // peers whose forwarding headers are believed; nil trusts none
	Health         map[string]middleware.HealthChecker
	MaxBodyBytes   int64
	WS             WSConfig
}

type Router struct {
	svc          *appanalysis.Service
	log          *slog.Logger
	maxBodyBytes int64
	ws           *wsHandler
}

func NewRouter(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	r := &Router{svc: opts.Service, log: logger, maxBodyBytes: opts.MaxBodyBytes}
	r.ws = newWSHandler(opts.Service, opts.WS, opts.AllowedOrigins, logger)

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	mux := chi.NewRouter()
	mux.Use(chimw.RequestID)
	mux.Use(middleware.RealIP(opts.TrustedProxies))
	mux.Use(chimw.Recoverer)
	mux.Use(middleware.LoggingMiddleware(logger))
	mux.Use(middleware.MetricsMiddleware)
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key", middleware.SessionHeader},
		ExposedHeaders: []string{middleware.SessionHeader},
		MaxAge:         300,
	}))

	mux.Get("/health", middleware.HealthHandler(opts.Health))
	mux.Get("/health/live", middleware.LivenessHandler)
	mux.Get("/health/ready", middleware.ReadinessHandler(opts.Health))
	mux.Handle("/metrics", middleware.MetricsHandler())

	mux.Route("/v1", func(rt chi.Router) {
		if opts.RateLimiter != nil {
			rt.Use(middleware.RateLimitMiddleware(opts.RateLimiter))
		}
		rt.Get("/ws", r.ws.ServeHTTP)

		rt.Post("/analyses", r.wrap(r.handleStart))
		rt.Get("/analyses/history", r.wrap(r.handleHistory))
		rt.Get("/analyses/{id}", r.wrap(r.handleGet))
		rt.Get("/analyses/{id}/status", r.wrap(r.handleStatus))
		rt.Post("/analyses/{id}/cancel", r.wrap(r.handleCancel))
		rt.Delete("/analyses/{id}", r.wrap(r.handleDelete))

		rt.Group(func(admin chi.Router) {
			admin.Use(middleware.APIKeyAuth(opts.AdminKeys))
			admin.Get("/store/stats", r.wrap(r.handleStats))
			admin.Post("/store/cleanup", r.wrap(r.handleCleanup))
		})
	})

	return mux
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

// StatusFor maps a service error to its HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrCapacity):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, domai.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, domain.ErrRetrievalLimit):
		return http.StatusGone
	}
	return http.StatusInternalServerError
}

func (r *Router) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if err := h(w, req); err != nil {
			code := StatusFor(err)
			msg := err.Error()
			if code == http.StatusInternalServerError {
				r.log.Error("request failed", "path", req.URL.Path, "request_id", chimw.GetReqID(req.Context()), "err", err)
				msg = "internal error"
			}
			writeJSON(w, code, map[string]string{"error": msg})
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	return json.NewEncoder(w).Encode(v)
}

// claim builds the caller's ownership claim from the session header and client IP.
func claim(req *http.Request) (access.Claim, error) {
	session := req.Header.Get(middleware.SessionHeader)
	if session != "" {
		if err := middleware.ValidateSessionID(session); err != nil {
			return access.Claim{}, err
		}
	}
	return access.Claim{SessionID: session, IP: middleware.ClientIP(req)}, nil
}

func analysisID(req *http.Request) (domain.ID, error) {
	id := chi.URLParam(req, "id")
	if _, err := uuid.Parse(id); err != nil {
		// unknown ids look like any other missing record
		return "", fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	return domain.ID(id), nil
}

// StartRequest is the body of POST /v1/analyses and the start_analysis message.
type StartRequest struct {
	Code          string            `json:"code" validate:"required"`
	Language      string            `json:"language" validate:"omitempty,max=32"`
	Options       map[string]string `json:"options" validate:"max=32"`
	TTLSeconds    int64             `json:"ttl_seconds" validate:"gte=0"`
	MaxRetrievals int               `json:"max_retrievals" validate:"gte=0"`
}

func (s StartRequest) command(c access.Claim) appanalysis.StartCommand {
	return appanalysis.StartCommand{
		SessionID:     c.SessionID,
		IP:            c.IP,
		Code:          s.Code,
		Language:      middleware.SanitizeString(s.Language),
		Options:       s.Options,
		TTLSeconds:    s.TTLSeconds,
		MaxRetrievals: s.MaxRetrievals,
	}
}

// POST /v1/analyses
// A caller without X-Session-ID gets a fresh session id in the response header.
func (r *Router) handleStart(w http.ResponseWriter, req *http.Request) error {
	c, err := claim(req)
	if err != nil {
		return err
	}
	if c.SessionID == "" {
		c.SessionID = uuid.NewString()
	}

	var body StartRequest
	req.Body = http.MaxBytesReader(w, req.Body, r.maxBodyBytes)
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	if err := middleware.Validate(body); err != nil {
		return err
	}

	rec, err := r.svc.Start(req.Context(), body.command(c))
	if err != nil {
		return err
	}
	w.Header().Set(middleware.SessionHeader, c.SessionID)
	return writeJSON(w, http.StatusAccepted, rec)
}

// GET /v1/analyses/history?session_id=&limit=&offset=
func (r *Router) handleHistory(w http.ResponseWriter, req *http.Request) error {
	c, err := claim(req)
	if err != nil {
		return err
	}
	q := req.URL.Query()
	hq := historyQuery{SessionID: q.Get("session_id")}
	if hq.Limit, err = intParam(q.Get("limit")); err != nil {
		return err
	}
	if hq.Offset, err = intParam(q.Get("offset")); err != nil {
		return err
	}
	if err := middleware.Validate(hq); err != nil {
		return err
	}
	page, err := r.svc.History(req.Context(), c, hq.SessionID, middleware.ValidateLimit(hq.Limit), hq.Offset)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, page)
}

type historyQuery struct {
	SessionID string `validate:"omitempty,session_id"`
	Limit     int    `validate:"gte=0"`
	Offset    int    `validate:"gte=0"`
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", domain.ErrValidation, v)
	}
	return n, nil
}

// GET /v1/analyses/{id}
func (r *Router) handleGet(w http.ResponseWriter, req *http.Request) error {
	c, err := claim(req)
	if err != nil {
		return err
	}
	id, err := analysisID(req)
	if err != nil {
		return err
	}
	rec, err := r.svc.Get(req.Context(), id, c)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, rec)
}

// GET /v1/analyses/{id}/status
func (r *Router) handleStatus(w http.ResponseWriter, req *http.Request) error {
	c, err := claim(req)
	if err != nil {
		return err
	}
	id, err := analysisID(req)
	if err != nil {
		return err
	}
	view, err := r.svc.Status(req.Context(), id, c)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, view)
}

// POST /v1/analyses/{id}/cancel
func (r *Router) handleCancel(w http.ResponseWriter, req *http.Request) error {
	c, err := claim(req)
	if err != nil {
		return err
	}
	id, err := analysisID(req)
	if err != nil {
		return err
	}
	rec, err := r.svc.Cancel(req.Context(), id, c)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, rec)
}

// DELETE /v1/analyses/{id}
func (r *Router) handleDelete(w http.ResponseWriter, req *http.Request) error {
	c, err := claim(req)
	if err != nil {
		return err
	}
	id, err := analysisID(req)
	if err != nil {
		return err
	}
	if err := r.svc.Delete(req.Context(), id, c); err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]any{"analysis_id": id, "deleted": true})
}

// GET /v1/store/stats
func (r *Router) handleStats(w http.ResponseWriter, req *http.Request) error {
	return writeJSON(w, http.StatusOK, r.svc.Stats())
}

// POST /v1/store/cleanup
func (r *Router) handleCleanup(w http.ResponseWriter, req *http.Request) error {
	report := r.svc.TriggerCleanup(req.Context())
	return writeJSON(w, http.StatusOK, map[string]any{
		"evicted":   report.Evicted(),
		"report":    report,
		"took":      report.Took.Round(time.Millisecond).String(),
		"admin_key": middleware.GetKeyNameFromContext(req.Context()),
	})
}
