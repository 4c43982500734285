package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/gosight/gosight/waitlist/internal/api"
	"github.com/gosight/gosight/waitlist/internal/enricher"
	"github.com/gosight/gosight/waitlist/internal/ratelimit"
	"github.com/gosight/gosight/waitlist/internal/waitlist"
)

const maxBodyBytes = 1 << 20

// Publisher forwards enriched events downstream.
type Publisher interface {
	ProduceEvent(ctx context.Context, key string, event interface{}) error
}

// FunnelCounter reads per-referral funnel counters.
type FunnelCounter interface {
	Counts(ctx context.Context, code string) (map[string]int64, error)
}

type HTTPHandler struct {
	repo     waitlist.Repository
	accounts *waitlist.Accounts
	producer Publisher
	enricher *enricher.Enricher
	limiter  ratelimit.Limiter
	counter  FunnelCounter
}

type Option func(*HTTPHandler)

func WithLimiter(l ratelimit.Limiter) Option {
	return func(h *HTTPHandler) { h.limiter = l }
}

func WithFunnelCounter(c FunnelCounter) Option {
	return func(h *HTTPHandler) { h.counter = c }
}

func NewHTTPHandler(repo waitlist.Repository, accounts *waitlist.Accounts, p Publisher, e *enricher.Enricher, opts ...Option) *HTTPHandler {
	h := &HTTPHandler{
		repo:     repo,
		accounts: accounts,
		producer: p,
		enricher: e,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router mounts the dev backend routes.
func (h *HTTPHandler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(CORSMiddleware)

	r.Get("/health", HealthCheck)
	r.Post("/api/waitlist/join", h.HandleJoin)
	r.Post("/api/events", h.HandleEvents)
	r.Get("/api/referrals/{code}/stats", h.HandleStats)
	r.Post("/api/auth/signup", h.HandleSignUp)
	r.Post("/api/auth/signin", h.HandleSignIn)
	return r
}

func (h *HTTPHandler) HandleJoin(w http.ResponseWriter, r *http.Request) {
	var req api.JoinRequest
	if !decode(w, r, &req) {
		return
	}
	if !h.allow(w, r) {
		return
	}

	email := waitlist.NormalizeEmail(req.Email)
	if email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}

	if h.accounts != nil && h.accounts.Exists(email) {
		writeJSON(w, http.StatusOK, api.JoinResponse{
			Success:     true,
			Message:     "An account with this email already exists. Please sign in.",
			EmailExists: true,
		})
		return
	}

	res, err := h.repo.Join(r.Context(), waitlist.Entry{
		Email:       email,
		Name:        strings.TrimSpace(req.Name),
		ReferredBy:  strings.TrimSpace(req.ReferralCode),
		AnonymousID: req.AnonymousID,
	})
	if err != nil {
		log.Error().Err(err).Str("email", email).Msg("Failed to join waitlist")
		writeError(w, http.StatusInternalServerError, "failed to join waitlist")
		return
	}

	msg := "You're on the waitlist!"
	if res.Existing {
		msg = "You're already on the waitlist. Details updated."
	}
	writeJSON(w, http.StatusOK, api.JoinResponse{
		Success:       true,
		Message:       msg,
		ReferralCode:  res.ReferralCode,
		Position:      res.Position,
		TotalWaitlist: res.Total,
		IsUpdate:      res.Existing,
		AlreadyExists: res.Existing,
	})
}

// HandleEvents enriches and forwards a batch. Malformed events are
// rejected individually with 200; a downstream failure answers 503 so the
// client keeps the batch and retries.
func (h *HTTPHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	var req api.EventBatchRequest
	if !decode(w, r, &req) {
		return
	}
	if !h.allow(w, r) {
		return
	}

	clientIP := clientIP(r)
	userAgent := r.Header.Get("User-Agent")

	accepted := 0
	rejected := 0
	downstream := 0
	var errs []string

	for i, event := range req.Events {
		if event.EventType == "" || event.AnonymousID == "" {
			rejected++
			errs = append(errs, "event "+strconv.Itoa(i)+": eventType and anonymousId are required")
			continue
		}

		enriched := h.enricher.Enrich(event, userAgent, clientIP)
		if err := h.producer.ProduceEvent(r.Context(), event.AnonymousID, enriched); err != nil {
			rejected++
			downstream++
			errs = append(errs, err.Error())
			continue
		}
		accepted++
	}

	status := http.StatusOK
	if downstream > 0 {
		status = http.StatusServiceUnavailable
		log.Error().Int("failed", downstream).Int("accepted", accepted).Msg("Failed to forward events")
	}
	writeJSON(w, status, api.EventResponse{
		Success:       rejected == 0,
		AcceptedCount: accepted,
		RejectedCount: rejected,
		Errors:        errs,
	})
}

func (h *HTTPHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	st, err := h.repo.Stats(r.Context(), code)
	if errors.Is(err, waitlist.ErrUnknownCode) {
		writeError(w, http.StatusNotFound, "unknown referral code")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("code", code).Msg("Failed to load referral stats")
		writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}

	resp := api.ReferralStats{
		Code:          st.Code,
		Referrals:     st.Referrals,
		Position:      st.Position,
		TotalWaitlist: st.Total,
	}
	if h.counter != nil {
		counts, err := h.counter.Counts(r.Context(), code)
		if err != nil {
			log.Warn().Err(err).Str("code", code).Msg("Failed to load funnel counters")
		} else {
			resp.Funnel = counts
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandler) HandleSignUp(w http.ResponseWriter, r *http.Request) {
	h.handleIdentity(w, r, h.accounts.SignUp)
}

func (h *HTTPHandler) HandleSignIn(w http.ResponseWriter, r *http.Request) {
	h.handleIdentity(w, r, h.accounts.SignIn)
}

func (h *HTTPHandler) handleIdentity(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, email, password string) error) {
	var req api.Credentials
	if !decode(w, r, &req) {
		return
	}

	err := fn(r.Context(), req.Email, req.Password)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
	case errors.Is(err, waitlist.ErrAccountExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, waitlist.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *HTTPHandler) allow(w http.ResponseWriter, r *http.Request) bool {
	if h.limiter == nil || h.limiter.Allow(r.Context(), clientIP(r)) {
		return true
	}
	writeError(w, http.StatusTooManyRequests, "Rate limit exceeded")
	return false
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read body")
		return false
	}
	defer r.Body.Close()

	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return false
	}
	return true
}

func clientIP(r *http.Request) string {
	// RealIP middleware has already applied X-Real-IP / X-Forwarded-For.
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, api.ErrorResponse{Success: false, Message: msg})
}

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
