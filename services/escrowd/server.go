package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"stellarpay/crypto"
	"stellarpay/escrow"
	"stellarpay/ledger"
	"stellarpay/oracle"
	"stellarpay/storage"
)

// EscrowService is the engine surface the HTTP layer depends on.
type EscrowService interface {
	Create(ctx context.Context, p escrow.CreateParams) (*escrow.Escrow, error)
	RegisterApproval(ctx context.Context, id, approver string) (*escrow.Escrow, error)
	SignRelease(ctx context.Context, id, signer string) (*escrow.Escrow, error)
	Release(ctx context.Context, id string) (*escrow.Escrow, error)
	GetEscrow(ctx context.Context, id string) (*escrow.Escrow, error)
	ListPendingFor(ctx context.Context, participant string) ([]*escrow.Escrow, error)
}

// BalanceSource reports spendable native balances for ledger accounts.
type BalanceSource interface {
	NativeBalance(ctx context.Context, address string) string
}

// IdempotencyStore caches responses for replayed create requests.
type IdempotencyStore interface {
	LookupIdempotency(ctx context.Context, apiKey, key, requestHash string) (*storage.StoredResponse, error)
	SaveIdempotency(ctx context.Context, apiKey, key, requestHash string, status int, body []byte) error
}

// Server wires the escrow engine behind an authenticated JSON API.
type Server struct {
	engine   EscrowService
	balances BalanceSource
	idemp    IdempotencyStore
	auth     *Authenticator
	rates    *oracle.Converter
	metrics  *Metrics
	log      *slog.Logger
	router   chi.Router

	limitPerMinute int
	limiterMu      sync.Mutex
	limiters       map[string]*rate.Limiter
}

// NewServer assembles the router. metrics may be nil in tests.
func NewServer(engine EscrowService, balances BalanceSource, idemp IdempotencyStore, auth *Authenticator, rates *oracle.Converter, metrics *Metrics, limitPerMinute int, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if limitPerMinute <= 0 {
		limitPerMinute = 60
	}
	s := &Server{
		engine:         engine,
		balances:       balances,
		idemp:          idemp,
		auth:           auth,
		rates:          rates,
		metrics:        metrics,
		log:            log,
		limitPerMinute: limitPerMinute,
		limiters:       make(map[string]*rate.Limiter),
	}

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Route("/v1", func(r chi.Router) {
		r.Post("/escrows", s.handleCreate)
		r.Get("/escrows", s.handleList)
		r.Get("/escrows/{id}", s.handleGet)
		r.Post("/escrows/{id}/approvals", s.handleApprove)
		r.Post("/escrows/{id}/signatures", s.handleSign)
		r.Post("/escrows/{id}/release", s.handleRelease)
		r.Get("/accounts/{address}/balance", s.handleBalance)
		r.Get("/rates/{currency}", s.handleRate)
	})
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// authenticate reads the body, checks the HMAC headers and the per-key rate
// limit. On failure it writes the error response itself and returns ok=false.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (*Principal, []byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyForSig+1))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "unable to read request body")
		return nil, nil, false
	}
	principal, err := s.auth.Authenticate(r, body)
	if err != nil {
		s.writeError(w, r, http.StatusUnauthorized, err.Error())
		return nil, nil, false
	}
	if !s.limiter(principal.APIKey).Allow() {
		s.writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
		return nil, nil, false
	}
	return principal, body, true
}

func (s *Server) limiter(apiKey string) *rate.Limiter {
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	lim, ok := s.limiters[apiKey]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(s.limitPerMinute)/60.0), s.limitPerMinute)
		s.limiters[apiKey] = lim
	}
	return lim
}

type createRequest struct {
	Sender          string `json:"sender"`
	Receiver        string `json:"receiver"`
	Mediator        string `json:"mediator"`
	Amount          string `json:"amount"`
	DurationMinutes int64  `json:"durationMinutes"`
}

type approvalRequest struct {
	Approver string `json:"approver"`
}

type signatureRequest struct {
	Signer string `json:"signer"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	principal, body, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	idemKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if idemKey == "" {
		s.writeError(w, r, http.StatusBadRequest, "Idempotency-Key header required")
		return
	}
	sum := sha256.Sum256(body)
	requestHash := hex.EncodeToString(sum[:])
	if cached, err := s.idemp.LookupIdempotency(r.Context(), principal.APIKey, idemKey, requestHash); err != nil {
		if errors.Is(err, storage.ErrIdempotencyMismatch) {
			s.writeError(w, r, http.StatusConflict, "idempotency key reused with a different payload")
			return
		}
		s.log.Error("idempotency lookup failed", "error", err)
		s.writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	} else if cached != nil {
		s.observe(r, cached.Status)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(cached.Status)
		_, _ = w.Write(cached.Body)
		return
	}

	var req createRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.DurationMinutes <= 0 {
		s.writeError(w, r, http.StatusBadRequest, "durationMinutes must be positive")
		return
	}
	esc, err := s.engine.Create(r.Context(), escrow.CreateParams{
		Sender:   strings.TrimSpace(req.Sender),
		Receiver: strings.TrimSpace(req.Receiver),
		Mediator: strings.TrimSpace(req.Mediator),
		Amount:   strings.TrimSpace(req.Amount),
		Duration: time.Duration(req.DurationMinutes) * time.Minute,
	})
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	payload, err := json.Marshal(esc)
	if err != nil {
		s.log.Error("encode escrow", "error", err)
		s.writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if err := s.idemp.SaveIdempotency(r.Context(), principal.APIKey, idemKey, requestHash, http.StatusCreated, payload); err != nil {
		s.log.Error("cache idempotent response", "error", err)
	}
	s.observe(r, http.StatusCreated)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(payload)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	_, body, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var req approvalRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Approver) == "" {
		s.writeError(w, r, http.StatusBadRequest, "approver required")
		return
	}
	esc, err := s.engine.RegisterApproval(r.Context(), chi.URLParam(r, "id"), strings.TrimSpace(req.Approver))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.observe(r, http.StatusOK)
	writeJSON(w, http.StatusOK, esc)
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	_, body, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var req signatureRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Signer) == "" {
		s.writeError(w, r, http.StatusBadRequest, "signer required")
		return
	}
	esc, err := s.engine.SignRelease(r.Context(), chi.URLParam(r, "id"), strings.TrimSpace(req.Signer))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.observe(r, http.StatusOK)
	writeJSON(w, http.StatusOK, esc)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	_, _, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	esc, err := s.engine.Release(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.observe(r, http.StatusOK)
	writeJSON(w, http.StatusOK, esc)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	_, _, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	esc, err := s.engine.GetEscrow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.observe(r, http.StatusOK)
	if currency := strings.TrimSpace(r.URL.Query().Get("currency")); currency != "" && s.rates != nil {
		local, err := s.rates.ToLocal(r.Context(), esc.Amount, currency)
		if err == nil {
			writeJSON(w, http.StatusOK, struct {
				*escrow.Escrow
				Currency   string `json:"currency"`
				LocalValue string `json:"localValue"`
			}{esc, strings.ToLower(currency), oracle.FormatRat(local, 2)})
			return
		}
		s.log.Warn("local value conversion failed", "currency", currency, "error", err)
	}
	writeJSON(w, http.StatusOK, esc)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	_, _, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	participant := strings.TrimSpace(r.URL.Query().Get("participant"))
	if participant == "" {
		s.writeError(w, r, http.StatusBadRequest, "participant query parameter required")
		return
	}
	if err := crypto.ValidateAddress(participant); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid participant address")
		return
	}
	escrows, err := s.engine.ListPendingFor(r.Context(), participant)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if escrows == nil {
		escrows = []*escrow.Escrow{}
	}
	s.observe(r, http.StatusOK)
	writeJSON(w, http.StatusOK, map[string]any{"escrows": escrows})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	_, _, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	address := chi.URLParam(r, "address")
	if err := crypto.ValidateAddress(address); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid account address")
		return
	}
	balance := s.balances.NativeBalance(r.Context(), address)
	resp := map[string]string{"address": address, "balance": balance}
	if currency := strings.TrimSpace(r.URL.Query().Get("currency")); currency != "" && s.rates != nil {
		if local, err := s.rates.ToLocal(r.Context(), balance, currency); err == nil {
			resp["currency"] = strings.ToLower(currency)
			resp["localValue"] = oracle.FormatRat(local, 2)
		}
	}
	s.observe(r, http.StatusOK)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	_, _, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	currency := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "currency")))
	if currency == "" {
		s.writeError(w, r, http.StatusBadRequest, "currency required")
		return
	}
	rateValue := s.rates.RateFor(r.Context(), currency)
	s.observe(r, http.StatusOK)
	writeJSON(w, http.StatusOK, map[string]string{
		"currency": currency,
		"rate":     oracle.FormatRat(rateValue, 6),
	})
}

// writeEngineError maps engine error kinds onto HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var funding *escrow.FundingIncompleteError
	var disburse *escrow.DisbursementError
	var submission *ledger.SubmissionError
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		s.writeError(w, r, http.StatusNotFound, "escrow not found")
	case errors.Is(err, escrow.ErrUnauthorized):
		s.writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, escrow.ErrExpired):
		s.writeError(w, r, http.StatusGone, err.Error())
	case errors.Is(err, escrow.ErrDuplicateApproval), errors.Is(err, escrow.ErrAlreadySigned), errors.Is(err, escrow.ErrInvalidState):
		s.writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, escrow.ErrSignaturesPending):
		s.writeError(w, r, http.StatusPreconditionFailed, err.Error())
	case errors.Is(err, escrow.ErrVersionConflict):
		s.writeError(w, r, http.StatusConflict, "concurrent update, retry")
	case errors.As(err, &funding):
		s.observe(r, http.StatusBadGateway)
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"error":         "escrow account provisioned but funding payment failed",
			"escrowAddress": funding.EscrowAddress,
		})
	case errors.As(err, &disburse), errors.As(err, &submission):
		s.writeError(w, r, http.StatusBadGateway, err.Error())
	default:
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		s.writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	s.observe(r, status)
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) observe(r *http.Request, status int) {
	if s.metrics == nil {
		return
	}
	route := r.URL.Path
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		route = rctx.RoutePattern()
	}
	s.metrics.observeRequest(route, status)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
