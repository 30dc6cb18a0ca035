package server

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"PoolLedger/internal/core"
	"PoolLedger/internal/observability"
	"PoolLedger/internal/pricing"
	"PoolLedger/internal/query"
	"PoolLedger/internal/queue"
)

// operatorKeyHeader carries the shared operator secret on privileged routes.
const operatorKeyHeader = "X-Operator-Key"

// Server is the HTTP/JSON surface: user operations go to the core through
// the dispatcher, reads come from the core or the projections.
type Server struct {
	httpServer *http.Server
	dispatcher *core.Dispatcher
	querySvc   *query.Service
	health     *observability.HealthChecker
	metrics    *observability.Metrics
	log        zerolog.Logger
}

func New(addr string, dispatcher *core.Dispatcher, querySvc *query.Service, health *observability.HealthChecker, metrics *observability.Metrics, log zerolog.Logger) *Server {
	s := &Server{
		dispatcher: dispatcher,
		querySvc:   querySvc,
		health:     health,
		metrics:    metrics,
		log:        log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/pools/{id}/deposit", s.handleDeposit)
	mux.HandleFunc("POST /v1/pools/{id}/deposit-balanced", s.handleDepositBalanced)
	mux.HandleFunc("POST /v1/pools/{id}/withdraw", s.handleWithdraw)
	mux.HandleFunc("POST /v1/pools/{id}/withdraw-balanced", s.handleWithdrawBalanced)
	mux.HandleFunc("POST /v1/claim", s.handleClaim)
	mux.HandleFunc("POST /v1/reconcile", s.handleReconcile)
	mux.HandleFunc("POST /v1/fees/claim", s.handleClaimFees)
	mux.HandleFunc("GET /v1/queue", s.handleQueueStatus)
	mux.HandleFunc("GET /v1/queue/next", s.handleQueueNext)
	mux.HandleFunc("GET /v1/balances/{account}", s.handleBalances)
	mux.HandleFunc("GET /v1/fees", s.handleFeeCredits)
	mux.HandleFunc("GET /v1/requests", s.handleRequestHistory)
	mux.HandleFunc("GET /healthz", health.LivenessHandler)
	mux.HandleFunc("GET /readyz", health.ReadinessHandler)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// --- request/response bodies ---

type depositRequest struct {
	Sender     string   `json:"sender"`
	Amounts    []string `json:"amounts"`
	Amount1Low *string  `json:"amount1_low,omitempty"`
	Amount1Hi  *string  `json:"amount1_high,omitempty"`
	Receiver   string   `json:"receiver"`
}

type depositBalancedRequest struct {
	Sender      string `json:"sender"`
	Amount0     string `json:"amount0"`
	Amount1Low  string `json:"amount1_low"`
	Amount1High string `json:"amount1_high"`
	Receiver    string `json:"receiver"`
}

type withdrawRequest struct {
	Sender   string   `json:"sender"`
	Amounts  []string `json:"amounts"`
	FeeIndex int      `json:"fee_index"`
}

type withdrawBalancedRequest struct {
	Sender   string `json:"sender"`
	Amount0  string `json:"amount0"`
	FeeIndex int    `json:"fee_index"`
}

type claimRequest struct {
	Account string   `json:"account"`
	Tokens  []string `json:"tokens"`
}

type reconcileRequest struct {
	Sequence    uint64          `json:"sequence"`
	ResponseID  string          `json:"response_id"`
	RequestType string          `json:"request_type"`
	Result      json.RawMessage `json:"result"`
}

type claimFeesRequest struct {
	Tokens []string `json:"tokens"`
}

type queueStatusResponse struct {
	Count         uint64 `json:"count"`
	ProcessedUpTo uint64 `json:"processed_up_to"`
	Backlog       uint64 `json:"backlog"`
}

// --- handlers ---

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	poolID, ok := s.poolID(w, r)
	if !ok {
		return
	}
	var body depositRequest
	if !s.decode(w, r, &body) {
		return
	}

	sender, ok := s.address(w, body.Sender, "sender")
	if !ok {
		return
	}
	receiver, ok := s.address(w, body.Receiver, "receiver")
	if !ok {
		return
	}
	amounts, ok := s.amounts(w, body.Amounts)
	if !ok {
		return
	}
	bounds, ok := s.optionalBounds(w, body.Amount1Low, body.Amount1Hi)
	if !ok {
		return
	}

	err := s.dispatcher.Do(r.Context(), func(e *core.Engine) error {
		return e.Deposit(r.Context(), sender, poolID, amounts, bounds, receiver)
	})
	s.finish(w, "deposit", err)
}

func (s *Server) handleDepositBalanced(w http.ResponseWriter, r *http.Request) {
	poolID, ok := s.poolID(w, r)
	if !ok {
		return
	}
	var body depositBalancedRequest
	if !s.decode(w, r, &body) {
		return
	}

	sender, ok := s.address(w, body.Sender, "sender")
	if !ok {
		return
	}
	receiver, ok := s.address(w, body.Receiver, "receiver")
	if !ok {
		return
	}
	amount0, ok := s.amount(w, body.Amount0, "amount0")
	if !ok {
		return
	}
	low, ok := s.amount(w, body.Amount1Low, "amount1_low")
	if !ok {
		return
	}
	high, ok := s.amount(w, body.Amount1High, "amount1_high")
	if !ok {
		return
	}

	err := s.dispatcher.Do(r.Context(), func(e *core.Engine) error {
		return e.DepositBalanced(r.Context(), sender, poolID, amount0, low, high, receiver)
	})
	s.finish(w, "deposit-balanced", err)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	poolID, ok := s.poolID(w, r)
	if !ok {
		return
	}
	var body withdrawRequest
	if !s.decode(w, r, &body) {
		return
	}

	sender, ok := s.address(w, body.Sender, "sender")
	if !ok {
		return
	}
	amounts, ok := s.amounts(w, body.Amounts)
	if !ok {
		return
	}

	err := s.dispatcher.Do(r.Context(), func(e *core.Engine) error {
		return e.Withdraw(r.Context(), sender, poolID, amounts, body.FeeIndex)
	})
	s.finish(w, "withdraw", err)
}

func (s *Server) handleWithdrawBalanced(w http.ResponseWriter, r *http.Request) {
	poolID, ok := s.poolID(w, r)
	if !ok {
		return
	}
	var body withdrawBalancedRequest
	if !s.decode(w, r, &body) {
		return
	}

	sender, ok := s.address(w, body.Sender, "sender")
	if !ok {
		return
	}
	amount0, ok := s.amount(w, body.Amount0, "amount0")
	if !ok {
		return
	}

	err := s.dispatcher.Do(r.Context(), func(e *core.Engine) error {
		return e.WithdrawBalanced(r.Context(), sender, poolID, amount0, body.FeeIndex)
	})
	s.finish(w, "withdraw-balanced", err)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var body claimRequest
	if !s.decode(w, r, &body) {
		return
	}

	account, ok := s.address(w, body.Account, "account")
	if !ok {
		return
	}
	tokens, ok := s.addresses(w, body.Tokens)
	if !ok {
		return
	}

	err := s.dispatcher.Do(r.Context(), func(e *core.Engine) error {
		return e.Claim(r.Context(), account, tokens)
	})
	s.finish(w, "claim", err)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	operatorKey := r.Header.Get(operatorKeyHeader)

	var body reconcileRequest
	if !s.decode(w, r, &body) {
		return
	}

	rt, err := queue.ParseRequestType(body.RequestType)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := queue.DecodeResult(rt, body.Result)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	err = s.dispatcher.Do(r.Context(), func(e *core.Engine) error {
		return e.Reconcile(r.Context(), operatorKey, body.Sequence, body.ResponseID, result)
	})
	s.finish(w, "reconcile", err)
}

func (s *Server) handleClaimFees(w http.ResponseWriter, r *http.Request) {
	operatorKey := r.Header.Get(operatorKeyHeader)

	var body claimFeesRequest
	if !s.decode(w, r, &body) {
		return
	}
	tokens, ok := s.addresses(w, body.Tokens)
	if !ok {
		return
	}

	err := s.dispatcher.Do(r.Context(), func(e *core.Engine) error {
		return e.ClaimFees(r.Context(), operatorKey, tokens)
	})
	s.finish(w, "claim-fees", err)
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	var resp queueStatusResponse
	err := s.dispatcher.Do(r.Context(), func(e *core.Engine) error {
		resp = queueStatusResponse{
			Count:         e.QueueCount(),
			ProcessedUpTo: e.ProcessedUpTo(),
			Backlog:       e.Backlog(),
		}
		return nil
	})
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQueueNext(w http.ResponseWriter, r *http.Request) {
	var row queue.EntryRow
	err := s.dispatcher.Do(r.Context(), func(e *core.Engine) error {
		entry, err := e.PeekNext()
		if err != nil {
			return err
		}
		row, err = entry.Row()
		return err
	})
	if err != nil {
		if errors.Is(err, queue.ErrEmptyQueue) {
			s.writeError(w, http.StatusNotFound, "queue is empty")
			return
		}
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, row)
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	account, ok := s.address(w, r.PathValue("account"), "account")
	if !ok {
		return
	}

	start := time.Now()
	balances, err := s.querySvc.AccountBalances(r.Context(), account)
	s.observeQuery("balances", start, err)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, balances)
}

func (s *Server) handleFeeCredits(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	credits, err := s.querySvc.FeeCredits(r.Context())
	s.observeQuery("fees", start, err)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, credits)
}

func (s *Server) handleRequestHistory(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			s.writeError(w, http.StatusBadRequest, "limit must be 1..1000")
			return
		}
		limit = n
	}

	var poolID *uint32
	if v := r.URL.Query().Get("pool_id"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid pool_id")
			return
		}
		id := uint32(n)
		poolID = &id
	}

	var before *int64
	if v := r.URL.Query().Get("before"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid before cursor")
			return
		}
		before = &n
	}

	start := time.Now()
	entries, err := s.querySvc.RequestHistory(r.Context(), poolID, limit, before)
	s.observeQuery("requests", start, err)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}

// --- helpers ---

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) poolID(w http.ResponseWriter, r *http.Request) (uint32, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 32)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid pool id")
		return 0, false
	}
	return uint32(id), true
}

func (s *Server) address(w http.ResponseWriter, hex, field string) (common.Address, bool) {
	if !common.IsHexAddress(hex) {
		s.writeError(w, http.StatusBadRequest, field+" is not an address")
		return common.Address{}, false
	}
	return common.HexToAddress(hex), true
}

func (s *Server) addresses(w http.ResponseWriter, hexes []string) ([]common.Address, bool) {
	out := make([]common.Address, 0, len(hexes))
	for _, h := range hexes {
		a, ok := s.address(w, h, "token")
		if !ok {
			return nil, false
		}
		out = append(out, a)
	}
	return out, true
}

func (s *Server) amount(w http.ResponseWriter, dec, field string) (*big.Int, bool) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(dec), 10)
	if !ok {
		s.writeError(w, http.StatusBadRequest, field+" is not a decimal integer")
		return nil, false
	}
	return v, true
}

func (s *Server) amounts(w http.ResponseWriter, decs []string) ([]*big.Int, bool) {
	out := make([]*big.Int, 0, len(decs))
	for i, d := range decs {
		v, ok := s.amount(w, d, "amounts["+strconv.Itoa(i)+"]")
		if !ok {
			return nil, false
		}
		out = append(out, v)
	}
	return out, true
}

func (s *Server) optionalBounds(w http.ResponseWriter, low, high *string) (*pricing.Bounds, bool) {
	if low == nil && high == nil {
		return nil, true
	}
	if low == nil || high == nil {
		s.writeError(w, http.StatusBadRequest, "amount1_low and amount1_high must be set together")
		return nil, false
	}
	l, ok := s.amount(w, *low, "amount1_low")
	if !ok {
		return nil, false
	}
	h, ok := s.amount(w, *high, "amount1_high")
	if !ok {
		return nil, false
	}
	return &pricing.Bounds{Low: l, High: h}, true
}

func (s *Server) finish(w http.ResponseWriter, op string, err error) {
	if err != nil {
		s.log.Debug().Err(err).Str("op", op).Msg("request rejected")
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) observeQuery(endpoint string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
	s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("response encode failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps core errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, core.ErrPaused):
		return http.StatusServiceUnavailable
	case errors.Is(err, core.ErrUnknownPool):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrOutOfOrder),
		errors.Is(err, core.ErrReentrant):
		return http.StatusConflict
	case errors.Is(err, queue.ErrEmptyQueue):
		return http.StatusNotFound
	case errors.Is(err, core.ErrTokenCountMismatch),
		errors.Is(err, core.ErrImbalancedSpotDeposit),
		errors.Is(err, core.ErrImbalancedSpotWithdraw),
		errors.Is(err, core.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrHardcapExceeded),
		errors.Is(err, core.ErrInsufficientBalance),
		errors.Is(err, core.ErrSlippageExceeded):
		return http.StatusUnprocessableEntity
	case errors.Is(err, core.ErrDispatcherClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
