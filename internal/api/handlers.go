package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/taskgrid/taskqueue/internal/keycodec"
	"github.com/taskgrid/taskqueue/internal/platform/resilience"
	"github.com/taskgrid/taskqueue/internal/store"
)

// Handler wires the store façade behind the three HTTP endpoints, fronted by
// the resilience primitives described in the domain stack: a rate limiter
// on push/complete, a hybrid rate limiter on the long-poll pop endpoint, and
// a circuit breaker around every façade call.
type Handler struct {
	store *store.Facade

	pushLimiter     *resilience.RateLimiter
	completeLimiter *resilience.RateLimiter
	popLimiter      *resilience.HybridRateLimiter
	breaker         *resilience.CircuitBreaker
}

// NewHandler builds a Handler around the given store façade.
func NewHandler(s *store.Facade) *Handler {
	return &Handler{
		store:           s,
		pushLimiter:     resilience.NewRateLimiter(200, 100, 500, time.Second),
		completeLimiter: resilience.NewRateLimiter(200, 100, 500, time.Second),
		popLimiter:      resilience.NewHybridRateLimiter(100, 50, 256, 10*time.Millisecond),
		breaker:         resilience.NewCircuitBreaker(5, 5*time.Second, 2),
	}
}

// Routes registers the three endpoints on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/push", h.handlePush)
	mux.HandleFunc("/v1/pop", h.handlePop)
	mux.HandleFunc("/v1/complete", h.handleComplete)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func (h *Handler) requestLogger(r *http.Request) *slog.Logger {
	return slog.Default().With("request_id", uuid.NewString(), "path", r.URL.Path)
}

func (h *Handler) handlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	logger := h.requestLogger(r)

	if !h.pushLimiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "push rate limit exceeded")
		return
	}

	raw, isArray, err := decodeOneOrMany(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	results := make([]Task, 0, len(raw))
	for _, in := range raw {
		internal, err := toInternalInsert(in)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		if !h.breaker.Allow() {
			writeError(w, http.StatusServiceUnavailable, "store temporarily unavailable")
			return
		}
		task, err := h.store.Push(r.Context(), internal)
		h.breaker.RecordResult(err == nil || isClientError(err))
		if err != nil {
			logger.Warn("push rejected", "error", err)
			writeStoreError(w, err)
			return
		}
		wire, err := toWireTask(task)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		results = append(results, wire)
	}

	w.Header().Set("Content-Type", "application/json")
	if !isArray {
		_ = json.NewEncoder(w).Encode(results[0])
		return
	}
	_ = json.NewEncoder(w).Encode(results)
}

func (h *Handler) handlePop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	logger := h.requestLogger(r)

	if err := h.popLimiter.Wait(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "pop queue saturated")
		return
	}

	if !h.breaker.Allow() {
		writeError(w, http.StatusServiceUnavailable, "store temporarily unavailable")
		return
	}
	exc, err := h.store.Pop(r.Context())
	h.breaker.RecordResult(err == nil || isClientError(err))
	if err != nil {
		logger.Warn("pop failed", "error", err)
		writeStoreError(w, err)
		return
	}

	wireTask, err := toWireTask(exc.Task)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(Execution{Task: wireTask, Deadline: exc.Deadline})
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	logger := h.requestLogger(r)

	if !h.completeLimiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "complete rate limit exceeded")
		return
	}

	var in CompleteTask
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	k, err := keycodec.Decode(in.ID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	if !h.breaker.Allow() {
		writeError(w, http.StatusServiceUnavailable, "store temporarily unavailable")
		return
	}
	err = h.store.Complete(r.Context(), k)
	h.breaker.RecordResult(err == nil || isClientError(err))
	if err != nil {
		logger.Warn("complete rejected", "error", err)
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func isClientError(err error) bool {
	var mdErr *store.MissingDependencyError
	var invErr *store.InvalidTaskIDError
	return errors.As(err, &mdErr) || errors.As(err, &invErr) ||
		errors.Is(err, store.ErrCycle) || errors.Is(err, keycodec.ErrKeyDecode) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
