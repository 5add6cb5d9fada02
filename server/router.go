// Package server binds the transport-agnostic RPC surface to HTTP/JSON:
// a gorilla/mux router with request-log and metrics middleware around
// every operation.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/offramp-labs/settlement-core/gerror"
	"github.com/offramp-labs/settlement-core/log"
	"github.com/offramp-labs/settlement-core/metrics"
)

// errorResponse is the JSON envelope every failed RPC returns.
type errorResponse struct {
	Error string `json:"error"`
}

// statusFor maps a gerror sentinel to its HTTP status code.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, gerror.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, gerror.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, gerror.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, gerror.ErrIllegalTransition), errors.Is(err, gerror.ErrIllegalState):
		return http.StatusConflict
	case errors.Is(err, gerror.ErrInsufficientCapacity):
		return http.StatusConflict
	case errors.Is(err, gerror.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, gerror.ErrCancelled):
		return 499 // client closed request, nginx convention
	case errors.Is(err, gerror.ErrBusy):
		return http.StatusTooManyRequests
	case errors.Is(err, gerror.ErrProverUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, gerror.ErrProverRejected):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			log.Errorf("server: failed to encode response: %v", err)
		}
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.Body == nil {
		return true
	}
	defer r.Body.Close() //nolint:errcheck
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body: " + err.Error()})
		return false
	}
	return true
}

// withLogging wraps handler with a method/path/status/duration log line
// per request.
func withLogging(name string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(rec, r)
		log.Infof("server: method[%s] path[%s] status[%d] duration[%s]", name, r.URL.Path, rec.status, time.Since(start))
	}
}

// withMetrics records one rpc_requests_total sample per call.
func withMetrics(name string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(rec, r)
		result := "ok"
		if rec.status >= http.StatusBadRequest {
			result = "error"
		}
		metrics.IncCounterRPC(name, result)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// New builds the router serving the RPC surface plus the
// health/readiness endpoints.
func New(h *Handlers) http.Handler {
	r := mux.NewRouter()

	route := func(path, method, name string, fn http.HandlerFunc) {
		r.Handle(path, withLogging(name, withMetrics(name, fn))).Methods(method)
	}

	route("/v1/orders", http.MethodPost, "create_order", h.CreateOrder)
	route("/v1/orders/discovery", http.MethodGet, "list_discovery", h.ListDiscovery)
	route("/v1/orders/{order_id}", http.MethodGet, "get_order", h.GetOrder)
	route("/v1/orders/{order_id}/lock", http.MethodPost, "lock_order", h.LockOrder)
	route("/v1/orders/{order_id}/payment-proof", http.MethodPost, "submit_payment_proof", h.SubmitPaymentProof)
	route("/v1/orders/{order_id}/mark-discovery", http.MethodPost, "mark_discovery", h.MarkDiscovery)
	route("/v1/fillers/{filler_id}/balance", http.MethodGet, "get_filler_balance", h.GetFillerBalance)
	route("/v1/fillers/{filler_id}/wallets", http.MethodPut, "put_filler_wallets", h.PutFillerWallets)
	route("/v1/batches", http.MethodPost, "start_batch", h.StartBatch)
	route("/v1/batches/{batch_id}/finalize", http.MethodPost, "finalize_batch", h.FinalizeBatch)
	route("/v1/batches/{batch_id}/claim-proof/{on_chain_order_id}", http.MethodGet, "get_claim_proof", h.GetClaimProof)
	route("/healthz", http.MethodGet, "healthz", h.Healthz)
	route("/readyz", http.MethodGet, "readyz", h.Readyz)

	return r
}

// Run starts srv and blocks until ctx is cancelled, then shuts down
// gracefully.
func Run(ctx context.Context, srv *http.Server) {
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("server: listen error: %v", err)
		}
	}()
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("server: graceful shutdown failed: %v", err)
	}
}
