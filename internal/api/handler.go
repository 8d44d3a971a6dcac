// Package api exposes the conductor's HTTP surface: chat completions,
// batched chat completions, model listing, ledger status, and health.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/trainforge/conductor/internal/batch"
	"github.com/trainforge/conductor/internal/dispatcher"
	"github.com/trainforge/conductor/internal/domain"
	"github.com/trainforge/conductor/internal/ledger"
	"github.com/trainforge/conductor/internal/metrics"
	"github.com/trainforge/conductor/internal/provider"
	"github.com/trainforge/conductor/internal/registry"
	"github.com/trainforge/conductor/internal/telemetry"
)

// HandlerConfig bundles the collaborators the Handler dispatches into.
type HandlerConfig struct {
	Dispatcher *dispatcher.Dispatcher
	Batch      *batch.Coordinator
	Ledger     *ledger.Ledger
	Registry   *registry.Registry
	Catalog    *provider.Catalog
}

// Handler serves the conductor's HTTP routes.
type Handler struct {
	dispatcher *dispatcher.Dispatcher
	batch      *batch.Coordinator
	ledger     *ledger.Ledger
	registry   *registry.Registry
	catalog    *provider.Catalog
	mux        *http.ServeMux
}

// NewHandler builds a Handler and registers every route.
func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		dispatcher: cfg.Dispatcher,
		batch:      cfg.Batch,
		ledger:     cfg.Ledger,
		registry:   cfg.Registry,
		catalog:    cfg.Catalog,
		mux:        http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /v1/chat/completions", h.handleChatCompletions)
	h.mux.HandleFunc("POST /v1/batch/chat/completions", h.handleBatchChatCompletions)
	h.mux.HandleFunc("GET /v1/models", h.handleListModels)
	h.mux.HandleFunc("GET /status", h.handleStatus)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/detailed", h.handleHealthDetailed)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.mux.ServeHTTP(w, r)
}

func requestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-ID"); id != "" {
		return id
	}
	return uuid.New().String()
}

func (h *Handler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reqID := requestID(r)
	ctx := telemetry.WithRequestID(r.Context(), reqID)

	var req domain.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "body", "invalid JSON: "+err.Error())
		return
	}

	resp, err := h.dispatcher.Handle(ctx, req)
	if err != nil {
		slog.Warn("chat completion failed", "request_id", reqID, "error", err)
		writeDispatchError(w, err)
		return
	}

	slog.Info("chat completion served",
		"request_id", reqID,
		"provider", resp.Provider,
		"key_name", resp.ProviderKeyName,
		"model", req.Model,
		"latency_ms", time.Since(start).Milliseconds(),
	)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", reqID)
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) handleBatchChatCompletions(w http.ResponseWriter, r *http.Request) {
	reqID := requestID(r)
	ctx := telemetry.WithRequestID(r.Context(), reqID)

	var req domain.BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "body", "invalid JSON: "+err.Error())
		return
	}
	if len(req.Requests) == 0 {
		writeValidationError(w, "requests", "must contain at least one request")
		return
	}

	result := h.batch.Handle(ctx, req.Requests, req.EffectiveWaitForAll())
	metrics.RecordBatchSize(len(req.Requests))

	slog.Info("batch completed",
		"request_id", reqID,
		"count", len(req.Requests),
		"failed", len(result.Failed),
		"total_time_ms", result.TotalTimeMs,
	)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", reqID)
	json.NewEncoder(w).Encode(result)
}

func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	names := h.registry.AvailableModels()
	models := make([]domain.Model, 0, len(names))
	for _, name := range names {
		models = append(models, domain.Model{ID: name, Object: "model"})
	}

	resp := domain.ModelsResponse{
		Object:       "list",
		Data:         models,
		DefaultModel: registry.DefaultModel,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	keys := h.ledger.Snapshot()

	resp := domain.StatusResponse{Keys: keys, TotalKeys: len(keys)}
	for _, k := range keys {
		if k.IsAvailable {
			resp.AvailableKeys++
		}
		resp.RequestsRemaining += k.RequestsRemaining
		resp.TokensRemaining += k.TokensRemaining
		metrics.SetKeyGauges(k.Provider, k.KeyName, k.TokensRemaining, k.RequestsRemaining)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "trainforge-conductor",
	})
}

// handleHealthDetailed probes every enabled provider concurrently and
// reports per-provider reachability with an overall status: "healthy",
// "degraded" if any probe failed, or "no_providers" (with a 503) when no
// provider is enabled.
func (h *Handler) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var checkers []HealthChecker
	for _, id := range h.catalog.Providers() {
		desc, ok := h.catalog.Descriptor(id)
		if !ok {
			continue
		}
		checkers = append(checkers, NewProviderHealthChecker(id, desc.BaseURL, http.DefaultClient))
	}

	results := runHealthChecks(ctx, checkers)

	allHealthy := true
	for _, res := range results {
		if res.Status != "ok" {
			allHealthy = false
			break
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !allHealthy {
		status = "degraded"
	}
	if len(checkers) == 0 {
		status = "no_providers"
		httpStatus = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    status,
		"service":   "trainforge-conductor",
		"providers": results,
	})
}

func writeValidationError(w http.ResponseWriter, field, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnprocessableEntity)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"detail": []map[string]string{{"field": field, "reason": reason}},
	})
}

// writeDispatchError maps a Dispatcher error to the HTTP status the error
// taxonomy assigns it.
func writeDispatchError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")

	switch {
	case err == domain.ErrNoProviders:
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"detail": err.Error()})
		return
	case err == domain.ErrCapacityTimeout:
		w.WriteHeader(http.StatusGatewayTimeout)
		json.NewEncoder(w).Encode(map[string]string{"detail": err.Error()})
		return
	}

	if ve, ok := err.(*domain.ValidationError); ok {
		writeValidationError(w, ve.Field, ve.Reason)
		return
	}

	if ue, ok := err.(*domain.UpstreamError); ok {
		status := ue.StatusCode
		if !ue.ClientFault {
			status = http.StatusInternalServerError
		}
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]interface{}{"message": ue.Message, "code": ue.StatusCode},
		})
		return
	}

	w.WriteHeader(http.StatusInternalServerError)
	json.NewEncoder(w).Encode(map[string]string{"detail": err.Error()})
}
