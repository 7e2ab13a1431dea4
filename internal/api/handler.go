package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/analytics"
	"github.com/opensource-finance/kestrel/internal/broadcast"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
)

const defaultRecentLimit = 50

// Handler holds dependencies for API handlers.
type Handler struct {
	repo       domain.Repository
	cache      domain.Cache
	bus        domain.EventBus
	engine     *rules.Engine
	hub        *broadcast.Hub
	aggregator *analytics.Aggregator
	collector  *metrics.Collector
	logger     *slog.Logger
	version    string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, engine *rules.Engine, hub *broadcast.Hub, aggregator *analytics.Aggregator, collector *metrics.Collector, logger *slog.Logger, version string) *Handler {
	return &Handler{
		repo:       repo,
		cache:      cache,
		bus:        bus,
		engine:     engine,
		hub:        hub,
		aggregator: aggregator,
		collector:  collector,
		logger:     logger,
		version:    version,
	}
}

// IngestResponse is the response for POST /transactions.
type IngestResponse struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	TraceID       string `json:"trace_id,omitempty"`
}

// IngestTransaction handles POST /transactions: it appends the
// transaction to the store, announces it on the committed feed, and
// returns before evaluation completes. Detection is asynchronous.
func (h *Handler) IngestTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req domain.TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "user_id is required",
		})
		return
	}
	if req.Amount < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "amount must be non-negative",
		})
		return
	}

	tx := req.ToTransaction()
	if tx.TransactionID == "" {
		tx.TransactionID = uuid.New().String()
	}

	if err := h.repo.SaveTransaction(ctx, tx); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			writeJSON(w, http.StatusConflict, map[string]string{
				"error": "transaction already exists",
			})
			return
		}
		if errors.Is(err, repository.ErrInvalidInput) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": err.Error(),
			})
			return
		}
		h.logger.Error("failed to save transaction", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save transaction",
		})
		return
	}

	h.collector.TransactionIngested()

	payload, err := json.Marshal(tx)
	if err == nil {
		err = h.bus.Publish(ctx, domain.TopicTransactionCommitted, payload)
	}
	if err != nil {
		// The transaction is durable; only detection for it is lost.
		h.logger.Error("failed to publish committed transaction",
			"transaction_id", tx.TransactionID,
			"error", err)
	}

	writeJSON(w, http.StatusAccepted, IngestResponse{
		TransactionID: tx.TransactionID,
		Status:        "accepted",
		TraceID:       GetTraceID(ctx),
	})
}

// GetTransaction retrieves a transaction by ID.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	txID := chi.URLParam(r, "id")

	tx, err := h.repo.GetTransaction(r.Context(), txID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "transaction not found",
			})
			return
		}
		h.logger.Error("failed to get transaction", "id", txID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get transaction",
		})
		return
	}

	writeJSON(w, http.StatusOK, tx)
}

// RecentAnomalies handles GET /anomalies/recent.
func (h *Handler) RecentAnomalies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit := defaultRecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit must be a positive integer",
			})
			return
		}
		limit = parsed
	}

	entries, err := h.repo.RecentFraudLogEntries(ctx, limit)
	if err != nil {
		h.logger.Error("failed to list fraud log entries", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list anomalies",
		})
		return
	}
	if entries == nil {
		entries = []*domain.FraudLogEntry{}
	}

	total, err := h.repo.CountFraudLogEntries(ctx)
	if err != nil {
		h.logger.Error("failed to count fraud log entries", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to count anomalies",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"count":   total,
		"entries": entries,
	})
}

// GetAnomaly retrieves one fraud-log entry by ID.
func (h *Handler) GetAnomaly(w http.ResponseWriter, r *http.Request) {
	entryID := chi.URLParam(r, "id")

	entry, err := h.repo.GetFraudLogEntry(r.Context(), entryID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "anomaly not found",
			})
			return
		}
		h.logger.Error("failed to get fraud log entry", "id", entryID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get anomaly",
		})
		return
	}

	writeJSON(w, http.StatusOK, entry)
}

// PurgeAnomalies handles DELETE /anomalies: the administrative bulk reset.
func (h *Handler) PurgeAnomalies(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.repo.PurgeFraudLog(r.Context())
	if err != nil {
		h.logger.Error("failed to purge fraud log", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to purge anomalies",
		})
		return
	}

	h.logger.Info("fraud log purged", "deleted", deleted)
	writeJSON(w, http.StatusOK, map[string]int64{
		"deleted": deleted,
	})
}

// StreamAnomalies handles GET /anomalies/stream: an SSE feed of fraud-log
// entries as they are created.
func (h *Handler) StreamAnomalies(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "streaming not supported",
		})
		return
	}

	// The server's write deadline would sever this long-lived stream;
	// clear it for the life of the connection.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		h.logger.Warn("failed to clear stream write deadline", "error", err)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sink := h.hub.Attach()
	defer h.hub.Detach(sink)

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case payload, ok := <-sink.C():
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: anomaly\ndata: %s\n\n", payload)
			flusher.Flush()

		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// WSAnomalies handles GET /anomalies/ws.
func (h *Handler) WSAnomalies(w http.ResponseWriter, r *http.Request) {
	broadcast.ServeWS(h.hub, h.logger, w, r)
}

// FraudAnalysis handles GET /fraud/analysis.
func (h *Handler) FraudAnalysis(w http.ResponseWriter, r *http.Request) {
	report, err := h.aggregator.Report(r.Context())
	if err != nil {
		h.logger.Error("failed to build fraud analysis", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to build fraud analysis",
		})
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// CreateRuleRequest is the request body for creating a custom rule.
type CreateRuleRequest struct {
	ID          string `json:"id"`
	Code        string `json:"code"`
	Description string `json:"description,omitempty"`
	Expression  string `json:"expression"`
	Message     string `json:"message"`
	Enabled     bool   `json:"enabled"`
}

// CreateRule creates a custom rule, persists it, and loads it into the
// engine when enabled.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.ID == "" || req.Code == "" || req.Expression == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id, code, and expression are required",
		})
		return
	}

	rule := &domain.CustomRule{
		ID:          req.ID,
		Code:        req.Code,
		Description: req.Description,
		Expression:  req.Expression,
		Message:     req.Message,
		Enabled:     req.Enabled,
	}

	if err := h.engine.ValidateCustomRule(rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid CEL expression: " + err.Error(),
		})
		return
	}

	if err := h.repo.SaveCustomRule(ctx, rule); err != nil {
		h.logger.Error("failed to save custom rule", "id", rule.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save rule",
		})
		return
	}

	if rule.Enabled {
		if err := h.engine.LoadCustomRule(rule); err != nil {
			h.logger.Error("failed to load custom rule", "id", rule.ID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to load rule",
			})
			return
		}
	}

	h.logger.Info("custom rule created", "id", rule.ID, "code", rule.Code, "enabled", rule.Enabled)
	writeJSON(w, http.StatusCreated, rule)
}

// GetRule retrieves a custom rule by ID.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	rule, err := h.repo.GetCustomRule(r.Context(), ruleID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "rule not found",
			})
			return
		}
		h.logger.Error("failed to get custom rule", "id", ruleID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get rule",
		})
		return
	}

	writeJSON(w, http.StatusOK, rule)
}

// ListRules returns the enabled custom rules from the store.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rulesList, err := h.repo.ListCustomRules(r.Context())
	if err != nil {
		h.logger.Error("failed to list custom rules", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list rules",
		})
		return
	}
	if rulesList == nil {
		rulesList = []*domain.CustomRule{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"rules":  rulesList,
		"count":  len(rulesList),
		"loaded": h.engine.CustomRulesCount(),
	})
}

// ReloadRules reloads all enabled custom rules from the store into the
// engine.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rulesList, err := h.repo.ListCustomRules(ctx)
	if err != nil {
		h.logger.Error("failed to list custom rules", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load rules from store",
		})
		return
	}

	if err := h.engine.ReloadCustomRules(rulesList); err != nil {
		h.logger.Error("failed to reload custom rules", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload rules: " + err.Error(),
		})
		return
	}

	h.logger.Info("custom rules reloaded", "count", len(rulesList))
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   len(rulesList),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if err := h.repo.Ping(r.Context()); err != nil {
		status = "degraded"
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if err := h.bus.Ping(r.Context()); err != nil {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
