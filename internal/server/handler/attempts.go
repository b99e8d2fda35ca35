package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/crossarb/internal/domain"
)

// AttemptReader is the ledger's read side.
type AttemptReader interface {
	Recent(limit int) []*domain.TradeAttempt
	Get(ctx context.Context, id string) (*domain.TradeAttempt, error)
}

// AttemptHistory pages through durable storage.
type AttemptHistory interface {
	List(ctx context.Context, opts domain.ListOpts) ([]*domain.TradeAttempt, error)
}

// AttemptHandler serves trade attempt endpoints.
type AttemptHandler struct {
	ledger  AttemptReader
	history AttemptHistory // optional
	logger  *slog.Logger
}

// NewAttemptHandler creates an AttemptHandler. history may be nil.
func NewAttemptHandler(ledger AttemptReader, history AttemptHistory, logger *slog.Logger) *AttemptHandler {
	return &AttemptHandler{ledger: ledger, history: history, logger: logger}
}

type listAttemptsResponse struct {
	Attempts []*domain.TradeAttempt `json:"attempts"`
}

// ListRecent returns recent terminal attempts, newest first.
// GET /api/attempts?limit=50&outcome=partial_failure
func (h *AttemptHandler) ListRecent(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 50, 500)
	outcome := domain.Outcome(r.URL.Query().Get("outcome"))

	var out []*domain.TradeAttempt
	if outcome == "" {
		out = h.ledger.Recent(limit)
	} else {
		for _, a := range h.ledger.Recent(0) {
			if a.Outcome == outcome {
				out = append(out, a)
				if len(out) == limit {
					break
				}
			}
		}
	}
	if out == nil {
		out = []*domain.TradeAttempt{}
	}
	writeJSON(w, http.StatusOK, listAttemptsResponse{Attempts: out})
}

// ListHistory pages through every recorded attempt in write order.
// GET /api/attempts/history?limit=50&offset=0&since=2026-01-01T00:00:00Z
func (h *AttemptHandler) ListHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusNotImplemented, "attempt history not configured")
		return
	}
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "since must be RFC 3339")
		return
	}
	list, err := h.history.List(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list attempt history failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list attempts")
		return
	}
	if list == nil {
		list = []*domain.TradeAttempt{}
	}
	writeJSON(w, http.StatusOK, listAttemptsResponse{Attempts: list})
}

// GetAttempt returns one attempt by id.
// GET /api/attempts/{id}
func (h *AttemptHandler) GetAttempt(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing attempt id")
		return
	}
	a, err := h.ledger.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "attempt not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get attempt failed",
			slog.String("attempt_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get attempt")
		return
	}
	writeJSON(w, http.StatusOK, a)
}
