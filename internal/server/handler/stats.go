package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/crossarb/internal/arbitrage"
	"github.com/alanyoungcy/crossarb/internal/domain"
	"github.com/alanyoungcy/crossarb/internal/engine"
	"github.com/alanyoungcy/crossarb/internal/executor"
)

// StatsSource is the ledger aggregate.
type StatsSource interface {
	Stats() domain.LedgerStats
}

// ValidatorStatsSource reports verdict counters.
type ValidatorStatsSource interface {
	Stats() arbitrage.ValidatorStats
}

// EngineSource is the live engine view.
type EngineSource interface {
	LastCycle() engine.CycleReport
	InFlight() []executor.InFlightEntry
}

// StatsHandler serves aggregate and live engine endpoints.
type StatsHandler struct {
	ledger    StatsSource
	validator ValidatorStatsSource // optional
	engine    EngineSource         // optional
	logger    *slog.Logger
}

// NewStatsHandler creates a StatsHandler. validator and eng may be nil, as
// in stats mode where no engine runs.
func NewStatsHandler(ledger StatsSource, validator ValidatorStatsSource, eng EngineSource, logger *slog.Logger) *StatsHandler {
	return &StatsHandler{ledger: ledger, validator: validator, engine: eng, logger: logger}
}

type statsResponse struct {
	Ledger    domain.LedgerStats        `json:"ledger"`
	Validator *arbitrage.ValidatorStats `json:"validator,omitempty"`
	LastCycle *engine.CycleReport       `json:"last_cycle,omitempty"`
}

// Stats returns ledger totals plus validator and cycle counters when an
// engine is running.
// GET /api/stats
func (h *StatsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{Ledger: h.ledger.Stats()}
	if h.validator != nil {
		vs := h.validator.Stats()
		resp.Validator = &vs
	}
	if h.engine != nil {
		lc := h.engine.LastCycle()
		resp.LastCycle = &lc
	}
	writeJSON(w, http.StatusOK, resp)
}

// InFlight lists the venue pairs currently held by a coordinator.
// GET /api/inflight
func (h *StatsHandler) InFlight(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		writeJSON(w, http.StatusOK, map[string]any{"in_flight": []executor.InFlightEntry{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"in_flight": h.engine.InFlight()})
}
