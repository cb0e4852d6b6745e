package accountant

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/accountant/internal/lock"
	"github.com/atmx/accountant/internal/market"
	"github.com/atmx/accountant/internal/model"
	"github.com/atmx/accountant/internal/store"
)

// Routes mounts the operator endpoints. Scheduled passes are the normal
// path; these trigger a pass by hand or read a ledger.
func (s *Service) Routes(r chi.Router) {
	r.Post("/accounts/{accountID}/rebalance", s.TriggerRebalance)
	r.Post("/accounts/{accountID}/inventory", s.TriggerInventory)
	r.Get("/accounts/{accountID}/inventory/{instrument}", s.GetInventory)
	r.Get("/accounts/{accountID}/inventory/{instrument}/summary", s.GetSummary)
}

// TriggerRebalance handles POST /api/v1/accounts/{accountID}/rebalance.
func (s *Service) TriggerRebalance(w http.ResponseWriter, r *http.Request) {
	out, err := s.Rebalance(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// TriggerInventory handles POST /api/v1/accounts/{accountID}/inventory.
func (s *Service) TriggerInventory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.UpdateInventories(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	if entries == nil {
		entries = []model.InventoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"appended": len(entries), "entries": entries})
}

// GetInventory handles GET /api/v1/accounts/{accountID}/inventory/{instrument}.
func (s *Service) GetInventory(w http.ResponseWriter, r *http.Request) {
	inst, ok := parseInstrument(chi.URLParam(r, "instrument"))
	if !ok {
		writeError(w, "instrument must be asset or contract", http.StatusBadRequest)
		return
	}
	entries, err := s.store.ListInventory(r.Context(), chi.URLParam(r, "accountID"), inst)
	if err != nil {
		writeError(w, "failed to load inventory", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.InventoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// GetSummary handles GET /api/v1/accounts/{accountID}/inventory/{instrument}/summary.
func (s *Service) GetSummary(w http.ResponseWriter, r *http.Request) {
	inst, ok := parseInstrument(chi.URLParam(r, "instrument"))
	if !ok {
		writeError(w, "instrument must be asset or contract", http.StatusBadRequest)
		return
	}
	sum, err := s.Summary(r.Context(), chi.URLParam(r, "accountID"), inst)
	if err != nil {
		writeError(w, "failed to summarize inventory", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func parseInstrument(v string) (model.Instrument, bool) {
	switch v {
	case model.InstrumentAsset.String():
		return model.InstrumentAsset, true
	case model.InstrumentContract.String():
		return model.InstrumentContract, true
	}
	return 0, false
}

// writeFailure maps a pass error to a status code.
func writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, lock.ErrLocked):
		writeError(w, "a pass for this account is already running", http.StatusConflict)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, "account not found", http.StatusNotFound)
	case errors.Is(err, model.ErrInvalidAccount):
		writeError(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, market.ErrMarketNotFound),
		errors.Is(err, market.ErrStalePrice),
		errors.Is(err, market.ErrNoPrice):
		writeError(w, err.Error(), http.StatusFailedDependency)
	default:
		writeError(w, "pass failed", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
