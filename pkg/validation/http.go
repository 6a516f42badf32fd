package validation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/synaptica-ai/patient-sync/pkg/common/logger"
	"github.com/synaptica-ai/patient-sync/pkg/common/models"
	"github.com/synaptica-ai/patient-sync/pkg/registry"
	"github.com/synaptica-ai/patient-sync/pkg/store"
)

type HTTPHandler struct {
	engine *Engine
	cache  *ReportCache
}

// NewHTTPHandler serves validation runs. cache may be nil, in which case
// reports are not kept and the latest endpoints always return 404.
func NewHTTPHandler(engine *Engine, cache *ReportCache) *HTTPHandler {
	return &HTTPHandler{engine: engine, cache: cache}
}

func (h *HTTPHandler) Register(router *mux.Router) {
	router.HandleFunc("/validation", h.handleAll).Methods(http.MethodGet)
	router.HandleFunc("/validation/staging", h.handleStaging).Methods(http.MethodGet)
	router.HandleFunc("/validation/staging/latest", h.handleLatestStaging).Methods(http.MethodGet)
	router.HandleFunc("/validation/partitions/{country}", h.handlePartition).Methods(http.MethodGet)
	router.HandleFunc("/validation/partitions/{country}/latest", h.handleLatestPartition).Methods(http.MethodGet)
}

func (h *HTTPHandler) handleStaging(w http.ResponseWriter, r *http.Request) {
	report, err := h.engine.ValidateStaging(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	h.remember(r.Context(), report)
	writeJSON(w, http.StatusOK, report)
}

func (h *HTTPHandler) handlePartition(w http.ResponseWriter, r *http.Request) {
	report, err := h.engine.ValidatePartition(r.Context(), mux.Vars(r)["country"])
	if err != nil {
		writeError(w, err)
		return
	}
	h.remember(r.Context(), report)
	writeJSON(w, http.StatusOK, report)
}

func (h *HTTPHandler) handleAll(w http.ResponseWriter, r *http.Request) {
	reports, err := h.engine.ValidateAll(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	for _, report := range reports {
		h.remember(r.Context(), report)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"reports": reports})
}

func (h *HTTPHandler) handleLatestStaging(w http.ResponseWriter, r *http.Request) {
	h.writeLatest(w, r, ScopeStaging)
}

func (h *HTTPHandler) handleLatestPartition(w http.ResponseWriter, r *http.Request) {
	code, err := registry.NormalizeCountry(mux.Vars(r)["country"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.writeLatest(w, r, PartitionScope(code))
}

func (h *HTTPHandler) writeLatest(w http.ResponseWriter, r *http.Request, scope string) {
	if h.cache == nil {
		http.Error(w, ErrNoReport.Error(), http.StatusNotFound)
		return
	}
	report, err := h.cache.Latest(r.Context(), scope)
	if err != nil {
		if errors.Is(err, ErrNoReport) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		logger.Log.WithError(err).WithField("scope", scope).Error("failed to read cached report")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *HTTPHandler) remember(ctx context.Context, report *models.ViolationReport) {
	if h.cache == nil {
		return
	}
	if err := h.cache.Store(ctx, report); err != nil {
		logger.Log.WithError(err).WithField("scope", report.Scope).Warn("failed to cache validation report")
	}
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrInvalidCountry):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		logger.Log.WithError(err).Error("validation failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
