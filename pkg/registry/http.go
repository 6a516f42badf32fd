package registry

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/synaptica-ai/patient-sync/pkg/common/logger"
)

type Handler struct {
	registry *Registry
}

func NewHandler(registry *Registry) *Handler {
	return &Handler{registry: registry}
}

func (h *Handler) Register(router *mux.Router) {
	router.HandleFunc("/partitions", h.handleList).Methods(http.MethodGet)
	router.HandleFunc("/partitions/{country}", h.handleEnsure).Methods(http.MethodPut)
}

func (h *Handler) handleEnsure(w http.ResponseWriter, r *http.Request) {
	partition, err := h.registry.EnsurePartition(r.Context(), mux.Vars(r)["country"])
	if err != nil {
		if errors.Is(err, ErrInvalidCountry) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		logger.Log.WithError(err).Error("failed to ensure partition")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"partition": partition})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	partitions, err := h.registry.List(r.Context())
	if err != nil {
		logger.Log.WithError(err).Error("failed to list partitions")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": partitions, "columns": Columns()})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
