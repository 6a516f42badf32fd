package patientsync

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/synaptica-ai/patient-sync/pkg/common/logger"
	"github.com/synaptica-ai/patient-sync/pkg/common/models"
	"github.com/synaptica-ai/patient-sync/pkg/store"
)

type HTTPHandler struct {
	service *Service
	maxBody int64
}

func NewHTTPHandler(service *Service, maxBody int64) *HTTPHandler {
	return &HTTPHandler{service: service, maxBody: maxBody}
}

func (h *HTTPHandler) Register(router *mux.Router) {
	router.HandleFunc("/patients", h.handleEnroll).Methods(http.MethodPost)
	router.HandleFunc("/patients/{id}/move", h.handleMove).Methods(http.MethodPost)
	router.HandleFunc("/patients/{id}/history", h.handleHistory).Methods(http.MethodGet)
}

type moveBody struct {
	Country           string `json:"country"`
	LastConsultedDate string `json:"last_consulted_date"`
}

func (h *HTTPHandler) handleMove(w http.ResponseWriter, r *http.Request) {
	var body moveBody
	if !h.decode(w, r, &body) {
		return
	}

	result, err := h.service.MovePatient(r.Context(), models.MoveRequest{
		CustomerID:        mux.Vars(r)["id"],
		Country:           body.Country,
		LastConsultedDate: body.LastConsultedDate,
	})
	if err != nil {
		writeError(w, err, "failed to move patient")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *HTTPHandler) handleEnroll(w http.ResponseWriter, r *http.Request) {
	var req models.EnrollRequest
	if !h.decode(w, r, &req) {
		return
	}

	rec, err := h.service.Enroll(r.Context(), req)
	if err != nil {
		writeError(w, err, "failed to enroll patient")
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *HTTPHandler) handleHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.service.History(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err, "failed to load patient history")
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		logger.Log.WithError(err).Warn("invalid patient payload")
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, err error, msg string) {
	switch {
	case IsUnknownPatient(err):
		http.Error(w, err.Error(), http.StatusNotFound)
	case IsPermanent(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		logger.Log.WithError(err).Error(msg)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
