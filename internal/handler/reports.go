package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"umbra/internal/collector"
	"umbra/internal/domain"
	perr "umbra/internal/errors"
	"umbra/internal/repository"
)

const defaultListLimit = 50

// ListReports returns the newest reports
func (h *Handler) ListReports(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	reports, err := h.deps.Reports.ListReports(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if reports == nil {
		reports = []*domain.DreamReport{}
	}
	h.writeJSON(w, reports, http.StatusOK)
}

// GetReport returns a single report
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.deps.Reports.GetReport(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, report, http.StatusOK)
}

// ListSignatures returns the strongest signatures
func (h *Handler) ListSignatures(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	sigs, err := h.deps.Reports.ListSignatures(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if sigs == nil {
		sigs = []domain.SurveillanceSignature{}
	}
	h.writeJSON(w, sigs, http.StatusOK)
}

// StatusResponse describes the engine at a glance
type StatusResponse struct {
	Thermal   domain.ThermalStatus `json:"thermal"`
	Collector collector.Stats      `json:"collector"`
	Storage   repository.Usage     `json:"storage"`
	NextRunMs int64                `json:"next_run_ms"`
}

// Status reports thermal, buffer and storage state
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	usage, err := h.deps.Reports.Usage(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, StatusResponse{
		Thermal:   h.deps.Thermal.Status(r.Context()),
		Collector: h.deps.Observer.Stats(),
		Storage:   usage,
		NextRunMs: h.deps.Trigger.TimeUntilNextRun().Milliseconds(),
	}, http.StatusOK)
}

// RunSynthesis runs synthesis now over the pending fragments
func (h *Handler) RunSynthesis(w http.ResponseWriter, r *http.Request) {
	report, err := h.deps.Trigger.RunNow(r.Context())
	if err != nil {
		if perr.IsCode(err, perr.ErrorCodeTooSoon) {
			secs := int(h.deps.Trigger.TimeUntilNextRun().Round(time.Second) / time.Second)
			w.Header().Set("Retry-After", strconv.Itoa(max(1, secs)))
		}
		h.writeError(w, r, err)
		return
	}
	if report == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.writeJSON(w, report, http.StatusCreated)
}

func limitParam(r *http.Request) (int, error) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, perr.InvalidArgf("limit must be a positive integer, got %q", s)
	}
	return n, nil
}
