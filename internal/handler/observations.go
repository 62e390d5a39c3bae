package handler

import (
	"net/http"
	"time"

	"umbra/internal/domain"
)

// DOMObservation is a friction measurement taken on a page
type DOMObservation struct {
	Domain         string    `json:"domain" validate:"required,max=2048"`
	Friction       *float64  `json:"friction" validate:"required,gte=0"`
	HiddenElements []string  `json:"hidden_elements,omitempty" validate:"max=256,dive,max=512"`
	At             time.Time `json:"at,omitempty"`
}

// NetworkObservation is a page load with its sub-resource timings
type NetworkObservation struct {
	Domain          string                  `json:"domain" validate:"required,max=2048"`
	Latency         *float64                `json:"latency" validate:"required,gte=0"`
	Protocol        string                  `json:"protocol,omitempty" validate:"max=16"`
	ResourceTimings []domain.ResourceTiming `json:"resource_timings,omitempty" validate:"max=1024"`
	At              time.Time               `json:"at,omitempty"`
}

// TrackerObservation lists the trackers detected on a page
type TrackerObservation struct {
	Domain   string    `json:"domain" validate:"required,max=2048"`
	Trackers []string  `json:"trackers" validate:"required,min=1,max=256,dive,required,max=512"`
	At       time.Time `json:"at,omitempty"`
}

// ObservationAccepted is returned for every ingested observation
type ObservationAccepted struct {
	FragmentID string `json:"fragment_id"`
}

// ObserveDOM ingests a friction measurement
func (h *Handler) ObserveDOM(w http.ResponseWriter, r *http.Request) {
	var req DOMObservation
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	id, err := h.deps.Observer.CollectDOMResonance(r.Context(), req.Domain, *req.Friction, req.HiddenElements, req.At)
	h.accepted(w, r, id, err)
}

// ObserveNetwork ingests a page load
func (h *Handler) ObserveNetwork(w http.ResponseWriter, r *http.Request) {
	var req NetworkObservation
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	timings := make([]domain.ResourceTiming, len(req.ResourceTimings))
	for i, rt := range req.ResourceTimings {
		rt.Protocol = domain.ParseProtocol(string(rt.Protocol))
		timings[i] = rt
	}
	id, err := h.deps.Observer.CollectNetworkLatency(r.Context(), req.Domain, *req.Latency,
		domain.ParseProtocol(req.Protocol), timings, req.At)
	h.accepted(w, r, id, err)
}

// ObserveTrackers ingests tracker detections
func (h *Handler) ObserveTrackers(w http.ResponseWriter, r *http.Request) {
	var req TrackerObservation
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	id, err := h.deps.Observer.CollectTrackerDetection(r.Context(), req.Domain, req.Trackers, req.At)
	h.accepted(w, r, id, err)
}

func (h *Handler) accepted(w http.ResponseWriter, r *http.Request, id string, err error) {
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, ObservationAccepted{FragmentID: id}, http.StatusAccepted)
}
