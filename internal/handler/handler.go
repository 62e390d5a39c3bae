package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"umbra/internal/collector"
	"umbra/internal/domain"
	perr "umbra/internal/errors"
	"umbra/internal/repository"
	"umbra/internal/service"
)

// ReportReader is the read side of the store
type ReportReader interface {
	GetReport(ctx context.Context, id string) (*domain.DreamReport, error)
	ListReports(ctx context.Context, limit int) ([]*domain.DreamReport, error)
	ListSignatures(ctx context.Context, limit int) ([]domain.SurveillanceSignature, error)
	Usage(ctx context.Context) (repository.Usage, error)
}

// Observer ingests observations
type Observer interface {
	CollectDOMResonance(ctx context.Context, dom string, friction float64, hidden []string, at time.Time) (string, error)
	CollectNetworkLatency(ctx context.Context, dom string, latency float64, protocol domain.Protocol, timings []domain.ResourceTiming, at time.Time) (string, error)
	CollectTrackerDetection(ctx context.Context, dom string, trackers []string, at time.Time) (string, error)
	Stats() collector.Stats
}

// ThermalReader reports the current thermal reading
type ThermalReader interface {
	Status(ctx context.Context) domain.ThermalStatus
}

// Deps are the components served over HTTP. Events and Metrics are optional
type Deps struct {
	Reports  ReportReader
	Observer Observer
	Trigger  service.Trigger
	Thermal  ThermalReader
	Events   http.Handler
	Metrics  http.Handler
}

// Handler serves the HTTP API
type Handler struct {
	deps     Deps
	validate *validator.Validate
	log      zerolog.Logger
}

// New creates a new handler
func New(deps Deps, log zerolog.Logger) *Handler {
	return &Handler{
		deps:     deps,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      log.With().Str("component", "http").Logger(),
	}
}

// Routes builds the router
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(h.accessLog)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Heartbeat("/healthz"))

	r.Route("/api", func(r chi.Router) {
		r.Get("/reports", h.ListReports)
		r.Get("/reports/{id}", h.GetReport)
		r.Get("/signatures", h.ListSignatures)
		r.Get("/status", h.Status)
		r.Post("/synthesis", h.RunSynthesis)

		r.Route("/observations", func(r chi.Router) {
			r.Post("/dom", h.ObserveDOM)
			r.Post("/network", h.ObserveNetwork)
			r.Post("/trackers", h.ObserveTrackers)
		})
	})

	if h.deps.Events != nil {
		r.Method(http.MethodGet, "/events", h.deps.Events)
	}
	if h.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.deps.Metrics)
	}
	return r
}

// accessLog writes one line per request. Event streams are logged when
// they close
func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			h.log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", chimw.GetReqID(r.Context())).
				Msg("request")
		}()
		next.ServeHTTP(ww, r)
	})
}

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error perr.Wire `json:"error"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, data any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Warn().Err(err).Msg("failed to encode JSON")
	}
}

// writeError maps coded errors to their status; everything else is a 500
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := perr.HTTPStatus(err)
	if status >= http.StatusInternalServerError && !perr.IsCode(err, perr.ErrorCodeThermalEmergency) {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	h.writeJSON(w, ErrorResponse{Error: perr.WireFrom(err)}, status)
}

// decode reads and validates a JSON body
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return perr.Wrap(err, perr.ErrorCodeInvalidArgument, "invalid request body")
	}
	if err := h.validate.Struct(dst); err != nil {
		return perr.Wrap(err, perr.ErrorCodeInvalidArgument, "validation failed")
	}
	return nil
}

const maxBodyBytes = 1 << 20
