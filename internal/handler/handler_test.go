package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"umbra/internal/collector"
	"umbra/internal/domain"
	perr "umbra/internal/errors"
	"umbra/internal/repository/sqlite"
	"umbra/internal/repository/storetest"
)

type fakeTrigger struct {
	report *domain.DreamReport
	err    error
	wait   time.Duration
}

func (f *fakeTrigger) RunNow(context.Context) (*domain.DreamReport, error) { return f.report, f.err }
func (f *fakeTrigger) TimeUntilNextRun() time.Duration                  { return f.wait }

type fakeThermal struct{ st domain.ThermalStatus }

func (f fakeThermal) Status(context.Context) domain.ThermalStatus { return f.st }

type testServer struct {
	store   *sqlite.Repository
	col     *collector.Collector
	trigger *fakeTrigger
	router  http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ts := &testServer{
		store:   store,
		col:     collector.New(collector.DefaultConfig()),
		trigger: &fakeTrigger{},
	}
	h := New(Deps{
		Reports:  store,
		Observer: ts.col,
		Trigger:  ts.trigger,
		Thermal:  fakeThermal{st: domain.ThermalStatus{State: domain.ThermalFair, CPUUtilization: 0.55}},
		Metrics:  http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("# metrics\n")) }),
	}, zerolog.Nop())
	ts.router = h.Routes()
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error.Code
}

func TestObservations(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"dom", "/api/observations/dom", `{"domain":"news.example","friction":0.4,"hidden_elements":["#paywall"]}`, http.StatusAccepted},
		{"dom missing friction", "/api/observations/dom", `{"domain":"news.example"}`, http.StatusUnprocessableEntity},
		{"dom negative friction", "/api/observations/dom", `{"domain":"news.example","friction":-1}`, http.StatusUnprocessableEntity},
		{"network", "/api/observations/network", `{"domain":"https://shop.example/cart","latency":120,"protocol":"h3","resource_timings":[{"name":"https://collect.example/p.js","duration":12}]}`, http.StatusAccepted},
		{"network bad timing", "/api/observations/network", `{"domain":"shop.example","latency":120,"resource_timings":[{"name":"x","duration":-3}]}`, http.StatusUnprocessableEntity},
		{"trackers", "/api/observations/trackers", `{"domain":"blog.example","trackers":["pixel.js"]}`, http.StatusAccepted},
		{"trackers empty", "/api/observations/trackers", `{"domain":"blog.example","trackers":[]}`, http.StatusUnprocessableEntity},
		{"unknown field", "/api/observations/trackers", `{"domain":"blog.example","trackers":["a"],"extra":1}`, http.StatusUnprocessableEntity},
		{"malformed", "/api/observations/trackers", `{"domain":`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			rec := ts.do(t, http.MethodPost, tt.path, tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())

			if tt.status == http.StatusAccepted {
				var resp ObservationAccepted
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
				assert.NotEmpty(t, resp.FragmentID)
				assert.Equal(t, 1, ts.col.Stats().Buffered)
			} else {
				assert.Equal(t, "invalid_argument", errorCode(t, rec))
				assert.Zero(t, ts.col.Stats().Buffered)
			}
		})
	}
}

func TestNetworkObservationNormalizesDomain(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/observations/network",
		`{"domain":"https://Shop.Example/cart","latency":80,"protocol":"HTTP/2"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	frags, err := ts.col.GetRecentFragments(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, frags, 1)
	assert.Equal(t, "shop.example", frags[0].Domain)
	assert.Equal(t, domain.ProtocolH2, frags[0].ProtocolSignature)
}

func TestReports(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	rec := ts.do(t, http.MethodGet, "/api/reports", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	require.NoError(t, ts.store.CommitRun(ctx, storetest.Report("r1", 0,
		storetest.Signature(0.9, 0, "a.example", "b.example"))))
	require.NoError(t, ts.store.CommitRun(ctx, storetest.Report("r2", time.Minute)))

	rec = ts.do(t, http.MethodGet, "/api/reports?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var reports []domain.DreamReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reports))
	require.Len(t, reports, 1)
	assert.Equal(t, "r2", reports[0].ID)

	rec = ts.do(t, http.MethodGet, "/api/reports/r1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var report domain.DreamReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Len(t, report.Signatures, 1)

	rec = ts.do(t, http.MethodGet, "/api/reports/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", errorCode(t, rec))

	rec = ts.do(t, http.MethodGet, "/api/signatures", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var sigs []domain.SurveillanceSignature
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sigs))
	require.Len(t, sigs, 1)
	assert.Equal(t, []string{"a.example", "b.example"}, sigs[0].Domains)

	rec = ts.do(t, http.MethodGet, "/api/signatures?limit=0", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestRunSynthesis(t *testing.T) {
	tests := []struct {
		name       string
		report     *domain.DreamReport
		err        error
		wait       time.Duration
		status     int
		retryAfter string
	}{
		{name: "completed", report: &domain.DreamReport{ID: "r9"}, status: http.StatusCreated},
		{name: "nothing pending", status: http.StatusNoContent},
		{name: "busy", err: perr.ErrBusy, status: http.StatusConflict},
		{name: "too soon", err: perr.New(perr.ErrorCodeTooSoon, "wait"), wait: 42 * time.Second, status: http.StatusTooManyRequests, retryAfter: "42"},
		{name: "thermal", err: perr.ErrThermalEmergency, status: http.StatusServiceUnavailable},
		{name: "storage", err: perr.New(perr.ErrorCodePersistence, "disk"), status: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.trigger.report, ts.trigger.err, ts.trigger.wait = tt.report, tt.err, tt.wait

			rec := ts.do(t, http.MethodPost, "/api/synthesis", "")
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.retryAfter, rec.Header().Get("Retry-After"))
		})
	}
}

func TestStatus(t *testing.T) {
	ts := newTestServer(t)
	ts.trigger.wait = 1500 * time.Millisecond
	_, err := ts.col.CollectTrackerDetection(context.Background(), "a.example", []string{"t.js"}, time.Time{})
	require.NoError(t, err)

	rec := ts.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Thermal struct {
			State string  `json:"state"`
			CPU   float64 `json:"cpu_utilization"`
		} `json:"thermal"`
		Collector collector.Stats `json:"collector"`
		NextRunMs int64           `json:"next_run_ms"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "fair", resp.Thermal.State)
	assert.Equal(t, 0.55, resp.Thermal.CPU)
	assert.Equal(t, 1, resp.Collector.Buffered)
	assert.Equal(t, int64(1500), resp.NextRunMs)
}

func TestAuxiliaryRoutes(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# metrics")

	rec = ts.do(t, http.MethodGet, "/events", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
