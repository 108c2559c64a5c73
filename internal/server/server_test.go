package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/bondfit/internal/config"
	"github.com/copyleftdev/bondfit/internal/dataset"
	"github.com/copyleftdev/bondfit/internal/diagnostics"
	"github.com/copyleftdev/bondfit/internal/errors"
	"github.com/copyleftdev/bondfit/internal/fitting"
	"github.com/copyleftdev/bondfit/internal/forcefield"
	"github.com/copyleftdev/bondfit/internal/logging"
	"github.com/copyleftdev/bondfit/internal/molecule"
)

// memSource serves dataset files held in memory.
type memSource map[string]*dataset.File

func (m memSource) file(id string) (*dataset.File, error) {
	f, ok := m[id]
	if !ok {
		return nil, errors.NotFound("dataset %s does not exist", id)
	}
	return f, nil
}

func (m memSource) Load(id string) (*molecule.Molecule, error) {
	f, err := m.file(id)
	if err != nil {
		return nil, err
	}
	return f.Molecule()
}

func (m memSource) Reference(id string) (forcefield.ReferenceProvider, error) {
	f, err := m.file(id)
	if err != nil {
		return nil, err
	}
	return dataset.NewReferenceTable(f.Reference)
}

func (m memSource) TargetForces(id string, comps molecule.Components) (molecule.Trajectory, error) {
	f, err := m.file(id)
	if err != nil {
		return nil, err
	}
	return f.TargetForces(comps)
}

func diatomicSource() memSource {
	return memSource{
		"diatomic": {
			ID:         "diatomic",
			Bonds:      [][2]int{{0, 1}},
			Reference:  []dataset.ReferenceEntry{{Pair: [2]int{0, 1}, ForceConstant: 300, Length: 0.1}},
			Conformers: [][]dataset.Vec{{{0, 0, 0}, {0.12, 0, 0}}, {{0, 0, 0}, {0.09, 0, 0}}},
			Targets: dataset.Targets{
				Bonds: [][]dataset.Vec{{{6, 0, 0}, {-6, 0, 0}}, {{-3, 0, 0}, {3, 0, 0}}},
			},
		},
	}
}

// testConfig creates a test configuration with default values
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{Environment: "test"}

	cfg.HTTP.Port = 8080
	cfg.HTTP.ReadTimeout = 30 * time.Second
	cfg.HTTP.WriteTimeout = 30 * time.Second
	cfg.HTTP.IdleTimeout = 120 * time.Second
	cfg.HTTP.ShutdownTimeout = 30 * time.Second

	cfg.Logging.Level = "debug"
	cfg.Logging.Format = "text"
	cfg.Logging.Output = "stdout"

	cfg.Jobs.MaxConcurrent = 2
	cfg.Fit = config.Fit{
		NoiseMagnitude: 0,
		Temperature:    1.0,
		StepSize:       0.5,
		AdaptInterval:  50,
		Hops:           10,
		StopThreshold:  1e-3,
		MaxIterations:  500,
		Loss:           "rmse",
		Seed:           1234,
		Components:     []string{"bonds"},
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func testServer(t *testing.T, opts ...Option) (*Server, http.Handler) {
	t.Helper()
	logger := logging.NewWithFormat(logging.ErrorLevel, logging.TextFormat, io.Discard)
	srv := NewServer(testConfig(t), logger, diatomicSource(), opts...)
	t.Cleanup(func() { _ = srv.Close() })

	r := chi.NewRouter()
	srv.RegisterRoutes(r)
	return srv, r
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, path, rdr))
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rr.Body).Decode(v))
}

func waitFor(t *testing.T, srv *Server, id string, want JobStatus) JobView {
	t.Helper()
	var view JobView
	require.Eventually(t, func() bool {
		var err error
		view, err = srv.Job(id)
		require.NoError(t, err)
		return view.Status == want
	}, 10*time.Second, 5*time.Millisecond)
	return view
}

func TestRegisterRoutes(t *testing.T) {
	_, r := testServer(t)

	tests := []struct {
		method      string
		path        string
		shouldExist bool
	}{
		{"POST", "/api/v1/fits", true},
		{"GET", "/api/v1/fits", true},
		{"GET", "/api/v1/fits/123", true},
		{"DELETE", "/api/v1/fits/123", true},
		{"POST", "/rpc", true},
		{"GET", "/healthz", false}, // registered by cmd/server
		{"GET", "/nonexistent", false},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rr := do(t, r, tt.method, tt.path, nil)
			if tt.shouldExist {
				// A missing job is a 404 with a JSON body; a missing route has none.
				assert.False(t, rr.Code == http.StatusNotFound && rr.Header().Get("Content-Type") != "application/json")
			} else {
				assert.Equal(t, http.StatusNotFound, rr.Code)
			}
		})
	}
}

func TestCreateFitCompletes(t *testing.T) {
	reg := prometheus.NewRegistry()
	srv, r := testServer(t, WithMetrics(NewMetrics(reg)))

	rr := do(t, r, http.MethodPost, "/api/v1/fits", FitRequest{Molecule: "diatomic"})
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	var created JobView
	decode(t, rr, &created)
	assert.Equal(t, "/api/v1/fits/"+created.ID, rr.Header().Get("Location"))
	assert.Equal(t, "diatomic", created.Molecule)

	view := waitFor(t, srv, created.ID, StatusCompleted)
	require.NotNil(t, view.Result)
	assert.InDelta(t, 0, view.Result.Loss, 1e-9)
	assert.Equal(t, "threshold", view.Result.StopReason)
	assert.Equal(t, "rmse", view.Result.Metric)
	require.Len(t, view.Result.Classes, 1)
	assert.InDelta(t, 300, view.Result.Classes[0].ForceConstant, 1e-6)
	require.NotNil(t, view.Result.Residuals)
	assert.InDelta(t, 0, view.Result.Residuals.MaxAbs, 1e-9)

	rr = do(t, r, http.MethodGet, "/api/v1/fits/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var got JobView
	decode(t, rr, &got)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.NotNil(t, got.FinishedAt)

	rr = do(t, r, http.MethodGet, "/api/v1/fits", nil)
	var all []JobView
	decode(t, rr, &all)
	assert.Len(t, all, 1)

	assert.Equal(t, 1.0, testutil.ToFloat64(srv.metrics.FitsStarted))
	assert.Equal(t, 1.0, testutil.ToFloat64(srv.metrics.FitsFinished.WithLabelValues("completed")))
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(srv.metrics.FitsRunning) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestConcurrentFitsKeepArtifactsApart(t *testing.T) {
	plotDir, traceDir := t.TempDir(), t.TempDir()
	srv, _ := testServer(t, WithReporters(
		diagnostics.NewPlotReporter(plotDir),
		diagnostics.NewTraceReporter(traceDir, false, nil),
	))

	a, err := srv.StartFit(FitRequest{Molecule: "diatomic"})
	require.NoError(t, err)
	b, err := srv.StartFit(FitRequest{Molecule: "diatomic"})
	require.NoError(t, err)

	for _, id := range []string{a.ID, b.ID} {
		waitFor(t, srv, id, StatusCompleted)
		assert.FileExists(t, filepath.Join(plotDir, id, "diatomic_bond_residuals.png"))
		assert.FileExists(t, filepath.Join(plotDir, id, "diatomic_bond_loss_traj.png"))
		assert.FileExists(t, filepath.Join(traceDir, id, "diatomic_bond_trace.jsonl"))
	}
}

type panickingReporter struct{}

func (panickingReporter) Report(context.Context, *fitting.Result) error {
	panic("renderer crashed")
}

func TestFitPanicFailsJob(t *testing.T) {
	srv, _ := testServer(t, WithReporters(panickingReporter{}))

	job, err := srv.StartFit(FitRequest{Molecule: "diatomic"})
	require.NoError(t, err)

	view := waitFor(t, srv, job.ID, StatusFailed)
	assert.Contains(t, view.Error, "renderer crashed")

	// The server keeps accepting work.
	_, err = srv.StartFit(FitRequest{Molecule: "diatomic"})
	require.NoError(t, err)
}

func TestCreateFitErrors(t *testing.T) {
	_, r := testServer(t)

	stop := -1.0
	badLoss := "huber"

	tests := []struct {
		name string
		body interface{}
		code int
		kind errors.Kind
	}{
		{"missing molecule", FitRequest{}, http.StatusUnprocessableEntity, errors.KindInput},
		{"unknown molecule", FitRequest{Molecule: "benzene"}, http.StatusNotFound, errors.KindNotFound},
		{"bad loss", FitRequest{Molecule: "diatomic", Options: &FitOverrides{Loss: &badLoss}}, http.StatusUnprocessableEntity, errors.KindInput},
		{"missing component", FitRequest{Molecule: "diatomic", Options: &FitOverrides{StopThreshold: &stop, Components: []string{"bonds", "angles"}}}, http.StatusUnprocessableEntity, errors.KindInput},
		{"bad json", "not an object", http.StatusUnprocessableEntity, errors.KindInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, r, http.MethodPost, "/api/v1/fits", tt.body)
			assert.Equal(t, tt.code, rr.Code, rr.Body.String())

			var body struct {
				Error struct {
					Kind    string `json:"kind"`
					Message string `json:"message"`
				} `json:"error"`
			}
			decode(t, rr, &body)
			assert.Equal(t, string(tt.kind), body.Error.Kind)
			assert.NotEmpty(t, body.Error.Message)
		})
	}
}

func longFit() FitRequest {
	noise := 1.0
	stop := -1.0
	hops := 1 << 30
	return FitRequest{
		Molecule: "diatomic",
		Options:  &FitOverrides{NoiseMagnitude: &noise, StopThreshold: &stop, Hops: &hops},
	}
}

func TestCancelFit(t *testing.T) {
	srv, r := testServer(t)

	rr := do(t, r, http.MethodPost, "/api/v1/fits", longFit())
	require.Equal(t, http.StatusAccepted, rr.Code)
	var created JobView
	decode(t, rr, &created)

	rr = do(t, r, http.MethodDelete, "/api/v1/fits/"+created.ID, nil)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	view := waitFor(t, srv, created.ID, StatusCancelled)
	assert.Empty(t, view.Error)
	assert.NotNil(t, view.FinishedAt)

	rr = do(t, r, http.MethodDelete, "/api/v1/fits/"+created.ID, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = do(t, r, http.MethodDelete, "/api/v1/fits/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCancelRunningFitKeepsBestResult(t *testing.T) {
	srv, _ := testServer(t)

	job, err := srv.StartFit(longFit())
	require.NoError(t, err)
	waitFor(t, srv, job.ID, StatusRunning)

	require.NoError(t, srv.CancelFit(job.ID))
	view := waitFor(t, srv, job.ID, StatusCancelled)
	require.NotNil(t, view.Result)
	assert.Equal(t, "cancelled", view.Result.StopReason)
	assert.LessOrEqual(t, view.Result.Loss, view.Result.InitialLoss)
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func rpc(t *testing.T, h http.Handler, method string, params ...interface{}) rpcResponse {
	t.Helper()
	rr := do(t, h, http.MethodPost, "/rpc", map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      "1",
		"method":  method,
		"params":  params,
	})
	require.Equal(t, http.StatusOK, rr.Code)
	var resp rpcResponse
	decode(t, rr, &resp)
	assert.Equal(t, "2.0", resp.JSONRPC)
	return resp
}

func TestJSONRPCLifecycle(t *testing.T) {
	srv, r := testServer(t)

	resp := rpc(t, r, "fit.start", FitRequest{Molecule: "diatomic"})
	require.Nil(t, resp.Error)
	var started struct {
		FitID  string    `json:"fit_id"`
		Status JobStatus `json:"status"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &started))
	assert.Equal(t, StatusPending, started.Status)

	waitFor(t, srv, started.FitID, StatusCompleted)

	resp = rpc(t, r, "fit.status", map[string]string{"fit_id": started.FitID})
	require.Nil(t, resp.Error)
	var view JobView
	require.NoError(t, json.Unmarshal(resp.Result, &view))
	assert.Equal(t, StatusCompleted, view.Status)

	resp = rpc(t, r, "fit.cancel", map[string]string{"fit_id": started.FitID})
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpcServerError, resp.Error.Code)

	long := rpc(t, r, "fit.start", longFit())
	require.Nil(t, long.Error)
	require.NoError(t, json.Unmarshal(long.Result, &started))
	resp = rpc(t, r, "fit.cancel", map[string]string{"fit_id": started.FitID})
	require.Nil(t, resp.Error)
	waitFor(t, srv, started.FitID, StatusCancelled)
}

func TestJSONRPCErrors(t *testing.T) {
	_, r := testServer(t)

	t.Run("unknown method", func(t *testing.T) {
		resp := rpc(t, r, "fit.delete")
		require.NotNil(t, resp.Error)
		assert.Equal(t, rpcMethodNotFound, resp.Error.Code)
	})

	t.Run("missing params", func(t *testing.T) {
		resp := rpc(t, r, "fit.status")
		require.NotNil(t, resp.Error)
		assert.Equal(t, rpcInvalidParams, resp.Error.Code)
	})

	t.Run("unknown fit", func(t *testing.T) {
		resp := rpc(t, r, "fit.status", map[string]string{"fit_id": "nope"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, rpcServerError, resp.Error.Code)
		assert.Contains(t, resp.Error.Message, "nope")
	})

	t.Run("wrong version", func(t *testing.T) {
		rr := do(t, r, http.MethodPost, "/rpc", map[string]interface{}{"jsonrpc": "1.0", "id": 7, "method": "fit.status"})
		var resp rpcResponse
		decode(t, rr, &resp)
		require.NotNil(t, resp.Error)
		assert.Equal(t, rpcInvalidRequest, resp.Error.Code)
		assert.Equal(t, 7.0, resp.ID)
	})

	t.Run("parse error", func(t *testing.T) {
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewBufferString("{")))
		var resp rpcResponse
		decode(t, rr, &resp)
		require.NotNil(t, resp.Error)
		assert.Equal(t, rpcParseError, resp.Error.Code)
		assert.Nil(t, resp.ID)
	})
}

func TestRespondWithError(t *testing.T) {
	srv, _ := testServer(t)

	tests := []struct {
		name       string
		code       int
		message    string
		id         interface{}
		expectedID interface{}
	}{
		{"string id", rpcInvalidParams, "invalid input", "123", "123"},
		{"nil id", rpcServerError, "server error", nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			srv.respondWithError(rr, tt.code, tt.message, tt.id)

			// JSON-RPC errors travel in a 200 response.
			assert.Equal(t, http.StatusOK, rr.Code)

			var response map[string]interface{}
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&response))
			errObj, ok := response["error"].(map[string]interface{})
			require.True(t, ok)
			assert.Equal(t, float64(tt.code), errObj["code"])
			assert.Equal(t, tt.message, errObj["message"])
			assert.Equal(t, tt.expectedID, response["id"])
		})
	}
}

func TestCloseCancelsJobs(t *testing.T) {
	srv, _ := testServer(t)

	job, err := srv.StartFit(longFit())
	require.NoError(t, err)

	require.NoError(t, srv.Close())
	view, err := srv.Job(job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, view.Status)
}
