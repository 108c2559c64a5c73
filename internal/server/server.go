package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/copyleftdev/bondfit/internal/config"
	"github.com/copyleftdev/bondfit/internal/dataset"
	"github.com/copyleftdev/bondfit/internal/diagnostics"
	"github.com/copyleftdev/bondfit/internal/errors"
	"github.com/copyleftdev/bondfit/internal/fitting"
	"github.com/copyleftdev/bondfit/internal/logging"
	"github.com/copyleftdev/bondfit/internal/molecule"
)

// Logger defines the logging interface used by the server
type Logger interface {
	Debug(msg string, fields ...map[string]interface{})
	Info(msg string, fields ...map[string]interface{})
	Warn(msg string, fields ...map[string]interface{})
	Error(msg string, fields ...map[string]interface{})
	Fatal(msg string, fields ...map[string]interface{})
	WithFields(fields map[string]interface{}) *logging.Logger
}

// JobStatus is the lifecycle state of a fit job.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the job can no longer change.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// FitOverrides replace fields of the configured fit options for one job.
// Nil fields keep the configured value.
type FitOverrides struct {
	NoiseMagnitude *float64 `json:"noise_magnitude,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
	StepSize       *float64 `json:"step_size,omitempty"`
	RelativeStep   *bool    `json:"relative_step,omitempty"`
	Hops           *int     `json:"hops,omitempty"`
	StopThreshold  *float64 `json:"stop_threshold,omitempty"`
	MaxIterations  *int     `json:"max_iterations,omitempty"`
	Loss           *string  `json:"loss,omitempty"`
	Seed           *int64   `json:"seed,omitempty"`
	Components     []string `json:"components,omitempty"`
}

// FitRequest starts a fit of one molecule from the data source.
type FitRequest struct {
	Molecule string        `json:"molecule"`
	Options  *FitOverrides `json:"options,omitempty"`
}

// FitSummary is the reported outcome of a finished fit.
type FitSummary struct {
	Metric      string                    `json:"metric"`
	InitialLoss float64                   `json:"initial_loss"`
	Loss        float64                   `json:"loss"`
	Params      []float64                 `json:"params"`
	Classes     []fitting.ClassParameters `json:"classes"`
	StopReason  string                    `json:"stop_reason"`
	Hops        int                       `json:"hops"`
	Iterates    int                       `json:"iterates"`
	Residuals   *diagnostics.Summary      `json:"residuals,omitempty"`
	DurationMS  float64                   `json:"duration_ms"`
}

// Job is one fit run by the server. Fields are guarded by Server.jobsMu.
type Job struct {
	ID         string
	MoleculeID string
	Status     JobStatus
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	Err        error
	Result     *FitSummary

	options fitting.Options
	cancel  context.CancelFunc
}

// JobView is the JSON form of a Job.
type JobView struct {
	ID         string      `json:"id"`
	Molecule   string      `json:"molecule"`
	Status     JobStatus   `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Error      string      `json:"error,omitempty"`
	ErrorKind  string      `json:"error_kind,omitempty"`
	Result     *FitSummary `json:"result,omitempty"`
}

func (j *Job) view() JobView {
	v := JobView{
		ID:         j.ID,
		Molecule:   j.MoleculeID,
		Status:     j.Status,
		CreatedAt:  j.CreatedAt,
		StartedAt:  j.StartedAt,
		FinishedAt: j.FinishedAt,
		Result:     j.Result,
	}
	if j.Err != nil {
		v.Error = j.Err.Error()
		v.ErrorKind = string(errors.KindOf(j.Err))
	}
	return v
}

// Server runs bond-parameter fits as background jobs behind an HTTP and
// JSON-RPC API.
type Server struct {
	cfg       *config.Config
	logger    Logger
	fitLogger *zap.Logger
	source    dataset.Source
	reporters []fitting.Reporter
	metrics   *Metrics

	jobs   map[string]*Job
	jobsMu sync.RWMutex
	sem    chan struct{}
	wg     sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithReporters adds reporters run after every successful fit.
func WithReporters(rs ...fitting.Reporter) Option {
	return func(s *Server) {
		s.reporters = append(s.reporters, rs...)
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithFitLogger sets the zap logger handed to the fitter.
func WithFitLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.fitLogger = l
		}
	}
}

// NewServer creates a server reading molecules from source.
func NewServer(cfg *config.Config, logger Logger, source dataset.Source, opts ...Option) *Server {
	workers := cfg.Jobs.MaxConcurrent
	if workers <= 0 {
		workers = 1
	}
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		fitLogger: zap.NewNop(),
		source:    source,
		jobs:      make(map[string]*Job),
		sem:       make(chan struct{}, workers),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	return s
}

func (s *Server) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/fits", s.handleCreateFit)
		r.Get("/fits", s.handleListFits)
		r.Get("/fits/{id}", s.handleGetFit)
		r.Delete("/fits/{id}", s.handleCancelFit)
	})

	// JSON-RPC 2.0 endpoint
	r.Post("/rpc", s.handleJSONRPC)
}

// StartFit validates the request, loads the molecule and queues the fit.
// Data errors are returned here rather than through the job.
func (s *Server) StartFit(req FitRequest) (*Job, error) {
	if req.Molecule == "" {
		return nil, errors.Input("molecule is required").WithComponent("server").WithOperation("StartFit")
	}
	opts, err := s.options(req.Options)
	if err != nil {
		return nil, err
	}

	in, err := s.loadInput(req.Molecule, opts.Components)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := &Job{
		ID:         uuid.NewString(),
		MoleculeID: req.Molecule,
		Status:     StatusPending,
		CreatedAt:  time.Now().UTC(),
		options:    opts,
		cancel:     cancel,
	}

	s.jobsMu.Lock()
	s.jobs[job.ID] = job
	s.jobsMu.Unlock()
	s.metrics.FitsStarted.Inc()

	s.logger.Info("fit queued", map[string]interface{}{
		"fit_id":   job.ID,
		"molecule": req.Molecule,
	})

	s.wg.Add(1)
	go s.runFit(ctx, job, in)
	return job, nil
}

func (s *Server) options(o *FitOverrides) (fitting.Options, error) {
	fit := s.cfg.Fit
	if o != nil {
		setFloat(&fit.NoiseMagnitude, o.NoiseMagnitude)
		setFloat(&fit.Temperature, o.Temperature)
		setFloat(&fit.StepSize, o.StepSize)
		setFloat(&fit.StopThreshold, o.StopThreshold)
		if o.RelativeStep != nil {
			fit.RelativeStep = *o.RelativeStep
		}
		if o.Hops != nil {
			fit.Hops = *o.Hops
		}
		if o.MaxIterations != nil {
			fit.MaxIterations = *o.MaxIterations
		}
		if o.Loss != nil {
			fit.Loss = *o.Loss
		}
		if o.Seed != nil {
			fit.Seed = *o.Seed
		}
		if o.Components != nil {
			fit.Components = o.Components
		}
	}
	if err := fit.Validate(); err != nil {
		return fitting.Options{}, errors.Input("invalid fit options: %v", err).WithComponent("server")
	}
	opts, err := fit.Options()
	if err != nil {
		return fitting.Options{}, errors.Input("invalid fit options: %v", err).WithComponent("server")
	}
	return opts, nil
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func (s *Server) loadInput(id string, comps molecule.Components) (fitting.Input, error) {
	m, err := s.source.Load(id)
	if err != nil {
		return fitting.Input{}, err
	}
	ref, err := s.source.Reference(id)
	if err != nil {
		return fitting.Input{}, err
	}
	targets, err := s.source.TargetForces(id, comps)
	if err != nil {
		return fitting.Input{}, err
	}
	return fitting.Input{Molecule: m, Reference: ref, Targets: targets}, nil
}

func (s *Server) runFit(ctx context.Context, job *Job, in fitting.Input) {
	defer s.wg.Done()
	defer job.cancel()

	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		s.finish(job, nil, ctx.Err())
		return
	}

	s.jobsMu.Lock()
	if job.Status != StatusPending {
		s.jobsMu.Unlock()
		return
	}
	now := time.Now().UTC()
	job.Status = StatusRunning
	job.StartedAt = &now
	s.jobsMu.Unlock()

	s.metrics.FitsRunning.Inc()
	defer s.metrics.FitsRunning.Dec()

	opts := []fitting.Option{
		fitting.WithLogger(s.fitLogger.With(zap.String("fit_id", job.ID))),
		fitting.WithRunID(job.ID),
	}
	for _, r := range s.reporters {
		opts = append(opts, fitting.WithReporter(r))
	}
	res, err := s.fit(ctx, job, in, opts)
	s.finish(job, res, err)
}

// fit runs one job. A panic fails the job instead of the process.
func (s *Server) fit(ctx context.Context, job *Job, in fitting.Input, opts []fitting.Option) (res *fitting.Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			res = nil
			err = errors.Errorf("fit panicked: %v", rec).WithComponent("server").WithOperation("runFit")
		}
	}()
	return fitting.NewFitter(job.options, opts...).Run(ctx, in)
}

func (s *Server) finish(job *Job, res *fitting.Result, err error) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	if job.Status.Terminal() {
		return
	}

	now := time.Now().UTC()
	job.FinishedAt = &now
	if res != nil {
		job.Result = summarize(res)
	}

	switch {
	case err == nil:
		job.Status = StatusCompleted
	case errors.Is(err, context.Canceled):
		job.Status = StatusCancelled
	default:
		job.Status = StatusFailed
		job.Err = err
	}
	s.metrics.FitsFinished.WithLabelValues(string(job.Status)).Inc()

	fields := map[string]interface{}{
		"fit_id":   job.ID,
		"molecule": job.MoleculeID,
		"status":   string(job.Status),
	}
	if res != nil {
		s.metrics.FitDuration.Observe(res.Duration.Seconds())
		s.metrics.FinalLoss.Observe(res.Loss)
		if res.Optimization != nil {
			s.metrics.Hops.Observe(float64(res.Optimization.Iterations))
		}
		fields["loss"] = res.Loss
	}
	if err != nil && job.Status == StatusFailed {
		s.logger.WithFields(fields).WithError(err).Error("fit failed")
		return
	}
	s.logger.Info("fit finished", fields)
}

func summarize(res *fitting.Result) *FitSummary {
	sum := &FitSummary{
		Metric:      res.Metric,
		InitialLoss: res.InitialLoss,
		Loss:        res.Loss,
		Params:      res.Params,
		Classes:     res.Classes(),
		Hops:        len(res.Hops),
		DurationMS:  float64(res.Duration.Microseconds()) / 1000.0,
	}
	if opt := res.Optimization; opt != nil {
		sum.StopReason = string(opt.StopReason)
		sum.Iterates = len(opt.History)
	}
	if r, err := diagnostics.Summarize(res.Predicted, res.Target); err == nil {
		sum.Residuals = &r
	}
	return sum
}

// Job returns a snapshot of a job.
func (s *Server) Job(id string) (JobView, error) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return JobView{}, errors.NotFound("fit %s not found", id).WithComponent("server")
	}
	return job.view(), nil
}

// Jobs returns snapshots of every job, oldest first.
func (s *Server) Jobs() []JobView {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	out := make([]JobView, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.view())
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out
}

// CancelFit stops a pending or running job. A running fit ends at the next
// hop boundary and keeps the best point found so far.
func (s *Server) CancelFit(id string) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return errors.NotFound("fit %s not found", id).WithComponent("server")
	}
	if job.Status.Terminal() {
		return errors.Input("cannot cancel fit with status %s", job.Status).WithComponent("server")
	}

	job.cancel()
	if job.Status == StatusPending {
		now := time.Now().UTC()
		job.Status = StatusCancelled
		job.FinishedAt = &now
		s.metrics.FitsFinished.WithLabelValues(string(StatusCancelled)).Inc()
	}

	s.logger.Info("fit cancelled", map[string]interface{}{
		"fit_id": id,
	})
	return nil
}

// Close cancels every job and waits for their goroutines.
func (s *Server) Close() error {
	s.jobsMu.Lock()
	for _, j := range s.jobs {
		j.cancel()
	}
	s.jobsMu.Unlock()

	s.wg.Wait()
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleCreateFit(w http.ResponseWriter, r *http.Request) {
	var req FitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errors.WriteJSON(w, errors.Input("invalid request body: %v", err))
		return
	}

	job, err := s.StartFit(req)
	if err != nil {
		errors.WriteJSON(w, err)
		return
	}

	view, _ := s.Job(job.ID)
	w.Header().Set("Location", "/api/v1/fits/"+job.ID)
	writeJSON(w, http.StatusAccepted, view)
}

func (s *Server) handleListFits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Jobs())
}

func (s *Server) handleGetFit(w http.ResponseWriter, r *http.Request) {
	view, err := s.Job(chi.URLParam(r, "id"))
	if err != nil {
		errors.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCancelFit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.CancelFit(id); err != nil {
		if errors.KindOf(err) == errors.KindInput {
			// Already finished.
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		errors.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "cancellation requested",
	})
}

// JSON-RPC 2.0 error codes.
const (
	rpcParseError     = -32700
	rpcInvalidRequest = -32600
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
	rpcServerError    = -32000
)

type rpcError struct {
	code    int
	message string
}

func (e *rpcError) Error() string { return e.message }

// handleJSONRPC handles JSON-RPC 2.0 requests. Params are a one-element
// array holding an object.
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	var request struct {
		JSONRPC string            `json:"jsonrpc"`
		ID      interface{}       `json:"id"`
		Method  string            `json:"method"`
		Params  []json.RawMessage `json:"params,omitempty"`
	}

	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.respondWithError(w, rpcParseError, "Parse error", nil)
		return
	}
	if request.JSONRPC != "2.0" {
		s.respondWithError(w, rpcInvalidRequest, "Invalid Request", request.ID)
		return
	}

	var result interface{}
	var err error

	switch request.Method {
	case "fit.start":
		var req FitRequest
		if err = decodeParams(request.Params, &req); err == nil {
			var job *Job
			if job, err = s.StartFit(req); err == nil {
				result = map[string]interface{}{"fit_id": job.ID, "status": StatusPending}
			}
		}
	case "fit.status":
		var p struct {
			FitID string `json:"fit_id"`
		}
		if err = decodeParams(request.Params, &p); err == nil {
			result, err = s.Job(p.FitID)
		}
	case "fit.cancel":
		var p struct {
			FitID string `json:"fit_id"`
		}
		if err = decodeParams(request.Params, &p); err == nil {
			if err = s.CancelFit(p.FitID); err == nil {
				result = map[string]string{"status": "cancellation requested"}
			}
		}
	default:
		s.respondWithError(w, rpcMethodNotFound, "Method not found", request.ID)
		return
	}

	if err != nil {
		code := rpcServerError
		if re, ok := err.(*rpcError); ok {
			code = re.code
		}
		s.respondWithError(w, code, err.Error(), request.ID)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      request.ID,
		"result":  result,
	})
}

func decodeParams(params []json.RawMessage, dst interface{}) error {
	if len(params) == 0 {
		return &rpcError{code: rpcInvalidParams, message: "missing required parameters"}
	}
	if err := json.Unmarshal(params[0], dst); err != nil {
		return &rpcError{code: rpcInvalidParams, message: fmt.Sprintf("invalid parameters: %v", err)}
	}
	return nil
}

// respondWithError sends a JSON-RPC 2.0 error response
func (s *Server) respondWithError(w http.ResponseWriter, code int, message string, id interface{}) {
	s.logger.Debug("rpc error", map[string]interface{}{
		"code":    code,
		"message": message,
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jsonrpc": "2.0",
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
		"id": id,
	})
}
