package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Mindburn-Labs/qledger/pkg/artifacts"
	"github.com/Mindburn-Labs/qledger/pkg/canonicalize"
	"github.com/Mindburn-Labs/qledger/pkg/evidence"
	"github.com/Mindburn-Labs/qledger/pkg/gate"
	"github.com/Mindburn-Labs/qledger/pkg/selection"
)

const maxBodyBytes = 1 << 20

// Catalog reports the execution backends currently available.
type Catalog interface {
	Candidates(ctx context.Context) ([]selection.Candidate, error)
}

// StaticCatalog is a fixed candidate list.
type StaticCatalog []selection.Candidate

func (c StaticCatalog) Candidates(context.Context) ([]selection.Candidate, error) {
	return slices.Clone(c), nil
}

// Metrics is the subset of observability.Metrics the server reports to.
type Metrics interface {
	GateDenied(ctx context.Context, codes []string)
	HTTPRequest(ctx context.Context, route string, status int, elapsed time.Duration)
}

// Deps wires a Server.
type Deps struct {
	Ledger   *evidence.Ledger
	Gate     *gate.Gate
	Selector *selection.Selector
	Catalog  Catalog
	// EnvFlags are the process-level simulate/mock switches. They are OR-ed
	// with the flags of each request.
	EnvFlags gate.Flags

	// Sink is optional; without it POST /evidence/export is unavailable.
	Sink     artifacts.Sink
	SinkName string

	Metrics     Metrics
	Logger      *slog.Logger
	JWTSecret   []byte
	RateLimiter *RateLimiter
}

// Server is the ledger's HTTP front end.
type Server struct {
	deps    Deps
	schemas *schemas
	logger  *slog.Logger
}

// NewServer validates deps and compiles the request schemas.
func NewServer(deps Deps) (*Server, error) {
	if deps.Ledger == nil || deps.Gate == nil || deps.Selector == nil || deps.Catalog == nil {
		return nil, fmt.Errorf("api: ledger, gate, selector and catalog are required")
	}
	sc, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{deps: deps, schemas: sc, logger: logger.With("component", "api")}, nil
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.observe)

	r.Get("/health", s.handleHealth)

	r.Route("/evidence", func(api chi.Router) {
		api.Get("/chain", s.handleChain)
		api.Get("/export", s.handleExport)
		api.Get("/{id}", s.handleGet)
		api.Get("/{id}/proof", s.handleProof)

		api.Group(func(mut chi.Router) {
			if s.deps.RateLimiter != nil {
				mut.Use(s.deps.RateLimiter.Middleware)
			}
			if len(s.deps.JWTSecret) > 0 {
				mut.Use(RequireJWT(s.deps.JWTSecret))
			}
			mut.Post("/", s.handleOpen)
			mut.Post("/export", s.handlePublish)
			mut.Post("/{id}/seal", s.handleSeal)
			mut.Post("/{id}/promote", s.handlePromote)
		})
	})
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		elapsed := time.Since(start)
		if s.deps.Metrics != nil {
			s.deps.Metrics.HTTPRequest(r.Context(), route, rec.status, elapsed)
		}
		s.logger.Debug("request", "method", r.Method, "route", route, "status", rec.status, "duration", elapsed)
	})
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		WriteError(w, http.StatusRequestEntityTooLarge, "Request Entity Too Large", "request body exceeds 1 MiB")
		return nil, false
	}
	return body, true
}

// writeLedgerError maps ledger errors onto problem responses.
func (s *Server) writeLedgerError(w http.ResponseWriter, err error) {
	var ie *evidence.IntegrityError
	var ce *canonicalize.Error
	switch {
	case errors.As(err, &ie):
		WriteIntegrityFailure(w, ie.Report.Errors)
	case errors.As(err, &ce):
		WriteUnprocessable(w, ce.Error())
	case errors.Is(err, evidence.ErrNotFound):
		WriteNotFound(w, "evidence entry not found")
	case errors.Is(err, evidence.ErrAlreadySealed), errors.Is(err, evidence.ErrInvalidTransition):
		WriteConflict(w, err.Error())
	case errors.Is(err, evidence.ErrInvalidGrade), errors.Is(err, evidence.ErrMissingJobID), errors.Is(err, evidence.ErrInvalidDecision):
		WriteBadRequest(w, err.Error())
	default:
		WriteInternal(w, err)
	}
}

type openRequest struct {
	Backend        string         `json:"backend"`
	Shots          int            `json:"shots"`
	Input          []float64      `json:"input"`
	Preferred      string         `json:"preferred"`
	RequiredQubits int            `json:"required_qubits"`
	Flags          gate.Flags     `json:"flags"`
	Extra          map[string]any `json:"extra"`
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req openRequest
	if err := decodeValidated(s.schemas.open, body, &req); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if req.Input == nil {
		req.Input = []float64{}
	}
	ctx := r.Context()

	request := evidence.Request{Backend: req.Backend, Shots: req.Shots, Input: req.Input, Extra: req.Extra}
	flags := gate.Flags{
		Simulate: req.Flags.Simulate || s.deps.EnvFlags.Simulate,
		Mock:     req.Flags.Mock || s.deps.EnvFlags.Mock,
	}
	res := s.deps.Gate.Evaluate(gate.Input{
		Mode:       s.deps.Ledger.Mode(),
		Backend:    req.Backend,
		Flags:      flags,
		Attributes: request.Attributes(),
	})
	if !res.Allowed {
		if s.deps.Metrics != nil {
			s.deps.Metrics.GateDenied(ctx, res.ReasonCodes)
		}
		s.logger.Warn("admission denied", "backend", req.Backend, "reason_codes", res.ReasonCodes)
		WriteDenied(w, res.ReasonCodes)
		return
	}

	cands, err := s.deps.Catalog.Candidates(ctx)
	if err != nil {
		WriteInternal(w, fmt.Errorf("backend catalog: %w", err))
		return
	}
	preferred := req.Preferred
	if preferred == "" {
		preferred = req.Backend
	}
	decision, err := s.deps.Selector.Select(cands, req.RequiredQubits, preferred)
	if err != nil {
		WriteInternal(w, fmt.Errorf("backend selection: %w", err))
		return
	}
	// The selector and gate are configured separately; an entry is never
	// bound to a backend the gate would have refused.
	if !s.deps.Gate.Config().Allows(decision.Selected) {
		codes := []string{gate.CodeBackendNotAllowed}
		if s.deps.Metrics != nil {
			s.deps.Metrics.GateDenied(ctx, codes)
		}
		s.logger.Warn("selected backend not allow-listed",
			"backend", req.Backend, "selected", decision.Selected, "selection_codes", decision.ReasonCodes)
		WriteDenied(w, codes)
		return
	}

	entry, err := s.deps.Ledger.Open(ctx, request, decision)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, entry)
}

type sealRequest struct {
	JobID  string          `json:"job_id"`
	Result json.RawMessage `json:"result"`
	Grade  evidence.Grade  `json:"grade"`
}

func (s *Server) handleSeal(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req sealRequest
	if err := decodeValidated(s.schemas.seal, body, &req); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	grade := req.Grade
	if grade == "" {
		grade = evidence.GradeSealedB
		if req.JobID != "" {
			grade = evidence.GradeSealedA
		}
	}
	entry, err := s.deps.Ledger.Seal(r.Context(), chi.URLParam(r, "id"), req.Result, req.JobID, grade)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, entry)
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req struct {
		JobID string `json:"job_id"`
	}
	if err := decodeValidated(s.schemas.promote, body, &req); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	entry, err := s.deps.Ledger.Promote(r.Context(), chi.URLParam(r, "id"), req.JobID)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, entry)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	entry, err := s.deps.Ledger.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, entry)
}

func (s *Server) handleProof(w http.ResponseWriter, r *http.Request) {
	proof, err := s.deps.Ledger.Proof(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, proof)
}

type chainResponse struct {
	evidence.ChainState
	Valid  bool            `json:"valid"`
	Report evidence.Report `json:"report"`
}

func (s *Server) handleChain(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Ledger.Verify(r.Context())
	var ie *evidence.IntegrityError
	if err != nil && !errors.As(err, &ie) {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, chainResponse{
		ChainState: s.deps.Ledger.Chain(),
		Valid:      report.Valid,
		Report:     report,
	})
}

type exportResponse struct {
	Bundle       *evidence.Bundle `json:"bundle"`
	Verification evidence.Report  `json:"verification"`
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	b, err := s.deps.Ledger.Export(r.Context())
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, exportResponse{Bundle: b, Verification: evidence.VerifyBundle(b)})
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sink == nil {
		WriteError(w, http.StatusNotImplemented, "Not Implemented", "no export sink is configured")
		return
	}
	ctx := r.Context()
	b, err := s.deps.Ledger.Export(ctx)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	if report := evidence.VerifyBundle(b); !report.Valid {
		WriteIntegrityFailure(w, report.Errors)
		return
	}
	receipt, err := artifacts.Publish(ctx, s.deps.Sink, s.deps.SinkName, b)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	s.logger.Info("bundle published", "ref", receipt.Ref, "bundle_hash", receipt.BundleHash, "sink", receipt.Sink)
	WriteJSON(w, http.StatusCreated, receipt)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	chain := s.deps.Ledger.Chain()
	status, code := "ok", http.StatusOK
	if s.deps.Ledger.Integrity() != nil {
		status, code = "compromised", http.StatusServiceUnavailable
	}
	WriteJSON(w, code, map[string]any{
		"status":     status,
		"mode":       s.deps.Ledger.Mode(),
		"root":       chain.Root,
		"leaf_count": chain.LeafCount,
	})
}
