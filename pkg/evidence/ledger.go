package evidence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/qledger/pkg/canonicalize"
	"github.com/Mindburn-Labs/qledger/pkg/gate"
	"github.com/Mindburn-Labs/qledger/pkg/ids"
	"github.com/Mindburn-Labs/qledger/pkg/merkle"
	"github.com/Mindburn-Labs/qledger/pkg/selection"
)

// Recorder receives ledger events for metrics.
type Recorder interface {
	EntryOpened(ctx context.Context, backend string)
	EntrySealed(ctx context.Context, grade Grade, elapsed time.Duration)
	IntegrityFailure(ctx context.Context, failures int)
}

type nopRecorder struct{}

func (nopRecorder) EntryOpened(context.Context, string)               {}
func (nopRecorder) EntrySealed(context.Context, Grade, time.Duration) {}
func (nopRecorder) IntegrityFailure(context.Context, int)             {}

type sealedLeaf struct {
	index uint64
	hash  string
}

// Ledger owns entry creation and sealing, and the chain root.
//
// Opens serialize on chain index allocation only. Seals hash outside any
// lock, then serialize the store update, the leaf insertion and the root
// publication so ChainState always reflects exactly the set of sealed
// entries.
type Ledger struct {
	store    Store
	mode     gate.Mode
	clock    func() time.Time
	logger   *slog.Logger
	recorder Recorder
	tracer   trace.Tracer

	openMu    sync.Mutex
	nextIndex uint64

	sealMu sync.Mutex
	leaves []sealedLeaf // sorted by chain index

	chain       atomic.Pointer[ChainState]
	compromised atomic.Pointer[IntegrityError]
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) { l.clock = clock }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(l *Ledger) { l.recorder = r }
}

// WithMode fixes the operating mode stamped on new entries.
func WithMode(m gate.Mode) Option {
	return func(l *Ledger) { l.mode = m }
}

// NewLedger loads the store, verifies what it holds and rebuilds the chain
// state. A store that fails verification yields an *IntegrityError and no
// ledger.
func NewLedger(ctx context.Context, store Store, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		store:    store,
		mode:     gate.ModeReal,
		clock:    time.Now,
		logger:   slog.Default(),
		recorder: nopRecorder{},
		tracer:   otel.Tracer("qledger/evidence"),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "evidence")

	entries, err := store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("evidence: load store: %w", err)
	}
	report := VerifyChain(entries, "")
	if !report.Valid {
		l.recorder.IntegrityFailure(ctx, len(report.Errors))
		return nil, &IntegrityError{Report: report}
	}

	l.nextIndex = uint64(len(entries))
	state := ChainState{Root: report.RecomputedRoot, UpdatedAt: l.now()}
	var lastSealed time.Time
	for _, e := range entries {
		if !e.Grade.Sealed() {
			continue
		}
		l.leaves = append(l.leaves, sealedLeaf{index: e.ChainIndex, hash: e.LeafHash})
		if e.SealedAt.After(lastSealed) || state.LastEntryID == "" {
			lastSealed = *e.SealedAt
			state.LastEntryID = e.ID
			state.LastLeafHash = e.LeafHash
		}
	}
	state.LeafCount = len(l.leaves)
	if !lastSealed.IsZero() {
		state.UpdatedAt = lastSealed
	}
	l.chain.Store(&state)

	l.logger.Info("ledger loaded", "entries", len(entries), "leaves", state.LeafCount, "root", state.Root)
	return l, nil
}

func (l *Ledger) now() time.Time {
	return l.clock().UTC().Truncate(time.Microsecond)
}

// Mode returns the mode stamped on new entries.
func (l *Ledger) Mode() gate.Mode { return l.mode }

// Chain returns the current chain snapshot.
func (l *Ledger) Chain() ChainState {
	return *l.chain.Load()
}

// Integrity returns the latched *IntegrityError once verification has failed,
// nil while the chain is intact.
func (l *Ledger) Integrity() error {
	if ie := l.compromised.Load(); ie != nil {
		return ie
	}
	return nil
}

// Open creates a PENDING entry for request. The decision must carry a
// backend and a valid hash; it becomes the entry's policy trace.
func (l *Ledger) Open(ctx context.Context, request any, decision selection.Decision) (*Entry, error) {
	ctx, span := l.tracer.Start(ctx, "evidence.Open")
	defer span.End()

	if err := l.Integrity(); err != nil {
		return nil, err
	}
	if decision.Selected == "" || !decision.Verify() {
		return nil, ErrInvalidDecision
	}
	canon, err := canonicalize.Canonicalize(request)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request not canonicalizable")
		return nil, fmt.Errorf("evidence: canonicalize request: %w", err)
	}

	e := &Entry{
		ID:           ids.New(),
		Mode:         l.mode,
		Grade:        GradePending,
		RequestHash:  canonicalize.HashString(canon),
		RequestCanon: canon,
		Backend:      decision.Selected,
		PolicyTrace:  cloneDecision(decision),
	}

	l.openMu.Lock()
	e.ChainIndex = l.nextIndex
	e.CreatedAt = l.now()
	err = l.store.Append(ctx, e)
	if err == nil {
		l.nextIndex++
	}
	l.openMu.Unlock()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("evidence: append entry: %w", err)
	}

	span.SetAttributes(
		attribute.String("evidence.id", e.ID),
		attribute.Int64("evidence.chain_index", int64(e.ChainIndex)),
		attribute.String("evidence.backend", e.Backend),
	)
	l.recorder.EntryOpened(ctx, e.Backend)
	l.logger.Debug("entry opened", "id", e.ID, "chain_index", e.ChainIndex, "backend", e.Backend)
	return e, nil
}

// Seal binds result to a PENDING entry and extends the chain. Exactly one of
// several concurrent seals of the same entry succeeds; the rest get
// ErrAlreadySealed.
func (l *Ledger) Seal(ctx context.Context, id string, result any, jobID string, grade Grade) (*Entry, error) {
	ctx, span := l.tracer.Start(ctx, "evidence.Seal", trace.WithAttributes(attribute.String("evidence.id", id)))
	defer span.End()
	start := time.Now()

	if !grade.Sealed() {
		return nil, ErrInvalidGrade
	}
	if grade == GradeSealedA && jobID == "" {
		return nil, ErrMissingJobID
	}
	if err := l.Integrity(); err != nil {
		return nil, err
	}

	e, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Grade != GradePending {
		return nil, ErrAlreadySealed
	}
	blob, err := canonicalize.Canonicalize(result)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("evidence: canonicalize result: %w", err)
	}

	sealed := e.Clone()
	sealed.Grade = grade
	sealed.JobID = jobID
	sealed.ResultBlob = blob
	sealed.ResultHash = canonicalize.HashString(blob)
	sealed.LeafHash = sealed.ComputeLeafHash()

	l.sealMu.Lock()
	defer l.sealMu.Unlock()

	// The store CAS is the authority on PENDING; a seal that raced ahead of
	// us between Get and here makes it fail.
	now := l.now()
	sealed.SealedAt = &now
	if err := l.store.Update(ctx, sealed, GradePending); err != nil {
		if errors.Is(err, ErrGradeConflict) {
			return nil, ErrAlreadySealed
		}
		span.RecordError(err)
		return nil, fmt.Errorf("evidence: update entry: %w", err)
	}

	state, err := l.insertLeafLocked(sealed)
	if err != nil {
		// Unreachable for ledger-produced leaves; treat as corruption.
		ie := &IntegrityError{Report: Report{Errors: []Failure{{
			EntryID: sealed.ID, ChainIndex: sealed.ChainIndex, Code: FailLeafHash, Detail: err.Error(),
		}}}}
		l.compromised.CompareAndSwap(nil, ie)
		return nil, ie
	}

	l.recorder.EntrySealed(ctx, grade, time.Since(start))
	l.logger.Debug("entry sealed",
		"id", sealed.ID, "grade", grade, "chain_index", sealed.ChainIndex,
		"root", state.Root, "leaf_count", state.LeafCount)
	return sealed, nil
}

func (l *Ledger) insertLeafLocked(e *Entry) (*ChainState, error) {
	i := sort.Search(len(l.leaves), func(i int) bool { return l.leaves[i].index >= e.ChainIndex })
	leaves := make([]sealedLeaf, 0, len(l.leaves)+1)
	leaves = append(leaves, l.leaves[:i]...)
	leaves = append(leaves, sealedLeaf{index: e.ChainIndex, hash: e.LeafHash})
	leaves = append(leaves, l.leaves[i:]...)

	hashes := make([]string, len(leaves))
	for j, lf := range leaves {
		hashes[j] = lf.hash
	}
	root, err := merkle.ComputeRoot(hashes)
	if err != nil {
		return nil, err
	}
	l.leaves = leaves
	state := &ChainState{
		Root:         root,
		LeafCount:    len(leaves),
		LastEntryID:  e.ID,
		LastLeafHash: e.LeafHash,
		UpdatedAt:    *e.SealedAt,
	}
	l.chain.Store(state)
	return state, nil
}

// Promote upgrades a SEALED_B entry to SEALED_A once execution evidence
// (jobID) is available. The leaf hash and chain root do not change because
// job id is not part of the leaf tuple.
func (l *Ledger) Promote(ctx context.Context, id, jobID string) (*Entry, error) {
	if jobID == "" {
		return nil, ErrMissingJobID
	}
	if err := l.Integrity(); err != nil {
		return nil, err
	}
	e, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Grade != GradeSealedB {
		return nil, ErrInvalidTransition
	}
	promoted := e.Clone()
	promoted.Grade = GradeSealedA
	promoted.JobID = jobID
	if err := l.store.Update(ctx, promoted, GradeSealedB); err != nil {
		if errors.Is(err, ErrGradeConflict) {
			return nil, ErrInvalidTransition
		}
		return nil, fmt.Errorf("evidence: update entry: %w", err)
	}
	l.logger.Debug("entry promoted", "id", id, "job_id", jobID)
	return promoted, nil
}

// Get returns a copy of one entry.
func (l *Ledger) Get(ctx context.Context, id string) (*Entry, error) {
	return l.store.Get(ctx, id)
}

// Entries returns every entry ordered by chain index.
func (l *Ledger) Entries(ctx context.Context) ([]*Entry, error) {
	return l.store.List(ctx)
}

// Verify recomputes the chain from storage and compares it with the
// published root. On failure the ledger stops accepting writes.
func (l *Ledger) Verify(ctx context.Context) (Report, error) {
	ctx, span := l.tracer.Start(ctx, "evidence.Verify")
	defer span.End()

	// Holding sealMu keeps the published root and the stored set consistent.
	l.sealMu.Lock()
	entries, err := l.store.List(ctx)
	root := l.Chain().Root
	l.sealMu.Unlock()
	if err != nil {
		return Report{}, fmt.Errorf("evidence: list entries: %w", err)
	}

	report := VerifyChain(entries, root)
	if report.Valid {
		return report, nil
	}
	ie := &IntegrityError{Report: report}
	l.compromised.CompareAndSwap(nil, ie)
	span.SetStatus(codes.Error, "chain integrity violated")
	l.recorder.IntegrityFailure(ctx, len(report.Errors))
	l.logger.Error("chain integrity violated", "failures", len(report.Errors), "recomputed_root", report.RecomputedRoot, "expected_root", root)
	return report, ie
}

// Proof returns the inclusion proof of a sealed entry against the current root.
func (l *Ledger) Proof(ctx context.Context, id string) (*merkle.InclusionProof, error) {
	e, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !e.Grade.Sealed() {
		return nil, fmt.Errorf("evidence: entry %s is not sealed: %w", id, ErrInvalidTransition)
	}

	l.sealMu.Lock()
	hashes := make([]string, len(l.leaves))
	pos := -1
	for i, lf := range l.leaves {
		hashes[i] = lf.hash
		if lf.index == e.ChainIndex {
			pos = i
		}
	}
	l.sealMu.Unlock()
	if pos < 0 {
		return nil, ErrNotFound
	}
	return merkle.Prove(hashes, pos)
}
