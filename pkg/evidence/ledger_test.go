package evidence

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/qledger/pkg/canonicalize"
	"github.com/Mindburn-Labs/qledger/pkg/gate"
	"github.com/Mindburn-Labs/qledger/pkg/merkle"
	"github.com/Mindburn-Labs/qledger/pkg/selection"
)

func testDecision(t *testing.T) selection.Decision {
	t.Helper()
	s, err := selection.NewSelector(selection.Policy{
		Version:           "1.0.0",
		AllowedBackends:   []string{"ibm_brisbane", "ibm_kyoto"},
		Fallback:          "ibm_brisbane",
		LowLatencyDefault: "ibm_brisbane",
		LowLoadThreshold:  10,
	})
	require.NoError(t, err)
	d, err := s.Select([]selection.Candidate{
		{Name: "ibm_brisbane", Operational: true, Capacity: 127, Load: 2},
		{Name: "ibm_kyoto", Operational: true, Capacity: 127, Load: 30},
	}, 5, "")
	require.NoError(t, err)
	return d
}

func steppingClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Millisecond)
		return t
	}
}

func newTestLedger(t *testing.T) (*Ledger, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	l, err := NewLedger(context.Background(), store, WithClock(steppingClock()), WithMode(gate.ModeDevelopment))
	require.NoError(t, err)
	return l, store
}

func testRequest(shots int) Request {
	return Request{Backend: "ibm_brisbane", Shots: shots, Input: []float64{0.25, -1.5}}
}

func TestLedger_OpenSealVerify(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	assert.Equal(t, merkle.EmptyRoot, l.Chain().Root)

	e, err := l.Open(ctx, testRequest(100), testDecision(t))
	require.NoError(t, err)
	assert.Equal(t, GradePending, e.Grade)
	assert.Equal(t, uint64(0), e.ChainIndex)
	assert.Equal(t, "ibm_brisbane", e.Backend)
	assert.Equal(t, gate.ModeDevelopment, e.Mode)
	assert.Equal(t, `{"backend":"ibm_brisbane","input":[0.25,-1.5],"shots":100}`, e.RequestCanon)
	assert.Equal(t, canonicalize.HashString(e.RequestCanon), e.RequestHash)
	assert.Empty(t, e.LeafHash)

	sealed, err := l.Seal(ctx, e.ID, map[string]any{"counts": map[string]any{"00": 51, "11": 49}}, "", GradeSealedB)
	require.NoError(t, err)
	assert.Equal(t, GradeSealedB, sealed.Grade)
	assert.Equal(t, `{"counts":{"00":51,"11":49}}`, sealed.ResultBlob)
	assert.Equal(t, canonicalize.HashString(sealed.ResultBlob), sealed.ResultHash)
	require.NotNil(t, sealed.SealedAt)

	want := LeafHash(e.RequestHash, sealed.ResultHash, e.Backend, 0, e.CreatedAt)
	assert.Equal(t, want, sealed.LeafHash)

	chain := l.Chain()
	assert.Equal(t, 1, chain.LeafCount)
	assert.Equal(t, sealed.LeafHash, chain.Root, "single-leaf root is the leaf")
	assert.Equal(t, e.ID, chain.LastEntryID)

	report, err := l.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, chain.Root, report.RecomputedRoot)
}

func TestLedger_SealRules(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	e, err := l.Open(ctx, testRequest(1), testDecision(t))
	require.NoError(t, err)

	_, err = l.Seal(ctx, e.ID, "r", "", GradePending)
	assert.ErrorIs(t, err, ErrInvalidGrade)
	_, err = l.Seal(ctx, e.ID, "r", "", GradeSealedA)
	assert.ErrorIs(t, err, ErrMissingJobID)
	_, err = l.Seal(ctx, "missing", "r", "", GradeSealedB)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = l.Seal(ctx, e.ID, "r", "job-1", GradeSealedA)
	require.NoError(t, err)
	_, err = l.Seal(ctx, e.ID, "r2", "job-2", GradeSealedA)
	assert.ErrorIs(t, err, ErrAlreadySealed)
	assert.Equal(t, 1, l.Chain().LeafCount)
}

func TestLedger_OpenRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	_, err := l.Open(ctx, testRequest(1), selection.Decision{})
	assert.ErrorIs(t, err, ErrInvalidDecision)

	tampered := testDecision(t)
	tampered.Selected = "ibm_kyoto"
	_, err = l.Open(ctx, testRequest(1), tampered)
	assert.ErrorIs(t, err, ErrInvalidDecision)

	_, err = l.Open(ctx, map[string]any{"x": math.NaN()}, testDecision(t))
	var cerr *canonicalize.Error
	require.ErrorAs(t, err, &cerr)
	assert.ErrorIs(t, err, canonicalize.ErrNonFinite)

	entries, err := l.Entries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries, "rejected opens must not consume a chain index")
}

func TestLedger_ConcurrentOpensAreGapless(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	dec := testDecision(t)

	const n = 64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Open(ctx, testRequest(i), dec)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	entries, err := l.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, n)
	for i, e := range entries {
		assert.Equal(t, uint64(i), e.ChainIndex)
	}
}

func TestLedger_ConcurrentSealsOfOneEntry(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	e, err := l.Open(ctx, testRequest(1), testDecision(t))
	require.NoError(t, err)

	var wins, lost atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Seal(ctx, e.ID, map[string]any{"attempt": i}, "", GradeSealedB)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrAlreadySealed):
				lost.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(15), lost.Load())
	assert.Equal(t, 1, l.Chain().LeafCount)
	report, err := l.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, report.Valid)
}

func TestLedger_ConcurrentSealsKeepRootConsistent(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	dec := testDecision(t)

	const n = 24
	opened := make([]*Entry, n)
	for i := range opened {
		e, err := l.Open(ctx, testRequest(i), dec)
		require.NoError(t, err)
		opened[i] = e
	}

	stop := make(chan struct{})
	var readers sync.WaitGroup
	readers.Add(1)
	go func() {
		defer readers.Done()
		last := 0
		for {
			select {
			case <-stop:
				return
			default:
			}
			st := l.Chain()
			assert.GreaterOrEqual(t, st.LeafCount, last, "leaf count never goes backwards")
			last = st.LeafCount
		}
	}()

	var wg sync.WaitGroup
	// Seal in reverse so leaves arrive out of chain order.
	for i := n - 1; i >= 0; i-- {
		if i%3 == 0 {
			continue
		}
		wg.Add(1)
		go func(e *Entry) {
			defer wg.Done()
			_, err := l.Seal(ctx, e.ID, map[string]any{"i": e.ChainIndex}, "", GradeSealedB)
			assert.NoError(t, err)
		}(opened[i])
	}
	wg.Wait()
	close(stop)
	readers.Wait()

	entries, err := l.Entries(ctx)
	require.NoError(t, err)
	var leaves []string
	for _, e := range entries {
		if e.Grade.Sealed() {
			leaves = append(leaves, e.LeafHash)
		}
	}
	want, err := merkle.ComputeRoot(leaves)
	require.NoError(t, err)
	assert.Equal(t, want, l.Chain().Root)
	assert.Equal(t, len(leaves), l.Chain().LeafCount)

	report, err := l.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, report.Valid)
}

func TestLedger_TamperedBlobIsReported(t *testing.T) {
	ctx := context.Background()
	l, store := newTestLedger(t)
	dec := testDecision(t)

	var victim string
	for i := 0; i < 3; i++ {
		e, err := l.Open(ctx, testRequest(i), dec)
		require.NoError(t, err)
		_, err = l.Seal(ctx, e.ID, map[string]any{"i": i}, "", GradeSealedB)
		require.NoError(t, err)
		if i == 1 {
			victim = e.ID
		}
	}

	store.mu.Lock()
	store.byID[victim].ResultBlob = `{"i":999}`
	store.mu.Unlock()

	report, err := l.Verify(ctx)
	var ie *IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.False(t, report.Valid)
	require.NotEmpty(t, report.Errors)
	assert.Equal(t, victim, report.Errors[0].EntryID)
	assert.Equal(t, FailResultHash, report.Errors[0].Code)

	// A compromised ledger refuses writes.
	_, err = l.Open(ctx, testRequest(9), dec)
	assert.ErrorAs(t, err, &ie)
}

func TestLedger_PromoteKeepsLeaf(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	e, err := l.Open(ctx, testRequest(1), testDecision(t))
	require.NoError(t, err)

	_, err = l.Promote(ctx, e.ID, "job-7")
	assert.ErrorIs(t, err, ErrInvalidTransition, "pending entries cannot be promoted")

	sealed, err := l.Seal(ctx, e.ID, "ok", "", GradeSealedB)
	require.NoError(t, err)
	root := l.Chain().Root

	_, err = l.Promote(ctx, e.ID, "")
	assert.ErrorIs(t, err, ErrMissingJobID)

	promoted, err := l.Promote(ctx, e.ID, "job-7")
	require.NoError(t, err)
	assert.Equal(t, GradeSealedA, promoted.Grade)
	assert.Equal(t, "job-7", promoted.JobID)
	assert.Equal(t, sealed.LeafHash, promoted.LeafHash)
	assert.Equal(t, root, l.Chain().Root)

	_, err = l.Promote(ctx, e.ID, "job-8")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	report, err := l.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, report.Valid)
}

func TestNewLedger_RebuildsFromStore(t *testing.T) {
	ctx := context.Background()
	l, store := newTestLedger(t)
	dec := testDecision(t)
	for i := 0; i < 5; i++ {
		e, err := l.Open(ctx, testRequest(i), dec)
		require.NoError(t, err)
		if i != 2 {
			_, err = l.Seal(ctx, e.ID, i, "", GradeSealedB)
			require.NoError(t, err)
		}
	}
	before := l.Chain()

	reloaded, err := NewLedger(ctx, store)
	require.NoError(t, err)
	after := reloaded.Chain()
	assert.Equal(t, before.Root, after.Root)
	assert.Equal(t, before.LeafCount, after.LeafCount)
	assert.Equal(t, before.LastEntryID, after.LastEntryID)

	e, err := reloaded.Open(ctx, testRequest(5), dec)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), e.ChainIndex)
}

func TestNewLedger_RefusesCorruptStore(t *testing.T) {
	ctx := context.Background()
	l, store := newTestLedger(t)
	e, err := l.Open(ctx, testRequest(1), testDecision(t))
	require.NoError(t, err)
	_, err = l.Seal(ctx, e.ID, "ok", "", GradeSealedB)
	require.NoError(t, err)

	store.mu.Lock()
	store.byID[e.ID].Backend = "ibm_kyoto"
	store.mu.Unlock()

	_, err = NewLedger(ctx, store)
	var ie *IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, e.ID, ie.Report.Errors[0].EntryID)
}

func TestLedger_Proof(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	dec := testDecision(t)

	var ids []string
	for i := 0; i < 5; i++ {
		e, err := l.Open(ctx, testRequest(i), dec)
		require.NoError(t, err)
		_, err = l.Seal(ctx, e.ID, i, "", GradeSealedB)
		require.NoError(t, err)
		ids = append(ids, e.ID)
	}
	pending, err := l.Open(ctx, testRequest(99), dec)
	require.NoError(t, err)

	for _, id := range ids {
		p, err := l.Proof(ctx, id)
		require.NoError(t, err)
		assert.True(t, merkle.VerifyInclusionProof(*p, l.Chain().Root))
	}
	_, err = l.Proof(ctx, pending.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestLedger_ExportBundle(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	dec := testDecision(t)
	for i := 0; i < 3; i++ {
		e, err := l.Open(ctx, testRequest(i), dec)
		require.NoError(t, err)
		_, err = l.Seal(ctx, e.ID, map[string]any{"i": i}, "job", GradeSealedA)
		require.NoError(t, err)
	}

	b, err := l.Export(ctx)
	require.NoError(t, err)
	assert.Equal(t, BundleVersion, b.Version)
	assert.Len(t, b.Entries, 3)
	assert.True(t, VerifyBundle(b).Valid)

	raw, err := json.Marshal(b)
	require.NoError(t, err)
	var decoded Bundle
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.True(t, VerifyBundle(&decoded).Valid, "bundle survives a JSON round trip")

	b.Entries[2].JobID = "other"
	report := VerifyBundle(b)
	assert.False(t, report.Valid)
	assert.Equal(t, FailBundleHash, report.Errors[len(report.Errors)-1].Code)
}
