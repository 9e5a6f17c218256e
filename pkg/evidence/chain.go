package evidence

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/Mindburn-Labs/qledger/pkg/canonicalize"
	"github.com/Mindburn-Labs/qledger/pkg/merkle"
)

// ChainState is an immutable snapshot of the chain. The ledger publishes a
// fresh value on every seal; readers never observe a half-updated state.
type ChainState struct {
	Root         string    `json:"root"`
	LeafCount    int       `json:"leaf_count"`
	LastEntryID  string    `json:"last_entry_id,omitempty"`
	LastLeafHash string    `json:"last_leaf_hash,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CanonicalValue implements canonicalize.Valuer.
func (c ChainState) CanonicalValue() any {
	return map[string]any{
		"root":           c.Root,
		"leaf_count":     c.LeafCount,
		"last_entry_id":  c.LastEntryID,
		"last_leaf_hash": c.LastLeafHash,
		"updated_at":     formatTime(c.UpdatedAt),
	}
}

// Chain verification failure codes.
const (
	FailIndexGap            = "INDEX_GAP"
	FailIndexDuplicate      = "INDEX_DUPLICATE"
	FailUnknownGrade        = "UNKNOWN_GRADE"
	FailRequestHash         = "REQUEST_HASH_MISMATCH"
	FailRequestNotCanonical = "REQUEST_NOT_CANONICAL"
	FailPendingHasResult    = "PENDING_HAS_RESULT"
	FailSealedIncomplete    = "SEALED_INCOMPLETE"
	FailResultHash          = "RESULT_HASH_MISMATCH"
	FailLeafHash            = "LEAF_HASH_MISMATCH"
	FailMissingJobID        = "SEALED_A_WITHOUT_JOB_ID"
	FailPolicyTrace         = "POLICY_TRACE_INVALID"
	FailRootMismatch        = "ROOT_MISMATCH"
	FailBundleHash          = "BUNDLE_HASH_MISMATCH"
)

// Failure is one verification finding.
type Failure struct {
	EntryID    string `json:"entry_id,omitempty"`
	ChainIndex uint64 `json:"chain_index"`
	Code       string `json:"code"`
	Detail     string `json:"detail,omitempty"`
}

func (f Failure) String() string {
	if f.EntryID == "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	return fmt.Sprintf("%s[%d] %s: %s", f.EntryID, f.ChainIndex, f.Code, f.Detail)
}

// Report is the outcome of VerifyChain.
type Report struct {
	Valid          bool      `json:"valid"`
	Errors         []Failure `json:"errors"`
	RecomputedRoot string    `json:"recomputed_root"`
	EntryCount     int       `json:"entry_count"`
	LeafCount      int       `json:"leaf_count"`
}

// VerifyChain recomputes every stored hash and the Merkle root from the
// entries alone. expectedRoot is compared with the recomputed root unless it
// is empty. The input slice is not modified.
func VerifyChain(entries []*Entry, expectedRoot string) Report {
	sorted := append([]*Entry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ChainIndex < sorted[j].ChainIndex })

	r := Report{Errors: []Failure{}, EntryCount: len(sorted)}
	fail := func(e *Entry, code, format string, args ...any) {
		r.Errors = append(r.Errors, Failure{
			EntryID:    e.ID,
			ChainIndex: e.ChainIndex,
			Code:       code,
			Detail:     fmt.Sprintf(format, args...),
		})
	}

	var leaves []string
	var want uint64
	for i, e := range sorted {
		switch {
		case i > 0 && e.ChainIndex == sorted[i-1].ChainIndex:
			fail(e, FailIndexDuplicate, "chain_index %d also used by %s", e.ChainIndex, sorted[i-1].ID)
		case e.ChainIndex != want:
			fail(e, FailIndexGap, "expected chain_index %d", want)
		}
		want = e.ChainIndex + 1

		if got := canonicalize.HashString(e.RequestCanon); got != e.RequestHash {
			fail(e, FailRequestHash, "stored %s, recomputed %s", e.RequestHash, got)
		}
		if canon, err := canonicalize.Canonicalize(json.RawMessage(e.RequestCanon)); err != nil || canon != e.RequestCanon {
			fail(e, FailRequestNotCanonical, "request_canon is not in canonical form")
		}
		if !e.PolicyTrace.Verify() || e.PolicyTrace.Selected != e.Backend {
			fail(e, FailPolicyTrace, "policy trace hash or selected backend does not match")
		}

		switch {
		case e.Grade == GradePending:
			if e.ResultHash != "" || e.ResultBlob != "" || e.LeafHash != "" || e.SealedAt != nil {
				fail(e, FailPendingHasResult, "pending entry carries sealed fields")
			}
		case e.Grade.Sealed():
			if e.ResultHash == "" || e.LeafHash == "" || e.SealedAt == nil {
				fail(e, FailSealedIncomplete, "sealed entry is missing result_hash, leaf_hash or sealed_at")
				continue
			}
			if e.Grade == GradeSealedA && e.JobID == "" {
				fail(e, FailMissingJobID, "SEALED_A entry has no job_id")
			}
			if got := canonicalize.HashString(e.ResultBlob); got != e.ResultHash {
				fail(e, FailResultHash, "stored %s, recomputed %s", e.ResultHash, got)
			}
			leaf := e.ComputeLeafHash()
			if leaf != e.LeafHash {
				fail(e, FailLeafHash, "stored %s, recomputed %s", e.LeafHash, leaf)
			}
			leaves = append(leaves, leaf)
		default:
			fail(e, FailUnknownGrade, "grade %q", e.Grade)
		}
	}

	root, err := merkle.ComputeRoot(leaves)
	if err != nil {
		r.Errors = append(r.Errors, Failure{Code: FailLeafHash, Detail: err.Error()})
	}
	r.RecomputedRoot = root
	r.LeafCount = len(leaves)
	if expectedRoot != "" && root != expectedRoot {
		r.Errors = append(r.Errors, Failure{
			Code:   FailRootMismatch,
			Detail: "expected " + expectedRoot + ", recomputed " + root + " over " + strconv.Itoa(len(leaves)) + " leaves",
		})
	}
	r.Valid = len(r.Errors) == 0
	return r
}
