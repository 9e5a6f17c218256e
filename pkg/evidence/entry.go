// Package evidence is the append-only, hash-chained evidence ledger.
//
// An Entry is opened PENDING with the hash of its canonical request, and is
// later sealed with the canonical result. Sealing derives a leaf hash that
// feeds the Merkle chain root held in ChainState.
//
// Leaf hash tuple (fixed; changing it breaks replay of every stored chain):
//
//	SHA256(request_hash 0x00 result_hash 0x00 backend 0x00 chain_index 0x00 created_at)
//
// chain_index is decimal, created_at is RFC 3339 with nanoseconds in UTC.
package evidence

import (
	"bytes"
	"slices"
	"strconv"
	"time"

	"github.com/Mindburn-Labs/qledger/pkg/canonicalize"
	"github.com/Mindburn-Labs/qledger/pkg/gate"
	"github.com/Mindburn-Labs/qledger/pkg/selection"
)

// Grade is the trust level of an entry. Transitions only move forward:
//
//	PENDING → SEALED_B → SEALED_A
//	PENDING → SEALED_A
type Grade string

const (
	GradePending Grade = "PENDING"
	GradeSealedB Grade = "SEALED_B" // pipeline-validated
	GradeSealedA Grade = "SEALED_A" // execution-backed
)

// Sealed reports whether g is one of the sealed grades.
func (g Grade) Sealed() bool {
	return g == GradeSealedA || g == GradeSealedB
}

// Valid reports whether g is a known grade.
func (g Grade) Valid() bool {
	return g == GradePending || g.Sealed()
}

// Entry is one accountable unit of work.
type Entry struct {
	ID           string             `json:"id"`
	CreatedAt    time.Time          `json:"created_at"`
	SealedAt     *time.Time         `json:"sealed_at,omitempty"`
	Mode         gate.Mode          `json:"mode"`
	Grade        Grade              `json:"grade"`
	RequestHash  string             `json:"request_hash"`
	RequestCanon string             `json:"request_canon"`
	Backend      string             `json:"backend"`
	JobID        string             `json:"job_id,omitempty"`
	ResultHash   string             `json:"result_hash,omitempty"`
	ResultBlob   string             `json:"result_blob,omitempty"`
	LeafHash     string             `json:"leaf_hash,omitempty"`
	ChainIndex   uint64             `json:"chain_index"`
	PolicyTrace  selection.Decision `json:"policy_trace"`
}

// Clone returns a deep copy; stores hand out clones so callers never alias
// ledger state.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	if e.SealedAt != nil {
		t := *e.SealedAt
		c.SealedAt = &t
	}
	c.PolicyTrace = cloneDecision(e.PolicyTrace)
	return &c
}

func cloneDecision(d selection.Decision) selection.Decision {
	out := d
	out.ReasonCodes = slices.Clone(d.ReasonCodes)
	out.Candidates = slices.Clone(d.Candidates)
	for i := range out.Candidates {
		out.Candidates[i].Rejections = slices.Clone(d.Candidates[i].Rejections)
	}
	return out
}

// ComputeLeafHash recomputes the leaf from the entry's stored fields.
func (e *Entry) ComputeLeafHash() string {
	return LeafHash(e.RequestHash, e.ResultHash, e.Backend, e.ChainIndex, e.CreatedAt)
}

// LeafHash derives the Merkle leaf for a sealed entry.
func LeafHash(requestHash, resultHash, backend string, chainIndex uint64, createdAt time.Time) string {
	var buf bytes.Buffer
	buf.WriteString(requestHash)
	buf.WriteByte(0)
	buf.WriteString(resultHash)
	buf.WriteByte(0)
	buf.WriteString(backend)
	buf.WriteByte(0)
	buf.WriteString(strconv.FormatUint(chainIndex, 10))
	buf.WriteByte(0)
	buf.WriteString(formatTime(createdAt))
	return canonicalize.HashBytes(buf.Bytes())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// CanonicalValue implements canonicalize.Valuer for export bundle hashing.
func (e *Entry) CanonicalValue() any {
	v := map[string]any{
		"id":            e.ID,
		"created_at":    formatTime(e.CreatedAt),
		"mode":          string(e.Mode),
		"grade":         string(e.Grade),
		"request_hash":  e.RequestHash,
		"request_canon": e.RequestCanon,
		"backend":       e.Backend,
		"chain_index":   strconv.FormatUint(e.ChainIndex, 10),
		"policy_trace":  e.PolicyTrace,
		"decision_hash": e.PolicyTrace.DecisionHash,
	}
	if e.SealedAt != nil {
		v["sealed_at"] = formatTime(*e.SealedAt)
	}
	if e.Grade.Sealed() {
		v["job_id"] = e.JobID
		v["result_hash"] = e.ResultHash
		v["result_blob"] = e.ResultBlob
		v["leaf_hash"] = e.LeafHash
	}
	return v
}

// Request is the descriptor of one unit of work submitted for execution.
type Request struct {
	Backend string         `json:"backend"`
	Shots   int            `json:"shots"`
	Input   []float64      `json:"input"`
	Extra   map[string]any `json:"extra,omitempty"`
}

// CanonicalValue implements canonicalize.Valuer.
func (r Request) CanonicalValue() any {
	v := map[string]any{
		"backend": r.Backend,
		"shots":   r.Shots,
		"input":   r.Input,
	}
	if len(r.Extra) > 0 {
		v["extra"] = r.Extra
	}
	return v
}

// Attributes is the request as seen by gate rules.
func (r Request) Attributes() map[string]any {
	input := make([]any, len(r.Input))
	for i, f := range r.Input {
		input[i] = f
	}
	attrs := map[string]any{
		"backend": r.Backend,
		"shots":   r.Shots,
		"input":   input,
	}
	if r.Extra != nil {
		attrs["extra"] = r.Extra
	}
	return attrs
}
