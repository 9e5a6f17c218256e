package evidence

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound          = errors.New("evidence: entry not found")
	ErrAlreadySealed     = errors.New("evidence: entry already sealed")
	ErrInvalidGrade      = errors.New("evidence: seal grade must be SEALED_A or SEALED_B")
	ErrInvalidTransition = errors.New("evidence: grade transition not allowed")
	ErrMissingJobID      = errors.New("evidence: SEALED_A requires a job id")
	ErrInvalidDecision   = errors.New("evidence: policy decision is missing or fails its hash")

	// Store contract errors.
	ErrIndexConflict = errors.New("evidence: chain index or id already in use")
	ErrGradeConflict = errors.New("evidence: stored grade does not match expected grade")
)

// IntegrityError reports a failed chain verification. It is never
// auto-repaired; a ledger that produced one refuses further writes.
type IntegrityError struct {
	Report Report
}

func (e *IntegrityError) Error() string {
	parts := make([]string, 0, len(e.Report.Errors))
	for _, f := range e.Report.Errors {
		parts = append(parts, f.String())
	}
	return fmt.Sprintf("evidence: chain integrity violated: %s", strings.Join(parts, "; "))
}
