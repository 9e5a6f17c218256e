package evidence

import (
	"context"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/qledger/pkg/canonicalize"
)

// BundleVersion identifies the export bundle layout.
const BundleVersion = "qledger.bundle/v1"

// Bundle is a self-contained export of the ledger: every entry plus the
// chain state it should reproduce. BundleHash covers Chain and Entries.
type Bundle struct {
	Version    string     `json:"version"`
	ExportedAt time.Time  `json:"exported_at"`
	Chain      ChainState `json:"chain"`
	Entries    []*Entry   `json:"entries"`
	BundleHash string     `json:"bundle_hash"`
}

func bundleHash(chain ChainState, entries []*Entry) (string, error) {
	items := make([]any, len(entries))
	for i, e := range entries {
		items[i] = e
	}
	h, err := canonicalize.CanonicalHash(map[string]any{
		"chain":   chain,
		"entries": items,
	})
	if err != nil {
		return "", err
	}
	return "sha256:" + h, nil
}

// Export snapshots the ledger into a bundle.
func (l *Ledger) Export(ctx context.Context) (*Bundle, error) {
	l.sealMu.Lock()
	entries, err := l.store.List(ctx)
	chain := l.Chain()
	l.sealMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("evidence: list entries: %w", err)
	}
	h, err := bundleHash(chain, entries)
	if err != nil {
		return nil, fmt.Errorf("evidence: bundle hash: %w", err)
	}
	return &Bundle{
		Version:    BundleVersion,
		ExportedAt: l.now(),
		Chain:      chain,
		Entries:    entries,
		BundleHash: h,
	}, nil
}

// VerifyBundle checks a bundle offline: the bundle hash, then the full chain
// against the bundle's recorded root.
func VerifyBundle(b *Bundle) Report {
	report := VerifyChain(b.Entries, b.Chain.Root)
	if b.Chain.LeafCount != report.LeafCount {
		report.Errors = append(report.Errors, Failure{
			Code:   FailRootMismatch,
			Detail: fmt.Sprintf("chain records %d leaves, entries hold %d", b.Chain.LeafCount, report.LeafCount),
		})
	}
	if h, err := bundleHash(b.Chain, b.Entries); err != nil || h != b.BundleHash {
		report.Errors = append(report.Errors, Failure{
			Code:   FailBundleHash,
			Detail: "bundle_hash does not match contents",
		})
	}
	report.Valid = len(report.Errors) == 0
	return report
}
