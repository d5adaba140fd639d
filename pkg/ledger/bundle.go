package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clerkwell/docket/pkg/canonicalize"
)

// BundleFormatVersion is stamped on exported bundles. Verifiers accept
// any bundle within the same major version.
const BundleFormatVersion = "1.0.0"

// Bundle is an exportable, self-verifying snapshot of a case chain, the
// unit handed to legal and audit review.
type Bundle struct {
	BundleID      string    `json:"bundle_id"`
	FormatVersion string    `json:"format_version"`
	CaseID        string    `json:"case_id"`
	CreatedAt     time.Time `json:"created_at"`
	EventCount    int       `json:"event_count"`
	Events        []Event   `json:"events"`
	ChainHead     string    `json:"chain_head"`
	SealHash      string    `json:"seal_hash,omitempty"`
	BundleHash    string    `json:"bundle_hash"`
}

// ExportBundle exports the full chain of a case as an evidence bundle.
func (s *Store) ExportBundle(ctx context.Context, caseID string) (*Bundle, error) {
	events, err := s.Events(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrCaseNotFound
	}
	seal, err := s.SealHash(ctx, caseID)
	if err != nil {
		return nil, err
	}

	b := &Bundle{
		BundleID:      uuid.New().String(),
		FormatVersion: BundleFormatVersion,
		CaseID:        caseID,
		CreatedAt:     s.clock().UTC(),
		EventCount:    len(events),
		Events:        events,
		ChainHead:     events[len(events)-1].HashSelf,
		SealHash:      seal,
	}
	b.BundleHash, err = canonicalize.CanonicalHash(b.Events)
	if err != nil {
		return nil, fmt.Errorf("%w: bundle hash: %v", ErrInvalidEvent, err)
	}
	return b, nil
}

// VerifyBundle checks a bundle's internal consistency without touching
// storage: bundle hash, chain linkage, per-event hashes, and the seal
// when present.
func VerifyBundle(b *Bundle) error {
	if len(b.Events) == 0 {
		return fmt.Errorf("%w: bundle is empty", ErrChainBroken)
	}
	computed, err := canonicalize.CanonicalHash(b.Events)
	if err != nil {
		return fmt.Errorf("%w: bundle hash recompute: %v", ErrChainBroken, err)
	}
	if computed != b.BundleHash {
		return fmt.Errorf("%w: bundle hash mismatch", ErrChainBroken)
	}

	prev := Genesis
	hashes := make([]string, 0, len(b.Events))
	for i := range b.Events {
		e := &b.Events[i]
		if e.HashPrev != prev {
			return fmt.Errorf("%w: prev-hash mismatch at seq %d", ErrChainBroken, e.Seq)
		}
		h, err := ComputeHash(e)
		if err != nil {
			return fmt.Errorf("%w: recompute seq %d: %v", ErrChainBroken, e.Seq, err)
		}
		if h != e.HashSelf {
			return fmt.Errorf("%w: hash mismatch at seq %d", ErrChainBroken, e.Seq)
		}
		prev = e.HashSelf
		hashes = append(hashes, e.HashSelf)
	}

	if b.ChainHead != prev {
		return fmt.Errorf("%w: chain head mismatch", ErrChainBroken)
	}
	if b.SealHash != "" && ComputeSeal(hashes) != b.SealHash {
		return fmt.Errorf("%w: seal mismatch", ErrChainBroken)
	}
	return nil
}
