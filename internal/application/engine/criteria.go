package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Knetic/govaluate"

	"github.com/canopyhub/canopy/internal/domain/collection"
	"github.com/canopyhub/canopy/internal/domain/operation"
)

// Named criteria accepted by Submit.
const (
	CriteriaMintDateBefore2024 = "mint_date_before_2024"
	CriteriaTopHolders         = "top_holders"
	CriteriaRandomSelection    = "random_selection"
	CriteriaAllCurrentTier     = "all_current_tier"
)

// Default caps applied when a criteria request leaves MaxItems at zero.
const (
	defaultDateCohortCap = 1000
	defaultTopHoldersCap = 100
)

var (
	ErrInvalidRange      = errors.New("target range start must precede end")
	ErrRangeOutOfBounds  = errors.New("target range exceeds minted items")
	ErrInvalidCriteria   = errors.New("unknown selection criteria")
	ErrInvalidExpression = errors.New("eligibility expression is invalid")
)

var dateCohortCutoff = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// targetSpec is the deterministic, persisted description of an
// operation's target set. Advance re-derives chunk contents from it, so
// a spec must resolve to the same ordered indices on every call.
type targetSpec struct {
	Mode    string   `json:"mode"` // "range", "stride", "indices"
	Start   uint64   `json:"start,omitempty"`
	End     uint64   `json:"end,omitempty"`
	Stride  uint64   `json:"stride,omitempty"`
	Count   uint64   `json:"count,omitempty"`
	Indices []uint64 `json:"indices,omitempty"`
	// ChunkSize is snapshotted at submit so resumability survives
	// later tree reconfiguration.
	ChunkSize uint32 `json:"chunkSize"`
}

const (
	modeRange   = "range"
	modeStride  = "stride"
	modeIndices = "indices"
)

// totalItems is the size of the target set.
func (t targetSpec) totalItems() uint64 {
	switch t.Mode {
	case modeRange:
		return t.End - t.Start
	case modeStride:
		return t.Count
	default:
		return uint64(len(t.Indices))
	}
}

// indexAt maps a position in the ordered target set to an item index.
func (t targetSpec) indexAt(pos uint64) uint64 {
	switch t.Mode {
	case modeRange:
		return t.Start + pos
	case modeStride:
		return t.Start + pos*t.Stride
	default:
		return t.Indices[pos]
	}
}

// materialize flattens a targetSpec into an explicit index list.
func (t targetSpec) materialize() []uint64 {
	total := t.totalItems()
	out := make([]uint64, 0, total)
	for pos := uint64(0); pos < total; pos++ {
		out = append(out, t.indexAt(pos))
	}
	return out
}

// resolveTargets turns a request into a target spec against the current
// collection state. Mint requests are capacity-bounded instead of
// minted-bounded and always target fresh indices.
func (s *Service) resolveTargets(ctx context.Context, req Request, mgr *collection.Manager) (targetSpec, error) {
	spec := targetSpec{ChunkSize: mgr.Config.ChunkSize}

	switch {
	case req.Kind == operation.KindMassMint:
		count := req.Count
		if count == 0 {
			count = uint64(len(req.MintItems))
		}
		spec.Mode = modeRange
		spec.Start = mgr.TotalMinted
		spec.End = mgr.TotalMinted + count
		return spec, nil

	case req.explicitItems() > 0:
		n := uint64(req.explicitItems())
		spec.Mode = modeRange
		spec.Start = 0
		spec.End = n
		// Positions address the request's item slice directly; the
		// per-item leaf index lives in the item itself.
		return spec, nil

	case req.TargetRange != nil:
		r := *req.TargetRange
		if r.Start >= r.End {
			return targetSpec{}, fmt.Errorf("%w: [%d,%d)", ErrInvalidRange, r.Start, r.End)
		}
		if r.End > mgr.TotalMinted {
			return targetSpec{}, fmt.Errorf("%w: end %d > minted %d", ErrRangeOutOfBounds, r.End, mgr.TotalMinted)
		}
		spec.Mode = modeRange
		spec.Start = r.Start
		spec.End = r.End

	case req.Criteria != "":
		resolved, err := s.resolveCriteria(ctx, req, mgr)
		if err != nil {
			return targetSpec{}, err
		}
		resolved.ChunkSize = spec.ChunkSize
		spec = resolved

	default:
		// No range, no criteria: the whole minted collection.
		spec.Mode = modeRange
		spec.Start = 0
		spec.End = mgr.TotalMinted
	}

	if req.EligibilityExpr != "" {
		filtered, err := s.filterEligible(ctx, spec, req.EligibilityExpr)
		if err != nil {
			return targetSpec{}, err
		}
		filtered.ChunkSize = spec.ChunkSize
		spec = filtered
	}
	return spec, nil
}

func (s *Service) resolveCriteria(ctx context.Context, req Request, mgr *collection.Manager) (targetSpec, error) {
	total := mgr.TotalMinted
	switch req.Criteria {
	case CriteriaMintDateBefore2024:
		cap := uint64(req.MaxItems)
		if cap == 0 {
			cap = defaultDateCohortCap
		}
		// Mint times are index arithmetic from collection creation, one
		// item per hour, so the cohort is always an index prefix.
		n := uint64(0)
		for n < total {
			mintedAt := mgr.CreatedAt.Add(time.Duration(n) * time.Hour)
			if !mintedAt.Before(dateCohortCutoff) {
				break
			}
			n++
			if n >= cap {
				break
			}
		}
		return targetSpec{Mode: modeRange, Start: 0, End: n}, nil

	case CriteriaTopHolders:
		n := uint64(req.MaxItems)
		if n == 0 {
			n = defaultTopHoldersCap
		}
		if n > total {
			n = total
		}
		return targetSpec{Mode: modeRange, Start: 0, End: n}, nil

	case CriteriaRandomSelection:
		count := uint64(req.MaxItems)
		if count == 0 || count > total {
			count = total
		}
		if count == 0 {
			return targetSpec{Mode: modeRange}, nil
		}
		stride := total / count
		if stride == 0 {
			stride = 1
		}
		return targetSpec{Mode: modeStride, Start: 0, Stride: stride, Count: count}, nil

	case CriteriaAllCurrentTier:
		cap := uint64(req.MaxItems)
		if cap == 0 || cap > total {
			cap = total
		}
		indices := make([]uint64, 0)
		for idx := uint64(0); idx < total && uint64(len(indices)) < cap; idx++ {
			tierName, err := s.items.TierOf(ctx, idx)
			if err != nil {
				return targetSpec{}, err
			}
			if tierName == req.FromTier || (req.FromTier == "" && tierName == req.Tier) {
				indices = append(indices, idx)
			}
		}
		return targetSpec{Mode: modeIndices, Indices: indices}, nil

	default:
		return targetSpec{}, fmt.Errorf("%w: %q", ErrInvalidCriteria, req.Criteria)
	}
}

// filterEligible narrows a target spec with a govaluate expression
// evaluated over each item's attributes.
func (s *Service) filterEligible(ctx context.Context, spec targetSpec, expr string) (targetSpec, error) {
	eval, err := govaluate.NewEvaluableExpression(expr)
	if err != nil {
		return targetSpec{}, fmt.Errorf("%w: %v", ErrInvalidExpression, err)
	}
	kept := make([]uint64, 0)
	for _, idx := range spec.materialize() {
		attrs, err := s.items.AttributesOf(ctx, idx)
		if err != nil {
			return targetSpec{}, err
		}
		result, err := eval.Evaluate(attrs)
		if err != nil {
			return targetSpec{}, fmt.Errorf("%w: %v", ErrInvalidExpression, err)
		}
		match, ok := result.(bool)
		if !ok {
			return targetSpec{}, fmt.Errorf("%w: expression is not boolean", ErrInvalidExpression)
		}
		if match {
			kept = append(kept, idx)
		}
	}
	return targetSpec{Mode: modeIndices, Indices: kept}, nil
}

// tierOf delegates to the item-index collaborator, tolerating absence.
func (s *Service) tierOf(ctx context.Context, index uint64) string {
	if s.items == nil {
		return ""
	}
	tierName, err := s.items.TierOf(ctx, index)
	if err != nil || tierName == "" {
		return ""
	}
	if _, tierErr := collection.TierByName(tierName); tierErr != nil {
		return ""
	}
	return tierName
}
