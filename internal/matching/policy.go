package matching

import (
	"fmt"
	"slices"
)

// Policy holds the presentation and churn thresholds applied on top of the
// pure score. The defaults carry over values used by the product so far;
// none of them is derived from the scoring function.
type Policy struct {
	// SuggestThreshold: Suggest keeps matches scoring strictly above it.
	SuggestThreshold float64 `mapstructure:"suggest_threshold"`
	// RecommendedThreshold: the recommended view keeps pending matches
	// scoring at least this much.
	RecommendedThreshold float64 `mapstructure:"recommended_threshold"`
	// RefreshTolerance: RefreshScore rewrites the stored score only when the
	// new one differs by more than this.
	RefreshTolerance float64 `mapstructure:"refresh_tolerance"`
}

// DefaultPolicy returns the default thresholds.
func DefaultPolicy() Policy {
	return Policy{
		SuggestThreshold:     0.4,
		RecommendedThreshold: 0.7,
		RefreshTolerance:     0.1,
	}
}

// Validate checks that every threshold lies in [0,1].
func (p Policy) Validate() error {
	for name, v := range map[string]float64{
		"suggest_threshold":     p.SuggestThreshold,
		"recommended_threshold": p.RecommendedThreshold,
		"refresh_tolerance":     p.RefreshTolerance,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("matching: policy %s=%v outside [0,1]", name, v)
		}
	}
	return nil
}

// View names one of the predefined match list tabs.
type View string

const (
	ViewRecommended View = "recommended"
	ViewNew         View = "new"
	ViewFavorites   View = "favorites"
	ViewAll         View = "all"
)

// Filter restricts List results. An empty Statuses slice admits every
// status; MinScore is inclusive.
type Filter struct {
	Statuses []Status `json:"statuses,omitempty"`
	MinScore float64  `json:"min_score,omitempty"`
}

// Matches reports whether m passes the filter.
func (f Filter) Matches(m Match) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, m.Status) {
		return false
	}
	return m.Score >= f.MinScore
}

// FilterFor resolves a view into a concrete filter:
//
//	recommended -> pending and score >= RecommendedThreshold
//	new         -> pending
//	favorites   -> accepted
//	all         -> everything
func (p Policy) FilterFor(v View) (Filter, error) {
	switch v {
	case ViewRecommended:
		return Filter{Statuses: []Status{StatusPending}, MinScore: p.RecommendedThreshold}, nil
	case ViewNew:
		return Filter{Statuses: []Status{StatusPending}}, nil
	case ViewFavorites:
		return Filter{Statuses: []Status{StatusAccepted}}, nil
	case ViewAll, "":
		return Filter{}, nil
	}
	return Filter{}, fmt.Errorf("matching: unknown view %q", v)
}
