// Package decision maps the best match for a message to an action.
//
// Decide is a pure function of its inputs: the same candidate and Policy
// always produce the same Verdict. Thresholds and deltas travel in an
// explicit, versioned Policy instead of package state.
package decision

import (
	"time"

	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/pattern"
)

// DefaultPolicyVersion identifies the built-in thresholds.
const DefaultPolicyVersion = "v1"

// Policy carries every tunable threshold and delta of the engine.
type Policy struct {
	Version string `json:"version"`

	MinConfidenceToSuggest float64 `json:"min_confidence_to_suggest"`
	MinConfidenceToAct     float64 `json:"min_confidence_to_act"`

	PromotionThreshold        float64 `json:"promotion_threshold"`
	MinExecutionsForPromotion int     `json:"min_executions_for_promotion"`
	DemotionFloor             float64 `json:"demotion_floor"`

	AcceptDelta    float64 `json:"accept_delta"`
	ModifyDelta    float64 `json:"modify_delta"`
	RejectDelta    float64 `json:"reject_delta"`
	ReinforceDelta float64 `json:"reinforce_delta"`
	DecayDelta     float64 `json:"decay_delta"`

	// DecayAfter is how long a pattern must go unused before it decays.
	// DecayPeriod is the minimum spacing between two decays of one pattern.
	DecayAfter  time.Duration `json:"decay_after"`
	DecayPeriod time.Duration `json:"decay_period"`

	// NearDuplicateThreshold is the similarity at which a learned pattern
	// reinforces an existing one instead of creating a new one.
	NearDuplicateThreshold float64 `json:"near_duplicate_threshold"`

	// ShadowMode restricts actions to SUGGEST and ESCALATE.
	ShadowMode bool `json:"shadow_mode"`
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() Policy {
	return Policy{
		Version:                   DefaultPolicyVersion,
		MinConfidenceToSuggest:    0.60,
		MinConfidenceToAct:        0.85,
		PromotionThreshold:        0.95,
		MinExecutionsForPromotion: 5,
		DemotionFloor:             0.20,
		AcceptDelta:               0.05,
		ModifyDelta:               0.02,
		RejectDelta:               -0.10,
		ReinforceDelta:            0.01,
		DecayDelta:                -0.01,
		DecayAfter:                30 * 24 * time.Hour,
		DecayPeriod:               24 * time.Hour,
		NearDuplicateThreshold:    0.85,
	}
}

// Validate checks ranges and ordering of the thresholds.
func (p Policy) Validate() error {
	if p.Version == "" {
		return pattern.NewValidationError("version", "is required")
	}
	for name, v := range map[string]float64{
		"min_confidence_to_suggest": p.MinConfidenceToSuggest,
		"min_confidence_to_act":     p.MinConfidenceToAct,
		"promotion_threshold":       p.PromotionThreshold,
		"demotion_floor":            p.DemotionFloor,
		"near_duplicate_threshold":  p.NearDuplicateThreshold,
	} {
		if v < 0 || v > 1 {
			return pattern.NewValidationError(name, "must be in [0,1], got %v", v)
		}
	}
	if p.MinConfidenceToSuggest > p.MinConfidenceToAct {
		return pattern.NewValidationError("min_confidence_to_suggest", "cannot exceed min_confidence_to_act")
	}
	if p.DemotionFloor >= p.PromotionThreshold {
		return pattern.NewValidationError("demotion_floor", "must be below promotion_threshold")
	}
	if p.MinExecutionsForPromotion < 0 {
		return pattern.NewValidationError("min_executions_for_promotion", "cannot be negative")
	}
	if p.AcceptDelta < 0 || p.ModifyDelta < 0 || p.ReinforceDelta < 0 {
		return pattern.NewValidationError("deltas", "accept, modify and reinforce deltas must be non-negative")
	}
	if p.RejectDelta > 0 || p.DecayDelta > 0 {
		return pattern.NewValidationError("deltas", "reject and decay deltas must be non-positive")
	}
	if p.DecayAfter < 0 || p.DecayPeriod < 0 {
		return pattern.NewValidationError("decay", "durations cannot be negative")
	}
	return nil
}

// CanPromote reports whether a pattern qualifies for AUTO_EXECUTABLE.
func (p Policy) CanPromote(pat *pattern.Pattern) bool {
	return pat.IsActive &&
		pat.ConfidenceScore >= p.PromotionThreshold &&
		pat.ExecutionCount >= p.MinExecutionsForPromotion
}

// ShouldDemote reports whether a pattern has fallen to the demotion floor.
func (p Policy) ShouldDemote(pat *pattern.Pattern) bool {
	return pat.ConfidenceScore <= p.DemotionFloor
}

// DeltaFor returns the confidence delta for a suggestion resolution.
func (p Policy) DeltaFor(status pattern.SuggestionStatus) (float64, pattern.Reason, bool) {
	switch status {
	case pattern.SuggestionAccepted:
		return p.AcceptDelta, pattern.ReasonAccepted, true
	case pattern.SuggestionModified:
		return p.ModifyDelta, pattern.ReasonModified, true
	case pattern.SuggestionRejected:
		return p.RejectDelta, pattern.ReasonRejected, true
	}
	return 0, "", false
}
