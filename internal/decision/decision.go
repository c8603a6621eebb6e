package decision

import (
	"fmt"

	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/matcher"
)

// Action is the engine's response to a message.
type Action string

const (
	ActionAutoExecute Action = "AUTO_EXECUTE"
	ActionSuggest     Action = "SUGGEST"
	ActionEscalate    Action = "ESCALATE"
)

// Verdict is the outcome of Decide.
type Verdict struct {
	Action        Action  `json:"action"`
	PatternID     string  `json:"pattern_id,omitempty"`
	Score         float64 `json:"score"`
	Reason        string  `json:"reason"`
	PolicyVersion string  `json:"policy_version"`
}

// Decide maps the best candidate, or nil when nothing matched, to an action.
// A high score never bypasses the pattern's auto_executable flag.
func Decide(best *matcher.Candidate, policy Policy) Verdict {
	v := Verdict{Action: ActionEscalate, PolicyVersion: policy.Version}
	if best == nil || best.Pattern == nil {
		v.Reason = "no match"
		return v
	}

	p := best.Pattern
	v.PatternID = p.ID
	v.Score = best.Score

	switch {
	case !p.IsActive:
		v.Reason = "pattern inactive"
	case best.Score < policy.MinConfidenceToSuggest:
		v.Reason = fmt.Sprintf("score %.2f below suggest threshold %.2f", best.Score, policy.MinConfidenceToSuggest)
	case best.Score < policy.MinConfidenceToAct:
		v.Action = ActionSuggest
		v.Reason = fmt.Sprintf("score %.2f below act threshold %.2f", best.Score, policy.MinConfidenceToAct)
	case !p.AutoExecutable || p.ConfidenceScore < policy.PromotionThreshold:
		v.Action = ActionSuggest
		v.Reason = "pattern not auto-executable"
	case policy.ShadowMode:
		v.Action = ActionSuggest
		v.Reason = "shadow mode"
	default:
		v.Action = ActionAutoExecute
		v.Reason = "auto-executable pattern above act threshold"
	}
	return v
}
