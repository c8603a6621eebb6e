package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/matcher"
	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/pattern"
)

func candidate(score float64, auto bool, confidence float64) *matcher.Candidate {
	p := pattern.New(pattern.TypeGiftCards, "gift cards", "We sell gift cards.", []string{"gift"}, pattern.SourceLearned)
	p.ConfidenceScore = confidence
	if auto {
		p.AutoExecutable = true
		p.LifecycleState = pattern.StateAutoExecutable
	}
	return &matcher.Candidate{Pattern: p, Score: score}
}

func TestDecide(t *testing.T) {
	policy := DefaultPolicy()
	shadow := DefaultPolicy()
	shadow.ShadowMode = true

	inactive := candidate(0.99, false, 0.5)
	inactive.Pattern.IsActive = false

	tests := []struct {
		name   string
		best   *matcher.Candidate
		policy Policy
		want   Action
	}{
		{name: "no match", best: nil, policy: policy, want: ActionEscalate},
		{name: "below suggest", best: candidate(0.59, true, 0.96), policy: policy, want: ActionEscalate},
		{name: "at suggest", best: candidate(0.60, false, 0.5), policy: policy, want: ActionSuggest},
		{name: "between thresholds auto pattern", best: candidate(0.80, true, 0.96), policy: policy, want: ActionSuggest},
		{name: "above act not auto", best: candidate(0.99, false, 0.5), policy: policy, want: ActionSuggest},
		{name: "at act auto", best: candidate(0.85, true, 0.96), policy: policy, want: ActionAutoExecute},
		{name: "auto flag with stale confidence", best: candidate(0.99, true, 0.90), policy: policy, want: ActionSuggest},
		{name: "shadow mode never acts", best: candidate(0.99, true, 0.99), policy: shadow, want: ActionSuggest},
		{name: "shadow mode still escalates", best: nil, policy: shadow, want: ActionEscalate},
		{name: "inactive pattern", best: inactive, policy: policy, want: ActionEscalate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Decide(tt.best, tt.policy)
			assert.Equal(t, tt.want, v.Action)
			assert.NotEmpty(t, v.Reason)
			assert.Equal(t, tt.policy.Version, v.PolicyVersion)
		})
	}
}

func TestDecide_Deterministic(t *testing.T) {
	best := candidate(0.9, true, 0.97)
	policy := DefaultPolicy()
	first := Decide(best, policy)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, Decide(best, policy))
	}
}

func TestPolicy_Validate(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())

	tests := []struct {
		name   string
		mutate func(*Policy)
		field  string
	}{
		{"missing version", func(p *Policy) { p.Version = "" }, "version"},
		{"suggest above act", func(p *Policy) { p.MinConfidenceToSuggest = 0.9; p.MinConfidenceToAct = 0.8 }, "min_confidence_to_suggest"},
		{"threshold out of range", func(p *Policy) { p.PromotionThreshold = 1.2 }, "promotion_threshold"},
		{"floor above promotion", func(p *Policy) { p.DemotionFloor = 0.96 }, "demotion_floor"},
		{"negative executions", func(p *Policy) { p.MinExecutionsForPromotion = -1 }, "min_executions_for_promotion"},
		{"positive reject", func(p *Policy) { p.RejectDelta = 0.1 }, "deltas"},
		{"negative accept", func(p *Policy) { p.AcceptDelta = -0.05 }, "deltas"},
		{"negative decay period", func(p *Policy) { p.DecayPeriod = -1 }, "decay"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPolicy()
			tt.mutate(&p)
			err := p.Validate()
			var verr *pattern.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestPolicy_PromoteDemote(t *testing.T) {
	policy := DefaultPolicy()
	p := pattern.New(pattern.TypeHours, "hours", "We open at 9.", []string{"hours"}, pattern.SourceManual)

	p.ConfidenceScore, p.ExecutionCount = 0.95, 5
	assert.True(t, policy.CanPromote(p))

	p.ExecutionCount = 4
	assert.False(t, policy.CanPromote(p))

	p.ExecutionCount, p.IsActive = 5, false
	assert.False(t, policy.CanPromote(p))

	p.ConfidenceScore = 0.20
	assert.True(t, policy.ShouldDemote(p))
	p.ConfidenceScore = 0.21
	assert.False(t, policy.ShouldDemote(p))
}

func TestPolicy_DeltaFor(t *testing.T) {
	policy := DefaultPolicy()

	d, reason, ok := policy.DeltaFor(pattern.SuggestionAccepted)
	assert.True(t, ok)
	assert.Equal(t, 0.05, d)
	assert.Equal(t, pattern.ReasonAccepted, reason)

	d, _, ok = policy.DeltaFor(pattern.SuggestionModified)
	assert.True(t, ok)
	assert.Equal(t, 0.02, d)

	d, _, ok = policy.DeltaFor(pattern.SuggestionRejected)
	assert.True(t, ok)
	assert.Equal(t, -0.10, d)

	_, _, ok = policy.DeltaFor(pattern.SuggestionPending)
	assert.False(t, ok)
}
