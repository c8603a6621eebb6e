package pattern

import (
	"time"

	"github.com/google/uuid"
)

// DefaultConfidence is the starting confidence of every new pattern.
const DefaultConfidence = 0.5

// Type is the closed category of a pattern. Values outside ValidTypes are
// rejected on write so matching and reporting stay exhaustive.
type Type string

const (
	TypeFAQ        Type = "faq"
	TypePricing    Type = "pricing"
	TypeHours      Type = "hours"
	TypeBooking    Type = "booking"
	TypeGiftCards  Type = "gift_cards"
	TypeMembership Type = "membership"
	TypeTechIssue  Type = "tech_issue"
	TypeAccess     Type = "access"

	// TypeGeneral is the fallback when no specific category applies.
	TypeGeneral Type = "general"
)

// ValidTypes maps valid type strings to their typed values.
var ValidTypes = map[string]Type{
	"faq":        TypeFAQ,
	"pricing":    TypePricing,
	"hours":      TypeHours,
	"booking":    TypeBooking,
	"gift_cards": TypeGiftCards,
	"membership": TypeMembership,
	"tech_issue": TypeTechIssue,
	"access":     TypeAccess,
	"general":    TypeGeneral,
}

// ParseType converts a string to a Type, failing for unknown categories.
func ParseType(s string) (Type, error) {
	t, ok := ValidTypes[s]
	if !ok {
		return "", NewValidationError("type", "unknown pattern type %q", s)
	}
	return t, nil
}

// LifecycleState is the promotion/demotion state of a pattern.
type LifecycleState string

const (
	// StateNew is a freshly learned or created pattern that has not been suggested yet.
	StateNew LifecycleState = "NEW"

	// StateSuggesting patterns are proposed to operators for approval.
	StateSuggesting LifecycleState = "SUGGESTING"

	// StateAutoExecutable patterns may be sent without operator review.
	StateAutoExecutable LifecycleState = "AUTO_EXECUTABLE"

	// StateDeprecated patterns fell below the demotion floor or were disabled.
	// They can only be reactivated to StateSuggesting.
	StateDeprecated LifecycleState = "DEPRECATED"

	// StateArchived is terminal. Archived patterns are kept for audit only.
	StateArchived LifecycleState = "ARCHIVED"
)

// Valid reports whether s is a known lifecycle state.
func (s LifecycleState) Valid() bool {
	switch s {
	case StateNew, StateSuggesting, StateAutoExecutable, StateDeprecated, StateArchived:
		return true
	}
	return false
}

// Source records how a pattern came to exist.
type Source string

const (
	SourceManual  Source = "manual"
	SourceLearned Source = "learned"
)

// Pattern is a learned (trigger, response) association.
type Pattern struct {
	ID                 string            `json:"id"`
	Type               Type              `json:"type"`
	TriggerDescription string            `json:"trigger_description"`
	TriggerKeywords    []string          `json:"trigger_keywords"`
	ResponseTemplate   string            `json:"response_template"`
	TemplateVariables  map[string]string `json:"template_variables,omitempty"`
	Embedding          []float32         `json:"-"`
	ConfidenceScore    float64           `json:"confidence_score"`
	ExecutionCount     int               `json:"execution_count"`
	IsActive           bool              `json:"is_active"`
	AutoExecutable     bool              `json:"auto_executable"`
	LifecycleState     LifecycleState    `json:"lifecycle_state"`
	CreatedFrom        Source            `json:"created_from"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
	LastUsedAt         *time.Time        `json:"last_used_at,omitempty"`
}

// New creates a pattern in the NEW state with default confidence.
//
// Keywords are normalized the same way the matcher tokenizes messages, so
// keyword lookups and overlap scoring compare like with like.
func New(t Type, description, template string, keywords []string, source Source) *Pattern {
	now := time.Now().UTC()
	return &Pattern{
		ID:                 uuid.New().String(),
		Type:               t,
		TriggerDescription: description,
		TriggerKeywords:    NormalizeKeywords(keywords),
		ResponseTemplate:   template,
		ConfidenceScore:    DefaultConfidence,
		IsActive:           true,
		AutoExecutable:     false,
		LifecycleState:     StateNew,
		CreatedFrom:        source,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// Validate checks field-level constraints. It does not check the promotion
// threshold half of the auto-executable invariant; that needs a policy and is
// enforced by the lifecycle manager.
func (p *Pattern) Validate() error {
	if p.ID == "" {
		return NewValidationError("id", "cannot be empty")
	}
	if _, err := uuid.Parse(p.ID); err != nil {
		return NewValidationError("id", "invalid format %q", p.ID)
	}
	if _, ok := ValidTypes[string(p.Type)]; !ok {
		return NewValidationError("type", "unknown pattern type %q", p.Type)
	}
	if len(p.TriggerKeywords) == 0 && len(p.Embedding) == 0 {
		return NewValidationError("trigger_keywords", "cannot be empty when no embedding is set")
	}
	if p.ResponseTemplate == "" {
		return NewValidationError("response_template", "cannot be empty")
	}
	if err := ValidateTemplate(p.ResponseTemplate, p.TemplateVariables); err != nil {
		return err
	}
	if p.ConfidenceScore < 0 || p.ConfidenceScore > 1 {
		return NewValidationError("confidence_score", "must be between 0.0 and 1.0, got %f", p.ConfidenceScore)
	}
	if p.ExecutionCount < 0 {
		return NewValidationError("execution_count", "cannot be negative")
	}
	if !p.LifecycleState.Valid() {
		return NewValidationError("lifecycle_state", "unknown state %q", p.LifecycleState)
	}
	if p.CreatedFrom != SourceManual && p.CreatedFrom != SourceLearned {
		return NewValidationError("created_from", "must be 'manual' or 'learned'")
	}
	if p.AutoExecutable && (!p.IsActive || p.LifecycleState != StateAutoExecutable) {
		return NewValidationError("auto_executable", "requires an active AUTO_EXECUTABLE pattern")
	}
	return nil
}

// Clone returns a deep copy of p.
func (p *Pattern) Clone() *Pattern {
	c := *p
	c.TriggerKeywords = append([]string(nil), p.TriggerKeywords...)
	c.Embedding = append([]float32(nil), p.Embedding...)
	if p.TemplateVariables != nil {
		c.TemplateVariables = make(map[string]string, len(p.TemplateVariables))
		for k, v := range p.TemplateVariables {
			c.TemplateVariables[k] = v
		}
	}
	if p.LastUsedAt != nil {
		t := *p.LastUsedAt
		c.LastUsedAt = &t
	}
	return &c
}
