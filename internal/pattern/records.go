package pattern

import (
	"time"

	"github.com/google/uuid"
)

// Action is what the engine did with an inbound message.
type Action string

const (
	ActionAuto      Action = "auto"
	ActionSuggested Action = "suggested"
	ActionEscalated Action = "escalated"

	// ActionFailed marks an auto record whose send failed. It behaves as an
	// escalation and never reinforces the pattern.
	ActionFailed Action = "failed"
)

// ExecutionRecord is the single log row written per inbound message.
type ExecutionRecord struct {
	ID                string    `json:"id"`
	PatternID         *string   `json:"pattern_id,omitempty"`
	ConversationID    string    `json:"conversation_id"`
	MessageText       string    `json:"message_text"`
	MessageHash       string    `json:"message_hash"`
	MatchedConfidence float64   `json:"matched_confidence"`
	ActionTaken       Action    `json:"action_taken"`
	Timestamp         time.Time `json:"timestamp"`
}

// NewExecutionRecord creates a record with a generated id.
func NewExecutionRecord(conversationID, text, hash string, patternID string, score float64, action Action) *ExecutionRecord {
	rec := &ExecutionRecord{
		ID:                uuid.New().String(),
		ConversationID:    conversationID,
		MessageText:       text,
		MessageHash:       hash,
		MatchedConfidence: score,
		ActionTaken:       action,
		Timestamp:         time.Now().UTC(),
	}
	if patternID != "" {
		rec.PatternID = &patternID
	}
	return rec
}

// SuggestionStatus is the state of a queued suggestion.
type SuggestionStatus string

const (
	SuggestionPending  SuggestionStatus = "pending"
	SuggestionAccepted SuggestionStatus = "accepted"
	SuggestionModified SuggestionStatus = "modified"
	SuggestionRejected SuggestionStatus = "rejected"
)

// Terminal reports whether the status is a resolved state.
func (s SuggestionStatus) Terminal() bool {
	return s == SuggestionAccepted || s == SuggestionModified || s == SuggestionRejected
}

// SuggestionEntry is a proposed response awaiting operator review.
type SuggestionEntry struct {
	ID               string           `json:"id"`
	PatternID        string           `json:"pattern_id"`
	ExecutionID      string           `json:"execution_id"`
	ConversationID   string           `json:"conversation_id"`
	MessageText      string           `json:"message_text"`
	ProposedResponse string           `json:"proposed_response"`
	Confidence       float64          `json:"confidence"`
	Status           SuggestionStatus `json:"status"`
	FinalText        string           `json:"final_text,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	ResolvedAt       *time.Time       `json:"resolved_at,omitempty"`
	ResolvedBy       string           `json:"resolved_by,omitempty"`
}

// SuggestionFilter narrows a suggestion listing.
type SuggestionFilter struct {
	Status    SuggestionStatus
	PatternID string
	Limit     int
}

// Reason explains why a confidence event was appended.
type Reason string

const (
	ReasonAccepted   Reason = "accepted"
	ReasonModified   Reason = "modified"
	ReasonRejected   Reason = "rejected"
	ReasonDecay      Reason = "decay"
	ReasonReinforced Reason = "reinforced"

	// Lifecycle transitions. Confidence is unchanged for these.
	ReasonSuggested   Reason = "suggested"
	ReasonPromoted    Reason = "promoted"
	ReasonDemoted     Reason = "demoted"
	ReasonReactivated Reason = "reactivated"
	ReasonDisabled    Reason = "disabled"
	ReasonArchived    Reason = "archived"
	ReasonManual      Reason = "manual"
)

// ConfidenceEvent is an append-only audit row.
type ConfidenceEvent struct {
	ID            string         `json:"id"`
	PatternID     string         `json:"pattern_id"`
	OldConfidence float64        `json:"old_confidence"`
	NewConfidence float64        `json:"new_confidence"`
	Reason        Reason         `json:"reason"`
	FromState     LifecycleState `json:"from_state,omitempty"`
	ToState       LifecycleState `json:"to_state,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Origin identifies which engine path produced an outbound message.
type Origin string

const (
	OriginAutoExecute Origin = "auto_execute"
	OriginSuggestion  Origin = "suggestion"
)

// Provenance is internal, non-user-visible metadata attached to every
// outbound message the engine produces. The learner refuses input that
// carries it.
type Provenance struct {
	Origin      Origin `json:"origin"`
	PatternID   string `json:"pattern_id"`
	ExecutionID string `json:"execution_id"`
}
