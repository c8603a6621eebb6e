package engine

import (
	"strings"
	"time"

	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/decision"
	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/pattern"
)

// Direction says which way a message travelled on the channel.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// InboundEvent is a message delivered by the ingestion collaborator.
type InboundEvent struct {
	ConversationID  string    `json:"conversation_id"`
	PhoneIdentifier string    `json:"phone_identifier"`
	MessageText     string    `json:"message_text"`
	Timestamp       time.Time `json:"timestamp"`
	Direction       Direction `json:"direction"`
}

// Validate checks that the event is a processable inbound message.
func (e InboundEvent) Validate() error {
	if e.Direction != DirectionInbound {
		return pattern.NewValidationError("direction", "only inbound messages are processed, got %q", e.Direction)
	}
	if strings.TrimSpace(e.ConversationID) == "" {
		return pattern.NewValidationError("conversation_id", "is required")
	}
	if strings.TrimSpace(e.MessageText) == "" {
		return pattern.NewValidationError("message_text", "is required")
	}
	return nil
}

// Result is the engine's answer to one inbound message.
type Result struct {
	Action       decision.Action     `json:"action"`
	ResponseText string              `json:"response_text,omitempty"`
	PatternID    string              `json:"pattern_id,omitempty"`
	Score        float64             `json:"score"`
	Reason       string              `json:"reason"`
	ExecutionID  string              `json:"execution_id,omitempty"`
	SuggestionID string              `json:"suggestion_id,omitempty"`
	Degraded     bool                `json:"degraded,omitempty"`
	Provenance   *pattern.Provenance `json:"provenance,omitempty"`
}

// OperatorReply is a human reply observed on a conversation. Replies that
// went out through the engine carry the Provenance it issued.
type OperatorReply struct {
	ConversationID  string              `json:"conversation_id"`
	CustomerMessage string              `json:"customer_message"`
	ResponseText    string              `json:"response_text"`
	Provenance      *pattern.Provenance `json:"provenance,omitempty"`
}

// NewPattern is a manually authored pattern.
type NewPattern struct {
	Type               string            `json:"type"`
	TriggerDescription string            `json:"trigger_description"`
	TriggerKeywords    []string          `json:"trigger_keywords"`
	ResponseTemplate   string            `json:"response_template"`
	TemplateVariables  map[string]string `json:"template_variables,omitempty"`
}
