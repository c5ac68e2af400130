package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType represents the type of event being emitted
type EventType string

const (
	// Consensus lifecycle events
	EventConsensusReached    EventType = "consensus_reached"
	EventSubmissionFinalized EventType = "submission_finalized"
	EventSubmissionEscalated EventType = "submission_escalated"
	EventSubmissionHeld      EventType = "submission_held"

	// Vote resolution events (the trust feedback loop)
	EventReviewValidated   EventType = "review_validated"
	EventReviewInvalidated EventType = "review_invalidated"
	EventVoteCaseClosed    EventType = "vote_case_closed"

	// Downstream side-effect events
	EventXPAwarded          EventType = "xp_awarded"
	EventAISummaryRequested EventType = "ai_summary_requested"
)

// EventSeverity indicates the importance/severity of an event
type EventSeverity string

const (
	SeverityDebug   EventSeverity = "debug"
	SeverityInfo    EventSeverity = "info"
	SeverityWarning EventSeverity = "warning"
	SeverityError   EventSeverity = "error"
)

// Event represents a system event with metadata and payload
type Event struct {
	ID        string        `json:"id"`
	Type      EventType     `json:"type"`
	Severity  EventSeverity `json:"severity"`
	Timestamp time.Time     `json:"timestamp"`

	// Context fields
	Component string `json:"component"` // Component that generated the event
	EngineID  string `json:"engine_id,omitempty"`

	// Event-specific data
	Payload json.RawMessage `json:"payload"`

	// Optional fields
	SubmissionID string            `json:"submission_id,omitempty"`
	ReviewerID   string            `json:"reviewer_id,omitempty"`
	CaseID       string            `json:"case_id,omitempty"`
	Error        string            `json:"error,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// ConsensusEventPayload contains data for consensus outcome events
type ConsensusEventPayload struct {
	SubmissionID    string  `json:"submission_id"`
	FinalXP         float64 `json:"final_xp"`
	Confidence      string  `json:"confidence"`
	ReviewCount     int     `json:"review_count"`
	OutliersDropped int     `json:"outliers_dropped,omitempty"`
}

// EscalationEventPayload contains data for escalation events
type EscalationEventPayload struct {
	SubmissionID string  `json:"submission_id"`
	CaseID       string  `json:"case_id"`
	MinScore     float64 `json:"min_score"`
	MaxScore     float64 `json:"max_score"`
	ConflictType string  `json:"conflict_type"`
}

// ReviewValidationEventPayload carries a vote-resolver verdict on a review
type ReviewValidationEventPayload struct {
	ReviewID     string `json:"review_id"`
	ReviewerID   string `json:"reviewer_id"`
	SubmissionID string `json:"submission_id"`
	CaseID       string `json:"case_id"`
	Validated    bool   `json:"validated"`
}

// XPEventPayload contains data for XP grant events
type XPEventPayload struct {
	SubmissionID string  `json:"submission_id"`
	AuthorID     string  `json:"author_id"`
	XP           float64 `json:"xp"`
}

// HeldEventPayload contains data for weekly-cap deferral events
type HeldEventPayload struct {
	SubmissionID string  `json:"submission_id"`
	AuthorID     string  `json:"author_id"`
	PendingXP    float64 `json:"pending_xp"`
	ReleaseAt    int64   `json:"release_at"`
}

// EventHandler is called when an event is emitted
type EventHandler func(event *Event)

// EventFilter can be used to filter events before processing
type EventFilter func(event *Event) bool

// Subscriber represents an event subscriber with optional filtering
type Subscriber struct {
	ID      string
	Handler EventHandler
	Filter  EventFilter
	Types   []EventType // Subscribe to specific event types only
}

// String returns a string representation of the event
func (e *Event) String() string {
	return fmt.Sprintf("[%s] %s: %s (component=%s, submission=%s)",
		e.Timestamp.Format(time.RFC3339),
		e.Severity,
		e.Type,
		e.Component,
		e.SubmissionID,
	)
}

// ToJSON serializes the event to JSON
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// NewEvent creates a new event with the given parameters
func NewEvent(eventType EventType, severity EventSeverity, component string, payload interface{}) (*Event, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	return &Event{
		ID:        generateEventID(),
		Type:      eventType,
		Severity:  severity,
		Timestamp: time.Now().UTC(),
		Component: component,
		Payload:   payloadBytes,
		Metadata:  make(map[string]string),
	}, nil
}

// generateEventID creates a unique event ID
func generateEventID() string {
	return fmt.Sprintf("evt_%d", time.Now().UnixNano())
}
