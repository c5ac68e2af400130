package metrics

import (
	"context"
	"encoding/json"

	log "github.com/sirupsen/logrus"

	"github.com/dimzachar/ScholarsXP-sub006/pkgs/events"
	"github.com/dimzachar/ScholarsXP-sub006/pkgs/storage"
)

// FeedbackConsumer applies vote-resolver verdicts to reviewer aggregates.
// The vote resolver never writes reviewer counters directly; it emits
// review_validated / review_invalidated events and this subscriber folds
// them into the counters future reliability computations read.
type FeedbackConsumer struct {
	store *storage.Store
}

// NewFeedbackConsumer creates the feedback loop consumer
func NewFeedbackConsumer(store *storage.Store) *FeedbackConsumer {
	return &FeedbackConsumer{store: store}
}

// Register subscribes the consumer to validation events
func (fc *FeedbackConsumer) Register(emitter *events.Emitter) error {
	return emitter.Subscribe(&events.Subscriber{
		ID:      "reviewer-metrics-feedback",
		Handler: fc.handle,
		Types: []events.EventType{
			events.EventReviewValidated,
			events.EventReviewInvalidated,
		},
	})
}

func (fc *FeedbackConsumer) handle(event *events.Event) {
	var payload events.ReviewValidationEventPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		log.Errorf("Failed to decode review validation event %s: %v", event.ID, err)
		return
	}

	if err := fc.store.RecordVoteValidation(context.Background(), payload.ReviewerID, payload.Validated); err != nil {
		log.Errorf("Failed to record vote validation for reviewer %s: %v", payload.ReviewerID, err)
		return
	}

	log.Debugf("Applied vote validation feedback: reviewer=%s validated=%v case=%s",
		payload.ReviewerID, payload.Validated, payload.CaseID)
}
