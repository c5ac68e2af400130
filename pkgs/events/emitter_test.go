package events_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dimzachar/ScholarsXP-sub006/pkgs/events"
)

func newRunningEmitter(t *testing.T, config *events.EmitterConfig) *events.Emitter {
	t.Helper()
	emitter := events.NewEmitter(config)
	require.NoError(t, emitter.Start())
	t.Cleanup(func() { emitter.Stop() })
	return emitter
}

func TestEmitterDeliversToSubscriber(t *testing.T) {
	emitter := newRunningEmitter(t, nil)

	received := make(chan *events.Event, 1)
	require.NoError(t, emitter.Subscribe(&events.Subscriber{
		ID:      "test",
		Handler: func(event *events.Event) { received <- event },
	}))

	require.NoError(t, emitter.EmitConsensusReached("test-component", &events.ConsensusEventPayload{
		SubmissionID: "sub-1",
		FinalXP:      110,
		Confidence:   "high",
		ReviewCount:  3,
	}))

	select {
	case event := <-received:
		assert.Equal(t, events.EventConsensusReached, event.Type)
		assert.Equal(t, "sub-1", event.SubmissionID)
		assert.Equal(t, "test-component", event.Component)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestEmitterTypeFiltering(t *testing.T) {
	emitter := newRunningEmitter(t, nil)

	var validations atomic.Int64
	require.NoError(t, emitter.Subscribe(&events.Subscriber{
		ID:      "validation-only",
		Handler: func(*events.Event) { validations.Add(1) },
		Types: []events.EventType{
			events.EventReviewValidated,
			events.EventReviewInvalidated,
		},
	}))

	require.NoError(t, emitter.EmitReviewValidation("resolver", &events.ReviewValidationEventPayload{
		ReviewID:   "rev-1",
		ReviewerID: "rv-1",
		Validated:  true,
	}))
	require.NoError(t, emitter.EmitXPAwarded("consensus", &events.XPEventPayload{
		SubmissionID: "sub-1",
		XP:           100,
	}))

	require.Eventually(t, func() bool {
		return validations.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The xp event must never reach the filtered subscriber
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(1), validations.Load())
}

func TestEmitReviewValidationPicksEventType(t *testing.T) {
	emitter := newRunningEmitter(t, nil)

	types := make(chan events.EventType, 2)
	require.NoError(t, emitter.Subscribe(&events.Subscriber{
		ID:      "collector",
		Handler: func(event *events.Event) { types <- event.Type },
	}))

	require.NoError(t, emitter.EmitReviewValidation("resolver", &events.ReviewValidationEventPayload{
		ReviewID: "rev-1", Validated: true,
	}))
	require.NoError(t, emitter.EmitReviewValidation("resolver", &events.ReviewValidationEventPayload{
		ReviewID: "rev-2", Validated: false,
	}))

	got := map[events.EventType]bool{}
	for i := 0; i < 2; i++ {
		select {
		case eventType := <-types:
			got[eventType] = true
		case <-time.After(2 * time.Second):
			t.Fatal("events not delivered")
		}
	}
	assert.True(t, got[events.EventReviewValidated])
	assert.True(t, got[events.EventReviewInvalidated])
}

func TestEmitterConcurrentEmission(t *testing.T) {
	emitter := newRunningEmitter(t, nil)

	var processed atomic.Int64
	require.NoError(t, emitter.Subscribe(&events.Subscriber{
		ID:      "counter",
		Handler: func(*events.Event) { processed.Add(1) },
	}))

	const total = 100
	for i := 0; i < total; i++ {
		go func() {
			event, err := events.NewEvent(events.EventXPAwarded, events.SeverityInfo, "test", nil)
			require.NoError(t, err)
			emitter.Emit(event)
		}()
	}

	require.Eventually(t, func() bool {
		return processed.Load() == total
	}, 5*time.Second, 20*time.Millisecond)
}

func TestEmitterDropsOnOverflow(t *testing.T) {
	emitter := newRunningEmitter(t, &events.EmitterConfig{
		BufferSize:     5,
		MaxWorkers:     1,
		EventTimeout:   time.Second,
		DropOnOverflow: true,
	})

	require.NoError(t, emitter.Subscribe(&events.Subscriber{
		ID:      "slow",
		Handler: func(*events.Event) { time.Sleep(50 * time.Millisecond) },
	}))

	for i := 0; i < 50; i++ {
		event, _ := events.NewEvent(events.EventXPAwarded, events.SeverityInfo, "test", nil)
		emitter.Emit(event)
	}

	dropped := emitter.GetMetrics()["events_dropped"].(uint64)
	assert.NotZero(t, dropped)
}

func TestEmitterStopDuringConcurrentEmit(t *testing.T) {
	emitter := events.NewEmitter(&events.EmitterConfig{
		BufferSize:     4,
		MaxWorkers:     1,
		DropOnOverflow: true,
	})
	require.NoError(t, emitter.Start())

	// Emitters racing Stop must never panic on a closed channel; rejected
	// sends after shutdown are expected and ignored.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			event, err := events.NewEvent(events.EventXPAwarded, events.SeverityInfo, "test", nil)
			if err != nil {
				return
			}
			emitter.Emit(event)
		}
	}()

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, emitter.Stop())
	<-done
}

func TestEmitterRejectsWhenStopped(t *testing.T) {
	emitter := events.NewEmitter(nil)
	event, err := events.NewEvent(events.EventXPAwarded, events.SeverityInfo, "test", nil)
	require.NoError(t, err)
	assert.Error(t, emitter.Emit(event))
}
