package eventbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spooldev/spool/pkg/eventbus"
	"github.com/spooldev/spool/pkg/eventbus/gochannel"
	"github.com/spooldev/spool/pkg/events"
	"github.com/spooldev/spool/pkg/models"
)

func newTestBus(t *testing.T) eventbus.EventBus {
	t.Helper()

	pub, sub, err := gochannel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)

	t.Cleanup(func() {
		_ = bus.Close()
	})

	return bus
}

func TestEventBus_PublishSubscribeRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := newTestBus(t)
	received := make(chan eventbus.Event, 1)

	err := bus.Subscribe(ctx, events.Topic, func(_ context.Context, event eventbus.Event) error {
		received <- event

		return nil
	})
	require.NoError(t, err)

	reason := "fail"
	err = bus.Publish(ctx, events.Topic, events.RunStatusChanged{
		BaseEvent:   events.NewBaseEvent(events.RunStatusChangedEvent, "project-1"),
		RunID:       "run-1",
		WorkOrderID: "wo-1",
		State:       models.RunStateFailed,
		ExitReason:  &reason,
	})
	require.NoError(t, err)

	select {
	case event := <-received:
		changed, ok := event.(*events.RunStatusChanged)
		require.True(t, ok, "expected RunStatusChanged, got %T", event)
		assert.Equal(t, "run-1", changed.RunID)
		assert.Equal(t, models.RunStateFailed, changed.State)
		require.NotNil(t, changed.ExitReason)
		assert.Equal(t, "fail", *changed.ExitReason)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestEventBus_UnknownEventTypeIsSkipped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := newTestBus(t)
	received := make(chan eventbus.Event, 2)

	err := bus.Subscribe(ctx, events.Topic, func(_ context.Context, event eventbus.Event) error {
		received <- event

		return nil
	})
	require.NoError(t, err)

	// A message without a registered decoder should be dropped, not retried.
	err = bus.Publish(ctx, events.Topic, unknownEvent{})
	require.NoError(t, err)

	err = bus.Publish(ctx, events.Topic, events.WorkOrderStatusChanged{
		BaseEvent:   events.NewBaseEvent(events.WorkOrderStatusChangedEvent, "project-1"),
		WorkOrderID: "wo-1",
		WorkflowID:  "wf-1",
		State:       models.WorkOrderStateSuccess,
	})
	require.NoError(t, err)

	select {
	case event := <-received:
		changed, ok := event.(*events.WorkOrderStatusChanged)
		require.True(t, ok, "expected WorkOrderStatusChanged, got %T", event)
		assert.Equal(t, models.WorkOrderStateSuccess, changed.State)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestEventBus_StampsPartitionKeyMetadata(t *testing.T) {
	pub := &capturePublisher{}
	bus := eventbus.NewWatermillEventBus(pub, nil)

	err := bus.Publish(context.Background(), events.Topic, events.RunStatusChanged{
		BaseEvent:   events.NewBaseEvent(events.RunStatusChangedEvent, "project-1"),
		RunID:       "run-1",
		WorkOrderID: "wo-1",
		State:       models.RunStateStarted,
	})
	require.NoError(t, err)

	require.Len(t, pub.messages, 1)
	assert.Equal(t, "run-1", pub.messages[0].Metadata.Get(events.EventMetadataKey))
	assert.Equal(t, string(events.RunStatusChangedEvent), pub.messages[0].Metadata.Get(events.EventTypeMetadataKey))

	// Events without a partition key carry no key metadata at all.
	err = bus.Publish(context.Background(), events.Topic, unknownEvent{})
	require.NoError(t, err)

	require.Len(t, pub.messages, 2)
	assert.Empty(t, pub.messages[1].Metadata.Get(events.EventMetadataKey))
}

type capturePublisher struct {
	messages []*message.Message
}

func (p *capturePublisher) Publish(_ string, messages ...*message.Message) error {
	p.messages = append(p.messages, messages...)

	return nil
}

func (p *capturePublisher) Close() error {
	return nil
}

type unknownEvent struct{}

func (unknownEvent) GetType() events.EventType {
	return events.EventType("never.registered")
}
