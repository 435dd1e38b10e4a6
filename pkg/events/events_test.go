package events

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversEvents(t *testing.T) {
	bus, err := NewBus(NewWatermillLogger(zerolog.Nop()))
	require.NoError(t, err)

	received := make(chan Event, 1)
	bus.AddHandler("collect", DefaultTopic, func(e Event) error {
		received <- e
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = bus.Run(ctx)
	}()
	<-bus.Running()

	sink := bus.Sink(DefaultTopic)
	require.NoError(t, sink.Publish(ctx, New(TypeAttemptTerminal, "d-1", map[string]any{"status": "accepted"})))

	select {
	case e := <-received:
		assert.Equal(t, TypeAttemptTerminal, e.Type)
		assert.Equal(t, "d-1", e.DialogueID)
		assert.Equal(t, "accepted", e.Data["status"])
	case <-time.After(5 * time.Second):
		t.Fatal("event was not delivered")
	}

	require.NoError(t, bus.Close())
}

func TestNopPublisher(t *testing.T) {
	assert.NoError(t, Nop{}.Publish(context.Background(), New(TypeGateRule, "x", nil)))
}
