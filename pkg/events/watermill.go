package events

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultTopic carries every lifecycle event.
const DefaultTopic = "toolsmith.events"

const dialogueIDMetadataKey = "dialogue_id"

// WatermillLogger routes watermill's logging through zerolog.
type WatermillLogger struct {
	logger zerolog.Logger
}

func NewWatermillLogger(logger zerolog.Logger) *WatermillLogger {
	return &WatermillLogger{logger: logger}
}

func (w *WatermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	w.logger.Error().Fields(map[string]interface{}(fields)).Err(err).Msg(msg)
}

// Info is logged at debug level, watermill is chatty.
func (w *WatermillLogger) Info(msg string, fields watermill.LogFields) {
	w.logger.Debug().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w *WatermillLogger) Debug(msg string, fields watermill.LogFields) {
	w.logger.Debug().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w *WatermillLogger) Trace(msg string, fields watermill.LogFields) {
	w.logger.Trace().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w *WatermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &WatermillLogger{logger: w.logger.With().Fields(map[string]interface{}(fields)).Logger()}
}

var _ watermill.LoggerAdapter = &WatermillLogger{}

// Sink publishes events as JSON messages on a watermill topic.
type Sink struct {
	publisher message.Publisher
	topic     string
}

func NewSink(publisher message.Publisher, topic string) *Sink {
	return &Sink{publisher: publisher, topic: topic}
}

func (s *Sink) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		log.Error().Err(err).Str("event_type", string(e.Type)).Msg("events: could not marshal event")
		return err
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(dialogueIDMetadataKey, e.DialogueID)
	msg.SetContext(ctx)

	if err := s.publisher.Publish(s.topic, msg); err != nil {
		log.Error().Err(err).Str("topic", s.topic).Str("event_type", string(e.Type)).Msg("events: publish failed")
		return err
	}
	log.Trace().Str("topic", s.topic).Str("event_type", string(e.Type)).Str("dialogue_id", e.DialogueID).Msg("events: published")
	return nil
}

var _ Publisher = (*Sink)(nil)

// Bus is an in-process publish/subscribe bus with a router for handlers.
type Bus struct {
	PubSub *gochannel.GoChannel
	router *message.Router
	logger watermill.LoggerAdapter
}

func NewBus(logger watermill.LoggerAdapter) (*Bus, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	pubSub := gochannel.NewGoChannel(gochannel.Config{
		BlockPublishUntilSubscriberAck: true,
	}, logger)

	router, err := message.NewRouter(message.RouterConfig{}, logger)
	if err != nil {
		return nil, err
	}
	return &Bus{PubSub: pubSub, router: router, logger: logger}, nil
}

// Sink returns a publisher for the given topic.
func (b *Bus) Sink(topic string) *Sink {
	return NewSink(b.PubSub, topic)
}

// AddHandler registers f for every event on topic.
func (b *Bus) AddHandler(name string, topic string, f func(Event) error) {
	b.router.AddNoPublisherHandler(name, topic, b.PubSub, func(msg *message.Message) error {
		e, err := Parse(msg.Payload)
		if err != nil {
			log.Warn().Err(err).Str("message_id", msg.UUID).Msg("events: dropping unparsable event")
			return nil
		}
		return f(e)
	})
}

// Run blocks until ctx is done or the bus is closed.
func (b *Bus) Run(ctx context.Context) error {
	return b.router.Run(ctx)
}

func (b *Bus) Running() chan struct{} {
	return b.router.Running()
}

func (b *Bus) Close() error {
	if err := b.PubSub.Close(); err != nil {
		log.Error().Err(err).Msg("events: could not close pubsub")
	}
	return b.router.Close()
}

// LogHandler writes every event to the global logger.
func LogHandler(e Event) error {
	log.Debug().
		Str("event_type", string(e.Type)).
		Str("dialogue_id", e.DialogueID).
		Interface("data", e.Data).
		Msg("event")
	return nil
}
