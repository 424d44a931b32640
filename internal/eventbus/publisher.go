package eventbus

import (
	"context"
	"fmt"

	"github.com/MarkoPoloResearchLab/mtaa/pkg/ledger"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

const (
	BrokerMemory = "memory"
	BrokerAMQP   = "amqp"

	queueSuffix        = "mtaa"
	channelOutputQueue = 256
)

// Publisher adapts a watermill publisher to ledger.EventPublisher. Each event is published
// on its own topic with the event id as the message id.
type Publisher struct {
	publisher message.Publisher
}

// NewPublisher wraps publisher.
func NewPublisher(publisher message.Publisher) (*Publisher, error) {
	if publisher == nil {
		return nil, fmt.Errorf("%w: watermill publisher is nil", ledger.ErrInvalidServiceConfig)
	}
	return &Publisher{publisher: publisher}, nil
}

// Publish sends events in order and stops at the first failure.
func (eventPublisher *Publisher) Publish(ctx context.Context, events ...ledger.Event) error {
	for _, event := range events {
		payload, err := Encode(event)
		if err != nil {
			return err
		}
		msg := message.NewMessage(event.ID, payload)
		msg.SetContext(ctx)
		msg.Metadata.Set("aggregate_id", event.AggregateID)
		if err := eventPublisher.publisher.Publish(event.Topic, msg); err != nil {
			return fmt.Errorf("%w: publish %s: %v", ledger.ErrTransientDependency, event.Topic, err)
		}
	}
	return nil
}

// PubSub is a broker connection usable for both publishing and subscribing.
type PubSub struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close releases both sides of the broker connection.
func (pubSub PubSub) Close() error {
	publisherErr := pubSub.Publisher.Close()
	if any(pubSub.Subscriber) == any(pubSub.Publisher) {
		return publisherErr
	}
	if err := pubSub.Subscriber.Close(); err != nil {
		return err
	}
	return publisherErr
}

// NewPubSub opens the in-process go channel broker or a RabbitMQ connection at amqpURL.
func NewPubSub(broker string, amqpURL string, logger watermill.LoggerAdapter) (PubSub, error) {
	switch broker {
	case BrokerMemory, "":
		channel := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: channelOutputQueue}, logger)
		return PubSub{Publisher: channel, Subscriber: channel}, nil
	case BrokerAMQP:
		amqpConfig := amqp.NewDurablePubSubConfig(amqpURL, amqp.GenerateQueueNameTopicNameWithSuffix(queueSuffix))
		publisher, err := amqp.NewPublisher(amqpConfig, logger)
		if err != nil {
			return PubSub{}, fmt.Errorf("amqp publisher: %w", err)
		}
		subscriber, err := amqp.NewSubscriber(amqpConfig, logger)
		if err != nil {
			_ = publisher.Close()
			return PubSub{}, fmt.Errorf("amqp subscriber: %w", err)
		}
		return PubSub{Publisher: publisher, Subscriber: subscriber}, nil
	default:
		return PubSub{}, fmt.Errorf("unsupported event broker %q", broker)
	}
}
