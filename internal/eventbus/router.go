package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/mtaa/pkg/ledger"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.uber.org/zap"
)

const (
	PoisonTopic = "mtaa.poisoned"

	defaultMaxRetries      = 3
	defaultInitialInterval = 100 * time.Millisecond
	maxRetryInterval       = 2 * time.Second
)

// Subscription binds handler to topic under a unique handler name.
type Subscription struct {
	Name    string
	Topic   string
	Handler ledger.EventHandler
}

// RouterConfig wires the subscriber side of the bus.
type RouterConfig struct {
	Subscriber      message.Subscriber
	Publisher       message.Publisher
	Logger          *zap.Logger
	Subscriptions   []Subscription
	MaxRetries      int
	InitialInterval time.Duration
}

// NewRouter builds a watermill router that decodes messages and invokes each subscription's handler.
// Transient failures are retried and then moved to PoisonTopic; malformed or invalid events are
// logged and acknowledged.
func NewRouter(config RouterConfig) (*message.Router, error) {
	if config.Subscriber == nil || config.Publisher == nil {
		return nil, fmt.Errorf("%w: router needs a subscriber and a publisher", ledger.ErrInvalidServiceConfig)
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	adapter := NewZapLoggerAdapter(logger)
	router, err := message.NewRouter(message.RouterConfig{}, adapter)
	if err != nil {
		return nil, fmt.Errorf("watermill router: %w", err)
	}
	poisonQueue, err := middleware.PoisonQueue(config.Publisher, PoisonTopic)
	if err != nil {
		return nil, fmt.Errorf("poison queue: %w", err)
	}
	maxRetries := config.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	initialInterval := config.InitialInterval
	if initialInterval <= 0 {
		initialInterval = defaultInitialInterval
	}
	router.AddMiddleware(
		middleware.Recoverer,
		poisonQueue,
		middleware.Retry{
			MaxRetries:      maxRetries,
			InitialInterval: initialInterval,
			MaxInterval:     maxRetryInterval,
			Multiplier:      2,
			Logger:          adapter,
		}.Middleware,
	)
	for _, subscription := range config.Subscriptions {
		if subscription.Handler == nil {
			return nil, fmt.Errorf("%w: subscription %s has no handler", ledger.ErrInvalidServiceConfig, subscription.Name)
		}
		router.AddNoPublisherHandler(subscription.Name, subscription.Topic, config.Subscriber, handlerFunc(subscription, logger))
	}
	return router, nil
}

func handlerFunc(subscription Subscription, logger *zap.Logger) message.NoPublishHandlerFunc {
	handlerLogger := logger.With(zap.String("handler", subscription.Name), zap.String("topic", subscription.Topic))
	return func(msg *message.Message) error {
		event, err := Decode(msg.Payload)
		if err != nil {
			handlerLogger.Error("drop malformed event", zap.String("message_id", msg.UUID), zap.Error(err))
			return nil
		}
		err = subscription.Handler.HandleEvent(msg.Context(), event)
		if err == nil {
			return nil
		}
		switch ledger.KindOf(err) {
		case ledger.KindValidation, ledger.KindNotFound:
			handlerLogger.Warn("drop unprocessable event", zap.String("event_id", event.ID), zap.Error(err))
			return nil
		default:
			return err
		}
	}
}

// LogHandler records every event it receives; it stands in for the notification channel.
type LogHandler struct {
	logger *zap.Logger
}

// NewLogHandler wraps logger.
func NewLogHandler(logger *zap.Logger) *LogHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogHandler{logger: logger}
}

// HandleEvent logs the event.
func (handler *LogHandler) HandleEvent(_ context.Context, event ledger.Event) error {
	handler.logger.Info("event delivered",
		zap.String("event_id", event.ID),
		zap.String("topic", event.Topic),
		zap.String("aggregate_id", event.AggregateID),
		zap.Any("attributes", event.Attributes),
	)
	return nil
}
