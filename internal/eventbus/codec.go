// Package eventbus carries committed ledger events over watermill publishers and
// routes them to in-process consumers such as the reputation engine.
package eventbus

import (
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/mtaa/pkg/ledger"
	"github.com/goccy/go-json"
)

// ErrMalformedEvent reports a payload that is not a ledger event envelope.
var ErrMalformedEvent = ledger.NewKindError(ledger.ErrValidation, "malformed event payload")

type envelope struct {
	ID          string            `json:"id"`
	Topic       string            `json:"topic"`
	AggregateID string            `json:"aggregate_id"`
	OccurredAt  time.Time         `json:"occurred_at"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// Encode serializes event as its JSON envelope.
func Encode(event ledger.Event) ([]byte, error) {
	payload, err := json.Marshal(envelope{
		ID:          event.ID,
		Topic:       event.Topic,
		AggregateID: event.AggregateID,
		OccurredAt:  event.OccurredAt.UTC(),
		Attributes:  event.Attributes,
	})
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", event.ID, err)
	}
	return payload, nil
}

// Decode parses a JSON envelope.
func Decode(payload []byte) (ledger.Event, error) {
	var decoded envelope
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return ledger.Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if decoded.ID == "" || decoded.Topic == "" {
		return ledger.Event{}, fmt.Errorf("%w: missing id or topic", ErrMalformedEvent)
	}
	return ledger.Event{
		ID:          decoded.ID,
		Topic:       decoded.Topic,
		AggregateID: decoded.AggregateID,
		OccurredAt:  decoded.OccurredAt,
		Attributes:  decoded.Attributes,
	}, nil
}
