package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// UserID identifies a consumer or group member.
type UserID struct {
	value string
}

// ProviderID identifies a service provider.
type ProviderID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id UserID) IsZero() bool {
	return id.value == ""
}

// NewProviderID validates and normalizes a provider id.
func NewProviderID(raw string) (ProviderID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ProviderID{}, fmt.Errorf("%w: empty value", ErrInvalidProviderID)
	}
	return ProviderID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ProviderID) String() string {
	return id.value
}

// Event is a domain fact published after a committed state change.
type Event struct {
	ID          string
	Topic       string
	AggregateID string
	OccurredAt  time.Time
	Attributes  map[string]string
}

// Attribute returns the named attribute or an empty string.
func (event Event) Attribute(name string) string {
	if event.Attributes == nil {
		return ""
	}
	return event.Attributes[name]
}

// EventPublisher delivers events to downstream consumers.
type EventPublisher interface {
	Publish(ctx context.Context, events ...Event) error
}

// EventHandler consumes a single event.
type EventHandler interface {
	HandleEvent(ctx context.Context, event Event) error
}

// Clock returns the current time.
type Clock func() time.Time
