package events

import (
	"context"
	"errors"
)

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("events: broadcaster closed")

// Broadcaster fans processing events out to the observers of a tenant.
// Delivery is at-most-once per subscriber with no replay: a subscriber whose
// buffer is full misses the event rather than blocking the publisher.
type Broadcaster interface {
	Publish(ctx context.Context, tenantID string, event Event) error
	Subscribe(ctx context.Context, tenantID string) (Subscription, error)
	Close() error
}

// Subscription represents an active event stream for one tenant. The events
// channel is closed once the subscription ends.
type Subscription interface {
	Events() <-chan Event
	Close()
}

// DropFunc is invoked whenever an event is discarded for a slow subscriber.
type DropFunc func(tenantID string, event Event)

const defaultBuffer = 32
