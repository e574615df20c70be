// Package pubsub is the topic transport contract shared by the daemon,
// libp2p and in-process implementations used by the messenger.
//
// Delivery is at-most-once. Within one topic a publisher's messages arrive in
// the order it sent them; nothing is promised across publishers or topics.
package pubsub

import (
	"context"
	"errors"
)

// ErrClosed is returned by Next once a subscription has been cancelled.
var ErrClosed = errors.New("subscription closed")

// Message is one delivery on a topic.
type Message struct {
	From string
	Data []byte
}

// Subscription yields messages for one topic until cancelled.
type Subscription interface {
	Next(ctx context.Context) (*Message, error)
	Cancel() error
}

// Transport publishes and subscribes to named topics.
type Transport interface {
	Subscribe(topic string) (Subscription, error)
	Publish(ctx context.Context, topic string, data []byte) error
	// Peers is a best-effort snapshot of remote subscribers; it may under-report.
	Peers(ctx context.Context, topic string) ([]string, error)
	LocalID() string
}
