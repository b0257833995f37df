// Package transport carries protocol messages between the reservation
// authority and lock gateways over a publish/subscribe medium.
package transport

import "context"

// Handler receives one delivered message. Handlers must not retain payload
// after returning.
type Handler func(topic string, payload []byte)

// Transport is an at-most-once publish/subscribe medium with MQTT style
// topic filters.
type Transport interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(filter string, h Handler) error
	Close() error
}
