package kademlia

import (
	"context"
	"time"

	"github.com/zde37/kadnet/pkg/wire"
)

// PacketListener receives inbound messages from a Transport.
type PacketListener interface {
	PacketReceived(from string, msg *wire.Message, receivedAt time.Time)
}

// PacketListenerFunc adapts a function to PacketListener.
type PacketListenerFunc func(from string, msg *wire.Message, receivedAt time.Time)

func (f PacketListenerFunc) PacketReceived(from string, msg *wire.Message, receivedAt time.Time) {
	f(from, msg, receivedAt)
}

// Transport is the message layer the DHT runs on. Delivery is unreliable:
// Send may succeed while the message is lost.
type Transport interface {
	// LocalAddress is the address other nodes reach this one at.
	LocalAddress() string

	// Send queues msg for delivery to the node at address.
	Send(ctx context.Context, address string, msg *wire.Message) error

	// Request sends msg and waits for the message whose InReplyTo equals
	// msg.ID. The wait ends with ctx.
	Request(ctx context.Context, address string, msg *wire.Message) (*wire.Message, error)

	// AddPacketListener registers l for the given kinds, or for every kind
	// when none are given. Kind specific listeners run before catch-all
	// ones. The returned func removes the listener.
	AddPacketListener(l PacketListener, kinds ...wire.Kind) (remove func())
}
