package kademlia

import (
	"context"

	"github.com/zde37/kadnet/pkg/wire"
)

// TokenMinter produces and checks the anti-spam token attached to store
// requests. Minting may be expensive and honors ctx.
type TokenMinter interface {
	Mint(ctx context.Context, item wire.Item) ([]byte, error)
	Verify(item wire.Item, token []byte) bool
}

// NoopMinter attaches no token and accepts everything.
type NoopMinter struct{}

func (NoopMinter) Mint(context.Context, wire.Item) ([]byte, error) { return nil, nil }
func (NoopMinter) Verify(wire.Item, []byte) bool                   { return true }
