package kademlia

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/zde37/kadnet/pkg/hash"
)

func TestNewPeer(t *testing.T) {
	p := NewPeer("127.0.0.1:7440")
	assert.Equal(t, hash.HashAddress("127.0.0.1:7440"), p.ID)
	assert.Equal(t, "127.0.0.1:7440", p.Address)
	assert.True(t, p.LastSeen.IsZero())
}

func TestPeer_Staleness(t *testing.T) {
	p := NewPeer("a")
	for i := range 4 {
		p.ConsecutiveTimeouts++
		assert.False(t, p.IsStale(5), "after %d timeouts", i+1)
	}
	p.ConsecutiveTimeouts++
	assert.True(t, p.IsStale(5))

	now := time.Unix(500, 0)
	p = p.Seen(now)
	assert.False(t, p.IsStale(5), "any success resets the count")
	assert.Zero(t, p.ConsecutiveTimeouts)
	assert.Equal(t, now, p.LastSeen)
}

func TestPeer_Merge(t *testing.T) {
	first := time.Unix(100, 0)
	p := NewPeer("a")
	p.FirstSeen = first
	p.LastSeen = first
	p.ConsecutiveTimeouts = 3

	// older news changes nothing
	p.merge(NewPeer("a").Seen(time.Unix(50, 0)))
	assert.Equal(t, first, p.LastSeen)
	assert.Equal(t, 3, p.ConsecutiveTimeouts)

	// hearsay without LastSeen changes nothing
	p.merge(NewPeer("a"))
	assert.Equal(t, 3, p.ConsecutiveTimeouts)

	later := time.Unix(200, 0)
	p.merge(NewPeer("a").Seen(later))
	assert.Equal(t, first, p.FirstSeen)
	assert.Equal(t, later, p.LastSeen)
	assert.Zero(t, p.ConsecutiveTimeouts)
}

func TestSortByDistance(t *testing.T) {
	var target hash.Key
	peers := make([]Peer, 0, 3)
	for _, b := range []byte{0x40, 0x01, 0x08} {
		var id hash.Key
		id[hash.KeySize-1] = b
		peers = append(peers, Peer{ID: id})
	}

	sortByDistance(peers, target)
	assert.Equal(t, byte(0x01), peers[0].ID[hash.KeySize-1])
	assert.Equal(t, byte(0x08), peers[1].ID[hash.KeySize-1])
	assert.Equal(t, byte(0x40), peers[2].ID[hash.KeySize-1])
}
