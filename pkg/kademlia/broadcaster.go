package kademlia

// Table and node event types
const (
	EventPeerAdded    = "peer_added"
	EventPeerRemoved  = "peer_removed"
	EventBucketSplit  = "bucket_split"
	EventLookupDone   = "lookup_done"
	EventBootstrapped = "bootstrapped"
)

// EventBroadcaster lets the routing table notify external systems (like
// WebSocket clients) about membership changes without importing them.
type EventBroadcaster interface {
	// BroadcastTableEvent sends an event notification. Implementations must
	// not block.
	BroadcastTableEvent(event any) error
}

// TableEvent describes a routing table or lookup event.
type TableEvent struct {
	Type      string `json:"type"`              // see the Event constants
	NodeID    string `json:"node_id"`           // local node
	PeerID    string `json:"peer_id,omitempty"` // peer the event concerns
	Address   string `json:"address,omitempty"`
	Timestamp int64  `json:"timestamp"` // Unix milliseconds
	Message   string `json:"message"`
}
