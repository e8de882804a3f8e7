// Package wire defines the messages nodes exchange and their CBOR encoding.
package wire

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/zde37/kadnet/pkg/hash"
)

// Kind identifies the body carried by a Message.
type Kind uint8

const (
	KindFindClosePeers Kind = iota + 1
	KindPeerList
	KindStoreRequest
	KindRetrieveRequest
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindFindClosePeers:
		return "find_close_peers"
	case KindPeerList:
		return "peer_list"
	case KindStoreRequest:
		return "store_request"
	case KindRetrieveRequest:
		return "retrieve_request"
	case KindResponse:
		return "response"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Status is the outcome carried by a Response.
type Status uint8

const (
	StatusOK Status = iota
	StatusNoData
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNoData:
		return "no_data"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// PeerDescriptor is how a peer is described on the wire. Receivers derive
// the node id by hashing the address.
type PeerDescriptor struct {
	Address string `cbor:"1,keyasint"`
}

// Item is a typed value stored under a key.
type Item struct {
	Key  hash.Key `cbor:"1,keyasint" json:"key"`
	Type string   `cbor:"2,keyasint" json:"type"`
	Data []byte   `cbor:"3,keyasint" json:"data"`
}

// FindClosePeers asks for the peers closest to Target.
type FindClosePeers struct {
	Target hash.Key `cbor:"1,keyasint"`
}

// PeerList answers a FindClosePeers.
type PeerList struct {
	Peers []PeerDescriptor `cbor:"1,keyasint"`
}

// StoreRequest asks the receiver to store Item. Token is an anti-spam proof
// minted by the sender.
type StoreRequest struct {
	Token []byte `cbor:"1,keyasint,omitempty"`
	Item  Item   `cbor:"2,keyasint"`
}

// RetrieveRequest asks for the item of the given type stored under Key.
type RetrieveRequest struct {
	Key  hash.Key `cbor:"1,keyasint"`
	Type string   `cbor:"2,keyasint"`
}

// Response answers a RetrieveRequest.
type Response struct {
	Status Status `cbor:"1,keyasint"`
	Item   *Item  `cbor:"2,keyasint,omitempty"`
	Error  string `cbor:"3,keyasint,omitempty"`
}

// Message is the unit of exchange. Exactly one body, matching Kind, is set.
// Replies carry the request id in InReplyTo.
type Message struct {
	ID        string `cbor:"1,keyasint"`
	InReplyTo string `cbor:"2,keyasint,omitempty"`
	Kind      Kind   `cbor:"3,keyasint"`

	FindClosePeers  *FindClosePeers  `cbor:"4,keyasint,omitempty"`
	PeerList        *PeerList        `cbor:"5,keyasint,omitempty"`
	StoreRequest    *StoreRequest    `cbor:"6,keyasint,omitempty"`
	RetrieveRequest *RetrieveRequest `cbor:"7,keyasint,omitempty"`
	Response        *Response        `cbor:"8,keyasint,omitempty"`
}

func newID() string {
	return uuid.New().String()
}

// NewFindClosePeers builds a lookup request for target.
func NewFindClosePeers(target hash.Key) *Message {
	return &Message{
		ID:             newID(),
		Kind:           KindFindClosePeers,
		FindClosePeers: &FindClosePeers{Target: target},
	}
}

// NewPeerList builds the reply to request inReplyTo.
func NewPeerList(inReplyTo string, addresses []string) *Message {
	peers := make([]PeerDescriptor, 0, len(addresses))
	for _, a := range addresses {
		peers = append(peers, PeerDescriptor{Address: a})
	}
	return &Message{
		ID:        newID(),
		InReplyTo: inReplyTo,
		Kind:      KindPeerList,
		PeerList:  &PeerList{Peers: peers},
	}
}

// NewStoreRequest builds a store request for item.
func NewStoreRequest(token []byte, item Item) *Message {
	return &Message{
		ID:           newID(),
		Kind:         KindStoreRequest,
		StoreRequest: &StoreRequest{Token: token, Item: item},
	}
}

// NewRetrieveRequest builds a retrieve request.
func NewRetrieveRequest(key hash.Key, itemType string) *Message {
	return &Message{
		ID:              newID(),
		Kind:            KindRetrieveRequest,
		RetrieveRequest: &RetrieveRequest{Key: key, Type: itemType},
	}
}

// NewResponse builds the reply to a retrieve request.
func NewResponse(inReplyTo string, status Status, item *Item) *Message {
	return &Message{
		ID:        newID(),
		InReplyTo: inReplyTo,
		Kind:      KindResponse,
		Response:  &Response{Status: status, Item: item},
	}
}

// Validate checks that the body present matches Kind.
func (m *Message) Validate() error {
	if m == nil {
		return fmt.Errorf("message cannot be nil")
	}
	if m.ID == "" {
		return fmt.Errorf("message id cannot be empty")
	}

	bodies := 0
	for _, set := range []bool{
		m.FindClosePeers != nil,
		m.PeerList != nil,
		m.StoreRequest != nil,
		m.RetrieveRequest != nil,
		m.Response != nil,
	} {
		if set {
			bodies++
		}
	}
	if bodies != 1 {
		return fmt.Errorf("%s message must carry exactly one body, has %d", m.Kind, bodies)
	}

	var ok bool
	switch m.Kind {
	case KindFindClosePeers:
		ok = m.FindClosePeers != nil
	case KindPeerList:
		ok = m.PeerList != nil
	case KindStoreRequest:
		ok = m.StoreRequest != nil
	case KindRetrieveRequest:
		ok = m.RetrieveRequest != nil
	case KindResponse:
		ok = m.Response != nil
	default:
		return fmt.Errorf("unknown message kind %d", uint8(m.Kind))
	}
	if !ok {
		return fmt.Errorf("%s message carries the wrong body", m.Kind)
	}
	return nil
}

// Envelope is what travels between transports: a message plus the address
// of the node that sent it.
type Envelope struct {
	From    string   `cbor:"1,keyasint"`
	Message *Message `cbor:"2,keyasint"`
}

// Ack acknowledges receipt of an Envelope. Replies travel as separate messages.
type Ack struct {
	Accepted bool `cbor:"1,keyasint"`
}
