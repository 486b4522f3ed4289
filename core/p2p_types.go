package core

import (
	"context"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	host "github.com/libp2p/go-libp2p/core/host"
)

// NodeID is a libp2p peer id, rendered as a string.
type NodeID string

// Peer is a known remote overlay participant. Addr is carried so the
// transport can re-dial; PublicKey is the peer's signing identity, used
// by the Protocol Engine and Crawler to address candidates by key
// rather than by transport address (spec.md glossary: "Candidate").
type Peer struct {
	ID        NodeID
	Addr      string
	PublicKey PublicKey
	Latency   time.Duration
}

// InboundMsg is a message delivered off a subscribed topic or stream,
// adapted from the teacher's PeerManager contract (see DESIGN.md).
type InboundMsg struct {
	PeerID  string
	Code    byte
	Payload []byte
	Topic   string
	Ts      int64
}

// Config holds the p2p-layer settings surfaced by SPEC_FULL.md §10.3.
type Config struct {
	ListenAddr     string
	BootstrapPeers []string
	DiscoveryTag   string
}

// Candidate is a remote peer instance known to the discovery
// collaborator, identified by network endpoint and public key (spec.md
// glossary).
type Candidate struct {
	NodeID    NodeID
	Addr      string
	PublicKey PublicKey
}

// Discovery resolves a live candidate for a public key. It is the
// external peer-discovery collaborator named out of scope in spec.md §1;
// the Scheduler and Crawler depend only on this interface.
type Discovery interface {
	CandidateForKey(pk PublicKey) (Candidate, bool)
}

// Transport delivers authenticated payloads between this node and a
// candidate peer. It is the external message-transport collaborator
// named out of scope in spec.md §1; the Protocol Engine and Crawler
// depend only on this interface.
type Transport interface {
	SendAsync(peerID NodeID, proto string, code byte, payload []byte) error
	Subscribe(proto string) <-chan InboundMsg
	Unsubscribe(proto string)
}

// Node hosts the libp2p stack backing Discovery and Transport: a
// gossipsub-joined host plus mDNS-based local discovery and configured
// bootstrap dialing (adapted from the teacher's network.go/peer_management.go,
// see DESIGN.md).
type Node struct {
	host   host.Host
	pubsub *pubsub.PubSub

	topics map[string]*pubsub.Topic
	subs   map[string]*pubsub.Subscription

	topicLock sync.RWMutex
	subLock   sync.RWMutex
	peerLock  sync.RWMutex

	peers   map[NodeID]*Peer
	byKey   map[string]NodeID // hex(PublicKey) -> NodeID, populated as keys are learned

	ctx    context.Context
	cancel context.CancelFunc
	cfg    Config
}
