package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/sirupsen/logrus"
)

// NewNode creates and bootstraps a flowchain overlay node: a libp2p host
// with gossipsub joined for loosely-coupled broadcast and mDNS for local
// candidate discovery, adapted from the teacher's network.go (see
// DESIGN.md). NAT traversal is intentionally not wired here — it is part
// of the peer-discovery collaborator spec.md §1 places out of scope.
func NewNode(cfg Config) (*Node, error) {
	ctx, cancel := context.WithCancel(context.Background())

	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.ListenAddr))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("flowchain: create host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("flowchain: create pubsub: %w", err)
	}

	n := &Node{
		host:   h,
		pubsub: ps,
		topics: make(map[string]*pubsub.Topic),
		subs:   make(map[string]*pubsub.Subscription),
		peers:  make(map[NodeID]*Peer),
		byKey:  make(map[string]NodeID),
		ctx:    ctx,
		cancel: cancel,
		cfg:    cfg,
	}

	if err := n.DialSeed(cfg.BootstrapPeers); err != nil {
		logrus.Warnf("flowchain: dial seed warning: %v", err)
	}

	mdns.NewMdnsService(h, cfg.DiscoveryTag, n)

	return n, nil
}

// Ensure Node implements mdns.Notifee.
var _ mdns.Notifee = (*Node)(nil)

// HandlePeerFound implements mdns.Notifee: connect to a peer discovered
// on the local network segment.
func (n *Node) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.host.ID() {
		return
	}

	n.peerLock.RLock()
	_, exists := n.peers[NodeID(info.ID.String())]
	n.peerLock.RUnlock()
	if exists {
		return
	}

	if err := n.host.Connect(n.ctx, info); err != nil {
		logrus.Warnf("flowchain: connect to discovered peer %s failed: %v", info.ID.String(), err)
		return
	}

	n.peerLock.Lock()
	n.peers[NodeID(info.ID.String())] = &Peer{ID: NodeID(info.ID.String()), Addr: info.String()}
	n.peerLock.Unlock()
	logrus.Infof("flowchain: connected to peer %s via mDNS", info.ID.String())
}

// DialSeed connects to a list of configured bootstrap peers.
func (n *Node) DialSeed(seeds []string) error {
	var errs []string
	for _, addr := range seeds {
		pi, err := peer.AddrInfoFromString(addr)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid addr %s: %v", addr, err))
			continue
		}
		if err := n.host.Connect(n.ctx, *pi); err != nil {
			errs = append(errs, fmt.Sprintf("connect %s: %v", addr, err))
			continue
		}
		n.peerLock.Lock()
		n.peers[NodeID(pi.ID.String())] = &Peer{ID: NodeID(pi.ID.String()), Addr: addr}
		n.peerLock.Unlock()
		logrus.Infof("flowchain: bootstrapped to %s", addr)
	}
	if len(errs) > 0 {
		return fmt.Errorf("dial errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// LearnPublicKey associates a public key with a previously-seen peer id,
// so future CandidateForKey lookups can resolve it. The Protocol Engine
// and Crawler do not call it; a key is known only once a caller has
// registered it here.
func (n *Node) LearnPublicKey(id NodeID, pk PublicKey) {
	n.peerLock.Lock()
	defer n.peerLock.Unlock()
	if p, ok := n.peers[id]; ok {
		p.PublicKey = pk
	}
	n.byKey[pk.String()] = id
}

// CandidateForKey implements Discovery by looking pk up in the index of
// learned keys and returning the matching known peer.
func (n *Node) CandidateForKey(pk PublicKey) (Candidate, bool) {
	n.peerLock.RLock()
	defer n.peerLock.RUnlock()
	id, ok := n.byKey[pk.String()]
	if !ok {
		return Candidate{}, false
	}
	p, ok := n.peers[id]
	if !ok {
		return Candidate{}, false
	}
	return Candidate{NodeID: p.ID, Addr: p.Addr, PublicKey: p.PublicKey}, true
}

// Broadcast publishes data on a gossipsub topic, joining it on first use.
func (n *Node) Broadcast(topic string, data []byte) error {
	n.topicLock.Lock()
	t, ok := n.topics[topic]
	if !ok {
		var err error
		t, err = n.pubsub.Join(topic)
		if err != nil {
			n.topicLock.Unlock()
			return fmt.Errorf("join topic %s: %w", topic, err)
		}
		n.topics[topic] = t
	}
	n.topicLock.Unlock()
	if err := t.Publish(n.ctx, data); err != nil {
		return fmt.Errorf("publish topic %s: %w", topic, err)
	}
	return nil
}

// ListenAndServe blocks until the node's context is cancelled.
func (n *Node) ListenAndServe() {
	<-n.ctx.Done()
	logrus.Info("flowchain: node shutting down")
}

// Close tears the node down, closing the libp2p host and context.
func (n *Node) Close() error {
	n.cancel()
	return n.host.Close()
}

// Peers returns the current known peer list.
func (n *Node) Peers() []*Peer {
	n.peerLock.RLock()
	defer n.peerLock.RUnlock()
	list := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		list = append(list, p)
	}
	return list
}
