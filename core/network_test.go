package core

import "testing"

func newTestNode() *Node {
	return &Node{
		peers: make(map[NodeID]*Peer),
		byKey: make(map[string]NodeID),
	}
}

func TestLearnPublicKeyThenCandidateForKey(t *testing.T) {
	n := newTestNode()
	n.peers["peer-1"] = &Peer{ID: "peer-1", Addr: "/ip4/127.0.0.1/tcp/4001"}

	pk := PublicKey{0x01, 0x02, 0x03}
	n.LearnPublicKey("peer-1", pk)

	cand, ok := n.CandidateForKey(pk)
	if !ok {
		t.Fatalf("expected candidate for known key")
	}
	if cand.NodeID != "peer-1" || cand.Addr != "/ip4/127.0.0.1/tcp/4001" {
		t.Fatalf("unexpected candidate: %+v", cand)
	}
}

func TestCandidateForKeyUnknown(t *testing.T) {
	n := newTestNode()
	if _, ok := n.CandidateForKey(PublicKey{0xAA}); ok {
		t.Fatalf("expected no candidate for unknown key")
	}
}

func TestPeersReturnsKnownPeers(t *testing.T) {
	n := newTestNode()
	n.peers["a"] = &Peer{ID: "a"}
	n.peers["b"] = &Peer{ID: "b"}

	got := n.Peers()
	if len(got) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(got))
	}
}
