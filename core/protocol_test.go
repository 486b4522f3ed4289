package core

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"flowchain/internal/testutil"
)

// memNetwork is an in-process stand-in for the libp2p-backed Transport,
// routing SendAsync calls directly into the recipient's inbox — enough
// to exercise the Protocol Engine's handshake without a real overlay.
type memNetwork struct {
	mu      sync.Mutex
	inboxes map[NodeID]chan InboundMsg
}

func newMemNetwork() *memNetwork {
	return &memNetwork{inboxes: make(map[NodeID]chan InboundMsg)}
}

func (n *memNetwork) transportFor(id NodeID) *memTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.inboxes[id]; !ok {
		n.inboxes[id] = make(chan InboundMsg, 16)
	}
	return &memTransport{self: id, net: n}
}

type memTransport struct {
	self NodeID
	net  *memNetwork
}

func (t *memTransport) SendAsync(peerID NodeID, proto string, code byte, payload []byte) error {
	t.net.mu.Lock()
	ch, ok := t.net.inboxes[peerID]
	t.net.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown peer %s", peerID)
	}
	ch <- InboundMsg{PeerID: string(t.self), Code: code, Payload: payload, Topic: proto}
	return nil
}

func (t *memTransport) Subscribe(proto string) <-chan InboundMsg {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	return t.net.inboxes[t.self]
}

func (t *memTransport) Unsubscribe(proto string) {}

type fakeDiscovery struct {
	candidates map[string]Candidate
}

func (d *fakeDiscovery) CandidateForKey(pk PublicKey) (Candidate, bool) {
	c, ok := d.candidates[pk.String()]
	return c, ok
}

// fakeSigner signs by concatenating the claimed public key with the
// message, so Verify can check any claimed key against any signer's
// output without sharing private state — sufficient to exercise the
// Engine's verification call sites without a real curve.
type fakeSigner struct {
	pk PublicKey
}

func (s *fakeSigner) PublicKey() PublicKey { return s.pk }

func (s *fakeSigner) Sign(msg []byte) ([]byte, error) {
	sig := make([]byte, 0, len(s.pk)+len(msg))
	sig = append(sig, s.pk...)
	sig = append(sig, msg...)
	return sig, nil
}

func (s *fakeSigner) Verify(pk PublicKey, msg, sig []byte) bool {
	want := make([]byte, 0, len(pk)+len(msg))
	want = append(want, pk...)
	want = append(want, msg...)
	return bytes.Equal(sig, want)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("new sandbox: %v", err)
	}
	t.Cleanup(func() { sb.Cleanup() })
	store, err := OpenStore(sb.Root)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestEngineHandshakeCompletesAndPersists(t *testing.T) {
	storeA := newTestStore(t)
	storeB := newTestStore(t)

	pkA := PublicKey{0xAA}
	pkB := PublicKey{0xBB}
	signerA := &fakeSigner{pk: pkA}
	signerB := &fakeSigner{pk: pkB}

	net := newMemNetwork()
	transportA := net.transportFor("nodeA")
	transportB := net.transportFor("nodeB")

	discoveryA := &fakeDiscovery{candidates: map[string]Candidate{
		pkB.String(): {NodeID: "nodeB", PublicKey: pkB},
	}}
	discoveryB := &fakeDiscovery{candidates: map[string]Candidate{
		pkA.String(): {NodeID: "nodeA", PublicKey: pkA},
	}}

	engineA := NewEngine(storeA, signerA, transportA, discoveryA, time.Second, nil)
	engineB := NewEngine(storeB, signerB, transportB, discoveryB, time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engineA.Run(ctx)
	engineB.Run(ctx)

	if err := engineA.InitiateRequester(Candidate{NodeID: "nodeB", PublicKey: pkB}, 100, 50); err != nil {
		t.Fatalf("InitiateRequester failed: %v", err)
	}

	seqA, err := storeA.LatestSequenceNumber(pkA)
	if err != nil || seqA != 1 {
		t.Fatalf("expected requester seq 1, got %d err=%v", seqA, err)
	}
	seqB, err := storeB.LatestSequenceNumber(pkB)
	if err != nil || seqB != 1 {
		t.Fatalf("expected responder seq 1, got %d err=%v", seqB, err)
	}

	blockA, err := storeA.GetBySeqAndPK(1, pkA)
	if err != nil || blockA == nil {
		t.Fatalf("expected persisted block on requester side, err=%v", err)
	}
	if !blockA.PreviousHashRequester.IsZero() {
		t.Fatalf("expected genesis marker as first previous hash")
	}
	if blockA.Up != 100 || blockA.Down != 50 {
		t.Fatalf("unexpected up/down: %d/%d", blockA.Up, blockA.Down)
	}
}

// tamperTransport wraps a memTransport and corrupts the first byte of
// every outgoing signature response, simulating an in-flight modification
// of the requester's half on the wire (spec.md §4.3.1 step 4, P5).
type tamperTransport struct {
	*memTransport
}

func (t *tamperTransport) SendAsync(peerID NodeID, proto string, code byte, payload []byte) error {
	if code == msgSignatureResponse {
		tampered := append([]byte(nil), payload...)
		tampered[0] ^= 0xFF
		payload = tampered
	}
	return t.memTransport.SendAsync(peerID, proto, code, payload)
}

func TestEngineRejectsModifiedRequesterHalf(t *testing.T) {
	storeA := newTestStore(t)
	storeB := newTestStore(t)

	pkA := PublicKey{0xCC}
	pkB := PublicKey{0xDC}
	signerA := &fakeSigner{pk: pkA}
	signerB := &fakeSigner{pk: pkB}

	net := newMemNetwork()
	transportA := net.transportFor("nodeA")
	transportB := &tamperTransport{memTransport: net.transportFor("nodeB")}

	discoveryA := &fakeDiscovery{candidates: map[string]Candidate{
		pkB.String(): {NodeID: "nodeB", PublicKey: pkB},
	}}
	discoveryB := &fakeDiscovery{candidates: map[string]Candidate{}}

	engineA := NewEngine(storeA, signerA, transportA, discoveryA, 50*time.Millisecond, nil)
	engineB := NewEngine(storeB, signerB, transportB, discoveryB, time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engineA.Run(ctx)
	engineB.Run(ctx)

	err := engineA.InitiateRequester(Candidate{NodeID: "nodeB", PublicKey: pkB}, 10, 10)
	if err != ErrRequesterHalfModified {
		t.Fatalf("expected ErrRequesterHalfModified, got %v", err)
	}

	seqA, err := storeA.LatestSequenceNumber(pkA)
	if err != nil {
		t.Fatalf("latest seq: %v", err)
	}
	if seqA != -1 {
		t.Fatalf("expected no block persisted on requester side, got seq=%d", seqA)
	}
}

func TestEngineAcceptPolicyDeclinesRequest(t *testing.T) {
	storeB := newTestStore(t)
	pkA := PublicKey{0xDD}
	pkB := PublicKey{0xEE}
	signerB := &fakeSigner{pk: pkB}

	net := newMemNetwork()
	transportB := net.transportFor("nodeB")
	discoveryB := &fakeDiscovery{}

	declineAll := func(prefix []byte, pk PublicKey) bool { return false }
	engineB := NewEngine(storeB, signerB, transportB, discoveryB, time.Second, declineAll)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engineB.Run(ctx)

	signerA := &fakeSigner{pk: pkA}
	payload := &Payload{Up: 1, Down: 1, SequenceNumberRequester: 1, PreviousHashRequester: GenesisMarker}
	prefix, _ := RequesterSignablePrefix(payload)
	sig, _ := signerA.Sign(prefix)
	wire := EncodeSignatureRequest(prefix, pkA, sig)

	transportA := net.transportFor("nodeA")
	if err := transportA.SendAsync("nodeB", ProtoSignature, msgSignatureRequest, wire); err != nil {
		t.Fatalf("send request: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	seq, err := storeB.LatestSequenceNumber(pkB)
	if err != nil {
		t.Fatalf("latest seq: %v", err)
	}
	if seq != -1 {
		t.Fatalf("expected no block persisted when accept policy declines, got seq=%d", seq)
	}
}
