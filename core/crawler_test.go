package core

import (
	"context"
	"testing"
	"time"
)

// buildSignedBlock constructs a fully-signed block directly against a
// store, bypassing the Protocol Engine, so crawler tests can seed a
// multi-block chain without running a full handshake per block.
func buildSignedBlock(t *testing.T, store *Store, pkR, pkP PublicKey, seqR, seqP int32, prevR, prevP Hash) *Block {
	t.Helper()
	b := &Block{
		Payload: Payload{
			Up:                      10,
			Down:                    5,
			TotalUpRequester:        uint32(seqR) * 10,
			TotalDownRequester:      uint32(seqR) * 5,
			SequenceNumberRequester: seqR,
			PreviousHashRequester:   prevR,
			TotalUpResponder:        uint32(seqP) * 5,
			TotalDownResponder:      uint32(seqP) * 10,
			SequenceNumberResponder: seqP,
			PreviousHashResponder:   prevP,
		},
		PublicKeyRequester: pkR,
		PublicKeyResponder: pkP,
		SignatureRequester: []byte("sig-r"),
		SignatureResponder: []byte("sig-p"),
	}
	if err := store.Insert(b); err != nil {
		t.Fatalf("seed block: %v", err)
	}
	return b
}

func TestCrawlerHandleBlockRequestLatest(t *testing.T) {
	store := newTestStore(t)
	self := PublicKey{0x01}
	other := PublicKey{0x02}

	b1 := buildSignedBlock(t, store, self, other, 1, 1, GenesisMarker, GenesisMarker)
	id1, _ := b1.ID()
	buildSignedBlock(t, store, self, other, 2, 2, id1, id1)

	net := newMemNetwork()
	transportSelf := net.transportFor("self")
	transportPeer := net.transportFor("peer")
	discovery := &fakeDiscovery{}

	crawler := NewCrawler(store, transportSelf, discovery, self)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	crawler.Run(ctx)

	wire := EncodeSequenceRequest(LatestSequence)
	if err := transportPeer.SendAsync("self", ProtoCrawl, msgBlockRequest, wire); err != nil {
		t.Fatalf("send block request: %v", err)
	}

	select {
	case msg := <-net.inboxes["peer"]:
		if msg.Code != msgBlockResponse {
			t.Fatalf("expected block response code, got %d", msg.Code)
		}
		block, err := DecodeBlock(msg.Payload)
		if err != nil {
			t.Fatalf("decode block response: %v", err)
		}
		if block.SequenceNumberRequester != 2 {
			t.Fatalf("expected latest seq 2, got %d", block.SequenceNumberRequester)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for block response")
	}
}

func TestCrawlerHandleBlockRequestUnknownSequenceDrops(t *testing.T) {
	store := newTestStore(t)
	self := PublicKey{0x03}

	net := newMemNetwork()
	transportSelf := net.transportFor("self")
	transportPeer := net.transportFor("peer")
	discovery := &fakeDiscovery{}

	crawler := NewCrawler(store, transportSelf, discovery, self)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	crawler.Run(ctx)

	wire := EncodeSequenceRequest(7)
	if err := transportPeer.SendAsync("self", ProtoCrawl, msgBlockRequest, wire); err != nil {
		t.Fatalf("send block request: %v", err)
	}

	select {
	case msg := <-net.inboxes["peer"]:
		t.Fatalf("expected no response for unknown sequence, got code %d", msg.Code)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCrawlerAbsorbIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	pkR := PublicKey{0x04}
	pkP := PublicKey{0x05}
	b := buildSignedBlock(t, store, pkR, pkP, 1, 1, GenesisMarker, GenesisMarker)
	wire, err := EncodeBlock(b)
	if err != nil {
		t.Fatalf("encode block: %v", err)
	}

	net := newMemNetwork()
	transportSelf := net.transportFor("self")
	discovery := &fakeDiscovery{}
	crawler := NewCrawler(store, transportSelf, discovery, pkR)

	crawler.handleBlockResponse("peer", wire)
	crawler.handleBlockResponse("peer", wire)

	seq, err := store.LatestSequenceNumber(pkR)
	if err != nil {
		t.Fatalf("latest seq: %v", err)
	}
	if seq != 1 {
		t.Fatalf("expected exactly one persisted block, got latest seq %d", seq)
	}
}

func TestCrawlerRecursesOnUnknownPredecessor(t *testing.T) {
	storeLocal := newTestStore(t)
	pkR := PublicKey{0x06}
	pkP := PublicKey{0x07}

	// Build a seq=5 block whose predecessor is unknown locally.
	unknownPrev := Hash{0xFF}
	b := &Block{
		Payload: Payload{
			Up: 10, Down: 5,
			SequenceNumberRequester: 5,
			PreviousHashRequester:   unknownPrev,
			SequenceNumberResponder: 1,
			PreviousHashResponder:   GenesisMarker,
		},
		PublicKeyRequester: pkR,
		PublicKeyResponder: pkP,
		SignatureRequester: []byte("sig-r"),
		SignatureResponder: []byte("sig-p"),
	}
	wire, err := EncodeBlock(b)
	if err != nil {
		t.Fatalf("encode block: %v", err)
	}

	net := newMemNetwork()
	transportSelf := net.transportFor("self")
	net.transportFor("peerR")

	discovery := &fakeDiscovery{candidates: map[string]Candidate{
		pkR.String(): {NodeID: "peerR", PublicKey: pkR},
	}}
	crawler := NewCrawler(storeLocal, transportSelf, discovery, PublicKey{0x08})

	crawler.handleBlockResponse("someone", wire)

	select {
	case msg := <-net.inboxes["peerR"]:
		if msg.Code != msgBlockRequest {
			t.Fatalf("expected block request, got code %d", msg.Code)
		}
		seq, err := DecodeSequenceRequest(msg.Payload)
		if err != nil {
			t.Fatalf("decode sequence request: %v", err)
		}
		if seq != 4 {
			t.Fatalf("expected request for predecessor seq 4, got %d", seq)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for recursive block request")
	}
}
