package core

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"
)

// ProtoCrawl is the stream protocol id BlockRequest/BlockResponse
// messages travel over (spec.md §4.5).
const ProtoCrawl = "/flowchain/crawl/1.0.0"

const (
	msgBlockRequest  byte = 0x01
	msgBlockResponse byte = 0x02
)

// LatestSequence is the BlockRequest sentinel meaning "your latest"
// (spec.md §4.5).
const LatestSequence int32 = -1

// Crawler is the backward ancestor-block walk of spec.md §4.5: it
// answers BlockRequests against self's own chain and, on receipt of a
// BlockResponse, recursively requests predecessors until it reaches
// already-known territory or genesis. The walk is driven by message
// arrival: each absorbed BlockResponse sends BlockRequests for unknown
// predecessors, and no lock is held across a BlockRequest/BlockResponse
// round trip (spec.md §5 "Suspension points").
type Crawler struct {
	store     *Store
	transport Transport
	discovery Discovery
	self      PublicKey
}

// NewCrawler builds a Crawler that answers requests against self's own
// chain in store.
func NewCrawler(store *Store, transport Transport, discovery Discovery, self PublicKey) *Crawler {
	return &Crawler{store: store, transport: transport, discovery: discovery, self: self}
}

// Run subscribes to the crawl protocol and dispatches inbound messages
// until ctx is cancelled.
func (c *Crawler) Run(ctx context.Context) {
	ch := c.transport.Subscribe(ProtoCrawl)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				c.dispatch(msg)
			}
		}
	}()
}

func (c *Crawler) dispatch(msg InboundMsg) {
	switch msg.Code {
	case msgBlockRequest:
		c.handleBlockRequest(NodeID(msg.PeerID), msg.Payload)
	case msgBlockResponse:
		c.handleBlockResponse(NodeID(msg.PeerID), msg.Payload)
	default:
		log.Warnf("flowchain: unknown crawl message code %d from %s", msg.Code, msg.PeerID)
	}
}

// RequestBlock sends a BlockRequest for sequence (LatestSequence for
// "latest") to cand. The response, if any, arrives asynchronously
// through handleBlockResponse — the crawler holds no lock across this
// round trip (spec.md §5).
func (c *Crawler) RequestBlock(cand Candidate, sequence int32) error {
	wire := EncodeSequenceRequest(sequence)
	return c.transport.SendAsync(cand.NodeID, ProtoCrawl, msgBlockRequest, wire)
}

// handleBlockRequest answers a BlockRequest against self's own chain
// (spec.md §4.5 "sender asks the destination peer for the block at that
// sequence number in the destination's chain").
func (c *Crawler) handleBlockRequest(from NodeID, payload []byte) {
	seq, err := DecodeSequenceRequest(payload)
	if err != nil {
		log.Warnf("flowchain: malformed block request from %s: %v", from, err)
		return
	}
	if seq == LatestSequence {
		latest, err := c.store.LatestSequenceNumber(c.self)
		if err != nil {
			log.Warnf("flowchain: latest sequence lookup for block request from %s: %v", from, err)
			return
		}
		if latest < 0 {
			return
		}
		seq = int32(latest)
	}

	block, err := c.store.GetBySeqAndPK(seq, c.self)
	if err != nil {
		log.Warnf("flowchain: lookup block seq=%d for block request from %s: %v", seq, from, err)
		return
	}
	if block == nil {
		return
	}

	wire, err := EncodeBlock(block)
	if err != nil {
		log.Warnf("flowchain: encode block response for %s: %v", from, err)
		return
	}
	if err := c.transport.SendAsync(from, ProtoCrawl, msgBlockResponse, wire); err != nil {
		log.Warnf("flowchain: emit block response to %s: %v", from, err)
	}
}

// handleBlockResponse absorbs a crawled block and recurses on each side's
// predecessor, per spec.md §4.5's four numbered steps.
func (c *Crawler) handleBlockResponse(from NodeID, payload []byte) {
	block, err := DecodeBlock(payload)
	if err != nil {
		log.Warnf("flowchain: malformed block response from %s: %v", from, err)
		return
	}

	id, err := block.ID()
	if err != nil {
		log.Warnf("flowchain: id block response from %s: %v", from, err)
		return
	}

	exists, err := c.store.Contains(id)
	if err != nil {
		log.Warnf("flowchain: contains check for block response from %s: %v", from, err)
		return
	}
	if exists {
		return
	}

	if err := c.store.Insert(block); err != nil {
		if errors.Is(err, ErrDuplicateBlock) {
			return
		}
		log.Warnf("flowchain: persist crawled block from %s: %v", from, err)
		return
	}
	log.Debugf("flowchain: absorbed crawled block %s from %s", id, from)

	for _, side := range []Side{SideRequester, SideResponder} {
		c.crawlPredecessor(block, side)
	}
}

// crawlPredecessor implements spec.md §4.5 step 4 for one side of a
// newly-absorbed block: if the predecessor is already known, stop; else
// resolve a candidate for that side's public key and request it.
func (c *Crawler) crawlPredecessor(block *Block, side Side) {
	seq := block.sequenceFor(side)
	if seq <= 1 {
		return
	}
	prev := block.previousHashFor(side)
	known, err := c.store.Contains(prev)
	if err != nil {
		log.Warnf("flowchain: contains check for predecessor %s: %v", prev, err)
		return
	}
	if known {
		return
	}

	pk := block.publicKeyFor(side)
	cand, ok := c.discovery.CandidateForKey(pk)
	if !ok {
		return
	}
	if err := c.RequestBlock(cand, seq-1); err != nil {
		log.Warnf("flowchain: request predecessor seq=%d from %s: %v", seq-1, cand.NodeID, err)
	}
}
