package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// ProtoSignature is the stream protocol id the signature handshake is
// exchanged over (spec.md §4.3).
const ProtoSignature = "/flowchain/signature/1.0.0"

const (
	msgSignatureRequest  byte = 0x01
	msgSignatureResponse byte = 0x02
)

// AcceptPolicy decides whether an incoming signature request should be
// honored, called once the request decodes, its requester signature
// verifies, its requester sequence number is positive, and its requester
// totals do not fall below those of a locally-known predecessor block.
// Returning false drops the request silently, the
// same as a failed structural check. DefaultAcceptPolicy always accepts
// (SPEC_FULL.md §13's resolution of this open question).
type AcceptPolicy func(prefix []byte, pkRequester PublicKey) bool

// DefaultAcceptPolicy accepts every structurally-valid request.
func DefaultAcceptPolicy(prefix []byte, pkRequester PublicKey) bool { return true }

// Engine is the Protocol Engine (spec.md §4.3): the two-phase signature
// handshake, its chain_lock discipline, and persistence on completion.
// Grounded on the original community's publish_signature_request_message/
// allow_signature_request/allow_signature_response control flow (see
// DESIGN.md), translated from Python's threading.Lock to sync.Mutex/TryLock.
type Engine struct {
	store     *Store
	signer    Signer
	transport Transport
	discovery Discovery
	timeout   time.Duration
	accept    AcceptPolicy

	// chainLock serializes every chain-mutating sequence: requester
	// initiation through response handling, and responder processing
	// (spec.md §4.3.3). TryLock backs the responder's non-blocking
	// acquire; Lock backs the requester's blocking acquire.
	chainLock sync.Mutex

	pendingMu   sync.Mutex
	pendingFrom NodeID
	pendingCh   chan *Block
}

// NewEngine builds a Protocol Engine. accept may be nil, in which case
// DefaultAcceptPolicy is used; timeout <= 0 defaults to 5s (spec.md §5).
func NewEngine(store *Store, signer Signer, transport Transport, discovery Discovery, timeout time.Duration, accept AcceptPolicy) *Engine {
	if accept == nil {
		accept = DefaultAcceptPolicy
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Engine{
		store:     store,
		signer:    signer,
		transport: transport,
		discovery: discovery,
		timeout:   timeout,
		accept:    accept,
	}
}

// Ensure Engine implements the Scheduler's Initiator.
var _ Initiator = (*Engine)(nil)

// Run subscribes to the signature protocol and dispatches inbound
// messages until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ch := e.transport.Subscribe(ProtoSignature)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				e.dispatch(msg)
			}
		}
	}()
}

func (e *Engine) dispatch(msg InboundMsg) {
	switch msg.Code {
	case msgSignatureRequest:
		e.handleRequest(NodeID(msg.PeerID), msg.Payload)
	case msgSignatureResponse:
		e.deliverResponse(NodeID(msg.PeerID), msg.Payload)
	default:
		log.Warnf("flowchain: unknown signature message code %d from %s", msg.Code, msg.PeerID)
	}
}

// prepareLocalHalf reads the local chain state for pk the way both the
// requester (§4.3.1 step 1) and responder (§4.3.2 step 2) compute their
// own side: next sequence number, previous block id, and totals after
// adding up/down. Grounded on the original's _get_next_sequence_number/
// _get_latest_hash/_get_next_total helpers (SPEC_FULL.md §12).
func (e *Engine) prepareLocalHalf(pk PublicKey, up, down uint32) (seq int32, prevHash Hash, totalUp, totalDown uint32, err error) {
	latest, err := e.store.LatestSequenceNumber(pk)
	if err != nil {
		return 0, Hash{}, 0, 0, err
	}
	if latest < 0 {
		latest = 0
	}
	seq = int32(latest) + 1

	prevID, ok, err := e.store.PreviousID(pk)
	if err != nil {
		return 0, Hash{}, 0, 0, err
	}
	if ok {
		prevHash = prevID
	} else {
		prevHash = GenesisMarker
	}

	tu, td, err := e.store.Totals(pk)
	if err != nil {
		return 0, Hash{}, 0, 0, err
	}
	if tu < 0 {
		tu = 0
	}
	if td < 0 {
		td = 0
	}
	totalUp = uint32(tu) + up
	totalDown = uint32(td) + down
	return seq, prevHash, totalUp, totalDown, nil
}

// InitiateRequester runs the requester flow of spec.md §4.3.1, blocking
// until the handshake completes, times out, or fails. It implements the
// Scheduler's Initiator interface: up/down are the accumulator values
// the Scheduler hands over at trigger time.
func (e *Engine) InitiateRequester(cand Candidate, up, down uint32) error {
	e.chainLock.Lock()
	defer e.chainLock.Unlock()

	myPK := e.signer.PublicKey()
	seq, prevHash, totalUp, totalDown, err := e.prepareLocalHalf(myPK, up, down)
	if err != nil {
		log.Warnf("flowchain: prepare requester half: %v", err)
		return fmt.Errorf("flowchain: prepare requester half: %w", err)
	}

	payload := &Payload{
		Up:                      up,
		Down:                    down,
		TotalUpRequester:        totalUp,
		TotalDownRequester:      totalDown,
		SequenceNumberRequester: seq,
		PreviousHashRequester:   prevHash,
	}
	prefix, err := RequesterSignablePrefix(payload)
	if err != nil {
		return err
	}
	sig, err := e.signer.Sign(prefix)
	if err != nil {
		return fmt.Errorf("flowchain: sign requester prefix: %w", err)
	}

	e.pendingMu.Lock()
	e.pendingFrom = cand.NodeID
	respCh := make(chan *Block, 1)
	e.pendingCh = respCh
	e.pendingMu.Unlock()
	defer func() {
		e.pendingMu.Lock()
		e.pendingCh = nil
		e.pendingFrom = ""
		e.pendingMu.Unlock()
	}()

	wire := EncodeSignatureRequest(prefix, myPK, sig)
	if err := e.transport.SendAsync(cand.NodeID, ProtoSignature, msgSignatureRequest, wire); err != nil {
		return fmt.Errorf("flowchain: emit signature request: %w", err)
	}

	select {
	case block, ok := <-respCh:
		if !ok {
			return ErrTimeout
		}
		return e.finishRequester(prefix, block)
	case <-time.After(e.timeout):
		return ErrTimeout
	}
}

// finishRequester validates a counter-signed response and persists the
// resulting block (spec.md §4.3.1 step 4).
func (e *Engine) finishRequester(sentPrefix []byte, block *Block) error {
	full, err := EncodePayload(&block.Payload)
	if err != nil {
		return err
	}
	if !SameRequesterHalf(sentPrefix, full) {
		return ErrRequesterHalfModified
	}
	if !e.signer.Verify(block.PublicKeyResponder, full, block.SignatureResponder) {
		return ErrSignatureInvalid
	}
	if err := e.store.Insert(block); err != nil {
		log.Warnf("flowchain: persist requester block: %v", err)
		return err
	}
	log.Infof("flowchain: requester handshake complete, seq=%d", block.SequenceNumberRequester)
	return nil
}

// deliverResponse routes an inbound signature response to a waiting
// InitiateRequester call, if one is outstanding for that peer. Late
// arrivals past the timer, or responses from a peer with no pending
// request, are dropped (spec.md §4.3.1 "Cancellation").
func (e *Engine) deliverResponse(from NodeID, payload []byte) {
	block, err := DecodeBlock(payload)
	if err != nil {
		log.Warnf("flowchain: malformed signature response from %s: %v", from, err)
		return
	}
	e.pendingMu.Lock()
	ch := e.pendingCh
	waitingFor := e.pendingFrom
	e.pendingMu.Unlock()
	if ch == nil || waitingFor != from {
		return
	}
	select {
	case ch <- block:
	default:
	}
}

// handleRequest runs the responder flow of spec.md §4.3.2.
func (e *Engine) handleRequest(from NodeID, payload []byte) {
	prefix, pkRequester, sigRequester, err := DecodeSignatureRequest(payload)
	if err != nil {
		log.Warnf("flowchain: malformed signature request from %s: %v", from, err)
		return
	}
	if !e.signer.Verify(pkRequester, prefix, sigRequester) {
		log.Warnf("flowchain: signature request from %s failed verification", from)
		return
	}
	reqPayload, err := DecodePayload(padPrefix(prefix))
	if err != nil || reqPayload.SequenceNumberRequester <= 0 {
		log.Warnf("flowchain: signature request from %s has an invalid requester sequence number", from)
		return
	}
	if prev, err := e.store.Get(reqPayload.PreviousHashRequester); err == nil && prev != nil {
		if side, ok := prev.sideOf(pkRequester); ok {
			prevUp, prevDown := prev.totalsFor(side)
			if reqPayload.TotalUpRequester < prevUp || reqPayload.TotalDownRequester < prevDown {
				log.Warnf("flowchain: signature request from %s lowers the requester totals", from)
				return
			}
		}
	}
	if !e.accept(prefix, pkRequester) {
		return
	}

	if !e.chainLock.TryLock() {
		log.Debugf("flowchain: dropping colliding request from %s, chain lock busy", from)
		return
	}
	defer e.chainLock.Unlock()

	block, err := e.buildResponse(prefix, pkRequester, sigRequester)
	if err != nil {
		log.Warnf("flowchain: build response for %s: %v", from, err)
		return
	}
	if err := e.store.Insert(block); err != nil {
		log.Warnf("flowchain: persist response block for %s: %v", from, err)
		return
	}

	wire, err := EncodeBlock(block)
	if err != nil {
		log.Warnf("flowchain: encode response block for %s: %v", from, err)
		return
	}
	if err := e.transport.SendAsync(from, ProtoSignature, msgSignatureResponse, wire); err != nil {
		log.Warnf("flowchain: emit signature response to %s: %v", from, err)
	}
}

// buildResponse reconstructs the requester's partial payload, computes
// the responder's own half, and signs the whole thing (spec.md §4.3.2
// steps 2-4). sigRequester was already verified against prefix by the
// caller and rides unchanged onto the finished block.
func (e *Engine) buildResponse(prefix []byte, pkRequester PublicKey, sigRequester []byte) (*Block, error) {
	reqPayload, err := DecodePayload(padPrefix(prefix))
	if err != nil {
		return nil, err
	}

	// The requester's up is the responder's down and vice versa: both
	// sides describe the same transfer from opposite ends.
	myPK := e.signer.PublicKey()
	seq, prevHash, totalUp, totalDown, err := e.prepareLocalHalf(myPK, reqPayload.Down, reqPayload.Up)
	if err != nil {
		return nil, err
	}

	full := &Payload{
		Up:                      reqPayload.Up,
		Down:                    reqPayload.Down,
		TotalUpRequester:        reqPayload.TotalUpRequester,
		TotalDownRequester:      reqPayload.TotalDownRequester,
		SequenceNumberRequester: reqPayload.SequenceNumberRequester,
		PreviousHashRequester:   reqPayload.PreviousHashRequester,
		TotalUpResponder:        totalUp,
		TotalDownResponder:      totalDown,
		SequenceNumberResponder: seq,
		PreviousHashResponder:   prevHash,
	}
	encoded, err := EncodePayload(full)
	if err != nil {
		return nil, err
	}

	sigResponder, err := e.signer.Sign(encoded)
	if err != nil {
		return nil, fmt.Errorf("flowchain: sign response payload: %w", err)
	}

	return &Block{
		Payload:            *full,
		PublicKeyRequester: pkRequester,
		PublicKeyResponder: myPK,
		SignatureRequester: sigRequester,
		SignatureResponder: sigResponder,
	}, nil
}

// padPrefix right-pads a requester-signable prefix with zeroed
// responder fields so DecodePayload can parse the requester's half in
// isolation; only the requester fields of the decoded result carry data.
func padPrefix(prefix []byte) []byte {
	buf := make([]byte, PayloadSize)
	copy(buf, prefix)
	return buf
}
