package core

import "sync"

// Initiator is the subset of the Protocol Engine the Scheduler drives: the
// requester-side handshake flow, invoked once a peer's byte accumulator
// crosses the configured threshold (spec.md §4.4).
type Initiator interface {
	InitiateRequester(cand Candidate, up, down uint32) error
}

// schedulerEntry is a per-peer pair of outstanding byte accumulators,
// adapted from the teacher's peer_management.go map-of-counters
// convention (see DESIGN.md): a flat mapping keyed by public key, no
// ordering or eviction.
type schedulerEntry struct {
	pk       PublicKey
	sent     uint64
	received uint64
}

// Scheduler converts continuous byte-transfer events into discrete
// handshake initiations (spec.md §4.4). It holds no Store or chain_lock
// state of its own: accumulators are local to one instance and touched
// only from the transport callback context.
type Scheduler struct {
	mu        sync.Mutex
	threshold uint64
	discovery Discovery
	initiator Initiator
	entries   map[string]*schedulerEntry
}

// NewScheduler builds a Scheduler that triggers a handshake once a
// peer's outstanding-sent accumulator reaches threshold bytes.
func NewScheduler(threshold uint64, discovery Discovery, initiator Initiator) *Scheduler {
	return &Scheduler{
		threshold: threshold,
		discovery: discovery,
		initiator: initiator,
		entries:   make(map[string]*schedulerEntry),
	}
}

func (s *Scheduler) entryLocked(pk PublicKey) *schedulerEntry {
	key := pk.String()
	e, ok := s.entries[key]
	if !ok {
		e = &schedulerEntry{pk: pk}
		s.entries[key] = e
	}
	return e
}

// RecordSent adds n to pk's outstanding-sent accumulator and, if the
// accumulator now meets threshold, attempts to initiate a handshake.
// It reports whether an initiation was successfully launched.
func (s *Scheduler) RecordSent(pk PublicKey, n uint64) (bool, error) {
	s.mu.Lock()
	e := s.entryLocked(pk)
	e.sent += n
	crossed := e.sent >= s.threshold
	up, down := e.sent, e.received
	s.mu.Unlock()

	if !crossed {
		return false, nil
	}
	return s.tryInitiate(pk, up, down)
}

// RecordReceived adds n to pk's outstanding-received accumulator.
// Crossing threshold here never triggers an initiation: only the sender
// of bytes initiates (spec.md §4.4) — the accumulator is tracked solely
// to inform the payload NotifyDone and RecordSent hand to the engine.
func (s *Scheduler) RecordReceived(pk PublicKey, n uint64) {
	s.mu.Lock()
	e := s.entryLocked(pk)
	e.received += n
	s.mu.Unlock()
}

// NotifyDone is called after any completed handshake. It scans
// outstanding-sent accumulators for a peer that has crossed threshold
// and attempts one initiation, reporting whether it succeeded.
func (s *Scheduler) NotifyDone() bool {
	s.mu.Lock()
	var candidate *schedulerEntry
	for _, e := range s.entries {
		if e.sent >= s.threshold {
			candidate = e
			break
		}
	}
	s.mu.Unlock()

	if candidate == nil {
		return false
	}
	ok, _ := s.tryInitiate(candidate.pk, candidate.sent, candidate.received)
	return ok
}

// tryInitiate resolves a live candidate for pk and, if found, asks the
// Initiator to run the requester flow carrying up/down as the block's
// Up/Down fields. On success the accumulator is cleared to zero by
// deleting the entry; on failure — no candidate, or the engine declines
// or fails to initiate — the accumulator is left untouched so the next
// RecordSent or NotifyDone retries it (spec.md §4.4 edge cases).
func (s *Scheduler) tryInitiate(pk PublicKey, up, down uint64) (bool, error) {
	cand, ok := s.discovery.CandidateForKey(pk)
	if !ok {
		return false, ErrNoCandidate
	}
	if err := s.initiator.InitiateRequester(cand, uint32(up), uint32(down)); err != nil {
		return false, err
	}
	s.mu.Lock()
	delete(s.entries, pk.String())
	s.mu.Unlock()
	return true, nil
}

// Outstanding returns the current (sent, received) accumulator values
// for pk, for diagnostics and tests. An unseen peer reports (0, 0).
func (s *Scheduler) Outstanding(pk PublicKey) (sent, received uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[pk.String()]
	if !ok {
		return 0, 0
	}
	return e.sent, e.received
}
