package core

import "testing"

type stubDiscovery struct {
	candidates map[string]Candidate
}

func (d *stubDiscovery) CandidateForKey(pk PublicKey) (Candidate, bool) {
	c, ok := d.candidates[pk.String()]
	return c, ok
}

type stubInitiator struct {
	calls  int
	fail   bool
	lastUp uint32
	lastDn uint32
}

func (i *stubInitiator) InitiateRequester(cand Candidate, up, down uint32) error {
	i.calls++
	i.lastUp, i.lastDn = up, down
	if i.fail {
		return ErrTimeout
	}
	return nil
}

func TestRecordSentBelowThresholdDoesNotInitiate(t *testing.T) {
	pk := PublicKey{0x01}
	d := &stubDiscovery{candidates: map[string]Candidate{pk.String(): {NodeID: "peerA"}}}
	i := &stubInitiator{}
	s := NewScheduler(1_000_000, d, i)

	ok, err := s.RecordSent(pk, 600_000)
	if err != nil || ok {
		t.Fatalf("expected no initiation, got ok=%v err=%v", ok, err)
	}
	if i.calls != 0 {
		t.Fatalf("expected no initiator calls, got %d", i.calls)
	}
	sent, _ := s.Outstanding(pk)
	if sent != 600_000 {
		t.Fatalf("expected accumulator 600000, got %d", sent)
	}
}

func TestRecordSentCrossingThresholdInitiatesAndClears(t *testing.T) {
	pk := PublicKey{0x01}
	d := &stubDiscovery{candidates: map[string]Candidate{pk.String(): {NodeID: "peerA"}}}
	i := &stubInitiator{}
	s := NewScheduler(1_000_000, d, i)

	s.RecordSent(pk, 600_000)
	ok, err := s.RecordSent(pk, 600_000)
	if err != nil || !ok {
		t.Fatalf("expected initiation on crossing, got ok=%v err=%v", ok, err)
	}
	if i.calls != 1 || i.lastUp != 1_200_000 {
		t.Fatalf("expected one call with up=1200000, got calls=%d up=%d", i.calls, i.lastUp)
	}
	sent, received := s.Outstanding(pk)
	if sent != 0 || received != 0 {
		t.Fatalf("expected cleared accumulator, got sent=%d received=%d", sent, received)
	}
}

func TestRecordSentNoCandidateRetainsAccumulator(t *testing.T) {
	pk := PublicKey{0x02}
	d := &stubDiscovery{candidates: map[string]Candidate{}}
	i := &stubInitiator{}
	s := NewScheduler(1_000, d, i)

	ok, err := s.RecordSent(pk, 2_000)
	if ok || err != ErrNoCandidate {
		t.Fatalf("expected ErrNoCandidate, got ok=%v err=%v", ok, err)
	}
	sent, _ := s.Outstanding(pk)
	if sent != 2_000 {
		t.Fatalf("expected accumulator retained at 2000, got %d", sent)
	}
}

func TestRecordSentInitiateFailureRetainsAccumulator(t *testing.T) {
	pk := PublicKey{0x03}
	d := &stubDiscovery{candidates: map[string]Candidate{pk.String(): {NodeID: "peerA"}}}
	i := &stubInitiator{fail: true}
	s := NewScheduler(1_000, d, i)

	ok, err := s.RecordSent(pk, 2_000)
	if ok || err == nil {
		t.Fatalf("expected failed initiation, got ok=%v err=%v", ok, err)
	}
	sent, _ := s.Outstanding(pk)
	if sent != 2_000 {
		t.Fatalf("expected accumulator retained after failure, got %d", sent)
	}
}

func TestRecordReceivedNeverInitiates(t *testing.T) {
	pk := PublicKey{0x04}
	d := &stubDiscovery{candidates: map[string]Candidate{pk.String(): {NodeID: "peerA"}}}
	i := &stubInitiator{}
	s := NewScheduler(1_000, d, i)

	s.RecordReceived(pk, 5_000)
	if i.calls != 0 {
		t.Fatalf("expected RecordReceived to never initiate, got %d calls", i.calls)
	}
	_, received := s.Outstanding(pk)
	if received != 5_000 {
		t.Fatalf("expected received accumulator 5000, got %d", received)
	}
}

func TestNotifyDoneInitiatesCrossedPeer(t *testing.T) {
	pk := PublicKey{0x05}
	d := &stubDiscovery{candidates: map[string]Candidate{pk.String(): {NodeID: "peerA"}}}
	i := &stubInitiator{}
	s := NewScheduler(1_000, d, i)

	// Bypass RecordSent's own initiation by staying under threshold,
	// then push over threshold via a second, still-under-threshold call
	// is impossible without triggering — so seed directly via RecordSent
	// with a no-candidate discovery, then retry via NotifyDone.
	blocked := &stubDiscovery{candidates: map[string]Candidate{}}
	sBlocked := NewScheduler(1_000, blocked, i)
	sBlocked.RecordSent(pk, 2_000)

	sBlocked.discovery = d
	if done := sBlocked.NotifyDone(); !done {
		t.Fatalf("expected NotifyDone to initiate the crossed peer")
	}
	sent, _ := sBlocked.Outstanding(pk)
	if sent != 0 {
		t.Fatalf("expected accumulator cleared after NotifyDone, got %d", sent)
	}
	_ = s
}

func TestNotifyDoneFalseWhenNothingCrossed(t *testing.T) {
	d := &stubDiscovery{candidates: map[string]Candidate{}}
	i := &stubInitiator{}
	s := NewScheduler(1_000, d, i)
	if s.NotifyDone() {
		t.Fatalf("expected no initiation on empty scheduler")
	}
}
