package seqtrack

import (
	"testing"

	"haip.dev/engine/internal/protocol"
)

func envWithSeq(seq uint64) protocol.Envelope {
	return protocol.Envelope{ID: protocol.NewID(), Seq: protocol.FormatSeq(seq)}
}

func TestNextOutSeqStartsAtOneAndIncrements(t *testing.T) {
	tr := New()
	if got := tr.NextOutSeq(); got != 1 {
		t.Fatalf("first seq = %d, want 1", got)
	}
	if got := tr.NextOutSeq(); got != 2 {
		t.Fatalf("second seq = %d, want 2", got)
	}
	if got := tr.LastOutSeq(); got != 2 {
		t.Fatalf("LastOutSeq = %d, want 2", got)
	}
}

func TestDeliverInOrder(t *testing.T) {
	tr := New()
	res := tr.Deliver(envWithSeq(1))
	if len(res.Deliverable) != 1 {
		t.Fatalf("expected 1 deliverable, got %d", len(res.Deliverable))
	}
	if tr.CurrentAck() != 1 {
		t.Fatalf("ack = %d, want 1", tr.CurrentAck())
	}
}

func TestDeliverDuplicateDropped(t *testing.T) {
	tr := New()
	tr.Deliver(envWithSeq(1))
	tr.Deliver(envWithSeq(2))
	res := tr.Deliver(envWithSeq(2))
	if !res.Duplicate {
		t.Fatal("expected duplicate seq to be flagged")
	}
	if len(res.Deliverable) != 0 {
		t.Fatal("duplicate must not be delivered")
	}
}

func TestDeliverOutOfOrderBuffersThenDrains(t *testing.T) {
	tr := New()
	tr.Deliver(envWithSeq(1))

	// seq 3 arrives before seq 2: buffered, nothing delivered yet.
	res := tr.Deliver(envWithSeq(3))
	if len(res.Deliverable) != 0 {
		t.Fatalf("expected nothing deliverable yet, got %d", len(res.Deliverable))
	}

	// seq 2 arrives: delivers 2 then drains the buffered 3.
	res = tr.Deliver(envWithSeq(2))
	if len(res.Deliverable) != 2 {
		t.Fatalf("expected 2 deliverables (2,3), got %d", len(res.Deliverable))
	}
	if res.Deliverable[0].Seq != "2" || res.Deliverable[1].Seq != "3" {
		t.Fatalf("unexpected delivery order: %+v", res.Deliverable)
	}
	if tr.CurrentAck() != 3 {
		t.Fatalf("ack = %d, want 3", tr.CurrentAck())
	}
}

// TestDeliverGapTriggersReplayRequest mirrors spec §8 scenario 3: client
// has delivered 1..4 and receives 7 next, so it must request replay of
// exactly [5,6].
func TestDeliverGapTriggersReplayRequest(t *testing.T) {
	tr := New()
	for _, seq := range []uint64{1, 2, 3, 4} {
		tr.Deliver(envWithSeq(seq))
	}

	res := tr.Deliver(envWithSeq(7))
	if !res.NeedsReplay {
		t.Fatal("expected NeedsReplay for a gap")
	}
	if res.ReplayFrom != 5 || res.ReplayTo != 6 {
		t.Fatalf("replay range = [%d,%d], want [5,6]", res.ReplayFrom, res.ReplayTo)
	}

	// Once the replayed 5 and 6 arrive, everything up to 7 drains in order
	// and no further replay request is emitted for the already-open gap.
	tr.Deliver(envWithSeq(5))
	res = tr.Deliver(envWithSeq(6))
	if res.NeedsReplay {
		t.Fatal("draining an already-open gap must not re-trigger replay")
	}
	if tr.CurrentAck() != 7 {
		t.Fatalf("ack = %d, want 7", tr.CurrentAck())
	}
}

func TestDeliverSecondGapArrivalDoesNotRetrigger(t *testing.T) {
	tr := New()
	tr.Deliver(envWithSeq(1))
	res := tr.Deliver(envWithSeq(4)) // opens a gap: 2,3 missing
	if !res.NeedsReplay {
		t.Fatal("expected first gap arrival to trigger replay")
	}
	res = tr.Deliver(envWithSeq(5)) // extends the same open gap
	if res.NeedsReplay {
		t.Fatal("extending an already-open gap must not re-trigger replay")
	}
	if len(res.Deliverable) != 0 {
		t.Fatal("seq 5 should still be buffered, not delivered")
	}
}

func TestRecordPeerAckMonotone(t *testing.T) {
	tr := New()
	tr.RecordPeerAck(5)
	tr.RecordPeerAck(3) // stale, ignored
	if tr.PeerAck() != 5 {
		t.Fatalf("peer ack = %d, want 5 (monotone)", tr.PeerAck())
	}
	tr.RecordPeerAck(9)
	if tr.PeerAck() != 9 {
		t.Fatalf("peer ack = %d, want 9", tr.PeerAck())
	}
}
