package flow

import (
	"context"
	"testing"
	"time"

	"haip.dev/engine/internal/protocol"
)

func TestDefaultCreditsByChannel(t *testing.T) {
	if d := DefaultCreditsFor(protocol.ChannelUser); d.InitialMessages != 32 || d.InitialBytes != 262144 {
		t.Fatalf("USER defaults wrong: %+v", d)
	}
	if d := DefaultCreditsFor(protocol.ChannelSystem); d.InitialMessages != 50 || d.InitialBytes != 524288 {
		t.Fatalf("SYSTEM defaults wrong: %+v", d)
	}
	if d := DefaultCreditsFor(protocol.ChannelAudioIn); d.InitialMessages != 1000 || d.InitialBytes != 10485760 {
		t.Fatalf("AUDIO_IN defaults wrong: %+v", d)
	}
}

func TestCreditExhaustionDefersThirdSend(t *testing.T) {
	// Mirrors spec §8 scenario 4: USER starts with 2 message credits.
	c := New()
	c.EnsureChannel(protocol.ChannelUser, ChannelDefaults{InitialMessages: 2, InitialBytes: 1000, MaxMessages: 10, MaxBytes: 10000, LowWater: 0.5})

	if !c.CanSend(protocol.ChannelUser, 10) {
		t.Fatal("expected first send to be allowed")
	}
	c.Deduct(protocol.ChannelUser, 10)

	if !c.CanSend(protocol.ChannelUser, 10) {
		t.Fatal("expected second send to be allowed")
	}
	c.Deduct(protocol.ChannelUser, 10)

	if c.CanSend(protocol.ChannelUser, 10) {
		t.Fatal("expected third send to be deferred: out of message credit")
	}

	c.Grant(protocol.ChannelUser, 5, 0)
	if !c.CanSend(protocol.ChannelUser, 10) {
		t.Fatal("expected send to be allowed after FLOW_UPDATE grant")
	}
}

func TestGrantCapsAtMax(t *testing.T) {
	c := New()
	c.EnsureChannel(protocol.ChannelUser, ChannelDefaults{InitialMessages: 1, InitialBytes: 1, MaxMessages: 5, MaxBytes: 5, LowWater: 0})
	c.Grant(protocol.ChannelUser, 100, 100)
	snap := c.Snapshot(protocol.ChannelUser)
	if snap.Messages != 5 || snap.Bytes != 5 {
		t.Fatalf("grant should cap at max, got %+v", snap)
	}
}

func TestGrantsAreCommutative(t *testing.T) {
	// Spec §8: "any sequence of FLOW_UPDATE grants summing to the same
	// totals produces the same credit state as their sum applied once."
	c1 := New()
	c1.EnsureChannel(protocol.ChannelUser, ChannelDefaults{InitialMessages: 0, InitialBytes: 0, MaxMessages: 1000, MaxBytes: 1000, LowWater: 0})
	c1.Grant(protocol.ChannelUser, 3, 30)
	c1.Grant(protocol.ChannelUser, 4, 40)
	c1.Grant(protocol.ChannelUser, 5, 50)

	c2 := New()
	c2.EnsureChannel(protocol.ChannelUser, ChannelDefaults{InitialMessages: 0, InitialBytes: 0, MaxMessages: 1000, MaxBytes: 1000, LowWater: 0})
	c2.Grant(protocol.ChannelUser, 12, 120)

	if c1.Snapshot(protocol.ChannelUser) != c2.Snapshot(protocol.ChannelUser) {
		t.Fatalf("split grants %+v != combined grant %+v", c1.Snapshot(protocol.ChannelUser), c2.Snapshot(protocol.ChannelUser))
	}
}

func TestPauseDefersResumeAllows(t *testing.T) {
	c := New()
	c.EnsureChannel(protocol.ChannelUser, ChannelDefaults{InitialMessages: 10, InitialBytes: 10000, MaxMessages: 10, MaxBytes: 10000})
	c.Pause(protocol.ChannelUser)
	if c.CanSend(protocol.ChannelUser, 1) {
		t.Fatal("paused channel must defer sends")
	}
	c.Resume(protocol.ChannelUser)
	if !c.CanSend(protocol.ChannelUser, 1) {
		t.Fatal("resumed channel must allow sends again")
	}
}

func TestEnqueueOverflowViolatesFlowControl(t *testing.T) {
	c := New()
	for i := 0; i < maxPendingPerChannel; i++ {
		if !c.Enqueue(protocol.ChannelUser, []byte("x")) {
			t.Fatalf("unexpected overflow at entry %d", i)
		}
	}
	if c.Enqueue(protocol.ChannelUser, []byte("overflow")) {
		t.Fatal("expected overflow to be rejected once the bounded queue is full")
	}
}

func TestWaitForCreditUnblocksOnGrant(t *testing.T) {
	c := New()
	c.EnsureChannel(protocol.ChannelUser, ChannelDefaults{InitialMessages: 0, InitialBytes: 0, MaxMessages: 10, MaxBytes: 10000})

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		done <- c.WaitForCredit(ctx, protocol.ChannelUser, 1)
	}()

	time.Sleep(20 * time.Millisecond)
	c.Grant(protocol.ChannelUser, 5, 50)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitForCredit did not unblock after grant")
	}
}

func TestWaitForCreditRespectsContextCancellation(t *testing.T) {
	c := New()
	c.EnsureChannel(protocol.ChannelUser, ChannelDefaults{InitialMessages: 0, InitialBytes: 0, MaxMessages: 10, MaxBytes: 10000})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.WaitForCredit(ctx, protocol.ChannelUser, 1); err == nil {
		t.Fatal("expected context error")
	}
}
