// Package flow implements the per-channel, per-session credit-based flow
// controller described in spec §4.4: message/byte credit accounting,
// pause/resume, and low-water grant requests.
package flow

import (
	"context"
	"sync"

	"haip.dev/engine/internal/protocol"
)

// Pool is a single (session, channel, direction) credit balance.
type Pool struct {
	Messages int64
	Bytes    int64
}

// ChannelDefaults are the initial/maximum credits per channel (spec §4.4).
type ChannelDefaults struct {
	InitialMessages int64
	InitialBytes    int64
	MaxMessages     int64
	MaxBytes        int64
	LowWater        float64 // fraction of Initial*, at or below which a grant request fires
}

// DefaultCreditsFor returns the spec §4.4 default credits for a channel.
// AUDIO_IN/AUDIO_OUT get the large audio allowance; SYSTEM gets the
// mid-size allowance; everything else (USER/AGENT) gets the small one.
func DefaultCreditsFor(ch protocol.Channel) ChannelDefaults {
	switch ch {
	case protocol.ChannelSystem:
		return ChannelDefaults{InitialMessages: 50, InitialBytes: 524288, MaxMessages: 50, MaxBytes: 524288, LowWater: 0.2}
	case protocol.ChannelAudioIn, protocol.ChannelAudioOut:
		return ChannelDefaults{InitialMessages: 1000, InitialBytes: 10485760, MaxMessages: 1000, MaxBytes: 10485760, LowWater: 0.2}
	default: // USER, AGENT, and any custom channel fall back to the text default
		return ChannelDefaults{InitialMessages: 32, InitialBytes: 262144, MaxMessages: 32, MaxBytes: 262144, LowWater: 0.2}
	}
}

// Config bounds the static flowControl.* policy (spec §6.5): generic
// defaults applied to every channel, plus an explicit per-channel override
// map for the channels that need a different allowance (AUDIO_IN/
// AUDIO_OUT's larger pools, SYSTEM's mid-size one). Enabled/Adaptive are
// carried for façade wiring (spec §6.5 flowControl.{enabled, adaptive});
// the controller itself has no disabled mode, since credit accounting is
// always-on per spec invariant 3 — a façade that sets Enabled=false is
// expected to grant effectively unlimited credits instead via PerChannel.
type Config struct {
	Enabled           bool
	InitialMessages   int64
	InitialBytes      int64
	MinCredits        int64
	MaxMessages       int64
	MaxBytes          int64
	LowWaterThreshold float64
	Adaptive          bool
	PerChannel        map[protocol.Channel]ChannelDefaults
}

// DefaultConfig matches DefaultCreditsFor's per-channel table, expressed as
// the generic USER/AGENT allowance plus SYSTEM/AUDIO_IN/AUDIO_OUT
// overrides, so CreditsFor(ch) reproduces DefaultCreditsFor(ch) exactly
// until a caller customizes it.
var DefaultConfig = Config{
	Enabled:           true,
	InitialMessages:   32,
	InitialBytes:      262144,
	MinCredits:        1,
	MaxMessages:       32,
	MaxBytes:          262144,
	LowWaterThreshold: 0.2,
	Adaptive:          false,
	PerChannel: map[protocol.Channel]ChannelDefaults{
		protocol.ChannelSystem:   {InitialMessages: 50, InitialBytes: 524288, MaxMessages: 50, MaxBytes: 524288, LowWater: 0.2},
		protocol.ChannelAudioIn:  {InitialMessages: 1000, InitialBytes: 10485760, MaxMessages: 1000, MaxBytes: 10485760, LowWater: 0.2},
		protocol.ChannelAudioOut: {InitialMessages: 1000, InitialBytes: 10485760, MaxMessages: 1000, MaxBytes: 10485760, LowWater: 0.2},
	},
}

// CreditsFor resolves the effective ChannelDefaults for ch: an explicit
// PerChannel entry if cfg names one, else cfg's own generic fields (spec
// §4.4 "defaults, overridable by handshake" — the handshake layer applies
// on top of this via Controller.EnsureChannel).
func (cfg Config) CreditsFor(ch protocol.Channel) ChannelDefaults {
	if d, ok := cfg.PerChannel[ch]; ok {
		return d
	}
	return ChannelDefaults{
		InitialMessages: cfg.InitialMessages,
		InitialBytes:    cfg.InitialBytes,
		MaxMessages:     cfg.MaxMessages,
		MaxBytes:        cfg.MaxBytes,
		LowWater:        cfg.LowWaterThreshold,
	}
}

const maxPendingPerChannel = 256

// channelState holds one direction's bookkeeping for one channel.
type channelState struct {
	pool    Pool
	max     Pool
	lowWater Pool
	paused  bool
	waiters chan struct{} // closed-and-replaced to broadcast "credit or resume changed"
	queue   [][]byte      // bounded backlog of envelopes deferred while paused
}

func newChannelState(d ChannelDefaults) *channelState {
	return &channelState{
		pool:     Pool{Messages: d.InitialMessages, Bytes: d.InitialBytes},
		max:      Pool{Messages: d.MaxMessages, Bytes: d.MaxBytes},
		lowWater: Pool{Messages: int64(float64(d.InitialMessages) * d.LowWater), Bytes: int64(float64(d.InitialBytes) * d.LowWater)},
		waiters:  make(chan struct{}),
	}
}

func (c *channelState) broadcastLocked() {
	close(c.waiters)
	c.waiters = make(chan struct{})
}

// Controller owns every channel's outbound credit pool for one session in
// one direction. A session has two Controllers — one gating what it may
// send, and a receiver-side accounting mirror for the opposite direction —
// constructed independently by the session manager.
type Controller struct {
	mu       sync.Mutex
	channels map[protocol.Channel]*channelState
	onGrantRequest func(ch protocol.Channel)
}

// New returns a Controller with no channels configured yet; channels are
// created lazily via EnsureChannel/whatever first touches them.
func New() *Controller {
	return &Controller{channels: make(map[protocol.Channel]*channelState)}
}

// OnGrantRequest registers a callback invoked (outside the controller's
// lock) whenever Deduct leaves a channel's pool at or below its low-water
// threshold. Nothing in the engine or client registers one, so no
// FLOW_UPDATE is emitted from this hook. Spec: "the grant
// is actually issued by the receiver's policy" — this hook only signals
// the local sender-side low-water condition for observability/logging;
// the receiver's own Controller decides grants independently.
func (c *Controller) OnGrantRequest(fn func(ch protocol.Channel)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onGrantRequest = fn
}

func (c *Controller) ensureLocked(ch protocol.Channel) *channelState {
	cs, ok := c.channels[ch]
	if !ok {
		cs = newChannelState(DefaultCreditsFor(ch))
		c.channels[ch] = cs
	}
	return cs
}

// EnsureChannel seeds a channel's pool with explicit defaults (used when
// the handshake negotiates non-default capabilities).
func (c *Controller) EnsureChannel(ch protocol.Channel, d ChannelDefaults) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels[ch] = newChannelState(d)
}

// CanSend reports whether size bytes may be transmitted on ch right now
// (spec invariant 3 and the §4.4 sender rule): not paused, >=1 message
// credit, and enough byte credit.
func (c *Controller) CanSend(ch protocol.Channel, size int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs := c.ensureLocked(ch)
	return !cs.paused && cs.pool.Messages >= 1 && cs.pool.Bytes >= size
}

// Deduct consumes 1 message credit and size byte credit after a successful
// transmit. When the resulting pool is at or below the low-water threshold
// it invokes the grant-request callback, if one is registered.
func (c *Controller) Deduct(ch protocol.Channel, size int64) {
	c.mu.Lock()
	cs := c.ensureLocked(ch)
	cs.pool.Messages--
	cs.pool.Bytes -= size
	lowWater := cs.pool.Messages <= cs.lowWater.Messages || cs.pool.Bytes <= cs.lowWater.Bytes
	cb := c.onGrantRequest
	c.mu.Unlock()

	if lowWater && cb != nil {
		cb(ch)
	}
}

// Grant adds credit to a channel's pool, capped at its configured maximum
// (spec §4.4 receiver-issued FLOW_UPDATE, and the sender applying a
// FLOW_UPDATE it received). Grants are commutative and idempotent in
// total: applying N grants summing to X is equivalent to one grant of X
// (spec §8 round-trip property), since both reduce to plain addition
// capped at the same ceiling applied once at the end.
func (c *Controller) Grant(ch protocol.Channel, addMessages, addBytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs := c.ensureLocked(ch)
	cs.pool.Messages += addMessages
	if cs.max.Messages > 0 && cs.pool.Messages > cs.max.Messages {
		cs.pool.Messages = cs.max.Messages
	}
	cs.pool.Bytes += addBytes
	if cs.max.Bytes > 0 && cs.pool.Bytes > cs.max.Bytes {
		cs.pool.Bytes = cs.max.Bytes
	}
	cs.broadcastLocked()
}

// Pause defers transmission of new envelopes on ch until Resume.
func (c *Controller) Pause(ch protocol.Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs := c.ensureLocked(ch)
	cs.paused = true
}

// Resume lifts a pause and wakes any writer blocked in WaitForCredit.
func (c *Controller) Resume(ch protocol.Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs := c.ensureLocked(ch)
	cs.paused = false
	cs.broadcastLocked()
}

// Paused reports whether ch is currently paused for this direction.
func (c *Controller) Paused(ch protocol.Channel) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureLocked(ch).paused
}

// Snapshot returns a copy of one channel's current pool, for
// introspection/tests.
func (c *Controller) Snapshot(ch protocol.Channel) Pool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureLocked(ch).pool
}

// Enqueue appends data to ch's bounded backlog while paused or
// credit-starved. Returns false (FLOW_CONTROL_VIOLATION, per spec) if the
// backlog is already full.
func (c *Controller) Enqueue(ch protocol.Channel, data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs := c.ensureLocked(ch)
	if len(cs.queue) >= maxPendingPerChannel {
		return false
	}
	cs.queue = append(cs.queue, data)
	return true
}

// DequeueAll drains and returns everything buffered for ch.
func (c *Controller) DequeueAll(ch protocol.Channel) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs := c.ensureLocked(ch)
	out := cs.queue
	cs.queue = nil
	return out
}

// WaitForCredit blocks the calling writer until ch has at least 1 message
// and size bytes of credit and is not paused, or ctx is done. This is the
// "writer parks on a per-channel condition that the flow controller
// signals" suspension point from spec §5.
func (c *Controller) WaitForCredit(ctx context.Context, ch protocol.Channel, size int64) error {
	for {
		c.mu.Lock()
		cs := c.ensureLocked(ch)
		if !cs.paused && cs.pool.Messages >= 1 && cs.pool.Bytes >= size {
			c.mu.Unlock()
			return nil
		}
		wake := cs.waiters
		c.mu.Unlock()

		select {
		case <-wake:
			// re-check the condition on the next loop iteration
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
