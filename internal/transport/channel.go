package transport

import (
	"sync"

	"github.com/octokernel/octokernel/internal/ids"
	"github.com/octokernel/octokernel/internal/kernelerr"
)

type delayedEntry struct {
	releaseAt uint64
	env       Envelope
}

// Channel is a per-id ordered sequence of messages plus the fault plan
// attached at creation time (spec §4.2: "plan is attached at channel
// creation"). All mutation goes through Send/Receive/ReleaseMatured.
type Channel struct {
	id   ids.ChannelId
	mu   sync.Mutex
	plan *FaultPlan

	queue   []Envelope
	delayed []delayedEntry
}

// NewChannel returns a fresh, empty channel carrying plan (nil means no
// faults).
func NewChannel(id ids.ChannelId, plan *FaultPlan) *Channel {
	if plan == nil {
		plan = NewFaultPlan()
	}
	return &Channel{id: id, plan: plan}
}

// Id returns the channel's identifier.
func (c *Channel) Id() ids.ChannelId { return c.id }

// Send evaluates the next unconsumed send-side fault action and applies its
// effect. now is the current logical time, used to key delayed releases.
func (c *Channel) Send(now uint64, env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	action := c.plan.nextSend()
	switch action.kind {
	case sendNone:
		c.queue = append(c.queue, env)
		return nil
	case sendDrop:
		return nil
	case sendDelay:
		c.delayed = append(c.delayed, delayedEntry{releaseAt: now + action.delayTicks, env: env})
		return nil
	case sendReorder:
		c.queue = append(c.queue, env)
		if len(c.queue) >= 2 {
			n := len(c.queue)
			c.queue[n-1], c.queue[n-2] = c.queue[n-2], c.queue[n-1]
		}
		return nil
	case sendCrash:
		return &kernelerr.SendFailed{Channel: uint64(c.id)}
	default:
		return nil
	}
}

// ReleaseMatured moves every delayed envelope whose release key has been
// reached (releaseAt <= now) into the queue, in the order they were
// delayed, and returns how many were released. Called as logical time
// advances (kernel.Sleep).
func (c *Channel) ReleaseMatured(now uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.releaseMaturedLocked(now)
}

func (c *Channel) releaseMaturedLocked(now uint64) int {
	if len(c.delayed) == 0 {
		return 0
	}
	remaining := c.delayed[:0]
	released := 0
	for _, d := range c.delayed {
		if d.releaseAt <= now {
			c.queue = append(c.queue, d.env)
			released++
		} else {
			remaining = append(remaining, d)
		}
	}
	c.delayed = remaining
	return released
}

// NextDelayedReleaseAt returns the earliest pending delayed-release time, if
// any delayed envelope remains.
func (c *Channel) NextDelayedReleaseAt() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.delayed) == 0 {
		return 0, false
	}
	min := c.delayed[0].releaseAt
	for _, d := range c.delayed[1:] {
		if d.releaseAt < min {
			min = d.releaseAt
		}
	}
	return min, true
}

// TryReceive evaluates the next unconsumed receive-side fault action. On
// recvCrash it fails; otherwise it pops the head if present, reporting
// ok=false if the queue is empty (the caller decides how to interpret that
// against a timeout).
func (c *Channel) TryReceive(now uint64) (env Envelope, ok bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.releaseMaturedLocked(now)

	action := c.plan.nextRecv()
	if action.kind == recvCrash {
		return Envelope{}, false, &kernelerr.ReceiveFailed{Channel: uint64(c.id)}
	}
	if len(c.queue) == 0 {
		return Envelope{}, false, nil
	}
	env = c.queue[0]
	c.queue = c.queue[1:]
	return env, true, nil
}

// QueueLen reports the number of immediately-receivable envelopes.
func (c *Channel) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}
