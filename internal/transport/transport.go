package transport

import (
	"sync"

	"github.com/octokernel/octokernel/internal/ids"
)

// Transport owns the set of channels belonging to one kernel instance.
type Transport struct {
	mu       sync.Mutex
	channels map[ids.ChannelId]*Channel
}

// New returns an empty Transport.
func New() *Transport {
	return &Transport{channels: make(map[ids.ChannelId]*Channel)}
}

// CreateChannel registers and returns a fresh channel carrying plan.
func (t *Transport) CreateChannel(id ids.ChannelId, plan *FaultPlan) *Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := NewChannel(id, plan)
	t.channels[id] = ch
	return ch
}

// Channel looks up a previously created channel.
func (t *Transport) Channel(id ids.ChannelId) (*Channel, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.channels[id]
	return ch, ok
}

// ReleaseMatured advances every channel's delayed buffer to now. Called by
// the kernel's Sleep.
func (t *Transport) ReleaseMatured(now uint64) {
	t.mu.Lock()
	chans := make([]*Channel, 0, len(t.channels))
	for _, ch := range t.channels {
		chans = append(chans, ch)
	}
	t.mu.Unlock()

	for _, ch := range chans {
		ch.ReleaseMatured(now)
	}
}
