package stream

import (
	"context"
	"log/slog"
	"sync"
)

// subscriberBuffer bounds each subscriber's pending payloads. A slow
// subscriber drops notifications rather than stalling the listener; the
// client recovers missed persistent events through catch-up.
const subscriberBuffer = 64

// channelSource starts and stops LISTEN on Postgres channels.
// Implemented by *Listener.
type channelSource interface {
	Subscribe(ctx context.Context, channel string) error
	Unsubscribe(ctx context.Context, channel string) error
}

// Fanout dispatches NOTIFY payloads to local subscribers, one LISTEN per
// channel regardless of subscriber count. It lets a replica follow
// sessions hosted on other replicas.
type Fanout struct {
	source channelSource
	logger *slog.Logger

	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan []byte
}

// NewFanout creates a fan-out hub over a Postgres LISTEN connection.
// Wire its Dispatch as the listener's handler.
func NewFanout(source channelSource, logger *slog.Logger) *Fanout {
	return &Fanout{
		source: source,
		logger: logger,
		subs:   make(map[string]map[int]chan []byte),
	}
}

// SetSource attaches the LISTEN connection. The listener needs Dispatch
// as its handler before it can be constructed, so the source is wired
// here after both exist and before serving starts.
func (f *Fanout) SetSource(source channelSource) {
	f.source = source
}

// Subscribe registers for a channel's payloads. The first subscriber
// starts LISTEN. The returned cancel must be called exactly once.
func (f *Fanout) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	f.mu.Lock()
	first := f.subs[channel] == nil
	if first {
		f.subs[channel] = make(map[int]chan []byte)
	}
	f.nextID++
	id := f.nextID
	ch := make(chan []byte, subscriberBuffer)
	f.subs[channel][id] = ch
	f.mu.Unlock()

	if first && f.source != nil {
		if err := f.source.Subscribe(ctx, channel); err != nil {
			f.remove(channel, id)
			return nil, nil, err
		}
	}

	cancel := func() {
		if last := f.remove(channel, id); last && f.source != nil {
			if err := f.source.Unsubscribe(context.Background(), channel); err != nil {
				f.logger.Warn("unlisten failed", "channel", channel, "error", err)
			}
		}
	}
	return ch, cancel, nil
}

// Dispatch delivers a payload to every subscriber of the channel. Full
// subscriber buffers drop the payload.
func (f *Fanout) Dispatch(channel string, payload []byte) {
	f.mu.Lock()
	targets := make([]chan []byte, 0, len(f.subs[channel]))
	for _, ch := range f.subs[channel] {
		targets = append(targets, ch)
	}
	f.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- payload:
		default:
			f.logger.Warn("dropping payload for slow subscriber", "channel", channel)
		}
	}
}

// remove deletes a subscriber and reports whether it was the channel's last.
func (f *Fanout) remove(channel string, id int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs, ok := f.subs[channel]
	if !ok {
		return false
	}
	if ch, ok := subs[id]; ok {
		delete(subs, id)
		close(ch)
	}
	if len(subs) == 0 {
		delete(f.subs, channel)
		return true
	}
	return false
}
