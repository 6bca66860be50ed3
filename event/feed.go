package event

import (
	"fmt"
	"sync"
	"time"
)

const (
	defaultFeedBufferSize    = 32
	defaultFeedNotifyTimeout = time.Second
)

// Feed is a single-slot broadcaster: at most one attached stream receives
// events. Attaching replaces (and closes) any previously attached stream, and
// events published while no stream is attached are dropped. Consumers that
// need fan-out attach once and distribute downstream themselves.
type Feed[E any] struct {
	mu sync.Mutex

	nextID        uint64
	slot          *BufferedStream[E]
	closed        bool
	bufferSize    int
	notifyTimeout time.Duration
}

type FeedOption func(*feedConfig)

type feedConfig struct {
	bufferSize    int
	notifyTimeout time.Duration
}

func WithFeedBufferSize(size int) FeedOption {
	return func(c *feedConfig) {
		if size > 0 {
			c.bufferSize = size
		}
	}
}

func WithFeedNotifyTimeout(timeout time.Duration) FeedOption {
	return func(c *feedConfig) {
		if timeout > 0 {
			c.notifyTimeout = timeout
		}
	}
}

func NewFeed[E any](opts ...FeedOption) *Feed[E] {
	cfg := feedConfig{
		bufferSize:    defaultFeedBufferSize,
		notifyTimeout: defaultFeedNotifyTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Feed[E]{
		bufferSize:    cfg.bufferSize,
		notifyTimeout: cfg.notifyTimeout,
	}
}

// Attach installs a fresh stream in the slot and returns its channel. Any
// previously attached stream is closed; last writer wins.
func (f *Feed[E]) Attach() <-chan E {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.slot != nil {
		f.slot.Close()
		f.slot = nil
	}

	stream := NewBufferedStream[E](fmt.Sprintf("feed:%d", f.nextID), f.bufferSize)
	f.nextID++

	if f.closed {
		stream.Close()
		return stream.Channel()
	}

	f.slot = stream
	return stream.Channel()
}

// Publish delivers an event to the attached stream, or drops it when none is
// attached. A stream that cannot accept the event within the notify timeout
// is evicted from the slot.
func (f *Feed[E]) Publish(event E) {
	f.mu.Lock()
	stream := f.slot
	f.mu.Unlock()

	if stream == nil {
		return
	}

	if err := stream.Notify(event, f.notifyTimeout); err != nil {
		f.mu.Lock()
		if f.slot == stream {
			f.slot = nil
		}
		f.mu.Unlock()
	}
}

func (f *Feed[E]) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}

	f.closed = true
	if f.slot != nil {
		f.slot.Close()
		f.slot = nil
	}
}
