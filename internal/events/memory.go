package events

import (
	"context"
	"errors"
	"sync"
)

// MemoryConfig configures the in-process broadcaster.
type MemoryConfig struct {
	Buffer int
	OnDrop DropFunc
}

// NewMemoryBroadcaster initialises an in-memory fan-out suitable for tests and
// single-process deployments.
func NewMemoryBroadcaster(cfg MemoryConfig) Broadcaster {
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	return &memoryBroadcaster{
		tenants: make(map[string]map[*memorySubscription]struct{}),
		buffer:  cfg.Buffer,
		onDrop:  cfg.OnDrop,
	}
}

type memoryBroadcaster struct {
	mu      sync.RWMutex
	tenants map[string]map[*memorySubscription]struct{}
	buffer  int
	onDrop  DropFunc
	closed  bool
}

func (b *memoryBroadcaster) Publish(ctx context.Context, tenantID string, event Event) error {
	if event.Name == "" {
		return errors.New("event name is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for sub := range b.tenants[tenantID] {
		select {
		case sub.ch <- event:
		default:
			// Drop instead of blocking; observers re-fetch state on reconnect.
			if b.onDrop != nil {
				b.onDrop(tenantID, event)
			}
		}
	}
	return nil
}

func (b *memoryBroadcaster) Subscribe(ctx context.Context, tenantID string) (Subscription, error) {
	if tenantID == "" {
		return nil, errors.New("tenant id is required")
	}
	sub := &memorySubscription{
		broadcaster: b,
		tenantID:    tenantID,
		ch:          make(chan Event, b.buffer),
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	subs := b.tenants[tenantID]
	if subs == nil {
		subs = make(map[*memorySubscription]struct{})
		b.tenants[tenantID] = subs
	}
	subs[sub] = struct{}{}
	b.mu.Unlock()

	stop := context.AfterFunc(ctx, sub.Close)
	sub.stopMu.Lock()
	sub.stop = stop
	sub.stopMu.Unlock()
	return sub, nil
}

func (b *memoryBroadcaster) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var subs []*memorySubscription
	for _, tenantSubs := range b.tenants {
		for sub := range tenantSubs {
			subs = append(subs, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	return nil
}

type memorySubscription struct {
	once        sync.Once
	broadcaster *memoryBroadcaster
	tenantID    string
	ch          chan Event

	stopMu sync.Mutex
	stop   func() bool
}

func (s *memorySubscription) Events() <-chan Event {
	return s.ch
}

func (s *memorySubscription) Close() {
	s.once.Do(func() {
		s.stopMu.Lock()
		if s.stop != nil {
			s.stop()
		}
		s.stopMu.Unlock()
		b := s.broadcaster
		b.mu.Lock()
		if subs := b.tenants[s.tenantID]; subs != nil {
			delete(subs, s)
			if len(subs) == 0 {
				delete(b.tenants, s.tenantID)
			}
		}
		b.mu.Unlock()
		close(s.ch)
	})
}
