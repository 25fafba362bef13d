package topic

import (
	"context"
	"sync"
	"time"

	"github.com/RustRobotics/hebo-sub002/store"
	"github.com/RustRobotics/hebo-sub002/types/message"
)

// RetainedManager owns a retained-message store plus the periodic sweep
// that evicts entries whose v5 message expiry has lapsed.
type RetainedManager struct {
	store     *store.RetainedStore
	interval  time.Duration
	onCleanup func(count int)

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
}

// RetainedConfig tunes the cleanup sweep.
type RetainedConfig struct {
	CleanupInterval time.Duration
	OnCleanup       func(count int)
}

// DefaultRetainedConfig sweeps every five minutes.
func DefaultRetainedConfig() *RetainedConfig {
	return &RetainedConfig{CleanupInterval: 5 * time.Minute}
}

// NewRetainedManager builds a manager and starts its sweep loop.
func NewRetainedManager(config *RetainedConfig) *RetainedManager {
	if config == nil {
		config = DefaultRetainedConfig()
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}

	rm := &RetainedManager{
		store:     store.NewRetainedStore(),
		interval:  config.CleanupInterval,
		onCleanup: config.OnCleanup,
		ticker:    time.NewTicker(config.CleanupInterval),
		stop:      make(chan struct{}),
	}

	rm.wg.Add(1)
	go rm.sweepLoop()
	return rm
}

// Set, Get, Delete, Match, and Count delegate to the backing store.

func (rm *RetainedManager) Set(ctx context.Context, topic string, msg *message.Message) error {
	return rm.store.Set(ctx, topic, msg)
}

func (rm *RetainedManager) Get(ctx context.Context, topic string) (*message.Message, error) {
	return rm.store.Get(ctx, topic)
}

func (rm *RetainedManager) Delete(ctx context.Context, topic string) error {
	return rm.store.Delete(ctx, topic)
}

func (rm *RetainedManager) Match(ctx context.Context, topicFilter string, matcher store.TopicMatcher) ([]*message.Message, error) {
	return rm.store.Match(ctx, topicFilter, matcher)
}

func (rm *RetainedManager) Count(ctx context.Context) (int64, error) {
	return rm.store.Count(ctx)
}

func (rm *RetainedManager) sweepLoop() {
	defer rm.wg.Done()
	for {
		select {
		case <-rm.stop:
			return
		case <-rm.ticker.C:
			if n, err := rm.store.CleanupExpired(context.Background()); err == nil && n > 0 {
				if rm.onCleanup != nil {
					rm.onCleanup(n)
				}
			}
		}
	}
}

// Close stops the sweep and releases the store.
func (rm *RetainedManager) Close() error {
	close(rm.stop)
	rm.ticker.Stop()
	rm.wg.Wait()
	return rm.store.Close()
}
