package valkey

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// warningSuffix marks the shadow key whose expiry warns that the main key
// is about to die.
const warningSuffix = ":warning"

// DefaultWarningOffset is how much earlier than the main key the warning
// key expires when config leaves it unset.
const DefaultWarningOffset = 10 * time.Second

// TTLHandler persists a main key's value before it expires. Handlers must
// be idempotent: expiry notifications can be delivered more than once.
type TTLHandler func(ctx context.Context, mainKey, identifier string)

type ttlHandlerEntry struct {
	prefix      string
	fn          TTLHandler
	description string
}

// ttlDispatcher owns the keyspace-notification subscription and routes
// warning-key expirations to registered handlers by key prefix.
type ttlDispatcher struct {
	c *Client

	mu       sync.RWMutex
	handlers []ttlHandlerEntry

	startOnce sync.Once
	pubsub    *redis.PubSub
	loopDone  chan struct{}
	inflight  sync.WaitGroup
}

func (d *ttlDispatcher) init(c *Client) {
	d.c = c
	d.loopDone = make(chan struct{})
}

// SetTTLWithWarning puts key on a ttl and creates its warning key expiring
// warningOffset earlier. The main key must already exist.
func (c *Client) SetTTLWithWarning(ctx context.Context, mainKey string, ttl time.Duration) error {
	offset := c.warningOffset
	if offset <= 0 {
		offset = DefaultWarningOffset
	}

	ok, err := c.rdb.Expire(ctx, mainKey, ttl).Result()
	if err != nil {
		return fmt.Errorf("valkey: expire %s: %w", mainKey, err)
	}
	if !ok {
		return fmt.Errorf("valkey: set ttl on %s: %w", mainKey, ErrKeyNotFound)
	}

	warnTTL := warningTTL(ttl, offset)
	if err := c.rdb.Set(ctx, mainKey+warningSuffix, "1", warnTTL).Err(); err != nil {
		return fmt.Errorf("valkey: set warning key for %s: %w", mainKey, err)
	}
	return nil
}

// warningTTL is the warning key's lifetime: offset before the main key,
// clamped to one second so the warning always fires first.
func warningTTL(ttl, offset time.Duration) time.Duration {
	w := ttl - offset
	if w < time.Second {
		return time.Second
	}
	return w
}

// RegisterTTLHandler routes expiring keys under prefix to fn. The handler
// receives the main key and its identifier (the part after "prefix:"). When
// prefixes nest the longest match wins.
func (c *Client) RegisterTTLHandler(prefix string, fn TTLHandler, description string) {
	c.ttl.mu.Lock()
	defer c.ttl.mu.Unlock()
	c.ttl.handlers = append(c.ttl.handlers, ttlHandlerEntry{prefix: prefix, fn: fn, description: description})
	c.logger.Info("registered ttl handler", "prefix", prefix, "description", description)
}

// StartExpiryListener subscribes to the database's expired-key channel and
// starts the dispatch goroutine. Safe to call once; later calls are no-ops.
func (c *Client) StartExpiryListener(ctx context.Context) error {
	var startErr error
	c.ttl.startOnce.Do(func() {
		// Expired-event notifications are off by default. Managed servers
		// may refuse CONFIG SET, so failure downgrades to a warning and we
		// trust the server-side setting.
		if err := c.rdb.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err(); err != nil {
			c.logger.Warn("could not enable keyspace notifications, relying on server config", "error", err)
		}

		channel := fmt.Sprintf("__keyevent@%d__:expired", c.db)
		c.ttl.pubsub = c.rdb.Subscribe(ctx, channel)
		if _, err := c.ttl.pubsub.Receive(ctx); err != nil {
			startErr = fmt.Errorf("valkey: subscribe %s: %w", channel, err)
			_ = c.ttl.pubsub.Close()
			c.ttl.pubsub = nil
			close(c.ttl.loopDone)
			return
		}

		c.logger.Info("expiry listener started", "channel", channel)
		go c.ttl.loop()
	})
	return startErr
}

// loop drains expiry notifications until the subscription closes.
func (d *ttlDispatcher) loop() {
	defer close(d.loopDone)
	for msg := range d.pubsub.Channel() {
		d.dispatch(msg.Payload)
	}
}

// dispatch fires the matching handler for one expired key. Only warning
// keys are interesting; the main key's own expiry needs no action.
func (d *ttlDispatcher) dispatch(expiredKey string) {
	if !strings.HasSuffix(expiredKey, warningSuffix) {
		return
	}
	mainKey := strings.TrimSuffix(expiredKey, warningSuffix)

	d.mu.RLock()
	entry, identifier, ok := matchHandler(d.handlers, mainKey)
	d.mu.RUnlock()
	if !ok {
		return
	}

	offset := d.c.warningOffset
	if offset <= 0 {
		offset = DefaultWarningOffset
	}

	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				d.c.logger.Error("ttl handler panicked", "prefix", entry.prefix, "key", mainKey, "panic", r)
			}
		}()
		// The main key outlives the warning by the offset; that is the
		// whole persistence window.
		ctx, cancel := context.WithTimeout(context.Background(), offset)
		defer cancel()
		entry.fn(ctx, mainKey, identifier)
	}()
}

// matchHandler picks the longest registered prefix p such that mainKey is
// "p:<identifier>".
func matchHandler(handlers []ttlHandlerEntry, mainKey string) (ttlHandlerEntry, string, bool) {
	var (
		best    ttlHandlerEntry
		bestLen = -1
	)
	for _, h := range handlers {
		if len(h.prefix) > bestLen && strings.HasPrefix(mainKey, h.prefix+":") {
			best = h
			bestLen = len(h.prefix)
		}
	}
	if bestLen < 0 {
		return ttlHandlerEntry{}, "", false
	}
	return best, mainKey[bestLen+1:], true
}

// stop closes the subscription and joins the dispatch loop and any handler
// invocations still in flight.
func (d *ttlDispatcher) stop() {
	started := false
	d.startOnce.Do(func() {
		// Never started; mark the once as used so a late Start is a no-op.
		close(d.loopDone)
	})
	if d.pubsub != nil {
		started = true
		_ = d.pubsub.Close()
	}
	if started {
		<-d.loopDone
	}
	d.inflight.Wait()
}
