/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

// Package cache provides the Redis tier: a read-through key/value cache for
// hot query results and the pub/sub channel that carries committed change
// events to the fan-out dispatcher. Every event published for a topic carries
// a sequence number minted atomically in Redis, so subscribers can detect
// gaps without coordinating with the publisher.
//
// The tier is optional at runtime. When Redis is unreachable all operations
// fail with ErrUnavailable and callers are expected to degrade: reads fall
// through to the database, publications are logged and dropped.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	applog "github.com/xtexx/fabricia/internal/log"
)

// ErrUnavailable wraps every failure caused by the Redis connection itself.
// Callers treat it as "tier down", not as a data error.
var ErrUnavailable = errors.New("cache unavailable")

const (
	// Key prefixes keep cache entries, sequence counters and pub/sub
	// channels in disjoint namespaces within one logical database.
	keyPrefix  = "kv:"
	seqPrefix  = "seq:"
	chanPrefix = "evt:"
)

// Config selects the Redis endpoint. The zero value is not usable; callers
// take defaults from the application configuration.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Event is one committed change delivered over pub/sub. Seq is strictly
// increasing per topic; a subscriber that observes a jump larger than one
// knows it missed events.
type Event struct {
	Topic      string          `json:"topic"`
	Seq        uint64          `json:"seq"`
	Payload    json.RawMessage `json:"payload"`
	ProducedAt time.Time       `json:"produced_at"`
}

// envelope is the wire form on the Redis channel. The topic travels in the
// channel name, not the body.
type envelope struct {
	Seq        uint64          `json:"seq"`
	Payload    json.RawMessage `json:"payload"`
	ProducedAt time.Time       `json:"produced_at"`
}

// Cache wraps a single Redis client shared by the key/value and pub/sub
// sides. It satisfies the publisher contract of the persistence layer.
type Cache struct {
	rdb *redis.Client
	log *slog.Logger
}

// New builds the tier around cfg. The connection is established lazily;
// use Ping to probe it at startup.
func New(cfg Config) *Cache {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Cache{
		rdb: rdb,
		log: applog.WithComponent("cache"),
	}
}

// Ping probes the Redis endpoint.
func (c *Cache) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// Close releases the underlying client.
func (c *Cache) Close() error {
	return c.rdb.Close()
}

// Get returns the cached value for key. The second result reports whether
// the key was present; a miss is not an error.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.rdb.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: get %s: %w", ErrUnavailable, key, err)
	}
	return val, true, nil
}

// Set stores val under key for ttl. A ttl of zero stores without expiry.
func (c *Cache) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, keyPrefix+key, val, ttl).Err(); err != nil {
		return fmt.Errorf("%w: set %s: %w", ErrUnavailable, key, err)
	}
	return nil
}

// Invalidate removes the given keys. Missing keys are not an error.
func (c *Cache) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = keyPrefix + k
	}
	if err := c.rdb.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("%w: invalidate: %w", ErrUnavailable, err)
	}
	return nil
}

// Publish mints the next sequence number for topic and broadcasts the
// payload on the topic's channel. It implements the post-commit publisher
// used by the transaction coordinator.
func (c *Cache) Publish(ctx context.Context, topic string, payload []byte) error {
	seq, err := c.rdb.Incr(ctx, seqPrefix+topic).Result()
	if err != nil {
		return fmt.Errorf("%w: seq %s: %w", ErrUnavailable, topic, err)
	}
	body, err := json.Marshal(envelope{
		Seq:        uint64(seq),
		Payload:    json.RawMessage(payload),
		ProducedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode event for %s: %w", topic, err)
	}
	if err := c.rdb.Publish(ctx, chanPrefix+topic, body).Err(); err != nil {
		return fmt.Errorf("%w: publish %s: %w", ErrUnavailable, topic, err)
	}
	return nil
}

// Seq reports the last sequence number minted for topic, zero if none.
func (c *Cache) Seq(ctx context.Context, topic string) (uint64, error) {
	val, err := c.rdb.Get(ctx, seqPrefix+topic).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: seq %s: %w", ErrUnavailable, topic, err)
	}
	return val, nil
}

// Subscribe listens on the given topics and delivers decoded events until
// ctx is cancelled. The returned channel is closed when the subscription
// ends; undecodable messages are logged and skipped.
func (c *Cache) Subscribe(ctx context.Context, topics ...string) (<-chan Event, error) {
	if len(topics) == 0 {
		return nil, errors.New("subscribe: no topics")
	}
	channels := make([]string, len(topics))
	for i, t := range topics {
		channels[i] = chanPrefix + t
	}
	return c.consume(ctx, c.rdb.Subscribe(ctx, channels...))
}

// SubscribeAll listens on every topic, including ones that do not exist
// yet. The fan-out dispatcher uses it as its single feed.
func (c *Cache) SubscribeAll(ctx context.Context) (<-chan Event, error) {
	return c.consume(ctx, c.rdb.PSubscribe(ctx, chanPrefix+"*"))
}

func (c *Cache) consume(ctx context.Context, sub *redis.PubSub) (<-chan Event, error) {
	// Force the SUBSCRIBE round trip so a dead endpoint fails here, not
	// silently inside the reader goroutine.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("%w: subscribe: %w", ErrUnavailable, err)
	}

	out := make(chan Event, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		in := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				var env envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					c.log.Warn("dropping undecodable event",
						slog.String("channel", msg.Channel),
						slog.String("error", err.Error()))
					continue
				}
				ev := Event{
					Topic:      strings.TrimPrefix(msg.Channel, chanPrefix),
					Seq:        env.Seq,
					Payload:    env.Payload,
					ProducedAt: env.ProducedAt,
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
