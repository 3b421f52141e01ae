// Package redisstore provides a tokenstore.Medium backed by Redis, for
// clients that run as several processes or hosts and share one session.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultChannel is the pub/sub channel change notifications are published on.
const DefaultChannel = "authclient:changes"

// Medium stores items as plain Redis strings. Every write and removal is
// announced on a pub/sub channel so Watch can observe other writers.
type Medium struct {
	client  *redis.Client
	channel string
	ttl     time.Duration
}

// Option configures a Medium.
type Option func(*Medium)

// WithChannel overrides DefaultChannel.
func WithChannel(channel string) Option {
	return func(m *Medium) {
		m.channel = channel
	}
}

// WithTTL makes every written key expire after ttl. Zero keeps keys forever.
func WithTTL(ttl time.Duration) Option {
	return func(m *Medium) {
		m.ttl = ttl
	}
}

// New wraps an existing client.
func New(client *redis.Client, opts ...Option) *Medium {
	m := &Medium{client: client, channel: DefaultChannel}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewFromURL connects to the Redis server at url (redis://[:password@]host:port/db)
// and verifies the connection.
func NewFromURL(ctx context.Context, url string, opts ...Option) (*Medium, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	options.DialTimeout = 5 * time.Second
	options.ReadTimeout = 3 * time.Second
	options.WriteTimeout = 3 * time.Second

	client := redis.NewClient(options)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return New(client, opts...), nil
}

// Close closes the underlying client.
func (m *Medium) Close() error {
	return m.client.Close()
}

func (m *Medium) GetItem(ctx context.Context, key string) (string, bool, error) {
	v, err := m.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get failed: %w", err)
	}
	return v, true, nil
}

func (m *Medium) SetItem(ctx context.Context, key, value string) error {
	if err := m.client.Set(ctx, key, value, m.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	m.notify(ctx, key)
	return nil
}

func (m *Medium) RemoveItem(ctx context.Context, key string) error {
	if err := m.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	m.notify(ctx, key)
	return nil
}

// Keys scans for keys starting with prefix.
func (m *Medium) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := m.client.Scan(ctx, 0, escapeGlob(prefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan failed: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Watch subscribes to the change channel and calls onChange with each key
// another writer touched. It returns once the subscription is confirmed.
func (m *Medium) Watch(ctx context.Context, onChange func(key string)) error {
	sub := m.client.Subscribe(ctx, m.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe failed: %w", err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				onChange(msg.Payload)
			}
		}
	}()

	return nil
}

// notify is best effort: a lost notification only delays other processes
// until their next read.
func (m *Medium) notify(ctx context.Context, key string) {
	if err := m.client.Publish(ctx, m.channel, key).Err(); err != nil {
		slog.Debug("Failed to publish token storage change",
			"channel", m.channel,
			"error", err.Error(),
		)
	}
}

func escapeGlob(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*', '?', '[', ']', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
