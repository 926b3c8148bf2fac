package bus

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSlots is a SlotStore backed by Redis string keys. Changes are observed
// through keyspace notifications on __keyspace@<db>__:<prefix><key>.
type RedisSlots struct {
	client *redis.Client
	prefix string
}

// NewRedisSlots wraps client. It enables keyspace notifications for string
// commands when the server does not already emit them; if the server refuses
// (managed Redis often does) watchers simply never fire.
func NewRedisSlots(ctx context.Context, client *redis.Client, prefix string) *RedisSlots {
	s := &RedisSlots{client: client, prefix: prefix}
	if err := s.enableNotifications(ctx); err != nil {
		log.Printf("[slot] redis keyspace notifications unavailable: %v", err)
	}
	return s
}

// RedisSlotsOpener connects to addr and returns a slot Opener backed by it.
// An unreachable server makes the opener fail, so the bus moves on.
func RedisSlotsOpener(addr, prefix string) Opener {
	return func(channel string, deliver func([]byte)) (Transport, error) {
		client := redis.NewClient(&redis.Options{Addr: addr})
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("slot: redis connection failed: %w", err)
		}

		t, err := SlotOpener(NewRedisSlots(ctx, client, prefix))(channel, deliver)
		if err != nil {
			client.Close()
			return nil, err
		}
		return &redisSlotTransport{Transport: t, client: client}, nil
	}
}

// redisSlotTransport closes the Redis client it owns along with the slot.
type redisSlotTransport struct {
	Transport
	client *redis.Client
}

func (t *redisSlotTransport) Name() string { return "redis-slot" }

func (t *redisSlotTransport) Close() error {
	err := t.Transport.Close()
	if cerr := t.client.Close(); err == nil {
		err = cerr
	}
	return err
}

// enableNotifications adds the K (keyspace) and $ (string commands) flags to
// notify-keyspace-events, keeping any flags already configured.
func (s *RedisSlots) enableNotifications(ctx context.Context) error {
	cfg, err := s.client.ConfigGet(ctx, "notify-keyspace-events").Result()
	if err != nil {
		return err
	}
	flags := cfg["notify-keyspace-events"]
	want := flags
	if !strings.Contains(want, "K") {
		want += "K"
	}
	if !strings.Contains(want, "$") && !strings.Contains(want, "A") {
		want += "$"
	}
	if want == flags {
		return nil
	}
	return s.client.ConfigSet(ctx, "notify-keyspace-events", want).Err()
}

func (s *RedisSlots) Write(ctx context.Context, key string, value []byte) error {
	return s.client.Set(ctx, s.prefix+key, value, 0).Err()
}

// Watch subscribes to keyspace events for key and reads the new value after
// every SET.
func (s *RedisSlots) Watch(key string, fn func([]byte)) (func(), error) {
	fullKey := s.prefix + key
	channel := "__keyspace@" + strconv.Itoa(s.client.Options().DB) + "__:" + fullKey

	ctx, cancel := context.WithCancel(context.Background())
	pubsub := s.client.Subscribe(ctx, channel)

	// Wait for the subscription to be confirmed before returning.
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		pubsub.Close()
		return nil, fmt.Errorf("slot: subscribe %s: %w", channel, err)
	}

	go func() {
		for msg := range pubsub.Channel() {
			if msg.Payload != "set" {
				continue
			}
			value, err := s.client.Get(ctx, fullKey).Bytes()
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("[slot] read key=%s: %v", fullKey, err)
				}
				continue
			}
			fn(value)
		}
	}()

	return func() {
		cancel()
		pubsub.Close()
	}, nil
}
