// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package stream

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/golang/glog"
	"github.com/redis/go-redis/v9"
)

// ackDelScript acknowledges and deletes messages in one step, so a crash
// can't leave a message acknowledged but still in the stream, or deleted
// while pending.
var ackDelScript = redis.NewScript(`
local n = redis.call('XACK', KEYS[1], ARGV[1], unpack(ARGV, 2))
redis.call('XDEL', KEYS[1], unpack(ARGV, 2))
return n
`)

// RedisConfig configures a Redis stream.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	DialTimeout time.Duration
	PoolSize    int
}

// DefaultRedisConfig includes default configuration parameters.
var DefaultRedisConfig = RedisConfig{
	Addr:        "localhost:6379",
	DialTimeout: 5 * time.Second,
	PoolSize:    16,
}

// Redis is a Stream on Redis Streams. Reconnecting after a connection
// failure is left to the client library.
type Redis struct {
	client redis.UniversalClient
}

var _ Stream = (*Redis)(nil)

// NewRedis returns a Redis stream connecting to the server in cfg.
func NewRedis(cfg RedisConfig) *Redis {
	return &Redis{client: redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
		PoolSize:    cfg.PoolSize,
		// Blocking reads can take longer than a normal command.
		ReadTimeout: -1,
	})}
}

// NewRedisFromClient returns a Redis stream using an existing client.
func NewRedisFromClient(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

// Add implements Stream.
func (r *Redis) Add(ctx context.Context, stream string, fields map[string]string) (MessageID, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	s, err := r.client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
	if err != nil {
		log.Errorf("XADD to %s failed: %v", stream, err)
		return MessageID{}, err
	}
	return ParseMessageID(s)
}

// CreateGroup implements Stream.
func (r *Redis) CreateGroup(ctx context.Context, stream, group string) error {
	err := r.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP") {
		log.V(1).Infof("Group %s on %s already exists", group, stream)
		return nil
	}
	if err != nil {
		log.Errorf("XGROUP CREATE %s %s failed: %v", stream, group, err)
	}
	return err
}

// ReadGroup implements Stream.
func (r *Redis) ReadGroup(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]Message, error) {
	if block <= 0 {
		// go-redis sends no BLOCK for a negative duration; 0 would block
		// forever.
		block = -1
	}
	res, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		if strings.HasPrefix(err.Error(), "NOGROUP") {
			return nil, fmt.Errorf("%w: %s on %s", ErrNoGroup, group, stream)
		}
		return nil, err
	}

	var out []Message
	for _, s := range res {
		for _, m := range s.Messages {
			id, err := ParseMessageID(m.ID)
			if err != nil {
				log.Errorf("Skipping message with a bad id %q on %s: %v", m.ID, stream, err)
				continue
			}
			fields := make(map[string]string, len(m.Values))
			for k, v := range m.Values {
				switch v := v.(type) {
				case string:
					fields[k] = v
				default:
					fields[k] = fmt.Sprint(v)
				}
			}
			out = append(out, Message{ID: id, Fields: fields})
		}
	}
	return out, nil
}

// AckDelete implements Stream, with XACK and XDEL run as one script.
func (r *Redis) AckDelete(ctx context.Context, stream, group string, ids ...MessageID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, group)
	for _, id := range ids {
		args = append(args, id.String())
	}
	n, err := ackDelScript.Run(ctx, r.client, []string{stream}, args...).Int64()
	if err != nil {
		log.Errorf("Ack and delete of %d messages on %s failed: %v", len(ids), stream, err)
	}
	return n, err
}

// Len implements Stream.
func (r *Redis) Len(ctx context.Context, stream string) (int64, error) {
	return r.client.XLen(ctx, stream).Result()
}

// Pending returns the number of messages delivered to the group and not yet
// acknowledged.
func (r *Redis) Pending(stream, group string) (int, error) {
	p, err := r.client.XPending(context.Background(), stream, group).Result()
	if err != nil {
		return 0, err
	}
	return int(p.Count), nil
}

// Close implements Stream.
func (r *Redis) Close() error {
	return r.client.Close()
}
