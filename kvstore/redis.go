/***************************************************************
 *
 * Copyright (C) 2025, Relaybot Project
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you
 * may not use this file except in compliance with the License.  You may
 * obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 ***************************************************************/

package kvstore

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type redisStore struct {
	client *redis.Client
}

// NewRedis wraps an existing Redis client in the Store contract.
func NewRedis(client *redis.Client) Store {
	return &redisStore{client: client}
}

// NewRedisFromConfig connects to the Redis instance named by Redis.URL and
// verifies the connection with a bounded ping.
func NewRedisFromConfig(ctx context.Context) (Store, error) {
	url := viper.GetString("Redis.URL")
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid Redis.URL %q", url)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, viper.GetDuration("Redis.ConnectTimeout"))
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to redis")
	}
	log.Debugln("Connected to redis at", opts.Addr)
	return &redisStore{client: client}, nil
}

func (s *redisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	} else if err != nil {
		return "", false, errors.Wrapf(err, "failed to read key %s", key)
	}
	return val, true, nil
}

func (s *redisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return errors.Wrapf(err, "failed to write key %s", key)
	}
	return nil
}

func (s *redisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return errors.Wrapf(err, "failed to delete key %s", key)
	}
	return nil
}

func (s *redisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read TTL of key %s", key)
	}
	// go-redis reports -2 for a missing key and -1 for no expiry
	if ttl < 0 {
		if ttl == -1 {
			return NoExpiry, nil
		}
		return 0, nil
	}
	return ttl, nil
}

func (s *redisStore) Incr(ctx context.Context, key string, by int64) (int64, error) {
	val, err := s.client.IncrBy(ctx, key, by).Result()
	if err != nil {
		return 0, errors.Wrapf(err, "failed to increment key %s", key)
	}
	return val, nil
}

// DeletePattern removes every key matching the glob pattern, scanning in
// batches so large keyspaces do not block the server.
func (s *redisStore) DeletePattern(ctx context.Context, pattern string) (int64, error) {
	var deleted int64
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return deleted, errors.Wrapf(err, "failed to delete key %s", iter.Val())
		}
		deleted++
	}
	if err := iter.Err(); err != nil {
		return deleted, errors.Wrapf(err, "scan failed for pattern %s", pattern)
	}
	return deleted, nil
}
