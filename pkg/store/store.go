/*
 *
 *  * Licensed to the Apache Software Foundation (ASF) under one or more
 *  * contributor license agreements.  See the NOTICE file distributed with
 *  * this work for additional information regarding copyright ownership.
 *  * The ASF licenses this file to You under the Apache License, Version 2.0
 *  * (the "License"); you may not use this file except in compliance with
 *  * the License.  You may obtain a copy of the License at
 *  *
 *  *     http://www.apache.org/licenses/LICENSE-2.0
 *  *
 *  * Unless required by applicable law or agreed to in writing, software
 *  * distributed under the License is distributed on an "AS IS" BASIS,
 *  * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *  * See the License for the specific language governing permissions and
 *  * limitations under the License.
 *
 */

// Package store is the key-value store the verifier and the volume driver
// talk to.
package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/IceFireDB/IceFireDB-RedisVolume/pkg/config"
)

// Store is the subset of redis the rest of the module needs.
type Store interface {
	Ping(ctx context.Context) error
	// Flush removes every key of the selected database.
	Flush(ctx context.Context) error
	// Get returns found == false when the key does not exist.
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Set(ctx context.Context, key, value string) error
	Del(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, pattern string) ([]string, error)
	Close() error
}

type RedisStore struct {
	c *redis.Client
}

var _ Store = (*RedisStore)(nil)

// New connects lazily; the first command dials.
func New(conf config.RedisS) *RedisStore {
	return &RedisStore{c: redis.NewClient(&redis.Options{
		Addr:         conf.Addr(),
		Password:     conf.Password,
		DB:           conf.DB,
		DialTimeout:  time.Duration(conf.DialTimeout) * time.Second,
		ReadTimeout:  time.Duration(conf.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(conf.WriteTimeout) * time.Second,
		PoolSize:     conf.PoolSize,
	})}
}

// NewFromClient wraps an existing client.
func NewFromClient(c *redis.Client) *RedisStore {
	return &RedisStore{c: c}
}

func (s *RedisStore) Client() *redis.Client {
	return s.c
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return errors.Wrapf(s.c.Ping(ctx).Err(), "ping %s", s.c.Options().Addr)
}

func (s *RedisStore) Flush(ctx context.Context) error {
	return errors.Wrapf(s.c.FlushDB(ctx).Err(), "flushdb %d", s.c.Options().DB)
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.c.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "get %s", key)
	}
	return v, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	return errors.Wrapf(s.c.Set(ctx, key, value, 0).Err(), "set %s", key)
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return errors.Wrap(s.c.Del(ctx, keys...).Err(), "del")
}

// Keys walks the keyspace with SCAN so large databases do not block the server.
func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.c.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrapf(err, "scan %s", pattern)
	}
	return keys, nil
}

func (s *RedisStore) Close() error {
	return s.c.Close()
}
