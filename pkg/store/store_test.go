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

package store

import (
	"context"
	"sort"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IceFireDB/IceFireDB-RedisVolume/pkg/config"
)

func newTestStore(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	ms := miniredis.RunT(t)
	port, err := strconv.Atoi(ms.Port())
	require.NoError(t, err)

	conf := config.Default().Redis
	conf.Host = ms.Host()
	conf.Port = port
	s := New(conf)
	t.Cleanup(func() { _ = s.Close() })
	return ms, s
}

func TestFlushedStoreIsEmpty(t *testing.T) {
	ms, s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, ms.Set("key1", "stale"))
	require.NoError(t, ms.Set("other", "stale"))
	require.NoError(t, s.Flush(ctx))

	for _, k := range []string{"key1", "other", "never-set"} {
		_, found, err := s.Get(ctx, k)
		require.NoError(t, err)
		assert.False(t, found, k)
	}
}

func TestFlushIdempotent(t *testing.T) {
	_, s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Flush(ctx))
	require.NoError(t, s.Flush(ctx))

	keys, err := s.Keys(ctx, "*")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestFlushOnlySelectedDB(t *testing.T) {
	ms, s := newTestStore(t)
	ctx := context.Background()

	ms.Select(1)
	require.NoError(t, ms.Set("kept", "1"))
	ms.Select(0)
	require.NoError(t, ms.Set("gone", "0"))

	require.NoError(t, s.Flush(ctx))
	assert.False(t, ms.DB(0).Exists("gone"))
	assert.True(t, ms.DB(1).Exists("kept"))
}

func TestSetGetDel(t *testing.T) {
	ms, s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "key1", "value1"))
	ms.CheckGet(t, "key1", "value1")

	v, found, err := s.Get(ctx, "key1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "value1", v)

	require.NoError(t, s.Del(ctx, "key1"))
	require.NoError(t, s.Del(ctx))
	_, found, err = s.Get(ctx, "key1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestEmptyValueIsFound(t *testing.T) {
	_, s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "empty", ""))
	v, found, err := s.Get(ctx, "empty")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "", v)
}

func TestKeys(t *testing.T) {
	_, s := newTestStore(t)
	ctx := context.Background()

	for _, k := range []string{"a/1", "a/2", "b"} {
		require.NoError(t, s.Set(ctx, k, k))
	}
	keys, err := s.Keys(ctx, "a/*")
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"a/1", "a/2"}, keys)
}

func TestUnreachable(t *testing.T) {
	ms, s := newTestStore(t)
	ms.Close()

	ctx := context.Background()
	assert.Error(t, s.Ping(ctx))
	assert.Error(t, s.Flush(ctx))
	_, _, err := s.Get(ctx, "key1")
	assert.Error(t, err)
}
