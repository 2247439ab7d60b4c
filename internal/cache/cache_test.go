/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuomoria/postbox/config"
)

type snapshot struct {
	Status string
	Count  int64
}

func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := NewCache(&config.Configuration{Redis: config.RedisConfig{Dns: mr.Addr()}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestSetAndGet(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "postbox:test", snapshot{Status: "sent", Count: 4}, time.Minute))
	assert.True(t, mr.Exists("postbox:test"))

	var got snapshot
	found, err := c.Get(ctx, "postbox:test", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, snapshot{Status: "sent", Count: 4}, got)
}

func TestGetMiss(t *testing.T) {
	c, _ := newTestCache(t)

	var got snapshot
	found, err := c.Get(context.Background(), "postbox:absent", &got)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Zero(t, got)
}

func TestDelete(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "postbox:gone", map[string]int64{"pending": 1}, time.Minute))
	require.NoError(t, c.Delete(ctx, "postbox:gone"))
	assert.False(t, mr.Exists("postbox:gone"))

	var got map[string]int64
	found, err := c.Get(ctx, "postbox:gone", &got)
	require.NoError(t, err)
	assert.False(t, found)

	assert.NoError(t, c.Delete(ctx, "postbox:never-set"))
}

func TestNewCacheUnreachable(t *testing.T) {
	_, err := NewCache(&config.Configuration{Redis: config.RedisConfig{Dns: "127.0.0.1:1"}})
	assert.Error(t, err)
}
