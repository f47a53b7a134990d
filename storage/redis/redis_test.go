//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package redis

import (
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestSetGetClientBuilder(t *testing.T) {
	old := GetClientBuilder()
	defer SetClientBuilder(old)

	invoked := false
	SetClientBuilder(func(opts ...ClientBuilderOpt) (redis.UniversalClient, error) {
		invoked = true
		return nil, nil
	})
	_, err := NewClient(WithClientBuilderURL("redis://localhost:6379"))
	require.NoError(t, err)
	require.True(t, invoked)
}

func TestDefaultClientBuilder_EmptyURL(t *testing.T) {
	_, err := DefaultClientBuilder()
	require.EqualError(t, err, "redis: url is empty")
}

func TestDefaultClientBuilder_InvalidURL(t *testing.T) {
	_, err := DefaultClientBuilder(WithClientBuilderURL("127.0.0.1:6379"))
	require.Error(t, err)
	require.True(t, strings.HasPrefix(err.Error(), "redis: parse url 127.0.0.1:6379:"))
}

func TestDefaultClientBuilder_Connects(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := DefaultClientBuilder(
		WithClientBuilderURL("redis://"+mr.Addr()+"/0"),
		WithDialTimeout(time.Second),
	)
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.Set(t.Context(), "k", "v", 0).Err())
	got, err := mr.Get("k")
	require.NoError(t, err)
	require.Equal(t, "v", got)
}

func TestRegisterAndGetRedisInstance(t *testing.T) {
	_, ok := GetRedisInstance("checkpoints-test")
	require.False(t, ok)
	_, err := NewInstanceClient("checkpoints-test")
	require.Error(t, err)

	mr := miniredis.RunT(t)
	RegisterRedisInstance("checkpoints-test", WithClientBuilderURL("redis://"+mr.Addr()))
	opts, ok := GetRedisInstance("checkpoints-test")
	require.True(t, ok)
	require.Len(t, opts, 1)

	client, err := NewInstanceClient("checkpoints-test")
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.Ping(t.Context()).Err())
}
