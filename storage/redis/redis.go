//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package redis builds the go-redis clients used by the Redis checkpoint
// backend and keeps a registry of named instances.
package redis

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ClientBuilder creates a client from builder options.
type ClientBuilder func(opts ...ClientBuilderOpt) (redis.UniversalClient, error)

var (
	mu            sync.RWMutex
	registry      = map[string][]ClientBuilderOpt{}
	globalBuilder ClientBuilder = DefaultClientBuilder
)

// SetClientBuilder replaces the builder used by NewClient, e.g. with one
// that returns a test server client.
func SetClientBuilder(builder ClientBuilder) {
	mu.Lock()
	globalBuilder = builder
	mu.Unlock()
}

// GetClientBuilder returns the current builder.
func GetClientBuilder() ClientBuilder {
	mu.RLock()
	defer mu.RUnlock()
	return globalBuilder
}

// ClientBuilderOpts are the options of a client.
type ClientBuilderOpts struct {
	URL         string
	DialTimeout time.Duration
}

// ClientBuilderOpt is the option for the redis client.
type ClientBuilderOpt func(*ClientBuilderOpts)

// WithClientBuilderURL sets the client URL, in the form
// redis://<user>:<password>@<host>:<port>/<db>?<options>.
func WithClientBuilderURL(url string) ClientBuilderOpt {
	return func(opts *ClientBuilderOpts) {
		opts.URL = url
	}
}

// WithDialTimeout overrides the dial timeout of the URL.
func WithDialTimeout(d time.Duration) ClientBuilderOpt {
	return func(opts *ClientBuilderOpts) {
		opts.DialTimeout = d
	}
}

// DefaultClientBuilder parses the URL and creates a universal client. It
// does not connect.
func DefaultClientBuilder(builderOpts ...ClientBuilderOpt) (redis.UniversalClient, error) {
	o := &ClientBuilderOpts{}
	for _, opt := range builderOpts {
		opt(o)
	}
	if o.URL == "" {
		return nil, errors.New("redis: url is empty")
	}
	opts, err := redis.ParseURL(o.URL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url %s: %w", o.URL, err)
	}
	if o.DialTimeout > 0 {
		opts.DialTimeout = o.DialTimeout
	}
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:           []string{opts.Addr},
		DB:              opts.DB,
		Username:        opts.Username,
		Password:        opts.Password,
		Protocol:        opts.Protocol,
		ClientName:      opts.ClientName,
		TLSConfig:       opts.TLSConfig,
		MaxRetries:      opts.MaxRetries,
		DialTimeout:     opts.DialTimeout,
		ReadTimeout:     opts.ReadTimeout,
		WriteTimeout:    opts.WriteTimeout,
		PoolSize:        opts.PoolSize,
		MinIdleConns:    opts.MinIdleConns,
		ConnMaxIdleTime: opts.ConnMaxIdleTime,
	}), nil
}

// NewClient builds a client with the current builder.
func NewClient(opts ...ClientBuilderOpt) (redis.UniversalClient, error) {
	return GetClientBuilder()(opts...)
}

// RegisterRedisInstance registers options under name.
func RegisterRedisInstance(name string, opts ...ClientBuilderOpt) {
	mu.Lock()
	registry[name] = append(registry[name], opts...)
	mu.Unlock()
}

// GetRedisInstance returns the options registered under name.
func GetRedisInstance(name string) ([]ClientBuilderOpt, bool) {
	mu.RLock()
	defer mu.RUnlock()
	opts, ok := registry[name]
	return opts, ok
}

// NewInstanceClient builds a client for a registered instance.
func NewInstanceClient(name string) (redis.UniversalClient, error) {
	opts, ok := GetRedisInstance(name)
	if !ok {
		return nil, fmt.Errorf("redis instance %s not found", name)
	}
	return NewClient(opts...)
}
