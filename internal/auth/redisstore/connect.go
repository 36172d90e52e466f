// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package redisstore

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

// ConnectConfig controls Connect.
type ConnectConfig struct {
	URL           string
	RetryAttempts uint64
	RetryInterval time.Duration
}

// Connect parses a redis:// or rediss:// URL, creates a client and pings it
// with exponential backoff until it answers or the attempts run out.
func Connect(ctx context.Context, cfg ConnectConfig) (*redis.Client, error) {
	if cfg.URL == "" {
		return nil, oops.Code("REDIS_CONFIG_INVALID").Errorf("redis url is required")
	}
	if !strings.HasPrefix(cfg.URL, "redis://") && !strings.HasPrefix(cfg.URL, "rediss://") {
		return nil, oops.Code("REDIS_CONFIG_INVALID").
			With("url_scheme", strings.SplitN(cfg.URL, ":", 2)[0]).
			Errorf("redis url must use redis:// or rediss://")
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, oops.Code("REDIS_CONFIG_INVALID").With("operation", "parse url").Wrap(err)
	}
	client := redis.NewClient(opts)

	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 250 * time.Millisecond
	}

	backoff := retry.WithMaxRetries(cfg.RetryAttempts-1, retry.NewExponential(cfg.RetryInterval))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := client.Ping(ctx).Err(); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		_ = client.Close()
		return nil, oops.Code("STORE_CONNECT_FAILED").
			With("operation", "ping redis").
			With("addr", opts.Addr).
			Wrap(err)
	}
	return client, nil
}

// Ping reports whether the server answers. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return storeError(err, "STORE_PING_FAILED", "ping redis")
	}
	return nil
}
