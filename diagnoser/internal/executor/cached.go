package executor

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// cacheWriteTimeout bounds the write-back after a live lookup.
const cacheWriteTimeout = 500 * time.Millisecond

// ReputationCache stores reputation payloads per provider and subject.
type ReputationCache interface {
	GetReputation(ctx context.Context, provider, subject string) (json.RawMessage, bool, error)
	SetReputation(ctx context.Context, provider, subject string, payload json.RawMessage, ttl time.Duration) error
}

// CachedExecutor serves reputation lookups from a cache and falls back to the
// wrapped executor. Only successful lookups are stored. Cache errors never
// fail the probe.
type CachedExecutor struct {
	inner    ReputationExecutor
	cache    ReputationCache
	provider string
	ttl      time.Duration
	logger   *slog.Logger
}

// NewCachedExecutor wraps inner with cache under the given provider name.
func NewCachedExecutor(inner ReputationExecutor, cache ReputationCache, provider string, ttl time.Duration, logger *slog.Logger) *CachedExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedExecutor{
		inner:    inner,
		cache:    cache,
		provider: provider,
		ttl:      ttl,
		logger:   logger.With("component", "reputation_cache", "provider", provider),
	}
}

// Type returns the wrapped executor's type.
func (e *CachedExecutor) Type() string {
	return e.inner.Type()
}

// Kind returns the wrapped executor's kind.
func (e *CachedExecutor) Kind() Kind {
	return e.inner.Kind()
}

// Fields returns the wrapped executor's fields.
func (e *CachedExecutor) Fields() []string {
	return e.inner.Fields()
}

// Execute returns a cached payload for target.Subject when present, otherwise
// performs the live lookup and stores its result.
func (e *CachedExecutor) Execute(ctx context.Context, target Target) (json.RawMessage, error) {
	cached, ok, err := e.cache.GetReputation(ctx, e.provider, target.Subject)
	if err != nil {
		e.logger.Warn("cache read failed, using live lookup", "error", err)
	}
	if ok {
		payload, err := UnmarshalPayload[ReputationPayload](cached)
		if err == nil {
			payload.Cached = true
			return MarshalPayload(payload), nil
		}
		e.logger.Warn("discarding unreadable cache entry", "error", err)
	}

	live, err := e.inner.Execute(ctx, target)
	if err != nil {
		return nil, err
	}

	// Written in the background; the probe deadline does not cover the write.
	go func() {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cacheWriteTimeout)
		defer cancel()
		if err := e.cache.SetReputation(wctx, e.provider, target.Subject, live, e.ttl); err != nil {
			e.logger.Warn("cache write failed", "error", err)
		}
	}()
	return live, nil
}
