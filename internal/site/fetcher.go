package site

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// CachePolicy decides how the cloud and the cache are combined.
type CachePolicy string

const (
	// NoCache always asks the cloud and never stores.
	NoCache CachePolicy = "NO_CACHE"
	// FirstCache prefers the cache and falls back to the cloud.
	FirstCache CachePolicy = "FIRST_CACHE"
	// NeededCache prefers the cloud and falls back to the cache.
	NeededCache CachePolicy = "NEEDED_CACHE"
)

// ParsePolicy validates a policy name.
func ParsePolicy(s string) (CachePolicy, error) {
	switch p := CachePolicy(strings.ToUpper(strings.TrimSpace(s))); p {
	case NoCache, FirstCache, NeededCache:
		return p, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
}

// Source produces raw site documents, normally the cloud API.
type Source interface {
	FetchSiteJSON(ctx context.Context) ([]byte, error)
}

// MaxBackoff caps the delay between startup fetch attempts.
const MaxBackoff = 60 * time.Second

// Fetcher resolves the site using the configured policy.
type Fetcher struct {
	source Source
	cache  Cache // may be nil
	policy CachePolicy

	maxBackoff time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewFetcher creates a fetcher. A nil cache behaves like an empty one.
func NewFetcher(source Source, cache Cache, policy CachePolicy) *Fetcher {
	return &Fetcher{
		source:     source,
		cache:      cache,
		policy:     policy,
		maxBackoff: MaxBackoff,
		sleep:      sleepContext,
	}
}

// FetchSite makes one attempt to resolve the site.
func (f *Fetcher) FetchSite(ctx context.Context) (*Site, error) {
	switch f.policy {
	case NoCache:
		return f.fromAPI(ctx, false)
	case FirstCache:
		s, err := f.fromCache(ctx)
		if err == nil {
			return s, nil
		}
		slog.Info("[SITE] no usable cached site, asking Plejd cloud", "reason", err)
		return f.fromAPI(ctx, true)
	case NeededCache:
		s, err := f.fromAPI(ctx, true)
		if err == nil {
			return s, nil
		}
		slog.Warn("[SITE] Plejd cloud unavailable, using cached site", "error", err)
		cached, cerr := f.fromCache(ctx)
		if cerr != nil {
			return nil, errors.Join(err, cerr)
		}
		return cached, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, f.policy)
}

// FetchWithRetry repeats FetchSite with exponential backoff until it
// succeeds, ctx is done, or the credentials are rejected.
func (f *Fetcher) FetchWithRetry(ctx context.Context) (*Site, error) {
	for attempt := 0; ; attempt++ {
		s, err := f.FetchSite(ctx)
		if err == nil {
			return s, nil
		}
		if errors.Is(err, ErrIncorrectCredentials) || errors.Is(err, ErrUnknownPolicy) {
			return nil, err
		}
		delay := f.backoff(attempt)
		slog.Error("[SITE] failed to get site, retrying", "error", err, "retry", attempt+1, "delay", delay)
		if err := f.sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("site: giving up: %w", err)
		}
	}
}

func (f *Fetcher) backoff(attempt int) time.Duration {
	if attempt > 16 {
		return f.maxBackoff
	}
	d := time.Second << attempt
	if d > f.maxBackoff {
		return f.maxBackoff
	}
	return d
}

func (f *Fetcher) fromAPI(ctx context.Context, store bool) (*Site, error) {
	raw, err := f.source.FetchSiteJSON(ctx)
	if err != nil {
		return nil, err
	}
	s, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	if store && f.cache != nil {
		if err := f.cache.Store(ctx, raw); err != nil {
			slog.Warn("[SITE] failed to store site in cache", "error", err)
		}
	}
	return s, nil
}

func (f *Fetcher) fromCache(ctx context.Context) (*Site, error) {
	if f.cache == nil {
		return nil, ErrCacheMiss
	}
	raw, err := f.cache.Load(ctx)
	if err != nil {
		return nil, err
	}
	s, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("site: cached document: %w", err)
	}
	slog.Info("[SITE] loaded site from cache", "site", s.Name)
	return s, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
