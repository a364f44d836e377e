package fx

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const cacheKey = "fx:rate:today"

// CachedProvider decorates a RateProvider with a redis cache and collapses
// concurrent upstream lookups into one flight.
type CachedProvider struct {
	upstream RateProvider
	redis    *redis.Client
	ttl      time.Duration
	group    singleflight.Group
}

// NewCachedProvider wraps upstream.
func NewCachedProvider(upstream RateProvider, client *redis.Client, ttl time.Duration) *CachedProvider {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &CachedProvider{upstream: upstream, redis: client, ttl: ttl}
}

type cachedRate struct {
	Buy  string `json:"buy"`
	Sell string `json:"sell"`
}

// RateForToday serves from cache when fresh, otherwise asks upstream once
// regardless of how many callers arrive together.
func (p *CachedProvider) RateForToday(ctx context.Context) (Rate, error) {
	if p.redis != nil {
		if raw, err := p.redis.Get(ctx, cacheKey).Bytes(); err == nil {
			var cached cachedRate
			if err := json.Unmarshal(raw, &cached); err == nil {
				if rate, err := cached.toRate(); err == nil {
					return rate, nil
				}
			}
		}
	}

	resultChan := p.group.DoChan(cacheKey, func() (interface{}, error) {
		rate, err := p.upstream.RateForToday(ctx)
		if err != nil {
			return Rate{}, err
		}
		if p.redis != nil {
			raw, err := json.Marshal(cachedRate{Buy: rate.Buy.String(), Sell: rate.Sell.String()})
			if err == nil {
				_ = p.redis.Set(ctx, cacheKey, raw, p.ttl).Err()
			}
		}
		return rate, nil
	})
	select {
	case <-ctx.Done():
		return Rate{}, ctx.Err()
	case res := <-resultChan:
		if res.Err != nil {
			return Rate{}, res.Err
		}
		rate, ok := res.Val.(Rate)
		if !ok {
			return Rate{}, errors.New("fx: unexpected flight result")
		}
		return rate, nil
	}
}

func (c cachedRate) toRate() (Rate, error) {
	var rate Rate
	var err error
	if rate.Buy, err = parseAmount(c.Buy); err != nil {
		return Rate{}, err
	}
	if rate.Sell, err = parseAmount(c.Sell); err != nil {
		return Rate{}, err
	}
	return rate, nil
}
