package fx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type countingProvider struct {
	calls int32
	rate  Rate
	err   error
}

func (p *countingProvider) RateForToday(ctx context.Context) (Rate, error) {
	atomic.AddInt32(&p.calls, 1)
	if p.err != nil {
		return Rate{}, p.err
	}
	return p.rate, nil
}

func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestCachedProviderServesFromCache(t *testing.T) {
	upstream := &countingProvider{rate: Rate{
		Buy:  decimal.RequireFromString("3.70"),
		Sell: decimal.RequireFromString("3.75"),
	}}
	p := NewCachedProvider(upstream, testRedis(t), time.Hour)
	ctx := context.Background()

	first, err := p.RateForToday(ctx)
	require.NoError(t, err)
	require.True(t, first.Buy.Equal(decimal.RequireFromString("3.70")))

	second, err := p.RateForToday(ctx)
	require.NoError(t, err)
	require.True(t, second.Sell.Equal(decimal.RequireFromString("3.75")))
	require.Equal(t, int32(1), atomic.LoadInt32(&upstream.calls))
}

func TestCachedProviderUpstreamFailure(t *testing.T) {
	upstream := &countingProvider{err: ErrUnavailable}
	p := NewCachedProvider(upstream, testRedis(t), time.Hour)

	_, err := p.RateForToday(context.Background())
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestCachedProviderWorksWithoutRedis(t *testing.T) {
	upstream := &countingProvider{rate: Rate{
		Buy:  decimal.RequireFromString("3.70"),
		Sell: decimal.RequireFromString("3.75"),
	}}
	p := NewCachedProvider(upstream, nil, time.Hour)

	rate, err := p.RateForToday(context.Background())
	require.NoError(t, err)
	require.True(t, rate.Buy.Equal(decimal.RequireFromString("3.70")))
}

func TestHTTPProviderDecodesRate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"buy":"3.70","sell":"3.75"}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL)
	rate, err := p.RateForToday(context.Background())
	require.NoError(t, err)
	require.True(t, rate.Buy.Equal(decimal.RequireFromString("3.70")))
	require.True(t, rate.Sell.Equal(decimal.RequireFromString("3.75")))
}

func TestHTTPProviderMapsFailuresToUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL)
	_, err := p.RateForToday(context.Background())
	require.ErrorIs(t, err, ErrUnavailable)

	p = NewHTTPProvider("")
	_, err = p.RateForToday(context.Background())
	require.ErrorIs(t, err, ErrUnavailable)
}
