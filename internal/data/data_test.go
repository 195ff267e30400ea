package data

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"strategy-core/internal/market"
)

var seriesBase = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func bar(i int, symbol string) market.Candle {
	return market.Candle{
		Symbol:    symbol,
		Timeframe: "1m",
		Timestamp: seriesBase.Add(time.Duration(i) * time.Minute),
		Open:      100,
		High:      101,
		Low:       99,
		Close:     100 + float64(i),
		Volume:    10,
	}
}

func TestStaticProviderFiltersAndSorts(t *testing.T) {
	p := &StaticProvider{Candles: []market.Candle{
		bar(3, "BTCUSDT"),
		bar(1, "BTCUSDT"),
		bar(2, "ETHUSDT"),
		bar(2, "BTCUSDT"),
		bar(9, "BTCUSDT"),
	}}

	got, err := p.GetHistory(context.Background(), "BTCUSDT", "1m",
		seriesBase.Add(1*time.Minute), seriesBase.Add(3*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, 101.0, got[0].Close)
	assert.Equal(t, 102.0, got[1].Close)
	assert.Equal(t, 103.0, got[2].Close)
}

// klineServer serves a synthetic 1m series of n bars in the Binance
// klines response shape, honoring startTime/endTime/limit.
func klineServer(t *testing.T, n int, calls *int) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		*calls++
		mu.Unlock()

		q := r.URL.Query()
		start, _ := strconv.ParseInt(q.Get("startTime"), 10, 64)
		end, _ := strconv.ParseInt(q.Get("endTime"), 10, 64)
		limit, _ := strconv.Atoi(q.Get("limit"))
		require.Equal(t, "BTCUSDT", q.Get("symbol"))

		rows := make([][]any, 0, limit)
		for i := 0; i < n; i++ {
			ts := seriesBase.Add(time.Duration(i) * time.Minute).UnixMilli()
			if ts < start || ts > end {
				continue
			}
			rows = append(rows, []any{
				ts, "100", "101", "99", fmt.Sprintf("%g", 100+float64(i)), "10",
			})
			if len(rows) == limit {
				break
			}
		}
		_ = json.NewEncoder(w).Encode(rows)
	}))
}

func TestBinanceHistoryPaginates(t *testing.T) {
	var calls int
	srv := klineServer(t, klineBatchLimit+5, &calls)
	defer srv.Close()

	h := NewBinanceHistory(false, zap.NewNop())
	h.baseURL = srv.URL

	got, err := h.GetHistory(context.Background(), "BTCUSDT", "1m",
		seriesBase, seriesBase.Add(time.Duration(klineBatchLimit+4)*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	require.Len(t, got, klineBatchLimit+5)
	assert.Equal(t, seriesBase, got[0].Timestamp)
	assert.Equal(t, 100+float64(klineBatchLimit+4), got[len(got)-1].Close)
	for i := 1; i < len(got); i++ {
		assert.True(t, got[i].Timestamp.After(got[i-1].Timestamp))
	}
}

func TestBinanceHistoryEmptyRange(t *testing.T) {
	var calls int
	srv := klineServer(t, 10, &calls)
	defer srv.Close()

	h := NewBinanceHistory(false, zap.NewNop())
	h.baseURL = srv.URL

	got, err := h.GetHistory(context.Background(), "BTCUSDT", "1m",
		seriesBase.Add(2000*time.Minute), seriesBase.Add(3000*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, 1, calls)
}

func TestBinanceHistoryPropagatesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}))
	defer srv.Close()

	h := NewBinanceHistory(false, zap.NewNop())
	h.baseURL = srv.URL

	_, err := h.GetHistory(context.Background(), "NOPE", "1m", seriesBase, seriesBase.Add(time.Minute))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 418")
}

func TestBinanceHistoryRejectsBadTimeframe(t *testing.T) {
	h := NewBinanceHistory(false, zap.NewNop())
	_, err := h.GetHistory(context.Background(), "BTCUSDT", "lunar", seriesBase, seriesBase.Add(time.Minute))
	assert.Error(t, err)
}
