package data

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"strategy-core/internal/market"
)

// Binance caps kline responses at 1000 rows per request.
const klineBatchLimit = 1000

// BinanceHistory fetches klines from the Binance spot REST API, paging
// through the per-request row limit. Requests are throttled to stay
// well inside the public weight limits.
type BinanceHistory struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *zap.Logger
}

// NewBinanceHistory builds a REST history client; testnet toggles the host.
func NewBinanceHistory(testnet bool, log *zap.Logger) *BinanceHistory {
	base := "https://api.binance.com"
	if testnet {
		base = "https://testnet.binance.vision"
	}
	return &BinanceHistory{
		baseURL:    base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Every(250*time.Millisecond), 2),
		log:        log,
	}
}

// GetHistory returns closed candles for [from, to] in ascending order,
// issuing as many paged requests as the range requires.
func (b *BinanceHistory) GetHistory(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]market.Candle, error) {
	step, err := market.TimeframeDuration(timeframe)
	if err != nil {
		return nil, err
	}

	var out []market.Candle
	cursor := from
	for !cursor.After(to) {
		if err := b.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		batch, err := b.fetch(ctx, symbol, timeframe, cursor, to)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		out = append(out, batch...)
		cursor = batch[len(batch)-1].Timestamp.Add(step)
		if len(batch) < klineBatchLimit {
			break
		}
	}

	b.log.Debug("history fetched",
		zap.String("symbol", symbol),
		zap.String("timeframe", timeframe),
		zap.Int("candles", len(out)))
	return out, nil
}

func (b *BinanceHistory) fetch(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]market.Candle, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", timeframe)
	params.Set("startTime", strconv.FormatInt(from.UnixMilli(), 10))
	params.Set("endTime", strconv.FormatInt(to.UnixMilli(), 10))
	params.Set("limit", strconv.Itoa(klineBatchLimit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/api/v3/klines?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	res, err := b.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return nil, fmt.Errorf("binance klines status %d: %s", res.StatusCode, string(body))
	}

	var rows [][]any
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("parse klines: %w", err)
	}

	candles := make([]market.Candle, 0, len(rows))
	for _, k := range rows {
		if len(k) < 6 {
			continue
		}
		openTime, ok := k[0].(float64)
		if !ok {
			continue
		}
		candles = append(candles, market.Candle{
			Symbol:    symbol,
			Timeframe: timeframe,
			Timestamp: time.UnixMilli(int64(openTime)).UTC(),
			Open:      parseField(k[1]),
			High:      parseField(k[2]),
			Low:       parseField(k[3]),
			Close:     parseField(k[4]),
			Volume:    parseField(k[5]),
		})
	}
	return candles, nil
}

func parseField(v any) float64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
