package market

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Candle is one closed OHLCV bar for a symbol and timeframe.
type Candle struct {
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Source delivers closed candles for one symbol/timeframe pair.
// Each strategy worker holds its own subscription; the stop function
// releases it and closes the channel.
type Source interface {
	SubscribeCandles(ctx context.Context, symbol, timeframe string) (<-chan Candle, func(), error)
}

// TimeframeDuration converts an exchange-style timeframe ("1m", "4h",
// "1d") to the duration of one bar.
func TimeframeDuration(tf string) (time.Duration, error) {
	if len(tf) < 2 {
		return 0, fmt.Errorf("bad timeframe %q", tf)
	}
	n, err := strconv.Atoi(tf[:len(tf)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("bad timeframe %q", tf)
	}
	switch tf[len(tf)-1] {
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("bad timeframe %q", tf)
}
