package market

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockSourceDeliversToMatchingSubscriber(t *testing.T) {
	src := NewMockSource()
	ch, stop, err := src.SubscribeCandles(context.Background(), "BTCUSDT", "1m")
	require.NoError(t, err)
	defer stop()

	want := Candle{Symbol: "BTCUSDT", Timeframe: "1m", Timestamp: time.Now(), Close: 101.5}
	src.Push(want)
	src.Push(Candle{Symbol: "ETHUSDT", Timeframe: "1m", Close: 999}) // different pair

	select {
	case got := <-ch:
		assert.Equal(t, "BTCUSDT", got.Symbol)
		assert.Equal(t, 101.5, got.Close)
	case <-time.After(time.Second):
		t.Fatal("candle not delivered")
	}

	select {
	case c := <-ch:
		t.Fatalf("unexpected candle for other pair: %+v", c)
	default:
	}
}

func TestMockSourceStopClosesChannel(t *testing.T) {
	src := NewMockSource()
	ch, stop, err := src.SubscribeCandles(context.Background(), "BTCUSDT", "5m")
	require.NoError(t, err)

	stop()
	stop() // idempotent

	_, open := <-ch
	assert.False(t, open, "channel should be closed after stop")

	// Push after stop must not panic or deliver.
	src.Push(Candle{Symbol: "BTCUSDT", Timeframe: "5m", Close: 1})
}

func TestParseKline(t *testing.T) {
	msg := []byte(`{"e":"kline","s":"BTCUSDT","k":{` +
		`"t":1700000000000,"s":"BTCUSDT","i":"1m",` +
		`"o":"42000.10","c":"42100.50","h":"42150.00","l":"41980.25","v":"12.5","x":true}}`)

	c, final, err := parseKline(msg)
	require.NoError(t, err)
	assert.True(t, final)
	assert.Equal(t, "BTCUSDT", c.Symbol)
	assert.Equal(t, "1m", c.Timeframe)
	assert.Equal(t, 42000.10, c.Open)
	assert.Equal(t, 42100.50, c.Close)
	assert.Equal(t, 42150.00, c.High)
	assert.Equal(t, 41980.25, c.Low)
	assert.Equal(t, 12.5, c.Volume)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), c.Timestamp)
}

func TestParseKlineOpenBarNotFinal(t *testing.T) {
	msg := []byte(`{"k":{"t":1700000000000,"s":"BTCUSDT","i":"1m","o":"1","c":"2","h":"2","l":"1","v":"3","x":false}}`)

	_, final, err := parseKline(msg)
	require.NoError(t, err)
	assert.False(t, final)
}

func TestTimeframeDuration(t *testing.T) {
	for tf, want := range map[string]time.Duration{
		"1m":  time.Minute,
		"15m": 15 * time.Minute,
		"4h":  4 * time.Hour,
		"1d":  24 * time.Hour,
		"1w":  7 * 24 * time.Hour,
	} {
		got, err := TimeframeDuration(tf)
		require.NoError(t, err, tf)
		assert.Equal(t, want, got, tf)
	}

	for _, tf := range []string{"", "m", "0m", "-5m", "10x", "fast"} {
		_, err := TimeframeDuration(tf)
		assert.Error(t, err, tf)
	}
}
