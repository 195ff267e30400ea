package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// BinanceSource streams closed klines from Binance public websockets.
// On read failure the candle channel closes; the supervisor restarts
// the owning worker, which resubscribes.
type BinanceSource struct {
	StreamURL string
	dialer    *websocket.Dialer
	log       *zap.Logger
}

// NewBinanceSource builds a websocket candle source; testnet toggles the host.
func NewBinanceSource(testnet bool, log *zap.Logger) *BinanceSource {
	host := "stream.binance.com:9443"
	if testnet {
		host = "testnet.binance.vision"
	}
	return &BinanceSource{
		StreamURL: (&url.URL{Scheme: "wss", Host: host, Path: "/ws"}).String(),
		dialer:    websocket.DefaultDialer,
		log:       log,
	}
}

// SubscribeCandles listens to the kline stream for symbol/timeframe and
// forwards only closed bars. It returns the channel and a stop function.
func (s *BinanceSource) SubscribeCandles(ctx context.Context, symbol, timeframe string) (<-chan Candle, func(), error) {
	// Binance requires lowercase symbols for websocket streams.
	stream := fmt.Sprintf("%s@kline_%s", strings.ToLower(symbol), timeframe)
	u := fmt.Sprintf("%s/%s", s.StreamURL, stream)

	conn, _, err := s.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dial binance ws: %w", err)
	}

	out := make(chan Candle, 100)
	var once sync.Once
	stop := func() {
		once.Do(func() {
			// Ignore errors; connection may already be closed.
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
			close(out)
		})
	}

	go func() {
		defer stop()
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			_, msg, err := conn.ReadMessage()
			if err != nil {
				// If connection already closed by caller/context, just exit quietly.
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
					strings.Contains(err.Error(), "use of closed network connection") {
					return
				}
				s.log.Warn("binance ws read failed",
					zap.String("symbol", symbol), zap.Error(err))
				return
			}

			candle, final, err := parseKline(msg)
			if err != nil {
				s.log.Warn("binance ws parse failed", zap.Error(err))
				continue
			}
			if !final {
				continue // only closed bars drive evaluation
			}
			out <- candle
		}
	}()

	return out, stop, nil
}

func parseKline(msg []byte) (Candle, bool, error) {
	var raw struct {
		Kline struct {
			StartTime int64  `json:"t"`
			Symbol    string `json:"s"`
			Interval  string `json:"i"`
			Open      string `json:"o"`
			Close     string `json:"c"`
			High      string `json:"h"`
			Low       string `json:"l"`
			Volume    string `json:"v"`
			Final     bool   `json:"x"`
		} `json:"k"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		return Candle{}, false, err
	}
	k := raw.Kline
	return Candle{
		Symbol:    k.Symbol,
		Timeframe: k.Interval,
		Timestamp: time.UnixMilli(k.StartTime).UTC(),
		Open:      parsePrice(k.Open),
		High:      parsePrice(k.High),
		Low:       parsePrice(k.Low),
		Close:     parsePrice(k.Close),
		Volume:    parsePrice(k.Volume),
	}, k.Final, nil
}

func parsePrice(v string) float64 {
	f, _ := strconv.ParseFloat(v, 64)
	return f
}
