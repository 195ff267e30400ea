package indicator

import (
	"strconv"
	"strings"

	"strategy-core/internal/market"
)

// Rolling computes a small standard set of indicators from close
// prices. Names follow the "<kind>_<period>" convention, for example
// sma_20, ema_12 or rsi_14. Unrecognized names are skipped and values
// are omitted until the window fills.
type Rolling struct {
	specs  []spec
	window int
	closes []float64
	ema    map[string]float64
}

type spec struct {
	name   string
	kind   string
	period int
}

// NewRolling parses indicator names into computation specs.
func NewRolling(names []string) *Rolling {
	r := &Rolling{ema: make(map[string]float64)}
	for _, name := range names {
		parts := strings.SplitN(name, "_", 2)
		if len(parts) != 2 {
			continue
		}
		period, err := strconv.Atoi(parts[1])
		if err != nil || period <= 0 {
			continue
		}
		switch parts[0] {
		case "sma", "ema", "rsi":
			r.specs = append(r.specs, spec{name: name, kind: parts[0], period: period})
		default:
			continue
		}
		// RSI needs one extra sample for the first delta.
		if need := period + 1; need > r.window {
			r.window = need
		}
	}
	return r
}

// Update ingests a closed candle and returns the computed values.
func (r *Rolling) Update(c market.Candle) map[string]float64 {
	r.closes = append(r.closes, c.Close)
	if r.window > 0 && len(r.closes) > r.window {
		r.closes = r.closes[len(r.closes)-r.window:]
	}

	values := make(map[string]float64, len(r.specs))
	for _, s := range r.specs {
		switch s.kind {
		case "sma":
			if len(r.closes) >= s.period {
				values[s.name] = sma(r.closes, s.period)
			}
		case "ema":
			values[s.name] = r.updateEMA(s.name, s.period, c.Close)
		case "rsi":
			if len(r.closes) >= s.period+1 {
				values[s.name] = rsi(r.closes, s.period)
			}
		}
	}
	return values
}

func (r *Rolling) updateEMA(name string, period int, price float64) float64 {
	prev, ok := r.ema[name]
	if !ok {
		r.ema[name] = price
		return price
	}
	k := 2.0 / (float64(period) + 1.0)
	next := prev + k*(price-prev)
	r.ema[name] = next
	return next
}

// sma calculates the simple moving average for the last period values.
func sma(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	sum := 0.0
	for i := len(values) - period; i < len(values); i++ {
		sum += values[i]
	}
	return sum / float64(period)
}

// rsi computes a basic Relative Strength Index without smoothing.
func rsi(values []float64, period int) float64 {
	if period <= 0 || len(values) < period+1 {
		return 0
	}

	gain := 0.0
	loss := 0.0
	for i := len(values) - period; i < len(values); i++ {
		change := values[i] - values[i-1]
		if change > 0 {
			gain += change
		} else {
			loss -= change
		}
	}

	if loss == 0 {
		return 100
	}
	rs := gain / loss
	return 100 - (100 / (1 + rs))
}
