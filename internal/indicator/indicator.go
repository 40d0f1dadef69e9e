// Package indicator computes the technical indicators consumed by the
// trading engine: SMA, Wilder-smoothed ATR, and Williams %R.
//
// All indicators update incrementally, one bar at a time, carrying minimal
// rolling state. Feeding a bar series through the incremental updaters
// produces the same values as a batch computation with the same smoothing,
// which keeps backtest and live decisions identical.
package indicator

import (
	"math"

	"vesta/internal/domain"
)

// ---------------------------------------------------------------------------
// SMA
// ---------------------------------------------------------------------------

// SMA is an incremental simple moving average over a fixed period.
type SMA struct {
	period int
	window []float64
	next   int
	count  int
	sum    float64
}

// NewSMA creates an SMA with the given period.
func NewSMA(period int) *SMA {
	return &SMA{period: period, window: make([]float64, period)}
}

// Update consumes one value and returns the current average. The second
// return value is false until a full period of values has been seen.
func (s *SMA) Update(v float64) (float64, bool) {
	if s.count == s.period {
		s.sum -= s.window[s.next]
	} else {
		s.count++
	}
	s.window[s.next] = v
	s.sum += v
	s.next = (s.next + 1) % s.period

	if s.count < s.period {
		return 0, false
	}
	return s.sum / float64(s.period), true
}

// ---------------------------------------------------------------------------
// ATR (Wilder smoothing)
// ---------------------------------------------------------------------------

// ATR is an incremental Average True Range using Wilder's smoothing: the
// first value is the simple average of the first period true ranges, after
// which atr = (prev*(period-1) + tr) / period.
type ATR struct {
	period    int
	prevClose float64
	hasClose  bool
	count     int
	sumTR     float64
	value     float64
}

// NewATR creates an ATR with the given period.
func NewATR(period int) *ATR {
	return &ATR{period: period}
}

// Update consumes one bar's high/low/close and returns the current ATR. The
// second return value is false until period+1 bars have been seen (the
// first bar only seeds the previous close).
func (a *ATR) Update(high, low, close float64) (float64, bool) {
	if !a.hasClose {
		a.prevClose = close
		a.hasClose = true
		return 0, false
	}

	tr := high - low
	if d := math.Abs(high - a.prevClose); d > tr {
		tr = d
	}
	if d := math.Abs(low - a.prevClose); d > tr {
		tr = d
	}
	a.prevClose = close

	if a.count < a.period {
		a.count++
		a.sumTR += tr
		if a.count < a.period {
			return 0, false
		}
		a.value = a.sumTR / float64(a.period)
		return a.value, true
	}

	a.value = (a.value*float64(a.period-1) + tr) / float64(a.period)
	return a.value, true
}

// ---------------------------------------------------------------------------
// Williams %R
// ---------------------------------------------------------------------------

// WilliamsR is an incremental Williams %R oscillator over a fixed lookback,
// ranging from -100 (close at the lookback low) to 0 (close at the high).
type WilliamsR struct {
	period int
	highs  []float64
	lows   []float64
	next   int
	count  int
}

// NewWilliamsR creates a WilliamsR with the given lookback period.
func NewWilliamsR(period int) *WilliamsR {
	return &WilliamsR{
		period: period,
		highs:  make([]float64, period),
		lows:   make([]float64, period),
	}
}

// Update consumes one bar's high/low/close and returns the current %R. The
// second return value is false until a full lookback of bars has been seen.
func (w *WilliamsR) Update(high, low, close float64) (float64, bool) {
	w.highs[w.next] = high
	w.lows[w.next] = low
	w.next = (w.next + 1) % w.period
	if w.count < w.period {
		w.count++
	}
	if w.count < w.period {
		return 0, false
	}

	hh := w.highs[0]
	ll := w.lows[0]
	for i := 1; i < w.period; i++ {
		if w.highs[i] > hh {
			hh = w.highs[i]
		}
		if w.lows[i] < ll {
			ll = w.lows[i]
		}
	}
	if hh == ll {
		return 0, true
	}
	return (hh - close) / (hh - ll) * -100, true
}

// ---------------------------------------------------------------------------
// Annotator
// ---------------------------------------------------------------------------

// Default indicator periods, matching the strategy's research configuration.
const (
	DefaultSMAPeriod   = 200
	DefaultATRPeriod   = 14
	DefaultWillRPeriod = 10
)

// Annotator stamps bars with the indicator snapshot the engine consumes.
type Annotator struct {
	sma   *SMA
	atr   *ATR
	willr *WilliamsR
}

// NewAnnotator creates an Annotator with the given periods.
func NewAnnotator(smaPeriod, atrPeriod, willrPeriod int) *Annotator {
	return &Annotator{
		sma:   NewSMA(smaPeriod),
		atr:   NewATR(atrPeriod),
		willr: NewWilliamsR(willrPeriod),
	}
}

// NewDefaultAnnotator creates an Annotator with the default periods.
func NewDefaultAnnotator() *Annotator {
	return NewAnnotator(DefaultSMAPeriod, DefaultATRPeriod, DefaultWillRPeriod)
}

// Annotate updates all indicators with the bar and returns a copy with the
// indicator fields populated. Ready is true only once every indicator has
// left its warmup window.
func (a *Annotator) Annotate(bar domain.Bar) domain.Bar {
	sma, smaOK := a.sma.Update(bar.Close)
	atr, atrOK := a.atr.Update(bar.High, bar.Low, bar.Close)
	willr, willrOK := a.willr.Update(bar.High, bar.Low, bar.Close)

	bar.SMA200 = sma
	bar.ATR = atr
	bar.WillR = willr
	bar.Ready = smaOK && atrOK && willrOK
	return bar
}
