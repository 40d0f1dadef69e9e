// Package engine contains the bar-by-bar decision core: signal evaluation,
// risk sizing, the position state machine, order lifecycle management, and
// the runner that drives them. Every component below the runner is agnostic
// to whether bars come from a historical archive or a live feed.
package engine

import (
	"vesta/internal/domain"
)

// Signal is the outcome of evaluating one bar against the strategy rules.
type Signal int

const (
	SignalNone Signal = iota
	SignalEnter
	SignalExitTrend
)

func (s Signal) String() string {
	switch s {
	case SignalEnter:
		return "enter"
	case SignalExitTrend:
		return "exit_trend"
	default:
		return "none"
	}
}

// SignalEngine evaluates entry and trend-reversal exit conditions. All
// conditions are computed on the bar preceding the action bar, so a decision
// made while bar t is forming never depends on bar t itself.
//
// The entry rule is a pullback in an uptrend: close above the long SMA while
// Williams %R is deeply oversold. The exit rule fires when %R has recovered
// while price breaks below the lowest low of the preceding lookback window,
// i.e. momentum has turned but structure has failed.
type SignalEngine struct {
	entryThreshold    float64 // WillR at or below this arms an entry
	reversalThreshold float64 // WillR above this arms the reversal exit
	lookback          int     // structural-low window, in completed bars

	lows  []float64 // ring of the last lookback lows, oldest overwritten
	next  int
	count int
}

// NewSignalEngine creates a SignalEngine with the given thresholds
// (both in Williams %R units, [-100, 0]) and structural lookback.
func NewSignalEngine(entryThreshold, reversalThreshold float64, lookback int) *SignalEngine {
	if lookback < 1 {
		lookback = 1
	}
	return &SignalEngine{
		entryThreshold:    entryThreshold,
		reversalThreshold: reversalThreshold,
		lookback:          lookback,
		lows:              make([]float64, lookback),
	}
}

// Evaluate maps the completed prior bar and the current position status to a
// Signal. Deterministic and side-effect free: the structural-low window is
// advanced separately via Observe.
func (e *SignalEngine) Evaluate(prior domain.Bar, status domain.PositionStatus) Signal {
	if !prior.Ready {
		return SignalNone
	}

	switch status {
	case domain.PositionFlat:
		if prior.Close > prior.SMA200 && prior.WillR <= e.entryThreshold {
			return SignalEnter
		}
	case domain.PositionOpen:
		if prior.WillR > e.reversalThreshold && e.breaksStructure(prior.Close) {
			return SignalExitTrend
		}
	}
	return SignalNone
}

// breaksStructure reports whether price closed below the lowest low of the
// observed window. With an unfilled window there is no structure to break.
func (e *SignalEngine) breaksStructure(close float64) bool {
	if e.count < e.lookback {
		return false
	}
	lowest := e.lows[0]
	for _, l := range e.lows[1:] {
		if l < lowest {
			lowest = l
		}
	}
	return close < lowest
}

// Observe pushes a completed bar's low into the structural window. The
// runner calls this after Evaluate so the window never includes the bar
// being evaluated.
func (e *SignalEngine) Observe(bar domain.Bar) {
	e.lows[e.next] = bar.Low
	e.next = (e.next + 1) % e.lookback
	if e.count < e.lookback {
		e.count++
	}
}
