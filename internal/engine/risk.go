package engine

import (
	"math"

	"vesta/internal/domain"
)

// Sizing is the result of one position-sizing computation. When Valid is
// false no trade should be placed and Reason states why.
type Sizing struct {
	Shares       int
	StopPrice    float64
	StopDistance float64
	Valid        bool
	Reason       string
}

// Sizer converts account equity and current volatility into a share
// quantity under fixed-fractional risk: dollar risk per trade is pinned at
// equity * risk_pct (optionally capped in absolute dollars), so as ATR rises
// the stop widens and the quantity shrinks.
type Sizer struct {
	params domain.RiskParams
}

// NewSizer creates a Sizer. Params must already be validated.
func NewSizer(params domain.RiskParams) *Sizer {
	return &Sizer{params: params}
}

// Size computes shares and the initial protective-stop price for an entry
// near entryPrice with the given ATR.
//
// shares = floor(riskAmount / stopDistance), clamped so notional never
// exceeds equity * max_leverage. Zero shares means the account cannot take
// the trade at this volatility.
func (s *Sizer) Size(equity, entryPrice, atr float64) Sizing {
	stopDistance := atr * s.params.ATRStopMultiplier
	if stopDistance <= 0 {
		return Sizing{Reason: "invalid stop distance"}
	}
	if entryPrice <= 0 {
		return Sizing{Reason: "invalid entry price"}
	}

	riskAmount := equity * s.params.RiskPct
	if s.params.MaxRiskDollars > 0 && riskAmount > s.params.MaxRiskDollars {
		riskAmount = s.params.MaxRiskDollars
	}

	shares := int(math.Floor(riskAmount / stopDistance))

	if maxNotional := equity * s.params.MaxLeverage; float64(shares)*entryPrice > maxNotional {
		shares = int(math.Floor(maxNotional / entryPrice))
	}

	if shares <= 0 {
		return Sizing{StopDistance: stopDistance, Reason: "sizing rounds to zero shares"}
	}

	return Sizing{
		Shares:       shares,
		StopPrice:    entryPrice - stopDistance,
		StopDistance: stopDistance,
		Valid:        true,
	}
}
