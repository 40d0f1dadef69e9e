package httpapi

import (
	"time"

	"vesta/internal/domain"
	"vesta/internal/engine"
)

// StatusResponse is the payload for GET /api/status.
type StatusResponse struct {
	Symbol   string           `json:"symbol"`
	State    engine.MetaState `json:"state"`
	Account  AccountView      `json:"account"`
	Position PositionView     `json:"position"`
	Now      time.Time        `json:"now"`
}

// AccountView is the JSON shape of an account snapshot.
type AccountView struct {
	Equity      float64 `json:"equity"`
	Cash        float64 `json:"cash"`
	BuyingPower float64 `json:"buying_power"`
}

// PositionView is the JSON shape of a position snapshot.
type PositionView struct {
	Symbol        string                `json:"symbol"`
	Status        domain.PositionStatus `json:"status"`
	Shares        int                   `json:"shares"`
	EntryPrice    float64               `json:"entry_price,omitempty"`
	EntryTime     *time.Time            `json:"entry_time,omitempty"`
	CurrentStop   float64               `json:"current_stop,omitempty"`
	HighWaterMark float64               `json:"high_water_mark,omitempty"`
}

// TradeView is the JSON shape of a completed round trip.
type TradeView struct {
	Symbol     string    `json:"symbol"`
	Qty        int       `json:"qty"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	EntryTime  time.Time `json:"entry_time"`
	ExitTime   time.Time `json:"exit_time"`
	PnL        float64   `json:"pnl"`
	Commission float64   `json:"commission"`
	ExitReason string    `json:"exit_reason"`
}

// OrderView is the JSON shape of one audit-trail order record.
type OrderView struct {
	ID             string    `json:"id,omitempty"`
	ClientOrderID  string    `json:"client_order_id"`
	GroupID        string    `json:"group_id"`
	Kind           string    `json:"kind"`
	Symbol         string    `json:"symbol"`
	Qty            int       `json:"qty"`
	FilledQty      int       `json:"filled_qty"`
	FilledAvgPrice float64   `json:"filled_avg_price,omitempty"`
	StopPrice      float64   `json:"stop_price,omitempty"`
	Status         string    `json:"status"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ControlRequest is the payload for POST /api/control.
type ControlRequest struct {
	Command string `json:"command"`
}

// ControlResponse acknowledges a control command with the resulting
// meta-state.
type ControlResponse struct {
	Command string           `json:"command"`
	State   engine.MetaState `json:"state"`
}

func accountView(a domain.AccountState) AccountView {
	return AccountView{
		Equity:      a.Equity,
		Cash:        a.Cash,
		BuyingPower: a.BuyingPower,
	}
}

func positionView(p domain.Position) PositionView {
	v := PositionView{
		Symbol: p.Symbol,
		Status: p.Status,
		Shares: p.Shares,
	}
	if p.Status == domain.PositionFlat {
		return v
	}
	v.EntryPrice = p.EntryPrice
	if !p.EntryTime.IsZero() {
		t := p.EntryTime
		v.EntryTime = &t
	}
	v.CurrentStop = p.CurrentStop
	v.HighWaterMark = p.HighWaterMark
	return v
}

func orderView(o domain.OrderState) OrderView {
	return OrderView{
		ID:             o.ID,
		ClientOrderID:  o.ClientOrderID,
		GroupID:        o.GroupID,
		Kind:           string(o.Kind),
		Symbol:         o.Symbol,
		Qty:            o.Qty,
		FilledQty:      o.FilledQty,
		FilledAvgPrice: o.FilledAvgPrice,
		StopPrice:      o.StopPrice,
		Status:         string(o.Status),
		UpdatedAt:      o.UpdatedAt,
	}
}

func tradeView(t domain.Trade) TradeView {
	return TradeView{
		Symbol:     t.Symbol,
		Qty:        t.Qty,
		EntryPrice: t.EntryPrice,
		ExitPrice:  t.ExitPrice,
		EntryTime:  t.EntryTime,
		ExitTime:   t.ExitTime,
		PnL:        t.PnL,
		Commission: t.Commission,
		ExitReason: string(t.ExitReason),
	}
}
