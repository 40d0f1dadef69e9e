package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"vesta/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*AlpacaBroker)(nil)

// AlpacaBroker implements Broker against the Alpaca trading API. Brackets
// are submitted as OTO (one-triggers-other) orders so the protective stop
// exists at the broker the moment the entry is live. Acknowledgements
// arrive asynchronously over the trade-updates stream and are forwarded on
// the Updates channel.
type AlpacaBroker struct {
	client *alpaca.Client
	log    *slog.Logger

	updates chan OrderUpdate

	mu sync.Mutex
	// cidToBrokerID maps our client order IDs onto broker-assigned IDs.
	cidToBrokerID map[string]string
	// legToCID maps broker-assigned stop-leg IDs back onto our client order
	// IDs: OTO child legs cannot carry a client-assigned ID.
	legToCID map[string]string
}

// NewAlpacaBroker creates an AlpacaBroker configured with the given
// credentials and API endpoint.
func NewAlpacaBroker(apiKey, apiSecret, baseURL string) *AlpacaBroker {
	return &AlpacaBroker{
		client: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
		log:           slog.Default().With("broker", "alpaca"),
		updates:       make(chan OrderUpdate, 256),
		cidToBrokerID: make(map[string]string),
		legToCID:      make(map[string]string),
	}
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string { return "alpaca" }

// Listen consumes the trade-updates stream until ctx is cancelled,
// reconnecting with bounded backoff on stream errors. It blocks and is
// normally run in its own goroutine.
func (b *AlpacaBroker) Listen(ctx context.Context) error {
	for {
		err := b.client.StreamTradeUpdates(ctx, b.handleTradeUpdate, alpaca.StreamTradeUpdatesRequest{})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.log.Warn("trade update stream interrupted", "err", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func (b *AlpacaBroker) handleTradeUpdate(tu alpaca.TradeUpdate) {
	cid := b.resolveCID(tu.Order)
	if cid == "" {
		return // not one of ours
	}

	u := OrderUpdate{
		ClientOrderID: cid,
		OrderID:       tu.Order.ID,
		FilledQty:     int(tu.Order.FilledQty.IntPart()),
		At:            time.Now(),
	}
	if tu.Order.FilledAvgPrice != nil {
		u.FillPrice = tu.Order.FilledAvgPrice.InexactFloat64()
	}

	switch tu.Event {
	case "new", "accepted", "pending_new":
		u.Type = UpdateAccepted
	case "fill":
		u.Type = UpdateFill
	case "partial_fill":
		u.Type = UpdatePartialFill
	case "canceled":
		u.Type = UpdateCancelled
	case "rejected":
		u.Type = UpdateRejected
	case "replaced":
		u.Type = UpdateReplaced
	default:
		return
	}

	select {
	case b.updates <- u:
	default:
		b.log.Error("dropping order update, buffer full", "cid", cid, "event", tu.Event)
	}
}

// resolveCID maps a broker order onto our client order ID, registering the
// broker ID as a side effect.
func (b *AlpacaBroker) resolveCID(o alpaca.Order) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cid, ok := b.legToCID[o.ID]; ok {
		return cid
	}
	if o.ClientOrderID != "" {
		if _, known := b.cidToBrokerID[o.ClientOrderID]; known {
			b.cidToBrokerID[o.ClientOrderID] = o.ID
			return o.ClientOrderID
		}
	}
	return ""
}

// SubmitBracket places an OTO order: market entry with an attached
// protective-stop leg. The broker assigns the stop leg's ID; it is mapped
// back onto the stop intent's client order ID for update routing.
func (b *AlpacaBroker) SubmitBracket(_ context.Context, entry, stop domain.OrderIntent) error {
	// Re-submission guard: if the broker already knows this client order ID,
	// do not place it again.
	if existing, err := b.client.GetOrderByClientOrderID(entry.ClientOrderID); err == nil && existing != nil {
		b.log.Info("bracket already submitted", "cid", entry.ClientOrderID)
		b.registerOrder(entry.ClientOrderID, stop.ClientOrderID, existing)
		return nil
	}

	qty := decimal.NewFromInt(int64(entry.Qty))
	stopPrice := decimal.NewFromFloat(stop.StopPrice)

	b.mu.Lock()
	b.cidToBrokerID[entry.ClientOrderID] = ""
	b.cidToBrokerID[stop.ClientOrderID] = ""
	b.mu.Unlock()

	order, err := b.client.PlaceOrder(alpaca.PlaceOrderRequest{
		Symbol:        entry.Symbol,
		Qty:           &qty,
		Side:          alpaca.Buy,
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: entry.ClientOrderID,
		OrderClass:    alpaca.OTO,
		StopLoss:      &alpaca.StopLoss{StopPrice: &stopPrice},
	})
	if err != nil {
		return fmt.Errorf("placing bracket: %w", err)
	}

	b.registerOrder(entry.ClientOrderID, stop.ClientOrderID, order)
	return nil
}

// registerOrder records broker IDs for the entry and its stop leg.
func (b *AlpacaBroker) registerOrder(entryCID, stopCID string, order *alpaca.Order) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cidToBrokerID[entryCID] = order.ID
	for i := range order.Legs {
		b.legToCID[order.Legs[i].ID] = stopCID
		b.cidToBrokerID[stopCID] = order.Legs[i].ID
	}
}

// SubmitFlatten places a market sell for the given quantity.
func (b *AlpacaBroker) SubmitFlatten(_ context.Context, intent domain.OrderIntent) error {
	if existing, err := b.client.GetOrderByClientOrderID(intent.ClientOrderID); err == nil && existing != nil {
		b.registerSimple(intent.ClientOrderID, existing.ID)
		return nil
	}

	qty := decimal.NewFromInt(int64(intent.Qty))

	b.mu.Lock()
	b.cidToBrokerID[intent.ClientOrderID] = ""
	b.mu.Unlock()

	order, err := b.client.PlaceOrder(alpaca.PlaceOrderRequest{
		Symbol:        intent.Symbol,
		Qty:           &qty,
		Side:          alpaca.Sell,
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: intent.ClientOrderID,
	})
	if err != nil {
		return fmt.Errorf("placing flatten: %w", err)
	}
	b.registerSimple(intent.ClientOrderID, order.ID)
	return nil
}

func (b *AlpacaBroker) registerSimple(cid, brokerID string) {
	b.mu.Lock()
	b.cidToBrokerID[cid] = brokerID
	b.mu.Unlock()
}

// CancelOrder cancels by client order ID.
func (b *AlpacaBroker) CancelOrder(_ context.Context, clientOrderID string) error {
	brokerID, err := b.brokerID(clientOrderID)
	if err != nil {
		return err
	}
	if err := b.client.CancelOrder(brokerID); err != nil {
		return fmt.Errorf("cancelling %s: %w", clientOrderID, err)
	}
	return nil
}

// ReplaceStop cancel-and-replaces the stop leg with a new stop price. The
// replacement carries the new intent's client order ID.
func (b *AlpacaBroker) ReplaceStop(_ context.Context, oldClientOrderID string, intent domain.OrderIntent) error {
	brokerID, err := b.brokerID(oldClientOrderID)
	if err != nil {
		return err
	}

	stopPrice := decimal.NewFromFloat(intent.StopPrice)
	order, err := b.client.ReplaceOrder(brokerID, alpaca.ReplaceOrderRequest{
		StopPrice:     &stopPrice,
		ClientOrderID: intent.ClientOrderID,
	})
	if err != nil {
		return fmt.Errorf("replacing stop %s: %w", oldClientOrderID, err)
	}
	b.registerSimple(intent.ClientOrderID, order.ID)
	return nil
}

func (b *AlpacaBroker) brokerID(cid string) (string, error) {
	b.mu.Lock()
	id := b.cidToBrokerID[cid]
	b.mu.Unlock()
	if id != "" {
		return id, nil
	}

	order, err := b.client.GetOrderByClientOrderID(cid)
	if err != nil {
		return "", fmt.Errorf("looking up %s: %w", cid, err)
	}
	b.registerSimple(cid, order.ID)
	return order.ID, nil
}

// FindOrder queries broker-side order state by client order ID.
func (b *AlpacaBroker) FindOrder(_ context.Context, clientOrderID string) (*domain.OrderState, error) {
	order, err := b.client.GetOrderByClientOrderID(clientOrderID)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	state := toOrderState(order)
	state.ClientOrderID = clientOrderID
	return state, nil
}

// OpenOrders returns all open orders at the broker.
func (b *AlpacaBroker) OpenOrders(_ context.Context) ([]domain.OrderState, error) {
	orders, err := b.client.GetOrders(alpaca.GetOrdersRequest{
		Status: "open",
		Nested: true,
	})
	if err != nil {
		return nil, err
	}
	states := make([]domain.OrderState, 0, len(orders))
	for i := range orders {
		states = append(states, *toOrderState(&orders[i]))
	}
	return states, nil
}

// OpenPosition returns broker-reported shares and average entry price for
// the symbol. A missing position means flat.
func (b *AlpacaBroker) OpenPosition(_ context.Context, symbol string) (int, float64, error) {
	pos, err := b.client.GetPosition(symbol)
	if err != nil {
		if isNotFound(err) {
			return 0, 0, nil
		}
		return 0, 0, err
	}
	return int(pos.Qty.IntPart()), pos.AvgEntryPrice.InexactFloat64(), nil
}

// Account returns the live account snapshot.
func (b *AlpacaBroker) Account(_ context.Context) (domain.AccountState, error) {
	acct, err := b.client.GetAccount()
	if err != nil {
		return domain.AccountState{}, err
	}
	return domain.AccountState{
		Equity:      acct.Equity.InexactFloat64(),
		Cash:        acct.Cash.InexactFloat64(),
		BuyingPower: acct.BuyingPower.InexactFloat64(),
	}, nil
}

// Updates returns the acknowledgement event stream.
func (b *AlpacaBroker) Updates() <-chan OrderUpdate {
	return b.updates
}

func isNotFound(err error) bool {
	if apiErr, ok := err.(*alpaca.APIError); ok {
		return apiErr.StatusCode == 404
	}
	return strings.Contains(err.Error(), "not found") ||
		strings.Contains(err.Error(), "does not exist")
}

func toOrderState(o *alpaca.Order) *domain.OrderState {
	s := &domain.OrderState{
		ID:            o.ID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		FilledQty:     int(o.FilledQty.IntPart()),
		UpdatedAt:     o.UpdatedAt,
	}
	if o.Qty != nil {
		s.Qty = int(o.Qty.IntPart())
	}
	if o.FilledAvgPrice != nil {
		s.FilledAvgPrice = o.FilledAvgPrice.InexactFloat64()
	}
	if o.StopPrice != nil {
		s.StopPrice = o.StopPrice.InexactFloat64()
	}

	switch o.Status {
	case "new", "accepted", "pending_new":
		s.Status = domain.OrderStatusAccepted
	case "filled":
		s.Status = domain.OrderStatusFilled
	case "partially_filled":
		s.Status = domain.OrderStatusPartiallyFilled
	case "canceled", "pending_cancel":
		s.Status = domain.OrderStatusCancelled
	case "rejected":
		s.Status = domain.OrderStatusRejected
	case "replaced":
		s.Status = domain.OrderStatusReplaced
	default:
		s.Status = domain.OrderStatusUnknown
	}
	return s
}
