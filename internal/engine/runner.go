package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"vesta/internal/broker"
	"vesta/internal/domain"
	"vesta/internal/store"
	"vesta/internal/util"
)

// barAdvancer is implemented by the simulator broker, which needs to see
// each bar before the pipeline step so pending entries fill at its open.
type barAdvancer interface {
	OnBar(domain.Bar)
}

// BarSource supplies the live bar stream. Start returns a channel that
// closes on feed failure; the runner then reconnects with backoff and
// reconciles before resuming.
type BarSource interface {
	Start(ctx context.Context) (<-chan domain.Bar, error)
}

// RunnerConfig wires a Runner. Stores and the sink may be nil.
type RunnerConfig struct {
	Symbol             string
	Risk               domain.RiskParams
	EntryThreshold     float64
	ReversalThreshold  float64
	StructureLookback  int
	CommissionPerShare float64
	AckTimeout         time.Duration
	PartialFillWait    time.Duration

	Broker    broker.Broker
	Trades    store.TradeStore
	Orders    store.OrderStore
	Positions store.PositionStore
	Sink      EventSink
}

// Runner drives bars through the decision pipeline: signal evaluation, risk
// sizing, the position state machine, and the order lifecycle manager. One
// pipeline invocation runs per completed bar; in live mode a single
// goroutine also absorbs broker acknowledgements, operator commands, and
// timeout ticks between bars, so no two invocations ever race on position
// state.
type Runner struct {
	log  *slog.Logger
	cfg  RunnerConfig
	sink EventSink

	signals *SignalEngine
	sizer   *Sizer
	psm     *PositionStateMachine
	olm     *OrderLifecycleManager

	meta     MetaState
	account  domain.AccountState
	prior    domain.Bar
	hasPrior bool

	closedTrades []domain.Trade

	// mu guards meta, account, and posSnap for readers outside the loop
	// goroutine (the control API polls them while the loop runs). The loop
	// itself writes them under the lock and reads them freely.
	mu      sync.RWMutex
	posSnap domain.Position

	cmds chan commandRequest
}

type commandRequest struct {
	cmd  Command
	resp chan commandResult
}

type commandResult struct {
	state MetaState
	err   error
}

// NewRunner constructs a Runner. Risk parameters are validated here:
// invalid parameters refuse to start rather than trade wrong.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Symbol == "" {
		return nil, errors.New("runner: symbol required")
	}
	if cfg.Broker == nil {
		return nil, errors.New("runner: broker required")
	}
	if err := cfg.Risk.Validate(); err != nil {
		return nil, fmt.Errorf("runner: %w", err)
	}
	sink := cfg.Sink
	if sink == nil {
		sink = NopSink{}
	}
	r := &Runner{
		log:     slog.Default().With("component", "runner", "symbol", cfg.Symbol),
		cfg:     cfg,
		sink:    sink,
		signals: NewSignalEngine(cfg.EntryThreshold, cfg.ReversalThreshold, cfg.StructureLookback),
		sizer:   NewSizer(cfg.Risk),
		psm:     NewPositionStateMachine(cfg.Symbol, cfg.Risk.ATRTrailMultiplier),
		olm: NewOrderLifecycleManager(cfg.Broker, cfg.Orders, cfg.Symbol,
			cfg.AckTimeout, cfg.PartialFillWait),
		meta: MetaRunning,
		cmds: make(chan commandRequest),
	}
	r.posSnap = r.psm.Position()
	return r, nil
}

// Meta returns the runner's operational state.
func (r *Runner) Meta() MetaState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.meta
}

// Position returns a copy of the tracked position.
func (r *Runner) Position() domain.Position {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.posSnap
}

// Account returns the last account snapshot.
func (r *Runner) Account() domain.AccountState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.account
}

func (r *Runner) setMeta(m MetaState) {
	r.mu.Lock()
	r.meta = m
	r.mu.Unlock()
}

func (r *Runner) setAccount(a domain.AccountState) {
	r.mu.Lock()
	r.account = a
	r.mu.Unlock()
}

func (r *Runner) snapshotPosition() {
	pos := r.psm.Position()
	r.mu.Lock()
	r.posSnap = pos
	r.mu.Unlock()
}

// Trades returns the round trips closed during this run.
func (r *Runner) Trades() []domain.Trade { return r.closedTrades }

// ---------------------------------------------------------------------------
// Backtest mode
// ---------------------------------------------------------------------------

// BacktestResult summarizes one backtest run.
type BacktestResult struct {
	Symbol        string
	Bars          int
	Trades        []domain.Trade
	InitialEquity float64
	FinalEquity   float64
	NetPnL        float64
	Wins          int
	Losses        int
}

// Backtest replays the bar sequence strictly in order, one pipeline
// invocation per bar. Fully deterministic and single-threaded; restartable
// only from the beginning of the series, since indicator and trailing-stop
// state are path-dependent.
func (r *Runner) Backtest(ctx context.Context, bars []domain.Bar) (*BacktestResult, error) {
	initial, err := r.cfg.Broker.Account(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading account: %w", err)
	}
	r.setAccount(initial)

	for i := range bars {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := r.processBar(ctx, bars[i], bars[i].Timestamp); err != nil {
			return nil, fmt.Errorf("bar %s: %w", bars[i].Timestamp, err)
		}
	}

	final, err := r.cfg.Broker.Account(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading final account: %w", err)
	}

	res := &BacktestResult{
		Symbol:        r.cfg.Symbol,
		Bars:          len(bars),
		Trades:        r.closedTrades,
		InitialEquity: initial.Equity,
		FinalEquity:   final.Equity,
		NetPnL:        final.Equity - initial.Equity,
	}
	for _, t := range r.closedTrades {
		if t.PnL >= 0 {
			res.Wins++
		} else {
			res.Losses++
		}
	}
	return res, nil
}

// ---------------------------------------------------------------------------
// Live mode
// ---------------------------------------------------------------------------

// Live consumes bars from the source until ctx is cancelled or a stop
// command arrives. On feed failure it suspends submissions, reconnects with
// bounded backoff, reconciles against broker truth, and resumes.
func (r *Runner) Live(ctx context.Context, source BarSource) error {
	if err := r.Reconcile(ctx, time.Now()); err != nil {
		return fmt.Errorf("startup reconcile: %w", err)
	}
	if acct, err := r.cfg.Broker.Account(ctx); err == nil {
		r.setAccount(acct)
		r.publishAccount(time.Now())
	}

	bars, err := source.Start(ctx)
	if err != nil {
		return fmt.Errorf("starting feed: %w", err)
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case req := <-r.cmds:
			r.handleCommand(ctx, req)
			if r.meta == MetaStopped {
				return nil
			}

		case u, ok := <-r.cfg.Broker.Updates():
			if !ok {
				return errors.New("broker update stream closed")
			}
			r.applyEvents(ctx, r.olm.HandleUpdate(ctx, u), time.Now())

		case <-ticker.C:
			r.applyEvents(ctx, r.olm.CheckTimeouts(ctx, time.Now()), time.Now())

		case bar, ok := <-bars:
			if !ok {
				bars, err = r.reconnect(ctx, source)
				if err != nil {
					return err
				}
				continue
			}
			// Pending operator commands preempt bar processing.
			r.drainCommands(ctx)
			if r.meta == MetaStopped {
				return nil
			}
			if err := r.processBar(ctx, bar, time.Now()); err != nil {
				r.log.Error("bar processing failed", "err", err)
			}
		}
	}
}

// Command submits an operator command to the live loop and returns the
// resulting meta-state.
func (r *Runner) Command(ctx context.Context, cmd Command) (MetaState, error) {
	req := commandRequest{cmd: cmd, resp: make(chan commandResult, 1)}
	select {
	case r.cmds <- req:
	case <-ctx.Done():
		return r.Meta(), ctx.Err()
	}
	select {
	case res := <-req.resp:
		return res.state, res.err
	case <-ctx.Done():
		return r.Meta(), ctx.Err()
	}
}

func (r *Runner) drainCommands(ctx context.Context) {
	for {
		select {
		case req := <-r.cmds:
			r.handleCommand(ctx, req)
		default:
			return
		}
	}
}

func (r *Runner) handleCommand(ctx context.Context, req commandRequest) {
	now := time.Now()
	var err error
	switch req.cmd {
	case CmdPause:
		r.setMeta(MetaPaused)
	case CmdResume:
		r.setMeta(MetaRunning)
	case CmdStop:
		r.setMeta(MetaStopped)
	case CmdForceFlatten:
		err = r.forceFlatten(ctx, now)
		if err == nil {
			r.setMeta(MetaPaused)
		}
	case CmdForceUpdate:
		var acct domain.AccountState
		if acct, err = r.cfg.Broker.Account(ctx); err == nil {
			r.setAccount(acct)
			r.publishAccount(now)
			r.publishPosition(now)
		}
	default:
		err = fmt.Errorf("unknown command %q", req.cmd)
	}
	r.log.Info("command handled", "cmd", req.cmd, "state", r.meta, "err", err)
	r.snapshotPosition()
	r.publishState(now)
	req.resp <- commandResult{state: r.meta, err: err}
}

// forceFlatten closes out whatever is held or in flight. Idempotent: Flat
// and already-Closing positions are left alone.
func (r *Runner) forceFlatten(ctx context.Context, now time.Time) error {
	switch r.psm.Status() {
	case domain.PositionFlat:
		return nil
	case domain.PositionClosing:
		if !r.olm.ExitInFlight() {
			return r.olm.SubmitFlatten(ctx, r.psm.Position().Shares, now)
		}
		return nil
	case domain.PositionOpen:
		if err := r.psm.BeginClosing(domain.ExitForceFlatten); err != nil {
			return err
		}
		return r.olm.SubmitFlatten(ctx, r.psm.Position().Shares, now)
	case domain.PositionOpening:
		if filled := r.olm.FilledQty(); filled > 0 {
			if err := r.psm.ConfirmEntry(filled, r.olm.FillPrice(), now); err != nil {
				return err
			}
			if err := r.psm.BeginClosing(domain.ExitForceFlatten); err != nil {
				return err
			}
			return r.olm.SubmitFlatten(ctx, filled, now)
		}
		r.olm.Abandon(ctx)
		r.psm.AbortOpening()
		return nil
	}
	return nil
}

// reconnect restarts the bar source with bounded backoff and reconciles
// local state against broker truth before resuming.
func (r *Runner) reconnect(ctx context.Context, source BarSource) (<-chan domain.Bar, error) {
	r.log.Warn("bar feed lost, reconnecting")

	var bars <-chan domain.Bar
	err := util.Retry(ctx, 10, 2*time.Second, time.Minute, func() error {
		var serr error
		bars, serr = source.Start(ctx)
		return serr
	})
	if err != nil {
		return nil, fmt.Errorf("feed reconnect failed: %w", err)
	}
	if err := r.Reconcile(ctx, time.Now()); err != nil {
		return nil, fmt.Errorf("post-reconnect reconcile: %w", err)
	}
	r.log.Info("bar feed restored")
	return bars, nil
}

// Reconcile aligns local position and order tracking with broker-reported
// truth, which is authoritative on conflict. A broker-side position with no
// working protective stop is flattened immediately rather than held naked.
func (r *Runner) Reconcile(ctx context.Context, now time.Time) error {
	qty, avgEntry, err := r.cfg.Broker.OpenPosition(ctx, r.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("querying position: %w", err)
	}

	open, err := r.olm.Reconcile(ctx)
	if err != nil {
		return err
	}

	switch {
	case qty > 0:
		stop := r.olm.StopPrice()
		r.psm.Adopt(qty, avgEntry, stop, now)
		r.log.Info("adopted broker position", "qty", qty, "avg", avgEntry, "stop", stop)
		if stop == 0 {
			r.log.Error("open position has no protective stop, flattening", "qty", qty)
			if err := r.psm.BeginClosing(domain.ExitForceFlatten); err != nil {
				return err
			}
			if err := r.olm.SubmitFlatten(ctx, qty, now); err != nil {
				return err
			}
		}
	case r.psm.Status() != domain.PositionFlat:
		r.log.Warn("broker reports flat, resetting local position",
			"local_status", r.psm.Status())
		r.psm.Reset()
		if r.cfg.Positions != nil {
			if derr := r.cfg.Positions.DeletePosition(ctx, r.cfg.Symbol); derr != nil {
				r.log.Error("deleting position snapshot", "err", derr)
			}
		}
	}

	r.log.Info("reconciled", "open_orders", len(open), "status", r.psm.Status())
	r.publishPosition(now)
	return nil
}

// ---------------------------------------------------------------------------
// Pipeline
// ---------------------------------------------------------------------------

// processBar runs one pipeline invocation for a completed bar.
func (r *Runner) processBar(ctx context.Context, bar domain.Bar, now time.Time) error {
	if adv, ok := r.cfg.Broker.(barAdvancer); ok {
		adv.OnBar(bar)
	}

	r.drainUpdates(ctx, now)

	acct, err := r.cfg.Broker.Account(ctx)
	if err != nil {
		r.log.Error("account refresh failed", "err", err)
	} else {
		r.setAccount(acct)
	}

	if r.psm.Status() == domain.PositionClosing && !r.olm.ExitInFlight() {
		// A previous flatten was rejected; try again this bar.
		if err := r.olm.SubmitFlatten(ctx, r.psm.Position().Shares, now); err != nil {
			r.log.Error("flatten retry failed", "err", err)
		}
	}

	if r.psm.Status() == domain.PositionOpen {
		r.stepOpenPosition(ctx, bar, now)
	}

	if r.hasPrior {
		r.evaluateSignal(ctx, bar, now)
		r.signals.Observe(r.prior)
	}
	r.prior = bar
	r.hasPrior = true

	r.drainUpdates(ctx, now)
	r.persistPosition(ctx)
	r.snapshotPosition()
	return nil
}

// stepOpenPosition advances the trailing stop and checks for a stop exit.
func (r *Runner) stepOpenPosition(ctx context.Context, bar domain.Bar, now time.Time) {
	// Invariant: an open position always has a working protective stop.
	if r.olm.StopPrice() == 0 && !r.olm.ExitInFlight() {
		r.log.Error("open position with no working stop, flattening")
		if err := r.psm.BeginClosing(domain.ExitForceFlatten); err == nil {
			if serr := r.olm.SubmitFlatten(ctx, r.psm.Position().Shares, now); serr != nil {
				r.log.Error("invariant flatten failed", "err", serr)
			}
		}
		return
	}

	check := r.psm.OnBar(bar)

	if check.StopMoved && !check.Exit {
		if err := r.olm.ReplaceStop(ctx, check.NewStop, r.psm.Position().Shares, now); err != nil {
			r.log.Error("trailing stop replace failed", "err", err)
		} else {
			r.publishPosition(now)
		}
	}

	if check.Exit {
		r.log.Info("stop exit triggered",
			"close", bar.Close, "stop", check.NewStop, "reason", check.Reason)
		if err := r.psm.BeginClosing(check.Reason); err != nil {
			r.log.Error("begin closing failed", "err", err)
			return
		}
		if err := r.olm.SubmitFlatten(ctx, r.psm.Position().Shares, now); err != nil {
			r.log.Error("flatten submit failed", "err", err)
		}
	}
}

// evaluateSignal runs the strategy on the completed prior bar.
func (r *Runner) evaluateSignal(ctx context.Context, bar domain.Bar, now time.Time) {
	sig := r.signals.Evaluate(r.prior, r.psm.Status())

	switch sig {
	case SignalEnter:
		if r.meta != MetaRunning {
			r.log.Info("entry signal suppressed while paused")
			return
		}
		if r.olm.InFlight() {
			return
		}
		sizing := r.sizer.Size(r.account.Equity, bar.Close, bar.ATR)
		if !sizing.Valid {
			r.log.Warn("entry skipped", "reason", sizing.Reason,
				"equity", r.account.Equity, "atr", bar.ATR)
			return
		}
		if err := r.psm.BeginOpening(sizing); err != nil {
			r.log.Error("begin opening failed", "err", err)
			return
		}
		if err := r.olm.SubmitBracket(ctx, sizing, now); err != nil {
			r.log.Error("bracket submit failed", "err", err)
			r.psm.AbortOpening()
			return
		}
		r.log.Info("entry submitted",
			"shares", sizing.Shares, "stop", sizing.StopPrice, "ref_price", bar.Close)

	case SignalExitTrend:
		if r.olm.ExitInFlight() {
			return
		}
		r.log.Info("trend reversal exit", "willr", r.prior.WillR, "close", r.prior.Close)
		if err := r.psm.BeginClosing(domain.ExitTrendReversal); err != nil {
			r.log.Error("begin closing failed", "err", err)
			return
		}
		if err := r.olm.SubmitFlatten(ctx, r.psm.Position().Shares, now); err != nil {
			r.log.Error("flatten submit failed", "err", err)
		}
	}
}

// drainUpdates applies all immediately-available broker acknowledgements.
func (r *Runner) drainUpdates(ctx context.Context, now time.Time) {
	for {
		select {
		case u := <-r.cfg.Broker.Updates():
			r.applyEvents(ctx, r.olm.HandleUpdate(ctx, u), now)
		default:
			return
		}
	}
}

// applyEvents folds lifecycle events into the position state machine.
func (r *Runner) applyEvents(ctx context.Context, events []LifecycleEvent, now time.Time) {
	for _, ev := range events {
		switch ev.Kind {
		case EventBracketLive:
			r.log.Info("bracket live", "qty", ev.Qty)

		case EventEntryFilled:
			if err := r.psm.ConfirmEntry(ev.Qty, ev.Price, ev.At); err != nil {
				r.log.Error("confirm entry failed", "err", err)
				continue
			}
			r.log.Info("entry filled", "qty", ev.Qty, "price", ev.Price)
			r.refreshAccount(ctx, now)
			r.publishPosition(now)

		case EventEntryFailed:
			r.log.Warn("entry failed, back to flat")
			r.psm.AbortOpening()
			r.publishPosition(now)

		case EventStopFilled:
			reason := r.psm.StopExitReason()
			if err := r.psm.BeginClosing(reason); err != nil {
				r.log.Error("begin closing on stop fill failed", "err", err)
				continue
			}
			r.recordExit(ctx, ev, now)

		case EventNakedFlatten:
			r.log.Error("emergency flatten for naked position", "qty", ev.Qty)
			if err := r.psm.BeginClosing(domain.ExitForceFlatten); err != nil {
				r.log.Error("begin closing failed", "err", err)
			}

		case EventExitFilled:
			r.recordExit(ctx, ev, now)

		case EventExitFailed:
			r.log.Error("exit order failed, retrying next bar")
		}
	}
}

// recordExit confirms the exit fill, emits the Trade record exactly once,
// and resets to flat.
func (r *Runner) recordExit(ctx context.Context, ev LifecycleEvent, now time.Time) {
	qty := r.psm.Position().Shares
	commission := float64(2*qty) * r.cfg.CommissionPerShare

	trade, err := r.psm.ConfirmExit(ev.Price, ev.At, commission)
	if err != nil {
		r.log.Error("confirm exit failed", "err", err)
		return
	}
	r.closedTrades = append(r.closedTrades, trade)
	r.log.Info("trade closed",
		"qty", trade.Qty, "entry", trade.EntryPrice, "exit", trade.ExitPrice,
		"pnl", trade.PnL, "reason", trade.ExitReason)

	if r.cfg.Trades != nil {
		if err := r.cfg.Trades.SaveTrade(ctx, &trade); err != nil {
			r.log.Error("saving trade", "err", err)
		}
	}
	if r.cfg.Positions != nil {
		if err := r.cfg.Positions.DeletePosition(ctx, r.cfg.Symbol); err != nil {
			r.log.Error("deleting position snapshot", "err", err)
		}
	}

	r.refreshAccount(ctx, now)
	r.sink.Publish(Event{Type: EventTypeTrade, At: now, Data: trade})
	r.publishPosition(now)
}

func (r *Runner) refreshAccount(ctx context.Context, now time.Time) {
	acct, err := r.cfg.Broker.Account(ctx)
	if err != nil {
		r.log.Error("account refresh failed", "err", err)
		return
	}
	r.setAccount(acct)
	r.publishAccount(now)
}

func (r *Runner) persistPosition(ctx context.Context) {
	if r.cfg.Positions == nil || r.psm.Status() == domain.PositionFlat {
		return
	}
	pos := r.psm.Position()
	if err := r.cfg.Positions.SavePosition(ctx, &pos); err != nil {
		r.log.Error("saving position snapshot", "err", err)
	}
}

func (r *Runner) publishAccount(now time.Time) {
	r.sink.Publish(Event{Type: EventTypeAccount, At: now, Data: r.account})
}

func (r *Runner) publishPosition(now time.Time) {
	r.snapshotPosition()
	r.sink.Publish(Event{Type: EventTypePosition, At: now, Data: r.psm.Position()})
}

func (r *Runner) publishState(now time.Time) {
	r.sink.Publish(Event{Type: EventTypeState, At: now, Data: r.meta})
}
