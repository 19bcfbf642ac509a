package exec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/quantrail/quantrail/internal/config"
	"github.com/quantrail/quantrail/internal/observ"
	"github.com/quantrail/quantrail/internal/statebus"
	"github.com/quantrail/quantrail/internal/ticket"
)

var (
	// ErrDrainTimeout means a trade-mode switch could not wait out in-flight
	// tickets. The request is retried later or escalated to the operator.
	ErrDrainTimeout = errors.New("exec: drain timeout")
	// ErrModePairing rejects a data/trade mode combination that would let
	// orders planned against one market truth reach the wrong venue.
	ErrModePairing = errors.New("exec: forbidden mode pairing")
	// ErrNotDispatchable rejects tickets that never cleared the gates.
	ErrNotDispatchable = errors.New("exec: ticket not dispatchable")
	// ErrModeNotArmed rejects a live escalation without the arm confirmation.
	ErrModeNotArmed = errors.New("exec: mode switch not armed")
)

// Router selects the execution backend from the independent data/trade mode
// flags and tracks in-flight tickets so trade-mode switches only land at a
// quiescence boundary.
type Router struct {
	bus      *statebus.Bus
	outbox   *Outbox
	armToken string

	mu       sync.Mutex
	backends map[string]Backend // keyed by trade mode
	inflight map[string]string  // ticket id -> symbol
	drained  chan struct{}      // closed when inflight empties; nil when idle
}

func NewRouter(bus *statebus.Bus, outbox *Outbox, armToken string) *Router {
	return &Router{
		bus:      bus,
		outbox:   outbox,
		armToken: armToken,
		backends: map[string]Backend{},
		inflight: map[string]string{},
	}
}

// Register binds a backend to a trade mode.
func (r *Router) Register(tradeMode string, b Backend) {
	r.mu.Lock()
	r.backends[tradeMode] = b
	r.mu.Unlock()
}

// pairingAllowed enforces the data/trade matrix: replay data may only drive
// the paper path; live data may drive any destination. "Real data, sandbox
// orders" is the recommended default.
func pairingAllowed(dataMode, tradeMode string) bool {
	if dataMode == config.DataReplay {
		return tradeMode == config.TradePaper
	}
	return true
}

// Dispatch routes an approved or downgraded ticket to the backend selected
// by the current modes. The dispatch intent is recorded in the outbox before
// the backend sees the order, and every attempt lands in the ticket trace.
func (r *Router) Dispatch(ctx context.Context, t *ticket.Ticket) error {
	if !t.Dispatchable() {
		return fmt.Errorf("%w: %s readiness=%s", ErrNotDispatchable, t.ID, t.Readiness)
	}
	dataMode, tradeMode := r.bus.DataMode(), r.bus.TradeMode()
	if !pairingAllowed(dataMode, tradeMode) {
		return fmt.Errorf("%w: data=%s trade=%s", ErrModePairing, dataMode, tradeMode)
	}

	r.mu.Lock()
	backend, ok := r.backends[tradeMode]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("exec: no backend for trade mode %q", tradeMode)
	}
	r.inflight[t.ID] = t.Symbol
	r.mu.Unlock()

	tick, _ := r.bus.Snapshot("market.tick."+t.Symbol).Tick(t.Symbol)
	order := OrderRequest{
		TicketID:   t.ID,
		Symbol:     t.Symbol,
		Side:       t.Plan.Side,
		Qty:        t.Plan.Qty,
		OrderType:  "MARKET",
		PriceRef:   tick.Price,
		ReduceOnly: t.Plan.ReduceOnly,
		TS:         tick.TS,
	}

	t.AddTrace(tick.TS, "dispatch", map[string]any{
		"backend": backend.Name(), "data_mode": dataMode, "trade_mode": tradeMode,
	})

	fresh, err := r.outbox.Record(backend.Name(), order)
	if err != nil {
		r.release(t.ID)
		return fmt.Errorf("exec: outbox write: %w", err)
	}
	if !fresh {
		// Already dispatched in a previous attempt; do not double-send.
		r.release(t.ID)
		t.AddTrace(tick.TS, "dispatch_deduped", nil)
		return nil
	}

	observ.IncCounter("dispatches_total", map[string]string{"backend": backend.Name()})
	if err := backend.Submit(ctx, order); err != nil {
		r.release(t.ID)
		return err
	}
	return nil
}

// MarkClosed releases a ticket from the in-flight set once the ledger has
// recorded its terminal outcome.
func (r *Router) MarkClosed(ticketID string) {
	r.release(ticketID)
}

func (r *Router) release(ticketID string) {
	r.mu.Lock()
	delete(r.inflight, ticketID)
	if len(r.inflight) == 0 && r.drained != nil {
		close(r.drained)
		r.drained = nil
	}
	r.mu.Unlock()
}

// InFlight reports the number of tickets between dispatch and CLOSED for a
// symbol ("" counts all).
func (r *Router) InFlight(symbol string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if symbol == "" {
		return len(r.inflight)
	}
	n := 0
	for _, s := range r.inflight {
		if s == symbol {
			n++
		}
	}
	return n
}

// SwitchTradeMode applies a trade-mode change at a quiescence boundary: it
// waits until every in-flight ticket reaches CLOSED, bounded by timeout,
// then flips the flag. Escalating to the live path requires the arm token.
func (r *Router) SwitchTradeMode(ctx context.Context, target, armToken string, timeout time.Duration) error {
	switch target {
	case config.TradePaper, config.TradeSandbox, config.TradeLive:
	default:
		return fmt.Errorf("exec: unknown trade mode %q", target)
	}
	if target == config.TradeLive {
		if armToken == "" || armToken != r.armToken {
			return ErrModeNotArmed
		}
		if r.bus.DataMode() == config.DataReplay {
			return fmt.Errorf("%w: replay data cannot arm live orders", ErrModePairing)
		}
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	r.mu.Lock()
	for len(r.inflight) > 0 {
		if r.drained == nil {
			r.drained = make(chan struct{})
		}
		wait := r.drained
		r.mu.Unlock()
		observ.Log("mode_switch_deferred", map[string]any{"target": target, "inflight": r.InFlight("")})
		select {
		case <-wait:
		case <-deadline.C:
			return fmt.Errorf("%w: switch to %s", ErrDrainTimeout, target)
		case <-ctx.Done():
			return ctx.Err()
		}
		r.mu.Lock()
	}
	r.mu.Unlock()

	if _, err := r.bus.Write("mode.trade", target); err != nil {
		return err
	}
	observ.Log("mode_switched", map[string]any{"trade_mode": target})
	observ.SetGauge("trade_mode_live", boolGauge(target == config.TradeLive), nil)
	return nil
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
