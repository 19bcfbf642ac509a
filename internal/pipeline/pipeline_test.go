package pipeline

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quantrail/quantrail/internal/config"
	"github.com/quantrail/quantrail/internal/exec"
	"github.com/quantrail/quantrail/internal/gate"
	"github.com/quantrail/quantrail/internal/ledger"
	"github.com/quantrail/quantrail/internal/statebus"
	"github.com/quantrail/quantrail/internal/ticket"
)

type harness struct {
	bus   *statebus.Bus
	store *ticket.Store
	pipe  *Pipeline
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	bus := statebus.New(10000, 0)
	_, err := bus.Write("mode.data", config.DataReplay)
	require.NoError(t, err)
	_, err = bus.Write("mode.trade", config.TradePaper)
	require.NoError(t, err)

	store, err := ticket.Open(filepath.Join(dir, "tickets.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ob, err := exec.NewOutbox(filepath.Join(dir, "outbox.jsonl"))
	require.NoError(t, err)
	router := exec.NewRouter(bus, ob, "")
	led := ledger.New(bus, store, router)
	router.Register(config.TradePaper, exec.NewPaperBackend("sim", 2, func(ev exec.LifecycleEvent) {
		if err := led.Apply(ev); err != nil {
			t.Errorf("apply %s: %v", ev.Type, err)
		}
	}))

	cfg := gate.Config{RiskTargetPct: 0.5, DailyMaxLossPct: 3.0, CorrCapPerSide: 0.65, MaxLeverage: 5.0}
	pipe := New(bus, ticket.NewGenerator(8), gate.NewEvaluator(bus, cfg), router, led, store)
	pipe.Start(context.Background())
	t.Cleanup(pipe.Stop)
	return &harness{bus: bus, store: store, pipe: pipe}
}

func (h *harness) tick(t *testing.T, symbol string, price, ts float64) {
	t.Helper()
	_, err := h.bus.Write("market.tick."+symbol, statebus.Tick{
		Symbol: symbol, Price: price, Bid: price - 0.5, Ask: price + 0.5, TS: ts,
	})
	require.NoError(t, err)
}

func proposal(symbol string, riskPct float64) ticket.Proposal {
	return ticket.Proposal{
		Symbol:    symbol,
		AggrLevel: 2,
		Score:     0.42,
		PUp:       0.61,
		Regime:    "trend_up",
		RVPr:      55,
		Plan:      ticket.Plan{Side: "BUY", Qty: 0.02, Notional: 1000, RiskPct: riskPct, Entry: "market"},
	}
}

// driveHistory replays a fixed tick/proposal interleaving and returns the
// persisted tickets oldest first.
func driveHistory(t *testing.T, h *harness) []*ticket.Ticket {
	t.Helper()
	h.tick(t, "BTCUSDT", 50000, 1767614400.0)
	h.pipe.Process(Request{Proposal: proposal("BTCUSDT", 0.4)})
	h.tick(t, "BTCUSDT", 50100, 1767614401.0)
	h.pipe.Process(Request{Proposal: proposal("BTCUSDT", 0.9)}) // sized over budget
	h.tick(t, "BTCUSDT", 50200, 1767614402.0)
	h.pipe.Process(Request{Proposal: proposal("BTCUSDT", 0.3)})

	list, err := h.store.ListBySymbol("BTCUSDT", 10)
	require.NoError(t, err)
	return list
}

func TestReplayIsByteDeterministic(t *testing.T) {
	first := driveHistory(t, newHarness(t))
	second := driveHistory(t, newHarness(t))

	require.Len(t, first, 3)
	require.Len(t, second, 3)
	for i := range first {
		require.Equal(t, first[i].ID, second[i].ID)
		require.Equal(t, first[i].GatesJSON(), second[i].GatesJSON())
		require.Equal(t, first[i].PlanJSON(), second[i].PlanJSON())
		require.Equal(t, first[i].ActionsJSON(), second[i].ActionsJSON())
		require.Equal(t, first[i].TraceJSON(), second[i].TraceJSON())
	}
}

func TestRejectedTicketNeverReachesBackend(t *testing.T) {
	list := driveHistory(t, newHarness(t))

	rejected := list[1]
	require.Equal(t, ticket.Rejected, rejected.Readiness)
	require.Empty(t, rejected.Actions)

	// Every ticket with actions cleared all blocking gates.
	for _, tk := range list {
		if len(tk.Actions) == 0 {
			continue
		}
		require.True(t, tk.BlockingGatesPassed(), "ticket %s has actions without cleared gates", tk.ID)
		require.Equal(t, ticket.Closed, tk.Readiness)
	}
}

func TestTicketIDsDeriveFromEventTime(t *testing.T) {
	list := driveHistory(t, newHarness(t))
	require.Equal(t, "tic/BTCUSDT/1767614400000", list[0].ID)
	require.Equal(t, "tic/BTCUSDT/1767614402000", list[2].ID)
}

func TestAbandonClosesNextTicket(t *testing.T) {
	h := newHarness(t)
	h.tick(t, "ETHUSDT", 3000, 1767614400.0)

	h.pipe.Abandon("ETHUSDT")
	h.pipe.Process(Request{Proposal: proposal("ETHUSDT", 0.4)})

	list, err := h.store.ListBySymbol("ETHUSDT", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, ticket.Closed, list[0].Readiness)
	require.Empty(t, list[0].Actions)
	require.Empty(t, list[0].Gates)
	last := list[0].Trace[len(list[0].Trace)-1]
	require.Equal(t, "abandoned", last.Event)

	// The flag is consumed: the following proposal runs the full chain.
	h.tick(t, "ETHUSDT", 3001, 1767614401.0)
	h.pipe.Process(Request{Proposal: proposal("ETHUSDT", 0.4)})
	list, err = h.store.ListBySymbol("ETHUSDT", 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, ticket.Closed, list[1].Readiness)
	require.NotEmpty(t, list[1].Actions)
}

func TestProposalWithoutMarketTruthIsDropped(t *testing.T) {
	h := newHarness(t)
	h.pipe.Process(Request{Proposal: proposal("SOLUSDT", 0.4)})

	list, err := h.store.ListBySymbol("SOLUSDT", 10)
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestStopDrainsAcceptedProposals(t *testing.T) {
	h := newHarness(t)
	symbols := []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "BNBUSDT", "XRPUSDT"}
	for i, sym := range symbols {
		h.tick(t, sym, 100+float64(i), 1767614400.0)
		require.NoError(t, h.pipe.Submit(Request{Proposal: proposal(sym, 0.4)}))
	}
	h.pipe.Stop()

	// Every proposal accepted before Stop leaves a ticket record.
	for _, sym := range symbols {
		list, err := h.store.ListBySymbol(sym, 10)
		require.NoError(t, err)
		require.Len(t, list, 1, "symbol %s lost its decision cycle on shutdown", sym)
		require.Equal(t, ticket.Closed, list[0].Readiness)
	}
}

func TestSubmitRefusedAfterStop(t *testing.T) {
	h := newHarness(t)
	h.tick(t, "BTCUSDT", 50000, 1767614400.0)
	h.pipe.Stop()
	require.Error(t, h.pipe.Submit(Request{Proposal: proposal("BTCUSDT", 0.4)}))
}

func TestSubmitRunsThroughSymbolWorker(t *testing.T) {
	h := newHarness(t)
	h.tick(t, "BTCUSDT", 50000, 1767614400.0)

	require.NoError(t, h.pipe.Submit(Request{Proposal: proposal("BTCUSDT", 0.4)}))
	h.pipe.Stop()

	list, err := h.store.ListBySymbol("BTCUSDT", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, ticket.Closed, list[0].Readiness)
}
