package ticket

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quantrail/quantrail/internal/statebus"
)

func proposal() Proposal {
	return Proposal{
		Symbol:    "BTCUSDT",
		AggrLevel: 2,
		Score:     0.42,
		PUp:       0.61,
		Regime:    "trend_up",
		RVPr:      55,
		Plan:      Plan{Side: "BUY", Qty: 0.5, Notional: 2500, RiskPct: 0.4, Entry: "market"},
	}
}

func TestGenerateProducesDeterministicDraft(t *testing.T) {
	bus := statebus.New(10000, 8)
	_, err := bus.Write("market.tick.BTCUSDT", statebus.Tick{
		Symbol: "BTCUSDT", Price: 50000, Bid: 49999, Ask: 50001, TS: 1767600000.25,
	})
	require.NoError(t, err)
	snap := bus.Snapshot("market.tick.BTCUSDT")

	g := NewGenerator(16)
	t1, err := g.Generate(snap, bus.Version(), proposal())
	require.NoError(t, err)
	t2, err := g.Generate(snap, bus.Version(), proposal())
	require.NoError(t, err)

	require.Equal(t, "tic/BTCUSDT/1767600000250", t1.ID)
	require.Equal(t, Draft, t1.Readiness)
	require.Equal(t, 1767600000.25, t1.CreatedTS)
	require.Empty(t, t1.Gates)
	require.Empty(t, t1.Actions)

	// Pure given its inputs: identical snapshot and proposal, identical ticket.
	require.Equal(t, t1.TraceJSON(), t2.TraceJSON())
	require.Equal(t, t1.PlanJSON(), t2.PlanJSON())
	require.Equal(t, t1.ID, t2.ID)
}

func TestGenerateRejectsStaleSnapshot(t *testing.T) {
	bus := statebus.New(10000, 8)
	bus.Write("market.tick.BTCUSDT", statebus.Tick{Symbol: "BTCUSDT", Price: 50000, TS: 1})
	snap := bus.Snapshot("market.tick.BTCUSDT")

	// Advance the bus past the freshness bound.
	for i := 0; i < 3; i++ {
		bus.Write("market.tick.ETHUSDT", statebus.Tick{Symbol: "ETHUSDT", Price: 3000, TS: float64(i)})
	}

	g := NewGenerator(2)
	_, err := g.Generate(snap, bus.Version(), proposal())
	require.ErrorIs(t, err, ErrStaleState)
}

func TestGenerateRequiresMarketTick(t *testing.T) {
	bus := statebus.New(10000, 8)
	snap := bus.Snapshot()
	g := NewGenerator(16)
	_, err := g.Generate(snap, bus.Version(), proposal())
	require.ErrorIs(t, err, ErrStaleState)
}

func TestGenerateValidatesProposal(t *testing.T) {
	bus := statebus.New(10000, 8)
	bus.Write("market.tick.BTCUSDT", statebus.Tick{Symbol: "BTCUSDT", Price: 50000, TS: 1})
	snap := bus.Snapshot("market.tick.BTCUSDT")
	g := NewGenerator(16)

	cases := []struct {
		name string
		mut  func(*Proposal)
	}{
		{"p_up above one", func(p *Proposal) { p.PUp = 1.2 }},
		{"rv_pr negative", func(p *Proposal) { p.RVPr = -1 }},
		{"bad side", func(p *Proposal) { p.Plan.Side = "HOLD" }},
		{"negative qty", func(p *Proposal) { p.Plan.Qty = -1 }},
		{"empty symbol", func(p *Proposal) { p.Symbol = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := proposal()
			tc.mut(&p)
			_, err := g.Generate(snap, bus.Version(), p)
			if !errors.Is(err, ErrBadProposal) && !errors.Is(err, ErrStaleState) {
				t.Fatalf("want ErrBadProposal, got %v", err)
			}
		})
	}
}
