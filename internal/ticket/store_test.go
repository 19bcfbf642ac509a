package ticket

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "tickets.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleTicket() *Ticket {
	tk := &Ticket{
		ID:        NewID("BTCUSDT", 1767600000.25),
		Symbol:    "BTCUSDT",
		CreatedTS: 1767600000.25,
		AggrLevel: 2,
		Readiness: Approved,
		Score:     0.42,
		PUp:       0.61,
		Regime:    "trend_up",
		RVPr:      55,
		Gates: []GateResult{
			{Name: "daily_loss", Verdict: VerdictPass, Inputs: map[string]float64{"loss_pct": 0.1, "limit_pct": 3}},
			{Name: "correlation", Verdict: VerdictDowngrade, Inputs: map[string]float64{"cap": 0.65}},
		},
		Plan:    Plan{Side: "BUY", Qty: 0.5, Notional: 2500, RiskPct: 0.4, Entry: "market"},
		Actions: []Action{},
		Trace:   []TraceEntry{{TS: 1767600000.25, Event: "generated"}},
	}
	return tk
}

func TestStoreRoundTrip(t *testing.T) {
	s := testStore(t)
	tk := sampleTicket()
	require.NoError(t, s.Upsert(tk))

	got, err := s.Get(tk.ID)
	require.NoError(t, err)
	require.Equal(t, tk.ID, got.ID)
	require.Equal(t, Approved, got.Readiness)
	require.Equal(t, tk.GatesJSON(), got.GatesJSON())
	require.Equal(t, tk.PlanJSON(), got.PlanJSON())
	require.Equal(t, tk.ActionsJSON(), got.ActionsJSON())
	require.Equal(t, tk.TraceJSON(), got.TraceJSON())
}

func TestStoreUpsertReplacesLifecycleState(t *testing.T) {
	s := testStore(t)
	tk := sampleTicket()
	require.NoError(t, s.Upsert(tk))

	tk.Readiness = Closed
	tk.Actions = append(tk.Actions, Action{Type: "order", Side: "BUY", Qty: 0.5, Price: 50010, Status: "filled"})
	require.NoError(t, s.Upsert(tk))

	got, err := s.Get(tk.ID)
	require.NoError(t, err)
	require.Equal(t, Closed, got.Readiness)
	require.Len(t, got.Actions, 1)

	list, err := s.ListBySymbol("BTCUSDT", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestCheckpoints(t *testing.T) {
	s := testStore(t)

	var missing map[string]float64
	require.ErrorIs(t, s.LoadCheckpoint("statebus", &missing), sql.ErrNoRows)

	payload := map[string]float64{"realized_pnl": -42.5}
	require.NoError(t, s.SaveCheckpoint("statebus", 1767600000, payload))

	var got map[string]float64
	require.NoError(t, s.LoadCheckpoint("statebus", &got))
	require.Equal(t, payload, got)
}
