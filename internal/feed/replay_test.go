package feed

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quantrail/quantrail/internal/statebus"
)

func writeTicks(t *testing.T, lines string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ticks.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(lines), 0o644))
	return path
}

func TestReplayFeedEmitsInOrder(t *testing.T) {
	path := writeTicks(t, `{"symbol":"BTCUSDT","price":50000,"bid":49999,"ask":50001,"ts":1767614400.0}
{"symbol":"ETHUSDT","price":3000,"bid":2999.5,"ask":3000.5,"ts":1767614400.1}
{"symbol":"BTCUSDT","price":50010,"bid":50009,"ask":50011,"ts":1767614400.2}
`)

	out := make(chan statebus.Tick, 8)
	require.NoError(t, NewReplayFeed(path).Run(context.Background(), out))
	close(out)

	var got []statebus.Tick
	for tick := range out {
		got = append(got, tick)
	}
	require.Len(t, got, 3)
	require.Equal(t, "ETHUSDT", got[1].Symbol)
	require.InDelta(t, 1767614400.2, got[2].TS, 1e-9)
}

func TestReplayFeedRejectsBackwardsTimestamps(t *testing.T) {
	path := writeTicks(t, `{"symbol":"BTCUSDT","price":50000,"ts":1767614400.5}
{"symbol":"BTCUSDT","price":50010,"ts":1767614400.2}
`)

	out := make(chan statebus.Tick, 8)
	err := NewReplayFeed(path).Run(context.Background(), out)
	require.ErrorIs(t, err, ErrNonMonotonic)
}

func TestReplayFeedSkipsBlankLines(t *testing.T) {
	path := writeTicks(t, `{"symbol":"BTCUSDT","price":50000,"ts":1767614400.0}

{"symbol":"BTCUSDT","price":50005,"ts":1767614400.0}
`)

	out := make(chan statebus.Tick, 8)
	require.NoError(t, NewReplayFeed(path).Run(context.Background(), out))
	require.Len(t, out, 2)
}

type burstSource struct {
	n        int
	finished bool
}

func (s *burstSource) Run(_ context.Context, out chan<- statebus.Tick) error {
	for i := 0; i < s.n; i++ {
		out <- statebus.Tick{Symbol: "BTCUSDT", Price: 50000, TS: float64(i)}
	}
	s.finished = true
	return nil
}

type failWriter struct{}

func (failWriter) Write(string, any) (uint64, error) {
	return 0, errors.New("write refused")
}

func TestPumpDrainsSourceOnWriteFailure(t *testing.T) {
	// More ticks than Pump's internal buffer: if the failure path stopped
	// reading, the source would block instead of finishing.
	src := &burstSource{n: 1000}
	err := Pump(context.Background(), src, failWriter{})
	require.ErrorContains(t, err, "write refused")
	require.True(t, src.finished)
}

func TestPumpPublishesVersionedTicks(t *testing.T) {
	path := writeTicks(t, `{"symbol":"BTCUSDT","price":50000,"bid":49999,"ask":50001,"ts":1767614400.0}
{"symbol":"BTCUSDT","price":50010,"bid":50009,"ask":50011,"ts":1767614400.2}
`)

	bus := statebus.New(10000, 0)
	require.NoError(t, Pump(context.Background(), NewReplayFeed(path), bus))

	snap := bus.Snapshot("market.tick.BTCUSDT")
	tick, ok := snap.Tick("BTCUSDT")
	require.True(t, ok)
	require.InDelta(t, 50010, tick.Price, 1e-9)
	require.Equal(t, uint64(2), snap.Version)
}
