package statebus

import (
	"time"
)

// Counters are the daily risk counters gates evaluate against. They are owned
// by the bus and reset only by the serialized UTC-midnight boundary check,
// never by external callers.
type Counters struct {
	Day           string  `json:"day"`            // UTC day covered, YYYY-MM-DD
	RealizedPnL   float64 `json:"realized_pnl"`   // USD realized today
	LongExposure  float64 `json:"long_exposure"`  // gross long, fraction of equity
	ShortExposure float64 `json:"short_exposure"` // gross short, fraction of equity
	Fills         int64   `json:"fills"`
	Cancels       int64   `json:"cancels"`
	LastResetTS   float64 `json:"last_reset_ts"` // epoch seconds
}

// Position is the open-position vector entry for one symbol.
type Position struct {
	Qty       float64 `json:"qty"` // signed contracts, >0 long
	AvgEntry  float64 `json:"avg_entry"`
	Notional  float64 `json:"notional"` // signed, qty*avg_entry
	UpdatedTS float64 `json:"updated_ts"`
}

// Checkpoint is the persisted form of counters plus positions, written to the
// ticket store so daily limits survive a restart.
type Checkpoint struct {
	Counters  Counters            `json:"counters"`
	Positions map[string]Position `json:"positions"`
	Equity    float64             `json:"equity"`
}

// CountersForGating rolls the daily boundary if needed and returns a copy of
// the counters. The roll and the read happen under one lock acquisition so a
// gate never observes counters mid-reset.
func (b *Bus) CountersForGating(now time.Time) Counters {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeRollDayLocked(now)
	return b.counters
}

// Equity returns the equity base plus today's realized PnL.
func (b *Bus) Equity() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.equity + b.counters.RealizedPnL
}

// Position returns the open position for symbol.
func (b *Bus) Position(symbol string) (Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.positions[symbol]
	return p, ok
}

// Positions returns a copy of the open-position vector.
func (b *Bus) Positions() map[string]Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]Position, len(b.positions))
	for k, v := range b.positions {
		out[k] = v
	}
	return out
}

// ApplyFill applies a signed fill (qty >0 buys, <0 sells) to the position for
// symbol and folds the realized-PnL delta into the daily counters. It returns
// the realized PnL of the fill. Exposure and position entries are republished
// under new versions.
func (b *Bus) ApplyFill(symbol string, qty, price float64, now time.Time) float64 {
	if qty == 0 {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeRollDayLocked(now)

	pos := b.positions[symbol]
	realized := 0.0

	switch {
	case pos.Qty == 0:
		pos.Qty = qty
		pos.AvgEntry = price
	case (pos.Qty > 0) == (qty > 0):
		// Adding to the position: volume-weighted entry.
		total := pos.Qty + qty
		pos.AvgEntry = (pos.AvgEntry*pos.Qty + price*qty) / total
		pos.Qty = total
	default:
		// Reducing, closing or reversing.
		closed := qty
		if abs(qty) > abs(pos.Qty) {
			closed = -pos.Qty
		}
		realized = -closed * (price - pos.AvgEntry)
		pos.Qty += qty
		if pos.Qty == 0 {
			pos.AvgEntry = 0
		} else if (pos.Qty > 0) != (pos.Qty-qty > 0) {
			// Reversed through zero: remainder opens at the fill price.
			pos.AvgEntry = price
		}
	}
	pos.Notional = pos.Qty * pos.AvgEntry
	pos.UpdatedTS = float64(now.UnixNano()) / 1e9
	if pos.Qty == 0 {
		delete(b.positions, symbol)
	} else {
		b.positions[symbol] = pos
	}

	b.counters.RealizedPnL += realized
	b.counters.Fills++
	b.recomputeExposureLocked()

	b.publishLocked("position."+symbol, pos)
	b.publishLocked("risk.daily", b.counters)
	return realized
}

// RecordCancel counts a canceled order in the daily aggregates.
func (b *Bus) RecordCancel(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeRollDayLocked(now)
	b.counters.Cancels++
	b.publishLocked("risk.daily", b.counters)
}

// SideExposure returns gross exposure for "BUY" (long) or "SELL" (short) as a
// fraction of equity.
func (b *Bus) SideExposure(side string) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if side == "SELL" {
		return b.counters.ShortExposure
	}
	return b.counters.LongExposure
}

// CheckpointState returns the persistable counter/position state.
func (b *Bus) CheckpointState() Checkpoint {
	b.mu.RLock()
	defer b.mu.RUnlock()
	cp := Checkpoint{Counters: b.counters, Positions: map[string]Position{}, Equity: b.equity}
	for k, v := range b.positions {
		cp.Positions[k] = v
	}
	return cp
}

// Restore loads a checkpoint taken by CheckpointState. Counters from a prior
// UTC day are discarded by the next boundary check rather than here.
func (b *Bus) Restore(cp Checkpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counters = cp.Counters
	b.positions = map[string]Position{}
	for k, v := range cp.Positions {
		b.positions[k] = v
		b.publishLocked("position."+k, v)
	}
	if cp.Equity > 0 {
		b.equity = cp.Equity
	}
	b.recomputeExposureLocked()
	b.publishLocked("risk.daily", b.counters)
}

// maybeRollDayLocked resets daily counters at the UTC day boundary. Callers
// hold b.mu.
func (b *Bus) maybeRollDayLocked(now time.Time) {
	day := now.UTC().Format("2006-01-02")
	if b.counters.Day == day {
		return
	}
	b.counters = Counters{
		Day:           day,
		LongExposure:  b.counters.LongExposure,
		ShortExposure: b.counters.ShortExposure,
		LastResetTS:   float64(now.UTC().UnixNano()) / 1e9,
	}
	b.publishLocked("risk.daily", b.counters)
}

func (b *Bus) recomputeExposureLocked() {
	long, short := 0.0, 0.0
	for _, p := range b.positions {
		if p.Notional > 0 {
			long += p.Notional
		} else {
			short += -p.Notional
		}
	}
	eq := b.equity + b.counters.RealizedPnL
	if eq <= 0 {
		eq = 1
	}
	b.counters.LongExposure = long / eq
	b.counters.ShortExposure = short / eq
}

// publishLocked stores an internally-owned entry and notifies subscribers.
// Callers hold b.mu.
func (b *Bus) publishLocked(key string, value any) {
	b.version++
	v := Value{Data: value, Version: b.version}
	b.entries[key] = v
	b.notifyLocked(Change{Key: key, Value: value, Version: b.version})
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
