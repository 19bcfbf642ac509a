// Package feed supplies market truth to the state bus, either from a live
// venue stream or from a recorded history during replay. Both sources emit
// the same typed tick, so nothing downstream knows which mode it runs in.
package feed

import (
	"context"

	"github.com/quantrail/quantrail/internal/observ"
	"github.com/quantrail/quantrail/internal/statebus"
)

// Source produces market ticks until its input is exhausted or ctx ends.
type Source interface {
	Run(ctx context.Context, out chan<- statebus.Tick) error
}

// Writer is the publish surface Pump feeds. Satisfied by *statebus.Bus.
type Writer interface {
	Write(key string, value any) (uint64, error)
}

// Pump drains a source into the bus, one versioned write per tick. A write
// failure stops publishing but the channel is still drained to completion, so
// the source goroutine never blocks on a full buffer.
func Pump(ctx context.Context, src Source, bus Writer) error {
	ticks := make(chan statebus.Tick, 256)
	errc := make(chan error, 1)
	go func() {
		defer close(ticks)
		errc <- src.Run(ctx, ticks)
	}()
	var writeErr error
	for tick := range ticks {
		if writeErr != nil {
			continue
		}
		if _, err := bus.Write("market.tick."+tick.Symbol, tick); err != nil {
			writeErr = err
			continue
		}
		observ.IncCounter("market_ticks_total", map[string]string{"symbol": tick.Symbol})
	}
	if err := <-errc; writeErr == nil {
		return err
	}
	return writeErr
}
