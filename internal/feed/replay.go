package feed

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/quantrail/quantrail/internal/statebus"
)

// ErrNonMonotonic rejects replay files whose timestamps go backwards; replay
// determinism is only defined over an ordered history.
var ErrNonMonotonic = errors.New("feed: non-monotonic replay timestamps")

// ReplayFeed reads a JSONL file of historical ticks and plays them back in
// file order. Each line is one statebus.Tick record.
type ReplayFeed struct {
	Path string
}

func NewReplayFeed(path string) *ReplayFeed {
	return &ReplayFeed{Path: path}
}

// Run emits every tick in order, enforcing non-decreasing timestamps.
func (f *ReplayFeed) Run(ctx context.Context, out chan<- statebus.Tick) error {
	file, err := os.Open(f.Path)
	if err != nil {
		return fmt.Errorf("replay feed: %w", err)
	}
	defer file.Close()

	sc := bufio.NewScanner(file)
	lastTS := 0.0
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var tick statebus.Tick
		if err := json.Unmarshal(sc.Bytes(), &tick); err != nil {
			return fmt.Errorf("replay feed line %d: %w", line, err)
		}
		if tick.TS < lastTS {
			return fmt.Errorf("%w: line %d ts %.3f after %.3f", ErrNonMonotonic, line, tick.TS, lastTS)
		}
		lastTS = tick.TS
		select {
		case out <- tick:
		case <-ctx.Done():
			return nil
		}
	}
	return sc.Err()
}
