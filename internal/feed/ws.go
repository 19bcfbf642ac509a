package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quantrail/quantrail/internal/observ"
	"github.com/quantrail/quantrail/internal/statebus"
)

// LiveFeed streams book tickers for a set of symbols over one combined
// WebSocket stream. Connection loss triggers reconnection with capped
// backoff; the consumer just sees a gap in ticks.
type LiveFeed struct {
	URL     string
	Symbols []string

	ReadTimeout  time.Duration
	PingInterval time.Duration
}

func NewLiveFeed(url string, symbols []string) *LiveFeed {
	return &LiveFeed{
		URL:          url,
		Symbols:      symbols,
		ReadTimeout:  60 * time.Second,
		PingInterval: 20 * time.Second,
	}
}

type combinedMsg struct {
	Stream string `json:"stream"`
	Data   struct {
		Symbol  string `json:"s"`
		BidPx   string `json:"b"`
		AskPx   string `json:"a"`
		EventMs int64  `json:"E"`
	} `json:"data"`
}

func (f *LiveFeed) streamURL() string {
	parts := make([]string, 0, len(f.Symbols))
	for _, s := range f.Symbols {
		parts = append(parts, strings.ToLower(s)+"@bookTicker")
	}
	return f.URL + "/stream?streams=" + strings.Join(parts, "/")
}

// Run connects and pumps ticks until ctx is cancelled.
func (f *LiveFeed) Run(ctx context.Context, out chan<- statebus.Tick) error {
	backoff := time.Second
	for {
		if err := f.session(ctx, out); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			observ.LogErr("feed_disconnected", err, map[string]any{"url": f.URL})
			observ.IncCounter("feed_reconnects_total", nil)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

// session runs one connection until it drops.
func (f *LiveFeed) session(ctx context.Context, out chan<- statebus.Tick) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.streamURL(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	observ.Log("feed_connected", map[string]any{"url": f.URL, "symbols": f.Symbols})

	conn.SetReadDeadline(time.Now().Add(f.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(f.ReadTimeout))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(f.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			case <-done:
				return
			case <-ctx.Done():
				conn.Close()
				return
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(f.ReadTimeout))

		var msg combinedMsg
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Data.Symbol == "" {
			continue
		}
		bid, err1 := strconv.ParseFloat(msg.Data.BidPx, 64)
		ask, err2 := strconv.ParseFloat(msg.Data.AskPx, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		tick := statebus.Tick{
			Symbol: msg.Data.Symbol,
			Price:  (bid + ask) / 2,
			Bid:    bid,
			Ask:    ask,
			TS:     float64(msg.Data.EventMs) / 1000,
		}
		select {
		case out <- tick:
		case <-ctx.Done():
			return nil
		}
	}
}
