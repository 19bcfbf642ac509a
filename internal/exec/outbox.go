package exec

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// Outbox is an append-only JSONL record of every dispatch attempt, written
// before the backend is called. Together with the ticket store it guarantees
// no order reaches a backend without its gate outcome durably recorded.
type Outbox struct {
	mu   sync.Mutex
	path string
	seen map[string]bool // ticket ids already dispatched this process
}

type outboxEntry struct {
	TicketID string       `json:"ticket_id"`
	Backend  string       `json:"backend"`
	Order    OrderRequest `json:"order"`
	TS       float64      `json:"ts"`
}

func NewOutbox(path string) (*Outbox, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	o := &Outbox{path: path, seen: map[string]bool{}}
	if err := o.load(); err != nil {
		return nil, err
	}
	return o, nil
}

// load rebuilds the dedupe set from any existing file.
func (o *Outbox) load() error {
	f, err := os.Open(o.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e outboxEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		o.seen[e.TicketID] = true
	}
	return sc.Err()
}

// Record appends a dispatch intent. It reports false without writing when the
// ticket was already dispatched, so a retry never produces a second order.
func (o *Outbox) Record(backend string, order OrderRequest) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.seen[order.TicketID] {
		return false, nil
	}
	b, err := json.Marshal(outboxEntry{
		TicketID: order.TicketID, Backend: backend, Order: order, TS: order.TS,
	})
	if err != nil {
		return false, err
	}
	f, err := os.OpenFile(o.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return false, err
	}
	defer f.Close()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return false, err
	}
	o.seen[order.TicketID] = true
	return true, nil
}
