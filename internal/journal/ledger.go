package journal

import (
	"context"
	"sync"

	"oms/internal/ledger"
	"oms/internal/schema"

	"github.com/yanun0323/logs"
)

// Ledger journals every fill the wrapped ledger books. Export is serialized
// against Apply so a snapshot's LastSeq covers exactly the fills in its
// balances.
type Ledger struct {
	*ledger.Ledger
	w  *Writer
	mu sync.RWMutex
}

// Wrap journals fills booked on l to w.
func Wrap(l *ledger.Ledger, w *Writer) *Ledger {
	return &Ledger{Ledger: l, w: w}
}

// Apply books f and journals it when it was not booked before. A journal
// failure is logged; the fill stays booked.
func (l *Ledger) Apply(f ledger.Fill) (schema.Position, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, applied, err := l.Ledger.Apply(f)
	if err != nil || !applied {
		return pos, applied, err
	}
	if _, err := l.w.Append(f); err != nil {
		logs.Errorf("journal fill, fill: %s, order: %s, err: %+v", f.ID, f.OrderID, err)
	}
	return pos, applied, nil
}

// Export snapshots the ledger together with the last journaled sequence.
func (l *Ledger) Export() ledger.Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	snap := l.Ledger.Export()
	snap.LastSeq = l.w.Seq()
	return snap
}

// Recover replays the journal tail after snap onto l and returns the last
// sequence seen, which the next writer must continue from. Fills the ledger
// refuses are logged and skipped.
func Recover(ctx context.Context, cfg Config, l *ledger.Ledger, snap ledger.Snapshot) (uint64, error) {
	replayed := 0
	last, err := Replay(ctx, cfg, snap.LastSeq, func(e Entry) error {
		if _, _, err := l.Apply(e.Fill); err != nil {
			logs.Warnf("skip journaled fill, seq: %d, fill: %s, err: %+v", e.Seq, e.Fill.ID, err)
			return nil
		}
		replayed++
		return nil
	})
	if err != nil {
		return last, err
	}
	if replayed > 0 {
		logs.Infof("ledger recovered from journal, replayed: %d, last seq: %d", replayed, last)
	}
	return last, nil
}
