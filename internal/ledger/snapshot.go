package ledger

import (
	"os"
	"path/filepath"
	"time"

	"oms/internal/schema"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
)

// Snapshot captures balances and positions at a point in time. Open exposure
// and daily velocity are intraday state and are not persisted.
type Snapshot struct {
	Timestamp int64 `json:"timestamp"`
	// LastSeq is the last fill journal sequence included in the balances.
	LastSeq  uint64         `json:"lastSeq,omitempty"`
	Accounts []AccountEntry `json:"accounts"`
}

// AccountEntry is a single account in a snapshot.
type AccountEntry struct {
	ID          string            `json:"id"`
	Cash        decimal.Decimal   `json:"cash"`
	MarginLimit decimal.Decimal   `json:"marginLimit"`
	MarginUsed  decimal.Decimal   `json:"marginUsed"`
	Positions   []schema.Position `json:"positions"`
}

// Export builds a snapshot of every account.
func (l *Ledger) Export() Snapshot {
	snap := Snapshot{Timestamp: l.now().UTC().UnixNano()}
	for _, id := range l.Accounts() {
		a, _ := l.account(id)
		b := a.state.Load()
		snap.Accounts = append(snap.Accounts, AccountEntry{
			ID:          id,
			Cash:        b.Cash,
			MarginLimit: b.MarginLimit,
			MarginUsed:  b.MarginUsed,
			Positions:   l.Positions(id),
		})
	}
	return snap
}

// Restore replaces the ledger's accounts with the snapshot's. Applied fill
// ids are not part of a snapshot; fills replayed after a restore must be
// fills the snapshot does not already contain.
func (l *Ledger) Restore(snap Snapshot) {
	accounts := make(map[string]*account, len(snap.Accounts))
	for _, ae := range snap.Accounts {
		a := &account{id: ae.ID, entries: make(map[string]*entry, len(ae.Positions))}
		a.state.Store(&balance{
			Cash:        ae.Cash,
			MarginLimit: ae.MarginLimit,
			MarginUsed:  ae.MarginUsed,
		})
		for _, p := range ae.Positions {
			e := &entry{applied: make(map[string]struct{})}
			e.cur.Store(&p)
			a.entries[p.Symbol] = e
		}
		accounts[ae.ID] = a
	}
	l.mu.Lock()
	l.accounts = accounts
	l.mu.Unlock()
}

// WriteSnapshot writes a snapshot to disk as JSON. The file is replaced
// atomically.
func WriteSnapshot(path string, snapshot Snapshot) error {
	data, err := sonic.ConfigStd.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal snapshot")
	}
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "create snapshot dir")
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, "write snapshot")
	}
	return os.Rename(tmp, path)
}

// ReadSnapshot loads a snapshot from disk.
func ReadSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := sonic.ConfigStd.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, errors.Wrap(err, "unmarshal snapshot")
	}
	return snap, nil
}

// CompareSnapshots checks that two snapshots hold the same balances and
// position quantities.
func CompareSnapshots(expected, actual Snapshot) error {
	if len(expected.Accounts) != len(actual.Accounts) {
		return errors.Errorf("snapshot account count mismatch: expected=%d actual=%d", len(expected.Accounts), len(actual.Accounts))
	}
	want := make(map[string]AccountEntry, len(expected.Accounts))
	for _, a := range expected.Accounts {
		want[a.ID] = a
	}
	for _, got := range actual.Accounts {
		exp, ok := want[got.ID]
		if !ok {
			return errors.Errorf("snapshot missing account: %s", got.ID)
		}
		if !exp.Cash.Equal(got.Cash) {
			return errors.Errorf("snapshot cash mismatch: account=%s expected=%s actual=%s", got.ID, exp.Cash, got.Cash)
		}
		if len(exp.Positions) != len(got.Positions) {
			return errors.Errorf("snapshot position count mismatch: account=%s expected=%d actual=%d", got.ID, len(exp.Positions), len(got.Positions))
		}
		qty := make(map[string]decimal.Decimal, len(exp.Positions))
		for _, p := range exp.Positions {
			qty[p.Symbol] = p.Quantity
		}
		for _, p := range got.Positions {
			w, ok := qty[p.Symbol]
			if !ok {
				return errors.Errorf("snapshot missing symbol: account=%s symbol=%s", got.ID, p.Symbol)
			}
			if !w.Equal(p.Quantity) {
				return errors.Errorf("snapshot qty mismatch: account=%s symbol=%s expected=%s actual=%s", got.ID, p.Symbol, w, p.Quantity)
			}
		}
	}
	return nil
}

// Age returns how old the snapshot is.
func (s Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.Timestamp))
}
