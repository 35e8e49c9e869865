package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"oms/internal/ledger"
	"oms/internal/schema"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fill(i int) ledger.Fill {
	return ledger.Fill{
		ID:        fmt.Sprintf("f-%d", i),
		OrderID:   "o-1",
		AccountID: "acct-1",
		Symbol:    "AAPL",
		Side:      schema.SideBuy,
		Quantity:  decimal.NewFromInt(1),
		Price:     decimal.RequireFromString("150.25"),
		At:        time.Date(2026, 3, 2, 14, 0, i, 0, time.UTC),
	}
}

func startWriter(t *testing.T, cfg Config, last uint64) *Writer {
	t.Helper()
	w, err := NewWriter(cfg, last)
	require.NoError(t, err)
	require.NoError(t, w.Start(t.Context()))
	return w
}

func collect(t *testing.T, cfg Config, after uint64) ([]Entry, uint64) {
	t.Helper()
	var out []Entry
	last, err := Replay(t.Context(), cfg, after, func(e Entry) error {
		out = append(out, e)
		return nil
	})
	require.NoError(t, err)
	return out, last
}

func TestWriteAndReplay(t *testing.T) {
	cfg := Config{Dir: t.TempDir()}
	w := startWriter(t, cfg, 0)
	for i := range 5 {
		seq, err := w.Append(fill(i))
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), seq)
	}
	require.NoError(t, w.Close())
	_, err := w.Append(fill(9))
	assert.ErrorIs(t, err, ErrClosed)

	entries, last := collect(t, cfg, 0)
	require.Len(t, entries, 5)
	assert.Equal(t, uint64(5), last)
	assert.Equal(t, "f-3", entries[3].Fill.ID)
	assert.Equal(t, schema.SideBuy, entries[3].Fill.Side)
	assert.True(t, decimal.RequireFromString("150.25").Equal(entries[3].Fill.Price))

	entries, last = collect(t, cfg, 3)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(4), entries[0].Seq)
	assert.Equal(t, uint64(5), last)
}

func TestRotationAndPrune(t *testing.T) {
	cfg := Config{Dir: t.TempDir(), SegmentMaxBytes: 400}
	w := startWriter(t, cfg, 0)
	for i := range 10 {
		_, err := w.Append(fill(i))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	files, err := segments(cfg.Dir, "")
	require.NoError(t, err)
	require.Greater(t, len(files), 2)

	entries, _ := collect(t, cfg, 0)
	require.Len(t, entries, 10)
	for i, e := range entries {
		assert.Equal(t, uint64(i+1), e.Seq)
	}

	removed, err := w.Prune(5)
	require.NoError(t, err)
	assert.Positive(t, removed)
	entries, last := collect(t, cfg, 5)
	assert.Len(t, entries, 5)
	assert.Equal(t, uint64(10), last)
}

func TestReplaySkipsTornTail(t *testing.T) {
	cfg := Config{Dir: t.TempDir()}
	w := startWriter(t, cfg, 0)
	for i := range 3 {
		_, err := w.Append(fill(i))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	files, err := segments(cfg.Dir, "")
	require.NoError(t, err)
	require.Len(t, files, 1)
	info, err := os.Stat(files[0])
	require.NoError(t, err)
	require.NoError(t, os.Truncate(files[0], info.Size()-3))

	entries, last := collect(t, cfg, 0)
	assert.Len(t, entries, 2)
	assert.Equal(t, uint64(2), last)

	// a writer restarted after the crash continues the sequence in a new segment
	w = startWriter(t, cfg, last)
	seq, err := w.Append(fill(7))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)
	require.NoError(t, w.Close())

	entries, _ = collect(t, cfg, 0)
	require.Len(t, entries, 3)
	assert.Equal(t, "f-7", entries[2].Fill.ID)
}

func TestReplayDetectsCorruption(t *testing.T) {
	cfg := Config{Dir: t.TempDir()}
	w := startWriter(t, cfg, 0)
	_, err := w.Append(fill(0))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	files, _ := segments(cfg.Dir, "")
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	data[recordHeaderSize+2] ^= 0xff
	require.NoError(t, os.WriteFile(files[0], data, 0o644))

	_, err = Replay(t.Context(), cfg, 0, func(Entry) error { return nil })
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestReplayMissingDir(t *testing.T) {
	entries, last := collect(t, Config{Dir: filepath.Join(t.TempDir(), "none")}, 7)
	assert.Empty(t, entries)
	assert.Equal(t, uint64(7), last)
}

func TestConfigValidate(t *testing.T) {
	_, err := NewWriter(Config{}, 0)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewWriter(Config{Dir: t.TempDir(), FlushInterval: -1}, 0)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func newLedger() *ledger.Ledger {
	reg := schema.NewRegistry()
	_ = reg.AddInstrument(schema.Instrument{Symbol: "AAPL"})
	l := ledger.New(reg)
	l.OpenAccount("acct-1", decimal.NewFromInt(100000), decimal.Zero)
	return l
}

func TestLedgerRecoversFromSnapshotAndJournal(t *testing.T) {
	cfg := Config{Dir: t.TempDir()}
	w := startWriter(t, cfg, 0)
	jl := Wrap(newLedger(), w)

	for i := range 3 {
		_, applied, err := jl.Apply(fill(i))
		require.NoError(t, err)
		require.True(t, applied)
	}
	// a redelivered fill is not journaled twice
	_, applied, err := jl.Apply(fill(0))
	require.NoError(t, err)
	assert.False(t, applied)

	snap := jl.Export()
	assert.Equal(t, uint64(3), snap.LastSeq)

	for i := 3; i < 5; i++ {
		_, _, err := jl.Apply(fill(i))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	want := jl.Ledger.Export()

	restored := newLedger()
	restored.Restore(snap)
	last, err := Recover(t.Context(), cfg, restored, snap)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), last)

	assert.NoError(t, ledger.CompareSnapshots(want, restored.Export()))
	assert.True(t, decimal.NewFromInt(5).Equal(restored.Position("acct-1", "AAPL").Quantity))
}
