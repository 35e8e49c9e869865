package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"oms/internal/audit"
	"oms/internal/bus"
	"oms/internal/ledger"
	"oms/internal/ops"
	"oms/internal/schema"
	"oms/pkg/conn"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `{
  "venues": [
    {"id": "alpha", "priority": 1, "weight": 1},
    {"id": "beta", "priority": 2, "weight": 1, "chaos": {"seed": 1, "failureRate": 1}}
  ],
  "instruments": [{"symbol": "AAPL"}],
  "accounts": [{"id": "acct-1", "cash": "100000"}],
  "risk": {"maxConcentration": "0.5"},
  "execution": {"timeout": "1s", "maxRetries": 1, "baseBackoff": "1ms", "maxBackoff": "1ms"},
  "fills": {"shards": 2, "capacity": 16},
  "audit": {"dsn": "sqlite://%s", "queue": 16},
  "market": {"prices": {"AAPL": "150"}},
  "snapshot": {"path": "%s", "interval": "1h"},
  "journal": {"dir": "%s"}
}`

func load(t *testing.T) (ops.Loaded, string, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "audit.db")
	snapPath := filepath.Join(dir, "ledger.json")
	cfgPath := filepath.Join(dir, "oms.json")
	body := []byte(fmt.Sprintf(testConfig, dbPath, snapPath, filepath.Join(dir, "journal")))
	require.NoError(t, os.WriteFile(cfgPath, body, 0o644))
	loaded, err := ops.Load(cfgPath)
	require.NoError(t, err)
	return loaded, dbPath, snapPath
}

func TestAppEndToEnd(t *testing.T) {
	loaded, dbPath, snapPath := load(t)
	reg := prometheus.NewRegistry()

	a, err := New(t.Context(), loaded, Options{Registerer: reg})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	acc, err := a.Usecase.SubmitOrder(t.Context(), schema.OrderIntent{
		AccountID: "acct-1",
		Symbol:    "AAPL",
		Side:      schema.SideBuy,
		Type:      schema.OrderTypeMarket,
		Quantity:  decimal.NewFromInt(10),
	})
	require.NoError(t, err)
	assert.Equal(t, "alpha", acc.Venue)
	assert.Equal(t, schema.StatusFilled, acc.Status)

	assert.Equal(t, uint64(1), a.Metrics.Snapshot().Received)
	n, err := testutil.GatherAndCount(reg, "oms_orders_received_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// give the audit writer a moment before shutdown drains it
	time.Sleep(20 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	snap, err := ledger.ReadSnapshot(snapPath)
	require.NoError(t, err)
	require.Len(t, snap.Accounts, 1)
	assert.True(t, decimal.NewFromInt(98500).Equal(snap.Accounts[0].Cash))

	db, err := conn.Open("sqlite://" + dbPath)
	require.NoError(t, err)
	defer db.Close()
	rec, err := audit.NewStore(db.DB()).Order(t.Context(), acc.OrderID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusFilled.String(), rec.Status)
}

func TestAppRestoresSnapshot(t *testing.T) {
	loaded, _, _ := load(t)

	first, err := New(t.Context(), loaded, Options{})
	require.NoError(t, err)
	require.NoError(t, first.Ledger.Deposit("acct-1", decimal.NewFromInt(500)))
	first.snapshot()
	require.NoError(t, first.Close())

	second, err := New(t.Context(), loaded, Options{})
	require.NoError(t, err)
	defer second.Close()
	s, err := second.Ledger.Snapshot("acct-1")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(100500).Equal(s.Cash))
}

func TestAppRecoversFillsFromJournal(t *testing.T) {
	loaded, _, snapPath := load(t)

	first, err := New(t.Context(), loaded, Options{})
	require.NoError(t, err)
	_, err = first.Usecase.SubmitOrder(t.Context(), schema.OrderIntent{
		AccountID: "acct-1",
		Symbol:    "AAPL",
		Side:      schema.SideBuy,
		Type:      schema.OrderTypeMarket,
		Quantity:  decimal.NewFromInt(4),
	})
	require.NoError(t, err)
	// no snapshot is written: the journal alone carries the fill
	require.NoError(t, first.Close())
	_, err = os.Stat(snapPath)
	require.ErrorIs(t, err, os.ErrNotExist)

	second, err := New(t.Context(), loaded, Options{})
	require.NoError(t, err)
	defer second.Close()
	assert.True(t, decimal.NewFromInt(4).Equal(second.Ledger.Position("acct-1", "AAPL").Quantity))
	s, err := second.Ledger.Snapshot("acct-1")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(99400).Equal(s.Cash))
}

func TestDeliverable(t *testing.T) {
	f := schema.FillEvent{ID: "f", OrderID: "o"}
	assert.NoError(t, deliverable(nil, f))
	assert.ErrorIs(t, deliverable(bus.ErrQueueFull, f), bus.ErrQueueFull)
	assert.NoError(t, deliverable(assert.AnError, f))
}
