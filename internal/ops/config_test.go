package ops

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"oms/internal/risk"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSampleConfig(t *testing.T) {
	loaded, err := Load(filepath.Join("..", "..", "config", "oms.json"))
	require.NoError(t, err)

	venues := loaded.Registry.Venues()
	require.Len(t, venues, 3)
	assert.Equal(t, "alpha", venues[0].ID)
	assert.Equal(t, 3, venues[0].Weight)
	assert.Equal(t, "gamma", venues[2].ID)

	assert.True(t, loaded.Registry.Instrument("BTC-PERP").Leveraged())
	assert.False(t, loaded.Registry.Instrument("AAPL").Leveraged())

	assert.True(t, decimal.RequireFromString("0.5").Equal(loaded.Risk.MaxConcentration))
	assert.Equal(t, 1000, loaded.Risk.MaxDailyOrders)
	assert.Equal(t, 25*time.Millisecond, loaded.Risk.LatencyBudget)
	assert.Equal(t, 10*time.Second, loaded.Breaker.WaitDuration)
	assert.Equal(t, 2*time.Second, loaded.Execution.Timeout)
	assert.Equal(t, 500*time.Millisecond, loaded.Router.SLA)
	assert.Equal(t, 500.0, loaded.Router.Limits["alpha"].Rate)
	assert.NotContains(t, loaded.Router.Limits, "beta")
	require.NotNil(t, loaded.File.Venues[1].Chaos)
	assert.Equal(t, 20*time.Millisecond, loaded.File.Venues[1].Chaos.MaxDelay.Std())
	assert.Equal(t, "data/journal", loaded.File.Journal.Dir)
	assert.Equal(t, 10*time.Minute, loaded.File.Fills.Retention.Std())
	assert.Equal(t, time.Second, loaded.File.Journal.SyncInterval.Std())
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`{"venues":[{"id":"v1"}]}`))
	require.NoError(t, err)

	r := cfg.Risk.Resolve()
	assert.Equal(t, risk.DefaultConfig().MaxConcentration, r.MaxConcentration)
	assert.Equal(t, 3, cfg.Execution.Resolve().MaxRetries)
	assert.Nil(t, cfg.Router.Resolve(cfg.Venues).Limits)
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"no venues":          `{"venues":[]}`,
		"venue without id":   `{"venues":[{"priority":1}]}`,
		"http without url":   `{"venues":[{"id":"v1","kind":"http"}]}`,
		"unknown kind":       `{"venues":[{"id":"v1","kind":"fix"}]}`,
		"bad duration":       `{"venues":[{"id":"v1"}],"router":{"sla":"soon"}}`,
		"breaker rate":       `{"venues":[{"id":"v1"}],"breaker":{"failureRateThreshold":150}}`,
		"chaos rates":        `{"venues":[{"id":"v1","chaos":{"timeoutRate":0.6,"failureRate":0.6}}]}`,
		"negative conc":      `{"venues":[{"id":"v1"}],"risk":{"maxConcentration":"-1"}}`,
		"feed without topic": `{"venues":[{"id":"v1"}],"fillFeed":{"brokers":["localhost:9092"]}}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadDuplicateVenue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oms.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"venues":[{"id":"v1"},{"id":"v1"}]}`), 0o644))

	_, err := Load(path)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestWatchReloadsRisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oms.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"venues":[{"id":"v1"}],"risk":{"maxDailyOrders":5}}`), 0o644))

	got := make(chan risk.Config, 4)
	require.NoError(t, Watch(t.Context(), path, func(c risk.Config) { got <- c }))

	require.NoError(t, os.WriteFile(path, []byte(`{"venues":[{"id":"v1"}],"risk":{"maxDailyOrders":7}}`), 0o644))
	select {
	case c := <-got:
		assert.Equal(t, 7, c.MaxDailyOrders)
	case <-time.After(3 * time.Second):
		t.Fatal("config change not observed")
	}
}
