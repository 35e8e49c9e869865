package main

import (
	"context"
	"flag"
	"log"
	"math/rand/v2"
	"sync"
	"time"

	"oms/internal/app"
	"oms/internal/ops"
	"oms/internal/schema"
	"oms/pkg/exception"

	"github.com/shopspring/decimal"
)

func main() {
	configPath := flag.String("config", "config/oms.json", "Path to JSON config")
	orders := flag.Int("orders", 1000, "Number of orders to submit")
	workers := flag.Int("workers", 16, "Concurrent submitters")
	maxQty := flag.Int64("max-qty", 10, "Upper bound of the random order quantity")
	seed := flag.Uint64("seed", 1, "Random seed")
	settle := flag.Duration("settle", time.Second, "Time to wait for delayed fills before reporting")
	flag.Parse()

	if *orders <= 0 || *workers <= 0 || *maxQty <= 0 {
		log.Fatalf("orders, workers and max-qty must be > 0")
	}

	loaded, err := ops.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	// the drill runs in memory only
	loaded.File.Audit.DSN = ""
	loaded.File.FillFeed.Brokers = nil
	loaded.File.Snapshot.Path = ""

	ctx, cancel := context.WithCancel(context.Background())
	a, err := app.New(ctx, loaded, app.Options{})
	if err != nil {
		log.Fatalf("pipeline init failed: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	intents := make(chan schema.OrderIntent)
	go func() {
		defer close(intents)
		rng := rand.New(rand.NewPCG(*seed, *seed))
		accounts := loaded.File.Accounts
		symbols := loaded.Registry.Instruments()
		for range *orders {
			side := schema.SideBuy
			if rng.IntN(3) == 0 {
				side = schema.SideSell
			}
			intents <- schema.OrderIntent{
				AccountID: accounts[rng.IntN(len(accounts))].ID,
				Symbol:    symbols[rng.IntN(len(symbols))].Symbol,
				Side:      side,
				Type:      schema.OrderTypeMarket,
				Quantity:  decimal.NewFromInt(1 + rng.Int64N(*maxQty)),
			}
		}
	}()

	var mu sync.Mutex
	var wg sync.WaitGroup
	outcomes := map[string]int{}
	start := time.Now()
	for range *workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for intent := range intents {
				acc, err := a.Usecase.SubmitOrder(ctx, intent)
				label := "accepted"
				switch {
				case err != nil:
					label = exception.KindOf(err).String()
				case acc.Status == schema.StatusFailed:
					label = "reconciliation"
				}
				mu.Lock()
				outcomes[label]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	time.Sleep(*settle)
	cancel()
	if err := <-done; err != nil {
		log.Printf("shutdown: %v", err)
	}

	log.Printf("submitted %d orders in %s (%.0f/s)", *orders, elapsed, float64(*orders)/elapsed.Seconds())
	for label, n := range outcomes {
		log.Printf("  %-20s %d", label, n)
	}

	m := a.Metrics.Snapshot()
	log.Printf("terminal=%v risk_failures=%v fills=%d partial=%d sla_violations=%d queue_drops=%d",
		m.Terminal, m.RiskFailures, m.Fills, m.PartialFills, m.SLAViolations, m.QueueDrops)
	log.Printf("order_flow=%+v risk_eval=%+v over_budget=%d", m.OrderFlowLatency, m.RiskEvalLatency, m.RiskOverBudget)
	for _, s := range a.Breakers.Stats() {
		v := m.Venues[s.Name]
		log.Printf("venue %-8s breaker=%-9s attempts=%d failures=%d", s.Name, s.State, v.Attempts, v.Failures)
	}
	for _, id := range a.Ledger.Accounts() {
		snap, err := a.Ledger.Snapshot(id)
		if err != nil {
			continue
		}
		log.Printf("account %s cash=%s exposure=%s orders_today=%d", id, snap.Cash.StringFixed(2), snap.OpenExposure.StringFixed(2), snap.DailyOrderCount)
	}
}
