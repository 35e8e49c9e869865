// Package app assembles the order pipeline from a loaded configuration and
// runs its background workers.
package app

import (
	"context"
	stderrors "errors"
	"net/http"
	"os"
	"sync"
	"time"

	"oms/internal/audit"
	"oms/internal/breaker"
	"oms/internal/bus"
	"oms/internal/execution"
	"oms/internal/fillfeed"
	"oms/internal/journal"
	"oms/internal/ledger"
	"oms/internal/market"
	"oms/internal/obs"
	"oms/internal/ops"
	"oms/internal/order"
	"oms/internal/risk"
	"oms/internal/router"
	"oms/internal/schema"
	"oms/pkg/conn"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

const defaultSnapshotInterval = time.Minute

// Options are the process-level collaborators that do not come from the
// config file.
type Options struct {
	// ConfigPath, when set, is watched for risk limit changes.
	ConfigPath string
	// Registerer receives the Prometheus collectors. Nil disables them.
	Registerer prometheus.Registerer
	// HTTPClient is used by HTTP venues.
	HTTPClient *http.Client
}

// App is a wired pipeline.
type App struct {
	Usecase  *order.Usecase
	Ledger   *ledger.Ledger
	Risk     *risk.Engine
	Breakers *breaker.Registry
	Metrics  *obs.Metrics

	cfg      ops.Loaded
	opt      Options
	fills    *bus.FillQueue
	audit    *audit.Async
	db       *conn.Client
	redis    *redis.Client
	consumer *fillfeed.Consumer
	producer *fillfeed.Publisher
	journal  *journal.Writer
	book     order.Ledger
	export   func() ledger.Snapshot
}

// New builds every component. Nothing runs until Run is called, except the
// audit schema migration.
func New(ctx context.Context, cfg ops.Loaded, opt Options) (*App, error) {
	a := &App{cfg: cfg, opt: opt, Metrics: obs.NewMetrics()}
	recorder := obs.Multi{a.Metrics}
	if opt.Registerer != nil {
		p, err := obs.NewPrometheus(opt.Registerer)
		if err != nil {
			return nil, errors.Wrap(err, "register metrics")
		}
		recorder = append(recorder, p)
	}

	a.Ledger = ledger.New(cfg.Registry)
	snap, err := a.restore()
	if err != nil {
		return nil, err
	}
	// configured accounts missing from the snapshot start fresh
	for _, acc := range cfg.File.Accounts {
		if !a.Ledger.Exists(acc.ID) {
			a.Ledger.OpenAccount(acc.ID, acc.Cash, acc.MarginLimit)
		}
	}
	a.book, a.export = a.Ledger, a.Ledger.Export
	if jc := cfg.File.Journal; jc.Dir != "" {
		if err := a.openJournal(ctx, jc, snap); err != nil {
			return nil, err
		}
	}

	prices := a.prices()

	var uc *order.Usecase
	sink := func(f schema.FillEvent) {
		if err := uc.OnFillEvent(f); err != nil {
			logs.Warnf("venue fill not accepted, fill: %s, order: %s, err: %+v", f.ID, f.OrderID, err)
		}
	}
	if ff := cfg.File.FillFeed; len(ff.Brokers) != 0 {
		feed := fillfeed.Config{Brokers: ff.Brokers, Topic: ff.Topic, GroupID: ff.GroupID}
		a.producer = fillfeed.NewPublisher(fillfeed.NewWriter(feed))
		sink = a.producer.Sink
		a.consumer = fillfeed.NewConsumer(fillfeed.NewReader(feed), func(f schema.FillEvent) error {
			return deliverable(uc.OnFillEvent(f), f)
		})
	}

	venues, err := buildVenues(cfg.File.Venues, prices, sink, opt.HTTPClient)
	if err != nil {
		return nil, err
	}

	breakerCfg := cfg.Breaker
	breakerCfg.OnStateChange = func(name string, from, to breaker.State) {
		logs.Warnf("venue breaker %s -> %s, venue: %s", from, to, name)
		recorder.BreakerTransition(name, from.String(), to.String())
	}
	ids := make([]string, len(venues))
	for i, v := range venues {
		ids[i] = v.ID()
	}
	a.Breakers = breaker.NewRegistry(breakerCfg, ids...)

	adapter := execution.NewAdapter(cfg.Execution, venues...)
	adapter.OnAttempt(recorder.VenueAttempt)

	r, err := router.New(cfg.Router, cfg.Registry.Venues(), a.Breakers, adapter)
	if err != nil {
		return nil, errors.Wrap(err, "build router")
	}

	a.Risk = risk.NewEngine(cfg.Risk, cfg.Registry, risk.WithLatencyObserver(recorder.ObserveRiskEval))

	opts := []order.Option{order.WithRecorder(recorder)}
	if d := cfg.File.Fills.Retention.Std(); d > 0 {
		opts = append(opts, order.WithOrderRetention(d))
	}
	if dsn := cfg.File.Audit.DSN; dsn != "" {
		if err := a.openAudit(ctx, dsn, recorder); err != nil {
			return nil, err
		}
		opts = append(opts, order.WithAuditor(a.audit))
	}

	a.fills = bus.NewFillQueue(cfg.File.Fills.Shards, cfg.File.Fills.Capacity)
	uc = order.NewUsecase(order.Deps{
		Risk:     a.Risk,
		Router:   r,
		Breakers: a.Breakers,
		Ledger:   a.book,
		Prices:   prices,
		Fills:    a.fills,
	}, opts...)
	a.Usecase = uc
	return a, nil
}

// deliverable decides whether the fill consumer should redeliver a fill. Only
// a full or closed queue is worth retrying; anything else never succeeds.
func deliverable(err error, f schema.FillEvent) error {
	if err == nil || stderrors.Is(err, bus.ErrQueueFull) || stderrors.Is(err, bus.ErrQueueClosed) {
		return err
	}
	logs.Errorf("drop fill, fill: %s, order: %s, err: %+v", f.ID, f.OrderID, err)
	return nil
}

func (a *App) restore() (ledger.Snapshot, error) {
	path := a.cfg.File.Snapshot.Path
	if path == "" {
		return ledger.Snapshot{}, nil
	}
	snap, err := ledger.ReadSnapshot(path)
	if err != nil {
		if stderrors.Is(err, os.ErrNotExist) {
			return ledger.Snapshot{}, nil
		}
		return ledger.Snapshot{}, errors.Wrapf(err, "read snapshot %s", path)
	}
	a.Ledger.Restore(snap)
	logs.Infof("ledger restored, path: %s, accounts: %d, age: %s", path, len(snap.Accounts), snap.Age(time.Now()))
	return snap, nil
}

// openJournal replays the fills booked after snap and starts journaling new
// ones from where the journal left off.
func (a *App) openJournal(ctx context.Context, jc ops.JournalConfig, snap ledger.Snapshot) error {
	cfg := journal.Config{
		Dir:             jc.Dir,
		SegmentMaxBytes: jc.SegmentMaxBytes,
		FlushInterval:   jc.FlushInterval.Std(),
		SyncInterval:    jc.SyncInterval.Std(),
	}
	last, err := journal.Recover(ctx, cfg, a.Ledger, snap)
	if err != nil {
		return errors.Wrap(err, "recover ledger from journal")
	}
	w, err := journal.NewWriter(cfg, last)
	if err != nil {
		return err
	}
	if err := w.Start(context.Background()); err != nil {
		return err
	}
	book := journal.Wrap(a.Ledger, w)
	a.journal, a.book, a.export = w, book, book.Export
	return nil
}

func (a *App) prices() order.PriceProvider {
	m := a.cfg.File.Market
	table := market.NewTable(m.Prices)
	if m.RedisAddr == "" {
		return table
	}
	a.redis = redis.NewClient(&redis.Options{Addr: m.RedisAddr, DB: m.RedisDB})
	return market.Chain{market.NewRedis(a.redis, m.KeyPrefix, 0), table}
}

func (a *App) openAudit(ctx context.Context, dsn string, recorder obs.Recorder) error {
	db, err := conn.Open(dsn)
	if err != nil {
		return errors.Wrap(err, "open audit store")
	}
	store := audit.NewStore(db.DB())
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return err
	}
	a.db = db
	a.audit = audit.NewAsync(store, a.cfg.File.Audit.Queue, recorder.QueueDrop)
	return nil
}

func buildVenues(cfgs []ops.VenueConfig, prices order.PriceProvider, sink execution.FillSink, client *http.Client) ([]execution.Venue, error) {
	venues := make([]execution.Venue, 0, len(cfgs))
	for _, c := range cfgs {
		var v execution.Venue
		switch c.Kind {
		case "http":
			v = execution.NewHTTPVenue(execution.HTTPConfig{ID: c.ID, BaseURL: c.BaseURL, APIKey: c.APIKey}, client)
		default:
			v = execution.NewPaper(execution.PaperConfig{
				ID:        c.ID,
				Latency:   c.Latency.Std(),
				FeeRate:   c.FeeRate,
				Price:     prices.ReferencePrice,
				Halted:    c.Halted,
				TimeScale: c.TimeScale,
				Sink:      sink,
			})
		}
		if c.Chaos != nil {
			chaos, err := execution.NewChaos(v, c.Chaos.Resolve())
			if err != nil {
				return nil, errors.Wrapf(err, "venue %s", c.ID)
			}
			v = chaos
		}
		venues = append(venues, v)
	}
	return venues, nil
}

// Run starts the background workers and blocks until ctx is done. On return
// the workers have stopped, the final ledger snapshot is written and every
// connection is closed.
func (a *App) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	spawn(func() { a.Usecase.Run(ctx) })
	if a.audit != nil {
		spawn(func() { a.audit.Run(ctx) })
	}
	if a.consumer != nil {
		spawn(func() {
			if err := a.consumer.Run(ctx); err != nil {
				logs.Errorf("fill consumer stopped, err: %+v", err)
			}
		})
	}
	if a.cfg.File.Snapshot.Path != "" {
		spawn(func() { a.snapshotLoop(ctx) })
	}
	if a.opt.ConfigPath != "" {
		err := ops.Watch(ctx, a.opt.ConfigPath, func(cfg risk.Config) {
			a.Risk.UpdateConfig(cfg)
			logs.Infof("risk limits reloaded, path: %s", a.opt.ConfigPath)
		})
		if err != nil {
			logs.Warnf("config watch disabled, err: %+v", err)
		}
	}

	<-ctx.Done()
	wg.Wait()
	a.snapshot()
	return a.Close()
}

func (a *App) snapshotLoop(ctx context.Context) {
	interval := a.cfg.File.Snapshot.Interval.Std()
	if interval <= 0 {
		interval = defaultSnapshotInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.snapshot()
		}
	}
}

func (a *App) snapshot() {
	path := a.cfg.File.Snapshot.Path
	if path == "" {
		return
	}
	snap := a.export()
	if err := ledger.WriteSnapshot(path, snap); err != nil {
		logs.Errorf("write ledger snapshot, path: %s, err: %+v", path, err)
		return
	}
	if a.journal != nil {
		if _, err := a.journal.Prune(snap.LastSeq); err != nil {
			logs.Warnf("prune fill journal, err: %+v", err)
		}
	}
}

// Close releases the connections opened by New.
func (a *App) Close() error {
	var errs []error
	if a.journal != nil {
		errs = append(errs, a.journal.Close())
	}
	if a.producer != nil {
		errs = append(errs, a.producer.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return stderrors.Join(errs...)
}
