package ops

import (
	stderrors "errors"
	"os"
	"strings"
	"time"

	"oms/internal/breaker"
	"oms/internal/execution"
	"oms/internal/risk"
	"oms/internal/router"
	"oms/internal/schema"

	"github.com/bytedance/sonic"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
)

var ErrInvalidConfig = stderrors.New("ops: invalid config")

var validate = validator.New()

// Duration is a time.Duration written as a string such as "250ms".
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return errors.Wrapf(err, "parse duration %q", b)
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// FileConfig mirrors the JSON config layout.
type FileConfig struct {
	Venues      []VenueConfig      `json:"venues" validate:"required,min=1,dive"`
	Instruments []InstrumentConfig `json:"instruments" validate:"dive"`
	Accounts    []AccountConfig    `json:"accounts" validate:"dive"`
	Risk        RiskConfig         `json:"risk"`
	Breaker     BreakerConfig      `json:"breaker"`
	Execution   ExecutionConfig    `json:"execution"`
	Router      RouterConfig       `json:"router"`
	Fills       FillsConfig        `json:"fills"`
	Audit       AuditConfig        `json:"audit"`
	Market      MarketConfig       `json:"market"`
	FillFeed    FillFeedConfig     `json:"fillFeed"`
	Snapshot    SnapshotConfig     `json:"snapshot"`
	Journal     JournalConfig      `json:"journal"`
}

// VenueConfig describes a venue entry. Kind selects the implementation.
type VenueConfig struct {
	ID        string          `json:"id" validate:"required"`
	Kind      string          `json:"kind" validate:"omitempty,oneof=paper http"`
	Priority  int             `json:"priority" validate:"gte=0"`
	Weight    int             `json:"weight" validate:"gte=0"`
	BaseURL   string          `json:"baseUrl" validate:"required_if=Kind http"`
	APIKey    string          `json:"apiKey"`
	Latency   Duration        `json:"latency"`
	FeeRate   decimal.Decimal `json:"feeRate"`
	TimeScale float64         `json:"timeScale" validate:"gte=0"`
	Halted    []string        `json:"halted"`
	RateLimit float64         `json:"rateLimit" validate:"gte=0"`
	Burst     int             `json:"burst" validate:"gte=0"`
	Chaos     *ChaosConfig    `json:"chaos"`
}

// ChaosConfig wraps a venue with fault injection.
type ChaosConfig struct {
	Seed        int64    `json:"seed"`
	TimeoutRate float64  `json:"timeoutRate" validate:"gte=0,lte=1"`
	FailureRate float64  `json:"failureRate" validate:"gte=0,lte=1"`
	RejectRate  float64  `json:"rejectRate" validate:"gte=0,lte=1"`
	MaxDelay    Duration `json:"maxDelay"`
}

// InstrumentConfig describes a tradable symbol.
type InstrumentConfig struct {
	Symbol   string          `json:"symbol" validate:"required"`
	Leverage decimal.Decimal `json:"leverage"`
}

// AccountConfig seeds an account in the ledger.
type AccountConfig struct {
	ID          string          `json:"id" validate:"required"`
	Cash        decimal.Decimal `json:"cash"`
	MarginLimit decimal.Decimal `json:"marginLimit"`
}

// RiskConfig holds the pre-trade limits. They are reloaded on file change.
type RiskConfig struct {
	MaxConcentration *decimal.Decimal `json:"maxConcentration"`
	MaxDailyOrders   int              `json:"maxDailyOrders" validate:"gte=0"`
	MaxDailyNotional decimal.Decimal  `json:"maxDailyNotional"`
	LatencyBudget    Duration         `json:"latencyBudget"`
}

// BreakerConfig is the template every venue breaker is built from.
type BreakerConfig struct {
	WindowSize             int      `json:"windowSize" validate:"gte=0"`
	MinimumCalls           int      `json:"minimumCalls" validate:"gte=0"`
	FailureRateThreshold   float64  `json:"failureRateThreshold" validate:"gte=0,lte=100"`
	WaitDuration           Duration `json:"waitDuration"`
	PermittedHalfOpenCalls int      `json:"permittedHalfOpenCalls" validate:"gte=0"`
}

// ExecutionConfig configures venue calls.
type ExecutionConfig struct {
	Timeout     Duration `json:"timeout"`
	MaxRetries  int      `json:"maxRetries" validate:"gte=0,lte=10"`
	BaseBackoff Duration `json:"baseBackoff"`
	MaxBackoff  Duration `json:"maxBackoff"`
}

// RouterConfig configures routing.
type RouterConfig struct {
	SLA Duration `json:"sla"`
}

// FillsConfig sizes the fill queue.
type FillsConfig struct {
	Shards    int      `json:"shards" validate:"gte=0"`
	Capacity  int      `json:"capacity" validate:"gte=0"`
	// Retention is how long a terminal order still absorbs redelivered fills.
	Retention Duration `json:"retention"`
}

// AuditConfig configures the audit store. An empty DSN disables it.
type AuditConfig struct {
	DSN   string `json:"dsn"`
	Queue int    `json:"queue" validate:"gte=0"`
}

// MarketConfig configures reference prices. Prices seed a static table; a
// non-empty RedisAddr reads prices from redis instead.
type MarketConfig struct {
	RedisAddr string                     `json:"redisAddr"`
	RedisDB   int                        `json:"redisDb" validate:"gte=0"`
	KeyPrefix string                     `json:"keyPrefix"`
	Prices    map[string]decimal.Decimal `json:"prices"`
}

// FillFeedConfig configures the kafka fill consumer. No brokers disables it.
type FillFeedConfig struct {
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic" validate:"required_with=Brokers"`
	GroupID string   `json:"groupId" validate:"required_with=Brokers"`
}

// SnapshotConfig configures periodic ledger snapshots. An empty Path disables them.
type SnapshotConfig struct {
	Path     string   `json:"path"`
	Interval Duration `json:"interval"`
}

// JournalConfig configures the fill journal. An empty Dir disables it.
type JournalConfig struct {
	Dir             string   `json:"dir"`
	SegmentMaxBytes int64    `json:"segmentMaxBytes" validate:"gte=0"`
	FlushInterval   Duration `json:"flushInterval"`
	SyncInterval    Duration `json:"syncInterval"`
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	File      FileConfig
	Registry  *schema.Registry
	Risk      risk.Config
	Breaker   breaker.Config
	Execution execution.Config
	Router    router.Config
}

// Load reads a JSON config file, validates it and resolves defaults.
func Load(path string) (Loaded, error) {
	cfg, err := read(path)
	if err != nil {
		return Loaded{}, err
	}
	registry, err := buildRegistry(cfg)
	if err != nil {
		return Loaded{}, err
	}
	return Loaded{
		File:      cfg,
		Registry:  registry,
		Risk:      cfg.Risk.Resolve(),
		Breaker:   cfg.Breaker.Resolve(),
		Execution: cfg.Execution.Resolve(),
		Router:    cfg.Router.Resolve(cfg.Venues),
	}, nil
}

// LoadRisk reads a config file and only resolves the risk limits.
func LoadRisk(path string) (risk.Config, error) {
	cfg, err := read(path)
	if err != nil {
		return risk.Config{}, err
	}
	return cfg.Risk.Resolve(), nil
}

func read(path string) (FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, errors.Wrapf(err, "read config %s", path)
	}
	return Parse(data)
}

// Parse decodes and validates a config document.
func Parse(data []byte) (FileConfig, error) {
	var cfg FileConfig
	if err := sonic.ConfigStd.Unmarshal(data, &cfg); err != nil {
		return FileConfig{}, errors.Wrap(err, "decode config")
	}
	if err := validate.Struct(cfg); err != nil {
		return FileConfig{}, errors.Wrapf(ErrInvalidConfig, "%s", describe(err))
	}
	if cfg.Risk.MaxConcentration != nil && cfg.Risk.MaxConcentration.IsNegative() {
		return FileConfig{}, errors.Wrap(ErrInvalidConfig, "risk.maxConcentration is negative")
	}
	for _, v := range cfg.Venues {
		if v.Chaos == nil {
			continue
		}
		if err := v.Chaos.Resolve().Validate(); err != nil {
			return FileConfig{}, errors.Wrapf(ErrInvalidConfig, "venue %s: %v", v.ID, err)
		}
	}
	return cfg, nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fe.Namespace()+" failed "+fe.Tag())
	}
	return strings.Join(parts, "; ")
}

func buildRegistry(cfg FileConfig) (*schema.Registry, error) {
	reg := schema.NewRegistry()
	for _, v := range cfg.Venues {
		if err := reg.AddVenue(schema.Venue{ID: v.ID, Priority: v.Priority, Weight: v.Weight}); err != nil {
			return nil, errors.Wrap(ErrInvalidConfig, err.Error())
		}
	}
	for _, i := range cfg.Instruments {
		if err := reg.AddInstrument(schema.Instrument{Symbol: i.Symbol, Leverage: i.Leverage}); err != nil {
			return nil, errors.Wrap(ErrInvalidConfig, err.Error())
		}
	}
	return reg, nil
}

// Resolve fills in defaults.
func (c RiskConfig) Resolve() risk.Config {
	out := risk.DefaultConfig()
	if c.MaxConcentration != nil {
		out.MaxConcentration = *c.MaxConcentration
	}
	out.MaxDailyOrders = c.MaxDailyOrders
	out.MaxDailyNotional = c.MaxDailyNotional
	if c.LatencyBudget > 0 {
		out.LatencyBudget = c.LatencyBudget.Std()
	}
	return out
}

// Resolve fills in defaults. Zero fields are defaulted by the breaker itself.
func (c BreakerConfig) Resolve() breaker.Config {
	return breaker.Config{
		WindowSize:             c.WindowSize,
		MinimumCalls:           c.MinimumCalls,
		FailureRateThreshold:   c.FailureRateThreshold,
		WaitDuration:           c.WaitDuration.Std(),
		PermittedHalfOpenCalls: c.PermittedHalfOpenCalls,
	}
}

// Resolve fills in defaults.
func (c ExecutionConfig) Resolve() execution.Config {
	out := execution.DefaultConfig()
	if c.Timeout > 0 {
		out.Timeout = c.Timeout.Std()
	}
	if c.MaxRetries > 0 {
		out.MaxRetries = c.MaxRetries
	}
	if c.BaseBackoff > 0 {
		out.BaseBackoff = c.BaseBackoff.Std()
	}
	if c.MaxBackoff > 0 {
		out.MaxBackoff = c.MaxBackoff.Std()
	}
	return out
}

// Resolve builds the router config, taking rate limits from the venues.
func (c RouterConfig) Resolve(venues []VenueConfig) router.Config {
	out := router.Config{SLA: c.SLA.Std()}
	for _, v := range venues {
		if v.RateLimit <= 0 {
			continue
		}
		if out.Limits == nil {
			out.Limits = make(map[string]router.Limit)
		}
		out.Limits[v.ID] = router.Limit{Rate: v.RateLimit, Burst: v.Burst}
	}
	return out
}

// Resolve converts to the execution package's chaos settings.
func (c ChaosConfig) Resolve() execution.ChaosConfig {
	return execution.ChaosConfig{
		Seed:        c.Seed,
		TimeoutRate: c.TimeoutRate,
		FailureRate: c.FailureRate,
		RejectRate:  c.RejectRate,
		MaxDelay:    c.MaxDelay.Std(),
	}
}
