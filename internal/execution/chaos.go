package execution

import (
	"context"
	stderrors "errors"
	"math/rand"
	"sync"
	"time"

	"oms/internal/schema"

	"github.com/yanun0323/errors"
)

// ErrInjectedFailure is the transport error a Chaos venue injects.
var ErrInjectedFailure = stderrors.New("chaos: injected transport failure")

// ChaosConfig controls fault injection. Rates are probabilities in [0, 1]
// and are rolled in order: timeout, failure, reject.
type ChaosConfig struct {
	Seed        int64
	TimeoutRate float64
	FailureRate float64
	RejectRate  float64
	MaxDelay    time.Duration
}

// Validate ensures the config is within supported ranges.
func (c ChaosConfig) Validate() error {
	rates := []struct {
		name string
		v    float64
	}{
		{"timeoutRate", c.TimeoutRate},
		{"failureRate", c.FailureRate},
		{"rejectRate", c.RejectRate},
	}
	for _, r := range rates {
		if r.v < 0 || r.v > 1 {
			return errors.Errorf("%s must be between 0 and 1", r.name)
		}
	}
	if c.TimeoutRate+c.FailureRate+c.RejectRate > 1 {
		return errors.Errorf("fault rates must sum to at most 1")
	}
	if c.MaxDelay < 0 {
		return errors.Errorf("maxDelay must be >= 0")
	}
	return nil
}

// Chaos wraps a venue and injects timeouts, transport failures, rejects and
// delay before forwarding.
type Chaos struct {
	inner Venue

	mu  sync.Mutex
	cfg ChaosConfig
	rng *rand.Rand
}

// NewChaos wraps inner with fault injection.
func NewChaos(inner Venue, cfg ChaosConfig) (*Chaos, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UTC().UnixNano()
	}
	return &Chaos{inner: inner, cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed))}, nil
}

// SetConfig swaps the injection rates. The random source is kept.
func (c *Chaos) SetConfig(cfg ChaosConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cfg.Seed = c.cfg.Seed
	c.cfg = cfg
	return nil
}

func (c *Chaos) ID() string { return c.inner.ID() }

type fault uint8

const (
	faultNone fault = iota
	faultTimeout
	faultFailure
	faultReject
)

func (c *Chaos) roll() (fault, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var delay time.Duration
	if c.cfg.MaxDelay > 0 {
		delay = time.Duration(c.rng.Int63n(int64(c.cfg.MaxDelay) + 1))
	}
	switch {
	case c.cfg.TimeoutRate > 0 && c.rng.Float64() < c.cfg.TimeoutRate:
		return faultTimeout, delay
	case c.cfg.FailureRate > 0 && c.rng.Float64() < c.cfg.FailureRate:
		return faultFailure, delay
	case c.cfg.RejectRate > 0 && c.rng.Float64() < c.cfg.RejectRate:
		return faultReject, delay
	default:
		return faultNone, delay
	}
}

func (c *Chaos) Submit(ctx context.Context, o schema.VenueOrder) (schema.Ack, error) {
	f, delay := c.roll()
	if f == faultTimeout {
		<-ctx.Done()
		return schema.Ack{}, ctx.Err()
	}
	if delay > 0 {
		if err := sleep(ctx, delay); err != nil {
			return schema.Ack{}, err
		}
	}
	switch f {
	case faultFailure:
		return schema.Ack{}, errors.Wrapf(ErrInjectedFailure, "venue %s", c.inner.ID())
	case faultReject:
		return schema.Ack{Status: schema.AckRejected, Reason: "chaos: injected reject"}, nil
	}
	return c.inner.Submit(ctx, o)
}

func (c *Chaos) Cancel(ctx context.Context, venueOrderID string) error {
	return c.inner.Cancel(ctx, venueOrderID)
}
