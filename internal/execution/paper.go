package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"oms/internal/schema"
	"oms/pkg/exception"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
)

// PriceFunc returns the price a paper venue fills market orders at.
type PriceFunc func(ctx context.Context, symbol string) (decimal.Decimal, error)

// FillSink receives fills delivered after the acknowledgment.
type FillSink func(schema.FillEvent)

// PaperConfig configures a simulated venue.
type PaperConfig struct {
	ID      string
	Latency time.Duration
	FeeRate decimal.Decimal
	Price   PriceFunc
	// Halted symbols are rejected.
	Halted []string
	// TimeScale compresses child offsets: a child planned at offset o is
	// filled after o*TimeScale. Zero fills every child in the acknowledgment.
	TimeScale float64
	Sink      FillSink
}

// Paper is an in-memory venue that fills every accepted order in full, one
// fill per planned child. Submissions are idempotent per client order id.
type Paper struct {
	cfg    PaperConfig
	halted map[string]struct{}

	mu     sync.Mutex
	orders map[string]*paperOrder // client order id
	byID   map[string]*paperOrder // venue order id
}

type paperOrder struct {
	ack       schema.Ack
	timers    []*time.Timer
	cancelled bool
}

// NewPaper creates a paper venue.
func NewPaper(cfg PaperConfig) *Paper {
	p := &Paper{
		cfg:    cfg,
		halted: make(map[string]struct{}, len(cfg.Halted)),
		orders: make(map[string]*paperOrder),
		byID:   make(map[string]*paperOrder),
	}
	for _, s := range cfg.Halted {
		p.halted[s] = struct{}{}
	}
	return p
}

func (p *Paper) ID() string { return p.cfg.ID }

func (p *Paper) Submit(ctx context.Context, o schema.VenueOrder) (schema.Ack, error) {
	if p.cfg.Latency > 0 {
		if err := sleep(ctx, p.cfg.Latency); err != nil {
			return schema.Ack{}, err
		}
	}
	if err := ctx.Err(); err != nil {
		return schema.Ack{}, err
	}

	p.mu.Lock()
	if po, ok := p.orders[o.ClientOrderID]; ok {
		p.mu.Unlock()
		return po.ack, nil
	}
	p.mu.Unlock()

	venueOrderID := uuid.NewString()
	if _, ok := p.halted[o.Symbol]; ok {
		return p.store(o.ClientOrderID, &paperOrder{ack: schema.Ack{
			VenueOrderID: venueOrderID,
			Status:       schema.AckRejected,
			Reason:       "symbol halted",
		}}), nil
	}

	price, err := p.price(ctx, o)
	if err != nil {
		return schema.Ack{}, err
	}

	slices := o.Slices
	if len(slices) == 0 {
		slices = []schema.Slice{{Quantity: o.Quantity}}
	}

	po := &paperOrder{ack: schema.Ack{VenueOrderID: venueOrderID, Status: schema.AckAccepted}}
	var later []schema.FillEvent
	var offsets []time.Duration
	for i, s := range slices {
		f := schema.FillEvent{
			ID:       fmt.Sprintf("%s-%d", venueOrderID, i),
			OrderID:  o.ClientOrderID,
			Venue:    p.cfg.ID,
			Kind:     schema.FillKindFill,
			Quantity: s.Quantity,
			Price:    price,
			Fee:      s.Quantity.Mul(price).Mul(p.cfg.FeeRate),
			At:       time.Now(),
		}
		if s.Offset > 0 && p.cfg.TimeScale > 0 && p.cfg.Sink != nil {
			later = append(later, f)
			offsets = append(offsets, time.Duration(float64(s.Offset)*p.cfg.TimeScale))
			continue
		}
		po.ack.Fills = append(po.ack.Fills, f)
	}

	stored := p.store(o.ClientOrderID, po)
	if stored.VenueOrderID != venueOrderID {
		// lost a race with a concurrent retry of the same order
		return stored, nil
	}
	p.schedule(po, later, offsets)
	return stored, nil
}

func (p *Paper) store(clientOrderID string, po *paperOrder) schema.Ack {
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.orders[clientOrderID]; ok {
		return existing.ack
	}
	p.orders[clientOrderID] = po
	p.byID[po.ack.VenueOrderID] = po
	return po.ack
}

func (p *Paper) schedule(po *paperOrder, fills []schema.FillEvent, offsets []time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, f := range fills {
		po.timers = append(po.timers, time.AfterFunc(offsets[i], func() {
			p.mu.Lock()
			cancelled := po.cancelled
			p.mu.Unlock()
			if cancelled {
				return
			}
			f.At = time.Now()
			p.cfg.Sink(f)
		}))
	}
}

func (p *Paper) price(ctx context.Context, o schema.VenueOrder) (decimal.Decimal, error) {
	if o.Params.LimitPrice.Valid {
		return o.Params.LimitPrice.Decimal, nil
	}
	if o.Params.StopPrice.Valid {
		return o.Params.StopPrice.Decimal, nil
	}
	if p.cfg.Price == nil {
		return decimal.Zero, errors.Wrapf(exception.ErrPriceUnavailable, "paper venue %s has no price source", p.cfg.ID)
	}
	return p.cfg.Price(ctx, o.Symbol)
}

// Cancel stops fills that were not delivered yet.
func (p *Paper) Cancel(ctx context.Context, venueOrderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	po, ok := p.byID[venueOrderID]
	if !ok {
		return errors.Wrapf(exception.ErrOrderNotFound, "venue order %s", venueOrderID)
	}
	po.cancelled = true
	for _, t := range po.timers {
		t.Stop()
	}
	return nil
}

// Submitted returns how many distinct orders the venue accepted or rejected.
func (p *Paper) Submitted() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.orders)
}
