package schema

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Venue describes an execution destination. Lower Priority is preferred.
type Venue struct {
	ID       string
	Priority int
	Weight   int
}

// Instrument describes a tradable symbol. Leverage above one marks it as margined.
type Instrument struct {
	Symbol   string
	Leverage decimal.Decimal
}

// Leveraged reports whether the instrument is traded on margin.
func (i Instrument) Leveraged() bool {
	return i.Leverage.GreaterThan(decimal.NewFromInt(1))
}

// Registry stores the configured venues and instruments. It is built once at
// startup and read-only afterwards.
type Registry struct {
	venues      []Venue
	venueByID   map[string]int
	instruments map[string]Instrument
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		venueByID:   make(map[string]int),
		instruments: make(map[string]Instrument),
	}
}

// AddVenue registers a venue.
func (r *Registry) AddVenue(v Venue) error {
	if v.ID == "" {
		return fmt.Errorf("venue id is empty")
	}
	if _, ok := r.venueByID[v.ID]; ok {
		return fmt.Errorf("venue already exists: %s", v.ID)
	}
	if v.Weight <= 0 {
		v.Weight = 1
	}
	r.venueByID[v.ID] = len(r.venues)
	r.venues = append(r.venues, v)
	return nil
}

// AddInstrument registers an instrument.
func (r *Registry) AddInstrument(i Instrument) error {
	if i.Symbol == "" {
		return fmt.Errorf("instrument symbol is empty")
	}
	if _, ok := r.instruments[i.Symbol]; ok {
		return fmt.Errorf("instrument already exists: %s", i.Symbol)
	}
	if i.Leverage.IsZero() {
		i.Leverage = decimal.NewFromInt(1)
	}
	r.instruments[i.Symbol] = i
	return nil
}

// Venue returns a venue by id.
func (r *Registry) Venue(id string) (Venue, bool) {
	idx, ok := r.venueByID[id]
	if !ok {
		return Venue{}, false
	}
	return r.venues[idx], true
}

// Venues returns all venues ordered by priority, then by configuration order.
func (r *Registry) Venues() []Venue {
	out := make([]Venue, len(r.venues))
	copy(out, r.venues)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority < out[j].Priority
	})
	return out
}

// Instrument returns the instrument for symbol. Unknown symbols are treated as
// unleveraged cash instruments.
func (r *Registry) Instrument(symbol string) Instrument {
	if i, ok := r.instruments[symbol]; ok {
		return i
	}
	return Instrument{Symbol: symbol, Leverage: decimal.NewFromInt(1)}
}

// Instruments returns every configured instrument.
func (r *Registry) Instruments() []Instrument {
	out := make([]Instrument, 0, len(r.instruments))
	for _, i := range r.instruments {
		out = append(out, i)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Symbol < out[b].Symbol })
	return out
}
