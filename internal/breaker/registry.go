package breaker

import (
	stderrors "errors"
	"sort"

	"github.com/yanun0323/errors"
)

var ErrUnknownBreaker = stderrors.New("circuit breaker not registered")

// Registry owns one breaker per venue. It is created at startup, handed to the
// router, and never grows afterwards; Reset is the only admin mutation.
type Registry struct {
	breakers map[string]*Breaker
}

// NewRegistry creates a breaker for every id using cfg as template.
func NewRegistry(cfg Config, ids ...string) *Registry {
	r := &Registry{breakers: make(map[string]*Breaker, len(ids))}
	for _, id := range ids {
		c := cfg
		c.Name = id
		r.breakers[id] = New(c)
	}
	return r
}

// Get returns the breaker for id.
func (r *Registry) Get(id string) (*Breaker, bool) {
	b, ok := r.breakers[id]
	return b, ok
}

// Reset forces the breaker for id back to CLOSED.
func (r *Registry) Reset(id string) error {
	b, ok := r.breakers[id]
	if !ok {
		return errors.Wrapf(ErrUnknownBreaker, "id: %s", id)
	}
	b.Reset()
	return nil
}

// IDs returns the registered ids in lexical order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.breakers))
	for id := range r.breakers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stats returns a view of every breaker.
func (r *Registry) Stats() []Stats {
	ids := r.IDs()
	out := make([]Stats, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.breakers[id].Stats())
	}
	return out
}
