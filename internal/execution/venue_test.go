package execution

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"oms/internal/schema"
	"oms/pkg/exception"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedPrice(p string) PriceFunc {
	return func(context.Context, string) (decimal.Decimal, error) {
		return decimal.RequireFromString(p), nil
	}
}

func TestPaperFillsAndIsIdempotent(t *testing.T) {
	p := NewPaper(PaperConfig{ID: "paper", Price: fixedPrice("150"), FeeRate: decimal.RequireFromString("0.001")})
	o := order()
	o.Quantity = decimal.NewFromInt(100)

	ack, err := p.Submit(t.Context(), o)
	require.NoError(t, err)
	assert.Equal(t, schema.AckAccepted, ack.Status)
	require.Len(t, ack.Fills, 1)
	assert.Equal(t, "100", ack.Fills[0].Quantity.String())
	assert.Equal(t, "150", ack.Fills[0].Price.String())
	assert.Equal(t, "15", ack.Fills[0].Fee.String())
	assert.Equal(t, "o-1", ack.Fills[0].OrderID)

	again, err := p.Submit(t.Context(), o)
	require.NoError(t, err)
	assert.Equal(t, ack.VenueOrderID, again.VenueOrderID)
	assert.Equal(t, 1, p.Submitted())
}

func TestPaperSlicesAndLimitPrice(t *testing.T) {
	p := NewPaper(PaperConfig{ID: "paper"})
	o := order()
	o.Quantity = decimal.NewFromInt(10)
	o.Params.LimitPrice = decimal.NewNullDecimal(decimal.NewFromInt(99))
	o.Slices = []schema.Slice{{Quantity: decimal.NewFromInt(4)}, {Quantity: decimal.NewFromInt(6), Offset: time.Minute}}

	ack, err := p.Submit(t.Context(), o)
	require.NoError(t, err)
	require.Len(t, ack.Fills, 2)
	assert.NotEqual(t, ack.Fills[0].ID, ack.Fills[1].ID)
	assert.Equal(t, "99", ack.Fills[1].Price.String())
}

func TestPaperDeliversLaterChildrenToSink(t *testing.T) {
	var mu sync.Mutex
	var got []schema.FillEvent
	p := NewPaper(PaperConfig{ID: "paper", Price: fixedPrice("10"), TimeScale: 0.001, Sink: func(f schema.FillEvent) {
		mu.Lock()
		got = append(got, f)
		mu.Unlock()
	}})
	o := order()
	o.Quantity = decimal.NewFromInt(3)
	o.Slices = []schema.Slice{
		{Quantity: decimal.NewFromInt(1)},
		{Quantity: decimal.NewFromInt(1), Offset: 10 * time.Second},
		{Quantity: decimal.NewFromInt(1), Offset: 20 * time.Second},
	}

	ack, err := p.Submit(t.Context(), o)
	require.NoError(t, err)
	assert.Len(t, ack.Fills, 1)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestPaperCancelStopsPendingFills(t *testing.T) {
	var mu sync.Mutex
	delivered := 0
	p := NewPaper(PaperConfig{ID: "paper", Price: fixedPrice("10"), TimeScale: 1, Sink: func(schema.FillEvent) {
		mu.Lock()
		delivered++
		mu.Unlock()
	}})
	o := order()
	o.Slices = []schema.Slice{{Quantity: decimal.NewFromInt(1), Offset: 50 * time.Millisecond}}

	ack, err := p.Submit(t.Context(), o)
	require.NoError(t, err)
	require.NoError(t, p.Cancel(t.Context(), ack.VenueOrderID))
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	assert.Zero(t, delivered)
	mu.Unlock()
	assert.ErrorIs(t, p.Cancel(t.Context(), "missing"), exception.ErrOrderNotFound)
}

func TestPaperRejectsHaltedAndMissingPrice(t *testing.T) {
	p := NewPaper(PaperConfig{ID: "paper", Halted: []string{"AAPL"}})
	ack, err := p.Submit(t.Context(), order())
	require.NoError(t, err)
	assert.Equal(t, schema.AckRejected, ack.Status)

	o := order()
	o.ClientOrderID = "o-2"
	o.Symbol = "MSFT"
	_, err = p.Submit(t.Context(), o)
	assert.ErrorIs(t, err, exception.ErrPriceUnavailable)
}

func TestChaosValidate(t *testing.T) {
	_, err := NewChaos(NewPaper(PaperConfig{ID: "p"}), ChaosConfig{FailureRate: 1.5})
	assert.Error(t, err)
	_, err = NewChaos(NewPaper(PaperConfig{ID: "p"}), ChaosConfig{MaxDelay: -1})
	assert.Error(t, err)
}

func TestChaosInjectsFaults(t *testing.T) {
	c, err := NewChaos(NewPaper(PaperConfig{ID: "p", Price: fixedPrice("1")}), ChaosConfig{Seed: 7, FailureRate: 1})
	require.NoError(t, err)
	assert.Equal(t, "p", c.ID())

	_, err = c.Submit(t.Context(), order())
	assert.ErrorIs(t, err, ErrInjectedFailure)

	require.NoError(t, c.SetConfig(ChaosConfig{RejectRate: 1}))
	ack, err := c.Submit(t.Context(), order())
	require.NoError(t, err)
	assert.Equal(t, schema.AckRejected, ack.Status)

	require.NoError(t, c.SetConfig(ChaosConfig{TimeoutRate: 1}))
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	_, err = c.Submit(ctx, order())
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, c.SetConfig(ChaosConfig{}))
	ack, err = c.Submit(t.Context(), order())
	require.NoError(t, err)
	assert.Equal(t, schema.AckAccepted, ack.Status)
}

func TestHTTPVenue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))
		switch r.URL.Path {
		case "/orders":
			body, _ := io.ReadAll(r.Body)
			var o schema.VenueOrder
			assert.NoError(t, sonic.Unmarshal(body, &o))
			switch o.Symbol {
			case "DOWN":
				w.WriteHeader(http.StatusBadGateway)
			case "BAD":
				w.WriteHeader(http.StatusUnprocessableEntity)
				_, _ = w.Write([]byte(`{"error":{"code":1001,"message":"lot size"}}`))
			default:
				_, _ = w.Write([]byte(`{"result":{"venueOrderId":"X-1","status":1}}`))
			}
		case "/orders/X-1/cancel":
			_, _ = w.Write([]byte(`{"result":{}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"code":404,"message":"not found"}}`))
		}
	}))
	defer srv.Close()

	v := NewHTTPVenue(HTTPConfig{ID: "gw", BaseURL: srv.URL + "/", APIKey: "secret"}, srv.Client())

	ack, err := v.Submit(t.Context(), order())
	require.NoError(t, err)
	assert.Equal(t, "X-1", ack.VenueOrderID)
	assert.Equal(t, schema.AckAccepted, ack.Status)

	bad := order()
	bad.Symbol = "BAD"
	ack, err = v.Submit(t.Context(), bad)
	require.NoError(t, err)
	assert.Equal(t, schema.AckRejected, ack.Status)
	assert.Equal(t, "lot size", ack.Reason)

	down := order()
	down.Symbol = "DOWN"
	_, err = v.Submit(t.Context(), down)
	assert.ErrorIs(t, err, ErrVenueUnavailable)

	require.NoError(t, v.Cancel(t.Context(), "X-1"))
	assert.Error(t, v.Cancel(t.Context(), "X-2"))
}
