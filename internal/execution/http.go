package execution

import (
	"bytes"
	"context"
	stderrors "errors"
	"net/http"
	"net/url"
	"strings"

	"oms/internal/schema"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"
)

// ErrVenueUnavailable is returned when a venue answers with a server error.
var ErrVenueUnavailable = stderrors.New("venue unavailable")

// Response is the envelope of every HTTP venue answer.
type Response[T any] struct {
	Error ResponseError `json:"error,omitempty"`
	Data  T             `json:"result"`
}

// ResponseError is set when the venue refused the request.
type ResponseError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// HTTPConfig configures a JSON-over-HTTP venue gateway.
type HTTPConfig struct {
	ID      string
	BaseURL string
	APIKey  string
}

// HTTPVenue submits orders to a venue gateway speaking JSON over HTTP.
type HTTPVenue struct {
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTPVenue creates an HTTP venue. Call timeouts come from the context the
// adapter passes in, so client may have no timeout of its own.
func NewHTTPVenue(cfg HTTPConfig, client *http.Client) *HTTPVenue {
	if client == nil {
		client = http.DefaultClient
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &HTTPVenue{cfg: cfg, client: client}
}

func (v *HTTPVenue) ID() string { return v.cfg.ID }

func (v *HTTPVenue) Submit(ctx context.Context, o schema.VenueOrder) (schema.Ack, error) {
	payload, err := sonic.ConfigFastest.Marshal(o)
	if err != nil {
		return schema.Ack{}, errors.Wrap(err, "marshal venue order")
	}

	var data Response[schema.Ack]
	status, err := v.do(ctx, http.MethodPost, v.cfg.BaseURL+"/orders", payload, &data)
	if err != nil {
		return schema.Ack{}, err
	}
	if data.Error.Code != 0 || status >= http.StatusBadRequest {
		ack := data.Data
		ack.Status = schema.AckRejected
		ack.Reason = data.Error.Message
		return ack, nil
	}
	if data.Data.Status == schema.AckUnknown {
		data.Data.Status = schema.AckAccepted
	}
	return data.Data, nil
}

func (v *HTTPVenue) Cancel(ctx context.Context, venueOrderID string) error {
	var data Response[struct{}]
	status, err := v.do(ctx, http.MethodPost, v.cfg.BaseURL+"/orders/"+url.PathEscape(venueOrderID)+"/cancel", nil, &data)
	if err != nil {
		return err
	}
	if data.Error.Code != 0 || status >= http.StatusBadRequest {
		return errors.Errorf("cancel %s refused, code: %d, message: %s", venueOrderID, data.Error.Code, data.Error.Message)
	}
	return nil
}

func (v *HTTPVenue) do(ctx context.Context, method, endpoint string, payload []byte, out any) (int, error) {
	r, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, errors.Wrap(err, "new request")
	}
	r.Header.Set("Content-Type", "application/json")
	if v.cfg.APIKey != "" {
		r.Header.Set("X-API-Key", v.cfg.APIKey)
	}

	resp, err := v.client.Do(r)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return resp.StatusCode, errors.Wrapf(ErrVenueUnavailable, "venue %s status %d", v.cfg.ID, resp.StatusCode)
	}
	if err := sonic.ConfigFastest.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, errors.Wrap(err, "decode venue response")
	}
	return resp.StatusCode, nil
}
