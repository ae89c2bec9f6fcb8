package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"otsentry/internal/model"
)

const gatewayReadingsPath = "/devices/%d/readings"

// GatewayOptions parameterise the HTTP gateway source.
type GatewayOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// Gateway reads current values from a field gateway that exposes one JSON
// document per device: {"timestamp": ..., "metrics": {"pressure": 71.5}, "units": {"pressure": "PSI"}}.
type Gateway struct {
	opts    GatewayOptions
	client  *http.Client
	baseURL string
	logger  zerolog.Logger
}

// NewGateway constructs a gateway-backed reading source.
func NewGateway(opts GatewayOptions, logger zerolog.Logger) *Gateway {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if strings.TrimSpace(opts.UserAgent) == "" {
		opts.UserAgent = "otsentry/1.0"
	}

	return &Gateway{
		opts:    opts,
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		logger:  logger.With().Str("component", "gateway_source").Logger(),
	}
}

// Read implements poller.ReadingSource. Metrics the device does not declare
// are ignored; samples follow the declaration order.
func (g *Gateway) Read(ctx context.Context, device model.Device) ([]model.Sample, error) {
	if g.baseURL == "" {
		return nil, fmt.Errorf("gateway base url not configured")
	}

	endpoint := g.baseURL + fmt.Sprintf(gatewayReadingsPath, device.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", g.opts.UserAgent)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request device %d readings: %w", device.ID, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseGatewayError(resp.StatusCode, payload)
	}

	var doc gatewayDocument
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("decode gateway payload: %w", err)
	}

	samples := make([]model.Sample, 0, len(device.Parameters))
	for _, spec := range device.Parameters {
		raw, ok := doc.Metrics[spec.Name]
		if !ok {
			continue
		}
		value, err := parseMetric(raw)
		if err != nil {
			g.logger.Warn().Err(err).Int64("device_id", device.ID).Str("parameter", spec.Name).Msg("skipping metric")
			continue
		}
		unit := doc.Units[spec.Name]
		if unit == "" {
			unit = spec.Unit
		}
		samples = append(samples, model.Sample{ParameterName: spec.Name, Value: value, Unit: unit})
	}
	return samples, nil
}

type gatewayDocument struct {
	Timestamp time.Time                  `json:"timestamp"`
	DeviceID  string                     `json:"device_id,omitempty"`
	Metrics   map[string]json.RawMessage `json:"metrics"`
	Units     map[string]string          `json:"units,omitempty"`
}

type gatewayError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// parseMetric accepts JSON numbers and numeric strings.
func parseMetric(raw json.RawMessage) (decimal.Decimal, error) {
	text := strings.TrimSpace(string(raw))
	if unquoted, err := strconv.Unquote(text); err == nil {
		text = unquoted
	}
	value, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse metric %s: %w", text, err)
	}
	return value, nil
}

func parseGatewayError(status int, payload []byte) error {
	var apiErr gatewayError
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("gateway error (%d): %s", status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("gateway error (%d): %s", status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("gateway error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("gateway error (%d)", status)
}
