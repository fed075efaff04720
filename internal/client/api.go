// Package client talks to a running tcpingd.
//
// API wraps the HTTP endpoints used by tcpingctl. Ingest pushes sample
// batches over the wire protocol of the ingest listener.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/guregu/null/v5"

	"github.com/xtxerr/tcpingd/internal/errors"
	"github.com/xtxerr/tcpingd/internal/inventory"
	"github.com/xtxerr/tcpingd/internal/storage/types"
)

// APIConfig configures the HTTP client.
type APIConfig struct {
	BaseURL string
	Timeout time.Duration
}

// API is a client for the HTTP API.
type API struct {
	base *url.URL
	http *http.Client
}

// NewAPI creates an HTTP API client.
func NewAPI(cfg APIConfig) (*API, error) {
	if cfg.BaseURL == "" {
		return nil, errors.NewMissingField("base_url")
	}
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || u.Host == "" {
		return nil, errors.NewInvalidValue("base_url", cfg.BaseURL, "must be an absolute URL")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &API{base: u, http: &http.Client{Timeout: cfg.Timeout}}, nil
}

// Series is a resampled latency table.
type Series struct {
	ServerID    string   `json:"server_id"`
	Interval    string   `json:"interval"`
	Aggregation string   `json:"aggregation"`
	Since       string   `json:"since"`
	Until       string   `json:"until"`
	Monitors    []string `json:"monitors"`
	Rows        []Row    `json:"rows"`
}

// Row is one bucket of a Series. Missing values are null.
type Row struct {
	Timestamp string                `json:"timestamp"`
	Values    map[string]null.Float `json:"values"`
}

// RawSample is one stored sample as the raw endpoint reports it.
type RawSample struct {
	ServerID    string     `json:"server_id"`
	MonitorName string     `json:"monitor_name"`
	AvgDelay    null.Float `json:"avg_delay"`
	CreatedAt   string     `json:"created_at"`
	Error       string     `json:"error,omitempty"`
}

// Health is the /health body.
type Health struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
	Error  string `json:"error,omitempty"`
}

// IngestResult is the POST /api/samples reply.
type IngestResult struct {
	Received  int      `json:"received"`
	Stored    int      `json:"stored"`
	Duplicate int      `json:"duplicate"`
	Rejected  int      `json:"rejected"`
	Problems  []string `json:"problems,omitempty"`
}

// LatencyParams are the optional query parameters of a latency request.
// Zero values are omitted and the server defaults apply.
type LatencyParams struct {
	Since       time.Time
	Until       time.Time
	Resample    string
	Aggregation string
	Backfill    *bool
}

func (p LatencyParams) values() url.Values {
	v := url.Values{}
	if !p.Since.IsZero() {
		v.Set("since", p.Since.UTC().Format(time.RFC3339))
	}
	if !p.Until.IsZero() {
		v.Set("until", p.Until.UTC().Format(time.RFC3339))
	}
	if p.Resample != "" {
		v.Set("resample", p.Resample)
	}
	if p.Aggregation != "" {
		v.Set("agg", p.Aggregation)
	}
	if p.Backfill != nil {
		v.Set("backfill", strconv.FormatBool(*p.Backfill))
	}
	return v
}

// Servers lists the known servers.
func (a *API) Servers(ctx context.Context) ([]inventory.Server, error) {
	var resp struct {
		Servers []inventory.Server `json:"servers"`
	}
	if err := a.do(ctx, http.MethodGet, "/api/servers", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Servers, nil
}

// Latency fetches the resampled series of one server.
func (a *API) Latency(ctx context.Context, serverID string, p LatencyParams) (*Series, error) {
	var s Series
	path := "/api/monitors/" + url.PathEscape(serverID) + "/latency"
	if err := a.do(ctx, http.MethodGet, path, p.values(), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Raw fetches the stored samples of one server since a point in time.
func (a *API) Raw(ctx context.Context, serverID string, since time.Time) ([]RawSample, error) {
	v := url.Values{}
	if !since.IsZero() {
		v.Set("since", strconv.FormatInt(since.UnixMilli(), 10))
	}
	var resp struct {
		Data []RawSample `json:"data"`
	}
	if err := a.do(ctx, http.MethodGet, "/api/tcping/"+url.PathEscape(serverID), v, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Health reports server health. An unhealthy server still returns its
// body along with an ErrUpstreamUnavailable error.
func (a *API) Health(ctx context.Context) (*Health, error) {
	var h Health
	err := a.do(ctx, http.MethodGet, "/health", nil, nil, &h)
	if err != nil && h.Status == "" {
		return nil, err
	}
	return &h, err
}

// PostSamples pushes samples through the HTTP ingest endpoint.
func (a *API) PostSamples(ctx context.Context, samples []types.Sample) (*IngestResult, error) {
	type sample struct {
		ServerID    string     `json:"server_id"`
		Monitor     string     `json:"monitor"`
		TimestampMs int64      `json:"timestamp_ms"`
		Delay       null.Float `json:"delay"`
		Error       string     `json:"error,omitempty"`
	}
	body := struct {
		Samples []sample `json:"samples"`
	}{Samples: make([]sample, len(samples))}
	for i, s := range samples {
		body.Samples[i] = sample{
			ServerID:    s.ServerID,
			Monitor:     s.Monitor,
			TimestampMs: s.TimestampMs,
			Delay:       null.NewFloat(s.Delay, s.Valid),
			Error:       s.Error,
		}
	}

	var res IngestResult
	err := a.do(ctx, http.MethodPost, "/api/samples", nil, body, &res)
	if err != nil && res.Received == 0 {
		return nil, err
	}
	return &res, err
}

// do sends one request and decodes the reply into out. Error replies are
// mapped back to the sentinel of their kind. For a non-2xx reply whose body
// is not an error envelope, out is still decoded when possible.
func (a *API) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := *a.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = query.Encode()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return errors.NewUpstream("tcpingd", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode/100 == 2 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}

	var env struct {
		Error *struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(data, &env) == nil && env.Error != nil {
		return fmt.Errorf("%s: %w", env.Error.Message, errors.KindToError(env.Error.Kind))
	}

	_ = json.Unmarshal(data, out)
	switch resp.StatusCode {
	case http.StatusServiceUnavailable:
		return fmt.Errorf("%s: %w", resp.Status, errors.ErrUpstreamUnavailable)
	case http.StatusUnprocessableEntity:
		return fmt.Errorf("%s: %w", resp.Status, errors.ErrInvalidSample)
	}
	return fmt.Errorf("%s: %w", resp.Status, errors.ErrInternal)
}
