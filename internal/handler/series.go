package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/guregu/null/v5"

	"github.com/xtxerr/tcpingd/internal/storage/query"
	"github.com/xtxerr/tcpingd/internal/storage/types"
)

// seriesResponse is the body of GET /api/monitors/:serverId/latency. Every
// row carries a value for every monitor; missing values are JSON null.
type seriesResponse struct {
	ServerID    string        `json:"server_id"`
	Interval    string        `json:"interval"`
	Aggregation string        `json:"aggregation"`
	Since       string        `json:"since"`
	Until       string        `json:"until"`
	Monitors    []string      `json:"monitors"`
	Rows        []rowResponse `json:"rows"`
}

type rowResponse struct {
	Timestamp string                `json:"timestamp"`
	Values    map[string]null.Float `json:"values"`
}

func (h *Handler) getLatency(c *gin.Context) {
	req, err := parseSeriesRequest(c)
	if err != nil {
		writeError(c, err)
		return
	}

	series, err := h.query.GetSeries(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, newSeriesResponse(series))
}

func newSeriesResponse(s *query.Series) seriesResponse {
	resp := seriesResponse{
		ServerID:    s.ServerID,
		Interval:    s.Interval.String(),
		Aggregation: s.Aggregation.String(),
		Since:       formatTime(s.Since),
		Until:       formatTime(s.Until),
		Monitors:    s.Monitors,
		Rows:        make([]rowResponse, len(s.Rows)),
	}

	for i, row := range s.Rows {
		values := make(map[string]null.Float, len(s.Monitors))
		for _, m := range s.Monitors {
			values[m] = row.Values[m]
		}
		resp.Rows[i] = rowResponse{
			Timestamp: formatTime(time.UnixMilli(row.TimestampMs)),
			Values:    values,
		}
	}
	return resp
}

func parseSeriesRequest(c *gin.Context) (query.Request, error) {
	req := query.Request{ServerID: c.Param("serverId")}

	var err error
	if req.Since, err = parseTime(c.Query("since")); err != nil {
		return req, badParam("since", "%v", err)
	}
	if req.Until, err = parseTime(c.Query("until")); err != nil {
		return req, badParam("until", "%v", err)
	}

	if s := c.Query("resample"); s != "" && s != "auto" {
		if req.Interval, err = types.ParseInterval(s); err != nil {
			return req, badParam("resample", "%v", err)
		}
	}

	if req.Aggregation, err = types.ParseAggregation(c.Query("agg")); err != nil {
		return req, badParam("agg", "%v", err)
	}

	if s := c.Query("backfill"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return req, badParam("backfill", "must be true or false")
		}
		req.Backfill = &b
	}

	return req, nil
}

// parseTime accepts RFC 3339 or Unix milliseconds. Empty means unset.
func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}

	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		if ms <= 0 {
			return time.Time{}, strconv.ErrRange
		}
		return time.UnixMilli(ms).UTC(), nil
	}

	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// =============================================================================
// Raw samples
// =============================================================================

type rawSample struct {
	ServerID    string     `json:"server_id"`
	MonitorName string     `json:"monitor_name"`
	AvgDelay    null.Float `json:"avg_delay"`
	CreatedAt   string     `json:"created_at"`
	Error       string     `json:"error,omitempty"`
}

type rawResponse struct {
	Data []rawSample `json:"data"`
}

// getRawSamples returns stored samples strictly after since, or the last
// day when since is omitted.
func (h *Handler) getRawSamples(c *gin.Context) {
	since, err := parseTime(c.Query("since"))
	if err != nil {
		writeError(c, badParam("since", "%v", err))
		return
	}

	samples, err := h.query.RawSamples(c.Request.Context(), c.Param("serverId"), since)
	if err != nil {
		writeError(c, err)
		return
	}

	resp := rawResponse{Data: make([]rawSample, len(samples))}
	for i := range samples {
		s := &samples[i]
		resp.Data[i] = rawSample{
			ServerID:    s.ServerID,
			MonitorName: s.Monitor,
			AvgDelay:    null.NewFloat(s.Delay, s.Valid),
			CreatedAt:   time.UnixMilli(s.TimestampMs).UTC().Format(time.RFC3339Nano),
			Error:       s.Error,
		}
	}

	c.JSON(http.StatusOK, resp)
}
