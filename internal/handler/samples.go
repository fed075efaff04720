package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/guregu/null/v5"

	"github.com/xtxerr/tcpingd/internal/errors"
	"github.com/xtxerr/tcpingd/internal/storage/ingestion"
	"github.com/xtxerr/tcpingd/internal/storage/types"
)

// ingestRequest is the body of POST /api/samples. A null delay records a
// failed probe.
type ingestRequest struct {
	Samples []ingestSample `json:"samples"`
}

type ingestSample struct {
	ServerID    string     `json:"server_id"`
	Monitor     string     `json:"monitor"`
	TimestampMs int64      `json:"timestamp_ms"`
	Delay       null.Float `json:"delay"`
	Error       string     `json:"error,omitempty"`
}

type ingestResponse struct {
	Received  int      `json:"received"`
	Stored    int      `json:"stored"`
	Duplicate int      `json:"duplicate"`
	Rejected  int      `json:"rejected"`
	Problems  []string `json:"problems,omitempty"`
}

func (h *Handler) postSamples(c *gin.Context) {
	var body ingestRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, badParam("body", "%v", err))
		return
	}
	if len(body.Samples) == 0 {
		writeError(c, badParam("samples", "must not be empty"))
		return
	}
	if len(body.Samples) > h.maxBatch {
		writeError(c, errors.NewTooLarge("%d samples exceeds maximum batch of %d", len(body.Samples), h.maxBatch))
		return
	}

	samples := make([]types.Sample, len(body.Samples))
	for i, s := range body.Samples {
		samples[i] = types.Sample{
			ServerID:    s.ServerID,
			Monitor:     s.Monitor,
			TimestampMs: s.TimestampMs,
			Delay:       s.Delay.Float64,
			Valid:       s.Delay.Valid,
			Error:       s.Error,
		}
	}

	res, err := h.ingester.Ingest(c.Request.Context(), ingestion.SourceHTTP, samples)
	if err != nil {
		writeError(c, err)
		return
	}

	status := http.StatusOK
	if res.Stored == 0 && res.Rejected > 0 {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, ingestResponse{
		Received:  res.Received,
		Stored:    res.Stored,
		Duplicate: res.Duplicate,
		Rejected:  res.Rejected,
		Problems:  res.Problems,
	})
}
