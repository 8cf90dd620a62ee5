package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"recsys-proxy-cache/internal/fingerprint"
	"recsys-proxy-cache/internal/metrics"
)

const maxRequestSize = 8 * 1024 * 1024 // 8MB total JSON payload

// Score implements Scorer by calling POST {BaseURL}/v1/models/{model}:predict.
func (c *PredictClient) Score(parentCtx context.Context, req *Request) ([]float64, error) {
	start := time.Now()

	if req == nil || len(req.Items) == 0 {
		return nil, fmt.Errorf("backend: empty predict request")
	}

	scores, err := c.predict(parentCtx, req)

	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.BackendLatencySeconds.WithLabelValues(req.Model, result).Observe(time.Since(start).Seconds())
	metrics.BackendBatchSize.Observe(float64(len(req.Items)))

	if err != nil {
		c.logger.Warn("predict failed",
			zap.String("model", req.Model),
			zap.Int("items", len(req.Items)),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
		return nil, err
	}

	c.logger.Debug("predict completed",
		zap.String("model", req.Model),
		zap.Int("items", len(req.Items)),
		zap.Duration("duration", time.Since(start)),
	)
	return scores, nil
}

func (c *PredictClient) predict(parentCtx context.Context, req *Request) ([]float64, error) {
	inputs := make(map[string]any, len(req.Context)+1)
	for field, values := range req.Context {
		// callers outside the coordinator skip Limits.Validate
		if field == itemIDInput {
			return nil, &fingerprint.EncodingError{Field: "context." + field, Reason: "is reserved for item ids"}
		}
		if values == nil {
			values = []string{}
		}
		inputs[field] = values
	}
	inputs[itemIDInput] = [][]int64{req.Items}

	bodyBytes, err := json.Marshal(predictRequest{Inputs: inputs})
	if err != nil {
		return nil, fmt.Errorf("backend: marshal predict request: %w", err)
	}
	if len(bodyBytes) > maxRequestSize {
		return nil, &ComputeError{
			Model:  req.Model,
			Reason: fmt.Sprintf("request too large (%d bytes, max %d)", len(bodyBytes), maxRequestSize),
		}
	}

	// per-batch deadline
	ctx, cancel := context.WithTimeout(parentCtx, c.cfg.Timeout)
	defer cancel()

	endpoint := c.cfg.BaseURL + "/v1/models/" + url.PathEscape(req.Model) + ":predict"

	// doOnce builds a fresh *http.Request for each attempt
	doOnce := func(ctx context.Context, body []byte) (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("backend: build HTTP request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		return c.httpClient.Do(httpReq)
	}

	resp, err := c.doWithRetry(ctx, bodyBytes, doOnce)
	if err != nil {
		return nil, unavailable(req.Model, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

		msg := truncate(string(body), 200)
		var perr predictErrorResponse
		if err := json.Unmarshal(body, &perr); err == nil && perr.Error != "" {
			msg = perr.Error
		}

		if shouldRetryStatus(resp.StatusCode) {
			return nil, unavailable(req.Model, fmt.Errorf("upstream %d: %s", resp.StatusCode, msg))
		}
		return nil, &ComputeError{Model: req.Model, Status: resp.StatusCode, Reason: msg}
	}

	var pResp predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&pResp); err != nil {
		if ctx.Err() != nil {
			return nil, unavailable(req.Model, ctx.Err())
		}
		return nil, &ComputeError{Model: req.Model, Reason: "decode predict response: " + err.Error()}
	}

	scores, err := decodeScores(pResp.Outputs)
	if err != nil {
		return nil, &ComputeError{Model: req.Model, Reason: err.Error()}
	}
	if len(scores) != len(req.Items) {
		return nil, &ComputeError{
			Model:  req.Model,
			Reason: fmt.Sprintf("got %d scores for %d items", len(scores), len(req.Items)),
		}
	}
	return scores, nil
}

// truncate limits string length for logging
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
