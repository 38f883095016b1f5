package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/samber/lo"
)

const statsTimeout = 15 * time.Second

// HTTPMonitor reads shard usage from the VDC control plane's storage
// stats endpoint.
type HTTPMonitor struct {
	http *retryablehttp.Client
	base string
}

func NewHTTPMonitor(baseURL string) *HTTPMonitor {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.HTTPClient.Timeout = statsTimeout
	client.Logger = nil

	return &HTTPMonitor{http: client, base: baseURL}
}

type shardStatsDTO struct {
	WID      uint64  `json:"wid"`
	FarmName string  `json:"farm"`
	Used     float64 `json:"used"`
	Total    float64 `json:"total"`
}

func (m *HTTPMonitor) Stats(ctx context.Context) ([]ShardStats, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, m.base+"/api/storage/stats", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := m.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to read storage stats: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("control plane returned %s", resp.Status)
	}

	var dtos []shardStatsDTO
	if err := json.NewDecoder(resp.Body).Decode(&dtos); err != nil {
		return nil, fmt.Errorf("failed to decode storage stats: %w", err)
	}

	return lo.Map(dtos, func(dto shardStatsDTO, _ int) ShardStats {
		return ShardStats(dto)
	}), nil
}
