package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	apperrors "github.com/botfleet/botfleet/internal/common/errors"
	v1 "github.com/botfleet/botfleet/pkg/api/v1"
)

// ConfigFetcher retrieves a worker's effective configuration during
// bootstrap.
type ConfigFetcher interface {
	Fetch(ctx context.Context, agentID string) (*v1.AgentConfigResponse, error)
}

// ConfigClient fetches agent configuration from the control plane's internal
// config endpoint.
type ConfigClient struct {
	baseURL string
	client  *http.Client
}

// NewConfigClient creates a config client for the manager at baseURL.
func NewConfigClient(baseURL string) *ConfigClient {
	return &ConfigClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: configFetchTimeout},
	}
}

// Fetch returns the agent's effective configuration. A 404 maps to a
// not-found error so callers can tell a deleted agent from an unreachable
// manager.
func (c *ConfigClient) Fetch(ctx context.Context, agentID string) (*v1.AgentConfigResponse, error) {
	url := fmt.Sprintf("%s/agents/%s/config", c.baseURL, agentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build config request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch agent config: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, apperrors.NotFound("agent config", agentID)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("fetch agent config: unexpected status %d", resp.StatusCode)
	}

	var cfg v1.AgentConfigResponse
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode agent config: %w", err)
	}
	return &cfg, nil
}
