package cirrus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spotnest/spotnest/internal/providers"
	"github.com/spotnest/spotnest/internal/resilience"
)

// Client implements providers.CpuProvider against the Cirrus compute API, a
// conventional zoned VM service hosting the standby mirrors. Mirror traffic
// is far lighter than marketplace traffic, so calls share a breaker but need
// no rate gate.
type Client struct {
	apiKey  string
	baseURL string
	client  *http.Client
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig
}

func NewClient(apiKey, baseURL string, timeout time.Duration) *Client {
	return &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		breaker: resilience.NewCircuitBreaker(resilience.DefaultSettings),
		retry:   resilience.ProviderRetryConfig,
	}
}

// SetMaxRetries overrides the per-call retry budget.
func (c *Client) SetMaxRetries(n int) {
	if n >= 0 {
		c.retry.MaxRetries = n
	}
}

type wireInstance struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	SSHHost  string `json:"ssh_host"`
	SSHPort  int    `json:"ssh_port"`
	PublicIP string `json:"public_ip"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	_, err := resilience.RetryWithCircuitBreaker(ctx, c.breaker, "cirrus", c.retry, func() (struct{}, error) {
		var reader io.Reader
		if body != nil {
			payload, err := json.Marshal(body)
			if err != nil {
				return struct{}{}, fmt.Errorf("failed to marshal request: %w", err)
			}
			reader = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return struct{}{}, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return struct{}{}, fmt.Errorf("API request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			respBody, _ := io.ReadAll(resp.Body)
			return struct{}{}, &resilience.HTTPError{StatusCode: resp.StatusCode, Message: string(respBody)}
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return struct{}{}, fmt.Errorf("failed to decode response: %w", err)
			}
		}
		return struct{}{}, nil
	})
	return err
}

func (c *Client) CreateMirror(ctx context.Context, spec providers.MirrorSpec) (string, error) {
	createReq := map[string]interface{}{
		"zone":         spec.Zone,
		"machine_type": spec.MachineType,
		"spot":         spec.UseSpot,
		"disk_gb":      spec.DiskGB,
		"ssh_key":      spec.SSHPubKey,
		"label":        spec.Label,
	}

	var result wireInstance
	if err := c.do(ctx, http.MethodPost, "/v1/instances", createReq, &result); err != nil {
		return "", fmt.Errorf("create mirror in %s: %w", spec.Zone, err)
	}
	if result.ID == "" {
		return "", fmt.Errorf("create mirror in %s: provider returned no id", spec.Zone)
	}
	return result.ID, nil
}

func (c *Client) GetMirror(ctx context.Context, mirrorID string) (*providers.InstanceStatus, error) {
	var result wireInstance
	if err := c.do(ctx, http.MethodGet, "/v1/instances/"+mirrorID, nil, &result); err != nil {
		return nil, fmt.Errorf("get mirror %s: %w", mirrorID, err)
	}
	return &providers.InstanceStatus{
		Status:   result.Status,
		SSHHost:  result.SSHHost,
		SSHPort:  result.SSHPort,
		PublicIP: result.PublicIP,
	}, nil
}

func (c *Client) DestroyMirror(ctx context.Context, mirrorID string) error {
	err := c.do(ctx, http.MethodDelete, "/v1/instances/"+mirrorID, nil, nil)
	if err != nil {
		var httpErr *resilience.HTTPError
		// Destroy is idempotent: a missing mirror is already destroyed.
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("destroy mirror %s: %w", mirrorID, err)
	}
	return nil
}
