package vastai

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

	"github.com/spotnest/spotnest/internal/models"
	"github.com/spotnest/spotnest/internal/providers"
	"github.com/spotnest/spotnest/internal/resilience"
)

// Client implements providers.GpuProvider against the Vast.ai marketplace
// API. Every outbound call passes through a shared rate gate; the provider
// 429s aggressively under parallel launch bursts.
type Client struct {
	apiKey  string
	baseURL string
	client  *http.Client
	gate    *resilience.RateGate
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig
}

func NewClient(apiKey, baseURL string, timeout time.Duration, gate *resilience.RateGate) *Client {
	if baseURL == "" {
		baseURL = "https://console.vast.ai/api/v0"
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		gate:    gate,
		breaker: resilience.NewCircuitBreaker(resilience.DefaultSettings),
		retry:   resilience.ProviderRetryConfig,
	}
}

// SetMaxRetries overrides the per-call retry budget for marketplace requests.
func (c *Client) SetMaxRetries(n int) {
	if n >= 0 {
		c.retry.MaxRetries = n
	}
}

// wire types; the marketplace returns loosely typed JSON and we keep the
// decoding at this boundary.
type wireOffer struct {
	ID          int     `json:"id"`
	MachineID   int     `json:"machine_id"`
	GPUName     string  `json:"gpu_name"`
	NumGPUs     int     `json:"num_gpus"`
	GPURAMMb    int64   `json:"gpu_ram"`
	CPUCores    int     `json:"cpu_cores"`
	CPURAMMb    int64   `json:"cpu_ram"`
	DiskSpaceGB float64 `json:"disk_space"`
	DPHTotal    float64 `json:"dph_total"`
	Geolocation string  `json:"geolocation"`
	PublicIP    string  `json:"public_ipaddr"`
	Reliability float64 `json:"reliability2"`
	Rentable    bool    `json:"rentable"`
}

type wireSearchResponse struct {
	Offers []wireOffer `json:"offers"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	if err := c.gate.Wait(ctx); err != nil {
		return err
	}

	_, err := resilience.RetryWithCircuitBreaker(ctx, c.breaker, "vastai", c.retry, func() (struct{}, error) {
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

		if resp.StatusCode != http.StatusOK {
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

func (c *Client) SearchOffers(ctx context.Context, filter providers.OfferFilter) ([]models.Offer, error) {
	var searchResp wireSearchResponse
	if err := c.do(ctx, http.MethodGet, "/bundles", nil, &searchResp); err != nil {
		return nil, fmt.Errorf("search offers: %w", err)
	}

	offers := make([]models.Offer, 0, len(searchResp.Offers))
	for _, w := range searchResp.Offers {
		if !w.Rentable {
			continue
		}
		offer := models.Offer{
			ID:          fmt.Sprintf("%d", w.ID),
			MachineID:   fmt.Sprintf("%d", w.MachineID),
			GPUModel:    w.GPUName,
			GPUCount:    w.NumGPUs,
			VRAMBytes:   w.GPURAMMb * 1024 * 1024,
			CPUCores:    w.CPUCores,
			RAMBytes:    w.CPURAMMb * 1024 * 1024,
			DiskBytes:   int64(w.DiskSpaceGB * 1e9),
			PricePerHr:  w.DPHTotal,
			Geolocation: w.Geolocation,
			PublicIP:    w.PublicIP,
			Reliability: w.Reliability,
		}
		if !filter.Matches(offer) {
			continue
		}
		offers = append(offers, offer)
	}

	return offers, nil
}

func (c *Client) CreateInstance(ctx context.Context, offerID string, spec providers.LaunchSpec) (string, error) {
	createReq := map[string]interface{}{
		"client_id": "me",
		"image":     spec.Image,
		"disk":      spec.DiskGB,
		"label":     spec.Label,
		"runtype":   "ssh",
		"ssh_key":   spec.SSHPubKey,
	}
	if len(spec.Env) > 0 {
		createReq["env"] = spec.Env
	}

	var result struct {
		Success     bool `json:"success"`
		NewContract int  `json:"new_contract"`
	}
	if err := c.do(ctx, http.MethodPut, fmt.Sprintf("/asks/%s/", offerID), createReq, &result); err != nil {
		return "", fmt.Errorf("create instance from offer %s: %w", offerID, err)
	}
	if !result.Success {
		return "", fmt.Errorf("create instance from offer %s: provider refused", offerID)
	}

	return fmt.Sprintf("%d", result.NewContract), nil
}

func (c *Client) GetInstance(ctx context.Context, instanceID string) (*providers.InstanceStatus, error) {
	var wireInstance struct {
		Instances struct {
			ActualStatus string `json:"actual_status"`
			SSHHost      string `json:"ssh_host"`
			SSHPort      int    `json:"ssh_port"`
			PublicIP     string `json:"public_ipaddr"`
		} `json:"instances"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/instances/%s/", instanceID), nil, &wireInstance); err != nil {
		return nil, fmt.Errorf("get instance %s: %w", instanceID, err)
	}

	return &providers.InstanceStatus{
		Status:   wireInstance.Instances.ActualStatus,
		SSHHost:  wireInstance.Instances.SSHHost,
		SSHPort:  wireInstance.Instances.SSHPort,
		PublicIP: wireInstance.Instances.PublicIP,
	}, nil
}

func (c *Client) DestroyInstance(ctx context.Context, instanceID string) error {
	err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/instances/%s/", instanceID), nil, nil)
	if err != nil {
		var httpErr *resilience.HTTPError
		// Destroy is idempotent: a missing instance is already destroyed.
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("destroy instance %s: %w", instanceID, err)
	}
	return nil
}
