package lemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultAPIBaseURL = "https://api.lemonsqueezy.com"

// Client calls the provider's REST API. It backs the optional key-lookup and
// seat-quantity oracles; when no API key is configured the server runs without
// a Client and both oracles degrade to permissive behavior.
type Client struct {
	apiKey  string
	baseURL string
	httpc   *http.Client
}

// NewClient creates a provider API client. Timeouts apply to every call: an
// indeterminate oracle response must fail, not hang a redemption.
func NewClient(apiKey string) *Client {
	return &Client{
		apiKey:  apiKey,
		baseURL: defaultAPIBaseURL,
		httpc:   &http.Client{Timeout: 10 * time.Second},
	}
}

// NewClientWithBaseURL is NewClient with an overridden API endpoint (tests).
func NewClientWithBaseURL(apiKey, baseURL string) *Client {
	c := NewClient(apiKey)
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

// FindKey checks whether a license key exists at the provider.
func (c *Client) FindKey(ctx context.Context, key string) (bool, error) {
	form := url.Values{"license_key": []string{key}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/licenses/validate", strings.NewReader(form.Encode()))
	if err != nil {
		return false, fmt.Errorf("build key lookup request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return false, fmt.Errorf("key lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusBadRequest {
		return false, fmt.Errorf("key lookup: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Valid bool `json:"valid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("decode key lookup response: %w", err)
	}
	return body.Valid, nil
}

// QuantityForCustomer sums the purchased seat quantity across the customer's
// orders.
func (c *Client) QuantityForCustomer(ctx context.Context, email string) (int, error) {
	endpoint := c.baseURL + "/v1/orders?" + url.Values{
		"filter[user_email]": []string{email},
	}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("build order lookup request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.api+json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, fmt.Errorf("order lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("order lookup: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Data []struct {
			Attributes struct {
				FirstOrderItem struct {
					Quantity int `json:"quantity"`
				} `json:"first_order_item"`
			} `json:"attributes"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("decode order lookup response: %w", err)
	}

	total := 0
	for _, order := range body.Data {
		total += order.Attributes.FirstOrderItem.Quantity
	}
	return total, nil
}
