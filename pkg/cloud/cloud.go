package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/RackerWilliams/otter/pkg/types"
)

// APIError reports a cloud API response outside the expected status set.
// The body is truncated; it exists for logs, not for parsing.
type APIError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s returned %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// IsNotFound reports whether err is an APIError with status 404.
func IsNotFound(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.StatusCode == http.StatusNotFound
}

// ServerAddress is one address entry in a server's addresses section.
type ServerAddress struct {
	Version int    `json:"version"`
	Addr    string `json:"addr"`
}

// ServerDetail is the subset of a compute server body the worker needs.
type ServerDetail struct {
	ID        string                     `json:"id"`
	Status    string                     `json:"status"`
	Addresses map[string][]ServerAddress `json:"addresses"`
}

// PrivateIPv4 returns the server's first private IPv4 address.
func (s *ServerDetail) PrivateIPv4() (string, error) {
	for _, addr := range s.Addresses["private"] {
		if addr.Version == 4 {
			return addr.Addr, nil
		}
	}
	return "", fmt.Errorf("server %s has no private IPv4 address", s.ID)
}

// Client calls the compute and load-balancer APIs on behalf of one tenant.
// Endpoints come from the service catalog and are passed per call; the
// client holds only the transport, the auth token and a logger.
type Client struct {
	http      *http.Client
	authToken string
	log       zerolog.Logger
}

func NewClient(httpClient *http.Client, authToken string, log zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		http:      httpClient,
		authToken: authToken,
		log:       log.With().Str("component", "cloud").Logger(),
	}
}

// CreateServer submits a create-server request and returns the accepted
// server body. The compute API answers 202 with the id assigned.
func (c *Client) CreateServer(ctx context.Context, endpoint string, server types.ServerConfig) (*ServerDetail, error) {
	var resp struct {
		Server ServerDetail `json:"server"`
	}
	body := map[string]types.ServerConfig{"server": server}
	err := c.do(ctx, http.MethodPost, joinURL(endpoint, "servers"), body,
		[]int{http.StatusAccepted}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp.Server, nil
}

// GetServer fetches a server's details. Cached responses arrive as 203 and
// are as good as a 200. A 404 surfaces as an APIError, which the
// verified-delete loop treats as success.
func (c *Client) GetServer(ctx context.Context, endpoint, serverID string) (*ServerDetail, error) {
	var resp struct {
		Server ServerDetail `json:"server"`
	}
	err := c.do(ctx, http.MethodGet, joinURL(endpoint, "servers", serverID), nil,
		[]int{http.StatusOK, http.StatusNonAuthoritativeInfo}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp.Server, nil
}

// DeleteServer asks the compute API to delete a server. Acceptance is 204;
// deletion is asynchronous and must be verified by polling GetServer.
func (c *Client) DeleteServer(ctx context.Context, endpoint, serverID string) error {
	return c.do(ctx, http.MethodDelete, joinURL(endpoint, "servers", serverID), nil,
		[]int{http.StatusNoContent}, nil)
}

// AddNode registers a server address as an enabled primary node on a load
// balancer and returns the node id needed to remove it later.
func (c *Client) AddNode(ctx context.Context, endpoint string, lbID int, address string, port int) (int, error) {
	body := map[string][]map[string]interface{}{
		"nodes": {{
			"address":   address,
			"port":      port,
			"condition": "ENABLED",
			"type":      "PRIMARY",
		}},
	}
	var resp struct {
		Nodes []struct {
			ID int `json:"id"`
		} `json:"nodes"`
	}
	err := c.do(ctx, http.MethodPost,
		joinURL(endpoint, "loadbalancers", fmt.Sprint(lbID), "nodes"), body,
		[]int{http.StatusOK, http.StatusAccepted}, &resp)
	if err != nil {
		return 0, err
	}
	if len(resp.Nodes) == 0 {
		return 0, fmt.Errorf("load balancer %d returned no nodes", lbID)
	}
	return resp.Nodes[0].ID, nil
}

// RemoveNode removes a node from a load balancer.
func (c *Client) RemoveNode(ctx context.Context, endpoint string, lbID, nodeID int) error {
	return c.do(ctx, http.MethodDelete,
		joinURL(endpoint, "loadbalancers", fmt.Sprint(lbID), "nodes", fmt.Sprint(nodeID)), nil,
		[]int{http.StatusOK, http.StatusAccepted}, nil)
}

// do runs one request with the auth headers, checks the status against
// want, and decodes the response into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, url string, body interface{}, want []int, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("X-Auth-Token", c.authToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, url, err)
	}

	for _, code := range want {
		if resp.StatusCode == code {
			if out != nil {
				if err := json.Unmarshal(data, out); err != nil {
					return fmt.Errorf("%s %s: failed to decode response: %w", method, url, err)
				}
			}
			return nil
		}
	}
	return &APIError{
		Method:     method,
		URL:        url,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(data)),
	}
}

func joinURL(base string, segments ...string) string {
	url := strings.TrimRight(base, "/")
	for _, segment := range segments {
		url += "/" + segment
	}
	return url
}
