package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultRequestTimeout = 10 * time.Second

// RESTControl implements Control against the gateway host's HTTP API. Each
// method maps to one POST endpoint under the configured base URL.
type RESTControl struct {
	baseURL string
	client  *http.Client
}

// NewRESTControl builds a control client for the gateway at baseURL
// (e.g. "http://gateway.local:9000"). A nil httpClient gets a default with
// a request timeout.
func NewRESTControl(baseURL string, httpClient *http.Client) *RESTControl {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &RESTControl{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  httpClient,
	}
}

func (c *RESTControl) Dial(ctx context.Context, number string) error {
	return c.post(ctx, "/call/dial", map[string]string{"number": number})
}

func (c *RESTControl) HangUp(ctx context.Context) error {
	return c.post(ctx, "/call/hangup", nil)
}

func (c *RESTControl) DeviceDidAnswerCall(ctx context.Context) error {
	return c.post(ctx, "/call/answered", nil)
}

func (c *RESTControl) DeviceDidDeclineCall(ctx context.Context) error {
	return c.post(ctx, "/call/declined", nil)
}

func (c *RESTControl) HoldCall(ctx context.Context) error {
	return c.post(ctx, "/call/hold", nil)
}

func (c *RESTControl) ContinueCall(ctx context.Context) error {
	return c.post(ctx, "/call/continue", nil)
}

func (c *RESTControl) PlayDTMF(ctx context.Context, digit string) error {
	return c.post(ctx, "/call/dtmf", map[string]string{"digit": digit})
}

func (c *RESTControl) post(ctx context.Context, path string, body map[string]string) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("gateway: encode %s request: %w", path, err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return fmt.Errorf("gateway: build %s request: %w", path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway: %s: %w", path, err)
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("gateway: %s: unexpected status %s", path, resp.Status)
	}
	return nil
}
