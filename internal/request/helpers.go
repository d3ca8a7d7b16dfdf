package request

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Get performs a GET and returns the body as text.
func (c *Client) Get(ctx context.Context, url string, headers map[string]string, proxies Proxies) (string, error) {
	resp, err := c.Do(ctx, &Request{
		Method:  http.MethodGet,
		URL:     url,
		Headers: headers,
		Proxies: proxies,
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", Wrap(http.MethodGet, url, err)
	}
	return string(data), nil
}

// PostJSON sends data as a JSON body and decodes the JSON response into out.
func (c *Client) PostJSON(ctx context.Context, url string, headers map[string]string, data any, out any, proxies Proxies) error {
	h := make(map[string]string, len(headers)+1)
	for k, v := range headers {
		h[k] = v
	}
	// strict servers answer 400 without it
	h["Content-Type"] = "application/json"
	if data == nil {
		data = map[string]any{}
	}

	resp, err := c.Do(ctx, &Request{
		Method:  http.MethodPost,
		URL:     url,
		Headers: h,
		Body:    data,
		Proxies: proxies,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return ProtocolError(http.MethodPost, url, fmt.Errorf("decode json response: %w", err))
	}
	return nil
}

// Head performs a HEAD request and returns the response headers with
// lower-cased keys.
func (c *Client) Head(ctx context.Context, url string, proxies Proxies) (map[string]string, error) {
	resp, err := c.Do(ctx, &Request{
		Method:  http.MethodHead,
		URL:     url,
		Proxies: proxies,
	})
	if err != nil {
		return nil, err
	}
	resp.Body.Close()

	headers := make(map[string]string, len(resp.Header))
	for k, v := range resp.Header {
		if len(v) > 0 {
			headers[strings.ToLower(k)] = v[0]
		}
	}
	return headers, nil
}

func JSONResponse(w http.ResponseWriter, data any, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
