package providers

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"

	"github.com/Davincible/tensorgate/internal/gwerr"
)

// postJSON sends a serialized body and returns the decompressed response
// bytes. Non-2xx statuses are mapped into the error taxonomy with the body
// attached for debugging.
func postJSON(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string, providerName string) ([]byte, error) {
	resp, err := send(ctx, client, url, body, headers)
	if err != nil {
		return nil, wrapTransportError(ctx, providerName, err)
	}
	defer resp.Body.Close()

	data, err := readBody(resp)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindInferenceServer, fmt.Sprintf("failed to read %s response", providerName), err)
	}
	if err := statusError(providerName, resp.StatusCode, data); err != nil {
		return nil, err
	}
	return data, nil
}

// postStream sends a serialized body and returns the open response for SSE
// consumption. The caller owns resp.Body.
func postStream(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string, providerName string) (*http.Response, error) {
	resp, err := send(ctx, client, url, body, headers)
	if err != nil {
		return nil, wrapTransportError(ctx, providerName, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := readBody(resp)
		resp.Body.Close()
		return nil, statusError(providerName, resp.StatusCode, data)
	}
	return resp, nil
}

func send(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept-Encoding", "gzip, br")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return client.Do(req)
}

// readBody decompresses gzip and brotli encoded responses.
func readBody(resp *http.Response) ([]byte, error) {
	var reader io.Reader = resp.Body
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		reader = gz
	case "br":
		reader = brotli.NewReader(resp.Body)
	}
	return io.ReadAll(reader)
}

// statusError maps a provider HTTP status into the taxonomy: 429 is a rate
// limit, other 4xx of interest are client errors carrying the upstream
// status, everything else non-2xx is a retryable server error.
func statusError(providerName string, status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	message := fmt.Sprintf("%s returned status %d: %s", providerName, status, truncate(string(body), 1024))
	switch {
	case status == http.StatusTooManyRequests:
		return &gwerr.Error{Kind: gwerr.KindRateLimitExceeded, Message: message, Status: status}
	case status == http.StatusBadRequest || status == http.StatusUnauthorized ||
		status == http.StatusForbidden || status == http.StatusRequestEntityTooLarge:
		return &gwerr.Error{Kind: gwerr.KindInferenceClient, Message: message, Status: status}
	default:
		return gwerr.New(gwerr.KindInferenceServer, message)
	}
}

func wrapTransportError(ctx context.Context, providerName string, err error) error {
	if ctx.Err() != nil {
		return gwerr.Wrap(gwerr.KindProviderTimeout, fmt.Sprintf("%s request aborted", providerName), err)
	}
	return gwerr.Wrap(gwerr.KindInferenceServer, fmt.Sprintf("%s request failed", providerName), err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
