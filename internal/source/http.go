package source

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	maxResponseBytes = 8 << 20

	browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/135.0.0.0 Safari/537.36"
)

// fetch performs a request and returns the body of a 2xx response.
func fetch(ctx context.Context, client *http.Client, method, rawURL string, header map[string]string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if _, ok := header["User-Agent"]; !ok {
		req.Header.Set("User-Agent", browserUserAgent)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s %s: status %d", method, req.URL.Host, resp.StatusCode)
	}
	return data, nil
}

func get(ctx context.Context, client *http.Client, rawURL string, header map[string]string) ([]byte, error) {
	return fetch(ctx, client, http.MethodGet, rawURL, header, nil)
}

func postJSON(ctx context.Context, client *http.Client, rawURL string, header map[string]string, payload []byte) ([]byte, error) {
	h := map[string]string{"Content-Type": "application/json"}
	for k, v := range header {
		h[k] = v
	}
	return fetch(ctx, client, http.MethodPost, rawURL, h, bytes.NewReader(payload))
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func splitArtists(s string, seps ...string) []string {
	for _, sep := range seps {
		s = strings.ReplaceAll(s, sep, "\x00")
	}
	var out []string
	for _, a := range strings.Split(s, "\x00") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}
