package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// doJSON sends body (if non-nil) as JSON and decodes a 2xx response into out.
func doJSON(ctx context.Context, client *http.Client, method, url string, header http.Header, body, out any, name, op string) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s %s: marshal request: %w", name, op, err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return fmt.Errorf("%s %s: build request: %w", name, op, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return &ProviderError{Provider: name, Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &ProviderError{Provider: name, Op: op, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &ProviderError{Provider: name, Op: op, StatusCode: resp.StatusCode, Body: excerpt(data)}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &ProviderError{Provider: name, Op: op, StatusCode: resp.StatusCode, Body: excerpt(data), Err: err}
	}
	return nil
}

// isObject reports whether doc is a JSON object, as opposed to a plain
// prompt string or another scalar.
func isObject(doc json.RawMessage) bool {
	for _, c := range doc {
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}

// promptText returns the document as a prompt string: the string value
// itself when the document is a JSON string, its raw text otherwise.
func promptText(doc json.RawMessage) string {
	var s string
	if err := json.Unmarshal(doc, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(doc))
}
