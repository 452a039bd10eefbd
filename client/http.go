package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// StatusError is returned for non-success responses.
type StatusError struct {
	Code    int    // Code is the HTTP status code
	Message string // Message is the error field of the body, if any
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("status %d", e.Code)
	}

	return fmt.Sprintf("status %d: %s", e.Code, e.Message)
}

// httpGet performs a GET request and decodes the JSON response.
func (c *Client) httpGet(path string, result any) error {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return fmt.Errorf("GET %s:\n%w", path, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %w", path, statusError(resp))
	}

	return json.NewDecoder(resp.Body).Decode(result)
}

// httpPost performs a POST request with a raw body and decodes the JSON response.
func (c *Client) httpPost(path string, body []byte, result any) error {
	resp, err := c.http.Post(c.base+path, "application/octet-stream", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("POST %s:\n%w", path, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("POST %s: %w", path, statusError(resp))
	}

	return json.NewDecoder(resp.Body).Decode(result)
}

// statusError reads the error message of a failed response.
func statusError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}

	json.NewDecoder(resp.Body).Decode(&body)

	return &StatusError{Code: resp.StatusCode, Message: body.Error}
}
