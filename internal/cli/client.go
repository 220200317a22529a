package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// client is a minimal JSON client for the tunegate HTTP API.
type client struct {
	base string
	http *http.Client
}

func newClient(opts *RootOptions) *client {
	return &client{
		base: opts.Server,
		http: &http.Client{Timeout: 5 * time.Minute}, // flash execution blocks
	}
}

// apiError mirrors the server's error body.
type apiError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// do issues a request and decodes the response into out (skipped when
// out is nil). Non-2xx responses come back as *apiError.
func (c *client) do(method, path string, body, out any) error {
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return WrapExitError(ExitCommandError, "encode request", err)
		}
		buf = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, buf)
	if err != nil {
		return WrapExitError(ExitCommandError, "build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return WrapExitError(ExitCommandError, "server unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var ae apiError
		if err := json.NewDecoder(resp.Body).Decode(&ae); err != nil || ae.Message == "" {
			ae = apiError{Kind: "HTTP_ERROR", Message: resp.Status}
		}
		ae.Status = resp.StatusCode
		return &ae
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return WrapExitError(ExitCommandError, "decode response", err)
	}
	return nil
}

func (c *client) get(path string, out any) error { return c.do(http.MethodGet, path, nil, out) }

func (c *client) post(path string, body, out any) error {
	return c.do(http.MethodPost, path, body, out)
}

// reportErr renders an API refusal through the formatter and converts
// it to an exit code: gate refusals exit 1, transport problems exit 2.
func reportErr(f *OutputFormatter, err error) error {
	var ae *apiError
	if errors.As(err, &ae) {
		_ = f.Failure(ae.Error())
		return &ExitError{Code: ExitFailure, Message: ae.Message, Err: ae}
	}
	return err
}
