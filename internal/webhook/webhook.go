// Package webhook implements the per-verb HTTP callback invoker described
// in spec.md §4.3 and §6: for each verb, if enabled, a JSON payload
// {session, envelope, verb} is POSTed to a configured URL, and the
// response's "smtpResponse" field (if present) may override the default
// SMTP response.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/transilvlad/robin-sub006/internal/metrics"
)

var (
	invocations = metrics.NewMap("robin/webhook/invocations",
		"verb", "count of webhook invocations, by verb")
	results = metrics.NewMap("robin/webhook/results",
		"result", "count of webhook invocation results")
)

// Config is the per-verb webhook configuration.
type Config struct {
	Verb            string
	URL             string
	Enabled         bool
	WaitForResponse bool
	IgnoreErrors    bool
	Timeout         time.Duration
}

// Payload is the JSON body POSTed for each webhook invocation.
type Payload struct {
	Session  string `json:"session"`
	Envelope string `json:"envelope,omitempty"`
	Verb     string `json:"verb"`

	// Extra carries miscellaneous session/envelope fields (peer address,
	// EHLO domain, MAIL FROM, RCPT list, ...) the caller wants exposed to
	// the webhook receiver.
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// Response is the shape of the webhook's JSON reply. Only SMTPResponse is
// interpreted by the engine; other fields are reserved for the receiver's
// own bookkeeping.
type Response struct {
	SMTPResponse string `json:"smtpResponse,omitempty"`
}

// Invoker POSTs payloads and parses responses. It is safe for concurrent
// use.
type Invoker struct {
	Client *http.Client
}

// NewInvoker returns an Invoker with a sane default HTTP client.
func NewInvoker() *Invoker {
	return &Invoker{Client: &http.Client{Timeout: 10 * time.Second}}
}

// Invoke POSTs the payload to cfg.URL. If cfg.WaitForResponse is false, the
// call is fire-and-forget (the request is still made, but the response
// body and any error are ignored by the caller's control flow - this
// function still returns them for logging purposes).
func (inv *Invoker) Invoke(ctx context.Context, cfg Config, p Payload) (*Response, error) {
	invocations.Add(cfg.Verb, 1)

	body, err := json.Marshal(p)
	if err != nil {
		results.Add("marshal_error", 1)
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		results.Add("request_error", 1)
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := inv.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		results.Add("transport_error", 1)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		results.Add("http_error", 1)
		return nil, fmt.Errorf("webhook %s returned %s", cfg.URL, resp.Status)
	}

	if !cfg.WaitForResponse {
		results.Add("fire_and_forget", 1)
		return nil, nil
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		results.Add("read_error", 1)
		return nil, err
	}
	if len(raw) == 0 {
		results.Add("empty", 1)
		return &Response{}, nil
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		results.Add("decode_error", 1)
		return nil, err
	}
	results.Add("ok", 1)
	return &out, nil
}
