// Package spam implements a client for an HTTP-based spam-scanning daemon
// (spec.md §4.5, §4.6), in the shape of rspamd's "checkv2" endpoint: a
// POST of the raw message, with a JSON verdict in the response. No
// ecosystem client for this exists in the example corpus (see DESIGN.md),
// so this stays on net/http.
package spam

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
	scans = metrics.NewMap("robin/scanner/spam/scans",
		"result", "count of spam scans, by result")
)

// Client POSTs messages to a spam-scanning daemon's HTTP endpoint.
type Client struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
}

// NewClient returns a client pointed at the given check endpoint.
func NewClient(url string) *Client {
	return &Client{URL: url, Timeout: 10 * time.Second}
}

// Result is the scanner's verdict.
type Result struct {
	Score   float64
	Spam    bool
	Symbols map[string]float64
}

// wireResponse mirrors the subset of rspamd's JSON response we consume.
type wireResponse struct {
	Score  float64 `json:"score"`
	Action string  `json:"action"`
	Symbols map[string]struct {
		Score float64 `json:"score"`
	} `json:"symbols"`
}

// Scan POSTs the message body and parses the verdict.
func (c *Client) Scan(ctx context.Context, msg []byte) (Result, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(msg))
	if err != nil {
		scans.Add("request_error", 1)
		return Result{}, err
	}
	req.Header.Set("Content-Type", "message/rfc822")

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		scans.Add("transport_error", 1)
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		scans.Add("http_error", 1)
		return Result{}, fmt.Errorf("spam: scanner returned %s", resp.Status)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		scans.Add("read_error", 1)
		return Result{}, err
	}

	var wr wireResponse
	if err := json.Unmarshal(raw, &wr); err != nil {
		scans.Add("decode_error", 1)
		return Result{}, err
	}

	r := Result{Score: wr.Score, Symbols: map[string]float64{}}
	for name, s := range wr.Symbols {
		r.Symbols[name] = s.Score
	}
	switch wr.Action {
	case "reject", "add header", "rewrite subject":
		r.Spam = true
	}
	if r.Spam {
		scans.Add("spam", 1)
	} else {
		scans.Add("clean", 1)
	}
	return r, nil
}
