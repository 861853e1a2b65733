// Package av implements a client for a stream-scanning anti-virus daemon
// (spec.md §4.5, §4.6 "Scanners"), speaking clamd's INSTREAM wire protocol.
// No Go client for this protocol appears anywhere in the example corpus,
// so the framing is implemented directly over net.Conn (see DESIGN.md).
package av

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/transilvlad/robin-sub006/internal/metrics"
)

var (
	scans = metrics.NewMap("robin/scanner/av/scans",
		"result", "count of AV scans, by result")
)

// Client scans a byte stream against a clamd-compatible daemon reachable at
// Addr (host:port, or a unix socket path).
type Client struct {
	Network string // "tcp" or "unix".
	Addr    string
	Timeout time.Duration
}

// NewClient returns a client for the given network/address.
func NewClient(network, addr string) *Client {
	return &Client{Network: network, Addr: addr, Timeout: 30 * time.Second}
}

// Result is the scanner's verdict for one stream.
type Result struct {
	Infected bool
	Parts    []string
	Viruses  []string
}

// maxChunk is the largest chunk clamd's INSTREAM protocol will accept per
// frame; we stay well under the daemon's StreamMaxLength default.
const maxChunk = 1 << 18

// Scan streams r to the daemon using the INSTREAM command:
// a zINSTREAM request, followed by <size><chunk> frames (big-endian
// uint32 length prefix), terminated by a zero-length frame, followed by
// reading a single response line.
func (c *Client) Scan(r io.Reader) (Result, error) {
	conn, err := net.DialTimeout(c.Network, c.Addr, c.Timeout)
	if err != nil {
		scans.Add("dial_error", 1)
		return Result{}, err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(c.Timeout))

	if _, err := conn.Write([]byte("zINSTREAM\x00")); err != nil {
		scans.Add("write_error", 1)
		return Result{}, err
	}

	buf := make([]byte, maxChunk)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			var szhdr [4]byte
			binary.BigEndian.PutUint32(szhdr[:], uint32(n))
			if _, werr := conn.Write(szhdr[:]); werr != nil {
				scans.Add("write_error", 1)
				return Result{}, werr
			}
			if _, werr := conn.Write(buf[:n]); werr != nil {
				scans.Add("write_error", 1)
				return Result{}, werr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			scans.Add("read_error", 1)
			return Result{}, err
		}
	}

	var zero [4]byte
	if _, err := conn.Write(zero[:]); err != nil {
		scans.Add("write_error", 1)
		return Result{}, err
	}

	resp, err := bufio.NewReader(conn).ReadString('\x00')
	if err != nil && err != io.EOF {
		scans.Add("read_error", 1)
		return Result{}, err
	}
	resp = strings.TrimRight(resp, "\x00")
	return parseResponse(resp)
}

// parseResponse parses a line like:
//
//	stream: OK
//	stream: Eicar-Test-Signature FOUND
//	stream: Win.Test.EICAR_HDB-1 FOUND
func parseResponse(line string) (Result, error) {
	line = strings.TrimSpace(line)
	idx := strings.Index(line, ": ")
	if idx < 0 {
		return Result{}, fmt.Errorf("av: malformed response %q", line)
	}
	status := line[idx+2:]

	if strings.HasSuffix(status, "OK") {
		scans.Add("clean", 1)
		return Result{}, nil
	}
	if strings.HasSuffix(status, "FOUND") {
		name := strings.TrimSpace(strings.TrimSuffix(status, "FOUND"))
		scans.Add("infected", 1)
		return Result{Infected: true, Parts: []string{"stream"}, Viruses: []string{name}}, nil
	}
	if strings.HasSuffix(status, "ERROR") {
		scans.Add("scan_error", 1)
		return Result{}, fmt.Errorf("av: scanner error: %s", status)
	}
	scans.Add("unknown", 1)
	return Result{}, fmt.Errorf("av: unrecognized response: %s", status)
}
