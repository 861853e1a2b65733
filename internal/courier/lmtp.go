package courier

import (
	"fmt"
	"net"
	"net/textproto"
	"strings"
	"time"

	"github.com/transilvlad/robin-sub006/internal/trace"
)

// RecipientResult is one recipient's outcome from a multi-recipient
// delivery attempt (spec.md §4.6, "RCPT-level results collected per
// recipient").
type RecipientResult struct {
	Addr      string
	Err       error
	Permanent bool
}

// LMTP delivers mail using the Local Mail Transfer Protocol (RFC 2033): it
// is identical to ESMTP except LHLO replaces EHLO, and DATA yields one
// final response per accepted recipient instead of a single one.
type LMTP struct {
	Servers     []string // host:port, tried in order until one dials.
	HelloDomain string
	Timeout     time.Duration
}

// Deliver implements the single-recipient Courier interface by delegating
// to DeliverMulti.
func (l *LMTP) Deliver(from, to string, data []byte) (error, bool) {
	results := l.DeliverMulti(from, []string{to}, data)
	if len(results) == 0 {
		return fmt.Errorf("lmtp: no result for recipient"), false
	}
	return results[0].Err, results[0].Permanent
}

// DeliverMulti delivers one message to every recipient in to, returning
// one RecipientResult per recipient, in the same order.
func (l *LMTP) DeliverMulti(from string, to []string, data []byte) []RecipientResult {
	tr := trace.New("Courier.LMTP", strings.Join(to, ","))
	defer tr.Finish()

	timeout := l.Timeout
	if timeout <= 0 {
		timeout = 1 * time.Minute
	}

	var lastErr error
	for _, server := range l.Servers {
		results, err := l.deliverTo(server, timeout, from, to, data)
		if err == nil {
			return results
		}
		lastErr = err
		tr.Errorf("lmtp server %q failed: %v", server, err)
	}

	out := make([]RecipientResult, len(to))
	for i, addr := range to {
		out[i] = RecipientResult{Addr: addr, Err: lastErr, Permanent: false}
	}
	return out
}

func (l *LMTP) deliverTo(server string, timeout time.Duration, from string, to []string, data []byte) ([]RecipientResult, error) {
	conn, err := net.DialTimeout("tcp", server, timeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))

	text := textproto.NewConn(conn)

	if _, _, err := text.ReadResponse(220); err != nil {
		return nil, fmt.Errorf("lmtp banner: %w", err)
	}

	id, err := text.Cmd("LHLO %s", l.HelloDomain)
	if err != nil {
		return nil, err
	}
	text.StartResponse(id)
	_, _, err = text.ReadResponse(250)
	text.EndResponse(id)
	if err != nil {
		return nil, fmt.Errorf("LHLO rejected: %w", err)
	}

	fromAddr := from
	if fromAddr == "<>" {
		fromAddr = ""
	}
	if err := cmd250(text, "MAIL FROM:<%s>", fromAddr); err != nil {
		return nil, err
	}

	results := make([]RecipientResult, len(to))
	accepted := make([]string, 0, len(to))
	for i, addr := range to {
		id, err := text.Cmd("RCPT TO:<%s>", addr)
		if err != nil {
			return nil, err
		}
		text.StartResponse(id)
		code, msg, err := text.ReadResponse(25)
		text.EndResponse(id)
		if err != nil {
			results[i] = RecipientResult{Addr: addr, Err: fmt.Errorf("%s", msg), Permanent: code >= 500}
			continue
		}
		accepted = append(accepted, addr)
	}

	if len(accepted) == 0 {
		return results, nil
	}

	id, err = text.Cmd("DATA")
	if err != nil {
		return nil, err
	}
	text.StartResponse(id)
	_, _, err = text.ReadResponse(354)
	text.EndResponse(id)
	if err != nil {
		return nil, fmt.Errorf("DATA rejected: %w", err)
	}

	w := text.DotWriter()
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	// LMTP sends one final reply per accepted recipient, in order.
	for _, addr := range accepted {
		id := text.Next()
		text.StartResponse(id)
		code, msg, err := text.ReadResponse(0)
		text.EndResponse(id)

		if err != nil || code >= 400 {
			setResult(results, addr, fmt.Errorf("%s", msg), code >= 500)
			continue
		}
		setResult(results, addr, nil, false)
	}

	_, _ = text.Cmd("QUIT")
	return results, nil
}

func setResult(results []RecipientResult, addr string, err error, permanent bool) {
	for i := range results {
		if results[i].Addr == addr {
			results[i] = RecipientResult{Addr: addr, Err: err, Permanent: permanent}
			return
		}
	}
}

func cmd250(text *textproto.Conn, format string, args ...interface{}) error {
	id, err := text.Cmd(format, args...)
	if err != nil {
		return err
	}
	text.StartResponse(id)
	defer text.EndResponse(id)
	_, msg, err := text.ReadResponse(250)
	if err != nil {
		return fmt.Errorf("%s: %w", msg, err)
	}
	return nil
}
