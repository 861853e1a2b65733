package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/transilvlad/robin-sub006/internal/mime"
	"github.com/transilvlad/robin-sub006/internal/session"
	"github.com/transilvlad/robin-sub006/internal/smtp"
)

// Report is the outcome of running one Case: every recorded transaction,
// plus the evaluated assertion groups.
type Report struct {
	Case *Case

	ConversationErr error
	Transactions    []session.Transaction

	SMTPGroup  GroupResult
	MTAGroups  []GroupResult
}

// Run dials c's route, plays through the envelope, and evaluates the smtp
// and mta assertion groups against the resulting session transaction log
// (c.PerEnvelope is not evaluated). It never
// returns an error itself: conversation failures are recorded on the
// Report so that a caller driving many cases can keep going.
func Run(ctx context.Context, c *Case) *Report {
	sess := session.New(newID(), nil, 1, 0)
	sess.Direction = session.Outbound
	sess.EHLODomain = c.Route.Host

	rep := &Report{Case: c}
	rep.ConversationErr = converse(ctx, c, sess)
	rep.Transactions = sess.Transactions()

	if len(c.Assertions.SMTP) > 0 {
		rep.SMTPGroup = EvaluateGroup(
			AssertionGroupSpec{Match: c.Assertions.SMTP},
			func() []session.Transaction { return sess.Transactions() })
	}
	for _, group := range c.Assertions.MTA {
		rep.MTAGroups = append(rep.MTAGroups, EvaluateGroup(group,
			func() []session.Transaction { return sess.Transactions() }))
	}

	return rep
}

// converse performs the actual SMTP/LMTP conversation, logging every step
// to sess so the assertion engine can later inspect it.
func converse(ctx context.Context, c *Case, sess *session.Session) error {
	dialer := &net.Dialer{Timeout: 30 * time.Second}

	conn, err := dialer.DialContext(ctx, "tcp", c.Route.Addr())
	if err != nil {
		sess.Log("CONNECT", err.Error(), true)
		return err
	}

	if c.Route.TLS == "implicit" {
		conn = tls.Client(conn, &tls.Config{ServerName: c.Route.Host})
	}

	cl, err := smtp.NewClient(conn, c.Route.Host)
	if err != nil {
		sess.Log("CONNECT", err.Error(), true)
		return err
	}
	defer cl.Close()

	if err := cl.Hello(sess.EHLODomain); err != nil {
		sess.Log("EHLO", err.Error(), true)
		return err
	}
	sess.Log("EHLO", "ok", false)

	if c.Route.TLS == "starttls" {
		if ok, _ := cl.Extension("STARTTLS"); ok {
			if err := cl.StartTLS(&tls.Config{ServerName: c.Route.Host}); err != nil {
				sess.Log("STARTTLS", err.Error(), true)
				return err
			}
			sess.Log("STARTTLS", "ok", false)
		}
	}

	if c.Route.AuthUser != "" {
		auth := newPlainAuth("", c.Route.AuthUser, c.Route.AuthPass)
		if err := cl.Auth(auth); err != nil {
			sess.Log("AUTH", err.Error(), true)
			return err
		}
		sess.Log("AUTH", "ok", false)
	}

	if err := cl.Mail(c.Mail); err != nil {
		sess.Log("MAIL", err.Error(), true)
		return err
	}
	sess.Log("MAIL", "ok", false)

	for _, rcpt := range c.Rcpt {
		if err := cl.Rcpt(rcpt); err != nil {
			sess.Log("RCPT", err.Error(), true)
			return err
		}
		sess.Log("RCPT", "ok", false)
	}

	data, err := buildBody(c)
	if err != nil {
		sess.Log("DATA", err.Error(), true)
		return err
	}

	w, err := cl.Data()
	if err != nil {
		sess.Log("DATA", err.Error(), true)
		return err
	}
	if _, err := w.Write(data); err != nil {
		sess.Log("DATA", err.Error(), true)
		return err
	}
	if err := w.Close(); err != nil {
		sess.Log("DATA", err.Error(), true)
		return err
	}
	sess.Log("DATA", "ok", false)

	_ = cl.Quit()
	sess.Log("QUIT", "ok", false)
	return nil
}

func buildBody(c *Case) ([]byte, error) {
	attachments, err := attachmentsOf(c.MIME)
	if err != nil {
		return nil, err
	}
	to := ""
	if len(c.Rcpt) > 0 {
		to = c.Rcpt[0]
	}
	return mime.Build(c.Mail, to, c.MIME.Subject, []byte(c.MIME.Body), attachments)
}

func attachmentsOf(spec MIMESpec) (map[string][]byte, error) {
	if len(spec.Attachments) == 0 {
		return nil, nil
	}
	out := make(map[string][]byte, len(spec.Attachments))
	for name, path := range spec.Attachments {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("attachment %q: %w", name, err)
		}
		out[name] = data
	}
	return out, nil
}

var idCounter int

// newID returns a small, process-unique session identifier for the
// scripted client (there's no incoming connection to derive one from).
func newID() string {
	idCounter++
	return fmt.Sprintf("client-%d-%d", os.Getpid(), idCounter)
}
