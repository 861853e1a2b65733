package bots

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/transilvlad/robin-sub006/internal/courier"
	"github.com/transilvlad/robin-sub006/internal/envelope"
	"github.com/transilvlad/robin-sub006/internal/mime"
	"github.com/transilvlad/robin-sub006/internal/session"
	"blitiri.com.ar/go/log"
)

// SessionBot emits a JSON report of the session to the resolved reply
// address, per spec.md §4.13: "The session bot emits a JSON report of the
// session."
type SessionBot struct {
	From    string
	Courier courier.Courier
}

type sessionReport struct {
	SessionID  string    `json:"session_id"`
	StartedAt  time.Time `json:"started_at"`
	EHLODomain string    `json:"ehlo_domain"`
	Authed     bool      `json:"authed"`
	AuthUser   string    `json:"auth_user,omitempty"`
	Envelopes  int       `json:"envelope_count"`
	Transactions int     `json:"transaction_count"`
}

func (b *SessionBot) Run(ctx context.Context, sess *session.Session, env *envelope.Envelope, match SieveMatch) error {
	replyTo, ok := resolveReplyTo(env, match)
	if !ok {
		log.Infof("bots: session bot skipped, no reply address resolved for envelope %s", env.ID)
		return nil
	}

	report := sessionReport{
		SessionID:    sess.ID,
		StartedAt:    sess.StartedAt,
		EHLODomain:   sess.EHLODomain,
		Authed:       sess.Authed,
		AuthUser:     sess.AuthUser,
		Envelopes:    len(sess.Envelopes()),
		Transactions: len(sess.Transactions()),
	}

	buf, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}

	body, err := mime.Build(b.From, replyTo, "Session report", buf, nil)
	if err != nil {
		return err
	}

	return deliverReply(b.Courier, b.From, replyTo, body)
}

// EmailBot composes a reply to the resolved address (spec.md §4.13: "The
// email bot composes a reply...").
type EmailBot struct {
	From    string
	Subject string
	Body    string
	Courier courier.Courier
}

func (b *EmailBot) Run(ctx context.Context, sess *session.Session, env *envelope.Envelope, match SieveMatch) error {
	replyTo, ok := resolveReplyTo(env, match)
	if !ok {
		log.Infof("bots: email bot skipped, no reply address resolved for envelope %s", env.ID)
		return nil
	}

	subject := b.Subject
	if subject == "" {
		subject = "Re: your message"
	}
	body := b.Body
	if body == "" {
		body = fmt.Sprintf("Automated reply from %s.\n", match.BotDomain)
	}

	msg, err := mime.Build(b.From, replyTo, subject, []byte(body), nil)
	if err != nil {
		return err
	}

	return deliverReply(b.Courier, b.From, replyTo, msg)
}
