package storage

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/transilvlad/robin-sub006/internal/courier"
	"github.com/transilvlad/robin-sub006/internal/envelope"
	"github.com/transilvlad/robin-sub006/internal/metrics"
)

// NameMailbox is this processor's chaos-header identifier.
const NameMailbox = "Mailbox"

var mailboxDeliveries = metrics.NewMap("robin/storage/mailboxDelivery",
	"result", "count of per-recipient mailbox delivery attempts")

// MailboxBackend is the minimal delivery surface the Mailbox processor
// needs: a multi-recipient transfer returning one result per recipient.
// *courier.LMTP satisfies it directly; an LDA-style single-recipient
// backend (*courier.MDA) is adapted by loopMDA below.
type MailboxBackend interface {
	DeliverMulti(from string, to []string, data []byte) []courier.RecipientResult
}

// loopMDA adapts a single-recipient courier.Courier (e.g. *courier.MDA)
// into a MailboxBackend by delivering to each recipient in turn.
type loopMDA struct {
	c courier.Courier
}

func (l loopMDA) DeliverMulti(from string, to []string, data []byte) []courier.RecipientResult {
	out := make([]courier.RecipientResult, len(to))
	for i, addr := range to {
		err, permanent := l.c.Deliver(from, addr, data)
		out[i] = courier.RecipientResult{Addr: addr, Err: err, Permanent: permanent}
	}
	return out
}

// Mailbox is the final stage of the storage chain: local delivery to each
// recipient's mailbox, LMTP-preferred with LDA fallback (spec.md §4.6).
// It logs one envelope-scoped transaction per recipient so that an N-way
// LMTP delivery yields N transaction-log entries (testable property #7).
type Mailbox struct {
	Primary  MailboxBackend // typically an *courier.LMTP.
	Fallback MailboxBackend // typically a loopMDA wrapping *courier.MDA.

	// FailureBehaviour governs the result when some recipients succeed and
	// at least one fails transiently: "retry" returns RejectTransient,
	// "bounce" returns Continue. When every recipient fails transiently the
	// result is RejectTransient under either setting.
	FailureBehaviour string // "retry" or "bounce".
	MaxRetryCount    int
}

// NewMailbox returns a Mailbox processor. lda may be nil if no LDA
// fallback is configured.
func NewMailbox(primary MailboxBackend, lda courier.Courier) *Mailbox {
	var fb MailboxBackend
	if lda != nil {
		fb = loopMDA{c: lda}
	}
	return &Mailbox{Primary: primary, Fallback: fb, FailureBehaviour: "retry", MaxRetryCount: 4}
}

func (m *Mailbox) Name() string { return NameMailbox }

func (m *Mailbox) Process(ctx context.Context, art *envelope.Artifact, env *envelope.Envelope) Result {
	if len(env.Rcpt) == 0 {
		return Result{Outcome: Continue}
	}

	data, err := os.ReadFile(art.Path)
	if err != nil {
		return Result{Outcome: RejectTransient, Code: 451, Msg: "4.3.0 local error reading message"}
	}

	directives := ParseDirectives(env.Headers)

	backend := m.Primary
	if backend == nil {
		backend = m.Fallback
	}

	var results []courier.RecipientResult
	if backend != nil {
		results = backend.DeliverMulti(env.From, env.Rcpt, data)
	} else {
		results = make([]courier.RecipientResult, len(env.Rcpt))
		for i, addr := range env.Rcpt {
			results[i] = courier.RecipientResult{Addr: addr, Err: fmt.Errorf("no mailbox backend configured"), Permanent: true}
		}
	}

	// A chaos directive can force one recipient's result without touching
	// the backend call for the others.
	for i, r := range results {
		if d, ok := ForProcessorRecipient(directives, NameMailbox, r.Addr); ok {
			results[i] = forcedRecipientResult(r.Addr, d)
		}
	}

	var transientCount, permanentCount int
	for _, r := range results {
		if r.Err == nil {
			env.Log("RCPT", fmt.Sprintf("250 2.1.5 %s delivered", r.Addr), false)
			mailboxDeliveries.Add("delivered", 1)
			continue
		}
		if r.Permanent {
			permanentCount++
			env.Log("RCPT", fmt.Sprintf("550 5.1.1 %s: %v", r.Addr, r.Err), true)
			mailboxDeliveries.Add("permanent_failure", 1)
		} else {
			transientCount++
			env.Log("RCPT", fmt.Sprintf("450 4.2.0 %s: %v", r.Addr, r.Err), true)
			mailboxDeliveries.Add("transient_failure", 1)
		}
	}

	switch {
	case transientCount == 0 && permanentCount == 0:
		return Result{Outcome: Continue}
	case transientCount == len(results):
		return Result{Outcome: RejectTransient, Code: 450, Msg: "4.2.0 mailbox temporarily unavailable"}
	case permanentCount == len(results):
		return Result{Outcome: RejectPermanent, Code: 550, Msg: "5.1.1 mailbox delivery failed"}
	default:
		// Partial success: the accepted recipients were already delivered
		// and logged above; the envelope as a whole is not re-queued since
		// re-running it would re-deliver to the recipients that already
		// succeeded (testable property #5, queue idempotence).
		if transientCount > 0 && m.FailureBehaviour == "retry" {
			return Result{Outcome: RejectTransient, Code: 450, Msg: "4.2.0 partial mailbox delivery failure"}
		}
		return Result{Outcome: Continue}
	}
}

func forcedRecipientResult(addr string, d Directive) courier.RecipientResult {
	code, _ := strconv.Atoi(d.Params["exitCode"])
	msg := d.Params["message"]
	if msg == "" {
		msg = "forced by chaos directive"
	}
	if code == 0 || code < 400 {
		return courier.RecipientResult{Addr: addr}
	}
	return courier.RecipientResult{Addr: addr, Err: fmt.Errorf("%s", msg), Permanent: code >= 500}
}
