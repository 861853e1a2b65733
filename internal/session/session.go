// Package session implements the per-connection state shared by all
// extension processors in the SMTP engine (internal/smtpsrv) and, in the
// opposite direction, by the scripted client's behaviour engine
// (internal/client). Both sides of a conversation are, structurally, one
// session accumulating envelopes and a transaction log.
package session

import (
	"net"
	"sync"
	"time"

	"github.com/transilvlad/robin-sub006/internal/envelope"
)

// Direction distinguishes a session driven by an inbound peer from one we
// initiated ourselves (relay, or scripted client).
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

// Transaction is one (verb, response, failed) triple, as defined in
// spec.md §3. It is the sole input of the assertion engine. It is a plain
// alias of envelope.Transaction so a session's and an envelope's logs
// share one shape.
type Transaction = envelope.Transaction

// ErrTooManyEnvelopes is returned by NewEnvelope once EnvelopeLimit has been
// reached.
type limitError string

func (e limitError) Error() string { return string(e) }

const ErrTooManyEnvelopes = limitError("envelope limit exceeded")

// Session is one connection's worth of state: identity, negotiated
// extensions, accumulated envelopes, and the append-only transaction log.
type Session struct {
	ID        string
	StartedAt time.Time

	PeerAddr net.Addr
	PeerRDNS string

	Hostname   string // server-declared hostname (or, client-side, the
	EHLODomain string // domain we sent in EHLO/HELO).

	Direction Direction

	// Advertised extensions (server->client, as EHLO-advertised) and
	// Negotiated ones (successfully activated, e.g. after STARTTLS/AUTH).
	Advertised map[string]bool
	Negotiated map[string]bool

	TLSState *TLSInfo

	Authed     bool
	AuthUser   string
	AuthDomain string

	// Magic variables available for substitution in scenario responses and
	// webhook payloads (e.g. "%peer_addr%", "%ehlo%").
	Vars map[string]string

	// Bots discovered (address-pattern matched) while accepting envelopes
	// for this session, scheduled for async dispatch after the response.
	BotBindings []string

	EnvelopeLimit int
	ErrorLimit    int

	mu         sync.Mutex
	envelopes  []*envelope.Envelope
	current    *envelope.Envelope
	log        []Transaction
	errorCount int
}

// TLSInfo captures the subset of tls.ConnectionState the rest of the system
// cares about, without requiring callers to import crypto/tls.
type TLSInfo struct {
	Negotiated  bool
	Version     uint16
	CipherSuite uint16
	ServerName  string
	PeerCert    bool // whether a peer (client) certificate was presented.
}

// New creates an empty session.
func New(id string, peer net.Addr, envelopeLimit, errorLimit int) *Session {
	return &Session{
		ID:            id,
		StartedAt:     time.Now(),
		PeerAddr:      peer,
		Advertised:    map[string]bool{},
		Negotiated:    map[string]bool{},
		Vars:          map[string]string{},
		EnvelopeLimit: envelopeLimit,
		ErrorLimit:    errorLimit,
	}
}

// Log appends one transaction entry. It is only ever called from the
// owning worker, so no lock is strictly required, but we take one anyway
// since the assertion engine may read concurrently with delayed retries.
func (s *Session) Log(verb, response string, failed bool) {
	s.mu.Lock()
	s.log = append(s.log, Transaction{Verb: verb, Response: response, Failed: failed, At: time.Now()})
	s.mu.Unlock()
}

// Transactions returns a snapshot of the session-scoped transaction log.
func (s *Session) Transactions() []Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Transaction, len(s.log))
	copy(out, s.log)
	return out
}

// RecordError increments the per-command error counter and reports whether
// ErrorLimit has now been reached (the caller should then terminate the
// session with a transient bye).
func (s *Session) RecordError() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorCount++
	return s.ErrorLimit > 0 && s.errorCount >= s.ErrorLimit
}

// NewEnvelope starts a new envelope, enforcing EnvelopeLimit. It becomes
// the session's "current" envelope; the previous one, if any, must already
// have been committed or discarded.
func (s *Session) NewEnvelope(id string, recipientsLimit int, messageSizeLimit int64) (*envelope.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.EnvelopeLimit > 0 && len(s.envelopes) >= s.EnvelopeLimit {
		return nil, ErrTooManyEnvelopes
	}
	e := envelope.New(id, recipientsLimit, messageSizeLimit)
	s.current = e
	return e, nil
}

// Current returns the in-progress envelope, or nil.
func (s *Session) Current() *envelope.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// CommitEnvelope appends the current envelope to the session's history and
// clears "current", per the invariant in spec.md §3: "once DATA/BDAT for
// the last envelope completes, the envelope is appended and a new empty
// envelope may begin."
func (s *Session) CommitEnvelope() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		s.envelopes = append(s.envelopes, s.current)
		s.current = nil
	}
}

// DiscardEnvelope drops the current envelope (RSET, or a permanent
// failure) without appending it to the session's history, releasing its
// body artifact if one was already attached.
func (s *Session) DiscardEnvelope() {
	s.mu.Lock()
	cur := s.current
	s.current = nil
	s.mu.Unlock()
	if cur != nil {
		_ = cur.Release()
	}
}

// Envelopes returns the committed envelopes, in order.
func (s *Session) Envelopes() []*envelope.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*envelope.Envelope, len(s.envelopes))
	copy(out, s.envelopes)
	return out
}

// Close releases every envelope's body artifact. Called once, when the
// session ends (QUIT, timeout, limit, or error), so that the body artifact
// "is guaranteed to be released on all exit paths."
func (s *Session) Close() {
	s.mu.Lock()
	all := append(append([]*envelope.Envelope{}, s.envelopes...), s.current)
	s.current = nil
	s.mu.Unlock()
	for _, e := range all {
		if e != nil {
			_ = e.Release()
		}
	}
}
