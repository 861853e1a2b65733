package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"
)

// Artifact is the message body as received, written once to disk and
// reference-counted from then on. Per spec, the body is owned by the
// envelope but shared (by handle) with the storage chain and the queue;
// the last releaser deletes the file unless AutoDelete is false.
type Artifact struct {
	mu sync.Mutex

	Path       string
	Hash       string // hex sha256, computed lazily by Sum.
	Size       int64
	AutoDelete bool

	refs int
}

// NewArtifact wraps an already-written file at path.
func NewArtifact(path string, size int64, autoDelete bool) *Artifact {
	return &Artifact{Path: path, Size: size, AutoDelete: autoDelete, refs: 1}
}

// Retain increments the reference count. Callers that hand the artifact to
// another long-lived owner (the queue, a storage processor) must Retain
// before doing so and Release when done.
func (a *Artifact) Retain() {
	a.mu.Lock()
	a.refs++
	a.mu.Unlock()
}

// Release decrements the reference count, deleting the backing file when it
// reaches zero (unless AutoDelete is false).
func (a *Artifact) Release() error {
	a.mu.Lock()
	a.refs--
	n := a.refs
	a.mu.Unlock()

	if n > 0 || !a.AutoDelete {
		return nil
	}
	return os.Remove(a.Path)
}

// Sum computes (and caches) the artifact's SHA-256 content hash.
func (a *Artifact) Sum() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Hash != "" {
		return a.Hash, nil
	}

	f, err := os.Open(a.Path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, 64*1024)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}
	a.Hash = hex.EncodeToString(h.Sum(nil))
	return a.Hash, nil
}

// AVResult is the anti-virus scanner's verdict for one artifact.
type AVResult struct {
	Infected bool
	Parts    []string
	Viruses  []string
}

// SpamResult is the spam scanner's verdict for one artifact.
type SpamResult struct {
	Score   float64
	Spam    bool
	Symbols map[string]float64
}

// ScanResult is a polymorphic record: exactly one of AV/Spam/Extra is
// set, identified by Scanner.
type ScanResult struct {
	Scanner string
	At      time.Time

	AV    *AVResult
	Spam  *SpamResult
	Extra map[string]string // for ad-hoc scanners (SPF, etc).
}

// Header is one parsed message header, kept in original order.
type Header struct {
	Key   string
	Value string
}

// Transaction is one (verb, response, failed) triple, as defined in
// spec.md §3. The session keeps a connection-scoped log of these; each
// envelope keeps its own, narrower one covering only the commands that
// applied to it (MAIL/RCPT/DATA or BDAT, and per-recipient delivery
// responses for LMTP).
type Transaction struct {
	Verb     string
	Response string
	Failed   bool
	At       time.Time
}

// MatchRule is one (verb filter, regex) pair from an assertion group.
type MatchRule struct {
	VerbFilter string // "" or "*" matches any verb.
	Pattern    string
}

// AssertionGroup is one `{delay, wait, retry, match: [...]}` block, as
// described in the test case file format (spec.md §6).
type AssertionGroup struct {
	Delay time.Duration
	Wait  time.Duration
	Retry int
	Match []MatchRule
}

// AssertionConfig is the optional per-envelope (or per-session) assertion
// configuration attached by the scripted client.
type AssertionConfig struct {
	Groups []AssertionGroup
}

// Envelope holds the state of one MAIL transaction: a sender, its
// recipients, the received body (once committed), the headers as parsed,
// and the append-only, thread-safe scan results.
type Envelope struct {
	mu sync.Mutex

	ID        string
	MessageID string
	From      string // may be "<>" for bounces.
	Rcpt      []string
	Body      *Artifact
	Headers   []Header

	scanResults []ScanResult
	log         []Transaction

	Assertions *AssertionConfig

	recipientsLimit  int
	messageSizeLimit int64
}

// ErrTooManyRecipients is returned by AddRecipient once recipientsLimit has
// been reached.
var ErrTooManyRecipients = fmt.Errorf("recipients limit exceeded")

// ErrMessageTooLarge is returned by Commit if the body exceeds
// messageSizeLimit.
var ErrMessageTooLarge = fmt.Errorf("message size limit exceeded")

// New creates an empty envelope bound to the given per-connection limits.
func New(id string, recipientsLimit int, messageSizeLimit int64) *Envelope {
	return &Envelope{
		ID:               id,
		recipientsLimit:  recipientsLimit,
		messageSizeLimit: messageSizeLimit,
	}
}

// AddRecipient appends a RCPT TO address, enforcing recipientsLimit.
func (e *Envelope) AddRecipient(addr string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.recipientsLimit > 0 && len(e.Rcpt) >= e.recipientsLimit {
		return ErrTooManyRecipients
	}
	e.Rcpt = append(e.Rcpt, addr)
	return nil
}

// Commit attaches the received body artifact, enforcing messageSizeLimit.
func (e *Envelope) Commit(body *Artifact) error {
	if e.messageSizeLimit > 0 && body.Size > e.messageSizeLimit {
		return ErrMessageTooLarge
	}
	e.mu.Lock()
	e.Body = body
	e.mu.Unlock()
	return nil
}

// AddScanResult appends a scan result. Safe for concurrent use, per the
// "append-only, thread-safe" invariant in spec.md §3.
func (e *Envelope) AddScanResult(r ScanResult) {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	e.mu.Lock()
	e.scanResults = append(e.scanResults, r)
	e.mu.Unlock()
}

// ScanResults returns a snapshot copy of the scan results recorded so far.
func (e *Envelope) ScanResults() []ScanResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ScanResult, len(e.scanResults))
	copy(out, e.scanResults)
	return out
}

// Log appends one envelope-scoped transaction entry (e.g. one per LMTP
// recipient response).
func (e *Envelope) Log(verb, response string, failed bool) {
	e.mu.Lock()
	e.log = append(e.log, Transaction{Verb: verb, Response: response, Failed: failed, At: time.Now()})
	e.mu.Unlock()
}

// Transactions returns a snapshot of the envelope-scoped transaction log.
func (e *Envelope) Transactions() []Transaction {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Transaction, len(e.log))
	copy(out, e.log)
	return out
}

// Release releases the envelope's body artifact, if any. Safe to call more
// than once.
func (e *Envelope) Release() error {
	e.mu.Lock()
	body := e.Body
	e.Body = nil
	e.mu.Unlock()
	if body == nil {
		return nil
	}
	return body.Release()
}
