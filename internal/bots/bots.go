// Package bots implements address-pattern-matched reply senders invoked
// after message acceptance (spec.md §4.13): the engine scans an
// envelope's recipients against configured bot definitions and, on a
// match, schedules the named bot on a dedicated executor.
package bots

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/transilvlad/robin-sub006/internal/courier"
	"github.com/transilvlad/robin-sub006/internal/envelope"
	"github.com/transilvlad/robin-sub006/internal/metrics"
	"github.com/transilvlad/robin-sub006/internal/session"
	"blitiri.com.ar/go/log"
)

// Exported variables.
var (
	dispatchCount = metrics.NewMap("chasquid/bots/dispatch",
		"bot", "count of bot dispatches, by bot name")
	dispatchErrors = metrics.NewMap("chasquid/bots/errors",
		"bot", "count of bot dispatch errors, by bot name")
)

// Definition is one configured bot binding: {addressPattern, botName,
// allowedIps, allowedTokens} (spec.md §4.13).
type Definition struct {
	AddressPattern string // e.g. "robot@bots.example" or "*@bots.example".
	BotName        string // "session" or "email".
	AllowedIPs     []string
	AllowedTokens  []string
}

// Bot processes one matched recipient.
type Bot interface {
	Run(ctx context.Context, sess *session.Session, env *envelope.Envelope, match SieveMatch) error
}

// SieveMatch is the decomposition of a sieve-style bot address, per
// spec.md §4.13: "robot[+token][+user+domain.tld]@botdomain".
type SieveMatch struct {
	Robot     string
	Token     string
	User      string
	Domain    string
	BotDomain string
}

var sieveRe = regexp.MustCompile(`^([^+@]+)(?:\+([^+@]+))?(?:\+([^+@]+)\+([^+@]+))?@(.+)$`)

// ParseSieveAddress decomposes addr into its sieve components. ok is
// false if addr doesn't look like a sieve bot address at all.
func ParseSieveAddress(addr string) (SieveMatch, bool) {
	m := sieveRe.FindStringSubmatch(strings.ToLower(addr))
	if m == nil {
		return SieveMatch{}, false
	}
	return SieveMatch{
		Robot:     m[1],
		Token:     m[2],
		User:      m[3],
		Domain:    m[4],
		BotDomain: m[5],
	}, true
}

// Registry holds the configured bot Definitions and their implementations,
// and dispatches matched recipients to a bounded set of worker goroutines
// (the "dedicated executor" spec.md §4.13 calls for).
type Registry struct {
	defs map[string][]Definition // addressPattern (lowercased) -> defs sharing it, usually len 1.
	bots map[string]Bot

	sem chan struct{}
	wg  sync.WaitGroup
}

// NewRegistry returns a Registry with maxConcurrent bot runs in flight at
// once.
func NewRegistry(maxConcurrent int) *Registry {
	if maxConcurrent < 1 {
		maxConcurrent = 4
	}
	return &Registry{
		defs: map[string][]Definition{},
		bots: map[string]Bot{},
		sem:  make(chan struct{}, maxConcurrent),
	}
}

// Register installs a bot implementation under name (e.g. "session",
// "email").
func (r *Registry) Register(name string, b Bot) {
	r.bots[name] = b
}

// AddDefinition installs a bot binding, matched against recipients by
// exact address or "*@domain" wildcard.
func (r *Registry) AddDefinition(d Definition) {
	key := strings.ToLower(d.AddressPattern)
	r.defs[key] = append(r.defs[key], d)
}

// matches reports whether addr is covered by d's AddressPattern.
func (d Definition) matches(addr string) bool {
	addr = strings.ToLower(addr)
	pat := strings.ToLower(d.AddressPattern)
	if pat == addr {
		return true
	}
	if strings.HasPrefix(pat, "*@") {
		return strings.HasSuffix(addr, pat[1:])
	}
	return false
}

func (d Definition) ipAllowed(peerIP string) bool {
	if len(d.AllowedIPs) == 0 {
		return true
	}
	for _, ip := range d.AllowedIPs {
		if ip == peerIP {
			return true
		}
	}
	return false
}

func (d Definition) tokenAllowed(token string) bool {
	if len(d.AllowedTokens) == 0 {
		return true
	}
	for _, t := range d.AllowedTokens {
		if t == token {
			return true
		}
	}
	return false
}

// Scan finds every recipient of env that matches a configured Definition
// and whose peer IP / sieve token (when required) is allowed, returning
// one binding per match.
func (r *Registry) Scan(env *envelope.Envelope, peerIP string) []binding {
	var out []binding
	for _, rcpt := range env.Rcpt {
		match, ok := ParseSieveAddress(rcpt)
		for _, defs := range r.defs {
			for _, d := range defs {
				if !d.matches(rcpt) {
					continue
				}
				if !d.ipAllowed(peerIP) {
					continue
				}
				if ok && match.Token != "" && !d.tokenAllowed(match.Token) {
					continue
				}
				out = append(out, binding{def: d, addr: rcpt, match: match})
			}
		}
	}
	return out
}

type binding struct {
	def   Definition
	addr  string
	match SieveMatch
}

// Dispatch schedules every matching bot for env on the registry's
// executor, asynchronously: it returns immediately, after the SMTP
// response for the message has already been emitted (spec.md §4.13,
// "Ordering guarantees").
func (r *Registry) Dispatch(ctx context.Context, sess *session.Session, env *envelope.Envelope, peerIP string) {
	for _, b := range r.Scan(env, peerIP) {
		bot, ok := r.bots[b.def.BotName]
		if !ok {
			log.Errorf("bots: no implementation registered for %q", b.def.BotName)
			continue
		}

		sess.BotBindings = append(sess.BotBindings, fmt.Sprintf("%s:%s", b.def.BotName, b.addr))

		r.wg.Add(1)
		go func(bot Bot, match SieveMatch, name string) {
			defer r.wg.Done()
			r.sem <- struct{}{}
			defer func() { <-r.sem }()

			dispatchCount.Add(name, 1)
			if err := bot.Run(ctx, sess, env, match); err != nil {
				dispatchErrors.Add(name, 1)
				log.Errorf("bots: %s failed: %v", name, err)
			}
		}(bot, b.match, b.def.BotName)
	}
}

// Wait blocks until every dispatched bot run has finished; intended for
// tests and graceful shutdown, not the hot path.
func (r *Registry) Wait() {
	r.wg.Wait()
}

// resolveReplyTo implements spec.md §4.13's reply-address fallback chain:
// sieve user+domain, then envelope Reply-To, then From, then MAIL FROM.
func resolveReplyTo(env *envelope.Envelope, match SieveMatch) (string, bool) {
	if match.User != "" && match.Domain != "" {
		return match.User + "@" + match.Domain, true
	}
	for _, h := range env.Headers {
		if strings.EqualFold(h.Key, "Reply-To") && h.Value != "" {
			return h.Value, true
		}
	}
	for _, h := range env.Headers {
		if strings.EqualFold(h.Key, "From") && h.Value != "" {
			return h.Value, true
		}
	}
	if env.From != "" && env.From != "<>" {
		return env.From, true
	}
	return "", false
}

// deliverReply sends a bot-composed reply via c, from botAddr to replyTo.
func deliverReply(c courier.Courier, botAddr, replyTo string, body []byte) error {
	err, _ := c.Deliver(botAddr, replyTo, body)
	return err
}
