// Package storage implements the ordered processor chain that every
// accepted message passes through after DATA/BDAT commits (spec.md §4.5):
// SpamScan -> AVScan -> LocalFile -> Mailbox. Each processor returns
// continue/reject/discard; a "chaos" header can force any processor's
// return value without running its real body, for deterministic testing.
package storage

import (
	"context"
	"time"

	"github.com/transilvlad/robin-sub006/internal/envelope"
	"github.com/transilvlad/robin-sub006/internal/metrics"
)

// Outcome is the small sum every processor (and the chain as a whole)
// returns, per Design Notes §9 ("ProcessorOutcome").
type Outcome int

const (
	Continue Outcome = iota
	RejectPermanent
	RejectTransient
	Discard
)

// Result carries the outcome and, for rejections, the SMTP response to
// emit.
type Result struct {
	Outcome   Outcome
	Code      int
	Msg       string
	Processor string
}

// Processor is one stage of the chain.
type Processor interface {
	Name() string
	Process(ctx context.Context, art *envelope.Artifact, env *envelope.Envelope) Result
}

var (
	chainResults = metrics.NewMap("robin/storage/chainResult",
		"processor", "count of non-continue results, by processor")
	chaosForced = metrics.NewMap("robin/storage/chaosForced",
		"processor", "count of chaos-forced processor returns")
)

// Chain runs an ordered list of processors, each wrapped so that a
// matching chaos directive short-circuits it.
type Chain struct {
	ChaosEnabled bool
	Processors   []Processor
}

// NewChain builds a chain from the given processors, in order.
func NewChain(chaosEnabled bool, procs ...Processor) *Chain {
	return &Chain{ChaosEnabled: chaosEnabled, Processors: procs}
}

// Run executes the chain against one artifact/envelope pair, stopping at
// the first non-Continue result.
func (c *Chain) Run(ctx context.Context, art *envelope.Artifact, env *envelope.Envelope) Result {
	var directives []Directive
	if c.ChaosEnabled {
		directives = ParseDirectives(env.Headers)
	}

	for _, p := range c.Processors {
		res := c.runOne(ctx, p, directives, art, env)
		if res.Outcome != Continue {
			chainResults.Add(p.Name(), 1)
			return res
		}
	}
	return Result{Outcome: Continue}
}

func (c *Chain) runOne(ctx context.Context, p Processor, directives []Directive, art *envelope.Artifact, env *envelope.Envelope) Result {
	if len(directives) > 0 {
		if d, ok := ForProcessor(directives, p.Name()); ok {
			chaosForced.Add(p.Name(), 1)
			if d.Bool() {
				return Result{Outcome: Continue, Processor: p.Name()}
			}
			code, msg := forcedRejection(p.Name())
			return Result{Outcome: RejectPermanent, Code: code, Msg: msg, Processor: p.Name()}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	res := p.Process(ctx, art, env)
	res.Processor = p.Name()
	return res
}

// forcedRejection picks a sensible default SMTP response for a chaos-forced
// rejection, matching the defaults in spec.md §4.5 for the scanner
// processors and a generic one otherwise.
func forcedRejection(name string) (int, string) {
	switch name {
	case NameAVScan:
		return 554, "5.7.1 virus rejected"
	case NameSpamScan:
		return 550, "5.7.1 spam rejected"
	default:
		return 550, "5.7.1 rejected by chaos directive"
	}
}
