package client

import (
	"regexp"
	"time"

	"github.com/transilvlad/robin-sub006/internal/session"
)

// RuleResult is the outcome of matching one MatchRule against a
// transaction log.
type RuleResult struct {
	Rule    MatchRule
	Matched bool
	// Entry is the first transaction that matched, when Matched is true.
	Entry session.Transaction
}

// GroupResult is the outcome of evaluating one assertion group: it passes
// only if every rule matched at least one log entry.
type GroupResult struct {
	Rules   []RuleResult
	Passed  bool
	Retries int
}

// EvaluateGroup runs an assertion group's match rules against txLog,
// retrying up to group.Retry times (spaced group.WaitMS apart) if not all
// rules match on a given pass. group.DelayMS is slept once before the
// first attempt, to give an asynchronous side effect (delivery, a
// webhook, a bot reply) time to land.
func EvaluateGroup(group AssertionGroupSpec, fetch func() []session.Transaction) GroupResult {
	if group.DelayMS > 0 {
		time.Sleep(time.Duration(group.DelayMS) * time.Millisecond)
	}

	var res GroupResult
	for attempt := 0; ; attempt++ {
		res = evaluateOnce(group.Match, fetch())
		res.Retries = attempt
		if res.Passed || attempt >= group.Retry {
			return res
		}
		wait := time.Duration(group.WaitMS) * time.Millisecond
		if wait <= 0 {
			wait = 500 * time.Millisecond
		}
		time.Sleep(wait)
	}
}

func evaluateOnce(rules []MatchRule, txLog []session.Transaction) GroupResult {
	out := GroupResult{Passed: true}
	for _, rule := range rules {
		rr := RuleResult{Rule: rule}

		var verbRe *regexp.Regexp
		if rule.VerbFilter != "" && rule.VerbFilter != "*" {
			verbRe = regexp.MustCompile("(?i)^" + rule.VerbFilter + "$")
		}
		pat := regexp.MustCompile(rule.Pattern)

		for _, tx := range txLog {
			if verbRe != nil && !verbRe.MatchString(tx.Verb) {
				continue
			}
			if pat.MatchString(tx.Response) {
				rr.Matched = true
				rr.Entry = tx
				break
			}
		}

		if !rr.Matched {
			out.Passed = false
		}
		out.Rules = append(out.Rules, rr)
	}
	return out
}
