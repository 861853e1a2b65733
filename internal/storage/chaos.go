package storage

import (
	"strings"

	"github.com/transilvlad/robin-sub006/internal/envelope"
)

// ChaosHeaderName is the header checked by every processor decorator
// before running the real processor body (spec.md §4.5, §6).
const ChaosHeaderName = "X-Robin-Chaos"

// Directive is one parsed `X-Robin-Chaos` header value:
//
//	X-Robin-Chaos: <ClassName>; key1=value1; key2=value2
type Directive struct {
	Class  string
	Params map[string]string
}

// ParseDirectives extracts every X-Robin-Chaos header present (there may
// be more than one, each applying independently to a different
// processor).
func ParseDirectives(headers []envelope.Header) []Directive {
	var out []Directive
	for _, h := range headers {
		if !strings.EqualFold(h.Key, ChaosHeaderName) {
			continue
		}
		out = append(out, parseDirective(h.Value))
	}
	return out
}

func parseDirective(v string) Directive {
	parts := strings.Split(v, ";")
	d := Directive{Params: map[string]string{}}
	if len(parts) > 0 {
		d.Class = strings.TrimSpace(parts[0])
	}
	for _, p := range parts[1:] {
		kv := strings.SplitN(strings.TrimSpace(p), "=", 2)
		if len(kv) != 2 {
			continue
		}
		d.Params[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	return d
}

// ForProcessor returns the directive forcing the named processor's whole
// return value, if any. Directives carrying a `recipient=` param are
// per-recipient (see ForProcessorRecipient) and are skipped here, since
// they must not short-circuit the processor as a whole.
func ForProcessor(directives []Directive, name string) (Directive, bool) {
	for _, d := range directives {
		if d.Params["processor"] == name && d.Params["recipient"] == "" {
			return d, true
		}
	}
	return Directive{}, false
}

// ForProcessorRecipient returns the directive targeting one recipient of
// the named processor, e.g. the Mailbox processor's
// `X-Robin-Chaos: Mailbox; recipient=<addr>; exitCode=<n>; message=<text>`.
func ForProcessorRecipient(directives []Directive, name, recipient string) (Directive, bool) {
	for _, d := range directives {
		if d.Params["processor"] == name && d.Params["recipient"] == recipient {
			return d, true
		}
	}
	return Directive{}, false
}

// Bool parses the directive's `return=` param, defaulting to false.
func (d Directive) Bool() bool {
	return d.Params["return"] == "true"
}
