// Package scenario implements the EHLO-keyed table of per-verb canned
// response overrides used to script server behaviour (spec.md §3, §4.3).
package scenario

import (
	"os"
	"regexp"
	"sync/atomic"

	"gopkg.in/yaml.v2"
)

// Default is the wildcard key used when no entry matches the client's EHLO
// domain.
const Default = "*"

// STARTTLSRestriction optionally restricts the TLS protocols/ciphers
// offered during STARTTLS for a given scenario entry.
type STARTTLSRestriction struct {
	Protocols []string `yaml:"protocols,omitempty"`
	Ciphers   []string `yaml:"ciphers,omitempty"`
}

// VerbEntry is one override for a single SMTP verb.
type VerbEntry struct {
	// Response overrides the default response unconditionally.
	Response string `yaml:"response,omitempty"`

	// Value is matched (as a regexp) against the command parameter (e.g.
	// the RCPT address) to decide whether Response applies. Empty means
	// "always".
	Value string `yaml:"value,omitempty"`

	// STARTTLS-only: restrict the negotiated protocol/cipher list.
	STARTTLS *STARTTLSRestriction `yaml:"starttls,omitempty"`

	valueRe *regexp.Regexp
}

// Table is the full EHLO -> per-verb override mapping.
type Table map[string]map[string]*VerbEntry

// Load parses a scenario file (spec.md §6 "Scenario file").
//
// YAML shape:
//
//	reject.com:
//	  rcpt:
//	    value: "ultron@reject\\.com"
//	    response: "501 Heart not found"
//	"*":
//	  starttls:
//	    protocols: ["TLSv1.2", "TLSv1.3"]
func Load(path string) (Table, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(buf)
}

// Parse parses scenario file contents already read into memory.
func Parse(buf []byte) (Table, error) {
	t := Table{}
	if err := yaml.Unmarshal(buf, &t); err != nil {
		return nil, err
	}
	for _, verbs := range t {
		for _, v := range verbs {
			if v.Value != "" {
				re, err := regexp.Compile(v.Value)
				if err != nil {
					return nil, err
				}
				v.valueRe = re
			}
		}
	}
	return t, nil
}

// Lookup finds the override entry for (ehloDomain, verb), falling back to
// the "*" wildcard domain. It returns nil if there is no applicable
// override.
func (t Table) Lookup(ehloDomain, verb string) *VerbEntry {
	if t == nil {
		return nil
	}
	if verbs, ok := t[ehloDomain]; ok {
		if v, ok := verbs[verb]; ok {
			return v
		}
	}
	if verbs, ok := t[Default]; ok {
		if v, ok := verbs[verb]; ok {
			return v
		}
	}
	return nil
}

// Matches reports whether the override's Value pattern (if any) matches
// the given command parameter. An entry with no Value pattern always
// matches.
func (v *VerbEntry) Matches(param string) bool {
	if v == nil {
		return false
	}
	if v.valueRe == nil {
		return true
	}
	return v.valueRe.MatchString(param)
}

// Store holds the live scenario table behind an atomic pointer, so readers
// never observe a torn value across a config reload (Design Notes §9).
type Store struct {
	p atomic.Pointer[Table]
}

// NewStore creates an (initially empty) scenario store.
func NewStore() *Store {
	s := &Store{}
	empty := Table{}
	s.p.Store(&empty)
	return s
}

// Swap atomically replaces the live table.
func (s *Store) Swap(t Table) {
	s.p.Store(&t)
}

// Snapshot returns the currently live table.
func (s *Store) Snapshot() Table {
	return *s.p.Load()
}
