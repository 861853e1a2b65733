// Package client implements the scripted SMTP test client (spec.md
// §4.11, §4.12): dial a route, converse through a declarative case file,
// record every exchange as a transaction, then evaluate assertion groups
// against that log.
package client

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Route describes how to reach the server under test.
type Route struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Protocol string `yaml:"protocol"` // "smtp" or "lmtp", default "smtp".
	TLS      string `yaml:"tls"`      // "", "starttls" or "implicit".
	AuthUser string `yaml:"auth_user"`
	AuthPass string `yaml:"auth_pass"`
}

// Addr returns the "host:port" dial target.
func (r Route) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// MIMESpec describes the message body to send.
type MIMESpec struct {
	Subject     string            `yaml:"subject"`
	Body        string            `yaml:"body"`
	Attachments map[string]string `yaml:"attachments"` // name -> file path.
}

// MatchRule is one [verb_filter, regex] pair from an assertions block.
type MatchRule struct {
	VerbFilter string
	Pattern    string
}

// UnmarshalYAML decodes a MatchRule from a two-element YAML sequence.
func (m *MatchRule) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var pair []string
	if err := unmarshal(&pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("match rule must have exactly 2 elements, got %d", len(pair))
	}
	m.VerbFilter, m.Pattern = pair[0], pair[1]
	return nil
}

// AssertionGroupSpec is the YAML shape of one assertion group: {delay,
// wait, retry, match: [[verb_filter, regex], ...]} (spec.md §4.11).
type AssertionGroupSpec struct {
	DelayMS int         `yaml:"delay_ms"`
	WaitMS  int         `yaml:"wait_ms"`
	Retry   int         `yaml:"retry"`
	Match   []MatchRule `yaml:"match"`
}

// AssertionsSpec is the top-level "assertions" block.
type AssertionsSpec struct {
	SMTP []MatchRule          `yaml:"smtp"`
	MTA  []AssertionGroupSpec `yaml:"mta"`
}

// Case is one declarative test case: a route, an envelope, and the
// assertions to evaluate against the resulting transaction log.
type Case struct {
	Name string `yaml:"name"`

	Route Route  `yaml:"route"`
	Mail  string `yaml:"mail"`
	Rcpt  []string `yaml:"rcpt"`

	MIME MIMESpec `yaml:"mime"`

	Assertions AssertionsSpec `yaml:"assertions"`

	// PerEnvelope holds additional assertion groups for each envelope's own
	// transaction log. They are parsed from the case file only; Run does not
	// evaluate them.
	PerEnvelope []AssertionGroupSpec `yaml:"per_envelope_assertions"`
}

// LoadCase parses a case file from disk.
func LoadCase(path string) (*Case, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Case
	if err := yaml.Unmarshal(buf, &c); err != nil {
		return nil, err
	}
	if c.Route.Port == 0 {
		c.Route.Port = 25
	}
	if c.Route.Protocol == "" {
		c.Route.Protocol = "smtp"
	}
	return &c, nil
}
