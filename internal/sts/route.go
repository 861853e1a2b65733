package sts

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"sort"
	"strconv"
	"strings"
)

// MXRecord is the (priority, name) pair DNS MX lookups return, kept local
// to this package so callers don't need to depend on net.MX directly.
type MXRecord struct {
	Priority uint16
	Name     string
}

// Route is a set of domains that share an identical ordered MX server
// list, keyed by the SHA-256 hash of their canonical form (spec.md §3,
// "MX route"). Hash is computed over "priority:name" pairs sorted by
// priority then name, joined with "|".
type Route struct {
	Hash    string
	Servers []MXRecord // sorted priority-asc, name-asc.
	Domains []string   // domains sharing this route, insertion order.
}

// Canonicalize sorts mxs by priority then name and returns the "p:name|..."
// string hashed to produce a route's identity.
func Canonicalize(mxs []MXRecord) string {
	sorted := append([]MXRecord{}, mxs...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority < sorted[j].Priority
		}
		return sorted[i].Name < sorted[j].Name
	})

	parts := make([]string, len(sorted))
	for i, mx := range sorted {
		parts[i] = strconv.Itoa(int(mx.Priority)) + ":" + strings.TrimSuffix(mx.Name, ".")
	}
	return strings.Join(parts, "|")
}

// RouteHash returns the hex SHA-256 of mxs' canonical form.
func RouteHash(mxs []MXRecord) string {
	sum := sha256.Sum256([]byte(Canonicalize(mxs)))
	return hex.EncodeToString(sum[:])
}

// FromNetMX converts the stdlib net.MX slice DNS lookups return.
func FromNetMX(in []*net.MX) []MXRecord {
	out := make([]MXRecord, len(in))
	for i, mx := range in {
		out[i] = MXRecord{Priority: mx.Pref, Name: mx.Host}
	}
	return out
}

// Grouper accumulates domains into routes as their MX lists are resolved,
// per spec.md §4.7: "group domains sharing the same hash into one route
// object."
type Grouper struct {
	routes map[string]*Route
}

// NewGrouper returns an empty Grouper.
func NewGrouper() *Grouper {
	return &Grouper{routes: map[string]*Route{}}
}

// Add resolves domain into its route, creating one if this is the first
// domain to produce this particular MX set, and returns it.
func (g *Grouper) Add(domain string, mxs []MXRecord) *Route {
	sorted := append([]MXRecord{}, mxs...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority < sorted[j].Priority
		}
		return sorted[i].Name < sorted[j].Name
	})
	hash := RouteHash(sorted)

	r, ok := g.routes[hash]
	if !ok {
		r = &Route{Hash: hash, Servers: sorted}
		g.routes[hash] = r
	}
	r.Domains = append(r.Domains, domain)
	return r
}

// Routes returns every distinct route seen so far, in no particular order.
func (g *Grouper) Routes() []*Route {
	out := make([]*Route, 0, len(g.routes))
	for _, r := range g.routes {
		out = append(out, r)
	}
	return out
}

// Allow overriding for testing purposes.
var netLookupMX = net.LookupMX

// GroupDomains resolves the MX set for each of domains and groups those
// that share an identical ordered MX list into one Route (spec.md §4.7,
// E4). Domains that fail to resolve are skipped, not an error: callers
// that only want grouping hints for already-reachable domains should not
// fail the whole batch over one bad lookup.
func GroupDomains(domains []string) *Grouper {
	g := NewGrouper()
	for _, d := range domains {
		mxs, err := netLookupMX(d)
		if err != nil || len(mxs) == 0 {
			continue
		}
		g.Add(d, FromNetMX(mxs))
	}
	return g
}
