// Package listener implements the bounded worker pool and admission
// control pipeline in front of each of the three SMTP listener sockets
// (spec.md §4.9): IP blocklist, RBL lookup, connection-limit, rate-limit,
// progressive tarpit, and a command-flood guard used while the
// connection is being served.
package listener

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/transilvlad/robin-sub006/internal/metrics"
)

// Exported variables.
var (
	admissionResults = metrics.NewMap("chasquid/listener/admission",
		"result", "count of admission control outcomes")
)

// Pool is a bounded worker pool: at most MaxSize goroutines run
// concurrently, with up to Backlog pending jobs queued behind them. It
// replaces an unbounded "go handle(conn)" per accepted connection with
// the minimumPoolSize..maximumPoolSize pool spec.md §4.9 calls for.
type Pool struct {
	sem   chan struct{}
	queue chan func()
	wg    sync.WaitGroup

	once sync.Once
}

// NewPool returns a Pool that runs at most maxSize jobs concurrently,
// queuing up to backlog more before Submit blocks. minSize workers are
// started eagerly; the rest are started lazily as load requires, up to
// maxSize, matching minimumPoolSize..maximumPoolSize.
func NewPool(minSize, maxSize, backlog int) *Pool {
	if maxSize < 1 {
		maxSize = 1
	}
	if minSize < 1 {
		minSize = 1
	}
	if minSize > maxSize {
		minSize = maxSize
	}
	if backlog < 1 {
		backlog = maxSize
	}

	p := &Pool{
		sem:   make(chan struct{}, maxSize),
		queue: make(chan func(), backlog),
	}
	for i := 0; i < minSize; i++ {
		p.sem <- struct{}{}
		p.startWorker()
	}
	return p
}

func (p *Pool) startWorker() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for job := range p.queue {
			job()
		}
	}()
}

// Submit queues fn to run on a pool worker, blocking if the backlog is
// full. It grows the pool (up to maxSize, tracked via sem's capacity) on
// demand rather than always running minSize workers.
func (p *Pool) Submit(fn func()) {
	select {
	case p.sem <- struct{}{}:
		p.startWorker()
	default:
	}
	p.queue <- fn
}

// Decision is the result of running a connection through a Gate.
type Decision struct {
	Reject      bool
	Code        int
	Msg         string
	TarpitDelay time.Duration
}

// AdmissionConfig configures a Gate's checks, each independently
// toggleable by leaving its zero value (spec.md §4.9).
type AdmissionConfig struct {
	Blocklist []*net.IPNet

	RBLZones   []string
	RBLTimeout time.Duration

	MaxConnsPerIP int
	RatePerMinute int

	TarpitBase       time.Duration
	TarpitMax        time.Duration
	TarpitViolations int // violations before tarpit starts biting.

	CommandFloodPerSecond int
}

// Gate runs a connection through the admission pipeline, in the order
// spec.md §4.9 specifies: blocklist, RBL, connection-limit, rate-limit,
// progressive tarpit.
type Gate struct {
	cfg AdmissionConfig

	mu         sync.Mutex
	connCounts map[string]int
	rateLog    map[string][]time.Time
	violations map[string]int

	// Overridable for testing.
	lookupHost func(host string) ([]string, error)
}

// NewGate returns a Gate enforcing cfg.
func NewGate(cfg AdmissionConfig) *Gate {
	return &Gate{
		cfg:        cfg,
		connCounts: map[string]int{},
		rateLog:    map[string][]time.Time{},
		violations: map[string]int{},
		lookupHost: net.LookupHost,
	}
}

// Admit evaluates every configured check against remote, in spec order,
// returning the first rejection. It must be paired with a Release call
// once the connection this Admit call accounted for is done, to keep
// the per-IP connection count accurate.
func (g *Gate) Admit(remote net.Addr) Decision {
	ip := ipOf(remote)
	if ip == nil {
		return Decision{}
	}

	if g.blocked(ip) {
		admissionResults.Add("blocklist", 1)
		return Decision{Reject: true, Code: 554, Msg: "5.7.1 Blocked"}
	}

	if g.rblListed(ip) {
		admissionResults.Add("rbl", 1)
		return Decision{Reject: true, Code: 554, Msg: "5.7.1 Listed in RBL"}
	}

	g.mu.Lock()
	key := ip.String()

	if g.cfg.MaxConnsPerIP > 0 && g.connCounts[key] >= g.cfg.MaxConnsPerIP {
		g.mu.Unlock()
		admissionResults.Add("connlimit", 1)
		return Decision{Reject: true, Code: 421, Msg: "4.7.0 Too many connections"}
	}

	if g.cfg.RatePerMinute > 0 {
		now := time.Now()
		cutoff := now.Add(-1 * time.Minute)
		log := g.rateLog[key][:0]
		for _, t := range g.rateLog[key] {
			if t.After(cutoff) {
				log = append(log, t)
			}
		}
		log = append(log, now)
		g.rateLog[key] = log
		if len(log) > g.cfg.RatePerMinute {
			g.violations[key]++
			v := g.violations[key]
			g.mu.Unlock()
			admissionResults.Add("ratelimit", 1)
			return Decision{Reject: true, Code: 421, Msg: "4.7.0 Rate limit exceeded", TarpitDelay: g.tarpitDelay(v)}
		}
	}

	g.connCounts[key]++
	v := g.violations[key]
	g.mu.Unlock()

	admissionResults.Add("accepted", 1)
	if v >= g.cfg.TarpitViolations && g.cfg.TarpitViolations > 0 {
		return Decision{TarpitDelay: g.tarpitDelay(v)}
	}
	return Decision{}
}

// Release decrements the per-IP connection count Admit incremented.
func (g *Gate) Release(remote net.Addr) {
	ip := ipOf(remote)
	if ip == nil {
		return
	}
	g.mu.Lock()
	key := ip.String()
	if g.connCounts[key] > 0 {
		g.connCounts[key]--
	}
	g.mu.Unlock()
}

// RecordViolation increments the tarpit violation counter for remote
// (e.g. after a command-flood or slow-transfer rejection detected later
// in the connection's lifetime), so repeated bad actors get progressively
// longer tarpit delays on their next connection.
func (g *Gate) RecordViolation(remote net.Addr) {
	ip := ipOf(remote)
	if ip == nil {
		return
	}
	g.mu.Lock()
	g.violations[ip.String()]++
	g.mu.Unlock()
}

func (g *Gate) tarpitDelay(violations int) time.Duration {
	base := g.cfg.TarpitBase
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	max := g.cfg.TarpitMax
	if max <= 0 {
		max = 10 * time.Second
	}
	delay := base
	for i := 1; i < violations && delay < max; i++ {
		delay *= 2
	}
	if delay > max {
		delay = max
	}
	return delay
}

func (g *Gate) blocked(ip net.IP) bool {
	for _, cidr := range g.cfg.Blocklist {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// rblListed performs classic DNSBL lookups: reverse the IPv4 octets,
// append each zone, and treat any A record response as "listed".
func (g *Gate) rblListed(ip net.IP) bool {
	v4 := ip.To4()
	if v4 == nil || len(g.cfg.RBLZones) == 0 {
		return false
	}
	rev := fmt.Sprintf("%d.%d.%d.%d", v4[3], v4[2], v4[1], v4[0])

	for _, zone := range g.cfg.RBLZones {
		addrs, err := g.lookupHost(rev + "." + zone)
		if err == nil && len(addrs) > 0 {
			return true
		}
	}
	return false
}

func ipOf(a net.Addr) net.IP {
	host, _, err := net.SplitHostPort(a.String())
	if err != nil {
		host = a.String()
	}
	return net.ParseIP(host)
}

// ParseCIDRs parses a comma-separated list of CIDR blocks, skipping
// blanks, for use as Gate's Blocklist.
func ParseCIDRs(list string) ([]*net.IPNet, error) {
	var out []*net.IPNet
	for _, s := range strings.Split(list, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		_, n, err := net.ParseCIDR(s)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// CommandFloodGuard rejects a connection that issues more than N
// commands per second, a cheap defense against pipelining abuse that
// bypasses the listener-level rate limit (spec.md §4.9).
type CommandFloodGuard struct {
	perSecond int
	mu        sync.Mutex
	window    time.Time
	count     int
}

// NewCommandFloodGuard returns a guard allowing perSecond commands per
// rolling one-second window; perSecond<=0 disables the guard.
func NewCommandFloodGuard(perSecond int) *CommandFloodGuard {
	return &CommandFloodGuard{perSecond: perSecond, window: time.Now()}
}

// Allow records one more command and reports whether the connection is
// still within its budget.
func (g *CommandFloodGuard) Allow() bool {
	if g.perSecond <= 0 {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	if now.Sub(g.window) > time.Second {
		g.window = now
		g.count = 0
	}
	g.count++
	return g.count <= g.perSecond
}
