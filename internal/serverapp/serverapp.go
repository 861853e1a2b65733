// Package serverapp holds the chasquid/robin server's startup sequence:
// load config, wire the storage chain/scenario/webhook/queue backend, open
// listeners, and serve. It is factored out of the top-level main package so
// that both the standalone binary and the "robin server" subcommand
// (cmd/robin) can start it.
package serverapp

import (
	"context"
	"flag"
	"fmt"
	"io/ioutil"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/transilvlad/robin-sub006/internal/bots"
	"github.com/transilvlad/robin-sub006/internal/config"
	"github.com/transilvlad/robin-sub006/internal/courier"
	"github.com/transilvlad/robin-sub006/internal/dovecot"
	"github.com/transilvlad/robin-sub006/internal/listener"
	"github.com/transilvlad/robin-sub006/internal/maillog"
	"github.com/transilvlad/robin-sub006/internal/normalize"
	"github.com/transilvlad/robin-sub006/internal/queue"
	"github.com/transilvlad/robin-sub006/internal/scanner/av"
	"github.com/transilvlad/robin-sub006/internal/scanner/spam"
	"github.com/transilvlad/robin-sub006/internal/scenario"
	"github.com/transilvlad/robin-sub006/internal/smtpsrv"
	"github.com/transilvlad/robin-sub006/internal/storage"
	"github.com/transilvlad/robin-sub006/internal/sts"
	"github.com/transilvlad/robin-sub006/internal/userdb"
	"github.com/transilvlad/robin-sub006/internal/webhook"
	"blitiri.com.ar/go/log"
	"blitiri.com.ar/go/systemd"
	"gopkg.in/yaml.v2"
)

// Command-line flags.
var (
	configDir = flag.String("config_dir", "/etc/chasquid",
		"configuration directory")
	configOverrides = flag.String("config_overrides", "",
		"override configuration values (in text protobuf format)")
	showVer = flag.Bool("version", false, "show version and exit")

	scenarioFile = flag.String("scenario_file", "",
		"path to a scenario override file (spec.md §3, §4.3); disabled if empty")
	webhookFile = flag.String("webhook_file", "",
		"path to a YAML list of webhook.Config entries; disabled if empty")
	botsFile = flag.String("bots_file", "",
		"path to a YAML list of bots.Definition entries (spec.md §4.13); disabled if empty")
	botsMaxConcurrent = flag.Int("bots_max_concurrent", 4,
		"maximum number of bot runs in flight at once")
	chaosEnabled = flag.Bool("chaos_enabled", false,
		"honor X-Robin-Chaos headers in the storage processor chain, ONLY FOR TESTING")
	avAddr = flag.String("av_addr", "",
		"address (host:port or unix socket) of a clamd-compatible AV daemon; disabled if empty")
	spamURL = flag.String("spam_url", "",
		"base URL of a spam-scoring daemon; disabled if empty")
	queueBackend = flag.String("queue_backend", "",
		"new relay queue backend to run alongside the legacy queue: \"memory\", \"file\" or \"sql\"; disabled if empty")
	queueBackendDir = flag.String("queue_backend_dir", "",
		"directory for the \"file\" queue backend")
	queueBackendDriver = flag.String("queue_backend_driver", "postgres",
		"SQL driver for the \"sql\" queue backend: \"postgres\" or \"mysql\"")
	queueBackendDSN = flag.String("queue_backend_dsn", "",
		"DSN for the \"sql\" queue backend")

	minPoolSize = flag.Int("listener_min_pool_size", 8,
		"minimum number of warm worker goroutines per listener (spec.md §4.9)")
	maxPoolSize = flag.Int("listener_max_pool_size", 512,
		"maximum number of concurrent connections served per listener")
	poolBacklog = flag.Int("listener_backlog", 1024,
		"accepted-but-not-yet-served connection backlog per listener")
	blocklistCIDRs = flag.String("listener_blocklist", "",
		"comma-separated CIDR blocks to reject at accept time")
	rblZones = flag.String("listener_rbl_zones", "",
		"comma-separated DNSBL zones to check incoming IPs against")
	maxConnsPerIP = flag.Int("listener_max_conns_per_ip", 0,
		"maximum concurrent connections from one IP; 0 disables the check")
	ratePerMinute = flag.Int("listener_rate_per_minute", 0,
		"maximum new connections per minute from one IP; 0 disables the check")
	commandFloodPerSecond = flag.Int("listener_command_flood_per_second", 0,
		"maximum SMTP commands per second on one connection; 0 disables the check")
)

// Run starts the server using the flag-parsed --config_dir. Intended for
// the standalone binary's main(), which calls flag.Parse() itself.
func Run() {
	run(*configDir)
}

// RunWithConfigDir starts the server against dir, ignoring the --config_dir
// flag. Intended for the "robin server <config-dir>" subcommand, whose
// positional argument is parsed by docopt rather than flag.
func RunWithConfigDir(dir string) {
	run(dir)
}

func run(configDirPath string) {
	log.Init()

	parseVersionInfo()
	if *showVer {
		fmt.Printf("chasquid %s (source date: %s)\n", version, sourceDate)
		return
	}

	log.Infof("chasquid starting (version %s)", version)

	// Seed the PRNG, just to prevent for it to be totally predictable.
	rand.Seed(time.Now().UnixNano())

	conf, err := config.Load(configDirPath+"/chasquid.conf", *configOverrides)
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	config.LogConfig(conf)

	// Change to the config dir.
	// This allow us to use relative paths for configuration directories.
	// It also can be useful in unusual environments and for testing purposes,
	// where paths inside the configuration itself could be relative, and this
	// fixes the point of reference.
	err = os.Chdir(configDirPath)
	if err != nil {
		log.Fatalf("Error changing to config dir %q: %v", configDirPath, err)
	}

	initMailLog(conf.MailLogPath)

	go signalHandler()

	if conf.MonitoringAddress != "" {
		go launchMonitoringServer(conf)
	}

	s := smtpsrv.NewServer()
	s.Hostname = conf.Hostname
	s.MaxDataSize = conf.MaxDataSizeMb * 1024 * 1024
	s.HookPath = "hooks/"
	s.HAProxyEnabled = conf.HaproxyIncoming

	s.SetAliasesConfig(conf.SuffixSeparators, conf.DropCharacters)

	blocklist, err := listener.ParseCIDRs(*blocklistCIDRs)
	if err != nil {
		log.Fatalf("Invalid --listener_blocklist: %v", err)
	}
	var zones []string
	if *rblZones != "" {
		zones = strings.Split(*rblZones, ",")
	}
	s.AddAdmissionControl(*minPoolSize, *maxPoolSize, *poolBacklog, listener.AdmissionConfig{
		Blocklist:             blocklist,
		RBLZones:              zones,
		MaxConnsPerIP:         *maxConnsPerIP,
		RatePerMinute:         *ratePerMinute,
		CommandFloodPerSecond: *commandFloodPerSecond,
	})

	if conf.DovecotAuth {
		loadDovecot(s, conf.DovecotUserdbPath, conf.DovecotClientPath)
	}

	// Load certificates from "certs/<directory>/{fullchain,privkey}.pem".
	// The structure matches letsencrypt's, to make it easier for that case.
	log.Infof("Loading certificates")
	for _, info := range mustReadDir("certs/") {
		name := info.Name()
		dir := filepath.Join("certs/", name)
		if fi, err := os.Stat(dir); err == nil && !fi.IsDir() {
			// Skip non-directories.
			continue
		}

		log.Infof("  %s", name)

		certPath := filepath.Join(dir, "fullchain.pem")
		if _, err := os.Stat(certPath); os.IsNotExist(err) {
			continue
		}
		keyPath := filepath.Join(dir, "privkey.pem")
		if _, err := os.Stat(keyPath); os.IsNotExist(err) {
			continue
		}

		err := s.AddCerts(certPath, keyPath)
		if err != nil {
			log.Fatalf("    %v", err)
		}
	}

	// Load domains from "domains/".
	log.Infof("Domain config paths:")
	for _, info := range mustReadDir("domains/") {
		domain, err := normalize.Domain(info.Name())
		if err != nil {
			log.Fatalf("Invalid name %+q: %v", info.Name(), err)
		}
		dir := filepath.Join("domains", info.Name())
		loadDomain(domain, dir, s)
	}

	// Always include localhost as local domain.
	// This can prevent potential trouble if we were to accidentally treat it
	// as a remote domain (for loops, alias resolutions, etc.).
	s.AddDomain("localhost")

	dinfo := s.InitDomainInfo(conf.DataDir + "/domaininfo")

	stsCache, err := sts.NewCache(conf.DataDir + "/sts-cache")
	if err != nil {
		log.Fatalf("Failed to initialize STS cache: %v", err)
	}
	go stsCache.PeriodicallyRefresh(context.Background())

	localC := &courier.MDA{
		Binary:  conf.MailDeliveryAgentBin,
		Args:    conf.MailDeliveryAgentArgs,
		Timeout: 30 * time.Second,
	}
	remoteC := &courier.SMTP{
		HelloDomain: conf.Hostname,
		Dinfo:       dinfo,
		STSCache:    stsCache,
	}
	s.InitQueue(conf.DataDir+"/queue", localC, remoteC)

	if *scenarioFile != "" {
		table, err := scenario.Load(*scenarioFile)
		if err != nil {
			log.Fatalf("Error loading scenario file: %v", err)
		}
		store := scenario.NewStore()
		store.Swap(table)
		s.AddScenarios(store)
		log.Infof("Scenario overrides loaded from %s", *scenarioFile)
	}

	if *webhookFile != "" {
		cfg, err := loadWebhookConfig(*webhookFile)
		if err != nil {
			log.Fatalf("Error loading webhook file: %v", err)
		}
		s.AddWebhooks(cfg, webhook.NewInvoker())
		log.Infof("Webhooks loaded from %s", *webhookFile)
	}

	s.AddStorageChain(buildStorageChain(conf, localC))

	if *botsFile != "" {
		defs, err := loadBotDefinitions(*botsFile)
		if err != nil {
			log.Fatalf("Error loading bots file: %v", err)
		}
		reg := bots.NewRegistry(*botsMaxConcurrent)
		reg.Register("session", &bots.SessionBot{From: "robot@" + conf.Hostname, Courier: localC})
		reg.Register("email", &bots.EmailBot{From: "robot@" + conf.Hostname, Courier: localC})
		for _, d := range defs {
			reg.AddDefinition(d)
		}
		s.AddBots(reg)
		log.Infof("Bot definitions loaded from %s", *botsFile)
	}

	if *queueBackend != "" {
		b := newQueueBackend()
		s.InitSchedulerQueue(b, localC, remoteC)
		log.Infof("Relay queue backend: %s", *queueBackend)
	}

	// Load the addresses and listeners.
	systemdLs, err := systemd.Listeners()
	if err != nil {
		log.Fatalf("Error getting systemd listeners: %v", err)
	}

	naddr := loadAddresses(s, conf.SmtpAddress,
		systemdLs["smtp"], smtpsrv.ModeSMTP)
	naddr += loadAddresses(s, conf.SubmissionAddress,
		systemdLs["submission"], smtpsrv.ModeSubmission)
	naddr += loadAddresses(s, conf.SubmissionOverTlsAddress,
		systemdLs["submission_tls"], smtpsrv.ModeSubmissionTLS)

	if naddr == 0 {
		log.Fatalf("No address to listen on")
	}

	s.ListenAndServe()
}

func loadAddresses(srv *smtpsrv.Server, addrs []string, ls []net.Listener, mode smtpsrv.SocketMode) int {
	naddr := 0
	for _, addr := range addrs {
		// The "systemd" address indicates we get listeners via systemd.
		if addr == "systemd" {
			srv.AddListeners(ls, mode)
			naddr += len(ls)
		} else {
			srv.AddAddr(addr, mode)
			naddr++
		}
	}

	if naddr == 0 {
		log.Errorf("Warning: No %v addresses/listeners", mode)
		log.Errorf("If using systemd, check that you named the sockets")
	}
	return naddr
}

func initMailLog(path string) {
	var err error

	switch path {
	case "<syslog>":
		maillog.Default, err = maillog.NewSyslog()
	case "<stdout>":
		maillog.Default = maillog.New(os.Stdout)
	case "<stderr>":
		maillog.Default = maillog.New(os.Stderr)
	default:
		_ = os.MkdirAll(filepath.Dir(path), 0775)
		maillog.Default, err = maillog.NewFile(path)
	}

	if err != nil {
		log.Fatalf("Error opening mail log: %v", err)
	}
}

func signalHandler() {
	var err error

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGHUP)

	for {
		switch sig := <-signals; sig {
		case syscall.SIGHUP:
			// SIGHUP triggers a reopen of the log files. This is used for log
			// rotation.
			err = log.Default.Reopen()
			if err != nil {
				log.Fatalf("Error reopening log: %v", err)
			}

			err = maillog.Default.Reopen()
			if err != nil {
				log.Fatalf("Error reopening maillog: %v", err)
			}
		default:
			log.Errorf("Unexpected signal %v", sig)
		}
	}
}

// Helper to load a single domain configuration into the server.
func loadDomain(name, dir string, s *smtpsrv.Server) {
	log.Infof("  %s", name)
	s.AddDomain(name)

	if _, err := os.Stat(dir + "/users"); err == nil {
		log.Infof("    adding users")
		udb, err := userdb.Load(dir + "/users")
		if err != nil {
			log.Errorf("      error: %v", err)
		} else {
			s.AddUserDB(name, udb)
		}
	}

	log.Infof("    adding aliases")
	err := s.AddAliasesFile(name, dir+"/aliases")
	if err != nil {
		log.Errorf("      error: %v", err)
	}
}

func loadDovecot(s *smtpsrv.Server, userdb, client string) {
	a := dovecot.Autodetect(userdb, client)
	if a == nil {
		log.Errorf("Dovecot autodetection failed, no dovecot fallback")
		return
	}

	if a != nil {
		s.SetAuthFallback(a)
		log.Infof("Fallback authenticator: %v", a)
		if err := a.Check(); err != nil {
			log.Errorf("Failed dovecot authenticator check: %v", err)
		}
	}
}

// Read a directory, which must have at least some entries.
func mustReadDir(path string) []os.FileInfo {
	dirs, err := ioutil.ReadDir(path)
	if err != nil {
		log.Fatalf("Error reading %q directory: %v", path, err)
	}
	if len(dirs) == 0 {
		log.Fatalf("No entries found in %q", path)
	}

	return dirs
}

// loadWebhookConfig parses a YAML list of webhook.Config entries, keyed by
// verb, from path (spec.md §4.3, §6).
func loadWebhookConfig(path string) (map[string]webhook.Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []webhook.Config
	if err := yaml.Unmarshal(buf, &entries); err != nil {
		return nil, err
	}
	out := map[string]webhook.Config{}
	for _, e := range entries {
		out[strings.ToLower(e.Verb)] = e
	}
	return out, nil
}

// loadBotDefinitions reads a YAML list of bots.Definition entries (spec.md
// §4.13) from path.
func loadBotDefinitions(path string) ([]bots.Definition, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var defs []bots.Definition
	if err := yaml.Unmarshal(buf, &defs); err != nil {
		return nil, err
	}
	return defs, nil
}

// buildStorageChain assembles the SpamScan -> AVScan -> LocalFile ->
// Mailbox processor chain (spec.md §4.5). AV/spam scanning are skipped
// (but the chain still runs LocalFile/Mailbox) when no daemon address is
// configured.
func buildStorageChain(conf *config.Config, localC courier.Courier) *storage.Chain {
	var procs []storage.Processor

	var spamClient *spam.Client
	if *spamURL != "" {
		spamClient = spam.NewClient(*spamURL)
	}
	procs = append(procs, storage.NewSpamScan(spamClient, 5.0))

	var avClient *av.Client
	if *avAddr != "" {
		network := "tcp"
		if strings.HasPrefix(*avAddr, "/") {
			network = "unix"
		}
		avClient = av.NewClient(network, *avAddr)
	}
	procs = append(procs, storage.NewAVScan(avClient))

	procs = append(procs, storage.NewLocalFile(conf.DataDir+"/mail"))
	procs = append(procs, storage.NewMailbox(nil, localC))

	return storage.NewChain(*chaosEnabled, procs...)
}

// newQueueBackend constructs the configured relay queue Backend
// implementation (spec.md §4.8).
func newQueueBackend() queue.Backend {
	switch *queueBackend {
	case "memory":
		return queue.NewMemoryBackend()
	case "file":
		dir := *queueBackendDir
		if dir == "" {
			log.Fatalf("--queue_backend_dir is required for the \"file\" queue backend")
		}
		b, err := queue.NewFileBackend(dir)
		if err != nil {
			log.Fatalf("Error opening file queue backend: %v", err)
		}
		return b
	case "sql":
		b, err := queue.OpenSQLBackend(*queueBackendDriver, *queueBackendDSN)
		if err != nil {
			log.Fatalf("Error opening SQL queue backend: %v", err)
		}
		return b
	default:
		log.Fatalf("Unknown --queue_backend %q", *queueBackend)
		return nil
	}
}
