// Command robin is the unified entrypoint for the relay engine's three
// operating modes (spec.md §6): running the server itself, driving the
// scripted test client against a case file, and looking up a domain's
// MTA-STS policy and MX route grouping.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	docopt "github.com/docopt/docopt-go"

	"github.com/transilvlad/robin-sub006/internal/client"
	"github.com/transilvlad/robin-sub006/internal/serverapp"
	"github.com/transilvlad/robin-sub006/internal/sts"
)

const usage = `robin: SMTP/ESMTP/LMTP relay engine.

Usage:
  robin server <config-dir> [--config-overrides=<text>]
  robin client <case-file>
  robin mta-sts <domain>
  robin -h | --help

Options:
  -h --help                     Show this screen.
  --config-overrides=<text>     Config overrides, in text protobuf format.
`

func main() {
	// docopt-go and the standard "flag" package both want to own
	// os.Args[1:]; serverapp's flags (queue backend, scenario/webhook
	// files, etc.) are still registered against flag.CommandLine, so we
	// parse the subcommand with docopt first and only re-enter flag
	// parsing (on the remaining args) for the "server" path.
	opts, err := docopt.ParseArgs(usage, os.Args[1:], "robin")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	switch {
	case truthy(opts["server"]):
		runServer(opts)
	case truthy(opts["client"]):
		runClient(opts)
	case truthy(opts["mta-sts"]):
		runMTASTS(opts)
	}
}

func truthy(v interface{}) bool {
	b, ok := v.(bool)
	return ok && b
}

func runServer(opts docopt.Opts) {
	dir, _ := opts.String("<config-dir>")

	// serverapp registers its own flags at package-init time (scenario
	// file, webhook file, AV/spam addresses, queue backend, ...); parse
	// them from whatever args followed the subcommand so "robin server
	// <dir> --scenario_file=..." still works.
	_ = flag.CommandLine.Parse(extraArgs())
	if ov, _ := opts.String("--config-overrides"); ov != "" {
		_ = flag.Set("config_overrides", ov)
	}

	serverapp.RunWithConfigDir(dir)
}

func runClient(opts docopt.Opts) {
	path, _ := opts.String("<case-file>")

	c, err := client.LoadCase(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "robin client: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	rep := client.Run(ctx, c)
	client.PrintReport(os.Stdout, rep)

	failed := rep.ConversationErr != nil ||
		(len(c.Assertions.SMTP) > 0 && !rep.SMTPGroup.Passed)
	for _, g := range rep.MTAGroups {
		if !g.Passed {
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
}

func runMTASTS(opts docopt.Opts) {
	domain, _ := opts.String("<domain>")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	policy, err := sts.Fetch(ctx, domain)
	if err != nil {
		fmt.Fprintf(os.Stderr, "robin mta-sts: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("domain:  %s\n", domain)
	fmt.Printf("mode:    %s\n", policy.Mode)
	fmt.Printf("max_age: %s\n", policy.MaxAge)
	fmt.Printf("mx:\n")
	for _, mx := range policy.MXs {
		fmt.Printf("  - %s\n", mx)
	}

	g := sts.GroupDomains([]string{domain})
	for _, route := range g.Routes() {
		fmt.Printf("route hash: %s\n", route.Hash)
	}
}

// extraArgs returns the args following the "server <config-dir>"
// positionals, so flag.Parse can still pick up serverapp's flags.
func extraArgs() []string {
	args := os.Args[1:]
	var out []string
	skippedPositionals := 0
	for _, a := range args {
		if len(a) > 1 && a[0] == '-' {
			out = append(out, a)
			continue
		}
		if skippedPositionals < 2 {
			skippedPositionals++
			continue
		}
		out = append(out, a)
	}
	return out
}
