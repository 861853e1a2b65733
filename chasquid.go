// chasquid is an SMTP (email) server, with a focus on simplicity, security,
// and ease of operation.
//
// See https://blitiri.com.ar/p/chasquid for more details.
//
// This binary is a thin wrapper around internal/serverapp; the "robin"
// binary (cmd/robin) starts the same server code through its "server"
// subcommand, alongside the "client" and "mta-sts" subcommands.
package main

import (
	"flag"

	"github.com/transilvlad/robin-sub006/internal/serverapp"
)

func main() {
	flag.Parse()
	serverapp.Run()
}
