package storage

import (
	"context"
	"os"

	"github.com/transilvlad/robin-sub006/internal/envelope"
	"github.com/transilvlad/robin-sub006/internal/scanner/av"
)

// NameAVScan is this processor's chaos-header identifier.
const NameAVScan = "AVStorageProcessor"

// AVScan runs the artifact through an anti-virus daemon, rejecting
// (permanently) on any infection found.
type AVScan struct {
	Client *av.Client
	Code   int
	Msg    string
}

// NewAVScan returns an AV-scan processor backed by the given client.
func NewAVScan(c *av.Client) *AVScan {
	return &AVScan{Client: c, Code: 554, Msg: "5.7.1 virus rejected"}
}

func (a *AVScan) Name() string { return NameAVScan }

func (a *AVScan) Process(ctx context.Context, art *envelope.Artifact, env *envelope.Envelope) Result {
	if a.Client == nil {
		return Result{Outcome: Continue}
	}

	f, err := os.Open(art.Path)
	if err != nil {
		return Result{Outcome: RejectTransient, Code: 451, Msg: "4.3.0 local error reading message"}
	}
	defer f.Close()

	r, err := a.Client.Scan(f)
	if err != nil {
		return Result{Outcome: RejectTransient, Code: 451, Msg: "4.7.1 AV scan unavailable"}
	}

	env.AddScanResult(envelope.ScanResult{
		Scanner: "av",
		AV: &envelope.AVResult{
			Infected: r.Infected,
			Parts:    r.Parts,
			Viruses:  r.Viruses,
		},
	})

	if r.Infected {
		return Result{Outcome: RejectPermanent, Code: a.Code, Msg: a.Msg}
	}
	return Result{Outcome: Continue}
}
