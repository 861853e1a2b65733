package storage

import (
	"context"
	"os"

	"github.com/transilvlad/robin-sub006/internal/envelope"
	"github.com/transilvlad/robin-sub006/internal/scanner/spam"
)

// NameSpamScan is this processor's chaos-header identifier.
const NameSpamScan = "SpamStorageProcessor"

// SpamScan runs the artifact through a spam-scanning daemon, rejecting if
// the score crosses RejectScore (a permanent rejection, by default) and
// always recording a scan result.
type SpamScan struct {
	Client      *spam.Client
	RejectScore float64
	Code        int
	Msg         string
}

// NewSpamScan returns a spam-scan processor backed by the given client.
func NewSpamScan(c *spam.Client, rejectScore float64) *SpamScan {
	return &SpamScan{
		Client:      c,
		RejectScore: rejectScore,
		Code:        550,
		Msg:         "5.7.1 spam rejected",
	}
}

func (s *SpamScan) Name() string { return NameSpamScan }

func (s *SpamScan) Process(ctx context.Context, art *envelope.Artifact, env *envelope.Envelope) Result {
	if s.Client == nil {
		return Result{Outcome: Continue}
	}

	data, err := os.ReadFile(art.Path)
	if err != nil {
		return Result{Outcome: RejectTransient, Code: 451, Msg: "4.3.0 local error reading message"}
	}

	r, err := s.Client.Scan(ctx, data)
	if err != nil {
		return Result{Outcome: RejectTransient, Code: 451, Msg: "4.7.1 spam scan unavailable"}
	}

	env.AddScanResult(envelope.ScanResult{
		Scanner: "spam",
		Spam: &envelope.SpamResult{
			Score:   r.Score,
			Spam:    r.Spam,
			Symbols: r.Symbols,
		},
	})

	if r.Spam || (s.RejectScore > 0 && r.Score >= s.RejectScore) {
		return Result{Outcome: RejectPermanent, Code: s.Code, Msg: s.Msg}
	}
	return Result{Outcome: Continue}
}
