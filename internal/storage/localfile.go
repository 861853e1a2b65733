package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/transilvlad/robin-sub006/internal/envelope"
	"github.com/transilvlad/robin-sub006/internal/metrics"
)

// NameLocalFile is this processor's chaos-header identifier.
const NameLocalFile = "LocalFileStorageProcessor"

var localFileWrites = metrics.NewInt("robin/storage/localFileWrites",
	"count of artifacts copied to the local file store")

// LocalFile copies the artifact into a flat on-disk store before handing
// off to Mailbox, per spec.md §6. Each file is named
// "<yyyymmdd>.<session-id>.<envelope-id>.<ext>"; in localMailbox mode, a
// copy is additionally written under each recipient's maildir-style "new"
// directory.
type LocalFile struct {
	Dir           string // root of the flat store; "" disables this stage.
	Ext           string // file extension, e.g. "eml"; defaults to "eml".
	LocalMailbox  bool   // also fan out a copy per recipient.
	MailboxRoot   string // root of the per-recipient maildir tree.
	SessionIDFunc func(env *envelope.Envelope) string
}

// NewLocalFile returns a LocalFile processor rooted at dir.
func NewLocalFile(dir string) *LocalFile {
	return &LocalFile{Dir: dir, Ext: "eml"}
}

func (l *LocalFile) Name() string { return NameLocalFile }

func (l *LocalFile) Process(ctx context.Context, art *envelope.Artifact, env *envelope.Envelope) Result {
	if l.Dir == "" {
		return Result{Outcome: Continue}
	}

	ext := l.Ext
	if ext == "" {
		ext = "eml"
	}

	sessionID := env.ID
	if l.SessionIDFunc != nil {
		sessionID = l.SessionIDFunc(env)
	}
	name := fmt.Sprintf("%s.%s.%s.%s", time.Now().Format("20060102"), sessionID, env.ID, ext)

	if err := os.MkdirAll(l.Dir, 0700); err != nil {
		return Result{Outcome: RejectTransient, Code: 451, Msg: "4.3.0 local storage unavailable"}
	}
	dst := filepath.Join(l.Dir, name)
	if err := copyFile(art.Path, dst); err != nil {
		return Result{Outcome: RejectTransient, Code: 451, Msg: "4.3.0 local storage write failed"}
	}
	localFileWrites.Add(1)

	if l.LocalMailbox && l.MailboxRoot != "" {
		for _, rcpt := range env.Rcpt {
			dir := filepath.Join(l.MailboxRoot, rcpt, "new")
			if err := os.MkdirAll(dir, 0700); err != nil {
				continue
			}
			_ = copyFile(art.Path, filepath.Join(dir, name))
		}
	}

	return Result{Outcome: Continue}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
