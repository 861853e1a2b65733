// Package mime builds and parses MIME messages for the test client and
// bot subsystems, using emersion/go-message instead of hand-rolling
// multipart assembly (spec.md §4.12, §4.13).
package mime

import (
	"bytes"
	"io"
	"mime"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
)

// Part is one leaf of a parsed message: its header fields (keyed as the
// go-message field iterator returns them, not lower-cased; a repeated
// field keeps its last value) and decoded body.
type Part struct {
	Header      map[string]string
	ContentType string
	FileName    string
	Body        []byte
}

// Message is a parsed MIME message: the top-level headers, plus every
// leaf part (the message itself, if it has no attachments).
type Message struct {
	Header map[string]string
	Parts  []Part
}

// Parse decodes a MIME message, walking multipart bodies and collecting
// every leaf part.
func Parse(r io.Reader) (*Message, error) {
	e, err := message.Read(r)
	if err != nil {
		return nil, err
	}

	out := &Message{Header: headerToMap(e.Header)}

	if mr := e.MultipartReader(); mr != nil {
		for {
			p, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, err
			}
			part, err := readPart(p)
			if err != nil {
				return nil, err
			}
			out.Parts = append(out.Parts, part)
		}
		return out, nil
	}

	part, err := readPart(e)
	if err != nil {
		return nil, err
	}
	out.Parts = []Part{part}
	return out, nil
}

func readPart(e *message.Entity) (Part, error) {
	body, err := io.ReadAll(e.Body)
	if err != nil {
		return Part{}, err
	}

	ctype, params, _ := e.Header.ContentType()
	_, dispParams, _ := e.Header.ContentDisposition()

	fname := params["name"]
	if fname == "" {
		fname = dispParams["filename"]
	}

	return Part{
		Header:      headerToMap(e.Header),
		ContentType: ctype,
		FileName:    fname,
		Body:        body,
	}, nil
}

func headerToMap(h message.Header) map[string]string {
	out := map[string]string{}
	fields := h.Fields()
	for fields.Next() {
		out[fields.Key()] = fields.Value()
	}
	return out
}

// Build assembles a message from a plain-text body and an optional set of
// named attachments, producing the raw bytes to hand to DATA. With no
// attachments the result is a single text/plain part; otherwise it is a
// multipart/mixed message.
func Build(from, to, subject string, body []byte, attachments map[string][]byte) ([]byte, error) {
	var buf bytes.Buffer

	var h message.Header
	h.Set("From", from)
	h.Set("To", to)
	h.Set("Subject", subject)
	h.Set("MIME-Version", "1.0")

	if len(attachments) == 0 {
		h.Set("Content-Type", "text/plain; charset=utf-8")
		w, err := message.CreateWriter(&buf, h)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(body); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	h.SetContentType("multipart/mixed", nil)
	w, err := message.CreateWriter(&buf, h)
	if err != nil {
		return nil, err
	}

	var bodyHeader message.Header
	bodyHeader.Set("Content-Type", "text/plain; charset=utf-8")
	bw, err := w.CreatePart(bodyHeader)
	if err != nil {
		return nil, err
	}
	if _, err := bw.Write(body); err != nil {
		return nil, err
	}
	if err := bw.Close(); err != nil {
		return nil, err
	}

	for name, data := range attachments {
		var ah message.Header
		ctype := mime.TypeByExtension(extOf(name))
		if ctype == "" {
			ctype = "application/octet-stream"
		}
		ah.Set("Content-Type", ctype)
		ah.Set("Content-Disposition", "attachment; filename=\""+name+"\"")
		ah.Set("Content-Transfer-Encoding", "base64")

		aw, err := w.CreatePart(ah)
		if err != nil {
			return nil, err
		}
		if _, err := aw.Write(data); err != nil {
			return nil, err
		}
		if err := aw.Close(); err != nil {
			return nil, err
		}
	}

	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func extOf(name string) string {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return name[i:]
		}
	}
	return ""
}
