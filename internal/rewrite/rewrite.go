// Package rewrite turns a raw source message into a forward-ready message:
// the original envelope is rendered into every text body, the recipients are
// replaced by the forward target and the result is re-encoded.
package rewrite

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/tracyhatemice/gmailer/internal/header"
)

var (
	ErrEmptyMessage = errors.New("empty message")
	ErrNoRecipient  = errors.New("blank forward address")
	ErrNoBody       = errors.New("message has no header or body")
	ErrMalformed    = errors.New("malformed message")
)

// bodyTag matches the first <body> or <body ...> opening tag.
var bodyTag = regexp.MustCompile(`(?i)<body(?:\s[^>]*)?>`)

// Result is a rewritten message together with the envelope it had before
// rewriting.
type Result struct {
	Raw      []byte
	Original header.Snapshot
}

// Rewriter transforms a raw message into one addressed to toAddress.
// Implementations must not have side effects.
type Rewriter interface {
	Rewrite(raw []byte, toAddress, toName string) (Result, error)
}

// MIME is a Rewriter backed by go-message.
type MIME struct {
	// SubjectPrefix, when not empty, is put in front of the subject
	// separated by a space.
	SubjectPrefix string
}

// NewMIME returns a MIME rewriter using prefix for subjects.
func NewMIME(prefix string) *MIME {
	return &MIME{SubjectPrefix: strings.TrimSpace(prefix)}
}

// Rewrite decodes raw, injects the original envelope banner into each
// text/plain and text/html body part, replaces To/Cc/Bcc with a single
// mailbox and re-encodes the message.
func (m *MIME) Rewrite(raw []byte, toAddress, toName string) (Result, error) {
	if len(raw) == 0 {
		return Result{}, ErrEmptyMessage
	}
	toAddress = strings.TrimSpace(toAddress)
	if toAddress == "" {
		return Result{}, ErrNoRecipient
	}
	toName = strings.TrimSpace(toName)
	if toName == "" {
		toName = "unknown"
	}

	br := bufio.NewReader(bytes.NewReader(raw))
	th, err := textproto.ReadHeader(br)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if th.Len() == 0 {
		return Result{}, ErrNoBody
	}

	h := mail.Header{Header: message.Header{Header: th}}
	original := header.FromHeader(h)

	h.Del("To")
	h.Del("Cc")
	h.Del("Bcc")
	h.SetAddressList("To", []*mail.Address{{Name: toName, Address: toAddress}})

	if m.SubjectPrefix != "" {
		subject, err := h.Subject()
		if err != nil {
			subject = h.Get("Subject")
		}
		h.SetSubject(m.SubjectPrefix + " " + subject)
	}
	h.Set("X-Forwarded-By", "gmailer")
	if !h.Has("Mime-Version") {
		h.Set("MIME-Version", "1.0")
	}

	w := &walker{snapshot: original}
	var out bytes.Buffer
	create := func(hdr textproto.Header) (io.Writer, error) {
		return &out, textproto.WriteHeader(&out, hdr)
	}
	if err := w.emit(h.Header, br, false, create); err != nil {
		return Result{}, fmt.Errorf("encode message: %w", err)
	}

	return Result{Raw: out.Bytes(), Original: original}, nil
}

type walker struct {
	snapshot header.Snapshot
}

// emit writes the entity with header hdr and transport-encoded body raw to
// the writer returned by create. Multipart containers are walked part by
// part. Leaves other than inline text/plain and text/html, and leaves whose
// encoding or charset cannot be decoded, are copied byte for byte.
func (w *walker) emit(hdr message.Header, raw io.Reader, nested bool, create func(textproto.Header) (io.Writer, error)) error {
	mediaType, params := "text/plain", map[string]string{}
	if hdr.Has("Content-Type") {
		t, p, err := hdr.ContentType()
		if err != nil {
			return verbatim(hdr, raw, create)
		}
		mediaType = strings.ToLower(t)
		if p != nil {
			params = p
		}
	}

	if strings.HasPrefix(mediaType, "multipart/") && params["boundary"] != "" {
		return w.multipart(hdr, mediaType, params, raw, create)
	}
	if mediaType != "text/plain" && mediaType != "text/html" {
		return verbatim(hdr, raw, create)
	}
	if disp, _, err := hdr.ContentDisposition(); err == nil && strings.EqualFold(disp, "attachment") {
		return verbatim(hdr, raw, create)
	}

	data, err := io.ReadAll(raw)
	if err != nil {
		return fmt.Errorf("read %s part: %w", mediaType, err)
	}
	e, err := message.New(hdr, bytes.NewReader(data))
	if err != nil {
		// Unknown transfer encoding or charset.
		return verbatim(hdr, bytes.NewReader(data), create)
	}
	decoded, err := io.ReadAll(e.Body)
	if err != nil {
		return verbatim(hdr, bytes.NewReader(data), create)
	}

	var text string
	if mediaType == "text/plain" {
		text = w.snapshot.PlainBanner() + string(decoded)
	} else {
		text = insertHTMLBanner(string(decoded), w.snapshot.HTMLBanner())
	}

	outHdr := hdr.Copy()
	params["charset"] = "utf-8"
	outHdr.SetContentType(mediaType, params)
	if needsQuotedPrintable(outHdr.Get("Content-Transfer-Encoding"), text) {
		outHdr.Set("Content-Transfer-Encoding", "quoted-printable")
	}
	return encodeText(outHdr, text, nested && !hdr.Has("Mime-Version"), create)
}

// multipart copies a container, rewriting its parts one at a time. The
// original boundary is kept unless it is not valid for writing.
func (w *walker) multipart(hdr message.Header, mediaType string, params map[string]string, raw io.Reader, create func(textproto.Header) (io.Writer, error)) error {
	mr := textproto.NewMultipartReader(raw, params["boundary"])

	var body bytes.Buffer
	mw := textproto.NewMultipartWriter(&body)
	if err := mw.SetBoundary(params["boundary"]); err != nil {
		hdr = hdr.Copy()
		params["boundary"] = mw.Boundary()
		hdr.SetContentType(mediaType, params)
	}

	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read part: %w", err)
		}
		if err := w.emit(message.Header{Header: p.Header}, p, true, mw.CreatePart); err != nil {
			return err
		}
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("write multipart: %w", err)
	}

	dst, err := create(hdr.Header)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, &body); err != nil {
		return fmt.Errorf("write multipart: %w", err)
	}
	return nil
}

// verbatim writes hdr and raw without decoding or re-encoding the body.
func verbatim(hdr message.Header, raw io.Reader, create func(textproto.Header) (io.Writer, error)) error {
	dst, err := create(hdr.Header)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, raw); err != nil {
		return fmt.Errorf("write part: %w", err)
	}
	return nil
}

// encodeText encodes text under the transfer encoding named in hdr and
// writes it through create. dropVersion removes the MIME-Version field the
// encoder adds, for body parts that did not carry one.
func encodeText(hdr message.Header, text string, dropVersion bool, create func(textproto.Header) (io.Writer, error)) error {
	var buf bytes.Buffer
	mw, err := message.CreateWriter(&buf, hdr)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(mw, text); err != nil {
		mw.Close()
		return fmt.Errorf("write part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("write part: %w", err)
	}

	br := bufio.NewReader(&buf)
	written, err := textproto.ReadHeader(br)
	if err != nil {
		return fmt.Errorf("write part: %w", err)
	}
	if dropVersion {
		written.Del("Mime-Version")
	}
	return verbatim(message.Header{Header: written}, br, create)
}

// insertHTMLBanner places banner at the start of the first <body> tag, or at
// the very beginning when the document has none.
func insertHTMLBanner(doc, banner string) string {
	idx := 0
	if loc := bodyTag.FindStringIndex(doc); loc != nil {
		idx = loc[0]
	}
	return doc[:idx] + banner + doc[idx:]
}

// needsQuotedPrintable reports whether text can no longer travel under enc.
func needsQuotedPrintable(enc, text string) bool {
	switch strings.ToLower(strings.TrimSpace(enc)) {
	case "", "7bit":
	default:
		return false
	}
	for i := 0; i < len(text); i++ {
		if text[i] >= 0x80 {
			return true
		}
	}
	return false
}
