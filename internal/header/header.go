// Package header captures the envelope of a message before it is rewritten
// and renders it as the banner placed at the top of a forwarded body.
package header

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

const rule = "________________________________"

// Snapshot holds the original envelope fields of a message. Missing fields
// are empty strings.
type Snapshot struct {
	From    string
	To      string
	CC      string
	Date    string
	Subject string
}

// FromHeader captures the envelope fields of h.
func FromHeader(h mail.Header) Snapshot {
	return Snapshot{
		From:    addressField(h, "From"),
		To:      addressField(h, "To"),
		CC:      addressField(h, "Cc"),
		Date:    dateField(h),
		Subject: textField(h, "Subject"),
	}
}

// PlainBanner renders the snapshot as a plain-text block. The field order is
// fixed: From, Sent, To, CC, Subject.
func (s Snapshot) PlainBanner() string {
	var b strings.Builder
	line := func(text string) {
		b.WriteString(text)
		b.WriteString("\r\n")
	}

	line(rule)
	line("From: " + s.From)
	line("Sent: " + s.Date)
	line("To: " + s.To)
	line("CC: " + s.CC)
	line("Subject: " + s.Subject)
	line(rule)
	line("")
	return b.String()
}

// HTMLBanner renders the snapshot as a single paragraph. Every value is
// HTML-escaped since all of them come from the sender.
func (s Snapshot) HTMLBanner() string {
	var b strings.Builder
	b.WriteString("<p>")
	field := func(label, value string) {
		fmt.Fprintf(&b, "<b>%s:</b> %s<br/>", label, html.EscapeString(value))
	}

	field("From", s.From)
	field("Sent", s.Date)
	field("To", s.To)
	field("CC", s.CC)
	field("Subject", s.Subject)
	b.WriteString("</p>")
	return b.String()
}

// addressField formats an address list as "Name <addr>, ..." without
// re-encoding non-ASCII names. Unparsable lists fall back to the decoded text.
func addressField(h mail.Header, key string) string {
	if !h.Has(key) {
		return ""
	}

	addrs, err := h.AddressList(key)
	if err != nil || len(addrs) == 0 {
		return textField(h, key)
	}

	parts := make([]string, len(addrs))
	for i, a := range addrs {
		if a.Name != "" {
			parts[i] = fmt.Sprintf("%s <%s>", a.Name, a.Address)
		} else {
			parts[i] = a.Address
		}
	}
	return strings.Join(parts, ", ")
}

func dateField(h mail.Header) string {
	if !h.Has("Date") {
		return ""
	}
	if t, err := h.Date(); err == nil && !t.IsZero() {
		return t.Format(time.RFC1123Z)
	}
	return textField(h, "Date")
}

func textField(h mail.Header, key string) string {
	v, err := h.Text(key)
	if err != nil {
		return strings.TrimSpace(h.Get(key))
	}
	return strings.TrimSpace(v)
}
