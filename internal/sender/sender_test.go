package sender

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/emersion/go-mbox"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

var (
	_ Sender = (*SMTP)(nil)
	_ Sender = (*SES)(nil)
	_ Sender = (*Mbox)(nil)
)

const forwarded = "From: Alice <alice@example.com>\r\n" +
	"To: Target <target@example.com>\r\n" +
	"Subject: Hello\r\n" +
	"Message-Id: <abc@example.com>\r\n" +
	"\r\n" +
	"Hi there\r\n"

func TestReadEnvelope(t *testing.T) {
	t.Parallel()

	raw := strings.Replace(forwarded, "Subject:", "Cc: b@example.com, c@example.com\r\nSubject:", 1)
	env, err := readEnvelope([]byte(raw))
	if err != nil {
		t.Fatalf("readEnvelope() error = %v", err)
	}
	if env.from != "alice@example.com" {
		t.Errorf("from: got %q, want %q", env.from, "alice@example.com")
	}
	want := []string{"target@example.com", "b@example.com", "c@example.com"}
	if strings.Join(env.to, ",") != strings.Join(want, ",") {
		t.Errorf("to: got %v, want %v", env.to, want)
	}
	if env.messageID != "abc@example.com" {
		t.Errorf("messageID: got %q, want %q", env.messageID, "abc@example.com")
	}
}

func TestReadEnvelope_NoRecipients(t *testing.T) {
	t.Parallel()

	raw := "From: a@example.com\r\nSubject: x\r\n\r\nbody\r\n"
	if _, err := readEnvelope([]byte(raw)); err == nil {
		t.Fatal("expected error for a message without recipients")
	}
}

func TestCRLF(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"a\nb\n", "a\r\nb\r\n"},
		{"a\r\nb\r\n", "a\r\nb\r\n"},
		{"a\r\nb\nc", "a\r\nb\r\nc"},
		{"single", "single"},
	}
	for _, tt := range tests {
		if got := string(crlf([]byte(tt.in))); got != tt.want {
			t.Errorf("crlf(%q): got %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSMTP_EnvelopeFrom(t *testing.T) {
	t.Parallel()

	env := envelope{from: "alice@example.com"}
	tests := []struct {
		name string
		s    *SMTP
		want string
	}{
		{"explicit from", &SMTP{from: "relay@example.com", username: "user@example.com"}, "relay@example.com"},
		{"username", &SMTP{username: "user@example.com"}, "user@example.com"},
		{"message from", &SMTP{}, "alice@example.com"},
	}
	for _, tt := range tests {
		if got := tt.s.envelopeFrom(env); got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.name, got, tt.want)
		}
	}
}

type smtpSession struct {
	from string
	rcpt []string
	data []byte
}

// fakeSMTP accepts a single plain SMTP session and reports what it received.
func fakeSMTP(t *testing.T) (string, int, <-chan smtpSession) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	done := make(chan smtpSession, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		tp := textproto.NewConn(conn)
		tp.PrintfLine("220 fake ESMTP")

		var sess smtpSession
		for {
			line, err := tp.ReadLine()
			if err != nil {
				return
			}
			cmd := strings.ToUpper(line)
			switch {
			case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
				tp.PrintfLine("250 fake")
			case strings.HasPrefix(cmd, "MAIL FROM:"):
				sess.from = strings.Trim(line[len("MAIL FROM:"):], "<>")
				tp.PrintfLine("250 OK")
			case strings.HasPrefix(cmd, "RCPT TO:"):
				sess.rcpt = append(sess.rcpt, strings.Trim(line[len("RCPT TO:"):], "<>"))
				tp.PrintfLine("250 OK")
			case cmd == "DATA":
				tp.PrintfLine("354 go ahead")
				data, err := tp.ReadDotBytes()
				if err != nil {
					return
				}
				sess.data = data
				tp.PrintfLine("250 queued")
			case cmd == "QUIT":
				tp.PrintfLine("221 bye")
				done <- sess
				return
			default:
				tp.PrintfLine("502 unknown")
			}
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port, done
}

func TestSMTP_Send(t *testing.T) {
	t.Parallel()

	host, port, done := fakeSMTP(t)
	s := NewSMTP(host, port, "", "", "relay@example.com", false, discard)

	id, err := s.Send(context.Background(), []byte(forwarded))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if id != "abc@example.com" {
		t.Errorf("id: got %q, want %q", id, "abc@example.com")
	}

	select {
	case sess := <-done:
		if sess.from != "relay@example.com" {
			t.Errorf("MAIL FROM: got %q, want %q", sess.from, "relay@example.com")
		}
		if len(sess.rcpt) != 1 || sess.rcpt[0] != "target@example.com" {
			t.Errorf("RCPT TO: got %v, want [target@example.com]", sess.rcpt)
		}
		if !bytes.Contains(sess.data, []byte("Subject: Hello")) {
			t.Errorf("DATA does not contain the message: %q", sess.data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for SMTP session")
	}
}

type mockSESClient struct {
	err       error
	callCount int
	lastInput *sesv2.SendEmailInput
}

func (m *mockSESClient) SendEmail(_ context.Context, params *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	m.callCount++
	m.lastInput = params
	if m.err != nil {
		return nil, m.err
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("ses-message-id")}, nil
}

func TestSES_SendRaw(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	s := NewSESWithClient("relay@example.com", mock)

	id, err := s.Send(context.Background(), []byte(forwarded))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if id != "ses-message-id" {
		t.Errorf("id: got %q, want %q", id, "ses-message-id")
	}
	if s.Name() != "ses" {
		t.Errorf("Name(): got %q, want %q", s.Name(), "ses")
	}

	input := mock.lastInput
	if input.Content.Raw == nil {
		t.Fatal("expected raw content")
	}
	if string(input.Content.Raw.Data) != forwarded {
		t.Errorf("raw data: got %q, want %q", input.Content.Raw.Data, forwarded)
	}
	if got := aws.ToString(input.FromEmailAddress); got != "relay@example.com" {
		t.Errorf("FromEmailAddress: got %q, want %q", got, "relay@example.com")
	}
}

func TestSES_NoRetry(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{err: errors.New("throttled")}
	s := NewSESWithClient("", mock)

	if _, err := s.Send(context.Background(), []byte(forwarded)); err == nil {
		t.Fatal("expected error")
	}
	if mock.callCount != 1 {
		t.Errorf("call count: got %d, want 1", mock.callCount)
	}
	if mock.lastInput.FromEmailAddress != nil {
		t.Errorf("FromEmailAddress: got %q, want nil", *mock.lastInput.FromEmailAddress)
	}
}

func TestMbox_Appends(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out", "forwarded.mbox")
	m := NewMbox(path)
	m.now = func() time.Time { return time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC) }

	second := strings.Replace(forwarded, "Subject: Hello", "Subject: Second", 1)
	ids := map[string]bool{}
	for _, raw := range []string{forwarded, second} {
		id, err := m.Send(context.Background(), []byte(raw))
		if err != nil {
			t.Fatalf("Send() error = %v", err)
		}
		if id == "" || ids[id] {
			t.Errorf("id: got %q, want a new non-empty id", id)
		}
		ids[id] = true
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open mbox: %v", err)
	}
	defer f.Close()

	r := mbox.NewReader(f)
	var subjects []string
	for {
		msg, err := r.NextMessage()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("NextMessage() error = %v", err)
		}
		body, _ := io.ReadAll(msg)
		for _, line := range strings.Split(string(body), "\n") {
			if strings.HasPrefix(line, "Subject: ") {
				subjects = append(subjects, strings.TrimRight(strings.TrimPrefix(line, "Subject: "), "\r"))
			}
		}
	}
	if strings.Join(subjects, ",") != "Hello,Second" {
		t.Errorf("subjects: got %v, want [Hello Second]", subjects)
	}
}

func TestMbox_CanceledContext(t *testing.T) {
	t.Parallel()

	m := NewMbox(filepath.Join(t.TempDir(), "x.mbox"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Send(ctx, []byte(forwarded)); !errors.Is(err, context.Canceled) {
		t.Errorf("Send() error: got %v, want context.Canceled", err)
	}
}
