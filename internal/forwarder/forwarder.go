// Package forwarder runs the forward pipeline: list the mailbox, skip what
// the ledger already holds, rewrite and send the rest, then record what was
// sent.
package forwarder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/tracyhatemice/gmailer/internal/ledger"
	"github.com/tracyhatemice/gmailer/internal/receiver"
	"github.com/tracyhatemice/gmailer/internal/rewrite"
	"github.com/tracyhatemice/gmailer/internal/sender"
)

var (
	// ErrAuth marks a run that could not authenticate with the mailbox or
	// the outgoing transport.
	ErrAuth = errors.New("authentication failed")

	// ErrList marks a run that could not list the mailbox.
	ErrList = errors.New("listing failed")
)

// Stage is the position of a run in the pipeline.
type Stage int

const (
	StageInit Stage = iota
	StageAuthenticated
	StageListed
	StageFiltered
	StageDownloaded
	StageRewritten
	StageSent
	StagePersisted
	StageDone
	StageFailed
)

var stageNames = [...]string{
	StageInit:          "init",
	StageAuthenticated: "authenticated",
	StageListed:        "listed",
	StageFiltered:      "filtered",
	StageDownloaded:    "downloaded",
	StageRewritten:     "rewritten",
	StageSent:          "sent",
	StagePersisted:     "persisted",
	StageDone:          "done",
	StageFailed:        "failed",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// Options are the per-run parameters. MaxRead and MaxSend are expected to be
// clamped already.
type Options struct {
	ForwardToAddress string
	ForwardToName    string
	Filter           string
	MaxRead          int
	MaxSend          int
}

// Summary reports the outcome of one run.
type Summary struct {
	RunID         string
	Stage         Stage
	Listed        int
	Candidates    int
	Downloaded    int
	Forwarded     int
	Failed        int
	LedgerUpdated int
}

// authenticator is implemented by senders that need a session before use.
type authenticator interface {
	Authenticate(ctx context.Context) error
}

// Forwarder forwards new messages from one mailbox to one address.
type Forwarder struct {
	opts     Options
	receiver receiver.Receiver
	sender   sender.Sender
	rewriter rewrite.Rewriter
	ledger   *ledger.Ledger
	logger   *slog.Logger
}

// New creates a Forwarder.
func New(
	opts Options,
	recv receiver.Receiver,
	send sender.Sender,
	rw rewrite.Rewriter,
	led *ledger.Ledger,
	logger *slog.Logger,
) *Forwarder {
	return &Forwarder{
		opts:     opts,
		receiver: recv,
		sender:   send,
		rewriter: rw,
		ledger:   led,
		logger:   logger,
	}
}

// Watch runs a pass immediately and then on every interval until ctx is
// cancelled. Failed passes are logged and the loop continues.
func (f *Forwarder) Watch(ctx context.Context, interval time.Duration) {
	f.logger.Info("starting forwarder",
		"sender", f.sender.Name(),
		"forward_to", f.opts.ForwardToAddress,
		"interval", interval,
	)

	f.watchPass(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.logger.Info("forwarder stopped")
			return
		case <-ticker.C:
			f.watchPass(ctx)
		}
	}
}

func (f *Forwarder) watchPass(ctx context.Context) {
	if _, err := f.Run(ctx); err != nil && ctx.Err() == nil {
		f.logger.Error("run failed", "error", err)
	}
}

// Run performs one pass of the pipeline. Authentication and listing
// failures abort the pass before anything is sent. Failures of a single
// message are logged and leave it out of the ledger so the next run
// retries it.
func (f *Forwarder) Run(ctx context.Context) (Summary, error) {
	r := &run{
		Forwarder: f,
		summary:   Summary{RunID: uuid.NewString(), Stage: StageInit},
	}
	r.log = f.logger.With("run_id", r.summary.RunID)
	return r.execute(ctx)
}

// run holds the state of a single pass.
type run struct {
	*Forwarder
	log     *slog.Logger
	summary Summary
}

func (r *run) advance(s Stage) {
	r.summary.Stage = s
	r.log.Debug("stage", "stage", s.String())
}

func (r *run) fail(err error) (Summary, error) {
	r.advance(StageFailed)
	return r.summary, err
}

func (r *run) execute(ctx context.Context) (Summary, error) {
	if err := r.receiver.Authenticate(ctx); err != nil {
		return r.fail(fmt.Errorf("%w: mailbox: %w", ErrAuth, err))
	}
	if a, ok := r.sender.(authenticator); ok {
		if err := a.Authenticate(ctx); err != nil {
			return r.fail(fmt.Errorf("%w: %s sender: %w", ErrAuth, r.sender.Name(), err))
		}
	}
	r.advance(StageAuthenticated)

	seen := r.ledger.LoadIdentifiers(ctx)
	r.log.Debug("ledger loaded", "count", len(seen))

	refs, err := r.receiver.List(ctx, r.opts.Filter, r.opts.MaxRead)
	if err != nil {
		return r.fail(fmt.Errorf("%w: %w", ErrList, err))
	}
	r.summary.Listed = len(refs)
	r.advance(StageListed)

	candidates := selectCandidates(refs, seen, r.opts.MaxSend)
	r.summary.Candidates = len(candidates)
	r.advance(StageFiltered)
	r.log.Info(fmt.Sprintf("found %d new message(s)", len(candidates)), "listed", len(refs))

	var sent []string
	var interrupted error
	for _, ref := range candidates {
		if err := ctx.Err(); err != nil {
			interrupted = err
			r.log.Warn("run interrupted, persisting sent messages", "error", err)
			break
		}
		if r.forwardOne(ctx, ref) {
			sent = append(sent, ref.ID)
		}
	}

	if len(sent) > 0 {
		r.summary.LedgerUpdated = r.ledger.AppendIdentifiers(context.WithoutCancel(ctx), sent)
	}
	r.advance(StagePersisted)

	r.log.Info("run complete",
		"listed", r.summary.Listed,
		"candidates", r.summary.Candidates,
		"downloaded", r.summary.Downloaded,
		"forwarded", r.summary.Forwarded,
		"failed", r.summary.Failed,
		"ledger_updated", r.summary.LedgerUpdated,
	)

	if interrupted != nil {
		return r.fail(fmt.Errorf("run interrupted: %w", interrupted))
	}
	r.advance(StageDone)
	return r.summary, nil
}

// forwardOne downloads, rewrites and sends a single message. It reports
// whether the message was handed to the transport.
func (r *run) forwardOne(ctx context.Context, ref receiver.MessageRef) bool {
	msg, err := r.receiver.Get(ctx, ref.ID)
	if err != nil {
		r.summary.Failed++
		r.log.Error("download failed", "msg_id", ref.ID, "error", err)
		return false
	}
	r.summary.Downloaded++
	r.advance(StageDownloaded)

	res, err := r.rewriter.Rewrite(msg.Raw, r.opts.ForwardToAddress, r.opts.ForwardToName)
	if err != nil {
		r.summary.Failed++
		r.log.Error("rewrite failed", "msg_id", ref.ID, "subject", peekSubject(msg.Raw), "error", err)
		return false
	}
	r.advance(StageRewritten)

	subject := res.Original.Subject
	sentID, err := r.sender.Send(ctx, res.Raw)
	if err != nil {
		r.summary.Failed++
		r.log.Error("send failed", "msg_id", ref.ID, "subject", subject, "error", err)
		return false
	}
	r.summary.Forwarded++
	r.advance(StageSent)

	r.log.Info("forwarded",
		"msg_id", ref.ID,
		"subject", subject,
		"to", r.opts.ForwardToAddress,
		"sender", r.sender.Name(),
		"sent_id", sentID,
	)
	return true
}

// selectCandidates drops references already in the ledger and repeated
// references, keeping listing order, and caps the result at max.
func selectCandidates(refs []receiver.MessageRef, seen ledger.Set, max int) []receiver.MessageRef {
	picked := make(map[string]struct{}, len(refs))
	var out []receiver.MessageRef
	for _, ref := range refs {
		if max > 0 && len(out) >= max {
			break
		}
		if ref.ID == "" || seen.Has(ref.ID) {
			continue
		}
		if _, dup := picked[ref.ID]; dup {
			continue
		}
		picked[ref.ID] = struct{}{}
		out = append(out, ref)
	}
	return out
}

// peekSubject returns the decoded subject of raw, or "" when it cannot be
// read.
func peekSubject(raw []byte) string {
	r, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return ""
	}
	defer r.Close()
	s, err := r.Header.Subject()
	if err != nil {
		return r.Header.Get("Subject")
	}
	return s
}
