package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tracyhatemice/gmailer/internal/config"
	"github.com/tracyhatemice/gmailer/internal/credential"
	"github.com/tracyhatemice/gmailer/internal/forwarder"
	"github.com/tracyhatemice/gmailer/internal/gmail"
	"github.com/tracyhatemice/gmailer/internal/ledger"
	"github.com/tracyhatemice/gmailer/internal/receiver"
	"github.com/tracyhatemice/gmailer/internal/rewrite"
	"github.com/tracyhatemice/gmailer/internal/sender"
)

// pipeline is a fully wired forwarder plus the resources it owns.
type pipeline struct {
	forwarder *forwarder.Forwarder
	receiver  receiver.Receiver
	sender    sender.Sender
	ledger    *ledger.Ledger
	logger    *slog.Logger
}

// Close releases the mailbox session and the ledger store.
func (p *pipeline) Close() {
	if err := p.receiver.Close(); err != nil {
		p.logger.Warn("closing mailbox failed", "error", err)
	}
	if err := p.ledger.Close(); err != nil {
		p.logger.Warn("closing ledger failed", "error", err)
	}
}

func (a *app) build(ctx context.Context) (*pipeline, error) {
	var gc *gmail.Client
	if a.cfg.UsesGmail() {
		tokens, err := credential.Open(a.cfg.Gmail.KeyringDir)
		if err != nil {
			return nil, err
		}
		gc = newGmailClient(a.cfg, tokens, a.logger)
	}

	recv, err := newReceiver(a.cfg, gc, a.logger)
	if err != nil {
		return nil, err
	}
	send, err := newSender(ctx, a.cfg, gc, a.logger)
	if err != nil {
		return nil, err
	}
	backend, err := newLedgerBackend(a.cfg)
	if err != nil {
		return nil, err
	}
	led := ledger.New(backend, a.logger)

	opts := forwarder.Options{
		ForwardToAddress: a.cfg.ForwardToAddress,
		ForwardToName:    a.cfg.ForwardToName(),
		Filter:           a.cfg.MailboxFilter(),
		MaxRead:          a.cfg.MaxRead(),
		MaxSend:          a.cfg.MaxSend(),
	}
	fwd := forwarder.New(opts, recv, send, rewrite.NewMIME(a.cfg.SubjectPrefix()), led, a.logger)

	return &pipeline{
		forwarder: fwd,
		receiver:  recv,
		sender:    send,
		ledger:    led,
		logger:    a.logger,
	}, nil
}

func newGmailClient(cfg *config.Config, tokens gmail.TokenStore, logger *slog.Logger) *gmail.Client {
	oauth := gmail.OAuthConfig(cfg.Gmail.ClientID, cfg.Gmail.ClientSecret, cfg.Gmail.RedirectURL)
	return gmail.New(cfg.UserID, oauth, tokens, logger)
}

func newReceiver(cfg *config.Config, gc *gmail.Client, logger *slog.Logger) (receiver.Receiver, error) {
	m := cfg.Mailbox
	switch m.Protocol {
	case "gmail":
		if gc == nil {
			return nil, errors.New("gmail mailbox requires a gmail client")
		}
		return gc, nil
	case "imap":
		return receiver.NewIMAP(m.Host, m.Port, m.Username, m.Password, m.UseTLS, logger), nil
	case "pop3":
		return receiver.NewPOP3(m.Host, m.Port, m.Username, m.Password, m.UseTLS, logger), nil
	default:
		return nil, fmt.Errorf("unsupported mailbox protocol: %s", m.Protocol)
	}
}

func newSender(ctx context.Context, cfg *config.Config, gc *gmail.Client, logger *slog.Logger) (sender.Sender, error) {
	s := cfg.Sender
	switch s.Protocol {
	case "gmail":
		if gc == nil {
			return nil, errors.New("gmail sender requires a gmail client")
		}
		return gc, nil
	case "smtp":
		return sender.NewSMTP(s.Host, s.Port, s.Username, s.Password, s.From, s.UseTLS, logger), nil
	case "ses":
		return sender.NewSES(ctx, sender.SESConfig{
			Region:          s.SESRegion,
			AccessKeyID:     s.SESAccessKeyID,
			SecretAccessKey: s.SESSecretAccessKey,
			From:            s.From,
		})
	case "mbox":
		return sender.NewMbox(s.MboxPath), nil
	default:
		return nil, fmt.Errorf("unsupported sender protocol: %s", s.Protocol)
	}
}

func newLedgerBackend(cfg *config.Config) (ledger.Backend, error) {
	path := cfg.LedgerPath()
	switch cfg.Ledger.Driver {
	case "sqlite":
		return ledger.NewSQLiteBackend(path)
	case "file", "":
		return ledger.NewFileBackend(path), nil
	default:
		return nil, fmt.Errorf("unsupported ledger driver: %s", cfg.Ledger.Driver)
	}
}
